package api

import (
	"net/http"
	"strconv"
	"strings"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 500
)

func retrieveClientIP(r *http.Request) string {
	t := r.Header.Get("x-forwarded-for")
	if t == "" {
		return r.RemoteAddr
	}
	return strings.Split(t, ",")[0]
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultRunsLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, makeInvalidResourceError("limit")
	}
	if limit > maxRunsLimit {
		limit = maxRunsLimit
	}
	return limit, nil
}
