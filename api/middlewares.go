package api

import (
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"
)

// withCORS lets the UI, served from another origin, call the API.
func (s *SQLStressAPI) withCORS(next httprouter.Handle) httprouter.Handle {
	return httprouter.Handle(func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		if s.allowOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", s.allowOrigin)
		}
		next(w, r, params)
	})
}

func (s *SQLStressAPI) logRequests(name string, next httprouter.Handle) httprouter.Handle {
	return httprouter.Handle(func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		start := time.Now()
		next(w, r, params)
		log.WithFields(log.Fields{
			"route":  name,
			"client": retrieveClientIP(r),
		}).Debugf("%s %s took %s", r.Method, r.URL.Path, time.Since(start))
	})
}
