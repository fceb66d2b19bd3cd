package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/daveTechLed/sqlstress/broadcast"
	"github.com/daveTechLed/sqlstress/config"
	"github.com/daveTechLed/sqlstress/controller"
	"github.com/daveTechLed/sqlstress/model"
	"github.com/daveTechLed/sqlstress/session"
	"github.com/daveTechLed/sqlstress/utils"
	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"
)

type SQLStressAPI struct {
	orch        *controller.Orchestrator
	hub         *broadcast.Hub
	profiles    model.ProfileStore
	history     model.RunHistoryStore
	allowOrigin string
}

func NewAPIServer(orch *controller.Orchestrator, hub *broadcast.Hub, profiles model.ProfileStore,
	history model.RunHistoryStore, hc *config.HttpConfig) *SQLStressAPI {
	s := &SQLStressAPI{
		orch:     orch,
		hub:      hub,
		profiles: profiles,
		history:  history,
	}
	if hc != nil {
		s.allowOrigin = hc.AllowOrigin
	}
	return s
}

type JSONMessage struct {
	Message string `json:"message"`
}

func (s *SQLStressAPI) jsonise(w http.ResponseWriter, status int, content interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(content)
}

func (s *SQLStressAPI) makeRespMessage(message string) *JSONMessage {
	return &JSONMessage{
		Message: message,
	}
}

func (s *SQLStressAPI) makeFailMessage(w http.ResponseWriter, message string, statusCode int) {
	messageObj := s.makeRespMessage(message)
	s.jsonise(w, statusCode, messageObj)
}

// statusFromExt maps errors of other packages to a status code. Zero means
// the error is not one of theirs.
func statusFromExt(err error) int {
	var (
		dbe *model.DBError
		ve  *controller.ValidationError
		ce  *controller.ConnectionError
		se  *session.SessionError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, controller.ErrRunInProgress):
		return http.StatusConflict
	case errors.As(err, &ce), errors.As(err, &se):
		return http.StatusBadGateway
	case errors.As(err, &dbe):
		return http.StatusNotFound
	}
	return 0
}

func errorStatus(err error) int {
	if code := statusFromExt(err); code != 0 {
		return code
	}
	switch {
	case errors.Is(err, invalidRequestErr):
		return http.StatusBadRequest
	case errors.Is(err, notFoundErr):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *SQLStressAPI) handleErrors(w http.ResponseWriter, err error) {
	code := errorStatus(err)
	if code == http.StatusInternalServerError {
		log.Printf("api error: %v", err)
	}
	s.makeFailMessage(w, err.Error(), code)
}

func (s *SQLStressAPI) stressTestHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req := new(controller.StressTestRequest)
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		s.handleErrors(w, makeInvalidRequestError(err.Error()))
		return
	}
	res := s.orch.RunStressTest(r.Context(), req)
	status := http.StatusOK
	if !res.Success {
		status = errorStatus(res.Err)
	}
	s.jsonise(w, status, res)
}

func (s *SQLStressAPI) stressTestCancelHandler(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	if !s.orch.Cancel() {
		s.handleErrors(w, makeNoActiveRunError())
		return
	}
	s.jsonise(w, http.StatusAccepted, s.makeRespMessage("cancellation requested"))
}

func (s *SQLStressAPI) stressTestStatusHandler(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.jsonise(w, http.StatusOK, s.orch.Status())
}

func (s *SQLStressAPI) streamHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientID := fmt.Sprintf("%s-%s", retrieveClientIP(r), utils.RandStringRunes(6))
	sub := s.hub.Subscribe(clientID)
	defer s.hub.Unsubscribe(sub)
	for {
		select {
		case <-r.Context().Done():
			return
		case m, ok := <-sub.C:
			if !ok {
				return
			}
			b, err := broadcast.Encode(m)
			if err != nil {
				log.Errorf("cannot encode %s message: %v", m.Type(), err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event:%s\ndata:%s\n\n", m.Type(), b); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *SQLStressAPI) connectionsGetHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	profiles, err := s.profiles.ListProfiles(r.Context())
	if err != nil {
		s.handleErrors(w, err)
		return
	}
	redacted := make([]*model.ConnectionProfile, 0, len(profiles))
	for _, p := range profiles {
		redacted = append(redacted, p.Redacted())
	}
	s.jsonise(w, http.StatusOK, redacted)
}

func (s *SQLStressAPI) connectionGetHandler(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	p, err := s.profiles.GetProfile(r.Context(), params.ByName("connection_id"))
	if err != nil {
		s.handleErrors(w, err)
		return
	}
	s.jsonise(w, http.StatusOK, p.Redacted())
}

func (s *SQLStressAPI) connectionCreateHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	p := new(model.ConnectionProfile)
	if err := json.NewDecoder(r.Body).Decode(p); err != nil {
		s.handleErrors(w, makeInvalidRequestError(err.Error()))
		return
	}
	if strings.TrimSpace(p.Server) == "" {
		s.handleErrors(w, makeInvalidResourceError("server"))
		return
	}
	if p.Name == "" {
		p.Name = p.Server
	}
	if err := s.profiles.SaveProfile(r.Context(), p); err != nil {
		s.handleErrors(w, err)
		return
	}
	s.jsonise(w, http.StatusCreated, p.Redacted())
}

func (s *SQLStressAPI) connectionDeleteHandler(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("connection_id")
	if _, err := s.profiles.GetProfile(r.Context(), id); err != nil {
		s.handleErrors(w, err)
		return
	}
	if err := s.profiles.DeleteProfile(r.Context(), id); err != nil {
		s.handleErrors(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *SQLStressAPI) runsGetHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.history == nil {
		s.jsonise(w, http.StatusOK, []*model.RunHistory{})
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		s.handleErrors(w, err)
		return
	}
	runs, err := s.history.GetRuns(r.Context(), limit)
	if err != nil {
		s.handleErrors(w, makeInternalServerError(err.Error()))
		return
	}
	if runs == nil {
		runs = []*model.RunHistory{}
	}
	s.jsonise(w, http.StatusOK, runs)
}

type Route struct {
	Name        string
	Method      string
	Path        string
	HandlerFunc httprouter.Handle
}

type Routes []*Route

func (s *SQLStressAPI) InitRoutes() Routes {
	routes := Routes{
		&Route{"run_stress_test", "POST", "/api/stresstest", s.stressTestHandler},
		&Route{"cancel_stress_test", "POST", "/api/stresstest/cancel", s.stressTestCancelHandler},
		&Route{"stress_test_status", "GET", "/api/stresstest/status", s.stressTestStatusHandler},
		&Route{"stream", "GET", "/api/stream", s.streamHandler},

		&Route{"get_connections", "GET", "/api/connections", s.connectionsGetHandler},
		&Route{"create_connection", "POST", "/api/connections", s.connectionCreateHandler},
		&Route{"get_connection", "GET", "/api/connections/:connection_id", s.connectionGetHandler},
		&Route{"delete_connection", "DELETE", "/api/connections/:connection_id", s.connectionDeleteHandler},

		&Route{"get_runs", "GET", "/api/runs", s.runsGetHandler},
	}
	for _, r := range routes {
		r.HandlerFunc = s.logRequests(r.Name, s.withCORS(r.HandlerFunc))
	}
	return routes
}

// Router builds the httprouter serving every API route.
func (s *SQLStressAPI) Router() *httprouter.Router {
	r := httprouter.New()
	for _, route := range s.InitRoutes() {
		r.Handle(route.Method, route.Path, route.HandlerFunc)
	}
	return r
}
