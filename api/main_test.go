package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/daveTechLed/sqlstress/broadcast"
	"github.com/daveTechLed/sqlstress/config"
	"github.com/daveTechLed/sqlstress/controller"
	"github.com/daveTechLed/sqlstress/model"
	"github.com/daveTechLed/sqlstress/session"
	"github.com/daveTechLed/sqlstress/sqlconn"
	"github.com/daveTechLed/sqlstress/sqlconn/sqlconntest"
	"github.com/daveTechLed/sqlstress/xevent"
	es "github.com/iandyh/eventsource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSession struct {
	mu    sync.Mutex
	state session.State
}

func (s *stubSession) Start(context.Context) error {
	s.mu.Lock()
	s.state = session.Active
	s.mu.Unlock()
	return nil
}

func (s *stubSession) Stop(context.Context) error {
	s.mu.Lock()
	s.state = session.Stopped
	s.mu.Unlock()
	return nil
}

func (s *stubSession) State() session.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stubSession) SessionName() string { return "sqlstress_api_test" }

type stubStream struct {
	once   sync.Once
	events chan *xevent.RawEvent
	errs   chan error
}

func (s *stubStream) Events() <-chan *xevent.RawEvent { return s.events }
func (s *stubStream) Errors() <-chan error            { return s.errs }
func (s *stubStream) Close() error {
	s.once.Do(func() { close(s.events) })
	return nil
}

type stubSource struct{}

func (stubSource) Subscribe(context.Context, string) (xevent.Stream, error) {
	return &stubStream{events: make(chan *xevent.RawEvent), errs: make(chan error)}, nil
}

type stubExecutor struct {
	release chan struct{}
	err     error
}

func (e *stubExecutor) Execute(ctx context.Context, _, _ string, _ []byte) (*controller.ExecutionOutcome, error) {
	if e.release != nil {
		<-e.release
	}
	if e.err != nil {
		return nil, e.err
	}
	return &controller.ExecutionOutcome{DataSizeBytes: 8, ResultSets: 1, Rows: 1}, nil
}

type testServer struct {
	api      *SQLStressAPI
	srv      *httptest.Server
	hub      *broadcast.Hub
	factory  *sqlconntest.Factory
	exec     *stubExecutor
	profiles *model.StaticProfileStore
	history  *model.MemoryRunHistoryStore
}

func newTestServer(t *testing.T) *testServer {
	rc := *config.Default().RunnerConfig
	rc.DrainInterval = 10 * time.Millisecond
	rc.SweepInterval = 5 * time.Millisecond
	rc.ReconnectBackoff = 5 * time.Millisecond
	rc.MaxReconnectBackoff = 10 * time.Millisecond
	rc.StopTimeout = time.Second

	ts := &testServer{
		hub:     broadcast.NewHub(64, time.Hour),
		factory: &sqlconntest.Factory{},
		exec:    &stubExecutor{},
		profiles: model.NewStaticProfileStore([]*config.ConnectionConfig{
			{ID: "local", Name: "local", Server: "localhost", Password: "secret"},
		}),
		history: model.NewMemoryRunHistoryStore(10),
	}
	orch := controller.NewOrchestrator(controller.Deps{
		Profiles:   ts.profiles,
		Builder:    sqlconn.MSSQLBuilder{},
		Factory:    ts.factory,
		Executor:   ts.exec,
		NewSession: func(string) controller.DiagnosticSession { return &stubSession{} },
		NewSource:  func(string) xevent.Source { return stubSource{} },
		Publisher:  ts.hub,
		History:    ts.history,
		Runner:     &rc,
	})
	ts.api = NewAPIServer(orch, ts.hub, ts.profiles, ts.history, &config.HttpConfig{AllowOrigin: "*"})
	ts.srv = httptest.NewServer(ts.api.Router())
	t.Cleanup(func() {
		ts.srv.Close()
		ts.hub.Close()
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *http.Response {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestStressTestEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, "POST", "/api/stresstest", map[string]interface{}{
		"connectionId":       "local",
		"query":              "SELECT 1",
		"parallelExecutions": 2,
		"totalExecutions":    4,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	res := new(controller.StressTestResult)
	decode(t, resp, res)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.TestID)

	resp = ts.do(t, "GET", "/api/runs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs []*model.RunHistory
	decode(t, resp, &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, 4, runs[0].Succeeded)
}

func TestStressTestEndpointErrors(t *testing.T) {
	ts := newTestServer(t)
	cases := []struct {
		name string
		body interface{}
		code int
	}{
		{"bad body", "not an object", http.StatusBadRequest},
		{"missing query", map[string]interface{}{"connectionId": "local", "parallelExecutions": 1, "totalExecutions": 1}, http.StatusBadRequest},
		{"unknown connection", map[string]interface{}{"connectionId": "nope", "query": "SELECT 1", "parallelExecutions": 1, "totalExecutions": 1}, http.StatusBadRequest},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			resp := ts.do(t, "POST", "/api/stresstest", c.body)
			assert.Equal(t, c.code, resp.StatusCode)
		})
	}

	ts.factory.OpenFunc = func(context.Context, string) error { return errors.New("login failed") }
	resp := ts.do(t, "POST", "/api/stresstest", map[string]interface{}{
		"connectionId": "local", "query": "SELECT 1", "parallelExecutions": 1, "totalExecutions": 1,
	})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	res := new(controller.StressTestResult)
	decode(t, resp, res)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestCancelAndStatusEndpoints(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, "POST", "/api/stresstest/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	ts.exec.release = make(chan struct{})
	done := make(chan *http.Response, 1)
	go func() {
		body, _ := json.Marshal(map[string]interface{}{
			"connectionId": "local", "query": "SELECT 1", "parallelExecutions": 1, "totalExecutions": 50,
		})
		r, err := http.Post(ts.srv.URL+"/api/stresstest", "application/json", bytes.NewReader(body))
		if err == nil {
			done <- r
		}
	}()

	require.Eventually(t, func() bool {
		r, err := http.Get(ts.srv.URL + "/api/stresstest/status")
		if err != nil {
			return false
		}
		defer r.Body.Close()
		st := new(controller.RunStatus)
		if json.NewDecoder(r.Body).Decode(st) != nil {
			return false
		}
		return st.Running && st.InFlight == 1
	}, 2*time.Second, 5*time.Millisecond)

	resp = ts.do(t, "POST", "/api/stresstest", map[string]interface{}{
		"connectionId": "local", "query": "SELECT 1", "parallelExecutions": 1, "totalExecutions": 1,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ts.do(t, "POST", "/api/stresstest/cancel", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	close(ts.exec.release)

	select {
	case r := <-done:
		defer r.Body.Close()
		assert.Equal(t, http.StatusOK, r.StatusCode)
		res := new(controller.StressTestResult)
		decode(t, r, res)
		assert.True(t, res.Success)
		assert.Contains(t, res.Message, "cancelled")
	case <-time.After(5 * time.Second):
		t.Fatal("stress test did not return after cancel")
	}
}

func TestConnectionEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "GET", "/api/connections/local", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	p := new(model.ConnectionProfile)
	decode(t, resp, p)
	assert.Equal(t, "localhost", p.Server)
	assert.False(t, p.Password.Valid)

	resp = ts.do(t, "POST", "/api/connections", map[string]interface{}{"name": "other"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, "POST", "/api/connections", map[string]interface{}{
		"name": "reporting", "server": "db.internal", "password": "hunter2",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := new(model.ConnectionProfile)
	decode(t, resp, created)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.Password.Valid)

	resp = ts.do(t, "GET", "/api/connections", nil)
	var all []*model.ConnectionProfile
	decode(t, resp, &all)
	require.Len(t, all, 2)
	assert.Equal(t, "local", all[0].Name)
	assert.Equal(t, "reporting", all[1].Name)

	resp = ts.do(t, "DELETE", "/api/connections/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = ts.do(t, "GET", "/api/connections/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = ts.do(t, "DELETE", "/api/connections/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunsLimit(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, "GET", "/api/runs?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = ts.do(t, "GET", "/api/runs?limit=5", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var runs []*model.RunHistory
	decode(t, resp, &runs)
	assert.Empty(t, runs)
}

func TestStreamEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", ts.srv.URL+"/api/stream", nil)
	require.NoError(t, err)
	stream, err := es.SubscribeWith("", &http.Client{}, req)
	require.NoError(t, err)
	defer stream.Close()

	next := func() map[string]interface{} {
		select {
		case ev := <-stream.Events:
			m := make(map[string]interface{})
			require.NoError(t, json.Unmarshal([]byte(ev.Data()), &m))
			return m
		case err := <-stream.Errors:
			t.Fatalf("stream error: %v", err)
		case <-time.After(2 * time.Second):
			t.Fatal("no event received")
		}
		return nil
	}

	greeting := next()
	assert.Equal(t, string(broadcast.TypeHeartbeat), greeting["type"])

	ts.hub.Publish(&broadcast.EventData{EventName: "sql_batch_completed", ExecutionNumber: 3})
	m := next()
	assert.Equal(t, string(broadcast.TypeExtendedEvent), m["type"])
	data := m["data"].(map[string]interface{})
	assert.Equal(t, "sql_batch_completed", data["eventName"])
}

func TestErrorStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, errorStatus(makeInvalidRequestError("x")))
	assert.Equal(t, http.StatusNotFound, errorStatus(makeNoActiveRunError()))
	assert.Equal(t, http.StatusConflict, errorStatus(controller.ErrRunInProgress))
	assert.Equal(t, http.StatusBadGateway, errorStatus(&session.SessionError{Op: "create", Err: errors.New("x")}))
	assert.Equal(t, http.StatusInternalServerError, errorStatus(errors.New("x")))
}
