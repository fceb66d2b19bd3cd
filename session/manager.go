// Package session manages the Extended Events session that captures the
// activity of stress test connections.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/daveTechLed/sqlstress/sqlconn"
	log "github.com/sirupsen/logrus"
)

const namePrefix = "sqlstress"

// Events captured for every test connection.
var capturedEvents = []string{
	"sqlserver.sql_batch_completed",
	"sqlserver.rpc_completed",
	"sqlserver.sql_statement_completed",
	"sqlserver.error_reported",
}

var capturedActions = []string{
	"sqlserver.context_info",
	"sqlserver.session_id",
	"package0.event_sequence",
}

type Options struct {
	Host     string
	Instance string
	// ApplicationName restricts capture to connections opened with this
	// application name.
	ApplicationName string
	RingBufferKB    int
	MaxDispatchSec  int
}

// Name derives the session name from host and instance. The same process
// configuration always yields the same name, so a session left behind by a
// crash is found and replaced on the next Start.
func Name(host, instance string) string {
	parts := []string{namePrefix, sanitize(host)}
	if instance != "" {
		parts = append(parts, sanitize(instance))
	}
	return strings.Join(parts, "_")
}

func sanitize(s string) string {
	b := strings.Builder{}
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

type Manager struct {
	factory    sqlconn.Factory
	connString string
	opts       Options
	name       string

	// opMu serializes Start and Stop; mu guards state
	opMu   sync.Mutex
	mu     sync.RWMutex
	state  State
	handle sqlconn.Handle
}

// NewManager returns a manager that administers the session over its own
// connection, separate from the test connections.
func NewManager(factory sqlconn.Factory, connString string, opts Options) *Manager {
	if opts.RingBufferKB <= 0 {
		opts.RingBufferKB = 4096
	}
	if opts.MaxDispatchSec <= 0 {
		opts.MaxDispatchSec = 1
	}
	return &Manager{
		factory:    factory,
		connString: connString,
		opts:       opts,
		name:       Name(opts.Host, opts.Instance),
	}
}

func (m *Manager) SessionName() string {
	return m.name
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkTransition(m.state, to); err != nil {
		return err
	}
	log.WithField("session", m.name).Debugf("diagnostic session %s -> %s", m.state, to)
	m.state = to
	return nil
}

// Start (re)creates the session and starts it.
func (m *Manager) Start(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if err := m.setState(Starting); err != nil {
		return err
	}
	h, err := m.factory.Open(ctx, m.connString)
	if err != nil {
		return m.fail("connect", err)
	}
	created := false
	for _, stmt := range []struct{ op, sql string }{
		{"drop stale session", m.dropStaleSQL()},
		{"create", m.createSQL()},
		{"start", m.alterSQL("START")},
	} {
		if err := h.Exec(ctx, stmt.sql); err != nil {
			if created {
				// do not leave a stopped session definition on the server
				if derr := h.Exec(context.WithoutCancel(ctx), m.dropSQL()); derr != nil {
					log.Warnf("dropping diagnostic session %s after failed start: %v", m.name, derr)
				}
			}
			h.Close()
			return m.fail(stmt.op, err)
		}
		created = created || stmt.op == "create"
	}
	m.handle = h
	if err := m.setState(Active); err != nil {
		return err
	}
	log.Infof("diagnostic session %s started", m.name)
	return nil
}

// Stop stops and drops the session. It does nothing unless the session is
// active.
func (m *Manager) Stop(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	switch m.State() {
	case NotStarted, Stopped, Failed:
		return nil
	}
	if err := m.setState(Stopping); err != nil {
		return err
	}
	h := m.handle
	m.handle = nil
	defer h.Close()
	stopErr := h.Exec(ctx, m.alterSQL("STOP"))
	if stopErr != nil {
		log.Warnf("stopping diagnostic session %s failed: %v", m.name, stopErr)
	}
	// dropping also stops a running session, so try it either way
	if err := h.Exec(ctx, m.dropSQL()); err != nil {
		return m.fail("drop", err)
	}
	if err := m.setState(Stopped); err != nil {
		return err
	}
	log.Infof("diagnostic session %s stopped", m.name)
	return nil
}

func (m *Manager) fail(op string, err error) error {
	if serr := m.setState(Failed); serr != nil {
		log.Error(serr)
	}
	se := &SessionError{Session: m.name, Op: op, Kind: classify(err), Err: err}
	log.Error(se)
	return se
}

func quoteName(s string) string {
	return "[" + strings.ReplaceAll(s, "]", "]]") + "]"
}

func quoteString(s string) string {
	return "N'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (m *Manager) dropStaleSQL() string {
	return fmt.Sprintf("IF EXISTS (SELECT 1 FROM sys.server_event_sessions WHERE name = %s) %s",
		quoteString(m.name), m.dropSQL())
}

func (m *Manager) dropSQL() string {
	return fmt.Sprintf("DROP EVENT SESSION %s ON SERVER", quoteName(m.name))
}

func (m *Manager) alterSQL(state string) string {
	return fmt.Sprintf("ALTER EVENT SESSION %s ON SERVER STATE = %s", quoteName(m.name), state)
}

func (m *Manager) createSQL() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE EVENT SESSION %s ON SERVER\n", quoteName(m.name))
	actions := strings.Join(capturedActions, ", ")
	for i, ev := range capturedEvents {
		fmt.Fprintf(&b, "ADD EVENT %s (ACTION (%s)", ev, actions)
		if m.opts.ApplicationName != "" {
			fmt.Fprintf(&b, " WHERE (sqlserver.client_app_name = %s)", quoteString(m.opts.ApplicationName))
		}
		b.WriteString(")")
		if i < len(capturedEvents)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "ADD TARGET package0.ring_buffer (SET max_memory = %d)\n", m.opts.RingBufferKB)
	fmt.Fprintf(&b, "WITH (MAX_DISPATCH_LATENCY = %d SECONDS, EVENT_RETENTION_MODE = ALLOW_SINGLE_EVENT_LOSS, STARTUP_STATE = OFF)",
		m.opts.MaxDispatchSec)
	return b.String()
}
