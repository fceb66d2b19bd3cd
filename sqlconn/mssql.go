package sqlconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/daveTechLed/sqlstress/model"
	_ "github.com/microsoft/go-mssqldb"
	log "github.com/sirupsen/logrus"
)

const (
	driverName  = "sqlserver"
	defaultPort = 1433
)

var ErrInvalidProfile = errors.New("invalid connection profile-")

// MSSQLBuilder builds sqlserver:// URLs understood by go-mssqldb.
type MSSQLBuilder struct{}

func (MSSQLBuilder) Build(p *model.ConnectionProfile, opts BuildOptions) (string, error) {
	if p == nil || p.Server == "" {
		return "", fmt.Errorf("%w%s", ErrInvalidProfile, "server is empty")
	}
	port := defaultPort
	if p.Port.Valid && p.Port.Int64 > 0 {
		port = int(p.Port.Int64)
	}
	q := url.Values{}
	database := opts.Database
	if database == "" && p.Database.Valid {
		database = p.Database.String
	}
	if database != "" {
		q.Set("database", database)
	}
	if opts.ApplicationName != "" {
		q.Set("app name", opts.ApplicationName)
	}
	if p.Encrypt.Valid && p.Encrypt.String != "" {
		q.Set("encrypt", p.Encrypt.String)
	}
	if p.TrustServerCertificate {
		q.Set("TrustServerCertificate", "true")
	}
	u := &url.URL{
		Scheme:   "sqlserver",
		Host:     net.JoinHostPort(p.Server, strconv.Itoa(port)),
		RawQuery: q.Encode(),
	}
	if p.Username.Valid && p.Username.String != "" {
		u.User = url.UserPassword(p.Username.String, p.Password.String)
	}
	return u.String(), nil
}

// MSSQLFactory keeps one database/sql pool per connection string and checks
// out a dedicated *sql.Conn for every Open. The pool resets session state
// when a connection is reused, so markers never leak between handles.
type MSSQLFactory struct {
	mu    sync.Mutex
	pools map[string]*sql.DB
	// MaxOpen bounds each pool. Zero leaves database/sql unbounded.
	MaxOpen int
}

func NewMSSQLFactory(maxOpen int) *MSSQLFactory {
	return &MSSQLFactory{
		pools:   make(map[string]*sql.DB),
		MaxOpen: maxOpen,
	}
}

func (f *MSSQLFactory) pool(connString string) (*sql.DB, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if db, ok := f.pools[connString]; ok {
		return db, nil
	}
	db, err := sql.Open(driverName, connString)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxIdleTime(time.Minute)
	if f.MaxOpen > 0 {
		db.SetMaxOpenConns(f.MaxOpen)
		db.SetMaxIdleConns(f.MaxOpen)
	}
	f.pools[connString] = db
	return db, nil
}

func (f *MSSQLFactory) Open(ctx context.Context, connString string) (Handle, error) {
	db, err := f.pool(connString)
	if err != nil {
		return nil, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return &mssqlHandle{conn: conn}, nil
}

// Close closes every pool the factory opened.
func (f *MSSQLFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for cs, db := range f.pools {
		if err := db.Close(); err != nil {
			log.Warnf("closing sql pool failed: %v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		delete(f.pools, cs)
	}
	return firstErr
}

type mssqlHandle struct {
	conn *sql.Conn
}

func (h *mssqlHandle) Exec(ctx context.Context, query string, args ...any) error {
	_, err := h.conn.ExecContext(ctx, query, args...)
	return err
}

func (h *mssqlHandle) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := h.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (h *mssqlHandle) Close() error {
	return h.conn.Close()
}
