// Package sqlconn holds the connection contracts the stress test core depends
// on, and their SQL Server implementation.
package sqlconn

import (
	"context"

	"github.com/daveTechLed/sqlstress/model"
)

// Factory opens one exclusively owned connection for a connection string.
type Factory interface {
	Open(ctx context.Context, connString string) (Handle, error)
}

// Handle is a single server session. Statements issued through the same
// Handle share session state such as CONTEXT_INFO.
type Handle interface {
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (Rows, error)
	Close() error
}

// Rows is the subset of *sql.Rows the core reads results through.
type Rows interface {
	Columns() ([]string, error)
	Next() bool
	Scan(dest ...any) error
	NextResultSet() bool
	Err() error
	Close() error
}

type BuildOptions struct {
	// Database overrides the profile's default database when not empty.
	Database        string
	ApplicationName string
}

// Builder turns a saved profile into a driver connection string.
type Builder interface {
	Build(p *model.ConnectionProfile, opts BuildOptions) (string, error)
}
