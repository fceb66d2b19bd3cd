package session

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindPermission  ErrorKind = "permission"
	KindUnsupported ErrorKind = "unsupported"
	KindOther       ErrorKind = "other"
)

// SessionError is a failure of the capture session itself, as opposed to a
// failure of a test query.
type SessionError struct {
	Session string
	Op      string
	Kind    ErrorKind
	Err     error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("diagnostic session %s: %s failed (%s): %v", e.Session, e.Op, e.Kind, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// implemented by go-mssqldb's mssql.Error
type sqlErrorNumber interface {
	SQLErrorNumber() int32
}

var (
	permissionErrors = map[int32]bool{
		229:   true, // permission denied on object
		262:   true, // permission denied in database
		297:   true, // user does not have permission
		300:   true, // VIEW SERVER STATE denied
		15247: true, // no permission to perform this action
	}
	unsupportedErrors = map[int32]bool{
		25623: true, // event name is invalid
		25629: true, // customizable attribute does not exist
		25706: true, // event does not exist
	}
)

func classify(err error) ErrorKind {
	var n sqlErrorNumber
	if !errors.As(err, &n) {
		return KindOther
	}
	switch num := n.SQLErrorNumber(); {
	case permissionErrors[num]:
		return KindPermission
	case unsupportedErrors[num]:
		return KindUnsupported
	}
	return KindOther
}
