package api

import (
	"errors"
	"fmt"
)

var (
	invalidRequestErr = errors.New("400-")
	notFoundErr       = errors.New("404-")
	ServerErr         = errors.New("500-")
)

func makeInvalidRequestError(message string) error {
	return fmt.Errorf("%w%s", invalidRequestErr, message)
}

func makeInvalidResourceError(resource string) error {
	return fmt.Errorf("%winvalid %s", invalidRequestErr, resource)
}

func makeNoActiveRunError() error {
	return fmt.Errorf("%w%s", notFoundErr, "no stress test is running")
}

func makeInternalServerError(message string) error {
	return fmt.Errorf("%w%s", ServerErr, message)
}
