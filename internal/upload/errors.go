package upload

import (
	"errors"
	"fmt"
)

// Error is the failure of one instance upload. A Fatal error means the
// server is misconfigured and the rest of the batch would fail the same way.
type Error struct {
	Message string
	Fatal   bool
}

func (e *Error) Error() string {
	return e.Message
}

// AuthRequestedError means the server asked for credentials. The upload can
// be retried once the user has supplied them.
type AuthRequestedError struct {
	Host string
	URL  string
}

func (e *AuthRequestedError) Error() string {
	return fmt.Sprintf("authentication requested by %s", e.Host)
}

// IsFatal reports whether err should abort the remaining batch
func IsFatal(err error) bool {
	var uerr *Error
	return errors.As(err, &uerr) && uerr.Fatal
}

// IsAuthRequested reports whether err asks for credentials
func IsAuthRequested(err error) bool {
	var aerr *AuthRequestedError
	return errors.As(err, &aerr)
}
