package client

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthenticationFailed means the credentials were rejected or the
	// session was invalidated. Callers must not retry without new credentials.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrConnectionFailed wraps transport-level failures: dial errors, broken
	// sockets, timeouts waiting for a reply.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrNotConnected is returned by calls issued after Close or after the
	// read loop has exited.
	ErrNotConnected = fmt.Errorf("%w: not connected", ErrConnectionFailed)
)

// Remote error names that indicate the session is no longer authorised.
const (
	errnameNotAuthenticated = "ENOTAUTHENTICATED"
	errnameAccess           = "EACCES"
	errnoAccess             = 13
)

// RemoteError is an application-level error reported by the middleware for a
// single method call.
type RemoteError struct {
	Method string
	Code   int
	Name   string
	Reason string
}

func (e *RemoteError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s: remote error %s (%d): %s", e.Method, e.Name, e.Code, e.Reason)
	}
	return fmt.Sprintf("%s: remote error %d: %s", e.Method, e.Code, e.Reason)
}

// Is lets errors.Is(err, ErrAuthenticationFailed) match remote errors that
// report a missing or rejected session.
func (e *RemoteError) Is(target error) bool {
	if target != ErrAuthenticationFailed {
		return false
	}
	return e.Name == errnameNotAuthenticated || e.Name == errnameAccess || e.Code == errnoAccess
}

func connectionError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrConnectionFailed, err)
}
