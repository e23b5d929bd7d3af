package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/dm/truenas-sync/internal/client"
)

// FailureKind classifies why a refresh did not publish a snapshot.
type FailureKind int

const (
	FailureNone FailureKind = iota
	// FailureConnection covers network and availability problems. Transient.
	FailureConnection
	// FailureRemote covers remote-side faults and unexpected payloads. Transient.
	FailureRemote
	// FailureAuth means the credentials were rejected. Fatal until the
	// operator reconfigures the connection.
	FailureAuth
)

func (k FailureKind) String() string {
	switch k {
	case FailureConnection:
		return "connection"
	case FailureRemote:
		return "remote"
	case FailureAuth:
		return "auth"
	default:
		return ""
	}
}

func (k FailureKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Fatal reports whether the failure requires operator action.
func (k FailureKind) Fatal() bool {
	return k == FailureAuth
}

// Classify maps an error returned by a refresh or a remote call to its kind.
// Anything that is neither an authentication nor a connection failure is a
// remote failure.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, client.ErrAuthenticationFailed):
		return FailureAuth
	case errors.Is(err, client.ErrConnectionFailed),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return FailureConnection
	default:
		return FailureRemote
	}
}

// backoffDuration returns min(2^fails seconds, limit), with limit defaulting
// to 60s. At fails=1: 2s, fails=2: 4s, fails=3: 8s, and so on.
func backoffDuration(fails int, limit time.Duration) time.Duration {
	if limit <= 0 {
		limit = 60 * time.Second
	}
	if fails <= 0 {
		return min(time.Second, limit)
	}
	if fails >= 30 {
		return limit
	}
	return min(time.Duration(1<<fails)*time.Second, limit)
}
