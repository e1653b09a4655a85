package navigator

import (
	"errors"
	"fmt"
)

// Kind classifies a failed call to the navigator server.
type Kind string

const (
	// KindTransport: the server could not be reached (connection refused,
	// DNS failure, timeout, cancelled context).
	KindTransport Kind = "transport"
	// KindServer: the server answered with a non-2xx status.
	KindServer Kind = "server"
	// KindMalformed: the server answered 2xx with a body that has no string "output".
	KindMalformed Kind = "malformed"
)

// Error is returned by every Client call that fails. Status and BodyExcerpt
// are meant for logs only and must not be shown to chat users.
type Error struct {
	Kind        Kind
	Status      int    // HTTP status, KindServer only
	BodyExcerpt string // first bytes of the response body, KindServer only
	Detail      string // what was wrong with the body, KindMalformed only
	Timeout     bool   // KindTransport caused by a deadline
	Cause       error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindServer:
		return fmt.Sprintf("navigator server error: HTTP %d: %s", e.Status, e.BodyExcerpt)
	case KindMalformed:
		if e.Cause != nil {
			return fmt.Sprintf("navigator malformed response: %s: %v", e.Detail, e.Cause)
		}
		return "navigator malformed response: " + e.Detail
	default:
		if e.Timeout {
			return fmt.Sprintf("navigator transport failure (timeout): %v", e.Cause)
		}
		return fmt.Sprintf("navigator transport failure: %v", e.Cause)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// KindOf reports the Kind of err if it wraps a *Error.
func KindOf(err error) (Kind, bool) {
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Kind, true
	}
	return "", false
}

func IsTransport(err error) bool { return isKind(err, KindTransport) }
func IsServer(err error) bool    { return isKind(err, KindServer) }
func IsMalformed(err error) bool { return isKind(err, KindMalformed) }

func isKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
