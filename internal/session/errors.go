package session

import "errors"

// Session manager failures. Sources wrap one of these so the listener can
// decide how to recover.
var (
	ErrTransientUnavailable = errors.New("session manager unavailable")
	ErrNotFound             = errors.New("notebook has no session")
	ErrMalformed            = errors.New("malformed session manager response")
)

// Classify returns a short label for err, used in logs and metrics.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTransientUnavailable):
		return "unavailable"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	}
	return "other"
}
