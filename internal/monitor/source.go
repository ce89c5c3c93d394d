package monitor

import (
	"context"

	"github.com/nblistener/backend/internal/session"
)

// Source is the session manager the listener queries for a notebook's
// compute session (a Jupyter server, local kernel processes, or a mock).
//
// Query returns the current snapshot for nb. Failures wrap one of
// session.ErrTransientUnavailable, session.ErrNotFound or
// session.ErrMalformed. Implementations must be safe for concurrent use:
// the poller refreshes several notebooks at once.
type Source interface {
	// Name returns a short lowercase identifier, e.g. "jupyter".
	Name() string

	Query(ctx context.Context, nb session.Notebook) (session.Snapshot, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc struct {
	SourceName string
	Fn         func(ctx context.Context, nb session.Notebook) (session.Snapshot, error)
}

func (f SourceFunc) Name() string { return f.SourceName }

func (f SourceFunc) Query(ctx context.Context, nb session.Notebook) (session.Snapshot, error) {
	return f.Fn(ctx, nb)
}
