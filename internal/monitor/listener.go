package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nblistener/backend/internal/event"
	"github.com/nblistener/backend/internal/logging"
	"github.com/nblistener/backend/internal/metrics"
	"github.com/nblistener/backend/internal/session"
	"github.com/rs/zerolog"
)

const defaultFailureThreshold = 3

// Listener owns the notebook -> session snapshot mapping and notifies
// subscribers when a refresh observes different session content.
//
// Subscriber callbacks run synchronously on the goroutine that completed the
// refresh. They must not block and must not call Refresh, Untrack or Close,
// which take the same notify lock.
type Listener struct {
	source  Source
	store   *session.Store
	filter  atomic.Pointer[session.PathFilter]
	changes *event.Registry[session.Change]
	healthz *event.Registry[HealthReport]
	health  *sourceHealth
	metrics *metrics.Metrics
	log     *zerolog.Logger
	now     func() time.Time

	threshold atomic.Int64

	// notifyMu serialises apply+dispatch so notifications for a notebook
	// are delivered in the order refreshes complete, and so Untrack/Close
	// cannot interleave between an apply and its dispatch.
	notifyMu sync.Mutex
	closed   atomic.Bool
}

type ListenerOption func(*Listener)

func WithMetrics(m *metrics.Metrics) ListenerOption {
	return func(l *Listener) { l.metrics = m }
}

func WithPathFilter(f *session.PathFilter) ListenerOption {
	return func(l *Listener) { l.filter.Store(f) }
}

func WithFailureThreshold(n int) ListenerOption {
	return func(l *Listener) { l.threshold.Store(int64(n)) }
}

func WithClock(now func() time.Time) ListenerOption {
	return func(l *Listener) { l.now = now }
}

// NewListener builds a listener over source. A nil source is allowed: every
// refresh then fails as unavailable and notebooks stay at Unknown.
func NewListener(source Source, opts ...ListenerOption) *Listener {
	if source == nil {
		source = unavailableSource{}
	}
	l := &Listener{
		source:  source,
		store:   session.NewStore(),
		changes: event.NewRegistry[session.Change](),
		healthz: event.NewRegistry[HealthReport](),
		health:  newSourceHealth(),
		log:     logging.Component("listener"),
		now:     time.Now,
	}
	l.threshold.Store(defaultFailureThreshold)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SourceName returns the name of the session source.
func (l *Listener) SourceName() string {
	return l.source.Name()
}

// SetPathFilter replaces the tracking filter. Already-tracked notebooks
// are kept; the filter applies to later Track calls.
func (l *Listener) SetPathFilter(f *session.PathFilter) {
	l.filter.Store(f)
}

func (l *Listener) SetFailureThreshold(n int) {
	if n < 1 {
		n = 1
	}
	l.threshold.Store(int64(n))
}

// Track registers nb for session observation and reports whether it is
// tracked afterwards. Tracking an already-tracked notebook is a no-op. The
// initial snapshot has no session and Unknown status; no query is made and
// no notification is sent.
func (l *Listener) Track(nb session.Notebook) bool {
	if l.closed.Load() || nb.ID == "" {
		return false
	}
	if !l.filter.Load().IsAllowed(nb.Path) {
		l.log.Debug().Str("notebook", string(nb.ID)).Str("path", nb.Path).Msg("notebook excluded by path filter")
		return false
	}
	if l.store.Track(nb, l.now()) {
		l.log.Info().Str("notebook", string(nb.ID)).Str("path", nb.Path).Msg("tracking notebook")
		l.metrics.SetTracked(l.store.Len())
	}
	return true
}

// Untrack stops observing id. No notification for id is delivered after
// Untrack returns, even from a refresh that was already in flight.
func (l *Listener) Untrack(id session.NotebookID) bool {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()
	if !l.store.Untrack(id) {
		return false
	}
	l.health.removeNotebook(id)
	l.metrics.SetTracked(l.store.Len())
	l.log.Info().Str("notebook", string(id)).Msg("untracked notebook")
	return true
}

// IsTracked reports whether id is under observation.
func (l *Listener) IsTracked(id session.NotebookID) bool {
	_, ok := l.store.Get(id)
	return ok
}

func (l *Listener) Get(id session.NotebookID) (session.TrackedNotebook, bool) {
	return l.store.Get(id)
}

// Notebooks returns copies of all tracked notebooks ordered by id.
func (l *Listener) Notebooks() []session.TrackedNotebook {
	return l.store.GetAll()
}

// IDs returns the ids of all tracked notebooks.
func (l *Listener) IDs() []session.NotebookID {
	return l.store.IDs()
}

// Active returns the active notebook id, or "" when none is active.
func (l *Listener) Active() session.NotebookID {
	return l.store.Active()
}

// setActive marks id as the single active notebook. Only the
// ActiveListener calls this.
func (l *Listener) setActive(id session.NotebookID) session.NotebookID {
	return l.store.SetActive(id)
}

// activate tracks nb and makes it the active notebook. Holding notifyMu
// keeps Untrack and Close from landing between the two steps.
func (l *Listener) activate(nb session.Notebook) bool {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()
	if !l.Track(nb) {
		return false
	}
	l.store.SetActive(nb.ID)
	return true
}

// Subscribe registers fn for change notifications.
func (l *Listener) Subscribe(fn func(session.Change)) event.Handle {
	return l.changes.Subscribe(fn)
}

func (l *Listener) Unsubscribe(h event.Handle) bool {
	return l.changes.Unsubscribe(h)
}

// SubscribeHealth registers fn for source health transitions.
func (l *Listener) SubscribeHealth(fn func(HealthReport)) event.Handle {
	return l.healthz.Subscribe(fn)
}

func (l *Listener) UnsubscribeHealth(h event.Handle) bool {
	return l.healthz.Unsubscribe(h)
}

// Health returns the current source health.
func (l *Listener) Health() HealthReport {
	return l.health.report(l.source.Name(), int(l.threshold.Load()), l.store.Len())
}

// Close disposes the listener. Refreshes completing afterwards discard
// their results and Track becomes a no-op.
func (l *Listener) Close() {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()
	l.closed.Store(true)
}

// Refresh queries the session source for id and notifies subscribers if
// the session id or kernel status differs from the stored snapshot.
//
// Refresh never panics and never reports errors to subscribers. Source
// failures are logged and returned for the caller's bookkeeping:
//   - unavailable and malformed responses keep the previous snapshot;
//   - not-found clears a previously observed session and emits an Ended
//     change, otherwise it is a no-op.
//
// Untracked ids and refreshes finishing after Untrack, Close or ctx
// cancellation produce no notification. A ctx deadline counts as the source
// being unavailable.
func (l *Listener) Refresh(ctx context.Context, id session.NotebookID) error {
	if l.closed.Load() {
		return nil
	}
	tracked, gen, ok := l.store.Lookup(id)
	if !ok {
		return nil
	}

	snap, err := l.source.Query(ctx, tracked.Notebook)
	now := l.now()

	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()

	if l.closed.Load() {
		return nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, session.ErrTransientUnavailable) {
		err = fmt.Errorf("%w: %w", session.ErrTransientUnavailable, err)
	}

	l.metrics.ObserveRefresh(session.Classify(err))

	if err != nil && !errors.Is(err, session.ErrNotFound) {
		l.health.recordFailure(id, err, now)
		l.log.Warn().Err(err).
			Str("notebook", string(id)).
			Str("source", l.source.Name()).
			Str("kind", session.Classify(err)).
			Msg("session refresh failed, keeping previous snapshot")
		l.emitHealthLocked()
		return err
	}
	l.health.recordSuccess(id)
	l.emitHealthLocked()

	ended := false
	if err != nil {
		// Not found: only a previously observed session needs clearing.
		current, _, ok := l.store.Lookup(id)
		if !ok || !current.Snapshot.HasSession() {
			return nil
		}
		snap = session.Snapshot{Status: session.Unknown}
		ended = true
	}
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = now
	}

	prev, changed, ok := l.store.Apply(id, gen, snap)
	if !ok || !changed {
		return nil
	}
	if !ended && prev.HasSession() && !snap.HasSession() {
		// A source reporting an empty id for a known session is also an end.
		ended = true
	}

	change := session.Change{
		Notebook: id,
		Path:     tracked.Path,
		Snapshot: snap,
		Previous: prev,
		Ended:    ended,
	}
	l.log.Debug().
		Str("notebook", string(id)).
		Str("session", snap.SessionID).
		Str("status", snap.Status.String()).
		Str("previous", prev.Status.String()).
		Bool("ended", ended).
		Msg("session changed")
	l.metrics.ObserveNotification(ended)
	l.changes.Emit(change)
	return nil
}

// emitHealthLocked publishes a health transition. Caller holds notifyMu.
func (l *Listener) emitHealthLocked() {
	report, changed := l.health.reportIfChanged(l.source.Name(), int(l.threshold.Load()), l.store.Len())
	if !changed {
		return
	}
	l.log.Info().Str("status", string(report.Status)).Int("failing", report.FailingNotebooks).Msg("source health changed")
	l.healthz.Emit(report)
}

type unavailableSource struct{}

func (unavailableSource) Name() string { return "none" }

func (unavailableSource) Query(context.Context, session.Notebook) (session.Snapshot, error) {
	return session.Snapshot{}, session.ErrTransientUnavailable
}
