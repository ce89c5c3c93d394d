package monitor

import (
	"context"
	"sync"

	"github.com/nblistener/backend/internal/session"
)

type queryResult struct {
	snap session.Snapshot
	err  error
}

// fakeSource returns canned results per notebook. A notebook with a gate
// blocks in Query until the gate is closed or ctx ends.
type fakeSource struct {
	mu      sync.Mutex
	results map[session.NotebookID]queryResult
	gates   map[session.NotebookID]chan struct{}
	entered chan session.NotebookID
	calls   map[session.NotebookID]int
	panics  map[session.NotebookID]bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		results: make(map[session.NotebookID]queryResult),
		gates:   make(map[session.NotebookID]chan struct{}),
		calls:   make(map[session.NotebookID]int),
		panics:  make(map[session.NotebookID]bool),
		entered: make(chan session.NotebookID, 64),
	}
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) set(id session.NotebookID, sessionID string, status session.KernelStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[id] = queryResult{snap: session.Snapshot{SessionID: sessionID, Status: status}}
}

func (f *fakeSource) fail(id session.NotebookID, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[id] = queryResult{err: err}
}

// block makes Query for id wait; closing the returned channel releases it.
func (f *fakeSource) block(id session.NotebookID) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.gates[id] = gate
	return gate
}

func (f *fakeSource) panicOn(id session.NotebookID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panics[id] = true
}

func (f *fakeSource) callCount(id session.NotebookID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeSource) Query(ctx context.Context, nb session.Notebook) (session.Snapshot, error) {
	f.mu.Lock()
	f.calls[nb.ID]++
	gate := f.gates[nb.ID]
	shouldPanic := f.panics[nb.ID]
	f.mu.Unlock()

	select {
	case f.entered <- nb.ID:
	default:
	}
	if shouldPanic {
		panic("source exploded")
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return session.Snapshot{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.results[nb.ID]
	if !ok {
		return session.Snapshot{}, session.ErrNotFound
	}
	return r.snap, r.err
}

// recorder collects change notifications.
type recorder struct {
	mu      sync.Mutex
	changes []session.Change
}

func (r *recorder) record(c session.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) all() []session.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Change(nil), r.changes...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

func testNotebook(id string) session.Notebook {
	return session.Notebook{ID: session.NotebookID(id), Path: id + ".ipynb", Name: id}
}

// newTestListener returns a listener with a recorder already subscribed.
func newTestListener(src Source, opts ...ListenerOption) (*Listener, *recorder) {
	l := NewListener(src, opts...)
	rec := &recorder{}
	l.Subscribe(rec.record)
	return l, rec
}
