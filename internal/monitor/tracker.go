package monitor

import (
	"sort"
	"sync"

	"github.com/nblistener/backend/internal/event"
	"github.com/nblistener/backend/internal/session"
)

// Tracker answers whether a shell widget is an open notebook.
type Tracker interface {
	Lookup(widgetID string) (session.Notebook, bool)
}

// Shell is the UI shell's "current widget changed" event stream.
type Shell interface {
	SubscribeCurrentChanged(fn func(widgetID string)) event.Handle
	UnsubscribeCurrentChanged(h event.Handle) bool
}

// ShellEvents is an in-process Shell. Transports publish the focus events
// they receive from the notebook UI into it.
type ShellEvents struct {
	reg *event.Registry[string]
}

func NewShellEvents() *ShellEvents {
	return &ShellEvents{reg: event.NewRegistry[string]()}
}

func (s *ShellEvents) SubscribeCurrentChanged(fn func(string)) event.Handle {
	return s.reg.Subscribe(fn)
}

func (s *ShellEvents) UnsubscribeCurrentChanged(h event.Handle) bool {
	return s.reg.Unsubscribe(h)
}

// Publish reports that widgetID became the current widget. An empty id means
// no widget has focus.
func (s *ShellEvents) Publish(widgetID string) {
	s.reg.Emit(widgetID)
}

// NotebookTracker is the registry of notebooks open in the UI, keyed by
// widget id. Closing a notebook untracks it from the listener.
type NotebookTracker struct {
	listener *Listener

	mu      sync.RWMutex
	widgets map[string]session.Notebook
	closed  *event.Registry[session.NotebookID]
}

func NewNotebookTracker(listener *Listener) *NotebookTracker {
	return &NotebookTracker{
		listener: listener,
		widgets:  make(map[string]session.Notebook),
		closed:   event.NewRegistry[session.NotebookID](),
	}
}

// Open records an open notebook widget and starts tracking its session.
// widgetID defaults to the notebook id. It reports whether the listener
// accepted the notebook (the path filter may reject it).
func (t *NotebookTracker) Open(widgetID string, nb session.Notebook) bool {
	if widgetID == "" {
		widgetID = string(nb.ID)
	}
	if nb.Path == "" {
		nb.Path = string(nb.ID)
	}
	if t.listener != nil && !t.listener.Track(nb) {
		return false
	}
	t.mu.Lock()
	t.widgets[widgetID] = nb
	t.mu.Unlock()
	return true
}

// Close forgets the widget. The notebook is untracked once its last widget
// closes. It reports whether the widget was known.
func (t *NotebookTracker) Close(widgetID string) bool {
	t.mu.Lock()
	nb, ok := t.widgets[widgetID]
	if ok {
		delete(t.widgets, widgetID)
	}
	lastWidget := ok && !t.hasWidgetLocked(nb.ID)
	t.mu.Unlock()
	if !ok {
		return false
	}
	if !lastWidget {
		return true
	}
	if t.listener != nil {
		t.listener.Untrack(nb.ID)
	}
	t.closed.Emit(nb.ID)
	return true
}

// CloseNotebook closes every widget showing id. A notebook with no widget
// that is still tracked is untracked directly. It reports whether anything
// was closed.
func (t *NotebookTracker) CloseNotebook(id session.NotebookID) bool {
	t.mu.RLock()
	var widgets []string
	for w, nb := range t.widgets {
		if nb.ID == id {
			widgets = append(widgets, w)
		}
	}
	t.mu.RUnlock()

	closed := false
	for _, w := range widgets {
		if t.Close(w) {
			closed = true
		}
	}
	if !closed && t.listener != nil && t.listener.Untrack(id) {
		t.closed.Emit(id)
		closed = true
	}
	return closed
}

func (t *NotebookTracker) hasWidgetLocked(id session.NotebookID) bool {
	for _, nb := range t.widgets {
		if nb.ID == id {
			return true
		}
	}
	return false
}

func (t *NotebookTracker) Lookup(widgetID string) (session.Notebook, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	nb, ok := t.widgets[widgetID]
	return nb, ok
}

// List returns the open notebooks ordered by id.
func (t *NotebookTracker) List() []session.Notebook {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]session.Notebook, 0, len(t.widgets))
	for _, nb := range t.widgets {
		out = append(out, nb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OnClose registers fn to run after a notebook is closed and untracked.
func (t *NotebookTracker) OnClose(fn func(session.NotebookID)) event.Handle {
	return t.closed.Subscribe(fn)
}
