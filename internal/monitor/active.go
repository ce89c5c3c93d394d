package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/nblistener/backend/internal/event"
	"github.com/nblistener/backend/internal/logging"
	"github.com/nblistener/backend/internal/session"
	"github.com/rs/zerolog"
)

// ActiveState is the focus state: either no active notebook, or the id of
// the notebook currently focused in the shell.
type ActiveState struct {
	Active   bool               `json:"active"`
	Notebook session.NotebookID `json:"notebook,omitempty"`
}

// ActiveListener bridges shell focus changes to the listener. Focusing a
// notebook makes it the single active notebook, tracks it if needed and
// triggers an immediate refresh. Focusing anything else clears the active
// notebook. Losing focus never untracks.
type ActiveListener struct {
	shell    Shell
	tracker  Tracker
	listener *Listener
	handle   event.Handle
	timeout  time.Duration
	log      *zerolog.Logger

	mu          sync.Mutex
	state       ActiveState
	transitions *event.Registry[ActiveState]

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewActiveListener subscribes to shell immediately. refreshTimeout bounds
// each triggered refresh; zero means no timeout.
func NewActiveListener(shell Shell, tracker Tracker, listener *Listener, refreshTimeout time.Duration) *ActiveListener {
	ctx, cancel := context.WithCancel(context.Background())
	a := &ActiveListener{
		shell:       shell,
		tracker:     tracker,
		listener:    listener,
		timeout:     refreshTimeout,
		log:         logging.Component("active"),
		transitions: event.NewRegistry[ActiveState](),
		ctx:         ctx,
		cancel:      cancel,
	}
	if shell != nil {
		a.handle = shell.SubscribeCurrentChanged(a.CurrentChanged)
	}
	return a
}

// State returns the current focus state.
func (a *ActiveListener) State() ActiveState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Subscribe registers fn for focus state transitions.
func (a *ActiveListener) Subscribe(fn func(ActiveState)) event.Handle {
	return a.transitions.Subscribe(fn)
}

func (a *ActiveListener) Unsubscribe(h event.Handle) bool {
	return a.transitions.Unsubscribe(h)
}

// CurrentChanged handles a shell "current widget changed" event. The
// transition completes before this returns; the refresh it triggers runs
// in the background.
func (a *ActiveListener) CurrentChanged(widgetID string) {
	nb, isNotebook := session.Notebook{}, false
	if widgetID != "" && a.tracker != nil {
		nb, isNotebook = a.tracker.Lookup(widgetID)
	}

	a.mu.Lock()
	if a.ctx.Err() != nil {
		a.mu.Unlock()
		return
	}
	if isNotebook && !a.listener.activate(nb) {
		a.log.Debug().Str("widget", widgetID).Msg("focused notebook is not trackable")
		isNotebook = false
	}
	next := ActiveState{}
	if isNotebook {
		next = ActiveState{Active: true, Notebook: nb.ID}
	} else {
		a.listener.setActive("")
	}
	prev := a.state
	a.state = next
	if isNotebook {
		// Added under mu so Close cannot start waiting in between.
		a.wg.Add(1)
	}
	a.mu.Unlock()

	if prev != next {
		a.log.Debug().
			Str("from", string(prev.Notebook)).
			Str("to", string(next.Notebook)).
			Msg("active notebook changed")
		a.transitions.Emit(next)
	}
	if isNotebook {
		a.triggerRefresh(nb.ID)
	}
}

// NotebookClosed clears the active state when the active notebook closes.
func (a *ActiveListener) NotebookClosed(id session.NotebookID) {
	a.mu.Lock()
	if !a.state.Active || a.state.Notebook != id {
		a.mu.Unlock()
		return
	}
	a.state = ActiveState{}
	a.listener.setActive("")
	a.mu.Unlock()
	a.transitions.Emit(ActiveState{})
}

// triggerRefresh runs the refresh in the background. The caller has
// already done a.wg.Add(1).
func (a *ActiveListener) triggerRefresh(id session.NotebookID) {
	go func() {
		defer a.wg.Done()
		ctx := a.ctx
		if a.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, a.timeout)
			defer cancel()
		}
		// Failures are already logged by the listener; the transition
		// stands regardless.
		_ = a.listener.Refresh(ctx, id)
	}()
}

// Wait blocks until every triggered refresh has finished.
func (a *ActiveListener) Wait() {
	a.wg.Wait()
}

// Close unsubscribes from the shell, cancels in-flight refreshes and waits
// for them. Safe to call more than once.
func (a *ActiveListener) Close() {
	a.stopOnce.Do(func() {
		if a.shell != nil {
			a.shell.UnsubscribeCurrentChanged(a.handle)
		}
		a.mu.Lock()
		a.cancel()
		a.mu.Unlock()
		a.wg.Wait()
	})
}
