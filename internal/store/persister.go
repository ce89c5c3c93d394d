package store

import (
	"context"
	"time"

	"github.com/nblistener/backend/internal/session"
)

const (
	defaultPruneInterval = 10 * time.Minute
	persistBuffer        = 256
)

type persistOp struct {
	change   *session.Change
	active   session.NotebookID
	isActive bool
}

// Persister writes listener changes and focus transitions to the store from
// its own goroutine. OnChange and OnActive never block; when the queue is
// full the write is dropped and logged.
type Persister struct {
	store *Store
	ttl   time.Duration
	prune time.Duration
	ops   chan persistOp
}

// NewPersister queues writes for st. Snapshots expire after ttl. The caller
// must run Run in a goroutine.
func NewPersister(st *Store, ttl time.Duration) *Persister {
	return &Persister{
		store: st,
		ttl:   ttl,
		prune: defaultPruneInterval,
		ops:   make(chan persistOp, persistBuffer),
	}
}

// OnChange queues c for saving. Suitable as a Listener subscriber.
func (p *Persister) OnChange(c session.Change) {
	p.enqueue(persistOp{change: &c})
}

// OnActive queues the active notebook. An empty id clears it.
func (p *Persister) OnActive(id session.NotebookID) {
	p.enqueue(persistOp{active: id, isActive: true})
}

func (p *Persister) enqueue(op persistOp) {
	select {
	case p.ops <- op:
	default:
		p.store.log.Warn().Msg("persist queue full, dropping write")
	}
}

// Run applies queued writes and prunes expired snapshots until ctx is
// cancelled, then drains what is already queued.
func (p *Persister) Run(ctx context.Context) {
	ticker := time.NewTicker(p.prune)
	defer ticker.Stop()

	if _, err := p.store.Prune(); err != nil {
		p.store.log.Warn().Err(err).Msg("initial prune failed")
	}

	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case op := <-p.ops:
			p.apply(op)
		case <-ticker.C:
			if _, err := p.store.Prune(); err != nil {
				p.store.log.Warn().Err(err).Msg("prune failed")
			}
		}
	}
}

func (p *Persister) drain() {
	for {
		select {
		case op := <-p.ops:
			p.apply(op)
		default:
			return
		}
	}
}

func (p *Persister) apply(op persistOp) {
	if op.isActive {
		if err := p.store.SetActiveNotebook(op.active); err != nil {
			p.store.log.Warn().Err(err).Str("notebook", string(op.active)).Msg("saving active notebook failed")
		}
		return
	}
	if err := p.store.SaveChange(*op.change, p.ttl); err != nil {
		p.store.log.Warn().Err(err).Str("notebook", string(op.change.Notebook)).Msg("saving snapshot failed")
	}
}
