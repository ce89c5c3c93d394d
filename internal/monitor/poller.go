package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nblistener/backend/internal/logging"
	"github.com/nblistener/backend/internal/metrics"
	"github.com/nblistener/backend/internal/session"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// PollerConfig controls the refresh driver.
type PollerConfig struct {
	Interval    time.Duration
	MinInterval time.Duration
	Timeout     time.Duration // per-notebook refresh timeout, 0 = none
	Concurrency int
}

// TickResult summarises one polling tick.
type TickResult struct {
	Refreshed int
	Failed    int
}

// Poller periodically refreshes every tracked notebook so that session
// changes made outside the UI (kernel restarts, shutdowns) are noticed.
type Poller struct {
	listener *Listener
	metrics  *metrics.Metrics
	log      *zerolog.Logger

	interval    atomic.Int64
	minInterval time.Duration
	timeout     time.Duration
	concurrency int

	resetCh chan struct{}

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func NewPoller(listener *Listener, cfg PollerConfig, m *metrics.Metrics) *Poller {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = time.Second
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	p := &Poller{
		listener:    listener,
		metrics:     m,
		log:         logging.Component("poller"),
		minInterval: cfg.MinInterval,
		timeout:     cfg.Timeout,
		concurrency: cfg.Concurrency,
		resetCh:     make(chan struct{}, 1),
	}
	if cfg.Interval < cfg.MinInterval {
		cfg.Interval = cfg.MinInterval
	}
	p.interval.Store(int64(cfg.Interval))
	return p
}

// Interval returns the current tick interval.
func (p *Poller) Interval() time.Duration {
	return time.Duration(p.interval.Load())
}

// SetInterval changes the tick interval, clamped to the configured minimum.
// A running loop picks it up without waiting for the current period.
func (p *Poller) SetInterval(d time.Duration) {
	if d < p.minInterval {
		d = p.minInterval
	}
	if time.Duration(p.interval.Swap(int64(d))) == d {
		return
	}
	select {
	case p.resetCh <- struct{}{}:
	default:
	}
}

// Start launches the polling loop. The first tick runs immediately. Start
// is a no-op if the poller is already running or was stopped.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.loop(ctx, p.done)
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.Interval())
	defer ticker.Stop()

	p.log.Info().Dur("interval", p.Interval()).Str("source", p.listener.SourceName()).Msg("poller started")

	p.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("poller stopped")
			return
		case <-p.resetCh:
			ticker.Reset(p.Interval())
			p.log.Info().Dur("interval", p.Interval()).Msg("poll interval changed")
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick refreshes every tracked notebook once, up to Concurrency at a time.
// A failing or panicking refresh never prevents the others from running.
func (p *Poller) Tick(ctx context.Context) TickResult {
	start := time.Now()
	ids := p.listener.IDs()

	var failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		id := id
		g.Go(func() error {
			if err := p.refreshOne(ctx, id); err != nil {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	p.metrics.ObserveTick(time.Since(start).Seconds())
	res := TickResult{Refreshed: len(ids), Failed: int(failed.Load())}
	if res.Failed > 0 {
		p.log.Debug().Int("refreshed", res.Refreshed).Int("failed", res.Failed).Msg("poll tick finished with failures")
	}
	return res
}

func (p *Poller) refreshOne(ctx context.Context, id session.NotebookID) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("refresh panic: %v", r)
			p.log.Error().Str("notebook", string(id)).Interface("panic", r).Msg("recovered panic during refresh")
		}
	}()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	return p.listener.Refresh(ctx, id)
}

// Stop cancels the loop and waits for any in-flight tick to finish. No
// notification is delivered by this poller after Stop returns. Stop may be
// called more than once and before Start.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		cancel, done := p.cancel, p.done
		p.mu.Unlock()
		if cancel == nil {
			return
		}
		cancel()
		<-done
	})
}
