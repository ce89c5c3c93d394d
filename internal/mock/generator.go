package mock

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/nblistener/backend/internal/session"
)

// Patterns a mock notebook's kernel can follow.
const (
	PatternSteady     = "steady"
	PatternBurst      = "burst"
	PatternRestart    = "restart"
	PatternCrash      = "crash"
	PatternFlaky      = "flaky"
	PatternMethodical = "methodical"
)

var patterns = []string{PatternSteady, PatternBurst, PatternRestart, PatternCrash, PatternFlaky, PatternMethodical}

type mockKernel struct {
	pattern    string
	tick       int
	generation int
	rng        *rand.Rand
	gone       bool
}

// Source is a session source that makes kernels up. Each notebook gets a
// pattern derived from its id, and every Query advances that notebook's
// kernel by one step, so the sequence a notebook sees is reproducible.
type Source struct {
	mu      sync.Mutex
	kernels map[session.NotebookID]*mockKernel
	assign  map[session.NotebookID]string
	now     func() time.Time
}

func NewSource() *Source {
	return &Source{
		kernels: make(map[session.NotebookID]*mockKernel),
		assign:  make(map[session.NotebookID]string),
		now:     time.Now,
	}
}

func (s *Source) Name() string { return "mock" }

// Assign pins a notebook to a pattern instead of the hashed default.
func (s *Source) Assign(id session.NotebookID, pattern string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assign[id] = pattern
	delete(s.kernels, id)
}

// PatternFor returns the pattern id follows.
func (s *Source) PatternFor(id session.NotebookID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patternLocked(id)
}

func (s *Source) patternLocked(id session.NotebookID) string {
	if p, ok := s.assign[id]; ok {
		return p
	}
	return patterns[seedFor(id)%uint64(len(patterns))]
}

func seedFor(id session.NotebookID) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return h.Sum64()
}

func (s *Source) Query(ctx context.Context, nb session.Notebook) (session.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return session.Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.kernels[nb.ID]
	if !ok {
		k = &mockKernel{
			pattern: s.patternLocked(nb.ID),
			rng:     rand.New(rand.NewSource(int64(seedFor(nb.ID)))),
		}
		s.kernels[nb.ID] = k
	}
	k.tick++

	status, err := advance(k)
	if err != nil {
		return session.Snapshot{}, err
	}
	return session.Snapshot{
		SessionID:  fmt.Sprintf("mock-%s-%d", nb.ID, k.generation),
		Status:     status,
		CapturedAt: s.now(),
	}, nil
}

func advance(k *mockKernel) (session.KernelStatus, error) {
	if k.gone {
		return session.Unknown, fmt.Errorf("%w: mock kernel shut down", session.ErrNotFound)
	}
	if k.tick <= 2 {
		return session.Starting, nil
	}

	switch k.pattern {
	case PatternBurst:
		if k.tick%8 < 3 {
			return session.Busy, nil
		}
		return session.Idle, nil

	case PatternRestart:
		// A restart every 20 steps: new session, kernel starting again.
		const period = 20
		if k.tick%period == 0 {
			k.generation++
			return session.Starting, nil
		}
		if k.tick%4 == 0 {
			return session.Busy, nil
		}
		return session.Idle, nil

	case PatternCrash:
		const crashAt = 15
		switch {
		case k.tick == crashAt:
			return session.Dead, nil
		case k.tick > crashAt:
			k.gone = true
			return session.Unknown, fmt.Errorf("%w: mock kernel shut down", session.ErrNotFound)
		case k.tick%3 == 0:
			return session.Busy, nil
		}
		return session.Idle, nil

	case PatternFlaky:
		if k.rng.Intn(5) == 0 {
			return session.Unknown, fmt.Errorf("%w: mock session manager hiccup", session.ErrTransientUnavailable)
		}
		if k.tick%2 == 0 {
			return session.Busy, nil
		}
		return session.Idle, nil

	case PatternMethodical:
		// Long quiet stretches with a slow sinusoidal duty cycle.
		if math.Sin(float64(k.tick)/4.0) > 0.6 {
			return session.Busy, nil
		}
		return session.Idle, nil
	}

	// Steady.
	if k.tick%3 == 0 {
		return session.Busy, nil
	}
	return session.Idle, nil
}

// DemoNotebooks are the notebooks opened in mock mode.
func DemoNotebooks() []session.Notebook {
	return []session.Notebook{
		{ID: "mock-analysis", Path: "work/analysis.ipynb", Name: "analysis.ipynb"},
		{ID: "mock-training", Path: "work/models/training.ipynb", Name: "training.ipynb"},
		{ID: "mock-etl", Path: "pipelines/etl.ipynb", Name: "etl.ipynb"},
		{ID: "mock-scratch", Path: "scratch.ipynb", Name: "scratch.ipynb"},
		{ID: "mock-report", Path: "reports/weekly.ipynb", Name: "weekly.ipynb"},
		{ID: "mock-explore", Path: "explore/eda.ipynb", Name: "eda.ipynb"},
	}
}

// DemoPatterns pins each demo notebook to a distinct pattern.
func DemoPatterns() map[session.NotebookID]string {
	return map[session.NotebookID]string{
		"mock-analysis": PatternSteady,
		"mock-training": PatternBurst,
		"mock-etl":      PatternRestart,
		"mock-scratch":  PatternCrash,
		"mock-report":   PatternFlaky,
		"mock-explore":  PatternMethodical,
	}
}

// NewDemoSource returns a Source with DemoPatterns applied.
func NewDemoSource() *Source {
	s := NewSource()
	for id, p := range DemoPatterns() {
		s.Assign(id, p)
	}
	return s
}
