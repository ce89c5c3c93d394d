package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/nblistener/backend/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func query(t *testing.T, s *Source, id session.NotebookID, n int) ([]session.Snapshot, []error) {
	t.Helper()
	var snaps []session.Snapshot
	var errs []error
	for i := 0; i < n; i++ {
		snap, err := s.Query(context.Background(), session.Notebook{ID: id, Path: string(id)})
		snaps = append(snaps, snap)
		errs = append(errs, err)
	}
	return snaps, errs
}

func TestSourceStartsInStarting(t *testing.T) {
	s := NewSource()
	snaps, errs := query(t, s, "nb", 2)
	for i := range snaps {
		if errs[i] != nil {
			continue
		}
		assert.Equal(t, session.Starting, snaps[i].Status)
		assert.Equal(t, "mock-nb-0", snaps[i].SessionID)
	}
}

func TestSourceIsDeterministic(t *testing.T) {
	a, aerrs := query(t, NewSource(), "same", 30)
	b, berrs := query(t, NewSource(), "same", 30)
	for i := range a {
		assert.Equal(t, a[i].SessionID, b[i].SessionID)
		assert.Equal(t, a[i].Status, b[i].Status)
		assert.Equal(t, aerrs[i] == nil, berrs[i] == nil)
	}
}

func TestSourceRestartChangesSessionID(t *testing.T) {
	s := NewSource()
	s.Assign("r", PatternRestart)
	snaps, _ := query(t, s, "r", 20)

	assert.Equal(t, "mock-r-0", snaps[18].SessionID)
	assert.Equal(t, "mock-r-1", snaps[19].SessionID)
	assert.Equal(t, session.Starting, snaps[19].Status)
}

func TestSourceCrashEndsSession(t *testing.T) {
	s := NewSource()
	s.Assign("c", PatternCrash)
	snaps, errs := query(t, s, "c", 17)

	require.NoError(t, errs[14])
	assert.Equal(t, session.Dead, snaps[14].Status)
	assert.True(t, errors.Is(errs[15], session.ErrNotFound))
	assert.True(t, errors.Is(errs[16], session.ErrNotFound))
}

func TestSourceFlakyFailsSometimes(t *testing.T) {
	s := NewSource()
	s.Assign("f", PatternFlaky)
	_, errs := query(t, s, "f", 60)

	failures := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, session.ErrTransientUnavailable)
			failures++
		}
	}
	assert.Positive(t, failures)
	assert.Less(t, failures, 60)
}

func TestSourceBurstAndSteadyProduceBusy(t *testing.T) {
	for _, p := range []string{PatternSteady, PatternBurst, PatternMethodical} {
		t.Run(p, func(t *testing.T) {
			s := NewSource()
			s.Assign("x", p)
			snaps, errs := query(t, s, "x", 40)

			seen := map[session.KernelStatus]bool{}
			for i, snap := range snaps {
				require.NoError(t, errs[i])
				seen[snap.Status] = true
			}
			assert.True(t, seen[session.Busy], "some busy steps")
			assert.True(t, seen[session.Idle], "some idle steps")
		})
	}
}

func TestSourceHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSource().Query(ctx, session.Notebook{ID: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDemoPatternsCoverDemoNotebooks(t *testing.T) {
	s := NewDemoSource()
	pats := DemoPatterns()
	for _, nb := range DemoNotebooks() {
		p, ok := pats[nb.ID]
		require.True(t, ok, nb.ID)
		assert.Equal(t, p, s.PatternFor(nb.ID))
	}
}
