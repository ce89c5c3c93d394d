package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nblistener/backend/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func staticKernels(ks *[]KernelProcess) KernelLister {
	return func(context.Context) ([]KernelProcess, error) {
		return append([]KernelProcess(nil), (*ks)...), nil
	}
}

func TestIsKernelProcess(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want bool
	}{
		{"launcher", []string{"/usr/bin/python3", "-m", "ipykernel_launcher", "-f", "/run/kernel-abc.json"}, true},
		{"module", []string{"python", "-m", "ipykernel", "-f", "kernel-1.json"}, true},
		{"jupyter server", []string{"/usr/bin/python3", "/usr/bin/jupyter-lab"}, false},
		{"plain python", []string{"python3", "script.py"}, false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isKernelProcess(tt.args))
		})
	}
}

func TestKernelIDFromArgs(t *testing.T) {
	args := []string{"python", "-m", "ipykernel_launcher", "-f", "/home/u/.local/share/jupyter/runtime/kernel-5f2c-11ee-9a.json"}
	assert.Equal(t, "5f2c-11ee-9a", kernelIDFromArgs(args))
	assert.Empty(t, kernelIDFromArgs([]string{"python", "-m", "ipykernel"}))
}

func TestProcessSourceMatchesByDirectory(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	kernels := []KernelProcess{
		{PID: 10, KernelID: "old", WorkingDir: "/srv/nb/work", StartTime: time.Unix(100, 0)},
		{PID: 11, KernelID: "new", WorkingDir: "/srv/nb/work/", StartTime: time.Unix(200, 0)},
		{PID: 12, KernelID: "other", WorkingDir: "/srv/nb/other", StartTime: time.Unix(300, 0)},
	}
	src := newProcessSource("/srv/nb", 5, staticKernels(&kernels), clock.now)

	snap, err := src.Query(context.Background(), session.Notebook{ID: "a", Path: "work/a.ipynb"})
	require.NoError(t, err)
	assert.Equal(t, "new", snap.SessionID, "newest kernel wins")
	assert.Equal(t, session.Idle, snap.Status, "first sample is idle")
	assert.Equal(t, clock.t, snap.CapturedAt)
}

func TestProcessSourceBusyFromCPUDelta(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	kernels := []KernelProcess{{PID: 7, KernelID: "k", WorkingDir: "/nb", CPUSeconds: 1}}
	src := newProcessSource("", 5, staticKernels(&kernels), clock.now)
	notebook := session.Notebook{ID: "a", Path: "/nb/a.ipynb"}

	_, err := src.Query(context.Background(), notebook)
	require.NoError(t, err)

	clock.advance(10 * time.Second)
	kernels[0].CPUSeconds = 6 // 50% of one core
	snap, err := src.Query(context.Background(), notebook)
	require.NoError(t, err)
	assert.Equal(t, session.Busy, snap.Status)

	clock.advance(10 * time.Second)
	kernels[0].CPUSeconds = 6.1
	snap, err = src.Query(context.Background(), notebook)
	require.NoError(t, err)
	assert.Equal(t, session.Idle, snap.Status)
}

func TestProcessSourceZombieIsDead(t *testing.T) {
	kernels := []KernelProcess{{PID: 7, WorkingDir: "/nb", Zombie: true}}
	src := newProcessSource("", 5, staticKernels(&kernels), time.Now)

	snap, err := src.Query(context.Background(), session.Notebook{ID: "a", Path: "/nb/a.ipynb"})
	require.NoError(t, err)
	assert.Equal(t, session.Dead, snap.Status)
	assert.Equal(t, "pid-7", snap.SessionID, "falls back to the pid without a connection file")
}

func TestProcessSourceNoKernel(t *testing.T) {
	var kernels []KernelProcess
	src := newProcessSource("/nb", 5, staticKernels(&kernels), time.Now)

	_, err := src.Query(context.Background(), session.Notebook{ID: "a", Path: "a.ipynb"})
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestProcessSourceListFailure(t *testing.T) {
	src := newProcessSource("", 5, func(context.Context) ([]KernelProcess, error) {
		return nil, errors.New("permission denied")
	}, time.Now)

	_, err := src.Query(context.Background(), session.Notebook{ID: "a", Path: "a.ipynb"})
	assert.ErrorIs(t, err, session.ErrTransientUnavailable)
}

func TestProcessSourcePrunesSamples(t *testing.T) {
	kernels := []KernelProcess{{PID: 7, WorkingDir: "/nb"}}
	src := newProcessSource("", 5, staticKernels(&kernels), time.Now)
	notebook := session.Notebook{ID: "a", Path: "/nb/a.ipynb"}

	_, _ = src.Query(context.Background(), notebook)
	assert.Len(t, src.samples, 1)

	kernels = nil
	_, _ = src.Query(context.Background(), notebook)
	assert.Empty(t, src.samples)
}
