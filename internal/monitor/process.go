package monitor

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nblistener/backend/internal/session"
	"github.com/shirou/gopsutil/v3/process"
)

// KernelProcess is one running ipykernel as seen by the process table.
type KernelProcess struct {
	PID        int32
	KernelID   string
	WorkingDir string
	StartTime  time.Time
	CPUSeconds float64
	Zombie     bool
}

// KernelLister enumerates running kernel processes.
type KernelLister func(ctx context.Context) ([]KernelProcess, error)

var connectionFileRe = regexp.MustCompile(`kernel-([0-9A-Za-z_-]+)\.json`)

// ProcessSource infers sessions from local ipykernel processes when no
// session manager API is reachable. A kernel belongs to a notebook when its
// working directory is the notebook's directory.
type ProcessSource struct {
	root    string
	busyPct float64
	list    KernelLister
	now     func() time.Time

	mu      sync.Mutex
	samples map[int32]cpuSample
}

type cpuSample struct {
	cpu float64
	at  time.Time
}

// NewProcessSource builds a source over the local process table. root
// resolves relative notebook paths; busyPct is the CPU share above which a
// kernel counts as busy.
func NewProcessSource(root string, busyPct float64) *ProcessSource {
	return newProcessSource(root, busyPct, DiscoverKernels, time.Now)
}

func newProcessSource(root string, busyPct float64, list KernelLister, now func() time.Time) *ProcessSource {
	if busyPct <= 0 {
		busyPct = 5
	}
	return &ProcessSource{
		root:    root,
		busyPct: busyPct,
		list:    list,
		now:     now,
		samples: make(map[int32]cpuSample),
	}
}

func (s *ProcessSource) Name() string { return "process" }

func (s *ProcessSource) Query(ctx context.Context, nb session.Notebook) (session.Snapshot, error) {
	kernels, err := s.list(ctx)
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("%w: list kernels: %w", session.ErrTransientUnavailable, err)
	}
	now := s.now()

	dir := s.notebookDir(nb.Path)
	var matches []KernelProcess
	for _, k := range kernels {
		if filepath.Clean(k.WorkingDir) == dir {
			matches = append(matches, k)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(kernels)

	if len(matches) == 0 {
		return session.Snapshot{}, fmt.Errorf("%w: no kernel running in %s", session.ErrNotFound, dir)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].StartTime.After(matches[j].StartTime) })
	k := matches[0]

	id := k.KernelID
	if id == "" {
		id = fmt.Sprintf("pid-%d", k.PID)
	}
	return session.Snapshot{
		SessionID:  id,
		Status:     s.statusLocked(k, now),
		CapturedAt: now,
	}, nil
}

func (s *ProcessSource) notebookDir(p string) string {
	p = filepath.FromSlash(p)
	if !filepath.IsAbs(p) && s.root != "" {
		p = filepath.Join(s.root, p)
	}
	return filepath.Dir(filepath.Clean(p))
}

// statusLocked derives busy/idle from CPU time consumed since the previous
// sample. The first sample of a process reports Idle.
func (s *ProcessSource) statusLocked(k KernelProcess, now time.Time) session.KernelStatus {
	if k.Zombie {
		delete(s.samples, k.PID)
		return session.Dead
	}
	prev, seen := s.samples[k.PID]
	s.samples[k.PID] = cpuSample{cpu: k.CPUSeconds, at: now}
	if !seen {
		return session.Idle
	}
	elapsed := now.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return session.Idle
	}
	if (k.CPUSeconds-prev.cpu)/elapsed*100 >= s.busyPct {
		return session.Busy
	}
	return session.Idle
}

func (s *ProcessSource) pruneLocked(live []KernelProcess) {
	alive := make(map[int32]struct{}, len(live))
	for _, k := range live {
		alive[k.PID] = struct{}{}
	}
	for pid := range s.samples {
		if _, ok := alive[pid]; !ok {
			delete(s.samples, pid)
		}
	}
}

// DiscoverKernels scans the process table for ipykernel processes.
func DiscoverKernels(ctx context.Context) ([]KernelProcess, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading process table: %w", err)
	}

	var results []KernelProcess
	for _, p := range procs {
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || !isKernelProcess(args) {
			continue
		}
		cwd, err := p.CwdWithContext(ctx)
		if err != nil {
			continue
		}

		k := KernelProcess{
			PID:        p.Pid,
			KernelID:   kernelIDFromArgs(args),
			WorkingDir: cwd,
		}
		if ms, err := p.CreateTimeWithContext(ctx); err == nil {
			k.StartTime = time.UnixMilli(ms)
		}
		if t, err := p.TimesWithContext(ctx); err == nil {
			k.CPUSeconds = t.User + t.System
		}
		if st, err := p.StatusWithContext(ctx); err == nil {
			for _, v := range st {
				if v == process.Zombie || v == process.Stop {
					k.Zombie = true
				}
			}
		}
		results = append(results, k)
	}
	return results, nil
}

func isKernelProcess(args []string) bool {
	for _, a := range args {
		if strings.Contains(a, "ipykernel") {
			return true
		}
	}
	return false
}

func kernelIDFromArgs(args []string) string {
	for _, a := range args {
		if m := connectionFileRe.FindStringSubmatch(filepath.Base(a)); m != nil {
			return m[1]
		}
	}
	return ""
}
