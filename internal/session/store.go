package session

import (
	"sort"
	"sync"
	"time"
)

type entry struct {
	nb  TrackedNotebook
	gen uint64
}

// Store maps notebook ids to their tracked state. Reads return copies.
//
// Each Track hands out a new generation number. Refresh results carry the
// generation they were started under, so a result that completes after the
// notebook was untracked (or untracked and tracked again) is rejected by
// Apply instead of resurrecting the entry.
type Store struct {
	mu        sync.RWMutex
	notebooks map[NotebookID]*entry
	active    NotebookID
	nextGen   uint64
}

func NewStore() *Store {
	return &Store{
		notebooks: make(map[NotebookID]*entry),
	}
}

// Track registers nb. It returns false when nb was already tracked, in which
// case nothing changes.
func (s *Store) Track(nb Notebook, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notebooks[nb.ID]; ok {
		return false
	}
	s.nextGen++
	s.notebooks[nb.ID] = &entry{
		nb: TrackedNotebook{
			Notebook:  nb,
			Snapshot:  Snapshot{Status: Unknown, CapturedAt: now},
			TrackedAt: now,
		},
		gen: s.nextGen,
	}
	return true
}

// Untrack removes id and reports whether it was present.
func (s *Store) Untrack(id NotebookID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notebooks[id]; !ok {
		return false
	}
	delete(s.notebooks, id)
	if s.active == id {
		s.active = ""
	}
	return true
}

// Lookup returns the tracked notebook and the generation to pass to Apply.
func (s *Store) Lookup(id NotebookID) (TrackedNotebook, uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.notebooks[id]
	if !ok {
		return TrackedNotebook{}, 0, false
	}
	return e.nb, e.gen, true
}

func (s *Store) Get(id NotebookID) (TrackedNotebook, bool) {
	nb, _, ok := s.Lookup(id)
	return nb, ok
}

// GetAll returns every tracked notebook ordered by id.
func (s *Store) GetAll() []TrackedNotebook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]TrackedNotebook, 0, len(s.notebooks))
	for _, e := range s.notebooks {
		result = append(result, e.nb)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// IDs returns the tracked notebook ids.
func (s *Store) IDs() []NotebookID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]NotebookID, 0, len(s.notebooks))
	for id := range s.notebooks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.notebooks)
}

// Apply stores snap for id if the entry still exists under generation gen.
// It returns the previous snapshot and whether the content changed. A stale
// generation or missing entry returns ok=false and leaves the store alone.
func (s *Store) Apply(id NotebookID, gen uint64, snap Snapshot) (prev Snapshot, changed, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, exists := s.notebooks[id]
	if !exists || e.gen != gen {
		return Snapshot{}, false, false
	}
	prev = e.nb.Snapshot
	if prev.Equal(snap) {
		return prev, false, true
	}
	e.nb.Snapshot = snap
	return prev, true, true
}

// SetActive marks id as the single active notebook, clearing the flag on the
// previous one in the same critical section. An empty or untracked id clears
// the active notebook. It returns the previously active id.
func (s *Store) SetActive(id NotebookID) NotebookID {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.active
	if prev != "" {
		if e, ok := s.notebooks[prev]; ok {
			e.nb.Active = false
		}
	}
	s.active = ""
	if e, ok := s.notebooks[id]; ok {
		e.nb.Active = true
		s.active = id
	}
	return prev
}

// Active returns the active notebook id, or "" when none is active.
func (s *Store) Active() NotebookID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}
