package monitor

import (
	"testing"

	"github.com/nblistener/backend/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotebookTrackerOpenTracks(t *testing.T) {
	l := NewListener(newFakeSource())
	tr := NewNotebookTracker(l)

	assert.True(t, tr.Open("w1", testNotebook("a")))
	assert.True(t, l.IsTracked("a"))

	got, ok := tr.Lookup("w1")
	require.True(t, ok)
	assert.Equal(t, session.NotebookID("a"), got.ID)

	_, ok = tr.Lookup("w2")
	assert.False(t, ok)
}

func TestNotebookTrackerDefaults(t *testing.T) {
	tr := NewNotebookTracker(nil)

	assert.True(t, tr.Open("", session.Notebook{ID: "x"}))
	got, ok := tr.Lookup("x")
	require.True(t, ok, "widget id defaults to the notebook id")
	assert.Equal(t, "x", got.Path, "path defaults to the notebook id")
}

func TestNotebookTrackerCloseUntracks(t *testing.T) {
	l := NewListener(newFakeSource())
	tr := NewNotebookTracker(l)
	tr.Open("w1", testNotebook("a"))

	var closed []session.NotebookID
	tr.OnClose(func(id session.NotebookID) { closed = append(closed, id) })

	assert.True(t, tr.Close("w1"))
	assert.False(t, l.IsTracked("a"))
	assert.Equal(t, []session.NotebookID{"a"}, closed)

	assert.False(t, tr.Close("w1"), "second close is a no-op")
	assert.Len(t, closed, 1)
}

func TestNotebookTrackerCloseKeepsNotebookWithOtherWidgets(t *testing.T) {
	l := NewListener(newFakeSource())
	tr := NewNotebookTracker(l)
	tr.Open("w1", testNotebook("a"))
	tr.Open("w2", testNotebook("a"))

	var closed []session.NotebookID
	tr.OnClose(func(id session.NotebookID) { closed = append(closed, id) })

	assert.True(t, tr.Close("w1"))
	assert.True(t, l.IsTracked("a"), "w2 still shows the notebook")
	assert.Empty(t, closed)
	_, ok := tr.Lookup("w2")
	assert.True(t, ok)

	assert.True(t, tr.Close("w2"))
	assert.False(t, l.IsTracked("a"))
	assert.Equal(t, []session.NotebookID{"a"}, closed)
}

func TestNotebookTrackerCloseNotebookClosesAllWidgets(t *testing.T) {
	l := NewListener(newFakeSource())
	tr := NewNotebookTracker(l)
	tr.Open("w1", testNotebook("a"))
	tr.Open("w2", testNotebook("a"))

	var closed []session.NotebookID
	tr.OnClose(func(id session.NotebookID) { closed = append(closed, id) })

	assert.True(t, tr.CloseNotebook("a"))
	assert.False(t, l.IsTracked("a"))
	assert.Equal(t, []session.NotebookID{"a"}, closed)
	assert.Empty(t, tr.List())
}

func TestNotebookTrackerFilterRejects(t *testing.T) {
	l := NewListener(newFakeSource(), WithPathFilter(&session.PathFilter{AllowedPaths: []string{"work/*"}}))
	tr := NewNotebookTracker(l)

	assert.False(t, tr.Open("w1", session.Notebook{ID: "p", Path: "home/p.ipynb"}))
	assert.True(t, tr.Open("w2", session.Notebook{ID: "w", Path: "work/w.ipynb"}))
	assert.Equal(t, []session.NotebookID{"w"}, l.IDs())
}

func TestNotebookTrackerListSorted(t *testing.T) {
	tr := NewNotebookTracker(nil)
	tr.Open("w3", testNotebook("c"))
	tr.Open("w1", testNotebook("a"))
	tr.Open("w2", testNotebook("b"))

	var ids []session.NotebookID
	for _, n := range tr.List() {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []session.NotebookID{"a", "b", "c"}, ids)
}

func TestShellEventsPublish(t *testing.T) {
	s := NewShellEvents()
	var got []string
	h := s.SubscribeCurrentChanged(func(id string) { got = append(got, id) })

	s.Publish("w1")
	s.Publish("")
	assert.True(t, s.UnsubscribeCurrentChanged(h))
	s.Publish("w2")

	assert.Equal(t, []string{"w1", ""}, got)
}
