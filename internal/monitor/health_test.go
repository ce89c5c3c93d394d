package monitor

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSourceHealthFailureTracking(t *testing.T) {
	h := newSourceHealth()
	now := time.Now()

	assert.Equal(t, StatusHealthy, h.report("jupyter", 3, 2).Status)

	h.recordFailure("a", fmt.Errorf("connection refused"), now)
	h.recordFailure("a", fmt.Errorf("timeout"), now)
	assert.Equal(t, StatusHealthy, h.report("jupyter", 3, 2).Status, "below threshold")

	h.recordFailure("a", fmt.Errorf("still broken"), now)
	r := h.report("jupyter", 3, 2)
	assert.Equal(t, StatusDegraded, r.Status)
	assert.Equal(t, 1, r.FailingNotebooks)
	assert.Equal(t, "still broken", r.LastError)
	assert.Equal(t, "a", r.LastErrorNotebook)
	assert.Equal(t, now, r.LastErrorAt)
}

func TestSourceHealthAllNotebooksFailing(t *testing.T) {
	h := newSourceHealth()
	for i := 0; i < 3; i++ {
		h.recordFailure("a", fmt.Errorf("down"), time.Now())
		h.recordFailure("b", fmt.Errorf("down"), time.Now())
	}
	assert.Equal(t, StatusFailed, h.report("jupyter", 3, 2).Status)
}

func TestSourceHealthRecovery(t *testing.T) {
	h := newSourceHealth()
	for i := 0; i < 5; i++ {
		h.recordFailure("a", fmt.Errorf("fail %d", i), time.Now())
	}
	assert.Equal(t, StatusFailed, h.report("jupyter", 3, 1).Status)

	h.recordSuccess("a")
	r := h.report("jupyter", 3, 1)
	assert.Equal(t, StatusHealthy, r.Status)
	assert.Empty(t, r.LastError, "healthy reports carry no error")
}

func TestSourceHealthRemoveNotebook(t *testing.T) {
	h := newSourceHealth()
	for i := 0; i < 3; i++ {
		h.recordFailure("a", fmt.Errorf("fail"), time.Now())
	}
	h.removeNotebook("a")
	assert.Equal(t, StatusHealthy, h.report("jupyter", 3, 0).Status)
}

func TestSourceHealthReportIfChanged(t *testing.T) {
	h := newSourceHealth()

	_, changed := h.reportIfChanged("jupyter", 1, 1)
	assert.False(t, changed, "initial healthy state is not a transition")

	h.recordFailure("a", fmt.Errorf("down"), time.Now())
	r, changed := h.reportIfChanged("jupyter", 1, 1)
	assert.True(t, changed)
	assert.Equal(t, StatusFailed, r.Status)

	_, changed = h.reportIfChanged("jupyter", 1, 1)
	assert.False(t, changed, "same status reported once")

	h.recordSuccess("a")
	r, changed = h.reportIfChanged("jupyter", 1, 1)
	assert.True(t, changed)
	assert.Equal(t, StatusHealthy, r.Status)
}
