package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	m1, err := New(reg)
	require.NoError(t, err)
	m2, err := New(reg)
	require.NoError(t, err, "second registration reuses existing collectors")

	m1.ObserveRefresh("ok")
	m2.ObserveRefresh("ok")
	assert.Equal(t, 2.0, testutil.ToFloat64(m1.refreshes.WithLabelValues("ok")))
}

func TestObservations(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.ObserveNotification(false)
	m.ObserveNotification(true)
	m.ObserveNotification(true)
	m.SetTracked(3)
	m.ObserveTick(0.01)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("change")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.notifications.WithLabelValues("ended")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.tracked))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ticks))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveRefresh("ok")
	m.ObserveNotification(true)
	m.SetTracked(1)
	m.ObserveTick(1)
	m.SetClients(1)
}
