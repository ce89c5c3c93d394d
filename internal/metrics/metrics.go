package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for the listener pipeline. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	refreshes     *prometheus.CounterVec
	notifications *prometheus.CounterVec
	tracked       prometheus.Gauge
	ticks         prometheus.Counter
	tickDuration  prometheus.Histogram
	wsClients     prometheus.Gauge
}

// New registers the collectors with reg. Collectors already registered
// under the same name are reused, so tests and reloads can call New more
// than once against the same registry.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nblistener",
			Name:      "refreshes_total",
			Help:      "Session refreshes by result (ok, unavailable, not_found, malformed, other).",
		}, []string{"result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nblistener",
			Name:      "notifications_total",
			Help:      "Change notifications delivered to subscribers.",
		}, []string{"kind"}),
		tracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nblistener",
			Name:      "tracked_notebooks",
			Help:      "Notebooks currently under session observation.",
		}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nblistener",
			Name:      "poll_ticks_total",
			Help:      "Polling ticks executed.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nblistener",
			Name:      "poll_tick_duration_seconds",
			Help:      "Time spent refreshing all tracked notebooks in one tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nblistener",
			Name:      "ws_clients",
			Help:      "Connected websocket subscribers.",
		}),
	}

	if err := register(reg, &m.refreshes); err != nil {
		return nil, err
	}
	if err := register(reg, &m.notifications); err != nil {
		return nil, err
	}
	if err := register(reg, &m.tracked); err != nil {
		return nil, err
	}
	if err := register(reg, &m.ticks); err != nil {
		return nil, err
	}
	if err := register(reg, &m.tickDuration); err != nil {
		return nil, err
	}
	if err := register(reg, &m.wsClients); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c *C) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				*c = existing
				return nil
			}
		}
		return err
	}
	return nil
}

func (m *Metrics) ObserveRefresh(result string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveNotification(ended bool) {
	if m == nil {
		return
	}
	kind := "change"
	if ended {
		kind = "ended"
	}
	m.notifications.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetTracked(n int) {
	if m == nil {
		return
	}
	m.tracked.Set(float64(n))
}

func (m *Metrics) ObserveTick(seconds float64) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	m.tickDuration.Observe(seconds)
}

func (m *Metrics) SetClients(n int) {
	if m == nil {
		return
	}
	m.wsClients.Set(float64(n))
}
