// Package metrics exports engine health to Prometheus. Render-thread counters
// are read through functions at scrape time, so nothing here runs on the
// render thread.
package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "aushell"

// Sources are the engine counters exported at scrape time. Nil entries are
// not exported.
type Sources struct {
	BridgeFaults   func() uint64
	RenderFaults   func() uint64
	Fallbacks      func() uint64
	DroppedEvents  func() uint64
	DecodeFailures func() uint64
	Callbacks      func() uint64
	NonFinite      func() uint64
	Load           func() float64
}

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	restarts      prometheus.Counter
	startFailures *prometheus.CounterVec
	streamState   prometheus.Gauge
	funcs         []prometheus.Collector
}

func counterFunc(subsystem, name, help string, fn func() uint64) prometheus.Collector {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(fn()) })
}

// New creates the collectors. A nil registerer means the default registerer.
func New(registerer prometheus.Registerer, src Sources) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		registerer: registerer,
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "restarts_total",
			Help:      "Number of stream restarts performed by the supervisor",
		}),
		startFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "start_failures_total",
			Help:      "Number of failed stream starts by reason",
		}, []string{"reason"}),
		streamState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "state",
			Help:      "Current stream state (0 stopped, 1 starting, 2 running, 3 stopping, 4 error)",
		}),
	}

	counters := []struct {
		subsystem, name, help string
		fn                    func() uint64
	}{
		{"bridge", "faults_total", "Core calls that failed", src.BridgeFaults},
		{"kernel", "render_faults_total", "Render transforms that panicked", src.RenderFaults},
		{"kernel", "fallbacks_total", "Callbacks rendered as pass-through because the core had no usable state", src.Fallbacks},
		{"kernel", "dropped_events_total", "Host events dropped from full queues", src.DroppedEvents},
		{"channel", "decode_failures_total", "Core results that could not be decoded", src.DecodeFailures},
		{"kernel", "callbacks_total", "Render callbacks", src.Callbacks},
		{"kernel", "non_finite_samples_total", "Output samples that were NaN or infinite", src.NonFinite},
	}
	for _, c := range counters {
		if c.fn != nil {
			m.funcs = append(m.funcs, counterFunc(c.subsystem, c.name, c.help, c.fn))
		}
	}
	if src.Load != nil {
		m.funcs = append(m.funcs, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "load_percent",
			Help:      "Average render callback time as a percentage of the buffer period",
		}, src.Load))
	}
	return m
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := append([]prometheus.Collector{m.restarts, m.startFailures, m.streamState}, m.funcs...)
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// Unregister removes the collectors from the registerer.
func (m *Metrics) Unregister() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.registered {
		return
	}
	for _, c := range append([]prometheus.Collector{m.restarts, m.startFailures, m.streamState}, m.funcs...) {
		m.registerer.Unregister(c)
	}
	m.registered = false
}

// RecordRestart counts a stream restart.
func (m *Metrics) RecordRestart() {
	m.restarts.Inc()
}

// RecordStartFailure counts a failed stream start.
func (m *Metrics) RecordStartFailure(reason string) {
	m.startFailures.WithLabelValues(reason).Inc()
}

// SetStreamState records the stream state as its numeric value.
func (m *Metrics) SetStreamState(state int) {
	m.streamState.Set(float64(state))
}
