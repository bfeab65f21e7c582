package debug

import (
	"context"
	"sync"
	"time"
)

// Counter is a monotonically increasing value watched by a FaultReporter.
type Counter struct {
	Name string
	Read func() uint64
	// Level is used as given; the zero value is LogLevelDebug.
	Level LogLevel
}

// Delta is a counter increase seen by one poll.
type Delta struct {
	Name     string
	Increase uint64
	Total    uint64
}

// FaultReporter logs render-thread faults from its own goroutine. The render
// thread only bumps atomic counters; the reporter polls them and logs what
// changed.
type FaultReporter struct {
	logger   *Logger
	interval time.Duration
	counters []Counter
	load     *LoadMeter

	mu   sync.Mutex
	last []uint64
}

// NewFaultReporter creates a reporter that polls counters every interval.
func NewFaultReporter(logger *Logger, interval time.Duration, counters ...Counter) *FaultReporter {
	if interval <= 0 {
		interval = time.Second
	}
	r := &FaultReporter{
		logger:   logger,
		interval: interval,
		counters: counters,
		last:     make([]uint64, len(counters)),
	}
	for i, c := range counters {
		r.last[i] = c.Read()
	}
	return r
}

// WithLoad makes the reporter log callback load at debug level and reset the
// meter after each poll.
func (r *FaultReporter) WithLoad(m *LoadMeter) *FaultReporter {
	r.load = m
	return r
}

// Poll reads every counter once, logs the increases and returns them.
func (r *FaultReporter) Poll() []Delta {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deltas []Delta
	for i, c := range r.counters {
		v := c.Read()
		if v <= r.last[i] {
			r.last[i] = v
			continue
		}
		d := Delta{Name: c.Name, Increase: v - r.last[i], Total: v}
		r.last[i] = v
		deltas = append(deltas, d)

		r.logger.log(1, c.Level, "counter increased", map[string]any{
			"counter":  d.Name,
			"increase": d.Increase,
			"total":    d.Total,
		})
	}

	if r.load != nil {
		stats := r.load.Snapshot()
		if stats.Callbacks > 0 {
			r.logger.Debug("render load: %s", stats)
			r.load.Reset()
		}
	}
	return deltas
}

// Run polls until ctx is done.
func (r *FaultReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Poll()
			return
		case <-ticker.C:
			r.Poll()
		}
	}
}
