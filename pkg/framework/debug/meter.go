package debug

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// LoadMeter measures how much of the buffer period render callbacks use.
// Begin and End are render-safe; the other methods are for reporters.
type LoadMeter struct {
	period    atomic.Int64 // ns
	callbacks atomic.Uint64
	totalNs   atomic.Uint64
	maxNs     atomic.Uint64
	lastNs    atomic.Uint64
}

// LoadStats is a snapshot of a LoadMeter.
type LoadStats struct {
	Callbacks uint64
	Average   time.Duration
	Max       time.Duration
	Last      time.Duration
	Period    time.Duration
	// Load is the average callback time as a percentage of the period.
	Load float64
}

// SetPeriod sets the buffer period from the stream format.
func (m *LoadMeter) SetPeriod(sampleRate float64, frames int) {
	if sampleRate <= 0 || frames <= 0 {
		m.period.Store(0)
		return
	}
	m.period.Store(int64(float64(frames) / sampleRate * float64(time.Second)))
}

// Begin starts timing a callback.
func (m *LoadMeter) Begin() time.Time {
	return time.Now()
}

// End records the callback started at start.
func (m *LoadMeter) End(start time.Time) {
	elapsed := uint64(time.Since(start))
	m.callbacks.Add(1)
	m.totalNs.Add(elapsed)
	m.lastNs.Store(elapsed)
	for {
		max := m.maxNs.Load()
		if elapsed <= max || m.maxNs.CompareAndSwap(max, elapsed) {
			return
		}
	}
}

// Snapshot returns the statistics gathered since the last Reset.
func (m *LoadMeter) Snapshot() LoadStats {
	s := LoadStats{
		Callbacks: m.callbacks.Load(),
		Max:       time.Duration(m.maxNs.Load()),
		Last:      time.Duration(m.lastNs.Load()),
		Period:    time.Duration(m.period.Load()),
	}
	if s.Callbacks > 0 {
		s.Average = time.Duration(m.totalNs.Load() / s.Callbacks)
	}
	if s.Period > 0 {
		s.Load = float64(s.Average) / float64(s.Period) * 100
	}
	return s
}

// Reset clears the statistics. The period is kept.
func (m *LoadMeter) Reset() {
	m.callbacks.Store(0)
	m.totalNs.Store(0)
	m.maxNs.Store(0)
	m.lastNs.Store(0)
}

// String formats the statistics for logs.
func (s LoadStats) String() string {
	return fmt.Sprintf("%d callbacks, avg %s, max %s, load %.2f%%", s.Callbacks, s.Average, s.Max, s.Load)
}

// PeakMeter tracks the output peak and counts samples that are NaN or
// infinite. Observe is render-safe.
type PeakMeter struct {
	peak      atomic.Uint32 // float32 bits of the absolute peak
	nonFinite atomic.Uint64
}

// Observe scans the first frames samples of every channel.
func (m *PeakMeter) Observe(buffers [][]float32, frames int) {
	var peak float32
	var bad uint64
	for _, buf := range buffers {
		n := frames
		if n > len(buf) {
			n = len(buf)
		}
		for _, s := range buf[:n] {
			if f := float64(s); math.IsNaN(f) || math.IsInf(f, 0) {
				bad++
				continue
			}
			if s < 0 {
				s = -s
			}
			if s > peak {
				peak = s
			}
		}
	}

	if bad > 0 {
		m.nonFinite.Add(bad)
	}
	// Non-negative float32 values order the same as their bit patterns.
	bits := math.Float32bits(peak)
	for {
		old := m.peak.Load()
		if bits <= old || m.peak.CompareAndSwap(old, bits) {
			return
		}
	}
}

// TakePeak returns the peak since the last call and resets it.
func (m *PeakMeter) TakePeak() float32 {
	return math.Float32frombits(m.peak.Swap(0))
}

// NonFinite returns the number of NaN or infinite samples observed.
func (m *PeakMeter) NonFinite() uint64 {
	return m.nonFinite.Load()
}

// PeakDB converts a linear peak to dBFS. Silence is -Inf.
func PeakDB(peak float32) float64 {
	if peak <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(float64(peak))
}
