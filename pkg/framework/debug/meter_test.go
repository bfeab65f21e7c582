package debug

import (
	"bytes"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestLoadMeter(t *testing.T) {
	var m LoadMeter
	m.SetPeriod(48000, 480) // 10ms

	start := time.Now().Add(-2 * time.Millisecond)
	m.End(start)
	m.End(time.Now())

	s := m.Snapshot()
	if s.Callbacks != 2 {
		t.Errorf("Expected 2 callbacks, got %d", s.Callbacks)
	}
	if s.Period != 10*time.Millisecond {
		t.Errorf("Expected 10ms period, got %s", s.Period)
	}
	if s.Max < 2*time.Millisecond {
		t.Errorf("Expected max of at least 2ms, got %s", s.Max)
	}
	if s.Load <= 0 {
		t.Errorf("Expected positive load, got %f", s.Load)
	}

	m.Reset()
	if s := m.Snapshot(); s.Callbacks != 0 || s.Max != 0 || s.Period != 10*time.Millisecond {
		t.Errorf("Reset should clear statistics but keep the period: %+v", s)
	}
}

func TestPeakMeter(t *testing.T) {
	var m PeakMeter

	m.Observe([][]float32{
		{0.1, -0.8, 0.3},
		{0.2, float32(math.NaN()), float32(math.Inf(1))},
	}, 3)
	m.Observe([][]float32{{0.5}}, 1)

	if got := m.TakePeak(); got != 0.8 {
		t.Errorf("Expected peak 0.8, got %v", got)
	}
	if got := m.TakePeak(); got != 0 {
		t.Errorf("TakePeak should reset, got %v", got)
	}
	if m.NonFinite() != 2 {
		t.Errorf("Expected 2 non-finite samples, got %d", m.NonFinite())
	}

	if db := PeakDB(1); db != 0 {
		t.Errorf("Expected 0 dBFS, got %f", db)
	}
	if !math.IsInf(PeakDB(0), -1) {
		t.Error("Silence should be -Inf dBFS")
	}
}

func TestPeakMeterNoAllocations(t *testing.T) {
	var m PeakMeter
	bufs := [][]float32{make([]float32, 256), make([]float32, 256)}

	allocs := testing.AllocsPerRun(100, func() {
		m.Observe(bufs, 256)
	})
	if allocs != 0 {
		t.Errorf("Expected zero allocations, got %.1f", allocs)
	}
}

func TestFaultReporter(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "faults", FlagLevel|FlagPrefix)
	logger.SetLevel(LogLevelDebug)

	var faults, drops, calls atomic.Uint64
	faults.Store(3)

	r := NewFaultReporter(logger, time.Millisecond,
		Counter{Name: "bridge_faults", Read: faults.Load, Level: LogLevelWarn},
		Counter{Name: "dropped_events", Read: drops.Load, Level: LogLevelInfo},
		Counter{Name: "calls", Read: calls.Load, Level: LogLevelDebug},
	)

	if deltas := r.Poll(); len(deltas) != 0 {
		t.Errorf("Counters set before the reporter started are not news, got %v", deltas)
	}

	faults.Add(2)
	drops.Add(1)
	deltas := r.Poll()
	if len(deltas) != 2 {
		t.Fatalf("Expected 2 deltas, got %v", deltas)
	}
	if deltas[0] != (Delta{Name: "bridge_faults", Increase: 2, Total: 5}) {
		t.Errorf("Unexpected delta: %+v", deltas[0])
	}

	output := buf.String()
	if !strings.Contains(output, "[WARN] [faults] counter increased counter=bridge_faults increase=2 total=5") {
		t.Errorf("Unexpected output: %q", output)
	}
	if !strings.Contains(output, "[INFO] [faults] counter increased counter=dropped_events") {
		t.Errorf("Expected info level for dropped events, got %q", output)
	}

	buf.Reset()
	calls.Add(1)
	r.Poll()
	if !strings.Contains(buf.String(), "[DEBUG] [faults] counter increased counter=calls") {
		t.Errorf("Expected debug level for calls, got %q", buf.String())
	}
}
