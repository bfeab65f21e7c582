package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeStream renders on its own goroutine until stopped, like a hardware
// stream does.
type fakeStream struct {
	backend  *fakeBackend
	callback Callback
	onError  ErrorFunc

	inject  chan error
	stop    chan struct{}
	done    chan struct{}
	started atomic.Bool
	closed  atomic.Bool
}

func (s *fakeStream) Start() error {
	if s.backend.failStart.Load() {
		return errors.New("device busy")
	}
	s.started.Store(true)
	go func() {
		defer close(s.done)
		in := [][]float32{make([]float32, 16)}
		out := [][]float32{make([]float32, 16), make([]float32, 16)}
		for {
			select {
			case <-s.stop:
				return
			case err := <-s.inject:
				// Errors are raised from the render goroutine itself.
				s.onError(err)
			default:
				s.callback(in, out)
				time.Sleep(100 * time.Microsecond)
			}
		}
	}()
	return nil
}

func (s *fakeStream) Stop() error {
	if !s.started.Load() {
		return nil
	}
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	return nil
}

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeBackend struct {
	mu      sync.Mutex
	streams []*fakeStream
	// openErrs are returned by successive Open calls before succeeding.
	openErrs  []error
	failAfter int
	failWith  error
	panicOpen bool
	failStart atomic.Bool
	opens     atomic.Int32
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{failAfter: -1}
}

func (b *fakeBackend) Open(format Format, callback Callback, onError ErrorFunc) (Stream, error) {
	n := int(b.opens.Add(1))
	if b.panicOpen {
		panic("driver exploded")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.openErrs) > 0 {
		err := b.openErrs[0]
		b.openErrs = b.openErrs[1:]
		return nil, err
	}
	if b.failAfter >= 0 && n > b.failAfter {
		return nil, b.failWith
	}

	s := &fakeStream{
		backend:  b,
		callback: callback,
		onError:  onError,
		inject:   make(chan error, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	b.streams = append(b.streams, s)
	return s, nil
}

func (b *fakeBackend) last() *fakeStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams[len(b.streams)-1]
}

type statusLog struct {
	mu       sync.Mutex
	statuses []Status
}

func (l *statusLog) record(s Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, s)
}

func (l *statusLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	states := make([]State, len(l.statuses))
	for i, s := range l.statuses {
		states[i] = s.State
	}
	return states
}

func (l *statusLog) fatal() (Status, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.statuses {
		if s.Fatal {
			return s, true
		}
	}
	return Status{}, false
}

type fakeRecorder struct {
	restarts atomic.Int32
	failures sync.Map
	state    atomic.Int32
}

func (r *fakeRecorder) RecordRestart() { r.restarts.Add(1) }

func (r *fakeRecorder) RecordStartFailure(reason string) {
	n, _ := r.failures.LoadOrStore(reason, new(atomic.Int32))
	n.(*atomic.Int32).Add(1)
}

func (r *fakeRecorder) SetStreamState(state int) { r.state.Store(int32(state)) }

func (r *fakeRecorder) failureCount(reason string) int32 {
	if n, ok := r.failures.Load(reason); ok {
		return n.(*atomic.Int32).Load()
	}
	return 0
}

var testFormat = Format{SampleRate: 48000, InputChannels: 1, OutputChannels: 2, FramesPerBuffer: 16}

func newTestSupervisor(t *testing.T, backend Backend, mutate func(*Options)) (*Supervisor, *statusLog, *fakeRecorder) {
	t.Helper()

	log := &statusLog{}
	rec := &fakeRecorder{}
	opts := DefaultOptions(testFormat)
	opts.BackoffInitial = time.Millisecond
	opts.BackoffMax = 2 * time.Millisecond
	opts.OnStatus = log.record
	opts.Recorder = rec
	if mutate != nil {
		mutate(&opts)
	}

	s := NewSupervisor(backend, func(in, out [][]float32) {}, opts)
	t.Cleanup(s.Close)
	return s, log, rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestStartStop(t *testing.T) {
	backend := newFakeBackend()
	s, log, rec := newTestSupervisor(t, backend, nil)

	var hooks atomic.Int32
	s.OnStop(func() { hooks.Add(1) })

	if !s.Start(context.Background()) {
		t.Fatal("Start failed")
	}
	if s.State() != StateRunning {
		t.Errorf("Expected running, got %s", s.State())
	}
	if s.Handle() == "" {
		t.Error("Running stream should have a handle")
	}
	if !s.Start(context.Background()) || backend.opens.Load() != 1 {
		t.Error("Starting a running supervisor should be a no-op")
	}

	stream := backend.last()
	s.Stop()
	s.Stop()

	if s.State() != StateStopped || s.Handle() != "" {
		t.Errorf("Expected stopped without a handle, got %s %q", s.State(), s.Handle())
	}
	if !stream.closed.Load() {
		t.Error("Stream should be closed")
	}
	if hooks.Load() != 1 {
		t.Errorf("Expected one stop hook call, got %d", hooks.Load())
	}
	if rec.state.Load() != int32(StateStopped) {
		t.Errorf("Recorder should see stopped, got %d", rec.state.Load())
	}

	want := []State{StateStarting, StateRunning, StateStopping, StateStopped}
	if got := log.states(); !equalStates(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
	for i, st := range log.statuses {
		if st.Seq != uint64(i+1) {
			t.Errorf("Status %d has seq %d", i, st.Seq)
		}
	}
}

func TestStartFailureLeavesStopped(t *testing.T) {
	busy := errors.New("device busy")
	backend := newFakeBackend()
	backend.openErrs = []error{busy}
	s, log, rec := newTestSupervisor(t, backend, nil)

	err := s.StartErr(context.Background())
	if !errors.Is(err, ErrStreamOpen) || !errors.Is(err, busy) {
		t.Fatalf("Expected ErrStreamOpen wrapping the cause, got %v", err)
	}
	if s.State() != StateStopped {
		t.Errorf("Expected stopped, got %s", s.State())
	}
	if rec.failureCount("open") != 1 {
		t.Error("Expected an open failure to be recorded")
	}
	if _, fatal := log.fatal(); fatal {
		t.Error("A busy device is not fatal")
	}
	if last := log.statuses[len(log.statuses)-1]; !last.DeviceUnavailable || last.State != StateStopped {
		t.Errorf("Expected a device unavailable status, got %+v", last)
	}

	// The next attempt succeeds.
	if !s.Start(context.Background()) {
		t.Error("Second start should succeed")
	}
}

func TestStartFailureModes(t *testing.T) {
	t.Run("Panic", func(t *testing.T) {
		backend := newFakeBackend()
		backend.panicOpen = true
		s, _, rec := newTestSupervisor(t, backend, nil)

		if s.Start(context.Background()) {
			t.Fatal("Start should fail")
		}
		if rec.failureCount("panic") != 1 {
			t.Error("Expected a panic failure to be recorded")
		}
	})

	t.Run("StartError", func(t *testing.T) {
		backend := newFakeBackend()
		backend.failStart.Store(true)
		s, _, rec := newTestSupervisor(t, backend, nil)

		if s.Start(context.Background()) {
			t.Fatal("Start should fail")
		}
		if !backend.last().closed.Load() {
			t.Error("Stream that failed to start should be closed")
		}
		if rec.failureCount("start") != 1 {
			t.Error("Expected a start failure to be recorded")
		}
	})

	t.Run("NoDevice", func(t *testing.T) {
		backend := newFakeBackend()
		backend.openErrs = []error{ErrNoDevice}
		s, log, _ := newTestSupervisor(t, backend, nil)

		if err := s.StartErr(context.Background()); !errors.Is(err, ErrNoDevice) {
			t.Fatalf("Expected ErrNoDevice, got %v", err)
		}
		if _, fatal := log.fatal(); !fatal {
			t.Error("Missing device should be reported as fatal")
		}
	})

	t.Run("InvalidFormat", func(t *testing.T) {
		backend := newFakeBackend()
		s, _, _ := newTestSupervisor(t, backend, func(o *Options) {
			o.Format.OutputChannels = 0
		})

		if err := s.StartErr(context.Background()); !errors.Is(err, ErrStreamOpen) {
			t.Fatalf("Expected ErrStreamOpen, got %v", err)
		}
		if backend.opens.Load() != 0 {
			t.Error("Backend should not be asked to open an invalid format")
		}
	})

	t.Run("Closed", func(t *testing.T) {
		s, _, _ := newTestSupervisor(t, newFakeBackend(), nil)
		s.Close()
		if err := s.StartErr(context.Background()); !errors.Is(err, ErrClosed) {
			t.Errorf("Expected ErrClosed, got %v", err)
		}
	})
}

func TestDisconnectRestartsExactlyOnce(t *testing.T) {
	backend := newFakeBackend()
	s, log, rec := newTestSupervisor(t, backend, nil)

	var hooks atomic.Int32
	s.OnStop(func() { hooks.Add(1) })

	if !s.Start(context.Background()) {
		t.Fatal("Start failed")
	}
	old := s.Handle()

	// Raised from the render goroutine, plus duplicates from elsewhere.
	backend.last().inject <- ErrDisconnected
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.NotifyError(old, ErrDisconnected)
		}()
	}
	wg.Wait()

	waitFor(t, "restart", func() bool { return s.Restarts() == 1 })
	time.Sleep(20 * time.Millisecond)

	if s.Restarts() != 1 || backend.opens.Load() != 2 {
		t.Errorf("Expected exactly one restart, got %d restarts and %d opens", s.Restarts(), backend.opens.Load())
	}
	if rec.restarts.Load() != 1 {
		t.Errorf("Expected one recorded restart, got %d", rec.restarts.Load())
	}
	if s.State() != StateRunning || s.Handle() == old {
		t.Errorf("Expected a new running stream, got %s %q", s.State(), s.Handle())
	}
	if hooks.Load() != 1 {
		t.Errorf("Stop hooks should run for the replaced stream, got %d", hooks.Load())
	}

	want := []State{StateStarting, StateRunning, StateError, StateStopped, StateStarting, StateRunning}
	if got := log.states(); !equalStates(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	// Late notifications for the replaced stream are ignored.
	ignored := s.Ignored()
	s.NotifyError(old, ErrDisconnected)
	if s.Ignored() != ignored+1 {
		t.Error("Stale notification should be ignored")
	}
}

func TestRestartGivesUp(t *testing.T) {
	busy := errors.New("device busy")
	backend := newFakeBackend()
	backend.failAfter = 1
	backend.failWith = busy
	s, log, _ := newTestSupervisor(t, backend, func(o *Options) {
		o.MaxRestartAttempts = 3
	})

	if !s.Start(context.Background()) {
		t.Fatal("Start failed")
	}
	s.NotifyError(s.Handle(), ErrDisconnected)

	waitFor(t, "fatal status", func() bool { _, ok := log.fatal(); return ok })

	if n := backend.opens.Load(); n != 4 {
		t.Errorf("Expected 1 open plus 3 attempts, got %d", n)
	}
	if st, _ := log.fatal(); !errors.Is(st.Err, busy) || st.State != StateStopped {
		t.Errorf("Unexpected fatal status: %+v", st)
	}
	if s.State() != StateStopped {
		t.Errorf("Expected stopped, got %s", s.State())
	}
}

func TestRestartStopsOnMissingDevice(t *testing.T) {
	backend := newFakeBackend()
	backend.failAfter = 1
	backend.failWith = ErrNoDevice
	s, log, _ := newTestSupervisor(t, backend, func(o *Options) {
		o.MaxRestartAttempts = 5
	})

	if !s.Start(context.Background()) {
		t.Fatal("Start failed")
	}
	s.NotifyError(s.Handle(), ErrDisconnected)

	waitFor(t, "fatal status", func() bool { _, ok := log.fatal(); return ok })
	if n := backend.opens.Load(); n != 2 {
		t.Errorf("Missing device should not be retried, got %d opens", n)
	}
}

func TestStopAbandonsRecovery(t *testing.T) {
	backend := newFakeBackend()
	backend.failAfter = 1
	backend.failWith = errors.New("device busy")
	s, log, _ := newTestSupervisor(t, backend, func(o *Options) {
		o.BackoffInitial = time.Minute
		o.BackoffMax = time.Minute
	})

	if !s.Start(context.Background()) {
		t.Fatal("Start failed")
	}
	s.NotifyError(s.Handle(), ErrDisconnected)
	waitFor(t, "first attempt", func() bool { return backend.opens.Load() == 2 })

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on the pending restart")
	}

	time.Sleep(10 * time.Millisecond)
	if _, fatal := log.fatal(); fatal {
		t.Error("Abandoned recovery should not report a fatal status")
	}
	if backend.opens.Load() != 2 {
		t.Error("No attempts should follow Stop")
	}
}

func TestExplicitRestart(t *testing.T) {
	backend := newFakeBackend()
	s, _, _ := newTestSupervisor(t, backend, nil)

	if !s.Start(context.Background()) {
		t.Fatal("Start failed")
	}
	first := backend.last()
	old := s.Handle()

	if !s.Restart(context.Background()) {
		t.Fatal("Restart failed")
	}
	if !first.closed.Load() || s.Handle() == old || s.Restarts() != 1 {
		t.Error("Restart should replace the stream")
	}
}

func TestHandlesAreUnique(t *testing.T) {
	seen := make(map[Handle]bool)
	var prev Handle
	for i := 0; i < 1000; i++ {
		h := newHandle()
		if seen[h] {
			t.Fatalf("Duplicate handle %s", h)
		}
		if h <= prev {
			t.Fatalf("Handles should be ordered: %s after %s", h, prev)
		}
		seen[h] = true
		prev = h
	}
}
