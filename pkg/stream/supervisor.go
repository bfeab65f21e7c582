package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/justyntemme/aushell/pkg/framework/debug"
)

var (
	errBackendPanic = errors.New("backend panicked")
	errStartFailed  = errors.New("stream start failed")
)

// Options configure a Supervisor.
type Options struct {
	Format Format

	// MaxRestartAttempts bounds the consecutive start attempts made after an
	// interruption before the supervisor gives up and reports a fatal status.
	MaxRestartAttempts int
	BackoffInitial     time.Duration
	BackoffMax         time.Duration

	Logger   *debug.Logger
	Recorder Recorder

	// OnStatus is called for every state change, in order, with the
	// supervisor's lock held. It must not block or call back into the
	// supervisor.
	OnStatus func(Status)
}

// DefaultOptions returns options for format with the default restart policy.
func DefaultOptions(format Format) Options {
	return Options{
		Format:             format,
		MaxRestartAttempts: 5,
		BackoffInitial:     50 * time.Millisecond,
		BackoffMax:         2 * time.Second,
	}
}

type notification struct {
	handle Handle
	err    error
}

// Supervisor owns the hardware stream lifecycle. Start, Stop, Restart and
// Close are for the control context. NotifyError is safe from any thread.
type Supervisor struct {
	backend  Backend
	callback Callback
	opts     Options
	log      *debug.Logger
	tracer   trace.Tracer

	mu         sync.Mutex
	stream     Stream
	handle     Handle
	onStop     []func()
	recovering context.CancelFunc
	closed     bool

	// current is the handle accepted by NotifyError. It is cleared as soon
	// as a stream starts shutting down.
	current  atomic.Pointer[Handle]
	state    atomic.Int32
	seq      atomic.Uint64
	restarts atomic.Uint64
	ignored  atomic.Uint64

	mailbox chan notification
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSupervisor creates a stopped supervisor and starts its goroutine.
func NewSupervisor(backend Backend, callback Callback, opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = debug.Default().With("stream")
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.MaxRestartAttempts <= 0 {
		opts.MaxRestartAttempts = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		backend:  backend,
		callback: callback,
		opts:     opts,
		log:      opts.Logger,
		tracer:   otel.Tracer("github.com/justyntemme/aushell/pkg/stream"),
		mailbox:  make(chan notification, 1),
		ctx:      ctx,
		cancel:   cancel,
	}

	s.wg.Add(1)
	go s.run()
	return s
}

// OnStop registers a hook run every time a stream is torn down, after the
// stream is closed. Hooks run with the supervisor's lock held.
func (s *Supervisor) OnStop(hook func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStop = append(s.onStop, hook)
}

// State returns the current stream state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Handle returns the handle of the running stream, or "" when stopped.
func (s *Supervisor) Handle() Handle {
	if h := s.current.Load(); h != nil {
		return *h
	}
	return ""
}

// Restarts returns the number of successful automatic or explicit restarts.
func (s *Supervisor) Restarts() uint64 {
	return s.restarts.Load()
}

// Ignored returns the number of notifications dropped as stale or duplicate.
func (s *Supervisor) Ignored() uint64 {
	return s.ignored.Load()
}

// Start opens and starts the stream. It reports false on failure and leaves
// the supervisor stopped.
func (s *Supervisor) Start(ctx context.Context) bool {
	return s.StartErr(ctx) == nil
}

// StartErr is Start returning the failure cause. Errors wrap ErrStreamOpen.
// Starting a running supervisor is a no-op.
func (s *Supervisor) StartErr(ctx context.Context) error {
	_, span := s.tracer.Start(ctx, "stream.start")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.stream != nil {
		return nil
	}
	s.cancelRecoveryLocked()

	err := s.startLocked()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.String("stream.handle", string(s.handle)))
	return nil
}

// Stop stops and closes the running stream. It is idempotent. A pending
// automatic restart is abandoned.
func (s *Supervisor) Stop() {
	_, span := s.tracer.Start(context.Background(), "stream.stop")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelRecoveryLocked()
	s.stopLocked(StateStopping, nil)
}

// Restart stops the stream and starts a new one. It must not be called from
// a stream callback; hardware notifications go through NotifyError.
func (s *Supervisor) Restart(ctx context.Context) bool {
	_, span := s.tracer.Start(ctx, "stream.restart")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.cancelRecoveryLocked()
	s.stopLocked(StateStopping, nil)

	if err := s.startLocked(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false
	}
	s.restarts.Add(1)
	s.opts.Recorder.RecordRestart()
	return true
}

// NotifyError reports an asynchronous error for the stream identified by
// handle. It never blocks. Notifications for a stream that is no longer
// current are ignored, and notifications arriving while one is pending are
// coalesced.
func (s *Supervisor) NotifyError(handle Handle, err error) {
	if cur := s.current.Load(); cur == nil || *cur != handle {
		s.ignored.Add(1)
		return
	}
	select {
	case s.mailbox <- notification{handle: handle, err: err}:
	default:
		s.ignored.Add(1)
	}
}

// Close stops the stream and the supervisor goroutine.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cancelRecoveryLocked()
	s.stopLocked(StateStopping, nil)
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Supervisor) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case n := <-s.mailbox:
			s.recoverStream(n)
		}
	}
}

// recoverStream replaces an interrupted stream, retrying with exponential backoff.
func (s *Supervisor) recoverStream(n notification) {
	cause := n.err
	if cause == nil {
		cause = ErrStreamInterrupted
	}

	ctx, span := s.tracer.Start(s.ctx, "stream.restart", trace.WithAttributes(
		attribute.String("stream.handle", string(n.handle)),
		attribute.String("stream.cause", cause.Error()),
	))
	defer span.End()

	s.mu.Lock()
	if s.closed || s.stream == nil || s.handle != n.handle {
		s.mu.Unlock()
		s.ignored.Add(1)
		return
	}
	s.log.Warn("stream %s interrupted: %v", n.handle, cause)
	s.stopLocked(StateError, cause)

	rctx, cancel := context.WithCancel(ctx)
	s.recovering = cancel
	s.mu.Unlock()
	defer cancel()

	b := backoff.NewExponentialBackOff()
	if s.opts.BackoffInitial > 0 {
		b.InitialInterval = s.opts.BackoffInitial
	}
	if s.opts.BackoffMax > 0 {
		b.MaxInterval = s.opts.BackoffMax
	}

	attempts := 0
	_, err := backoff.Retry(rctx, func() (Handle, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		if err := rctx.Err(); err != nil {
			return "", backoff.Permanent(err)
		}
		attempts++
		if err := s.startLocked(); err != nil {
			if errors.Is(err, ErrNoDevice) {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		return s.handle, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.opts.MaxRestartAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.log.Debug("restart attempt failed, retrying in %s: %v", next, err)
		}),
	)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.recovering = nil
	span.SetAttributes(attribute.Int("stream.attempts", attempts))

	switch {
	case err == nil:
		s.restarts.Add(1)
		s.opts.Recorder.RecordRestart()
		s.log.Info("stream restarted as %s after %d attempt(s)", s.handle, attempts)
	case errors.Is(err, context.Canceled):
		s.log.Debug("restart abandoned")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Error("stream could not be restarted after %d attempt(s): %v", attempts, err)
		s.emitLocked(StateStopped, "", err, true)
	}
}

func (s *Supervisor) cancelRecoveryLocked() {
	if s.recovering != nil {
		s.recovering()
		s.recovering = nil
	}
}

// startLocked opens and starts a new stream. On failure the supervisor is
// left stopped.
func (s *Supervisor) startLocked() error {
	if err := s.opts.Format.Validate(); err != nil {
		return s.failLocked(fmt.Errorf("%w: %w", ErrStreamOpen, err))
	}

	handle := newHandle()
	s.emitLocked(StateStarting, handle, nil, false)
	s.current.Store(&handle)

	st, err := s.open(handle)
	if err != nil {
		s.current.Store(nil)
		return s.failLocked(fmt.Errorf("%w: %w", ErrStreamOpen, err))
	}
	if err := st.Start(); err != nil {
		s.current.Store(nil)
		if cerr := st.Close(); cerr != nil {
			s.log.Warn("close after failed start: %v", cerr)
		}
		return s.failLocked(fmt.Errorf("%w: %w: %w", ErrStreamOpen, errStartFailed, err))
	}

	s.stream = st
	s.handle = handle
	s.emitLocked(StateRunning, handle, nil, false)
	s.log.Info("stream %s running", handle)
	return nil
}

// failLocked reports a failed start. A missing device is fatal unless a
// recovery is in progress, which reports its own outcome.
func (s *Supervisor) failLocked(err error) error {
	s.opts.Recorder.RecordStartFailure(failureReason(err))
	s.log.Warn("%v", err)
	s.emitStatusLocked(Status{
		State:             StateStopped,
		Err:               err,
		Fatal:             errors.Is(err, ErrNoDevice) && s.recovering == nil,
		DeviceUnavailable: true,
	})
	return err
}

// open calls the backend, converting a panic into an error.
func (s *Supervisor) open(handle Handle) (st Stream, err error) {
	defer func() {
		if r := recover(); r != nil {
			st = nil
			err = fmt.Errorf("%w: %v", errBackendPanic, r)
		}
	}()

	st, err = s.backend.Open(s.opts.Format, s.callback, func(err error) {
		s.NotifyError(handle, err)
	})
	if err == nil && st == nil {
		err = errors.New("backend returned no stream")
	}
	return st, err
}

// stopLocked tears down the running stream through the given transitional
// state. It reports whether a stream was running.
func (s *Supervisor) stopLocked(via State, cause error) bool {
	if s.stream == nil {
		return false
	}

	handle := s.handle
	s.current.Store(nil)
	s.emitLocked(via, handle, cause, false)

	st := s.stream
	s.stream = nil
	s.handle = ""

	if err := st.Stop(); err != nil {
		s.log.Warn("stop stream %s: %v", handle, err)
	}
	if err := st.Close(); err != nil {
		s.log.Warn("close stream %s: %v", handle, err)
	}
	for _, hook := range s.onStop {
		hook()
	}

	s.emitLocked(StateStopped, handle, cause, false)
	return true
}

func (s *Supervisor) emitLocked(state State, handle Handle, err error, fatal bool) {
	s.emitStatusLocked(Status{State: state, Handle: handle, Err: err, Fatal: fatal})
}

func (s *Supervisor) emitStatusLocked(st Status) {
	s.state.Store(int32(st.State))
	s.opts.Recorder.SetStreamState(int(st.State))

	if s.opts.OnStatus == nil {
		return
	}
	st.Seq = s.seq.Add(1)
	st.Time = time.Now()
	if st.Err != nil {
		st.Error = st.Err.Error()
	}
	s.opts.OnStatus(st)
}
