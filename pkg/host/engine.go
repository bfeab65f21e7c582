// Package host wires the render kernel, the core bridge and the stream
// supervisor into an engine a host application drives.
package host

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/justyntemme/aushell/pkg/channel"
	"github.com/justyntemme/aushell/pkg/config"
	"github.com/justyntemme/aushell/pkg/core"
	"github.com/justyntemme/aushell/pkg/framework/debug"
	"github.com/justyntemme/aushell/pkg/framework/param"
	"github.com/justyntemme/aushell/pkg/framework/process"
	"github.com/justyntemme/aushell/pkg/kernel"
	"github.com/justyntemme/aushell/pkg/metrics"
	"github.com/justyntemme/aushell/pkg/stream"
)

// Callbacks are the host's hooks into the engine.
type Callbacks struct {
	// OnStatus receives stream statuses on the engine's status goroutine.
	OnStatus func(stream.Status)
	// MusicalContext is queried on the render thread and must not block.
	MusicalContext kernel.MusicalContext
}

type options struct {
	logger         *debug.Logger
	registerer     prometheus.Registerer
	transform      kernel.Transform
	reportInterval time.Duration
}

// Option configures an Engine.
type Option func(*options)

// WithLogger sets the engine's logger.
func WithLogger(l *debug.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer sets where metrics are registered when enabled.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithTransform replaces the default gain transform.
func WithTransform(t kernel.Transform) Option {
	return func(o *options) { o.transform = t }
}

// WithReportInterval sets how often render faults are logged.
func WithReportInterval(d time.Duration) Option {
	return func(o *options) { o.reportInterval = d }
}

// DefaultParams returns the parameter tree for cfg: an output gain and a
// bypass switch.
func DefaultParams(cfg config.Config) (*param.Registry, error) {
	reg := param.NewRegistry()
	err := reg.Add(
		param.OutputGain(cfg.Core.GainParam, "Output Gain", 2).ShortName("Gain").Build(),
		param.New(cfg.Core.BypassParam, "Bypass").Bypass().Build(),
	)
	return reg, err
}

// Engine is one running audio engine.
type Engine struct {
	cfg       config.Config
	log       *debug.Logger
	callbacks Callbacks

	bridge     *core.Bridge
	kernel     *kernel.Kernel
	params     *param.Registry
	supervisor *stream.Supervisor
	router     *channel.Router
	metrics    *metrics.Metrics
	reporter   *debug.FaultReporter
	pubsub     *gochannel.GoChannel

	load debug.LoadMeter
	peak debug.PeakMeter

	// render thread only
	pctx       process.Context
	sampleTime int64

	lastStatus    atomic.Pointer[stream.Status]
	staleStatuses atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewEngine builds an engine over boundary and backend. A nil params uses
// DefaultParams. The core context is initialized on the first Start.
func NewEngine(cfg config.Config, boundary core.Boundary, backend stream.Backend, params *param.Registry, cb Callbacks, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{
		logger:         debug.Default(),
		reportInterval: time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if params == nil {
		var err error
		if params, err = DefaultParams(cfg); err != nil {
			return nil, fmt.Errorf("default parameters: %w", err)
		}
	}

	transform := o.transform
	if transform == nil {
		g := kernel.NewGainTransform()
		g.RampMs = cfg.Kernel.GainRampMs
		transform = g
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		log:       o.logger,
		callbacks: cb,
		params:    params,
		ctx:       ctx,
		cancel:    cancel,
	}

	e.bridge = core.NewBridge(boundary)
	e.kernel = kernel.New(e.bridge, kernel.Config{
		QueueCapacity: cfg.Kernel.QueueCapacity,
		SlotSize:      cfg.Kernel.SlotSize,
		MaxFrames:     cfg.Kernel.MaxFrames,
		Transform:     transform,
		Params:        params,
	})
	if cb.MusicalContext != nil {
		e.kernel.SetMusicalContext(cb.MusicalContext)
	}
	e.router = channel.NewRouter(e.kernel.Dispatcher())

	e.metrics = metrics.New(o.registerer, metrics.Sources{
		BridgeFaults:   e.kernel.Dispatcher().Faults,
		RenderFaults:   e.kernel.RenderFaults,
		Fallbacks:      e.kernel.Fallbacks,
		DroppedEvents:  e.kernel.Dropped,
		DecodeFailures: e.router.DecodeFailures,
		Callbacks:      e.kernel.Callbacks,
		NonFinite:      e.peak.NonFinite,
		Load:           func() float64 { return e.load.Snapshot().Load },
	})
	if cfg.Metrics.Enabled {
		if err := e.metrics.Register(); err != nil {
			cancel()
			e.kernel.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	e.pubsub = gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 16,
	}, e.log.With("status").Watermill())
	if err := e.subscribeStatuses(ctx); err != nil {
		cancel()
		e.kernel.Close()
		e.metrics.Unregister()
		return nil, fmt.Errorf("subscribe %s: %w", StatusTopic, err)
	}

	e.supervisor = stream.NewSupervisor(backend, e.render, stream.Options{
		Format: stream.Format{
			SampleRate:      cfg.Stream.SampleRate,
			InputChannels:   cfg.Stream.InputChannels,
			OutputChannels:  cfg.Stream.OutputChannels,
			FramesPerBuffer: cfg.Stream.FramesPerBuffer,
		},
		MaxRestartAttempts: cfg.Supervisor.MaxRestartAttempts,
		BackoffInitial:     cfg.Supervisor.BackoffInitial.Duration,
		BackoffMax:         cfg.Supervisor.BackoffMax.Duration,
		Logger:             e.log.With("stream"),
		Recorder:           e.metrics,
		OnStatus:           e.publishStatus,
	})
	// Results of calls issued for a torn-down stream must not be applied.
	e.supervisor.OnStop(e.kernel.Dispatcher().Cancel)

	e.reporter = debug.NewFaultReporter(e.log.With("faults"), o.reportInterval,
		debug.Counter{Name: "bridge_faults", Read: e.kernel.Dispatcher().Faults, Level: debug.LogLevelWarn},
		debug.Counter{Name: "control_failures", Read: e.kernel.Dispatcher().Failures, Level: debug.LogLevelInfo},
		debug.Counter{Name: "render_faults", Read: e.kernel.RenderFaults, Level: debug.LogLevelError},
		debug.Counter{Name: "fallbacks", Read: e.kernel.Fallbacks, Level: debug.LogLevelInfo},
		debug.Counter{Name: "dropped_events", Read: e.kernel.Dropped, Level: debug.LogLevelWarn},
		debug.Counter{Name: "decode_failures", Read: e.router.DecodeFailures, Level: debug.LogLevelWarn},
		debug.Counter{Name: "non_finite_samples", Read: e.peak.NonFinite, Level: debug.LogLevelWarn},
	).WithLoad(&e.load)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reporter.Run(ctx)
	}()

	return e, nil
}

// Start prepares the kernel for the configured format and starts the
// hardware stream. Starting a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	if e.ctx.Err() != nil {
		return stream.ErrClosed
	}
	if e.supervisor.State() == stream.StateRunning {
		return nil
	}

	s := e.cfg.Stream
	if err := e.kernel.Initialize(s.InputChannels, s.OutputChannels, s.SampleRate); err != nil {
		return fmt.Errorf("initialize kernel: %w", err)
	}
	e.load.SetPeriod(s.SampleRate, s.FramesPerBuffer)

	// Initialize discards queued events, so the core is brought up to date
	// with the parameter tree, including changes made before Start.
	if err := e.syncParameters(); err != nil {
		return err
	}

	return e.supervisor.StartErr(ctx)
}

// Stop stops the hardware stream and deinitializes the kernel. It is
// idempotent.
func (e *Engine) Stop() {
	e.supervisor.Stop()
	if err := e.kernel.Deinitialize(); err != nil {
		e.log.Warn("deinitialize kernel: %v", err)
	}
}

// Close stops the engine and releases everything it owns, including the core
// context.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.supervisor.Close()
		e.cancel()
		err = e.pubsub.Close()
		e.wg.Wait()
		e.kernel.Close()
		e.bridge.TeardownCoreContext()
		e.metrics.Unregister()
	})
	return err
}

// render is the stream callback.
func (e *Engine) render(in, out [][]float32) {
	start := e.load.Begin()

	e.pctx.Reset(e.sampleTime, in, out)
	e.kernel.Process(&e.pctx)
	e.peak.Observe(out, e.pctx.FrameCount)
	e.sampleTime += int64(e.pctx.FrameCount)
	e.pctx.Release()

	e.load.End(start)
}

// SetParameter applies a normalized parameter change from the host. The
// bypass parameter switches the kernel directly; other parameters are sent
// to the core.
func (e *Engine) SetParameter(id uint32, normalized float64) error {
	p, err := e.params.Set(id, normalized)
	if err != nil {
		return err
	}
	return e.applyParameter(p)
}

func (e *Engine) applyParameter(p *param.Parameter) error {
	if p.IsBypass() {
		e.kernel.SetBypass(p.IsOn())
		return nil
	}
	ev, err := encodeParameter(p)
	if err != nil {
		return err
	}
	return e.kernel.EnqueueHostEvent(ev)
}

func encodeParameter(p *param.Parameter) (core.Event, error) {
	ev, err := channel.Encode(channel.Message{
		"type":  "param",
		"id":    int64(p.ID),
		"value": p.GetValue(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode parameter %d: %w", p.ID, err)
	}
	return ev, nil
}

// syncParameters hands the current value of every parameter except bypass
// straight to the dispatcher, ahead of anything the next callbacks forward.
func (e *Engine) syncParameters() error {
	for _, p := range e.params.All() {
		if p.IsBypass() {
			continue
		}
		ev, err := encodeParameter(p)
		if err != nil {
			return err
		}
		if !e.kernel.Dispatcher().Offer(ev) {
			return fmt.Errorf("%w: parameter %d", kernel.ErrEventTooLarge, p.ID)
		}
	}
	return nil
}

// OpenChannel opens a named duplex channel to the core for a UI surface.
func (e *Engine) OpenChannel(name string, handler channel.Handler) (*channel.Handle, error) {
	return e.router.Open(name, handler)
}

// HandleResponse forwards the response to an effect the core requested.
func (e *Engine) HandleResponse(ctx context.Context, id, data []byte) error {
	out, err := e.bridge.HandleResponse(ctx, id, data)
	if err != nil {
		return err
	}
	e.router.Deliver(out.Reply)
	return nil
}

// View returns the core's current UI state.
func (e *Engine) View(ctx context.Context) (channel.Message, error) {
	data, err := e.bridge.View(ctx)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return channel.Message{}, nil
	}
	return channel.Decode(data)
}

// Restart replaces the hardware stream.
func (e *Engine) Restart(ctx context.Context) error {
	if !e.supervisor.Restart(ctx) {
		return fmt.Errorf("restart: %w", stream.ErrStreamOpen)
	}
	return nil
}

// Stats is a snapshot of engine health.
type Stats struct {
	State         stream.State
	Handle        stream.Handle
	Restarts      uint64
	Callbacks     uint64
	Faults        uint64
	Fallbacks     uint64
	Dropped       uint64
	StaleStatuses uint64
	Bypassed      bool
	Load          debug.LoadStats
	PeakDB        float64
}

// Stats returns current counters. Reading the peak resets it.
func (e *Engine) Stats() Stats {
	return Stats{
		State:         e.supervisor.State(),
		Handle:        e.supervisor.Handle(),
		Restarts:      e.supervisor.Restarts(),
		Callbacks:     e.kernel.Callbacks(),
		Faults:        e.kernel.Faults(),
		Fallbacks:     e.kernel.Fallbacks(),
		Dropped:       e.kernel.Dropped(),
		StaleStatuses: e.staleStatuses.Load(),
		Bypassed:      e.kernel.IsBypassed(),
		Load:          e.load.Snapshot(),
		PeakDB:        debug.PeakDB(e.peak.TakePeak()),
	}
}

// Kernel returns the engine's render kernel.
func (e *Engine) Kernel() *kernel.Kernel {
	return e.kernel
}

// Params returns the engine's parameter tree.
func (e *Engine) Params() *param.Registry {
	return e.params
}

// NotifyError reports an asynchronous error for the running stream, as a
// backend would. It never blocks.
func (e *Engine) NotifyError(err error) {
	if err == nil {
		err = stream.ErrStreamInterrupted
	}
	e.supervisor.NotifyError(e.supervisor.Handle(), err)
}

// Handle returns the running stream's handle, or "" when stopped.
func (e *Engine) Handle() stream.Handle {
	return e.supervisor.Handle()
}
