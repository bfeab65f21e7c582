// Package kernel implements the per-callback render unit. It owns the queue of
// host events waiting for the core, the bypass and frame-limit state, and the
// fallback rules that keep audio flowing when the core misbehaves.
//
// Process and HandleRenderEvent run on the render thread. They never block,
// allocate or return an error; core calls are handed to a core.Dispatcher and
// their results are applied on a later callback.
package kernel

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync/atomic"

	"github.com/justyntemme/aushell/pkg/channel"
	"github.com/justyntemme/aushell/pkg/core"
	"github.com/justyntemme/aushell/pkg/framework/param"
	"github.com/justyntemme/aushell/pkg/framework/process"
	"github.com/justyntemme/aushell/pkg/midi"
	"github.com/justyntemme/aushell/pkg/queue"
)

var (
	// ErrEventTooLarge is returned by EnqueueHostEvent for events that do not
	// fit in a queue slot.
	ErrEventTooLarge = errors.New("kernel: event too large")
	// ErrRendering is returned when setup is attempted while a render
	// callback is in flight.
	ErrRendering = errors.New("kernel: render callback in flight")
	// ErrInvalidFormat is returned by Initialize for unusable formats.
	ErrInvalidFormat = errors.New("kernel: invalid format")
)

// MusicalContext reports the host tempo and beat position. It is called on
// the render thread and must be render-safe.
type MusicalContext func() (tempo, beat float64, ok bool)

// Config holds the kernel's fixed resources.
type Config struct {
	QueueCapacity int // pending host events
	SlotSize      int // largest encoded event in bytes
	MaxFrames     int // initial maximum frames to render
	Transform     Transform
	Params        *param.Registry
}

// DefaultConfig returns the defaults used by the engine.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: 64,
		SlotSize:      256,
		MaxFrames:     4096,
	}
}

// Kernel is the render unit. Create it with New.
type Kernel struct {
	bridge     *core.Bridge
	dispatcher *core.Dispatcher
	params     *param.Registry
	transform  Transform
	pending    *queue.SlotQueue

	// render thread scratch
	slot   []byte
	record []byte
	wire   []byte

	sampleRate     atomic.Uint64 // float64 bits
	inputChannels  atomic.Int32
	outputChannels atomic.Int32
	prepared       atomic.Int32 // frames the transform was prepared for
	maxFrames      atomic.Int32
	bypass         atomic.Bool
	initialized    atomic.Bool
	musical        atomic.Pointer[MusicalContext]

	rendering atomic.Bool
	setup     atomic.Bool

	renderFaults atomic.Uint64
	fallbacks    atomic.Uint64
	callbacks    atomic.Uint64
}

// New creates a kernel that reaches the core through bridge. The kernel owns
// a dispatcher over the same bridge; Close stops it.
func New(bridge *core.Bridge, cfg Config) *Kernel {
	def := DefaultConfig()
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.SlotSize <= 0 {
		cfg.SlotSize = def.SlotSize
	}
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = def.MaxFrames
	}
	if cfg.Transform == nil {
		cfg.Transform = NewGainTransform()
	}
	if cfg.Params == nil {
		cfg.Params = param.NewRegistry()
	}

	k := &Kernel{
		bridge:     bridge,
		dispatcher: core.NewDispatcher(bridge, cfg.QueueCapacity, cfg.SlotSize),
		params:     cfg.Params,
		transform:  cfg.Transform,
		pending:    queue.NewSlotQueue(cfg.QueueCapacity, cfg.SlotSize),
		slot:       make([]byte, cfg.SlotSize),
		record:     make([]byte, 0, cfg.SlotSize),
		wire:       make([]byte, 0, 16),
	}
	k.maxFrames.Store(int32(cfg.MaxFrames))
	return k
}

// Initialize prepares the kernel for a stream format. The core context is set
// up on the first call only. It must not be called while rendering; if a
// callback is in flight it returns ErrRendering without waiting.
func (k *Kernel) Initialize(inputChannels, outputChannels int, sampleRate float64) error {
	if inputChannels < 0 || outputChannels <= 0 || !(sampleRate > 0) || math.IsInf(sampleRate, 0) {
		return fmt.Errorf("%w: %d in, %d out, %g Hz", ErrInvalidFormat, inputChannels, outputChannels, sampleRate)
	}
	if !k.beginSetup() {
		return ErrRendering
	}
	defer k.setup.Store(false)

	if err := k.bridge.InitializeCoreContext(); err != nil && !errors.Is(err, core.ErrAlreadyInitialized) {
		return fmt.Errorf("initialize core context: %w", err)
	}
	k.dispatcher.Start()

	maxFrames := int(k.maxFrames.Load())
	k.transform.Prepare(sampleRate, outputChannels, maxFrames)
	k.prepared.Store(int32(maxFrames))

	k.pending.Drain()
	k.renderFaults.Store(0)
	k.fallbacks.Store(0)
	k.sampleRate.Store(math.Float64bits(sampleRate))
	k.inputChannels.Store(int32(inputChannels))
	k.outputChannels.Store(int32(outputChannels))
	k.initialized.Store(true)
	return nil
}

// Deinitialize releases the current format. Pending events and in-flight core
// results are discarded. It is idempotent.
func (k *Kernel) Deinitialize() error {
	if !k.beginSetup() {
		return ErrRendering
	}
	defer k.setup.Store(false)

	if !k.initialized.Swap(false) {
		return nil
	}
	k.pending.Drain()
	k.dispatcher.Cancel()
	return nil
}

// Close deinitializes the kernel and stops its dispatcher.
func (k *Kernel) Close() {
	for k.Deinitialize() != nil {
		runtime.Gosched() // a callback is still running
	}
	k.dispatcher.Close()
}

// beginSetup claims the setup flag unless a render callback is in flight.
// Process sets rendering before checking setup, so at most one side wins.
func (k *Kernel) beginSetup() bool {
	if !k.setup.CompareAndSwap(false, true) {
		return false
	}
	if k.rendering.Load() {
		k.setup.Store(false)
		return false
	}
	return true
}

// SetBypass switches bypass on or off.
func (k *Kernel) SetBypass(bypass bool) {
	k.bypass.Store(bypass)
}

// IsBypassed reports whether bypass is on.
func (k *Kernel) IsBypassed() bool {
	return k.bypass.Load()
}

// SetMaximumFramesToRender sets the largest frame count rendered per
// callback. Frames beyond it are zeroed. Raising it above the value in effect
// at Initialize takes effect on the next Initialize.
func (k *Kernel) SetMaximumFramesToRender(n int) {
	if n < 0 {
		n = 0
	}
	if n > math.MaxInt32 {
		n = math.MaxInt32
	}
	k.maxFrames.Store(int32(n))
}

// MaximumFramesToRender returns the frame limit.
func (k *Kernel) MaximumFramesToRender() int {
	return int(k.maxFrames.Load())
}

// SetMusicalContext installs the host's tempo source. nil removes it.
func (k *Kernel) SetMusicalContext(fn MusicalContext) {
	if fn == nil {
		k.musical.Store(nil)
		return
	}
	k.musical.Store(&fn)
}

// SampleRate returns the sample rate given to Initialize.
func (k *Kernel) SampleRate() float64 {
	return math.Float64frombits(k.sampleRate.Load())
}

// Channels returns the channel counts given to Initialize.
func (k *Kernel) Channels() (inputs, outputs int) {
	return int(k.inputChannels.Load()), int(k.outputChannels.Load())
}

// Initialized reports whether the kernel has a format.
func (k *Kernel) Initialized() bool {
	return k.initialized.Load()
}

// Dispatcher returns the dispatcher the kernel hands events to.
func (k *Kernel) Dispatcher() *core.Dispatcher {
	return k.dispatcher
}

// Params returns the parameter table updated by automation events.
func (k *Kernel) Params() *param.Registry {
	return k.params
}

// EnqueueHostEvent queues ev for the core. It never blocks or allocates. When
// the queue is full the oldest event is dropped.
func (k *Kernel) EnqueueHostEvent(ev core.Event) error {
	if _, err := k.pending.Push(ev); err != nil {
		return ErrEventTooLarge
	}
	return nil
}

// Pending returns the number of queued host events.
func (k *Kernel) Pending() int {
	return k.pending.Len()
}

// Dropped returns how many events were discarded because a queue was full.
func (k *Kernel) Dropped() uint64 {
	return k.pending.Dropped() + k.dispatcher.Dropped()
}

// Faults returns the number of core call failures plus render faults.
func (k *Kernel) Faults() uint64 {
	return k.dispatcher.Faults() + k.renderFaults.Load()
}

// RenderFaults returns the number of transform panics.
func (k *Kernel) RenderFaults() uint64 {
	return k.renderFaults.Load()
}

// Fallbacks returns how many callbacks were rendered as pass-through because
// the core was faulted or had not produced a render state.
func (k *Kernel) Fallbacks() uint64 {
	return k.fallbacks.Load()
}

// Callbacks returns the number of Process calls.
func (k *Kernel) Callbacks() uint64 {
	return k.callbacks.Load()
}

// Process renders one callback.
func (k *Kernel) Process(ctx *process.Context) {
	k.rendering.Store(true)
	defer k.rendering.Store(false)
	k.callbacks.Add(1)

	if k.setup.Load() || !k.initialized.Load() {
		ctx.PassThrough(ctx.FrameCount)
		return
	}

	k.drainOne()

	frames := ctx.FrameCount
	if limit := int(k.maxFrames.Load()); frames > limit {
		frames = limit
	}

	if k.bypass.Load() {
		ctx.PassThrough(frames)
		return
	}

	state := k.dispatcher.Latest()
	if state == nil || k.dispatcher.Faulted() {
		k.fallbacks.Add(1)
		ctx.PassThrough(frames)
		return
	}

	if prepared := int(k.prepared.Load()); frames > prepared {
		frames = prepared
	}
	k.render(ctx, state, ctx.Frames(frames))
}

// ProcessWithEvents applies the callback's host events, which must be
// ordered by sample offset, and then renders it.
func (k *Kernel) ProcessWithEvents(ctx *process.Context, events *midi.EventList) {
	if events != nil {
		for i := 0; i < events.Len(); i++ {
			ev := events.At(i)
			k.HandleRenderEvent(ctx.StartSampleTime+int64(ev.SampleOffset()), ev)
		}
	}
	k.Process(ctx)
}

// HandleRenderEvent dispatches one host event that arrived with the audio.
// Bypass automation switches bypass, other automation updates the parameter
// table and is forwarded to the core, and MIDI messages are forwarded as raw
// bytes. Events of any other kind are ignored. It is render-thread only.
func (k *Kernel) HandleRenderEvent(sampleTime int64, ev midi.Event) {
	if ev == nil {
		return
	}

	switch e := ev.(type) {
	case midi.ParameterChangeEvent:
		k.handleParameter(sampleTime, e.ParamID, e.Value)
	case *midi.ParameterChangeEvent:
		k.handleParameter(sampleTime, e.ParamID, e.Value)
	default:
		k.wire = ev.AppendBytes(k.wire[:0])
		if len(k.wire) == 0 {
			return
		}
		var beat float64
		if fn := k.musical.Load(); fn != nil {
			if _, b, ok := (*fn)(); ok {
				beat = b
			}
		}
		k.offer(channel.RecordMIDI, sampleTime, uint32(ev.Type()), beat, k.wire)
	}
}

func (k *Kernel) handleParameter(sampleTime int64, id uint32, value float64) {
	p := k.params.Get(id)
	if p == nil {
		return
	}
	p.SetValue(value)
	if p.IsBypass() {
		k.bypass.Store(p.IsOn())
		return
	}
	k.offer(channel.RecordParam, sampleTime, id, p.GetValue(), nil)
}

func (k *Kernel) offer(kind channel.RecordKind, sampleTime int64, id uint32, value float64, data []byte) {
	if channel.RecordOverhead+len(data) > cap(k.record) {
		return
	}
	k.record = channel.AppendRecord(k.record[:0], kind, sampleTime, id, value, data)
	k.dispatcher.Offer(core.Event(k.record))
}

func (k *Kernel) drainOne() {
	n, ok := k.pending.Pop(k.slot)
	if !ok {
		return
	}
	k.dispatcher.Offer(core.Event(k.slot[:n]))
}

func (k *Kernel) render(ctx *process.Context, state *core.RenderState, frames int) {
	defer func() {
		if r := recover(); r != nil {
			k.renderFaults.Add(1)
			ctx.PassThrough(frames)
		}
	}()

	k.transform.Render(ctx, state, frames)
	ctx.ClearFrom(frames)
}
