package kernel

import (
	"github.com/cwbudde/algo-vecmath"

	"github.com/justyntemme/aushell/pkg/core"
	"github.com/justyntemme/aushell/pkg/framework/param"
	"github.com/justyntemme/aushell/pkg/framework/process"
)

// Transform renders audio from the core's render state. Prepare runs during
// setup and may allocate; Render runs on the render thread and must not.
type Transform interface {
	Prepare(sampleRate float64, channels, maxFrames int)
	// Render writes frames samples of every output channel. frames never
	// exceeds the maxFrames given to Prepare.
	Render(ctx *process.Context, state *core.RenderState, frames int)
}

// DefaultGainRamp is the time in milliseconds GainTransform takes to reach a
// new gain.
const DefaultGainRamp = 5.0

// GainTransform applies the render state gain with a linear ramp between
// blocks. Muted states ramp to silence.
type GainTransform struct {
	RampMs float64

	smoother *param.Smoother
	ramp     []float64
	scratch  []float64
	primed   bool
}

// NewGainTransform creates a gain transform with the default ramp.
func NewGainTransform() *GainTransform {
	return &GainTransform{RampMs: DefaultGainRamp}
}

// Prepare implements Transform.
func (g *GainTransform) Prepare(sampleRate float64, channels, maxFrames int) {
	g.smoother = param.NewSmoother(1)
	g.smoother.SetTime(sampleRate, g.RampMs)
	g.ramp = make([]float64, maxFrames)
	g.scratch = make([]float64, maxFrames)
	g.primed = false
}

// Render implements Transform.
func (g *GainTransform) Render(ctx *process.Context, state *core.RenderState, frames int) {
	if frames > len(g.ramp) {
		frames = len(g.ramp)
	}

	target := state.Gain
	if state.Mute {
		target = 0
	}
	if !g.primed {
		g.smoother.Reset(target)
		g.primed = true
	} else {
		g.smoother.SetTarget(target)
	}

	ramp := g.ramp[:frames]
	g.smoother.Fill(ramp)

	numIn := len(ctx.Input)
	for ch, out := range ctx.Output {
		var in []float32
		switch {
		case ch < numIn:
			in = ctx.Input[ch]
		case numIn > 0:
			in = ctx.Input[numIn-1]
		}
		if in == nil {
			clear(out[:frames])
			continue
		}

		buf := g.scratch[:frames]
		for i := range buf {
			buf[i] = float64(in[i])
		}
		vecmath.MulBlockInPlace(buf, ramp)
		for i, v := range buf {
			out[i] = float32(v)
		}
	}
}

// Gain returns the gain reached at the end of the last block.
func (g *GainTransform) Gain() float64 {
	if g.smoother == nil {
		return 0
	}
	return g.smoother.Current()
}
