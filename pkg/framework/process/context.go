// Package process provides the per-callback render context.
package process

// Context describes one render callback. Input and Output are borrowed from
// the audio backend and are only valid until the callback returns; nothing
// may keep a reference to them afterwards.
type Context struct {
	StartSampleTime int64
	FrameCount      int
	Input           [][]float32
	Output          [][]float32
}

// Reset points the context at a new callback's buffers without allocating.
// FrameCount is taken from the buffers.
func (c *Context) Reset(startSampleTime int64, input, output [][]float32) {
	c.StartSampleTime = startSampleTime
	c.Input = input
	c.Output = output
	c.FrameCount = c.NumSamples()
}

// Release drops the borrowed buffer views.
func (c *Context) Release() {
	c.Input = nil
	c.Output = nil
	c.FrameCount = 0
}

// NumSamples returns the number of samples in the buffers
func (c *Context) NumSamples() int {
	if len(c.Output) > 0 && len(c.Output[0]) > 0 {
		return len(c.Output[0])
	}
	if len(c.Input) > 0 && len(c.Input[0]) > 0 {
		return len(c.Input[0])
	}
	return 0
}

// NumInputChannels returns the number of input channels
func (c *Context) NumInputChannels() int {
	return len(c.Input)
}

// NumOutputChannels returns the number of output channels
func (c *Context) NumOutputChannels() int {
	return len(c.Output)
}

// Frames clamps n to FrameCount and to the shortest buffer.
func (c *Context) Frames(n int) int {
	if n > c.FrameCount {
		n = c.FrameCount
	}
	for _, in := range c.Input {
		if len(in) < n {
			n = len(in)
		}
	}
	for _, out := range c.Output {
		if len(out) < n {
			n = len(out)
		}
	}
	if n < 0 {
		return 0
	}
	return n
}

// PassThrough copies the first frames samples of each input channel to the
// matching output channel. Outputs without a matching input repeat the last
// input channel, or are silenced when there is no input. Samples past frames
// are zeroed.
func (c *Context) PassThrough(frames int) {
	frames = c.Frames(frames)
	numIn := len(c.Input)

	for ch, out := range c.Output {
		switch {
		case ch < numIn:
			copy(out[:frames], c.Input[ch][:frames])
		case numIn > 0:
			copy(out[:frames], c.Input[numIn-1][:frames])
		default:
			clear(out[:frames])
		}
	}
	c.ClearFrom(frames)
}

// ClearFrom zeros every output channel from sample index start onwards.
func (c *Context) ClearFrom(start int) {
	if start < 0 {
		start = 0
	}
	for _, out := range c.Output {
		if start < len(out) {
			clear(out[start:])
		}
	}
}

// Clear zeros the output buffers
func (c *Context) Clear() {
	c.ClearFrom(0)
}

// ForEachChannel calls fn for every output channel with the input channel it
// is fed from, or nil when there is no input.
func (c *Context) ForEachChannel(fn func(ch int, input, output []float32)) {
	numIn := len(c.Input)
	for ch, out := range c.Output {
		var in []float32
		switch {
		case ch < numIn:
			in = c.Input[ch]
		case numIn > 0:
			in = c.Input[numIn-1]
		}
		fn(ch, in, out)
	}
}
