package param

import "math"

// rampEpsilon is the smallest target change that starts a new ramp.
const rampEpsilon = 1e-4

// Smoother ramps a value linearly towards a target so parameter changes do
// not click. It is not safe for concurrent use; the render thread owns it.
type Smoother struct {
	current float64
	target  float64
	step    float64
	// length is the ramp length in samples. Below one sample, targets apply
	// immediately.
	length  float64
	ramping bool
}

// NewSmoother creates a smoother whose ramps last length samples.
func NewSmoother(length float64) *Smoother {
	return &Smoother{length: length}
}

// SetTime sets the ramp length from a duration at the given sample rate.
func (s *Smoother) SetTime(sampleRate, ms float64) {
	s.length = sampleRate * ms / 1000.0
}

// SetTarget starts a ramp from the current value to target.
func (s *Smoother) SetTarget(target float64) {
	if math.Abs(target-s.target) < rampEpsilon {
		return
	}
	s.target = target

	if s.length < 1 {
		s.current = target
		s.ramping = false
		return
	}
	s.step = (target - s.current) / s.length
	s.ramping = true
}

// Next returns the next value of the ramp.
func (s *Smoother) Next() float64 {
	if !s.ramping {
		return s.current
	}

	s.current += s.step
	if (s.step > 0 && s.current >= s.target) || (s.step <= 0 && s.current <= s.target) {
		s.current = s.target
		s.ramping = false
	}
	return s.current
}

// Fill writes the next len(dst) values into dst.
func (s *Smoother) Fill(dst []float64) {
	if !s.ramping {
		for i := range dst {
			dst[i] = s.current
		}
		return
	}
	for i := range dst {
		dst[i] = s.Next()
	}
}

// Ramping reports whether a ramp is in progress.
func (s *Smoother) Ramping() bool {
	return s.ramping
}

// Current returns the last produced value.
func (s *Smoother) Current() float64 {
	return s.current
}

// Reset jumps to value and ends any ramp.
func (s *Smoother) Reset(value float64) {
	s.current = value
	s.target = value
	s.ramping = false
}
