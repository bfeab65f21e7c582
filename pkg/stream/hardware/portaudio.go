// Package hardware implements stream.Backend on PortAudio.
package hardware

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/justyntemme/aushell/pkg/framework/debug"
	"github.com/justyntemme/aushell/pkg/stream"
)

// DefaultWatchInterval is how often an open stream's device is checked.
const DefaultWatchInterval = time.Second

// PortAudioBackend opens non-interleaved float32 streams on the default
// devices.
type PortAudioBackend struct {
	// WatchInterval is the device check period. It must be longer than one
	// buffer period, since a stream that delivered no callback over a whole
	// interval is reported as disconnected.
	WatchInterval time.Duration
	Logger        *debug.Logger
}

// NewPortAudioBackend creates a backend with the given watch interval.
func NewPortAudioBackend(watch time.Duration, logger *debug.Logger) *PortAudioBackend {
	if watch <= 0 {
		watch = DefaultWatchInterval
	}
	if logger == nil {
		logger = debug.Default().With("portaudio")
	}
	return &PortAudioBackend{WatchInterval: watch, Logger: logger}
}

// Open implements stream.Backend.
func (b *PortAudioBackend) Open(format stream.Format, callback stream.Callback, onError stream.ErrorFunc) (stream.Stream, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	opened := false
	defer func() {
		if !opened {
			pa.Terminate()
		}
	}()

	out, err := pa.DefaultOutputDevice()
	if err != nil {
		return nil, deviceError(err)
	}
	if out.MaxOutputChannels < format.OutputChannels {
		return nil, fmt.Errorf("%w: %s has %d output channels, need %d",
			stream.ErrNoDevice, out.Name, out.MaxOutputChannels, format.OutputChannels)
	}

	var in *pa.DeviceInfo
	if format.InputChannels > 0 {
		if in, err = pa.DefaultInputDevice(); err != nil {
			return nil, deviceError(err)
		}
		if in.MaxInputChannels < format.InputChannels {
			return nil, fmt.Errorf("%w: %s has %d input channels, need %d",
				stream.ErrNoDevice, in.Name, in.MaxInputChannels, format.InputChannels)
		}
	}

	p := pa.LowLatencyParameters(in, out)
	if in != nil {
		p.Input.Channels = format.InputChannels
	}
	p.Output.Channels = format.OutputChannels
	p.SampleRate = format.SampleRate
	p.FramesPerBuffer = pa.FramesPerBufferUnspecified
	if format.FramesPerBuffer > 0 {
		p.FramesPerBuffer = format.FramesPerBuffer
	}

	s := &paStream{
		callback: callback,
		onError:  onError,
		device:   out.Name,
		interval: b.WatchInterval,
		log:      b.Logger,
	}
	if s.interval <= 0 {
		s.interval = DefaultWatchInterval
	}
	if s.log == nil {
		s.log = debug.Discard()
	}

	s.stream, err = pa.OpenStream(p, s.process)
	if err != nil {
		return nil, deviceError(err)
	}

	opened = true
	s.log.Debug("opened %s at %.0f Hz, %d in / %d out", out.Name, format.SampleRate, format.InputChannels, format.OutputChannels)
	return s, nil
}

// deviceError marks errors that no retry can fix as stream.ErrNoDevice.
func deviceError(err error) error {
	var code pa.Error
	if errors.As(err, &code) {
		switch code {
		case pa.NoDefaultOutputDevice, pa.NoDefaultInputDevice,
			pa.InvalidDevice, pa.InvalidChannelCount, pa.InvalidSampleRate,
			pa.SampleFormatNotSupported, pa.BadIODeviceCombination:
			return fmt.Errorf("%w: %w", stream.ErrNoDevice, err)
		}
	}
	return err
}

type paStream struct {
	stream   *pa.Stream
	callback stream.Callback
	onError  stream.ErrorFunc
	device   string
	interval time.Duration
	log      *debug.Logger

	callbacks atomic.Uint64
	xruns     atomic.Uint64

	stop      chan struct{}
	watching  sync.WaitGroup
	closeOnce sync.Once
}

// process runs on the PortAudio callback thread.
func (s *paStream) process(in, out [][]float32, _ pa.StreamCallbackTimeInfo, flags pa.StreamCallbackFlags) {
	s.callbacks.Add(1)
	if flags&(pa.InputOverflow|pa.OutputUnderflow) != 0 {
		s.xruns.Add(1)
	}
	s.callback(in, out)
}

func (s *paStream) Start() error {
	if err := s.stream.Start(); err != nil {
		return err
	}
	s.stop = make(chan struct{})
	s.watching.Add(1)
	go s.watch(s.stop)
	return nil
}

func (s *paStream) Stop() error {
	if s.stop != nil {
		close(s.stop)
		s.watching.Wait()
		s.stop = nil
	}
	if n := s.xruns.Load(); n > 0 {
		s.log.Debug("%s: %d xruns in %d callbacks", s.device, n, s.callbacks.Load())
	}
	return s.stream.Stop()
}

func (s *paStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.stream.Close()
		if terr := pa.Terminate(); err == nil {
			err = terr
		}
	})
	return err
}

// watch reports a disconnect when callbacks stop arriving, the device
// disappears or the default output moves to another device.
func (s *paStream) watch(stop <-chan struct{}) {
	defer s.watching.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	last := s.callbacks.Load()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n := s.callbacks.Load()
			err := s.check(n == last)
			last = n
			if err != nil {
				s.onError(err)
				return
			}
		}
	}
}

func (s *paStream) check(stalled bool) error {
	if stalled {
		return fmt.Errorf("%w: %s delivered no buffers for %s", stream.ErrDisconnected, s.device, s.interval)
	}

	devices, err := pa.Devices()
	if err != nil {
		return fmt.Errorf("%w: %w", stream.ErrDisconnected, err)
	}
	present := false
	for _, d := range devices {
		if d.Name == s.device {
			present = true
			break
		}
	}
	if !present {
		return fmt.Errorf("%w: %s removed", stream.ErrDisconnected, s.device)
	}

	def, err := pa.DefaultOutputDevice()
	if err != nil {
		return fmt.Errorf("%w: %w", stream.ErrDisconnected, err)
	}
	if def.Name != s.device {
		return fmt.Errorf("%w: default output moved from %s to %s", stream.ErrDisconnected, s.device, def.Name)
	}
	return nil
}

// Device describes an audio device.
type Device struct {
	Name              string  `json:"name"`
	HostAPI           string  `json:"host_api"`
	MaxInputChannels  int     `json:"max_input_channels"`
	MaxOutputChannels int     `json:"max_output_channels"`
	DefaultSampleRate float64 `json:"default_sample_rate"`
	DefaultOutput     bool    `json:"default_output,omitempty"`
}

// ListDevices returns the devices PortAudio can see.
func ListDevices() ([]Device, error) {
	if err := pa.Initialize(); err != nil {
		return nil, err
	}
	defer pa.Terminate()

	infos, err := pa.Devices()
	if err != nil {
		return nil, err
	}
	def, _ := pa.DefaultOutputDevice()

	devices := make([]Device, 0, len(infos))
	for _, d := range infos {
		dev := Device{
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			DefaultOutput:     d == def,
		}
		if d.HostApi != nil {
			dev.HostAPI = d.HostApi.Name
		}
		devices = append(devices, dev)
	}
	return devices, nil
}
