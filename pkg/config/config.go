// Package config handles aushell.toml engine configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the configuration file looked up by examples.
const FileName = "aushell.toml"

// Core backends.
const (
	CoreLoopback = "loopback"
	CoreNative   = "native"
)

// Config is the engine configuration.
type Config struct {
	Stream     Stream     `toml:"stream"`
	Kernel     Kernel     `toml:"kernel"`
	Supervisor Supervisor `toml:"supervisor"`
	Core       Core       `toml:"core"`
	Log        Log        `toml:"log"`
	Metrics    Metrics    `toml:"metrics"`

	// Path is the file the configuration was loaded from (set at load time).
	Path string `toml:"-"`
}

// Stream configures the hardware stream.
type Stream struct {
	SampleRate      float64  `toml:"sample-rate"`
	InputChannels   int      `toml:"input-channels"`
	OutputChannels  int      `toml:"output-channels"`
	FramesPerBuffer int      `toml:"frames-per-buffer"`
	WatchInterval   Duration `toml:"watch-interval"` // device check period; 0 uses the backend default
}

// Kernel sizes the render kernel's queues.
type Kernel struct {
	QueueCapacity int     `toml:"queue-capacity"`
	SlotSize      int     `toml:"slot-size"`
	MaxFrames     int     `toml:"max-frames"`
	GainRampMs    float64 `toml:"gain-ramp-ms"`
}

// Supervisor configures stream recovery.
type Supervisor struct {
	MaxRestartAttempts int      `toml:"max-restart-attempts"`
	BackoffInitial     Duration `toml:"backoff-initial"`
	BackoffMax         Duration `toml:"backoff-max"`
}

// Core selects the processing core.
type Core struct {
	Backend     string `toml:"backend"`
	GainParam   uint32 `toml:"gain-param"`
	BypassParam uint32 `toml:"bypass-param"`
}

// Log configures the engine logger.
type Log struct {
	Level  string `toml:"level"`
	Prefix string `toml:"prefix"`
}

// Metrics configures the Prometheus endpoint of the example programs.
type Metrics struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// Duration is a time.Duration written as a string such as "50ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Stream: Stream{
			SampleRate:      44100,
			InputChannels:   1,
			OutputChannels:  2,
			FramesPerBuffer: 128,
			WatchInterval:   Duration{time.Second},
		},
		Kernel: Kernel{
			QueueCapacity: 64,
			SlotSize:      256,
			MaxFrames:     4096,
			GainRampMs:    5,
		},
		Supervisor: Supervisor{
			MaxRestartAttempts: 5,
			BackoffInitial:     Duration{50 * time.Millisecond},
			BackoffMax:         Duration{2 * time.Second},
		},
		Core: Core{
			Backend:     CoreLoopback,
			GainParam:   1,
			BypassParam: 2,
		},
		Log: Log{
			Level:  "info",
			Prefix: "aushell",
		},
		Metrics: Metrics{
			Listen: ":9464",
		},
	}
}

// Parse decodes TOML over the defaults and validates the result. Unknown
// keys are errors.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("parse config: unknown keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses a configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cannot read %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

// LoadOrDefault loads path if it exists and returns the defaults otherwise.
func LoadOrDefault(path string) (Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return Load(path)
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Stream.SampleRate > 0, "stream.sample-rate must be positive, got %g", c.Stream.SampleRate)
	check(c.Stream.InputChannels >= 0, "stream.input-channels must not be negative, got %d", c.Stream.InputChannels)
	check(c.Stream.OutputChannels > 0, "stream.output-channels must be positive, got %d", c.Stream.OutputChannels)
	check(c.Stream.FramesPerBuffer >= 0, "stream.frames-per-buffer must not be negative, got %d", c.Stream.FramesPerBuffer)
	check(c.Stream.WatchInterval.Duration >= 0, "stream.watch-interval must not be negative")

	check(c.Kernel.QueueCapacity > 0, "kernel.queue-capacity must be positive, got %d", c.Kernel.QueueCapacity)
	check(c.Kernel.SlotSize >= 64, "kernel.slot-size must be at least 64 bytes, got %d", c.Kernel.SlotSize)
	check(c.Kernel.MaxFrames > 0, "kernel.max-frames must be positive, got %d", c.Kernel.MaxFrames)
	check(c.Stream.FramesPerBuffer <= c.Kernel.MaxFrames,
		"stream.frames-per-buffer (%d) exceeds kernel.max-frames (%d)", c.Stream.FramesPerBuffer, c.Kernel.MaxFrames)
	check(c.Kernel.GainRampMs >= 0, "kernel.gain-ramp-ms must not be negative, got %g", c.Kernel.GainRampMs)

	check(c.Supervisor.MaxRestartAttempts > 0, "supervisor.max-restart-attempts must be positive, got %d", c.Supervisor.MaxRestartAttempts)
	check(c.Supervisor.BackoffInitial.Duration > 0, "supervisor.backoff-initial must be positive")
	check(c.Supervisor.BackoffMax.Duration >= c.Supervisor.BackoffInitial.Duration,
		"supervisor.backoff-max (%s) is below backoff-initial (%s)", c.Supervisor.BackoffMax, c.Supervisor.BackoffInitial)

	check(c.Core.Backend == CoreLoopback || c.Core.Backend == CoreNative,
		"core.backend must be %q or %q, got %q", CoreLoopback, CoreNative, c.Core.Backend)
	check(c.Core.GainParam != c.Core.BypassParam, "core.gain-param and core.bypass-param must differ")

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
