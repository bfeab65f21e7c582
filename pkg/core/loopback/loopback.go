// Package loopback provides an in-process core. It speaks the same event and
// result encoding as the native core and keeps a small amount of state: an
// output gain driven by one parameter and a mute flag.
package loopback

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/justyntemme/aushell/pkg/channel"
	"github.com/justyntemme/aushell/pkg/core"
)

// MaxGain is the linear gain reached at a normalized parameter value of 1.
const MaxGain = 2.0

// Core is a Go implementation of core.Boundary.
type Core struct {
	gainID uint32

	mu          sync.Mutex
	initialized bool
	logInits    int
	gain        float64
	mute        bool
	events      int64
	midi        int64
	responses   map[string][]byte

	failure     atomic.Pointer[error]
	outstanding atomic.Int64
}

// New creates a core whose gain follows the parameter gainID.
func New(gainID uint32) *Core {
	return &Core{
		gainID:    gainID,
		gain:      1,
		responses: make(map[string][]byte),
	}
}

// SetFailure makes every later ProcessEvent fail with err. A nil err clears it.
func (c *Core) SetFailure(err error) {
	if err == nil {
		c.failure.Store(nil)
		return
	}
	c.failure.Store(&err)
}

// Outstanding returns the number of result buffers not yet freed.
func (c *Core) Outstanding() int64 {
	return c.outstanding.Load()
}

// LogInit implements core.Boundary.
func (c *Core) LogInit() {
	c.mu.Lock()
	c.logInits++
	c.mu.Unlock()
}

// InitializeContext implements core.Boundary.
func (c *Core) InitializeContext() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = true
	return nil
}

// ProcessEvent implements core.Boundary.
func (c *Core) ProcessEvent(ev core.Event) (core.Buffer, error) {
	if p := c.failure.Load(); p != nil {
		return core.Buffer{}, *p
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return core.Buffer{}, core.NewError(core.Unreachable, "process_event", errors.New("context not initialized"))
	}
	c.events++

	if channel.IsRecord(ev) {
		r, err := channel.DecodeRecord(ev)
		if err != nil {
			return c.reply(channel.Message{core.KeyStatus: core.StatusRejected, core.KeyReason: "bad record"})
		}
		return c.handleRecord(r)
	}

	m, err := channel.Decode(ev)
	if err != nil {
		return c.reply(channel.Message{core.KeyStatus: core.StatusRejected, core.KeyReason: "bad message"})
	}
	return c.handleMessage(m)
}

func (c *Core) handleRecord(r channel.Record) (core.Buffer, error) {
	switch r.Kind {
	case channel.RecordParam:
		if r.ID == c.gainID {
			c.gain = r.Value * MaxGain
			return c.reply(channel.Message{core.KeyRender: c.renderState()})
		}
	case channel.RecordMIDI:
		c.midi++
	}
	return c.empty()
}

func (c *Core) handleMessage(m channel.Message) (core.Buffer, error) {
	out := channel.Message{}
	if name, ok := m.Name(); ok {
		out[channel.KeyChannel] = name
	}

	switch m.Type() {
	case "param":
		id, _ := m["id"].(int64)
		value, ok := m["value"].(float64)
		if !ok {
			out[core.KeyStatus] = core.StatusRejected
			out[core.KeyReason] = "param value must be a float"
			return c.reply(out)
		}
		out["type"] = "param"
		if uint32(id) == c.gainID {
			c.gain = value * MaxGain
			out[core.KeyRender] = c.renderState()
		}
	case "mute":
		mute, _ := m["value"].(bool)
		c.mute = mute
		out["type"] = "mute"
		out[core.KeyRender] = c.renderState()
	case "ping":
		out["type"] = "pong"
	case "state":
		out["type"] = "state"
		for k, v := range c.state() {
			out[k] = v
		}
	default:
		out[core.KeyStatus] = core.StatusRejected
		out[core.KeyReason] = fmt.Sprintf("unknown message type %q", m.Type())
	}

	if _, ok := out[core.KeyStatus]; !ok {
		out[core.KeyStatus] = core.StatusOK
	}
	return c.reply(out)
}

// HandleResponse implements core.Boundary. Responses are stored by id and
// reported in the view.
func (c *Core) HandleResponse(id, data []byte) (core.Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return core.Buffer{}, core.NewError(core.Unreachable, "handle_response", errors.New("context not initialized"))
	}
	c.responses[string(id)] = append([]byte(nil), data...)
	return c.empty()
}

// View implements core.Boundary.
func (c *Core) View() (core.Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reply(c.state())
}

// Free implements core.Boundary.
func (c *Core) Free(buf core.Buffer) {
	c.outstanding.Add(-1)
}

func (c *Core) renderState() channel.Message {
	return channel.Message{"gain": c.gain, "mute": c.mute}
}

func (c *Core) state() channel.Message {
	return channel.Message{
		"gain":      c.gain,
		"mute":      c.mute,
		"events":    c.events,
		"midi":      c.midi,
		"responses": int64(len(c.responses)),
		"log_inits": int64(c.logInits),
	}
}

func (c *Core) reply(m channel.Message) (core.Buffer, error) {
	data, err := channel.Encode(m)
	if err != nil {
		return core.Buffer{}, core.NewError(core.Malformed, "encode reply", err)
	}
	c.outstanding.Add(1)
	return core.NewBuffer(data), nil
}

func (c *Core) empty() (core.Buffer, error) {
	c.outstanding.Add(1)
	return core.NewBuffer(nil), nil
}
