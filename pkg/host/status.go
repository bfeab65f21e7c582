package host

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/bytedance/sonic"

	"github.com/justyntemme/aushell/pkg/stream"
)

// StatusTopic is the Pub/Sub topic carrying stream statuses.
const StatusTopic = "aushell.status"

var statusCodec = sonic.ConfigStd

func encodeStatus(st stream.Status) (*message.Message, error) {
	payload, err := statusCodec.Marshal(st)
	if err != nil {
		return nil, err
	}
	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set("state", st.State.String())
	return msg, nil
}

func decodeStatus(payload []byte) (stream.Status, error) {
	var st stream.Status
	if err := statusCodec.Unmarshal(payload, &st); err != nil {
		return stream.Status{}, err
	}
	if st.Error != "" {
		st.Err = errors.New(st.Error)
	}
	return st, nil
}

// publishStatus runs with the supervisor's lock held. Publish does not wait
// for the subscriber.
func (e *Engine) publishStatus(st stream.Status) {
	switch {
	case st.Fatal:
		e.log.Error("stream %s: %v", st.State, st.Err)
	case st.DeviceUnavailable:
		e.log.Warn("device unavailable: %v", st.Err)
	default:
		e.log.Debug("stream %s %s", st.State, st.Handle)
	}

	msg, err := encodeStatus(st)
	if err != nil {
		e.log.Error("encode status: %v", err)
		return
	}
	if err := e.pubsub.Publish(StatusTopic, msg); err != nil {
		e.log.Debug("publish status: %v", err)
	}
}

// deliverStatuses forwards statuses to OnStatus. Publishes fan out on
// separate goroutines, so a status can arrive after a newer one. Late
// statuses are dropped unless they report a fatal error or an unavailable
// device; those are still delivered but do not replace the current status.
func (e *Engine) deliverStatuses(msgs <-chan *message.Message) {
	defer e.wg.Done()

	var last uint64
	for msg := range msgs {
		st, err := decodeStatus(msg.Payload)
		msg.Ack()
		if err != nil {
			e.log.Warn("decode status %s: %v", msg.UUID, err)
			continue
		}
		if st.Seq <= last {
			if !st.Fatal && !st.DeviceUnavailable {
				e.staleStatuses.Add(1)
				continue
			}
		} else {
			last = st.Seq
			e.lastStatus.Store(&st)
		}

		if e.callbacks.OnStatus != nil {
			e.callbacks.OnStatus(st)
		}
	}
}

// Status returns the most recent status delivered to OnStatus.
func (e *Engine) Status() (stream.Status, bool) {
	if st := e.lastStatus.Load(); st != nil {
		return *st, true
	}
	return stream.Status{}, false
}

func (e *Engine) subscribeStatuses(ctx context.Context) error {
	msgs, err := e.pubsub.Subscribe(ctx, StatusTopic)
	if err != nil {
		return err
	}
	e.wg.Add(1)
	go e.deliverStatuses(msgs)
	return nil
}
