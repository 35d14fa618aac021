package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/imapmux/imapmux/internal/domain/model"
)

// Dispatcher is the high-level contract for control-channel traffic.
// Handlers stay agnostic of the transport implementation.
type Dispatcher interface {
	Publish(ctx context.Context, topic string, msg *model.ControlMessage) error
	Subscribe(ctx context.Context, topic string) (<-chan *model.ControlMessage, error)
	Close() error
}

// dispatcher is the concrete implementation (private). It rides an
// in-process gochannel pub/sub: every subscriber of a topic receives
// every message, which is exactly the fan-out the control channel needs
// (state changes go to all API listeners, settings to all workers).
type dispatcher struct {
	ch     *gochannel.GoChannel
	logger *slog.Logger
}

func NewDispatcher(logger *slog.Logger) Dispatcher {
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
	}, watermill.NewSlogLogger(logger))
	return &dispatcher{ch: ch, logger: logger}
}

func (d *dispatcher) Publish(ctx context.Context, topic string, cm *model.ControlMessage) error {
	if cm == nil {
		return fmt.Errorf("bus: cannot publish nil message")
	}
	payload, err := json.Marshal(cm)
	if err != nil {
		return fmt.Errorf("bus: marshal failure: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	if err := d.ch.Publish(topic, msg); err != nil {
		return fmt.Errorf("bus: publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe decodes the topic stream into typed control messages.
// Undecodable payloads are acked and dropped; the control channel must
// never wedge on a poison message.
func (d *dispatcher) Subscribe(ctx context.Context, topic string) (<-chan *model.ControlMessage, error) {
	msgs, err := d.ch.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe %s: %w", topic, err)
	}
	out := make(chan *model.ControlMessage, 64)
	go func() {
		defer close(out)
		for msg := range msgs {
			cm := new(model.ControlMessage)
			if err := json.Unmarshal(msg.Payload, cm); err != nil {
				d.logger.Error("bus decode failed", "topic", topic, "msg_id", msg.UUID, "err", err)
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- cm:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (d *dispatcher) Close() error { return d.ch.Close() }
