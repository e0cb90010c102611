// Package bus is the broadcast transport shared by every client.
package bus

import "context"

// Handler receives one inbound message payload.
type Handler func(payload []byte)

// Bus publishes to and subscribes on broadcast topics. Handlers for one
// bus are invoked sequentially on a single goroutine.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string, h Handler) error
	Close() error
}

// Topic sends encoded control messages to a single topic.
type Topic struct {
	Bus  Bus
	Name string
}

func (t Topic) Send(ctx context.Context, msg string) error {
	return t.Bus.Publish(ctx, t.Name, []byte(msg))
}
