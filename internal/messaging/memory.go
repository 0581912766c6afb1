package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// MemoryBroker is an in-process broker backed by a watermill GoChannel.
// Publish blocks until every current subscriber has acknowledged, which keeps
// delivery ordered. Messages published with no subscriber are dropped.
type MemoryBroker struct {
	pubSub *gochannel.GoChannel
}

func NewMemoryBroker(logger *slog.Logger) *MemoryBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBroker{
		pubSub: gochannel.NewGoChannel(
			gochannel.Config{BlockPublishUntilSubscriberAck: true},
			watermill.NewSlogLogger(logger),
		),
	}
}

// Publish delivers body to every subscriber of destination.
func (b *MemoryBroker) Publish(ctx context.Context, destination string, body []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), body)
	if err := b.pubSub.Publish(destination, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", destination, err)
	}
	return nil
}

// Subscribe hands messages on subject to handler one at a time until ctx is
// done.
func (b *MemoryBroker) Subscribe(ctx context.Context, subject string, handler Handler) error {
	messages, err := b.pubSub.Subscribe(ctx, subject)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			handler(ctx, msg.Payload)
			msg.Ack()
		}
	}
}

// Messages subscribes to destination and returns its payloads. Each message
// is acknowledged on receipt; up to buffer payloads are held for the reader.
func (b *MemoryBroker) Messages(ctx context.Context, destination string, buffer int) (<-chan []byte, error) {
	messages, err := b.pubSub.Subscribe(ctx, destination)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", destination, err)
	}
	out := make(chan []byte, buffer)
	go func() {
		defer close(out)
		for msg := range messages {
			msg.Ack()
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *MemoryBroker) Close() error {
	return b.pubSub.Close()
}
