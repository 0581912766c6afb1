package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const flushTimeout = 5 * time.Second

// NATSConfig configures the JetStream-backed broker.
type NATSConfig struct {
	URL string
	// Stream holds the inbound request subjects.
	Stream string
	// Durable names the consumer so unacknowledged requests survive restarts.
	Durable string
}

// NATSBroker receives requests from a JetStream work queue and publishes
// replies as plain NATS messages.
type NATSBroker struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config NATSConfig
}

// NewNATSBroker connects to NATS and ensures the request stream exists.
func NewNATSBroker(ctx context.Context, config NATSConfig) (*NATSBroker, error) {
	nc, err := nats.Connect(config.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return &NATSBroker{nc: nc, js: js, config: config}, nil
}

// Subscribe binds a durable consumer to subject and hands each message to
// handler. Messages are acknowledged once handled; a failed job is not
// redelivered. It blocks until ctx is done.
func (b *NATSBroker) Subscribe(ctx context.Context, subject string, handler Handler) error {
	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      b.config.Stream,
		Subjects:  []string{subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", b.config.Stream, err)
	}

	consumer, err := b.js.CreateOrUpdateConsumer(ctx, b.config.Stream, jetstream.ConsumerConfig{
		Durable:       b.config.Durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: 1,
		AckWait:       30 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		handler(ctx, msg.Data())
		if err := msg.Ack(); err != nil {
			slog.Warn("Failed to acknowledge message.", "subject", msg.Subject(), "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer cc.Stop()

	slog.Info("Subscribed to docset requests.", "subject", subject, "durable", b.config.Durable)
	<-ctx.Done()
	return nil
}

// Publish sends body to destination as a core NATS message.
func (b *NATSBroker) Publish(_ context.Context, destination string, body []byte) error {
	if err := b.nc.Publish(destination, body); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", destination, err)
	}
	if err := b.nc.FlushTimeout(flushTimeout); err != nil {
		return fmt.Errorf("failed to flush publish to %s: %w", destination, err)
	}
	return nil
}

// Close drains the connection.
func (b *NATSBroker) Close() error {
	if b.nc == nil {
		return nil
	}
	return b.nc.Drain()
}
