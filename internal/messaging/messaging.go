// Package messaging carries docset requests in and replies out.
package messaging

import "context"

// Handler processes one inbound payload. Handlers are invoked one message at
// a time.
type Handler func(ctx context.Context, payload []byte)

// Publisher sends a reply body to a destination.
type Publisher interface {
	Publish(ctx context.Context, destination string, body []byte) error
}

// Subscriber delivers inbound payloads to a handler until ctx is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, subject string, handler Handler) error
}

// Broker is a transport that both receives requests and sends replies.
type Broker interface {
	Publisher
	Subscriber
	Close() error
}
