package messaging

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Serve consumes subject on broker until ctx is done or the subscription
// fails, then closes the broker so in-flight publishes are flushed.
func Serve(ctx context.Context, broker Broker, subject string, handler Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return broker.Subscribe(gctx, subject, handler)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down.", "subject", subject)
		return broker.Close()
	})
	return g.Wait()
}
