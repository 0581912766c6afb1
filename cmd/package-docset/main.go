package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/docsetpackager/internal/config"
	"github.com/Lllllllleong/docsetpackager/internal/messaging"
	"github.com/Lllllllleong/docsetpackager/internal/models"
	"github.com/Lllllllleong/docsetpackager/internal/services"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

var (
	packagerInstance *services.Packager
	once             sync.Once
	initErr          error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.CloudEvent("PackageDocset", packageDocset)
}

// main is required by the Go Functions Framework.
func main() {}

func newPackager(ctx context.Context) (*services.Packager, error) {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return nil, err
	}
	// Replies leave over NATS; requests arrive as Pub/Sub events.
	broker, err := messaging.NewNATSBroker(ctx, messaging.NATSConfig{
		URL:     cfg.Broker.URL,
		Stream:  cfg.Broker.Stream,
		Durable: cfg.Broker.Durable,
	})
	if err != nil {
		return nil, err
	}
	packager, _, err := services.NewPackagerFromConfig(ctx, cfg, broker)
	if err != nil {
		_ = broker.Close()
		return nil, err
	}
	return packager, nil
}

// packageDocset handles a Pub/Sub CloudEvent whose data carries a docset
// request. Job failures are reported through replies and logs, not by
// failing the invocation, so Pub/Sub does not redeliver.
func packageDocset(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		packagerInstance, initErr = newPackager(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var msg models.PubSubMessage
	if err := json.Unmarshal(e.Data(), &msg); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}
	slog.Info("Received docset event.", "messageId", msg.Message.MessageID, "subscription", msg.Subscription)

	packagerInstance.HandleMessage(ctx, msg.Message.Data)
	return nil
}
