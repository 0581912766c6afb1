package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Lllllllleong/docsetpackager/internal/config"
	"github.com/Lllllllleong/docsetpackager/internal/messaging"
	"github.com/Lllllllleong/docsetpackager/internal/models"
	"github.com/Lllllllleong/docsetpackager/internal/services"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	bucket     string
	backend    string
	notify     bool
)

func main() {
	root := &cobra.Command{
		Use:           "docset-packager",
		Short:         "Package repository docsets into zip archives and upload them to Cloud Storage",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&bucket, "bucket", "", "override the upload bucket")
	root.PersistentFlags().StringVar(&backend, "backend", "", "override the upload backend (resumable or sdk)")
	root.PersistentFlags().BoolVar(&notify, "notify-failure", false, "send a failure reply when a job fails")

	root.AddCommand(newRunCmd(), newPackageCmd())

	if err := root.Execute(); err != nil {
		slog.Error("Command failed.", "error", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if cmd.Flags().Changed("bucket") {
		cfg.Storage.Bucket = bucket
	}
	if cmd.Flags().Changed("backend") {
		cfg.Storage.Backend = backend
	}
	if cmd.Flags().Changed("notify-failure") {
		cfg.Packager.NotifyFailure = notify
	}
	return cfg, nil
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Consume docset requests from NATS until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			broker, err := messaging.NewNATSBroker(ctx, messaging.NATSConfig{
				URL:     cfg.Broker.URL,
				Stream:  cfg.Broker.Stream,
				Durable: cfg.Broker.Durable,
			})
			if err != nil {
				return err
			}
			defer broker.Close()

			packager, closeUploader, err := services.NewPackagerFromConfig(ctx, cfg, broker)
			if err != nil {
				return err
			}
			defer closeUploader()

			slog.Info("Listening for docset requests.", "subject", cfg.Broker.Subject, "url", cfg.Broker.URL)
			return messaging.Serve(ctx, broker, cfg.Broker.Subject, packager.HandleMessage)
		},
	}
}

func newPackageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "package <docset>",
		Short: "Package a single docset and print the replies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			broker := messaging.NewMemoryBroker(slog.Default())
			packager, closeUploader, err := services.NewPackagerFromConfig(ctx, cfg, broker)
			if err != nil {
				_ = broker.Close()
				return err
			}
			defer closeUploader()

			destination := models.ReplyDestination(args[0], cfg.Packager.ReplyPrefix)
			replies, err := broker.Messages(ctx, destination, 4)
			if err != nil {
				_ = broker.Close()
				return err
			}

			packager.HandleMessage(ctx, []byte(args[0]))
			if err := broker.Close(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for body := range replies {
				fmt.Fprintf(out, "%s: %s\n", destination, body)
			}
			return nil
		},
	}
}
