package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/Lllllllleong/docsetpackager/internal/config"
	"github.com/Lllllllleong/docsetpackager/internal/gcp"
	"github.com/Lllllllleong/docsetpackager/internal/messaging"
	"github.com/Lllllllleong/docsetpackager/internal/repository"
)

const authTimeout = 30 * time.Second

// NewPackagerFromConfig builds the resolver, the authenticated uploader for
// the configured backend and the Packager that ties them to replies. The
// returned close func releases the uploader.
func NewPackagerFromConfig(ctx context.Context, cfg config.Config, replies messaging.Publisher) (*Packager, func() error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	keyPEM, err := os.ReadFile(cfg.Auth.KeyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	auth, err := gcp.NewAuthProvider(gcp.AuthConfig{
		TokenURL: cfg.Auth.TokenURL,
		Issuer:   cfg.Auth.Issuer,
		Scopes:   cfg.Auth.Scopes,
		Audience: cfg.Auth.Audience,
		TTL:      cfg.Auth.TTL,
	}, keyPEM, &http.Client{Timeout: authTimeout})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create auth provider: %w", err)
	}

	uploadConfig := gcp.UploadConfig{
		StorageURL: cfg.Storage.URL,
		UploadURL:  cfg.Storage.UploadURL,
		Bucket:     cfg.Storage.Bucket,
	}
	var (
		uploader Uploader
		closer   = func() error { return nil }
	)
	switch cfg.Storage.Backend {
	case config.BackendSDK:
		client, err := gcp.NewStorageClient(ctx, auth, cfg.Storage.URL)
		if err != nil {
			return nil, nil, err
		}
		sdk, err := gcp.NewSDKUploader(client, uploadConfig)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		uploader, closer = sdk, sdk.Close
	default:
		session := gcp.NewSession(auth, &http.Client{Timeout: cfg.Storage.Timeout})
		uploader, err = gcp.NewUploadClient(session, uploadConfig)
		if err != nil {
			return nil, nil, err
		}
	}

	resolver := repository.NewResolver(&http.Client{Timeout: cfg.Repository.Timeout}, repository.ResolverConfig{
		RepositoryURL: cfg.Repository.URL,
		Accept:        cfg.Repository.Accept,
	})

	packager, err := NewPackager(resolver, uploader, replies, PackagerConfig{
		ReplyPrefix:   cfg.Packager.ReplyPrefix,
		MimeType:      cfg.Packager.MimeType,
		Extension:     cfg.Packager.Extension,
		TempDir:       cfg.Packager.TempDir,
		NotifyFailure: cfg.Packager.NotifyFailure,
		ValidatePDF:   cfg.Packager.ValidatePDF,
	})
	if err != nil {
		_ = closer()
		return nil, nil, err
	}
	slog.Info("Packager wired.", "backend", cfg.Storage.Backend, "bucket", cfg.Storage.Bucket, "repository", cfg.Repository.URL)
	return packager, closer, nil
}
