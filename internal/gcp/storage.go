package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// NewStorageClient creates a Cloud Storage client that authenticates with the
// given provider's token instead of ambient credentials.
func NewStorageClient(ctx context.Context, auth *AuthProvider, endpoint string) (*storage.Client, error) {
	opts := []option.ClientOption{option.WithTokenSource(NewTokenSource(ctx, auth))}
	if endpoint != "" && endpoint != DefaultStorageURL {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	return client, nil
}

// SDKUploader writes archives through the Cloud Storage client library.
type SDKUploader struct {
	client *storage.Client
	config UploadConfig
}

// NewSDKUploader wraps an existing storage client.
func NewSDKUploader(client *storage.Client, config UploadConfig) (*SDKUploader, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("upload bucket must be provided")
	}
	if config.StorageURL == "" {
		config.StorageURL = DefaultStorageURL
	}
	if config.ContentType == "" {
		config.ContentType = ArchiveContentType
	}
	return &SDKUploader{client: client, config: config}, nil
}

// UploadFile streams the file at path to a new object. The write is
// conditional on the object not existing yet.
func (u *SDKUploader) UploadFile(ctx context.Context, objectName, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("could not open %s: %w", path, err)
	}
	defer f.Close()

	writer := u.client.Bucket(u.config.Bucket).Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = u.config.ContentType

	if _, err := io.Copy(writer, f); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	if err := writer.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			slog.Error("Object already exists.", "bucket", u.config.Bucket, "object", objectName)
		}
		return "", fmt.Errorf("%w: failed to finalize write: %w", ErrUploadFailed, err)
	}
	return u.config.StorageURL + "/b/" + u.config.Bucket + "/o/" + url.PathEscape(objectName), nil
}

// Close releases the underlying client.
func (u *SDKUploader) Close() error {
	return u.client.Close()
}
