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
	"strconv"

	"github.com/Lllllllleong/docsetpackager/internal/httpx"
)

// Default Cloud Storage JSON API endpoints.
const (
	DefaultStorageURL = "https://www.googleapis.com/storage/v1"
	DefaultUploadURL  = "https://www.googleapis.com/upload/storage/v1"
)

// ArchiveContentType is declared for every uploaded object.
const ArchiveContentType = "application/zip"

// UploadConfig locates the storage API and the target bucket.
type UploadConfig struct {
	StorageURL  string
	UploadURL   string
	Bucket      string
	ContentType string
}

// UploadClient performs two-phase resumable uploads. Requests go through
// the given Doer, normally an authenticated *Session.
type UploadClient struct {
	http   httpx.Doer
	config UploadConfig
}

// NewUploadClient fills in default endpoints and content type.
func NewUploadClient(doer httpx.Doer, config UploadConfig) (*UploadClient, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("upload bucket must be provided")
	}
	if config.StorageURL == "" {
		config.StorageURL = DefaultStorageURL
	}
	if config.UploadURL == "" {
		config.UploadURL = DefaultUploadURL
	}
	if config.ContentType == "" {
		config.ContentType = ArchiveContentType
	}
	return &UploadClient{http: doer, config: config}, nil
}

// Bucket returns a handle for the named bucket on this client.
func (c *UploadClient) Bucket(name string) *Bucket {
	return &Bucket{Name: name, client: c}
}

// Upload streams src to the configured bucket as objectName and returns the
// object's URL.
func (c *UploadClient) Upload(ctx context.Context, objectName string, src io.Reader) (string, error) {
	obj := c.Bucket(c.config.Bucket).Object(objectName)
	if err := obj.Upload(ctx, src); err != nil {
		return "", err
	}
	return obj.URL(), nil
}

// UploadFile opens path and uploads its content as objectName.
func (c *UploadClient) UploadFile(ctx context.Context, objectName, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("could not open %s: %w", path, err)
	}
	defer f.Close()
	return c.Upload(ctx, objectName, f)
}

// Bucket addresses /b/<name> on the storage API.
type Bucket struct {
	Name   string
	client *UploadClient
}

func (b *Bucket) Path() string { return "/b/" + b.Name }

func (b *Bucket) URL() string { return b.client.config.StorageURL + b.Path() }

func (b *Bucket) UploadURL() string { return b.client.config.UploadURL + b.Path() + "/o" }

// Object returns a handle for an object in the bucket.
func (b *Bucket) Object(name string) *Object {
	return &Object{Name: name, bucket: b}
}

// Object is a single object in a bucket.
type Object struct {
	Name   string
	bucket *Bucket
}

// URL is where the object is reachable once uploaded.
func (o *Object) URL() string {
	return o.bucket.URL() + "/o/" + url.PathEscape(o.Name)
}

// Upload opens a resumable session and transfers the whole of src to it.
// There is no partial resume; a failed upload starts over with a new session.
func (o *Object) Upload(ctx context.Context, src io.Reader) error {
	size, err := streamSize(src)
	if err != nil {
		return err
	}
	location, err := o.initiate(ctx, size)
	if err != nil {
		return err
	}
	slog.Debug("Opened resumable upload session.", "object", o.Name, "size", size)
	return o.transfer(ctx, location, src, size)
}

func (o *Object) initiate(ctx context.Context, size int64) (string, error) {
	client := o.bucket.client
	query := url.Values{"uploadType": {"resumable"}, "name": {o.Name}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.bucket.UploadURL()+"?"+query.Encode(), http.NoBody)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSessionInitiation, err)
	}
	req.Header.Set("X-Upload-Content-Type", client.config.ContentType)
	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(size, 10))
	req.ContentLength = 0

	resp, err := client.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSessionInitiation, err)
	}
	if err := httpx.CheckResponse(resp); err != nil {
		return "", fmt.Errorf("%w: %w", ErrSessionInitiation, err)
	}
	httpx.Drain(resp)

	location := resp.Header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("%w: response for %s has no Location header", ErrSessionInitiation, o.Name)
	}
	return location, nil
}

func (o *Object) transfer(ctx context.Context, location string, src io.Reader, size int64) error {
	client := o.bucket.client
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, location, io.NopCloser(src))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", client.config.ContentType)
	if seeker, ok := src.(io.Seeker); ok {
		if start, err := seeker.Seek(0, io.SeekCurrent); err == nil {
			req.GetBody = func() (io.ReadCloser, error) {
				if _, err := seeker.Seek(start, io.SeekStart); err != nil {
					return nil, err
				}
				return io.NopCloser(src), nil
			}
		}
	}

	resp, err := client.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	if err := httpx.CheckResponse(resp); err != nil {
		return fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	httpx.Drain(resp)
	return nil
}

// streamSize determines the number of bytes left in src.
func streamSize(src io.Reader) (int64, error) {
	if f, ok := src.(interface{ Stat() (os.FileInfo, error) }); ok {
		info, err := f.Stat()
		if err != nil {
			return 0, fmt.Errorf("failed to stat upload source: %w", err)
		}
		if seeker, ok := src.(io.Seeker); ok {
			pos, err := seeker.Seek(0, io.SeekCurrent)
			if err == nil {
				return info.Size() - pos, nil
			}
		}
		return info.Size(), nil
	}
	if seeker, ok := src.(io.Seeker); ok {
		pos, err := seeker.Seek(0, io.SeekCurrent)
		if err != nil {
			return 0, fmt.Errorf("failed to size upload source: %w", err)
		}
		end, err := seeker.Seek(0, io.SeekEnd)
		if err != nil {
			return 0, fmt.Errorf("failed to size upload source: %w", err)
		}
		if _, err := seeker.Seek(pos, io.SeekStart); err != nil {
			return 0, fmt.Errorf("failed to size upload source: %w", err)
		}
		return end - pos, nil
	}
	return 0, errors.New("upload source must be a file or seekable stream")
}
