package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/Lllllllleong/docsetpackager/internal/archive"
	"github.com/Lllllllleong/docsetpackager/internal/messaging"
	"github.com/Lllllllleong/docsetpackager/internal/models"
	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// DocsetResolver lists a docset's documents and streams file content.
type DocsetResolver interface {
	Documents(ctx context.Context, docsetURL string) iter.Seq2[*models.Document, error]
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// Uploader stores a local archive and returns its URL.
type Uploader interface {
	UploadFile(ctx context.Context, objectName, path string) (string, error)
}

type PackagerConfig struct {
	ReplyPrefix string
	// MimeType selects the files that are packaged.
	MimeType string
	// Extension names entries as <documentId>.<Extension>.
	Extension string
	// TempDir holds archives and staged entries. Empty means os.TempDir().
	TempDir string
	// NotifyFailure sends a terminal failure reply instead of staying silent.
	NotifyFailure bool
	// ValidatePDF checks every staged entry with pdfcpu before adding it.
	ValidatePDF bool
}

// Packager turns docset requests into uploaded archives. It handles one
// message at a time.
type Packager struct {
	resolver DocsetResolver
	uploader Uploader
	replies  messaging.Publisher
	builder  *archive.Builder
	config   PackagerConfig

	mu sync.Mutex
}

func NewPackager(resolver DocsetResolver, uploader Uploader, replies messaging.Publisher, config PackagerConfig) (*Packager, error) {
	if config.MimeType == "" || config.Extension == "" {
		return nil, fmt.Errorf("mime type and extension must be provided")
	}
	if config.TempDir == "" {
		config.TempDir = os.TempDir()
	}
	opts := []archive.Option{archive.WithStagingDir(config.TempDir)}
	if config.ValidatePDF {
		opts = append(opts, archive.WithInspector(validatePDF))
	}

	p := &Packager{
		resolver: resolver,
		uploader: uploader,
		replies:  replies,
		builder:  archive.NewBuilder(opts...),
		config:   config,
	}
	slog.Info("Packager initialized.", "mimeType", config.MimeType, "tempDir", config.TempDir)
	return p, nil
}

// HandleMessage runs one job for an inbound payload. Failures are logged and
// never returned; the caller keeps consuming.
func (p *Packager) HandleMessage(ctx context.Context, payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	req, err := models.ParseDocsetRequest(payload, p.config.ReplyPrefix)
	if err != nil {
		slog.Error("Discarding unreadable docset request.", "error", err, "payload", string(payload))
		return
	}
	logCtx := slog.With("docset", req.Docset, "replyTo", req.ReplyTo)
	logCtx.Info("Processing docset request.")

	p.reply(ctx, logCtx, req.ReplyTo, models.ReplyAccepted)

	result, err := p.Process(ctx, logCtx, req)
	if err != nil {
		// Already logged with context in Process.
		if p.config.NotifyFailure {
			p.reply(ctx, logCtx, req.ReplyTo, models.FailureReply(req.Docset))
		}
		return
	}
	p.reply(ctx, logCtx, req.ReplyTo, result.CompletionReply())
	logCtx.Info("Docset packaged.", "url", result.URL, "size", result.Size)
}

// Process resolves, archives and uploads a docset. The local archive is
// removed before it returns, whatever the outcome.
func (p *Packager) Process(ctx context.Context, logCtx *slog.Logger, req models.DocsetRequest) (*models.PackageResult, error) {
	objectName := uuid.NewString() + ".zip"
	archivePath := filepath.Join(p.config.TempDir, objectName)
	defer p.cleanup(logCtx, archivePath)
	logCtx = logCtx.With("archive", archivePath)

	entries, err := p.collectEntries(ctx, req.Docset)
	if err != nil {
		return nil, p.handleError(logCtx, "failed to resolve docset", err)
	}
	logCtx.Info("Resolved docset.", "entries", len(entries))

	count, err := p.builder.Build(ctx, archivePath, archive.Entries(entries...))
	if err != nil {
		return nil, p.handleError(logCtx, "failed to build archive", err)
	}
	info, err := os.Stat(archivePath)
	if err != nil {
		return nil, p.handleError(logCtx, "failed to stat archive", err)
	}
	logCtx.Info("Archive built.", "entries", count, "size", info.Size())

	url, err := p.uploader.UploadFile(ctx, objectName, archivePath)
	if err != nil {
		return nil, p.handleError(logCtx, "failed to upload archive", err)
	}
	return &models.PackageResult{ObjectName: objectName, URL: url, Size: info.Size()}, nil
}

// collectEntries resolves all metadata up front so malformed metadata fails
// the job before an archive exists. File content is fetched lazily by the
// builder.
func (p *Packager) collectEntries(ctx context.Context, docsetURL string) ([]archive.Entry, error) {
	var entries []archive.Entry
	for doc, err := range p.resolver.Documents(ctx, docsetURL) {
		if err != nil {
			return nil, err
		}
		files, err := doc.Files()
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if f.MimeType != p.config.MimeType {
				continue
			}
			uri := f.URI
			entries = append(entries, archive.Entry{
				Name: doc.EntryName(p.config.Extension),
				Open: func(ctx context.Context) (io.ReadCloser, error) {
					return p.resolver.Open(ctx, uri)
				},
			})
		}
	}
	return entries, nil
}

func (p *Packager) reply(ctx context.Context, logCtx *slog.Logger, destination, body string) {
	if err := p.replies.Publish(ctx, destination, []byte(body)); err != nil {
		logCtx.Error("Failed to send reply.", "error", err)
	}
}

func (p *Packager) cleanup(logCtx *slog.Logger, archivePath string) {
	if err := os.Remove(archivePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logCtx.Warn("Failed to remove local archive.", "error", err)
	}
}

func (p *Packager) handleError(logCtx *slog.Logger, message string, originalErr error) error {
	logCtx.Error(message, "error", originalErr)
	return fmt.Errorf("%s: %w", message, originalErr)
}

func validatePDF(name, stagedPath string) error {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	if err := api.ValidateFile(stagedPath, cfg); err != nil {
		return fmt.Errorf("%s is not a valid PDF: %w", name, err)
	}
	return nil
}
