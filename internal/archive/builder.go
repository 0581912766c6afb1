// Package archive streams named byte sources into a deflate-compressed zip
// file on local disk.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"time"

	"github.com/klauspost/compress/zip"
)

// DefaultChunkSize bounds the memory used to copy one entry.
const DefaultChunkSize = 64 * 1024

// ErrDuplicateEntry is returned when two entries share a name.
var ErrDuplicateEntry = errors.New("archive: duplicate entry name")

// Entry is a named byte source. Open is called once, when the entry is
// reached.
type Entry struct {
	Name string
	Open func(ctx context.Context) (io.ReadCloser, error)
}

// InspectFunc is called with the staged copy of each entry before it is
// added to the archive. A non-nil error aborts the build.
type InspectFunc func(name, stagedPath string) error

// Builder writes archives. The zero value is not usable; use NewBuilder.
type Builder struct {
	chunkSize  int
	stagingDir string
	inspect    InspectFunc
}

// Option configures a Builder.
type Option func(*Builder)

// WithChunkSize sets the copy buffer size.
func WithChunkSize(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.chunkSize = n
		}
	}
}

// WithStagingDir sets where per-entry temporary files are created.
func WithStagingDir(dir string) Option {
	return func(b *Builder) { b.stagingDir = dir }
}

// WithInspector registers a check run against every staged entry.
func WithInspector(fn InspectFunc) Option {
	return func(b *Builder) { b.inspect = fn }
}

func NewBuilder(opts ...Option) *Builder {
	b := &Builder{chunkSize: DefaultChunkSize}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build creates targetPath and writes every entry of the sequence into it,
// in order. Each entry is first staged in its own temporary file, which is
// removed as soon as it has been added. An empty sequence produces a valid
// empty archive. It returns the number of entries written.
func (b *Builder) Build(ctx context.Context, targetPath string, entries iter.Seq2[Entry, error]) (int, error) {
	out, err := os.OpenFile(targetPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to create archive %s: %w", targetPath, err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	buf := make([]byte, b.chunkSize)
	seen := make(map[string]struct{})
	count := 0

	for entry, err := range entries {
		if err != nil {
			_ = zw.Close()
			return count, err
		}
		if err := ctx.Err(); err != nil {
			_ = zw.Close()
			return count, err
		}
		if _, dup := seen[entry.Name]; dup {
			_ = zw.Close()
			return count, fmt.Errorf("%w: %s", ErrDuplicateEntry, entry.Name)
		}
		seen[entry.Name] = struct{}{}

		if err := b.add(ctx, zw, entry, buf); err != nil {
			_ = zw.Close()
			return count, fmt.Errorf("entry %s: %w", entry.Name, err)
		}
		count++
	}

	if err := zw.Close(); err != nil {
		return count, fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return count, fmt.Errorf("failed to close archive: %w", err)
	}
	return count, nil
}

// add stages one entry on disk and copies it into the archive.
func (b *Builder) add(ctx context.Context, zw *zip.Writer, entry Entry, buf []byte) error {
	staged, err := os.CreateTemp(b.stagingDir, "entry-*")
	if err != nil {
		return fmt.Errorf("failed to create staging file: %w", err)
	}
	defer os.Remove(staged.Name())
	defer staged.Close()

	src, err := entry.Open(ctx)
	if err != nil {
		return err
	}
	size, err := io.CopyBuffer(onlyWriter{staged}, onlyReader{src}, buf)
	src.Close()
	if err != nil {
		return fmt.Errorf("failed to stage content: %w", err)
	}

	if b.inspect != nil {
		if err := staged.Sync(); err != nil {
			return fmt.Errorf("failed to flush staging file: %w", err)
		}
		if err := b.inspect(entry.Name, staged.Name()); err != nil {
			return err
		}
	}

	if _, err := staged.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind staging file: %w", err)
	}
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     entry.Name,
		Method:   zip.Deflate,
		Modified: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to create archive entry: %w", err)
	}
	if _, err := io.CopyBuffer(w, onlyReader{staged}, buf); err != nil {
		return fmt.Errorf("failed to compress content: %w", err)
	}
	slog.Debug("Added archive entry.", "name", entry.Name, "bytes", size)
	return nil
}

// onlyReader and onlyWriter hide ReadFrom/WriteTo so io.CopyBuffer uses the
// fixed buffer.
type onlyReader struct{ io.Reader }

type onlyWriter struct{ io.Writer }

// Entries returns a sequence over a fixed list of entries.
func Entries(entries ...Entry) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}
}
