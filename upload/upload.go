// Package upload validates attachments and streams them to blob storage in
// fixed-size blocks, reporting progress as it goes.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const (
	// MaxSize is the largest accepted attachment.
	MaxSize = 5 << 20
	// DefaultChunkSize is the block size used when none is configured.
	DefaultChunkSize = 256 << 10
)

var allowedTypes = map[string]struct{}{
	"image/jpeg":      {},
	"image/png":       {},
	"image/webp":      {},
	"application/pdf": {},
}

// BlobStore receives staged blocks and commits them into a retrievable blob.
type BlobStore interface {
	StageBlock(ctx context.Context, path string, index int, data []byte) error
	Commit(ctx context.Context, path, contentType string, blocks int) (string, error)
	Delete(ctx context.Context, path string) error
	URL(path string) string
}

// File is an attachment offered by the user.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Result locates a committed upload.
type Result struct {
	URL  string `json:"url"`
	Path string `json:"path"`
}

// ProgressFunc receives percentages in [0,100], never decreasing, ending
// with 100 on success.
type ProgressFunc func(percent float64)

// Coordinator runs uploads against a blob store.
type Coordinator struct {
	blobs     BlobStore
	chunkSize int
	now       func() time.Time
	logger    *log.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithChunkSize overrides the block size.
func WithChunkSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithClock overrides the clock used for path timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator creates a Coordinator for blobs.
func NewCoordinator(blobs BlobStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		blobs:     blobs,
		chunkSize: DefaultChunkSize,
		now:       time.Now,
		logger:    log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Validate checks type and size without touching storage. Every violated
// constraint is reported; several are joined with errors.Join.
func Validate(f File) error {
	var errs []error
	if _, ok := allowedTypes[strings.ToLower(f.ContentType)]; !ok {
		errs = append(errs, &domain.ValidationError{Field: "contentType", Reason: "only JPEG, PNG, WebP and PDF files are allowed"})
	}
	switch {
	case f.Size < 0:
		errs = append(errs, &domain.ValidationError{Field: "size", Reason: "must not be negative"})
	case f.Size > MaxSize:
		errs = append(errs, &domain.ValidationError{Field: "size", Reason: "file must not exceed 5 MiB"})
	}
	if f.Body == nil {
		errs = append(errs, &domain.ValidationError{Field: "body", Reason: "missing"})
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return errors.Join(errs...)
}

// Path returns the storage path for a file uploaded by ownerID at t.
func Path(ownerID, name string, t time.Time) string {
	return fmt.Sprintf("users/%s/files/%d_%s", ownerID, t.UnixMilli(), sanitizeFilename(name))
}

// Upload validates f, stages it block by block and commits it. Cancelling
// ctx aborts between blocks.
func (c *Coordinator) Upload(ctx context.Context, f File, ownerID string, onProgress ProgressFunc) (Result, error) {
	if ownerID == "" {
		return Result{}, &domain.ValidationError{Field: "ownerId", Reason: "must not be empty"}
	}
	if err := Validate(f); err != nil {
		return Result{}, err
	}
	path := Path(ownerID, f.Name, c.now())
	report := progressReporter(onProgress)
	report(0)

	// One extra byte is allowed through so an understated size is detected.
	body := io.LimitReader(f.Body, f.Size+1)
	buf := make([]byte, c.chunkSize)
	var sent int64
	blocks := 0
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, domain.Backend("upload", err)
		}
		n, err := io.ReadFull(body, buf)
		if n > 0 {
			if sent+int64(n) > f.Size {
				return Result{}, &domain.ValidationError{Field: "size", Reason: "body exceeds declared size"}
			}
			if serr := c.blobs.StageBlock(ctx, path, blocks, buf[:n]); serr != nil {
				return Result{}, domain.Backend("stage block", serr)
			}
			blocks++
			sent += int64(n)
			if sent < f.Size {
				report(float64(sent) / float64(f.Size) * 100)
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return Result{}, domain.Backend("read upload", err)
		}
	}
	if sent != f.Size {
		return Result{}, &domain.ValidationError{Field: "size", Reason: "body shorter than declared size"}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, domain.Backend("upload", err)
	}

	url, err := c.blobs.Commit(ctx, path, f.ContentType, blocks)
	if err != nil {
		return Result{}, domain.Backend("commit upload", err)
	}
	report(100)
	c.logger.WithFields(log.Fields{"path": path, "bytes": sent, "blocks": blocks}).Debug("upload committed")
	return Result{URL: url, Path: path}, nil
}

// Remove deletes a previously uploaded blob. Failures are logged only.
func (c *Coordinator) Remove(ctx context.Context, path string) {
	if path == "" {
		return
	}
	if err := c.blobs.Delete(ctx, path); err != nil {
		c.logger.WithError(err).WithField("path", path).Warn("unable to delete attachment")
	}
}

func progressReporter(fn ProgressFunc) func(float64) {
	last := -1.0
	return func(p float64) {
		if fn == nil || p <= last {
			return
		}
		last = p
		fn(p)
	}
}

// sanitizeFilename removes path separators and dangerous characters.
func sanitizeFilename(name string) string {
	clean := filepath.Base(filepath.Clean(name))
	clean = strings.ReplaceAll(clean, "/", "_")
	clean = strings.ReplaceAll(clean, "\\", "_")
	if clean == "." || clean == ".." || clean == "" {
		return "unnamed"
	}
	return clean
}
