// Package storage provides the object store the landing zone is written to.
// Supported providers: local filesystem, Amazon S3 (and S3-compatible services).
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotFound is returned by Download when no object exists at the path.
var ErrNotFound = errors.New("storage: object not found")

// FileInfo contains metadata about a stored object.
type FileInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// Storage defines the object storage operations the pipeline needs. Objects
// are never deleted by the pipeline.
type Storage interface {
	// Upload writes data from reader to the given path. A reader must never
	// observe a partially written object.
	Upload(ctx context.Context, path string, reader io.Reader) error

	// Download returns a reader for the object at the given path.
	// The caller is responsible for closing the returned ReadCloser.
	Download(ctx context.Context, path string) (io.ReadCloser, error)

	// Exists checks whether an object exists at the given path.
	Exists(ctx context.Context, path string) (bool, error)

	// List returns metadata for all objects whose path starts with prefix,
	// sorted by path.
	List(ctx context.Context, prefix string) ([]FileInfo, error)

	// URL returns a locator for the object at the given path.
	URL(ctx context.Context, path string) (string, error)
}

const (
	ProviderLocal = "local"
	ProviderS3    = "s3"
)

// Config selects and configures a provider.
type Config struct {
	Provider string      `koanf:"provider" validate:"oneof=local s3"`
	Local    LocalConfig `koanf:"local"`
	S3       S3Config    `koanf:"s3"`
}

// New builds the storage named by cfg.Provider.
func New(ctx context.Context, cfg Config) (Storage, error) {
	switch cfg.Provider {
	case ProviderLocal, "":
		return NewLocal(cfg.Local.BasePath)
	case ProviderS3:
		return NewS3(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("storage: unknown provider %q", cfg.Provider)
	}
}
