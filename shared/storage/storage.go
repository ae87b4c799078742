// Package storage is the storage collaborator both scheduler and worker
// consume (§6): a small interface over an object store, with a
// filesystem backend and a Google Cloud Storage backend, selected by
// SystemConfig.Storage.Backend. Lives here rather than under either
// process's internal/ tree because both the worker (task harness
// uploads/downloads) and the scheduler (resource URL resolution) need
// to construct and call it, and the two modules share nothing below
// this one.
package storage

import (
	"context"
	"fmt"

	"github.com/kpipeline/kpipeline/shared/wire"
)

// Backend is the storage collaborator interface of §6. Keys are
// forward-slash-delimited and case-sensitive.
type Backend interface {
	Download(ctx context.Context, key, localPath string) error
	Upload(ctx context.Context, localPath, key string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, keyPrefix string) ([]string, error)
	URLFor(ctx context.Context, key string) (string, error)
}

// New constructs the backend named by cfg.Backend ("local" or "gcs").
func New(ctx context.Context, cfg wire.StorageConfig) (Backend, error) {
	switch cfg.Backend {
	case "local":
		if cfg.Local == nil {
			return nil, fmt.Errorf("storage: backend %q requires a local config", cfg.Backend)
		}
		return NewLocal(cfg.Local.BaseDir), nil
	case "gcs":
		if cfg.GCS == nil {
			return nil, fmt.Errorf("storage: backend %q requires a gcs config", cfg.Backend)
		}
		return NewGCS(ctx, cfg.GCS.Bucket)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}
