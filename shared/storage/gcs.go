package storage

import (
	"context"
	"fmt"
	"io"
	"os"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCS is the Google Cloud Storage backend, grounded on
// original_source/kcore/storage_backends/storage_gcs.py. Keys map to
// blob names in a single configured bucket.
type GCS struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
	name   string
}

// NewGCS dials the default GCS client (application default credentials,
// as the source's bare Client() does) and binds it to bucket.
func NewGCS(ctx context.Context, bucket string) (*GCS, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage/gcs: new client: %w", err)
	}
	return &GCS{client: client, bucket: client.Bucket(bucket), name: bucket}, nil
}

func (g *GCS) Download(ctx context.Context, key, localPath string) error {
	r, err := g.bucket.Object(key).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("storage/gcs: download %s: %w", key, err)
	}
	defer r.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("storage/gcs: download %s: %w", key, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("storage/gcs: download %s: %w", key, err)
	}
	return nil
}

func (g *GCS) Upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("storage/gcs: upload %s: %w", key, err)
	}
	defer f.Close()

	w := g.bucket.Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("storage/gcs: upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("storage/gcs: upload %s: %w", key, err)
	}
	return nil
}

func (g *GCS) Delete(ctx context.Context, key string) error {
	if err := g.bucket.Object(key).Delete(ctx); err != nil && err != gcs.ErrObjectNotExist {
		return fmt.Errorf("storage/gcs: delete %s: %w", key, err)
	}
	return nil
}

func (g *GCS) List(ctx context.Context, keyPrefix string) ([]string, error) {
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: keyPrefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("storage/gcs: list %s: %w", keyPrefix, err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func (g *GCS) URLFor(_ context.Context, key string) (string, error) {
	return fmt.Sprintf("https://storage.cloud.google.com/%s/%s", g.name, key), nil
}
