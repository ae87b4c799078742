package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Local is the filesystem storage backend, grounded on
// original_source/kcore/storage_backends/storage_local.py: keys map
// directly to paths under root, directories are created on demand, and
// URLFor returns an absolute filesystem path.
type Local struct {
	root string
}

// NewLocal returns a Local backend rooted at dir.
func NewLocal(dir string) *Local {
	return &Local{root: dir}
}

func (l *Local) path(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}

func (l *Local) Download(_ context.Context, key, localPath string) error {
	src, err := os.Open(l.path(key))
	if err != nil {
		return fmt.Errorf("storage/local: download %s: %w", key, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o750); err != nil {
		return fmt.Errorf("storage/local: download %s: %w", key, err)
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("storage/local: download %s: %w", key, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("storage/local: download %s: %w", key, err)
	}
	return nil
}

func (l *Local) Upload(_ context.Context, localPath, key string) error {
	dest := l.path(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return fmt.Errorf("storage/local: upload %s: %w", key, err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("storage/local: upload %s: %w", key, err)
	}
	defer src.Close()

	dst, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("storage/local: upload %s: %w", key, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("storage/local: upload %s: %w", key, err)
	}
	return nil
}

func (l *Local) Delete(_ context.Context, key string) error {
	err := os.Remove(l.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage/local: delete %s: %w", key, err)
	}
	return nil
}

func (l *Local) List(_ context.Context, keyPrefix string) ([]string, error) {
	dir := l.path(keyPrefix)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage/local: list %s: %w", keyPrefix, err)
	}
	if !info.IsDir() {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("storage/local: list %s: %w", keyPrefix, err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, strings.TrimSuffix(keyPrefix, "/")+"/"+e.Name())
	}
	return keys, nil
}

func (l *Local) URLFor(_ context.Context, key string) (string, error) {
	abs, err := filepath.Abs(l.path(key))
	if err != nil {
		return "", fmt.Errorf("storage/local: url for %s: %w", key, err)
	}
	return abs, nil
}
