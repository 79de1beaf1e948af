package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FSStore implements Interface on a local directory. It serves development
// setups without an object store and the test suite. Presigned URLs are
// plain unsigned links under baseURL.
type FSStore struct {
	root    string
	baseURL string
}

func NewFSStore(root, baseURL string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &FSStore{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (s *FSStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	return filepath.Join(s.root, clean), nil
}

func (s *FSStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (*Object, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("put %s: %w", key, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("put %s: %w", key, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("put %s: %w", key, err)
	}
	return &Object{Key: key, Size: n}, nil
}

func (s *FSStore) Stat(ctx context.Context, key string) (*Object, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	return &Object{Key: key, Size: info.Size(), LastModified: info.ModTime()}, nil
}

func (s *FSStore) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return f, nil
}

func (s *FSStore) Delete(ctx context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *FSStore) PresignGet(ctx context.Context, key, filename string, expiry time.Duration) (string, error) {
	escaped := make([]string, 0, 4)
	for _, part := range strings.Split(key, "/") {
		escaped = append(escaped, url.PathEscape(part))
	}
	return s.baseURL + "/" + strings.Join(escaped, "/"), nil
}
