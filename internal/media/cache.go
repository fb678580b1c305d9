package media

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Fetcher streams a protected media object. *rest.Client satisfies it.
type Fetcher interface {
	Media(ctx context.Context, mediaID string) (io.ReadCloser, error)
}

// Handle is exclusive ownership of one materialized media file. Every
// handle must be released exactly once; releasing removes the file.
type Handle struct {
	mediaID string
	path    string

	mu       sync.Mutex
	released bool
}

// MediaID returns the ID the handle was fetched for.
func (h *Handle) MediaID() string { return h.mediaID }

// Path returns the local file path. Invalid after Release.
func (h *Handle) Path() string { return h.path }

// Release removes the backing file. Calling it twice is an error.
func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return fmt.Errorf("media handle for %s already released", h.mediaID)
	}
	h.released = true
	if err := os.Remove(h.path); err != nil {
		return fmt.Errorf("remove media file: %w", err)
	}
	return nil
}

// Cache materializes protected media as transient files under the
// session's media directory.
type Cache struct {
	fetcher Fetcher
	dir     string
	log     *zap.Logger
}

// NewCache creates a cache writing into dir, which is created if
// missing.
func NewCache(fetcher Fetcher, dir string, log *zap.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &Cache{fetcher: fetcher, dir: dir, log: log.Named("media")}, nil
}

// Fetch downloads a media object into a transient file and returns its
// handle. The caller owns the handle and must release it.
func (c *Cache) Fetch(ctx context.Context, mediaID string) (*Handle, error) {
	rc, err := c.fetcher.Media(ctx, mediaID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	f, err := os.CreateTemp(c.dir, "blob-*")
	if err != nil {
		return nil, fmt.Errorf("create media file: %w", err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("write media %s: %w", mediaID, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("close media file: %w", err)
	}
	c.log.Debug("media materialized", zap.String("media_id", mediaID), zap.String("path", f.Name()))
	return &Handle{mediaID: mediaID, path: f.Name()}, nil
}
