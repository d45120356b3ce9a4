package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// Blobs is the Blob Store Adapter contract (C1): download assets by
// key, upload artifacts, and mint time-bounded signed URLs. Namespacing
// between the read-only "project-assets" namespace and the writable
// "compilations" namespace is the caller's responsibility — keys already
// carry the namespace prefix by convention (<compilation_id>/<name>).
type Blobs interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	Sign(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// blobAdapter adapts MinIOStorage's io.Reader-oriented methods to the
// whole-buffer Blobs contract the compile core uses.
type blobAdapter struct {
	s *MinIOStorage
}

// AsBlobs wraps a MinIOStorage as a Blobs implementation.
func AsBlobs(s *MinIOStorage) Blobs {
	return &blobAdapter{s: s}
}

func (a *blobAdapter) Download(ctx context.Context, key string) ([]byte, error) {
	rc, err := a.s.DownloadFile(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (a *blobAdapter) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	return a.s.UploadFile(ctx, key, bytes.NewReader(data), int64(len(data)), contentType)
}

func (a *blobAdapter) Sign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return a.s.GetPresignedURL(ctx, key, ttl)
}

// MemoryBlobs is an in-process Blobs implementation for tests: it
// stores uploaded bytes in a map and signs keys as memory:// style
// placeholder URLs rather than talking to a real object store.
type MemoryBlobs struct {
	mu      sync.RWMutex
	objects map[string][]byte
	// Fail, when set, causes Download to fail for the named keys.
	Fail map[string]bool
}

// NewMemoryBlobs returns an empty MemoryBlobs.
func NewMemoryBlobs() *MemoryBlobs {
	return &MemoryBlobs{objects: make(map[string][]byte)}
}

func (m *MemoryBlobs) Download(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Fail[key] {
		return nil, fmt.Errorf("blob %s: not found", key)
	}
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("blob %s: not found", key)
	}
	return data, nil
}

func (m *MemoryBlobs) Upload(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[key] = cp
	return nil
}

func (m *MemoryBlobs) Sign(_ context.Context, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("memory://%s?ttl=%s", key, ttl), nil
}

// Get exposes a stored object for test assertions.
func (m *MemoryBlobs) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	return data, ok
}
