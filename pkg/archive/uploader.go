// Package archive copies closed segments and gap reports to object storage.
package archive

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// Uploader stores one local file under key.
type Uploader interface {
	Upload(ctx context.Context, key, path string) error
	EnsureBucket(ctx context.Context) error
}

// MemoryUploader keeps uploads in memory, for tests and dry runs.
type MemoryUploader struct {
	mu          sync.Mutex
	objects     map[string][]byte
	bucketReady bool
	err         error
}

// NewMemoryUploader creates an empty in-memory uploader.
func NewMemoryUploader() *MemoryUploader {
	return &MemoryUploader{objects: make(map[string][]byte)}
}

// FailWith makes every subsequent upload return err (nil restores success).
func (m *MemoryUploader) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// EnsureBucket implements Uploader.
func (m *MemoryUploader) EnsureBucket(ctx context.Context) error {
	m.mu.Lock()
	m.bucketReady = true
	m.mu.Unlock()
	return nil
}

// Upload implements Uploader.
func (m *MemoryUploader) Upload(ctx context.Context, key, path string) error {
	m.mu.Lock()
	err := m.err
	m.mu.Unlock()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

// Object returns the stored body of key.
func (m *MemoryUploader) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return append([]byte(nil), data...), ok
}

// Keys returns the number of stored objects.
func (m *MemoryUploader) Keys() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
