package memory

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/lubosmj/pulp-docker/pkg/pulpdocker"
)

// Backend is an in-memory implementation of the pulpdocker.BlobStore
// interface. Intended for tests and local development.
type Backend struct {
	mu      sync.RWMutex
	objects map[string][]byte
	updated map[string]time.Time
}

// New creates a new in-memory storage backend
func New() pulpdocker.BlobStore {
	return &Backend{
		objects: make(map[string][]byte),
		updated: make(map[string]time.Time),
	}
}

// Put stores an object after verifying its bytes against the expected digest
func (b *Backend) Put(ctx context.Context, objectKey string, expected digest.Digest, reader io.Reader) error {
	verifier := expected.Verifier()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.TeeReader(reader, verifier)); err != nil {
		return &pulpdocker.StorageError{Op: "put", Key: objectKey, Err: err}
	}
	if !verifier.Verified() {
		return pulpdocker.ErrDigestMismatch
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[objectKey] = buf.Bytes()
	b.updated[objectKey] = time.Now().UTC()
	return nil
}

// Get retrieves an object from memory
func (b *Backend) Get(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.objects[objectKey]
	if !ok {
		return nil, pulpdocker.ErrBlobNotFound
	}

	// Copy so a caller cannot mutate the stored bytes through the reader.
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	return io.NopCloser(bytes.NewReader(dataCopy)), nil
}

// Exists reports whether an object is stored under the given key
func (b *Backend) Exists(ctx context.Context, objectKey string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, ok := b.objects[objectKey]
	return ok, nil
}

// Delete removes an object from memory
func (b *Backend) Delete(ctx context.Context, objectKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.objects[objectKey]; !ok {
		return pulpdocker.ErrBlobNotFound
	}
	delete(b.objects, objectKey)
	delete(b.updated, objectKey)
	return nil
}

// Meta retrieves metadata for a stored object
func (b *Backend) Meta(ctx context.Context, objectKey string) (*pulpdocker.ObjectMeta, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.objects[objectKey]
	if !ok {
		return nil, pulpdocker.ErrBlobNotFound
	}

	contentType := "application/octet-stream"
	if len(data) > 0 {
		contentType = http.DetectContentType(data)
	}

	return &pulpdocker.ObjectMeta{
		Key:         objectKey,
		Size:        int64(len(data)),
		ContentType: contentType,
		UpdatedAt:   b.updated[objectKey],
	}, nil
}

// RedirectURL returns an empty string: the in-memory backend always serves
// bytes through the content app.
func (b *Backend) RedirectURL(ctx context.Context, objectKey string) (string, error) {
	return "", nil
}
