package storage

import (
	"bytes"
	"context"
	"strings"
	"sync"
)

// MemoryBlobs keeps attachments in process memory. Committed objects are
// addressed under baseURL.
type MemoryBlobs struct {
	mu      sync.Mutex
	baseURL string
	staged  map[string]map[int][]byte
	objects map[string]MemoryObject
}

// MemoryObject is a committed in-memory blob.
type MemoryObject struct {
	ContentType string
	Data        []byte
}

// NewMemoryBlobs creates an empty blob store serving URLs under baseURL.
func NewMemoryBlobs(baseURL string) *MemoryBlobs {
	return &MemoryBlobs{
		baseURL: strings.TrimRight(baseURL, "/"),
		staged:  make(map[string]map[int][]byte),
		objects: make(map[string]MemoryObject),
	}
}

func (b *MemoryBlobs) StageBlock(ctx context.Context, path string, index int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	blocks, ok := b.staged[path]
	if !ok {
		blocks = make(map[int][]byte)
		b.staged[path] = blocks
	}
	blocks[index] = append([]byte(nil), data...)
	return nil
}

func (b *MemoryBlobs) Commit(ctx context.Context, path, contentType string, n int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	blocks := b.staged[path]
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		buf.Write(blocks[i])
	}
	delete(b.staged, path)
	b.objects[path] = MemoryObject{ContentType: contentType, Data: buf.Bytes()}
	return b.URL(path), nil
}

func (b *MemoryBlobs) Delete(ctx context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, path)
	delete(b.staged, path)
	return nil
}

func (b *MemoryBlobs) URL(path string) string {
	return b.baseURL + "/" + path
}

// Open returns the committed object at path.
func (b *MemoryBlobs) Open(path string) (MemoryObject, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[path]
	return obj, ok
}

// Len reports the number of committed objects.
func (b *MemoryBlobs) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}
