package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/c0deZ3R0/go-market-sync/errors"
	"github.com/c0deZ3R0/go-market-sync/interfaces"
)

// Blobs is an in-memory BlobStore.
type Blobs struct {
	mu      sync.Mutex
	baseURL string
	objects map[string][]byte
	types   map[string]string
	next    int
	fail    error
}

var _ interfaces.BlobStore = (*Blobs)(nil)

// NewBlobs creates a store whose URLs start with baseURL.
func NewBlobs(baseURL string) *Blobs {
	return &Blobs{
		baseURL: baseURL,
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

// FailUploads makes uploads fail with err until reset with nil.
func (b *Blobs) FailUploads(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = err
}

func (b *Blobs) UploadBlob(ctx context.Context, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.NewUploadError(errors.OpUpload, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return "", errors.NewUploadError(errors.OpUpload, b.fail)
	}
	b.next++
	url := fmt.Sprintf("%s/public/%d.jpg", b.baseURL, b.next)
	b.objects[url] = append([]byte(nil), data...)
	b.types[url] = contentType
	return url, nil
}

// Object returns the bytes and content type stored under url.
func (b *Blobs) Object(url string) ([]byte, string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[url]
	return data, b.types[url], ok
}

// Len returns the number of stored objects.
func (b *Blobs) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}
