// Package blobstore archives encoded result messages. It defines the Archive
// contract, an in-memory implementation for development and tests, and an
// S3-compatible implementation (AWS S3 or MinIO).
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrEmptyKey     = errors.New("blob key is required")
	ErrBlobTooLarge = errors.New("blob exceeds maximum allowed size")
)

// MaxBlobSize bounds a single archived message (4 MB).
const MaxBlobSize = 4 * 1024 * 1024

// ContentTypeHL7 is the media type stored with archived messages.
const ContentTypeHL7 = "application/hl7-v2"

// MessageKey returns the archive key of a run's encoded message.
func MessageKey(runID string) string {
	return "hl7/" + runID + ".hl7"
}

// Info describes a stored blob.
type Info struct {
	Key         string    `json:"key"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// Archive is the contract for message archive backends.
type Archive interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (Info, error)
	Get(ctx context.Context, key string) ([]byte, Info, error)
	Delete(ctx context.Context, key string) error
}

func validate(key string, data []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	if len(data) > MaxBlobSize {
		return ErrBlobTooLarge
	}
	return nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	info    Info
	content []byte
}

// InMemoryArchive is a thread-safe Archive for development and tests.
type InMemoryArchive struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
	now   func() time.Time
}

// NewInMemoryArchive returns an empty archive.
func NewInMemoryArchive() *InMemoryArchive {
	return &InMemoryArchive{
		blobs: make(map[string]*storedBlob),
		now:   time.Now,
	}
}

// Put stores a copy of data under key, overwriting any previous blob.
func (a *InMemoryArchive) Put(_ context.Context, key string, data []byte, contentType string) (Info, error) {
	if err := validate(key, data); err != nil {
		return Info{}, err
	}
	sum := sha256.Sum256(data)
	info := Info{
		Key:         key,
		Size:        int64(len(data)),
		ContentType: contentType,
		Hash:        hex.EncodeToString(sum[:]),
		CreatedAt:   a.now().UTC(),
	}
	content := make([]byte, len(data))
	copy(content, data)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.blobs[key] = &storedBlob{info: info, content: content}
	return info, nil
}

func (a *InMemoryArchive) Get(_ context.Context, key string) ([]byte, Info, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.blobs[key]
	if !ok {
		return nil, Info{}, fmt.Errorf("%s: %w", key, ErrBlobNotFound)
	}
	out := make([]byte, len(b.content))
	copy(out, b.content)
	return out, b.info, nil
}

func (a *InMemoryArchive) Delete(_ context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.blobs[key]; !ok {
		return fmt.Errorf("%s: %w", key, ErrBlobNotFound)
	}
	delete(a.blobs, key)
	return nil
}

// Keys returns the stored keys in order.
func (a *InMemoryArchive) Keys() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	keys := make([]string, 0, len(a.blobs))
	for k := range a.blobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
