package collab

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DocumentBackend persists documents. ReadDocument returns (nil, nil)
// when nothing is stored for the resource.
type DocumentBackend interface {
	ReadDocument(ctx context.Context, resourceID string) (*Document, error)
	WriteDocument(ctx context.Context, doc Document) error
}

type backendCloser interface {
	Close() error
}

type InMemoryDocumentBackend struct {
	mu   sync.Mutex
	docs map[string]Document
}

func NewInMemoryDocumentBackend() *InMemoryDocumentBackend {
	return &InMemoryDocumentBackend{docs: map[string]Document{}}
}

func (b *InMemoryDocumentBackend) ReadDocument(_ context.Context, resourceID string) (*Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, ok := b.docs[resourceID]
	if !ok {
		return nil, nil
	}
	clone := doc.clone()
	return &clone, nil
}

func (b *InMemoryDocumentBackend) WriteDocument(_ context.Context, doc Document) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.docs[doc.ResourceID] = doc.clone()
	return nil
}

// JSONFileDocumentBackend keeps every document in a single JSON file that
// is rewritten atomically on each write.
type JSONFileDocumentBackend struct {
	Path string

	mu     sync.Mutex
	loaded bool
	docs   map[string]Document
}

type jsonFileDocuments struct {
	Documents map[string]Document `json:"documents"`
}

func NewJSONFileDocumentBackend(path string) *JSONFileDocumentBackend {
	return &JSONFileDocumentBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileDocumentBackend) ReadDocument(_ context.Context, resourceID string) (*Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadLocked(); err != nil {
		return nil, err
	}
	doc, ok := b.docs[resourceID]
	if !ok {
		return nil, nil
	}
	clone := doc.clone()
	return &clone, nil
}

func (b *JSONFileDocumentBackend) WriteDocument(_ context.Context, doc Document) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadLocked(); err != nil {
		return err
	}
	previous, had := b.docs[doc.ResourceID]
	b.docs[doc.ResourceID] = doc.clone()
	if err := b.saveLocked(); err != nil {
		if had {
			b.docs[doc.ResourceID] = previous
		} else {
			delete(b.docs, doc.ResourceID)
		}
		return err
	}
	return nil
}

func (b *JSONFileDocumentBackend) loadLocked() error {
	if b.loaded {
		return nil
	}
	b.docs = map[string]Document{}
	if b.Path == "" {
		return ErrInvalidInput
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			b.loaded = true
			return nil
		}
		return err
	}
	var snapshot jsonFileDocuments
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	for id, doc := range snapshot.Documents {
		b.docs[id] = doc
	}
	b.loaded = true
	return nil
}

func (b *JSONFileDocumentBackend) saveLocked() error {
	data, err := json.Marshal(jsonFileDocuments{Documents: b.docs})
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}
