// Package storage fetches source documents and persists processed outputs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/facturaIA/document-enhancement-service/internal/models"
)

// ErrNotFound is returned (wrapped) when a ref names no object
var ErrNotFound = errors.New("object not found")

// UploadMeta describes an object being uploaded
type UploadMeta struct {
	OwnerID     string
	Filename    string
	ContentType string
	Prefix      string // top-level folder, e.g. "outputs" or "text"
}

// Store is the object storage used by the pipeline and batch handlers
type Store interface {
	Download(ctx context.Context, ref string) (*models.Document, error)
	Upload(ctx context.Context, data []byte, meta UploadMeta) (string, error)
}

// Memory is an in-process Store
type Memory struct {
	mu      sync.RWMutex
	objects map[string]*models.Document
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]*models.Document)}
}

// Put stores doc under ref, replacing any existing object
func (m *Memory) Put(ref string, doc models.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc.Ref = ref
	doc.Data = append([]byte(nil), doc.Data...)
	m.objects[ref] = &doc
}

func (m *Memory) Download(ctx context.Context, ref string) (*models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.objects[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	c := *doc
	c.Data = append([]byte(nil), doc.Data...)
	return &c, nil
}

func (m *Memory) Upload(ctx context.Context, data []byte, meta UploadMeta) (string, error) {
	ref := "memory/" + objectPath(meta, time.Now())
	m.Put(ref, models.Document{Filename: meta.Filename, MediaType: meta.ContentType, Data: data})
	return ref, nil
}

// Len returns the number of stored objects
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
