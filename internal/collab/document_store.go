package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/agentworkforce/relaysync/internal/clock"
	"github.com/rs/zerolog"
)

type DocumentStoreOptions struct {
	Backend  DocumentBackend
	Resolver ResourceResolver
	// StrictVersions rejects saves that do not name the current version.
	// By default the last write wins and ExpectedVersion is only checked
	// when a caller supplies it.
	StrictVersions bool
	MaxBodyBytes   int
	Clock          clock.Clock
	Logger         *zerolog.Logger
}

type SaveRequest struct {
	WorkspaceID     string
	ResourceID      string
	Body            json.RawMessage
	ExpectedVersion *int64
	WriterID        string
}

// DocumentStore holds the collaborative workbooks. Saves to the same
// resource are serialized; readers always see a whole committed
// snapshot, never a partially applied one. A workbook belongs to the
// workspace that first touched it (or the one the resolver names), and
// callers from any other workspace are refused.
type DocumentStore struct {
	backend  DocumentBackend
	resolver ResourceResolver
	strict   bool
	maxBody  int
	clock    clock.Clock
	logger   zerolog.Logger

	locks keyedMutex

	cacheMu sync.RWMutex
	cache   map[string]Document
	retired map[string]struct{}
}

func NewDocumentStore(opts DocumentStoreOptions) *DocumentStore {
	backend := opts.Backend
	if backend == nil {
		backend = NewInMemoryDocumentBackend()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 8 << 20
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &DocumentStore{
		backend:  backend,
		resolver: opts.Resolver,
		strict:   opts.StrictVersions,
		maxBody:  maxBody,
		clock:    clk,
		logger:   logger.With().Str("component", "documents").Logger(),
		cache:    map[string]Document{},
		retired:  map[string]struct{}{},
	}
}

// Load returns the current document, creating and persisting an empty
// one at version 1 on first access.
func (s *DocumentStore) Load(ctx context.Context, workspaceID, resourceID string) (Document, error) {
	workspaceID, resourceID, err := documentKey(workspaceID, resourceID)
	if err != nil {
		return Document{}, err
	}
	if s.isRetired(resourceID) {
		return Document{}, fmt.Errorf("%w: resource %s", ErrNotFound, resourceID)
	}
	if doc, ok := s.cached(resourceID); ok {
		if err := checkOwner(doc, workspaceID); err != nil {
			return Document{}, err
		}
		return doc, nil
	}
	if err := s.checkResource(ctx, workspaceID, resourceID); err != nil {
		return Document{}, err
	}

	unlock := s.locks.lock(resourceID)
	defer unlock()
	if s.isRetired(resourceID) {
		return Document{}, fmt.Errorf("%w: resource %s", ErrNotFound, resourceID)
	}
	current, stored, err := s.currentLocked(ctx, workspaceID, resourceID)
	if err != nil {
		return Document{}, err
	}
	if err := checkOwner(current, workspaceID); err != nil {
		return Document{}, err
	}
	if !stored {
		if err := s.backend.WriteDocument(context.WithoutCancel(ctx), current); err != nil {
			return Document{}, fmt.Errorf("create document %s: %w", resourceID, err)
		}
		s.logger.Debug().Str("workspace", workspaceID).Str("resource", resourceID).Msg("document created")
	} else if current.WorkspaceID == "" {
		// Rows written before ownership was recorded are claimed by the
		// first workspace to read them; the next save persists it.
		current.WorkspaceID = workspaceID
	}
	s.store(current)
	return current.clone(), nil
}

// Save replaces the body and bumps the version. The write is detached
// from ctx cancellation so a client disconnecting mid-request cannot
// drop it. Persistence errors leave the previous state untouched.
func (s *DocumentStore) Save(ctx context.Context, req SaveRequest) (Document, error) {
	workspaceID, resourceID, err := documentKey(req.WorkspaceID, req.ResourceID)
	if err != nil {
		return Document{}, err
	}
	if len(req.Body) > s.maxBody {
		return Document{}, fmt.Errorf("%w: body exceeds %d bytes", ErrInvalidInput, s.maxBody)
	}
	if err := ValidateWorkbookBody(req.Body); err != nil {
		return Document{}, err
	}
	if s.strict && req.ExpectedVersion == nil {
		return Document{}, fmt.Errorf("%w: expected version is required", ErrInvalidInput)
	}
	ctx = context.WithoutCancel(ctx)
	if _, ok := s.cached(resourceID); !ok {
		if err := s.checkResource(ctx, workspaceID, resourceID); err != nil {
			return Document{}, err
		}
	}

	unlock := s.locks.lock(resourceID)
	defer unlock()
	if s.isRetired(resourceID) {
		return Document{}, fmt.Errorf("%w: resource %s", ErrNotFound, resourceID)
	}
	current, _, err := s.currentLocked(ctx, workspaceID, resourceID)
	if err != nil {
		return Document{}, err
	}
	if err := checkOwner(current, workspaceID); err != nil {
		return Document{}, err
	}
	if req.ExpectedVersion != nil && *req.ExpectedVersion != current.Version {
		return Document{}, &VersionConflictError{
			ResourceID:      resourceID,
			ExpectedVersion: *req.ExpectedVersion,
			CurrentVersion:  current.Version,
		}
	}
	body := append(json.RawMessage(nil), req.Body...)
	next := Document{
		WorkspaceID: workspaceID,
		ResourceID:  resourceID,
		Body:        body,
		Version:     current.Version + 1,
		WriterID:    strings.TrimSpace(req.WriterID),
		UpdatedAt:   s.clock.Now(),
		Checksum:    bodyChecksum(body),
	}
	if err := s.backend.WriteDocument(ctx, next); err != nil {
		s.logger.Error().Err(err).Str("resource", resourceID).Int64("version", next.Version).Msg("document write failed")
		if errors.Is(err, ErrVersionConflict) {
			// Another instance moved the row on; drop the stale cache
			// so the next read goes to the backend.
			s.Evict(resourceID)
		}
		return Document{}, fmt.Errorf("write document %s: %w", resourceID, err)
	}
	s.store(next)
	s.logger.Debug().Str("workspace", workspaceID).Str("resource", resourceID).Int64("version", next.Version).Str("writer", next.WriterID).Msg("document saved")
	return next.clone(), nil
}

// Evict forgets the cached snapshot for a resource. Stored data is left
// alone; removing it belongs to whoever deletes the resource.
func (s *DocumentStore) Evict(resourceID string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	delete(s.cache, resourceID)
}

// Retire marks a resource as deleted upstream. Its cached workbook is
// dropped and every later load, save or export reports ErrNotFound.
func (s *DocumentStore) Retire(resourceID string) {
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" {
		return
	}
	unlock := s.locks.lock(resourceID)
	defer unlock()
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.retired[resourceID] = struct{}{}
	delete(s.cache, resourceID)
}

func (s *DocumentStore) isRetired(resourceID string) bool {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	_, ok := s.retired[resourceID]
	return ok
}

func (s *DocumentStore) Close() error {
	var err error
	if closer, ok := s.backend.(backendCloser); ok {
		err = closer.Close()
	}
	if closer, ok := s.resolver.(backendCloser); ok {
		if closeErr := closer.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

// currentLocked returns the committed document, or a fresh default when
// nothing is stored yet. Callers hold the resource lock.
func (s *DocumentStore) currentLocked(ctx context.Context, workspaceID, resourceID string) (Document, bool, error) {
	if doc, ok := s.cached(resourceID); ok {
		return doc, true, nil
	}
	stored, err := s.backend.ReadDocument(ctx, resourceID)
	if err != nil {
		return Document{}, false, fmt.Errorf("read document %s: %w", resourceID, err)
	}
	if stored == nil {
		return newDefaultDocument(workspaceID, resourceID, s.clock.Now()), false, nil
	}
	if stored.Checksum == "" {
		stored.Checksum = bodyChecksum(stored.Body)
	}
	s.store(*stored)
	return stored.clone(), true, nil
}

func (s *DocumentStore) checkResource(ctx context.Context, workspaceID, resourceID string) error {
	if s.resolver == nil {
		return nil
	}
	owner, exists, err := s.resolver.ResourceWorkspace(ctx, resourceID)
	if err != nil {
		return fmt.Errorf("resolve resource %s: %w", resourceID, err)
	}
	if !exists {
		return fmt.Errorf("%w: resource %s", ErrNotFound, resourceID)
	}
	if owner = strings.TrimSpace(owner); owner != "" && owner != workspaceID {
		return fmt.Errorf("%w: resource %s belongs to another workspace", ErrForbidden, resourceID)
	}
	return nil
}

func documentKey(workspaceID, resourceID string) (string, string, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	resourceID = strings.TrimSpace(resourceID)
	if workspaceID == "" {
		return "", "", fmt.Errorf("%w: workspace id is required", ErrInvalidInput)
	}
	if resourceID == "" {
		return "", "", fmt.Errorf("%w: resource id is required", ErrInvalidInput)
	}
	return workspaceID, resourceID, nil
}

// checkOwner refuses a document recorded under another workspace.
func checkOwner(doc Document, workspaceID string) error {
	if doc.WorkspaceID != "" && doc.WorkspaceID != workspaceID {
		return fmt.Errorf("%w: resource %s belongs to another workspace", ErrForbidden, doc.ResourceID)
	}
	return nil
}

func (s *DocumentStore) cached(resourceID string) (Document, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	doc, ok := s.cache[resourceID]
	if !ok {
		return Document{}, false
	}
	return doc.clone(), true
}

func (s *DocumentStore) store(doc Document) {
	doc = doc.clone()
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if existing, ok := s.cache[doc.ResourceID]; ok && existing.Version > doc.Version {
		return
	}
	s.cache[doc.ResourceID] = doc
}

// keyedMutex hands out one mutex per key and forgets it once nobody
// holds or waits for it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*keyedLock{}
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
