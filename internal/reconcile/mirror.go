package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaysync/internal/clock"
	"github.com/agentworkforce/relaysync/internal/collab"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
)

// DocumentClient is the part of the sync client a Mirror needs.
type DocumentClient interface {
	Load(ctx context.Context, workspaceID, resourceID string) (collab.Document, error)
	Save(ctx context.Context, workspaceID, resourceID string, body json.RawMessage, expectedVersion *int64) (collab.DocumentNotice, error)
}

type MirrorOptions struct {
	WorkspaceID string
	ResourceID  string
	// Path is the local workbook file. It is rewritten atomically, so the
	// directory holding it is what gets watched.
	Path           string
	DebounceWindow time.Duration
	RequestTimeout time.Duration
	Clock          clock.Clock
	Logger         *zerolog.Logger
}

// Mirror keeps one document in sync with a local JSON file. Local edits
// are debounced into saves; remote changes reload the file unless an
// unsaved local edit is pending, in which case the local edit wins.
type Mirror struct {
	client         DocumentClient
	workspaceID    string
	resourceID     string
	path           string
	requestTimeout time.Duration
	logger         zerolog.Logger
	debouncer      *Debouncer

	mu          sync.Mutex
	version     int64
	writtenHash string
	remote      int64
	signal      chan struct{}
}

func NewMirror(client DocumentClient, opts MirrorOptions) (*Mirror, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	workspaceID := strings.TrimSpace(opts.WorkspaceID)
	if workspaceID == "" {
		return nil, fmt.Errorf("workspace id is required")
	}
	resourceID := strings.TrimSpace(opts.ResourceID)
	if resourceID == "" {
		return nil, fmt.Errorf("resource id is required")
	}
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	m := &Mirror{
		client:         client,
		workspaceID:    workspaceID,
		resourceID:     resourceID,
		path:           path,
		requestTimeout: timeout,
		logger:         logger.With().Str("component", "mirror").Str("resource", resourceID).Logger(),
		signal:         make(chan struct{}, 1),
	}
	m.debouncer = NewDebouncer(DebouncerOptions{
		Save:   m.save,
		Window: opts.DebounceWindow,
		Clock:  opts.Clock,
		Logger: opts.Logger,
	})
	return m, nil
}

func (m *Mirror) Version() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// Dirty reports whether a local edit has not been saved yet.
func (m *Mirror) Dirty() bool { return m.debouncer.Dirty() }

// Flush saves a pending local edit now instead of waiting for the
// debounce window.
func (m *Mirror) Flush(ctx context.Context) error { return m.debouncer.Flush(ctx) }

// Pull loads the current document and writes it to the local file.
func (m *Mirror) Pull(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	defer cancel()
	doc, err := m.client.Load(ctx, m.workspaceID, m.resourceID)
	if err != nil {
		return fmt.Errorf("load %s: %w", m.resourceID, err)
	}
	return m.writeLocal(doc)
}

// HandleFrame takes server frames from the client's handler. It never
// blocks: reloads happen on the Run goroutine.
func (m *Mirror) HandleFrame(frame Frame) {
	if frame.Type != collab.TypeDocumentChanged || frame.ResourceID != m.resourceID {
		return
	}
	var notice collab.DocumentNotice
	if err := json.Unmarshal(frame.Data, &notice); err != nil {
		m.logger.Debug().Err(err).Msg("ignoring malformed document notice")
		return
	}
	m.mu.Lock()
	if notice.Version <= m.version || notice.Version <= m.remote {
		m.mu.Unlock()
		return
	}
	m.remote = notice.Version
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// LocalChanged reads the file and, if it differs from what the mirror
// last wrote, queues it for a debounced save.
func (m *Mirror) LocalChanged() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	m.mu.Lock()
	own := hashBytes(data) == m.writtenHash
	m.mu.Unlock()
	if own {
		return nil
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		// Editors often write in several steps; wait for a complete file.
		m.logger.Debug().Err(err).Msg("local file is not valid json yet")
		return nil
	}
	m.debouncer.Submit(compact.Bytes())
	return nil
}

// Run watches the local file and applies remote notices until ctx ends.
// Pending edits are flushed on the way out.
func (m *Mirror) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		return err
	}
	m.logger.Info().Str("path", m.path).Msg("mirror watching")

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.requestTimeout)
			err := m.debouncer.Close(flushCtx)
			cancel()
			if err != nil {
				m.logger.Error().Err(err).Msg("final save failed")
			}
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != m.path || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if err := m.LocalChanged(); err != nil {
				m.logger.Warn().Err(err).Msg("read local file failed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn().Err(err).Msg("watcher error")
		case <-m.signal:
			m.reloadRemote(ctx)
		}
	}
}

func (m *Mirror) reloadRemote(ctx context.Context) {
	if m.debouncer.Dirty() {
		m.logger.Info().Msg("remote change while local edit pending; keeping local edit")
		return
	}
	if err := m.Pull(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("reload after remote change failed")
	}
}

func (m *Mirror) save(ctx context.Context, body json.RawMessage) error {
	ctx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	defer cancel()
	notice, err := m.client.Save(ctx, m.workspaceID, m.resourceID, body, nil)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if notice.Version > m.version {
		m.version = notice.Version
	}
	m.mu.Unlock()
	m.logger.Debug().Int64("version", notice.Version).Msg("document saved")
	return nil
}

func (m *Mirror) writeLocal(doc collab.Document) error {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, doc.Body, "", "  "); err != nil {
		return fmt.Errorf("format document %s: %w", doc.ResourceID, err)
	}
	pretty.WriteByte('\n')
	data := pretty.Bytes()

	m.mu.Lock()
	defer m.mu.Unlock()
	if doc.Version < m.version {
		return nil
	}
	if err := writeFileAtomic(m.path, data, 0o644); err != nil {
		return err
	}
	m.version = doc.Version
	m.writtenHash = hashBytes(data)
	return nil
}

func hashBytes(b []byte) string {
	sum := blake3.Sum256(b)
	return fmt.Sprintf("%x", sum[:])
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
