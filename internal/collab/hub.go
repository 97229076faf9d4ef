package collab

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaysync/internal/clock"
	"github.com/rs/zerolog"
)

type HubOptions struct {
	Membership          Membership
	DocumentBackend     DocumentBackend
	Resources           ResourceResolver
	StrictVersions      bool
	MaxDocumentBytes    int
	HeartbeatInterval   time.Duration
	StalenessMultiplier int
	OutboxSize          int
	Clock               clock.Clock
	Logger              *zerolog.Logger
	// DisableSweeper leaves presence sweeping to the caller (tests drive
	// Presence().Sweep directly).
	DisableSweeper bool
}

// Hub is the sync core assembled from its parts: the connection
// registry feeds presence, presence transitions and committed changes
// go out through the broadcaster, and documents live in the store.
type Hub struct {
	registry    *Registry
	presence    *Presence
	broadcaster *Broadcaster
	documents   *DocumentStore
	membership  Membership
	logger      zerolog.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewHub(opts HubOptions) *Hub {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	registry := NewRegistry(RegistryOptions{
		Membership: opts.Membership,
		OutboxSize: opts.OutboxSize,
		Logger:     &logger,
		Now:        clk.Now,
	})
	presence := NewPresence(PresenceOptions{
		HeartbeatInterval:   opts.HeartbeatInterval,
		StalenessMultiplier: opts.StalenessMultiplier,
		Clock:               clk,
		Logger:              &logger,
	})
	broadcaster := NewBroadcaster(registry, clk, &logger)
	registry.observer = presence
	presence.notifier = broadcaster

	h := &Hub{
		registry:    registry,
		presence:    presence,
		broadcaster: broadcaster,
		documents: NewDocumentStore(DocumentStoreOptions{
			Backend:        opts.DocumentBackend,
			Resolver:       opts.Resources,
			StrictVersions: opts.StrictVersions,
			MaxBodyBytes:   opts.MaxDocumentBytes,
			Clock:          clk,
			Logger:         &logger,
		}),
		membership: opts.Membership,
		logger:     logger.With().Str("component", "hub").Logger(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	if !opts.DisableSweeper {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			presence.Run(ctx)
		}()
	}
	return h
}

func (h *Hub) Registry() *Registry       { return h.registry }
func (h *Hub) Presence() *Presence       { return h.presence }
func (h *Hub) Broadcaster() *Broadcaster { return h.broadcaster }
func (h *Hub) Documents() *DocumentStore { return h.documents }

func (h *Hub) Connect(ctx context.Context, connectionID, userID string) (*Connection, error) {
	return h.registry.Register(ctx, connectionID, userID)
}

func (h *Hub) Disconnect(connectionID string) {
	h.registry.Unregister(connectionID)
}

// Join subscribes the connection to a workspace and returns who is
// online there, the joining user included.
func (h *Hub) Join(ctx context.Context, connectionID, workspaceID string) (MembersSnapshot, error) {
	if err := h.registry.Subscribe(ctx, connectionID, workspaceID); err != nil {
		return MembersSnapshot{}, err
	}
	workspaceID = strings.TrimSpace(workspaceID)
	return MembersSnapshot{WorkspaceID: workspaceID, UserIDs: h.presence.SnapshotOnline(workspaceID)}, nil
}

func (h *Hub) Leave(connectionID, workspaceID string) {
	h.registry.Unsubscribe(connectionID, strings.TrimSpace(workspaceID))
}

// Heartbeat refreshes the connection's user in a workspace it joined.
func (h *Hub) Heartbeat(connectionID, workspaceID string) error {
	conn, err := h.joined(connectionID, workspaceID)
	if err != nil {
		return err
	}
	h.presence.Heartbeat(strings.TrimSpace(workspaceID), conn.UserID)
	return nil
}

// Joined reports ErrForbidden unless the connection has joined
// workspaceID.
func (h *Hub) Joined(connectionID, workspaceID string) error {
	_, err := h.joined(connectionID, workspaceID)
	return err
}

func (h *Hub) Members(connectionID, workspaceID string) (MembersSnapshot, error) {
	if _, err := h.joined(connectionID, workspaceID); err != nil {
		return MembersSnapshot{}, err
	}
	workspaceID = strings.TrimSpace(workspaceID)
	return MembersSnapshot{WorkspaceID: workspaceID, UserIDs: h.presence.SnapshotOnline(workspaceID)}, nil
}

// Authorize checks workspace membership for callers that do not hold a
// socket, such as REST requests.
func (h *Hub) Authorize(ctx context.Context, workspaceID, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrUnauthenticated
	}
	if h.membership == nil {
		return fmt.Errorf("%w: no membership source configured", ErrForbidden)
	}
	member, err := h.membership.IsMember(ctx, workspaceID, userID)
	if err != nil {
		return fmt.Errorf("membership lookup for %s: %w", workspaceID, err)
	}
	if !member {
		return ErrForbidden
	}
	return nil
}

// Publish is the hook CRUD handlers call after committing a mutation.
// A deleted event also retires its workbook.
func (h *Hub) Publish(ctx context.Context, workspaceID string, event ChangeEvent) (DeliveryReport, error) {
	report, err := h.broadcaster.Publish(ctx, workspaceID, event)
	if err != nil {
		return report, err
	}
	if event.Kind == KindEvent && event.Op == OpDeleted && event.EntityID != "" {
		h.documents.Retire(event.EntityID)
	}
	return report, nil
}

// LoadDocument reads a workbook on behalf of workspaceID. Callers have
// already checked that the user belongs to workspaceID; the store checks
// that the workbook does.
func (h *Hub) LoadDocument(ctx context.Context, workspaceID, resourceID string) (Document, error) {
	return h.documents.Load(ctx, workspaceID, resourceID)
}

// SaveDocument stores a snapshot and tells the other subscribers of
// workspaceID that the document moved on. The saving connection only
// gets the acknowledgement its caller sends.
func (h *Hub) SaveDocument(ctx context.Context, workspaceID, connectionID string, req SaveRequest) (Document, error) {
	req.WorkspaceID = strings.TrimSpace(workspaceID)
	doc, err := h.documents.Save(ctx, req)
	if err != nil {
		return Document{}, err
	}
	h.broadcaster.notifyDocumentChanged(doc.WorkspaceID, connectionID, doc.notice())
	return doc, nil
}

func (h *Hub) ExportDocument(ctx context.Context, workspaceID, resourceID string, format ExportFormat, sheet string) (ExportResult, error) {
	return h.documents.Export(ctx, workspaceID, resourceID, format, sheet)
}

func (h *Hub) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.cancel()
		h.wg.Wait()
		h.registry.Close()
		err = h.documents.Close()
		if closer, ok := h.membership.(backendCloser); ok {
			if closeErr := closer.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}
		h.logger.Info().Msg("hub closed")
	})
	return err
}

func (h *Hub) joined(connectionID, workspaceID string) (*Connection, error) {
	conn, ok := h.registry.Connection(connectionID)
	if !ok {
		return nil, fmt.Errorf("%w: connection %s", ErrNotFound, connectionID)
	}
	workspaceID = strings.TrimSpace(workspaceID)
	for _, joined := range h.registry.Subscriptions(connectionID) {
		if joined == workspaceID {
			return conn, nil
		}
	}
	return nil, fmt.Errorf("%w: workspace %s not joined", ErrForbidden, workspaceID)
}
