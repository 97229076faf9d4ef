package collab

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SubscriptionObserver is told about every connection entering or
// leaving a workspace. Calls for one connection are serialized.
type SubscriptionObserver interface {
	ConnectionJoined(workspaceID, userID, connectionID string)
	ConnectionLeft(workspaceID, userID, connectionID string)
}

// Connection is a live, authenticated client connection.
type Connection struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	seq    uint64
	outbox *Outbox
	// lifecycle serializes subscribe/unsubscribe/unregister for this
	// connection so observers see joins and leaves in order.
	lifecycle  sync.Mutex
	workspaces map[string]struct{}
}

func (c *Connection) Outbox() *Outbox {
	return c.outbox
}

// Send queues a direct reply on the connection.
func (c *Connection) Send(msg Message) error {
	if err := c.outbox.TryEnqueue(msg); err != nil {
		return &DeliveryError{ConnectionID: c.ID, MessageType: msg.Type, Cause: err}
	}
	return nil
}

type RegistryOptions struct {
	Membership Membership
	OutboxSize int
	Logger     *zerolog.Logger
	Now        func() time.Time
}

type Registry struct {
	mu          sync.RWMutex
	conns       map[string]*Connection
	byWorkspace map[string]map[string]*Connection
	seq         uint64

	membership Membership
	observer   SubscriptionObserver
	outboxSize int
	logger     zerolog.Logger
	now        func() time.Time
}

func NewRegistry(opts RegistryOptions) *Registry {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Registry{
		conns:       map[string]*Connection{},
		byWorkspace: map[string]map[string]*Connection{},
		membership:  opts.Membership,
		outboxSize:  opts.OutboxSize,
		logger:      logger.With().Str("component", "registry").Logger(),
		now:         now,
	}
}

// Register binds a new connection to an authenticated user.
func (r *Registry) Register(_ context.Context, connectionID, userID string) (*Connection, error) {
	connectionID = strings.TrimSpace(connectionID)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	if connectionID == "" {
		return nil, fmt.Errorf("%w: connection id is required", ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[connectionID]; exists {
		return nil, fmt.Errorf("%w: connection %s already registered", ErrInvalidInput, connectionID)
	}
	r.seq++
	conn := &Connection{
		ID:          connectionID,
		UserID:      userID,
		ConnectedAt: r.now(),
		seq:         r.seq,
		outbox:      NewOutbox(r.outboxSize),
		workspaces:  map[string]struct{}{},
	}
	r.conns[connectionID] = conn
	r.logger.Debug().Str("connection", connectionID).Str("user", userID).Msg("connection registered")
	return conn, nil
}

// Subscribe adds the connection to a workspace's fan-out set after the
// membership collaborator confirms the user belongs there.
func (r *Registry) Subscribe(ctx context.Context, connectionID, workspaceID string) error {
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return fmt.Errorf("%w: workspace id is required", ErrInvalidInput)
	}
	conn, ok := r.Connection(connectionID)
	if !ok {
		return fmt.Errorf("%w: connection %s", ErrNotFound, connectionID)
	}
	if r.isSubscribed(conn, workspaceID) {
		return nil
	}
	if r.membership == nil {
		return fmt.Errorf("%w: no membership source configured", ErrForbidden)
	}
	member, err := r.membership.IsMember(ctx, workspaceID, conn.UserID)
	if err != nil {
		return fmt.Errorf("membership lookup for %s: %w", workspaceID, err)
	}
	if !member {
		return ErrForbidden
	}

	conn.lifecycle.Lock()
	defer conn.lifecycle.Unlock()
	r.mu.Lock()
	if _, live := r.conns[conn.ID]; !live {
		r.mu.Unlock()
		return ErrClosed
	}
	if _, already := conn.workspaces[workspaceID]; already {
		r.mu.Unlock()
		return nil
	}
	conn.workspaces[workspaceID] = struct{}{}
	set, ok := r.byWorkspace[workspaceID]
	if !ok {
		set = map[string]*Connection{}
		r.byWorkspace[workspaceID] = set
	}
	set[conn.ID] = conn
	observer := r.observer
	r.mu.Unlock()

	if observer != nil {
		observer.ConnectionJoined(workspaceID, conn.UserID, conn.ID)
	}
	return nil
}

func (r *Registry) Unsubscribe(connectionID, workspaceID string) {
	conn, ok := r.Connection(connectionID)
	if !ok {
		return
	}
	conn.lifecycle.Lock()
	defer conn.lifecycle.Unlock()
	r.mu.Lock()
	removed := r.removeSubscriptionLocked(conn, workspaceID)
	observer := r.observer
	r.mu.Unlock()
	if removed && observer != nil {
		observer.ConnectionLeft(workspaceID, conn.UserID, conn.ID)
	}
}

// Unregister drops the connection, leaves every workspace it joined and
// closes its outbox. Repeated calls are no-ops.
func (r *Registry) Unregister(connectionID string) {
	r.mu.RLock()
	conn, ok := r.conns[connectionID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	conn.lifecycle.Lock()
	defer conn.lifecycle.Unlock()

	r.mu.Lock()
	if _, live := r.conns[connectionID]; !live {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connectionID)
	left := make([]string, 0, len(conn.workspaces))
	for workspaceID := range conn.workspaces {
		left = append(left, workspaceID)
	}
	sort.Strings(left)
	for _, workspaceID := range left {
		r.removeSubscriptionLocked(conn, workspaceID)
	}
	observer := r.observer
	r.mu.Unlock()

	_ = conn.outbox.Close()
	if observer != nil {
		for _, workspaceID := range left {
			observer.ConnectionLeft(workspaceID, conn.UserID, conn.ID)
		}
	}
	r.logger.Debug().Str("connection", connectionID).Str("user", conn.UserID).Int("workspaces", len(left)).Msg("connection unregistered")
}

// ConnectionsFor returns the ids of connections subscribed to a
// workspace in registration order.
func (r *Registry) ConnectionsFor(workspaceID string) []string {
	conns := r.connectionsFor(workspaceID)
	ids := make([]string, 0, len(conns))
	for _, conn := range conns {
		ids = append(ids, conn.ID)
	}
	return ids
}

func (r *Registry) Connection(connectionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connectionID]
	return conn, ok
}

func (r *Registry) Subscriptions(connectionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connectionID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(conn.workspaces))
	for workspaceID := range conn.workspaces {
		out = append(out, workspaceID)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Close unregisters every live connection.
func (r *Registry) Close() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Unregister(id)
	}
}

func (r *Registry) connectionsFor(workspaceID string) []*Connection {
	r.mu.RLock()
	set := r.byWorkspace[workspaceID]
	out := make([]*Connection, 0, len(set))
	for _, conn := range set {
		out = append(out, conn)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (r *Registry) isSubscribed(conn *Connection, workspaceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := conn.workspaces[workspaceID]
	return ok
}

func (r *Registry) removeSubscriptionLocked(conn *Connection, workspaceID string) bool {
	if _, ok := conn.workspaces[workspaceID]; !ok {
		return false
	}
	delete(conn.workspaces, workspaceID)
	if set, ok := r.byWorkspace[workspaceID]; ok {
		delete(set, conn.ID)
		if len(set) == 0 {
			delete(r.byWorkspace, workspaceID)
		}
	}
	return true
}
