package collab

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/relaysync/internal/clock"
	"github.com/rs/zerolog"
)

const (
	DefaultHeartbeatInterval   = 30 * time.Second
	DefaultStalenessMultiplier = 3
)

// presenceNotifier receives online/offline transitions. The broadcaster
// implements it.
type presenceNotifier interface {
	notifyPresence(workspaceID, userID, messageType string)
}

type PresenceOptions struct {
	HeartbeatInterval   time.Duration
	StalenessMultiplier int
	Clock               clock.Clock
	Logger              *zerolog.Logger
}

// Presence derives who is online in each workspace from joined
// connections and heartbeats. Nothing here is persisted: after a restart
// it is rebuilt from reconnecting clients.
type Presence struct {
	mu         sync.Mutex
	workspaces map[string]*workspacePresence

	notifier presenceNotifier
	clock    clock.Clock
	interval time.Duration
	window   time.Duration
	logger   zerolog.Logger
}

type workspacePresence struct {
	mu      sync.Mutex
	removed bool
	users   map[string]*presenceEntry
}

type presenceEntry struct {
	conns         map[string]struct{}
	lastHeartbeat time.Time
	online        bool
}

func NewPresence(opts PresenceOptions) *Presence {
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	multiplier := opts.StalenessMultiplier
	if multiplier <= 0 {
		multiplier = DefaultStalenessMultiplier
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Presence{
		workspaces: map[string]*workspacePresence{},
		clock:      clk,
		interval:   interval,
		window:     interval * time.Duration(multiplier),
		logger:     logger.With().Str("component", "presence").Logger(),
	}
}

func (p *Presence) HeartbeatInterval() time.Duration { return p.interval }

// StalenessWindow is the longest gap since the last heartbeat for which a
// user still counts as online.
func (p *Presence) StalenessWindow() time.Duration { return p.window }

func (p *Presence) ConnectionJoined(workspaceID, userID, connectionID string) {
	now := p.clock.Now()
	for {
		wp := p.workspace(workspaceID, true)
		wp.mu.Lock()
		if wp.removed {
			wp.mu.Unlock()
			continue
		}
		entry, ok := wp.users[userID]
		if !ok {
			entry = &presenceEntry{conns: map[string]struct{}{}}
			wp.users[userID] = entry
		}
		entry.conns[connectionID] = struct{}{}
		if now.After(entry.lastHeartbeat) {
			entry.lastHeartbeat = now
		}
		if !entry.online {
			entry.online = true
			p.emitLocked(workspaceID, userID, TypeUserOnline)
		}
		wp.mu.Unlock()
		return
	}
}

func (p *Presence) ConnectionLeft(workspaceID, userID, connectionID string) {
	wp := p.workspace(workspaceID, false)
	if wp == nil {
		return
	}
	wp.mu.Lock()
	defer wp.mu.Unlock()
	entry, ok := wp.users[userID]
	if !ok {
		return
	}
	delete(entry.conns, connectionID)
	if len(entry.conns) == 0 && entry.online {
		entry.online = false
		p.emitLocked(workspaceID, userID, TypeUserOffline)
	}
}

// Heartbeat refreshes a user's last-seen time. Only the newest timestamp
// counts, so duplicates and reordering are harmless. It reports whether
// the user is tracked in the workspace.
func (p *Presence) Heartbeat(workspaceID, userID string) bool {
	return p.HeartbeatAt(workspaceID, userID, p.clock.Now())
}

func (p *Presence) HeartbeatAt(workspaceID, userID string, at time.Time) bool {
	wp := p.workspace(workspaceID, false)
	if wp == nil {
		return false
	}
	wp.mu.Lock()
	defer wp.mu.Unlock()
	entry, ok := wp.users[userID]
	if !ok {
		return false
	}
	if at.After(entry.lastHeartbeat) {
		entry.lastHeartbeat = at
	}
	if !entry.online && len(entry.conns) > 0 && p.fresh(entry, p.clock.Now()) {
		entry.online = true
		p.emitLocked(workspaceID, userID, TypeUserOnline)
	}
	return true
}

// SnapshotOnline returns the sorted ids of users currently online.
func (p *Presence) SnapshotOnline(workspaceID string) []string {
	out := []string{}
	wp := p.workspace(workspaceID, false)
	if wp == nil {
		return out
	}
	now := p.clock.Now()
	wp.mu.Lock()
	for userID, entry := range wp.users {
		if entry.online && len(entry.conns) > 0 && p.fresh(entry, now) {
			out = append(out, userID)
		}
	}
	wp.mu.Unlock()
	sort.Strings(out)
	return out
}

// Sweep turns stale users offline and forgets entries that have neither
// connections nor a recent heartbeat.
func (p *Presence) Sweep() {
	now := p.clock.Now()
	p.mu.Lock()
	workspaces := make(map[string]*workspacePresence, len(p.workspaces))
	for id, wp := range p.workspaces {
		workspaces[id] = wp
	}
	p.mu.Unlock()

	for workspaceID, wp := range workspaces {
		wp.mu.Lock()
		for userID, entry := range wp.users {
			if p.fresh(entry, now) {
				continue
			}
			if entry.online {
				entry.online = false
				p.logger.Debug().Str("workspace", workspaceID).Str("user", userID).Msg("heartbeat stale")
				p.emitLocked(workspaceID, userID, TypeUserOffline)
			}
			if len(entry.conns) == 0 {
				delete(wp.users, userID)
			}
		}
		empty := len(wp.users) == 0
		wp.mu.Unlock()
		if empty {
			p.dropIfEmpty(workspaceID, wp)
		}
	}
}

// Run sweeps on every heartbeat interval until ctx is done.
func (p *Presence) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep()
		}
	}
}

func (p *Presence) fresh(entry *presenceEntry, now time.Time) bool {
	return now.Sub(entry.lastHeartbeat) < p.window
}

func (p *Presence) emitLocked(workspaceID, userID, messageType string) {
	if p.notifier != nil {
		p.notifier.notifyPresence(workspaceID, userID, messageType)
	}
}

func (p *Presence) workspace(workspaceID string, create bool) *workspacePresence {
	p.mu.Lock()
	defer p.mu.Unlock()
	wp, ok := p.workspaces[workspaceID]
	if !ok && create {
		wp = &workspacePresence{users: map[string]*presenceEntry{}}
		p.workspaces[workspaceID] = wp
	}
	return wp
}

func (p *Presence) dropIfEmpty(workspaceID string, wp *workspacePresence) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workspaces[workspaceID] != wp {
		return
	}
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if len(wp.users) == 0 {
		wp.removed = true
		delete(p.workspaces, workspaceID)
	}
}
