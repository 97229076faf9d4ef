package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/agentworkforce/relaysync/internal/clock"
	"github.com/rs/zerolog"
)

type DeliveryReport struct {
	EventID    string `json:"eventId,omitempty"`
	Recipients int    `json:"recipients"`
	Delivered  int    `json:"delivered"`
	Failed     int    `json:"failed"`
}

type BroadcastStats struct {
	Published uint64 `json:"published"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Evicted   uint64 `json:"evicted"`
}

// Broadcaster fans messages out to the connections subscribed to a
// workspace. Delivery is per recipient: one closed or lagging connection
// never affects the others, and nothing is replayed later.
type Broadcaster struct {
	registry *Registry
	clock    clock.Clock
	logger   zerolog.Logger

	published atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	evicted   atomic.Uint64
}

func NewBroadcaster(registry *Registry, clk clock.Clock, logger *zerolog.Logger) *Broadcaster {
	if clk == nil {
		clk = clock.Real()
	}
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &Broadcaster{
		registry: registry,
		clock:    clk,
		logger:   l.With().Str("component", "broadcaster").Logger(),
	}
}

// Publish delivers a committed change to every connection subscribed to
// workspaceID at call time. Calls made one after another reach each
// recipient in the same order.
func (b *Broadcaster) Publish(_ context.Context, workspaceID string, event ChangeEvent) (DeliveryReport, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	if event.WorkspaceID == "" {
		event.WorkspaceID = workspaceID
	}
	if workspaceID != "" && event.WorkspaceID != workspaceID {
		return DeliveryReport{}, fmt.Errorf("%w: event workspace %s does not match %s", ErrInvalidInput, event.WorkspaceID, workspaceID)
	}
	if err := event.Validate(); err != nil {
		return DeliveryReport{}, err
	}
	event = event.withDefaults(b.clock.Now())
	b.published.Add(1)

	report := b.fanOut(event.WorkspaceID, Message{
		Type:        event.Topic(),
		WorkspaceID: event.WorkspaceID,
		Data:        event,
	}, nil)
	report.EventID = event.ID
	b.logger.Debug().
		Str("workspace", event.WorkspaceID).
		Str("topic", event.Topic()).
		Str("event", event.ID).
		Int("delivered", report.Delivered).
		Int("failed", report.Failed).
		Msg("change published")
	return report, nil
}

func (b *Broadcaster) Stats() BroadcastStats {
	return BroadcastStats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Failed:    b.failed.Load(),
		Evicted:   b.evicted.Load(),
	}
}

func (b *Broadcaster) notifyPresence(workspaceID, userID, messageType string) {
	b.fanOut(workspaceID, Message{
		Type:        messageType,
		WorkspaceID: workspaceID,
		Data:        PresenceNotice{UserID: userID, WorkspaceID: workspaceID},
	}, func(conn *Connection) bool { return conn.UserID == userID })
}

func (b *Broadcaster) notifyDocumentChanged(workspaceID, skipConnectionID string, notice DocumentNotice) DeliveryReport {
	return b.fanOut(workspaceID, Message{
		Type:        TypeDocumentChanged,
		WorkspaceID: workspaceID,
		ResourceID:  notice.ResourceID,
		Data:        notice,
	}, func(conn *Connection) bool { return conn.ID == skipConnectionID })
}

func (b *Broadcaster) fanOut(workspaceID string, msg Message, skip func(*Connection) bool) DeliveryReport {
	var report DeliveryReport
	for _, conn := range b.registry.connectionsFor(workspaceID) {
		if skip != nil && skip(conn) {
			continue
		}
		report.Recipients++
		if err := conn.Send(msg); err != nil {
			report.Failed++
			b.failed.Add(1)
			b.handleDeliveryFailure(conn, err)
			continue
		}
		report.Delivered++
		b.delivered.Add(1)
	}
	return report
}

// handleDeliveryFailure logs the failure and, for a lagging connection,
// closes its outbox so the client reconnects and refetches. Unregister
// runs on its own goroutine because the caller may hold a presence lock.
func (b *Broadcaster) handleDeliveryFailure(conn *Connection, err error) {
	if errors.Is(err, ErrClosed) {
		b.logger.Debug().Err(err).Str("connection", conn.ID).Msg("skipping closed connection")
		return
	}
	b.logger.Warn().Err(err).Str("connection", conn.ID).Str("user", conn.UserID).Int("depth", conn.outbox.Depth()).Msg("evicting lagging connection")
	b.evicted.Add(1)
	_ = conn.outbox.Close()
	go b.registry.Unregister(conn.ID)
}
