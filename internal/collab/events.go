package collab

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type EntityKind string

const (
	KindEvent       EntityKind = "event"
	KindTask        EntityKind = "task"
	KindParticipant EntityKind = "participant"
)

type Operation string

const (
	OpCreated            Operation = "created"
	OpUpdated            Operation = "updated"
	OpDeleted            Operation = "deleted"
	OpParticipantAdded   Operation = "participant-added"
	OpParticipantRemoved Operation = "participant-removed"
)

// Outbound message types that are not derived from a ChangeEvent.
const (
	TypeWorkspaceJoined = "workspace:joined"
	TypeWorkspaceLeft   = "workspace:left"
	TypePresenceMembers = "presence:members"
	TypeUserOnline      = "user:online"
	TypeUserOffline     = "user:offline"
	TypeDocumentLoaded  = "document:loaded"
	TypeDocumentSaved   = "document:saved"
	TypeDocumentChanged = "document:changed"
	TypeHeartbeatAck    = "presence:heartbeat"
	TypeError           = "error"
)

// ChangeEvent is the notification a CRUD handler hands to the hub after
// it has committed a mutation. It is never persisted.
type ChangeEvent struct {
	ID          string          `json:"id"`
	Kind        EntityKind      `json:"kind"`
	Op          Operation       `json:"op"`
	WorkspaceID string          `json:"workspaceId"`
	EntityID    string          `json:"entityId,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	OccurredAt  time.Time       `json:"occurredAt"`
}

// Topic is the outbound message type, e.g. "task:updated" or
// "event:participant:added".
func (e ChangeEvent) Topic() string {
	return string(e.Kind) + ":" + strings.ReplaceAll(string(e.Op), "-", ":")
}

func (e ChangeEvent) Validate() error {
	switch e.Kind {
	case KindEvent, KindTask, KindParticipant:
	default:
		return fmt.Errorf("%w: unknown entity kind %q", ErrInvalidInput, e.Kind)
	}
	switch e.Op {
	case OpCreated, OpUpdated, OpDeleted, OpParticipantAdded, OpParticipantRemoved:
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidInput, e.Op)
	}
	if strings.TrimSpace(e.WorkspaceID) == "" {
		return fmt.Errorf("%w: workspace id is required", ErrInvalidInput)
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return fmt.Errorf("%w: payload is not valid json", ErrInvalidInput)
	}
	return nil
}

func (e ChangeEvent) withDefaults(now time.Time) ChangeEvent {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	return e
}

// Message is one outbound frame queued on a connection's outbox. Data is
// encoded by the transport's codec.
type Message struct {
	Type        string `json:"type"`
	RequestID   string `json:"requestId,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	ResourceID  string `json:"resourceId,omitempty"`
	Data        any    `json:"data,omitempty"`
}

type PresenceNotice struct {
	UserID      string `json:"userId"`
	WorkspaceID string `json:"workspaceId"`
}

type MembersSnapshot struct {
	WorkspaceID string   `json:"workspaceId"`
	UserIDs     []string `json:"userIds"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DocumentNotice tells other subscribers that a document moved on
// without carrying its body.
type DocumentNotice struct {
	ResourceID string `json:"resourceId"`
	Version    int64  `json:"version"`
	WriterID   string `json:"writerId"`
	Checksum   string `json:"checksum"`
}
