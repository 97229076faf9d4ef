// Package reconcile is the client half of the sync protocol: it keeps a
// local replica of a workspace up to date from broadcasts without losing
// edits the user made optimistically, and debounces document saves.
package reconcile

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/relaysync/internal/collab"
)

type entityKey struct {
	kind collab.EntityKind
	id   string
}

type pendingEdit struct {
	data    json.RawMessage
	deleted bool
}

// Replica is one client's view of a workspace. Remote changes land in the
// confirmed layer; local edits sit on top of it until Confirm.
type Replica struct {
	mu           sync.Mutex
	workspaceID  string
	online       map[string]struct{}
	confirmed    map[entityKey]json.RawMessage
	pending      map[entityKey]pendingEdit
	participants map[entityKey]map[string]json.RawMessage
	documents    map[string]int64
}

func NewReplica(workspaceID string) *Replica {
	return &Replica{
		workspaceID:  strings.TrimSpace(workspaceID),
		online:       map[string]struct{}{},
		confirmed:    map[entityKey]json.RawMessage{},
		pending:      map[entityKey]pendingEdit{},
		participants: map[entityKey]map[string]json.RawMessage{},
		documents:    map[string]int64{},
	}
}

func (r *Replica) WorkspaceID() string { return r.workspaceID }

// SetMembers replaces the online set, as answered by a join or members
// query.
func (r *Replica) SetMembers(snapshot collab.MembersSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online = make(map[string]struct{}, len(snapshot.UserIDs))
	for _, userID := range snapshot.UserIDs {
		r.online[userID] = struct{}{}
	}
}

func (r *Replica) Online() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.online))
	for userID := range r.online {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

// ApplyLocal records an optimistic edit. A nil data marks a local delete.
// Updates merge into any edit already pending for the entity.
func (r *Replica) ApplyLocal(kind collab.EntityKind, id string, data json.RawMessage) {
	key := entityKey{kind: kind, id: id}
	r.mu.Lock()
	defer r.mu.Unlock()
	if data == nil {
		r.pending[key] = pendingEdit{deleted: true}
		return
	}
	edit := r.pending[key]
	if edit.deleted || edit.data == nil {
		edit = pendingEdit{data: append(json.RawMessage(nil), data...)}
	} else {
		edit.data = mergeObjects(edit.data, data)
	}
	r.pending[key] = edit
}

// Confirm clears the pending edit once the server has accepted it. The
// accepted value becomes confirmed until a broadcast replaces it.
func (r *Replica) Confirm(kind collab.EntityKind, id string) {
	key := entityKey{kind: kind, id: id}
	r.mu.Lock()
	defer r.mu.Unlock()
	edit, ok := r.pending[key]
	if !ok {
		return
	}
	delete(r.pending, key)
	if edit.deleted {
		delete(r.confirmed, key)
		delete(r.participants, key)
		return
	}
	r.confirmed[key] = mergeObjects(r.confirmed[key], edit.data)
}

// Discard drops a pending edit the server rejected.
func (r *Replica) Discard(kind collab.EntityKind, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, entityKey{kind: kind, id: id})
}

// ApplyRemote merges a broadcast change into the confirmed layer. Pending
// local edits survive updates; a remote delete drops both layers.
func (r *Replica) ApplyRemote(event collab.ChangeEvent) {
	if event.WorkspaceID != "" && r.workspaceID != "" && event.WorkspaceID != r.workspaceID {
		return
	}
	key := entityKey{kind: event.Kind, id: event.EntityID}
	if key.id == "" {
		key.id = payloadID(event.Payload)
	}
	if key.id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch event.Op {
	case collab.OpCreated:
		r.confirmed[key] = append(json.RawMessage(nil), event.Payload...)
	case collab.OpUpdated:
		r.confirmed[key] = mergeObjects(r.confirmed[key], event.Payload)
	case collab.OpDeleted:
		delete(r.confirmed, key)
		delete(r.pending, key)
		delete(r.participants, key)
	case collab.OpParticipantAdded, collab.OpParticipantRemoved:
		participantID := payloadID(event.Payload)
		if participantID == "" {
			return
		}
		set := r.participants[key]
		if event.Op == collab.OpParticipantRemoved {
			delete(set, participantID)
			return
		}
		if set == nil {
			set = map[string]json.RawMessage{}
			r.participants[key] = set
		}
		set[participantID] = append(json.RawMessage(nil), event.Payload...)
	}
}

// Get returns the entity as the user should see it: the confirmed value
// with any pending edit laid over it.
func (r *Replica) Get(kind collab.EntityKind, id string) (json.RawMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewLocked(entityKey{kind: kind, id: id})
}

// Entities returns the visible entities of one kind keyed by id.
func (r *Replica) Entities(kind collab.EntityKind) map[string]json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]json.RawMessage{}
	seen := map[string]struct{}{}
	for key := range r.confirmed {
		if key.kind == kind {
			seen[key.id] = struct{}{}
		}
	}
	for key := range r.pending {
		if key.kind == kind {
			seen[key.id] = struct{}{}
		}
	}
	for id := range seen {
		if view, ok := r.viewLocked(entityKey{kind: kind, id: id}); ok {
			out[id] = view
		}
	}
	return out
}

func (r *Replica) Participants(kind collab.EntityKind, id string) []json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.participants[entityKey{kind: kind, id: id}]
	ids := make([]string, 0, len(set))
	for participantID := range set {
		ids = append(ids, participantID)
	}
	sort.Strings(ids)
	out := make([]json.RawMessage, 0, len(ids))
	for _, participantID := range ids {
		out = append(out, set[participantID])
	}
	return out
}

func (r *Replica) HasPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending) > 0
}

func (r *Replica) DocumentVersion(resourceID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.documents[resourceID]
}

// Reset forgets confirmed state before a full refetch after reconnect.
// Pending local edits are kept so they can be resent.
func (r *Replica) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online = map[string]struct{}{}
	r.confirmed = map[entityKey]json.RawMessage{}
	r.participants = map[entityKey]map[string]json.RawMessage{}
	r.documents = map[string]int64{}
}

// Apply routes a server frame to the matching update and reports whether
// the frame changed replica state.
func (r *Replica) Apply(frame Frame) bool {
	if frame.WorkspaceID != "" && r.workspaceID != "" && frame.WorkspaceID != r.workspaceID {
		return false
	}
	switch frame.Type {
	case collab.TypeWorkspaceJoined, collab.TypePresenceMembers:
		var snapshot collab.MembersSnapshot
		if json.Unmarshal(frame.Data, &snapshot) != nil {
			return false
		}
		r.SetMembers(snapshot)
		return true
	case collab.TypeUserOnline, collab.TypeUserOffline:
		var notice collab.PresenceNotice
		if json.Unmarshal(frame.Data, &notice) != nil || notice.UserID == "" {
			return false
		}
		r.mu.Lock()
		if frame.Type == collab.TypeUserOnline {
			r.online[notice.UserID] = struct{}{}
		} else {
			delete(r.online, notice.UserID)
		}
		r.mu.Unlock()
		return true
	case collab.TypeDocumentChanged, collab.TypeDocumentSaved:
		var notice collab.DocumentNotice
		if json.Unmarshal(frame.Data, &notice) != nil || notice.ResourceID == "" {
			return false
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if notice.Version <= r.documents[notice.ResourceID] {
			return false
		}
		r.documents[notice.ResourceID] = notice.Version
		return true
	}
	if _, _, ok := ParseTopic(frame.Type); !ok {
		return false
	}
	var event collab.ChangeEvent
	if err := json.Unmarshal(frame.Data, &event); err != nil {
		return false
	}
	r.ApplyRemote(event)
	return true
}

// ParseTopic splits a change message type such as "task:updated" or
// "event:participant:added" into its kind and operation.
func ParseTopic(topic string) (collab.EntityKind, collab.Operation, bool) {
	kind, rest, ok := strings.Cut(topic, ":")
	if !ok {
		return "", "", false
	}
	event := collab.ChangeEvent{
		Kind:        collab.EntityKind(kind),
		Op:          collab.Operation(strings.ReplaceAll(rest, ":", "-")),
		WorkspaceID: "-",
	}
	if event.Validate() != nil {
		return "", "", false
	}
	return event.Kind, event.Op, true
}

func (r *Replica) viewLocked(key entityKey) (json.RawMessage, bool) {
	base, hasBase := r.confirmed[key]
	edit, hasEdit := r.pending[key]
	switch {
	case hasEdit && edit.deleted:
		return nil, false
	case hasEdit:
		return mergeObjects(base, edit.data), true
	case hasBase:
		return append(json.RawMessage(nil), base...), true
	default:
		return nil, false
	}
}

// mergeObjects lays the top-level fields of patch over base. Anything
// that is not a pair of JSON objects is replaced outright.
func mergeObjects(base, patch json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(base)) == 0 {
		return append(json.RawMessage(nil), patch...)
	}
	var baseFields, patchFields map[string]json.RawMessage
	if json.Unmarshal(base, &baseFields) != nil || json.Unmarshal(patch, &patchFields) != nil || baseFields == nil || patchFields == nil {
		return append(json.RawMessage(nil), patch...)
	}
	for name, value := range patchFields {
		baseFields[name] = value
	}
	merged, err := json.Marshal(baseFields)
	if err != nil {
		return append(json.RawMessage(nil), patch...)
	}
	return merged
}

func payloadID(payload json.RawMessage) string {
	var fields struct {
		ID     string `json:"id"`
		UserID string `json:"userId"`
	}
	if json.Unmarshal(payload, &fields) != nil {
		return ""
	}
	if fields.ID != "" {
		return fields.ID
	}
	return fields.UserID
}
