package collab

import (
	"context"
	"strings"
	"sync"
)

// Membership answers whether a user belongs to a workspace. It is owned
// by the CRUD side of the application; the core only consumes it.
type Membership interface {
	IsMember(ctx context.Context, workspaceID, userID string) (bool, error)
}

type MembershipFunc func(ctx context.Context, workspaceID, userID string) (bool, error)

func (f MembershipFunc) IsMember(ctx context.Context, workspaceID, userID string) (bool, error) {
	return f(ctx, workspaceID, userID)
}

// StaticMembership is an in-memory membership table, used for local
// development profiles and tests.
type StaticMembership struct {
	mu      sync.RWMutex
	members map[string]map[string]struct{}
}

func NewStaticMembership(members map[string][]string) *StaticMembership {
	m := &StaticMembership{members: map[string]map[string]struct{}{}}
	for workspaceID, users := range members {
		for _, userID := range users {
			m.Add(workspaceID, userID)
		}
	}
	return m
}

func (m *StaticMembership) Add(workspaceID, userID string) {
	workspaceID = strings.TrimSpace(workspaceID)
	userID = strings.TrimSpace(userID)
	if workspaceID == "" || userID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	users, ok := m.members[workspaceID]
	if !ok {
		users = map[string]struct{}{}
		m.members[workspaceID] = users
	}
	users[userID] = struct{}{}
}

func (m *StaticMembership) Remove(workspaceID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if users, ok := m.members[workspaceID]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(m.members, workspaceID)
		}
	}
}

func (m *StaticMembership) IsMember(_ context.Context, workspaceID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[workspaceID][userID]
	return ok, nil
}

// ResourceResolver reports whether the external resource a document
// hangs off (an event) still exists, and which workspace owns it. An
// empty workspace id leaves ownership to the document store.
type ResourceResolver interface {
	ResourceWorkspace(ctx context.Context, resourceID string) (workspaceID string, exists bool, err error)
}

type ResourceResolverFunc func(ctx context.Context, resourceID string) (string, bool, error)

func (f ResourceResolverFunc) ResourceWorkspace(ctx context.Context, resourceID string) (string, bool, error) {
	return f(ctx, resourceID)
}
