package collab

import (
	"strings"
	"sync"
)

type DocumentBackendFactory func(dsn string) (DocumentBackend, error)
type MembershipFactory func(dsn string) (Membership, error)

var backendFactoryRegistry = struct {
	mu                  sync.RWMutex
	documentFactories   map[string]DocumentBackendFactory
	membershipFactories map[string]MembershipFactory
}{
	documentFactories:   map[string]DocumentBackendFactory{},
	membershipFactories: map[string]MembershipFactory{},
}

// RegisterDocumentBackendFactory lets embedders plug a storage scheme in
// ahead of the built-in ones.
func RegisterDocumentBackendFactory(scheme string, factory DocumentBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.documentFactories[scheme] = factory
}

func RegisterMembershipFactory(scheme string, factory MembershipFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.membershipFactories[scheme] = factory
}

func lookupDocumentBackendFactory(scheme string) (DocumentBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.documentFactories[scheme]
	return factory, ok
}

func lookupMembershipFactory(scheme string) (MembershipFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.membershipFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
