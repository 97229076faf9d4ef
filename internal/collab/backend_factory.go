package collab

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildDocumentBackendFromDSN picks a backend by DSN scheme:
// memory://, file:///path/documents.json or postgres://...
func BuildDocumentBackendFromDSN(dsn string) (DocumentBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupDocumentBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileDocumentBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryDocumentBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresDocumentBackend(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: document backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported document backend scheme: %s", scheme)
	}
}

// BuildMembershipFromDSN resolves the membership collaborator. A
// postgres DSN may carry ?table=name to point at the membership table.
func BuildMembershipFromDSN(dsn string) (Membership, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupMembershipFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "postgres", "postgresql":
		query := parsed.Query()
		table := query.Get("table")
		query.Del("table")
		parsed.RawQuery = query.Encode()
		return NewPostgresMembership(parsed.String(), table)
	case "static", "memory":
		return NewStaticMembership(nil), nil
	default:
		return nil, fmt.Errorf("unsupported membership scheme: %s", scheme)
	}
}

// BuildResourceResolverFromDSN resolves the collaborator that knows
// which events exist and who owns them. A postgres DSN may carry
// ?table=name to point at the events table. An empty DSN means no
// resolver.
func BuildResourceResolverFromDSN(dsn string) (ResourceResolver, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	switch scheme {
	case "postgres", "postgresql":
		query := parsed.Query()
		table := query.Get("table")
		query.Del("table")
		parsed.RawQuery = query.Encode()
		return NewPostgresResourceResolver(parsed.String(), table)
	default:
		return nil, fmt.Errorf("unsupported resource resolver scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
