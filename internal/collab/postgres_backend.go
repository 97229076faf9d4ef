package collab

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "github.com/lib/pq"
)

const (
	postgresDocumentTableName   = "relaysync_documents"
	postgresMembershipTableName = "workspace_members"
	postgresResourceTableName   = "events"
	postgresOperationTimeout    = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

var (
	bodyEncoder, _ = zstd.NewWriter(nil)
	bodyDecoder, _ = zstd.NewReader(nil)
)

// PostgresDocumentBackend stores one row per resource. Bodies are zstd
// compressed at rest. A write never replaces a row holding a newer or
// equal version, which keeps several server instances from regressing a
// document.
type PostgresDocumentBackend struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresDocumentBackend(dsn string) (*PostgresDocumentBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresDocumentBackend{
		dsn:       dsn,
		tableName: postgresDocumentTableName,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresDocumentBackend) ReadDocument(ctx context.Context, resourceID string) (*Document, error) {
	if err := b.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT workspace_id, body, version, writer_id, checksum, updated_at
		FROM %s WHERE resource_id = $1`, postgresQuoteIdentifier(b.tableName))
	var (
		compressed []byte
		doc        = Document{ResourceID: resourceID}
	)
	err := b.db.QueryRowContext(ctx, query, resourceID).Scan(&doc.WorkspaceID, &compressed, &doc.Version, &doc.WriterID, &doc.Checksum, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	body, err := bodyDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress document %s: %w", resourceID, err)
	}
	doc.Body = body
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	return &doc, nil
}

func (b *PostgresDocumentBackend) WriteDocument(ctx context.Context, doc Document) error {
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	table := postgresQuoteIdentifier(b.tableName)
	query := fmt.Sprintf(`
		INSERT INTO %s (resource_id, workspace_id, body, version, writer_id, checksum, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (resource_id)
		DO UPDATE SET workspace_id = EXCLUDED.workspace_id,
			body = EXCLUDED.body, version = EXCLUDED.version,
			writer_id = EXCLUDED.writer_id, checksum = EXCLUDED.checksum,
			updated_at = EXCLUDED.updated_at
		WHERE %s.version < EXCLUDED.version`, table, table)
	res, err := b.db.ExecContext(ctx, query,
		doc.ResourceID,
		doc.WorkspaceID,
		bodyEncoder.EncodeAll(doc.Body, nil),
		doc.Version,
		doc.WriterID,
		doc.Checksum,
		doc.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &VersionConflictError{ResourceID: doc.ResourceID, ExpectedVersion: doc.Version - 1}
	}
	return nil
}

func (b *PostgresDocumentBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresDocumentBackend) ensureReady(ctx context.Context) error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postgresOperationTimeout)
		defer cancel()

		table := postgresQuoteIdentifier(b.tableName)
		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				resource_id TEXT PRIMARY KEY,
				workspace_id TEXT NOT NULL DEFAULT '',
				body BYTEA NOT NULL,
				version BIGINT NOT NULL,
				writer_id TEXT NOT NULL DEFAULT '',
				checksum TEXT NOT NULL DEFAULT '',
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, table)
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		alter := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS workspace_id TEXT NOT NULL DEFAULT ''`, table)
		if _, err := db.ExecContext(ctx, alter); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

// PostgresMembership looks members up in a table owned by the CRUD
// service: (workspace_id, user_id).
type PostgresMembership struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresMembership(dsn, tableName string) (*PostgresMembership, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	tableName = strings.TrimSpace(tableName)
	if tableName == "" {
		tableName = postgresMembershipTableName
	}
	return &PostgresMembership{dsn: dsn, tableName: tableName, openDB: sql.Open}, nil
}

func (m *PostgresMembership) IsMember(ctx context.Context, workspaceID, userID string) (bool, error) {
	m.initOnce.Do(func() {
		m.db, m.initErr = m.openDB("postgres", m.dsn)
	})
	if m.initErr != nil {
		return false, m.initErr
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT 1 FROM %s WHERE workspace_id = $1 AND user_id = $2 LIMIT 1", postgresQuoteIdentifier(m.tableName))
	var one int
	err := m.db.QueryRowContext(ctx, query, workspaceID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *PostgresMembership) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}

// PostgresResourceResolver reads event ownership from a table owned by
// the CRUD service: (id, workspace_id). A missing row means the event
// was deleted.
type PostgresResourceResolver struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresResourceResolver(dsn, tableName string) (*PostgresResourceResolver, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	tableName = strings.TrimSpace(tableName)
	if tableName == "" {
		tableName = postgresResourceTableName
	}
	return &PostgresResourceResolver{dsn: dsn, tableName: tableName, openDB: sql.Open}, nil
}

func (r *PostgresResourceResolver) ResourceWorkspace(ctx context.Context, resourceID string) (string, bool, error) {
	r.initOnce.Do(func() {
		r.db, r.initErr = r.openDB("postgres", r.dsn)
	})
	if r.initErr != nil {
		return "", false, r.initErr
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT workspace_id FROM %s WHERE id = $1", postgresQuoteIdentifier(r.tableName))
	var workspaceID string
	err := r.db.QueryRowContext(ctx, query, resourceID).Scan(&workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return workspaceID, true, nil
}

func (r *PostgresResourceResolver) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
