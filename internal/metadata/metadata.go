// Package metadata is the durable metadata store (spec §6's
// Metadata-store interface), backed by SQLite via mattn/go-sqlite3,
// addressed through database/sql with raw parameterized queries in the
// teacher's repository style (see the teacher's
// internal/repositories/database_instance_repository.go: one prepared
// statement per method, sql.ErrNoRows mapped to (nil, nil)). Schema and
// field set are grounded on original_source/src/storage/metadata.rs's
// StoredInstance/StoredBackup and their insert_instance/
// get_expired_instances/touch_activity query shapes.
package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// StoredInstance mirrors instance.Instance, flattened for SQL storage.
type StoredInstance struct {
	ID             uuid.UUID
	Dialect        string
	HostID         uuid.UUID
	DBName         string
	User           string
	Password       string
	State          string
	CreatedAt      time.Time
	LastActivityAt time.Time
	ExpiresAt      time.Time
	ForkedFrom     *uuid.UUID
	SizeBytes      int64
	ReadOnly       bool
}

// StoredBackup mirrors snapshot.Backup.
type StoredBackup struct {
	ID         uuid.UUID
	SourceDBID uuid.UUID
	Dialect    string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	SizeBytes  int64
	StorageKey string
}

// Store is the capability set the registry and snapshot engine drive;
// tests substitute an in-memory fake implementing the same interface.
type Store interface {
	Ping(ctx context.Context) error

	UpsertInstance(ctx context.Context, in *StoredInstance) error
	GetInstance(ctx context.Context, id uuid.UUID) (*StoredInstance, error)
	DeleteInstance(ctx context.Context, id uuid.UUID) error
	ListInstances(ctx context.Context) ([]*StoredInstance, error)

	UpsertBackup(ctx context.Context, b *StoredBackup) error
	GetBackup(ctx context.Context, id uuid.UUID) (*StoredBackup, error)
	DeleteBackup(ctx context.Context, id uuid.UUID) error
	ListBackups(ctx context.Context) ([]*StoredBackup, error)
	ListBackupsForInstance(ctx context.Context, dbID uuid.UUID) ([]*StoredBackup, error)

	Close() error
}

type sqliteStore struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite metadata database at path
// and ensures its schema exists.
func Open(path string) (Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver: single writer is simplest and sufficient at this scale.

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating metadata store: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS instances (
	id TEXT PRIMARY KEY,
	dialect TEXT NOT NULL,
	host_id TEXT NOT NULL,
	db_name TEXT NOT NULL,
	user TEXT NOT NULL,
	password TEXT NOT NULL,
	state TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	last_activity_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	forked_from TEXT,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	read_only INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS backups (
	id TEXT PRIMARY KEY,
	source_db_id TEXT NOT NULL,
	dialect TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	storage_key TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_backups_source_db_id ON backups(source_db_id);
`)
	return err
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqliteStore) UpsertInstance(ctx context.Context, in *StoredInstance) error {
	var forkedFrom interface{}
	if in.ForkedFrom != nil {
		forkedFrom = in.ForkedFrom.String()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO instances (id, dialect, host_id, db_name, user, password, state, created_at, last_activity_at, expires_at, forked_from, size_bytes, read_only)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	dialect = excluded.dialect,
	host_id = excluded.host_id,
	db_name = excluded.db_name,
	user = excluded.user,
	password = excluded.password,
	state = excluded.state,
	last_activity_at = excluded.last_activity_at,
	expires_at = excluded.expires_at,
	forked_from = excluded.forked_from,
	size_bytes = excluded.size_bytes,
	read_only = excluded.read_only
`,
		in.ID.String(), in.Dialect, in.HostID.String(), in.DBName, in.User, in.Password,
		in.State, in.CreatedAt.Unix(), in.LastActivityAt.Unix(), in.ExpiresAt.Unix(),
		forkedFrom, in.SizeBytes, in.ReadOnly,
	)
	if err != nil {
		return fmt.Errorf("upserting instance %s: %w", in.ID, err)
	}
	return nil
}

func (s *sqliteStore) GetInstance(ctx context.Context, id uuid.UUID) (*StoredInstance, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, dialect, host_id, db_name, user, password, state, created_at, last_activity_at, expires_at, forked_from, size_bytes, read_only
FROM instances WHERE id = ?`, id.String())

	in, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting instance %s: %w", id, err)
	}
	return in, nil
}

func (s *sqliteStore) DeleteInstance(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("deleting instance %s: %w", id, err)
	}
	return nil
}

func (s *sqliteStore) ListInstances(ctx context.Context) ([]*StoredInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, dialect, host_id, db_name, user, password, state, created_at, last_activity_at, expires_at, forked_from, size_bytes, read_only
FROM instances`)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	defer rows.Close()

	var out []*StoredInstance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning instance row: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row scanner) (*StoredInstance, error) {
	var (
		in                                     StoredInstance
		idStr, hostIDStr                       string
		createdAt, lastActivityAt, expiresAt   int64
		forkedFrom                             sql.NullString
		readOnly                               int
	)
	err := row.Scan(&idStr, &in.Dialect, &hostIDStr, &in.DBName, &in.User, &in.Password,
		&in.State, &createdAt, &lastActivityAt, &expiresAt, &forkedFrom, &in.SizeBytes, &readOnly)
	if err != nil {
		return nil, err
	}

	in.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parsing instance id: %w", err)
	}
	in.HostID, err = uuid.Parse(hostIDStr)
	if err != nil {
		return nil, fmt.Errorf("parsing host id: %w", err)
	}
	in.CreatedAt = time.Unix(createdAt, 0).UTC()
	in.LastActivityAt = time.Unix(lastActivityAt, 0).UTC()
	in.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	in.ReadOnly = readOnly != 0
	if forkedFrom.Valid {
		parsed, err := uuid.Parse(forkedFrom.String)
		if err != nil {
			return nil, fmt.Errorf("parsing forked_from: %w", err)
		}
		in.ForkedFrom = &parsed
	}
	return &in, nil
}

func (s *sqliteStore) UpsertBackup(ctx context.Context, b *StoredBackup) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO backups (id, source_db_id, dialect, created_at, expires_at, size_bytes, storage_key)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING
`, b.ID.String(), b.SourceDBID.String(), b.Dialect, b.CreatedAt.Unix(), b.ExpiresAt.Unix(), b.SizeBytes, b.StorageKey)
	if err != nil {
		return fmt.Errorf("upserting backup %s: %w", b.ID, err)
	}
	return nil
}

func (s *sqliteStore) GetBackup(ctx context.Context, id uuid.UUID) (*StoredBackup, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, source_db_id, dialect, created_at, expires_at, size_bytes, storage_key
FROM backups WHERE id = ?`, id.String())

	b, err := scanBackup(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting backup %s: %w", id, err)
	}
	return b, nil
}

func (s *sqliteStore) DeleteBackup(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("deleting backup %s: %w", id, err)
	}
	return nil
}

func (s *sqliteStore) ListBackups(ctx context.Context) ([]*StoredBackup, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, source_db_id, dialect, created_at, expires_at, size_bytes, storage_key FROM backups`)
	if err != nil {
		return nil, fmt.Errorf("listing backups: %w", err)
	}
	defer rows.Close()
	return collectBackups(rows)
}

func (s *sqliteStore) ListBackupsForInstance(ctx context.Context, dbID uuid.UUID) ([]*StoredBackup, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, source_db_id, dialect, created_at, expires_at, size_bytes, storage_key
FROM backups WHERE source_db_id = ? ORDER BY created_at DESC`, dbID.String())
	if err != nil {
		return nil, fmt.Errorf("listing backups for instance %s: %w", dbID, err)
	}
	defer rows.Close()
	return collectBackups(rows)
}

func collectBackups(rows *sql.Rows) ([]*StoredBackup, error) {
	var out []*StoredBackup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning backup row: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBackup(row scanner) (*StoredBackup, error) {
	var (
		b                         StoredBackup
		idStr, sourceStr          string
		createdAt, expiresAt      int64
	)
	err := row.Scan(&idStr, &sourceStr, &b.Dialect, &createdAt, &expiresAt, &b.SizeBytes, &b.StorageKey)
	if err != nil {
		return nil, err
	}
	b.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parsing backup id: %w", err)
	}
	b.SourceDBID, err = uuid.Parse(sourceStr)
	if err != nil {
		return nil, fmt.Errorf("parsing source_db_id: %w", err)
	}
	b.CreatedAt = time.Unix(createdAt, 0).UTC()
	b.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	return &b, nil
}
