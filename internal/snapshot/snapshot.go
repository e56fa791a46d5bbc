// Package snapshot implements the Snapshot Engine (spec §4.5):
// backup, download, restore, and fork, driving each dialect's
// dump/restore argv through the daemon and gzip-compressing dump bytes
// before they reach object storage, matching the flate2 compress/
// decompress pair in original_source/src/storage/backup.rs.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dbsandbox/api/internal/apperr"
	"github.com/dbsandbox/api/internal/daemon"
	"github.com/dbsandbox/api/internal/dialect"
	"github.com/dbsandbox/api/internal/instance"
	"github.com/dbsandbox/api/internal/metadata"
	"github.com/dbsandbox/api/internal/metrics"
	"github.com/dbsandbox/api/internal/objectstore"
	"github.com/dbsandbox/api/internal/pool"
	"github.com/dbsandbox/api/internal/registry"
)

// Backup is an immutable record of a dialect-native dump held in
// object storage with a 1-year lifetime, per spec §3.
type Backup struct {
	ID         uuid.UUID
	SourceDBID uuid.UUID
	Dialect    string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	SizeBytes  int64
	StorageKey string
}

const backupLifetime = 365 * 24 * time.Hour

// Engine implements backup/download/restore/fork.
type Engine struct {
	reg    *registry.Registry
	pool   *pool.Pool
	daemon daemon.Daemon
	store  metadata.Store
	objs   objectstore.Store
	log    *logrus.Entry
}

// New constructs a snapshot Engine.
func New(reg *registry.Registry, p *pool.Pool, d daemon.Daemon, store metadata.Store, objs objectstore.Store, log *logrus.Entry) *Engine {
	return &Engine{reg: reg, pool: p, daemon: d, store: store, objs: objs, log: log}
}

// Backup excludes writers via begin_query, runs the dialect's dump
// command, gzip-compresses the output, streams it to object storage,
// and records an immutable Backup, per spec §4.5.
func (e *Engine) Backup(ctx context.Context, dbID uuid.UUID, trigger string) (*Backup, error) {
	host, dl, err := e.reg.Host(dbID)
	if err != nil {
		return nil, err
	}
	inst, err := e.reg.Get(dbID)
	if err != nil {
		return nil, err
	}

	if err := e.reg.BeginQuery(ctx, dbID); err != nil {
		return nil, err
	}
	defer e.reg.EndQuery(dbID)

	creds := dialect.Credentials{DBName: inst.DBName, User: inst.User, Password: inst.Password}
	dumpCmd := dl.DumpCommand(creds)

	res, err := e.daemon.ExecInContainer(ctx, host.ContainerID, toDaemonCommand(dumpCmd))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "dump command failed", err)
	}
	if res.ExitCode != 0 {
		return nil, apperr.New(apperr.Internal, "dump command exited non-zero: "+string(res.Stderr))
	}

	compressed, err := gzipCompress(res.Stdout)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "failed to compress dump", err)
	}

	backupID := uuid.New()
	now := time.Now()
	key := storageKey(dbID, backupID)

	if err := e.objs.Put(ctx, key, bytes.NewReader(compressed), "application/gzip"); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "failed to upload backup", err)
	}

	b := &Backup{
		ID:         backupID,
		SourceDBID: dbID,
		Dialect:    dl.Name(),
		CreatedAt:  now,
		ExpiresAt:  now.Add(backupLifetime),
		SizeBytes:  int64(len(compressed)),
		StorageKey: key,
	}

	if err := e.store.UpsertBackup(ctx, &metadata.StoredBackup{
		ID: b.ID, SourceDBID: b.SourceDBID, Dialect: b.Dialect,
		CreatedAt: b.CreatedAt, ExpiresAt: b.ExpiresAt, SizeBytes: b.SizeBytes, StorageKey: b.StorageKey,
	}); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "failed to persist backup record", err)
	}

	if err := e.reg.Touch(ctx, dbID); err != nil {
		e.log.WithError(err).WithField("db_id", dbID).Warn("failed to touch instance after backup")
	}

	metrics.CounterBackupsCreated.WithLabelValues(dl.Name(), trigger).Inc()
	e.log.WithFields(logrus.Fields{"db_id": dbID, "backup_id": backupID}).Info("backup created")
	return b, nil
}

// Download resolves a backup's storage key and returns a decompressed
// read stream of the dialect-native dump, or BACKUP_EXPIRED/
// BACKUP_NOT_FOUND.
func (e *Engine) Download(ctx context.Context, backupID uuid.UUID) (io.ReadCloser, *Backup, error) {
	stored, err := e.store.GetBackup(ctx, backupID)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.Internal, "failed to load backup record", err)
	}
	if stored == nil {
		return nil, nil, apperr.New(apperr.BackupNotFound, "no such backup: "+backupID.String())
	}
	if time.Now().After(stored.ExpiresAt) {
		return nil, nil, apperr.New(apperr.BackupExpired, "backup has expired: "+backupID.String())
	}

	compressed, err := e.objs.Get(ctx, stored.StorageKey)
	if err != nil {
		return nil, nil, err
	}

	plain, err := gzip.NewReader(compressed)
	if err != nil {
		compressed.Close()
		return nil, nil, apperr.Wrap(apperr.Internal, "failed to decompress backup", err)
	}

	return gzipReadCloser{Reader: plain, underlying: compressed}, toBackup(stored), nil
}

type gzipReadCloser struct {
	*gzip.Reader
	underlying io.ReadCloser
}

func (g gzipReadCloser) Close() error {
	g.Reader.Close()
	return g.underlying.Close()
}

// Restore drops and recreates the logical database, then pipes
// decompressed backup bytes into the dialect's restore command. Other
// queries against the same instance are blocked for the duration via
// begin_query, so the overwrite is atomic from the caller's
// perspective, per spec §4.5.
func (e *Engine) Restore(ctx context.Context, dbID, backupID uuid.UUID) error {
	host, dl, err := e.reg.Host(dbID)
	if err != nil {
		return err
	}
	inst, err := e.reg.Get(dbID)
	if err != nil {
		return err
	}

	reader, _, err := e.Download(ctx, backupID)
	if err != nil {
		return err
	}
	defer reader.Close()

	plain, err := io.ReadAll(reader)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "failed to read decompressed backup", err)
	}

	if err := e.reg.BeginQuery(ctx, dbID); err != nil {
		return err
	}
	defer e.reg.EndQuery(dbID)

	creds := dialect.Credentials{DBName: inst.DBName, User: inst.User, Password: inst.Password}
	for _, stmt := range dl.DropSQL(creds) {
		if _, err := e.pool.ExecSQL(ctx, dl, host, stmt); err != nil {
			return apperr.Wrap(apperr.Internal, "failed to drop logical database before restore", err)
		}
	}
	for _, stmt := range dl.BootstrapSQL(creds) {
		if _, err := e.pool.ExecSQL(ctx, dl, host, stmt); err != nil {
			return apperr.Wrap(apperr.Internal, "failed to recreate logical database before restore", err)
		}
	}

	restoreCmd := dl.RestoreCommand(creds)
	res, err := e.daemon.ExecWithStdin(ctx, host.ContainerID, toDaemonCommand(restoreCmd), plain)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "restore command failed", err)
	}
	if res.ExitCode != 0 {
		return apperr.New(apperr.Internal, "restore command exited non-zero: "+string(res.Stderr))
	}

	return e.reg.Touch(ctx, dbID)
}

// Fork creates a new instance initialized from a live instance's dump,
// preferring a streamed dump-into-restore path that avoids an
// object-store round trip, per spec §4.5. The returned instance is not
// linked to the parent after creation other than recording forked_from
// for observability.
func (e *Engine) Fork(ctx context.Context, parentID uuid.UUID) (*instance.Instance, error) {
	hostParent, dl, err := e.reg.Host(parentID)
	if err != nil {
		return nil, err
	}
	parent, err := e.reg.Get(parentID)
	if err != nil {
		return nil, err
	}

	if err := e.reg.BeginQuery(ctx, parentID); err != nil {
		return nil, err
	}
	defer e.reg.EndQuery(parentID)

	parentCreds := dialect.Credentials{DBName: parent.DBName, User: parent.User, Password: parent.Password}
	dumpCmd := dl.DumpCommand(parentCreds)
	dumpRes, err := e.daemon.ExecInContainer(ctx, hostParent.ContainerID, toDaemonCommand(dumpCmd))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "dump command failed during fork", err)
	}
	if dumpRes.ExitCode != 0 {
		return nil, apperr.New(apperr.Internal, "dump command exited non-zero during fork: "+string(dumpRes.Stderr))
	}

	child, err := e.reg.Create(ctx, dl)
	if err != nil {
		return nil, err
	}

	hostChild, _, err := e.reg.Host(child.ID)
	if err != nil {
		return nil, err
	}
	childCreds := dialect.Credentials{DBName: child.DBName, User: child.User, Password: child.Password}
	restoreCmd := dl.RestoreCommand(childCreds)
	restoreRes, err := e.daemon.ExecWithStdin(ctx, hostChild.ContainerID, toDaemonCommand(restoreCmd), dumpRes.Stdout)
	if err != nil {
		_ = e.reg.Destroy(ctx, child.ID, "fork_failed")
		return nil, apperr.Wrap(apperr.Internal, "restore command failed during fork", err)
	}
	if restoreRes.ExitCode != 0 {
		_ = e.reg.Destroy(ctx, child.ID, "fork_failed")
		return nil, apperr.New(apperr.Internal, "restore command exited non-zero during fork: "+string(restoreRes.Stderr))
	}

	if err := e.reg.SetForkedFrom(ctx, child.ID, parentID); err != nil {
		e.log.WithError(err).WithField("db_id", child.ID).Warn("failed to persist forked_from after fork")
	}
	child.ForkedFrom = &parentID
	return child, nil
}

func storageKey(dbID, backupID uuid.UUID) string {
	return fmt.Sprintf("backups/%s/%s.sql.gz", dbID, backupID)
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func toBackup(s *metadata.StoredBackup) *Backup {
	return &Backup{
		ID: s.ID, SourceDBID: s.SourceDBID, Dialect: s.Dialect,
		CreatedAt: s.CreatedAt, ExpiresAt: s.ExpiresAt, SizeBytes: s.SizeBytes, StorageKey: s.StorageKey,
	}
}

func toDaemonCommand(cmd dialect.Command) daemon.Command {
	env := make([]string, 0, len(cmd.Env))
	for _, e := range cmd.Env {
		env = append(env, e.Key+"="+e.Value)
	}
	return daemon.Command{Bin: cmd.Bin, Args: cmd.Args, Env: env}
}
