package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsandbox/api/internal/daemon"
	"github.com/dbsandbox/api/internal/dialect"
	"github.com/dbsandbox/api/internal/metadata"
	"github.com/dbsandbox/api/internal/pool"
)

// fakeDaemon is a no-op container daemon that always succeeds, letting
// the registry/pool's state machine be exercised without a real Docker
// Engine, grounded on the same fake-capability-set approach
// daemon.Daemon's interface was designed for.
type fakeDaemon struct {
	mu        sync.Mutex
	execCalls int
}

func (f *fakeDaemon) Ping(ctx context.Context) error { return nil }
func (f *fakeDaemon) PullImage(ctx context.Context, image string) error { return nil }
func (f *fakeDaemon) ImageExists(ctx context.Context, image string) bool { return true }

func (f *fakeDaemon) RunContainer(ctx context.Context, opts daemon.RunOptions) (string, int, error) {
	return "container-" + uuid.New().String()[:8], 3306, nil
}

func (f *fakeDaemon) ExecInContainer(ctx context.Context, containerID string, cmd daemon.Command) (daemon.ExecResult, error) {
	f.mu.Lock()
	f.execCalls++
	f.mu.Unlock()
	return daemon.ExecResult{ExitCode: 0}, nil
}

func (f *fakeDaemon) ExecWithStdin(ctx context.Context, containerID string, cmd daemon.Command, stdin []byte) (daemon.ExecResult, error) {
	return daemon.ExecResult{ExitCode: 0}, nil
}

func (f *fakeDaemon) StopContainer(ctx context.Context, containerID string) error   { return nil }
func (f *fakeDaemon) RemoveContainer(ctx context.Context, containerID string) error { return nil }
func (f *fakeDaemon) IsRunning(ctx context.Context, containerID string) (bool, error) {
	return true, nil
}
func (f *fakeDaemon) ListLabeled(ctx context.Context, labelKey, labelValue string) ([]daemon.Discovered, error) {
	return nil, nil
}
func (f *fakeDaemon) ExecStream(ctx context.Context, containerID string, cmd daemon.Command) (*daemon.Stream, error) {
	return nil, nil
}

// fakeStore is an in-memory metadata.Store, used in place of SQLite so
// registry tests exercise the write-through path without touching disk.
type fakeStore struct {
	mu        sync.Mutex
	instances map[uuid.UUID]*metadata.StoredInstance
	backups   map[uuid.UUID]*metadata.StoredBackup
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		instances: make(map[uuid.UUID]*metadata.StoredInstance),
		backups:   make(map[uuid.UUID]*metadata.StoredBackup),
	}
}

func (s *fakeStore) Ping(ctx context.Context) error { return nil }

func (s *fakeStore) UpsertInstance(ctx context.Context, in *metadata.StoredInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *in
	s.instances[in.ID] = &cp
	return nil
}

func (s *fakeStore) GetInstance(ctx context.Context, id uuid.UUID) (*metadata.StoredInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instances[id], nil
}

func (s *fakeStore) DeleteInstance(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, id)
	return nil
}

func (s *fakeStore) ListInstances(ctx context.Context) ([]*metadata.StoredInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*metadata.StoredInstance, 0, len(s.instances))
	for _, in := range s.instances {
		out = append(out, in)
	}
	return out, nil
}

func (s *fakeStore) UpsertBackup(ctx context.Context, b *metadata.StoredBackup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.backups[b.ID] = &cp
	return nil
}

func (s *fakeStore) GetBackup(ctx context.Context, id uuid.UUID) (*metadata.StoredBackup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backups[id], nil
}

func (s *fakeStore) DeleteBackup(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.backups, id)
	return nil
}

func (s *fakeStore) ListBackups(ctx context.Context) ([]*metadata.StoredBackup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*metadata.StoredBackup, 0, len(s.backups))
	for _, b := range s.backups {
		out = append(out, b)
	}
	return out, nil
}

func (s *fakeStore) ListBackupsForInstance(ctx context.Context, dbID uuid.UUID) ([]*metadata.StoredBackup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*metadata.StoredBackup
	for _, b := range s.backups {
		if b.SourceDBID == dbID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *fakeStore) Close() error { return nil }

func newTestRegistry(t *testing.T) (*Registry, *fakeDaemon) {
	t.Helper()
	d := &fakeDaemon{}
	p := pool.New(d, logrus.NewEntry(logrus.New()), 4, 512, 8)
	store := newFakeStore()
	reg := New(store, p, d, logrus.NewEntry(logrus.New()), time.Hour, 5*time.Second)
	return reg, d
}

func TestCreate_TransitionsToReadyAndPersists(t *testing.T) {
	reg, _ := newTestRegistry(t)
	dl, err := dialect.Get("mysql")
	require.NoError(t, err)

	inst, err := reg.Create(context.Background(), dl)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, inst.ID)
	assert.Equal(t, "running", inst.Status())

	got, err := reg.Get(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, got.ID)
}

func TestGet_UnknownIDReturnsDbNotFound(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Get(uuid.New())
	assert.Error(t, err)
}

func TestBeginQuery_SerializesConcurrentCallersAndTimesOutAsBusy(t *testing.T) {
	reg, _ := newTestRegistry(t)
	dl, _ := dialect.Get("mysql")
	inst, err := reg.Create(context.Background(), dl)
	require.NoError(t, err)

	// Registry's queryTimeout is 5s; shrink the caller's timeout so a
	// second BeginQuery while the slot is held returns BUSY quickly.
	require.NoError(t, reg.BeginQuery(context.Background(), inst.ID))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = reg.BeginQuery(ctx, inst.ID)
	assert.Error(t, err)

	reg.EndQuery(inst.ID)
	assert.NoError(t, reg.BeginQuery(context.Background(), inst.ID))
	reg.EndQuery(inst.ID)
}

func TestDestroy_IsIdempotentAndRemovesMetadata(t *testing.T) {
	reg, _ := newTestRegistry(t)
	dl, _ := dialect.Get("mysql")
	inst, err := reg.Create(context.Background(), dl)
	require.NoError(t, err)

	require.NoError(t, reg.Destroy(context.Background(), inst.ID, "manual"))
	_, err = reg.Get(inst.ID)
	assert.Error(t, err)
	stored, err := reg.store.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)

	// Destroying an already-destroyed instance is a no-op, not an error.
	assert.NoError(t, reg.Destroy(context.Background(), inst.ID, "manual"))
}

func TestListExpired_OnlyReturnsPastDeadlineInstances(t *testing.T) {
	reg, _ := newTestRegistry(t)
	dl, _ := dialect.Get("mysql")
	inst, err := reg.Create(context.Background(), dl)
	require.NoError(t, err)

	assert.Empty(t, reg.ListExpired(time.Now()))
	assert.NotEmpty(t, reg.ListExpired(time.Now().Add(2*time.Hour)))
	_ = inst
}

func TestSetSize_FlipsReadOnlyWhenOverCap(t *testing.T) {
	reg, _ := newTestRegistry(t)
	dl, _ := dialect.Get("mysql")
	inst, err := reg.Create(context.Background(), dl)
	require.NoError(t, err)

	require.NoError(t, reg.SetSize(context.Background(), inst.ID, 100, 50))
	assert.True(t, reg.IsReadOnly(inst.ID))

	require.NoError(t, reg.SetSize(context.Background(), inst.ID, 10, 50))
	assert.False(t, reg.IsReadOnly(inst.ID))
}
