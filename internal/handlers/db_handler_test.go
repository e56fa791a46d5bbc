package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsandbox/api/internal/daemon"
	"github.com/dbsandbox/api/internal/dialect"
	"github.com/dbsandbox/api/internal/metadata"
	"github.com/dbsandbox/api/internal/pool"
	"github.com/dbsandbox/api/internal/query"
	"github.com/dbsandbox/api/internal/registry"
	"github.com/dbsandbox/api/internal/snapshot"
)

// fakeDaemon answers bootstrap/drop/dump/restore execs without a real
// container, letting the handler's orchestration be exercised end to end.
type fakeDaemon struct {
	mu       sync.Mutex
	dumpData []byte
	pingErr  error
}

func (f *fakeDaemon) Ping(ctx context.Context) error { return f.pingErr }
func (f *fakeDaemon) PullImage(ctx context.Context, image string) error { return nil }
func (f *fakeDaemon) ImageExists(ctx context.Context, image string) bool { return true }

func (f *fakeDaemon) RunContainer(ctx context.Context, opts daemon.RunOptions) (string, int, error) {
	return "container-" + uuid.New().String()[:8], 3306, nil
}

func (f *fakeDaemon) ExecInContainer(ctx context.Context, containerID string, cmd daemon.Command) (daemon.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return daemon.ExecResult{ExitCode: 0, Stdout: f.dumpData}, nil
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

// fakeStore is an in-memory metadata.Store.
type fakeStore struct {
	mu        sync.Mutex
	instances map[uuid.UUID]*metadata.StoredInstance
	backups   map[uuid.UUID]*metadata.StoredBackup
	pingErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		instances: make(map[uuid.UUID]*metadata.StoredInstance),
		backups:   make(map[uuid.UUID]*metadata.StoredBackup),
	}
}

func (s *fakeStore) Ping(ctx context.Context) error { return s.pingErr }

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

// fakeObjectStore is an in-memory object store.
type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (o *fakeObjectStore) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[key] = data
	return nil
}

func (o *fakeObjectStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.objects[key]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (o *fakeObjectStore) Delete(ctx context.Context, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.objects, key)
	return nil
}

func (o *fakeObjectStore) Head(ctx context.Context, key string) (bool, int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.objects[key]
	return ok, int64(len(data)), nil
}

func newTestHandler(t *testing.T) (*DBHandler, *registry.Registry, *fakeDaemon, *fakeStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	d := &fakeDaemon{dumpData: []byte("-- dump --")}
	p := pool.New(d, logrus.NewEntry(logrus.New()), 4, 512, 8)
	store := newFakeStore()
	reg := registry.New(store, p, d, logrus.NewEntry(logrus.New()), time.Hour, 5*time.Second)
	pipeline := query.New(reg, d, p, logrus.NewEntry(logrus.New()), 5*time.Second, 256, 10)
	objs := newFakeObjectStore()
	snap := snapshot.New(reg, p, d, store, objs, logrus.NewEntry(logrus.New()))

	h := New(reg, pipeline, snap, store, d, logrus.NewEntry(logrus.New()))
	return h, reg, d, store
}

func doRequest(h gin.HandlerFunc, method, path string, body []byte, params gin.Params) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	c.Request = httptest.NewRequest(method, path, reader)
	c.Request.Header.Set("Content-Type", "application/json")
	c.Params = params
	h(c)
	return rec
}

func TestCreateDB_ReturnsReadyStatusForSupportedDialect(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	rec := doRequest(h.CreateDB, http.MethodPost, "/db/new", []byte(`{"dialect":"mysql"}`), nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body["status"])
	assert.Equal(t, "mysql", body["dialect"])
}

func TestCreateDB_UnsupportedDialectReturnsError(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	rec := doRequest(h.CreateDB, http.MethodPost, "/db/new", []byte(`{"dialect":"postgres"}`), nil)
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestGetDB_ReturnsRunningForLiveInstance(t *testing.T) {
	h, reg, _, _ := newTestHandler(t)
	dl, _ := dialect.Get("mysql")
	inst, err := reg.Create(context.Background(), dl)
	require.NoError(t, err)

	rec := doRequest(h.GetDB, http.MethodGet, "/db/"+inst.ID.String(), nil, gin.Params{{Key: "id", Value: inst.ID.String()}})
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "running", body["status"])
}

func TestGetDB_UnknownIDWithNoBackupReturns404(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	id := uuid.New()
	rec := doRequest(h.GetDB, http.MethodGet, "/db/"+id.String(), nil, gin.Params{{Key: "id", Value: id.String()}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteDB_DestroysKnownInstance(t *testing.T) {
	h, reg, _, _ := newTestHandler(t)
	dl, _ := dialect.Get("mysql")
	inst, err := reg.Create(context.Background(), dl)
	require.NoError(t, err)

	rec := doRequest(h.DeleteDB, http.MethodDelete, "/db/"+inst.ID.String(), nil, gin.Params{{Key: "id", Value: inst.ID.String()}})
	assert.Equal(t, http.StatusOK, rec.Code)

	_, err = reg.Get(inst.ID)
	assert.Error(t, err)
}

func TestBackupThenDownload_RoundTripsDumpBytes(t *testing.T) {
	h, reg, _, _ := newTestHandler(t)
	dl, _ := dialect.Get("mysql")
	inst, err := reg.Create(context.Background(), dl)
	require.NoError(t, err)

	rec := doRequest(h.Backup, http.MethodPost, "/db/"+inst.ID.String()+"/backup", nil, gin.Params{{Key: "id", Value: inst.ID.String()}})
	require.Equal(t, http.StatusOK, rec.Code)

	var backupResp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &backupResp))
	backupID := backupResp["backup_id"].(string)

	rec2 := doRequest(h.DownloadBackup, http.MethodGet, "/db/"+inst.ID.String()+"/backup/"+backupID, nil,
		gin.Params{{Key: "id", Value: inst.ID.String()}, {Key: "bid", Value: backupID}})
	assert.Equal(t, http.StatusOK, rec2.Code)
	assert.Equal(t, "-- dump --", rec2.Body.String())
}

func TestFork_ReturnsChildWithForkedFromField(t *testing.T) {
	h, reg, _, _ := newTestHandler(t)
	dl, _ := dialect.Get("mysql")
	parent, err := reg.Create(context.Background(), dl)
	require.NoError(t, err)

	rec := doRequest(h.Fork, http.MethodPost, "/db/"+parent.ID.String()+"/fork", nil, gin.Params{{Key: "id", Value: parent.ID.String()}})
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, parent.ID.String(), body["forked_from"])
}

func TestHealth_ReportsDegradedWhenDaemonPingFails(t *testing.T) {
	h, _, d, _ := newTestHandler(t)
	d.pingErr = assert.AnError

	rec := doRequest(h.Health, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "unavailable", body["docker"])
}
