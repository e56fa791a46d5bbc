// Package registry implements the Instance Registry (spec §4.3): the
// single source of truth for Instance records, mediating every state
// transition and writing through to durable metadata before
// acknowledging. The per-instance lock / global map-lock split follows
// spec §5 exactly ("single-writer per identifier via a per-instance
// lock; global lock only for insert/remove").
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dbsandbox/api/internal/apperr"
	"github.com/dbsandbox/api/internal/daemon"
	"github.com/dbsandbox/api/internal/dialect"
	"github.com/dbsandbox/api/internal/instance"
	"github.com/dbsandbox/api/internal/metadata"
	"github.com/dbsandbox/api/internal/metrics"
	"github.com/dbsandbox/api/internal/pool"
)

// entry is the in-memory record plus the concurrency primitives that
// guard it: a per-instance mutex for field mutation, and a size-1
// buffered channel used as a mutex-with-deadline for cap-1 query
// serialization (spec §4.3's "serialize up to cap 1, block with the
// query timeout as overall deadline").
type entry struct {
	mu         sync.Mutex
	inst       *instance.Instance
	host       *pool.HostContainer
	querySlot  chan struct{}
	probeCount int
}

// Registry is the process-wide singleton instance map, per spec §9's
// "global state" note (explicit init/teardown, no hidden globals).
type Registry struct {
	globalMu  sync.RWMutex
	instances map[uuid.UUID]*entry

	store             metadata.Store
	pool              *pool.Pool
	daemon            daemon.Daemon
	log               *logrus.Entry
	inactivityTimeout time.Duration
	queryTimeout      time.Duration
}

// New constructs a Registry bound to durable storage, the container
// pool, and the daemon used to validate container references on
// restart.
func New(store metadata.Store, p *pool.Pool, d daemon.Daemon, log *logrus.Entry, inactivityTimeout, queryTimeout time.Duration) *Registry {
	return &Registry{
		instances:         make(map[uuid.UUID]*entry),
		store:             store,
		pool:              p,
		daemon:            d,
		log:               log,
		inactivityTimeout: inactivityTimeout,
		queryTimeout:      queryTimeout,
	}
}

// Create generates an identifier and credentials, acquires a host from
// the pool, runs the dialect's bootstrap SQL, and transitions to Ready.
// On any failure it rolls back the partial logical database and
// releases the host, per spec §4.3's rollback guarantee.
func (r *Registry) Create(ctx context.Context, dl dialect.Dialect) (*instance.Instance, error) {
	id := uuid.New()
	dbName, user, password := instance.CredentialsFor(id)
	now := time.Now()

	inst := &instance.Instance{
		ID:             id,
		Dialect:        dl.Name(),
		DBName:         dbName,
		User:           user,
		Password:       password,
		State:          instance.Creating,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(r.inactivityTimeout),
	}

	if err := r.pool.Warm(ctx, dl); err != nil {
		return nil, err
	}
	host, err := r.pool.Acquire(ctx, dl)
	if err != nil {
		return nil, err
	}
	inst.HostID = host.ID

	e := &entry{inst: inst, host: host, querySlot: make(chan struct{}, 1)}
	e.querySlot <- struct{}{}

	r.globalMu.Lock()
	r.instances[id] = e
	r.globalMu.Unlock()

	if err := r.persist(ctx, e); err != nil {
		r.rollbackCreate(ctx, dl, host, dialect.Credentials{DBName: dbName, User: user}, id)
		return nil, err
	}

	creds := dialect.Credentials{DBName: dbName, User: user, Password: password}
	for _, stmt := range dl.BootstrapSQL(creds) {
		if _, err := r.pool.ExecSQL(ctx, dl, host, stmt); err != nil {
			r.rollbackCreate(ctx, dl, host, creds, id)
			return nil, apperr.Wrap(apperr.Internal, "bootstrap failed for instance "+id.String(), err)
		}
	}

	inst.State = instance.Ready
	if err := r.persist(ctx, e); err != nil {
		r.rollbackCreate(ctx, dl, host, creds, id)
		return nil, err
	}

	metrics.CounterInstancesCreated.WithLabelValues(dl.Name()).Inc()
	r.log.WithFields(logrus.Fields{"db_id": id, "dialect": dl.Name()}).Info("instance created")
	return cloneInstance(inst), nil
}

func (r *Registry) rollbackCreate(ctx context.Context, dl dialect.Dialect, host *pool.HostContainer, creds dialect.Credentials, id uuid.UUID) {
	for _, stmt := range dl.DropSQL(creds) {
		if _, err := r.pool.ExecSQL(ctx, dl, host, stmt); err != nil {
			r.log.WithError(err).WithField("db_id", id).Warn("rollback drop statement failed")
		}
	}
	r.pool.Release(ctx, host)
	r.globalMu.Lock()
	delete(r.instances, id)
	r.globalMu.Unlock()
	_ = r.store.DeleteInstance(ctx, id)
}

// Get returns the instance record or DB_NOT_FOUND.
func (r *Registry) Get(id uuid.UUID) (*instance.Instance, error) {
	e := r.lookup(id)
	if e == nil {
		return nil, apperr.New(apperr.DbNotFound, "no such database: "+id.String())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneInstance(e.inst), nil
}

// Host returns the host container and dialect backing an instance, used
// by the query pipeline and snapshot engine to drive daemon exec calls.
func (r *Registry) Host(id uuid.UUID) (*pool.HostContainer, dialect.Dialect, error) {
	e := r.lookup(id)
	if e == nil {
		return nil, nil, apperr.New(apperr.DbNotFound, "no such database: "+id.String())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	dl, err := dialect.Get(e.inst.Dialect)
	if err != nil {
		return nil, nil, err
	}
	return e.host, dl, nil
}

func (r *Registry) lookup(id uuid.UUID) *entry {
	r.globalMu.RLock()
	defer r.globalMu.RUnlock()
	return r.instances[id]
}

// Touch updates last_activity_at and recomputes expires_at. Called by
// every successful query and on fork/restore/backup, per spec §4.3.
func (r *Registry) Touch(ctx context.Context, id uuid.UUID) error {
	e := r.lookup(id)
	if e == nil {
		return apperr.New(apperr.DbNotFound, "no such database: "+id.String())
	}
	e.mu.Lock()
	now := time.Now()
	e.inst.LastActivityAt = now
	e.inst.ExpiresAt = now.Add(r.inactivityTimeout)
	e.mu.Unlock()
	return r.persist(ctx, e)
}

// SetSize records the most recently sampled on-disk size, and flips the
// instance read-only if it exceeds a caller-supplied threshold.
func (r *Registry) SetSize(ctx context.Context, id uuid.UUID, sizeBytes int64, maxBytes int64) error {
	e := r.lookup(id)
	if e == nil {
		return apperr.New(apperr.DbNotFound, "no such database: "+id.String())
	}
	e.mu.Lock()
	e.inst.SizeBytes = sizeBytes
	e.inst.ReadOnly = sizeBytes > maxBytes
	e.mu.Unlock()
	return r.persist(ctx, e)
}

// ShouldSampleSize increments the instance's query counter under its
// per-instance lock and reports whether this query lands on the sampling
// interval, letting the query pipeline's opportunistic size probe share
// the registry's existing per-instance synchronization instead of
// keeping its own unsynchronized counter.
func (r *Registry) ShouldSampleSize(id uuid.UUID, every int) bool {
	e := r.lookup(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.probeCount++
	return e.probeCount%every == 0
}

// SetForkedFrom records the parent instance an instance was forked from
// and persists it, so the lineage survives a restart and shows up on a
// later GET, per spec §3's forked_from being a durable Instance field.
func (r *Registry) SetForkedFrom(ctx context.Context, id, parentID uuid.UUID) error {
	e := r.lookup(id)
	if e == nil {
		return apperr.New(apperr.DbNotFound, "no such database: "+id.String())
	}
	e.mu.Lock()
	e.inst.ForkedFrom = &parentID
	e.mu.Unlock()
	return r.persist(ctx, e)
}

// IsReadOnly reports the instance's current write-rejection posture.
func (r *Registry) IsReadOnly(id uuid.UUID) bool {
	e := r.lookup(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inst.ReadOnly
}

// BeginQuery acquires the instance's cap-1 query slot, blocking up to
// the configured query timeout before returning BUSY, per spec §4.3 and
// §5's ordering guarantees. The caller must call EndQuery exactly once
// on success.
func (r *Registry) BeginQuery(ctx context.Context, id uuid.UUID) error {
	e := r.lookup(id)
	if e == nil {
		return apperr.New(apperr.DbNotFound, "no such database: "+id.String())
	}

	e.mu.Lock()
	if e.inst.State == instance.Evicting || e.inst.State == instance.Destroyed {
		e.mu.Unlock()
		return apperr.New(apperr.DbNotFound, "no such database: "+id.String())
	}
	e.mu.Unlock()

	timeoutCtx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	select {
	case <-e.querySlot:
	case <-timeoutCtx.Done():
		return apperr.New(apperr.Busy, "instance is busy: "+id.String())
	}

	e.mu.Lock()
	e.inst.State = instance.Busy
	e.mu.Unlock()
	return nil
}

// EndQuery releases the query slot and returns the instance to Ready.
// Must be called exactly once per successful BeginQuery, even on error
// paths, to avoid a leaked Busy state (spec §5: "a leaked Busy is a
// correctness bug").
func (r *Registry) EndQuery(id uuid.UUID) {
	e := r.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.inst.State == instance.Busy {
		e.inst.State = instance.Ready
	}
	e.mu.Unlock()
	select {
	case e.querySlot <- struct{}{}:
	default:
	}
}

// Destroy transitions to Evicting, drops the logical database, releases
// the host, marks Destroyed, and removes the durable record. Idempotent.
// reason is purely observational (surfaced as a metrics label, e.g.
// "manual" vs "expired").
func (r *Registry) Destroy(ctx context.Context, id uuid.UUID, reason string) error {
	e := r.lookup(id)
	if e == nil {
		return nil // already gone: idempotent per spec §8's concurrent-destroy property.
	}

	e.mu.Lock()
	if e.inst.State == instance.Destroyed {
		e.mu.Unlock()
		return nil
	}
	e.inst.State = instance.Evicting
	host := e.host
	dialectName := e.inst.Dialect
	dbName, user := e.inst.DBName, e.inst.User
	e.mu.Unlock()

	dl, err := dialect.Get(e.inst.Dialect)
	if err == nil {
		creds := dialect.Credentials{DBName: dbName, User: user}
		for _, stmt := range dl.DropSQL(creds) {
			if _, err := r.pool.ExecSQL(ctx, dl, host, stmt); err != nil {
				r.log.WithError(err).WithField("db_id", id).Warn("drop statement failed during destroy")
			}
		}
	}
	r.pool.Release(ctx, host)

	e.mu.Lock()
	e.inst.State = instance.Destroyed
	e.mu.Unlock()

	if err := r.store.DeleteInstance(ctx, id); err != nil {
		r.log.WithError(err).WithField("db_id", id).Warn("failed to delete durable instance record")
	}

	r.globalMu.Lock()
	delete(r.instances, id)
	r.globalMu.Unlock()

	metrics.CounterInstancesDestroyed.WithLabelValues(dialectName, reason).Inc()
	r.log.WithFields(logrus.Fields{"db_id": id, "reason": reason}).Info("instance destroyed")
	return nil
}

// ListExpired returns instances past their expires_at that are Ready or
// Busy, for the reaper to consider.
func (r *Registry) ListExpired(now time.Time) []*instance.Instance {
	r.globalMu.RLock()
	defer r.globalMu.RUnlock()

	var out []*instance.Instance
	for _, e := range r.instances {
		e.mu.Lock()
		if (e.inst.State == instance.Ready || e.inst.State == instance.Busy) && now.After(e.inst.ExpiresAt) {
			out = append(out, cloneInstance(e.inst))
		}
		e.mu.Unlock()
	}
	return out
}

// Recover reloads instance records from durable metadata on process
// restart, re-validates host-container references against the daemon,
// and transitions orphaned instances to Destroyed, per spec §4.3.
func (r *Registry) Recover(ctx context.Context, hostsByID map[uuid.UUID]*pool.HostContainer) error {
	stored, err := r.store.ListInstances(ctx)
	if err != nil {
		return fmt.Errorf("loading instances from metadata: %w", err)
	}

	for _, s := range stored {
		host, ok := hostsByID[s.HostID]
		live := false
		if ok {
			running, err := r.daemon.IsRunning(ctx, host.ContainerID)
			live = err == nil && running
		}

		if !live {
			r.log.WithField("db_id", s.ID).Warn("orphaned instance on restart, marking destroyed")
			_ = r.store.DeleteInstance(ctx, s.ID)
			continue
		}

		inst := &instance.Instance{
			ID:             s.ID,
			Dialect:        s.Dialect,
			HostID:         s.HostID,
			DBName:         s.DBName,
			User:           s.User,
			Password:       s.Password,
			State:          instance.State(s.State),
			CreatedAt:      s.CreatedAt,
			LastActivityAt: s.LastActivityAt,
			ExpiresAt:      s.ExpiresAt,
			ForkedFrom:     s.ForkedFrom,
			SizeBytes:      s.SizeBytes,
			ReadOnly:       s.ReadOnly,
		}
		if inst.State == instance.Busy {
			inst.State = instance.Ready // no in-flight query survives a restart.
		}

		e := &entry{inst: inst, host: host, querySlot: make(chan struct{}, 1)}
		e.querySlot <- struct{}{}

		r.globalMu.Lock()
		r.instances[s.ID] = e
		r.globalMu.Unlock()
	}
	return nil
}

func (r *Registry) persist(ctx context.Context, e *entry) error {
	e.mu.Lock()
	snap := cloneInstance(e.inst)
	e.mu.Unlock()

	err := r.store.UpsertInstance(ctx, &metadata.StoredInstance{
		ID:             snap.ID,
		Dialect:        snap.Dialect,
		HostID:         snap.HostID,
		DBName:         snap.DBName,
		User:           snap.User,
		Password:       snap.Password,
		State:          string(snap.State),
		CreatedAt:      snap.CreatedAt,
		LastActivityAt: snap.LastActivityAt,
		ExpiresAt:      snap.ExpiresAt,
		ForkedFrom:     snap.ForkedFrom,
		SizeBytes:      snap.SizeBytes,
		ReadOnly:       snap.ReadOnly,
	})
	if err != nil {
		return apperr.Wrap(apperr.Internal, "failed to persist instance record", err)
	}
	return nil
}

func cloneInstance(in *instance.Instance) *instance.Instance {
	c := *in
	return &c
}
