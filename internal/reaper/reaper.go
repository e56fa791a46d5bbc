// Package reaper implements the background eviction loop (spec §4.6):
// a fixed-interval task that destroys instances past their idle
// deadline, optionally snapshotting them first.
package reaper

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dbsandbox/api/internal/instance"
	"github.com/dbsandbox/api/internal/metrics"
	"github.com/dbsandbox/api/internal/registry"
	"github.com/dbsandbox/api/internal/snapshot"
)

const backupRetryBudget = 2

// Reaper periodically destroys expired instances.
type Reaper struct {
	reg            *registry.Registry
	snap           *snapshot.Engine
	log            *logrus.Entry
	interval       time.Duration
	backupOnExpiry bool

	stop chan struct{}
}

// New constructs a Reaper waking every interval (≤ inactivity_timeout /
// 10, per spec §4.6).
func New(reg *registry.Registry, snap *snapshot.Engine, log *logrus.Entry, interval time.Duration, backupOnExpiry bool) *Reaper {
	return &Reaper{
		reg:            reg,
		snap:           snap,
		log:            log,
		interval:       interval,
		backupOnExpiry: backupOnExpiry,
		stop:           make(chan struct{}),
	}
}

// Run blocks, sweeping for expired instances every interval, until ctx
// is canceled or Stop is called.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// Stop halts the reaper loop.
func (r *Reaper) Stop() {
	close(r.stop)
}

func (r *Reaper) sweep(ctx context.Context) {
	metrics.CounterReaperSweeps.Inc()
	expired := r.reg.ListExpired(time.Now())
	for _, inst := range expired {
		r.reapOne(ctx, inst)
	}
}

func (r *Reaper) reapOne(ctx context.Context, inst *instance.Instance) {
	if inst.State == instance.Busy {
		return // retry next tick, per spec §4.6.
	}

	if r.backupOnExpiry {
		var err error
		for attempt := 0; attempt <= backupRetryBudget; attempt++ {
			if _, err = r.snap.Backup(ctx, inst.ID, "expiry"); err == nil {
				break
			}
			r.log.WithError(err).WithField("db_id", inst.ID).Warn("reaper backup attempt failed")
		}
		if err != nil {
			r.log.WithError(err).WithField("db_id", inst.ID).Error("reaper giving up on backup, destroying anyway")
		}
	}

	if err := r.reg.Destroy(ctx, inst.ID, "expired"); err != nil {
		r.log.WithError(err).WithField("db_id", inst.ID).Error("reaper failed to destroy expired instance")
		return
	}
	r.log.WithField("db_id", inst.ID).Info("reaper destroyed expired instance")
}
