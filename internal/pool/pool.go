// Package pool implements the Container Pool: per dialect, a small set
// of long-lived host containers each hosting many logical databases.
// Cold pull/startup cost is amortized across tenants, grounded on
// original_source/src/docker/container.rs's pool-container functions
// (create_pool_container, list_pool_containers) and
// dialects/mysql.rs's pool_env_vars/root_user/exec_sql_command, which
// the distilled spec folds into "bootstrap" but which this package
// implements as the pooled-host model directly.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/dbsandbox/api/internal/apperr"
	"github.com/dbsandbox/api/internal/daemon"
	"github.com/dbsandbox/api/internal/dialect"
	"github.com/dbsandbox/api/internal/metrics"
)

// HostState is the Host Container lifecycle per spec §3.
type HostState string

const (
	HostPulling  HostState = "Pulling"
	HostStarting HostState = "Starting"
	HostReady    HostState = "Ready"
	HostDraining HostState = "Draining"
	HostGone     HostState = "Gone"
)

const (
	poolLabelKey = "dbsandbox.pool"
	rootUser     = "root"
)

// HostContainer is a running container for a dialect, hosting zero or
// more instances.
type HostContainer struct {
	ID            uuid.UUID
	ContainerID   string
	Dialect       string
	HostPort      int
	RootPassword  string
	State         HostState
	HostedCount   int
	LastHealthyAt time.Time
	failStreak    int
}

// Pool maintains, per dialect, the set of host containers and mediates
// acquire/release/warm/retire, matching spec §4.2.
type Pool struct {
	daemon daemon.Daemon
	log    *logrus.Entry

	maxHostsPerDialect int
	containerMemoryMB  int
	capacityPerHost    int

	mu    sync.Mutex
	hosts map[string][]*HostContainer // dialect -> hosts

	warmGroup singleflight.Group

	stopHealth chan struct{}
}

// New constructs a Pool. capacityPerHost bounds how many logical
// databases a single host container is allowed to serve before the pool
// spawns another.
func New(d daemon.Daemon, log *logrus.Entry, maxHostsPerDialect, containerMemoryMB, capacityPerHost int) *Pool {
	return &Pool{
		daemon:             d,
		log:                log,
		maxHostsPerDialect: maxHostsPerDialect,
		containerMemoryMB:  containerMemoryMB,
		capacityPerHost:    capacityPerHost,
		hosts:              make(map[string][]*HostContainer),
		stopHealth:         make(chan struct{}),
	}
}

// Warm ensures at least one host for dialect is Ready, collapsing
// concurrent callers for the same dialect into a single cold pull via
// singleflight — the literal mechanism behind spec §4.2's "subsequent
// requests reuse the warm host."
func (p *Pool) Warm(ctx context.Context, dl dialect.Dialect) error {
	if p.hasReadyHost(dl.Name()) {
		return nil
	}
	_, err, _ := p.warmGroup.Do(dl.Name(), func() (interface{}, error) {
		if p.hasReadyHost(dl.Name()) {
			return nil, nil
		}
		host, err := p.spawnHost(ctx, dl)
		if err == nil {
			// spawnHost counts its caller as the first hosted instance;
			// warming claims no instance.
			p.Release(ctx, host)
		}
		return nil, err
	})
	return err
}

func (p *Pool) hasReadyHost(dialectName string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.hosts[dialectName] {
		if h.State == HostReady {
			return true
		}
	}
	return false
}

// Acquire returns a host container reference with spare capacity,
// spawning one if needed up to max_hosts_per_dialect, or failing with
// POOL_EXHAUSTED, per spec §4.2.
func (p *Pool) Acquire(ctx context.Context, dl dialect.Dialect) (*HostContainer, error) {
	if host := p.pickRoundRobin(dl.Name()); host != nil {
		return host, nil
	}

	p.mu.Lock()
	count := len(p.hosts[dl.Name()])
	p.mu.Unlock()
	if count >= p.maxHostsPerDialect {
		return nil, apperr.New(apperr.PoolExhausted, "no host container with capacity for dialect "+dl.Name())
	}

	return p.spawnHost(ctx, dl)
}

// pickRoundRobin scans Ready hosts for the dialect and returns the one
// with the most remaining capacity relative to the others seen so far,
// approximating round-robin distribution without extra cursor state.
func (p *Pool) pickRoundRobin(dialectName string) *HostContainer {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *HostContainer
	for _, h := range p.hosts[dialectName] {
		if h.State != HostReady || h.HostedCount >= p.capacityPerHost {
			continue
		}
		if best == nil || h.HostedCount < best.HostedCount {
			best = h
		}
	}
	if best != nil {
		best.HostedCount++
	}
	return best
}

func (p *Pool) spawnHost(ctx context.Context, dl dialect.Dialect) (*HostContainer, error) {
	host := &HostContainer{
		ID:           uuid.New(),
		Dialect:      dl.Name(),
		RootPassword: uuid.New().String(),
		State:        HostPulling,
	}

	p.mu.Lock()
	p.hosts[dl.Name()] = append(p.hosts[dl.Name()], host)
	p.mu.Unlock()

	if !p.daemon.ImageExists(ctx, dl.Image()) {
		if err := p.daemon.PullImage(ctx, dl.Image()); err != nil {
			p.markGone(host)
			return nil, apperr.Wrap(apperr.DialectPullFailed, "failed to pull image for dialect "+dl.Name(), err)
		}
	}

	host.State = HostStarting
	envVars := dl.PoolEnvVars(host.RootPassword)
	env := make([]string, 0, len(envVars))
	for _, e := range envVars {
		env = append(env, e.Key+"="+e.Value)
	}

	containerID, hostPort, err := p.daemon.RunContainer(ctx, daemon.RunOptions{
		Name:          fmt.Sprintf("dbsandbox-pool-%s-%s", dl.Name(), host.ID.String()[:8]),
		Image:         dl.Image(),
		Env:           env,
		ContainerPort: dl.ContainerPort(),
		MemoryMB:      p.containerMemoryMB,
		Labels:        map[string]string{poolLabelKey: dl.Name()},
	})
	if err != nil {
		p.markGone(host)
		return nil, apperr.Wrap(apperr.Internal, "failed to start host container for dialect "+dl.Name(), err)
	}
	host.ContainerID = containerID
	host.HostPort = hostPort

	if err := p.waitHealthy(ctx, dl, host); err != nil {
		p.markGone(host)
		return nil, apperr.Wrap(apperr.DialectPullFailed, "host container never became healthy", err)
	}

	p.mu.Lock()
	host.State = HostReady
	host.HostedCount = 1
	host.LastHealthyAt = time.Now()
	p.mu.Unlock()

	metrics.CounterPoolColdStarts.WithLabelValues(dl.Name()).Inc()
	metrics.GaugeHostContainersReady.WithLabelValues(dl.Name()).Inc()
	p.log.WithFields(logrus.Fields{"dialect": dl.Name(), "container_id": containerID}).Info("host container ready")
	return host, nil
}

func (p *Pool) waitHealthy(ctx context.Context, dl dialect.Dialect, host *HostContainer) error {
	deadline := time.Now().Add(time.Duration(dl.StartupTimeoutSecs()) * time.Second)
	cmd := dl.HealthCheckCommand(dialect.Credentials{User: rootUser, Password: host.RootPassword})

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := p.daemon.ExecInContainer(ctx, host.ContainerID, toDaemonCommand(cmd))
		if err == nil && res.ExitCode == 0 {
			return nil
		}
		time.Sleep(time.Second)
	}
	return fmt.Errorf("host container %s did not become healthy within %ds", host.ContainerID, dl.StartupTimeoutSecs())
}

// Recover sweeps for pool host containers left behind by a prior
// process (labeled dbsandbox.pool) and tears them down. Host containers
// carry their root credentials only in memory, so a restart can't
// safely resume them; existing sandbox instances referencing a torn-down
// host are reported as orphans by Registry.Recover and destroyed, and
// fresh host containers are spawned on next demand.
func (p *Pool) Recover(ctx context.Context) (map[uuid.UUID]*HostContainer, error) {
	for _, dialectName := range dialect.Supported() {
		discovered, err := p.daemon.ListLabeled(ctx, poolLabelKey, dialectName)
		if err != nil {
			return nil, fmt.Errorf("listing leftover host containers for dialect %s: %w", dialectName, err)
		}
		for _, c := range discovered {
			p.log.WithField("container_id", c.ContainerID).Info("tearing down host container from prior run")
			if err := p.daemon.StopContainer(ctx, c.ContainerID); err != nil {
				p.log.WithError(err).WithField("container_id", c.ContainerID).Warn("failed to stop leftover host container")
			}
			if err := p.daemon.RemoveContainer(ctx, c.ContainerID); err != nil {
				p.log.WithError(err).WithField("container_id", c.ContainerID).Warn("failed to remove leftover host container")
			}
		}
	}
	return map[uuid.UUID]*HostContainer{}, nil
}

// Release decrements a host's hosted-instance count, tearing the
// container down if it was already Draining and just emptied out.
func (p *Pool) Release(ctx context.Context, host *HostContainer) {
	p.mu.Lock()
	if host.HostedCount > 0 {
		host.HostedCount--
	}
	empty := host.State == HostDraining && host.HostedCount == 0
	p.mu.Unlock()

	if empty {
		p.destroyHost(ctx, host)
	}
}

// Retire transitions a host to Draining; it is destroyed once its
// hosted count reaches zero.
func (p *Pool) Retire(ctx context.Context, host *HostContainer) {
	p.mu.Lock()
	host.State = HostDraining
	empty := host.HostedCount == 0
	p.mu.Unlock()

	if empty {
		p.destroyHost(ctx, host)
	}
}

func (p *Pool) destroyHost(ctx context.Context, host *HostContainer) {
	if err := p.daemon.StopContainer(ctx, host.ContainerID); err != nil {
		p.log.WithError(err).WithField("container_id", host.ContainerID).Warn("failed to stop host container")
	}
	if err := p.daemon.RemoveContainer(ctx, host.ContainerID); err != nil {
		p.log.WithError(err).WithField("container_id", host.ContainerID).Warn("failed to remove host container")
	}
	metrics.GaugeHostContainersReady.WithLabelValues(host.Dialect).Dec()
	p.markGone(host)
}

func (p *Pool) markGone(host *HostContainer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	host.State = HostGone
}

// RunHealthChecks starts the background probe loop; it runs until ctx
// is canceled or Stop is called.
func (p *Pool) RunHealthChecks(ctx context.Context, interval time.Duration, resolve func(dialectName string) (dialect.Dialect, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopHealth:
			return
		case <-ticker.C:
			p.probeAll(ctx, resolve)
		}
	}
}

// Stop halts the health-check loop.
func (p *Pool) Stop() {
	close(p.stopHealth)
}

func (p *Pool) probeAll(ctx context.Context, resolve func(string) (dialect.Dialect, error)) {
	p.mu.Lock()
	var targets []*HostContainer
	for _, hs := range p.hosts {
		for _, h := range hs {
			if h.State == HostReady {
				targets = append(targets, h)
			}
		}
	}
	p.mu.Unlock()

	for _, host := range targets {
		dl, err := resolve(host.Dialect)
		if err != nil {
			continue
		}
		cmd := dl.HealthCheckCommand(dialect.Credentials{User: rootUser, Password: host.RootPassword})
		res, err := p.daemon.ExecInContainer(ctx, host.ContainerID, toDaemonCommand(cmd))

		p.mu.Lock()
		if err != nil || res.ExitCode != 0 {
			host.failStreak++
			p.log.WithFields(logrus.Fields{
				"container_id": host.ContainerID,
				"fail_streak":  host.failStreak,
			}).Warn("host container health check failed")
			if host.failStreak >= 3 {
				host.State = HostDraining
				metrics.GaugeHostContainersReady.WithLabelValues(host.Dialect).Dec()
			}
		} else {
			host.failStreak = 0
			host.LastHealthyAt = time.Now()
		}
		p.mu.Unlock()
	}
}

// ExecSQL runs root-level SQL against a host container, used by the
// registry for bootstrap/drop statements.
func (p *Pool) ExecSQL(ctx context.Context, dl dialect.Dialect, host *HostContainer, sql string) (daemon.ExecResult, error) {
	cmd := dl.ExecSQLCommand(dialect.Credentials{User: rootUser, Password: host.RootPassword}, sql)
	return p.daemon.ExecInContainer(ctx, host.ContainerID, toDaemonCommand(cmd))
}

func toDaemonCommand(cmd dialect.Command) daemon.Command {
	env := make([]string, 0, len(cmd.Env))
	for _, e := range cmd.Env {
		env = append(env, e.Key+"="+e.Value)
	}
	return daemon.Command{Bin: cmd.Bin, Args: cmd.Args, Env: env}
}
