// Package query implements the Query Pipeline (spec §4.4): given an
// instance identifier, SQL text, and output format, it drives the
// dialect CLI inside the instance's host container and streams a lazy
// sequence of typed events back to the caller, enforcing the query
// timeout and the per-instance size cap.
package query

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dbsandbox/api/internal/apperr"
	"github.com/dbsandbox/api/internal/daemon"
	"github.com/dbsandbox/api/internal/dialect"
	"github.com/dbsandbox/api/internal/metrics"
	"github.com/dbsandbox/api/internal/pool"
	"github.com/dbsandbox/api/internal/registry"
)

// Format selects how the caller wants the event sequence rendered; the
// underlying event sequence itself never changes (spec §4.4: "other
// formats are a transformation of the same event sequence").
type Format string

const (
	FormatText  Format = "text"
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
)

// Pipeline executes queries against instances resolved through the
// registry, via the container daemon.
type Pipeline struct {
	reg          *registry.Registry
	daemon       daemon.Daemon
	pool         *pool.Pool
	log          *logrus.Entry
	queryTimeout time.Duration
	maxDBSizeMB  int
	sizeProbeN   int
}

// New constructs a Pipeline. sizeProbeEveryN controls how often (in
// queries) the opportunistic size probe runs, per spec §4.4 step 8.
func New(reg *registry.Registry, d daemon.Daemon, p *pool.Pool, log *logrus.Entry, queryTimeout time.Duration, maxDBSizeMB, sizeProbeEveryN int) *Pipeline {
	return &Pipeline{
		reg:          reg,
		daemon:       d,
		pool:         p,
		log:          log,
		queryTimeout: queryTimeout,
		maxDBSizeMB:  maxDBSizeMB,
		sizeProbeN:   sizeProbeEveryN,
	}
}

// IsMutating is a best-effort classifier used to enforce the
// DB_SIZE_EXCEEDED read-only posture from spec §4.4 step 8: SQL that is
// not obviously a read is treated as mutating. This is heuristic, not
// SQL parsing (a Non-goal) — it only gates the size-exceeded guard.
func IsMutating(sql string) bool {
	trimmed := sql
	for len(trimmed) > 0 && (trimmed[0] == ' ' || trimmed[0] == '\t' || trimmed[0] == '\n') {
		trimmed = trimmed[1:]
	}
	lower := toLowerPrefix(trimmed, 8)
	switch lower {
	case "select", "show", "explain", "describe":
		return false
	default:
		return true
	}
}

func toLowerPrefix(s string, n int) string {
	if len(s) > n {
		s = s[:n]
	}
	word := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ' ' || c == '\t' || c == '\n' || c == '(' {
			break
		}
		if c >= 'A' && c <= 'Z' {
			c += 32
		}
		word = append(word, c)
	}
	return string(word)
}

// Execute runs sql against dbID and returns a channel of Events. The
// channel is closed once the terminal done/error event has been sent.
// The caller (the API surface) is responsible for draining it promptly
// — the pipeline never buffers more than one event ahead, so a stalled
// consumer backpressures the CLI subprocess itself (spec §5).
func (p *Pipeline) Execute(ctx context.Context, dbID uuid.UUID, sql string, format Format) (<-chan Event, error) {
	if IsMutating(sql) && p.reg.IsReadOnly(dbID) {
		return nil, apperr.New(apperr.DbSizeExceeded, "instance exceeds its size cap and is read-only")
	}

	host, dl, err := p.reg.Host(dbID)
	if err != nil {
		return nil, err
	}

	if err := p.reg.BeginQuery(ctx, dbID); err != nil {
		return nil, err
	}

	out := make(chan Event) // unbuffered: exactly one event ahead of the consumer.

	go p.run(ctx, dbID, host, dl, sql, format, out)

	return out, nil
}

func (p *Pipeline) run(ctx context.Context, dbID uuid.UUID, host *pool.HostContainer, dl dialect.Dialect, sql string, format Format, out chan<- Event) {
	defer close(out)
	start := time.Now()
	defer func() {
		p.reg.EndQuery(dbID)
	}()

	inst, err := p.reg.Get(dbID)
	if err != nil {
		out <- Event{Kind: KindError, Code: string(apperr.DbNotFound), Message: err.Error()}
		return
	}
	creds := dialect.Credentials{DBName: inst.DBName, User: inst.User, Password: inst.Password}

	var cmd dialect.Command
	if format == FormatText {
		cmd = dl.QueryCommandText(creds, sql)
	} else {
		cmd = dl.QueryCommand(creds, sql)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()

	stream, err := p.daemon.ExecStream(timeoutCtx, host.ContainerID, toDaemonCommand(cmd))
	if err != nil {
		out <- Event{Kind: KindError, Code: string(apperr.Internal), Message: err.Error()}
		return
	}

	merged := make(chan Event)
	var parsers sync.WaitGroup
	parsers.Add(2)
	go func() {
		defer parsers.Done()
		parseStdout(stream.Stdout, dl, merged)
	}()
	go func() {
		defer parsers.Done()
		parseStderr(stream.Stderr, dl, merged)
	}()
	go func() {
		parsers.Wait()
		close(merged)
	}()

	forwarding := true
	for forwarding {
		select {
		case ev, ok := <-merged:
			if !ok {
				forwarding = false
				break
			}
			select {
			case out <- ev:
			case <-timeoutCtx.Done():
				stream.Kill()
			}
		case <-timeoutCtx.Done():
			stream.Kill()
			for range merged { // let both parsers observe the killed stream and exit.
			}
			if ctx.Err() != nil {
				out <- Event{Kind: KindError, Code: "CLIENT_DISCONNECTED", Message: "client disconnected"}
			} else {
				out <- Event{Kind: KindError, Code: string(apperr.QueryTimeout), Message: "query exceeded timeout"}
			}
			forwarding = false
		}
	}

	if _, err := stream.Wait(); err != nil {
		p.log.WithError(err).WithField("db_id", dbID).Warn("exec stream ended with error")
	}

	if err := p.reg.Touch(ctx, dbID); err != nil {
		p.log.WithError(err).WithField("db_id", dbID).Warn("failed to touch instance after query")
	}

	p.maybeSampleSize(ctx, dbID, host, dl, creds)

	elapsed := time.Since(start)
	outcome := "ok"
	if timeoutCtx.Err() != nil {
		outcome = "timeout"
	}
	metrics.CounterQueriesExecuted.WithLabelValues(dl.Name(), outcome).Inc()
	metrics.HistogramQueryDurationSeconds.WithLabelValues(dl.Name()).Observe(elapsed.Seconds())

	out <- Event{Kind: KindDone, ElapsedMs: elapsed.Milliseconds()}
}

func (p *Pipeline) maybeSampleSize(ctx context.Context, dbID uuid.UUID, host *pool.HostContainer, dl dialect.Dialect, creds dialect.Credentials) {
	if !p.reg.ShouldSampleSize(dbID, p.sizeProbeN) {
		return
	}

	res, err := p.pool.ExecSQL(ctx, dl, host, dl.SizeProbeSQL(creds))
	if err != nil {
		p.log.WithError(err).WithField("db_id", dbID).Warn("size probe failed")
		return
	}

	sizeBytes := parseSizeProbe(res.Stdout)
	maxBytes := int64(p.maxDBSizeMB) * 1024 * 1024
	if err := p.reg.SetSize(ctx, dbID, sizeBytes, maxBytes); err != nil {
		p.log.WithError(err).WithField("db_id", dbID).Warn("failed to record sampled size")
	}
}

func toDaemonCommand(cmd dialect.Command) daemon.Command {
	env := make([]string, 0, len(cmd.Env))
	for _, e := range cmd.Env {
		env = append(env, e.Key+"="+e.Value)
	}
	return daemon.Command{Bin: cmd.Bin, Args: cmd.Args, Env: env}
}
