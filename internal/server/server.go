package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/dbsandbox/api/internal/config"
	"github.com/dbsandbox/api/internal/daemon"
	"github.com/dbsandbox/api/internal/dialect"
	"github.com/dbsandbox/api/internal/handlers"
	"github.com/dbsandbox/api/internal/metadata"
	"github.com/dbsandbox/api/internal/objectstore"
	"github.com/dbsandbox/api/internal/pool"
	"github.com/dbsandbox/api/internal/query"
	"github.com/dbsandbox/api/internal/reaper"
	"github.com/dbsandbox/api/internal/registry"
	"github.com/dbsandbox/api/internal/routes"
	"github.com/dbsandbox/api/internal/snapshot"
)

const (
	capacityPerHost     = 8
	sizeProbeEveryN     = 10
	healthCheckInterval = 30 * time.Second
)

// Server bundles the HTTP listener with the background components that
// must be stopped alongside it (the pool's health checker and the
// reaper), so main can shut everything down in the right order.
type Server struct {
	HTTP   *http.Server
	pool   *pool.Pool
	store  metadata.Store
	cancel context.CancelFunc
}

// New builds the full dependency graph described in spec §9's
// component responsibilities and returns a Server ready to run.
func New(cfg *config.Config, log *logrus.Entry) (*Server, error) {
	d, err := daemon.New(log)
	if err != nil {
		return nil, fmt.Errorf("connect to container daemon: %w", err)
	}

	store, err := metadata.Open(cfg.MetadataDBPath)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	var objs objectstore.Store
	if cfg.HasR2Credentials() {
		objs, err = objectstore.New(objectstore.Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			Bucket:          cfg.R2Bucket,
		})
		if err != nil {
			return nil, fmt.Errorf("configure object store: %w", err)
		}
	} else {
		log.Warn("backup object store not configured; backup/download/restore will fail")
		objs = objectstore.Unconfigured()
	}

	p := pool.New(d, log, cfg.MaxHostsPerDialect, cfg.ContainerMemoryMB, capacityPerHost)
	reg := registry.New(store, p, d, log, cfg.InactivityTimeout, cfg.QueryTimeout)
	pipeline := query.New(reg, d, p, log, cfg.QueryTimeout, cfg.MaxDBSizeMB, sizeProbeEveryN)
	snap := snapshot.New(reg, p, d, store, objs, log)
	rpr := reaper.New(reg, snap, log, cfg.ReaperInterval, cfg.BackupOnExpiry)

	ctx, cancel := context.WithCancel(context.Background())
	if err := recoverState(ctx, reg, p); err != nil {
		cancel()
		return nil, fmt.Errorf("recover state from prior run: %w", err)
	}

	go p.RunHealthChecks(ctx, healthCheckInterval, dialect.Get)
	go rpr.Run(ctx)

	dbHandler := handlers.New(reg, pipeline, snap, store, d, log)

	router := gin.New()
	router.Use(gin.Recovery(), ginLogger(log))
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type"},
	}))
	routes.RegisterRoutes(router, dbHandler)

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.QueryTimeout + 30*time.Second,
	}

	return &Server{HTTP: httpServer, pool: p, store: store, cancel: cancel}, nil
}

// recoverState reconciles the durable registry with whatever host
// containers survived (or were left behind by) a prior process, per
// spec §4.9.
func recoverState(ctx context.Context, reg *registry.Registry, p *pool.Pool) error {
	hostsByID, err := p.Recover(ctx)
	if err != nil {
		return err
	}
	return reg.Recover(ctx, hostsByID)
}

// Shutdown stops the background reaper and pool health checker (both
// keyed off the same cancelable context), then gives the HTTP server
// the remaining grace period to drain in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	s.pool.Stop()
	defer s.store.Close()
	return s.HTTP.Shutdown(ctx)
}

func ginLogger(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Info("request")
	}
}
