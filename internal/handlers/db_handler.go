// Package handlers is the thin HTTP translation layer between Gin and
// the core operations (spec §4.10), in the teacher's handler-struct
// style (see the teacher's internal/handlers/query_handler.go).
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dbsandbox/api/internal/apperr"
	"github.com/dbsandbox/api/internal/daemon"
	"github.com/dbsandbox/api/internal/dialect"
	"github.com/dbsandbox/api/internal/instance"
	"github.com/dbsandbox/api/internal/metadata"
	"github.com/dbsandbox/api/internal/query"
	"github.com/dbsandbox/api/internal/registry"
	"github.com/dbsandbox/api/internal/responses"
	"github.com/dbsandbox/api/internal/snapshot"
)

// DBHandler implements every row of the HTTP table in spec §6 that
// touches a database instance.
type DBHandler struct {
	registry *registry.Registry
	pipeline *query.Pipeline
	snapshot *snapshot.Engine
	store    metadata.Store
	daemon   daemon.Daemon
	log      *logrus.Entry
}

// New constructs a DBHandler.
func New(reg *registry.Registry, pipeline *query.Pipeline, snap *snapshot.Engine, store metadata.Store, d daemon.Daemon, log *logrus.Entry) *DBHandler {
	return &DBHandler{registry: reg, pipeline: pipeline, snapshot: snap, store: store, daemon: d, log: log}
}

type createDBRequest struct {
	Dialect string     `json:"dialect" binding:"required"`
	DBID    *uuid.UUID `json:"db_id,omitempty"`
}

// CreateDB handles POST /db/new, including the recovered "restore if
// archived" path when db_id names an instance with a standing backup
// (spec §7 supplement).
func (h *DBHandler) CreateDB(c *gin.Context) {
	var req createDBRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.Fail(c, http.StatusBadRequest, err, "dialect is required")
		return
	}

	dl, err := dialect.Get(req.Dialect)
	if err != nil {
		responses.FailErr(c, err)
		return
	}

	inst, err := h.registry.Create(c.Request.Context(), dl)
	if err != nil {
		responses.FailErr(c, err)
		return
	}

	restored := false
	if req.DBID != nil {
		backups, err := h.store.ListBackupsForInstance(c.Request.Context(), *req.DBID)
		if err == nil && len(backups) > 0 {
			if err := h.snapshot.Restore(c.Request.Context(), inst.ID, backups[0].ID); err == nil {
				restored = true
			} else {
				h.log.WithError(err).WithField("db_id", inst.ID).Warn("failed to restore from archived backup on create")
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"db_id":    inst.ID,
		"dialect":  inst.Dialect,
		"status":   "ready",
		"restored": restored,
	})
}

// GetDB handles GET /db/{id}, including the "destroying" status and
// backup_available supplement recovered from original_source.
func (h *DBHandler) GetDB(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		responses.Fail(c, http.StatusBadRequest, err, "invalid db id")
		return
	}

	inst, err := h.registry.Get(id)
	if err != nil {
		h.getArchived(c, id)
		return
	}

	backups, _ := h.store.ListBackupsForInstance(c.Request.Context(), id)

	c.JSON(http.StatusOK, gin.H{
		"db_id":            inst.ID,
		"dialect":          inst.Dialect,
		"status":           inst.Status(),
		"created_at":       inst.CreatedAt,
		"last_activity":    inst.LastActivityAt,
		"expires_at":       inst.ExpiresAt,
		"backup_available": len(backups) > 0,
	})
}

func (h *DBHandler) getArchived(c *gin.Context, id uuid.UUID) {
	backups, err := h.store.ListBackupsForInstance(c.Request.Context(), id)
	if err != nil || len(backups) == 0 {
		responses.FailErr(c, apperr.New(apperr.DbNotFound, "no such database: "+id.String()))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"db_id":            id,
		"dialect":          backups[0].Dialect,
		"status":           "destroying",
		"backup_available": true,
		"archived_at":      backups[0].CreatedAt,
	})
}

// DeleteDB handles DELETE /db/{id}.
func (h *DBHandler) DeleteDB(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		responses.Fail(c, http.StatusBadRequest, err, "invalid db id")
		return
	}
	if err := h.registry.Destroy(c.Request.Context(), id, "manual"); err != nil {
		responses.FailErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"db_id": id, "status": "destroyed"})
}

type queryRequest struct {
	SQL       string `json:"sql" binding:"required"`
	Transport string `json:"transport,omitempty"`
}

// Query handles POST /db/{id}/query?format=text|json|jsonl, resolving
// format/transport exactly as original_source/src/api/db.rs::resolve_format
// does (spec §7 supplement).
func (h *DBHandler) Query(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		responses.Fail(c, http.StatusBadRequest, err, "invalid db id")
		return
	}

	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.Fail(c, http.StatusBadRequest, err, "sql is required")
		return
	}

	format := resolveFormat(c.Query("format"), req.Transport)

	events, err := h.pipeline.Execute(c.Request.Context(), id, req.SQL, format)
	if err != nil {
		responses.FailErr(c, err)
		return
	}

	switch format {
	case query.FormatText:
		c.String(http.StatusOK, responses.WriteText(c, events))
	case query.FormatJSON:
		c.JSON(http.StatusOK, responses.AggregateJSON(events))
	default:
		responses.WriteSSE(c, events)
	}
}

func resolveFormat(formatParam, transport string) query.Format {
	switch formatParam {
	case "text":
		return query.FormatText
	case "json":
		return query.FormatJSON
	case "jsonl":
		return query.FormatJSONL
	}
	if transport == "sse" {
		return query.FormatJSONL
	}
	return query.FormatJSON
}

// Fork handles POST /db/{id}/fork.
func (h *DBHandler) Fork(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		responses.Fail(c, http.StatusBadRequest, err, "invalid db id")
		return
	}

	child, err := h.snapshot.Fork(c.Request.Context(), id)
	if err != nil {
		responses.FailErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"db_id":       child.ID,
		"forked_from": forkedFromOrNil(child),
		"dialect":     child.Dialect,
		"status":      "ready",
	})
}

func forkedFromOrNil(inst *instance.Instance) interface{} {
	if inst.ForkedFrom == nil {
		return nil
	}
	return *inst.ForkedFrom
}

// Backup handles POST /db/{id}/backup.
func (h *DBHandler) Backup(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		responses.Fail(c, http.StatusBadRequest, err, "invalid db id")
		return
	}

	b, err := h.snapshot.Backup(c.Request.Context(), id, "manual")
	if err != nil {
		responses.FailErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"backup_id":  b.ID,
		"db_id":      b.SourceDBID,
		"created_at": b.CreatedAt,
		"expires_at": b.ExpiresAt,
		"size_bytes": b.SizeBytes,
	})
}

// DownloadBackup handles GET /db/{id}/backup/{bid}.
func (h *DBHandler) DownloadBackup(c *gin.Context) {
	backupID, err := uuid.Parse(c.Param("bid"))
	if err != nil {
		responses.Fail(c, http.StatusBadRequest, err, "invalid backup id")
		return
	}

	reader, b, err := h.snapshot.Download(c.Request.Context(), backupID)
	if err != nil {
		responses.FailErr(c, err)
		return
	}
	defer reader.Close()

	c.Header("Content-Disposition", "attachment; filename=\""+b.ID.String()+".sql\"")
	c.DataFromReader(http.StatusOK, -1, "application/octet-stream", reader, nil)
}

// Restore handles POST /db/{id}/restore/{bid}.
func (h *DBHandler) Restore(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		responses.Fail(c, http.StatusBadRequest, err, "invalid db id")
		return
	}
	backupID, err := uuid.Parse(c.Param("bid"))
	if err != nil {
		responses.Fail(c, http.StatusBadRequest, err, "invalid backup id")
		return
	}

	if err := h.snapshot.Restore(c.Request.Context(), id, backupID); err != nil {
		responses.FailErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"db_id": id, "backup_id": backupID, "status": "restored"})
}

// Health handles GET /health, each field a live capability ping rather
// than a cached flag (spec §7 supplement).
func (h *DBHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	dockerStatus := "ok"
	if err := h.daemon.Ping(ctx); err != nil {
		dockerStatus = "unavailable"
	}

	metadataStatus := "ok"
	if err := h.store.Ping(ctx); err != nil {
		metadataStatus = "unavailable"
	}

	status := "ok"
	if dockerStatus != "ok" || metadataStatus != "ok" {
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   status,
		"docker":   dockerStatus,
		"metadata": metadataStatus,
	})
}

func parseID(c *gin.Context) (uuid.UUID, error) {
	return uuid.Parse(c.Param("id"))
}
