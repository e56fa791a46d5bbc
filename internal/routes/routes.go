// Package routes wires the HTTP surface (spec §6) onto a gin.Engine, in
// the teacher's per-resource RegisterRoutes(router *gin.RouterGroup)
// style (see the teacher's internal/routes/routes.go).
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbsandbox/api/internal/handlers"
)

// DBRoutes groups every endpoint that operates on a single database
// instance or its backups.
type DBRoutes struct {
	handler *handlers.DBHandler
}

// NewDBRoutes constructs a DBRoutes.
func NewDBRoutes(h *handlers.DBHandler) *DBRoutes {
	return &DBRoutes{handler: h}
}

// RegisterRoutes attaches the /db group to router.
func (r *DBRoutes) RegisterRoutes(router *gin.RouterGroup) {
	db := router.Group("/db")
	db.POST("/new", r.handler.CreateDB)
	db.GET("/:id", r.handler.GetDB)
	db.DELETE("/:id", r.handler.DeleteDB)
	db.POST("/:id/query", r.handler.Query)
	db.POST("/:id/fork", r.handler.Fork)
	db.POST("/:id/backup", r.handler.Backup)
	db.GET("/:id/backup/:bid", r.handler.DownloadBackup)
	db.POST("/:id/restore/:bid", r.handler.Restore)
}

// RegisterRoutes mounts every route group onto router, plus the
// operational endpoints every deployment needs regardless of what the
// spec's Non-goals exclude from the domain surface.
func RegisterRoutes(router *gin.Engine, dbHandler *handlers.DBHandler) {
	router.GET("/health", dbHandler.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	NewDBRoutes(dbHandler).RegisterRoutes(router.Group("/"))
}
