// Package http contains the REST handlers for the session API. The
// principal is supplied by an external authentication collaborator as an
// opaque owner ID header; no identity is issued here.
package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vibecodehq/backend/internal/container"
	"github.com/vibecodehq/backend/internal/logging"
	"github.com/vibecodehq/backend/internal/monitoring"
	"github.com/vibecodehq/backend/internal/registry"
	"github.com/vibecodehq/backend/internal/runner"
	"github.com/vibecodehq/backend/internal/types"
	"github.com/vibecodehq/backend/internal/workspace"
)

// OwnerHeader carries the opaque principal identifier
const OwnerHeader = "X-Owner-ID"

// Handlers contains all HTTP handlers
type Handlers struct {
	manager  *container.Manager
	registry *registry.Registry
	guard    *workspace.Guard
	runner   *runner.Runner
	metrics  *monitoring.Metrics
	log      *logging.Logger
}

// NewHandlers creates a new handler set
func NewHandlers(
	manager *container.Manager,
	reg *registry.Registry,
	guard *workspace.Guard,
	run *runner.Runner,
	metrics *monitoring.Metrics,
	log *logging.Logger,
) *Handlers {
	return &Handlers{
		manager:  manager,
		registry: reg,
		guard:    guard,
		runner:   run,
		metrics:  metrics,
		log:      log,
	}
}

// Health handles the health check
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"runtime_healthy": h.manager.RuntimeHealthy(),
	})
}

func (h *Handlers) owner(c *gin.Context) (string, bool) {
	owner := c.GetHeader(OwnerHeader)
	if owner == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing " + OwnerHeader, "code": "unauthenticated"})
		return "", false
	}
	return owner, true
}

func (h *Handlers) session(c *gin.Context) (*types.Session, bool) {
	owner, ok := h.owner(c)
	if !ok {
		return nil, false
	}
	sess, err := h.registry.Get(c.Request.Context(), owner, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return sess, true
}

func (h *Handlers) refreshUnitsGauge(c *gin.Context) {
	running, err := h.registry.Running(c.Request.Context())
	if err == nil {
		h.metrics.UnitsActive.Set(float64(len(running)))
	}
}

// CreateSession creates a session with a fresh volume and a running unit
func (h *Handlers) CreateSession(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
		return
	}

	sess, err := h.manager.CreateSession(c.Request.Context(), owner, req.Name)
	if err != nil {
		respondError(c, err)
		return
	}

	h.metrics.SessionsCreated.Inc()
	h.refreshUnitsGauge(c)
	c.JSON(http.StatusCreated, gin.H{
		"session":       sess,
		"terminal_path": "/sessions/" + sess.ID + "/terminal",
	})
}

// ListSessions lists the owner's non-deleted sessions
func (h *Handlers) ListSessions(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}
	sessions, err := h.registry.List(c.Request.Context(), owner)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// OpenSession resumes a session, materializing its unit if needed
func (h *Handlers) OpenSession(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}

	sess, err := h.manager.Open(c.Request.Context(), owner, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	h.metrics.SessionsOpened.Inc()
	h.refreshUnitsGauge(c)
	c.JSON(http.StatusOK, gin.H{
		"session":       sess,
		"terminal_path": "/sessions/" + sess.ID + "/terminal",
	})
}

// SuspendSession stops the session's unit, retaining its volume
func (h *Handlers) SuspendSession(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}

	if err := h.manager.Suspend(c.Request.Context(), owner, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}

	h.metrics.SessionsSuspended.Inc()
	h.refreshUnitsGauge(c)
	c.JSON(http.StatusOK, gin.H{"status": string(types.StatusSuspended)})
}

// DeleteSession deletes the session; the volume is removed only with
// ?force_volume=true
func (h *Handlers) DeleteSession(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}

	force := c.Query("force_volume") == "true"
	if err := h.manager.Destroy(c.Request.Context(), owner, c.Param("id"), force); err != nil {
		respondError(c, err)
		return
	}

	h.metrics.SessionsDeleted.Inc()
	h.refreshUnitsGauge(c)
	c.JSON(http.StatusOK, gin.H{"status": string(types.StatusDeleted), "volume_removed": force})
}

// FileTree returns the session's workspace tree
func (h *Handlers) FileTree(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	tree, err := h.guard.Tree(sess)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tree": tree})
}

// CreateFile creates a file or directory in the workspace
func (h *Handlers) CreateFile(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}

	var req struct {
		Path string `json:"path" binding:"required"`
		Kind string `json:"kind"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
		return
	}

	if err := h.guard.Create(sess, req.Path, req.Kind); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"path": req.Path})
}

// SaveFile writes file contents
func (h *Handlers) SaveFile(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}

	var req struct {
		Path    string `json:"path" binding:"required"`
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
		return
	}

	if err := h.guard.Write(sess, req.Path, []byte(req.Content)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": req.Path, "size": len(req.Content)})
}

// ReadFile returns file contents
func (h *Handlers) ReadFile(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}

	path := c.Query("path")
	data, err := h.guard.Read(sess, path)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path, "content": string(data)})
}

// RenameFile renames a file or directory
func (h *Handlers) RenameFile(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}

	var req struct {
		OldPath   string `json:"old_path" binding:"required"`
		NewPath   string `json:"new_path" binding:"required"`
		Overwrite bool   `json:"overwrite"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
		return
	}

	if err := h.guard.Rename(sess, req.OldPath, req.NewPath, req.Overwrite); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": req.NewPath})
}

// MoveFile moves a file or directory into a destination directory
func (h *Handlers) MoveFile(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}

	var req struct {
		SrcPath   string `json:"src_path" binding:"required"`
		DestDir   string `json:"dest_dir" binding:"required"`
		Overwrite bool   `json:"overwrite"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
		return
	}

	if err := h.guard.Move(sess, req.SrcPath, req.DestDir, req.Overwrite); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"src": req.SrcPath, "dest": req.DestDir})
}

// DeleteFile soft-deletes the target into the trash area
func (h *Handlers) DeleteFile(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}

	entry, err := h.guard.Delete(sess, c.Query("path"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trashed": entry})
}

// ListTrash lists the session's trash entries
func (h *Handlers) ListTrash(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}

	entries, err := h.guard.Trash(sess)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// RestoreTrash restores a trash entry to its original path
func (h *Handlers) RestoreTrash(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}

	var req struct {
		ID string `json:"id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
		return
	}

	if err := h.guard.Restore(sess, req.ID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"restored": req.ID})
}

// Execute runs a one-shot command inside the session's unit
func (h *Handlers) Execute(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}

	var req struct {
		types.CommandSpec
		TimeoutSeconds int `json:"timeout_seconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
		return
	}

	start := time.Now()
	result, err := h.runner.Run(c.Request.Context(), sess, req.CommandSpec,
		time.Duration(req.TimeoutSeconds)*time.Second)
	if err != nil {
		h.metrics.RecordExecution("error", time.Since(start))
		respondError(c, err)
		return
	}

	status := "ok"
	if result.TimedOut {
		status = "timeout"
	}
	h.metrics.RecordExecution(status, time.Since(start))
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// AdminVolumes lists durable volumes retained for deleted sessions. This
// is the recovery path for data deleted without the force flag.
func (h *Handlers) AdminVolumes(c *gin.Context) {
	retained, err := h.registry.RetainedVolumes(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	stored, err := h.manager.Volumes().List()
	if err != nil {
		h.log.Warn("volume store listing failed", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"retained": retained, "volumes": stored})
}
