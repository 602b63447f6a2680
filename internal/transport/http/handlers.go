package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/integritystudio/scanforge/internal/engine"
)

// ScanJobType is the jobType a dashboard-facing scan request enqueues
// under; the dupdetect worker serves it. The docgen and cleanup workers
// register under their own jobTypes and have no route here; they are
// reached through the engine's Control API directly.
const ScanJobType = "scan"

// Control is the Control API surface this transport exercises. It is
// satisfied by *engine.Engine; tests can substitute a stub.
type Control interface {
	CreateJobWithID(id, jobType string, data json.RawMessage, fingerprint string) (string, error)
	GetJob(id string) (engine.Snapshot, bool)
	ListJobs(filter engine.ListFilter) []engine.Snapshot
	GetStats() engine.Stats
	CancelJob(id string) engine.OpResult
	PauseJob(id string) engine.OpResult
	ResumeJob(id string) engine.OpResult
}

// Handlers wires the Control API onto gin.HandlerFunc values. It never
// imports gin.Engine construction itself — that's Router's job — so it's
// reusable from the WS transport's initial stats echo too.
type Handlers struct {
	ctrl Control
}

func NewHandlers(ctrl Control) *Handlers {
	return &Handlers{ctrl: ctrl}
}

// errorBody is spec §6's uniform error shape: `{error, message, timestamp,
// status?, details?}`.
func errorBody(c *gin.Context, status int, code, message string, details any) {
	c.JSON(status, gin.H{
		"error":     code,
		"message":   message,
		"timestamp": time.Now(),
		"status":    status,
		"details":   details,
	})
}

type createScanRequest struct {
	RepositoryPath string          `json:"repositoryPath" binding:"required"`
	Options        json.RawMessage `json:"options,omitempty"`
}

// CreateScan implements `POST create-scan` (spec §6).
func (h *Handlers) CreateScan(c *gin.Context) {
	var req createScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorBody(c, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}

	data, err := json.Marshal(struct {
		RepositoryPath string          `json:"repositoryPath"`
		Options        json.RawMessage `json:"options,omitempty"`
	}{RepositoryPath: req.RepositoryPath, Options: req.Options})
	if err != nil {
		errorBody(c, http.StatusInternalServerError, "marshal_failed", err.Error(), nil)
		return
	}

	id := uuid.NewString()
	scanID, err := h.ctrl.CreateJobWithID(id, ScanJobType, data, "")
	if err != nil {
		errorBody(c, http.StatusUnprocessableEntity, "create_failed", err.Error(), nil)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"scanId":    scanID,
		"status":    engine.StatusQueued,
		"timestamp": time.Now(),
	})
}

type createMultiScanRequest struct {
	RepositoryPaths []string `json:"repositoryPaths" binding:"required"`
	GroupName       string   `json:"groupName,omitempty"`
}

// CreateMultiScan implements `POST create-multi-scan`. One job is
// enqueued per repository path; the group is a client-side correlation
// label only — the engine has no group concept of its own (spec §3/§4.2
// name no grouped-job construct).
func (h *Handlers) CreateMultiScan(c *gin.Context) {
	var req createMultiScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorBody(c, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	if len(req.RepositoryPaths) == 0 {
		errorBody(c, http.StatusBadRequest, "invalid_request", "repositoryPaths must not be empty", nil)
		return
	}

	scanIDs := make([]string, 0, len(req.RepositoryPaths))
	for _, path := range req.RepositoryPaths {
		data, err := json.Marshal(struct {
			RepositoryPath string `json:"repositoryPath"`
			GroupName      string `json:"groupName,omitempty"`
		}{RepositoryPath: path, GroupName: req.GroupName})
		if err != nil {
			errorBody(c, http.StatusInternalServerError, "marshal_failed", err.Error(), nil)
			return
		}
		id, err := h.ctrl.CreateJobWithID(uuid.NewString(), ScanJobType, data, "")
		if err != nil {
			errorBody(c, http.StatusUnprocessableEntity, "create_failed", err.Error(), nil)
			return
		}
		scanIDs = append(scanIDs, id)
	}
	c.JSON(http.StatusAccepted, gin.H{
		"scanIds":   scanIDs,
		"groupName": req.GroupName,
		"status":    engine.StatusQueued,
		"timestamp": time.Now(),
	})
}

// GetJob implements `GET job/{id}`.
func (h *Handlers) GetJob(c *gin.Context) {
	id := c.Param("id")
	snap, ok := h.ctrl.GetJob(id)
	if !ok {
		errorBody(c, http.StatusNotFound, "not_found", "no job with that id", nil)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// ListJobs implements `GET jobs?status=&type=&limit=`.
func (h *Handlers) ListJobs(c *gin.Context) {
	filter := engine.ListFilter{
		Status: engine.Status(c.Query("status")),
		Type:   c.Query("type"),
	}
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.Limit = n
		}
	}
	c.JSON(http.StatusOK, h.ctrl.ListJobs(filter))
}

// Stats implements `GET stats`.
func (h *Handlers) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctrl.GetStats())
}

// CancelJob implements `POST cancel/{id}`.
func (h *Handlers) CancelJob(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctrl.CancelJob(c.Param("id")))
}

// PauseJob implements `POST pause/{id}`.
func (h *Handlers) PauseJob(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctrl.PauseJob(c.Param("id")))
}

// ResumeJob implements `POST resume/{id}`.
func (h *Handlers) ResumeJob(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctrl.ResumeJob(c.Param("id")))
}
