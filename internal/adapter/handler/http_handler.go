package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dshryn/bandwidth-allocator/internal/core/domain"
	"github.com/dshryn/bandwidth-allocator/internal/core/port"
	"github.com/dshryn/bandwidth-allocator/internal/core/service"
)

const (
	usageLimit   = 200
	historyLimit = 500
	eventsLimit  = 50
	anomalyLimit = 20
)

// --- Request Structs ---

type SetPriorityRequest struct {
	IP       string `json:"ip" binding:"required" example:"192.168.0.2"`
	Priority *int   `json:"priority" binding:"required" example:"1"`
	Iface    string `json:"iface" example:"eth0"`
}

type BlockRequest struct {
	IP     string `json:"ip" binding:"required" example:"192.168.0.3"`
	Reason string `json:"reason" example:"admin_block"`
}

type UnblockRequest struct {
	IP string `json:"ip" binding:"required" example:"192.168.0.3"`
}

type AutoToggleRequest struct {
	Auto *bool `json:"auto" example:"true"`
}

// AllocationHandler exposes the allocation engine and the usage store over HTTP.
type AllocationHandler struct {
	svc       port.AllocationService
	store     port.UsageStore
	counters  port.HostCounters
	anomalies port.AnomalyLog
	jobs      port.JobSchedule
	iface     string
	log       *slog.Logger
}

// NewAllocationHandler wires the control surface. counters may be nil.
func NewAllocationHandler(svc port.AllocationService, store port.UsageStore, counters port.HostCounters, iface string, logger *slog.Logger) *AllocationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AllocationHandler{
		svc:      svc,
		store:    store,
		counters: counters,
		iface:    iface,
		log:      logger.With("component", "http"),
	}
}

// WithAnomalyLog enables GET /api/anomalies.
func (h *AllocationHandler) WithAnomalyLog(log port.AnomalyLog) *AllocationHandler {
	h.anomalies = log
	return h
}

// WithJobs lists the maintenance schedule on GET /api/jobs.
func (h *AllocationHandler) WithJobs(jobs port.JobSchedule) *AllocationHandler {
	h.jobs = jobs
	return h
}

// RegisterRoutes mounts every endpoint under /api.
func (h *AllocationHandler) RegisterRoutes(r gin.IRouter) {
	api := r.Group("/api")

	api.GET("/status", h.StatusHandler)
	api.POST("/engine/start", h.StartEngineHandler)
	api.POST("/engine/stop", h.StopEngineHandler)
	api.GET("/jobs", h.JobsHandler)

	api.GET("/devices", h.ListDevicesHandler)
	api.POST("/discover", h.DiscoverHandler)
	api.GET("/usage", h.UsageHandler)
	api.GET("/history", h.HistoryHandler)
	api.GET("/events", h.EventsHandler)
	api.GET("/metrics", h.MetricsHandler)
	api.GET("/anomalies", h.AnomaliesHandler)

	api.POST("/set_priority", h.SetPriorityHandler)
	api.POST("/block", h.BlockHandler)
	api.POST("/unblock", h.UnblockHandler)
	api.GET("/blocked", h.ListBlockedHandler)

	api.GET("/auto_toggle", h.GetAutoModeHandler)
	api.POST("/auto_toggle", h.AutoToggleHandler)
}

func (h *AllocationHandler) fail(c *gin.Context, status int, msg string, err error) {
	if status >= http.StatusInternalServerError {
		h.log.Error(msg, "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"ok": false, "error": fmt.Sprintf("%s: %v", msg, err)})
}

// --- Engine ---

// StatusHandler
// @Summary Engine status.
// @Description Running flag, auto mode, sampler and backend names, thresholds and tracked devices.
// @Tags Engine
// @Produce json
// @Success 200 {object} port.EngineStatus
// @Router /api/status [get]
func (h *AllocationHandler) StatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Status())
}

// StartEngineHandler
// @Summary Starts the allocation loop.
// @Tags Engine
// @Produce json
// @Success 200 {object} map[string]interface{} "ok: true"
// @Failure 409 {object} map[string]string "error: already running or still stopping"
// @Router /api/engine/start [post]
func (h *AllocationHandler) StartEngineHandler(c *gin.Context) {
	if err := h.svc.Start(c.Request.Context()); err != nil {
		if errors.Is(err, service.ErrEngineRunning) || errors.Is(err, service.ErrEngineStopping) {
			h.fail(c, http.StatusConflict, "Cannot start engine", err)
			return
		}
		h.fail(c, http.StatusInternalServerError, "Failed to start engine", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": h.svc.Status()})
}

// StopEngineHandler
// @Summary Stops the allocation loop after the current flush.
// @Tags Engine
// @Produce json
// @Success 200 {object} map[string]interface{} "ok: true"
// @Failure 409 {object} map[string]string "error: not running"
// @Router /api/engine/stop [post]
func (h *AllocationHandler) StopEngineHandler(c *gin.Context) {
	if err := h.svc.Stop(); err != nil {
		if errors.Is(err, service.ErrEngineNotRunning) {
			h.fail(c, http.StatusConflict, "Cannot stop engine", err)
			return
		}
		h.fail(c, http.StatusInternalServerError, "Failed to stop engine", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// JobsHandler
// @Summary Maintenance jobs and their next run.
// @Tags Engine
// @Produce json
// @Success 200 {object} map[string]interface{} "jobs"
// @Router /api/jobs [get]
func (h *AllocationHandler) JobsHandler(c *gin.Context) {
	jobs := []port.JobInfo{}
	if h.jobs != nil {
		jobs = h.jobs.Schedule()
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// --- Registry & usage ---

// ListDevicesHandler
// @Summary Lists registered devices.
// @Tags Devices
// @Produce json
// @Success 200 {object} map[string]interface{} "devices"
// @Router /api/devices [get]
func (h *AllocationHandler) ListDevicesHandler(c *gin.Context) {
	devices, err := h.store.ListDevices(c.Request.Context())
	if err != nil {
		h.fail(c, http.StatusInternalServerError, "Failed to list devices", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

// DiscoverHandler
// @Summary Scans the local network and registers devices.
// @Tags Devices
// @Produce json
// @Success 200 {object} map[string]interface{} "ok, devices"
// @Failure 500 {object} map[string]string "error: Discovery failed"
// @Router /api/discover [post]
func (h *AllocationHandler) DiscoverHandler(c *gin.Context) {
	found, err := h.svc.Discover(c.Request.Context())
	if err != nil {
		_ = h.store.AppendEvent(c.Request.Context(), domain.EventError, fmt.Sprintf("Discovery failed: %v", err))
		h.fail(c, http.StatusInternalServerError, "Discovery failed", err)
		return
	}
	devices, err := h.store.ListDevices(c.Request.Context())
	if err != nil {
		h.fail(c, http.StatusInternalServerError, "Failed to list devices", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "discovered": len(found), "devices": devices})
}

// UsageHandler
// @Summary Most recent usage samples across all devices, newest first.
// @Tags Usage
// @Produce json
// @Success 200 {object} map[string]interface{} "usage"
// @Router /api/usage [get]
func (h *AllocationHandler) UsageHandler(c *gin.Context) {
	usage, err := h.store.RecentUsage(c.Request.Context(), usageLimit)
	if err != nil {
		h.fail(c, http.StatusInternalServerError, "Failed to load usage", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": usage})
}

// HistoryHandler
// @Summary Usage history of one device, oldest first.
// @Tags Usage
// @Produce json
// @Param ip query string true "Device IP"
// @Success 200 {object} map[string]interface{} "ok, history"
// @Failure 400 {object} map[string]string "error: ip required"
// @Router /api/history [get]
func (h *AllocationHandler) HistoryHandler(c *gin.Context) {
	ip := strings.TrimSpace(c.Query("ip"))
	if ip == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "ip required"})
		return
	}
	history, err := h.store.RecentSamples(c.Request.Context(), ip, historyLimit)
	if err != nil {
		h.fail(c, http.StatusInternalServerError, "Failed to load history", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "history": history})
}

// EventsHandler
// @Summary Latest events, newest first.
// @Tags Usage
// @Produce json
// @Success 200 {object} map[string]interface{} "events"
// @Router /api/events [get]
func (h *AllocationHandler) EventsHandler(c *gin.Context) {
	events, err := h.store.ListEvents(c.Request.Context(), eventsLimit)
	if err != nil {
		h.fail(c, http.StatusInternalServerError, "Failed to load events", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// MetricsHandler
// @Summary Dashboard summary.
// @Description Device counts, average bytes per sample over five minutes and host interface counters.
// @Tags Usage
// @Produce json
// @Success 200 {object} map[string]interface{} "metrics"
// @Router /api/metrics [get]
func (h *AllocationHandler) MetricsHandler(c *gin.Context) {
	summary, err := h.store.MetricsSummary(c.Request.Context(), time.Now())
	if err != nil {
		h.fail(c, http.StatusInternalServerError, "Failed to compute metrics", err)
		return
	}
	if h.counters != nil {
		if rx, tx, err := h.counters.Counters(h.iface); err == nil {
			summary.Interface = h.iface
			summary.InterfaceRxBytes = rx
			summary.InterfaceTxBytes = tx
		} else {
			h.log.Debug("interface counters unavailable", "iface", h.iface, "error", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"metrics": summary})
}

// AnomaliesHandler
// @Summary Stored anomaly alerts of one device, newest first.
// @Tags Usage
// @Produce json
// @Param ip query string true "Device IP"
// @Param limit query int false "Maximum number of alerts"
// @Success 200 {object} map[string]interface{} "ok, anomalies"
// @Failure 400 {object} map[string]string "error: ip required"
// @Failure 503 {object} map[string]string "error: anomaly log disabled"
// @Router /api/anomalies [get]
func (h *AllocationHandler) AnomaliesHandler(c *gin.Context) {
	ip := strings.TrimSpace(c.Query("ip"))
	if ip == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "ip required"})
		return
	}
	limit := anomalyLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	if h.anomalies == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "anomaly log disabled"})
		return
	}

	alerts, err := h.anomalies.RecentAnomalies(c.Request.Context(), ip, limit)
	if err != nil {
		h.fail(c, http.StatusInternalServerError, "Failed to load anomalies", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "anomalies": alerts})
}

// --- Administrative overrides ---

// SetPriorityHandler
// @Summary Sets a device tier manually.
// @Description Bypasses hysteresis and enforces immediately. The tier is stored even when enforcement fails. Blocked devices must be unblocked first.
// @Tags Admin
// @Accept json
// @Produce json
// @Param request body SetPriorityRequest true "Device and tier (0-3)"
// @Success 200 {object} map[string]interface{} "ok, enforced, message"
// @Failure 400 {object} map[string]string "error: Invalid request"
// @Failure 409 {object} map[string]string "error: device is blocked"
// @Router /api/set_priority [post]
func (h *AllocationHandler) SetPriorityHandler(c *gin.Context) {
	var req SetPriorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "Invalid request format: " + err.Error()})
		return
	}

	tier, err := domain.ParseTier(*req.Priority)
	if err != nil {
		h.fail(c, http.StatusBadRequest, "Invalid priority", err)
		return
	}

	res, err := h.svc.SetPriorityManual(c.Request.Context(), req.IP, tier, req.Iface)
	if err != nil {
		if errors.Is(err, service.ErrInvalidIP) || errors.Is(err, domain.ErrInvalidTier) {
			h.fail(c, http.StatusBadRequest, "Invalid request", err)
			return
		}
		if errors.Is(err, service.ErrDeviceBlocked) {
			h.fail(c, http.StatusConflict, "Unblock the device first", err)
			return
		}
		_ = h.store.AppendEvent(c.Request.Context(), domain.EventError, fmt.Sprintf("Priority update failed: %v", err))
		h.fail(c, http.StatusInternalServerError, "Priority update failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":       true,
		"message":  fmt.Sprintf("Priority updated for %s", req.IP),
		"enforced": res.OK(),
		"result":   res,
	})
}

// BlockHandler
// @Summary Blocks a device.
// @Tags Admin
// @Accept json
// @Produce json
// @Param request body BlockRequest true "Device and optional reason"
// @Success 200 {object} map[string]interface{} "ok: true"
// @Failure 400 {object} map[string]string "error: Invalid request"
// @Router /api/block [post]
func (h *AllocationHandler) BlockHandler(c *gin.Context) {
	var req BlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "Invalid request format: " + err.Error()})
		return
	}
	if err := h.svc.Block(c.Request.Context(), req.IP, req.Reason); err != nil {
		if errors.Is(err, service.ErrInvalidIP) {
			h.fail(c, http.StatusBadRequest, "Invalid request", err)
			return
		}
		h.fail(c, http.StatusInternalServerError, "Failed to block device", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// UnblockHandler
// @Summary Unblocks a device and restores the Normal tier.
// @Tags Admin
// @Accept json
// @Produce json
// @Param request body UnblockRequest true "Device"
// @Success 200 {object} map[string]interface{} "ok: true"
// @Failure 400 {object} map[string]string "error: Invalid request"
// @Router /api/unblock [post]
func (h *AllocationHandler) UnblockHandler(c *gin.Context) {
	var req UnblockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "Invalid request format: " + err.Error()})
		return
	}
	if err := h.svc.Unblock(c.Request.Context(), req.IP); err != nil {
		if errors.Is(err, service.ErrInvalidIP) {
			h.fail(c, http.StatusBadRequest, "Invalid request", err)
			return
		}
		h.fail(c, http.StatusInternalServerError, "Failed to unblock device", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ListBlockedHandler
// @Summary Lists blocked devices.
// @Tags Admin
// @Produce json
// @Success 200 {object} map[string]interface{} "blocked"
// @Router /api/blocked [get]
func (h *AllocationHandler) ListBlockedHandler(c *gin.Context) {
	blocked, err := h.store.ListBlocked(c.Request.Context())
	if err != nil {
		h.fail(c, http.StatusInternalServerError, "Failed to list blocked devices", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocked": blocked})
}

// GetAutoModeHandler
// @Summary Current auto-mode flag.
// @Tags Admin
// @Produce json
// @Success 200 {object} map[string]interface{} "auto"
// @Router /api/auto_toggle [get]
func (h *AllocationHandler) GetAutoModeHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"auto": h.svc.AutoMode()})
}

// AutoToggleHandler
// @Summary Enables or disables automatic allocation.
// @Description Enabling is refused with 409 while the thresholds are invalid. A missing flag or empty body means true.
// @Tags Admin
// @Accept json
// @Produce json
// @Param request body AutoToggleRequest true "Desired flag"
// @Success 200 {object} map[string]interface{} "ok, auto"
// @Failure 409 {object} map[string]string "error: invalid thresholds"
// @Router /api/auto_toggle [post]
func (h *AllocationHandler) AutoToggleHandler(c *gin.Context) {
	var req AutoToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "Invalid request format: " + err.Error()})
		return
	}
	desired := true
	if req.Auto != nil {
		desired = *req.Auto
	}

	if err := h.svc.SetAutoMode(c.Request.Context(), desired); err != nil {
		if errors.Is(err, domain.ErrInvalidThresholds) {
			h.fail(c, http.StatusConflict, "Cannot enable auto mode", err)
			return
		}
		h.fail(c, http.StatusInternalServerError, "Failed to set auto mode", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "auto": h.svc.AutoMode()})
}
