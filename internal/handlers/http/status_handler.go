package http

import (
	"net/http"
	"strconv"

	"fieldgw/internal/core/ports"
	"fieldgw/internal/infrastructure/monitoring"
	fgerrors "fieldgw/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusHandler serves the gateway admin API.
type StatusHandler struct {
	status  ports.StatusProvider
	health  *monitoring.HealthChecker
	metrics http.Handler
}

func NewStatusHandler(status ports.StatusProvider, health *monitoring.HealthChecker, gatherer prometheus.Gatherer) *StatusHandler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &StatusHandler{
		status:  status,
		health:  health,
		metrics: promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
	}
}

// SetupRoutes registers the health routes and metrics at the root and the status
// API under /api/v1, guarded by protect.
func (h *StatusHandler) SetupRoutes(router *gin.Engine, protect ...gin.HandlerFunc) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	router.GET("/metrics", gin.WrapH(h.metrics))

	api := router.Group("/api/v1", protect...)
	{
		api.GET("/status", h.Status)
		api.GET("/streams", h.ListStreams)
		api.GET("/streams/:id", h.GetStream)
		api.GET("/paths", h.ListPaths)
	}
}

func (h *StatusHandler) Health(c *gin.Context) {
	if h.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": monitoring.StatusHealthy})
		return
	}
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *StatusHandler) Ready(c *gin.Context) {
	if !h.status.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

func (h *StatusHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.status.Snapshot())
}

func (h *StatusHandler) ListStreams(c *gin.Context) {
	streams := h.status.Snapshot().Streams
	if streams == nil {
		streams = []ports.StreamStatus{}
	}
	c.JSON(http.StatusOK, gin.H{"streams": streams})
}

func (h *StatusHandler) GetStream(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		_ = c.Error(fgerrors.Newf(fgerrors.InitInvalidInput, "stream id %q is not a number", c.Param("id")))
		return
	}
	for _, s := range h.status.Snapshot().Streams {
		if s.ID == id {
			c.JSON(http.StatusOK, s)
			return
		}
	}
	_ = c.Error(fgerrors.Newf(fgerrors.ConnectStreamUnknown, "stream %d is not active", id).WithContext("stream_id", id))
}

func (h *StatusHandler) ListPaths(c *gin.Context) {
	paths := h.status.Snapshot().Paths
	out := make([]gin.H, 0, len(paths))
	for _, p := range paths {
		out = append(out, gin.H{
			"interface":     p.Interface,
			"local_ip":      p.LocalIP,
			"local_port":    p.LocalPort,
			"external_ip":   p.ExternalIP,
			"external_port": p.ExternalPort,
			"rtt_ms":        p.RTT,
			"loss":          p.Loss,
			"send_bytes":    p.SendBytes,
			"recv_bytes":    p.RecvBytes,
			"bandwidth":     p.Bandwidth,
			"updated_at":    p.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"paths": out})
}
