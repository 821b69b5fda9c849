package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kulangara/backend/internal/logging"
	"github.com/kulangara/backend/internal/model"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	pingTimeout     = 3 * time.Second
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	db      Pinger
	cache   Pinger
	log     logging.Logger
	port    string
	version string
	started time.Time
	now     func() time.Time
}

// NewHealthHandler takes nil pingers for stores that were never configured;
// those report unhealthy.
func NewHealthHandler(db, cache Pinger, log logging.Logger, port, version string) *HealthHandler {
	if log == nil {
		log = logging.Discard()
	}
	return &HealthHandler{
		db:      db,
		cache:   cache,
		log:     log,
		port:    port,
		version: version,
		started: time.Now(),
		now:     time.Now,
	}
}

// Root godoc
// @Summary Service banner
// @Produce json
// @Success 200 {object} model.RootResponse
// @Router / [get]
func (h *HealthHandler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, model.RootResponse{
		Message: "Hello kulangara",
		Port:    h.port,
		Endpoints: map[string]string{
			"health": "/health",
			"api":    "/api/v1",
		},
	})
}

// 헬스체크 엔드포인트
func Ping(c *gin.Context) {
	c.JSON(http.StatusOK, model.PingResponse{Message: "pong"})
}

// Health godoc
// @Summary Dependency health
// @Produce json
// @Success 200 {object} model.HealthResponse
// @Failure 503 {object} model.HealthResponse
// @Router /health [get]
func (h *HealthHandler) Health(c *gin.Context) {
	ctx := c.Request.Context()
	resp := model.HealthResponse{
		Status:    statusHealthy,
		Timestamp: h.timestamp(),
		Uptime:    h.uptime(),
		Services: model.HealthServices{
			Database: h.check(ctx, "database", h.db),
			Redis:    h.check(ctx, "redis", h.cache),
		},
		Version: h.version,
	}
	status := http.StatusOK
	if resp.Services.Database != statusHealthy || resp.Services.Redis != statusHealthy {
		resp.Status = statusUnhealthy
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

// Ready godoc
// @Summary Readiness probe
// @Produce json
// @Success 200 {object} model.ProbeResponse
// @Failure 503 {object} model.ProbeResponse
// @Router /health/ready [get]
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx := c.Request.Context()
	if h.check(ctx, "database", h.db) != statusHealthy || h.check(ctx, "redis", h.cache) != statusHealthy {
		c.JSON(http.StatusServiceUnavailable, model.ProbeResponse{Status: "not ready", Timestamp: h.timestamp()})
		return
	}
	c.JSON(http.StatusOK, model.ProbeResponse{Status: "ready", Timestamp: h.timestamp()})
}

// Live godoc
// @Summary Liveness probe
// @Produce json
// @Success 200 {object} model.ProbeResponse
// @Router /health/live [get]
func (h *HealthHandler) Live(c *gin.Context) {
	uptime := h.uptime()
	c.JSON(http.StatusOK, model.ProbeResponse{Status: "alive", Timestamp: h.timestamp(), Uptime: &uptime})
}

func (h *HealthHandler) check(ctx context.Context, name string, p Pinger) string {
	if p == nil {
		return statusUnhealthy
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		h.log.Error(ctx, name+" health check failed", "err", err)
		return statusUnhealthy
	}
	return statusHealthy
}

func (h *HealthHandler) timestamp() string {
	return h.now().UTC().Format(time.RFC3339Nano)
}

func (h *HealthHandler) uptime() float64 {
	return h.now().Sub(h.started).Seconds()
}
