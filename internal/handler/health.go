package handler

import (
	"net/http"

	humanize "github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"relay-proxy/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// Stats reports the live state of the connection dispatcher.
type Stats interface {
	Live() int64
	Capacity() int64
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	stats   Stats
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, stats Stats, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, stats: stats, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// StatusResponse is the body of GET /proxy/status.
type StatusResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	ListenPort      int    `json:"listen_port"`
	WorkersLive     int64  `json:"workers_live"`
	WorkersCapacity int64  `json:"workers_capacity"`
	BodyMax         string `json:"body_max"`
	OnMalformed     string `json:"on_malformed"`
	AccessLog       string `json:"access_log"`
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := StatusResponse{
		Status:          "ok",
		Version:         string(h.version),
		ListenPort:      h.cfg.Server.Port,
		WorkersLive:     h.stats.Live(),
		WorkersCapacity: h.stats.Capacity(),
		BodyMax:         humanize.IBytes(uint64(h.cfg.Relay.BodyMaxBytes)),
		OnMalformed:     h.cfg.Relay.OnMalformed,
		AccessLog:       h.cfg.AccessLog.Path,
	}
	if resp.WorkersCapacity > 0 && resp.WorkersLive >= resp.WorkersCapacity {
		resp.Status = "saturated"
	}
	return c.JSON(http.StatusOK, resp)
}
