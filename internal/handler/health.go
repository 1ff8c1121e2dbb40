package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"markproxy/internal/config"
	"markproxy/internal/target"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg      *config.Config
	resolver *target.Resolver
	version  Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, resolver *target.Resolver, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, resolver: resolver, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status         string   `json:"status"`
	Version        string   `json:"version"`
	PrimaryOrigin  string   `json:"primary_origin"`
	Prefixes       []string `json:"prefixes"`
	LandingMode    string   `json:"landing_mode"`
	CatchAll       bool     `json:"catch_all"`
	RewriteMaxBody int64    `json:"rewrite_max_body_bytes"`
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:         "ok",
		Version:        string(h.version),
		PrimaryOrigin:  h.resolver.Primary().String(),
		Prefixes:       h.resolver.Prefixes(),
		LandingMode:    h.cfg.Proxy.LandingMode,
		CatchAll:       h.cfg.Proxy.IsCatchAll(),
		RewriteMaxBody: h.cfg.Rewrite.MaxBodyBytes,
	})
}
