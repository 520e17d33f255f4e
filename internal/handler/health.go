package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"devproxy-go/internal/rule"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	rules   rule.Set
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(rules rule.Set, v Version) *HealthHandler {
	return &HealthHandler{rules: rules, version: v}
}

// ruleStatus is the JSON shape of one rule in the status response.
type ruleStatus struct {
	Prefix string `json:"prefix"`
	Kind   string `json:"kind"`
	Target string `json:"target,omitempty"`
}

// statusResponse is returned by Status.
type statusResponse struct {
	Status  string       `json:"status"`
	Version string       `json:"version"`
	Rules   []ruleStatus `json:"rules"`
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := statusResponse{
		Status:  "ok",
		Version: string(h.version),
		Rules:   make([]ruleStatus, 0, len(h.rules)),
	}
	for _, r := range h.rules {
		resp.Rules = append(resp.Rules, ruleStatus{
			Prefix: r.Prefix(),
			Kind:   r.Kind().String(),
			Target: r.Target(),
		})
	}
	return c.JSON(http.StatusOK, resp)
}
