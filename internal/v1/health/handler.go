// Package health exposes Kubernetes-style liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh-dev/agentmesh/internal/v1/logging"
)

// Pinger is any dependency that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check is one named readiness dependency.
type Check struct {
	Name   string
	Pinger Pinger
}

// Handler serves the probe endpoints.
type Handler struct {
	checks []Check
}

// NewHandler creates a handler over the given dependency checks. A nil Pinger
// is treated as healthy, matching single-instance deployments where the
// dependency is absent.
func NewHandler(checks ...Check) *Handler {
	return &Handler{checks: checks}
}

// LivenessResponse is the liveness probe body.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the readiness probe body.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. It answers 200 whenever the process is
// alive; no dependencies are consulted.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. It answers 200 only when every
// registered dependency responds to a ping, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.checks))
	allHealthy := true
	for _, check := range h.checks {
		status := "healthy"
		if check.Pinger != nil {
			if err := check.Pinger.Ping(ctx); err != nil {
				logging.Error(ctx, "Readiness check failed",
					zap.String("check", check.Name), zap.Error(err))
				status = "unhealthy"
				allHealthy = false
			}
		}
		checks[check.Name] = status
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
