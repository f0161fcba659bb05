package controller

import (
	"context"
	"net/http"
	"time"

	"codegrader/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultHealthTimeout = 2 * time.Second

// Pinger is a dependency the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthController reports whether the service and its dependencies are reachable.
type HealthController struct {
	deps    map[string]Pinger
	timeout time.Duration
}

// NewHealthController probes deps by name. Nil entries are skipped.
func NewHealthController(deps map[string]Pinger, timeout time.Duration) *HealthController {
	if timeout <= 0 {
		timeout = defaultHealthTimeout
	}
	filtered := make(map[string]Pinger, len(deps))
	for name, dep := range deps {
		if dep != nil {
			filtered[name] = dep
		}
	}
	return &HealthController{deps: filtered, timeout: timeout}
}

// Check answers 200 when every dependency responds, 503 otherwise.
func (h *HealthController) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.deps))
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			logger.Warn(ctx, "health check failed", zap.String("dependency", name), zap.Error(err))
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	c.JSON(status, gin.H{"status": http.StatusText(status), "checks": checks})
}
