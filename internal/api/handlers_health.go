// handlers_health.go - Health check handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/csvgateway/backend/internal/queue"
)

// HealthHandlerImpl implements the HealthHandler interface
type HealthHandlerImpl struct {
	version string
	queue   *queue.Queue
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(version string, q *queue.Queue) HealthHandler {
	return &HealthHandlerImpl{
		version: version,
		queue:   q,
	}
}

// HandleHealth returns server health plus a queue depth snapshot, so a
// probe can tell a drained gateway from one backing up.
func (h *HealthHandlerImpl) HandleHealth(c echo.Context) error {
	resp := map[string]interface{}{
		"status":  "ok",
		"version": h.version,
	}
	if h.queue != nil {
		resp["queue"] = h.queue.GetQueueStats()
	}
	return c.JSON(http.StatusOK, resp)
}
