package server

import (
	"net/http"

	"github.com/koboldbooks/kobold/pkg/jobqueue"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

type jobHandler struct {
	queue *jobqueue.Queue
}

func registerJobRoutes(e *echo.Echo, queue *jobqueue.Queue) {
	h := &jobHandler{queue: queue}
	e.GET("/api/jobs/stats", h.handleStats)
}

// handleStats reports the number of jobs in each status, always including
// zero counts so dashboards get a stable shape.
func (h *jobHandler) handleStats(c echo.Context) error {
	stats, err := h.queue.QueueStats(c.Request().Context())
	if err != nil {
		return errors.WithStack(err)
	}
	return c.JSON(http.StatusOK, stats)
}
