package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/maildigest/internal/agent"
)

// JobsHandler manages scheduler jobs over the API.
type JobsHandler struct {
	Sched *agent.Scheduler
}

// Register mounts the scheduler routes behind auth.
func (h *JobsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.GET("", h.list)
	g.POST("/:name/pause", h.pause)
	g.POST("/:name/resume", h.resume)
	g.POST("/:name/reschedule", h.reschedule)
	g.DELETE("/:name", h.remove)
}

func (h *JobsHandler) list(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Sched.Jobs())
}

func (h *JobsHandler) pause(c echo.Context) error {
	if err := h.Sched.Pause(c.Param("name")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

func (h *JobsHandler) resume(c echo.Context) error {
	if err := h.Sched.Resume(c.Param("name")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

func (h *JobsHandler) reschedule(c echo.Context) error {
	var req RescheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Cron == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "cron required")
	}
	if err := h.Sched.Reschedule(c.Param("name"), req.Cron); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

func (h *JobsHandler) remove(c echo.Context) error {
	if err := h.Sched.Remove(c.Param("name")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusOK)
}
