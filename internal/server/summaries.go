package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/maildigest/internal/agent"
	"github.com/mohammad-safakhou/maildigest/internal/store"
)

// SummariesHandler serves generated digests and the manual trigger.
type SummariesHandler struct {
	Store *store.Store
	Orch  *agent.Orchestrator
}

// Register mounts the summary routes behind auth.
func (h *SummariesHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.POST("/trigger", h.trigger)
}

// trigger summarizes everything detected but not yet digested, outside a
// pipeline run.
func (h *SummariesHandler) trigger(c echo.Context) error {
	sum, err := h.Orch.TriggerManualSummary(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sum)
}

func (h *SummariesHandler) list(c echo.Context) error {
	limit := 10
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}
	out, err := h.Store.RecentSummaries(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, out)
}

func (h *SummariesHandler) get(c echo.Context) error {
	sum, ok, err := h.Store.GetSummary(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "summary not found")
	}
	return c.JSON(http.StatusOK, sum)
}
