package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/maildigest/internal/agent"
	"github.com/mohammad-safakhou/maildigest/internal/bus"
)

// EmailsHandler serves collected emails and the ad hoc mark-as-read path.
type EmailsHandler struct {
	Collector *agent.EmailCollector
}

// Register mounts the email routes behind auth.
func (h *EmailsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.GET("/unprocessed", h.unprocessed)
	g.POST("/mark-read", h.markRead)
}

func (h *EmailsHandler) unprocessed(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}
	out, err := h.Collector.GetUnprocessedEmails(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, out)
}

// markRead marks emails read at their providers. This is the ad hoc path:
// the resulting broadcast carries the ad hoc scope and never advances a
// pipeline run.
func (h *EmailsHandler) markRead(c echo.Context) error {
	var req MarkReadRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.EmailIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "email_ids required")
	}
	results, err := h.Collector.MarkEmailsRead(c.Request().Context(), req.EmailIDs, bus.ScopeAdHoc, "")
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"results": results})
}
