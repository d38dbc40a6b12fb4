package server

import (
	"context"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/maildigest/internal/agent"
	"github.com/mohammad-safakhou/maildigest/internal/telemetry"
)

// PipelineHandler exposes pipeline runs and system health.
type PipelineHandler struct {
	Orch      *agent.Orchestrator
	Telemetry *telemetry.Telemetry
	Logger    *log.Logger
}

// Register mounts the pipeline routes behind auth.
func (h *PipelineHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.POST("/run", h.run)
	g.POST("/collect", h.collect)
	g.POST("/detect", h.detect)
	g.POST("/summarize", h.summarize)
	g.GET("/status", h.status)
	g.GET("/runs", h.runs)
	g.GET("/health", h.health)
}

// run kicks off a full pipeline in the background. The run is trackable via
// /status; launching while one is active returns 409.
func (h *PipelineHandler) run(c echo.Context) error {
	if _, active := h.Orch.ActiveRun(); active {
		return echo.NewHTTPError(http.StatusConflict, agent.ErrPipelineActive.Error())
	}
	go func() {
		if _, err := h.Orch.RunFullPipeline(context.Background()); err != nil {
			h.Logger.Printf("pipeline run failed: %v", err)
		}
	}()
	return c.JSON(http.StatusAccepted, map[string]string{"status": "started"})
}

func (h *PipelineHandler) collect(c echo.Context) error {
	res, err := h.Orch.CollectOnly(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

func (h *PipelineHandler) detect(c echo.Context) error {
	res, err := h.Orch.DetectOnly(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

func (h *PipelineHandler) summarize(c echo.Context) error {
	sum, err := h.Orch.TriggerManualSummary(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sum)
}

// status returns the active run when there is one, otherwise the last
// finished run.
func (h *PipelineHandler) status(c echo.Context) error {
	if res, ok := h.Orch.ActiveRun(); ok {
		return c.JSON(http.StatusOK, map[string]any{"active": true, "run": res})
	}
	if res, ok := h.Orch.LastRun(); ok {
		return c.JSON(http.StatusOK, map[string]any{"active": false, "run": res})
	}
	return c.JSON(http.StatusOK, map[string]any{"active": false})
}

func (h *PipelineHandler) runs(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Orch.RunHistory())
}

func (h *PipelineHandler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"agents":    h.Orch.SystemHealth(c.Request().Context()),
		"telemetry": h.Telemetry.GetSnapshot(),
	})
}
