// Package telemetry collects pipeline and broker metrics. Prometheus series
// are exported on /metrics by the HTTP server; an aggregate in-memory
// snapshot backs the system-health endpoint.
package telemetry

import (
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maildigest_messages_published_total",
		Help: "Messages enqueued on the broker, by kind.",
	}, []string{"kind"})

	messagesDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maildigest_messages_dispatched_total",
		Help: "Messages fully dispatched to all handlers, by kind.",
	}, []string{"kind"})

	handlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maildigest_handler_errors_total",
		Help: "Handler failures during dispatch, by kind and handler.",
	}, []string{"kind", "handler"})

	pipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maildigest_pipeline_runs_total",
		Help: "Completed pipeline runs, by terminal status.",
	}, []string{"status"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "maildigest_stage_duration_seconds",
		Help:    "Duration of pipeline stages.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"stage"})
)

// Telemetry is the process-wide metrics sink. A nil *Telemetry is valid and
// records nothing, so components can take it optionally.
type Telemetry struct {
	logger *log.Logger

	mu             sync.Mutex
	totalRuns      int64
	runsByStatus   map[string]int64
	totalMessages  int64
	handlerErrors  int64
	lastRunAt      time.Time
	lastRunStatus  string
	stageDurations map[string]time.Duration
}

// New creates a telemetry sink with its own prefixed logger.
func New() *Telemetry {
	return &Telemetry{
		logger:         log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		runsByStatus:   make(map[string]int64),
		stageDurations: make(map[string]time.Duration),
	}
}

// MessagePublished records a broker enqueue.
func (t *Telemetry) MessagePublished(kind string) {
	messagesPublished.WithLabelValues(kind).Inc()
	if t == nil {
		return
	}
	t.mu.Lock()
	t.totalMessages++
	t.mu.Unlock()
}

// MessageDispatched records a message whose fan-out completed.
func (t *Telemetry) MessageDispatched(kind string) {
	messagesDispatched.WithLabelValues(kind).Inc()
}

// HandlerError records a failed handler invocation.
func (t *Telemetry) HandlerError(kind, handler string) {
	handlerErrors.WithLabelValues(kind, handler).Inc()
	if t == nil {
		return
	}
	t.mu.Lock()
	t.handlerErrors++
	t.mu.Unlock()
}

// PipelineRun records a run that reached a terminal status.
func (t *Telemetry) PipelineRun(status string, total time.Duration) {
	pipelineRuns.WithLabelValues(status).Inc()
	if t == nil {
		return
	}
	t.mu.Lock()
	t.totalRuns++
	t.runsByStatus[status]++
	t.lastRunAt = time.Now()
	t.lastRunStatus = status
	t.mu.Unlock()
	t.logger.Printf("pipeline run finished: status=%s duration=%v", status, total)
}

// StageDuration records how long one pipeline stage took.
func (t *Telemetry) StageDuration(stage string, d time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	if t == nil {
		return
	}
	t.mu.Lock()
	t.stageDurations[stage] = d
	t.mu.Unlock()
}

// Snapshot is a point-in-time copy of the aggregate counters.
type Snapshot struct {
	TotalRuns      int64                    `json:"total_runs"`
	RunsByStatus   map[string]int64         `json:"runs_by_status"`
	TotalMessages  int64                    `json:"total_messages"`
	HandlerErrors  int64                    `json:"handler_errors"`
	LastRunAt      time.Time                `json:"last_run_at"`
	LastRunStatus  string                   `json:"last_run_status,omitempty"`
	StageDurations map[string]time.Duration `json:"stage_durations"`
}

// GetSnapshot returns a copy of the current aggregates.
func (t *Telemetry) GetSnapshot() Snapshot {
	if t == nil {
		return Snapshot{RunsByStatus: map[string]int64{}, StageDurations: map[string]time.Duration{}}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{
		TotalRuns:      t.totalRuns,
		RunsByStatus:   make(map[string]int64, len(t.runsByStatus)),
		TotalMessages:  t.totalMessages,
		HandlerErrors:  t.handlerErrors,
		LastRunAt:      t.lastRunAt,
		LastRunStatus:  t.lastRunStatus,
		StageDurations: make(map[string]time.Duration, len(t.stageDurations)),
	}
	for k, v := range t.runsByStatus {
		s.RunsByStatus[k] = v
	}
	for k, v := range t.stageDurations {
		s.StageDurations[k] = v
	}
	return s
}
