package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/maildigest/internal/bus"
	"github.com/mohammad-safakhou/maildigest/internal/telemetry"
	"github.com/mohammad-safakhou/maildigest/models"
)

// ErrPipelineActive rejects a run while another one is still in flight.
var ErrPipelineActive = errors.New("a pipeline run is already active")

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStarted   RunStatus = "started"
	RunCompleted RunStatus = "completed"
	RunTimedOut  RunStatus = "timeout"
	RunFailed    RunStatus = "failed"
)

// StepStatus is the state of one pipeline step. Transitions are monotonic:
// a step never moves from a later state back to an earlier one.
type StepStatus string

const (
	StepNotStarted StepStatus = "not_started"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

func stepRank(s StepStatus) int {
	switch s {
	case StepInProgress:
		return 1
	case StepCompleted, StepFailed:
		return 2
	default:
		return 0
	}
}

// Pipeline step names, in execution order.
const (
	StepCollection    = "email_collection"
	StepDetection     = "newsletter_detection"
	StepSummarization = "content_summarization"
	StepMarkRead      = "mark_emails_read"
)

var stepOrder = []string{StepCollection, StepDetection, StepSummarization, StepMarkRead}

// StepRecord tracks one step of a run.
type StepRecord struct {
	Status      StepStatus     `json:"status"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
}

// PipelineResult is the immutable snapshot handed back to callers.
type PipelineResult struct {
	RunID      string                `json:"run_id"`
	Status     RunStatus             `json:"status"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at,omitempty"`
	Duration   time.Duration         `json:"duration"`
	Error      string                `json:"error,omitempty"`
	Steps      map[string]StepRecord `json:"steps"`
}

// pipelineRun is the mutable state of one in-flight run. All access goes
// through the orchestrator mutex.
type pipelineRun struct {
	id        string
	status    RunStatus
	startedAt time.Time
	steps     map[string]*StepRecord

	detectionDone     bool
	summarizationDone bool
	failReason        string
}

func newPipelineRun() *pipelineRun {
	steps := make(map[string]*StepRecord, len(stepOrder))
	for _, name := range stepOrder {
		steps[name] = &StepRecord{Status: StepNotStarted}
	}
	return &pipelineRun{
		id:        uuid.NewString(),
		status:    RunStarted,
		startedAt: time.Now().UTC(),
		steps:     steps,
	}
}

// setStep applies a monotonic step transition. Regressions are dropped, which
// makes duplicate or late bus messages harmless.
func (r *pipelineRun) setStep(name string, status StepStatus, detail map[string]any) {
	rec, ok := r.steps[name]
	if !ok {
		return
	}
	if stepRank(status) < stepRank(rec.Status) {
		return
	}
	if stepRank(rec.Status) == 2 && status != rec.Status {
		return
	}
	now := time.Now().UTC()
	if rec.StartedAt == nil && stepRank(status) >= 1 {
		rec.StartedAt = &now
	}
	if stepRank(status) == 2 && rec.CompletedAt == nil {
		rec.CompletedAt = &now
	}
	rec.Status = status
	if detail != nil {
		rec.Detail = detail
	}
}

func (r *pipelineRun) snapshot(finishedAt time.Time) PipelineResult {
	steps := make(map[string]StepRecord, len(r.steps))
	for name, rec := range r.steps {
		steps[name] = *rec
	}
	res := PipelineResult{
		RunID:     r.id,
		Status:    r.status,
		StartedAt: r.startedAt,
		Error:     r.failReason,
		Steps:     steps,
	}
	if !finishedAt.IsZero() {
		res.FinishedAt = finishedAt
		res.Duration = finishedAt.Sub(r.startedAt)
	} else {
		res.Duration = time.Since(r.startedAt)
	}
	return res
}

// PipelineCollector is the collection stage as the orchestrator sees it.
type PipelineCollector interface {
	Agent
	Collect(ctx context.Context, correlationID string) (bus.EmailsCollected, error)
	GetUnprocessedEmails(ctx context.Context, limit int) ([]models.Email, error)
}

// PipelineDetector is the detection stage as the orchestrator sees it.
type PipelineDetector interface {
	Agent
	Detect(ctx context.Context, emails []models.Email, correlationID string) (bus.NewslettersDetected, error)
}

// PipelineSummarizer is the summarization stage as the orchestrator sees it.
type PipelineSummarizer interface {
	Agent
	Summarize(ctx context.Context, newsletters []models.Newsletter, correlationID string) (models.Summary, error)
}

// RunStore persists finished runs for auditing. May be nil.
type RunStore interface {
	SavePipelineRun(ctx context.Context, id, status string, startedAt, finishedAt time.Time, steps any) error
}

// Orchestrator owns the pipeline run state machine. The collection stage is
// invoked synchronously; detection and summarization run as bus reactions,
// and the orchestrator observes their completion broadcasts. At most one run
// is active at a time.
type Orchestrator struct {
	*BaseAgent
	collector  PipelineCollector
	detector   PipelineDetector
	summarizer PipelineSummarizer
	runStore   RunStore
	telemetry  *telemetry.Telemetry

	pollInterval time.Duration
	timeout      time.Duration

	// run state below is guarded by the embedded BaseAgent mutex
	active  *pipelineRun
	lastRun *PipelineResult
	history []PipelineResult
}

// NewOrchestrator wires the orchestrator over its three stages. runStore may
// be nil when run auditing is disabled.
func NewOrchestrator(broker *bus.Broker, collector PipelineCollector, detector PipelineDetector, summarizer PipelineSummarizer, runStore RunStore, pollInterval, timeout time.Duration, tel *telemetry.Telemetry) *Orchestrator {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Orchestrator{
		BaseAgent:    NewBaseAgent("orchestrator", broker),
		collector:    collector,
		detector:     detector,
		summarizer:   summarizer,
		runStore:     runStore,
		telemetry:    tel,
		pollInterval: pollInterval,
		timeout:      timeout,
	}
}

// Start brings up the stage agents in pipeline order and registers the
// orchestrator's observers on the bus.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.BaseAgent.Start(ctx); err != nil {
		return err
	}
	for _, a := range []Agent{o.collector, o.detector, o.summarizer} {
		if a == nil {
			continue
		}
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrAgentStartup, a.Name(), err)
		}
	}
	b := o.Broker()
	b.Subscribe(bus.KindEmailsCollected, "orchestrator.emails_collected", o.onEmailsCollected)
	b.Subscribe(bus.KindNewslettersDetected, "orchestrator.newsletters_detected", o.onNewslettersDetected)
	b.Subscribe(bus.KindSummaryGenerated, "orchestrator.summary_generated", o.onSummaryGenerated)
	b.Subscribe(bus.KindEmailsMarkedRead, "orchestrator.emails_marked_read", o.onEmailsMarkedRead)
	b.Subscribe(bus.KindErrorOccurred, "orchestrator.error_occurred", o.onErrorOccurred)
	return nil
}

// Stop removes the observers and stops the stage agents in reverse order.
func (o *Orchestrator) Stop(ctx context.Context) error {
	b := o.Broker()
	b.Unsubscribe(bus.KindErrorOccurred, "orchestrator.error_occurred")
	b.Unsubscribe(bus.KindEmailsMarkedRead, "orchestrator.emails_marked_read")
	b.Unsubscribe(bus.KindSummaryGenerated, "orchestrator.summary_generated")
	b.Unsubscribe(bus.KindNewslettersDetected, "orchestrator.newsletters_detected")
	b.Unsubscribe(bus.KindEmailsCollected, "orchestrator.emails_collected")
	for _, a := range []Agent{o.summarizer, o.detector, o.collector} {
		if a == nil {
			continue
		}
		if err := a.Stop(ctx); err != nil {
			o.Logger().Printf("stopping %s: %v", a.Name(), err)
		}
	}
	return o.BaseAgent.Stop(ctx)
}

// RunFullPipeline executes one end-to-end run: synchronous collection, then
// observation of the asynchronous stages until both detection and
// summarization have reported, the run fails, or the deadline passes. The
// returned result is always valid, including on error.
func (o *Orchestrator) RunFullPipeline(ctx context.Context) (PipelineResult, error) {
	tracer := otel.Tracer("maildigest/orchestrator")
	ctx, span := tracer.Start(ctx, "pipeline.run")
	defer span.End()

	// The run must be observable before collection starts, otherwise a fast
	// EmailsCollected broadcast races past the observers.
	o.mu.Lock()
	if o.active != nil {
		o.mu.Unlock()
		return PipelineResult{}, ErrPipelineActive
	}
	run := newPipelineRun()
	o.active = run
	run.setStep(StepCollection, StepInProgress, nil)
	o.mu.Unlock()

	span.SetAttributes(attribute.String("run.id", run.id))
	o.Logger().Printf("pipeline run %s started", run.id)

	collected, err := o.collector.Collect(ctx, run.id)
	if err != nil {
		o.mu.Lock()
		run.setStep(StepCollection, StepFailed, map[string]any{"error": err.Error()})
		run.failReason = fmt.Sprintf("email_collection: %v", err)
		o.mu.Unlock()
		return o.finishRun(ctx, run, RunFailed), err
	}

	// The synchronous result decides the empty case immediately; an empty
	// mailbox never enters the wait phase. The EmailsCollected broadcast
	// still reaches the bus observers, whose transitions are idempotent.
	o.mu.Lock()
	run.setStep(StepCollection, StepCompleted, map[string]any{
		"collected_count": collected.CollectedCount,
		"errors":          len(collected.Errors),
	})
	if collected.CollectedCount == 0 {
		run.setStep(StepDetection, StepCompleted, map[string]any{"skipped": true})
		run.setStep(StepSummarization, StepCompleted, map[string]any{"skipped": true})
		run.detectionDone = true
		run.summarizationDone = true
		o.mu.Unlock()
		return o.finishRun(ctx, run, RunCompleted), nil
	}
	run.setStep(StepDetection, StepInProgress, nil)
	o.mu.Unlock()

	status := o.awaitCompletion(ctx, run)
	res := o.finishRun(ctx, run, status)
	if status == RunFailed {
		return res, errors.New(res.Error)
	}
	return res, nil
}

// awaitCompletion polls the run's completion flags at the configured
// interval. Stages that die silently are caught by the deadline.
func (o *Orchestrator) awaitCompletion(ctx context.Context, run *pipelineRun) RunStatus {
	deadline := time.NewTimer(o.timeout)
	defer deadline.Stop()
	tick := time.NewTicker(o.pollInterval)
	defer tick.Stop()

	for {
		o.mu.Lock()
		failed := run.failReason != ""
		done := run.detectionDone && run.summarizationDone
		o.mu.Unlock()
		if failed {
			return RunFailed
		}
		if done {
			return RunCompleted
		}
		select {
		case <-ctx.Done():
			o.mu.Lock()
			run.failReason = ctx.Err().Error()
			o.mu.Unlock()
			return RunFailed
		case <-deadline.C:
			return RunTimedOut
		case <-tick.C:
		}
	}
}

func (o *Orchestrator) finishRun(ctx context.Context, run *pipelineRun, status RunStatus) PipelineResult {
	finishedAt := time.Now().UTC()
	o.mu.Lock()
	run.status = status
	if status == RunTimedOut && run.failReason == "" {
		run.failReason = fmt.Sprintf("pipeline did not complete within %s", o.timeout)
	}
	res := run.snapshot(finishedAt)
	o.active = nil
	o.lastRun = &res
	o.history = append(o.history, res)
	if len(o.history) > 20 {
		o.history = o.history[len(o.history)-20:]
	}
	o.mu.Unlock()

	o.telemetry.PipelineRun(string(status), res.Duration)
	o.Logger().Printf("pipeline run %s finished: %s in %s", res.RunID, res.Status, res.Duration.Round(time.Millisecond))
	if o.runStore != nil {
		if err := o.runStore.SavePipelineRun(ctx, res.RunID, string(res.Status), res.StartedAt, res.FinishedAt, res.Steps); err != nil {
			o.Logger().Printf("persisting run %s: %v", res.RunID, err)
		}
	}
	return res
}

// currentRun returns the active run if the message belongs to it.
func (o *Orchestrator) currentRun(msg bus.Message) *pipelineRun {
	if o.active == nil || msg.CorrelationID == "" || msg.CorrelationID != o.active.id {
		return nil
	}
	return o.active
}

func (o *Orchestrator) onEmailsCollected(ctx context.Context, msg bus.Message) error {
	payload, ok := msg.Payload.(bus.EmailsCollected)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", msg.Payload, msg.Kind)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	run := o.currentRun(msg)
	if run == nil {
		return nil
	}
	run.setStep(StepCollection, StepCompleted, map[string]any{
		"collected_count": payload.CollectedCount,
		"errors":          len(payload.Errors),
	})
	if payload.CollectedCount == 0 {
		// Nothing downstream will ever report; complete the run directly.
		run.setStep(StepDetection, StepCompleted, map[string]any{"skipped": true})
		run.setStep(StepSummarization, StepCompleted, map[string]any{"skipped": true})
		run.detectionDone = true
		run.summarizationDone = true
		return nil
	}
	run.setStep(StepDetection, StepInProgress, nil)
	return nil
}

func (o *Orchestrator) onNewslettersDetected(ctx context.Context, msg bus.Message) error {
	payload, ok := msg.Payload.(bus.NewslettersDetected)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", msg.Payload, msg.Kind)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	run := o.currentRun(msg)
	if run == nil {
		return nil
	}
	run.setStep(StepDetection, StepCompleted, map[string]any{
		"detected_count":  payload.DetectedCount,
		"processed_count": payload.ProcessedCount,
	})
	run.detectionDone = true
	if payload.DetectedCount == 0 {
		run.setStep(StepSummarization, StepCompleted, map[string]any{"skipped": true})
		run.summarizationDone = true
		return nil
	}
	run.setStep(StepSummarization, StepInProgress, nil)
	return nil
}

func (o *Orchestrator) onSummaryGenerated(ctx context.Context, msg bus.Message) error {
	payload, ok := msg.Payload.(bus.SummaryGenerated)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", msg.Payload, msg.Kind)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	run := o.currentRun(msg)
	if run == nil {
		return nil
	}
	run.setStep(StepSummarization, StepCompleted, map[string]any{
		"summary_id":        payload.SummaryID,
		"newsletters_count": payload.NewslettersCount,
		"notification_sent": payload.NotificationSent,
	})
	run.summarizationDone = true
	if payload.NotificationSent {
		run.setStep(StepMarkRead, StepInProgress, nil)
	}
	return nil
}

func (o *Orchestrator) onEmailsMarkedRead(ctx context.Context, msg bus.Message) error {
	payload, ok := msg.Payload.(bus.EmailsMarkedRead)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", msg.Payload, msg.Kind)
	}
	// Ad hoc mark-as-read shares the message kind with the pipeline path; a
	// run only advances on its own pipeline-scoped broadcast.
	if payload.Scope != bus.ScopePipeline {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	run := o.currentRun(msg)
	if run == nil {
		return nil
	}
	run.setStep(StepMarkRead, StepCompleted, map[string]any{
		"processed_count": payload.ProcessedCount,
	})
	return nil
}

func (o *Orchestrator) onErrorOccurred(ctx context.Context, msg bus.Message) error {
	payload, ok := msg.Payload.(bus.ErrorOccurred)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", msg.Payload, msg.Kind)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	run := o.currentRun(msg)
	if run == nil {
		o.Logger().Printf("error outside active run from %s/%s: %s", msg.Sender, payload.Task, payload.Error)
		return nil
	}
	for _, name := range stepOrder {
		if name == payload.Task {
			run.setStep(name, StepFailed, map[string]any{"error": payload.Error})
		}
	}
	if run.failReason == "" {
		run.failReason = fmt.Sprintf("%s: %s", payload.Task, payload.Error)
	}
	return nil
}

// CollectOnly runs the collection stage on its own. The broadcast still
// reaches downstream subscribers; without a registered run nothing is
// tracked.
func (o *Orchestrator) CollectOnly(ctx context.Context) (bus.EmailsCollected, error) {
	return o.collector.Collect(ctx, "")
}

// DetectOnly runs detection over everything collected but not yet processed.
func (o *Orchestrator) DetectOnly(ctx context.Context) (bus.NewslettersDetected, error) {
	emails, err := o.collector.GetUnprocessedEmails(ctx, 0)
	if err != nil {
		return bus.NewslettersDetected{}, fmt.Errorf("loading unprocessed emails: %w", err)
	}
	if len(emails) == 0 {
		return bus.NewslettersDetected{}, nil
	}
	return o.detector.Detect(ctx, emails, "")
}

// SummarizeOnly digests every detected but unsummarized newsletter.
func (o *Orchestrator) SummarizeOnly(ctx context.Context) (models.Summary, error) {
	return o.summarizer.Summarize(ctx, nil, "")
}

// TriggerManualSummary is SummarizeOnly plus a TaskCompleted broadcast, used
// by the API and the scheduler's manual trigger.
func (o *Orchestrator) TriggerManualSummary(ctx context.Context) (models.Summary, error) {
	started := time.Now()
	sum, err := o.SummarizeOnly(ctx)
	status := "success"
	if err != nil {
		status = "error"
	}
	payload := bus.TaskCompleted{
		Task:          "manual_summary",
		Status:        status,
		ExecutionTime: time.Since(started),
		Result:        map[string]any{"summary_id": sum.ID, "newsletters_count": sum.NewslettersCount},
	}
	if perr := o.Publish(bus.KindTaskCompleted, payload, ""); perr != nil {
		o.Logger().Printf("publishing manual summary completion: %v", perr)
	}
	return sum, err
}

// ActiveRun reports the in-flight run, if any.
func (o *Orchestrator) ActiveRun() (PipelineResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return PipelineResult{}, false
	}
	return o.active.snapshot(time.Time{}), true
}

// LastRun reports the most recently finished run, if any.
func (o *Orchestrator) LastRun() (PipelineResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastRun == nil {
		return PipelineResult{}, false
	}
	return *o.lastRun, true
}

// RunHistory lists recently finished runs, oldest first.
func (o *Orchestrator) RunHistory() []PipelineResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]PipelineResult, len(o.history))
	copy(out, o.history)
	return out
}

// SystemHealth aggregates the health of every stage agent plus the
// orchestrator itself.
func (o *Orchestrator) SystemHealth(ctx context.Context) map[string]Health {
	out := map[string]Health{
		o.Name(): o.HealthCheck(ctx),
	}
	for _, a := range []Agent{o.collector, o.detector, o.summarizer} {
		if a == nil {
			continue
		}
		out[a.Name()] = a.HealthCheck(ctx)
	}
	return out
}

// Execute dispatches a named operation with loosely typed parameters.
func (o *Orchestrator) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	op, _ := params["operation"].(string)
	switch op {
	case "run_pipeline", "":
		res, err := o.RunFullPipeline(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"run_id": res.RunID, "status": string(res.Status)}, nil
	case "collect":
		res, err := o.CollectOnly(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"collected_count": res.CollectedCount}, nil
	case "detect":
		res, err := o.DetectOnly(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"detected_count": res.DetectedCount}, nil
	case "summarize":
		sum, err := o.SummarizeOnly(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"summary_id": sum.ID}, nil
	default:
		return nil, unknownOperation(op)
	}
}

// HealthCheck extends the base snapshot with run state.
func (o *Orchestrator) HealthCheck(ctx context.Context) Health {
	h := o.BaseAgent.HealthCheck(ctx)
	o.mu.Lock()
	activeID := ""
	if o.active != nil {
		activeID = o.active.id
	}
	runs := len(o.history)
	o.mu.Unlock()
	h.Details = map[string]any{
		"active_run":    activeID,
		"finished_runs": runs,
	}
	return h
}
