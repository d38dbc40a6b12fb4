package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mohammad-safakhou/maildigest/internal/bus"
	"github.com/mohammad-safakhou/maildigest/models"
)

type stubCollector struct {
	*BaseAgent
	result bus.EmailsCollected
	err    error
	stored []models.Email
}

func (s *stubCollector) Collect(ctx context.Context, correlationID string) (bus.EmailsCollected, error) {
	if s.err != nil {
		return bus.EmailsCollected{}, s.err
	}
	_ = s.Publish(bus.KindEmailsCollected, s.result, correlationID)
	return s.result, nil
}

func (s *stubCollector) GetUnprocessedEmails(ctx context.Context, limit int) ([]models.Email, error) {
	return s.stored, nil
}

func (s *stubCollector) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	return nil, nil
}

type stubDetector struct {
	*BaseAgent
	detected   int
	fail       bool
	silent     bool
	strayError bool
}

func (d *stubDetector) Start(ctx context.Context) error {
	if err := d.BaseAgent.Start(ctx); err != nil {
		return err
	}
	d.Broker().Subscribe(bus.KindEmailsCollected, "stub_detector", func(ctx context.Context, msg bus.Message) error {
		payload, ok := msg.Payload.(bus.EmailsCollected)
		if !ok || payload.CollectedCount == 0 {
			return nil
		}
		if d.strayError {
			_ = d.Publish(bus.KindErrorOccurred, bus.ErrorOccurred{
				Task: "newsletter_detection", Error: "unrelated failure", Timestamp: time.Now(),
			}, "some-other-run")
		}
		if d.silent {
			return nil
		}
		if d.fail {
			d.PublishError("newsletter_detection", errors.New("detector exploded"), msg.CorrelationID)
			return nil
		}
		items := make([]models.Newsletter, d.detected)
		_ = d.Publish(bus.KindNewslettersDetected, bus.NewslettersDetected{
			DetectedCount:  d.detected,
			ProcessedCount: payload.CollectedCount,
			Items:          items,
		}, msg.CorrelationID)
		return nil
	})
	return nil
}

func (d *stubDetector) Detect(ctx context.Context, emails []models.Email, correlationID string) (bus.NewslettersDetected, error) {
	return bus.NewslettersDetected{}, nil
}

func (d *stubDetector) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	return nil, nil
}

type stubSummarizer struct {
	*BaseAgent
	silent     bool
	adHocScope bool
}

func (s *stubSummarizer) Start(ctx context.Context) error {
	if err := s.BaseAgent.Start(ctx); err != nil {
		return err
	}
	s.Broker().Subscribe(bus.KindNewslettersDetected, "stub_summarizer", func(ctx context.Context, msg bus.Message) error {
		payload, ok := msg.Payload.(bus.NewslettersDetected)
		if !ok || payload.DetectedCount == 0 || s.silent {
			return nil
		}
		_ = s.Publish(bus.KindSummaryGenerated, bus.SummaryGenerated{
			SummaryID:        "sum-1",
			NewslettersCount: payload.DetectedCount,
			NotificationSent: true,
		}, msg.CorrelationID)
		scope := bus.ScopePipeline
		if s.adHocScope {
			scope = bus.ScopeAdHoc
		}
		_ = s.Publish(bus.KindEmailsMarkedRead, bus.EmailsMarkedRead{
			Results:        map[string]bool{"e1": true},
			ProcessedCount: 1,
			Scope:          scope,
		}, msg.CorrelationID)
		return nil
	})
	return nil
}

func (s *stubSummarizer) Summarize(ctx context.Context, newsletters []models.Newsletter, correlationID string) (models.Summary, error) {
	return models.Summary{}, nil
}

func (s *stubSummarizer) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	return nil, nil
}

func newTestOrchestrator(t *testing.T, col *stubCollector, det *stubDetector, sum *stubSummarizer) (*Orchestrator, func()) {
	t.Helper()
	broker := bus.NewBroker(64, nil)
	col.BaseAgent = NewBaseAgent("email_collector", broker)
	det.BaseAgent = NewBaseAgent("newsletter_detector", broker)
	sum.BaseAgent = NewBaseAgent("content_summarizer", broker)

	orch := NewOrchestrator(broker, col, det, sum, nil, 10*time.Millisecond, 300*time.Millisecond, nil)
	ctx := context.Background()
	broker.Start(ctx)
	if err := orch.Start(ctx); err != nil {
		t.Fatalf("starting orchestrator: %v", err)
	}
	cleanup := func() {
		_ = orch.Stop(ctx)
		broker.Stop()
	}
	return orch, cleanup
}

func TestPipelineCompletes(t *testing.T) {
	col := &stubCollector{result: bus.EmailsCollected{CollectedCount: 3}}
	det := &stubDetector{detected: 2}
	sum := &stubSummarizer{}
	orch, cleanup := newTestOrchestrator(t, col, det, sum)
	defer cleanup()

	res, err := orch.RunFullPipeline(context.Background())
	if err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}
	if res.Status != RunCompleted {
		t.Fatalf("status: got %s, want %s", res.Status, RunCompleted)
	}
	for _, step := range []string{StepCollection, StepDetection, StepSummarization, StepMarkRead} {
		if got := res.Steps[step].Status; got != StepCompleted {
			t.Fatalf("step %s: got %s, want %s", step, got, StepCompleted)
		}
	}
	if res.Duration <= 0 {
		t.Fatalf("duration not recorded: %v", res.Duration)
	}
	if res.FinishedAt.Before(res.StartedAt) {
		t.Fatalf("finished %v before started %v", res.FinishedAt, res.StartedAt)
	}
}

func TestPipelineEmptyMailboxShortCircuits(t *testing.T) {
	col := &stubCollector{result: bus.EmailsCollected{CollectedCount: 0}}
	orch, cleanup := newTestOrchestrator(t, col, &stubDetector{}, &stubSummarizer{})
	defer cleanup()

	res, err := orch.RunFullPipeline(context.Background())
	if err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}
	if res.Status != RunCompleted {
		t.Fatalf("status: got %s, want %s", res.Status, RunCompleted)
	}
	if got := res.Steps[StepDetection].Status; got != StepCompleted {
		t.Fatalf("detection step: got %s, want completed (skipped)", got)
	}
	if got := res.Steps[StepSummarization].Status; got != StepCompleted {
		t.Fatalf("summarization step: got %s, want completed (skipped)", got)
	}
}

func TestPipelineEmptyMailboxSkipsWaitPhase(t *testing.T) {
	broker := bus.NewBroker(64, nil)
	col := &stubCollector{result: bus.EmailsCollected{CollectedCount: 0}}
	det := &stubDetector{}
	sum := &stubSummarizer{}
	col.BaseAgent = NewBaseAgent("email_collector", broker)
	det.BaseAgent = NewBaseAgent("newsletter_detector", broker)
	sum.BaseAgent = NewBaseAgent("content_summarizer", broker)

	// A poll interval far above the expected runtime: if the empty run ever
	// enters the wait phase, the elapsed time gives it away.
	orch := NewOrchestrator(broker, col, det, sum, nil, 500*time.Millisecond, 5*time.Second, nil)
	ctx := context.Background()
	broker.Start(ctx)
	defer broker.Stop()
	if err := orch.Start(ctx); err != nil {
		t.Fatalf("starting orchestrator: %v", err)
	}
	defer orch.Stop(ctx)

	started := time.Now()
	res, err := orch.RunFullPipeline(ctx)
	elapsed := time.Since(started)
	if err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}
	if res.Status != RunCompleted {
		t.Fatalf("status: got %s, want %s", res.Status, RunCompleted)
	}
	if got := res.Steps[StepCollection].Status; got != StepCompleted {
		t.Fatalf("collection step: got %s, want %s", got, StepCompleted)
	}
	if elapsed >= 250*time.Millisecond {
		t.Fatalf("empty run took %v with a 500ms poll interval", elapsed)
	}
}

func TestPipelineNoNewslettersDetected(t *testing.T) {
	col := &stubCollector{result: bus.EmailsCollected{CollectedCount: 5}}
	det := &stubDetector{detected: 0}
	orch, cleanup := newTestOrchestrator(t, col, det, &stubSummarizer{})
	defer cleanup()

	res, err := orch.RunFullPipeline(context.Background())
	if err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}
	if res.Status != RunCompleted {
		t.Fatalf("status: got %s, want %s", res.Status, RunCompleted)
	}
	if got := res.Steps[StepDetection].Status; got != StepCompleted {
		t.Fatalf("detection step: got %s, want %s", got, StepCompleted)
	}
	if got := res.Steps[StepSummarization].Status; got != StepCompleted {
		t.Fatalf("summarization step: got %s, want completed (skipped)", got)
	}
}

func TestPipelineTimesOutOnSilentStage(t *testing.T) {
	col := &stubCollector{result: bus.EmailsCollected{CollectedCount: 3}}
	det := &stubDetector{silent: true}
	orch, cleanup := newTestOrchestrator(t, col, det, &stubSummarizer{})
	defer cleanup()

	res, err := orch.RunFullPipeline(context.Background())
	if err != nil {
		t.Fatalf("timed-out run should not return an error: %v", err)
	}
	if res.Status != RunTimedOut {
		t.Fatalf("status: got %s, want %s", res.Status, RunTimedOut)
	}
	if string(res.Status) != "timeout" {
		t.Fatalf("status value: got %q, want %q", res.Status, "timeout")
	}
	if res.Error == "" {
		t.Fatalf("timed-out run carries no reason")
	}
	if got := res.Steps[StepDetection].Status; got != StepInProgress {
		t.Fatalf("detection step: got %s, want %s", got, StepInProgress)
	}
}

func TestPipelineFailsOnCorrelatedError(t *testing.T) {
	col := &stubCollector{result: bus.EmailsCollected{CollectedCount: 3}}
	det := &stubDetector{fail: true}
	orch, cleanup := newTestOrchestrator(t, col, det, &stubSummarizer{})
	defer cleanup()

	res, err := orch.RunFullPipeline(context.Background())
	if err == nil {
		t.Fatalf("failed run should return an error")
	}
	if res.Status != RunFailed {
		t.Fatalf("status: got %s, want %s", res.Status, RunFailed)
	}
	if got := res.Steps[StepDetection].Status; got != StepFailed {
		t.Fatalf("detection step: got %s, want %s", got, StepFailed)
	}
}

func TestPipelineIgnoresUncorrelatedError(t *testing.T) {
	col := &stubCollector{result: bus.EmailsCollected{CollectedCount: 3}}
	det := &stubDetector{detected: 1, strayError: true}
	orch, cleanup := newTestOrchestrator(t, col, det, &stubSummarizer{})
	defer cleanup()

	res, err := orch.RunFullPipeline(context.Background())
	if err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}
	if res.Status != RunCompleted {
		t.Fatalf("status: got %s, want %s", res.Status, RunCompleted)
	}
}

func TestPipelineIgnoresAdHocMarkRead(t *testing.T) {
	col := &stubCollector{result: bus.EmailsCollected{CollectedCount: 3}}
	det := &stubDetector{detected: 1}
	sum := &stubSummarizer{adHocScope: true}
	orch, cleanup := newTestOrchestrator(t, col, det, sum)
	defer cleanup()

	res, err := orch.RunFullPipeline(context.Background())
	if err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}
	if res.Status != RunCompleted {
		t.Fatalf("status: got %s, want %s", res.Status, RunCompleted)
	}
	if got := res.Steps[StepMarkRead].Status; got == StepCompleted {
		t.Fatalf("ad hoc mark-read advanced the pipeline step")
	}
}

func TestPipelineRejectsConcurrentRun(t *testing.T) {
	col := &stubCollector{result: bus.EmailsCollected{CollectedCount: 3}}
	det := &stubDetector{silent: true}
	orch, cleanup := newTestOrchestrator(t, col, det, &stubSummarizer{})
	defer cleanup()

	first := make(chan PipelineResult, 1)
	go func() {
		res, _ := orch.RunFullPipeline(context.Background())
		first <- res
	}()

	deadline := time.After(time.Second)
	for {
		if _, active := orch.ActiveRun(); active {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("first run never became active")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, err := orch.RunFullPipeline(context.Background()); !errors.Is(err, ErrPipelineActive) {
		t.Fatalf("second run: got %v, want ErrPipelineActive", err)
	}

	res := <-first
	if res.Status != RunTimedOut {
		t.Fatalf("first run status: got %s, want %s", res.Status, RunTimedOut)
	}
	if _, ok := orch.LastRun(); !ok {
		t.Fatalf("finished run not recorded")
	}
}

func TestPipelineFailsWhenCollectionErrors(t *testing.T) {
	col := &stubCollector{err: errors.New("imap unreachable")}
	orch, cleanup := newTestOrchestrator(t, col, &stubDetector{}, &stubSummarizer{})
	defer cleanup()

	res, err := orch.RunFullPipeline(context.Background())
	if err == nil {
		t.Fatalf("collection failure should surface")
	}
	if res.Status != RunFailed {
		t.Fatalf("status: got %s, want %s", res.Status, RunFailed)
	}
	if got := res.Steps[StepCollection].Status; got != StepFailed {
		t.Fatalf("collection step: got %s, want %s", got, StepFailed)
	}
}

func TestStepTransitionsAreMonotonic(t *testing.T) {
	run := newPipelineRun()
	run.setStep(StepDetection, StepInProgress, nil)
	run.setStep(StepDetection, StepCompleted, map[string]any{"detected_count": 2})
	run.setStep(StepDetection, StepInProgress, nil)
	if got := run.steps[StepDetection].Status; got != StepCompleted {
		t.Fatalf("step regressed: got %s, want %s", got, StepCompleted)
	}
	run.setStep(StepDetection, StepFailed, nil)
	if got := run.steps[StepDetection].Status; got != StepCompleted {
		t.Fatalf("terminal step changed: got %s, want %s", got, StepCompleted)
	}
}
