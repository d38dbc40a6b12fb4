package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/maildigest/internal/bus"
	"github.com/mohammad-safakhou/maildigest/internal/mail"
	"github.com/mohammad-safakhou/maildigest/internal/telemetry"
	"github.com/mohammad-safakhou/maildigest/models"
	"github.com/mohammad-safakhou/maildigest/provider"
)

// SummarizerStore is the slice of the persistence layer summarization needs.
type SummarizerStore interface {
	UnprocessedNewsletters(ctx context.Context) ([]models.Newsletter, error)
	EmailsByIDs(ctx context.Context, ids []string) (map[string]models.Email, error)
	SaveSummary(ctx context.Context, sum *models.Summary) error
	UpdateSummaryStatus(ctx context.Context, id string, status models.SummaryStatus, errMsg string) error
	MarkEmailsProcessed(ctx context.Context, ids []string) error
}

// MarkReader requests a provider-side mark-as-read pass. The collector
// implements it; the summarizer calls it after a digest went out so the
// pipeline run can observe the broadcast.
type MarkReader interface {
	MarkEmailsRead(ctx context.Context, ids []string, scope bus.MarkReadScope, correlationID string) (map[string]bool, error)
}

// ContentSummarizer turns detected newsletters into a digest, stores it,
// mails it out and requests the pipeline-scoped mark-as-read. It consumes
// NewslettersDetected off the bus and publishes SummaryGenerated.
type ContentSummarizer struct {
	*BaseAgent
	store     SummarizerStore
	ai        provider.Provider
	sender    mail.DigestSender
	marker    MarkReader
	recipient string
	telemetry *telemetry.Telemetry
}

// NewContentSummarizer wires a summarizer. sender may be nil when digest
// delivery is disabled; marker may be nil when no collector is present.
func NewContentSummarizer(broker *bus.Broker, store SummarizerStore, ai provider.Provider, sender mail.DigestSender, marker MarkReader, recipient string, tel *telemetry.Telemetry) *ContentSummarizer {
	return &ContentSummarizer{
		BaseAgent: NewBaseAgent("content_summarizer", broker),
		store:     store,
		ai:        ai,
		sender:    sender,
		marker:    marker,
		recipient: recipient,
		telemetry: tel,
	}
}

// Start subscribes the summarizer to detection results.
func (s *ContentSummarizer) Start(ctx context.Context) error {
	if err := s.BaseAgent.Start(ctx); err != nil {
		return err
	}
	s.Broker().Subscribe(bus.KindNewslettersDetected, "content_summarizer.newsletters_detected", s.onNewslettersDetected)
	return nil
}

// Stop removes the subscription and flips the lifecycle flag.
func (s *ContentSummarizer) Stop(ctx context.Context) error {
	s.Broker().Unsubscribe(bus.KindNewslettersDetected, "content_summarizer.newsletters_detected")
	return s.BaseAgent.Stop(ctx)
}

func (s *ContentSummarizer) onNewslettersDetected(ctx context.Context, msg bus.Message) error {
	payload, ok := msg.Payload.(bus.NewslettersDetected)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", msg.Payload, msg.Kind)
	}
	if payload.DetectedCount == 0 {
		return nil
	}
	if _, err := s.Summarize(ctx, payload.Items, msg.CorrelationID); err != nil {
		s.PublishError("content_summarization", err, msg.CorrelationID)
		return err
	}
	return nil
}

// Summarize generates and delivers a digest for the given newsletters. A nil
// slice summarizes everything still unprocessed in the store. The saved
// summary is returned; SummaryGenerated is published either way.
func (s *ContentSummarizer) Summarize(ctx context.Context, newsletters []models.Newsletter, correlationID string) (models.Summary, error) {
	started := time.Now()

	if newsletters == nil {
		var err error
		newsletters, err = s.store.UnprocessedNewsletters(ctx)
		if err != nil {
			return models.Summary{}, fmt.Errorf("loading unprocessed newsletters: %w", err)
		}
	}
	if len(newsletters) == 0 {
		s.Logger().Printf("nothing to summarize")
		return models.Summary{}, nil
	}

	emailIDs := make([]string, 0, len(newsletters))
	for _, nl := range newsletters {
		emailIDs = append(emailIDs, nl.EmailID)
	}
	emails, err := s.store.EmailsByIDs(ctx, emailIDs)
	if err != nil {
		return models.Summary{}, fmt.Errorf("loading newsletter emails: %w", err)
	}

	items := make([]models.NewsletterSummary, 0, len(newsletters))
	for _, nl := range newsletters {
		e, ok := emails[nl.EmailID]
		if !ok {
			s.Logger().Printf("email %s missing for newsletter %s, skipping", nl.EmailID, nl.ID)
			continue
		}
		item, err := s.ai.SummarizeNewsletter(ctx, e, nl)
		if err != nil {
			s.Logger().Printf("summarizing %s failed: %v", nl.ID, err)
			item = models.NewsletterSummary{Title: e.Subject, Sender: e.Sender, Summary: e.Subject}
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return models.Summary{}, fmt.Errorf("no newsletter content available for %d newsletters", len(newsletters))
	}

	digest, err := s.ai.GenerateDigest(ctx, items)
	if err != nil {
		return models.Summary{}, fmt.Errorf("generating digest: %w", err)
	}

	summary := models.Summary{
		Title:            digest.Title,
		Content:          digest.HTML,
		NewslettersCount: len(newsletters),
		Status:           models.SummaryStatusGenerated,
		ProcessingTime:   time.Since(started),
	}
	if err := s.store.SaveSummary(ctx, &summary); err != nil {
		return models.Summary{}, fmt.Errorf("saving summary: %w", err)
	}

	sent := s.deliver(ctx, &summary)

	if err := s.store.MarkEmailsProcessed(ctx, emailIDs); err != nil {
		s.Logger().Printf("marking emails processed: %v", err)
	}

	summary.ProcessingTime = time.Since(started)
	s.telemetry.StageDuration("content_summarization", summary.ProcessingTime)
	payload := bus.SummaryGenerated{
		SummaryID:        summary.ID,
		NewslettersCount: summary.NewslettersCount,
		ProcessingTime:   summary.ProcessingTime,
		NotificationSent: sent,
	}
	if err := s.Publish(bus.KindSummaryGenerated, payload, correlationID); err != nil {
		return summary, fmt.Errorf("publishing summary result: %w", err)
	}

	if sent && s.marker != nil {
		if _, err := s.marker.MarkEmailsRead(ctx, emailIDs, bus.ScopePipeline, correlationID); err != nil {
			s.Logger().Printf("mark as read after digest failed: %v", err)
		}
	}
	return summary, nil
}

// deliver mails the digest and records the outcome on the summary row.
func (s *ContentSummarizer) deliver(ctx context.Context, sum *models.Summary) bool {
	if s.sender == nil || s.recipient == "" {
		s.Logger().Printf("digest delivery disabled, summary %s stored only", sum.ID)
		return false
	}
	if err := s.sender.Send(ctx, s.recipient, sum.Title, sum.Content); err != nil {
		s.Logger().Printf("sending digest %s failed: %v", sum.ID, err)
		sum.Status = models.SummaryStatusFailed
		sum.ErrorMessage = err.Error()
		if uerr := s.store.UpdateSummaryStatus(ctx, sum.ID, models.SummaryStatusFailed, err.Error()); uerr != nil {
			s.Logger().Printf("recording failed delivery for %s: %v", sum.ID, uerr)
		}
		return false
	}
	sum.Status = models.SummaryStatusSent
	if err := s.store.UpdateSummaryStatus(ctx, sum.ID, models.SummaryStatusSent, ""); err != nil {
		s.Logger().Printf("recording delivery for %s: %v", sum.ID, err)
	}
	return true
}

// Execute dispatches a named operation with loosely typed parameters.
func (s *ContentSummarizer) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	op, _ := params["operation"].(string)
	switch op {
	case "summarize", "":
		newsletters, _ := params["newsletters"].([]models.Newsletter)
		corr, _ := params["correlation_id"].(string)
		sum, err := s.Summarize(ctx, newsletters, corr)
		if err != nil {
			return nil, err
		}
		return map[string]any{"summary_id": sum.ID, "newsletters_count": sum.NewslettersCount}, nil
	default:
		return nil, unknownOperation(op)
	}
}

// HealthCheck extends the base snapshot with delivery settings.
func (s *ContentSummarizer) HealthCheck(ctx context.Context) Health {
	h := s.BaseAgent.HealthCheck(ctx)
	h.Details = map[string]any{
		"delivery_enabled": s.sender != nil && s.recipient != "",
		"recipient":        s.recipient,
	}
	return h
}
