package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mohammad-safakhou/maildigest/internal/bus"
	"github.com/mohammad-safakhou/maildigest/internal/telemetry"
	"github.com/mohammad-safakhou/maildigest/models"
	"github.com/mohammad-safakhou/maildigest/provider"
)

// DetectorStore is the slice of the persistence layer detection needs.
type DetectorStore interface {
	SaveNewsletter(ctx context.Context, nl *models.Newsletter) error
	UpdateSenderStats(ctx context.Context, sender string, isNewsletter bool) error
	SenderStats(ctx context.Context, sender string) (models.SenderStats, bool, error)
}

var senderPatterns = []string{
	"newsletter", "noreply", "no-reply", "digest", "updates", "news",
	"notifications", "hello@", "team@", "weekly", "daily",
}

var subjectPatterns = []string{
	"newsletter", "digest", "weekly", "daily", "roundup", "issue #",
	"edition", "this week in", "top stories",
}

// NewsletterDetector scores collected emails against newsletter heuristics,
// optionally refined by the LLM, and persists everything above the cutoff.
// It consumes EmailsCollected off the bus and publishes NewslettersDetected.
type NewsletterDetector struct {
	*BaseAgent
	store     DetectorStore
	ai        provider.Provider // nil disables AI refinement
	cutoff    float64
	telemetry *telemetry.Telemetry
}

// NewNewsletterDetector wires a detector. ai may be nil to run on heuristics
// alone.
func NewNewsletterDetector(broker *bus.Broker, store DetectorStore, ai provider.Provider, cutoff float64, tel *telemetry.Telemetry) *NewsletterDetector {
	return &NewsletterDetector{
		BaseAgent: NewBaseAgent("newsletter_detector", broker),
		store:     store,
		ai:        ai,
		cutoff:    cutoff,
		telemetry: tel,
	}
}

// Start subscribes the detector to collection results.
func (d *NewsletterDetector) Start(ctx context.Context) error {
	if err := d.BaseAgent.Start(ctx); err != nil {
		return err
	}
	d.Broker().Subscribe(bus.KindEmailsCollected, "newsletter_detector.emails_collected", d.onEmailsCollected)
	return nil
}

// Stop removes the subscription and flips the lifecycle flag.
func (d *NewsletterDetector) Stop(ctx context.Context) error {
	d.Broker().Unsubscribe(bus.KindEmailsCollected, "newsletter_detector.emails_collected")
	return d.BaseAgent.Stop(ctx)
}

func (d *NewsletterDetector) onEmailsCollected(ctx context.Context, msg bus.Message) error {
	payload, ok := msg.Payload.(bus.EmailsCollected)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", msg.Payload, msg.Kind)
	}
	if payload.CollectedCount == 0 {
		return nil
	}
	if _, err := d.Detect(ctx, payload.Items, msg.CorrelationID); err != nil {
		d.PublishError("newsletter_detection", err, msg.CorrelationID)
		return err
	}
	return nil
}

// Detect classifies a batch of emails and persists the hits. Per-email
// failures are recorded in the result; only the final publish error aborts.
func (d *NewsletterDetector) Detect(ctx context.Context, emails []models.Email, correlationID string) (bus.NewslettersDetected, error) {
	started := time.Now()
	var detected []models.Newsletter
	var errs []string

	for i := range emails {
		e := emails[i]
		nl, isNewsletter, err := d.classify(ctx, e)
		if err != nil {
			d.Logger().Printf("classifying %s failed: %v", e.ID, err)
			errs = append(errs, fmt.Sprintf("%s: %v", e.ID, err))
			continue
		}
		if err := d.store.UpdateSenderStats(ctx, e.Sender, isNewsletter); err != nil {
			d.Logger().Printf("updating sender stats for %s: %v", e.Sender, err)
		}
		if !isNewsletter {
			continue
		}
		if err := d.store.SaveNewsletter(ctx, &nl); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", e.ID, err))
			continue
		}
		detected = append(detected, nl)
	}

	result := bus.NewslettersDetected{
		DetectedCount:  len(detected),
		ProcessedCount: len(emails),
		Errors:         errs,
		ExecutionTime:  time.Since(started),
		Items:          detected,
	}
	d.Logger().Printf("detected %d newsletters out of %d emails", result.DetectedCount, result.ProcessedCount)
	d.telemetry.StageDuration("newsletter_detection", result.ExecutionTime)
	if err := d.Publish(bus.KindNewslettersDetected, result, correlationID); err != nil {
		return result, fmt.Errorf("publishing detection result: %w", err)
	}
	return result, nil
}

// classify scores one email. Heuristics run first; when the LLM is wired and
// the heuristic score is borderline, its verdict takes precedence.
func (d *NewsletterDetector) classify(ctx context.Context, e models.Email) (models.Newsletter, bool, error) {
	score, method := d.heuristicScore(ctx, e)
	nlType := models.NewsletterOther
	notes := ""

	if d.ai != nil && score >= d.cutoff-0.2 && score < d.cutoff+0.2 {
		cls, err := d.ai.ClassifyEmail(ctx, e)
		if err != nil {
			d.Logger().Printf("AI classification for %s failed, keeping heuristic score: %v", e.ID, err)
		} else {
			method = models.DetectionContentAnalysis
			notes = "ai classification"
			if cls.IsNewsletter {
				if cls.Confidence > score {
					score = cls.Confidence
				}
				nlType = parseNewsletterType(cls.Type)
			} else {
				score = 1 - cls.Confidence
			}
		}
	}

	if score < d.cutoff {
		return models.Newsletter{}, false, nil
	}
	return models.Newsletter{
		EmailID:         e.ID,
		Type:            nlType,
		ConfidenceScore: score,
		DetectionMethod: method,
		SenderDomain:    models.ExtractDomain(e.Sender),
		SenderName:      e.SenderName,
		Notes:           notes,
	}, true, nil
}

func (d *NewsletterDetector) heuristicScore(ctx context.Context, e models.Email) (float64, models.DetectionMethod) {
	score := 0.0
	method := models.DetectionSenderPattern

	if e.HasUnsubscribeHeader() {
		score += 0.4
		method = models.DetectionHeaderAnalysis
	}
	sender := strings.ToLower(e.Sender)
	for _, p := range senderPatterns {
		if strings.Contains(sender, p) {
			score += 0.3
			break
		}
	}
	subject := strings.ToLower(e.Subject)
	for _, p := range subjectPatterns {
		if strings.Contains(subject, p) {
			score += 0.2
			break
		}
	}
	if strings.Contains(strings.ToLower(e.ContentHTML), "unsubscribe") ||
		strings.Contains(strings.ToLower(e.ContentText), "unsubscribe") {
		score += 0.1
	}

	if stats, ok, err := d.store.SenderStats(ctx, e.Sender); err == nil && ok && stats.EmailsSeen >= 3 {
		ratio := float64(stats.NewslettersSeen) / float64(stats.EmailsSeen)
		if ratio > 0.5 {
			score += 0.2
			if score >= d.cutoff && method == models.DetectionSenderPattern {
				method = models.DetectionFrequency
			}
		}
	}

	if score > 1 {
		score = 1
	}
	return score, method
}

func parseNewsletterType(s string) models.NewsletterType {
	switch models.NewsletterType(strings.ToLower(strings.TrimSpace(s))) {
	case models.NewsletterTech, models.NewsletterBusiness, models.NewsletterMarketing, models.NewsletterPersonal:
		return models.NewsletterType(strings.ToLower(strings.TrimSpace(s)))
	default:
		return models.NewsletterOther
	}
}

// Execute dispatches a named operation with loosely typed parameters.
func (d *NewsletterDetector) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	op, _ := params["operation"].(string)
	switch op {
	case "detect", "":
		emails, _ := params["emails"].([]models.Email)
		corr, _ := params["correlation_id"].(string)
		res, err := d.Detect(ctx, emails, corr)
		if err != nil {
			return nil, err
		}
		return map[string]any{"detected_count": res.DetectedCount, "processed_count": res.ProcessedCount}, nil
	default:
		return nil, unknownOperation(op)
	}
}

// HealthCheck extends the base snapshot with the detector settings.
func (d *NewsletterDetector) HealthCheck(ctx context.Context) Health {
	h := d.BaseAgent.HealthCheck(ctx)
	h.Details = map[string]any{
		"cutoff":     d.cutoff,
		"ai_enabled": d.ai != nil,
	}
	return h
}
