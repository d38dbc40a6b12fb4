package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/maildigest/internal/bus"
	"github.com/mohammad-safakhou/maildigest/internal/mail"
	"github.com/mohammad-safakhou/maildigest/internal/telemetry"
	"github.com/mohammad-safakhou/maildigest/models"
)

// CollectorStore is the slice of the persistence layer the collector needs.
type CollectorStore interface {
	SaveEmails(ctx context.Context, emails []models.Email) error
	UnprocessedEmails(ctx context.Context, limit int) ([]models.Email, error)
	EmailsByIDs(ctx context.Context, ids []string) (map[string]models.Email, error)
	SetEmailStatus(ctx context.Context, id string, status models.EmailStatus) error
}

// EmailCollector pulls unread mail from the configured providers, persists it
// and announces each pass on the bus. It is the only agent that talks to the
// mailbox providers, so ad hoc mark-as-read requests route through it too.
type EmailCollector struct {
	*BaseAgent
	store     CollectorStore
	providers map[string]mail.Provider
	order     []string
	maxPerRun int
	telemetry *telemetry.Telemetry
}

// NewEmailCollector wires a collector over the given providers. Provider
// registration order is preserved for fetching.
func NewEmailCollector(broker *bus.Broker, store CollectorStore, providers []mail.Provider, maxPerRun int, tel *telemetry.Telemetry) *EmailCollector {
	c := &EmailCollector{
		BaseAgent: NewBaseAgent("email_collector", broker),
		store:     store,
		providers: make(map[string]mail.Provider, len(providers)),
		maxPerRun: maxPerRun,
		telemetry: tel,
	}
	for _, p := range providers {
		if _, dup := c.providers[p.Account()]; dup {
			continue
		}
		c.providers[p.Account()] = p
		c.order = append(c.order, p.Account())
	}
	return c
}

// Collect runs one collection pass across every provider. Per-provider
// failures are recorded in the result and do not abort the pass; only a
// storage failure does. The result is also published as EmailsCollected.
func (c *EmailCollector) Collect(ctx context.Context, correlationID string) (bus.EmailsCollected, error) {
	started := time.Now()
	var collected []models.Email
	var errs []string

	for _, account := range c.order {
		p := c.providers[account]
		emails, err := p.FetchUnread(ctx, c.maxPerRun)
		if err != nil {
			c.Logger().Printf("fetch from %s failed: %v", account, err)
			errs = append(errs, fmt.Sprintf("%s: %v", account, err))
			continue
		}
		c.Logger().Printf("fetched %d unread from %s", len(emails), account)
		collected = append(collected, emails...)
	}

	if err := c.store.SaveEmails(ctx, collected); err != nil {
		return bus.EmailsCollected{}, fmt.Errorf("saving collected emails: %w", err)
	}

	result := bus.EmailsCollected{
		CollectedCount: len(collected),
		Errors:         errs,
		ExecutionTime:  time.Since(started),
		Items:          collected,
	}
	c.telemetry.StageDuration("email_collection", result.ExecutionTime)
	if err := c.Publish(bus.KindEmailsCollected, result, correlationID); err != nil {
		return result, fmt.Errorf("publishing collection result: %w", err)
	}
	return result, nil
}

// MarkEmailsRead marks stored emails read at their providers and mirrors the
// state in the store. The scope tells downstream consumers which call path
// produced the broadcast.
func (c *EmailCollector) MarkEmailsRead(ctx context.Context, ids []string, scope bus.MarkReadScope, correlationID string) (map[string]bool, error) {
	results := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return results, c.publishMarkedRead(results, scope, correlationID)
	}

	emails, err := c.store.EmailsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading emails to mark read: %w", err)
	}
	for _, id := range ids {
		e, ok := emails[id]
		if !ok {
			results[id] = false
			continue
		}
		p, ok := c.providers[e.Account]
		if !ok {
			c.Logger().Printf("no provider for account %s, skipping %s", e.Account, id)
			results[id] = false
			continue
		}
		if err := p.MarkRead(ctx, e.MessageID); err != nil {
			c.Logger().Printf("mark read failed for %s: %v", id, err)
			results[id] = false
			_ = c.store.SetEmailStatus(ctx, id, models.EmailStatusError)
			continue
		}
		if err := c.store.SetEmailStatus(ctx, id, models.EmailStatusRead); err != nil {
			c.Logger().Printf("recording read status for %s: %v", id, err)
		}
		results[id] = true
	}
	return results, c.publishMarkedRead(results, scope, correlationID)
}

func (c *EmailCollector) publishMarkedRead(results map[string]bool, scope bus.MarkReadScope, correlationID string) error {
	processed := 0
	for _, ok := range results {
		if ok {
			processed++
		}
	}
	payload := bus.EmailsMarkedRead{
		Results:        results,
		ProcessedCount: processed,
		Scope:          scope,
	}
	return c.Publish(bus.KindEmailsMarkedRead, payload, correlationID)
}

// GetUnprocessedEmails exposes stored emails awaiting detection.
func (c *EmailCollector) GetUnprocessedEmails(ctx context.Context, limit int) ([]models.Email, error) {
	return c.store.UnprocessedEmails(ctx, limit)
}

// Execute dispatches a named operation with loosely typed parameters.
func (c *EmailCollector) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	op, _ := params["operation"].(string)
	switch op {
	case "collect", "":
		corr, _ := params["correlation_id"].(string)
		res, err := c.Collect(ctx, corr)
		if err != nil {
			return nil, err
		}
		return map[string]any{"collected_count": res.CollectedCount, "errors": res.Errors}, nil
	case "mark_read":
		ids, _ := params["email_ids"].([]string)
		results, err := c.MarkEmailsRead(ctx, ids, bus.ScopeAdHoc, "")
		if err != nil {
			return nil, err
		}
		return map[string]any{"results": results}, nil
	default:
		return nil, unknownOperation(op)
	}
}

// HealthCheck extends the base snapshot with provider information.
func (c *EmailCollector) HealthCheck(ctx context.Context) Health {
	h := c.BaseAgent.HealthCheck(ctx)
	h.Details = map[string]any{
		"accounts":           c.order,
		"max_emails_per_run": c.maxPerRun,
	}
	return h
}
