package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/maildigest/internal/bus"
	"github.com/mohammad-safakhou/maildigest/models"
)

type fakeDetectorStore struct {
	mu          sync.Mutex
	newsletters []models.Newsletter
	stats       map[string]models.SenderStats
	statCalls   int
}

func newFakeDetectorStore() *fakeDetectorStore {
	return &fakeDetectorStore{stats: make(map[string]models.SenderStats)}
}

func (s *fakeDetectorStore) SaveNewsletter(ctx context.Context, nl *models.Newsletter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if nl.ID == "" {
		nl.ID = "nl-" + nl.EmailID
	}
	s.newsletters = append(s.newsletters, *nl)
	return nil
}

func (s *fakeDetectorStore) UpdateSenderStats(ctx context.Context, sender string, isNewsletter bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statCalls++
	return nil
}

func (s *fakeDetectorStore) SenderStats(ctx context.Context, sender string) (models.SenderStats, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[sender]
	return st, ok, nil
}

func newsletterEmail(id string) models.Email {
	return models.Email{
		ID:          id,
		MessageID:   "msg-" + id,
		Subject:     "Weekly digest: top stories",
		Sender:      "newsletter@updates.example.com",
		ContentText: "Read more. Unsubscribe here.",
		Headers:     map[string]string{"List-Unsubscribe": "<mailto:u@example.com>"},
		ReceivedAt:  time.Now(),
	}
}

func plainEmail(id string) models.Email {
	return models.Email{
		ID:          id,
		MessageID:   "msg-" + id,
		Subject:     "Lunch tomorrow?",
		Sender:      "colleague@corp.example.com",
		ContentText: "Are you free at noon?",
		ReceivedAt:  time.Now(),
	}
}

func TestDetectorScoresNewsletterSignals(t *testing.T) {
	broker := bus.NewBroker(16, nil)
	ctx := context.Background()
	broker.Start(ctx)
	defer broker.Stop()

	st := newFakeDetectorStore()
	d := NewNewsletterDetector(broker, st, nil, 0.5, nil)

	res, err := d.Detect(ctx, []models.Email{newsletterEmail("e1"), plainEmail("e2")}, "")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if res.DetectedCount != 1 {
		t.Fatalf("detected: got %d, want 1", res.DetectedCount)
	}
	if res.ProcessedCount != 2 {
		t.Fatalf("processed: got %d, want 2", res.ProcessedCount)
	}
	if len(st.newsletters) != 1 || st.newsletters[0].EmailID != "e1" {
		t.Fatalf("persisted newsletters: %+v", st.newsletters)
	}
	nl := st.newsletters[0]
	if nl.ConfidenceScore < 0.5 {
		t.Fatalf("confidence: got %f, want >= 0.5", nl.ConfidenceScore)
	}
	if nl.DetectionMethod != models.DetectionHeaderAnalysis {
		t.Fatalf("method: got %s, want %s", nl.DetectionMethod, models.DetectionHeaderAnalysis)
	}
	if nl.SenderDomain != "updates.example.com" {
		t.Fatalf("domain: got %s", nl.SenderDomain)
	}
	if st.statCalls != 2 {
		t.Fatalf("sender stats updates: got %d, want 2", st.statCalls)
	}
}

func TestDetectorFrequencyBonus(t *testing.T) {
	broker := bus.NewBroker(16, nil)
	ctx := context.Background()
	broker.Start(ctx)
	defer broker.Stop()

	st := newFakeDetectorStore()
	st.stats["frequent@sender.com"] = models.SenderStats{
		Sender: "frequent@sender.com", EmailsSeen: 10, NewslettersSeen: 9,
	}
	d := NewNewsletterDetector(broker, st, nil, 0.5, nil)

	// Subject pattern (0.2) + unsubscribe text (0.1) alone stay below the
	// cutoff; the frequency bonus (0.2) pushes it over.
	e := models.Email{
		ID:          "e1",
		Subject:     "Issue #42",
		Sender:      "frequent@sender.com",
		ContentText: "unsubscribe",
		ReceivedAt:  time.Now(),
	}
	res, err := d.Detect(ctx, []models.Email{e}, "")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if res.DetectedCount != 1 {
		t.Fatalf("frequency bonus not applied: %+v", res)
	}
	if st.newsletters[0].DetectionMethod != models.DetectionFrequency {
		t.Fatalf("method: got %s, want %s", st.newsletters[0].DetectionMethod, models.DetectionFrequency)
	}
}

func TestDetectorReactsToCollectedBroadcast(t *testing.T) {
	broker := bus.NewBroker(16, nil)
	ctx := context.Background()
	broker.Start(ctx)
	defer broker.Stop()

	st := newFakeDetectorStore()
	d := NewNewsletterDetector(broker, st, nil, 0.5, nil)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop(ctx)

	got := make(chan bus.Message, 1)
	broker.Subscribe(bus.KindNewslettersDetected, "test", func(ctx context.Context, msg bus.Message) error {
		got <- msg
		return nil
	})

	payload := bus.EmailsCollected{
		CollectedCount: 1,
		Items:          []models.Email{newsletterEmail("e1")},
	}
	msg := bus.NewMessage(bus.KindEmailsCollected, "email_collector", payload).WithCorrelation("run-9")
	if err := broker.Publish(msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	out := waitForMessage(t, got)
	if out.CorrelationID != "run-9" {
		t.Fatalf("correlation: got %q, want run-9", out.CorrelationID)
	}
	detected, ok := out.Payload.(bus.NewslettersDetected)
	if !ok || detected.DetectedCount != 1 {
		t.Fatalf("unexpected payload: %#v", out.Payload)
	}
}

func TestParseNewsletterType(t *testing.T) {
	cases := map[string]models.NewsletterType{
		"tech":       models.NewsletterTech,
		" Business ": models.NewsletterBusiness,
		"spam":       models.NewsletterOther,
		"":           models.NewsletterOther,
	}
	for in, want := range cases {
		if got := parseNewsletterType(in); got != want {
			t.Fatalf("parseNewsletterType(%q): got %s, want %s", in, got, want)
		}
	}
}
