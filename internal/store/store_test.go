package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mohammad-safakhou/maildigest/internal/store"
	"github.com/mohammad-safakhou/maildigest/models"
)

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("maildigest"),
		tcPostgres.WithUsername("maildigest"),
		tcPostgres.WithPassword("maildigest"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://maildigest:maildigest@%s:%s/maildigest?sslmode=disable", host, port.Port())

	if err := store.Migrate("file://../../migrations", dsn, "up", 0); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestStoreEmailLifecycle(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	emails := []models.Email{
		{
			MessageID:   "m1",
			Subject:     "Weekly digest",
			Sender:      "news@updates.example.com",
			ContentText: "hello",
			ReceivedAt:  time.Now().UTC(),
			Account:     "work",
			Headers:     map[string]string{"List-Unsubscribe": "<mailto:u@x.com>"},
		},
		{
			MessageID:  "m2",
			Subject:    "Lunch?",
			Sender:     "friend@example.com",
			ReceivedAt: time.Now().UTC(),
			Account:    "work",
		},
	}
	if err := st.SaveEmails(ctx, emails); err != nil {
		t.Fatalf("save emails: %v", err)
	}
	// Upsert by message ID keeps the original rows.
	if err := st.SaveEmails(ctx, []models.Email{{MessageID: "m1", Sender: "dup", ReceivedAt: time.Now(), Account: "work"}}); err != nil {
		t.Fatalf("re-save emails: %v", err)
	}

	unprocessed, err := st.UnprocessedEmails(ctx, 0)
	if err != nil {
		t.Fatalf("unprocessed: %v", err)
	}
	if len(unprocessed) != 2 {
		t.Fatalf("unprocessed: got %d, want 2", len(unprocessed))
	}
	if !unprocessed[0].HasUnsubscribeHeader() {
		t.Fatalf("headers round trip failed: %+v", unprocessed[0].Headers)
	}

	first := unprocessed[0]
	byID, err := st.EmailsByIDs(ctx, []string{first.ID})
	if err != nil {
		t.Fatalf("by ids: %v", err)
	}
	if byID[first.ID].MessageID != first.MessageID {
		t.Fatalf("by ids mismatch: %+v", byID)
	}

	if err := st.SetEmailStatus(ctx, first.ID, models.EmailStatusRead); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := st.MarkEmailsProcessed(ctx, []string{first.ID}); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	unprocessed, err = st.UnprocessedEmails(ctx, 0)
	if err != nil {
		t.Fatalf("unprocessed after mark: %v", err)
	}
	if len(unprocessed) != 1 {
		t.Fatalf("unprocessed after mark: got %d, want 1", len(unprocessed))
	}
}

func TestStoreNewslettersAndSenderStats(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	if err := st.SaveEmails(ctx, []models.Email{{
		MessageID: "m1", Sender: "news@updates.example.com", ReceivedAt: time.Now().UTC(), Account: "work",
	}}); err != nil {
		t.Fatalf("save emails: %v", err)
	}
	emails, err := st.UnprocessedEmails(ctx, 0)
	if err != nil || len(emails) != 1 {
		t.Fatalf("unprocessed: %v, %d", err, len(emails))
	}

	nl := models.Newsletter{
		EmailID:         emails[0].ID,
		Type:            models.NewsletterTech,
		ConfidenceScore: 0.8,
		DetectionMethod: models.DetectionHeaderAnalysis,
		SenderDomain:    "updates.example.com",
	}
	if err := st.SaveNewsletter(ctx, &nl); err != nil {
		t.Fatalf("save newsletter: %v", err)
	}
	if nl.ID == "" {
		t.Fatalf("newsletter ID not assigned")
	}

	got, err := st.UnprocessedNewsletters(ctx)
	if err != nil {
		t.Fatalf("unprocessed newsletters: %v", err)
	}
	if len(got) != 1 || got[0].Type != models.NewsletterTech {
		t.Fatalf("unprocessed newsletters: %+v", got)
	}

	for i := 0; i < 3; i++ {
		if err := st.UpdateSenderStats(ctx, "news@updates.example.com", i%2 == 0); err != nil {
			t.Fatalf("update sender stats: %v", err)
		}
	}
	stats, ok, err := st.SenderStats(ctx, "news@updates.example.com")
	if err != nil || !ok {
		t.Fatalf("sender stats: %v, %v", ok, err)
	}
	if stats.EmailsSeen != 3 || stats.NewslettersSeen != 2 {
		t.Fatalf("sender stats: %+v", stats)
	}
	if _, ok, _ := st.SenderStats(ctx, "unknown@example.com"); ok {
		t.Fatalf("unknown sender reported present")
	}
}

func TestStoreSummariesAndUsers(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	sum := models.Summary{
		Title:            "Daily Digest",
		Content:          "<h1>Digest</h1>",
		NewslettersCount: 3,
		Status:           models.SummaryStatusGenerated,
		ProcessingTime:   1500 * time.Millisecond,
	}
	if err := st.SaveSummary(ctx, &sum); err != nil {
		t.Fatalf("save summary: %v", err)
	}
	if err := st.UpdateSummaryStatus(ctx, sum.ID, models.SummaryStatusSent, ""); err != nil {
		t.Fatalf("update status: %v", err)
	}

	got, ok, err := st.GetSummary(ctx, sum.ID)
	if err != nil || !ok {
		t.Fatalf("get summary: %v, %v", ok, err)
	}
	if got.Status != models.SummaryStatusSent || got.SentAt == nil {
		t.Fatalf("summary after send: %+v", got)
	}
	if got.ProcessingTime != 1500*time.Millisecond {
		t.Fatalf("processing time: got %v", got.ProcessingTime)
	}

	recent, err := st.RecentSummaries(ctx, 5)
	if err != nil || len(recent) != 1 {
		t.Fatalf("recent summaries: %v, %d", err, len(recent))
	}
	if _, ok, _ := st.GetSummary(ctx, "00000000-0000-0000-0000-000000000000"); ok {
		t.Fatalf("missing summary reported present")
	}

	if err := st.CreateUser(ctx, "me@example.com", "hash"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	id, hash, ok, err := st.UserByEmail(ctx, "me@example.com")
	if err != nil || !ok || id == "" || hash != "hash" {
		t.Fatalf("user by email: id=%q hash=%q ok=%v err=%v", id, hash, ok, err)
	}
	if _, _, ok, _ := st.UserByEmail(ctx, "nobody@example.com"); ok {
		t.Fatalf("unknown user reported present")
	}

	if err := st.SavePipelineRun(ctx, "11111111-1111-1111-1111-111111111111", "completed",
		time.Now().Add(-time.Minute), time.Now(), map[string]string{"email_collection": "completed"}); err != nil {
		t.Fatalf("save pipeline run: %v", err)
	}
}
