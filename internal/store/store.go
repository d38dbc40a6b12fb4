// Package store is the Postgres persistence layer for emails, newsletters,
// summaries and pipeline runs.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mohammad-safakhou/maildigest/models"
)

// Store wraps the database handle. All methods take a context and use
// parameterised queries.
type Store struct {
	DB *sql.DB
}

// NewWithDSN opens and pings a Postgres connection.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.DB.Close() }

// SaveEmails upserts collected emails keyed by provider message ID. Already
// known messages keep their processed state.
func (s *Store) SaveEmails(ctx context.Context, emails []models.Email) error {
	if len(emails) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i := range emails {
		e := &emails[i]
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		headers, err := json.Marshal(e.Headers)
		if err != nil {
			return fmt.Errorf("marshalling headers for %s: %w", e.MessageID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO emails (id, message_id, subject, sender, sender_name, recipient,
				content_text, content_html, received_at, account, status, is_processed, headers)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			ON CONFLICT (message_id) DO NOTHING`,
			e.ID, e.MessageID, e.Subject, e.Sender, e.SenderName, e.Recipient,
			e.ContentText, e.ContentHTML, e.ReceivedAt, e.Account, string(models.EmailStatusUnread), false, headers)
		if err != nil {
			return fmt.Errorf("inserting email %s: %w", e.MessageID, err)
		}
	}
	return tx.Commit()
}

// UnprocessedEmails returns collected emails not yet run through detection.
func (s *Store) UnprocessedEmails(ctx context.Context, limit int) ([]models.Email, error) {
	q := `SELECT id, message_id, subject, sender, sender_name, recipient, content_text,
		content_html, received_at, account, status, is_processed, headers, created_at, updated_at
		FROM emails WHERE is_processed = false ORDER BY received_at`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Email
	for rows.Next() {
		var e models.Email
		var headers []byte
		var status string
		if err := rows.Scan(&e.ID, &e.MessageID, &e.Subject, &e.Sender, &e.SenderName, &e.Recipient,
			&e.ContentText, &e.ContentHTML, &e.ReceivedAt, &e.Account, &status, &e.IsProcessed,
			&headers, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Status = models.EmailStatus(status)
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &e.Headers); err != nil {
				return nil, fmt.Errorf("unmarshalling headers for %s: %w", e.MessageID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EmailsByIDs fetches specific emails.
func (s *Store) EmailsByIDs(ctx context.Context, ids []string) (map[string]models.Email, error) {
	out := make(map[string]models.Email, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, message_id, subject, sender, sender_name, recipient, content_text,
			content_html, received_at, account, status, is_processed
		FROM emails WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var e models.Email
		var status string
		if err := rows.Scan(&e.ID, &e.MessageID, &e.Subject, &e.Sender, &e.SenderName, &e.Recipient,
			&e.ContentText, &e.ContentHTML, &e.ReceivedAt, &e.Account, &status, &e.IsProcessed); err != nil {
			return nil, err
		}
		e.Status = models.EmailStatus(status)
		out[e.ID] = e
	}
	return out, rows.Err()
}

// MarkEmailsProcessed flags emails as consumed by summarization.
func (s *Store) MarkEmailsProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.DB.ExecContext(ctx,
		`UPDATE emails SET is_processed = true, updated_at = NOW() WHERE id = ANY($1)`, pq.Array(ids))
	return err
}

// SetEmailStatus records the provider-side read state of one email.
func (s *Store) SetEmailStatus(ctx context.Context, id string, status models.EmailStatus) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE emails SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
	return err
}

// SaveNewsletter persists a detection result and flips the email's
// is_newsletter flag.
func (s *Store) SaveNewsletter(ctx context.Context, nl *models.Newsletter) error {
	if nl.ID == "" {
		nl.ID = uuid.NewString()
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO newsletters (id, email_id, type, confidence_score, detection_method, sender_domain, sender_name, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (email_id) DO UPDATE SET
			type = EXCLUDED.type, confidence_score = EXCLUDED.confidence_score,
			detection_method = EXCLUDED.detection_method, notes = EXCLUDED.notes`,
		nl.ID, nl.EmailID, string(nl.Type), nl.ConfidenceScore, string(nl.DetectionMethod),
		nl.SenderDomain, nl.SenderName, nl.Notes)
	if err != nil {
		return fmt.Errorf("inserting newsletter for email %s: %w", nl.EmailID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE emails SET is_newsletter = true, updated_at = NOW() WHERE id = $1`, nl.EmailID); err != nil {
		return err
	}
	return tx.Commit()
}

// UnprocessedNewsletters returns newsletters whose source emails have not
// been summarized yet.
func (s *Store) UnprocessedNewsletters(ctx context.Context) ([]models.Newsletter, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT n.id, n.email_id, n.type, n.confidence_score, n.detection_method,
			n.sender_domain, n.sender_name, n.notes, n.created_at
		FROM newsletters n JOIN emails e ON e.id = n.email_id
		WHERE e.is_processed = false ORDER BY n.created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Newsletter
	for rows.Next() {
		var n models.Newsletter
		var typ, method string
		if err := rows.Scan(&n.ID, &n.EmailID, &typ, &n.ConfidenceScore, &method,
			&n.SenderDomain, &n.SenderName, &n.Notes, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Type = models.NewsletterType(typ)
		n.DetectionMethod = models.DetectionMethod(method)
		out = append(out, n)
	}
	return out, rows.Err()
}

// UpdateSenderStats bumps the per-sender counters used by frequency analysis.
func (s *Store) UpdateSenderStats(ctx context.Context, sender string, isNewsletter bool) error {
	inc := 0
	if isNewsletter {
		inc = 1
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sender_stats (sender, domain, emails_seen, newsletters_seen, last_seen)
		VALUES ($1, $2, 1, $3, NOW())
		ON CONFLICT (sender) DO UPDATE SET
			emails_seen = sender_stats.emails_seen + 1,
			newsletters_seen = sender_stats.newsletters_seen + $3,
			last_seen = NOW()`,
		sender, models.ExtractDomain(sender), inc)
	return err
}

// SenderStats returns aggregates for one sender; ok is false when unseen.
func (s *Store) SenderStats(ctx context.Context, sender string) (models.SenderStats, bool, error) {
	var st models.SenderStats
	err := s.DB.QueryRowContext(ctx, `
		SELECT sender, domain, emails_seen, newsletters_seen, last_seen
		FROM sender_stats WHERE sender = $1`, sender).
		Scan(&st.Sender, &st.Domain, &st.EmailsSeen, &st.NewslettersSeen, &st.LastSeen)
	if err == sql.ErrNoRows {
		return models.SenderStats{}, false, nil
	}
	if err != nil {
		return models.SenderStats{}, false, err
	}
	return st, true, nil
}

// SaveSummary persists a generated digest.
func (s *Store) SaveSummary(ctx context.Context, sum *models.Summary) error {
	if sum.ID == "" {
		sum.ID = uuid.NewString()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO summaries (id, title, content, newsletters_count, status, error_message, processing_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		sum.ID, sum.Title, sum.Content, sum.NewslettersCount, string(sum.Status),
		sum.ErrorMessage, sum.ProcessingTime.Milliseconds())
	return err
}

// UpdateSummaryStatus records a digest's delivery outcome.
func (s *Store) UpdateSummaryStatus(ctx context.Context, id string, status models.SummaryStatus, errMsg string) error {
	var sentAt any
	if status == models.SummaryStatusSent {
		sentAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx,
		`UPDATE summaries SET status = $2, error_message = $3, sent_at = $4 WHERE id = $1`,
		id, string(status), errMsg, sentAt)
	return err
}

// RecentSummaries lists digests newest first.
func (s *Store) RecentSummaries(ctx context.Context, limit int) ([]models.Summary, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, title, content, newsletters_count, status, error_message, processing_ms, created_at, sent_at
		FROM summaries ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Summary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// GetSummary fetches one digest; ok is false when absent.
func (s *Store) GetSummary(ctx context.Context, id string) (models.Summary, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, title, content, newsletters_count, status, error_message, processing_ms, created_at, sent_at
		FROM summaries WHERE id = $1`, id)
	sum, err := scanSummary(row)
	if err == sql.ErrNoRows {
		return models.Summary{}, false, nil
	}
	if err != nil {
		return models.Summary{}, false, err
	}
	return sum, true, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanSummary(r rowScanner) (models.Summary, error) {
	var sum models.Summary
	var status string
	var ms int64
	var sentAt sql.NullTime
	if err := r.Scan(&sum.ID, &sum.Title, &sum.Content, &sum.NewslettersCount,
		&status, &sum.ErrorMessage, &ms, &sum.CreatedAt, &sentAt); err != nil {
		return models.Summary{}, err
	}
	sum.Status = models.SummaryStatus(status)
	sum.ProcessingTime = time.Duration(ms) * time.Millisecond
	if sentAt.Valid {
		t := sentAt.Time
		sum.SentAt = &t
	}
	return sum, nil
}

// SavePipelineRun records a finished run for auditing.
func (s *Store) SavePipelineRun(ctx context.Context, id, status string, startedAt, finishedAt time.Time, steps any) error {
	raw, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("marshalling run steps: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO pipeline_runs (id, status, started_at, finished_at, steps)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status,
			finished_at = EXCLUDED.finished_at, steps = EXCLUDED.steps`,
		id, status, startedAt, finishedAt, raw)
	return err
}

// CreateUser registers an API user.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash) VALUES ($1,$2,$3)`,
		uuid.NewString(), email, passwordHash)
	return err
}

// UserByEmail resolves credentials for login; ok is false when unknown.
func (s *Store) UserByEmail(ctx context.Context, email string) (id, passwordHash string, ok bool, err error) {
	err = s.DB.QueryRowContext(ctx,
		`SELECT id, password_hash FROM users WHERE email = $1`, email).Scan(&id, &passwordHash)
	if err == sql.ErrNoRows {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	return id, passwordHash, true, nil
}
