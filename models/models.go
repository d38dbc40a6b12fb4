package models

import (
	"strings"
	"time"
)

// EmailStatus tracks the provider-side read state of a collected email.
type EmailStatus string

const (
	EmailStatusUnread EmailStatus = "unread"
	EmailStatusRead   EmailStatus = "read"
	EmailStatusError  EmailStatus = "error"
)

// Email is a collected mail message as stored and passed between agents.
type Email struct {
	ID           string            `json:"id"`
	MessageID    string            `json:"message_id"`
	Subject      string            `json:"subject"`
	Sender       string            `json:"sender"`
	SenderName   string            `json:"sender_name,omitempty"`
	Recipient    string            `json:"recipient"`
	ContentText  string            `json:"content_text"`
	ContentHTML  string            `json:"content_html,omitempty"`
	ReceivedAt   time.Time         `json:"received_at"`
	Account      string            `json:"account"`
	Status       EmailStatus       `json:"status"`
	IsNewsletter *bool             `json:"is_newsletter,omitempty"`
	IsProcessed  bool              `json:"is_processed"`
	Headers      map[string]string `json:"headers,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// HasUnsubscribeHeader reports whether the message carries a List-Unsubscribe
// style header, the strongest single newsletter signal.
func (e Email) HasUnsubscribeHeader() bool {
	for k := range e.Headers {
		switch strings.ToLower(k) {
		case "list-unsubscribe", "unsubscribe":
			return true
		}
	}
	return false
}

// DetectionMethod names the signal that led to a newsletter classification.
type DetectionMethod string

const (
	DetectionHeaderAnalysis  DetectionMethod = "header_analysis"
	DetectionSenderPattern   DetectionMethod = "sender_pattern"
	DetectionContentAnalysis DetectionMethod = "content_analysis"
	DetectionFrequency       DetectionMethod = "frequency_analysis"
)

// NewsletterType is a coarse categorisation of a detected newsletter.
type NewsletterType string

const (
	NewsletterTech      NewsletterType = "tech"
	NewsletterBusiness  NewsletterType = "business"
	NewsletterMarketing NewsletterType = "marketing"
	NewsletterPersonal  NewsletterType = "personal"
	NewsletterOther     NewsletterType = "other"
)

// Newsletter is a detected newsletter linked to its source email.
type Newsletter struct {
	ID              string          `json:"id"`
	EmailID         string          `json:"email_id"`
	Type            NewsletterType  `json:"type"`
	ConfidenceScore float64         `json:"confidence_score"`
	DetectionMethod DetectionMethod `json:"detection_method"`
	SenderDomain    string          `json:"sender_domain"`
	SenderName      string          `json:"sender_name,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// SummaryStatus tracks the delivery lifecycle of a generated digest.
type SummaryStatus string

const (
	SummaryStatusGenerated SummaryStatus = "generated"
	SummaryStatusSent      SummaryStatus = "sent"
	SummaryStatusFailed    SummaryStatus = "failed"
)

// Summary is one generated digest covering a batch of newsletters.
type Summary struct {
	ID               string        `json:"id"`
	Title            string        `json:"title"`
	Content          string        `json:"content"`
	NewslettersCount int           `json:"newsletters_count"`
	Status           SummaryStatus `json:"status"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	ProcessingTime   time.Duration `json:"processing_time"`
	CreatedAt        time.Time     `json:"created_at"`
	SentAt           *time.Time    `json:"sent_at,omitempty"`
}

// SenderStats aggregates per-sender history used by frequency analysis.
type SenderStats struct {
	Sender          string    `json:"sender"`
	Domain          string    `json:"domain"`
	EmailsSeen      int       `json:"emails_seen"`
	NewslettersSeen int       `json:"newsletters_seen"`
	LastSeen        time.Time `json:"last_seen"`
}

// Classification is an AI judgement of a single email.
type Classification struct {
	IsNewsletter bool    `json:"is_newsletter"`
	Type         string  `json:"type"`
	Confidence   float64 `json:"confidence"`
}

// NewsletterSummary is one summarized newsletter feeding the daily digest.
type NewsletterSummary struct {
	Title   string `json:"title"`
	Sender  string `json:"sender"`
	Summary string `json:"summary"`
}

// Digest is a rendered daily digest ready to send.
type Digest struct {
	Title string `json:"title"`
	HTML  string `json:"html"`
}

// ExtractDomain returns the domain part of a mail address, or the address
// itself when it has no @.
func ExtractDomain(addr string) string {
	addr = strings.Trim(strings.TrimSpace(addr), "<>")
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return strings.ToLower(addr[i+1:])
	}
	return strings.ToLower(addr)
}
