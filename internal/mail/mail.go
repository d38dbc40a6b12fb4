// Package mail defines the contracts the pipeline uses to talk to mailboxes.
// The actual Gmail/Outlook wire protocols live behind Provider; this package
// only ships the SMTP digest sender and an in-memory provider used in tests
// and dev mode.
package mail

import (
	"context"

	"github.com/mohammad-safakhou/maildigest/models"
)

// Provider is one mailbox the collector pulls from.
type Provider interface {
	// Account returns the configured account name.
	Account() string
	// FetchUnread returns up to max unread messages.
	FetchUnread(ctx context.Context, max int) ([]models.Email, error)
	// MarkRead marks a message read at the provider.
	MarkRead(ctx context.Context, messageID string) error
}

// DigestSender delivers a rendered digest to its recipient.
type DigestSender interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}
