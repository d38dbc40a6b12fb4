package mail

import (
	"context"
	"sync"

	"github.com/mohammad-safakhou/maildigest/models"
)

// MemoryProvider is an in-memory mailbox. It backs tests and the dev-mode
// account kind "memory".
type MemoryProvider struct {
	account string

	mu     sync.Mutex
	inbox  []models.Email
	read   map[string]bool
	marked []string
}

// NewMemoryProvider creates an empty in-memory mailbox.
func NewMemoryProvider(account string) *MemoryProvider {
	return &MemoryProvider{account: account, read: make(map[string]bool)}
}

// Account implements Provider.
func (m *MemoryProvider) Account() string { return m.account }

// Deliver places a message in the mailbox as unread.
func (m *MemoryProvider) Deliver(emails ...models.Email) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbox = append(m.inbox, emails...)
}

// FetchUnread implements Provider.
func (m *MemoryProvider) FetchUnread(_ context.Context, max int) ([]models.Email, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Email
	for _, e := range m.inbox {
		if m.read[e.MessageID] {
			continue
		}
		e.Account = m.account
		out = append(out, e)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out, nil
}

// MarkRead implements Provider.
func (m *MemoryProvider) MarkRead(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.read[messageID] = true
	m.marked = append(m.marked, messageID)
	return nil
}

// Marked returns the message IDs marked read so far, in order.
func (m *MemoryProvider) Marked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.marked))
	copy(out, m.marked)
	return out
}

// MemorySender records digests instead of delivering them.
type MemorySender struct {
	mu   sync.Mutex
	sent []SentDigest
	fail error
}

// SentDigest is one recorded delivery.
type SentDigest struct {
	To      string
	Subject string
	Body    string
}

// NewMemorySender creates a recording sender.
func NewMemorySender() *MemorySender { return &MemorySender{} }

// FailWith makes subsequent sends return err.
func (s *MemorySender) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// Send implements DigestSender.
func (s *MemorySender) Send(_ context.Context, to, subject, htmlBody string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.sent = append(s.sent, SentDigest{To: to, Subject: subject, Body: htmlBody})
	return nil
}

// Sent returns recorded deliveries.
func (s *MemorySender) Sent() []SentDigest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentDigest, len(s.sent))
	copy(out, s.sent)
	return out
}
