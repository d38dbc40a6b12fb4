// Package bus implements the in-process publish/subscribe message broker the
// agents communicate over. Delivery is broadcast-by-kind: every handler
// subscribed to a message's kind receives it, in registration order, one
// message at a time.
package bus

import (
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/maildigest/models"
)

// Kind identifies the event a message carries. The set is closed: no kinds
// are added at runtime.
type Kind string

const (
	KindEmailsCollected     Kind = "emails_collected"
	KindNewslettersDetected Kind = "newsletters_detected"
	KindSummaryGenerated    Kind = "summary_generated"
	KindEmailsMarkedRead    Kind = "emails_marked_read"
	KindTaskCompleted       Kind = "task_completed"
	KindErrorOccurred       Kind = "error_occurred"
	KindAgentStatus         Kind = "agent_status"
)

// Message is the immutable envelope exchanged between agents. Recipient is
// informational only; routing is always by Kind.
type Message struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	Sender        string    `json:"sender"`
	Recipient     string    `json:"recipient,omitempty"`
	Payload       any       `json:"payload"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// NewMessage builds a message with a fresh ID and UTC timestamp.
func NewMessage(kind Kind, sender string, payload any) Message {
	return Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		Sender:    sender,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// WithCorrelation returns a copy of the message tagged with a correlation ID,
// normally the pipeline run it belongs to.
func (m Message) WithCorrelation(id string) Message {
	m.CorrelationID = id
	return m
}

// EmailsCollected reports the outcome of a collection pass.
type EmailsCollected struct {
	CollectedCount int            `json:"collected_count"`
	Errors         []string       `json:"errors,omitempty"`
	ExecutionTime  time.Duration  `json:"execution_time"`
	Items          []models.Email `json:"items,omitempty"`
}

// NewslettersDetected reports the outcome of a detection pass.
type NewslettersDetected struct {
	DetectedCount  int                 `json:"detected_count"`
	ProcessedCount int                 `json:"processed_count"`
	Errors         []string            `json:"errors,omitempty"`
	ExecutionTime  time.Duration       `json:"execution_time"`
	Items          []models.Newsletter `json:"items,omitempty"`
}

// SummaryGenerated reports a finished digest.
type SummaryGenerated struct {
	SummaryID        string        `json:"summary_id"`
	NewslettersCount int           `json:"newsletters_count"`
	ProcessingTime   time.Duration `json:"processing_duration"`
	NotificationSent bool          `json:"notification_sent"`
}

// MarkReadScope distinguishes the two call paths that emit EmailsMarkedRead.
// Ad hoc mark-as-read requests share the kind with pipeline-internal ones;
// the orchestrator only acts on the pipeline scope.
type MarkReadScope string

const (
	ScopeAdHoc    MarkReadScope = "ad_hoc"
	ScopePipeline MarkReadScope = "pipeline"
)

// EmailsMarkedRead reports a batch mark-as-read result.
type EmailsMarkedRead struct {
	Results        map[string]bool `json:"results"`
	ProcessedCount int             `json:"processed_count"`
	Scope          MarkReadScope   `json:"scope"`
}

// TaskCompleted is the scheduler's broadcast after a triggered task finishes.
type TaskCompleted struct {
	Task          string        `json:"task"`
	Status        string        `json:"status"`
	ExecutionTime time.Duration `json:"execution_time"`
	Result        any           `json:"result,omitempty"`
}

// ErrorOccurred reports a failure inside an asynchronous stage. It never
// unwinds into the orchestrator's call stack; it is the only way async
// failures become visible.
type ErrorOccurred struct {
	Task      string    `json:"task"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentStatus is a periodic health broadcast.
type AgentStatus struct {
	Agent     string    `json:"agent"`
	Health    any       `json:"health"`
	Timestamp time.Time `json:"timestamp"`
}
