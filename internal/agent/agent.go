// Package agent contains the workers that make up the digest pipeline and
// the orchestrator that coordinates them over the message bus.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/maildigest/internal/bus"
)

// ErrAgentStartup aborts orchestrator bring-up when a worker fails to start.
var ErrAgentStartup = errors.New("agent startup failed")

// Health is the snapshot returned by HealthCheck. Concrete agents extend it
// through Details.
type Health struct {
	Agent     string         `json:"agent"`
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Agent is the lifecycle and capability contract every worker implements.
// Start registers the agent's message handlers; Stop must be safe on an
// agent that never started; HealthCheck must be safe before Execute has
// ever run.
type Agent interface {
	Name() string
	Running() bool
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Execute(ctx context.Context, params map[string]any) (map[string]any, error)
	HealthCheck(ctx context.Context) Health
}

// BaseAgent carries the shared lifecycle state. The broker is injected; there
// is no package-level singleton.
type BaseAgent struct {
	name   string
	broker *bus.Broker
	logger *log.Logger

	mu      sync.Mutex
	running bool
}

// NewBaseAgent initialises the embedded base for a concrete agent.
func NewBaseAgent(name string, broker *bus.Broker) *BaseAgent {
	return &BaseAgent{
		name:   name,
		broker: broker,
		logger: log.New(log.Writer(), "["+strings.ToUpper(name)+"] ", log.LstdFlags),
	}
}

// Name returns the agent's name.
func (a *BaseAgent) Name() string { return a.name }

// Broker returns the injected message broker.
func (a *BaseAgent) Broker() *bus.Broker { return a.broker }

// Logger returns the agent's prefixed logger.
func (a *BaseAgent) Logger() *log.Logger { return a.logger }

// Running reports the lifecycle flag.
func (a *BaseAgent) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Start flips the running flag. Concrete agents call this before registering
// their subscriptions.
func (a *BaseAgent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	a.logger.Printf("starting agent %s", a.name)
	a.running = true
	return nil
}

// Stop flips the running flag. Stopping an agent that never started is a
// no-op.
func (a *BaseAgent) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return nil
	}
	a.logger.Printf("stopping agent %s", a.name)
	a.running = false
	return nil
}

// HealthCheck returns the base snapshot; concrete agents extend Details.
func (a *BaseAgent) HealthCheck(ctx context.Context) Health {
	status := "stopped"
	if a.Running() {
		status = "running"
	}
	return Health{
		Agent:     a.name,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
}

// Publish sends a message on the broker with this agent as sender.
func (a *BaseAgent) Publish(kind bus.Kind, payload any, correlationID string) error {
	msg := bus.NewMessage(kind, a.name, payload)
	if correlationID != "" {
		msg = msg.WithCorrelation(correlationID)
	}
	return a.broker.Publish(msg)
}

// PublishError reports an asynchronous stage failure. These never unwind
// into the orchestrator's call stack.
func (a *BaseAgent) PublishError(task string, err error, correlationID string) {
	payload := bus.ErrorOccurred{
		Task:      task,
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	}
	if perr := a.Publish(bus.KindErrorOccurred, payload, correlationID); perr != nil {
		a.logger.Printf("failed to publish error for task %s: %v", task, perr)
	}
}

func unknownOperation(op string) error {
	return fmt.Errorf("unknown operation: %s", op)
}
