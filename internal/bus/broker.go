package bus

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/mohammad-safakhou/maildigest/internal/telemetry"
)

// Handler consumes one message. A returned error is logged and counted; it
// never stops dispatch of the remaining handlers or messages.
type Handler func(ctx context.Context, msg Message) error

// ErrStopped is returned by Publish after the broker has been stopped.
var ErrStopped = errors.New("bus: broker stopped")

type subscription struct {
	id string
	fn Handler
}

// Broker is the single-process FIFO dispatcher. One goroutine drains the
// queue; for each message every handler subscribed to its kind runs
// sequentially, in registration order, before the next message is touched.
//
// There is no global broker: construct one and inject it into every agent.
type Broker struct {
	logger    *log.Logger
	telemetry *telemetry.Telemetry

	queue chan Message

	mu          sync.RWMutex
	subscribers map[Kind][]subscription

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	stop      chan struct{}
	done      chan struct{}
}

// NewBroker creates a broker with the given queue capacity. Telemetry may be
// nil.
func NewBroker(queueSize int, tele *telemetry.Telemetry) *Broker {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Broker{
		logger:      log.New(log.Writer(), "[BUS] ", log.LstdFlags),
		telemetry:   tele,
		queue:       make(chan Message, queueSize),
		subscribers: make(map[Kind][]subscription),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Subscribe registers a handler under an explicit ID. Registering the same ID
// for the same kind again is a silent no-op, so a message is delivered to a
// given handler at most once.
func (b *Broker) Subscribe(kind Kind, id string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers[kind] {
		if sub.id == id {
			b.logger.Printf("handler %q already subscribed to %s, skipping duplicate", id, kind)
			return
		}
	}
	b.subscribers[kind] = append(b.subscribers[kind], subscription{id: id, fn: fn})
	b.logger.Printf("subscribed %q to %s, total handlers: %d", id, kind, len(b.subscribers[kind]))
}

// Unsubscribe removes a handler if present. Removing an unknown handler is a
// no-op. The message currently being dispatched is unaffected; removal takes
// effect from the next message.
func (b *Broker) Unsubscribe(kind Kind, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[kind]
	for i, sub := range subs {
		if sub.id == id {
			b.subscribers[kind] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// SubscriptionCount returns the number of handlers registered for a kind.
func (b *Broker) SubscriptionCount(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[kind])
}

// Publish enqueues a message. It blocks only while the queue is full and
// returns ErrStopped once the broker has shut down. Messages still queued at
// shutdown are dropped; there is no durability or replay.
func (b *Broker) Publish(msg Message) error {
	select {
	case <-b.stop:
		return ErrStopped
	default:
	}
	select {
	case b.queue <- msg:
		b.telemetry.MessagePublished(string(msg.Kind))
		return nil
	case <-b.stop:
		return ErrStopped
	}
}

// Start launches the dispatch loop. Subsequent calls are no-ops.
func (b *Broker) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		b.mu.Lock()
		b.started = true
		b.mu.Unlock()
		go b.run(ctx)
	})
}

func (b *Broker) run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-b.stop:
			return
		case <-ctx.Done():
			return
		case msg := <-b.queue:
			b.dispatch(ctx, msg)
		}
	}
}

// dispatch fans one message out to its handlers. The subscriber list is
// snapshotted first: an unsubscribe during dispatch applies to later
// messages only.
func (b *Broker) dispatch(ctx context.Context, msg Message) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subscribers[msg.Kind]))
	copy(subs, b.subscribers[msg.Kind])
	b.mu.RUnlock()

	for _, sub := range subs {
		b.invoke(ctx, sub, msg)
	}
	b.telemetry.MessageDispatched(string(msg.Kind))
}

func (b *Broker) invoke(ctx context.Context, sub subscription, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("handler %q panicked on %s: %v", sub.id, msg.Kind, r)
			b.telemetry.HandlerError(string(msg.Kind), sub.id)
		}
	}()
	if err := sub.fn(ctx, msg); err != nil {
		b.logger.Printf("handler %q failed on %s: %v", sub.id, msg.Kind, err)
		b.telemetry.HandlerError(string(msg.Kind), sub.id)
	}
}

// Stop shuts the dispatch loop down and waits briefly for it to exit. The
// message being dispatched, if any, finishes; everything still queued is
// dropped.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.mu.RLock()
	started := b.started
	b.mu.RUnlock()
	if !started {
		return
	}
	select {
	case <-b.done:
	case <-time.After(5 * time.Second):
		b.logger.Printf("dispatch loop did not exit within drain timeout")
	}
}
