package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	events []string
	done   chan struct{}
	want   int
}

func newRecorder(want int) *recorder {
	return &recorder{done: make(chan struct{}), want: want}
}

func (r *recorder) handler(id string) Handler {
	return func(ctx context.Context, msg Message) error {
		r.mu.Lock()
		r.events = append(r.events, string(msg.Kind)+"->"+id)
		if len(r.events) == r.want {
			close(r.done)
		}
		r.mu.Unlock()
		return nil
	}
}

func (r *recorder) wait(t *testing.T) []string {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %d events, got %v", r.want, r.snapshot())
	}
	return r.snapshot()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func TestBrokerDeliversInOrder(t *testing.T) {
	b := NewBroker(16, nil)
	rec := newRecorder(5)
	b.Subscribe(Kind("a"), "h1", rec.handler("h1"))
	b.Subscribe(Kind("a"), "h2", rec.handler("h2"))
	b.Subscribe(Kind("b"), "h3", rec.handler("h3"))

	b.Start(context.Background())
	defer b.Stop()

	for _, k := range []Kind{"a", "a", "b"} {
		if err := b.Publish(NewMessage(k, "test", nil)); err != nil {
			t.Fatalf("publish %s: %v", k, err)
		}
	}

	got := rec.wait(t)
	want := []string{"a->h1", "a->h2", "a->h1", "a->h2", "b->h3"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %q, want %q (all: %v)", i, got[i], want[i], got)
		}
	}
}

func TestBrokerSubscribeIsIdempotent(t *testing.T) {
	b := NewBroker(16, nil)
	rec := newRecorder(1)
	b.Subscribe(Kind("a"), "h1", rec.handler("h1"))
	b.Subscribe(Kind("a"), "h1", rec.handler("h1"))
	if n := b.SubscriptionCount(Kind("a")); n != 1 {
		t.Fatalf("subscription count: got %d, want 1", n)
	}

	b.Start(context.Background())
	defer b.Stop()

	if err := b.Publish(NewMessage(Kind("a"), "test", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := rec.wait(t)
	// No second delivery should arrive.
	time.Sleep(50 * time.Millisecond)
	if after := rec.snapshot(); len(after) != len(got) {
		t.Fatalf("duplicate delivery: %v", after)
	}
}

func TestBrokerUnsubscribeAffectsLaterMessages(t *testing.T) {
	b := NewBroker(16, nil)
	rec := newRecorder(1)
	b.Subscribe(Kind("a"), "h1", rec.handler("h1"))

	b.Start(context.Background())
	defer b.Stop()

	if err := b.Publish(NewMessage(Kind("a"), "test", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	rec.wait(t)

	b.Unsubscribe(Kind("a"), "h1")
	if err := b.Publish(NewMessage(Kind("a"), "test", nil)); err != nil {
		t.Fatalf("publish after unsubscribe: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 1 {
		t.Fatalf("unsubscribed handler still invoked: %v", got)
	}
}

func TestBrokerRecoversFromPanicAndError(t *testing.T) {
	b := NewBroker(16, nil)
	rec := newRecorder(1)
	b.Subscribe(Kind("a"), "panics", func(ctx context.Context, msg Message) error {
		panic("boom")
	})
	b.Subscribe(Kind("a"), "errors", func(ctx context.Context, msg Message) error {
		return errors.New("handler error")
	})
	b.Subscribe(Kind("a"), "ok", rec.handler("ok"))

	b.Start(context.Background())
	defer b.Stop()

	if err := b.Publish(NewMessage(Kind("a"), "test", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := rec.wait(t)
	if got[0] != "a->ok" {
		t.Fatalf("healthy handler not reached: %v", got)
	}
}

func TestBrokerPublishAfterStop(t *testing.T) {
	b := NewBroker(16, nil)
	b.Start(context.Background())
	b.Stop()
	if err := b.Publish(NewMessage(Kind("a"), "test", nil)); !errors.Is(err, ErrStopped) {
		t.Fatalf("publish after stop: got %v, want ErrStopped", err)
	}
}

func TestBrokerStopWithoutStart(t *testing.T) {
	b := NewBroker(16, nil)
	done := make(chan struct{})
	go func() {
		b.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Stop on an unstarted broker blocked")
	}
}

func TestBrokerCorrelationPreserved(t *testing.T) {
	b := NewBroker(16, nil)
	got := make(chan Message, 1)
	b.Subscribe(Kind("a"), "h1", func(ctx context.Context, msg Message) error {
		got <- msg
		return nil
	})
	b.Start(context.Background())
	defer b.Stop()

	msg := NewMessage(Kind("a"), "test", "payload").WithCorrelation("run-42")
	if err := b.Publish(msg); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case m := <-got:
		if m.CorrelationID != "run-42" {
			t.Fatalf("correlation id: got %q, want run-42", m.CorrelationID)
		}
		if m.ID == "" || m.Timestamp.IsZero() {
			t.Fatalf("message envelope incomplete: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("message never delivered")
	}
}
