package eventbus

import (
	"testing"
	"time"
)

func TestPublishDelivers(t *testing.T) {
	t.Parallel()
	b := New()

	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: TypeJobEnqueued, Data: "payload"})
	select {
	case e := <-ch:
		if e.Type != TypeJobEnqueued || e.Data != "payload" {
			t.Fatalf("event = %+v", e)
		}
		if e.Time.IsZero() {
			t.Fatal("publish must stamp a time")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()

	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: TypeJobStarted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New()

	ch, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	if _, ok := <-ch; ok {
		t.Fatal("unsubscribe must close the channel")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: TypeJobCompleted})
}

func TestFanout(t *testing.T) {
	t.Parallel()
	b := New()

	ch1, u1 := b.Subscribe(1)
	ch2, u2 := b.Subscribe(1)
	defer u1()
	defer u2()

	b.Publish(Event{Type: TypeQuotaBackoff})
	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != TypeQuotaBackoff {
				t.Fatalf("sub %d: event = %+v", i, e)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub %d: event not delivered", i)
		}
	}
}
