package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TypePostPublished, Data: PostPublished{PostID: "1"}})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != TypePostPublished || e.Time.IsZero() {
				t.Fatalf("event = %+v", e)
			}
			if p, ok := e.Data.(PostPublished); !ok || p.PostID != "1" {
				t.Fatalf("payload = %#v", e.Data)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeQuotaBlocked})
	b.Publish(Event{Type: TypeQuotaBlocked})
	b.Publish(Event{Type: TypeQuotaBlocked})

	if got := b.(Dropper).Dropped(); got != 2 {
		t.Fatalf("Dropped = %d, want 2", got)
	}
}

func TestPublishAfterUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	b.Publish(Event{Type: TypePostFailed})
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}
}
