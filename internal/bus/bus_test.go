package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PrefixMatching(t *testing.T) {
	b := New()
	sessions := b.Subscribe("session.")
	defer b.Unsubscribe(sessions)
	all := b.Subscribe("")
	defer b.Unsubscribe(all)

	b.Publish(TopicSessionUpdated, SessionUpdatedEvent{SessionID: "s1", Kind: "message"})
	b.Publish(TopicConnectionChanged, ConnectionChangedEvent{SessionID: "s1", Old: "connecting", New: "connected"})

	select {
	case ev := <-sessions.Ch():
		if ev.Topic != TopicSessionUpdated {
			t.Fatalf("topic = %q, want %q", ev.Topic, TopicSessionUpdated)
		}
		payload, ok := ev.Payload.(SessionUpdatedEvent)
		if !ok || payload.Kind != "message" {
			t.Fatalf("payload = %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for session event")
	}

	select {
	case ev := <-sessions.Ch():
		t.Fatalf("unexpected event on session subscription: %v", ev.Topic)
	case <-time.After(50 * time.Millisecond):
	}

	for i := 0; i < 2; i++ {
		select {
		case <-all.Ch():
		case <-time.After(time.Second):
			t.Fatalf("catch-all subscription received %d events, want 2", i)
		}
	}
}

func TestBus_DropsWhenFull(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+25; i++ {
		b.Publish(TopicSessionUpdated, i)
	}

	count := 0
	for len(sub.Ch()) > 0 {
		<-sub.Ch()
		count++
	}
	if count != defaultBufferSize {
		t.Fatalf("buffered %d events, want %d", count, defaultBufferSize)
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("connection.")
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_NilIsInert(t *testing.T) {
	var b *Bus
	b.Publish(TopicHistoryRefreshed, HistoryRefreshedEvent{})
	b.Unsubscribe(nil)
	if b.SubscriberCount() != 0 {
		t.Fatal("nil bus should report zero subscribers")
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines, perGoroutine = 8, 6
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish(TopicSessionUpdated, id*100+i)
			}
		}(g)
	}
	wg.Wait()

	if got := len(sub.Ch()); got != goroutines*perGoroutine {
		t.Fatalf("received %d events, want %d", got, goroutines*perGoroutine)
	}
}
