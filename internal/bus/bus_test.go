package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("cycle.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicCycleCompleted, CycleEvent{TraceID: "t1", Fetched: 2, Submitted: true})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicCycleCompleted {
			t.Fatalf("topic = %q, want %q", ev.Topic, TopicCycleCompleted)
		}
		payload, ok := ev.Payload.(CycleEvent)
		if !ok || payload.TraceID != "t1" || !payload.Submitted {
			t.Fatalf("unexpected payload %#v", ev.Payload)
		}
		if ev.At.IsZero() {
			t.Fatal("event timestamp not set")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()
	identity := b.Subscribe("identity.")
	defer b.Unsubscribe(identity)
	all := b.Subscribe("")
	defer b.Unsubscribe(all)

	b.Publish(TopicIdentityCleared, IdentityEvent{Reason: "node_invalid"})
	b.Publish(TopicEngineRebuilt, EngineRebuiltEvent{Reason: "corrupt"})

	select {
	case ev := <-identity.Ch():
		if ev.Topic != TopicIdentityCleared {
			t.Fatalf("topic = %q, want %q", ev.Topic, TopicIdentityCleared)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for identity event")
	}
	select {
	case ev := <-identity.Ch():
		t.Fatalf("unexpected event on identity subscription: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	for i := 0; i < 2; i++ {
		select {
		case <-all.Ch():
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for wildcard delivery")
		}
	}
}

func TestBus_NonBlockingCountsDrops(t *testing.T) {
	b := New()
	sub := b.Subscribe("cycle.")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicCycleSkipped, i)
	}

	count := 0
drain:
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			break drain
		}
	}
	if count != defaultBufferSize {
		t.Fatalf("received %d events, expected %d (buffer size)", count, defaultBufferSize)
	}
	if got := b.Dropped(); got != 10 {
		t.Fatalf("dropped = %d, want 10", got)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("cycle.")
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

func TestBus_NilIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(TopicCycleCompleted, nil)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 8
	const perGoroutine = 5

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish(TopicCycleCompleted, id*100+i)
			}
		}(g)
	}
	wg.Wait()

	received := 0
drain:
	for {
		select {
		case <-sub.Ch():
			received++
		default:
			break drain
		}
	}
	if received != goroutines*perGoroutine {
		t.Fatalf("received %d events, want %d", received, goroutines*perGoroutine)
	}
}
