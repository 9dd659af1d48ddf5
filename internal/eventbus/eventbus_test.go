package eventbus

import (
	"testing"
	"time"
)

func TestSubscribeReceivesPublishedEvents(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Close()

	b.Publish(KindThought, "thinking about it")

	select {
	case ev := <-sub.Events():
		if ev.Kind != KindThought || ev.Payload != "thinking about it" {
			t.Fatalf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestFIFOPerSubscriberWhenNotOverflowing(t *testing.T) {
	b := New(WithBufferCapacity(16))
	sub := b.Subscribe()
	defer sub.Close()

	for i := 0; i < 5; i++ {
		b.Publish(KindThought, i)
	}

	for i := 0; i < 5; i++ {
		ev := <-sub.Events()
		if ev.Payload != i {
			t.Fatalf("got payload %v at position %d, want %d", ev.Payload, i, i)
		}
	}
}

func TestOldestDropOnOverflow(t *testing.T) {
	b := New(WithBufferCapacity(2))
	sub := b.Subscribe()
	defer sub.Close()

	b.Publish(KindThought, 1)
	b.Publish(KindThought, 2)
	b.Publish(KindThought, 3) // buffer full at 2; oldest (1) should be dropped

	first := <-sub.Events()
	second := <-sub.Events()
	if first.Payload != 2 || second.Payload != 3 {
		t.Fatalf("got %v, %v; want 2, 3 (oldest dropped)", first.Payload, second.Payload)
	}
}

func TestCoalescedKindsOverwriteCurrentValue(t *testing.T) {
	b := New()
	b.Publish(KindStatus, "THINKING")
	b.Publish(KindStatus, "EXECUTING")

	ev, ok := b.Current(KindStatus)
	if !ok || ev.Payload != "EXECUTING" {
		t.Fatalf("got %+v, ok=%v; want EXECUTING", ev, ok)
	}
}

func TestAppendedKindsAccumulateHistory(t *testing.T) {
	b := New()
	b.Publish(KindAction, "click")
	b.Publish(KindAction, "type")

	h := b.History(KindAction)
	if len(h) != 2 {
		t.Fatalf("got %d history entries, want 2", len(h))
	}
}

func TestHistoryTrimsToLimit(t *testing.T) {
	b := New(WithHistoryLimit(3))
	for i := 0; i < 5; i++ {
		b.Publish(KindThought, i)
	}
	h := b.History(KindThought)
	if len(h) != 3 {
		t.Fatalf("got %d entries, want 3", len(h))
	}
	if h[0].Payload != 2 || h[2].Payload != 4 {
		t.Fatalf("got %+v, want most-recent 3 entries (2,3,4)", h)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	sub.Close()

	b.Publish(KindThought, "after close")

	snap := b.Snapshot()
	if snap.SubscriberCount != 0 {
		t.Fatalf("got %d subscribers after close, want 0", snap.SubscriberCount)
	}
}

func TestSnapshotTracksPublishedAndDropped(t *testing.T) {
	b := New(WithBufferCapacity(1))
	sub := b.Subscribe()
	defer sub.Close()

	b.Publish(KindThought, 1)
	b.Publish(KindThought, 2) // buffer of 1 is full, so the first event is evicted

	snap := b.Snapshot()
	if snap.Published != 2 {
		t.Fatalf("got %d published, want 2", snap.Published)
	}
	if snap.DroppedTotal != 1 {
		t.Fatalf("got %d dropped, want 1", snap.DroppedTotal)
	}
}
