package httpapi

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestBus_PublishFansOutToEverySubscriber(t *testing.T) {
	b := NewBus()
	ch1, cancel1 := b.Subscribe()
	defer cancel1()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	b.Publish(DebugEvent{Kind: DebugRuleAdded, Subject: "r1"})

	for _, ch := range []<-chan DebugEvent{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Subject != "r1" || ev.Kind != DebugRuleAdded {
				t.Fatalf("unexpected event delivered: %#v", ev)
			}
			if ev.ID == uuid.Nil {
				t.Fatalf("expected Publish to assign an id when the caller left one unset")
			}
		case <-time.After(time.Second):
			t.Fatalf("expected every subscriber to receive the published event")
		}
	}
}

func TestBus_CancelStopsDelivery(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe()
	cancel()

	b.Publish(DebugEvent{Kind: DebugRuleAdded})

	if _, ok := <-ch; ok {
		t.Fatalf("expected the channel to be closed once its subscription is cancelled")
	}
}

func TestBus_SlowConsumerDropsRatherThanBlocks(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe()
	defer cancel()

	// The subscriber channel buffers 64; publish well past that without
	// ever draining it. Publish must never block the caller.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(DebugEvent{Kind: DebugTimerFired})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected Publish to drop events for a slow consumer instead of blocking")
	}
	if len(ch) == 0 {
		t.Fatalf("expected the slow consumer's channel to still hold some buffered events")
	}
}

func TestBus_PublishPreservesCallerSuppliedID(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe()
	defer cancel()

	want := DebugEvent{Kind: DebugSolarFired, Subject: "Sunset"}
	want.ID = uuid.New()
	b.Publish(want)

	got := <-ch
	if got.ID != want.ID {
		t.Fatalf("expected Publish to keep a caller-supplied id, got %v want %v", got.ID, want.ID)
	}
}
