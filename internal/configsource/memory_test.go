package configsource

import (
	"testing"
	"time"
)

func TestMemorySource_PutEmitsNewDocumentThenNew(t *testing.T) {
	s := NewMemorySource[string]()
	defer s.Close()

	s.Put("a.yaml", []byte("v1"), "item-v1")

	evt := recvOrFail(t, s.Events())
	if evt.Kind != EventNewDocument || evt.Path != "a.yaml" {
		t.Fatalf("expected EventNewDocument first, got %#v", evt)
	}
	evt = recvOrFail(t, s.Events())
	if evt.Kind != EventNew || evt.Item != "item-v1" {
		t.Fatalf("expected EventNew carrying the item, got %#v", evt)
	}
}

func TestMemorySource_IdenticalRePutIsANoOp(t *testing.T) {
	s := NewMemorySource[string]()
	defer s.Close()

	s.Put("a.yaml", []byte("v1"), "item-v1")
	drain(t, s.Events(), 2)

	s.Put("a.yaml", []byte("v1"), "item-v1")
	select {
	case evt := <-s.Events():
		t.Fatalf("expected an identical re-put to emit nothing, got %#v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemorySource_ChangedContentEmitsNewOnly(t *testing.T) {
	s := NewMemorySource[string]()
	defer s.Close()

	s.Put("a.yaml", []byte("v1"), "item-v1")
	drain(t, s.Events(), 2)

	s.Put("a.yaml", []byte("v2"), "item-v2")
	evt := recvOrFail(t, s.Events())
	if evt.Kind != EventNew || evt.Item != "item-v2" {
		t.Fatalf("expected a changed re-put to emit only EventNew, got %#v", evt)
	}
}

func TestMemorySource_RemoveUnknownIsANoOp(t *testing.T) {
	s := NewMemorySource[string]()
	defer s.Close()

	s.Remove("never-existed.yaml")
	select {
	case evt := <-s.Events():
		t.Fatalf("expected removing an unknown item to emit nothing, got %#v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemorySource_RemoveEmitsRemovedThenRemoveDocument(t *testing.T) {
	s := NewMemorySource[string]()
	defer s.Close()

	s.Put("a.yaml", []byte("v1"), "item-v1")
	drain(t, s.Events(), 2)

	s.Remove("a.yaml")
	evt := recvOrFail(t, s.Events())
	if evt.Kind != EventRemoved {
		t.Fatalf("expected EventRemoved first, got %#v", evt)
	}
	evt = recvOrFail(t, s.Events())
	if evt.Kind != EventRemoveDocument {
		t.Fatalf("expected EventRemoveDocument second, got %#v", evt)
	}
}

func TestThrottle_SpacesEmissions(t *testing.T) {
	in := make(chan Event[string])
	out := Throttle(in, 30*time.Millisecond)

	go func() {
		in <- Event[string]{Path: "a"}
		in <- Event[string]{Path: "b"}
		close(in)
	}()

	start := time.Now()
	first := <-out
	second := <-out
	elapsed := time.Since(start)

	if first.Path != "a" || second.Path != "b" {
		t.Fatalf("expected events in order, got %q then %q", first.Path, second.Path)
	}
	if elapsed < 30*time.Millisecond {
		t.Fatalf("expected at least 30ms between emissions, got %v", elapsed)
	}

	if _, ok := <-out; ok {
		t.Fatalf("expected the output channel to close once the input closes")
	}
}

func recvOrFail[T any](t *testing.T, ch <-chan Event[T]) Event[T] {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for an event")
		return Event[T]{}
	}
}

func drain[T any](t *testing.T, ch <-chan Event[T], n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		recvOrFail(t, ch)
	}
}
