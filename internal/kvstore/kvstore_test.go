package kvstore

import "testing"

func TestMemoryStore_SetGetDelete(t *testing.T) {
	s := NewMemoryStore()

	if _, ok, err := s.Get("missing"); ok || err != nil {
		t.Fatalf("expected a miss for an unset key, got ok=%v err=%v", ok, err)
	}

	if err := s.Set("k", []byte("v1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, ok, err := s.Get("k")
	if !ok || err != nil || string(v) != "v1" {
		t.Fatalf("expected (v1,true,nil), got (%s,%v,%v)", v, ok, err)
	}

	if err := s.Delete("k"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok, _ := s.Get("k"); ok {
		t.Fatalf("expected key to be gone after delete")
	}
}

func TestMemoryStore_SetCopiesValue(t *testing.T) {
	s := NewMemoryStore()
	buf := []byte("original")
	if err := s.Set("k", buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	buf[0] = 'X'

	v, _, _ := s.Get("k")
	if string(v) != "original" {
		t.Fatalf("expected Set to defensively copy its input, got %q after caller mutation", v)
	}
}
