package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestSetThenGet(t *testing.T) {
	s := New(time.Minute)
	s.Set(Key("user", "profile", "42"), "snoopy", 0)
	v, ok := s.Get("user:profile:42")
	if !ok {
		t.Fatal("expected hit after set")
	}
	if v != "snoopy" {
		t.Fatalf("unexpected value: %v", v)
	}
}

func TestLazyExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New(time.Minute)
	s.clock = func() time.Time { return now }

	s.Set("k", 1, 10*time.Second)
	if _, ok := s.Get("k"); !ok {
		t.Fatal("expected hit before expiry")
	}

	now = now.Add(11 * time.Second)
	if _, ok := s.Get("k"); ok {
		t.Fatal("expected miss after ttl elapsed")
	}
	if s.Len() != 0 {
		t.Fatalf("expected expired entry removed, have %d entries", s.Len())
	}
}

func TestSetReplacesAtomically(t *testing.T) {
	s := New(time.Minute)
	s.Set("k", "first", 0)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			v, ok := s.Get("k")
			if !ok {
				t.Error("reader observed missing key during replacement")
				return
			}
			if v != "first" && v != "second" {
				t.Errorf("reader observed torn value: %v", v)
				return
			}
		}
	}()

	for i := 0; i < 1000; i++ {
		s.Set("k", "second", 0)
		s.Set("k", "first", 0)
	}
	close(stop)
	wg.Wait()
}

func TestInvalidatePrefix(t *testing.T) {
	s := New(time.Minute)
	s.Set(Key("user", "budget", "1"), 100, 0)
	s.Set(Key("user", "budget", "2"), 200, 0)
	s.Set(Key("user", "profile", "1"), "keep", 0)

	s.InvalidatePrefix(Key("user", "budget") + ":")

	if _, ok := s.Get("user:budget:1"); ok {
		t.Fatal("expected budget entries invalidated")
	}
	if _, ok := s.Get("user:profile:1"); !ok {
		t.Fatal("expected unrelated namespace untouched")
	}
}

func TestBoundedEviction(t *testing.T) {
	b, err := NewBounded(2, time.Minute)
	if err != nil {
		t.Fatalf("new bounded: %v", err)
	}
	for i := 0; i < 5; i++ {
		b.Set(fmt.Sprintf("k%d", i), i, 0)
	}
	if b.Len() != 2 {
		t.Fatalf("expected capacity 2, have %d", b.Len())
	}
	if _, ok := b.Get("k4"); !ok {
		t.Fatal("expected most recent entry resident")
	}
}

func TestBoundedExpiry(t *testing.T) {
	b, err := NewBounded(8, time.Minute)
	if err != nil {
		t.Fatalf("new bounded: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.clock = func() time.Time { return now }

	b.Set("k", "v", 5*time.Second)
	now = now.Add(6 * time.Second)
	if _, ok := b.Get("k"); ok {
		t.Fatal("expected miss after ttl elapsed")
	}
}
