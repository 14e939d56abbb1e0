package ratelimiter

import (
	"testing"
	"time"
)

func TestNewRejectsInvalidArgs(t *testing.T) {
	if New(0, 1, 0) != nil || New(1, 0, 0) != nil {
		t.Fatal("expected nil limiter for non-positive args")
	}
	var l *MapLimiter
	if !l.Allow("topic", time.Now()) {
		t.Fatal("nil limiter must allow")
	}
}

func TestAllowBurstThenDeny(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(1, 2, time.Minute)
	if !l.Allow("a", now) || !l.Allow("a", now) {
		t.Fatal("burst of two must pass")
	}
	if l.Allow("a", now) {
		t.Fatal("third call in the same instant must be denied")
	}
	if !l.Allow("b", now) {
		t.Fatal("keys are limited independently")
	}
	if got := l.RetryAfter("a", now); got <= 0 || got > time.Second {
		t.Fatalf("unexpected retry after %s", got)
	}
	if !l.Allow("a", now.Add(time.Second)) {
		t.Fatal("token must refill after one second")
	}
	if st := l.Stats(); st.Keys != 2 || st.Denied != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestEmptyKeyIsNotLimited(t *testing.T) {
	now := time.Now()
	l := New(1, 1, time.Minute)
	for i := 0; i < 5; i++ {
		if !l.Allow("  ", now) {
			t.Fatal("empty key must not be limited")
		}
	}
}

func TestIdleBucketsAreSwept(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(1000, 1000, time.Second)
	l.Allow("stale", now)
	later := now.Add(time.Minute)
	for i := 0; i < sweepEvery; i++ {
		l.Allow("fresh", later)
	}
	if st := l.Stats(); st.Keys != 1 {
		t.Fatalf("expected stale bucket evicted, got %d keys", st.Keys)
	}
}
