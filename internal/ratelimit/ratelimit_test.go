package ratelimit

import (
	"testing"
	"time"

	"github.com/basket/acp-bridge/internal/clock"
)

func TestCheckConnection_AllowsUnderLimit(t *testing.T) {
	l := New(3, 10, nil)
	for i := 0; i < 3; i++ {
		if err := l.CheckConnection("10.0.0.1"); err != nil {
			t.Fatalf("attempt %d: unexpected error: %v", i, err)
		}
		l.AddConnection("10.0.0.1")
	}
}

func TestCheckConnection_RejectsOverConnectionLimit(t *testing.T) {
	l := New(2, 10, nil)
	l.AddConnection("10.0.0.1")
	l.AddConnection("10.0.0.1")

	err := l.CheckConnection("10.0.0.1")
	if err == nil {
		t.Fatal("expected rejection over connection limit")
	}
	rlErr, ok := err.(*Error)
	if !ok || rlErr.Reason != "too_many_connections" {
		t.Fatalf("expected too_many_connections error, got %#v", err)
	}
}

func TestCheckConnection_RejectsOverAttemptRate(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	l := New(100, 2, fc)

	if err := l.CheckConnection("10.0.0.2"); err != nil {
		t.Fatalf("attempt 1: %v", err)
	}
	if err := l.CheckConnection("10.0.0.2"); err != nil {
		t.Fatalf("attempt 2: %v", err)
	}
	err := l.CheckConnection("10.0.0.2")
	if err == nil {
		t.Fatal("expected rejection over attempt rate")
	}
	rlErr, ok := err.(*Error)
	if !ok || rlErr.Reason != "too_many_attempts" {
		t.Fatalf("expected too_many_attempts error, got %#v", err)
	}
}

func TestCheckConnection_AttemptWindowSlides(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	l := New(100, 1, fc)

	if err := l.CheckConnection("10.0.0.3"); err != nil {
		t.Fatalf("attempt 1: %v", err)
	}
	if err := l.CheckConnection("10.0.0.3"); err == nil {
		t.Fatal("expected second attempt within window to be rejected")
	}

	fc.Advance(61 * time.Second)
	if err := l.CheckConnection("10.0.0.3"); err != nil {
		t.Fatalf("expected attempt to succeed after window slides, got %v", err)
	}
}

func TestRemoveConnection_FreesSlot(t *testing.T) {
	l := New(1, 10, nil)
	l.AddConnection("10.0.0.4")
	if err := l.CheckConnection("10.0.0.4"); err == nil {
		t.Fatal("expected rejection while slot is held")
	}
	l.RemoveConnection("10.0.0.4")
	if err := l.CheckConnection("10.0.0.4"); err != nil {
		t.Fatalf("expected success after freeing slot, got %v", err)
	}
}

func TestRemoveConnection_NoopWhenAbsent(t *testing.T) {
	l := New(1, 10, nil)
	l.RemoveConnection("10.0.0.5")
	if got := l.ConnectionCount("10.0.0.5"); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestEvictStaleAttempts_PrunesOldEntries(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	l := New(100, 10, fc)
	_ = l.CheckConnection("10.0.0.6")

	fc.Advance(61 * time.Second)
	l.EvictStaleAttempts()

	l.mu.Lock()
	_, tracked := l.attempts["10.0.0.6"]
	l.mu.Unlock()
	if tracked {
		t.Fatal("expected stale attempt entry to be evicted")
	}
}

func TestIndependentIPsDoNotInterfere(t *testing.T) {
	l := New(1, 1, nil)
	if err := l.CheckConnection("10.0.0.7"); err != nil {
		t.Fatalf("ip1: %v", err)
	}
	if err := l.CheckConnection("10.0.0.8"); err != nil {
		t.Fatalf("ip2: %v", err)
	}
}
