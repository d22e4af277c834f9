package tts

import (
	"testing"
	"time"
)

var testPolicy = Policy{FailureTrip: 3, Cooldown: 30 * time.Second, Smoothing: 0.2}

func TestTripAfterConsecutiveFailures(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := NewHealth()

	for i := 0; i < 2; i++ {
		h = h.Apply(Outcome{Success: false, At: now}, testPolicy)
		if h.State != StateClosed {
			t.Fatalf("failure %d should not trip yet, state=%s", i+1, h.State)
		}
	}
	h = h.Apply(Outcome{Success: false, At: now}, testPolicy)
	if h.State != StateOpen {
		t.Fatalf("expected open after 3 failures, got %s", h.State)
	}
	if !h.OpenedAt.Equal(now) {
		t.Fatalf("OpenedAt not recorded: %v", h.OpenedAt)
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	now := time.Now()
	h := NewHealth()
	h = h.Apply(Outcome{Success: false, At: now}, testPolicy)
	h = h.Apply(Outcome{Success: false, At: now}, testPolicy)
	h = h.Apply(Outcome{Success: true, Latency: 40 * time.Millisecond, At: now}, testPolicy)

	if h.ConsecutiveFailures != 0 {
		t.Fatalf("success should clear the streak, got %d", h.ConsecutiveFailures)
	}
	h = h.Apply(Outcome{Success: false, At: now}, testPolicy)
	h = h.Apply(Outcome{Success: false, At: now}, testPolicy)
	if h.State != StateClosed {
		t.Fatalf("streak should have restarted, state=%s", h.State)
	}
}

func TestCooldownMovesToHalfOpen(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := Health{State: StateOpen, OpenedAt: now}

	if h.Available(now.Add(10*time.Second), testPolicy) {
		t.Fatal("circuit should stay open inside cooldown")
	}
	ticked := h.Tick(now.Add(31*time.Second), testPolicy)
	if ticked.State != StateHalfOpen {
		t.Fatalf("expected half_open after cooldown, got %s", ticked.State)
	}
}

func TestProbeOutcomes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	probe := Health{State: StateHalfOpen, ConsecutiveFailures: 3, SuccessRate: 0.4}

	closed := probe.Apply(Outcome{Success: true, Latency: 50 * time.Millisecond, At: now}, testPolicy)
	if closed.State != StateClosed || closed.ConsecutiveFailures != 0 {
		t.Fatalf("successful probe should close: %+v", closed)
	}

	reopened := probe.Apply(Outcome{Success: false, At: now}, testPolicy)
	if reopened.State != StateOpen {
		t.Fatalf("failed probe should reopen, got %s", reopened.State)
	}
	if !reopened.OpenedAt.Equal(now) {
		t.Fatalf("failed probe should restart cooldown, OpenedAt=%v", reopened.OpenedAt)
	}
}

func TestSuccessRateEMA(t *testing.T) {
	now := time.Now()
	h := NewHealth()

	h = h.Apply(Outcome{Success: false, At: now}, testPolicy)
	want := 0.2*0.0 + 0.8*1.0
	if diff := h.SuccessRate - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected success rate %v, got %v", want, h.SuccessRate)
	}

	h = h.Apply(Outcome{Success: true, Latency: 100 * time.Millisecond, At: now}, testPolicy)
	want = 0.2*1.0 + 0.8*want
	if diff := h.SuccessRate - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected success rate %v, got %v", want, h.SuccessRate)
	}
	if h.LatencyEMA != 100*time.Millisecond {
		t.Fatalf("first latency sample should seed the EMA, got %v", h.LatencyEMA)
	}
}
