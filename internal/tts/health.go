package tts

import "time"

// State is the circuit position for one engine.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Policy holds the circuit thresholds, derived from config once at
// manager construction.
type Policy struct {
	FailureTrip int
	Cooldown    time.Duration
	Smoothing   float64
}

// Outcome is one synthesis attempt's result as seen by the circuit.
type Outcome struct {
	Success bool
	Latency time.Duration
	At      time.Time
}

// Health is the tracked state for one engine. It is a value: Apply and
// Tick return the successor state rather than mutating, which keeps the
// transition logic free of locks and directly testable.
type Health struct {
	State               State
	ConsecutiveFailures int
	SuccessRate         float64
	LatencyEMA          time.Duration
	OpenedAt            time.Time
	LastAttempt         time.Time
	Attempts            uint64
}

// NewHealth returns a closed circuit with an optimistic success rate, so
// a cold engine is not immediately ranked below warm ones.
func NewHealth() Health {
	return Health{State: StateClosed, SuccessRate: 1.0}
}

// Apply folds one attempt outcome into the health state.
func (h Health) Apply(o Outcome, p Policy) Health {
	next := h
	next.Attempts++
	next.LastAttempt = o.At

	smoothing := p.Smoothing
	if smoothing <= 0 || smoothing > 1 {
		smoothing = 0.2
	}

	sample := 0.0
	if o.Success {
		sample = 1.0
	}
	next.SuccessRate = smoothing*sample + (1-smoothing)*h.SuccessRate
	if o.Success {
		if h.LatencyEMA == 0 {
			next.LatencyEMA = o.Latency
		} else {
			next.LatencyEMA = time.Duration(smoothing*float64(o.Latency) + (1-smoothing)*float64(h.LatencyEMA))
		}
	}

	if o.Success {
		next.ConsecutiveFailures = 0
		next.State = StateClosed
		next.OpenedAt = time.Time{}
		return next
	}

	next.ConsecutiveFailures = h.ConsecutiveFailures + 1
	switch h.State {
	case StateHalfOpen:
		// A failed probe re-opens the circuit and restarts the cooldown.
		next.State = StateOpen
		next.OpenedAt = o.At
	default:
		trip := p.FailureTrip
		if trip <= 0 {
			trip = 3
		}
		if next.ConsecutiveFailures >= trip {
			next.State = StateOpen
			next.OpenedAt = o.At
		}
	}
	return next
}

// Tick advances an open circuit to half_open once the cooldown has
// elapsed. It never moves any other state.
func (h Health) Tick(now time.Time, p Policy) Health {
	if h.State != StateOpen {
		return h
	}
	if now.Sub(h.OpenedAt) >= p.Cooldown {
		next := h
		next.State = StateHalfOpen
		return next
	}
	return h
}

// Available reports whether the circuit permits an attempt right now.
func (h Health) Available(now time.Time, p Policy) bool {
	switch h.Tick(now, p).State {
	case StateClosed, StateHalfOpen:
		return true
	default:
		return false
	}
}
