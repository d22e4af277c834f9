package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wheelswins/pam-core/internal/config"
)

// FallbackFunc is notified whenever synthesis falls past an engine to a
// lower-priority one, or exhausts the chain entirely.
type FallbackFunc func(from, to string, reason error)

// Manager runs a priority chain of engines behind per-engine circuit
// breakers. Engines are tried in configured order; open circuits are
// skipped until their cooldown elapses, at which point a single probe is
// allowed through. When every circuit is open, forced-probe mode (on by
// default) sends one probe through the primary engine rather than
// refusing outright.
type Manager struct {
	cfg      config.TTSConfig
	policy   Policy
	engines  []Engine
	log      *slog.Logger
	fallback FallbackFunc
	clock    func() time.Time

	mu     sync.Mutex
	health map[string]Health

	meter      metric.Meter
	synthCount metric.Int64Counter
	fallbacks  metric.Int64Counter
}

func NewManager(cfg config.TTSConfig, engines []Engine, fallback FallbackFunc, log *slog.Logger) *Manager {
	m := &Manager{
		cfg: cfg,
		policy: Policy{
			FailureTrip: cfg.FailureTrip,
			Cooldown:    time.Duration(cfg.CooldownMS) * time.Millisecond,
			Smoothing:   cfg.Smoothing,
		},
		engines:  engines,
		log:      log.With(slog.String("component", "tts-manager")),
		fallback: fallback,
		clock:    time.Now,
		health:   make(map[string]Health),
		meter:    otel.Meter("github.com/wheelswins/pam-core/runtime"),
	}
	for _, eng := range engines {
		m.health[eng.Name()] = NewHealth()
	}
	if counter, err := m.meter.Int64Counter("pam.tts.synthesis", metric.WithDescription("Synthesis attempts by engine and outcome")); err == nil {
		m.synthCount = counter
	}
	if counter, err := m.meter.Int64Counter("pam.tts.fallbacks", metric.WithDescription("Fallbacks past an engine in the priority chain")); err == nil {
		m.fallbacks = counter
	}
	return m
}

// Synthesize walks the engine chain and returns the first successful
// clip. The error wraps ErrAllEnginesFailed when nothing produced audio.
func (m *Manager) Synthesize(ctx context.Context, text string) (Audio, error) {
	if len(m.engines) == 0 {
		return Audio{}, fmt.Errorf("%w: no engines configured", ErrAllEnginesFailed)
	}

	audio, err := m.walk(ctx, text)
	if err == nil {
		return audio, nil
	}
	if m.cfg.ForcedProbe && m.allOpen() {
		primary := m.engines[0]
		m.log.Warn("all engines open, forcing probe through primary",
			slog.String("engine", primary.Name()))
		if audio, perr := m.attempt(ctx, primary, text); perr == nil {
			return audio, nil
		}
		return Audio{}, err
	}
	return Audio{}, err
}

func (m *Manager) walk(ctx context.Context, text string) (Audio, error) {
	var lastErr error
	var failedName string

	for _, eng := range m.engines {
		name := eng.Name()
		if !m.available(name) {
			m.log.Debug("skipping unavailable engine", slog.String("engine", name))
			continue
		}

		if failedName != "" {
			m.notifyFallback(failedName, name, lastErr)
		}

		audio, err := m.attempt(ctx, eng, text)
		if err == nil {
			return audio, nil
		}
		lastErr = err
		failedName = name

		if ctx.Err() != nil {
			return Audio{}, fmt.Errorf("%w: %v", ErrAllEnginesFailed, ctx.Err())
		}
	}

	if failedName != "" {
		m.notifyFallback(failedName, "", lastErr)
	}
	if lastErr != nil {
		return Audio{}, fmt.Errorf("%w: last error from chain: %v", ErrAllEnginesFailed, lastErr)
	}
	return Audio{}, fmt.Errorf("%w: every circuit open", ErrAllEnginesFailed)
}

func (m *Manager) attempt(ctx context.Context, eng Engine, text string) (Audio, error) {
	timeout := time.Duration(m.cfg.AttemptTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := m.clock()
	audio, err := eng.Synthesize(attemptCtx, text)
	latency := m.clock().Sub(start)

	m.record(eng.Name(), Outcome{Success: err == nil, Latency: latency, At: m.clock()})

	outcome := "ok"
	if err != nil {
		outcome = "error"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		m.log.Warn("engine synthesis failed",
			slog.String("engine", eng.Name()),
			slog.String("error", err.Error()))
	}
	if m.synthCount != nil {
		m.synthCount.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("engine", eng.Name()),
			attribute.String("outcome", outcome),
		))
	}
	if err != nil {
		return Audio{}, err
	}
	audio.Engine = eng.Name()
	return audio, nil
}

func (m *Manager) available(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.health[name]
	if !ok {
		return false
	}
	now := m.clock()
	ticked := h.Tick(now, m.policy)
	if ticked.State != h.State {
		m.health[name] = ticked
	}
	return ticked.State == StateClosed || ticked.State == StateHalfOpen
}

func (m *Manager) allOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	for _, h := range m.health {
		if h.Tick(now, m.policy).State != StateOpen {
			return false
		}
	}
	return len(m.health) > 0
}

func (m *Manager) record(name string, o Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.health[name]; ok {
		m.health[name] = h.Apply(o, m.policy)
	}
}

func (m *Manager) notifyFallback(from, to string, reason error) {
	if m.fallbacks != nil {
		m.fallbacks.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		))
	}
	if m.fallback != nil {
		m.fallback(from, to, reason)
	}
}

// Snapshot returns a copy of every engine's health, keyed by engine name.
func (m *Manager) Snapshot() map[string]Health {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Health, len(m.health))
	for name, h := range m.health {
		out[name] = h
	}
	return out
}

// Healthy reports whether at least one engine circuit is not open.
func (m *Manager) Healthy() bool {
	if len(m.engines) == 0 {
		return false
	}
	return !m.allOpen()
}
