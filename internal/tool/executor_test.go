package tool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/wheelswins/pam-core/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testExecutor(t *testing.T, reg *Registry) *Executor {
	t.Helper()
	cfg := config.ToolsConfig{Concurrency: 2, DefaultTimeoutMS: 200}
	return NewExecutor(cfg, reg, nil, testLogger())
}

func TestRegisterDuplicate(t *testing.T) {
	reg := NewRegistry()
	def := Definition{
		Name:    "echo",
		Handler: func(ctx context.Context, call Call) (any, error) { return call.Arguments, nil },
	}
	if err := reg.Register(def); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := reg.Register(def); !errors.Is(err, ErrDuplicateTool) {
		t.Fatalf("expected ErrDuplicateTool, got %v", err)
	}
}

func TestRegisterAfterSeal(t *testing.T) {
	reg := NewRegistry()
	reg.Seal()
	err := reg.Register(Definition{
		Name:    "late",
		Handler: func(ctx context.Context, call Call) (any, error) { return nil, nil },
	})
	if !errors.Is(err, ErrRegistrySealed) {
		t.Fatalf("expected ErrRegistrySealed, got %v", err)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	reg := NewRegistry()
	reg.Seal()
	res := testExecutor(t, reg).Execute(context.Background(), Call{Name: "nope"})
	if KindOf(res.Err) != KindNotFound {
		t.Fatalf("expected not_found, got %v", res.Err)
	}
}

func TestValidationRunsBeforeHandler(t *testing.T) {
	var handlerCalls int
	reg := NewRegistry()
	err := reg.Register(Definition{
		Name: "create_expense",
		Parameters: ObjectSchema(map[string]*Schema{
			"amount":   NumberSchema("").WithMinimum(0.01),
			"category": StringSchema("").WithEnum("fuel", "food"),
		}, "amount", "category"),
		Handler: func(ctx context.Context, call Call) (any, error) {
			handlerCalls++
			return map[string]any{"ok": true}, nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.Seal()

	res := testExecutor(t, reg).Execute(context.Background(), Call{
		Name:      "create_expense",
		Arguments: map[string]any{"amount": float64(-5), "category": "fuel"},
	})
	if KindOf(res.Err) != KindValidation {
		t.Fatalf("expected validation error, got %v", res.Err)
	}
	if handlerCalls != 0 {
		t.Fatalf("handler ran despite invalid arguments: %d calls", handlerCalls)
	}
}

func TestScopeGate(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Definition{
		Name:          "secret",
		RequiredScope: "wins:write",
		Handler:       func(ctx context.Context, call Call) (any, error) { return "ok", nil },
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.Seal()
	exec := testExecutor(t, reg)

	res := exec.Execute(context.Background(), Call{Name: "secret", Scopes: []string{"wins:read"}})
	if KindOf(res.Err) != KindPermission {
		t.Fatalf("expected permission error, got %v", res.Err)
	}

	res = exec.Execute(context.Background(), Call{Name: "secret", Scopes: []string{"wins:write"}})
	if res.Err != nil {
		t.Fatalf("expected success with matching scope, got %v", res.Err)
	}
}

func TestExecuteTimeout(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Definition{
		Name: "slow",
		Handler: func(ctx context.Context, call Call) (any, error) {
			select {
			case <-time.After(5 * time.Second):
				return "too late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.Seal()

	start := time.Now()
	res := testExecutor(t, reg).Execute(context.Background(), Call{Name: "slow"})
	if KindOf(res.Err) != KindTimeout {
		t.Fatalf("expected timeout error, got %v", res.Err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout not enforced, took %v", elapsed)
	}
}

func TestDefinitionTimeoutOverridesDefault(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Definition{
		Name:    "slow",
		Timeout: 50 * time.Millisecond,
		Handler: func(ctx context.Context, call Call) (any, error) {
			select {
			case <-time.After(5 * time.Second):
				return "too late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.Seal()

	cfg := config.ToolsConfig{Concurrency: 2, DefaultTimeoutMS: 60000}
	exec := NewExecutor(cfg, reg, nil, testLogger())

	start := time.Now()
	res := exec.Execute(context.Background(), Call{Name: "slow"})
	if KindOf(res.Err) != KindTimeout {
		t.Fatalf("expected timeout error, got %v", res.Err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("per-tool timeout not enforced, took %v", elapsed)
	}
}

func TestExecutePanicContained(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Definition{
		Name: "boom",
		Handler: func(ctx context.Context, call Call) (any, error) {
			panic("handler exploded")
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.Seal()

	res := testExecutor(t, reg).Execute(context.Background(), Call{Name: "boom"})
	if KindOf(res.Err) != KindExecution {
		t.Fatalf("expected execution error from panic, got %v", res.Err)
	}
}

func TestAuditReceivesEveryResult(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Definition{
		Name:    "echo",
		Handler: func(ctx context.Context, call Call) (any, error) { return "hi", nil },
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.Seal()

	var audited []Result
	exec := NewExecutor(config.ToolsConfig{Concurrency: 1, DefaultTimeoutMS: 200}, reg,
		func(r Result) { audited = append(audited, r) }, testLogger())

	exec.Execute(context.Background(), Call{Name: "echo"})
	exec.Execute(context.Background(), Call{Name: "missing"})

	if len(audited) != 2 {
		t.Fatalf("expected 2 audit records, got %d", len(audited))
	}
	if audited[0].Err != nil {
		t.Fatalf("first record should be success: %v", audited[0].Err)
	}
	if KindOf(audited[1].Err) != KindNotFound {
		t.Fatalf("second record should be not_found: %v", audited[1].Err)
	}
}
