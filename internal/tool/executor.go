package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wheelswins/pam-core/internal/config"
)

// Result is the outcome of one tool execution. Exactly one of Output and
// Err is meaningful.
type Result struct {
	Call     Call
	Output   any
	Err      error
	Duration time.Duration
}

// AuditFunc receives every completed execution, success or failure. It is
// invoked outside the executor's semaphore so a slow sink cannot stall
// tool throughput.
type AuditFunc func(Result)

// Executor runs tool calls against a sealed registry with bounded
// concurrency, argument validation, scope checks, per-call timeouts, and
// panic containment.
type Executor struct {
	cfg       config.ToolsConfig
	registry  *Registry
	log       *slog.Logger
	sema      chan struct{}
	audit     AuditFunc
	meter     metric.Meter
	execCount metric.Int64Counter
	execMs    metric.Float64Histogram
}

func NewExecutor(cfg config.ToolsConfig, registry *Registry, audit AuditFunc, log *slog.Logger) *Executor {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	e := &Executor{
		cfg:      cfg,
		registry: registry,
		log:      log.With(slog.String("component", "tool-executor")),
		sema:     make(chan struct{}, concurrency),
		audit:    audit,
		meter:    otel.Meter("github.com/wheelswins/pam-core/runtime"),
	}
	if counter, err := e.meter.Int64Counter("pam.tools.executions", metric.WithDescription("Tool executions by name and outcome")); err == nil {
		e.execCount = counter
	}
	if hist, err := e.meter.Float64Histogram("pam.tools.duration_ms", metric.WithDescription("Tool execution duration in milliseconds")); err == nil {
		e.execMs = hist
	}
	return e
}

// Execute validates and runs one tool call. The returned Result always has
// Call populated; Err carries a *Error whose Kind classifies the failure.
func (e *Executor) Execute(ctx context.Context, call Call) Result {
	start := time.Now()

	def, ok := e.registry.Lookup(call.Name)
	if !ok {
		return e.finish(call, nil, newError(KindNotFound, call.Name, "no such tool"), start)
	}

	if def.RequiredScope != "" && !contains(call.Scopes, def.RequiredScope) {
		return e.finish(call, nil, newError(KindPermission, call.Name,
			fmt.Sprintf("missing scope %q", def.RequiredScope)), start)
	}

	if def.Parameters != nil {
		args := call.Arguments
		if args == nil {
			args = map[string]any{}
		}
		if err := def.Parameters.Validate(args); err != nil {
			return e.finish(call, nil, wrapError(KindValidation, call.Name, err), start)
		}
	}

	select {
	case e.sema <- struct{}{}:
	case <-ctx.Done():
		return e.finish(call, nil, wrapError(KindTimeout, call.Name, ctx.Err()), start)
	}
	defer func() { <-e.sema }()

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = time.Duration(e.cfg.DefaultTimeoutMS) * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := e.run(execCtx, def, call)
	if err != nil {
		kind := KindExecution
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			kind = KindTimeout
		}
		var te *Error
		if errors.As(err, &te) {
			return e.finish(call, nil, te, start)
		}
		return e.finish(call, nil, wrapError(kind, call.Name, err), start)
	}
	return e.finish(call, output, nil, start)
}

type handlerResult struct {
	output any
	err    error
}

// run invokes the handler with panic containment. A panicking tool is a
// failed tool, not a crashed runtime.
func (e *Executor) run(ctx context.Context, def Definition, call Call) (any, error) {
	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("tool handler panicked",
					slog.String("tool", call.Name),
					slog.Any("panic", r))
				done <- handlerResult{err: newError(KindExecution, call.Name, fmt.Sprintf("handler panicked: %v", r))}
			}
		}()
		output, err := def.Handler(ctx, call)
		done <- handlerResult{output: output, err: err}
	}()

	select {
	case res := <-done:
		return res.output, res.err
	case <-ctx.Done():
		// The handler goroutine keeps running until it notices the
		// cancelled context; its late result is discarded.
		return nil, wrapError(KindTimeout, call.Name, ctx.Err())
	}
}

func (e *Executor) finish(call Call, output any, execErr *Error, start time.Time) Result {
	res := Result{
		Call:     call,
		Output:   output,
		Duration: time.Since(start),
	}
	if execErr != nil {
		res.Err = execErr
	}

	outcome := "ok"
	if execErr != nil {
		outcome = string(execErr.Kind)
		e.log.Warn("tool execution failed",
			slog.String("tool", call.Name),
			slog.String("kind", string(execErr.Kind)),
			slog.String("error", execErr.Error()))
	} else {
		e.log.Debug("tool execution completed",
			slog.String("tool", call.Name),
			slog.Duration("duration", res.Duration))
	}

	attrs := metric.WithAttributes(
		attribute.String("tool", call.Name),
		attribute.String("outcome", outcome),
	)
	if e.execCount != nil {
		e.execCount.Add(context.Background(), 1, attrs)
	}
	if e.execMs != nil {
		e.execMs.Record(context.Background(), float64(res.Duration.Milliseconds()), attrs)
	}

	if e.audit != nil {
		e.audit(res)
	}
	return res
}
