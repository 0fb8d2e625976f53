// calculator.go: the root calculator capability
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package capcalc

import (
	"context"
	"sync/atomic"
	"time"

	timecache "github.com/agilira/go-timecache"
)

// Calculator is the root capability: it evaluates expressions, defines
// functions and hands out operators. Every call is independent.
type Calculator interface {
	Evaluate(ctx context.Context, expr *Expression) (Value, error)
	DefFunction(ctx context.Context, paramCount uint32, body *Expression) (Function, error)
	GetOperator(ctx context.Context, op Operator) (Function, error)
}

// CalculatorOption configures a CalculatorService.
type CalculatorOption func(*CalculatorService)

// WithLogger sets the service logger. Accepts anything NewLogger accepts.
func WithLogger(logger any) CalculatorOption {
	return func(c *CalculatorService) {
		c.logger = NewLogger(logger)
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector MetricsCollector) CalculatorOption {
	return func(c *CalculatorService) {
		if collector != nil {
			c.metrics = collector
		}
	}
}

// WithMaxCallDepth bounds nested function invocations.
func WithMaxCallDepth(limit int) CalculatorOption {
	return func(c *CalculatorService) {
		c.evaluator.SetMaxCallDepth(limit)
	}
}

// WithEvalTimeout bounds each top-level evaluation. Zero means no bound.
func WithEvalTimeout(timeout time.Duration) CalculatorOption {
	return func(c *CalculatorService) {
		c.SetEvalTimeout(timeout)
	}
}

// CalculatorService is the in-process Calculator. It holds no session state;
// the only mutable fields are runtime tunables updated atomically.
type CalculatorService struct {
	logger      Logger
	metrics     MetricsCollector
	evaluator   *Evaluator
	evalTimeout atomic.Int64
}

// NewCalculatorService creates a calculator.
func NewCalculatorService(opts ...CalculatorOption) *CalculatorService {
	c := &CalculatorService{
		logger:  DefaultLogger(),
		metrics: NoOpMetricsCollector{},
	}
	c.evaluator = NewEvaluator(c.logger)
	for _, opt := range opts {
		opt(c)
	}
	c.evaluator.logger = c.logger
	c.evaluator.recovery = MetricsRecoveryHandler(c.logger, c.metrics, "evaluator")
	return c
}

// Evaluator returns the evaluator used by the service.
func (c *CalculatorService) Evaluator() *Evaluator {
	return c.evaluator
}

// SetEvalTimeout changes the per-evaluation timeout.
func (c *CalculatorService) SetEvalTimeout(timeout time.Duration) {
	c.evalTimeout.Store(int64(timeout))
}

// EvalTimeout returns the per-evaluation timeout.
func (c *CalculatorService) EvalTimeout() time.Duration {
	return time.Duration(c.evalTimeout.Load())
}

// ApplyConfig applies the runtime-tunable subset of cfg. Sessions already
// open pick up the new limits on their next call.
func (c *CalculatorService) ApplyConfig(cfg *ServerConfig) {
	if cfg == nil {
		return
	}
	if cfg.MaxCallDepth > 0 {
		c.evaluator.SetMaxCallDepth(cfg.MaxCallDepth)
	}
	c.SetEvalTimeout(cfg.EvalTimeout.Std())
	c.logger.Info("Calculator limits updated",
		"max_call_depth", c.evaluator.MaxCallDepth(),
		"eval_timeout", c.EvalTimeout())
}

// Evaluate evaluates expr with no parameters in scope and wraps the result
// in a new Value. On failure no Value is produced.
func (c *CalculatorService) Evaluate(ctx context.Context, expr *Expression) (Value, error) {
	if timeout := c.EvalTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := timecache.CachedTimeNano()
	v, err := c.evaluator.Evaluate(ctx, expr, nil)
	c.metrics.RecordHistogram(MetricEvaluationSeconds, nil, sinceSeconds(start))
	if err != nil {
		c.metrics.IncrementCounter(MetricEvaluationErrors,
			map[string]string{"code": string(ErrorCodeOf(err))}, 1)
		c.logger.Warn("Evaluation failed", "error", err)
		return nil, err
	}

	c.metrics.IncrementCounter(MetricEvaluations, nil, 1)
	c.logger.Debug("Evaluation completed", "result", v)
	return NewValue(v), nil
}

// DefFunction defines a function of paramCount parameters. body is copied;
// nothing about it is checked until the function is called.
func (c *CalculatorService) DefFunction(ctx context.Context, paramCount uint32, body *Expression) (Function, error) {
	fn := NewUserDefinedFunction(c.evaluator, paramCount, body)
	c.metrics.IncrementCounter(MetricFunctionsDefined, nil, 1)
	c.logger.Debug("Function defined", "param_count", paramCount, "body", fn.body.String())
	return fn, nil
}

// GetOperator returns a capability for op.
func (c *CalculatorService) GetOperator(ctx context.Context, op Operator) (Function, error) {
	if !op.Valid() {
		return nil, NewUnknownOperatorError(op)
	}
	return &OperatorFunction{Op: op}, nil
}

// EvaluateAsync starts Evaluate in the background and returns its promise.
func (c *CalculatorService) EvaluateAsync(ctx context.Context, expr *Expression) *ValuePromise {
	vp := NewValuePromise()
	go func() {
		vp.Resolve(c.Evaluate(ctx, expr))
	}()
	return vp
}

// DefFunctionAsync is DefFunction returning a promise.
func (c *CalculatorService) DefFunctionAsync(ctx context.Context, paramCount uint32, body *Expression) *FunctionPromise {
	return ResolvedFunction(c.DefFunction(ctx, paramCount, body))
}

// GetOperatorAsync is GetOperator returning a promise.
func (c *CalculatorService) GetOperatorAsync(ctx context.Context, op Operator) *FunctionPromise {
	return ResolvedFunction(c.GetOperator(ctx, op))
}
