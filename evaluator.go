// evaluator.go: recursive expression evaluation with concurrent argument fan-out
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package capcalc

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// DefaultMaxCallDepth bounds nested function invocations per evaluation.
const DefaultMaxCallDepth = 64

// Evaluator turns expression trees into numbers.
//
// Sibling arguments of a call are evaluated concurrently; the function is
// invoked once all of them have resolved, with results in argument order.
// The first failure cancels the remaining siblings and becomes the result.
// A panic while evaluating an argument is recovered and fails the call with
// HandlerPanic. An Evaluator holds no per-evaluation state and is safe for
// concurrent use.
type Evaluator struct {
	logger       Logger
	recovery     RecoveryHandler
	maxCallDepth atomic.Int64
}

// NewEvaluator creates an evaluator with the default call depth limit.
func NewEvaluator(logger Logger) *Evaluator {
	if logger == nil {
		logger = DefaultLogger()
	}
	e := &Evaluator{
		logger:   logger,
		recovery: MetricsRecoveryHandler(logger, NoOpMetricsCollector{}, "evaluator"),
	}
	e.maxCallDepth.Store(DefaultMaxCallDepth)
	return e
}

// SetMaxCallDepth changes the nesting limit. Zero or negative disables it.
func (e *Evaluator) SetMaxCallDepth(limit int) {
	e.maxCallDepth.Store(int64(limit))
}

// MaxCallDepth returns the current nesting limit.
func (e *Evaluator) MaxCallDepth() int {
	return int(e.maxCallDepth.Load())
}

// Evaluate evaluates expr. params is the parameter list of the enclosing
// function call, or nil at top level.
func (e *Evaluator) Evaluate(ctx context.Context, expr *Expression, params []float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if expr == nil {
		return 0, NewMalformedExpressionError("nil expression", nil)
	}

	switch expr.Kind {
	case KindLiteral:
		return expr.Value, nil

	case KindPreviousResult:
		if expr.Result == nil {
			return 0, NewMalformedExpressionError("previous result without a value capability", nil)
		}
		return expr.Result.Read(ctx)

	case KindParameter:
		if uint64(expr.Index) >= uint64(len(params)) {
			return 0, NewBadParameterIndexError(expr.Index, len(params))
		}
		return params[expr.Index], nil

	case KindCall:
		return e.evaluateCall(ctx, expr, params)

	default:
		return 0, NewMalformedExpressionError("unknown expression kind", nil).
			WithContext("kind", int(expr.Kind))
	}
}

func (e *Evaluator) evaluateCall(ctx context.Context, expr *Expression, params []float64) (float64, error) {
	if expr.Function == nil {
		return 0, NewMalformedExpressionError("call without a function capability", nil)
	}

	args := make([]float64, len(expr.Params))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range expr.Params {
		// Nodes that cannot suspend are resolved inline.
		if p != nil && (p.Kind == KindLiteral || p.Kind == KindParameter) {
			v, err := e.Evaluate(ctx, p, params)
			if err != nil {
				// Siblings already started are cancelled through gctx.
				g.Go(func() error { return err })
				break
			}
			args[i] = v
			continue
		}
		g.Go(func() (err error) {
			defer withCustomRecoveryHandler(func(recovered any, stack []byte) {
				e.recovery(recovered, stack)
				err = NewHandlerPanicError(MethodCall, fmt.Sprint(recovered))
			})()
			v, err := e.Evaluate(gctx, p, params)
			if err != nil {
				return err
			}
			args[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	depth := CallDepth(ctx) + 1
	if limit := e.MaxCallDepth(); limit > 0 && depth > limit {
		return 0, NewRecursionLimitError(depth, limit)
	}

	e.logger.Debug("Invoking function", "depth", depth, "params", len(args))
	return expr.Function.Call(WithCallDepth(ctx, depth), args)
}
