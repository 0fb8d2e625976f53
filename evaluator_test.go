// evaluator_test.go: tests for expression evaluation and concurrent fan-out
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package capcalc

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slowValue is a Value that takes a while to read.
type slowValue struct {
	value float64
	delay time.Duration
	reads atomic.Int32
}

func (s *slowValue) Read(ctx context.Context) (float64, error) {
	s.reads.Add(1)
	select {
	case <-time.After(s.delay):
		return s.value, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// blockingValue blocks until its context ends and records that it did.
// When built with newBlockingValue, ready is closed on the first read.
type blockingValue struct {
	started   atomic.Bool
	cancelled atomic.Bool

	startOnce sync.Once
	ready     chan struct{}
}

func newBlockingValue() *blockingValue {
	return &blockingValue{ready: make(chan struct{})}
}

func (b *blockingValue) Read(ctx context.Context) (float64, error) {
	b.started.Store(true)
	if b.ready != nil {
		b.startOnce.Do(func() { close(b.ready) })
	}
	<-ctx.Done()
	b.cancelled.Store(true)
	return 0, ctx.Err()
}

// gatedFailingValue fails once gate is closed.
type gatedFailingValue struct {
	gate <-chan struct{}
	err  error
}

func (g gatedFailingValue) Read(ctx context.Context) (float64, error) {
	select {
	case <-g.gate:
		return 0, g.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func TestEvaluatorLeaves(t *testing.T) {
	ctx := context.Background()
	e := NewEvaluator(NewTestLogger())

	got, err := e.Evaluate(ctx, Literal(123), nil)
	require.NoError(t, err)
	assert.Equal(t, 123.0, got)

	got, err = e.Evaluate(ctx, PreviousResult(NewValue(9)), nil)
	require.NoError(t, err)
	assert.Equal(t, 9.0, got)

	got, err = e.Evaluate(ctx, Parameter(1), []float64{5, 6})
	require.NoError(t, err)
	assert.Equal(t, 6.0, got)
}

func TestEvaluatorBadParameterIndex(t *testing.T) {
	ctx := context.Background()
	e := NewEvaluator(nil)

	// No parameters are in scope at top level.
	_, err := e.Evaluate(ctx, Parameter(0), nil)
	assert.True(t, IsCode(err, ErrCodeBadParameterIndex))

	_, err = e.Evaluate(ctx, Parameter(2), []float64{1, 2})
	assert.True(t, IsCode(err, ErrCodeBadParameterIndex))
}

func TestEvaluatorMalformed(t *testing.T) {
	ctx := context.Background()
	e := NewEvaluator(nil)

	_, err := e.Evaluate(ctx, nil, nil)
	assert.True(t, IsCode(err, ErrCodeMalformedExpression))

	_, err = e.Evaluate(ctx, &Expression{}, nil)
	assert.True(t, IsCode(err, ErrCodeMalformedExpression))

	_, err = e.Evaluate(ctx, &Expression{Kind: KindCall}, nil)
	assert.True(t, IsCode(err, ErrCodeMalformedExpression))

	_, err = e.Evaluate(ctx, &Expression{Kind: KindPreviousResult}, nil)
	assert.True(t, IsCode(err, ErrCodeMalformedExpression))
}

func TestEvaluatorNestedCalls(t *testing.T) {
	ctx := context.Background()
	e := NewEvaluator(nil)
	add := &OperatorFunction{Op: OperatorAdd}
	sub := &OperatorFunction{Op: OperatorSubtract}

	got, err := e.Evaluate(ctx, Call(sub, Call(add, Literal(123), Literal(45)), Literal(67)), nil)
	require.NoError(t, err)
	assert.Equal(t, 101.0, got)
}

func TestEvaluatorPreservesArgumentOrder(t *testing.T) {
	ctx := context.Background()
	e := NewEvaluator(nil)

	// The first argument resolves last.
	first := &slowValue{value: 100, delay: 60 * time.Millisecond}
	second := &slowValue{value: 1, delay: 5 * time.Millisecond}

	got, err := e.Evaluate(ctx, Call(&OperatorFunction{Op: OperatorSubtract},
		PreviousResult(first), PreviousResult(second)), nil)
	require.NoError(t, err)
	assert.Equal(t, 99.0, got)
}

func TestEvaluatorEvaluatesSiblingsConcurrently(t *testing.T) {
	ctx := context.Background()
	e := NewEvaluator(nil)

	a := &slowValue{value: 1, delay: 150 * time.Millisecond}
	b := &slowValue{value: 2, delay: 150 * time.Millisecond}

	start := time.Now()
	got, err := e.Evaluate(ctx, Call(&OperatorFunction{Op: OperatorAdd},
		PreviousResult(a), PreviousResult(b)), nil)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 3.0, got)
	assert.Less(t, elapsed, 280*time.Millisecond, "siblings were evaluated sequentially")
}

func TestEvaluatorFirstFailureWins(t *testing.T) {
	ctx := context.Background()
	e := NewEvaluator(nil)

	boom := NewProtocolError("boom")
	blocked := newBlockingValue()
	invoked := atomic.Bool{}
	fn := FunctionFunc(func(context.Context, []float64) (float64, error) {
		invoked.Store(true)
		return 0, nil
	})

	failing := gatedFailingValue{gate: blocked.ready, err: boom}

	_, err := e.Evaluate(ctx, Call(fn, PreviousResult(blocked), PreviousResult(failing)), nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, boom))
	assert.False(t, invoked.Load(), "function must not run when an argument fails")
	assert.True(t, blocked.cancelled.Load(), "pending sibling should be cancelled")
}

func TestEvaluatorInlineFailureCancelsStartedSiblings(t *testing.T) {
	ctx := context.Background()
	e := NewEvaluator(nil)
	blocked := &blockingValue{}

	_, err := e.Evaluate(ctx, Call(&OperatorFunction{Op: OperatorAdd},
		PreviousResult(blocked), Parameter(4)), nil)
	assert.True(t, IsCode(err, ErrCodeBadParameterIndex))
	// The sibling may see the cancelled context before it reads at all.
	if blocked.started.Load() {
		assert.True(t, blocked.cancelled.Load())
	}
}

func TestEvaluatorHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEvaluator(nil).Evaluate(ctx, Literal(1), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEvaluatorRecursionLimit(t *testing.T) {
	ctx := context.Background()
	e := NewEvaluator(nil)
	e.SetMaxCallDepth(8)
	assert.Equal(t, 8, e.MaxCallDepth())

	// A callback that evaluates a call to itself never terminates on its own.
	var self Function
	calls := atomic.Int32{}
	self = FunctionFunc(func(ctx context.Context, params []float64) (float64, error) {
		calls.Add(1)
		return e.Evaluate(ctx, Call(self, Parameter(0)), params)
	})

	_, err := e.Evaluate(ctx, Call(self, Literal(1)), nil)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeRecursionLimit))
	assert.Equal(t, int32(8), calls.Load())
}

func TestEvaluatorDepthLimitDisabled(t *testing.T) {
	e := NewEvaluator(nil)
	e.SetMaxCallDepth(0)

	remaining := 200
	var countdown Function
	countdown = FunctionFunc(func(ctx context.Context, params []float64) (float64, error) {
		remaining--
		if remaining == 0 {
			return params[0], nil
		}
		return e.Evaluate(ctx, Call(countdown, Parameter(0)), params)
	})

	got, err := e.Evaluate(context.Background(), Call(countdown, Literal(7)), nil)
	require.NoError(t, err)
	assert.Equal(t, 7.0, got)
}
