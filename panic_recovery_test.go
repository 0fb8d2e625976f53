// panic_recovery_test.go: tests for call handler panic recovery
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package capcalc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeInvokeRecoversPanics(t *testing.T) {
	logger := NewTestLogger()
	metrics := NewDefaultMetricsCollector()
	handler := MetricsRecoveryHandler(logger, metrics, "test")

	exploding := FunctionFunc(func(context.Context, []float64) (float64, error) {
		panic("division by banana")
	})

	out, err := safeInvoke(context.Background(), handler, exploding, MethodCall, callArgs{numbers: []float64{1}})
	assert.Nil(t, out)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeHandlerPanic))

	assert.True(t, logger.HasMessage("ERROR", "Panic recovered"))
	assert.Equal(t, int64(1), metrics.Counter(MetricPanicsRecovered, map[string]string{"component": "test"}))
}

func TestSafeInvokePassesResultsThrough(t *testing.T) {
	handler := MetricsRecoveryHandler(NewNoOpLogger(), NoOpMetricsCollector{}, "test")

	out, err := safeInvoke(context.Background(), handler, &OperatorFunction{Op: OperatorAdd},
		MethodCall, callArgs{numbers: []float64{2, 3}})
	require.NoError(t, err)
	assert.Equal(t, 5.0, out["value"])
}

func TestPanickingCallbackFailsOnlyItsCall(t *testing.T) {
	ctx := context.Background()
	p := newSessionPair(t, newTestCalculator(t))
	calc := p.client.Bootstrap()

	exploding := NewCallback("exploding", FunctionFunc(func(context.Context, []float64) (float64, error) {
		panic("sensor unplugged")
	}))
	_, err := calc.Evaluate(ctx, Call(exploding, Literal(1)))
	assert.True(t, IsCode(err, ErrCodeHandlerPanic), "err=%v", err)

	// The session survives.
	v, err := calc.Evaluate(ctx, Literal(5))
	require.NoError(t, err)
	assert.Equal(t, 5.0, readValue(t, v))
}

func TestEvaluatorRecoversArgumentPanics(t *testing.T) {
	metrics := NewDefaultMetricsCollector()
	calc := newTestCalculator(t, WithMetrics(metrics))

	exploding := FunctionFunc(func(context.Context, []float64) (float64, error) {
		panic("gear slipped")
	})
	add := &OperatorFunction{Op: OperatorAdd}

	// The nested call runs on its own goroutine inside the fan-out.
	_, err := calc.Evaluate(context.Background(), Call(add, Call(exploding, Literal(1)), Literal(1)))
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeHandlerPanic), "err=%v", err)
	assert.Equal(t, int64(1), metrics.Counter(MetricPanicsRecovered, map[string]string{"component": "evaluator"}))
}

func TestPanicInNestedCallbackArgumentFailsOnlyItsCall(t *testing.T) {
	ctx := context.Background()
	p := newSessionPair(t, newTestCalculator(t))
	calc := p.client.Bootstrap()

	exploding := FunctionFunc(func(context.Context, []float64) (float64, error) {
		panic("boom")
	})
	add := &OperatorFunction{Op: OperatorAdd}

	// Hosted by the client: the server calls back into it and the client
	// evaluates exploding on a fan-out goroutine.
	local := newTestCalculator(t)
	shifted, err := local.DefFunction(ctx, 1, Call(add, Call(exploding, Parameter(0), Literal(1)), Literal(1)))
	require.NoError(t, err)

	_, err = calc.Evaluate(ctx, Call(NewCallback("shifted", shifted), Literal(2)))
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeHandlerPanic), "err=%v", err)

	v, err := calc.Evaluate(ctx, Literal(5))
	require.NoError(t, err)
	assert.Equal(t, 5.0, readValue(t, v))
}
