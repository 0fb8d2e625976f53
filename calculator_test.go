// calculator_test.go: tests for the in-process calculator service
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package capcalc

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCalculator(t *testing.T, opts ...CalculatorOption) *CalculatorService {
	t.Helper()
	opts = append([]CalculatorOption{WithLogger(NewTestLogger())}, opts...)
	return NewCalculatorService(opts...)
}

func mustOperator(t *testing.T, calc Calculator, op Operator) Function {
	t.Helper()
	fn, err := calc.GetOperator(context.Background(), op)
	require.NoError(t, err)
	return fn
}

func readValue(t *testing.T, v Value) float64 {
	t.Helper()
	got, err := v.Read(context.Background())
	require.NoError(t, err)
	return got
}

func powCallback() Function {
	return NewCallback("pow", FunctionFunc(func(ctx context.Context, params []float64) (float64, error) {
		if len(params) != 2 {
			return 0, NewArityMismatchError(2, len(params))
		}
		return math.Pow(params[0], params[1]), nil
	}))
}

func TestCalculatorLiteral(t *testing.T) {
	calc := newTestCalculator(t)

	v, err := calc.Evaluate(context.Background(), Literal(123))
	require.NoError(t, err)
	assert.Equal(t, 123.0, readValue(t, v))
}

func TestCalculatorAddSubtract(t *testing.T) {
	calc := newTestCalculator(t)
	add := mustOperator(t, calc, OperatorAdd)
	sub := mustOperator(t, calc, OperatorSubtract)

	v, err := calc.Evaluate(context.Background(),
		Call(sub, Call(add, Literal(123), Literal(45)), Literal(67)))
	require.NoError(t, err)
	assert.Equal(t, 101.0, readValue(t, v))
}

func TestCalculatorPipelinedEvaluations(t *testing.T) {
	ctx := context.Background()
	calc := newTestCalculator(t)
	add := calc.GetOperatorAsync(ctx, OperatorAdd)
	mul := calc.GetOperatorAsync(ctx, OperatorMultiply)

	product := calc.EvaluateAsync(ctx, Call(mul, Literal(4), Literal(6)))
	plus3 := calc.EvaluateAsync(ctx, Call(add, PreviousResult(product), Literal(3)))
	plus5 := calc.EvaluateAsync(ctx, Call(add, PreviousResult(product), Literal(5)))

	assert.Equal(t, 27.0, readValue(t, plus3))
	assert.Equal(t, 29.0, readValue(t, plus5))
}

func TestCalculatorDefinedFunctions(t *testing.T) {
	ctx := context.Background()
	calc := newTestCalculator(t)
	add := mustOperator(t, calc, OperatorAdd)
	mul := mustOperator(t, calc, OperatorMultiply)

	// f(x, y) = x * 100 + y
	f, err := calc.DefFunction(ctx, 2, Call(add, Call(mul, Parameter(0), Literal(100)), Parameter(1)))
	require.NoError(t, err)

	// g(x) = f(x, x + 1) * 2
	g, err := calc.DefFunction(ctx, 1, Call(mul,
		Call(f, Parameter(0), Call(add, Parameter(0), Literal(1))),
		Literal(2)))
	require.NoError(t, err)

	fv, err := calc.Evaluate(ctx, Call(f, Literal(12), Literal(34)))
	require.NoError(t, err)
	gv, err := calc.Evaluate(ctx, Call(g, Literal(21)))
	require.NoError(t, err)

	assert.Equal(t, 1234.0, readValue(t, fv))
	assert.Equal(t, 4244.0, readValue(t, gv))
}

func TestCalculatorCallback(t *testing.T) {
	calc := newTestCalculator(t)
	add := mustOperator(t, calc, OperatorAdd)

	v, err := calc.Evaluate(context.Background(),
		Call(powCallback(), Literal(2), Call(add, Literal(4), Literal(5))))
	require.NoError(t, err)
	assert.Equal(t, 512.0, readValue(t, v))
}

func TestCalculatorArityMismatch(t *testing.T) {
	ctx := context.Background()
	calc := newTestCalculator(t)
	add := mustOperator(t, calc, OperatorAdd)

	v, err := calc.Evaluate(ctx, Call(add, Literal(1)))
	assert.Nil(t, v, "no value is produced on failure")
	assert.True(t, IsCode(err, ErrCodeArityMismatch))

	f, err := calc.DefFunction(ctx, 2, Call(add, Parameter(0), Parameter(1)))
	require.NoError(t, err)
	_, err = calc.Evaluate(ctx, Call(f, Literal(1), Literal(2), Literal(3)))
	assert.True(t, IsCode(err, ErrCodeArityMismatch))
}

func TestCalculatorTopLevelParameter(t *testing.T) {
	_, err := newTestCalculator(t).Evaluate(context.Background(), Parameter(0))
	assert.True(t, IsCode(err, ErrCodeBadParameterIndex))
}

func TestCalculatorValueReadsAreIdempotent(t *testing.T) {
	calc := newTestCalculator(t)
	v, err := calc.Evaluate(context.Background(), Literal(8))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.Equal(t, 8.0, readValue(t, v))
	}
}

func TestCalculatorUnknownOperator(t *testing.T) {
	calc := newTestCalculator(t)

	_, err := calc.GetOperator(context.Background(), Operator(9))
	assert.True(t, IsCode(err, ErrCodeUnknownOperator))

	_, err = calc.GetOperatorAsync(context.Background(), Operator(9)).Await(context.Background())
	assert.True(t, IsCode(err, ErrCodeUnknownOperator))
}

func TestCalculatorEvalTimeout(t *testing.T) {
	calc := newTestCalculator(t, WithEvalTimeout(30*time.Millisecond))
	assert.Equal(t, 30*time.Millisecond, calc.EvalTimeout())

	slow := &blockingValue{}
	_, err := calc.Evaluate(context.Background(), PreviousResult(slow))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCalculatorApplyConfig(t *testing.T) {
	calc := newTestCalculator(t, WithMaxCallDepth(4))
	assert.Equal(t, 4, calc.Evaluator().MaxCallDepth())

	cfg := DefaultServerConfig()
	cfg.MaxCallDepth = 12
	cfg.EvalTimeout = Duration(2 * time.Second)
	calc.ApplyConfig(&cfg)

	assert.Equal(t, 12, calc.Evaluator().MaxCallDepth())
	assert.Equal(t, 2*time.Second, calc.EvalTimeout())

	calc.ApplyConfig(nil)
	assert.Equal(t, 12, calc.Evaluator().MaxCallDepth())
}

func TestCalculatorRecordsMetrics(t *testing.T) {
	ctx := context.Background()
	metrics := NewDefaultMetricsCollector()
	calc := newTestCalculator(t, WithMetrics(metrics))
	add := mustOperator(t, calc, OperatorAdd)

	_, err := calc.Evaluate(ctx, Call(add, Literal(1), Literal(2)))
	require.NoError(t, err)
	_, err = calc.Evaluate(ctx, Call(add, Literal(1)))
	require.Error(t, err)
	_, err = calc.DefFunction(ctx, 0, Literal(1))
	require.NoError(t, err)

	assert.Equal(t, int64(1), metrics.Counter(MetricEvaluations, nil))
	assert.Equal(t, int64(1), metrics.Counter(MetricEvaluationErrors,
		map[string]string{"code": ErrCodeArityMismatch}))
	assert.Equal(t, int64(1), metrics.Counter(MetricFunctionsDefined, nil))
}

func TestCalculatorLogsFailures(t *testing.T) {
	logger := NewTestLogger()
	calc := NewCalculatorService(WithLogger(logger))

	_, err := calc.Evaluate(context.Background(), Parameter(0))
	require.Error(t, err)
	assert.True(t, logger.HasMessage("WARN", "Evaluation failed"))
}
