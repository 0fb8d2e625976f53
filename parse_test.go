// parse_test.go: tests for the infix text front-end
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

func TestParseExpressionArithmetic(t *testing.T) {
	e := NewEvaluator(nil)
	tests := []struct {
		src      string
		expected float64
	}{
		{"123", 123},
		{"123 + 45 - 67", 101},
		{"4 * 6 + 3", 27},
		{"(1 + 2) * 3", 9},
		{"7 / 2", 3.5},
		{"7.0 / 2.0", 3.5},
		{"-5 + 8", 3},
		{"-(2 * 3)", -6},
	}

	for _, test := range tests {
		t.Run(test.src, func(t *testing.T) {
			expr, err := ParseExpression(test.src, Bindings{})
			require.NoError(t, err)
			got, err := e.Evaluate(context.Background(), expr, nil)
			require.NoError(t, err)
			assert.Equal(t, test.expected, got)
		})
	}
}

func TestParseExpressionShape(t *testing.T) {
	expr, err := ParseExpression("123 + 45 - 67", Bindings{})
	require.NoError(t, err)
	assert.Equal(t, "subtract(add(123, 45), 67)", expr.String())
}

func TestParseExpressionBindings(t *testing.T) {
	prev := NewValue(10)
	pow := powCallback()

	expr, err := ParseExpression("pow(x, 2) + prev", Bindings{
		Params:    []string{"x"},
		Values:    map[string]Value{"prev": prev},
		Functions: map[string]Function{"pow": pow},
	})
	require.NoError(t, err)

	require.Equal(t, KindCall, expr.Kind)
	powCall := expr.Params[0]
	assert.Same(t, pow, powCall.Function)
	assert.Equal(t, KindParameter, powCall.Params[0].Kind)
	assert.Equal(t, uint32(0), powCall.Params[0].Index)
	assert.Same(t, prev, expr.Params[1].Result)

	got, err := NewEvaluator(nil).Evaluate(context.Background(), expr, []float64{3})
	require.NoError(t, err)
	assert.Equal(t, 19.0, got)
}

func TestParseExpressionUsesBoundOperators(t *testing.T) {
	calls := 0
	add := FunctionFunc(func(ctx context.Context, params []float64) (float64, error) {
		calls++
		return params[0] + params[1], nil
	})

	expr, err := ParseExpression("1 + 2 * 3", Bindings{
		Operators: map[Operator]Function{OperatorAdd: add},
	})
	require.NoError(t, err)

	got, err := NewEvaluator(nil).Evaluate(context.Background(), expr, nil)
	require.NoError(t, err)
	assert.Equal(t, 7.0, got)
	assert.Equal(t, 1, calls)
	assert.IsType(t, &OperatorFunction{}, expr.Params[1].Function, "unbound operators fall back to local ones")
}

func TestParseExpressionErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"syntax", "1 +"},
		{"unknown identifier", "y + 1"},
		{"unknown function", "sqrt(4)"},
		{"method call", "x.pow(2)"},
		{"string constant", `"abc"`},
		{"comparison", "1 < 2"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := ParseExpression(test.src, Bindings{Params: []string{"x"}})
			require.Error(t, err)
			assert.True(t, IsCode(err, ErrCodeMalformedExpression), "err=%v", err)
		})
	}
}
