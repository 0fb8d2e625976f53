// function.go: function capabilities - operators, user-defined functions and callbacks
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package capcalc

import (
	"context"
	"strings"
)

// Function is a callable capability. The evaluator invokes every function
// the same way whether it runs in-process or on the far side of a session.
type Function interface {
	Call(ctx context.Context, params []float64) (float64, error)
}

// FunctionFunc adapts an ordinary Go function to the Function interface.
type FunctionFunc func(ctx context.Context, params []float64) (float64, error)

// Call calls f(ctx, params).
func (f FunctionFunc) Call(ctx context.Context, params []float64) (float64, error) {
	return f(ctx, params)
}

// Operator identifies a built-in binary arithmetic operator.
type Operator int

const (
	OperatorAdd Operator = iota
	OperatorSubtract
	OperatorMultiply
	OperatorDivide
)

// String returns the operator's wire name.
func (op Operator) String() string {
	switch op {
	case OperatorAdd:
		return "add"
	case OperatorSubtract:
		return "subtract"
	case OperatorMultiply:
		return "multiply"
	case OperatorDivide:
		return "divide"
	default:
		return "unknown"
	}
}

// Valid reports whether op is one of the supported operators.
func (op Operator) Valid() bool {
	return op >= OperatorAdd && op <= OperatorDivide
}

// ParseOperator maps a wire name back to an Operator.
func ParseOperator(name string) (Operator, error) {
	switch strings.ToLower(name) {
	case "add":
		return OperatorAdd, nil
	case "subtract":
		return OperatorSubtract, nil
	case "multiply":
		return OperatorMultiply, nil
	case "divide":
		return OperatorDivide, nil
	default:
		return -1, NewUnknownOperatorError(-1).WithContext("name", name)
	}
}

// OperatorFunction applies a binary operator to exactly two parameters.
// Division follows IEEE-754: dividing by zero yields ±Inf or NaN.
type OperatorFunction struct {
	Op Operator
}

// Call implements Function.
func (o *OperatorFunction) Call(ctx context.Context, params []float64) (float64, error) {
	if len(params) != 2 {
		return 0, NewArityMismatchError(2, len(params))
	}
	a, b := params[0], params[1]
	switch o.Op {
	case OperatorAdd:
		return a + b, nil
	case OperatorSubtract:
		return a - b, nil
	case OperatorMultiply:
		return a * b, nil
	case OperatorDivide:
		return a / b, nil
	default:
		return 0, NewUnknownOperatorError(o.Op)
	}
}

// UserDefinedFunction evaluates a captured body with the call's parameters
// bound. The body is a private copy taken at definition time.
type UserDefinedFunction struct {
	paramCount uint32
	body       *Expression
	evaluator  *Evaluator
}

// NewUserDefinedFunction captures a copy of body.
func NewUserDefinedFunction(evaluator *Evaluator, paramCount uint32, body *Expression) *UserDefinedFunction {
	return &UserDefinedFunction{
		paramCount: paramCount,
		body:       body.Clone(),
		evaluator:  evaluator,
	}
}

// ParamCount returns the declared arity.
func (u *UserDefinedFunction) ParamCount() uint32 {
	return u.paramCount
}

// Call implements Function.
func (u *UserDefinedFunction) Call(ctx context.Context, params []float64) (float64, error) {
	if len(params) != int(u.paramCount) {
		return 0, NewArityMismatchError(int(u.paramCount), len(params))
	}
	return u.evaluator.Evaluate(ctx, u.body, params)
}

// CallbackFunction wraps a function supplied by the far side of a session
// or by the embedding program. Results and failures pass through unchanged.
type CallbackFunction struct {
	name   string
	target Function
}

// NewCallback wraps target under a name used in logs.
func NewCallback(name string, target Function) *CallbackFunction {
	return &CallbackFunction{name: name, target: target}
}

// Name returns the callback's log name.
func (c *CallbackFunction) Name() string {
	return c.name
}

// Call implements Function.
func (c *CallbackFunction) Call(ctx context.Context, params []float64) (float64, error) {
	LoggerFromContext(ctx).Debug("Invoking callback", "callback", c.name, "params", len(params))
	return c.target.Call(ctx, params)
}

// callDepthKey carries the number of function invocations active on the
// current evaluation path.
type callDepthKey struct{}

// CallDepth returns the function-call nesting depth recorded in ctx.
func CallDepth(ctx context.Context) int {
	if d, ok := ctx.Value(callDepthKey{}).(int); ok {
		return d
	}
	return 0
}

// WithCallDepth records depth in ctx. Sessions use it to carry the depth of
// a remote caller into local evaluation.
func WithCallDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, callDepthKey{}, depth)
}
