// parse.go: infix text front-end building expression trees with the CEL parser
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package capcalc

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/operators"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// Bindings resolves the names used in expression text.
//
// Example:
//
//	expr, err := capcalc.ParseExpression("pow(x, 2) + prev", capcalc.Bindings{
//	    Params:    []string{"x"},
//	    Values:    map[string]capcalc.Value{"prev": prev},
//	    Functions: map[string]capcalc.Function{"pow": pow},
//	})
type Bindings struct {
	// Params names the parameters of a function body, by position.
	Params []string

	// Values maps identifiers to previously returned values.
	Values map[string]Value

	// Functions maps call names to function capabilities.
	Functions map[string]Function

	// Operators supplies the capabilities used for + - * /. Missing entries
	// fall back to in-process operator functions.
	Operators map[Operator]Function
}

var (
	celEnvOnce sync.Once
	celEnv     *cel.Env
	celEnvErr  error
)

func parserEnv() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv()
	})
	return celEnv, celEnvErr
}

// ParseExpression parses infix arithmetic text into an Expression. Numbers
// become literals, + - * / become operator calls, unary minus becomes
// subtraction from zero, and identifiers and calls resolve through b.
func ParseExpression(src string, b Bindings) (*Expression, error) {
	env, err := parserEnv()
	if err != nil {
		return nil, NewMalformedExpressionError("parser unavailable", err)
	}

	ast, issues := env.Parse(src)
	if issues != nil && issues.Err() != nil {
		return nil, NewMalformedExpressionError("syntax error", issues.Err()).
			WithContext("source", src)
	}

	parsed, err := cel.AstToParsedExpr(ast)
	if err != nil {
		return nil, NewMalformedExpressionError("syntax error", err).WithContext("source", src)
	}

	conv := &celConverter{bindings: b}
	return conv.convert(parsed.GetExpr())
}

type celConverter struct {
	bindings Bindings
}

func (c *celConverter) convert(e *exprpb.Expr) (*Expression, error) {
	switch k := e.GetExprKind().(type) {
	case *exprpb.Expr_ConstExpr:
		return c.constant(k.ConstExpr)
	case *exprpb.Expr_IdentExpr:
		return c.ident(k.IdentExpr.GetName())
	case *exprpb.Expr_CallExpr:
		return c.call(k.CallExpr)
	default:
		return nil, NewMalformedExpressionError(fmt.Sprintf("unsupported construct %T", k), nil)
	}
}

func (c *celConverter) constant(k *exprpb.Constant) (*Expression, error) {
	switch v := k.GetConstantKind().(type) {
	case *exprpb.Constant_DoubleValue:
		return Literal(v.DoubleValue), nil
	case *exprpb.Constant_Int64Value:
		return Literal(float64(v.Int64Value)), nil
	case *exprpb.Constant_Uint64Value:
		return Literal(float64(v.Uint64Value)), nil
	default:
		return nil, NewMalformedExpressionError(fmt.Sprintf("unsupported constant %T", v), nil)
	}
}

func (c *celConverter) ident(name string) (*Expression, error) {
	for i, p := range c.bindings.Params {
		if p == name {
			return Parameter(uint32(i)), nil
		}
	}
	if v, ok := c.bindings.Values[name]; ok {
		return PreviousResult(v), nil
	}
	return nil, NewMalformedExpressionError("unknown identifier", nil).WithContext("name", name)
}

func (c *celConverter) call(call *exprpb.Expr_Call) (*Expression, error) {
	if call.GetTarget() != nil {
		return nil, NewMalformedExpressionError("method calls are not supported", nil).
			WithContext("function", call.GetFunction())
	}

	args := make([]*Expression, 0, len(call.GetArgs())+1)
	if call.GetFunction() == operators.Negate {
		args = append(args, Literal(0))
	}
	for _, a := range call.GetArgs() {
		arg, err := c.convert(a)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}

	switch call.GetFunction() {
	case operators.Add:
		return Call(c.operator(OperatorAdd), args...), nil
	case operators.Subtract, operators.Negate:
		return Call(c.operator(OperatorSubtract), args...), nil
	case operators.Multiply:
		return Call(c.operator(OperatorMultiply), args...), nil
	case operators.Divide:
		return Call(c.operator(OperatorDivide), args...), nil
	}

	fn, ok := c.bindings.Functions[call.GetFunction()]
	if !ok {
		return nil, NewMalformedExpressionError("unknown function", nil).
			WithContext("function", call.GetFunction())
	}
	return Call(fn, args...), nil
}

func (c *celConverter) operator(op Operator) Function {
	if fn, ok := c.bindings.Operators[op]; ok && fn != nil {
		return fn
	}
	return &OperatorFunction{Op: op}
}
