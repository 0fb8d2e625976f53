// remote.go: proxies for capabilities hosted by the peer
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package capcalc

import (
	"context"

	"google.golang.org/protobuf/types/known/structpb"
)

// capTarget addresses a capability on the peer: either one of its exports
// or a field of the result of a call it has not answered yet.
type capTarget struct {
	promised bool
	id       uint32
	question uint32
	field    string
}

func answerTarget(question uint32, field string) capTarget {
	return capTarget{promised: true, question: question, field: field}
}

// remoteCap is a Value and a Function hosted by the peer. Which one it
// really is only matters to the host; a wrong call fails there.
type remoteCap struct {
	sess   *Session
	target capTarget

	// fallback yields the settled capability for answer targets whose
	// question has already been finished.
	fallback func(ctx context.Context) (any, error)
}

// Read implements Value.
func (r *remoteCap) Read(ctx context.Context) (float64, error) {
	results, err := r.sess.roundTrip(ctx, r, MethodRead, nil)
	if err != nil {
		return 0, err
	}
	return numberResult(results, "value")
}

// Call implements Function.
func (r *remoteCap) Call(ctx context.Context, params []float64) (float64, error) {
	results, err := r.sess.roundTrip(ctx, r, MethodCall, func(*outgoing) (map[string]*structpb.Value, error) {
		return map[string]*structpb.Value{"params": encodeNumbers(params)}, nil
	})
	if err != nil {
		return 0, err
	}
	return numberResult(results, "value")
}

func numberResult(results map[string]any, field string) (float64, error) {
	v, ok := results[field].(float64)
	if !ok {
		return 0, NewProtocolError("result field is not a number").WithContext("field", field)
	}
	return v, nil
}

// CalculatorClient is a Calculator hosted by the peer. Besides the blocking
// Calculator methods it offers Async variants whose promises can be used in
// further calls before the first call returns.
type CalculatorClient struct {
	cap *remoteCap
}

var _ Calculator = (*CalculatorClient)(nil)

// Evaluate implements Calculator.
func (c *CalculatorClient) Evaluate(ctx context.Context, expr *Expression) (Value, error) {
	return c.EvaluateAsync(ctx, expr).Await(ctx)
}

// DefFunction implements Calculator.
func (c *CalculatorClient) DefFunction(ctx context.Context, paramCount uint32, body *Expression) (Function, error) {
	return c.DefFunctionAsync(ctx, paramCount, body).Await(ctx)
}

// GetOperator implements Calculator.
func (c *CalculatorClient) GetOperator(ctx context.Context, op Operator) (Function, error) {
	return c.GetOperatorAsync(ctx, op).Await(ctx)
}

// EvaluateAsync sends an evaluate call and returns at once. Reading the
// promise, or using it in another expression, is pipelined to the peer.
func (c *CalculatorClient) EvaluateAsync(ctx context.Context, expr *Expression) *ValuePromise {
	return c.callForValue(ctx, MethodEvaluate, func(enc *outgoing) (map[string]*structpb.Value, error) {
		e, err := encodeExpression(ctx, expr, enc)
		if err != nil {
			return nil, err
		}
		return map[string]*structpb.Value{"expression": e}, nil
	})
}

// DefFunctionAsync sends a defFunction call and returns at once.
func (c *CalculatorClient) DefFunctionAsync(ctx context.Context, paramCount uint32, body *Expression) *FunctionPromise {
	return c.callForFunction(ctx, MethodDefFunction, func(enc *outgoing) (map[string]*structpb.Value, error) {
		b, err := encodeExpression(ctx, body, enc)
		if err != nil {
			return nil, err
		}
		return map[string]*structpb.Value{
			"paramCount": structpb.NewNumberValue(float64(paramCount)),
			"body":       b,
		}, nil
	})
}

// GetOperatorAsync sends a getOperator call and returns at once.
func (c *CalculatorClient) GetOperatorAsync(ctx context.Context, op Operator) *FunctionPromise {
	if !op.Valid() {
		return ResolvedFunction(nil, NewUnknownOperatorError(op))
	}
	return c.callForFunction(ctx, MethodGetOperator, func(*outgoing) (map[string]*structpb.Value, error) {
		return map[string]*structpb.Value{"op": structpb.NewNumberValue(float64(op))}, nil
	})
}

func (c *CalculatorClient) callForValue(ctx context.Context, method string,
	build func(enc *outgoing) (map[string]*structpb.Value, error)) *ValuePromise {

	vp := NewValuePromise()
	q, err := c.cap.sess.startCall(ctx, c.cap, method, build, func(results map[string]any, err error) {
		if err != nil {
			vp.Resolve(nil, err)
			return
		}
		v, ok := results["value"].(Value)
		if !ok {
			vp.Resolve(nil, NewProtocolError("result has no value capability"))
			return
		}
		vp.Resolve(v, nil)
	})
	if err != nil {
		vp.Resolve(nil, err)
		return vp
	}
	vp.pipeline = &remoteCap{
		sess:   c.cap.sess,
		target: answerTarget(q.id, "value"),
		fallback: func(ctx context.Context) (any, error) {
			return vp.Await(ctx)
		},
	}
	return vp
}

func (c *CalculatorClient) callForFunction(ctx context.Context, method string,
	build func(enc *outgoing) (map[string]*structpb.Value, error)) *FunctionPromise {

	fp := NewFunctionPromise()
	q, err := c.cap.sess.startCall(ctx, c.cap, method, build, func(results map[string]any, err error) {
		if err != nil {
			fp.Resolve(nil, err)
			return
		}
		f, ok := results["func"].(Function)
		if !ok {
			fp.Resolve(nil, NewProtocolError("result has no function capability"))
			return
		}
		fp.Resolve(f, nil)
	})
	if err != nil {
		fp.Resolve(nil, err)
		return fp
	}
	fp.pipeline = &remoteCap{
		sess:   c.cap.sess,
		target: answerTarget(q.id, "func"),
		fallback: func(ctx context.Context) (any, error) {
			return fp.Await(ctx)
		},
	}
	return fp
}
