// wire.go: protobuf Struct encoding of expressions, capability references and session messages
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package capcalc

import (
	"context"
	"math"

	"github.com/agilira/go-errors"
	"google.golang.org/protobuf/types/known/structpb"
)

// maxDecodeDepth bounds expression nesting accepted from the wire.
const maxDecodeDepth = 512

// Message kinds exchanged on a session stream.
const (
	msgCall    = "call"
	msgReturn  = "return"
	msgFinish  = "finish"
	msgRelease = "release"
)

// Methods callable through a session.
const (
	MethodEvaluate    = "evaluate"
	MethodDefFunction = "defFunction"
	MethodGetOperator = "getOperator"
	MethodCall        = "call"
	MethodRead        = "read"
)

// Capability reference tags.
const (
	refSenderHosted   = "senderHosted"
	refReceiverHosted = "receiverHosted"
	refReceiverAnswer = "receiverAnswer"
)

// capEncoder turns capabilities into wire references.
type capEncoder interface {
	encodeCap(ctx context.Context, c any) (*structpb.Value, error)
}

// capDecoder turns wire references into capabilities.
type capDecoder interface {
	decodeCap(ref *structpb.Value) (any, error)
}

// encodeExpression converts expr to its wire form:
//
//	{"literal": n}
//	{"previousResult": ref}
//	{"parameter": i}
//	{"call": {"function": ref, "params": [...]}}
func encodeExpression(ctx context.Context, expr *Expression, enc capEncoder) (*structpb.Value, error) {
	if expr == nil {
		return nil, NewMalformedExpressionError("nil expression", nil)
	}

	switch expr.Kind {
	case KindLiteral:
		return singleField("literal", structpb.NewNumberValue(expr.Value)), nil

	case KindPreviousResult:
		if expr.Result == nil {
			return nil, NewMalformedExpressionError("previous result without a value capability", nil)
		}
		ref, err := enc.encodeCap(ctx, expr.Result)
		if err != nil {
			return nil, err
		}
		return singleField("previousResult", ref), nil

	case KindParameter:
		return singleField("parameter", structpb.NewNumberValue(float64(expr.Index))), nil

	case KindCall:
		if expr.Function == nil {
			return nil, NewMalformedExpressionError("call without a function capability", nil)
		}
		fn, err := enc.encodeCap(ctx, expr.Function)
		if err != nil {
			return nil, err
		}
		params := make([]*structpb.Value, len(expr.Params))
		for i, p := range expr.Params {
			if params[i], err = encodeExpression(ctx, p, enc); err != nil {
				return nil, err
			}
		}
		call := &structpb.Struct{Fields: map[string]*structpb.Value{
			"function": fn,
			"params":   structpb.NewListValue(&structpb.ListValue{Values: params}),
		}}
		return singleField("call", structpb.NewStructValue(call)), nil

	default:
		return nil, NewMalformedExpressionError("unknown expression kind", nil).
			WithContext("kind", int(expr.Kind))
	}
}

// decodeExpression is the inverse of encodeExpression. Anything that is not
// exactly one recognized variant fails with MalformedExpression.
func decodeExpression(v *structpb.Value, dec capDecoder) (*Expression, error) {
	return decodeExpressionDepth(v, dec, 0)
}

func decodeExpressionDepth(v *structpb.Value, dec capDecoder, depth int) (*Expression, error) {
	if depth > maxDecodeDepth {
		return nil, NewMalformedExpressionError("expression nested too deeply", nil)
	}
	s := v.GetStructValue()
	if s == nil || len(s.GetFields()) != 1 {
		return nil, NewMalformedExpressionError("expression must be an object with exactly one variant", nil)
	}

	for tag, body := range s.GetFields() {
		switch tag {
		case "literal":
			n, ok := body.GetKind().(*structpb.Value_NumberValue)
			if !ok {
				return nil, NewMalformedExpressionError("literal is not a number", nil)
			}
			return Literal(n.NumberValue), nil

		case "previousResult":
			c, err := dec.decodeCap(body)
			if err != nil {
				return nil, NewMalformedExpressionError("bad previous result reference", err)
			}
			val, ok := c.(Value)
			if !ok {
				return nil, NewMalformedExpressionError("previous result is not a value capability", nil)
			}
			return PreviousResult(val), nil

		case "parameter":
			idx, err := uint32Of(body)
			if err != nil {
				return nil, NewMalformedExpressionError("bad parameter index", err)
			}
			return Parameter(idx), nil

		case "call":
			return decodeCall(body, dec, depth)

		default:
			return nil, NewMalformedExpressionError("unknown expression variant", nil).
				WithContext("variant", tag)
		}
	}
	return nil, NewMalformedExpressionError("empty expression", nil)
}

func decodeCall(body *structpb.Value, dec capDecoder, depth int) (*Expression, error) {
	call := body.GetStructValue()
	if call == nil {
		return nil, NewMalformedExpressionError("call is not an object", nil)
	}
	fields := call.GetFields()

	c, err := dec.decodeCap(fields["function"])
	if err != nil {
		return nil, NewMalformedExpressionError("bad function reference", err)
	}
	fn, ok := c.(Function)
	if !ok {
		return nil, NewMalformedExpressionError("call target is not a function capability", nil)
	}

	var params []*Expression
	if raw, present := fields["params"]; present {
		list := raw.GetListValue()
		if list == nil {
			return nil, NewMalformedExpressionError("call params is not a list", nil)
		}
		params = make([]*Expression, len(list.GetValues()))
		for i, p := range list.GetValues() {
			if params[i], err = decodeExpressionDepth(p, dec, depth+1); err != nil {
				return nil, err
			}
		}
	}
	return Call(fn, params...), nil
}

func singleField(name string, v *structpb.Value) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{name: v}})
}

// uint32Of reads a non-negative integral number that fits in 32 bits.
func uint32Of(v *structpb.Value) (uint32, error) {
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, NewProtocolError("expected a number")
	}
	f := n.NumberValue
	if f < 0 || f > math.MaxUint32 || f != math.Trunc(f) {
		return 0, NewProtocolError("expected an unsigned 32-bit integer")
	}
	return uint32(f), nil
}

func numberOf(v *structpb.Value) (float64, error) {
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, NewProtocolError("expected a number")
	}
	return n.NumberValue, nil
}

func encodeNumbers(values []float64) *structpb.Value {
	list := make([]*structpb.Value, len(values))
	for i, v := range values {
		list[i] = structpb.NewNumberValue(v)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: list})
}

func decodeNumbers(v *structpb.Value) ([]float64, error) {
	if v == nil {
		return nil, nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil, NewProtocolError("expected a list of numbers")
	}
	out := make([]float64, len(list.GetValues()))
	for i, item := range list.GetValues() {
		n, err := numberOf(item)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

// Capability references

func senderHostedRef(id uint32) *structpb.Value {
	return singleField(refSenderHosted, structpb.NewNumberValue(float64(id)))
}

func receiverHostedRef(id uint32) *structpb.Value {
	return singleField(refReceiverHosted, structpb.NewNumberValue(float64(id)))
}

func receiverAnswerRef(question uint32, field string) *structpb.Value {
	return singleField(refReceiverAnswer, structpb.NewStructValue(&structpb.Struct{
		Fields: map[string]*structpb.Value{
			"question": structpb.NewNumberValue(float64(question)),
			"field":    structpb.NewStringValue(field),
		},
	}))
}

// parsedRef is a decoded capability reference.
type parsedRef struct {
	tag      string
	id       uint32
	question uint32
	field    string
}

func parseRef(v *structpb.Value) (parsedRef, error) {
	s := v.GetStructValue()
	if s == nil || len(s.GetFields()) != 1 {
		return parsedRef{}, NewProtocolError("capability reference must have exactly one tag")
	}
	for tag, body := range s.GetFields() {
		switch tag {
		case refSenderHosted, refReceiverHosted:
			id, err := uint32Of(body)
			if err != nil {
				return parsedRef{}, err
			}
			return parsedRef{tag: tag, id: id}, nil

		case refReceiverAnswer:
			fields := body.GetStructValue().GetFields()
			q, err := uint32Of(fields["question"])
			if err != nil {
				return parsedRef{}, err
			}
			return parsedRef{tag: tag, question: q, field: fields["field"].GetStringValue()}, nil

		default:
			return parsedRef{}, NewProtocolError("unknown capability reference tag " + tag)
		}
	}
	return parsedRef{}, NewProtocolError("empty capability reference")
}

// Session messages

func newCallMessage(question uint32, target *structpb.Value, method string, params map[string]*structpb.Value, depth int) *structpb.Struct {
	if params == nil {
		params = map[string]*structpb.Value{}
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"kind":     structpb.NewStringValue(msgCall),
		"question": structpb.NewNumberValue(float64(question)),
		"target":   target,
		"method":   structpb.NewStringValue(method),
		"params":   structpb.NewStructValue(&structpb.Struct{Fields: params}),
		"depth":    structpb.NewNumberValue(float64(depth)),
	}}
}

func newReturnMessage(question uint32, results map[string]*structpb.Value) *structpb.Struct {
	if results == nil {
		results = map[string]*structpb.Value{}
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"kind":     structpb.NewStringValue(msgReturn),
		"question": structpb.NewNumberValue(float64(question)),
		"results":  structpb.NewStructValue(&structpb.Struct{Fields: results}),
	}}
}

func newErrorReturnMessage(question uint32, err error) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"kind":     structpb.NewStringValue(msgReturn),
		"question": structpb.NewNumberValue(float64(question)),
		"error":    encodeError(err),
	}}
}

func newFinishMessage(question uint32) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"kind":     structpb.NewStringValue(msgFinish),
		"question": structpb.NewNumberValue(float64(question)),
	}}
}

func newReleaseMessage(id uint32) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"kind": structpb.NewStringValue(msgRelease),
		"id":   structpb.NewNumberValue(float64(id)),
	}}
}

// encodeError keeps the structured code so the caller can classify the
// failure exactly as if it had happened locally.
func encodeError(err error) *structpb.Value {
	code := ErrorCodeOf(err)
	message := err.Error()
	var calcErr *errors.Error
	if asCalcError(err, &calcErr) && calcErr.Code == code {
		message = calcErr.Message
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"code":    structpb.NewStringValue(string(code)),
		"message": structpb.NewStringValue(message),
	}})
}

func decodeError(v *structpb.Value) error {
	fields := v.GetStructValue().GetFields()
	code := fields["code"].GetStringValue()
	message := fields["message"].GetStringValue()
	if code == "" {
		return NewSubstrateFailureError(message, nil)
	}
	return errors.New(errors.ErrorCode(code), message).
		WithContext("remote", true).
		WithSeverity("error")
}
