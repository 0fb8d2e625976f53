// wire_test.go: tests for the protobuf Struct wire encoding
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
	"google.golang.org/protobuf/types/known/structpb"
)

// capTable maps capabilities to sender-hosted ids and back.
type capTable struct {
	caps []any
}

func (c *capTable) encodeCap(_ context.Context, obj any) (*structpb.Value, error) {
	c.caps = append(c.caps, obj)
	return senderHostedRef(uint32(len(c.caps) - 1)), nil
}

func (c *capTable) decodeCap(ref *structpb.Value) (any, error) {
	r, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	if int(r.id) >= len(c.caps) {
		return nil, NewProtocolError("unknown capability")
	}
	return c.caps[r.id], nil
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Value {
	t.Helper()
	v, err := structpb.NewValue(m)
	require.NoError(t, err)
	return v
}

func TestExpressionWireRoundTrip(t *testing.T) {
	ctx := context.Background()
	table := &capTable{}
	add := &OperatorFunction{Op: OperatorAdd}
	prev := NewValue(3)
	expr := Call(add, Call(add, Literal(1.5), Parameter(2)), PreviousResult(prev))

	wire, err := encodeExpression(ctx, expr, table)
	require.NoError(t, err)

	decoded, err := decodeExpression(wire, table)
	require.NoError(t, err)
	assert.Equal(t, expr.String(), decoded.String())
	assert.Same(t, add, decoded.Function)
	assert.Same(t, prev, decoded.Params[1].Result)
	assert.Equal(t, uint32(2), decoded.Params[0].Params[1].Index)
}

func TestEncodeExpressionRejectsIncompleteTrees(t *testing.T) {
	ctx := context.Background()
	for _, expr := range []*Expression{
		nil,
		{Kind: KindCall},
		{Kind: KindPreviousResult},
		{Kind: ExpressionKind(99)},
	} {
		_, err := encodeExpression(ctx, expr, &capTable{})
		assert.True(t, IsCode(err, ErrCodeMalformedExpression))
	}
}

func TestDecodeExpressionMalformed(t *testing.T) {
	table := &capTable{caps: []any{NewValue(1), &OperatorFunction{Op: OperatorAdd}}}
	tests := []struct {
		name string
		wire map[string]any
	}{
		{"empty object", map[string]any{}},
		{"two variants", map[string]any{"literal": 1, "parameter": 0}},
		{"unknown variant", map[string]any{"constant": 1}},
		{"literal not a number", map[string]any{"literal": "1"}},
		{"negative parameter", map[string]any{"parameter": -1}},
		{"fractional parameter", map[string]any{"parameter": 1.5}},
		{"call not an object", map[string]any{"call": 3}},
		{"call params not a list", map[string]any{"call": map[string]any{
			"function": map[string]any{"senderHosted": 1},
			"params":   "nope",
		}}},
		{"call target is a value", map[string]any{"call": map[string]any{
			"function": map[string]any{"senderHosted": 0},
		}}},
		{"previous result is a function", map[string]any{"previousResult": map[string]any{"senderHosted": 1}}},
		{"unknown reference tag", map[string]any{"previousResult": map[string]any{"elsewhere": 0}}},
		{"dangling reference", map[string]any{"previousResult": map[string]any{"senderHosted": 7}}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := decodeExpression(mustStruct(t, test.wire), table)
			require.Error(t, err)
			assert.True(t, IsCode(err, ErrCodeMalformedExpression), "err=%v", err)
		})
	}

	_, err := decodeExpression(structpb.NewNumberValue(1), table)
	assert.True(t, IsCode(err, ErrCodeMalformedExpression))
}

func TestDecodeExpressionDepthLimit(t *testing.T) {
	table := &capTable{caps: []any{&OperatorFunction{Op: OperatorAdd}}}
	fn := senderHostedRef(0)

	nest := func(levels int) *structpb.Value {
		v := singleField("literal", structpb.NewNumberValue(1))
		for i := 0; i < levels; i++ {
			call := &structpb.Struct{Fields: map[string]*structpb.Value{
				"function": fn,
				"params":   structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{v}}),
			}}
			v = singleField("call", structpb.NewStructValue(call))
		}
		return v
	}

	_, err := decodeExpression(nest(maxDecodeDepth), table)
	require.NoError(t, err)

	_, err = decodeExpression(nest(maxDecodeDepth+2), table)
	assert.True(t, IsCode(err, ErrCodeMalformedExpression))
}

func TestParseRef(t *testing.T) {
	r, err := parseRef(senderHostedRef(4))
	require.NoError(t, err)
	assert.Equal(t, parsedRef{tag: refSenderHosted, id: 4}, r)

	r, err = parseRef(receiverHostedRef(9))
	require.NoError(t, err)
	assert.Equal(t, parsedRef{tag: refReceiverHosted, id: 9}, r)

	r, err = parseRef(receiverAnswerRef(12, "value"))
	require.NoError(t, err)
	assert.Equal(t, parsedRef{tag: refReceiverAnswer, question: 12, field: "value"}, r)

	_, err = parseRef(mustStruct(t, map[string]any{"senderHosted": 1, "receiverHosted": 2}))
	assert.True(t, IsCode(err, ErrCodeProtocolError))

	_, err = parseRef(nil)
	assert.True(t, IsCode(err, ErrCodeProtocolError))
}

func TestDecodeNumbers(t *testing.T) {
	got, err := decodeNumbers(encodeNumbers([]float64{1, 2.5, -3}))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2.5, -3}, got)

	got, err = decodeNumbers(nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = decodeNumbers(mustStruct(t, map[string]any{"a": 1}))
	assert.True(t, IsCode(err, ErrCodeProtocolError))
}

func TestErrorWirePreservesCode(t *testing.T) {
	original := NewArityMismatchError(2, 3)
	decoded := decodeError(encodeError(original))

	assert.True(t, IsCode(decoded, ErrCodeArityMismatch))
	assert.Equal(t, ErrorCodeOf(original), ErrorCodeOf(decoded))
	assert.Contains(t, decoded.Error(), original.Message)
}

func TestErrorWireUncodedBecomesSubstrateFailure(t *testing.T) {
	decoded := decodeError(encodeError(context.Canceled))
	assert.True(t, IsCode(decoded, ErrCodeSubstrateFailure))
	assert.Contains(t, decoded.Error(), "context canceled")
}

func TestSessionMessages(t *testing.T) {
	call := newCallMessage(3, senderHostedRef(0), MethodEvaluate, nil, 2)
	fields := call.GetFields()
	assert.Equal(t, msgCall, fields["kind"].GetStringValue())
	assert.Equal(t, MethodEvaluate, fields["method"].GetStringValue())
	assert.Equal(t, 2.0, fields["depth"].GetNumberValue())
	assert.NotNil(t, fields["params"].GetStructValue())

	ret := newErrorReturnMessage(3, NewBadParameterIndexError(1, 0))
	assert.Equal(t, msgReturn, ret.GetFields()["kind"].GetStringValue())
	assert.True(t, IsCode(decodeError(ret.GetFields()["error"]), ErrCodeBadParameterIndex))

	id, err := uint32Of(newReleaseMessage(8).GetFields()["id"])
	require.NoError(t, err)
	assert.Equal(t, uint32(8), id)
}
