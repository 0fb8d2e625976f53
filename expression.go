// expression.go: expression tree model evaluated by the calculator
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package capcalc

import (
	"strconv"
	"strings"
)

// ExpressionKind tags the variant held by an Expression.
type ExpressionKind int

const (
	KindInvalid ExpressionKind = iota
	KindLiteral
	KindPreviousResult
	KindParameter
	KindCall
)

// String returns the wire name of the kind.
func (k ExpressionKind) String() string {
	switch k {
	case KindLiteral:
		return "literal"
	case KindPreviousResult:
		return "previousResult"
	case KindParameter:
		return "parameter"
	case KindCall:
		return "call"
	default:
		return "invalid"
	}
}

// Expression is a node of an expression tree. Exactly the fields matching
// Kind are meaningful. Trees are built once with the constructor functions
// and treated as immutable afterwards; shape errors such as wrong arity
// surface only when the tree is evaluated.
type Expression struct {
	Kind ExpressionKind

	// Literal
	Value float64

	// PreviousResult
	Result Value

	// Parameter
	Index uint32

	// Call
	Function Function
	Params   []*Expression
}

// Literal returns an expression that evaluates to v.
func Literal(v float64) *Expression {
	return &Expression{Kind: KindLiteral, Value: v}
}

// PreviousResult returns an expression that reads v when evaluated.
func PreviousResult(v Value) *Expression {
	return &Expression{Kind: KindPreviousResult, Result: v}
}

// Parameter returns an expression referring to the index-th parameter of
// the enclosing function call.
func Parameter(index uint32) *Expression {
	return &Expression{Kind: KindParameter, Index: index}
}

// Call returns an expression invoking fn with the evaluated params.
func Call(fn Function, params ...*Expression) *Expression {
	return &Expression{Kind: KindCall, Function: fn, Params: params}
}

// Clone deep-copies the tree. Capability references are shared; nodes and
// parameter slices are not, so mutating the original afterwards cannot alter
// the copy.
func (e *Expression) Clone() *Expression {
	if e == nil {
		return nil
	}
	out := *e
	if e.Params != nil {
		out.Params = make([]*Expression, len(e.Params))
		for i, p := range e.Params {
			out.Params[i] = p.Clone()
		}
	}
	return &out
}

// Walk visits e and its descendants depth first, parents before children.
// Returning false from visit skips the node's children.
func (e *Expression) Walk(visit func(*Expression) bool) {
	if e == nil || !visit(e) {
		return
	}
	for _, p := range e.Params {
		p.Walk(visit)
	}
}

// String renders the tree for logs. Capabilities are shown as opaque
// placeholders.
func (e *Expression) String() string {
	var b strings.Builder
	e.format(&b)
	return b.String()
}

func (e *Expression) format(b *strings.Builder) {
	if e == nil {
		b.WriteString("<nil>")
		return
	}
	switch e.Kind {
	case KindLiteral:
		b.WriteString(strconv.FormatFloat(e.Value, 'g', -1, 64))
	case KindPreviousResult:
		b.WriteString("<value>")
	case KindParameter:
		b.WriteString("$")
		b.WriteString(strconv.FormatUint(uint64(e.Index), 10))
	case KindCall:
		if op, ok := e.Function.(*OperatorFunction); ok {
			b.WriteString(op.Op.String())
		} else {
			b.WriteString("<func>")
		}
		b.WriteByte('(')
		for i, p := range e.Params {
			if i > 0 {
				b.WriteString(", ")
			}
			p.format(b)
		}
		b.WriteByte(')')
	default:
		b.WriteString("<invalid>")
	}
}
