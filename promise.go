// promise.go: deferred capabilities used for pipelining
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package capcalc

import (
	"context"
	"sync"
)

// promise is a capability of type T that is resolved exactly once.
type promise[T any] struct {
	done chan struct{}
	once sync.Once
	cap  T
	err  error
}

func newPromise[T any]() *promise[T] {
	return &promise[T]{done: make(chan struct{})}
}

// resolve settles the promise. Later calls are ignored.
func (p *promise[T]) resolve(c T, err error) bool {
	settled := false
	p.once.Do(func() {
		p.cap, p.err = c, err
		close(p.done)
		settled = true
	})
	return settled
}

func (p *promise[T]) await(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.cap, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (p *promise[T]) peek() (T, bool, error) {
	select {
	case <-p.done:
		return p.cap, true, p.err
	default:
		var zero T
		return zero, false, nil
	}
}

// ValuePromise is a Value whose capability is not known yet. It can be read
// or embedded in an Expression before it resolves; Read waits for the
// resolution unless a pipelined capability can forward the call right away.
type ValuePromise struct {
	p        *promise[Value]
	pipeline Value
}

// NewValuePromise returns an unresolved promise.
func NewValuePromise() *ValuePromise {
	return &ValuePromise{p: newPromise[Value]()}
}

// newPipelinedValuePromise returns a promise whose reads go through pipe
// immediately instead of waiting for resolution.
func newPipelinedValuePromise(pipe Value) *ValuePromise {
	return &ValuePromise{p: newPromise[Value](), pipeline: pipe}
}

// ResolvedValue returns an already settled promise.
func ResolvedValue(v Value, err error) *ValuePromise {
	vp := NewValuePromise()
	vp.Resolve(v, err)
	return vp
}

// Resolve settles the promise with a capability or an error. It reports
// false when the promise was already settled.
func (vp *ValuePromise) Resolve(v Value, err error) bool {
	if err == nil && v == nil {
		err = NewPromiseBrokenError(NewProtocolError("resolved without a value capability"))
	}
	return vp.p.resolve(v, err)
}

// Await waits for the promise to settle.
func (vp *ValuePromise) Await(ctx context.Context) (Value, error) {
	return vp.p.await(ctx)
}

// Done is closed once the promise settles.
func (vp *ValuePromise) Done() <-chan struct{} {
	return vp.p.done
}

// Read implements Value.
func (vp *ValuePromise) Read(ctx context.Context) (float64, error) {
	if vp.pipeline != nil {
		if v, ok, err := vp.p.peek(); ok && err == nil {
			return v.Read(ctx)
		}
		return vp.pipeline.Read(ctx)
	}
	v, err := vp.Await(ctx)
	if err != nil {
		return 0, err
	}
	return v.Read(ctx)
}

// FunctionPromise is the Function counterpart of ValuePromise.
type FunctionPromise struct {
	p        *promise[Function]
	pipeline Function
}

// NewFunctionPromise returns an unresolved promise.
func NewFunctionPromise() *FunctionPromise {
	return &FunctionPromise{p: newPromise[Function]()}
}

func newPipelinedFunctionPromise(pipe Function) *FunctionPromise {
	return &FunctionPromise{p: newPromise[Function](), pipeline: pipe}
}

// ResolvedFunction returns an already settled promise.
func ResolvedFunction(f Function, err error) *FunctionPromise {
	fp := NewFunctionPromise()
	fp.Resolve(f, err)
	return fp
}

// Resolve settles the promise with a capability or an error.
func (fp *FunctionPromise) Resolve(f Function, err error) bool {
	if err == nil && f == nil {
		err = NewPromiseBrokenError(NewProtocolError("resolved without a function capability"))
	}
	return fp.p.resolve(f, err)
}

// Await waits for the promise to settle.
func (fp *FunctionPromise) Await(ctx context.Context) (Function, error) {
	return fp.p.await(ctx)
}

// Done is closed once the promise settles.
func (fp *FunctionPromise) Done() <-chan struct{} {
	return fp.p.done
}

// Call implements Function.
func (fp *FunctionPromise) Call(ctx context.Context, params []float64) (float64, error) {
	if fp.pipeline != nil {
		if f, ok, err := fp.p.peek(); ok && err == nil {
			return f.Call(ctx, params)
		}
		return fp.pipeline.Call(ctx, params)
	}
	f, err := fp.Await(ctx)
	if err != nil {
		return 0, err
	}
	return f.Call(ctx, params)
}
