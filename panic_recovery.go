// panic_recovery.go: panic recovery for capability call handlers
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package capcalc

import (
	"context"
	"fmt"
	"runtime"
)

// RecoveryHandler receives a recovered panic value and the stack of the
// goroutine that panicked.
type RecoveryHandler func(recovered any, stack []byte)

// withCustomRecoveryHandler returns a function to defer that hands a panic
// to handler instead of crashing the process.
func withCustomRecoveryHandler(handler RecoveryHandler) func() {
	return func() {
		if r := recover(); r != nil {
			buf := make([]byte, 64<<10)
			n := runtime.Stack(buf, false)
			handler(r, buf[:n])
		}
	}
}

// MetricsRecoveryHandler logs a recovered panic with its stack and counts it
// under MetricPanicsRecovered, labelled by component.
func MetricsRecoveryHandler(logger Logger, metrics MetricsCollector, component string) RecoveryHandler {
	return func(recovered any, stack []byte) {
		metrics.IncrementCounter(MetricPanicsRecovered, map[string]string{"component": component}, 1)
		logger.Error("Panic recovered",
			"panic", recovered,
			"component", component,
			"stack", string(stack))
	}
}

// safeInvoke runs a call handler and turns a panic in it, typically raised
// by a user callback, into a HandlerPanic error returned to the caller.
func safeInvoke(ctx context.Context, handler RecoveryHandler, target any, method string, args callArgs) (out map[string]any, err error) {
	defer withCustomRecoveryHandler(func(recovered any, stack []byte) {
		handler(recovered, stack)
		out, err = nil, NewHandlerPanicError(method, fmt.Sprint(recovered))
	})()
	return invokeMethod(ctx, target, method, args)
}
