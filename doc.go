// Package capcalc provides a capability-based remote calculator.
//
// Clients send expression trees to a Calculator. Literals, parameter
// references, earlier results and function calls can be nested freely; the
// server evaluates sibling arguments concurrently and returns each result
// as a Value capability instead of a bare number. Values can be read later
// or embedded in further expressions, and functions can be defined on the
// server (UserDefinedFunction), fetched as built-in operators, or supplied
// by the client as callbacks that the server invokes back over the same
// session.
//
// Key Features:
//   - Concurrent argument evaluation with first-failure cancellation
//   - Promise pipelining: results can be used before they arrive
//   - Client callbacks invoked by the server during evaluation
//   - Call depth limits across local and remote invocations
//   - gRPC transport with handshake, TLS and graceful draining
//   - Hot-reload of runtime limits and log level through Argus
//   - Structured errors with stable codes via go-errors
//
// Basic Usage:
//
//	client, err := capcalc.Dial(ctx, "127.0.0.1:7400")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	calc := client.Bootstrap()
//	add, _ := calc.GetOperator(ctx, capcalc.OperatorAdd)
//	value, err := calc.Evaluate(ctx, capcalc.Call(add,
//		capcalc.Literal(2), capcalc.Literal(3)))
//	if err != nil {
//		log.Fatal(err)
//	}
//	n, _ := value.Read(ctx) // 5
//
// Pipelining:
//
//	// Both calls are sent at once; the second names the first's answer.
//	first := calc.EvaluateAsync(ctx, capcalc.Call(mul,
//		capcalc.Literal(4), capcalc.Literal(6)))
//	second := calc.EvaluateAsync(ctx, capcalc.Call(add,
//		capcalc.PreviousResult(first), capcalc.Literal(3)))
//	n, _ := second.Read(ctx) // 27
//
// Copyright (c) 2025 AGILira - A. Giordano
// SPDX-License-Identifier: MPL-2.0
package capcalc
