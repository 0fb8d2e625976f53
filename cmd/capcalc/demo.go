// demo.go: end-to-end walkthrough run by "capcalc client"
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"fmt"
	"io"

	capcalc "github.com/agilira/go-capcalc"
)

type demoStep struct {
	title string
	run   func(ctx context.Context, calc *capcalc.CalculatorClient) error
}

var demoSteps = []demoStep{
	{"Evaluating a literal", demoLiteral},
	{"Using add and subtract", demoAddSubtract},
	{"Pipelining eval() calls", demoPipelining},
	{"Defining functions", demoFunctions},
	{"Using a callback", demoCallback},
}

func runDemo(ctx context.Context, calc *capcalc.CalculatorClient, out io.Writer) error {
	for _, step := range demoSteps {
		fmt.Fprintf(out, "%s... ", step.title)
		if err := step.run(ctx, calc); err != nil {
			fmt.Fprintln(out, "FAIL")
			return fmt.Errorf("%s: %w", step.title, err)
		}
		fmt.Fprintln(out, "PASS")
	}
	return nil
}

func expect(got, want float64) error {
	if got != want {
		return fmt.Errorf("expected %g, got %g", want, got)
	}
	return nil
}

func demoLiteral(ctx context.Context, calc *capcalc.CalculatorClient) error {
	got, err := calc.EvaluateAsync(ctx, capcalc.Literal(123)).Read(ctx)
	if err != nil {
		return err
	}
	return expect(got, 123)
}

// 123 + 45 - 67
func demoAddSubtract(ctx context.Context, calc *capcalc.CalculatorClient) error {
	add := calc.GetOperatorAsync(ctx, capcalc.OperatorAdd)
	subtract := calc.GetOperatorAsync(ctx, capcalc.OperatorSubtract)

	expr := capcalc.Call(subtract,
		capcalc.Call(add, capcalc.Literal(123), capcalc.Literal(45)),
		capcalc.Literal(67))
	got, err := calc.EvaluateAsync(ctx, expr).Read(ctx)
	if err != nil {
		return err
	}
	return expect(got, 101)
}

// 4 * 6 + 3 and 4 * 6 + 5, sharing the product.
func demoPipelining(ctx context.Context, calc *capcalc.CalculatorClient) error {
	add := calc.GetOperatorAsync(ctx, capcalc.OperatorAdd)
	multiply := calc.GetOperatorAsync(ctx, capcalc.OperatorMultiply)

	product := calc.EvaluateAsync(ctx,
		capcalc.Call(multiply, capcalc.Literal(4), capcalc.Literal(6)))
	plus3 := calc.EvaluateAsync(ctx,
		capcalc.Call(add, capcalc.PreviousResult(product), capcalc.Literal(3)))
	plus5 := calc.EvaluateAsync(ctx,
		capcalc.Call(add, capcalc.PreviousResult(product), capcalc.Literal(5)))

	got3, err := plus3.Read(ctx)
	if err != nil {
		return err
	}
	got5, err := plus5.Read(ctx)
	if err != nil {
		return err
	}
	if err := expect(got3, 27); err != nil {
		return err
	}
	return expect(got5, 29)
}

// f(x, y) = x * 100 + y
// g(x) = f(x, x + 1) * 2
func demoFunctions(ctx context.Context, calc *capcalc.CalculatorClient) error {
	add := calc.GetOperatorAsync(ctx, capcalc.OperatorAdd)
	multiply := calc.GetOperatorAsync(ctx, capcalc.OperatorMultiply)

	f := calc.DefFunctionAsync(ctx, 2, capcalc.Call(add,
		capcalc.Call(multiply, capcalc.Parameter(0), capcalc.Literal(100)),
		capcalc.Parameter(1)))
	g := calc.DefFunctionAsync(ctx, 1, capcalc.Call(multiply,
		capcalc.Call(f,
			capcalc.Parameter(0),
			capcalc.Call(add, capcalc.Parameter(0), capcalc.Literal(1))),
		capcalc.Literal(2)))

	fResult := calc.EvaluateAsync(ctx, capcalc.Call(f, capcalc.Literal(12), capcalc.Literal(34)))
	gResult := calc.EvaluateAsync(ctx, capcalc.Call(g, capcalc.Literal(21)))

	gotF, err := fResult.Read(ctx)
	if err != nil {
		return err
	}
	gotG, err := gResult.Read(ctx)
	if err != nil {
		return err
	}
	if err := expect(gotF, 1234); err != nil {
		return err
	}
	return expect(gotG, 4244)
}

// pow(2, 4 + 5), with pow running here.
func demoCallback(ctx context.Context, calc *capcalc.CalculatorClient) error {
	add := calc.GetOperatorAsync(ctx, capcalc.OperatorAdd)

	expr := capcalc.Call(powerCallback(),
		capcalc.Literal(2),
		capcalc.Call(add, capcalc.Literal(4), capcalc.Literal(5)))
	got, err := calc.EvaluateAsync(ctx, expr).Read(ctx)
	if err != nil {
		return err
	}
	return expect(got, 512)
}
