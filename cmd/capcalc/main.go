// main.go: capcalc command line entry point
//
// Usage:
//
//	capcalc server [-config FILE] [ADDRESS]
//	capcalc client ADDRESS
//	capcalc eval ADDRESS EXPRESSION
//	capcalc health ADDRESS
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	capcalc "github.com/agilira/go-capcalc"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "server":
		err = runServer(os.Args[2:])
	case "client":
		err = runClient(os.Args[2:])
	case "eval":
		err = runEval(os.Args[2:])
	case "health":
		err = runHealth(os.Args[2:])
	case "version":
		fmt.Println("capcalc", Version)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "capcalc: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  %s server [-config FILE] [ADDRESS]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s client ADDRESS\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s eval ADDRESS EXPRESSION\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s health ADDRESS\n", os.Args[0])
}

func runServer(args []string) error {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file (JSON or YAML)")
	watch := fs.Bool("watch", true, "reload runtime settings when the configuration file changes")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := capcalc.LoadServerConfig(*configPath)
	if err != nil {
		return err
	}
	if fs.NArg() > 0 {
		cfg.ListenAddress = fs.Arg(0)
	}

	logger, level, err := capcalc.NewZapLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting calculator server",
		"version", Version,
		"address", cfg.ListenAddress,
		"max_call_depth", cfg.MaxCallDepth)

	metrics := capcalc.NewDefaultMetricsCollector()
	calc := capcalc.NewCalculatorService(
		capcalc.WithLogger(logger),
		capcalc.WithMetrics(metrics),
		capcalc.WithMaxCallDepth(cfg.MaxCallDepth),
		capcalc.WithEvalTimeout(cfg.EvalTimeout.Std()),
	)

	server, err := capcalc.NewServer(calc, cfg,
		capcalc.WithServerLogger(logger),
		capcalc.WithServerMetrics(metrics))
	if err != nil {
		return err
	}

	if *configPath != "" && *watch {
		watcher, err := capcalc.NewConfigWatcher(*configPath, func(next *capcalc.ServerConfig) error {
			level.SetLevel(capcalc.ParseLogLevel(next.LogLevel))
			calc.ApplyConfig(next)
			return nil
		}, capcalc.DefaultConfigWatcherOptions(), logger)
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			return err
		}
		defer func() { _ = watcher.Stop() }()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return err
	case sig := <-sigs:
		logger.Info("Received signal, shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout.Std())
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("Shutdown did not drain cleanly", "error", err)
	}
	logger.Info("Calculator server stopped", "metrics", metrics.GetMetrics())
	return <-serveErr
}

func dial(address string) (*capcalc.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return capcalc.Dial(ctx, address, capcalc.WithDialLogger(capcalc.NewNoOpLogger()))
}

func runClient(args []string) error {
	if len(args) != 1 {
		usage()
		os.Exit(2)
	}
	client, err := dial(args[0])
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return runDemo(ctx, client.Bootstrap(), os.Stdout)
}

func runEval(args []string) error {
	if len(args) != 2 {
		usage()
		os.Exit(2)
	}
	client, err := dial(args[0])
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	calc := client.Bootstrap()
	bindings := capcalc.Bindings{
		Functions: map[string]capcalc.Function{"pow": powerCallback()},
		Operators: map[capcalc.Operator]capcalc.Function{
			capcalc.OperatorAdd:      calc.GetOperatorAsync(ctx, capcalc.OperatorAdd),
			capcalc.OperatorSubtract: calc.GetOperatorAsync(ctx, capcalc.OperatorSubtract),
			capcalc.OperatorMultiply: calc.GetOperatorAsync(ctx, capcalc.OperatorMultiply),
			capcalc.OperatorDivide:   calc.GetOperatorAsync(ctx, capcalc.OperatorDivide),
		},
	}
	expr, err := capcalc.ParseExpression(args[1], bindings)
	if err != nil {
		return err
	}

	result, err := calc.EvaluateAsync(ctx, expr).Read(ctx)
	if err != nil {
		return err
	}
	fmt.Println(result)
	return nil
}

// powerCallback raises its first parameter to the second. It runs on the
// client; the server calls back into it during evaluation.
func powerCallback() capcalc.Function {
	return capcalc.NewCallback("pow", capcalc.FunctionFunc(func(ctx context.Context, params []float64) (float64, error) {
		if len(params) != 2 {
			return 0, capcalc.NewArityMismatchError(2, len(params))
		}
		return math.Pow(params[0], params[1]), nil
	}))
}

func runHealth(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: capcalc health ADDRESS")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := capcalc.CheckHealth(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Println(status.String())
	if status != healthgrpc.HealthCheckResponse_SERVING {
		return fmt.Errorf("server is not serving")
	}
	return nil
}
