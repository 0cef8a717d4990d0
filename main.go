package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/divert/internal/capture"
	"github.com/die-net/divert/internal/config"
	"github.com/die-net/divert/internal/dialer"
	"github.com/die-net/divert/internal/engine"
	"github.com/die-net/divert/internal/proxy"
	"github.com/die-net/divert/internal/redirect"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Default()
	configPath := pflag.String("config", "", "YAML config file. Flags set on the command line override its values.")
	cfg.BindFlags(pflag.CommandLine)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	if *configPath != "" {
		if err := config.Merge(pflag.CommandLine, &cfg, *configPath); err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	// Validate checked all of these.
	listen, _ := cfg.ListenAddrPort()
	gateway, _ := cfg.GatewayAddrPort()
	ka, _ := cfg.KeepAlive()

	up, err := dialer.New(dialer.Config{
		DialTimeout:        cfg.DialTimeout,
		NegotiationTimeout: cfg.NegotiationTimeout,
		KeepAlive:          ka,
		Mark:               cfg.Mark,
	}, cfg.Upstream)
	if err != nil {
		return fmt.Errorf("invalid --upstream: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opener := capture.Open
	if cfg.Simulate {
		opener = capture.NewSim().Open
		logger.Warn("using simulated capture; no traffic will be redirected")
	}

	eng := engine.New(
		engine.WithOpener(opener),
		engine.WithLogSink(engine.SlogSink{Logger: logger}),
		engine.WithRegisterer(reg),
		engine.WithQueueParams(cfg.QueueLength, cfg.QueueTime),
		engine.WithQueueNum(cfg.QueueNum),
		engine.WithMark(cfg.Mark),
		engine.WithExcludeLoopback(cfg.ExcludeLoopback),
	)
	eng.SetDiagnosticsEnabled(cfg.Diagnostics)

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DebugListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/debug/", http.DefaultServeMux)
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

		debugSrv := &http.Server{Handler: mux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", cfg.DebugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		logger.Info("debug listening", "addr", cfg.DebugListen)
	}

	ln, err := proxy.ListenTCP(ctx, "tcp", listen.String(), ka)
	if err != nil {
		return fmt.Errorf("redirect listen: %w", err)
	}
	srv, err := redirect.NewServer(ctx, redirect.Config{
		Querier:    eng,
		Dialer:     up,
		Logger:     logger,
		Verbose:    cfg.Verbose,
		Registerer: reg,
	})
	if err != nil {
		_ = ln.Close()
		return err
	}
	context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil {
			return fmt.Errorf("redirect serve: %w", err)
		}
		return nil
	})
	logger.Info("redirect listening", "addr", listen.String(), "upstream", cfg.Upstream)

	if err := eng.Initialize(listen.Addr().String(), int(listen.Port()), gateway.Addr().String(), int(gateway.Port()), cfg.Workers); err != nil {
		stop()
		_ = g.Wait()
		return fmt.Errorf("engine: %w", err)
	}

	g.Go(func() error {
		<-ctx.Done()
		if err := eng.Shutdown(); err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	logger.Info("shutting down")
	return err
}
