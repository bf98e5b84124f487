// Command hhrfd is the gateway daemon: it loads the configured function
// cache, the HTTP gateway, and the ambient observability stack, then
// serves /rpc/... until terminated.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/hhrf/internal/config"
	"github.com/oriys/hhrf/internal/gateway"
	"github.com/oriys/hhrf/internal/invoke"
	"github.com/oriys/hhrf/internal/libcache"
	"github.com/oriys/hhrf/internal/logging"
	"github.com/oriys/hhrf/internal/manifest"
	"github.com/oriys/hhrf/internal/metrics"
	"github.com/oriys/hhrf/internal/observability"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "hhrfd",
		Short: "hhrfd - Host Runtime for Function-as-a-Service plugins",
		Long:  "hhrfd loads compiled functions as dynamic libraries and dispatches HTTP requests to them across a frozen C ABI.",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a JSON config file")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("hhrfd (HHRF gateway daemon)")
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)

	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
	if path := cfg.Observability.Logging.RequestLogPath; path != "" {
		if err := logging.Default().SetOutput(path); err != nil {
			return fmt.Errorf("open request log: %w", err)
		}
		defer logging.Default().Close()
	}

	if cfg.Observability.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
	}

	ctx := context.Background()
	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Exporter:    cfg.Observability.Tracing.Exporter,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		ServiceName: cfg.Observability.Tracing.ServiceName,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.Shutdown(ctx)

	cache := libcache.New(libcache.Options{
		IdleTTL:         cfg.Cache.IdleTTL,
		CleanupInterval: cfg.Cache.CleanupInterval,
	})
	defer cache.Close()

	pipeline := invoke.New(cache)
	store := manifest.NewStore(cfg.RootDir)

	transport := invoke.TransportInProcess
	if cfg.Invoke.TransportMode == "subprocess" {
		transport = invoke.TransportSubprocess
	}

	gw := gateway.New(store, pipeline, nil, gateway.Options{
		MaxBodyBytes:   cfg.Gateway.MaxBodyBytes,
		DefaultTimeout: cfg.Invoke.DefaultTimeout,
		Transport:      transport,
		RunnerPath:     cfg.Invoke.RunnerPath,
	})

	mux := http.NewServeMux()
	mux.Handle("/", gw)
	mux.Handle("/_stats", metrics.Global().JSONHandler())

	server := &http.Server{
		Addr:    cfg.Gateway.ListenAddr,
		Handler: observability.HTTPMiddleware(mux),
	}

	serveErr := make(chan error, 1)
	go func() {
		logging.Op().Info("hhrfd listening", "addr", cfg.Gateway.ListenAddr, "root", cfg.RootDir)
		serveErr <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
	case sig := <-sigCh:
		logging.Op().Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}
