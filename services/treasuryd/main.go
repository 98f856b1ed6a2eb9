package treasuryd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"d2dtreasury/observability"
	"d2dtreasury/observability/logging"
	telemetry "d2dtreasury/observability/otel"
	treasurydconfig "d2dtreasury/services/treasuryd/config"
)

// Main initialises and runs the treasury daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/treasuryd/config.yaml", "path to treasuryd configuration")
	flag.Parse()

	cfg, err := treasurydconfig.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser := logging.SetupWithOptions(logging.Options{
		Service:    "treasuryd",
		Env:        cfg.Environment,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryConfig(cfg))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	if !cfg.TLS.Enabled() && !isLoopback(cfg.ListenAddress) && !strings.EqualFold(cfg.Environment, "dev") {
		return fmt.Errorf("plaintext listener %s requires env=dev or a loopback address", cfg.ListenAddress)
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	daemon, err := Build(stopCtx, cfg, observability.Treasury(), logger)
	if err != nil {
		return err
	}
	defer daemon.Close()

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      daemon.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	group, ctx := errgroup.WithContext(stopCtx)
	group.Go(func() error {
		logger.Info("treasuryd listening", "address", cfg.ListenAddress, "tls", cfg.TLS.Enabled())
		var err error
		if cfg.TLS.Enabled() {
			err = httpServer.ListenAndServeTLS(cfg.TLS.CertPath, cfg.TLS.KeyPath)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return daemon.RunKeeper(ctx)
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	})
	return group.Wait()
}

// telemetryConfig prefers the YAML settings and falls back to the standard
// OTEL_* variables.
func telemetryConfig(cfg treasurydconfig.Config) telemetry.Config {
	return telemetry.Config{
		ServiceName:    "treasuryd",
		Environment:    cfg.Environment,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Headers:        cfg.Telemetry.Headers,
		Metrics:        cfg.Telemetry.Metrics,
		Traces:         cfg.Telemetry.Traces,
		SampleRatio:    cfg.Telemetry.SampleRatio,
		MetricInterval: cfg.Telemetry.MetricInterval.Duration,
	}.WithEnv(os.Getenv)
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
