// The orchestrator is the fleet control plane: it owns the job queue,
// dispatches work to robots through the durable claim store, fires
// schedules and serves the HTTP control API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudrpa/fleet/internal/application/dispatch"
	"github.com/cloudrpa/fleet/internal/application/engine"
	"github.com/cloudrpa/fleet/internal/config"
	"github.com/cloudrpa/fleet/internal/infrastructure/httpapi"
	"github.com/cloudrpa/fleet/internal/infrastructure/observability"
	"github.com/cloudrpa/fleet/internal/infrastructure/persistence/postgres"
	"github.com/cloudrpa/fleet/internal/infrastructure/realtime"
)

const defaultShutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		// slog may not be initialized yet if config loading failed,
		// so print straight to stderr.
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadOrchestratorConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Database.Validate(); err != nil {
		return err
	}

	// Root context for all normal operations, cancelled on SIGTERM/SIGINT.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	obsCfg := observability.Config{
		Enabled:     cfg.Observability.OTelEnabled,
		ServiceName: cfg.Observability.ServiceName,
	}

	lp, logger, err := observability.InitLogger(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer func() {
		// Use a timeout to prevent hanging if the collector is unreachable.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown logger provider", "error", err)
		}
	}()
	slog.SetDefault(logger)

	tp, err := observability.InitTracerProvider(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("failed to init tracer provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown tracer provider", "error", err)
		}
	}()

	mp, err := observability.InitMeterProvider(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("failed to init meter provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown meter provider", "error", err)
		}
	}()

	slog.InfoContext(ctx, "starting fleet orchestrator")

	store, err := postgres.NewStoreWithConfig(ctx, postgres.DBConfig{
		DSN:             cfg.Database.DSN,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.Database.ConnMaxIdleTime) * time.Second,
		AutoMigrate:     cfg.Database.AutoMigrate,
	})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	defer store.Close()

	slog.InfoContext(ctx, "storage initialized", "url", maskPassword(cfg.Database.DSN))

	channel := realtime.NewPGChannel(store.Pool())

	eng, err := engine.New(buildEngineConfig(cfg.Engine), store, channel)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	server := httpapi.NewAPIServer(httpapi.NewHandler(eng).Routes(), httpapi.ServerConfig{
		Host:              cfg.HTTP.Host,
		Port:              cfg.HTTP.Port,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		MaxBodyBytes:      cfg.HTTP.MaxBodyBytes,
		APIKey:            cfg.APIKey,
		TLSCertFile:       cfg.HTTP.TLSCertFile,
		TLSKeyFile:        cfg.HTTP.TLSKeyFile,
	})

	errResult := make(chan error, 2)
	go func() {
		if err := eng.Run(ctx); err != nil {
			errResult <- fmt.Errorf("engine failed: %w", err)
		}
	}()
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errResult <- fmt.Errorf("failed to serve HTTP: %w", err)
		}
	}()

	// Orchestrate graceful shutdown or surface fatal errors. The engine
	// drains on ctx cancellation by itself; the HTTP server needs an
	// explicit Shutdown call with a fresh context.
	select {
	case <-ctx.Done():
		slog.InfoContext(ctx, "shutting down")

		shutdownCtx, cancel := newShutdownContext(cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.WarnContext(shutdownCtx, "HTTP server shutdown timed out", "error", err)
		} else {
			slog.InfoContext(shutdownCtx, "HTTP server shutdown complete")
		}

		return nil
	case err := <-errResult:
		return err
	}
}

// buildEngineConfig maps environment tuning knobs onto the engine config.
// Zero fields keep the engine defaults.
func buildEngineConfig(cfg config.EngineConfig) engine.Config {
	ec := engine.Config{
		DispatchInterval:     cfg.DispatchInterval,
		TimeoutCheckInterval: cfg.TimeoutCheckInterval,
		HealthCheckInterval:  cfg.HealthCheckInterval,
		StaleAfter:           cfg.StaleTimeout,
		MisfireGrace:         cfg.MisfireGrace,
		DedupWindow:          cfg.DedupWindow,
		MaxQueueSize:         cfg.MaxQueueSize,
	}
	if cfg.DispatchStrategy != "" {
		strategy, err := dispatch.ParseStrategy(cfg.DispatchStrategy)
		if err != nil {
			slog.Warn("unknown dispatch strategy, using round robin",
				"strategy", cfg.DispatchStrategy)
		} else {
			ec.Strategy = strategy
		}
	}
	return ec
}

// newShutdownContext creates a fresh context with timeout for graceful
// shutdown operations. Uses Background() since the main context is already
// cancelled at shutdown time.
func newShutdownContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	return context.WithTimeout(context.Background(), timeout)
}

// maskPassword masks the password in a connection string for logging.
func maskPassword(connStr string) string {
	u, err := url.Parse(connStr)
	if err != nil {
		// If parsing fails, fall back to full redaction to be safe.
		return "[REDACTED]"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			username := u.User.Username()
			u.User = url.UserPassword(username, "xxxxxx")
		}
	}
	return u.String()
}
