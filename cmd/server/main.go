// Package main is the entry point for the variantz server.
//
// The bootstrap sequence is:
//  1. Load configuration from the environment (and an optional .env file).
//  2. Build the root evaluation context with metrics and history wired in.
//  3. Connect to PostgreSQL when DATABASE_URL is set, run migrations and
//     load the latest stored payload.
//  4. Install and watch PAYLOAD_FILE when it is set.
//  5. Start the HTTP server (:8080) and gRPC server (:9090) concurrently, plus
//     the tailnet debug portal when DEBUG_HOSTNAME is set.
//  6. Wait for SIGINT/SIGTERM, then gracefully shut everything down.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"
	"tailscale.com/tsnet"

	"github.com/matt-riley/variantz"
	"github.com/matt-riley/variantz/internal/config"
	"github.com/matt-riley/variantz/internal/filewatch"
	"github.com/matt-riley/variantz/internal/logging"
	"github.com/matt-riley/variantz/internal/metrics"
	"github.com/matt-riley/variantz/internal/middleware"
	"github.com/matt-riley/variantz/internal/repository"
	"github.com/matt-riley/variantz/internal/server"
	"github.com/matt-riley/variantz/internal/service"
	"github.com/matt-riley/variantz/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env file is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	root := newRootContext(cfg, m, log)

	serviceOpts := []service.Option{
		service.WithLogger(log),
		service.WithPayloadMetrics(m.RecordPayloadLoad, m.SetFeatureCount, m.IncStoreInvalidations),
		service.WithResyncInterval(cfg.CacheResyncInterval),
	}

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()

		if err := runMigrations(pool); err != nil {
			return err
		}
		metrics.RegisterPoolMetrics(m.Registry, pool)
		serviceOpts = append(serviceOpts, service.WithStore(repository.NewPostgresRepository(pool)))
	}

	svc, err := service.New(ctx, root, serviceOpts...)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	if cfg.PayloadFile != "" {
		if err := watchPayloadFile(ctx, cfg.PayloadFile, svc, log); err != nil {
			return err
		}
	}

	tokenValidator, authOpts, err := newAdminAuth(cfg, m)
	if err != nil {
		return err
	}

	httpOpts := []server.HTTPOption{
		server.WithMetrics(m),
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
	}
	if tokenValidator != nil {
		httpOpts = append(httpOpts, server.WithPayloadAuth(tokenValidator, authOpts...))
	}
	httpHandler := middleware.HTTPRequestLogging(log)(server.NewHTTPHandler(svc, httpOpts...))

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(httpHandler, "variantz-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	grpcServer := newGRPCServer(svc, m, log, tokenValidator, authOpts...)

	// -------------------------------------------------------------------------
	// Debug Portal (Tailscale)
	// -------------------------------------------------------------------------
	var tsServer *tsnet.Server

	if cfg.DebugHostname != "" {
		if cfg.TSAuthKey == "" {
			return errors.New("DEBUG_HOSTNAME is set but TS_AUTH_KEY is missing")
		}

		dir := cfg.TSStateDir
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create ts-state dir: %w", err)
		}

		tsServer = &tsnet.Server{
			Hostname: cfg.DebugHostname,
			AuthKey:  cfg.TSAuthKey,
			Dir:      dir,
			Logf:     func(format string, args ...any) { log.Debug(fmt.Sprintf(format, args...), "component", "tailscale") },
		}

		debugLis, err := tsServer.Listen("tcp", ":80")
		if err != nil {
			return fmt.Errorf("listen tailnet: %w", err)
		}
		log.Info("debug portal listening", "hostname", cfg.DebugHostname, "transport", "tailscale")

		debugServer := &http.Server{
			Handler:           middleware.HTTPRequestLogging(log)(server.NewDebugHandler(svc, server.WithMetrics(m))),
			ReadHeaderTimeout: httpReadHeaderTimeout,
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := debugServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("debug server shutdown error", "error", err)
			}
		}()
		go func() {
			if err := debugServer.Serve(debugLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("debug server error", "error", err)
			}
		}()
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
	}
	defer grpcListener.Close()

	serveErrCh := make(chan error, 2)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()
	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			serveErrCh <- fmt.Errorf("serve gRPC: %w", err)
		}
	}()

	log.Info("server started",
		"http_addr", cfg.HTTPAddr,
		"grpc_addr", cfg.GRPCAddr,
		"features", svc.Payload().Features,
		"uploads_enabled", tokenValidator != nil,
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	httpShutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		grpcServer.Stop()
	}

	if tsServer != nil {
		tsServer.Close()
	}

	return serveErr
}

// newRootContext builds the process-wide evaluation context every request
// forks from.
func newRootContext(cfg config.Config, m *metrics.Metrics, log *slog.Logger) *variantz.Context {
	return variantz.New(
		variantz.WithLogger(log),
		variantz.WithObserver(m.ObserveEvaluation),
		variantz.WithCallbackFailureHook(m.RecordCallbackFailure),
		variantz.WithHistory(cfg.EvaluationHistorySize),
		variantz.WithDecryptionKey(cfg.DecryptionKey),
	)
}

// newAdminAuth returns the validator guarding payload uploads, or nil when no
// ADMIN_TOKEN_HASH is configured.
func newAdminAuth(cfg config.Config, m *metrics.Metrics) (middleware.TokenValidator, []middleware.AuthOption, error) {
	if cfg.AdminTokenHash == "" {
		return nil, nil, nil
	}

	validator, err := middleware.NewAdminTokenValidator(cfg.AdminTokenHash)
	if err != nil {
		return nil, nil, fmt.Errorf("init admin token: %w", err)
	}

	// HTTP and gRPC uploads share one budget per client.
	limiter := middleware.NewFailureLimiter(cfg.AuthRateLimit)
	m.ObserveThrottledClients(limiter.Tracked)

	return validator, []middleware.AuthOption{
		middleware.WithOnAuthFailure(func() { m.AuthFailuresTotal.Inc() }),
		middleware.WithFailureLimiter(limiter),
	}, nil
}

// newGRPCServer registers the evaluation service. Only PutPayload requires a
// bearer token; without a validator uploads are refused by the service layer.
func newGRPCServer(svc server.Service, m *metrics.Metrics, log *slog.Logger, validator middleware.TokenValidator, authOpts ...middleware.AuthOption) *grpc.Server {
	interceptors := []grpc.UnaryServerInterceptor{middleware.UnaryRequestLoggingInterceptor(log)}
	if validator != nil {
		opts := append([]middleware.AuthOption{middleware.WithProtectedMethods(server.PutPayloadMethod)}, authOpts...)
		interceptors = append(interceptors, middleware.UnaryBearerAuthInterceptor(validator, opts...))
	}
	interceptors = append(interceptors, m.UnaryServerInterceptor())

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors...),
	)
	server.RegisterEvaluationServiceServer(grpcServer, server.NewGRPCServer(svc))
	return grpcServer
}

// watchPayloadFile installs path once, failing startup if it is unreadable or
// invalid, then reloads it in the background whenever it changes.
func watchPayloadFile(ctx context.Context, path string, installer filewatch.Installer, log *slog.Logger) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read payload file: %w", err)
	}
	if err := installer.InstallLocal(raw); err != nil {
		return fmt.Errorf("load payload file %s: %w", path, err)
	}

	watcher := filewatch.New(path, log)
	go func() {
		if err := watcher.Run(ctx, installer); err != nil {
			log.Error("payload file watcher stopped", "path", path, "error", err)
		}
	}()
	return nil
}
