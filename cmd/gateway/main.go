// Package main is the entry point for the flowgate API gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/flowgate-io/flowgate/internal/auth"
	"github.com/flowgate-io/flowgate/internal/authz"
	"github.com/flowgate-io/flowgate/internal/backend"
	"github.com/flowgate-io/flowgate/internal/circuitbreaker"
	"github.com/flowgate-io/flowgate/internal/config"
	"github.com/flowgate-io/flowgate/internal/health"
	"github.com/flowgate-io/flowgate/internal/observability"
	"github.com/flowgate-io/flowgate/internal/pipeline"
	"github.com/flowgate-io/flowgate/internal/ratelimit"
	"github.com/flowgate-io/flowgate/internal/ratelimit/store"
	"github.com/flowgate-io/flowgate/internal/validation"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadConfig(flags.configPath, logger)
	app := initApplication(cfg, logger)

	run(app, flags.configPath, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("FLOWGATE_CONFIG_PATH", "configs/gateway.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("FLOWGATE_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("FLOWGATE_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("flowgate version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) *zap.Logger {
	logger, err := observability.NewZapLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	return logger
}

// loadConfig loads and validates the configuration.
func loadConfig(configPath string, logger *zap.Logger) *config.GatewayConfig {
	logger.Info("starting flowgate",
		zap.String("version", version),
		zap.String("config", configPath),
	)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.Int("routes", len(cfg.Routes)),
		zap.Int("services", len(cfg.Services)),
		zap.Strings("versions", cfg.Versioning.Supported),
	)

	return cfg
}

// application holds all application components. The request handler is
// swapped atomically on configuration reload.
type application struct {
	config        *config.GatewayConfig
	logger        *zap.Logger
	tracer        *observability.Tracer
	metrics       *observability.RequestMetrics
	breakers      *circuitbreaker.Registry
	healthChecker *health.Checker

	handler atomic.Value // http.Handler
	cleanup atomic.Value // func(), closes the active data plane
}

// ServeHTTP delegates to the currently active pipeline.
func (a *application) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.handler.Load().(http.Handler).ServeHTTP(w, r)
}

// swap installs a new data plane and tears down the previous one.
func (a *application) swap(dp *dataPlane) {
	a.handler.Store(dp.handler)
	if prev := a.cleanup.Swap(dp.close); prev != nil {
		prev.(func())()
	}
}

// dataPlane bundles a built pipeline with the resources it owns.
type dataPlane struct {
	handler    http.Handler
	redisStore *store.RedisStore
	close      func()
}

// initApplication initializes all application components.
func initApplication(cfg *config.GatewayConfig, logger *zap.Logger) *application {
	app := &application{
		config:        cfg,
		logger:        logger,
		tracer:        initTracer(cfg, logger),
		metrics:       observability.GetRequestMetrics(),
		breakers:      circuitbreaker.NewRegistry(logger),
		healthChecker: health.NewChecker(version),
	}

	dp, err := buildDataPlane(context.Background(), cfg, app, logger)
	if err != nil {
		logger.Fatal("failed to build request pipeline", zap.Error(err))
	}
	app.swap(dp)

	app.healthChecker.RegisterBreakerCheck(app.breakers)
	if dp.redisStore != nil {
		app.healthChecker.RegisterStoreCheck("redis", dp.redisStore.Ping)
	}

	return app
}

// initTracer initializes the tracer.
func initTracer(cfg *config.GatewayConfig, logger *zap.Logger) *observability.Tracer {
	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		Enabled:      cfg.Tracing.Enabled,
	})
	if err != nil {
		logger.Fatal("failed to initialize tracer", zap.Error(err))
	}

	return tracer
}

// buildDataPlane assembles the full request pipeline from a validated
// configuration: limiters, verifier, authorizer, validator, backends.
func buildDataPlane(
	ctx context.Context,
	cfg *config.GatewayConfig,
	app *application,
	logger *zap.Logger,
) (*dataPlane, error) {
	opts := pipeline.Options{
		Routes:     cfg.Routes,
		Versioning: cfg.Versioning,
		Services:   backend.BuildRegistry(cfg.Services, app.breakers, logger),
		Tracer:     app.tracer,
		Metrics:    app.metrics,
		Logger:     logger,
	}

	var closers []func() error
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn("data plane cleanup", zap.Error(err))
			}
		}
	}

	var redisStore *store.RedisStore
	if rl := cfg.RateLimit; rl != nil && rl.Enabled {
		var shared store.Store
		if ratelimit.StoreType(rl.Store) == ratelimit.StoreRedis {
			rs, err := store.NewRedisStore(redisStoreConfig(rl.Redis, logger))
			if err != nil {
				return nil, fmt.Errorf("create redis store: %w", err)
			}
			redisStore = rs
			shared = rs
			closers = append(closers, rs.Close)
		}

		global, err := ratelimit.NewWithStore(limiterConfig(rl), shared, logger)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("create rate limiter: %w", err)
		}
		opts.Limiter = global
		closers = append(closers, global.Close)

		perRoute, routeClosers, err := buildRouteLimiters(cfg.Routes, shared, logger)
		if err != nil {
			closeAll()
			return nil, err
		}
		opts.PerRoute = perRoute
		closers = append(closers, routeClosers...)
	}

	if ac := cfg.Auth; ac != nil && ac.Enabled {
		verifier, err := buildVerifier(ctx, ac, logger)
		if err != nil {
			closeAll()
			return nil, err
		}
		opts.Verifier = verifier
	}

	if az := cfg.Authz; az != nil && az.Enabled {
		engine, err := authz.NewEngine(az, logger)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("compile authorization policies: %w", err)
		}
		opts.Checker = engine
	}

	if cfg.Validation != nil {
		opts.Validator = validation.NewSchemaValidator(cfg.Validation, logger)
	}

	p, err := pipeline.New(opts)
	if err != nil {
		closeAll()
		return nil, err
	}

	return &dataPlane{handler: p, redisStore: redisStore, close: closeAll}, nil
}

// buildRouteLimiters creates limiters for routes that override the
// global rate limit. Overrides share the global store so counters for
// all routes live in one place.
func buildRouteLimiters(
	routes []config.RouteConfig,
	shared store.Store,
	logger *zap.Logger,
) (map[string]ratelimit.Limiter, []func() error, error) {
	var (
		perRoute map[string]ratelimit.Limiter
		closers  []func() error
	)

	for i := range routes {
		route := &routes[i]
		if route.RateLimit == nil || !route.RateLimit.Enabled {
			continue
		}

		limiter, err := ratelimit.NewWithStore(limiterConfig(route.RateLimit), shared, logger)
		if err != nil {
			for _, c := range closers {
				_ = c()
			}
			return nil, nil, fmt.Errorf("route %s: create rate limiter: %w", route.Path, err)
		}

		if perRoute == nil {
			perRoute = make(map[string]ratelimit.Limiter)
		}
		perRoute[route.Path] = limiter
		closers = append(closers, limiter.Close)
	}

	return perRoute, closers, nil
}

// buildVerifier creates the credential verifier for the configured
// authentication mode.
func buildVerifier(ctx context.Context, cfg *config.AuthConfig, logger *zap.Logger) (auth.Verifier, error) {
	switch cfg.Mode {
	case "jwt":
		verifier, err := auth.NewJWTVerifier(ctx, cfg.JWT, logger)
		if err != nil {
			return nil, fmt.Errorf("create jwt verifier: %w", err)
		}
		return verifier, nil
	case "api_key":
		return auth.NewAPIKeyVerifier(cfg.APIKeys, logger), nil
	default:
		return nil, fmt.Errorf("unknown auth mode: %s", cfg.Mode)
	}
}

// limiterConfig maps the YAML rate limit block onto the limiter
// factory configuration.
func limiterConfig(rl *config.RateLimitConfig) *ratelimit.Config {
	return &ratelimit.Config{
		Algorithm: ratelimit.Algorithm(rl.Algorithm),
		Limit:     rl.Limit,
		Window:    rl.Window(),
		Burst:     rl.BurstSize,
	}
}

// redisStoreConfig maps the YAML redis block onto the store
// configuration, keeping store defaults for unset fields.
func redisStoreConfig(rc *config.RedisConfig, logger *zap.Logger) *store.RedisConfig {
	cfg := store.DefaultRedisConfig()
	cfg.Logger = logger
	if rc == nil {
		return cfg
	}

	cfg.Address = rc.Address
	cfg.Password = rc.Password
	cfg.DB = rc.DB
	if rc.KeyPrefix != "" {
		cfg.Prefix = rc.KeyPrefix
	}
	if d := rc.DialTimeout.Duration(); d > 0 {
		cfg.DialTimeout = d
	}
	if rc.BreakerFailures > 0 {
		cfg.BreakerFailures = rc.BreakerFailures
	}
	if d := rc.BreakerCooldown.Duration(); d > 0 {
		cfg.BreakerCooldown = d
	}

	return cfg
}

// run starts the servers and blocks until shutdown.
func run(app *application, configPath string, logger *zap.Logger) {
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", app.config.Server.Host, app.config.Server.Port),
		Handler:           app,
		ReadTimeout:       app.config.Server.ReadTimeout.Duration(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      app.config.Server.WriteTimeout.Duration(),
		IdleTimeout:       app.config.Server.IdleTimeout.Duration(),
	}

	go func() {
		logger.Info("gateway listening", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("gateway server error", zap.Error(err))
		}
	}()

	metricsServer := startMetricsServerIfEnabled(app, logger)
	watcher := startConfigWatcher(app, configPath, logger)

	waitForShutdown(app, server, metricsServer, watcher, logger)
}

// startMetricsServerIfEnabled starts the metrics and health server.
func startMetricsServerIfEnabled(app *application, logger *zap.Logger) *http.Server {
	mc := app.config.Metrics
	if !mc.Enabled {
		return nil
	}

	metricsPath := mc.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	metricsPort := mc.Port
	if metricsPort == 0 {
		metricsPort = 9090
	}

	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.Handler())
	mux.HandleFunc("/live", app.healthChecker.LivenessHandler())
	mux.HandleFunc("/ready", app.healthChecker.ReadinessHandler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", metricsPort),
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	go func() {
		logger.Info("metrics server listening",
			zap.String("address", server.Addr),
			zap.String("metrics_path", metricsPath),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	return server
}

// startConfigWatcher starts the configuration watcher. A reload that
// fails to build leaves the running pipeline untouched.
func startConfigWatcher(app *application, configPath string, logger *zap.Logger) *config.Watcher {
	obsLogger := observability.NewLoggerFromZap(logger)

	watcher, err := config.NewWatcher(configPath, func(newCfg *config.GatewayConfig) {
		logger.Info("configuration changed, rebuilding pipeline")
		dp, buildErr := buildDataPlane(context.Background(), newCfg, app, logger)
		if buildErr != nil {
			logger.Error("reload failed, keeping previous configuration", zap.Error(buildErr))
			return
		}
		app.config = newCfg
		app.swap(dp)
		logger.Info("configuration reloaded",
			zap.Int("routes", len(newCfg.Routes)),
			zap.Int("services", len(newCfg.Services)),
		)
	}, config.WithLogger(obsLogger))

	if err != nil {
		logger.Warn("failed to create config watcher", zap.Error(err))
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("failed to start config watcher", zap.Error(err))
	}

	return watcher
}

// waitForShutdown waits for a signal and performs graceful shutdown.
func waitForShutdown(
	app *application,
	server *http.Server,
	metricsServer *http.Server,
	watcher *config.Watcher,
	logger *zap.Logger,
) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	timeout := app.config.Server.ShutdownTimeout.Duration()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to stop gateway gracefully", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to stop metrics server gracefully", zap.Error(err))
		}
	}

	if cleanup := app.cleanup.Load(); cleanup != nil {
		cleanup.(func())()
	}

	if err := app.tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown tracer", zap.Error(err))
	}

	logger.Info("gateway stopped")
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
