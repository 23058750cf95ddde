package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/cobra"

	"github.com/felipepmaragno/llmmux/internal/api"
	"github.com/felipepmaragno/llmmux/internal/auth"
	"github.com/felipepmaragno/llmmux/internal/backend"
	"github.com/felipepmaragno/llmmux/internal/cache"
	"github.com/felipepmaragno/llmmux/internal/circuitbreaker"
	"github.com/felipepmaragno/llmmux/internal/config"
	"github.com/felipepmaragno/llmmux/internal/discovery"
	"github.com/felipepmaragno/llmmux/internal/httputil"
	"github.com/felipepmaragno/llmmux/internal/metrics"
	"github.com/felipepmaragno/llmmux/internal/notifications"
	"github.com/felipepmaragno/llmmux/internal/proxy"
	"github.com/felipepmaragno/llmmux/internal/queue"
	"github.com/felipepmaragno/llmmux/internal/ratelimit"
	"github.com/felipepmaragno/llmmux/internal/repository"
	"github.com/felipepmaragno/llmmux/internal/retention"
	"github.com/felipepmaragno/llmmux/internal/router"
	"github.com/felipepmaragno/llmmux/internal/secrets"
	"github.com/felipepmaragno/llmmux/internal/telemetry"
	"github.com/felipepmaragno/llmmux/internal/transform"
)

const (
	usageWriteTimeout    = 5 * time.Second
	notificationDedupTTL = time.Hour
)

var serveFlags struct {
	addr     string
	logLevel string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Start the HTTP gateway.

Examples:
  # Static backends only
  BACKENDS=llama3:10.0.0.5:8000 API_KEY_SOURCE=static API_KEYS=sk-local llmmux serve

  # Discovery with Postgres-backed keys and Redis rate limiting
  VLLM_SERVERS=10.0.0.5:8000,10.0.0.6:8000 DATABASE_URL=postgres://... REDIS_URL=redis://... llmmux serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveFlags.addr, "listen", "l", "", "override listen address")
	serveCmd.Flags().StringVar(&serveFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
}

type closer func() error

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serveFlags.addr != "" {
		cfg.Addr = serveFlags.addr
	}
	if serveFlags.logLevel != "" {
		cfg.LogLevel = serveFlags.logLevel
	}

	setupLogger(cfg.LogLevel)
	slog.Info("starting llmmux", "addr", cfg.Addr, "version", Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.OTLPEndpoint, Version)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	var closers []closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				slog.Warn("close failed", "error", err)
			}
		}
	}()

	var checkers []api.HealthChecker

	keys, users, usage, db, err := openRepositories(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if db != nil {
		closers = append(closers, db.Close)
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
	}

	var keyCache cache.KeyCache
	var limiter ratelimit.RateLimiter
	if cfg.RedisURL != "" {
		redisCache, err := cache.NewRedisCache(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis cache: %w", err)
		}
		redisLimiter, err := ratelimit.NewRedisRateLimiter(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis rate limiter: %w", err)
		}
		closers = append(closers, redisCache.Close, redisLimiter.Close)
		checkers = append(checkers,
			api.NewRedisHealthChecker("redis_cache", redisCache),
			api.NewRedisHealthChecker("redis_ratelimit", redisLimiter),
		)
		keyCache, limiter = redisCache, redisLimiter
		slog.Info("using redis key cache and rate limiter")
	} else {
		memCache := cache.NewInMemoryCache()
		closers = append(closers, memCache.Close)
		keyCache, limiter = memCache, ratelimit.NewInMemoryRateLimiter()
		slog.Info("using in-memory key cache and rate limiter")
	}

	var validator auth.APIKeyValidator
	var invalidator api.KeyInvalidator
	switch cfg.APIKeySource {
	case config.APIKeySourceStatic:
		static := auth.NewStaticValidator(cfg.APIKeys)
		if static.Open() {
			slog.Warn("API_KEYS is empty, every bearer token is accepted")
		}
		validator = static
	default:
		store := auth.NewStoreValidator(keys, keyCache, cfg.KeyCacheTTL)
		validator, invalidator = store, store
	}
	slog.Info("api key validation configured", "source", cfg.APIKeySource)

	awsCfg, awsEnabled, err := loadAWSConfig(ctx, cfg.AWSRegion)
	if err != nil {
		return err
	}

	var secretStore secrets.SecretStore
	if cfg.JWTSecretName != "" {
		if !awsEnabled {
			return errors.New("JWT_SECRET_NAME requires AWS_REGION")
		}
		sm, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			return err
		}
		secretStore = sm
	}
	jwtSecret, err := secrets.ResolveJWTSecret(ctx, secretStore, cfg.JWTSecretName, cfg.JWTSecret)
	if err != nil {
		return err
	}
	sessions := auth.NewSessions(users, jwtSecret, cfg.JWTTTL)

	var notifier notifications.Notifier = notifications.LogNotifier{}
	if cfg.SNSTopicARN != "" && awsEnabled {
		notifier = notifications.NewSNSNotifier(awsCfg, cfg.SNSTopicARN)
		slog.Info("backend availability notifications enabled", "topic", cfg.SNSTopicARN)
	}
	if cfg.RedisURL != "" {
		dedup, err := notifications.NewRedisDeduplicator(cfg.RedisURL, notificationDedupTTL)
		if err != nil {
			return fmt.Errorf("connect redis notification dedup: %w", err)
		}
		closers = append(closers, dedup.Close)
		notifier = notifications.NewDedupNotifier(notifier, dedup)
	}

	static := backend.ParseStatic(cfg.Backends)
	servers := backend.ParseServers(cfg.DiscoveryServers, cfg.Backends)
	slog.Info("backends configured", "static", len(static), "discovery_servers", len(servers))

	engine := discovery.New(servers, discovery.Options{
		Interval: cfg.DiscoveryInterval,
		Timeout:  cfg.DiscoveryTimeout,
		Notifier: notifier,
	})
	catalog := router.New(static, engine)

	var breakers *circuitbreaker.Manager
	if cfg.CircuitBreakerEnabled {
		breakers = circuitbreaker.NewManager(circuitbreaker.DefaultConfig(),
			circuitbreaker.WithStateListener(func(name string, s circuitbreaker.State) {
				metrics.SetCircuitBreakerState(name, int(s))
				slog.Warn("circuit breaker state changed", "backend", name, "state", s.String())
			}),
		)
	}

	dispatcher := proxy.New(proxy.Config{
		Resolver:   catalog,
		Normalizer: transform.NewNormalizer(),
		Breakers:   breakers,
		Timeout:    cfg.ProxyTimeout,
	})

	sinks := []metrics.Sink{metrics.PrometheusSink{}, usage}
	if cfg.UsageQueueURL != "" && awsEnabled {
		sinks = append(sinks, queue.NewSQSUsageSink(awsCfg, cfg.UsageQueueURL))
		slog.Info("usage events published to queue", "queue_url", cfg.UsageQueueURL)
	}
	recorder := metrics.NewAsyncRecorder(usageWriteTimeout, sinks...)

	cleaner := retention.NewCleaner(usage)
	scheduler := retention.NewScheduler(cleaner, cfg.LogCleanupSchedule, cfg.LogRetentionDays)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start log retention: %w", err)
	}

	engine.Start(ctx)

	handler := api.NewHandler(api.HandlerConfig{
		Catalog:        catalog,
		Discovery:      engine,
		Dispatcher:     dispatcher,
		Recorder:       recorder,
		APIKeys:        validator,
		Sessions:       sessions,
		RateLimiter:    limiter,
		Invalidator:    invalidator,
		Keys:           keys,
		Users:          users,
		Usage:          usage,
		Cleaner:        cleaner,
		Breakers:       breakers,
		HealthCheckers: checkers,
		HealthClient:   httputil.NewClient(httputil.HealthCheckConfig(cfg.DiscoveryTimeout)),
		HealthTimeout:  cfg.DiscoveryTimeout,
		Version:        Version,
	})

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		// No WriteTimeout: streamed completions run as long as the backend keeps sending.
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	engine.Stop()
	scheduler.Stop()
	recorder.Wait()
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

// openRepositories returns Postgres repositories when databaseURL is set and
// in-memory ones otherwise. The returned db is nil in the in-memory case.
func openRepositories(ctx context.Context, databaseURL string) (repository.APIKeyRepository, repository.UserRepository, repository.UsageRepository, *sql.DB, error) {
	if databaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory storage; keys, users and usage are lost on restart")
		keys := repository.NewInMemoryAPIKeyRepository()
		return keys, repository.NewInMemoryUserRepository(), repository.NewInMemoryUsageRepository(keys), nil, nil
	}

	db, err := openDB(ctx, databaseURL)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if err := repository.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, nil, nil, nil, fmt.Errorf("migrate database: %w", err)
	}

	slog.Info("using postgres storage")
	return repository.NewPostgresAPIKeyRepository(db),
		repository.NewPostgresUserRepository(db),
		repository.NewPostgresUsageRepository(db),
		db, nil
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, bool, error) {
	if region == "" {
		return aws.Config{}, false, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return aws.Config{}, false, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, true, nil
}
