// Package main is the entry point for the modelrelay gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modelrelay/modelrelay/internal/breaker"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/dispatch"
	"github.com/modelrelay/modelrelay/internal/executor"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/observability"
	"github.com/modelrelay/modelrelay/internal/ratelimit"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/secret"
	"github.com/modelrelay/modelrelay/internal/secret/env"
	"github.com/modelrelay/modelrelay/internal/secret/vault"
	"github.com/modelrelay/modelrelay/internal/store"
	"github.com/modelrelay/modelrelay/pkg/provider"
	"github.com/modelrelay/modelrelay/providers"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfgManager, err := config.NewManager(*configPath, bootLogger)
	if err != nil {
		bootLogger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stdout,
	}, observability.NewRedactor())
	slog.SetDefault(logger)

	logger.Info("starting modelrelay gateway", "version", "0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}
	cfgManager.OnChange(func(*config.Config) {
		// Breaker, limiter, and provider wiring is built once at startup;
		// reloaded tuning takes effect on the next restart.
		logger.Info("configuration reloaded; provider and resilience changes apply on restart")
	})

	tracer, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Shared state backend. Without Redis the gateway still works, but
	// breaker and limiter state stays local to this instance.
	var (
		sharedStore store.Store
		redisStore  *store.Redis
	)
	if len(cfg.Store.Addrs) > 0 {
		redisStore, err = store.NewRedis(store.RedisConfig{
			Addr:         cfg.Store.Addrs[0],
			Password:     cfg.Store.Password,
			DB:           cfg.Store.DB,
			Namespace:    cfg.Store.Namespace,
			DialTimeout:  cfg.Store.Timeout,
			ReadTimeout:  cfg.Store.Timeout,
			WriteTimeout: cfg.Store.Timeout,
		})
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		sharedStore = redisStore
		logger.Info("using redis state store", "addr", cfg.Store.Addrs[0])
	} else {
		sharedStore = store.NewMemory()
		logger.Warn("no store configured, breaker and limiter state is instance-local")
	}

	secrets := secret.NewManager()
	secrets.Register(secret.DefaultScheme, env.New())
	if cfg.Secrets.Vault.Address != "" {
		vaultProvider, err := vault.New(vault.Config{
			Address:  cfg.Secrets.Vault.Address,
			Token:    cfg.Secrets.Vault.Token,
			RoleID:   cfg.Secrets.Vault.RoleID,
			SecretID: cfg.Secrets.Vault.SecretID,
			CACert:   cfg.Secrets.Vault.CACert,
		})
		if err != nil {
			logger.Error("failed to connect to vault", "error", err)
			os.Exit(1)
		}
		secrets.Register("vault", secret.NewCachedProvider(vaultProvider, cfg.Secrets.CacheTTL))
		logger.Info("vault secret backend registered", "address", cfg.Secrets.Vault.Address)
	}

	specs := make([]registry.Spec, 0, len(cfg.Providers))
	policies := make(map[string]executor.Policy, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		specs = append(specs, registry.Spec{
			Provider: provider.Config{
				Name:                pc.Name,
				Kind:                pc.Kind,
				BaseURL:             pc.BaseURL,
				Models:              pc.Models,
				Timeout:             pc.Timeout,
				MaxIdleConns:        pc.MaxIdleConns,
				MaxIdleConnsPerHost: pc.MaxIdleConnsPerHost,
				IdleConnTimeout:     pc.IdleConnTimeout,
				Headers:             pc.Headers,
			},
			APIKeyRef:   pc.APIKeyRef,
			Priority:    pc.Priority,
			Forced:      pc.Forced,
			Enabled:     pc.IsEnabled(),
			RateCeiling: pc.RateCeiling,
			RateBurst:   pc.RateBurst,
		})
		if pc.RetryCount > 0 || pc.RetryBaseDelay > 0 {
			policies[pc.Name] = executor.Policy{
				MaxRetries: pc.RetryCount,
				BaseDelay:  pc.RetryBaseDelay,
			}
		}
	}

	reg, err := registry.New(ctx, registry.Config{
		HealthCacheTTL: cfg.Registry.HealthCacheTTL,
		HealthInterval: cfg.Registry.HealthInterval,
		HealthTimeout:  cfg.Registry.HealthTimeout,
		ErrorThreshold: cfg.Registry.ErrorThreshold,
	}, specs, providers.Builtins().Factory(), secrets, logger)
	if err != nil {
		logger.Error("failed to build provider registry", "error", err)
		os.Exit(1)
	}
	reg.StartHealthLoop(ctx)

	limiter := buildLimiter(ctx, cfg, sharedStore, logger)

	exec := executor.New(logger, executor.WithAttemptHook(func(a executor.Attempt) {
		metrics.ObserveAttempt(a.Provider, a.Err)
	}))

	breakerCfg := breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		OnStateChange: func(name string, from, to breaker.State) {
			logger.Info("circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
			metrics.ObserveBreakerTransition(name, from.String(), to.String(), float64(to))
		},
	}
	newBreaker := func(name string) breaker.Breaker {
		if redisStore != nil {
			return breaker.NewDistributed(name, breakerCfg, sharedStore, logger)
		}
		return breaker.NewMemory(name, breakerCfg)
	}

	dispatcher := dispatch.New(dispatch.Config{
		Limiter:    limiter,
		Registry:   reg,
		Executor:   exec,
		NewBreaker: newBreaker,
		Policies:   policies,
		Logger:     logger,
	})

	h := newHandler(dispatcher, reg, tracer.Tracer(), logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/live", h.HealthLive)
	mux.HandleFunc("GET /health/ready", h.HealthReady)
	mux.HandleFunc("POST /v1/chat/completions", h.ChatCompletions)
	mux.HandleFunc("POST /v1/embeddings", h.Embeddings)
	mux.HandleFunc("GET /v1/models", h.ListModels)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      requestIDMiddleware(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	cancel()

	if err := reg.Shutdown(); err != nil {
		logger.Error("provider shutdown error", "error", err)
	}
	if redisStore != nil {
		if err := redisStore.Close(); err != nil {
			logger.Error("redis close error", "error", err)
		}
	}
	if err := secrets.Close(); err != nil {
		logger.Error("secret backend close error", "error", err)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", "error", err)
	}
	cfgManager.Close()
	logger.Info("server stopped")
}

// buildLimiter constructs the configured admission limiter, instrumented for
// metrics. Disabled rate limiting admits everything.
func buildLimiter(ctx context.Context, cfg *config.Config, st store.Store, logger *slog.Logger) ratelimit.Limiter {
	if !cfg.RateLimit.Enabled {
		return ratelimit.Unlimited{}
	}

	var inner ratelimit.Limiter
	switch cfg.RateLimit.Algorithm {
	case "token_bucket":
		inner = ratelimit.NewTokenBucket(ratelimit.TokenBucketConfig{
			Capacity:   cfg.RateLimit.Capacity,
			RefillRate: cfg.RateLimit.RefillRate,
		}, st, logger)
	default:
		sw := ratelimit.NewSlidingWindow(ratelimit.SlidingWindowConfig{
			MaxRequests: cfg.RateLimit.MaxRequests,
			Window:      cfg.RateLimit.Window,
		}, st, logger)
		sw.Start(ctx)
		inner = sw
	}
	logger.Info("rate limiting enabled", "algorithm", cfg.RateLimit.Algorithm)
	return meteredLimiter{inner: inner}
}

// meteredLimiter records every admission decision.
type meteredLimiter struct {
	inner ratelimit.Limiter
}

func (m meteredLimiter) Allow(ctx context.Context, id ratelimit.Identity, endpoint string) (ratelimit.Decision, error) {
	dec, err := m.inner.Allow(ctx, id, endpoint)
	if err == nil {
		metrics.ObserveRateLimit(endpoint, dec.Allowed)
	}
	return dec, err
}
