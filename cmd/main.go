package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/l0p7/listingkit/internal/config"
	"github.com/l0p7/listingkit/internal/expr"
	"github.com/l0p7/listingkit/internal/logging"
	"github.com/l0p7/listingkit/internal/metrics"
	"github.com/l0p7/listingkit/internal/runtime"
	"github.com/l0p7/listingkit/internal/runtime/cache"
	"github.com/l0p7/listingkit/internal/runtime/tags"
	"github.com/l0p7/listingkit/internal/runtime/watermark"
	"github.com/l0p7/listingkit/internal/server"
	"github.com/l0p7/listingkit/internal/templates"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "LISTINGKIT", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	cacheService, err := buildCache(ctx, logger.With(slog.String("agent", "cache_factory")), cfg.Server.Cache, metricsRecorder)
	if err != nil {
		logger.Error("cache setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	env, err := expr.NewEnvironment()
	if err != nil {
		logger.Error("condition environment setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	renderer := templates.NewRenderer()

	scorer, err := buildScorer(logger, cfg, env, renderer)
	if err != nil {
		logger.Error("tag scorer setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	watermarkService, maxUpload, err := buildWatermark(logger, cfg.Server, cacheService, renderer, metricsRecorder)
	if err != nil {
		logger.Error("watermark setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	pipe := runtime.NewPipeline(logger, runtime.PipelineOptions{
		Cache:              cacheService,
		Scorer:             scorer,
		Watermark:          watermarkService,
		Environment:        env,
		TagTTL:             cfg.Server.Cache.TTL(),
		MaxUploadBytes:     maxUpload,
		CorrelationHeader:  cfg.Server.Logging.CorrelationHeader,
		Metrics:            metricsRecorder,
		RuleSources:        cfg.RuleSources,
		SkippedDefinitions: cfg.SkippedDefinitions,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := pipe.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	if cfg.Server.Tags.RulesFile != "" || cfg.Server.Tags.RulesFolder != "" {
		watcher, err := config.WatchTagRules(ctx, cfg, func(bundle config.TagRuleBundle) {
			_ = pipe.Reload(ctx, bundle)
		}, func(err error) {
			if err != nil {
				logger.Error("tag rules watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("tag rules watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	handler := server.NewPipelineHandler(pipe, metricsRecorder.Handler())
	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

// buildCache composes the external and in-process tiers. An unreachable
// external tier is not fatal: the service starts on the memory fallback and
// the reconnect loop promotes it once the endpoint answers.
func buildCache(ctx context.Context, logger *slog.Logger, cfg config.CacheConfig, recorder *metrics.Recorder) (*cache.Service, error) {
	maxBytes, err := cfg.Memory.MaxBytes()
	if err != nil {
		return nil, err
	}

	external, err := cache.NewExternal(cache.ExternalConfig{
		Address:  cfg.Redis.Address,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TLS: cache.ExternalTLSConfig{
			Enabled: cfg.Redis.TLS.Enabled,
			CAFile:  cfg.Redis.TLS.CAFile,
		},
		ConnectAttempts: cfg.Redis.ConnectAttempts,
	}, logger)
	if err != nil {
		return nil, err
	}
	if external.Configured() {
		if err := external.Connect(ctx); err != nil {
			logger.Warn("external cache unavailable, serving from memory",
				slog.String("address", cfg.Redis.Address),
				slog.Any("error", err),
			)
		} else {
			logger.Info("external cache connected", slog.String("address", cfg.Redis.Address))
		}
		external.StartReconnect(cfg.Redis.ReconnectInterval)
	} else {
		logger.Info("no external cache configured, serving from memory")
	}

	memory := cache.NewVolatile(cache.VolatileConfig{
		MaxBytes:      maxBytes,
		SweepInterval: cfg.Memory.SweepInterval,
	}, logger)
	recorder.TrackMemoryUsage(func() (int, int64) {
		stats := memory.Stats()
		return stats.Entries, stats.Bytes
	})

	return cache.NewService(logger, cache.Options{
		External:    external,
		Memory:      memory,
		DefaultTTL:  cfg.TTL(),
		ReadTimeout: cfg.ReadTimeout,
		Observer:    recorder,
	}), nil
}

// buildScorer layers the loaded custom rules over the built-in tables.
func buildScorer(logger *slog.Logger, cfg config.Config, env *expr.Environment, renderer *templates.Renderer) (*tags.Scorer, error) {
	tips, err := tags.NewTips(renderer, cfg.Server.Tags.TipsTemplates)
	if err != nil {
		return nil, err
	}
	bundle := cfg.Rules
	rules, err := tags.Extend(tags.Builtin(), bundle, env)
	if err != nil {
		return nil, err
	}
	logger.Info("tag rules loaded",
		slog.Int("rule_count", rules.RuleCount()),
		slog.Int("custom_rules", bundle.RuleCount()),
		slog.Int("skipped", len(bundle.Skipped)),
	)
	return tags.NewScorer(logger, rules, tips), nil
}

func buildWatermark(logger *slog.Logger, cfg config.ServerConfig, c watermark.Cache, renderer *templates.Renderer, recorder *metrics.Recorder) (*watermark.Service, int64, error) {
	maxUpload, err := cfg.Watermark.MaxUploadBytes()
	if err != nil {
		return nil, 0, err
	}
	commands, err := watermark.NewCommandRenderer(logger, renderer, cfg.Watermark.ImageCommand, cfg.Watermark.VideoCommand)
	if err != nil {
		return nil, 0, err
	}
	return watermark.NewService(logger, watermark.Options{
		Cache:    c,
		Renderer: commands,
		Timeout:  cfg.Watermark.RenderTimeout,
		TTL:      cfg.Cache.TTL(),
		Observer: recorder,
	}), maxUpload, nil
}
