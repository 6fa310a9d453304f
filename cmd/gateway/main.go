package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"polychat/internal/api"
	"polychat/internal/config"
	"polychat/internal/keys"
	"polychat/internal/limits"
	"polychat/internal/metrics"
	"polychat/internal/models"
	"polychat/internal/orchestrator"
	"polychat/internal/provider"
	"polychat/internal/provider/registry"
	"polychat/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("addr", cfg.HTTP.ListenAddr).
		Str("db_driver", cfg.DB.Driver).
		Msg("starting polychat gateway")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	m := metrics.Global()
	resolver := keys.NewResolver(map[string]keys.Chain{
		models.ProviderGeneric:      {Primary: cfg.Providers.GenericKey, Default: "pc-public"},
		models.ProviderChatA:        {Primary: cfg.Providers.ChatAKey, Backup: cfg.Providers.ChatABackupKey},
		models.ProviderChatAPro:     {Primary: cfg.Providers.ChatAKey, Backup: cfg.Providers.ChatABackupKey},
		models.ProviderChatB:        {Primary: cfg.Providers.ChatBKey, Backup: cfg.Providers.ChatBBackupKey},
		models.ProviderRouter:       {Primary: cfg.Providers.RouterKey, Backup: cfg.Providers.RouterBackupKey},
		models.ProviderExperimental: {Default: "pc-experimental"},
	})
	gate := limits.NewInflightGate(rdb, cfg.Redis.InflightTTL)

	endpoints := registry.Endpoints{
		GenericImageBaseURL:  cfg.Providers.GenericImageBaseURL,
		GenericTextBaseURL:   cfg.Providers.GenericTextBaseURL,
		ChatABaseURL:         cfg.Providers.ChatABaseURL,
		ChatBBaseURL:         cfg.Providers.ChatBBaseURL,
		LocalBaseURL:         cfg.Providers.LocalBaseURL,
		RouterBaseURL:        cfg.Providers.RouterBaseURL,
		ExperimentalEndpoint: cfg.Providers.ExperimentalEndpoint,
	}
	httpClient := &http.Client{Timeout: cfg.HTTP.ClientTimeout}

	orch := orchestrator.New(orchestrator.Config{
		Resolver: resolver,
		Gate:     gate,
		Sink:     store,
		Build: func(desc models.Descriptor, timeout time.Duration) (provider.Adapter, error) {
			return registry.Build(registry.BuildOptions{
				Provider:   desc.Provider,
				Category:   desc.Category,
				Endpoints:  endpoints,
				Timeout:    timeout,
				HTTPClient: httpClient,
			})
		},
		Logger:            log.Logger,
		Metrics:           m,
		GenerationTimeout: cfg.Providers.GenerationTimeout,
		ReasoningTimeout:  cfg.Providers.ReasoningTimeout,
	})

	server := api.New(api.Config{
		Store:             store,
		Orch:              orch,
		Resolver:          resolver,
		Gate:              gate,
		Rate:              limits.NewRateLimiter(rdb, cfg.Rate.PerHour),
		Endpoints:         endpoints,
		HTTPClient:        httpClient,
		Logger:            log.Logger,
		Metrics:           m,
		GenerationTimeout: cfg.Providers.GenerationTimeout,
		ReasoningTimeout:  cfg.Providers.ReasoningTimeout,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
