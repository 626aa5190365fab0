package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/cors"
	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/fleetmesh/fleetmesh"
	"github.com/fleetmesh/fleetmesh/cache"
	"github.com/fleetmesh/fleetmesh/capability"
	"github.com/fleetmesh/fleetmesh/config"
	"github.com/fleetmesh/fleetmesh/dispatch"
	"github.com/fleetmesh/fleetmesh/feedback"
	"github.com/fleetmesh/fleetmesh/health"
	"github.com/fleetmesh/fleetmesh/ledger"
	"github.com/fleetmesh/fleetmesh/metrics"
	"github.com/fleetmesh/fleetmesh/provider"
	"github.com/fleetmesh/fleetmesh/provider/anthropic"
	"github.com/fleetmesh/fleetmesh/provider/gemini"
	"github.com/fleetmesh/fleetmesh/provider/ollama"
	"github.com/fleetmesh/fleetmesh/provider/openaicompat"
	"github.com/fleetmesh/fleetmesh/rate"
	"github.com/fleetmesh/fleetmesh/server"
	"github.com/fleetmesh/fleetmesh/state"
	"github.com/fleetmesh/fleetmesh/utils"
	"github.com/fleetmesh/fleetmesh/utils/env"
)

const defaultCacheMaxBytes = 64 << 20

func newEndpoint(ctx context.Context, p *fleetmesh.Provider) (provider.Endpoint, error) {
	apiKey := ""
	if p.APIKeyEnv != "" {
		apiKey = os.Getenv(p.APIKeyEnv)
		if apiKey == "" {
			return nil, fmt.Errorf("environment variable %s is empty", p.APIKeyEnv)
		}
	}

	switch p.Protocol {
	case fleetmesh.ProtocolOpenAI:
		return openaicompat.NewEndpoint(p.Name, p.BaseURL, p.Model, apiKey)
	case fleetmesh.ProtocolAnthropic:
		return anthropic.NewEndpoint(p.Name, p.Model, apiKey)
	case fleetmesh.ProtocolGemini:
		return gemini.NewEndpoint(ctx, p.Name, p.Model, apiKey)
	case fleetmesh.ProtocolOllama:
		return ollama.NewEndpoint(p.Name, p.BaseURL, p.Model)
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", p.Protocol)
	}
}

func newStateManager(cfg *config.Config, logger *zap.SugaredLogger) (state.Manager, func(), error) {
	if cfg.ValkeyEndpoint == "" {
		logger.Info("Using in-memory state manager")
		cacheMaxBytes := cfg.CacheMaxBytes
		if cacheMaxBytes <= 0 {
			cacheMaxBytes = defaultCacheMaxBytes
		}
		manager, cleanup := state.NewMemoryManager(cacheMaxBytes)
		return manager, cleanup, nil
	}

	valkeyClient, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{cfg.ValkeyEndpoint},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Valkey client: %v", err)
	}
	logger.Infow("Using Valkey state manager", "endpoint", cfg.ValkeyEndpoint)
	return state.NewValkeyManager(valkeyClient), valkeyClient.Close, nil
}

func newRecords(cfg *config.Config, logger *zap.SugaredLogger) (state.Records, error) {
	if cfg.DatabasePath == "" {
		logger.Info("Using in-memory records store")
		return state.NewMemoryRecords(), nil
	}
	logger.Infow("Using SQLite records store", "path", cfg.DatabasePath)
	return state.NewSqliteRecords(cfg.DatabasePath)
}

func main() {
	logger := utils.Must(zap.NewProduction())
	defer logger.Sync()
	sugar := logger.Sugar()

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.LoadConfig(*configPath, sugar)
	if err != nil {
		sugar.Fatalw("Failed to load config", "error", err)
	}

	cacheTTL := utils.Must(cfg.CacheTTLDuration())
	probeInterval := utils.Must(cfg.ProbeIntervalDuration())
	callTimeout := utils.Must(cfg.CallTimeoutDuration())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stateManager, stateCleanup, err := newStateManager(cfg, sugar)
	if err != nil {
		sugar.Fatalw("Failed to create state manager", "error", err)
	}
	defer stateCleanup()

	records, err := newRecords(cfg, sugar)
	if err != nil {
		sugar.Fatalw("Failed to open records store", "error", err)
	}
	defer records.Close()

	registry, err := fleetmesh.NewRegistry(cfg.Providers)
	if err != nil {
		sugar.Fatalw("Invalid provider configuration", "error", err)
	}

	endpoints := make(map[string]provider.Endpoint, len(cfg.Providers))
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		endpoint, err := newEndpoint(ctx, p)
		if err != nil {
			sugar.Warnw("Failed to create endpoint", "provider", p.Name, "error", err)
			continue
		}
		endpoints[p.Name] = endpoint
	}
	if len(endpoints) == 0 {
		sugar.Fatal("No usable provider endpoints")
	}

	m := metrics.New()

	tracker, err := health.NewTracker(ctx, records, sugar,
		health.WithBlacklistCallback(func(provider string) {
			m.BlacklistsTotal.WithLabelValues(provider).Inc()
		}))
	if err != nil {
		sugar.Fatalw("Failed to create health tracker", "error", err)
	}

	matrix, err := capability.NewMatrix(ctx, records, sugar)
	if err != nil {
		sugar.Fatalw("Failed to create capability matrix", "error", err)
	}

	costLedger := ledger.New(records, cfg.BudgetCeiling, sugar,
		ledger.WithWarningCallback(func(ledger.BudgetWarning) {
			m.BudgetWarnings.Inc()
		}))

	dispatcher := dispatch.New(
		registry,
		endpoints,
		tracker,
		matrix,
		rate.NewLimiter(stateManager, sugar),
		cache.New(stateManager, cacheTTL, sugar),
		costLedger,
		feedback.NewInjector(records, sugar),
		m,
		sugar,
		dispatch.WithCallTimeout(callTimeout),
		dispatch.WithEpsilon(cfg.Epsilon),
	)

	go dispatcher.StartProbeLoop(ctx, probeInterval)

	srv := server.New(
		dispatcher, tracker, matrix, costLedger,
		feedback.NewCollector(records, clock.New(), sugar),
		m, cfg.APIKey, sugar,
	)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		Debug:          false,
	})

	port := env.OptionalIntVariable("PORT", cfg.Port)
	address := fmt.Sprintf(":%d", port)

	httpServer := &http.Server{
		Addr:    address,
		Handler: corsMiddleware.Handler(srv.Handler()),
	}

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-shutdownSignal
		sugar.Infow("Shutting down server...")
		cancel()

		for name, endpoint := range endpoints {
			if err := endpoint.Shutdown(); err != nil {
				sugar.Warnw("Failed to shutdown endpoint", "provider", name, "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			sugar.Fatalw("Server forced to shutdown", "error", err)
		}
	}()

	sugar.Infow("Starting server", "address", address, "providers", len(endpoints))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sugar.Fatalw("Failed to start server", "error", err)
	}

	sugar.Infow("Server exited gracefully")
}
