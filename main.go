package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"kilo/internal/builtin"
	"kilo/internal/cache"
	"kilo/internal/config"
	"kilo/internal/httptool"
	"kilo/internal/learning"
	"kilo/internal/llm"
	anthropicprovider "kilo/internal/llm/anthropic"
	openaiprovider "kilo/internal/llm/openai"
	"kilo/internal/observability"
	"kilo/internal/orchestrator"
	"kilo/internal/persistence/databases"
	"kilo/internal/schemagen"
	"kilo/internal/skills"
	"kilo/internal/sqlsandbox"
	"kilo/internal/vault"
)

func main() {
	if err := run(); err != nil {
		log.Error().Err(err).Msg("startup_failed")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, pool, err := databases.NewStores(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	cacheSvc, err := cache.New(cfg.Redis)
	if err != nil {
		// The cache is best-effort everywhere; a dead Redis only costs
		// latency.
		log.Warn().Err(err).Msg("cache_unavailable")
		cacheSvc = nil
	}
	defer cacheSvc.Close()

	var credVault *vault.Vault
	if len(cfg.CredentialKey) > 0 {
		credVault, err = vault.New(cfg.CredentialKey)
		if err != nil {
			return err
		}
	} else {
		log.Warn().Msg("credential_vault_disabled_no_key")
	}

	if err := llm.SeedPricing(ctx, stores.Pricing); err != nil {
		return err
	}

	primary := anthropicprovider.New(cfg.Anthropic)
	fallback := openaiprovider.New(cfg.OpenAI)
	tracker := llm.NewUsageTracker(stores.Usage, stores.Pricing, cacheSvc)
	gateway := llm.NewTrackedGateway(llm.DefaultRoutes(primary, fallback), tracker)

	var sandbox *sqlsandbox.Executor
	var generator *schemagen.Generator
	var introspector orchestrator.SchemaIntrospector
	if pool != nil {
		sandbox = sqlsandbox.New(pool)
		generator = schemagen.New(pool)
		introspector = orchestrator.NewPgIntrospector(pool)
	}

	loader := orchestrator.NewStoreLoader(stores, cacheSvc, sandbox, introspector, nil)
	flow := learning.NewFlow(
		learning.NewHTTPSearcher(cfg.Search),
		learning.NewHTTPPageFetcher(),
		gateway,
	)
	opts := orchestrator.Options{
		Learning: flow,
		Tools:    httptool.New(),
		Vault:    credVault,
	}
	if sandbox != nil {
		opts.Reader = sandbox
	}
	orch := orchestrator.New(loader, gateway, builtin.NewRegistry(), opts)

	a := &app{
		stores:    stores,
		cache:     cacheSvc,
		pool:      pool,
		vault:     credVault,
		validator: skills.NewValidator(),
		schemagen: generator,
		sandbox:   sandbox,
		orch:      orch,
		gateway:   gateway,
	}

	e := echo.New()
	e.HideBanner = true
	registerRoutes(e, a)

	errCh := make(chan error, 1)
	go func() {
		if err := e.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info().Str("addr", cfg.Server.Addr).Msg("server_started")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server_shutdown_error")
	}
	log.Info().Msg("server_stopped")
	return nil
}
