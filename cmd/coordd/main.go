package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/blackswan-labs/coordd/internal/api"
	"github.com/blackswan-labs/coordd/internal/config"
	"github.com/blackswan-labs/coordd/internal/health"
	"github.com/blackswan-labs/coordd/internal/identity"
	"github.com/blackswan-labs/coordd/internal/lockmgr"
	"github.com/blackswan-labs/coordd/internal/memory"
	"github.com/blackswan-labs/coordd/internal/metrics"
	"github.com/blackswan-labs/coordd/internal/project"
	"github.com/blackswan-labs/coordd/internal/registry"
	"github.com/blackswan-labs/coordd/internal/session"
	"github.com/blackswan-labs/coordd/internal/store"
	"github.com/blackswan-labs/coordd/pkg/tokenstore"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("COORDD_ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ds, err := store.New(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to open store")
	}
	defer ds.Close()

	// Maintenance subcommand: coordd merge <fromKey> <intoKey>
	if len(os.Args) > 1 && os.Args[1] == "merge" {
		if len(os.Args) != 4 {
			fmt.Fprintln(os.Stderr, "usage: coordd merge <fromKey> <intoKey>")
			os.Exit(2)
		}
		projects := project.NewService(ds, identity.NewResolver(64), cfg.ManifestName, logger)
		if err := projects.Merge(context.Background(), os.Args[2], os.Args[3]); err != nil {
			logger.Fatal().Err(err).Msg("merge failed")
		}
		logger.Info().Str("from", os.Args[2]).Str("into", os.Args[3]).Msg("merge complete")
		return
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("listen_addr", cfg.ListenAddr).
		Str("db_path", cfg.DBPath).
		Dur("agent_ttl", cfg.AgentTTL).
		Msg("starting coordination engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	secret := cfg.AuthSecret
	if secret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			logger.Fatal().Err(err).Msg("failed to generate auth secret")
		}
		secret = hex.EncodeToString(buf)
		logger.Warn().Msg("COORDD_AUTH_SECRET not set; tokens will not survive a restart")
	}

	tokens := tokenstore.NewMemoryStore()
	locks := lockmgr.NewManager(ds, logger)
	sessions := session.NewManager(ds, logger)
	reg := registry.New(ds, locks, sessions, tokens, cfg.AgentTTL, logger)
	projects := project.NewService(ds, identity.NewResolver(256), cfg.ManifestName, logger)
	mem := memory.NewStore(ds, logger)
	issuer := api.NewIssuer(secret, cfg.TokenTTL, tokens)
	collector := metrics.New()

	checker := health.NewChecker(logger)
	checker.Register("sqlite", func(ctx context.Context) health.Status {
		if err := ds.DB().PingContext(ctx); err != nil {
			return health.StatusDown
		}
		return health.StatusOK
	})

	handlers := api.NewHandlers(projects, reg, locks, mem, sessions, issuer, checker, collector,
		api.LockLimits{Default: cfg.LockTTLDefault, Max: cfg.LockTTLMax},
		cfg.HeartbeatInterval, cfg.AdminToken, logger)

	server := api.NewServer(api.ServerConfig{
		ListenAddr:  cfg.ListenAddr,
		RateLimit:   api.RateLimitConfig{RPS: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst},
		CORSOrigins: cfg.CORSOrigins,
	}, handlers, issuer, collector, logger)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		registry.NewReaper(reg, locks, collector, cfg.ReaperInterval, logger).Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		policy := store.RetentionPolicy{
			MemoryAge:  cfg.MemoryRetention,
			SessionAge: cfg.SessionRetention,
		}
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ds.RunRetention(ctx, policy); err != nil {
					logger.Error().Err(err).Msg("retention pass failed")
				}
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := tokens.Cleanup(ctx); err != nil {
					logger.Error().Err(err).Msg("token cleanup failed")
				}
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("api server error")
		}
	}()

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
	cancel()

	if err := server.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("api server shutdown error")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("coordination engine stopped")
}
