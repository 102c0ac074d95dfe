package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/p-blackswan/claude-remote/internal/config"
	"github.com/p-blackswan/claude-remote/internal/health"
	"github.com/p-blackswan/claude-remote/internal/job"
	"github.com/p-blackswan/claude-remote/internal/metrics"
	"github.com/p-blackswan/claude-remote/internal/pairing"
	"github.com/p-blackswan/claude-remote/internal/project"
	"github.com/p-blackswan/claude-remote/internal/push"
	"github.com/p-blackswan/claude-remote/internal/server"
	"github.com/p-blackswan/claude-remote/internal/store"
)

func main() {
	// .env is a development convenience; a missing file is fine.
	_ = godotenv.Load()

	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	if cfg.IsDevelopment() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Set log level
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	log.Logger = logger

	logger.Info().
		Str("environment", cfg.Environment).
		Str("addr", cfg.Addr()).
		Str("projects_dir", cfg.ProjectsDir).
		Str("agent_bin", cfg.AgentBin).
		Msg("starting claude remote")

	configDir := cfg.ConfigDir
	if configDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			logger.Fatal().Err(err).Msg("resolving user config dir")
		}
		configDir = filepath.Join(base, "claude-remote")
	}

	st, err := store.New(configDir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open state store")
	}
	if _, err := st.EnsureIdentity(); err != nil {
		logger.Fatal().Err(err).Msg("failed to ensure server identity")
	}

	// Seed the PIN from the environment only while none has been set;
	// otherwise the first successful auth seeds it.
	if cfg.InitialPin != "" {
		hash, err := st.PinHash()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load pin hash")
		}
		if hash == "" {
			seeded, err := store.HashPin(cfg.InitialPin)
			if err != nil {
				logger.Fatal().Err(err).Msg("failed to hash initial pin")
			}
			if err := st.SetPinHash(seeded); err != nil {
				logger.Fatal().Err(err).Msg("failed to seed initial pin")
			}
			logger.Info().Msg("initial pin seeded from environment")
		}
	}

	pairSvc := pairing.New(st, cfg.PublicURL, logger)
	token, err := pairSvc.EnsureToken(cfg.ForceNewPairing)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to ensure pairing token")
	}
	if token != "" {
		logger.Info().Str("url", pairSvc.PairURL(token)).Msg("pairing open")
	}

	m := metrics.New()

	// Health checker
	checker := health.NewChecker(logger)
	checker.Register("store", health.DirWritable(st.Dir()))
	checker.Register("projects", health.DirReadable(cfg.ProjectsDir))
	checker.Register("agent", health.BinaryOnPath(cfg.AgentBin))

	registry := project.NewRegistry(cfg.ProjectsDir, st, logger)
	prs := project.NewPRClient(cfg.GitHubToken, logger)

	dispatcher, err := push.NewDispatcher(st, cfg.PublicURL, m, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init push dispatcher")
	}

	manager := job.NewManager(job.Config{
		AgentBin:        cfg.AgentBin,
		AgentArgs:       cfg.AgentArgList(),
		WatchdogTimeout: cfg.WatchdogTimeout,
		CancelGrace:     cfg.CancelGrace,
	}, st, registry, m, logger)
	manager.SetNotifier(dispatcher)

	srv := server.New(server.Config{
		Addr:            cfg.Addr(),
		PublicURL:       cfg.PublicURL,
		DefaultProject:  cfg.DefaultProject,
		MaxAuthAttempts: cfg.MaxAuthAttempts,
		Development:     cfg.IsDevelopment(),
	}, server.Deps{
		Store:    st,
		Registry: registry,
		PRs:      prs,
		Pairing:  pairSvc,
		Manager:  manager,
		Push:     dispatcher,
		Checker:  checker,
		Metrics:  m,
	}, logger)

	g, ctx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		logger.Info().Str("addr", cfg.Addr()).Msg("HTTP server starting")
		return srv.Start()
	})

	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
			return srv.Shutdown(10 * time.Second)
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("server error")
	}

	// Let running agent jobs persist their turns before exiting.
	drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := manager.Shutdown(drainCtx); err != nil {
		logger.Warn().Err(err).Msg("jobs did not drain before timeout")
	}

	logger.Info().Msg("claude remote stopped")
}
