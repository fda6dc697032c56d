package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cory-johannsen/lobbysync/internal/app"
	"github.com/cory-johannsen/lobbysync/internal/config"
	"github.com/cory-johannsen/lobbysync/internal/discovery"
	"github.com/cory-johannsen/lobbysync/internal/discovery/memstore"
	"github.com/cory-johannsen/lobbysync/internal/netscene"
	"github.com/cory-johannsen/lobbysync/internal/observability"
	"github.com/cory-johannsen/lobbysync/internal/scene"
	"github.com/cory-johannsen/lobbysync/internal/storage/postgres"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "lobby",
		Short:         "Host, join and list multiplayer sessions with synchronized scene changes",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to configuration file (LOBBY_* environment variables override it)")

	rootCmd.AddCommand(
		newListCmd(opts),
		newHostCmd(opts),
		newJoinCmd(opts),
		newDemoCmd(opts),
	)
	return rootCmd
}

// env is the loaded configuration, logger and discovery store shared by
// every participant a command builds.
type env struct {
	cfg     config.Config
	logger  *zap.Logger
	store   discovery.Store
	cleanup func()
}

func loadEnv(ctx context.Context, opts *rootOptions) (*env, error) {
	start := time.Now()
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	logger.Debug("environment ready",
		zap.String("store", cfg.Discovery.Store),
		zap.Duration("elapsed", time.Since(start)),
	)
	return &env{
		cfg:    cfg,
		logger: logger,
		store:  store,
		cleanup: func() {
			closeStore()
			_ = logger.Sync()
		},
	}, nil
}

// openStore returns the configured discovery store and its release function.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (discovery.Store, func(), error) {
	switch cfg.Discovery.Store {
	case config.StorePostgres:
		pool, err := postgres.NewPool(ctx, cfg.Database, logger.Named("postgres"))
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to session store: %w", err)
		}
		return postgres.NewSessionStore(pool.DB()), pool.Close, nil
	default:
		return memstore.New(), func() {}, nil
	}
}

// participant builds and starts one participant with text sinks on stdout.
func (e *env) participant(ctx context.Context, cfg config.Config) (*app.Participant, func(), error) {
	p, err := app.Build(cfg, e.store, scene.NewTextUI(os.Stdout), netscene.NewTextLoadEvents(os.Stdout), e.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("building participant: %w", err)
	}
	if err := p.Start(ctx); err != nil {
		p.Close()
		return nil, nil, err
	}
	release := func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), cfg.Discovery.CallTimeout)
		defer cancel()
		if err := p.Leave(leaveCtx); err != nil {
			e.logger.Warn("leaving session on exit", zap.Error(err))
		}
		p.Stop()
		p.Close()
	}
	return p, release, nil
}
