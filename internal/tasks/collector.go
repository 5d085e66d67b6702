package tasks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"meter-collector/internal/agent"
	"meter-collector/internal/api"
	"meter-collector/internal/catalog"
	"meter-collector/internal/config"
	"meter-collector/internal/db"
	"meter-collector/internal/logging"
	"meter-collector/internal/notify"
	"meter-collector/internal/protocol"
	"meter-collector/internal/storage"
)

const shutdownTimeout = 30 * time.Second

// Options defines initialization overrides for the collector.
// Mirrors the CLI flags used in cmd/collector/main.go.
type Options struct {
	ConfigPath string
	EnvFile    string
	DBPath     string
	SeedFile   string
	APIListen  string
	RunOnStart bool
}

// LoadConfig loads the env file and config file and applies overrides.
func LoadConfig(opts Options) (*config.Config, error) {
	if err := config.LoadEnvFile(opts.EnvFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.DBPath != "" {
		cfg.Catalog.DBPath = opts.DBPath
	}
	if opts.SeedFile != "" {
		cfg.Catalog.SeedFile = opts.SeedFile
	}
	if opts.APIListen != "" {
		cfg.API.Listen = opts.APIListen
		cfg.API.Enabled = true
	}
	if opts.RunOnStart {
		cfg.Collection.RunOnStart = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// OpenCatalog opens the catalog database and seeds it when configured.
func OpenCatalog(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*db.DB, error) {
	database, err := db.Open(cfg.Catalog.DBPath, logger)
	if err != nil {
		return nil, err
	}
	database.BatchSize = cfg.Storage.BatchSize
	if cfg.Catalog.SeedFile == "" {
		return database, nil
	}
	cat, err := config.LoadCatalog(cfg.Catalog.SeedFile)
	if err == nil {
		_, err = database.SeedCatalog(ctx, cat)
	}
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	return database, nil
}

// InitAndRunCollector loads config, wires the agent and runs it until ctx
// is canceled.
func InitAndRunCollector(ctx context.Context, opts Options) error {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("agent_id", cfg.Agent.ID))

	database, err := OpenCatalog(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	var store storage.Store = database
	if cfg.Storage.Backend == config.BackendClickHouse {
		ch, err := storage.OpenClickHouse(ctx, cfg.Storage.ClickHouse, logger)
		if err != nil {
			return err
		}
		defer ch.Close()
		store = ch
	}
	logger.Info("storage ready", zap.String("backend", cfg.Storage.Backend))

	var agentOpts []agent.Option
	if cfg.MQTT.Enabled {
		pub, err := notify.Connect(cfg.MQTT, cfg.Agent.ID, cfg.MQTTTopic(), logger)
		if err != nil {
			logger.Warn("cycle notifications disabled", zap.Error(err))
		} else {
			defer pub.Close()
			agentOpts = append(agentOpts, agent.WithNotifier(pub))
		}
	}

	client := protocol.NewClient(&protocol.ModbusDialer{ConnectTimeout: cfg.Collection.ConnectTimeout.Duration}, logger)
	a := agent.New(cfg, catalog.New(database, logger), client, storage.NewBatcher(store, logger), logger, agentOpts...)
	// cycles outlive ctx so Stop can drain them
	if err := a.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	var srv *api.Server
	if cfg.API.Enabled {
		srv = api.NewServer(a, logger)
		if err := srv.Start(cfg.API.Listen); err != nil {
			a.Stop(context.Background())
			return fmt.Errorf("start http api: %w", err)
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http api shutdown", zap.Error(err))
		}
	}
	a.Stop(shutdownCtx)
	return nil
}
