package cli

import (
	"database/sql"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/enrollsync/internal/config"
	"github.com/roach88/enrollsync/internal/delta"
	"github.com/roach88/enrollsync/internal/engine"
	"github.com/roach88/enrollsync/internal/remote"
	"github.com/roach88/enrollsync/internal/store"
)

// app is the wired process: config, databases, remote client and engine.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *store.Store
	source   *sql.DB
	engine   *engine.Engine
	registry *prometheus.Registry
}

// loadConfig reads the config named by the global flags.
func loadConfig(opts *RootOptions, out *OutputFormatter) (*config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, out.Fail(ExitCommandError, ErrCodeConfig, "failed to load config "+opts.Config, err, nil)
	}
	return cfg, nil
}

// openStore loads the config and opens only the state database.
func openStore(opts *RootOptions, out *OutputFormatter) (*config.Config, *store.Store, error) {
	cfg, err := loadConfig(opts, out)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg.State.Driver, cfg.State.DSN)
	if err != nil {
		return nil, nil, out.Fail(ExitCommandError, ErrCodeDatabase, "failed to open state database", err, nil)
	}
	return cfg, st, nil
}

// openApp wires everything a sync needs. The caller must Close the app.
func openApp(opts *RootOptions, cmd *cobra.Command) (*app, error) {
	out := opts.formatter(cmd)

	logger, err := opts.logger()
	if err != nil {
		return nil, out.Fail(ExitCommandError, ErrCodeGeneric, "failed to build logger", err, nil)
	}

	cfg, st, err := openStore(opts, out)
	if err != nil {
		return nil, err
	}

	source, dialect, err := store.OpenReader(cfg.Source.Driver, cfg.Source.DSN)
	if err != nil {
		_ = st.Close()
		return nil, out.Fail(ExitCommandError, ErrCodeDatabase, "failed to open source database", err, nil)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	client := remote.New(cfg.Remote.URL, cfg.Remote.Username, cfg.Remote.Password,
		remote.WithTimeout(cfg.Remote.Timeout.Duration),
		remote.WithLogger(logger))

	eng := engine.New(st, delta.NewSelector(source, dialect), client, cfg.EnginePrograms(),
		engine.WithLogger(logger),
		engine.WithMetrics(engine.NewMetrics(reg)),
		engine.WithBatchSize(cfg.Remote.BatchSize))

	logger.Debug("app ready",
		zap.String("config", opts.Config),
		zap.String("state_driver", cfg.State.Driver),
		zap.String("source_driver", cfg.Source.Driver),
		zap.Strings("programs", cfg.ProgramNames()))

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		source:   source,
		engine:   eng,
		registry: reg,
	}, nil
}

// Close releases the databases and flushes the logger.
func (a *app) Close() error {
	err := errors.Join(a.source.Close(), a.store.Close())
	_ = a.logger.Sync()
	return err
}
