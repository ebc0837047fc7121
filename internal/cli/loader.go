package cli

import (
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/mlscore/internal/association"
	"github.com/roach88/mlscore/internal/config"
	"github.com/roach88/mlscore/internal/cursor"
	"github.com/roach88/mlscore/internal/kvstore"
	"github.com/roach88/mlscore/internal/store"
)

// environment is everything a command needs after loading configuration.
type environment struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.Store
	cursors cursor.Store
	pebble  *kvstore.Store
}

// openEnvironment loads configuration and opens the database and cursor
// table it names. Failures map to ExitCommandError.
func openEnvironment(opts *RootOptions, cmd *cobra.Command) (*environment, error) {
	if err := config.LoadEnvFile(opts.EnvFile); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load env file", err)
	}
	cfg, err := config.Load(config.ResolvePath(opts.ConfigPath, opts.ConfigPath != ""))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Database.Path = opts.Database
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	logger, err := cfg.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to configure logging", err)
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	env := &environment{cfg: cfg, logger: logger, store: st, cursors: st}

	if cfg.Database.CursorBackend == config.CursorBackendPebble {
		kv, err := kvstore.Open(cfg.PebbleDir())
		if err != nil {
			st.Close()
			return nil, WrapExitError(ExitCommandError, "failed to open cursor table", err)
		}
		env.pebble = kv
		env.cursors = kv
	}
	logger.Debug("environment ready",
		"db", cfg.Database.Path,
		"cursor_backend", cfg.Database.CursorBackend,
		"api_backend", cfg.API.Backend,
	)
	return env, nil
}

func (e *environment) resolver() *association.Resolver {
	return association.NewResolver(
		association.WithPolicy(e.cfg.Policy()),
		association.WithLogger(e.logger),
	)
}

func (e *environment) Close() error {
	var err error
	if e.pebble != nil {
		err = e.pebble.Close()
	}
	return errors.Join(err, e.store.Close())
}
