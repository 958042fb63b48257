package app

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blackwell-systems/trustmonitor/internal/config"
	terrors "github.com/blackwell-systems/trustmonitor/internal/errors"
	"github.com/blackwell-systems/trustmonitor/internal/store"
)

// env is what every command needs: the immutable configuration, a logger
// built from it, and the state database.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

func configErr(msg string, cause error) error {
	return terrors.ConfigError(msg, cause)
}

// loadConfig reads --config or the default location.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, configErr("cannot locate config directory", err)
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, configErr("failed to load "+path, err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// newLogger builds the process logger. Logs go to stderr so stdout stays
// free for tables.
func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, configErr("invalid logging.level", err)
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}

	return zc.Build()
}

// openEnv loads configuration, builds the logger and opens the store.
// withStore false skips the database for commands that must work without
// writable state, such as verify.
func openEnv(withStore bool) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, logger: logger}
	if withStore {
		st, err := store.Open(cfg.Paths.Database)
		if err != nil {
			logger.Sync()
			return nil, terrors.DependencyError("state database "+cfg.Paths.Database, err)
		}
		e.store = st
	}
	return e, nil
}

func (e *env) Close() {
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logger.Warn("failed to close store", zap.Error(err))
		}
	}
	_ = e.logger.Sync()
}
