package bootstrap

import (
	"github.com/elspeth-dev/elspeth/common/config"
	"github.com/elspeth-dev/elspeth/common/db"
	"github.com/elspeth-dev/elspeth/common/logger"
)

// Option configures the bootstrap process.
type Option func(*options)

type options struct {
	skipDB          bool
	skipTelemetry   bool
	useMemoryRecorder bool
	customLogger    *logger.Logger
	customConfig    *config.Config
	dbInitHook      func(*db.DB) error
}

// WithoutDB skips database initialization; implies an in-memory audit
// recorder, since the Postgres recorder has nothing to connect to.
func WithoutDB() Option {
	return func(o *options) {
		o.skipDB = true
		o.useMemoryRecorder = true
	}
}

// WithoutTelemetry skips telemetry initialization.
func WithoutTelemetry() Option {
	return func(o *options) {
		o.skipTelemetry = true
	}
}

// WithMemoryRecorder forces an in-memory audit recorder even when a
// database connection is available, for local runs and tests.
func WithMemoryRecorder() Option {
	return func(o *options) {
		o.useMemoryRecorder = true
	}
}

// WithCustomLogger uses a custom logger instead of creating one.
func WithCustomLogger(log *logger.Logger) Option {
	return func(o *options) {
		o.customLogger = log
	}
}

// WithCustomConfig uses a custom config instead of loading from env.
func WithCustomConfig(cfg *config.Config) Option {
	return func(o *options) {
		o.customConfig = cfg
	}
}

// WithDBInitHook runs a custom function after DB initialization, useful
// for running migrations before the first run starts.
func WithDBInitHook(hook func(*db.DB) error) Option {
	return func(o *options) {
		o.dbInitHook = hook
	}
}

func defaultOptions() *options {
	return &options{}
}
