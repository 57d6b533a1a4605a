package bootstrap

import (
	"context"
	"fmt"

	"github.com/elspeth-dev/elspeth/common/config"
	"github.com/elspeth-dev/elspeth/common/db"
	"github.com/elspeth-dev/elspeth/common/logger"
	"github.com/elspeth-dev/elspeth/common/telemetry"
	"github.com/elspeth-dev/elspeth/internal/audit"
)

// Components holds every initialized dependency a run driver needs:
// config, logger, the audit store connection, the recorder built on top
// of it, and (optionally) telemetry.
type Components struct {
	Config    *config.Config
	Logger    *logger.Logger
	DB        *db.DB
	Recorder  audit.Recorder
	Telemetry *telemetry.Telemetry

	cleanupFuncs []func() error
}

// Shutdown performs graceful shutdown of all components, running cleanup
// funcs in reverse (LIFO) registration order.
func (c *Components) Shutdown(ctx context.Context) error {
	c.Logger.Info("shutting down components")

	var errs []error
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			errs = append(errs, err)
			c.Logger.Error("cleanup error", "error", err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	c.Logger.Info("shutdown complete")
	return nil
}

// Health checks health of every component that can report it.
func (c *Components) Health(ctx context.Context) error {
	if c.DB != nil {
		if err := c.DB.Health(ctx); err != nil {
			return fmt.Errorf("database unhealthy: %w", err)
		}
	}
	return nil
}

func (c *Components) addCleanup(fn func() error) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}
