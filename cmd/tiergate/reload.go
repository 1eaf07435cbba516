package main

import (
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/blueberrycongee/tiergate"
	"github.com/blueberrycongee/tiergate/internal/api"
	"github.com/blueberrycongee/tiergate/internal/config"
	"github.com/blueberrycongee/tiergate/internal/observability"
)

type gatewayReloader struct {
	logger     *slog.Logger
	level      *slog.LevelVar
	swapper    *api.GatewaySwapper
	build      func(*config.Config) (*tiergate.Gateway, error)
	inProgress atomic.Bool
}

func newGatewayReloader(logger *slog.Logger, level *slog.LevelVar, swapper *api.GatewaySwapper, build func(*config.Config) (*tiergate.Gateway, error)) *gatewayReloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &gatewayReloader{
		logger:  logger,
		level:   level,
		swapper: swapper,
		build:   build,
	}
}

// Reload applies updated. The log level changes in place; everything else
// takes effect through a rebuilt gateway. Server, redis and budget store
// settings need a restart.
func (r *gatewayReloader) Reload(old, updated *config.Config) {
	if r.level != nil {
		r.level.Set(observability.ParseLevel(updated.Logging.Level))
	}

	if old != nil && restartRequired(old, updated) {
		r.logger.Warn("server, redis or budget store settings changed; restart to apply them")
	}

	if !r.inProgress.CompareAndSwap(false, true) {
		r.logger.Warn("gateway reload already in progress")
		return
	}
	defer r.inProgress.Store(false)

	next, err := r.build(updated)
	if err != nil {
		r.logger.Error("failed to rebuild gateway", "error", err)
		return
	}
	if next == nil {
		r.logger.Error("failed to rebuild gateway", "error", "nil gateway")
		return
	}

	r.swapper.Swap(next)

	r.logger.Info("gateway reloaded",
		"categories", len(updated.Categories),
		"mode", updated.Router.Mode,
		"daily_limit", updated.Budget.DailyLimit,
	)
}

func restartRequired(old, updated *config.Config) bool {
	return old.Server != updated.Server ||
		old.Budget.Store != updated.Budget.Store ||
		old.Budget.KeyPrefix != updated.Budget.KeyPrefix ||
		old.Redis.Addr != updated.Redis.Addr ||
		old.Redis.Password != updated.Redis.Password ||
		old.Redis.DB != updated.Redis.DB ||
		!slices.Equal(old.Redis.Addrs, updated.Redis.Addrs)
}

