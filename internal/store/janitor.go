package store

import (
	"context"
	"time"

	"github.com/bamzi/jobrunner"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/mimiro-io/archrepo-datalayer/internal/conf"
)

// Janitor evicts cache records past the configured maximum age on a
// schedule, so the database does not accumulate entities nobody asks
// about anymore.
type Janitor struct {
	store      *CacheStore
	evictAfter time.Duration
	logger     *zap.SugaredLogger
}

func NewJanitor(lc fx.Lifecycle, env *conf.Env, store *CacheStore, logger *zap.SugaredLogger) *Janitor {
	janitor := &Janitor{
		store:      store,
		evictAfter: env.Cache.EvictAfter,
		logger:     logger.Named("janitor"),
	}
	schedule := env.Cache.EvictSchedule
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			janitor.logger.Infof("Starting cache eviction with schedule %s", schedule)
			jobrunner.Start()
			if err := jobrunner.Schedule(schedule, janitor); err != nil {
				janitor.logger.Warn("Could not start cache eviction job")
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			jobrunner.Stop()
			return nil
		},
	})
	return janitor
}

func (j *Janitor) Run() {
	cutoff := time.Now().Add(-j.evictAfter)
	removed, err := j.store.InvalidateOlderThan(cutoff)
	if err != nil {
		j.logger.Warnf("Cache eviction failed: %s", err.Error())
		return
	}
	if removed > 0 {
		j.logger.Infof("Evicted %d cache records older than %s", removed, cutoff.Format(time.RFC3339))
	}
}
