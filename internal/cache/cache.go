package cache

import (
	"context"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"go.uber.org/zap"

	"github.com/mimiro-io/archrepo-datalayer/internal/client"
	"github.com/mimiro-io/archrepo-datalayer/internal/conf"
	"github.com/mimiro-io/archrepo-datalayer/internal/entity"
	"github.com/mimiro-io/archrepo-datalayer/internal/store"
)

// Fetcher is the origin side of the cache, satisfied by the repository
// client.
type Fetcher interface {
	GetEntity(ctx context.Context, id string) (*entity.Entity, error)
	Search(ctx context.Context, filters []client.Filter) ([]*entity.Entity, error)
	Relations(ctx context.Context, id string) ([]*entity.Relationship, error)
}

// EntityCache reconciles locally stored entity snapshots against the
// origin. Reads inside the ttl window never touch the network; stale
// reads revalidate against the origin's modification timestamp and either
// keep, touch or overwrite the stored record.
type EntityCache struct {
	logger     *zap.SugaredLogger
	statsd     statsd.ClientInterface
	store      *store.CacheStore
	fetcher    Fetcher
	defaultTtl time.Duration
	now        func() time.Time
}

type GetOptions struct {
	Ttl          time.Duration
	ForceRefresh bool
}

func NewEntityCache(env *conf.Env, logger *zap.SugaredLogger, sd statsd.ClientInterface, cacheStore *store.CacheStore, repository *client.RepositoryClient) *EntityCache {
	return New(env.Cache.DefaultTtl, logger, sd, cacheStore, repository)
}

func New(defaultTtl time.Duration, logger *zap.SugaredLogger, sd statsd.ClientInterface, cacheStore *store.CacheStore, fetcher Fetcher) *EntityCache {
	if defaultTtl <= 0 {
		defaultTtl = 48 * time.Hour
	}
	return &EntityCache{
		logger:     logger.Named("cache"),
		statsd:     sd,
		store:      cacheStore,
		fetcher:    fetcher,
		defaultTtl: defaultTtl,
		now:        time.Now,
	}
}

// Get returns one entity, consulting the origin only when the stored
// record is missing or stale. Absence is (nil, nil).
func (c *EntityCache) Get(ctx context.Context, id string, opts GetOptions) (*entity.Entity, error) {
	id = entity.NormalizeId(id)
	ttl := opts.Ttl
	if ttl <= 0 {
		ttl = c.defaultTtl
	}

	if opts.ForceRefresh {
		return c.fetchAndStore(ctx, id)
	}

	record, err := c.store.GetEntity(id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		_ = c.statsd.Count("cache.miss", 1, nil, 1)
		return c.fetchAndStore(ctx, id)
	}

	age := c.now().Sub(record.RetrievedAt)
	if age < ttl {
		_ = c.statsd.Count("cache.hit", 1, nil, 1)
		return entity.Parse(record.Data)
	}

	c.logger.Debugf("Cache stale, revalidating %s (age %s)", id, age)
	fresh, err := c.fetcher.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	if fresh == nil {
		// gone upstream, drop it locally too
		_ = c.statsd.Count("cache.revalidate.deleted", 1, nil, 1)
		if err := c.store.DeleteEntity(id); err != nil {
			return nil, err
		}
		return nil, nil
	}

	freshModified := fresh.ModifiedAt()
	if freshModified == nil || record.ModifiedAt == nil || *freshModified <= *record.ModifiedAt {
		// unchanged, only restart the revalidation window
		_ = c.statsd.Count("cache.revalidate.unchanged", 1, nil, 1)
		if err := c.store.TouchEntity(id, c.now()); err != nil {
			return nil, err
		}
		return entity.Parse(record.Data)
	}

	_ = c.statsd.Count("cache.revalidate.changed", 1, nil, 1)
	if err := c.storeEntity(fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

func (c *EntityCache) fetchAndStore(ctx context.Context, id string) (*entity.Entity, error) {
	fresh, err := c.fetcher.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	if fresh == nil {
		return nil, nil
	}
	if err := c.storeEntity(fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

func (c *EntityCache) storeEntity(e *entity.Entity) error {
	entityType := e.Type
	if entityType == "" {
		entityType = "unknown"
	}
	return c.store.UpsertEntity(store.EntityRecord{
		Id:          e.Id,
		Type:        entityType,
		Name:        e.Name,
		Data:        e.Raw,
		RetrievedAt: c.now(),
		ModifiedAt:  e.ModifiedAt(),
	})
}

// EntitiesByType is cache aware at the collection level only: any local
// rows of the type are returned as-is, otherwise the full remote result
// set is fetched and stored.
func (c *EntityCache) EntitiesByType(ctx context.Context, entityType string, forceRefresh bool) ([]*entity.Entity, error) {
	if !forceRefresh {
		records, err := c.store.EntitiesByType(entityType)
		if err != nil {
			return nil, err
		}
		if len(records) > 0 {
			_ = c.statsd.Count("cache.hit", 1, nil, 1)
			entities := make([]*entity.Entity, 0, len(records))
			for _, record := range records {
				e, err := entity.Parse(record.Data)
				if err != nil {
					return nil, err
				}
				entities = append(entities, e)
			}
			return entities, nil
		}
	}

	entities, err := c.fetcher.Search(ctx, []client.Filter{{ClassName: []string{entityType}}})
	if err != nil {
		return nil, err
	}

	records := make([]store.EntityRecord, 0, len(entities))
	retrievedAt := c.now()
	for _, e := range entities {
		records = append(records, store.EntityRecord{
			Id:          e.Id,
			Type:        entityType,
			Name:        e.Name,
			Data:        e.Raw,
			RetrievedAt: retrievedAt,
			ModifiedAt:  e.ModifiedAt(),
		})
	}
	if err := c.store.UpsertEntities(records); err != nil {
		return nil, err
	}
	return entities, nil
}

// Relationships returns all stored relationships touching the id, or
// fetches and stores them when none are cached. A remote 404 is an empty
// list.
func (c *EntityCache) Relationships(ctx context.Context, id string, forceRefresh bool) ([]*entity.Relationship, error) {
	id = entity.NormalizeId(id)
	if !forceRefresh {
		records, err := c.store.RelationshipsFor(id)
		if err != nil {
			return nil, err
		}
		if len(records) > 0 {
			relations := make([]*entity.Relationship, 0, len(records))
			for _, record := range records {
				rel, err := entity.ParseRelationship(record.Data)
				if err != nil {
					return nil, err
				}
				relations = append(relations, rel)
			}
			return relations, nil
		}
	}

	relations, err := c.fetcher.Relations(ctx, id)
	if err != nil {
		return nil, err
	}

	records := make([]store.RelationshipRecord, 0, len(relations))
	retrievedAt := c.now()
	for _, rel := range relations {
		relationType := rel.RelationType
		if relationType == "" {
			relationType = "unknown"
		}
		records = append(records, store.RelationshipRecord{
			Id:          rel.Id,
			SourceId:    rel.FromId,
			TargetId:    rel.ToId,
			Type:        relationType,
			Data:        rel.Raw,
			RetrievedAt: retrievedAt,
		})
	}
	if len(records) > 0 {
		if err := c.store.UpsertRelationships(records); err != nil {
			return nil, err
		}
	}
	return relations, nil
}

// Invalidate deletes records retrieved before the cutoff, or everything
// when no cutoff is given.
func (c *EntityCache) Invalidate(olderThan *time.Time) error {
	if olderThan == nil {
		return c.store.Clear()
	}
	removed, err := c.store.InvalidateOlderThan(*olderThan)
	if err != nil {
		return err
	}
	c.logger.Infof("Invalidated %d cache records older than %s", removed, olderThan.Format(time.RFC3339))
	return nil
}

func (c *EntityCache) Stats() (store.CacheStats, error) {
	return c.store.Stats()
}
