package graph

import (
	"context"

	gocache "github.com/goburrow/cache"
	"go.uber.org/zap"

	"github.com/mimiro-io/archrepo-datalayer/internal/cache"
	"github.com/mimiro-io/archrepo-datalayer/internal/entity"
)

// EntityResolver resolves display metadata for path enrichment, satisfied
// by the entity cache.
type EntityResolver interface {
	Get(ctx context.Context, id string, opts cache.GetOptions) (*entity.Entity, error)
}

// Mapper answers shortest-path queries over one assembled graph. Each
// search is independent, no partial results are shared between sources.
// Enrichment lookups go through an in-process memo so repeated ids across
// many paths cost at most one cache hit.
type Mapper struct {
	graph    Graph
	logger   *zap.SugaredLogger
	resolver EntityResolver
	memo     gocache.LoadingCache
}

func NewMapper(g Graph, resolver EntityResolver, logger *zap.SugaredLogger) *Mapper {
	mapper := &Mapper{
		graph:    g,
		logger:   logger.Named("mapper"),
		resolver: resolver,
	}
	mapper.memo = gocache.NewLoadingCache(mapper.loadEntity, gocache.WithMaximumSize(4096))
	return mapper
}

func (m *Mapper) loadEntity(key gocache.Key) (gocache.Value, error) {
	id := key.(string)
	e, err := m.resolver.Get(context.Background(), id, cache.GetOptions{})
	if err != nil {
		m.logger.Warnf("Could not resolve entity %s: %s", id, err.Error())
	}
	if e == nil {
		return &entity.Entity{Id: id, Name: "Unknown", Type: "Unknown"}, nil
	}
	return e, nil
}

// ShortestPath finds the fewest-edges path from source to any target, or
// nil when the source is unmapped. Plain BFS with a visited set; the
// graph may be cyclic.
func (m *Mapper) ShortestPath(source string, targets map[string]bool) *PathResult {
	source = entity.NormalizeId(source)
	if targets[source] {
		return &PathResult{TargetId: source, Path: []string{source}, Length: 0}
	}

	type queued struct {
		id   string
		path []string
	}
	queue := []queued{{id: source, path: []string{source}}}
	visited := map[string]bool{source: true}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, edge := range m.graph[current.id] {
			if visited[edge.TargetId] {
				continue
			}
			visited[edge.TargetId] = true

			path := make([]string, len(current.path)+1)
			copy(path, current.path)
			path[len(current.path)] = edge.TargetId

			if targets[edge.TargetId] {
				return &PathResult{TargetId: edge.TargetId, Path: path, Length: len(path) - 1}
			}
			queue = append(queue, queued{id: edge.TargetId, path: path})
		}
	}
	return nil
}

// PathDetails enriches a found path with entity names/types and the
// relation type of each traversed edge (first match in the adjacency
// list).
func (m *Mapper) PathDetails(path []string) []PathStep {
	steps := make([]PathStep, 0, len(path))
	for i, id := range path {
		e := m.entityDetails(id)
		step := PathStep{EntityId: id, EntityName: e.Name, EntityType: e.Type}
		if i > 0 {
			step.RelationType = "Unknown"
			for _, edge := range m.graph[path[i-1]] {
				if edge.TargetId == id {
					step.RelationType = edge.RelationType
					break
				}
			}
		}
		steps = append(steps, step)
	}
	return steps
}

func (m *Mapper) entityDetails(id string) *entity.Entity {
	value, err := m.memo.Get(id)
	if err != nil {
		return &entity.Entity{Id: id, Name: "Unknown", Type: "Unknown"}
	}
	return value.(*entity.Entity)
}
