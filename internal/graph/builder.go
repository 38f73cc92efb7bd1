package graph

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/mimiro-io/archrepo-datalayer/internal/entity"
)

const (
	defaultWorkers         = 10
	defaultExpansionRounds = 3
)

// RelationSource hands out the relationships of one entity, satisfied by
// the entity cache.
type RelationSource interface {
	Relationships(ctx context.Context, id string, forceRefresh bool) ([]*entity.Relationship, error)
}

// Builder assembles a directed adjacency structure over a working set of
// entity ids, discovering reachable intermediates through a bounded
// number of expansion rounds.
type Builder struct {
	logger       *zap.SugaredLogger
	source       RelationSource
	workers      int
	rounds       int
	forceRefresh bool
	whitelist    map[string]bool
}

type BuilderOption func(*Builder)

func WithWorkers(n int) BuilderOption {
	return func(b *Builder) {
		if n > 0 {
			b.workers = n
		}
	}
}

func WithExpansionRounds(n int) BuilderOption {
	return func(b *Builder) {
		if n > 0 {
			b.rounds = n
		}
	}
}

// WithRelationTypes restricts edges to the given relation types. An empty
// list accepts all types.
func WithRelationTypes(types []string) BuilderOption {
	return func(b *Builder) {
		b.whitelist = make(map[string]bool, len(types))
		for _, t := range types {
			b.whitelist[t] = true
		}
	}
}

func WithForceRefresh(force bool) BuilderOption {
	return func(b *Builder) {
		b.forceRefresh = force
	}
}

func NewBuilder(source RelationSource, logger *zap.SugaredLogger, opts ...BuilderOption) *Builder {
	builder := &Builder{
		logger:  logger.Named("graph"),
		source:  source,
		workers: defaultWorkers,
		rounds:  defaultExpansionRounds,
	}
	for _, opt := range opts {
		opt(builder)
	}
	return builder
}

// fetchAll retrieves relationships for every id through a bounded worker
// pool. One failing fetch degrades to "no relationships for this id" and
// never aborts the batch.
func (b *Builder) fetchAll(ctx context.Context, ids []string) map[string][]*entity.Relationship {
	results := make(map[string][]*entity.Relationship, len(ids))
	if len(ids) == 0 {
		return results
	}

	workers := b.workers
	if workers > len(ids) {
		workers = len(ids)
	}

	jobs := make(chan string)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				relations, err := b.source.Relationships(ctx, id, b.forceRefresh)
				if err != nil {
					b.logger.Warnf("Failed to fetch relationships for %s: %s", id, err.Error())
					relations = nil
				}
				mu.Lock()
				results[id] = relations
				mu.Unlock()
			}
		}()
	}

	for _, id := range ids {
		jobs <- id
	}
	close(jobs)
	wg.Wait()
	return results
}

// Build runs the bounded expansion over the seed set and returns the
// adjacency structure plus the final working set. The round limit makes
// discovery an approximation, not a closure: entities further than the
// bound from the original seeds stay invisible.
func (b *Builder) Build(ctx context.Context, seeds []string) (Graph, map[string]bool, error) {
	workingSet := make(map[string]bool, len(seeds))
	for _, id := range seeds {
		if id = entity.NormalizeId(id); id != "" {
			workingSet[id] = true
		}
	}

	fetched := make(map[string][]*entity.Relationship)
	for round := 0; round < b.rounds; round++ {
		pending := unfetched(workingSet, fetched)
		if len(pending) == 0 {
			break
		}
		b.logger.Infof("Expansion round %d/%d, fetching relationships for %d entities", round+1, b.rounds, len(pending))

		for id, relations := range b.fetchAll(ctx, pending) {
			fetched[id] = relations
		}

		discovered := 0
		for _, relations := range fetched {
			for _, rel := range relations {
				for _, endpoint := range []string{rel.FromId, rel.ToId} {
					if endpoint != "" && !workingSet[endpoint] {
						workingSet[endpoint] = true
						discovered++
					}
				}
			}
		}
		if discovered == 0 {
			b.logger.Info("No new entities discovered, graph is complete")
			break
		}
		b.logger.Infof("Discovered %d new entities (working set now %d)", discovered, len(workingSet))
	}

	// ids discovered in the last round still need their relationships
	// before the adjacency pass
	if pending := unfetched(workingSet, fetched); len(pending) > 0 {
		for id, relations := range b.fetchAll(ctx, pending) {
			fetched[id] = relations
		}
	}

	g := make(Graph)
	totalEdges := 0
	filteredEdges := 0
	for id, relations := range fetched {
		var edges []Edge
		for _, rel := range relations {
			// only forward edges into the working set qualify
			if rel.FromId != id || !workingSet[rel.ToId] {
				continue
			}
			totalEdges++
			if len(b.whitelist) > 0 && !b.whitelist[rel.RelationType] {
				filteredEdges++
				continue
			}
			edges = append(edges, Edge{TargetId: rel.ToId, RelationType: rel.RelationType})
		}
		if len(edges) > 0 {
			g[id] = edges
		}
	}

	b.logger.Infow("Graph built",
		"nodes", len(workingSet),
		"edges", totalEdges-filteredEdges,
		"filteredEdges", filteredEdges,
		"nodesWithEdges", len(g))
	return g, workingSet, nil
}

func unfetched(workingSet map[string]bool, fetched map[string][]*entity.Relationship) []string {
	var pending []string
	for id := range workingSet {
		if _, done := fetched[id]; !done {
			pending = append(pending, id)
		}
	}
	return pending
}
