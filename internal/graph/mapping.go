package graph

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/juliangruber/go-intersect"
	"go.uber.org/zap"

	"github.com/mimiro-io/archrepo-datalayer/internal/cache"
	"github.com/mimiro-io/archrepo-datalayer/internal/client"
	"github.com/mimiro-io/archrepo-datalayer/internal/conf"
	"github.com/mimiro-io/archrepo-datalayer/internal/entity"
)

// structuralPatterns marks the relation kinds that qualify for forward
// traversal when the whitelist is discovered from the metamodel.
var structuralPatterns = []string{
	"composition",
	"aggregation",
	"realization",
	"serving",
	"access",
	"influence",
	"association",
}

// MetamodelSource hands out metamodel metadata, satisfied by the
// repository client.
type MetamodelSource interface {
	Metamodel(ctx context.Context) (*client.Metamodel, error)
}

// Searcher runs filtered entity searches, satisfied by the repository
// client.
type Searcher interface {
	Search(ctx context.Context, filters []client.Filter) ([]*entity.Entity, error)
}

// MappingService runs complete source-to-target mapping passes: resolve
// sources and targets, build the expanded relationship graph once, then
// BFS every source against the target set.
type MappingService struct {
	logger    *zap.SugaredLogger
	statsd    statsd.ClientInterface
	entities  *cache.EntityCache
	searcher  Searcher
	metamodel MetamodelSource
	defaults  *conf.GraphConfig
}

func NewMappingService(env *conf.Env, logger *zap.SugaredLogger, sd statsd.ClientInterface, entities *cache.EntityCache, repository *client.RepositoryClient) *MappingService {
	return &MappingService{
		logger:    logger.Named("mapping"),
		statsd:    sd,
		entities:  entities,
		searcher:  repository,
		metamodel: repository,
		defaults:  env.Graph,
	}
}

type MappingRequest struct {
	SourceIds             []string        `json:"sourceIds,omitempty"`
	SourceFilters         []client.Filter `json:"sourceFilters,omitempty"`
	TargetIds             []string        `json:"targetIds"`
	RelationTypes         []string        `json:"relationTypes,omitempty"`
	DiscoverRelationTypes bool            `json:"discoverRelationTypes,omitempty"`
	Workers               int             `json:"workers,omitempty"`
	ExpansionRounds       int             `json:"expansionRounds,omitempty"`
	ForceRefresh          bool            `json:"forceRefresh,omitempty"`
}

type MappedEntity struct {
	Id         string     `json:"id"`
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	PathLength int        `json:"pathLength"`
	Path       []PathStep `json:"path"`
}

type TargetGroup struct {
	TargetId   string         `json:"targetId"`
	TargetName string         `json:"targetName"`
	TargetType string         `json:"targetType"`
	Entities   []MappedEntity `json:"entities"`
}

type UnmappedEntity struct {
	Id     string `json:"id"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type MappingStatistics struct {
	TotalSources    int     `json:"totalSources"`
	Mapped          int     `json:"mapped"`
	Unmapped        int     `json:"unmapped"`
	MinPathLength   int     `json:"minPathLength"`
	MaxPathLength   int     `json:"maxPathLength"`
	AvgPathLength   float64 `json:"avgPathLength"`
	CoveragePercent float64 `json:"coveragePercent"`
	WorkingSetSize  int     `json:"workingSetSize"`
	GraphNodes      int     `json:"graphNodes"`
}

type MappingResult struct {
	GeneratedAt time.Time               `json:"generatedAt"`
	Targets     map[string]*TargetGroup `json:"mappingsByTarget"`
	Unmapped    []UnmappedEntity        `json:"unmapped"`
	Statistics  MappingStatistics       `json:"statistics"`
}

// DiscoverRelationTypes derives the traversal whitelist from the
// metamodel relations. When the metamodel cannot be fetched the
// whitelist stays empty, which accepts all types.
func (s *MappingService) DiscoverRelationTypes(ctx context.Context) []string {
	metamodel, err := s.metamodel.Metamodel(ctx)
	if err != nil {
		s.logger.Warnf("Could not fetch metamodel relations, accepting all relation types: %s", err.Error())
		return nil
	}

	var types []string
	for _, relation := range metamodel.Relations {
		display := ""
		if len(relation.DisplayNames) > 0 {
			display = strings.ToLower(relation.DisplayNames[0].Value)
		}
		metaName := strings.ToLower(relation.MetaName)
		for _, pattern := range structuralPatterns {
			if strings.Contains(display, pattern) || strings.Contains(metaName, pattern) {
				types = append(types, relation.MetaName)
				break
			}
		}
	}
	s.logger.Infof("Discovered %d valid relation types from metamodel", len(types))
	return types
}

func (s *MappingService) Run(ctx context.Context, request MappingRequest) (*MappingResult, error) {
	if len(request.TargetIds) == 0 {
		return nil, errors.New("mapping request needs at least one target id")
	}
	if len(request.SourceIds) == 0 && len(request.SourceFilters) == 0 {
		return nil, errors.New("mapping request needs source ids or source filters")
	}

	started := time.Now()

	sources, err := s.resolveSources(ctx, request)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, errors.New("no source entities matched the request")
	}

	targetSet := make(map[string]bool, len(request.TargetIds))
	targetMeta := make(map[string]*entity.Entity, len(request.TargetIds))
	targetIds := make([]string, 0, len(request.TargetIds))
	for _, id := range request.TargetIds {
		id = entity.NormalizeId(id)
		targetSet[id] = true
		targetIds = append(targetIds, id)
		target, err := s.entities.Get(ctx, id, cache.GetOptions{ForceRefresh: request.ForceRefresh})
		if err != nil {
			return nil, err
		}
		if target == nil {
			s.logger.Warnf("Target entity %s not found in repository", id)
			target = &entity.Entity{Id: id, Name: "Unknown", Type: "Unknown"}
		}
		targetMeta[id] = target
	}

	seeds := make([]string, 0, len(sources)+len(targetIds))
	sourceIds := make([]string, 0, len(sources))
	for _, source := range sources {
		sourceIds = append(sourceIds, source.Id)
		seeds = append(seeds, source.Id)
	}
	seeds = append(seeds, targetIds...)

	if overlap := intersect.Hash(sourceIds, targetIds); len(overlap) > 0 {
		s.logger.Infof("%d source entities are themselves targets", len(overlap))
	}

	whitelist := request.RelationTypes
	if len(whitelist) == 0 && request.DiscoverRelationTypes {
		whitelist = s.DiscoverRelationTypes(ctx)
	}

	workers := request.Workers
	if workers <= 0 {
		workers = s.defaults.Workers
	}
	rounds := request.ExpansionRounds
	if rounds <= 0 {
		rounds = s.defaults.ExpansionRounds
	}

	builder := NewBuilder(s.entities, s.logger,
		WithWorkers(workers),
		WithExpansionRounds(rounds),
		WithRelationTypes(whitelist),
		WithForceRefresh(request.ForceRefresh))
	g, workingSet, err := builder.Build(ctx, seeds)
	if err != nil {
		return nil, err
	}

	mapper := NewMapper(g, s.entities, s.logger)

	result := &MappingResult{
		GeneratedAt: time.Now(),
		Targets:     make(map[string]*TargetGroup),
		Unmapped:    make([]UnmappedEntity, 0),
	}
	pathLengths := make([]int, 0, len(sources))

	for _, source := range sources {
		path := mapper.ShortestPath(source.Id, targetSet)
		if path == nil {
			result.Unmapped = append(result.Unmapped, UnmappedEntity{
				Id:     source.Id,
				Name:   source.Name,
				Type:   source.Type,
				Reason: "no path found to any target",
			})
			continue
		}

		target := targetMeta[path.TargetId]
		group, ok := result.Targets[target.Name]
		if !ok {
			group = &TargetGroup{
				TargetId:   target.Id,
				TargetName: target.Name,
				TargetType: target.Type,
			}
			result.Targets[target.Name] = group
		}
		group.Entities = append(group.Entities, MappedEntity{
			Id:         source.Id,
			Name:       source.Name,
			Type:       source.Type,
			PathLength: path.Length,
			Path:       mapper.PathDetails(path.Path),
		})
		pathLengths = append(pathLengths, path.Length)

		if path.Length > 10 {
			s.logger.Warnf("Long path (%d) for %s", path.Length, source.Name)
		}
	}

	result.Statistics = buildStatistics(len(sources), pathLengths, len(result.Unmapped), len(workingSet), len(g))
	_ = s.statsd.Timing("mapping.run", time.Since(started), nil, 1)
	s.logger.Infof("Mapped %d/%d sources (%.1f%%) in %s",
		result.Statistics.Mapped, len(sources), result.Statistics.CoveragePercent, time.Since(started))
	return result, nil
}

func (s *MappingService) resolveSources(ctx context.Context, request MappingRequest) ([]*entity.Entity, error) {
	if len(request.SourceIds) > 0 {
		sources := make([]*entity.Entity, 0, len(request.SourceIds))
		for _, id := range request.SourceIds {
			source, err := s.entities.Get(ctx, id, cache.GetOptions{ForceRefresh: request.ForceRefresh})
			if err != nil {
				return nil, err
			}
			if source == nil {
				s.logger.Warnf("Source entity %s not found, skipping", id)
				continue
			}
			sources = append(sources, source)
		}
		return sources, nil
	}
	return s.searcher.Search(ctx, request.SourceFilters)
}

func buildStatistics(total int, pathLengths []int, unmapped int, workingSet int, graphNodes int) MappingStatistics {
	stats := MappingStatistics{
		TotalSources:   total,
		Mapped:         len(pathLengths),
		Unmapped:       unmapped,
		WorkingSetSize: workingSet,
		GraphNodes:     graphNodes,
	}
	if len(pathLengths) > 0 {
		minLen, maxLen, sum := pathLengths[0], pathLengths[0], 0
		for _, l := range pathLengths {
			if l < minLen {
				minLen = l
			}
			if l > maxLen {
				maxLen = l
			}
			sum += l
		}
		stats.MinPathLength = minLen
		stats.MaxPathLength = maxLen
		stats.AvgPathLength = float64(sum) / float64(len(pathLengths))
	}
	if total > 0 {
		stats.CoveragePercent = float64(stats.Mapped) / float64(total) * 100
	}
	return stats
}
