package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/mimiro-io/archrepo-datalayer/internal/cache"
	"github.com/mimiro-io/archrepo-datalayer/internal/client"
	"github.com/mimiro-io/archrepo-datalayer/internal/graph"
)

type queryHandler struct {
	logger     *zap.SugaredLogger
	entities   *cache.EntityCache
	mappings   *graph.MappingService
	repository *client.RepositoryClient
}

func NewQueryHandler(lc fx.Lifecycle, e *echo.Echo, logger *zap.SugaredLogger, mw *Middleware, entities *cache.EntityCache, mappings *graph.MappingService, repository *client.RepositoryClient) {
	log := logger.Named("web")
	handler := &queryHandler{
		logger:     log,
		entities:   entities,
		mappings:   mappings,
		repository: repository,
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			e.GET("/entities/:id", handler.getEntity, mw.authorizer(log, "archrepo:r"))
			e.GET("/entities/:id/relations", handler.getRelations, mw.authorizer(log, "archrepo:r"))
			e.GET("/types/:type/entities", handler.getEntitiesByType, mw.authorizer(log, "archrepo:r"))
			e.POST("/search", handler.search, mw.authorizer(log, "archrepo:r"))
			e.POST("/mappings", handler.runMapping, mw.authorizer(log, "archrepo:r"))
			e.GET("/relationtypes", handler.relationTypes, mw.authorizer(log, "archrepo:r"))
			e.GET("/repos", handler.repos, mw.authorizer(log, "archrepo:r"))
			e.GET("/cache/stats", handler.cacheStats, mw.authorizer(log, "archrepo:r"))
			e.DELETE("/cache", handler.invalidateCache, mw.authorizer(log, "archrepo:w"))
			return nil
		},
	})
}

func (h *queryHandler) getEntity(c echo.Context) error {
	id, _ := url.QueryUnescape(c.Param("id"))

	opts := cache.GetOptions{
		ForceRefresh: c.QueryParam("refresh") == "true",
	}
	if ttl := c.QueryParam("ttl"); ttl != "" {
		opts.Ttl = time.Duration(cast.ToInt64(ttl)) * time.Second
	}

	e, err := h.entities.Get(c.Request().Context(), id, opts)
	if err != nil {
		h.logger.Warnw(err.Error(), "entity", id)
		return echo.ErrInternalServerError
	}
	if e == nil {
		return echo.ErrNotFound
	}
	return c.JSONBlob(http.StatusOK, e.Raw)
}

func (h *queryHandler) getRelations(c echo.Context) error {
	id, _ := url.QueryUnescape(c.Param("id"))
	refresh := c.QueryParam("refresh") == "true"

	relations, err := h.entities.Relationships(c.Request().Context(), id, refresh)
	if err != nil {
		h.logger.Warnw(err.Error(), "entity", id)
		return echo.ErrInternalServerError
	}
	raws := make([]json.RawMessage, 0, len(relations))
	for _, rel := range relations {
		raws = append(raws, rel.Raw)
	}
	return c.JSON(http.StatusOK, raws)
}

func (h *queryHandler) getEntitiesByType(c echo.Context) error {
	entityType, _ := url.QueryUnescape(c.Param("type"))
	refresh := c.QueryParam("refresh") == "true"

	entities, err := h.entities.EntitiesByType(c.Request().Context(), entityType, refresh)
	if err != nil {
		h.logger.Warnw(err.Error(), "type", entityType)
		return echo.ErrInternalServerError
	}
	raws := make([]json.RawMessage, 0, len(entities))
	for _, e := range entities {
		raws = append(raws, e.Raw)
	}
	return c.JSON(http.StatusOK, raws)
}

type searchRequest struct {
	Filters []client.Filter `json:"filters"`
}

func (h *queryHandler) search(c echo.Context) error {
	request := &searchRequest{}
	if err := c.Bind(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not parse the search payload")
	}
	if len(request.Filters) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "search needs at least one filter")
	}

	entities, err := h.repository.Search(c.Request().Context(), request.Filters)
	if err != nil {
		h.logger.Warnw(err.Error(), "filters", request.Filters)
		return echo.ErrInternalServerError
	}
	raws := make([]json.RawMessage, 0, len(entities))
	for _, e := range entities {
		raws = append(raws, e.Raw)
	}
	return c.JSON(http.StatusOK, raws)
}

func (h *queryHandler) runMapping(c echo.Context) error {
	request := graph.MappingRequest{}
	if err := c.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not parse the mapping payload")
	}
	if len(request.TargetIds) == 0 || (len(request.SourceIds) == 0 && len(request.SourceFilters) == 0) {
		return echo.NewHTTPError(http.StatusBadRequest, "mapping needs targetIds and sourceIds or sourceFilters")
	}

	result, err := h.mappings.Run(c.Request().Context(), request)
	if err != nil {
		h.logger.Warnw(err.Error(), "targets", request.TargetIds)
		return echo.ErrInternalServerError
	}
	return c.JSON(http.StatusOK, result)
}

func (h *queryHandler) relationTypes(c echo.Context) error {
	types := h.mappings.DiscoverRelationTypes(c.Request().Context())
	return c.JSON(http.StatusOK, map[string][]string{"relationTypes": types})
}

func (h *queryHandler) repos(c echo.Context) error {
	repos, err := h.repository.Repos(c.Request().Context())
	if err != nil {
		h.logger.Warn(err.Error())
		return echo.ErrInternalServerError
	}
	return c.JSON(http.StatusOK, repos)
}

func (h *queryHandler) cacheStats(c echo.Context) error {
	stats, err := h.entities.Stats()
	if err != nil {
		h.logger.Warn(err.Error())
		return echo.ErrInternalServerError
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *queryHandler) invalidateCache(c echo.Context) error {
	var olderThan *time.Time
	if raw := c.QueryParam("olderThan"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "olderThan must be RFC3339")
		}
		olderThan = &parsed
	}
	if err := h.entities.Invalidate(olderThan); err != nil {
		h.logger.Warn(err.Error())
		return echo.ErrInternalServerError
	}
	return c.NoContent(http.StatusNoContent)
}
