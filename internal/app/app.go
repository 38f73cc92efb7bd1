package app

import (
	"context"

	"go.uber.org/fx"

	"github.com/mimiro-io/archrepo-datalayer/internal/cache"
	"github.com/mimiro-io/archrepo-datalayer/internal/client"
	"github.com/mimiro-io/archrepo-datalayer/internal/conf"
	"github.com/mimiro-io/archrepo-datalayer/internal/graph"
	"github.com/mimiro-io/archrepo-datalayer/internal/security"
	"github.com/mimiro-io/archrepo-datalayer/internal/store"
	"github.com/mimiro-io/archrepo-datalayer/internal/web"
)

func wire() *fx.App {
	app := fx.New(
		fx.Provide(
			conf.NewEnv,
			conf.NewLogger,
			conf.NewStatsd,
			security.NewRequestSigner,
			client.NewRepositoryClient,
			store.NewCacheStore,
			cache.NewEntityCache,
			graph.NewMappingService,
			web.NewWebServer,
			web.NewMiddleware,
		),
		fx.Invoke(
			store.NewJanitor,
			web.Register,
			web.NewQueryHandler,
		),
	)
	return app
}

func Run() {
	wire().Run()
}

func Start(ctx context.Context) (*fx.App, error) {
	app := wire()
	err := app.Start(ctx)
	return app, err
}
