package web

import (
	"context"
	"net/http"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/mimiro-io/archrepo-datalayer/internal/conf"
)

func NewWebServer(lc fx.Lifecycle, env *conf.Env, logger *zap.SugaredLogger) *echo.Echo {
	log := logger.Named("web")
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "UP")
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Infof("Starting http server on :%s", env.Port)
			go func() {
				_ = e.Start(":" + env.Port)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("Shutting down http server")
			return e.Shutdown(ctx)
		},
	})
	return e
}

// Register wires up the common middleware: panic recovery plus request
// logging and timing.
func Register(e *echo.Echo, logger *zap.SugaredLogger, sd statsd.ClientInterface) {
	log := logger.Named("web")
	e.Use(middleware.Recover())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			took := time.Since(start)
			_ = sd.Timing("http.request", took, []string{"path:" + c.Path()}, 1)
			log.Infow("Request",
				"method", c.Request().Method,
				"uri", c.Request().RequestURI,
				"status", c.Response().Status,
				"took", took.String())
			return err
		}
	})
}
