package web

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/mimiro-io/archrepo-datalayer/internal/conf"
)

type Middleware struct {
	env *conf.Env
}

func NewMiddleware(env *conf.Env) *Middleware {
	return &Middleware{env: env}
}

// authorizer guards an endpoint with a scope check against the bearer
// token. The noop middleware lets everything through and is meant for
// the local profile only.
func (m *Middleware) authorizer(logger *zap.SugaredLogger, scope string) echo.MiddlewareFunc {
	if m.env.Auth.Middleware == "noop" {
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return next
		}
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			if !strings.HasPrefix(auth, "Bearer ") {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			tokenString := strings.TrimPrefix(auth, "Bearer ")

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, echo.NewHTTPError(http.StatusUnauthorized, "unexpected signing method")
				}
				return []byte(m.env.Auth.Secret), nil
			})
			if err != nil || !token.Valid {
				logger.Warnw("Rejected token", "error", err)
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if m.env.Auth.Audience != "" && !claims.VerifyAudience(m.env.Auth.Audience, true) {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid audience")
			}
			if m.env.Auth.Issuer != "" && !claims.VerifyIssuer(m.env.Auth.Issuer, true) {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid issuer")
			}
			if !hasScope(claims, scope) {
				return echo.NewHTTPError(http.StatusForbidden, "missing scope "+scope)
			}
			return next(c)
		}
	}
}

func hasScope(claims jwt.MapClaims, wanted string) bool {
	raw, ok := claims["scope"].(string)
	if !ok {
		return false
	}
	for _, scope := range strings.Fields(raw) {
		if scope == wanted {
			return true
		}
	}
	return false
}
