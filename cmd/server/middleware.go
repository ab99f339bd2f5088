package main

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

// newServer builds the echo instance with the middleware chain
// recovery -> cors -> tracing -> logging -> auth -> routes.
func newServer(h *handler, apiKey string, corsOrigins []string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			slog.Error("panic recovered",
				"error", fmt.Sprintf("%v", err),
				"path", c.Request().URL.Path,
				"stack", string(stack),
			)
			return err
		},
	}))
	if len(corsOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: corsOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
			MaxAge:       86400,
		}))
	}
	e.Use(otelecho.Middleware("nlquery"))
	e.Use(logMiddleware())
	e.Use(authMiddleware(apiKey))

	h.register(e)
	return e
}

// logMiddleware logs each request with method, path, status, and duration.
func logMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}
			slog.Info("request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"duration", time.Since(start).Round(time.Millisecond),
				"remote", c.RealIP(),
			)
			return nil
		}
	}
}

// authMiddleware checks for a valid API key in the Authorization header.
// If apiKey is empty, authentication is disabled (development mode).
func authMiddleware(apiKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if apiKey == "" {
			return next
		}
		return func(c echo.Context) error {
			if c.Path() == "/health" {
				return next(c)
			}
			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				return writeError(c, http.StatusUnauthorized, "unauthorized")
			}
			return next(c)
		}
	}
}
