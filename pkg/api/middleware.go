package api

import (
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"
)

const requestIDHeader = "X-Request-Id"

// requestID returns middleware that assigns every request a uuid,
// reusing the caller's X-Request-Id when present.
func requestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			id := c.Request().Header.Get(requestIDHeader)
			if id == "" {
				id = uuid.New().String()
				c.Request().Header.Set(requestIDHeader, id)
			}
			c.Response().Header().Set(requestIDHeader, id)
			return next(c)
		}
	}
}

// requestLogger returns middleware that logs one line per request with
// the request id, so typed errors correlate with access logs.
func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			err := next(c)

			status := 0
			if res, uerr := echo.UnwrapResponse(c.Response()); uerr == nil {
				status = res.Status
			}
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}
			logger.Info("HTTP request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", c.Request().Header.Get(requestIDHeader))
			return err
		}
	}
}

// recovery returns middleware that converts handler panics into 500s.
func recovery(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Handler panic",
						"panic", r,
						"path", c.Request().URL.Path,
						"request_id", c.Request().Header.Get(requestIDHeader))
					err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
				}
			}()
			return next(c)
		}
	}
}

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// corsHeaders returns middleware that answers preflight requests and
// reflects allowed origins.
func corsHeaders(origins []string) echo.MiddlewareFunc {
	allowAll := slices.Contains(origins, "*")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			origin := c.Request().Header.Get("Origin")
			if origin != "" && (allowAll || slices.Contains(origins, origin)) {
				h := c.Response().Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Vary", "Origin")
				if c.Request().Method == http.MethodOptions {
					h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
					h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Admin-Token, X-Request-Id")
					h.Set("Access-Control-Max-Age", "600")
					return c.NoContent(http.StatusNoContent)
				}
			}
			return next(c)
		}
	}
}
