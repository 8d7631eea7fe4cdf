package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// NoStore marks every response as uncacheable and sets the basic
// hardening headers expected on payment endpoints.
func NoStore(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := c.Response().Header()
		h.Set("Cache-Control", "no-store")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		return next(c)
	}
}

// FeatureGate answers 503 while a feature is switched off.
func FeatureGate(enabled bool, feature string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !enabled {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{
					"error": feature + " coming soon",
				})
			}
			return next(c)
		}
	}
}
