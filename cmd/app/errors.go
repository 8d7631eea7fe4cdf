package main

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"MarketplaceAPI/external/chapa"
	"MarketplaceAPI/internal/services"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// respondError maps service errors onto status codes. Provider and storage
// details are logged, never returned.
func respondError(c echo.Context, log *zap.Logger, err error) error {
	var (
		verr   *services.ValidationError
		cfgErr *services.ConfigurationError
		rlErr  *services.RateLimitError
		gwErr  *chapa.GatewayError
	)

	reqLog := log.With(
		zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
		zap.String("path", c.Path()),
	)

	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": verr.Message})

	case errors.Is(err, services.ErrUnauthenticated):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthenticated"})

	case errors.Is(err, services.ErrInvalidSignature):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid signature"})

	case errors.Is(err, services.ErrForbidden):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})

	case errors.Is(err, services.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not found"})

	case errors.Is(err, services.ErrAmountMismatch):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "amount mismatch"})

	case errors.Is(err, services.ErrMissingReference):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "missing reference"})

	case errors.Is(err, services.ErrIdempotencyInProgress),
		errors.Is(err, services.ErrRefundNotAllowed),
		errors.Is(err, services.ErrTerminalStatus):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})

	case errors.As(err, &rlErr):
		secs := int(math.Ceil(rlErr.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		h := c.Response().Header()
		h.Set("Retry-After", strconv.Itoa(secs))
		h.Set("X-RateLimit-Limit", strconv.Itoa(rlErr.Limit))
		h.Set("X-RateLimit-Remaining", "0")
		h.Set("X-RateLimit-Reset", strconv.FormatInt(rlErr.ResetAt.Unix(), 10))
		return c.JSON(http.StatusTooManyRequests, echo.Map{
			"error":      "too many requests",
			"retryAfter": secs,
		})

	case errors.As(err, &cfgErr), errors.Is(err, chapa.ErrNotConfigured):
		reqLog.Error("configuration error", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "payment provider not configured"})

	case errors.Is(err, services.ErrUpstreamUnavailable):
		reqLog.Warn("provider unavailable", zap.Error(err))
		return c.JSON(http.StatusBadGateway, echo.Map{"error": "payment provider unavailable"})

	case errors.Is(err, services.ErrStorageUnavailable):
		reqLog.Error("storage unavailable", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "temporarily unavailable"})

	case errors.As(err, &gwErr):
		reqLog.Warn("gateway error",
			zap.Int("provider_status", gwErr.StatusCode),
			zap.String("provider_message", gwErr.Message),
			zap.Any("provider_body", gwErr.Body),
		)
		return c.JSON(gatewayStatus(gwErr.StatusCode), echo.Map{"error": "payment provider rejected the request"})
	}

	reqLog.Error("unhandled error", zap.Error(err))
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}

func gatewayStatus(provider int) int {
	switch {
	case provider == http.StatusUnauthorized, provider == http.StatusForbidden,
		provider == http.StatusTooManyRequests, provider == http.StatusServiceUnavailable:
		return http.StatusServiceUnavailable
	case provider >= 500:
		return http.StatusBadGateway
	case provider >= 400:
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}
