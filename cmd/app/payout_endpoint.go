package main

import (
	"net/http"

	"MarketplaceAPI/external/chapa"
	"MarketplaceAPI/internal/middleware"
	"MarketplaceAPI/internal/services"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

func registerPayoutRoutes(g *echo.Group, app *application) {
	p := g.Group("/payouts",
		middleware.NoStore,
		middleware.FeatureGate(app.cfg.PayoutsEnabled, "Payouts are"),
	)

	signed := func(handle func(c echo.Context, body []byte, sigs ...string) (*services.PayoutResult, error)) echo.HandlerFunc {
		return func(c echo.Context) error {
			body, err := readRawBody(c)
			if err != nil {
				return c.JSON(http.StatusBadRequest, echo.Map{"error": "unreadable body"})
			}
			h := c.Request().Header
			res, err := handle(c, body, h.Get(chapa.SignatureHeader), h.Get(chapa.LegacySignatureHeader))
			if err != nil {
				return respondError(c, app.log, err)
			}
			return c.JSON(http.StatusOK, echo.Map{
				"status":    res.Status,
				"reference": res.Reference,
			})
		}
	}

	// ============================
	// PROVIDER CALLBACKS
	// (NO JWT, signed body)
	// ============================
	p.POST("/approval", signed(func(c echo.Context, body []byte, sigs ...string) (*services.PayoutResult, error) {
		return app.payouts.Approve(c.Request().Context(), body, sigs...)
	}), echomw.BodyLimit("64K"))

	p.POST("/webhook", signed(func(c echo.Context, body []byte, sigs ...string) (*services.PayoutResult, error) {
		return app.payouts.HandleWebhook(c.Request().Context(), body, sigs...)
	}), echomw.BodyLimit("64K"))

	// ============================
	// ADMIN
	// ============================
	admin := []echo.MiddlewareFunc{app.auth.JWTMiddleware(), middleware.AdminOnly}

	p.GET("/banks", func(c echo.Context) error {
		banks, err := app.payouts.ListBanks(c.Request().Context(), middleware.RequestContext(c))
		if err != nil {
			return respondError(c, app.log, err)
		}
		return c.JSON(http.StatusOK, banks)
	}, admin...)

	p.POST("", func(c echo.Context) error {
		var req services.CreatePayoutRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payload"})
		}
		payout, err := app.payouts.Create(c.Request().Context(), middleware.RequestContext(c), req)
		if err != nil {
			return respondError(c, app.log, err)
		}
		return c.JSON(http.StatusCreated, payout)
	}, admin...)

	p.GET("/:reference", func(c echo.Context) error {
		payout, err := app.payouts.Get(c.Request().Context(), middleware.RequestContext(c), c.Param("reference"))
		if err != nil {
			return respondError(c, app.log, err)
		}
		return c.JSON(http.StatusOK, payout)
	}, admin...)
}
