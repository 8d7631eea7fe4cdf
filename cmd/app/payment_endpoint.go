package main

import (
	"io"
	"net/http"

	"MarketplaceAPI/external/chapa"
	"MarketplaceAPI/internal/middleware"
	"MarketplaceAPI/internal/model"
	"MarketplaceAPI/internal/services"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

const maxWebhookBody = 64 << 10

func readRawBody(c echo.Context) ([]byte, error) {
	return io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
}

func registerPaymentRoutes(g *echo.Group, app *application) {
	p := g.Group("/payments", middleware.NoStore)
	paymentsOn := middleware.FeatureGate(app.cfg.PaymentsEnabled, "Payments are")
	subscriptionsOn := middleware.FeatureGate(app.cfg.SubscriptionsEnabled, "Subscriptions are")
	jwt := app.auth.JWTMiddleware()

	// ============================
	// CHAPA WEBHOOK
	// (NO JWT, signed body)
	// ============================
	p.POST("/webhook", func(c echo.Context) error {
		body, err := readRawBody(c)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "unreadable body"})
		}
		h := c.Request().Header
		res, err := app.reconcile.HandleWebhook(
			c.Request().Context(),
			body,
			h.Get(chapa.SignatureHeader),
			h.Get(chapa.LegacySignatureHeader),
		)
		if err != nil {
			return respondError(c, app.log, err)
		}
		return c.JSON(http.StatusOK, res)
	}, echomw.BodyLimit("64K"))

	// Callback mode that arrives as GET with query parameters.
	p.GET("/webhook", func(c echo.Context) error {
		res, err := app.reconcile.HandleWebhookQuery(
			c.Request().Context(),
			middleware.RequestContext(c),
			c.QueryParam("tx_ref"),
			c.QueryParam("trx_ref"),
			c.QueryParam("status"),
		)
		if err != nil {
			return respondError(c, app.log, err)
		}
		return c.JSON(http.StatusOK, res)
	})

	// ============================
	// VERIFY
	// (JWT optional)
	// ============================
	verify := func(c echo.Context, txRef string) error {
		res, err := app.reconcile.Verify(c.Request().Context(), middleware.RequestContext(c), txRef)
		if err != nil {
			return respondError(c, app.log, err)
		}
		return c.JSON(http.StatusOK, res)
	}
	p.GET("/verify", func(c echo.Context) error {
		return verify(c, c.QueryParam("tx_ref"))
	}, paymentsOn, app.auth.OptionalJWT())
	p.POST("/verify", func(c echo.Context) error {
		var req struct {
			TxRef string `json:"tx_ref"`
		}
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payload"})
		}
		return verify(c, req.TxRef)
	}, paymentsOn, app.auth.OptionalJWT())

	// ============================
	// INITIALIZE
	// (JWT protected)
	// ============================
	p.POST("/initialize", func(c echo.Context) error {
		var req services.InitializeRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payload"})
		}
		res, err := app.payments.Initialize(c.Request().Context(), middleware.RequestContext(c), req)
		if err != nil {
			return respondError(c, app.log, err)
		}
		status := http.StatusCreated
		if res.Cached {
			status = http.StatusOK
		}
		return c.JSON(status, res)
	}, paymentsOn, jwt)

	p.POST("/subscriptions/checkout", func(c echo.Context) error {
		var req services.SubscriptionCheckoutRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payload"})
		}
		res, err := app.payments.SubscriptionCheckout(c.Request().Context(), middleware.RequestContext(c), req)
		if err != nil {
			return respondError(c, app.log, err)
		}
		status := http.StatusCreated
		if res.Cached {
			status = http.StatusOK
		}
		return c.JSON(status, res)
	}, subscriptionsOn, jwt)

	// ============================
	// ADMIN
	// ============================
	p.POST("/refund", func(c echo.Context) error {
		var req services.RefundRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payload"})
		}
		res, err := app.refunds.Refund(c.Request().Context(), middleware.RequestContext(c), req)
		if err != nil {
			return respondError(c, app.log, err)
		}
		return c.JSON(http.StatusOK, res)
	}, paymentsOn, jwt, middleware.AdminOnly)

	p.PUT("/plans/:id", func(c echo.Context) error {
		var plan model.Plan
		if err := c.Bind(&plan); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payload"})
		}
		plan.ID = c.Param("id")
		if err := app.subscriptions.SavePlan(c.Request().Context(), middleware.RequestContext(c), &plan); err != nil {
			return respondError(c, app.log, err)
		}
		return c.JSON(http.StatusOK, plan)
	}, jwt, middleware.AdminOnly)

	p.GET("/:id", func(c echo.Context) error {
		payment, err := app.payments.GetPayment(c.Request().Context(), middleware.RequestContext(c), c.Param("id"))
		if err != nil {
			return respondError(c, app.log, err)
		}
		return c.JSON(http.StatusOK, payment)
	}, jwt)
}
