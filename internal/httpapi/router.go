package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/scanledger/internal/credits"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Dependencies are the collaborators the router serves.
type Dependencies struct {
	Ledger   credits.Ledger
	Gateway  credits.PaymentGateway
	Verifier credits.SignatureVerifier
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewRouter builds the controllers and mounts every route.
func NewRouter(cfg Config, deps Dependencies) (*gin.Engine, error) {
	handler, err := newHTTPHandler(cfg, deps)
	if err != nil {
		return nil, err
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	authenticator, err := newSessionAuthenticator(cfg)
	if err != nil {
		return nil, err
	}
	return setupRouter(cfg, handler, authenticator, gatherer), nil
}

func newHTTPHandler(cfg Config, deps Dependencies) (*httpHandler, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	policy, err := credits.NewAdminPolicy(cfg.AdminEmails)
	if err != nil {
		return nil, err
	}
	webhooks, err := credits.NewWebhookController(deps.Ledger, deps.Verifier, deps.Gateway, logger)
	if err != nil {
		return nil, err
	}
	admin, err := credits.NewAdminController(deps.Ledger, policy, credits.AdminConfig{
		DeltaCeiling:    cfg.AdminDeltaCeiling,
		ReasonMaxLength: cfg.ReasonMaxLength,
	}, logger)
	if err != nil {
		return nil, err
	}
	refunds, err := credits.NewRefundController(deps.Ledger, deps.Gateway, policy, credits.RefundConfig{
		ReasonMaxLength: cfg.ReasonMaxLength,
	}, logger)
	if err != nil {
		return nil, err
	}
	consumption, err := credits.NewConsumptionController(deps.Ledger)
	if err != nil {
		return nil, err
	}
	statements, err := credits.NewStatementController(deps.Ledger, policy)
	if err != nil {
		return nil, fmt.Errorf("statement controller: %w", err)
	}
	return &httpHandler{
		logger:      logger,
		cfg:         cfg,
		webhooks:    webhooks,
		admin:       admin,
		refunds:     refunds,
		consumption: consumption,
		statements:  statements,
	}, nil
}

func setupRouter(cfg Config, handler *httpHandler, authenticator *sessionAuthenticator, gatherer prometheus.Gatherer) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	router.POST("/webhooks/stripe", handler.handleStripeWebhook)

	api := router.Group("/api")
	api.Use(authenticator.middleware())
	api.GET("/account", handler.handleAccount)
	api.POST("/scans/unlock", handler.handleUnlock)

	admin := api.Group("/admin")
	admin.POST("/credits", handler.handleAdminCredits)
	admin.POST("/refunds/credit-pack", handler.handleCreditPackRefund)
	admin.POST("/refunds/unlock", handler.handleUnlockRefund)
	admin.GET("/accounts/:email/ledger", handler.handleLedgerAudit)

	return router
}
