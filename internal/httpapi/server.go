package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/scanledger/internal/gateway/stripe"
	"github.com/MarkoPoloResearchLab/scanledger/internal/observability"
	"github.com/MarkoPoloResearchLab/scanledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/scanledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/scanledger/pkg/ledger"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Run opens the configured store and serves HTTP until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("zap init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, closeStore, err := OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeStore(); closeErr != nil {
			logger.Warn("store close error", zap.Error(closeErr))
		}
	}()

	registry := prometheus.NewRegistry()
	metrics, err := observability.NewMetricsOperationLogger(registry)
	if err != nil {
		return fmt.Errorf("metrics init: %w", err)
	}
	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := ledger.NewService(store, clock, ledger.WithOperationLogger(ledger.MultiOperationLogger{
		observability.NewZapOperationLogger(logger),
		metrics,
	}))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	gateway, err := stripe.NewClient(cfg.StripeSecretKey, cfg.StripeAPIBaseURL, nil)
	if err != nil {
		return fmt.Errorf("stripe client: %w", err)
	}
	verifier, err := stripe.NewVerifier(cfg.StripeWebhookSecret, cfg.WebhookTolerance, nil)
	if err != nil {
		return fmt.Errorf("stripe verifier: %w", err)
	}

	router, err := NewRouter(cfg, Dependencies{
		Ledger:   service,
		Gateway:  gateway,
		Verifier: verifier,
		Gatherer: registry,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("router: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: cfg.RequestTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("scanledger listening", zap.String("addr", cfg.ListenAddr), zap.String("store", cfg.StoreDriver))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// OpenStore opens the ledger store selected by cfg.StoreDriver and prepares
// its schema.
func OpenStore(ctx context.Context, cfg Config) (ledger.Store, func() error, error) {
	switch cfg.StoreDriver {
	case StoreDriverPgx:
		if err := pgstore.RunMigrations(cfg.DatabaseURL); err != nil {
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("pgx pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pgx ping: %w", err)
		}
		return pgstore.New(pool), func() error { pool.Close(); return nil }, nil
	default:
		db, cleanup, _, err := gormstore.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database open: %w", err)
		}
		if err := gormstore.AutoMigrate(ctx, db); err != nil {
			_ = cleanup()
			return nil, nil, err
		}
		return gormstore.New(db), cleanup, nil
	}
}
