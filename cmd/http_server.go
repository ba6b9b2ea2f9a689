package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/vendora/payment-core/internal"
	"github.com/vendora/payment-core/internal/core/events"
	"github.com/vendora/payment-core/internal/gateway"
	"github.com/vendora/payment-core/internal/payment"
	paymentstore "github.com/vendora/payment-core/internal/payment/postgres"
	"github.com/vendora/payment-core/internal/transport"
	"github.com/vendora/payment-core/internal/transport/rest"
	"github.com/vendora/payment-core/pkg/logger"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server to handle payment and webhook requests`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

type Dependencies struct {
	Config     *internal.Config
	DB         *sqlx.DB
	Handler    http.Handler
	Reconciler *payment.Reconciler
	Logger     *slog.Logger
}

func startHTTPServer() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}

	if deps.Config.Reconciliation.Enabled {
		deps.Reconciler.Start()
	}

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	deps.Logger.Info("starting HTTP server", "address", addr)

	server := &http.Server{
		Addr:              addr,
		Handler:           deps.Handler,
		ReadHeaderTimeout: deps.Config.Server.ReadHeaderTimeout,
		ReadTimeout:       deps.Config.Server.ReadTimeout,
		WriteTimeout:      deps.Config.Server.WriteTimeout,
		IdleTimeout:       deps.Config.Server.IdleTimeout,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		deps.Logger.Info("received signal, shutting down", "signal", sig)

		deps.Reconciler.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			deps.Logger.Error("server shutdown error", "error", err)
		}
		if deps.DB != nil {
			if err := deps.DB.Close(); err != nil {
				deps.Logger.Error("database close error", "error", err)
			}
		}
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			deps.Logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}

	deps.Logger.Info("server stopped")
}

func initializeDependencies() (*Dependencies, error) {
	config, err := loadConfig(".")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.Init(os.Getenv("APP_ENV"))
	log := logger.L()

	var (
		db    *sqlx.DB
		store payment.Store
		dedup payment.EventDedup
	)

	if config.Database.Enabled() {
		db, err = initDB(config.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}

		gormDB, err := initGorm(db)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize orm: %w", err)
		}

		store = paymentstore.NewPaymentRepository(gormDB)
		dedup = paymentstore.NewDedupRepository(gormDB)
	} else {
		log.Warn("no database configured, using in-memory ledger")
		store = payment.NewMemoryStore()
		dedup = payment.NewMemoryDedup()
	}

	var (
		registry *prometheus.Registry
		metrics  *payment.Metrics
	)
	if config.Observability.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		metrics = payment.NewMetrics(registry)
	}

	eventBus := events.NewEventBus(log)

	gatewayClient := gateway.NewClient(gateway.Config{
		BaseURL:       config.Gateway.BaseURL,
		APIKey:        config.Gateway.APIKey,
		WebhookSecret: config.Gateway.WebhookSecret,
		CallbackURL:   config.Gateway.CallbackURL,
		Timeout:       config.Gateway.Timeout,
	}, log)

	service := payment.NewService(store, gatewayClient, eventBus, payment.Config{
		EnabledMethods:  config.Payments.EnabledMethods,
		DefaultCurrency: config.Payments.DefaultCurrency,
		GatewayTimeout:  config.Gateway.Timeout,
	}, metrics, log)

	reconciler := payment.NewReconciler(service, eventBus, payment.ReconcilerConfig{
		Interval:       config.Reconciliation.Interval,
		MaxRetries:     config.Reconciliation.MaxRetries,
		RetryDelay:     config.Reconciliation.RetryDelay,
		StaleThreshold: config.Reconciliation.StaleThreshold,
		CandidateDelay: config.Reconciliation.CandidateDelay,
	}, metrics, log)

	notifier := payment.NewOrderNotifier(log)
	notifier.RegisterEventHandlers(eventBus)

	baseHandler := transport.NewBaseHandler(log)
	paymentHandler := payment.NewHandler(baseHandler, service, reconciler, log)
	webhookHandler := payment.NewWebhookHandler(baseHandler, service, gatewayClient, dedup, eventBus, metrics, log)

	routerDeps := rest.RouterDeps{
		PaymentHandler:  paymentHandler,
		WebhookHandler:  webhookHandler,
		MetricsRegistry: registry,
		Logger:          log,
	}
	if db != nil {
		routerDeps.DB = db.DB
	}

	return &Dependencies{
		Config:     config,
		DB:         db,
		Handler:    rest.NewRouter(routerDeps),
		Reconciler: reconciler,
		Logger:     log,
	}, nil
}

// initDB opens the sqlx pool used for health checks and goose migrations.
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbConn, nil
}

// initGorm wraps the existing pgx pool so the repositories share one set of
// connections with the health checker.
func initGorm(db *sqlx.DB) (*gorm.DB, error) {
	return gorm.Open(gormpostgres.New(gormpostgres.Config{
		Conn: db.DB,
	}), &gorm.Config{})
}
