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

	"github.com/go-chi/chi"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/dmpolin/connect-billing/internal"
	"github.com/dmpolin/connect-billing/internal/billing"
	billingpostgres "github.com/dmpolin/connect-billing/internal/billing/postgres"
	"github.com/dmpolin/connect-billing/internal/core/events"
	"github.com/dmpolin/connect-billing/internal/entitlement"
	entitlementpostgres "github.com/dmpolin/connect-billing/internal/entitlement/postgres"
	"github.com/dmpolin/connect-billing/internal/gateway"
	"github.com/dmpolin/connect-billing/internal/network"
	"github.com/dmpolin/connect-billing/internal/scheduler"
	"github.com/dmpolin/connect-billing/internal/transport"
	"github.com/dmpolin/connect-billing/internal/transport/rest"
	"github.com/dmpolin/connect-billing/pkg/logger"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server handling payment initiation, gateway webhooks and entitlement lookups, with the periodic jobs attached.`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

type Dependencies struct {
	Config   *internal.Config
	DB       *sqlx.DB
	GormDB   *gorm.DB
	Router   *chi.Mux
	EventBus *events.EventBus
	Runner   *scheduler.Runner
	Logger   *slog.Logger

	BillingHandler     *billing.Handler
	WebhookHandler     *billing.WebhookHandler
	EntitlementHandler *entitlement.Handler
}

func startHTTPServer() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}

	rest.RegisterAllRoutes(deps.Router, deps.DB.DB, deps.BillingHandler, deps.WebhookHandler, deps.EntitlementHandler, deps.Logger)

	if deps.Config.Scheduler.Enabled {
		deps.Runner.Start(context.Background())
	}

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	deps.Logger.Info("starting HTTP server", "address", addr)

	server := &http.Server{
		Addr:              addr,
		Handler:           deps.Router,
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
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			deps.Logger.Error("server shutdown error", "error", err)
		}
		deps.Runner.Stop()
		deps.EventBus.Close()
		if err := deps.DB.Close(); err != nil {
			deps.Logger.Error("database close error", "error", err)
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

	logger.Init(config.Observability.Logging.Format, config.Observability.Logging.Level)
	lg := logger.LoggerWrapper()

	db, err := initDB(config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	gormDB, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: db.DB}), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize orm: %w", err)
	}

	eventBus := events.NewEventBus(lg)

	deps := &Dependencies{
		Config:   config,
		Logger:   lg,
		DB:       db,
		GormDB:   gormDB,
		Router:   chi.NewRouter(),
		EventBus: eventBus,
	}

	buildCore(deps)
	return deps, nil
}

// buildCore wires repositories, services, handlers and periodic jobs.
func buildCore(deps *Dependencies) {
	cfg := deps.Config
	lg := deps.Logger

	paymentRepo := billingpostgres.NewPaymentRepository(deps.GormDB)
	subscriptionRepo := entitlementpostgres.NewSubscriptionRepository(deps.GormDB)
	planRepo := entitlementpostgres.NewPlanRepository(deps.GormDB)
	customerRepo := entitlementpostgres.NewCustomerRepository(deps.GormDB)

	enforcer := network.NewEnforcer(cfg.Router.Enabled, cfg.Router.DryRun, lg)
	enforcer.Register("hotspot", network.NewHotspotAdapter(network.RouterOSConn{
		Address:  cfg.Router.Hotspot.Address(),
		Username: cfg.Router.Hotspot.Username,
		Password: cfg.Router.Hotspot.Password,
		Timeout:  cfg.Router.Hotspot.Timeout,
	}, lg))
	enforcer.Register("pppoe", network.NewPPPoEAdapter(network.RouterOSConn{
		Address:  cfg.Router.PPPoE.Address(),
		Username: cfg.Router.PPPoE.Username,
		Password: cfg.Router.PPPoE.Password,
		Timeout:  cfg.Router.PPPoE.Timeout,
	}, lg))

	gatewayClient := gateway.NewClient(gateway.Config{
		BaseURL:        cfg.Gateway.BaseURL(),
		ConsumerKey:    cfg.Gateway.ConsumerKey,
		ConsumerSecret: cfg.Gateway.ConsumerSecret,
		Shortcode:      cfg.Gateway.Shortcode,
		Passkey:        cfg.Gateway.Passkey,
		CallbackURL:    cfg.Gateway.CallbackURL,
		TimeoutURL:     cfg.Gateway.TimeoutURL,
		AccountRef:     cfg.Gateway.AccountRef,
		TxDescription:  cfg.Gateway.TxDescription,
		RequestTimeout: cfg.Gateway.RequestTimeout,
	}, lg)

	entitlementService := entitlement.NewService(
		subscriptionRepo, planRepo, customerRepo, paymentRepo, enforcer, deps.EventBus, lg)

	billingService := billing.NewService(
		paymentRepo, entitlementService, gatewayClient, deps.EventBus, lg)

	reconciler := billing.NewReconciler(paymentRepo, gatewayClient, billingService, billing.ReconcilerConfig{
		GracePeriod: cfg.Scheduler.ReconcileGracePeriod,
		HardCutoff:  cfg.Scheduler.ReconcileHardCutoff,
		MaxAttempts: cfg.Scheduler.ReconcileMaxAttempts,
		BatchLimit:  cfg.Scheduler.BatchLimit,
	}, lg)

	sweeper := billing.NewSweeper(paymentRepo, billingService, billing.SweeperConfig{
		MaxAttempts: cfg.Scheduler.SweepMaxAttempts,
		BatchLimit:  cfg.Scheduler.BatchLimit,
	}, lg)

	expiry := scheduler.NewExpiryEnforcer(
		subscriptionRepo, enforcer, deps.EventBus, lg, scheduler.RealClock(), cfg.Scheduler.BatchLimit)

	runner := scheduler.NewRunner(lg)
	runner.Register("entitlement-expiry", cfg.Scheduler.ExpiryInterval, expiry.Run)
	runner.Register("payment-reconcile", cfg.Scheduler.ReconcileInterval, reconciler.Run)
	runner.Register("activation-sweep", cfg.Scheduler.SweepInterval, sweeper.Run)
	deps.Runner = runner

	deps.BillingHandler = billing.NewHandler(billingService)
	deps.WebhookHandler = billing.NewWebhookHandler(transport.NewBaseHandler(lg), billingService, lg)
	deps.EntitlementHandler = entitlement.NewHandler(entitlementService)
}

// initDB initializes the database connection
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbConn, nil
}
