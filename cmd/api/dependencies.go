package api

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/forkful/forkful-billing-api/internal/domain/billingevents"
	"github.com/forkful/forkful-billing-api/internal/domain/catalog"
	"github.com/forkful/forkful-billing-api/internal/domain/entitlement"
	"github.com/forkful/forkful-billing-api/internal/domain/monetization"
	"github.com/forkful/forkful-billing-api/internal/domain/subscription"
	"github.com/forkful/forkful-billing-api/internal/platform/gateway"
	"github.com/forkful/forkful-billing-api/internal/platform/receipts"
	"github.com/forkful/forkful-billing-api/pkg/config"
	"github.com/forkful/forkful-billing-api/pkg/db"
)

// Dependencies holds all application dependencies
type Dependencies struct {
	Config *config.Config
	DB     *db.DB
	Logger *slog.Logger

	Catalog *catalog.Catalog

	// Repositories
	SubscriptionRepo subscription.Repository
	AttributionRepo  monetization.AttributionRepository
	RevenueRepo      monetization.RevenueRecorder

	// Platform clients
	Gateway        gateway.Client
	AppleVerifier  receipts.Verifier
	GoogleVerifier receipts.Verifier

	// Services
	Dispatcher          *monetization.Dispatcher
	SubscriptionService *subscription.ServiceImpl
	EntitlementService  *entitlement.ServiceImpl
	ReconcilerService   billingevents.Service
}

// InitDependencies initializes all application dependencies
func InitDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config:  cfg,
		Logger:  logger,
		Catalog: catalog.Default(),
	}

	if err := deps.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to init database: %w", err)
	}
	deps.initRepositories()
	deps.initPlatformClients()
	deps.initServices()

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDatabase initializes the database connection and runs migrations
func (d *Dependencies) initDatabase() error {
	database, err := db.New(db.Config{
		DSN:             d.Config.Database.DSN(),
		MaxConns:        25,
		MinConns:        5,
		MaxConnLifetime: 5 * time.Minute,
		MaxConnIdleTime: 10 * time.Minute,
	}, d.Logger)
	if err != nil {
		return err
	}
	d.DB = database

	if err := d.DB.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	d.Logger.Info("database connected and migrations completed successfully")
	return nil
}

func (d *Dependencies) initRepositories() {
	d.SubscriptionRepo = subscription.NewPostgresRepository(d.DB.Pool, d.Logger)
	d.AttributionRepo = monetization.NewPostgresAttributionRepository(d.DB.Pool, d.Logger)
	d.RevenueRepo = monetization.NewPostgresRevenueRepository(d.DB.Pool, d.Catalog, d.Logger)
	d.Logger.Info("repositories initialized")
}

func (d *Dependencies) initPlatformClients() {
	d.Gateway = gateway.NewStripeClient(d.Config.Stripe.SecretKey, d.Config.Stripe.WebhookSecret, d.Logger)
	d.AppleVerifier = receipts.NewAppleClient(
		d.Config.Receipts.AppleVerifyURL,
		d.Config.Receipts.AppleSandboxVerifyURL,
		d.Config.Receipts.AppleSharedSecret,
		d.Config.Receipts.RequestTimeout,
		d.Logger,
	)
	d.GoogleVerifier = receipts.NewGoogleClient(
		d.Config.Receipts.GoogleVerifyURL,
		"com.forkful.app",
		d.Config.Receipts.GoogleAPIKey,
		d.Config.Receipts.RequestTimeout,
		d.Logger,
	)
	d.Logger.Info("platform clients initialized")
}

func (d *Dependencies) initServices() {
	d.Dispatcher = monetization.NewDispatcher(d.AttributionRepo, d.RevenueRepo, d.Logger)

	// The subscription and entitlement services reference each other through
	// narrow interfaces: the resolver reads through the state manager, the
	// state manager invalidates the resolver's cache.
	d.SubscriptionService = subscription.NewService(d.SubscriptionRepo, d.Catalog, d.Dispatcher, nil, d.Logger)
	d.EntitlementService = entitlement.NewService(d.SubscriptionService, d.Catalog, d.Logger)
	d.SubscriptionService.SetInvalidator(d.EntitlementService)

	d.ReconcilerService = billingevents.NewService(
		d.SubscriptionService,
		d.Catalog,
		d.Gateway,
		d.AppleVerifier,
		d.GoogleVerifier,
		d.Logger,
	)

	d.Logger.Info("services initialized")
}
