package sections

import (
	"pettag-backend/common"
	"pettag-backend/db"
	"pettag-backend/jobs"
	"pettag-backend/metrics"
	"pettag-backend/registry"
	"pettag-backend/sections/models"
	"pettag-backend/services"
	"pettag-backend/storage"
)

// Dependencies holds all shared dependencies for handlers
type Dependencies struct {
	Config     *common.Config
	DB         *db.DB
	Redis      *storage.RedisClient // nil when Redis is not configured
	Store      *registry.Store
	Manager    *registry.Manager
	Engine     *registry.Engine
	Reconciler *registry.Reconciler
	Gateways   *services.Gateways
	Stripe     *services.StripeService
	PayPal     *services.PayPalService
	Metrics    *metrics.Metrics
	Scheduler  *jobs.Scheduler
}

// NewDependencies creates a new Dependencies instance
func NewDependencies(
	cfg *common.Config,
	database *db.DB,
	redis *storage.RedisClient,
	store *registry.Store,
	manager *registry.Manager,
	engine *registry.Engine,
	reconciler *registry.Reconciler,
	stripeSvc *services.StripeService,
	paypalSvc *services.PayPalService,
	m *metrics.Metrics,
	scheduler *jobs.Scheduler,
) *Dependencies {
	return &Dependencies{
		Config:     cfg,
		DB:         database,
		Redis:      redis,
		Store:      store,
		Manager:    manager,
		Engine:     engine,
		Reconciler: reconciler,
		Gateways:   services.NewGateways(models.Gateway(cfg.PreferredGateway), stripeSvc, paypalSvc),
		Stripe:     stripeSvc,
		PayPal:     paypalSvc,
		Metrics:    m,
		Scheduler:  scheduler,
	}
}
