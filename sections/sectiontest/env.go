// Package sectiontest builds an in-memory registry and gin router for handler tests
package sectiontest

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"pettag-backend/common"
	"pettag-backend/db"
	"pettag-backend/jobs"
	"pettag-backend/metrics"
	"pettag-backend/registry"
	"pettag-backend/sections"
	"pettag-backend/sections/common/auth"
	"pettag-backend/sections/models"
	"pettag-backend/services"
	"pettag-backend/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// StripeWebhookSecret signs test Stripe deliveries
const StripeWebhookSecret = "whsec_test_secret"

// T0 is the fixed time every environment starts at
var T0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

// Clock is a settable time source
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Env is a wired application over SQLite and miniredis
type Env struct {
	Deps      *sections.Dependencies
	JWT       *auth.JWTManager
	Clock     *Clock
	Router    *gin.Engine
	Frontend  *gin.RouterGroup
	Callbacks *gin.RouterGroup
	Internal  *gin.RouterGroup
}

// New builds an environment with PayPal unconfigured
func New(t *testing.T) *Env {
	return NewWithPayPal(t, services.PayPalConfig{})
}

// NewWithPayPal builds an environment whose PayPal service uses cfg
func NewWithPayPal(t *testing.T, paypal services.PayPalConfig) *Env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.Open(sqlite.Open("file::memory:"), false)
	require.NoError(t, err)
	sqlDB, err := database.DB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.Migrate(t.Context()))

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	redisClient := storage.NewRedisClientWithClient(rc, "test:")

	cfg := common.DefaultConfig()
	cfg.DatabaseURL = "sqlite://memory"
	cfg.ApiKey = "ops"
	cfg.ApiKeySecret = "ops-secret"

	clock := &Clock{now: T0}
	m := metrics.New()
	opts := []registry.Option{registry.WithClock(clock.Now), registry.WithRecorder(m)}
	store := registry.NewStore(database, 5*time.Second)
	manager := registry.NewManager(store, registry.DefaultRenewalCeiling, opts...)
	engine := registry.NewEngine(store, manager, opts...)
	reconciler := registry.NewReconciler(store, opts...)

	scheduler := jobs.NewScheduler(redisClient, time.Minute, m)
	for _, job := range jobs.RegistryJobs(manager, reconciler, jobs.Schedules{RenewalLookahead: cfg.RenewalLookahead()}) {
		require.NoError(t, scheduler.Add(job))
	}

	stripeSvc := services.NewStripeService("sk_test_123", "pk_test_123", StripeWebhookSecret)
	paypalSvc := services.NewPayPalService(paypal)

	deps := sections.NewDependencies(cfg, database, redisClient, store, manager, engine, reconciler,
		stripeSvc, paypalSvc, m, scheduler)

	jwtManager, err := auth.NewJWTManager(keyPEM(t), "pettag-test", 1)
	require.NoError(t, err)

	router := gin.New()
	return &Env{
		Deps:      deps,
		JWT:       jwtManager,
		Clock:     clock,
		Router:    router,
		Frontend:  router.Group(""),
		Callbacks: router.Group("/callbacks"),
		Internal:  router.Group("/internal"),
	}
}

func keyPEM(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))
}

// DB returns the raw gorm handle for seeding
func (e *Env) DB() *gorm.DB {
	return e.Deps.DB.DB
}

// Token signs a bearer token for userID
func (e *Env) Token(t *testing.T, userID uint, roles ...string) string {
	t.Helper()
	token, err := e.JWT.GenerateToken(userID, fmt.Sprintf("user%d@example.com", userID), roles)
	require.NoError(t, err)
	return token
}

// Do sends a request through the router. body may be nil, []byte or a value to encode as JSON.
func (e *Env) Do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.Router.ServeHTTP(rec, req)
	return rec
}

// Decode unmarshals an ApiResponse envelope
func Decode[T any](t *testing.T, rec *httptest.ResponseRecorder) common.ApiResponse[T] {
	t.Helper()
	var out common.ApiResponse[T]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// User creates a user with the given id
func (e *Env) User(t *testing.T, id uint) *models.User {
	t.Helper()
	u := &models.User{Model: gorm.Model{ID: id}, Email: fmt.Sprintf("user%d@example.com", id)}
	require.NoError(t, e.DB().Create(u).Error)
	return u
}

// Tag creates a tag directly in the store
func (e *Env) Tag(t *testing.T, code string, status models.TagStatus, partnerID *uint) *models.Tag {
	t.Helper()
	tag := &models.Tag{Code: code, Status: status, PartnerID: partnerID, CreatedByID: 1}
	require.NoError(t, e.DB().Create(tag).Error)
	return tag
}

// Partner creates a partner owned by ownerID with one subscription, approved or pending
func (e *Env) Partner(t *testing.T, ownerID uint, maxTags int, approved bool) (*models.Partner, *models.PartnerSubscription) {
	t.Helper()
	p := &models.Partner{Name: fmt.Sprintf("Partner of %d", ownerID), OwnerID: ownerID}
	require.NoError(t, e.DB().Create(p).Error)

	status := models.SubscriptionPending
	if approved {
		status = models.SubscriptionActive
	}
	end := T0.AddDate(0, 0, 30)
	ps := &models.PartnerSubscription{
		PartnerID:     p.ID,
		AdminApproved: approved,
		MaxTags:       maxTags,
		Entitlement: models.Entitlement{
			Status:        status,
			Amount:        decimal.RequireFromString("49.00"),
			Currency:      "USD",
			BillingPeriod: models.BillingMonthly,
			StartDate:     T0,
			EndDate:       &end,
			AutoRenew:     true,
		},
	}
	if approved {
		ps.ApproverID = Ptr(uint(1))
		ps.ApprovedAt = Ptr(T0)
	}
	require.NoError(t, e.DB().Create(ps).Error)
	return p, ps
}

// Subscription creates an active monthly tag subscription ending at end
func (e *Env) Subscription(t *testing.T, userID, tagID uint, end *time.Time) *models.Subscription {
	t.Helper()
	sub := &models.Subscription{
		UserID: userID,
		TagID:  &tagID,
		Type:   models.SubscriptionTypeTag,
		Entitlement: models.Entitlement{
			Status:        models.SubscriptionActive,
			Amount:        decimal.RequireFromString("9.99"),
			Currency:      "USD",
			BillingPeriod: models.BillingMonthly,
			StartDate:     T0,
			EndDate:       end,
			AutoRenew:     true,
		},
	}
	require.NoError(t, e.DB().Create(sub).Error)
	return sub
}

// Ptr returns a pointer to v
func Ptr[T any](v T) *T { return &v }
