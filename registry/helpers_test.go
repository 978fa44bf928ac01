package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"pettag-backend/db"
	"pettag-backend/sections/models"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: t0}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return nil
}

func (n *recordingNotifier) events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.Event)
	}
	return out
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
	expired  map[models.SubscriptionType]int
	deleted  int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{outcomes: map[string]int{}, expired: map[models.SubscriptionType]int{}}
}

func (r *countingRecorder) PaymentProcessed(_ models.Gateway, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome]++
}

func (r *countingRecorder) SubscriptionsExpired(kind models.SubscriptionType, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired[kind] += n
}

func (r *countingRecorder) DuplicatesDeleted(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted += n
}

// fixture bundles a fresh in-memory registry
type fixture struct {
	store      *Store
	clock      *testClock
	notifier   *recordingNotifier
	recorder   *countingRecorder
	manager    *Manager
	engine     *Engine
	reconciler *Reconciler
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.Open(sqlite.Open("file::memory:"), false)
	require.NoError(t, err)

	sqlDB, err := database.DB.DB()
	require.NoError(t, err)
	// one connection keeps the in-memory database shared and serializes transactions
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(context.Background()))
	return NewStore(database, 5*time.Second)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    newTestStore(t),
		clock:    newTestClock(),
		notifier: &recordingNotifier{},
		recorder: newCountingRecorder(),
	}
	opts := []Option{WithClock(f.clock.Now), WithNotifier(f.notifier), WithRecorder(f.recorder)}
	f.manager = NewManager(f.store, DefaultRenewalCeiling, opts...)
	f.engine = NewEngine(f.store, f.manager, opts...)
	f.reconciler = NewReconciler(f.store, opts...)
	return f
}

func (f *fixture) db() *gorm.DB {
	return f.store.db
}

func (f *fixture) user(t *testing.T, id uint) *models.User {
	t.Helper()
	u := &models.User{Model: gorm.Model{ID: id}, Email: fmt.Sprintf("user%d@example.com", id)}
	require.NoError(t, f.db().Create(u).Error)
	return u
}

func (f *fixture) tag(t *testing.T, code string, status models.TagStatus, partnerID *uint) *models.Tag {
	t.Helper()
	tag := &models.Tag{Code: code, Status: status, PartnerID: partnerID, CreatedByID: 1}
	require.NoError(t, f.db().Create(tag).Error)
	return tag
}

// partner creates a partner owned by ownerID with one subscription in the given state
func (f *fixture) partner(t *testing.T, ownerID uint, maxTags int, approved bool) (*models.Partner, *models.PartnerSubscription) {
	t.Helper()
	p := &models.Partner{Name: fmt.Sprintf("Partner of %d", ownerID), OwnerID: ownerID}
	require.NoError(t, f.db().Create(p).Error)

	status := models.SubscriptionPending
	if approved {
		status = models.SubscriptionActive
	}
	end := t0.AddDate(0, 0, 30)
	ps := &models.PartnerSubscription{
		PartnerID:     p.ID,
		AdminApproved: approved,
		MaxTags:       maxTags,
		Entitlement: models.Entitlement{
			Status:        status,
			Amount:        decimal.RequireFromString("49.00"),
			Currency:      "USD",
			BillingPeriod: models.BillingMonthly,
			StartDate:     t0,
			EndDate:       &end,
			AutoRenew:     true,
		},
	}
	if approved {
		ps.ApproverID = uintPtr(1)
		ps.ApprovedAt = &t0
	}
	require.NoError(t, f.db().Create(ps).Error)
	return p, ps
}

func (f *fixture) subscription(t *testing.T, userID, tagID uint, createdAt time.Time, end *time.Time) *models.Subscription {
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
			StartDate:     createdAt,
			EndDate:       end,
			AutoRenew:     true,
		},
	}
	sub.CreatedAt = createdAt
	require.NoError(t, f.db().Create(sub).Error)
	return sub
}

func tagEvent(txnID string, userID uint, code string) PaymentEvent {
	return PaymentEvent{
		Gateway:              models.GatewayStripe,
		GatewayTransactionID: txnID,
		Amount:               decimal.RequireFromString("9.99"),
		Currency:             "USD",
		UserID:               userID,
		PaymentType:          models.PaymentTypeTag,
		ClaimingTagCode:      code,
		BillingPeriod:        models.BillingMonthly,
	}
}

func count(t *testing.T, tx *gorm.DB, model any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	q := tx.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}

func uintPtr(v uint) *uint { return &v }
