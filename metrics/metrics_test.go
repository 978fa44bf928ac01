package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"pettag-backend/registry"
	"pettag-backend/sections/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ registry.Recorder = (*Metrics)(nil)

func TestCounters(t *testing.T) {
	m := New()

	m.PaymentProcessed(models.GatewayStripe, registry.OutcomeCompleted)
	m.PaymentProcessed(models.GatewayStripe, registry.OutcomeCompleted)
	m.PaymentProcessed(models.GatewayPayPal, registry.OutcomeDuplicate)
	m.SubscriptionsExpired(models.SubscriptionTypeTag, 3)
	m.DuplicatesDeleted(2)
	m.WebhookRejected(models.GatewayStripe, "signature")
	m.JobFinished("expiry-sweep", "ok", 120*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.paymentsProcessed.WithLabelValues("stripe", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.paymentsProcessed.WithLabelValues("paypal", "duplicate")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.subscriptionsExpired.WithLabelValues("tag")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.duplicatesDeleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhooksRejected.WithLabelValues("stripe", "signature")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobRuns.WithLabelValues("expiry-sweep", "ok")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.DuplicatesDeleted(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "pettag_subscriptions_duplicates_deleted_total 1")
}
