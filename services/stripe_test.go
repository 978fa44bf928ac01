package services

import (
	"fmt"
	"testing"

	"pettag-backend/registry"
	"pettag-backend/sections/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84/webhook"
)

const testWebhookSecret = "whsec_test_secret"

func signedStripeEvent(t *testing.T, eventType, object string) ([]byte, string) {
	t.Helper()
	payload := []byte(fmt.Sprintf(`{
		"id": "evt_123",
		"object": "event",
		"api_version": "2020-08-27",
		"type": %q,
		"data": {"object": %s}
	}`, eventType, object))
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: testWebhookSecret})
	return payload, signed.Header
}

const succeededIntent = `{
	"id": "pi_123",
	"object": "payment_intent",
	"amount": 999,
	"amount_received": 999,
	"currency": "usd",
	"metadata": {"user_id": "42", "payment_type": "tag", "tag_code": "ab12cd34", "billing_period": "monthly"}
}`

func TestStripeWebhookSucceeded(t *testing.T) {
	s := NewStripeService("sk_test_123", "pk_test_123", testWebhookSecret)
	payload, sig := signedStripeEvent(t, "payment_intent.succeeded", succeededIntent)

	out, err := s.ParseWebhook(payload, sig)
	require.NoError(t, err)
	assert.Equal(t, WebhookSucceeded, out.Kind)
	assert.Equal(t, "evt_123", out.EventID)

	ev := out.Event
	assert.Equal(t, models.GatewayStripe, ev.Gateway)
	assert.Equal(t, "pi_123", ev.GatewayTransactionID)
	assert.Equal(t, "9.99", ev.Amount.StringFixed(2))
	assert.Equal(t, "USD", ev.Currency)
	assert.Equal(t, uint(42), ev.UserID)
	assert.Equal(t, models.PaymentTypeTag, ev.PaymentType)
	assert.Equal(t, "AB12CD34", ev.ClaimingTagCode)
	assert.Equal(t, models.BillingMonthly, ev.BillingPeriod)
	require.NoError(t, ev.Validate())
}

func TestStripeWebhookBadSignature(t *testing.T) {
	s := NewStripeService("sk_test_123", "pk_test_123", testWebhookSecret)
	payload, _ := signedStripeEvent(t, "payment_intent.succeeded", succeededIntent)

	_, err := s.ParseWebhook(payload, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, registry.ErrAuthenticityFailure)

	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-2] = ' '
	_, sig := signedStripeEvent(t, "payment_intent.succeeded", succeededIntent)
	_, err = s.ParseWebhook(tampered, sig)
	assert.ErrorIs(t, err, registry.ErrAuthenticityFailure)
}

func TestStripeWebhookUnconfigured(t *testing.T) {
	s := NewStripeService("", "", "")
	assert.False(t, s.Configured())
	_, err := s.ParseWebhook([]byte(`{}`), "")
	assert.ErrorIs(t, err, registry.ErrConfigurationMissing)
}

func TestStripeWebhookPaymentFailed(t *testing.T) {
	s := NewStripeService("sk_test_123", "pk_test_123", testWebhookSecret)
	payload, sig := signedStripeEvent(t, "payment_intent.payment_failed", `{
		"id": "pi_456",
		"object": "payment_intent",
		"amount": 4900,
		"currency": "usd",
		"last_payment_error": {"code": "card_declined", "message": "Your card was declined."},
		"metadata": {"user_id": "7", "payment_type": "renewal", "subscription_id": "3", "subscription_kind": "tag"}
	}`)

	out, err := s.ParseWebhook(payload, sig)
	require.NoError(t, err)
	assert.Equal(t, WebhookFailed, out.Kind)
	assert.Equal(t, "card_declined", out.Event.FailureReason)
	assert.Equal(t, "49.00", out.Event.Amount.StringFixed(2))
	require.NotNil(t, out.Event.SubscriptionID)
	assert.Equal(t, uint(3), *out.Event.SubscriptionID)
}

func TestStripeWebhookRefundAndIgnored(t *testing.T) {
	s := NewStripeService("sk_test_123", "pk_test_123", testWebhookSecret)

	payload, sig := signedStripeEvent(t, "charge.refunded", `{"id": "ch_1", "object": "charge", "payment_intent": "pi_123"}`)
	out, err := s.ParseWebhook(payload, sig)
	require.NoError(t, err)
	assert.Equal(t, WebhookRefunded, out.Kind)
	assert.Equal(t, "pi_123", out.TransactionID)

	payload, sig = signedStripeEvent(t, "customer.created", `{"id": "cus_1", "object": "customer"}`)
	out, err = s.ParseWebhook(payload, sig)
	require.NoError(t, err)
	assert.Equal(t, WebhookIgnored, out.Kind)
}

func TestStripeWebhookMissingMetadata(t *testing.T) {
	s := NewStripeService("sk_test_123", "pk_test_123", testWebhookSecret)
	payload, sig := signedStripeEvent(t, "payment_intent.succeeded", `{"id": "pi_9", "object": "payment_intent", "amount": 100, "currency": "usd"}`)

	out, err := s.ParseWebhook(payload, sig)
	require.NoError(t, err)
	assert.Equal(t, WebhookUnusable, out.Kind)
	assert.Equal(t, "pi_9", out.Event.GatewayTransactionID)
	assert.Equal(t, "1.00", out.Event.Amount.StringFixed(2))
	assert.ErrorIs(t, out.Problem, registry.ErrInvalidEvent)
}
