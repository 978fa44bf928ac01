package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pettag-backend/registry"
	"pettag-backend/sections/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const paypalCustom = `{"billing_period":"yearly","payment_type":"tag","tag_code":"AB12CD34","user_id":"42"}`

func paypalPaymentJSON(state string) map[string]any {
	return map[string]any{
		"id":    "PAYID-1",
		"state": state,
		"transactions": []map[string]any{{
			"amount": map[string]string{"total": "19.99", "currency": "USD"},
			"custom": paypalCustom,
		}},
	}
}

func newPayPalStub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	authorized := func(r *http.Request) bool {
		return r.Header.Get("Authorization") == "Bearer test-token"
	}

	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]any{"access_token": "test-token", "token_type": "Bearer", "expires_in": 3600})
	})
	mux.HandleFunc("/v1/payments/payment", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body paypalPayment
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "sale", body.Intent)
		assert.Equal(t, "19.99", body.Transactions[0].Amount.Total)
		assert.JSONEq(t, paypalCustom, body.Transactions[0].Custom)
		writeJSON(w, map[string]any{
			"id":    "PAYID-1",
			"state": "created",
			"links": []map[string]string{
				{"href": "https://paypal.test/self", "rel": "self", "method": "GET"},
				{"href": "https://paypal.test/approve?token=EC-1", "rel": "approval_url", "method": "REDIRECT"},
			},
		})
	})
	mux.HandleFunc("/v1/payments/payment/PAYID-1", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, paypalPaymentJSON("approved"))
	})
	mux.HandleFunc("/v1/payments/payment/PAYID-1/execute", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["payer_id"] != "PAYER-1" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"name":"PAYER_ID_MISSING"}`))
			return
		}
		writeJSON(w, paypalPaymentJSON("approved"))
	})
	mux.HandleFunc("/v1/notifications/verify-webhook-signature", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "WH-1", body["webhook_id"])
		status := "FAILURE"
		if body["transmission_sig"] == "good" {
			status = "SUCCESS"
		}
		writeJSON(w, map[string]string{"verification_status": status})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestPayPal(t *testing.T) *PayPalService {
	srv := newPayPalStub(t)
	return NewPayPalService(PayPalConfig{
		BaseURL:      srv.URL,
		ClientID:     "client",
		ClientSecret: "secret",
		WebhookID:    "WH-1",
		ReturnURL:    "https://app.test/paypal/return",
		CancelURL:    "https://app.test/paypal/cancel",
	})
}

func TestPayPalCreateIntent(t *testing.T) {
	s := newTestPayPal(t)
	meta := map[string]string{}
	require.NoError(t, json.Unmarshal([]byte(paypalCustom), &meta))

	intent, err := s.CreateIntent(context.Background(), IntentRequest{
		Amount:   decimal.RequireFromString("19.99"),
		Currency: "usd",
		Metadata: meta,
	})
	require.NoError(t, err)
	assert.Equal(t, models.GatewayPayPal, intent.Gateway)
	assert.Equal(t, "PAYID-1", intent.TransactionID)
	assert.Equal(t, "https://paypal.test/approve?token=EC-1", intent.ApprovalURL)
}

func TestPayPalExecutePayment(t *testing.T) {
	s := newTestPayPal(t)
	ctx := context.Background()

	out, err := s.ExecutePayment(ctx, "PAYID-1", "PAYER-1")
	require.NoError(t, err)
	assert.Equal(t, WebhookSucceeded, out.Kind)
	assert.Equal(t, "PAYID-1", out.Event.GatewayTransactionID)
	assert.Equal(t, uint(42), out.Event.UserID)
	assert.Equal(t, models.BillingYearly, out.Event.BillingPeriod)
	assert.Equal(t, "19.99", out.Event.Amount.StringFixed(2))

	_, err = s.ExecutePayment(ctx, "PAYID-1", "someone-else")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")

	_, err = s.ExecutePayment(ctx, "", "PAYER-1")
	assert.ErrorIs(t, err, registry.ErrInvalidEvent)
}

func webhookHeader(sig string) http.Header {
	h := http.Header{}
	h.Set("Paypal-Auth-Algo", "SHA256withRSA")
	h.Set("Paypal-Cert-Url", "https://api.paypal.com/cert.pem")
	h.Set("Paypal-Transmission-Id", "tx-1")
	h.Set("Paypal-Transmission-Sig", sig)
	h.Set("Paypal-Transmission-Time", "2025-06-01T09:00:00Z")
	return h
}

func TestPayPalWebhookSaleCompleted(t *testing.T) {
	s := newTestPayPal(t)
	payload := []byte(`{"id":"WH-EVT-1","event_type":"PAYMENT.SALE.COMPLETED","resource":{"id":"SALE-1","state":"completed","parent_payment":"PAYID-1"}}`)

	out, err := s.ParseWebhook(context.Background(), webhookHeader("good"), payload)
	require.NoError(t, err)
	assert.Equal(t, WebhookSucceeded, out.Kind)
	assert.Equal(t, "PAYID-1", out.Event.GatewayTransactionID)
	assert.Equal(t, "AB12CD34", out.Event.ClaimingTagCode)
}

func TestPayPalWebhookRejectsBadSignature(t *testing.T) {
	s := newTestPayPal(t)
	payload := []byte(`{"id":"WH-EVT-1","event_type":"PAYMENT.SALE.COMPLETED","resource":{"parent_payment":"PAYID-1"}}`)

	_, err := s.ParseWebhook(context.Background(), webhookHeader("forged"), payload)
	assert.ErrorIs(t, err, registry.ErrAuthenticityFailure)

	_, err = s.ParseWebhook(context.Background(), http.Header{}, payload)
	assert.ErrorIs(t, err, registry.ErrAuthenticityFailure)
}

func TestPayPalWebhookRefund(t *testing.T) {
	s := newTestPayPal(t)
	payload := []byte(`{"id":"WH-EVT-2","event_type":"PAYMENT.SALE.REFUNDED","resource":{"id":"REF-1","state":"completed","parent_payment":"PAYID-1"}}`)

	out, err := s.ParseWebhook(context.Background(), webhookHeader("good"), payload)
	require.NoError(t, err)
	assert.Equal(t, WebhookRefunded, out.Kind)
	assert.Equal(t, "PAYID-1", out.TransactionID)
}

func TestPayPalUnconfigured(t *testing.T) {
	s := NewPayPalService(PayPalConfig{ClientID: "client"})
	assert.False(t, s.Configured())
	_, err := s.CreateIntent(context.Background(), IntentRequest{Amount: decimal.NewFromInt(1), Currency: "USD"})
	assert.ErrorIs(t, err, registry.ErrConfigurationMissing)
}

func TestPayPalMetadataLimit(t *testing.T) {
	s := newTestPayPal(t)
	_, err := s.CreateIntent(context.Background(), IntentRequest{
		Amount:   decimal.NewFromInt(1),
		Currency: "USD",
		Metadata: map[string]string{"partner_name": strings.Repeat("x", 300)},
	})
	assert.ErrorIs(t, err, registry.ErrInvalidEvent)
}
