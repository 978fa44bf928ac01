package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"pettag-backend/registry"
	"pettag-backend/sections/models"

	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	PayPalSandboxURL = "https://api-m.sandbox.paypal.com"
	PayPalLiveURL    = "https://api-m.paypal.com"

	// custom is limited to 256 characters on v1 payments
	paypalCustomLimit = 256
)

// PayPalConfig holds PayPal REST credentials
type PayPalConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	WebhookID    string
	ReturnURL    string
	CancelURL    string
}

// PayPalService talks to the PayPal v1 payments API
type PayPalService struct {
	cfg    PayPalConfig
	http   *http.Client
	logger *slog.Logger
}

// NewPayPalService creates a PayPal service authenticated with client credentials
func NewPayPalService(cfg PayPalConfig) *PayPalService {
	if cfg.BaseURL == "" {
		cfg.BaseURL = PayPalSandboxURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.BaseURL + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	base := &http.Client{Timeout: 30 * time.Second}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)

	return &PayPalService{
		cfg:    cfg,
		http:   cc.Client(ctx),
		logger: slog.With("service", "PayPalService"),
	}
}

func (s *PayPalService) Name() models.Gateway {
	return models.GatewayPayPal
}

// Configured reports whether intents can be created and webhooks verified
func (s *PayPalService) Configured() bool {
	return s.cfg.ClientID != "" && s.cfg.ClientSecret != "" && s.cfg.WebhookID != ""
}

type paypalAmount struct {
	Total    string `json:"total"`
	Currency string `json:"currency"`
}

type paypalLink struct {
	Href   string `json:"href"`
	Rel    string `json:"rel"`
	Method string `json:"method"`
}

type paypalTransaction struct {
	Amount      paypalAmount `json:"amount"`
	Description string       `json:"description,omitempty"`
	Custom      string       `json:"custom,omitempty"`
}

type paypalPayment struct {
	ID            string              `json:"id"`
	Intent        string              `json:"intent,omitempty"`
	State         string              `json:"state,omitempty"`
	FailureReason string              `json:"failure_reason,omitempty"`
	Payer         map[string]string   `json:"payer,omitempty"`
	Transactions  []paypalTransaction `json:"transactions"`
	RedirectURLs  map[string]string   `json:"redirect_urls,omitempty"`
	Links         []paypalLink        `json:"links,omitempty"`
}

// CreateIntent creates a v1 sale payment and returns its approval URL
func (s *PayPalService) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	if !s.Configured() {
		return nil, fmt.Errorf("%w: paypal", registry.ErrConfigurationMissing)
	}

	custom, err := json.Marshal(req.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	if len(custom) > paypalCustomLimit {
		return nil, fmt.Errorf("%w: metadata exceeds %d characters", registry.ErrInvalidEvent, paypalCustomLimit)
	}

	body := paypalPayment{
		Intent: "sale",
		Payer:  map[string]string{"payment_method": "paypal"},
		Transactions: []paypalTransaction{{
			Amount: paypalAmount{
				Total:    req.Amount.StringFixed(currencyExponent(req.Currency)),
				Currency: strings.ToUpper(req.Currency),
			},
			Description: req.Description,
			Custom:      string(custom),
		}},
		RedirectURLs: map[string]string{
			"return_url": s.cfg.ReturnURL,
			"cancel_url": s.cfg.CancelURL,
		},
	}

	var created paypalPayment
	if err := s.do(ctx, http.MethodPost, "/v1/payments/payment", body, &created); err != nil {
		s.logger.Error("Failed to create PayPal payment", "error", err)
		return nil, fmt.Errorf("failed to create paypal payment: %w", err)
	}

	intent := &Intent{Gateway: models.GatewayPayPal, TransactionID: created.ID, PublicKey: s.cfg.ClientID}
	for _, link := range created.Links {
		if link.Rel == "approval_url" {
			intent.ApprovalURL = link.Href
		}
	}
	if intent.ApprovalURL == "" {
		return nil, fmt.Errorf("paypal payment %s has no approval url", created.ID)
	}

	s.logger.Info("Created PayPal payment", "payment_id", created.ID, "amount", req.Amount.String(), "currency", req.Currency)
	return intent, nil
}

// ExecutePayment completes an approved payment after the payer returns from PayPal
func (s *PayPalService) ExecutePayment(ctx context.Context, paymentID, payerID string) (*WebhookOutcome, error) {
	if !s.Configured() {
		return nil, fmt.Errorf("%w: paypal", registry.ErrConfigurationMissing)
	}
	if paymentID == "" || payerID == "" {
		return nil, fmt.Errorf("%w: payment id and payer id are required", registry.ErrInvalidEvent)
	}

	var executed paypalPayment
	path := "/v1/payments/payment/" + paymentID + "/execute"
	if err := s.do(ctx, http.MethodPost, path, map[string]string{"payer_id": payerID}, &executed); err != nil {
		s.logger.Error("Failed to execute PayPal payment", "payment_id", paymentID, "error", err)
		return nil, fmt.Errorf("failed to execute paypal payment: %w", err)
	}
	return s.outcomeFromPayment(&executed)
}

func (s *PayPalService) getPayment(ctx context.Context, paymentID string) (*paypalPayment, error) {
	var p paypalPayment
	if err := s.do(ctx, http.MethodGet, "/v1/payments/payment/"+paymentID, nil, &p); err != nil {
		return nil, fmt.Errorf("failed to fetch paypal payment: %w", err)
	}
	return &p, nil
}

func (s *PayPalService) outcomeFromPayment(p *paypalPayment) (*WebhookOutcome, error) {
	ev, err := s.paymentEvent(p)
	if err != nil {
		return nil, err
	}
	out := &WebhookOutcome{EventID: p.ID, EventType: "payment." + p.State, Event: ev}
	switch p.State {
	case "approved":
		out.Kind = WebhookSucceeded
	case "failed":
		out.Kind = WebhookFailed
		out.Event.FailureReason = registry.ReasonGatewayDeclined
		if p.FailureReason != "" {
			out.Event.FailureReason = strings.ToLower(p.FailureReason)
		}
	default:
		out.Kind = WebhookIgnored
	}
	return out, nil
}

func (s *PayPalService) paymentEvent(p *paypalPayment) (registry.PaymentEvent, error) {
	if len(p.Transactions) == 0 {
		return registry.PaymentEvent{}, fmt.Errorf("%w: paypal payment %s has no transactions", registry.ErrInvalidEvent, p.ID)
	}
	tx := p.Transactions[0]
	amount, err := decimal.NewFromString(tx.Amount.Total)
	if err != nil {
		return registry.PaymentEvent{}, fmt.Errorf("%w: bad amount %q", registry.ErrInvalidEvent, tx.Amount.Total)
	}
	meta := map[string]string{}
	if tx.Custom != "" {
		if err := json.Unmarshal([]byte(tx.Custom), &meta); err != nil {
			ev, _ := registry.EventFromMetadata(models.GatewayPayPal, p.ID, amount, tx.Amount.Currency, nil)
			return ev, fmt.Errorf("%w: unreadable custom field", registry.ErrInvalidEvent)
		}
	}
	return registry.EventFromMetadata(models.GatewayPayPal, p.ID, amount, tx.Amount.Currency, meta)
}

type paypalWebhookEvent struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID            string `json:"id"`
		State         string `json:"state"`
		ParentPayment string `json:"parent_payment"`
	} `json:"resource"`
}

// ParseWebhook verifies a webhook delivery with PayPal and translates it.
// Sale events are resolved to their parent payment, the idempotency key used
// for every PayPal delivery.
func (s *PayPalService) ParseWebhook(ctx context.Context, header http.Header, payload []byte) (*WebhookOutcome, error) {
	if !s.Configured() {
		return nil, fmt.Errorf("%w: paypal", registry.ErrConfigurationMissing)
	}
	if err := s.verifySignature(ctx, header, payload); err != nil {
		return nil, err
	}

	var event paypalWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", registry.ErrInvalidEvent, err)
	}
	out := &WebhookOutcome{Kind: WebhookIgnored, EventID: event.ID, EventType: event.EventType}

	switch event.EventType {
	case "PAYMENT.SALE.COMPLETED", "PAYMENT.SALE.DENIED":
		if event.Resource.ParentPayment == "" {
			s.logger.Warn("Sale event without parent payment", "event_id", event.ID)
			return out, nil
		}
		p, err := s.getPayment(ctx, event.Resource.ParentPayment)
		if err != nil {
			return nil, err
		}
		ev, err := s.paymentEvent(p)
		if err != nil {
			return unusable(out, ev, err)
		}
		out.Event = ev
		out.Kind = WebhookSucceeded
		if event.EventType == "PAYMENT.SALE.DENIED" {
			out.Kind = WebhookFailed
			out.Event.FailureReason = registry.ReasonGatewayDeclined
		}

	case "PAYMENT.SALE.REFUNDED", "PAYMENT.SALE.REVERSED":
		if event.Resource.ParentPayment == "" {
			s.logger.Warn("Refund event without parent payment", "event_id", event.ID)
			return out, nil
		}
		out.Kind = WebhookRefunded
		out.TransactionID = event.Resource.ParentPayment

	default:
		s.logger.Debug("Ignoring PayPal event", "type", event.EventType)
	}
	return out, nil
}

func (s *PayPalService) verifySignature(ctx context.Context, header http.Header, payload []byte) error {
	req := map[string]any{
		"auth_algo":         header.Get("Paypal-Auth-Algo"),
		"cert_url":          header.Get("Paypal-Cert-Url"),
		"transmission_id":   header.Get("Paypal-Transmission-Id"),
		"transmission_sig":  header.Get("Paypal-Transmission-Sig"),
		"transmission_time": header.Get("Paypal-Transmission-Time"),
		"webhook_id":        s.cfg.WebhookID,
		"webhook_event":     json.RawMessage(payload),
	}
	if req["transmission_sig"] == "" || req["transmission_id"] == "" {
		return fmt.Errorf("%w: missing transmission headers", registry.ErrAuthenticityFailure)
	}
	if !json.Valid(payload) {
		return fmt.Errorf("%w: payload is not json", registry.ErrAuthenticityFailure)
	}

	var resp struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := s.do(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", req, &resp); err != nil {
		return fmt.Errorf("failed to verify paypal webhook: %w", err)
	}
	if resp.VerificationStatus != "SUCCESS" {
		s.logger.Warn("PayPal webhook failed verification", "status", resp.VerificationStatus)
		return fmt.Errorf("%w: verification status %s", registry.ErrAuthenticityFailure, resp.VerificationStatus)
	}
	return nil
}

func (s *PayPalService) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("paypal %s %s returned %d: %s", method, path, resp.StatusCode, truncate(string(data), 200))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
