package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"pettag-backend/registry"
	"pettag-backend/sections/models"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"
)

// StripeService handles Stripe API interactions
type StripeService struct {
	client         *stripe.Client
	secretKey      string
	publishableKey string
	webhookSecret  string
	logger         *slog.Logger
}

// NewStripeService creates a Stripe service bound to its own API key
func NewStripeService(secretKey, publishableKey, webhookSecret string, opts ...stripe.ClientOption) *StripeService {
	s := &StripeService{
		secretKey:      secretKey,
		publishableKey: publishableKey,
		webhookSecret:  webhookSecret,
		logger:         slog.With("service", "StripeService"),
	}
	if secretKey != "" {
		s.client = stripe.NewClient(secretKey, opts...)
	}
	return s
}

func (s *StripeService) Name() models.Gateway {
	return models.GatewayStripe
}

// Configured reports whether intents can be created and webhooks verified
func (s *StripeService) Configured() bool {
	return s.secretKey != "" && s.webhookSecret != ""
}

// CreateIntent creates a Stripe payment intent carrying the registry metadata
func (s *StripeService) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	if !s.Configured() {
		return nil, fmt.Errorf("%w: stripe", registry.ErrConfigurationMissing)
	}

	amount := MinorUnits(req.Amount, req.Currency)
	currency := strings.ToLower(req.Currency)
	params := &stripe.PaymentIntentCreateParams{
		Amount:      stripe.Int64(amount),
		Currency:    stripe.String(currency),
		Description: stripe.String(req.Description),
		Metadata:    req.Metadata,
		AutomaticPaymentMethods: &stripe.PaymentIntentCreateAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}

	pi, err := s.client.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		s.logger.Error("Failed to create payment intent", "error", err)
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}

	s.logger.Info("Created payment intent", "payment_intent_id", pi.ID, "amount", amount, "currency", currency)
	return &Intent{
		Gateway:       models.GatewayStripe,
		TransactionID: pi.ID,
		ClientSecret:  pi.ClientSecret,
		PublicKey:     s.publishableKey,
	}, nil
}

// ConstructWebhookEvent constructs and validates a webhook event
func (s *StripeService) ConstructWebhookEvent(payload []byte, signature string) (stripe.Event, error) {
	if s.webhookSecret == "" {
		return stripe.Event{}, fmt.Errorf("%w: stripe webhook secret", registry.ErrConfigurationMissing)
	}
	options := webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, options)
	if err != nil {
		s.logger.Warn("Failed to verify webhook signature", "error", err)
		return stripe.Event{}, fmt.Errorf("%w: %v", registry.ErrAuthenticityFailure, err)
	}

	s.logger.Debug("Webhook event verified", "type", event.Type, "id", event.ID)
	return event, nil
}

// ParseWebhookData parses webhook data into a target struct
func (s *StripeService) ParseWebhookData(data *stripe.EventData, target interface{}) error {
	if data == nil {
		return fmt.Errorf("webhook event has no data")
	}
	if err := json.Unmarshal(data.Raw, target); err != nil {
		s.logger.Error("Failed to parse webhook data", "error", err)
		return fmt.Errorf("failed to parse webhook data: %w", err)
	}
	return nil
}

// ParseWebhook verifies a webhook delivery and translates it into a WebhookOutcome
func (s *StripeService) ParseWebhook(payload []byte, signature string) (*WebhookOutcome, error) {
	event, err := s.ConstructWebhookEvent(payload, signature)
	if err != nil {
		return nil, err
	}

	out := &WebhookOutcome{Kind: WebhookIgnored, EventID: event.ID, EventType: string(event.Type)}
	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		var pi stripe.PaymentIntent
		if err := s.ParseWebhookData(event.Data, &pi); err != nil {
			return nil, err
		}
		ev, err := s.paymentEvent(&pi)
		if err != nil {
			return unusable(out, ev, err)
		}
		out.Kind = WebhookSucceeded
		out.Event = ev

	case stripe.EventTypePaymentIntentPaymentFailed:
		var pi stripe.PaymentIntent
		if err := s.ParseWebhookData(event.Data, &pi); err != nil {
			return nil, err
		}
		ev, err := s.paymentEvent(&pi)
		if err != nil {
			return unusable(out, ev, err)
		}
		ev.FailureReason = registry.ReasonGatewayDeclined
		if pi.LastPaymentError != nil {
			if pi.LastPaymentError.Code != "" {
				ev.FailureReason = string(pi.LastPaymentError.Code)
			} else if pi.LastPaymentError.Msg != "" {
				ev.FailureReason = pi.LastPaymentError.Msg
			}
		}
		out.Kind = WebhookFailed
		out.Event = ev

	case stripe.EventTypeChargeRefunded:
		var ch stripe.Charge
		if err := s.ParseWebhookData(event.Data, &ch); err != nil {
			return nil, err
		}
		if ch.PaymentIntent == nil || ch.PaymentIntent.ID == "" {
			s.logger.Warn("Refunded charge has no payment intent", "charge_id", ch.ID)
			return out, nil
		}
		out.Kind = WebhookRefunded
		out.TransactionID = ch.PaymentIntent.ID

	default:
		s.logger.Debug("Ignoring Stripe event", "type", event.Type)
	}
	return out, nil
}

func (s *StripeService) paymentEvent(pi *stripe.PaymentIntent) (registry.PaymentEvent, error) {
	minor := pi.AmountReceived
	if minor == 0 {
		minor = pi.Amount
	}
	currency := string(pi.Currency)
	ev, err := registry.EventFromMetadata(models.GatewayStripe, pi.ID, FromMinorUnits(minor, currency), currency, pi.Metadata)
	if err != nil {
		s.logger.Warn("Payment intent metadata is incomplete", "payment_intent_id", pi.ID, "error", err)
		return ev, err
	}
	return ev, nil
}
