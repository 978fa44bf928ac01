package services

import (
	"context"
	"errors"

	"pettag-backend/registry"
)

// WebhookKind classifies a verified gateway notification
type WebhookKind string

const (
	WebhookIgnored   WebhookKind = "ignored"
	WebhookSucceeded WebhookKind = "succeeded"
	WebhookFailed    WebhookKind = "failed"
	WebhookRefunded  WebhookKind = "refunded"
	// WebhookUnusable is a payment whose metadata could not be read
	WebhookUnusable WebhookKind = "unusable"
)

// WebhookOutcome is a verified gateway notification in gateway-neutral form
type WebhookOutcome struct {
	Kind      WebhookKind
	EventID   string
	EventType string
	// Event is set for succeeded and failed payments
	Event registry.PaymentEvent
	// TransactionID is set for refunds
	TransactionID string
	// Problem says why an unusable payment could not be applied
	Problem error
}

// PaymentProcessor applies normalized payment events to the registry
type PaymentProcessor interface {
	Process(ctx context.Context, ev registry.PaymentEvent) (*registry.Result, error)
	ProcessFailure(ctx context.Context, ev registry.PaymentEvent) (*registry.Result, error)
	Refund(ctx context.Context, gatewayTransactionID string) (*registry.Result, error)
	RecordUnusable(ctx context.Context, ev registry.PaymentEvent, cause error) (*registry.Result, error)
}

// ApplyOutcome hands a verified webhook to the processor. Ignored events
// return a nil result.
func ApplyOutcome(ctx context.Context, p PaymentProcessor, o *WebhookOutcome) (*registry.Result, error) {
	switch o.Kind {
	case WebhookSucceeded:
		return p.Process(ctx, o.Event)
	case WebhookFailed:
		return p.ProcessFailure(ctx, o.Event)
	case WebhookRefunded:
		return p.Refund(ctx, o.TransactionID)
	case WebhookUnusable:
		return p.RecordUnusable(ctx, o.Event, o.Problem)
	default:
		return nil, nil
	}
}

// unusable turns a metadata error on an identifiable payment into a
// WebhookUnusable outcome so the payment is still recorded. Other errors pass through.
func unusable(out *WebhookOutcome, ev registry.PaymentEvent, err error) (*WebhookOutcome, error) {
	if !errors.Is(err, registry.ErrInvalidEvent) || ev.GatewayTransactionID == "" {
		return nil, err
	}
	out.Kind = WebhookUnusable
	out.Event = ev
	out.Problem = err
	return out, nil
}
