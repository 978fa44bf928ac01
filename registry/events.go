package registry

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"pettag-backend/sections/models"

	"github.com/shopspring/decimal"
)

// Metadata keys carried through gateway payloads so webhook and redirect
// deliveries can be translated into the same PaymentEvent.
const (
	MetaUserID           = "user_id"
	MetaPaymentType      = "payment_type"
	MetaTagCode          = "tag_code"
	MetaBillingPeriod    = "billing_period"
	MetaPartnerID        = "partner_id"
	MetaPartnerName      = "partner_name"
	MetaPricingPlanID    = "pricing_plan_id"
	MetaSubscriptionID   = "subscription_id"
	MetaSubscriptionKind = "subscription_kind"
)

// PaymentEvent is the gateway-neutral form of "payment succeeded" or "payment failed"
type PaymentEvent struct {
	Gateway              models.Gateway
	GatewayTransactionID string
	Amount               decimal.Decimal
	Currency             string
	UserID               uint
	PaymentType          models.PaymentType

	ClaimingTagCode  string
	BillingPeriod    models.BillingPeriod
	PartnerID        *uint
	PartnerName      string
	PricingPlanID    *uint
	SubscriptionID   *uint
	SubscriptionKind models.SubscriptionType

	// FailureReason is set for gateway-reported declines
	FailureReason string
	Metadata      map[string]string
}

// Validate checks the fields every branch of the engine relies on
func (e *PaymentEvent) Validate() error {
	if e.GatewayTransactionID == "" {
		return fmt.Errorf("%w: gateway transaction id is required", ErrInvalidEvent)
	}
	if e.UserID == 0 {
		return fmt.Errorf("%w: user id is required", ErrInvalidEvent)
	}
	switch e.PaymentType {
	case models.PaymentTypeTag:
		if e.ClaimingTagCode == "" {
			return fmt.Errorf("%w: tag payments need a claiming tag", ErrInvalidEvent)
		}
	case models.PaymentTypePartner:
	case models.PaymentTypeRenewal:
		if e.SubscriptionID == nil {
			return fmt.Errorf("%w: renewal payments need a subscription id", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown payment type %q", ErrInvalidEvent, e.PaymentType)
	}
	if e.BillingPeriod != "" && !e.BillingPeriod.Valid() {
		return fmt.Errorf("%w: unknown billing period %q", ErrInvalidEvent, e.BillingPeriod)
	}
	return nil
}

// EventFromMetadata builds a PaymentEvent from the metadata attached when the
// payment intent was created
func EventFromMetadata(gateway models.Gateway, txnID string, amount decimal.Decimal, currency string, meta map[string]string) (PaymentEvent, error) {
	ev := PaymentEvent{
		Gateway:              gateway,
		GatewayTransactionID: txnID,
		Amount:               amount,
		Currency:             strings.ToUpper(currency),
		PaymentType:          models.PaymentType(meta[MetaPaymentType]),
		ClaimingTagCode:      strings.ToUpper(meta[MetaTagCode]),
		BillingPeriod:        models.BillingPeriod(meta[MetaBillingPeriod]),
		PartnerName:          meta[MetaPartnerName],
		SubscriptionKind:     models.SubscriptionType(meta[MetaSubscriptionKind]),
		Metadata:             meta,
	}

	userID, err := parseID(meta[MetaUserID])
	if err != nil || userID == nil {
		return ev, fmt.Errorf("%w: missing or malformed %s", ErrInvalidEvent, MetaUserID)
	}
	ev.UserID = *userID

	if ev.PartnerID, err = parseID(meta[MetaPartnerID]); err != nil {
		return ev, fmt.Errorf("%w: malformed %s", ErrInvalidEvent, MetaPartnerID)
	}
	if ev.PricingPlanID, err = parseID(meta[MetaPricingPlanID]); err != nil {
		return ev, fmt.Errorf("%w: malformed %s", ErrInvalidEvent, MetaPricingPlanID)
	}
	if ev.SubscriptionID, err = parseID(meta[MetaSubscriptionID]); err != nil {
		return ev, fmt.Errorf("%w: malformed %s", ErrInvalidEvent, MetaSubscriptionID)
	}
	return ev, nil
}

func parseID(s string) (*uint, error) {
	if s == "" {
		return nil, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return nil, fmt.Errorf("invalid id %q", s)
	}
	id := uint(n)
	return &id, nil
}

// Notification event names
const (
	NotifyPaymentCompleted     = "payment.completed"
	NotifyPaymentFailed        = "payment.failed"
	NotifyPaymentRefunded      = "payment.refunded"
	NotifyRenewalDue           = "subscription.renewal_due"
	NotifySubscriptionExpired  = "subscription.expired"
	NotifySubscriptionCanceled = "subscription.cancelled"
	NotifyPartnerApproved      = "partner_subscription.approved"
	NotifyPartnerRejected      = "partner_subscription.rejected"
	NotifyPartnerPending       = "partner_subscription.pending_approval"
)

// Notification is what the registry hands to the delivery sink
type Notification struct {
	UserID uint              `json:"userId"`
	Event  string            `json:"event"`
	Data   map[string]string `json:"data,omitempty"`
}

// Notifier delivers notifications to users. Delivery is outside the registry;
// failures are logged and never roll back registry state.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Recorder receives operational counters
type Recorder interface {
	PaymentProcessed(gateway models.Gateway, outcome string)
	SubscriptionsExpired(kind models.SubscriptionType, n int)
	DuplicatesDeleted(n int)
}

// Payment outcomes reported to the Recorder
const (
	OutcomeCompleted = "completed"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
	OutcomeDeclined  = "declined"
	OutcomeRefunded  = "refunded"
	OutcomeUnmatched = "unmatched"
	OutcomeError     = "error"
)

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notification) error { return nil }

type nopRecorder struct{}

func (nopRecorder) PaymentProcessed(models.Gateway, string)           {}
func (nopRecorder) SubscriptionsExpired(models.SubscriptionType, int) {}
func (nopRecorder) DuplicatesDeleted(int)                             {}
