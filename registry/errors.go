package registry

import (
	"errors"
	"fmt"

	"pettag-backend/db"
)

var (
	// ErrAuthenticityFailure means a gateway payload failed signature verification
	ErrAuthenticityFailure = errors.New("payment event failed authenticity verification")
	// ErrConfigurationMissing means a gateway was selected but is not configured
	ErrConfigurationMissing = errors.New("payment gateway is not configured")
	// ErrDuplicateDelivery means the idempotency key was already consumed
	ErrDuplicateDelivery = errors.New("duplicate payment delivery")
	// ErrReferentialIntegrity means a referenced entity vanished while money was in flight
	ErrReferentialIntegrity = errors.New("referenced entity no longer exists")
	// ErrConcurrencyConflict means a compare-and-set lost against a concurrent writer
	ErrConcurrencyConflict = errors.New("concurrent modification, try again")
	// ErrQuotaExceeded means a business limit rejected the request before any write
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrInvalidTransition means the requested state change is not allowed from the current state
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidEvent      = errors.New("invalid payment event")
	// ErrDuplicatesRemain is raised when a reconciler pass leaves duplicate active subscriptions
	ErrDuplicatesRemain = errors.New("duplicate active subscriptions remain")
	// ErrUniqueViolation means the store rejected a write on a unique index
	ErrUniqueViolation = db.ErrUniqueViolation
)

// Failure reasons recorded on failed payments
const (
	ReasonTagNotFound          = "tag_not_found"
	ReasonTagUnavailable       = "tag_unavailable"
	ReasonPartnerNotFound      = "partner_not_found"
	ReasonPartnerAccessDenied  = "partner_access_denied"
	ReasonSubscriptionNotFound = "subscription_not_found"
	ReasonSubscriptionInactive = "subscription_inactive"
	ReasonDuplicateActive      = "duplicate_active_subscription"
	ReasonGatewayDeclined      = "gateway_declined"
	ReasonMetadataInvalid      = "metadata_invalid"
)

// PaymentFailure is a business failure the engine records on the payment for
// manual reconciliation instead of retrying
type PaymentFailure struct {
	Reason string
	Err    error
}

func (f *PaymentFailure) Error() string {
	return fmt.Sprintf("payment failed (%s): %v", f.Reason, f.Err)
}

func (f *PaymentFailure) Unwrap() error {
	return f.Err
}

func failure(reason string, err error) *PaymentFailure {
	return &PaymentFailure{Reason: reason, Err: err}
}

// FailureReason extracts the recorded reason from err, if any
func FailureReason(err error) (string, bool) {
	var f *PaymentFailure
	if errors.As(err, &f) {
		return f.Reason, true
	}
	return "", false
}
