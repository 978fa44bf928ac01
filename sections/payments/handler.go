package payments

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"pettag-backend/common"
	"pettag-backend/registry"
	"pettag-backend/sections"
	"pettag-backend/sections/common/auth"
	"pettag-backend/sections/models"
	"pettag-backend/services"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// Handler handles payment-related requests
type Handler struct {
	logger *slog.Logger
	deps   *sections.Dependencies
}

// NewHandler creates a new payment handler
func NewHandler(deps *sections.Dependencies) *Handler {
	return &Handler{
		logger: slog.With("handler", "PaymentHandler"),
		deps:   deps,
	}
}

// CreateIntentRequest asks a gateway for a payment the client then confirms.
// Amount and currency are ignored when a pricing plan is given.
type CreateIntentRequest struct {
	Gateway          models.Gateway          `json:"gateway,omitempty"`
	Amount           decimal.Decimal         `json:"amount"`
	Currency         string                  `json:"currency"`
	PaymentType      models.PaymentType      `json:"payment_type" binding:"required"`
	TagCode          string                  `json:"tag_code,omitempty"`
	BillingPeriod    models.BillingPeriod    `json:"billing_period,omitempty"`
	PartnerID        *uint                   `json:"partner_id,omitempty"`
	PartnerName      string                  `json:"partner_name,omitempty"`
	PricingPlanID    *uint                   `json:"pricing_plan_id,omitempty"`
	SubscriptionID   *uint                   `json:"subscription_id,omitempty"`
	SubscriptionKind models.SubscriptionType `json:"subscription_kind,omitempty"`
	Description      string                  `json:"description,omitempty"`
}

// CompletePayPalRequest is sent when the payer returns from the PayPal approval page
type CompletePayPalRequest struct {
	GatewayPaymentID string `json:"gateway_payment_id" binding:"required"`
	PayerID          string `json:"payer_id" binding:"required"`
}

// PaymentResponse describes the payment a request produced or replayed
type PaymentResponse struct {
	Payment               *models.Payment `json:"payment,omitempty"`
	Duplicate             bool            `json:"duplicate"`
	SubscriptionID        *uint           `json:"subscriptionId,omitempty"`
	PartnerSubscriptionID *uint           `json:"partnerSubscriptionId,omitempty"`
}

// NewPaymentResponse flattens an engine result for the API
func NewPaymentResponse(res *registry.Result) PaymentResponse {
	out := PaymentResponse{}
	if res == nil {
		return out
	}
	out.Payment = res.Payment
	out.Duplicate = res.Duplicate
	if res.Subscription != nil {
		out.SubscriptionID = &res.Subscription.ID
	}
	if res.PartnerSubscription != nil {
		out.PartnerSubscriptionID = &res.PartnerSubscription.ID
	}
	if res.Payment != nil {
		// replays only carry the stored payment
		if out.SubscriptionID == nil {
			out.SubscriptionID = res.Payment.SubscriptionID
		}
		if out.PartnerSubscriptionID == nil {
			out.PartnerSubscriptionID = res.Payment.PartnerSubscriptionID
		}
	}
	return out
}

func idString(id *uint) string {
	if id == nil {
		return ""
	}
	return strconv.FormatUint(uint64(*id), 10)
}

// intentMetadata is what the gateway echoes back on webhook and redirect
// deliveries. Empty values are dropped.
func intentMetadata(userID uint, req *CreateIntentRequest) map[string]string {
	all := map[string]string{
		registry.MetaUserID:           strconv.FormatUint(uint64(userID), 10),
		registry.MetaPaymentType:      string(req.PaymentType),
		registry.MetaTagCode:          common.NormalizeTagCode(req.TagCode),
		registry.MetaBillingPeriod:    string(req.BillingPeriod),
		registry.MetaPartnerID:        idString(req.PartnerID),
		registry.MetaPartnerName:      req.PartnerName,
		registry.MetaPricingPlanID:    idString(req.PricingPlanID),
		registry.MetaSubscriptionID:   idString(req.SubscriptionID),
		registry.MetaSubscriptionKind: string(req.SubscriptionKind),
	}
	meta := make(map[string]string, len(all))
	for k, v := range all {
		if v != "" {
			meta[k] = v
		}
	}
	return meta
}

// CreateIntent creates a payment intent on the selected gateway
func (h *Handler) CreateIntent(c *gin.Context) {
	var req CreateIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, common.ApiResponse[any]{Error: err.Error()})
		return
	}

	claims, ok := auth.GetClaimsFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, common.ApiResponse[any]{Error: "unauthorized"})
		return
	}

	ctx := c.Request.Context()
	if req.PricingPlanID != nil {
		plan, err := h.deps.Store.PricingPlanByID(ctx, *req.PricingPlanID)
		if err != nil {
			sections.WriteError(c, h.logger, err)
			return
		}
		if !plan.IsActive {
			sections.WriteError(c, h.logger, registry.ErrNotFound)
			return
		}
		req.Amount = plan.Price
		req.Currency = plan.Currency
		req.BillingPeriod = plan.BillingPeriod
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}

	meta := intentMetadata(claims.UserID, &req)

	// reject what the engine would refuse before money moves
	ev, err := registry.EventFromMetadata(req.Gateway, "intent", req.Amount, req.Currency, meta)
	if err == nil {
		err = ev.Validate()
	}
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}

	intent, err := h.deps.Gateways.CreateIntent(ctx, req.Gateway, services.IntentRequest{
		Amount:      req.Amount,
		Currency:    ev.Currency,
		Description: req.Description,
		Metadata:    meta,
	})
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}

	h.logger.Info("Created payment intent", "gateway", intent.Gateway, "transaction_id", intent.TransactionID,
		"user_id", claims.UserID, "payment_type", req.PaymentType, "amount", req.Amount.String())

	sections.OK(c, *intent)
}

// ListGateways reports which gateways can take payments
func (h *Handler) ListGateways(c *gin.Context) {
	sections.OK(c, h.deps.Gateways.Available())
}

// ListPlans lists active pricing plans, tag plans by default
func (h *Handler) ListPlans(c *gin.Context) {
	planType := models.PlanType(c.DefaultQuery("type", string(models.PlanTag)))
	plans, err := h.deps.Store.ActivePricingPlans(c.Request.Context(), planType)
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}
	sections.OK(c, plans)
}

// GetPayment returns a payment to its payer or an administrator
func (h *Handler) GetPayment(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, common.ApiResponse[any]{Error: "invalid payment id"})
		return
	}
	userID, _ := auth.GetUserIDFromContext(c)

	payment, err := h.deps.Store.PaymentByID(c.Request.Context(), uint(id))
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}
	if payment.UserID != userID && !auth.IsAdmin(c) {
		sections.WriteError(c, h.logger, registry.ErrNotFound)
		return
	}
	sections.OK(c, payment)
}

// HandleStripeWebhook processes Stripe webhook events
func (h *Handler) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.logger.Error("Failed to read webhook body", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	outcome, err := h.deps.Stripe.ParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	h.handleWebhook(c, models.GatewayStripe, outcome, err)
}

// HandlePayPalWebhook processes PayPal webhook events
func (h *Handler) HandlePayPalWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.logger.Error("Failed to read webhook body", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	outcome, err := h.deps.PayPal.ParseWebhook(c.Request.Context(), c.Request.Header, payload)
	h.handleWebhook(c, models.GatewayPayPal, outcome, err)
}

// handleWebhook acknowledges everything retrying cannot fix. Only
// unverifiable deliveries and transient failures make the gateway retry.
func (h *Handler) handleWebhook(c *gin.Context, gateway models.Gateway, outcome *services.WebhookOutcome, err error) {
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrConfigurationMissing):
			h.deps.Metrics.WebhookRejected(gateway, "unconfigured")
			h.logger.Error("Webhook received for unconfigured gateway", "gateway", gateway)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gateway not configured"})
		case errors.Is(err, registry.ErrInvalidEvent):
			h.deps.Metrics.WebhookRejected(gateway, "invalid_event")
			h.logger.Error("Webhook payload unusable, nothing recorded", "gateway", gateway, "error", err)
			c.JSON(http.StatusOK, gin.H{"received": true})
		case errors.Is(err, registry.ErrAuthenticityFailure):
			h.deps.Metrics.WebhookRejected(gateway, "signature")
			h.logger.Warn("Failed to verify webhook", "gateway", gateway, "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		default:
			h.logger.Error("Failed to parse webhook", "gateway", gateway, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook processing failed"})
		}
		return
	}

	logger := h.logger.With("gateway", gateway, "event_id", outcome.EventID, "type", outcome.EventType)
	res, err := services.ApplyOutcome(c.Request.Context(), h.deps.Engine, outcome)
	if err != nil {
		if reason, ok := registry.FailureReason(err); ok {
			// recorded as a failed payment for manual reconciliation
			logger.Warn("Webhook payment failed", "reason", reason, "error", err)
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		if errors.Is(err, registry.ErrInvalidEvent) || errors.Is(err, registry.ErrNotFound) {
			logger.Warn("Webhook not applicable", "error", err)
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		logger.Error("Failed to apply webhook", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook processing failed"})
		return
	}

	switch outcome.Kind {
	case services.WebhookIgnored:
		logger.Debug("Unhandled webhook event type")
	case services.WebhookUnusable:
		h.deps.Metrics.WebhookRejected(gateway, "invalid_event")
		logger.Error("Webhook payment kept for manual reconciliation",
			"gateway_transaction_id", outcome.Event.GatewayTransactionID, "error", outcome.Problem)
	default:
		logger.Info("Webhook applied", "kind", outcome.Kind, "duplicate", res != nil && res.Duplicate)
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// CompletePayPal executes an approved PayPal payment for the returning payer
func (h *Handler) CompletePayPal(c *gin.Context) {
	var req CompletePayPalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, common.ApiResponse[any]{Error: err.Error()})
		return
	}
	userID, ok := auth.GetUserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, common.ApiResponse[any]{Error: "unauthorized"})
		return
	}

	ctx := c.Request.Context()
	outcome, err := h.deps.PayPal.ExecutePayment(ctx, req.GatewayPaymentID, req.PayerID)
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}
	if outcome.Kind == services.WebhookIgnored {
		c.JSON(http.StatusConflict, common.ApiResponse[any]{Error: "payment is not approved"})
		return
	}
	if outcome.Event.UserID != userID {
		h.logger.Warn("PayPal payment completed by another user", "payment_id", req.GatewayPaymentID,
			"payer_user_id", outcome.Event.UserID, "user_id", userID)
		sections.WriteError(c, h.logger, registry.ErrForbidden)
		return
	}

	res, err := services.ApplyOutcome(ctx, h.deps.Engine, outcome)
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}
	if outcome.Kind == services.WebhookFailed {
		c.JSON(http.StatusUnprocessableEntity, common.ApiResponse[PaymentResponse]{
			Data:  NewPaymentResponse(res),
			Error: "payment was declined",
		})
		return
	}
	sections.OK(c, NewPaymentResponse(res))
}
