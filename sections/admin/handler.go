package admin

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pettag-backend/common"
	"pettag-backend/jobs"
	"pettag-backend/registry"
	"pettag-backend/sections"
	"pettag-backend/sections/common/auth"
	"pettag-backend/sections/models"
	"pettag-backend/sections/payments"
	"pettag-backend/storage"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// ManualTransactionPrefix namespaces manual references so they never collide with gateway ids
const ManualTransactionPrefix = "manual-"

// Handler serves administrator and maintenance endpoints
type Handler struct {
	logger *slog.Logger
	deps   *sections.Dependencies
}

// NewHandler creates a new admin handler
func NewHandler(deps *sections.Dependencies) *Handler {
	return &Handler{
		logger: slog.With("handler", "AdminHandler"),
		deps:   deps,
	}
}

type RejectRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// RenewRequest extends a subscription by hand. Without an end date the
// subscription gains one billing period.
type RenewRequest struct {
	Kind    models.SubscriptionType `json:"kind"`
	EndDate *time.Time              `json:"end_date"`
}

// RenewResponse carries whichever subscription was renewed
type RenewResponse struct {
	Subscription        *models.Subscription        `json:"subscription,omitempty"`
	PartnerSubscription *models.PartnerSubscription `json:"partnerSubscription,omitempty"`
}

// RenewalFailureRequest reports a renewal charge that failed outside the gateways
type RenewalFailureRequest struct {
	Kind   models.SubscriptionType `json:"kind"`
	Reason string                  `json:"reason" binding:"required"`
}

// RenewalFailureResponse tells whether the failure used up the last attempt
type RenewalFailureResponse struct {
	Expired bool `json:"expired"`
}

// ManualPaymentRequest records money received outside the gateways
type ManualPaymentRequest struct {
	Reference        string                  `json:"reference" binding:"required"`
	UserID           uint                    `json:"user_id" binding:"required"`
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
}

func paramID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, common.ApiResponse[any]{Error: "invalid id"})
		return 0, false
	}
	return uint(id), true
}

func adminID(c *gin.Context) uint {
	id, _ := auth.GetUserIDFromContext(c)
	return id
}

func (h *Handler) ApprovePartnerSubscription(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	ps, err := h.deps.Manager.ApprovePartnerSubscription(c.Request.Context(), id, adminID(c))
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}
	sections.OK(c, ps)
}

func (h *Handler) RejectPartnerSubscription(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req RejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, common.ApiResponse[any]{Error: err.Error()})
		return
	}
	ps, err := h.deps.Manager.RejectPartnerSubscription(c.Request.Context(), id, adminID(c), req.Reason)
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}
	sections.OK(c, ps)
}

func (h *Handler) CancelPartnerSubscription(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	ps, err := h.deps.Manager.CancelPartnerSubscription(c.Request.Context(), id, adminID(c))
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}
	sections.OK(c, ps)
}

func (h *Handler) CancelSubscription(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	sub, err := h.deps.Manager.CancelSubscription(c.Request.Context(), id, adminID(c))
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}
	sections.OK(c, sub)
}

func (h *Handler) RenewSubscription(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req RenewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, common.ApiResponse[any]{Error: err.Error()})
		return
	}
	if req.EndDate != nil && !req.EndDate.After(h.deps.Manager.Now()) {
		c.JSON(http.StatusBadRequest, common.ApiResponse[any]{Error: "end_date must be in the future"})
		return
	}
	sub, ps, err := h.deps.Manager.Renew(c.Request.Context(), req.Kind, id, req.EndDate)
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}
	h.logger.Info("Subscription renewed by administrator", "id", id, "kind", req.Kind, "admin_id", adminID(c))
	sections.OK(c, RenewResponse{Subscription: sub, PartnerSubscription: ps})
}

func (h *Handler) RecordRenewalFailure(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req RenewalFailureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, common.ApiResponse[any]{Error: err.Error()})
		return
	}
	expired, err := h.deps.Manager.RecordRenewalFailure(c.Request.Context(), req.Kind, id, req.Reason)
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}
	sections.OK(c, RenewalFailureResponse{Expired: expired})
}

// RecordManualPayment runs a payment received outside the gateways through the engine
func (h *Handler) RecordManualPayment(c *gin.Context) {
	var req ManualPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, common.ApiResponse[any]{Error: err.Error()})
		return
	}

	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = "USD"
	}
	ev := registry.PaymentEvent{
		Gateway:              models.GatewayManual,
		GatewayTransactionID: ManualTransactionPrefix + strings.TrimSpace(req.Reference),
		Amount:               req.Amount,
		Currency:             currency,
		UserID:               req.UserID,
		PaymentType:          req.PaymentType,
		ClaimingTagCode:      common.NormalizeTagCode(req.TagCode),
		BillingPeriod:        req.BillingPeriod,
		PartnerID:            req.PartnerID,
		PartnerName:          req.PartnerName,
		PricingPlanID:        req.PricingPlanID,
		SubscriptionID:       req.SubscriptionID,
		SubscriptionKind:     req.SubscriptionKind,
		Metadata:             map[string]string{"recorded_by": strconv.FormatUint(uint64(adminID(c)), 10)},
	}

	res, err := h.deps.Engine.Process(c.Request.Context(), ev)
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}
	h.logger.Info("Manual payment recorded", "transaction_id", ev.GatewayTransactionID, "admin_id", adminID(c),
		"duplicate", res.Duplicate)
	sections.OK(c, payments.NewPaymentResponse(res))
}

// RefundPayment marks a completed payment refunded and ends what it paid for.
// Returning the money at the gateway happens in the gateway dashboard.
func (h *Handler) RefundPayment(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	payment, err := h.deps.Store.PaymentByID(ctx, id)
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}
	res, err := h.deps.Engine.Refund(ctx, payment.GatewayTransactionID)
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}
	h.logger.Info("Payment refunded", "payment_id", id, "admin_id", adminID(c))
	sections.OK(c, payments.NewPaymentResponse(res))
}

// ReconcileDuplicates collapses duplicate active subscriptions. ?dry_run=true only reports.
func (h *Handler) ReconcileDuplicates(c *gin.Context) {
	dryRun, _ := strconv.ParseBool(c.DefaultQuery("dry_run", "false"))
	report, err := h.deps.Reconciler.Run(c.Request.Context(), dryRun)
	if err != nil && !errors.Is(err, registry.ErrDuplicatesRemain) {
		sections.WriteError(c, h.logger, err)
		return
	}
	if err != nil && !dryRun {
		c.JSON(http.StatusConflict, common.ApiResponse[*registry.DuplicateReport]{Data: report, Error: "duplicate subscriptions remain"})
		return
	}
	sections.OK(c, report)
}

func (h *Handler) ExpireDue(c *gin.Context) {
	report, err := h.deps.Manager.ExpireDue(c.Request.Context())
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}
	sections.OK(c, report)
}

// DueForRenewal lists entitlements ending within ?lookahead (a Go duration)
func (h *Handler) DueForRenewal(c *gin.Context) {
	lookahead := h.deps.Config.RenewalLookahead()
	if v := c.Query("lookahead"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, common.ApiResponse[any]{Error: "invalid lookahead"})
			return
		}
		lookahead = d
	}
	due, err := h.deps.Manager.DueForRenewal(c.Request.Context(), lookahead)
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}
	sections.OK(c, due)
}

// RunJob runs a scheduled job immediately on this replica
func (h *Handler) RunJob(c *gin.Context) {
	name := c.Param("name")
	err := h.deps.Scheduler.RunNow(c.Request.Context(), name)
	switch {
	case err == nil:
		sections.OK(c, gin.H{"job": name, "result": "ok"})
	case errors.Is(err, jobs.ErrUnknownJob):
		c.JSON(http.StatusNotFound, common.ApiResponse[any]{Error: "unknown job"})
	case errors.Is(err, storage.ErrLockHeld):
		c.JSON(http.StatusConflict, common.ApiResponse[any]{Error: "job is already running"})
	default:
		sections.WriteError(c, h.logger, err)
	}
}
