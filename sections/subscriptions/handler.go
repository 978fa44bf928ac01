package subscriptions

import (
	"log/slog"
	"net/http"
	"strconv"

	"pettag-backend/common"
	"pettag-backend/registry"
	"pettag-backend/sections"
	"pettag-backend/sections/common/auth"
	"pettag-backend/sections/models"

	"github.com/gin-gonic/gin"
)

// Handler handles subscription and partner requests made by their holders
type Handler struct {
	logger *slog.Logger
	deps   *sections.Dependencies
}

// NewHandler creates a new subscription handler
func NewHandler(deps *sections.Dependencies) *Handler {
	return &Handler{
		logger: slog.With("handler", "SubscriptionHandler"),
		deps:   deps,
	}
}

type AddMemberRequest struct {
	UserID uint `json:"user_id" binding:"required"`
}

// PartnerSummary reports a partner's quota position
type PartnerSummary struct {
	Partner       models.Partner               `json:"partner"`
	Active        bool                         `json:"active"`
	TagCount      int64                        `json:"tagCount"`
	TagLimit      int                          `json:"tagLimit"` // 0 means unlimited
	CanCreateTag  bool                         `json:"canCreateTag"`
	Subscriptions []models.PartnerSubscription `json:"subscriptions"`
}

func paramID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, common.ApiResponse[any]{Error: "invalid " + name})
		return 0, false
	}
	return uint(id), true
}

func (h *Handler) GetSubscription(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	userID, _ := auth.GetUserIDFromContext(c)
	sub, err := h.deps.Store.SubscriptionByID(c.Request.Context(), id)
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}
	if sub.UserID != userID && !auth.IsAdmin(c) {
		sections.WriteError(c, h.logger, registry.ErrNotFound)
		return
	}
	sections.OK(c, sub)
}

// Cancel stops auto-renew; the subscription stays usable until its end date
func (h *Handler) Cancel(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	userID, _ := auth.GetUserIDFromContext(c)
	sub, err := h.deps.Manager.RequestCancellation(c.Request.Context(), id, userID)
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}
	sections.OK(c, sub)
}

func (h *Handler) Reactivate(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	userID, _ := auth.GetUserIDFromContext(c)
	sub, err := h.deps.Manager.ReactivateAutoRenew(c.Request.Context(), id, userID)
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}
	sections.OK(c, sub)
}

// GetPartner summarizes a partner for its owner, members and administrators
func (h *Handler) GetPartner(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	userID, _ := auth.GetUserIDFromContext(c)
	snap, err := h.deps.Store.PartnerSnapshot(c.Request.Context(), id)
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}
	if !registry.UserHasAccess(snap, userID) && !auth.IsAdmin(c) {
		sections.WriteError(c, h.logger, registry.ErrNotFound)
		return
	}

	now := h.deps.Manager.Now()
	limit, active := registry.EffectiveTagLimit(snap, now)
	sections.OK(c, PartnerSummary{
		Partner:       snap.Partner,
		Active:        active,
		TagCount:      snap.TagCount,
		TagLimit:      limit,
		CanCreateTag:  registry.PartnerCanCreateTag(snap, now),
		Subscriptions: snap.Subscriptions,
	})
}

func (h *Handler) AddMember(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req AddMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, common.ApiResponse[any]{Error: err.Error()})
		return
	}
	userID, _ := auth.GetUserIDFromContext(c)
	if err := h.deps.Store.AddPartnerMember(c.Request.Context(), id, userID, req.UserID, auth.IsAdmin(c)); err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}
	h.logger.Info("Partner member added", "partner_id", id, "member_id", req.UserID, "by", userID)
	sections.OK(c, gin.H{"partnerId": id, "userId": req.UserID})
}

func (h *Handler) GetPartnerSubscription(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	userID, _ := auth.GetUserIDFromContext(c)
	ctx := c.Request.Context()
	ps, err := h.deps.Store.PartnerSubscriptionByID(ctx, id)
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}
	if !auth.IsAdmin(c) {
		snap, err := h.deps.Store.PartnerSnapshot(ctx, ps.PartnerID)
		if err != nil {
			sections.WriteError(c, h.logger, err)
			return
		}
		if !registry.UserHasAccess(snap, userID) {
			sections.WriteError(c, h.logger, registry.ErrNotFound)
			return
		}
	}
	sections.OK(c, ps)
}

func (h *Handler) CancelPartnerSubscription(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	userID, _ := auth.GetUserIDFromContext(c)
	ps, err := h.deps.Manager.RequestPartnerCancellation(c.Request.Context(), id, userID)
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}
	sections.OK(c, ps)
}

func (h *Handler) ReactivatePartnerSubscription(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	userID, _ := auth.GetUserIDFromContext(c)
	ps, err := h.deps.Manager.ReactivatePartnerAutoRenew(c.Request.Context(), id, userID)
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}
	sections.OK(c, ps)
}
