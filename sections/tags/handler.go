package tags

import (
	"log/slog"
	"net/http"

	"pettag-backend/common"
	"pettag-backend/registry"
	"pettag-backend/sections"
	"pettag-backend/sections/common/auth"
	"pettag-backend/sections/models"

	"github.com/gin-gonic/gin"
)

// Handler handles tag requests
type Handler struct {
	logger *slog.Logger
	deps   *sections.Dependencies
}

// NewHandler creates a new tag handler
func NewHandler(deps *sections.Dependencies) *Handler {
	return &Handler{
		logger: slog.With("handler", "TagHandler"),
		deps:   deps,
	}
}

type CreateTagRequest struct {
	PartnerID *uint `json:"partner_id,omitempty"`
}

type LinkPetRequest struct {
	PetID uint `json:"pet_id" binding:"required"`
}

// PublicTag is what anyone scanning a tag may see
type PublicTag struct {
	Code      string           `json:"code"`
	Status    models.TagStatus `json:"status"`
	PetID     *uint            `json:"petId,omitempty"`
	Protected bool             `json:"protected"`
	// Manage is the full record, present only for callers who may manage the tag
	Manage *models.Tag `json:"manage,omitempty"`
}

// Create creates a pending tag for a partner, or an unowned tag for administrators
func (h *Handler) Create(c *gin.Context) {
	var req CreateTagRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, common.ApiResponse[any]{Error: err.Error()})
			return
		}
	}
	userID, _ := auth.GetUserIDFromContext(c)

	tag, err := h.deps.Store.CreateTag(c.Request.Context(), registry.CreateTagParams{
		PartnerID: req.PartnerID,
		CreatedBy: userID,
		Admin:     auth.IsAdmin(c),
	}, h.deps.Manager.Now())
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, common.ApiResponse[*models.Tag]{Data: tag, Success: true})
}

// canManage reports whether the caller owns the tag, acts for its partner, or is an admin
func (h *Handler) canManage(c *gin.Context, tag *models.Tag) (bool, error) {
	if auth.IsAdmin(c) {
		return true, nil
	}
	userID, ok := auth.GetUserIDFromContext(c)
	if !ok {
		return false, nil
	}
	var snap *registry.PartnerSnapshot
	if tag.PartnerID != nil {
		var err error
		if snap, err = h.deps.Store.PartnerSnapshot(c.Request.Context(), *tag.PartnerID); err != nil {
			return false, err
		}
	}
	return registry.UserCanManageTag(tag, snap, userID), nil
}

// Lookup is the public scan endpoint. A signed-in owner, partner member or
// admin also gets the management view.
func (h *Handler) Lookup(c *gin.Context) {
	ctx := c.Request.Context()
	tag, err := h.deps.Store.TagByCode(ctx, c.Param("code"))
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}

	out := PublicTag{Code: tag.Code, Status: tag.Status}
	if tag.Status == models.TagActive {
		subs, err := h.deps.Store.TagSubscriptions(ctx, tag.ID)
		if err != nil {
			sections.WriteError(c, h.logger, err)
			return
		}
		out.Protected = registry.TagHasActiveSubscription(subs, h.deps.Manager.Now())
		if out.Protected {
			out.PetID = tag.PetID
		}
	}

	manage, err := h.canManage(c, tag)
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}
	if manage {
		out.Manage = tag
	}
	sections.OK(c, out)
}

func (h *Handler) Activate(c *gin.Context) {
	userID, _ := auth.GetUserIDFromContext(c)
	tag, err := h.deps.Store.ActivateTag(c.Request.Context(), c.Param("code"), userID, auth.IsAdmin(c), h.deps.Manager.Now())
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}
	sections.OK(c, tag)
}

func (h *Handler) Deactivate(c *gin.Context) {
	userID, _ := auth.GetUserIDFromContext(c)
	tag, err := h.deps.Store.DeactivateTag(c.Request.Context(), c.Param("code"), userID)
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}
	sections.OK(c, tag)
}

func (h *Handler) LinkPet(c *gin.Context) {
	var req LinkPetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, common.ApiResponse[any]{Error: err.Error()})
		return
	}
	userID, _ := auth.GetUserIDFromContext(c)
	tag, err := h.deps.Store.LinkPet(c.Request.Context(), c.Param("code"), userID, req.PetID)
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}
	sections.OK(c, tag)
}

// Subscriptions lists a tag's subscriptions for its owner, its partner or an administrator
func (h *Handler) Subscriptions(c *gin.Context) {
	ctx := c.Request.Context()
	tag, err := h.deps.Store.TagByCode(ctx, c.Param("code"))
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}

	manage, err := h.canManage(c, tag)
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}
	if !manage {
		sections.WriteError(c, h.logger, registry.ErrForbidden)
		return
	}

	subs, err := h.deps.Store.TagSubscriptions(ctx, tag.ID)
	if err != nil {
		sections.WriteError(c, h.logger, err)
		return
	}
	sections.OK(c, subs)
}
