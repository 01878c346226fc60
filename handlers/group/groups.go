package group

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/Kenny010604/SERENVOICE-sub000/model"
	"github.com/Kenny010604/SERENVOICE-sub000/utils/middleware"
	"github.com/Kenny010604/SERENVOICE-sub000/utils/response"
	"github.com/Kenny010604/SERENVOICE-sub000/utils/validation"
)

// GroupHandler handles wellness group requests
type GroupHandler struct {
	db        *gorm.DB
	validator *validation.Validator
}

// NewGroupHandler creates a new group handler
func NewGroupHandler(db *gorm.DB) *GroupHandler {
	return &GroupHandler{
		db:        db,
		validator: validation.NewValidator(),
	}
}

// CreateGroupRequest represents the request body for creating a group
type CreateGroupRequest struct {
	Name        string `json:"name" validate:"required,min=3,max=255"`
	Description string `json:"description" validate:"omitempty,max=1000"`
}

// AddMemberRequest represents the request body for adding a member
type AddMemberRequest struct {
	UserID uint `json:"user_id" validate:"required,min=1"`
}

// CreateGroup handles POST /api/v1/groups
func (h *GroupHandler) CreateGroup(c *fiber.Ctx) error {
	user, ok := middleware.GetUser(c)
	if !ok || user == nil {
		return response.Unauthorized(c, "User not authenticated")
	}

	var req CreateGroupRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		return response.ValidationError(c, err)
	}
	req.Name = validation.SanitizeString(req.Name)
	req.Description = validation.SanitizeString(req.Description)

	group := model.Group{
		Name:        req.Name,
		Description: req.Description,
		OwnerID:     user.ID,
	}

	// The owner is always a member of their own group
	err := h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&group).Error; err != nil {
			return err
		}
		return tx.Create(&model.GroupMember{GroupID: group.ID, UserID: user.ID}).Error
	})
	if err != nil {
		return response.InternalServerError(c, "Failed to create group")
	}

	return response.Created(c, group)
}

// ListGroups handles GET /api/v1/groups - groups the caller belongs to
func (h *GroupHandler) ListGroups(c *fiber.Ctx) error {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return response.Unauthorized(c, "User not authenticated")
	}

	var groups []model.Group
	err := h.db.
		Joins("JOIN group_members ON group_members.group_id = groups.id").
		Where("group_members.user_id = ?", userID).
		Order("groups.created_at DESC").
		Find(&groups).Error
	if err != nil {
		return response.InternalServerError(c, "Failed to fetch groups")
	}

	return response.Success(c, groups)
}

// GetGroup handles GET /api/v1/groups/:id
func (h *GroupHandler) GetGroup(c *fiber.Ctx) error {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return response.Unauthorized(c, "User not authenticated")
	}
	id := c.Params("id")

	var group model.Group
	if err := h.db.Preload("Members.User").First(&group, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return response.NotFound(c, "Group not found")
		}
		return response.InternalServerError(c, "Failed to fetch group")
	}

	if !h.isMember(&group, userID) {
		return response.Forbidden(c, "You are not a member of this group")
	}

	return response.Success(c, group)
}

// AddMember handles POST /api/v1/groups/:id/members (owner only)
func (h *GroupHandler) AddMember(c *fiber.Ctx) error {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return response.Unauthorized(c, "User not authenticated")
	}
	id := c.Params("id")

	var req AddMemberRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		return response.ValidationError(c, err)
	}

	var group model.Group
	if err := h.db.First(&group, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return response.NotFound(c, "Group not found")
		}
		return response.InternalServerError(c, "Failed to fetch group")
	}
	if group.OwnerID != userID {
		return response.Forbidden(c, "Only the group owner can add members")
	}

	var user model.User
	if err := h.db.First(&user, req.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return response.NotFound(c, "User not found")
		}
		return response.InternalServerError(c, "Failed to verify user")
	}

	member := model.GroupMember{GroupID: group.ID, UserID: req.UserID}
	if err := h.db.Create(&member).Error; err != nil {
		return response.Conflict(c, "User is already a member of this group")
	}

	return response.Created(c, member)
}

func (h *GroupHandler) isMember(group *model.Group, userID uint) bool {
	for _, m := range group.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}
