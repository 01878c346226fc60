package session

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/Kenny010604/SERENVOICE-sub000/model"
	"github.com/Kenny010604/SERENVOICE-sub000/services"
	"github.com/Kenny010604/SERENVOICE-sub000/utils/middleware"
	"github.com/Kenny010604/SERENVOICE-sub000/utils/response"
	"github.com/Kenny010604/SERENVOICE-sub000/utils/validation"
)

// SessionHandler handles group analysis session requests
type SessionHandler struct {
	db        *gorm.DB
	sessions  *services.SessionService
	validator *validation.Validator
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(db *gorm.DB, sessions *services.SessionService) *SessionHandler {
	return &SessionHandler{
		db:        db,
		sessions:  sessions,
		validator: validation.NewValidator(),
	}
}

// CreateSessionRequest represents the request body for starting a group session
type CreateSessionRequest struct {
	Title       string     `json:"title" validate:"required,min=3,max=255"`
	Description string     `json:"description" validate:"omitempty,max=1000"`
	Deadline    *time.Time `json:"deadline" validate:"omitempty"`
}

// CreateSession handles POST /api/v1/groups/:group_id/sessions. The group's
// current membership is snapshotted as the fixed participant set.
func (h *SessionHandler) CreateSession(c *fiber.Ctx) error {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return response.Unauthorized(c, "User not authenticated")
	}

	var req CreateSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		return response.ValidationError(c, err)
	}
	if req.Deadline != nil && req.Deadline.Before(time.Now()) {
		return response.BadRequest(c, "Deadline must be in the future")
	}

	var group model.Group
	if err := h.db.Preload("Members").First(&group, c.Params("group_id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return response.NotFound(c, "Group not found")
		}
		return response.InternalServerError(c, "Failed to fetch group")
	}
	if group.OwnerID != userID {
		return response.Forbidden(c, "Only the group owner can start a session")
	}

	participantIDs := make([]uint, 0, len(group.Members))
	for _, m := range group.Members {
		participantIDs = append(participantIDs, m.UserID)
	}

	created, err := h.sessions.CreateSession(c.Context(), services.CreateSessionRequest{
		GroupID:            group.ID,
		Title:              validation.SanitizeString(req.Title),
		Description:        validation.SanitizeString(req.Description),
		ParticipantUserIDs: participantIDs,
		Deadline:           req.Deadline,
	})
	if err != nil {
		return respondServiceError(c, err)
	}

	return response.Created(c, created)
}

// GetStatus handles GET /api/v1/sessions/:id/status - the polling endpoint
func (h *SessionHandler) GetStatus(c *fiber.Ctx) error {
	view, err := h.sessions.GetSessionStatus(c.Context(), c.Params("id"))
	if err != nil {
		return respondServiceError(c, err)
	}
	return response.Success(c, view)
}

// GetResult handles GET /api/v1/sessions/:id/result
func (h *SessionHandler) GetResult(c *fiber.Ctx) error {
	result, err := h.sessions.GetGroupResult(c.Context(), c.Params("id"))
	if err != nil {
		return respondServiceError(c, err)
	}
	return response.Success(c, result)
}

// Cancel handles POST /api/v1/sessions/:id/cancel (admin only)
func (h *SessionHandler) Cancel(c *fiber.Ctx) error {
	cancelled, err := h.sessions.CancelSession(c.Context(), c.Params("id"))
	if err != nil {
		return respondServiceError(c, err)
	}
	return response.SuccessWithMessage(c, "Session cancelled", cancelled)
}

// respondServiceError translates coordinator errors into HTTP responses
func respondServiceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrSessionNotFound),
		errors.Is(err, services.ErrGroupNotFound),
		errors.Is(err, services.ErrParticipationNotFound):
		return response.NotFound(c, err.Error())
	case errors.Is(err, services.ErrNotParticipant):
		return response.Forbidden(c, err.Error())
	case errors.Is(err, services.ErrRecordingTooShort),
		errors.Is(err, services.ErrNoParticipants):
		return response.UnprocessableEntity(c, err.Error())
	case errors.Is(err, services.ErrResultNotReady):
		return response.NotReady(c, err.Error())
	case errors.Is(err, services.ErrInvalidState),
		errors.Is(err, services.ErrSessionNotActive):
		return response.InvalidState(c, err.Error())
	case errors.Is(err, services.ErrInference):
		return response.BadGateway(c, err.Error())
	case errors.Is(err, services.ErrAggregationConflict):
		return response.InternalServerError(c, "Session progress is inconsistent")
	default:
		return response.InternalServerError(c, "")
	}
}
