package auth

import (
	"github.com/gofiber/fiber/v2"

	"github.com/Kenny010604/SERENVOICE-sub000/utils/middleware"
	"github.com/Kenny010604/SERENVOICE-sub000/utils/response"
)

// GetProfile returns the authenticated user's profile
func (h *AuthHandler) GetProfile(c *fiber.Ctx) error {
	user, ok := middleware.GetUser(c)
	if !ok || user == nil {
		return response.Unauthorized(c, "User not authenticated")
	}

	return response.Success(c, UserResponse{
		ID:        user.ID,
		Email:     user.Email,
		Name:      user.Name,
		Role:      user.Role,
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
	})
}
