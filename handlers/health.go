package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/Kenny010604/SERENVOICE-sub000/database"
)

// HandleCheckHealth reports liveness plus database reachability
func HandleCheckHealth(store database.Storage) fiber.Handler {
	return func(c *fiber.Ctx) error {
		dbStatus := "ok"
		if err := store.HealthCheck(); err != nil {
			dbStatus = "unreachable"
		}
		return c.JSON(fiber.Map{
			"status":   "ok",
			"database": dbStatus,
		})
	}
}
