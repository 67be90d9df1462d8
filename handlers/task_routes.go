package handlers

import (
	"emotion-duel/services"

	"github.com/gofiber/fiber/v2"
)

// SetupTaskRoutes exposes the prompt catalog so the gateway can prefetch hint
// pictures by key.
func SetupTaskRoutes(app fiber.Router, catalog *services.TaskCatalog) {
	app.Get("/tasks", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"items": catalog.Tasks()})
	})
}
