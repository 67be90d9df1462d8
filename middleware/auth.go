package middleware

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
)

const userIDLocal = "user_id"

// UserContextMiddleware reads the chat user id the gateway forwards in
// X-User-ID and stores it for handlers.
func UserContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := c.Get("X-User-ID")
		if raw == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing X-User-ID: requests must come through the gateway with user context",
			})
		}
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || userID <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "X-User-ID must be a positive integer",
			})
		}

		c.Locals(userIDLocal, userID)
		return c.Next()
	}
}

// UserID returns the id stored by UserContextMiddleware.
func UserID(c *fiber.Ctx) int64 {
	id, _ := c.Locals(userIDLocal).(int64)
	return id
}
