package handlers

import (
	"emotion-duel/middleware"
	"emotion-duel/services"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

func SetupStatsRoutes(app fiber.Router, stats *services.StatsService, logger zerolog.Logger) {
	log := logger.With().Str("component", "http").Logger()

	app.Get("/users/me/history", middleware.UserContextMiddleware(), func(c *fiber.Ctx) error {
		limit := c.QueryInt("limit", services.DefaultHistoryLimit)
		offset := c.QueryInt("offset", 0)

		entries, err := stats.History(c.UserContext(), middleware.UserID(c), limit, offset)
		if err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(fiber.Map{"items": entries, "limit": limit, "offset": offset})
	})

	app.Get("/leaderboard", func(c *fiber.Ctx) error {
		entries, err := stats.Leaderboard(c.UserContext(), c.QueryInt("limit", services.DefaultLeaderboardLimit))
		if err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(fiber.Map{"items": entries})
	})
}
