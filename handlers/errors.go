package handlers

import (
	"errors"

	"emotion-duel/services"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

var errorStatuses = []struct {
	err    error
	status int
	code   string
}{
	{services.ErrUserAlreadyQueued, fiber.StatusConflict, "user_already_queued"},
	{services.ErrUserInDuel, fiber.StatusConflict, "user_in_duel"},
	{services.ErrRoomFull, fiber.StatusConflict, "room_full"},
	{services.ErrRoomNotFound, fiber.StatusNotFound, "room_not_found"},
	{services.ErrCodeSpaceExhausted, fiber.StatusServiceUnavailable, "code_space_exhausted"},
	{services.ErrNotWaiting, fiber.StatusConflict, "not_waiting"},
	{services.ErrDuelNotFound, fiber.StatusNotFound, "duel_not_found"},
	{services.ErrNoActiveDuel, fiber.StatusNotFound, "no_active_duel"},
	{services.ErrDuelNotActive, fiber.StatusConflict, "duel_not_active"},
	{services.ErrNotParticipant, fiber.StatusForbidden, "not_participant"},
	{services.ErrScoringFailed, fiber.StatusBadGateway, "scoring_failed"},
}

// respondError maps domain errors to statuses; anything unknown is a 500.
func respondError(c *fiber.Ctx, logger zerolog.Logger, err error) error {
	for _, e := range errorStatuses {
		if errors.Is(err, e.err) {
			if e.status >= fiber.StatusInternalServerError {
				logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
			}
			return c.Status(e.status).JSON(fiber.Map{"error": e.err.Error(), "code": e.code})
		}
	}

	logger.Error().Err(err).Str("path", c.Path()).Msg("❌ unexpected error")
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error", "code": "internal"})
}
