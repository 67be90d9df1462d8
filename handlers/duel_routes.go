package handlers

import (
	"context"
	"io"
	"strconv"

	"emotion-duel/middleware"
	"emotion-duel/models"
	"emotion-duel/services"

	"github.com/gofiber/fiber/v2"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

const maxPhotoBytes = 10 << 20

// DuelSubmitter queues a duel for its post-barrier run.
type DuelSubmitter interface {
	Submit(ctx context.Context, duelID string) error
}

type profileRequest struct {
	FirstName string  `json:"first_name"`
	LastName  *string `json:"last_name"`
	Username  *string `json:"username"`
}

func SetupDuelRoutes(
	app fiber.Router,
	matchmaker *services.Matchmaker,
	coordinator *services.Coordinator,
	users *services.UserService,
	runner DuelSubmitter,
	logger zerolog.Logger,
) {
	log := logger.With().Str("component", "http").Logger()
	// Per-route so that public routes registered elsewhere stay reachable.
	userCtx := middleware.UserContextMiddleware()

	app.Put("/users/me", userCtx, func(c *fiber.Ctx) error {
		var req profileRequest
		if err := c.BodyParser(&req); err != nil || req.FirstName == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "first_name is required"})
		}
		user := &models.User{
			UserID:    middleware.UserID(c),
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Username:  req.Username,
		}
		if err := users.SaveUser(c.UserContext(), user); err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(user)
	})

	app.Get("/users/me/state", userCtx, func(c *fiber.Ctx) error {
		state, err := users.State(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(state)
	})

	// /start in the chat: refresh the profile, abandon whatever was going on.
	app.Post("/session/restart", userCtx, func(c *fiber.Ctx) error {
		userID := middleware.UserID(c)
		var req profileRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON"})
			}
		}
		if req.FirstName != "" {
			user := &models.User{UserID: userID, FirstName: req.FirstName, LastName: req.LastName, Username: req.Username}
			if err := users.SaveUser(c.UserContext(), user); err != nil {
				return respondError(c, log, err)
			}
		}
		return resetSession(c, matchmaker, coordinator, log)
	})

	app.Post("/session/exit", userCtx, func(c *fiber.Ctx) error {
		return resetSession(c, matchmaker, coordinator, log)
	})

	app.Post("/queue/random", userCtx, func(c *fiber.Ctx) error {
		result, err := matchmaker.FindRandom(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return respondError(c, log, err)
		}
		if result.Duel == nil {
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
				"entry":              result.Entry,
				"expires_in_seconds": int(matchmaker.RandomTTL().Seconds()),
			})
		}
		if result.Created {
			coordinator.AnnounceDuel(c.UserContext(), result.Duel)
		}
		return c.Status(fiber.StatusCreated).JSON(result)
	})

	app.Delete("/queue", userCtx, func(c *fiber.Ctx) error {
		left, err := matchmaker.Leave(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(fiber.Map{"left": left})
	})

	app.Post("/rooms", userCtx, func(c *fiber.Ctx) error {
		code, err := matchmaker.CreateRoom(c.UserContext(), middleware.UserID(c), matchmaker.RoomTTL())
		if err != nil {
			return respondError(c, log, err)
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"room_code":          code,
			"expires_in_seconds": int(matchmaker.RoomTTL().Seconds()),
		})
	})

	app.Post("/rooms/:code/join", userCtx, func(c *fiber.Ctx) error {
		code, err := strconv.Atoi(c.Params("code"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "room code must be 4 digits"})
		}
		duel, err := matchmaker.JoinRoom(c.UserContext(), middleware.UserID(c), code)
		if err != nil {
			return respondError(c, log, err)
		}
		coordinator.AnnounceDuel(c.UserContext(), duel)
		return c.Status(fiber.StatusCreated).JSON(duel)
	})

	app.Get("/duels/active", userCtx, func(c *fiber.Ctx) error {
		duel, err := coordinator.ActiveDuel(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(duel)
	})

	app.Post("/duels/photo", userCtx, func(c *fiber.Ctx) error {
		userID := middleware.UserID(c)
		photo, err := readPhoto(c)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		duel, err := coordinator.ActiveDuel(c.UserContext(), userID)
		if err != nil {
			return respondError(c, log, err)
		}
		barrier, err := coordinator.SubmitPhoto(c.UserContext(), duel.ID, userID, photo)
		if err != nil {
			return respondError(c, log, err)
		}

		if barrier == services.BarrierBothReceived {
			if err := runner.Submit(c.UserContext(), duel.ID); err != nil {
				// Left in scoring; the stalled duel worker releases it.
				log.Error().Err(err).Str("duel_id", duel.ID).Msg("failed to queue duel run")
			}
		}
		return c.JSON(fiber.Map{"duel_id": duel.ID, "barrier": barrier.String()})
	})
}

// resetSession cancels the active duel (telling the opponent) and leaves the
// queue.
func resetSession(c *fiber.Ctx, matchmaker *services.Matchmaker, coordinator *services.Coordinator, log zerolog.Logger) error {
	userID := middleware.UserID(c)
	cancelled, duel, err := matchmaker.CancelActive(c.UserContext(), userID)
	if err != nil {
		return respondError(c, log, err)
	}
	if cancelled {
		coordinator.AnnounceCancel(c.UserContext(), duel, userID)
	}
	left, err := matchmaker.Leave(c.UserContext(), userID)
	if err != nil {
		return respondError(c, log, err)
	}
	return c.JSON(fiber.Map{"cancelled_duel": duel, "left_queue": left})
}

func readPhoto(c *fiber.Ctx) ([]byte, error) {
	fh, err := c.FormFile("photo")
	if err != nil {
		return nil, eris.New("multipart field \"photo\" is required")
	}
	if fh.Size > maxPhotoBytes {
		return nil, eris.New("photo is too large")
	}
	f, err := fh.Open()
	if err != nil {
		return nil, eris.New("failed to open photo")
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxPhotoBytes))
	if err != nil || len(data) == 0 {
		return nil, eris.New("photo is empty or unreadable")
	}
	return data, nil
}
