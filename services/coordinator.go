package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"emotion-duel/models"
	"emotion-duel/store"
	"emotion-duel/utils"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

const DefaultDrawEpsilon = 1e-3

// Barrier tells the caller of SubmitPhoto whether the duel is ready to score.
type Barrier int

const (
	BarrierWaitingForOpponent Barrier = iota
	BarrierBothReceived
)

func (b Barrier) String() string {
	if b == BarrierBothReceived {
		return "both_received"
	}
	return "waiting_for_opponent"
}

// PhotoStore holds submitted photos between upload and scoring.
type PhotoStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, keys ...string) error
}

// ScoringError marks every failure of RunScoring. errors.Is matches it
// against ErrScoringFailed and against its cause.
type ScoringError struct {
	DuelID string
	Err    error
}

func (e *ScoringError) Error() string {
	return fmt.Sprintf("scoring duel %s failed: %v", e.DuelID, e.Err)
}

func (e *ScoringError) Unwrap() error { return e.Err }

func (e *ScoringError) Is(target error) bool { return target == ErrScoringFailed }

type DuelScores struct {
	ScoreA       float64      `json:"score_a"`
	ScoreB       float64      `json:"score_b"`
	WinnerUserID *int64       `json:"winner_user_id,omitempty"`
	Duel         *models.Duel `json:"duel"`
}

type CoordinatorConfig struct {
	ScorerTimeout time.Duration
	DrawEpsilon   float64
	CleanupPhotos bool
}

// Coordinator drives a duel from photo submission to its committed result.
type Coordinator struct {
	store    *store.Store
	scorer   Scorer
	photos   PhotoStore
	notifier Notifier
	stats    *StatsService
	users    *UserService
	cfg      CoordinatorConfig
	log      zerolog.Logger
	now      func() time.Time
}

func NewCoordinator(
	st *store.Store,
	scorer Scorer,
	photos PhotoStore,
	notifier Notifier,
	stats *StatsService,
	users *UserService,
	cfg CoordinatorConfig,
	logger zerolog.Logger,
) *Coordinator {
	return &Coordinator{
		store:    st,
		scorer:   scorer,
		photos:   photos,
		notifier: notifier,
		stats:    stats,
		users:    users,
		cfg:      cfg,
		log:      logger.With().Str("component", "coordinator").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// PhotoKey is where a participant's photo for a duel is stored.
func PhotoKey(duelID string, userID int64) string {
	return fmt.Sprintf("duels/%s/%d.jpg", duelID, userID)
}

// ActiveDuel returns the user's duel in waiting_photos or scoring.
func (c *Coordinator) ActiveDuel(ctx context.Context, userID int64) (*models.Duel, error) {
	duel, err := c.store.ActiveDuel(ctx, userID)
	if err != nil {
		return nil, err
	}
	if duel == nil {
		return nil, eris.Wrapf(ErrNoActiveDuel, "user %d", userID)
	}
	return duel, nil
}

// SubmitPhoto stores the participant's photo and closes the barrier when
// both photos are in. BarrierBothReceived is returned exactly once per duel.
func (c *Coordinator) SubmitPhoto(ctx context.Context, duelID string, userID int64, photo []byte) (Barrier, error) {
	duel, err := c.getDuel(ctx, duelID)
	if err != nil {
		return BarrierWaitingForOpponent, err
	}
	if !duel.HasParticipant(userID) {
		return BarrierWaitingForOpponent, eris.Wrapf(ErrNotParticipant, "user %d, duel %s", userID, duelID)
	}
	if duel.Status != models.DuelWaitingPhotos {
		return BarrierWaitingForOpponent, eris.Wrapf(ErrDuelNotActive, "duel %s is %s", duelID, duel.Status)
	}

	if err := c.photos.Put(ctx, PhotoKey(duelID, userID), photo); err != nil {
		return BarrierWaitingForOpponent, err
	}

	barrier := BarrierWaitingForOpponent
	err = c.store.Transaction(ctx, func(tx *store.Tx) error {
		locked, err := tx.LockDuel(duelID)
		if err != nil {
			return err
		}
		if locked.Status != models.DuelWaitingPhotos {
			return eris.Wrapf(ErrDuelNotActive, "duel %s is %s", duelID, locked.Status)
		}

		fields := map[string]any{}
		otherIn := locked.PhotoBReceived
		if locked.UserAID == userID {
			fields["photo_a_received"] = true
		} else {
			fields["photo_b_received"] = true
			otherIn = locked.PhotoAReceived
		}
		if otherIn {
			fields["status"] = models.DuelScoring
			barrier = BarrierBothReceived
		}

		ok, err := tx.UpdateDuel(duelID, models.DuelWaitingPhotos, fields)
		if err != nil {
			return err
		}
		if !ok {
			return eris.Wrapf(ErrDuelNotActive, "duel %s", duelID)
		}
		return nil
	})
	if err != nil {
		return BarrierWaitingForOpponent, err
	}

	c.log.Info().
		Str("duel_id", duelID).
		Int64("user_id", userID).
		Stringer("barrier", barrier).
		Msg("📸 photo received")
	return barrier, nil
}

// RunScoring scores a duel in status scoring and commits the result. On any
// failure the duel stays in scoring with no scores and a *ScoringError is
// returned. The scorer is called outside of any transaction.
func (c *Coordinator) RunScoring(ctx context.Context, duelID string) (*DuelScores, error) {
	duel, err := c.getDuel(ctx, duelID)
	if err != nil {
		return nil, err
	}
	if duel.Status != models.DuelScoring {
		return nil, eris.Wrapf(ErrDuelNotActive, "duel %s is %s", duelID, duel.Status)
	}

	photoA, err := c.loadPhoto(ctx, duel, duel.UserAID)
	if err != nil {
		return nil, &ScoringError{DuelID: duelID, Err: err}
	}
	photoB, err := c.loadPhoto(ctx, duel, duel.UserBID)
	if err != nil {
		return nil, &ScoringError{DuelID: duelID, Err: err}
	}

	scoreCtx, cancel := context.WithTimeout(ctx, c.cfg.ScorerTimeout)
	pair, err := c.scorer.Score(scoreCtx, duel.PromptText, photoA, photoB)
	cancel()
	if err != nil {
		return nil, &ScoringError{DuelID: duelID, Err: err}
	}

	scoreA, scoreB := roundScore(pair.A), roundScore(pair.B)
	winner := DecideWinner(scoreA, scoreB, c.cfg.DrawEpsilon, duel.UserAID, duel.UserBID)
	completedAt := c.now()

	err = c.store.Transaction(ctx, func(tx *store.Tx) error {
		ok, err := tx.CompleteDuel(duelID, map[string]any{
			"score_a":        scoreA,
			"score_b":        scoreB,
			"winner_user_id": winner,
			"status":         models.DuelCompleted,
			"completed_at":   completedAt,
		})
		if err != nil {
			return err
		}
		if !ok {
			// Cancelled or marked failed while the scorer was running; the
			// result is dropped.
			return eris.Wrapf(ErrDuelNotActive, "duel %s left scoring", duelID)
		}
		return tx.ReleaseSlots(duelID)
	})
	if err != nil {
		return nil, err
	}

	duel.ScoreA, duel.ScoreB, duel.WinnerUserID = &scoreA, &scoreB, winner
	duel.Status, duel.CompletedAt = models.DuelCompleted, &completedAt
	if c.stats != nil {
		c.stats.InvalidateDuel(ctx, duel)
	}

	c.log.Info().
		Str("duel_id", duelID).
		Float64("score_a", scoreA).
		Float64("score_b", scoreB).
		Interface("winner", winner).
		Msg("🏁 duel completed")
	return &DuelScores{ScoreA: scoreA, ScoreB: scoreB, WinnerUserID: winner, Duel: duel}, nil
}

// Teardown runs after every scoring attempt. It drops stored photos when
// configured to and records a failed attempt so the duel can be retired.
func (c *Coordinator) Teardown(ctx context.Context, duelID string, runErr error) {
	duel, err := c.getDuel(ctx, duelID)
	if err != nil {
		c.log.Error().Err(err).Str("duel_id", duelID).Msg("teardown could not load duel")
		return
	}

	if c.cfg.CleanupPhotos {
		keys := []string{PhotoKey(duelID, duel.UserAID), PhotoKey(duelID, duel.UserBID)}
		if err := c.photos.Delete(ctx, keys...); err != nil {
			c.log.Warn().Err(err).Str("duel_id", duelID).Msg("failed to delete duel photos")
		}
	}

	if runErr == nil || errors.Is(runErr, ErrDuelNotActive) {
		return
	}
	failedAt := c.now()
	err = c.store.Transaction(ctx, func(tx *store.Tx) error {
		_, err := tx.UpdateDuel(duelID, models.DuelScoring, map[string]any{
			"failed_at":      failedAt,
			"failure_reason": runErr.Error(),
		})
		return err
	})
	if err != nil {
		c.log.Error().Err(err).Str("duel_id", duelID).Msg("failed to record scoring failure")
	}
}

// DecideWinner returns the winning user, or nil for a draw when the scores
// are equal or differ by less than eps.
func DecideWinner(scoreA, scoreB, eps float64, userA, userB int64) *int64 {
	if scoreA == scoreB || math.Abs(scoreA-scoreB) < eps {
		return nil
	}
	if scoreA > scoreB {
		return &userA
	}
	return &userB
}

func roundScore(s float64) float64 {
	return math.Round(s*1e6) / 1e6
}

func (c *Coordinator) getDuel(ctx context.Context, duelID string) (*models.Duel, error) {
	duel, err := c.store.GetDuel(ctx, duelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(ErrDuelNotFound, "duel %s", duelID)
	}
	return duel, err
}

func (c *Coordinator) loadPhoto(ctx context.Context, duel *models.Duel, userID int64) ([]byte, error) {
	data, err := c.photos.Get(ctx, PhotoKey(duel.ID, userID))
	if errors.Is(err, utils.ErrPhotoNotFound) {
		return nil, eris.Wrapf(ErrOpponentFileMissing, "photo of user %d", userID)
	}
	return data, err
}

// FailStalled marks duels stuck in scoring for longer than staleAfter as
// failed, which happens when the process died mid-run. Their players are told
// and can start over; the next action retires the duel.
func (c *Coordinator) FailStalled(ctx context.Context, staleAfter time.Duration) (int, error) {
	duels, err := c.store.StaleScoringDuels(ctx, c.now().Add(-staleAfter))
	if err != nil {
		return 0, err
	}

	var failed int
	for i := range duels {
		duel := &duels[i]
		c.Teardown(ctx, duel.ID, eris.New("scoring run did not finish"))
		for _, userID := range []int64{duel.UserAID, duel.UserBID} {
			c.deliverText(ctx, userID, textAnalysisFailed)
		}
		failed++
	}
	return failed, nil
}
