package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"emotion-duel/models"
	"emotion-duel/store"
	"emotion-duel/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBarrierFiresOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	duel := env.pair(t, 1, 2)

	for i := 0; i < 2; i++ {
		barrier, err := env.coord.SubmitPhoto(ctx, duel.ID, duel.UserAID, []byte("photo-a"))
		require.NoError(t, err)
		assert.Equal(t, BarrierWaitingForOpponent, barrier)
	}

	barrier, err := env.coord.SubmitPhoto(ctx, duel.ID, duel.UserBID, []byte("photo-b"))
	require.NoError(t, err)
	assert.Equal(t, BarrierBothReceived, barrier)
	assert.Equal(t, models.DuelScoring, env.duel(t, duel.ID).Status)

	_, err = env.coord.SubmitPhoto(ctx, duel.ID, duel.UserBID, []byte("photo-b"))
	assert.ErrorIs(t, err, ErrDuelNotActive)

	state, err := env.users.State(ctx, duel.UserAID)
	require.NoError(t, err)
	assert.Equal(t, StateScoring, state.State)
}

func TestBarrierFiresOnceConcurrently(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	duel := env.pair(t, 1, 2)

	results := make([]Barrier, 2)
	var wg sync.WaitGroup
	for i, userID := range []int64{duel.UserAID, duel.UserBID} {
		wg.Add(1)
		go func(i int, userID int64) {
			defer wg.Done()
			barrier, err := env.coord.SubmitPhoto(ctx, duel.ID, userID, []byte("photo"))
			assert.NoError(t, err)
			results[i] = barrier
		}(i, userID)
	}
	wg.Wait()

	var both int
	for _, b := range results {
		if b == BarrierBothReceived {
			both++
		}
	}
	assert.Equal(t, 1, both)
}

func TestSubmitPhotoRejectsStrangers(t *testing.T) {
	env := newTestEnv(t)
	duel := env.pair(t, 1, 2)

	_, err := env.coord.SubmitPhoto(context.Background(), duel.ID, 99, []byte("photo"))
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = env.coord.SubmitPhoto(context.Background(), "missing", 1, []byte("photo"))
	assert.ErrorIs(t, err, ErrDuelNotFound)
}

func TestRunScoringPicksWinner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	duel := env.pair(t, 1, 2)
	env.toScoring(t, duel)

	scores, err := env.coord.RunScoring(ctx, duel.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.7, scores.ScoreA)
	assert.Equal(t, 0.4, scores.ScoreB)
	require.NotNil(t, scores.WinnerUserID)
	assert.Equal(t, duel.UserAID, *scores.WinnerUserID)

	stored := env.duel(t, duel.ID)
	assert.Equal(t, models.DuelCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)
	require.NotNil(t, stored.WinnerUserID)
	assert.Equal(t, duel.UserAID, *stored.WinnerUserID)

	active, err := env.store.ActiveDuel(ctx, duel.UserBID)
	require.NoError(t, err)
	assert.Nil(t, active)

	_, err = env.coord.RunScoring(ctx, duel.ID)
	assert.ErrorIs(t, err, ErrDuelNotActive)
}

func TestRunScoringDraw(t *testing.T) {
	env := newTestEnv(t)
	env.scorer.pair = ScorePair{A: 0.50005, B: 0.5}
	duel := env.pair(t, 1, 2)
	env.toScoring(t, duel)

	scores, err := env.coord.RunScoring(context.Background(), duel.ID)
	require.NoError(t, err)
	assert.Nil(t, scores.WinnerUserID)

	stored := env.duel(t, duel.ID)
	assert.True(t, stored.IsDraw())
	require.NotNil(t, stored.ScoreA)
	assert.InDelta(t, 0.50005, *stored.ScoreA, 1e-9)
}

func TestDecideWinner(t *testing.T) {
	const a, b = int64(1), int64(2)
	tests := []struct {
		name   string
		scoreA float64
		scoreB float64
		want   *int64
	}{
		{"a ahead", 0.7, 0.4, ptr(a)},
		{"b ahead", -0.2, 0.1, ptr(b)},
		{"within epsilon", 0.5004, 0.5, nil},
		{"equal", 0.3, 0.3, nil},
		{"just outside epsilon", 0.5011, 0.5, ptr(a)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecideWinner(tt.scoreA, tt.scoreB, DefaultDrawEpsilon, a, b))

			// Swapping the sides swaps the winner.
			swapped := DecideWinner(tt.scoreB, tt.scoreA, DefaultDrawEpsilon, b, a)
			assert.Equal(t, tt.want, swapped)
		})
	}
}

func TestDecideWinnerExactTieWithoutEpsilon(t *testing.T) {
	assert.Nil(t, DecideWinner(0.5, 0.5, 0, 1, 2))
	assert.Nil(t, DecideWinner(0.5, 0.5, 0, 2, 1))

	winner := DecideWinner(0.5000001, 0.5, 0, 1, 2)
	require.NotNil(t, winner)
	assert.Equal(t, int64(1), *winner)
}

func ptr[T any](v T) *T { return &v }

func TestScoringFailureIsRetiredOnNextAction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.scorer.err = errors.New("scorer unavailable")
	duel := env.pair(t, 1, 2)
	env.toScoring(t, duel)

	err := env.coord.RunDuel(ctx, duel.ID)
	assert.ErrorIs(t, err, ErrScoringFailed)

	stored := env.duel(t, duel.ID)
	assert.Equal(t, models.DuelScoring, stored.Status)
	assert.Nil(t, stored.ScoreA)
	assert.NotNil(t, stored.FailedAt)
	assert.Contains(t, stored.FailureReason, "scorer unavailable")
	assert.Contains(t, env.notifier.Texts(duel.UserAID), textAnalysisFailed)
	assert.Contains(t, env.notifier.Texts(duel.UserBID), textAnalysisFailed)

	state, err := env.users.State(ctx, duel.UserBID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state.State)

	res, err := env.mm.FindRandom(ctx, duel.UserAID)
	require.NoError(t, err)
	assert.Nil(t, res.Duel)
	assert.Equal(t, models.DuelCancelled, env.duel(t, duel.ID).Status)

	state, err = env.users.State(ctx, duel.UserBID)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state.State)
}

func TestScorerTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.coord.cfg.ScorerTimeout = 50 * time.Millisecond
	env.scorer.before = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	duel := env.pair(t, 1, 2)
	env.toScoring(t, duel)

	_, err := env.coord.RunScoring(context.Background(), duel.ID)
	assert.ErrorIs(t, err, ErrScoringFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var scoringErr *ScoringError
	require.ErrorAs(t, err, &scoringErr)
	assert.Equal(t, duel.ID, scoringErr.DuelID)
	assert.Equal(t, models.DuelScoring, env.duel(t, duel.ID).Status)
}

func TestRunScoringMissingPhoto(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	duel := env.pair(t, 1, 2)
	env.toScoring(t, duel)
	require.NoError(t, env.photos.Delete(ctx, PhotoKey(duel.ID, duel.UserBID)))

	_, err := env.coord.RunScoring(ctx, duel.ID)
	assert.ErrorIs(t, err, ErrScoringFailed)
	assert.ErrorIs(t, err, ErrOpponentFileMissing)
	assert.Zero(t, env.scorer.Calls())
}

func TestRunDuelHappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	duel := env.pair(t, 1, 2)
	env.toScoring(t, duel)

	require.NoError(t, env.coord.RunDuel(ctx, duel.ID))
	assert.Equal(t, 1, env.scorer.Calls())

	textsA := env.notifier.Texts(duel.UserAID)
	require.Len(t, textsA, 3)
	assert.Equal(t, textAnalysing, textsA[0])
	assert.Contains(t, textsA[1], "🏆 You won!")
	assert.Equal(t, textGameOver, textsA[2])

	textsB := env.notifier.Texts(duel.UserBID)
	require.Len(t, textsB, 3)
	assert.Contains(t, textsB[1], "😞 You lost.")

	pairsA := env.notifier.Pairs(duel.UserAID)
	require.Len(t, pairsA, 1)
	assert.Equal(t, []byte("photo-a"), pairsA[0].own)
	assert.Equal(t, []byte("photo-b"), pairsA[0].opponent)
	pairsB := env.notifier.Pairs(duel.UserBID)
	require.Len(t, pairsB, 1)
	assert.Equal(t, []byte("photo-b"), pairsB[0].own)

	_, err := env.photos.Get(ctx, PhotoKey(duel.ID, duel.UserAID))
	assert.ErrorIs(t, err, utils.ErrPhotoNotFound)

	history, err := env.stats.History(ctx, duel.UserBID, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "loss", history[0].Result)
	assert.Equal(t, duel.UserAID, history[0].OpponentID)
	assert.InDelta(t, 70, history[0].Percent, 1e-9)
	assert.InDelta(t, 85, history[0].OpponentPercent, 1e-9)
}

func TestCancelDuringScoringDropsResult(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	duel := env.pair(t, 1, 2)
	env.toScoring(t, duel)

	env.scorer.before = func(ctx context.Context) error {
		cancelled, _, err := env.mm.CancelActive(ctx, duel.UserBID)
		if err == nil && !cancelled {
			err = errors.New("nothing to cancel")
		}
		return err
	}

	_, err := env.coord.RunScoring(ctx, duel.ID)
	assert.ErrorIs(t, err, ErrDuelNotActive)

	stored := env.duel(t, duel.ID)
	assert.Equal(t, models.DuelCancelled, stored.Status)
	assert.Nil(t, stored.ScoreA)
	assert.Nil(t, stored.WinnerUserID)
}

func TestRunDuelAfterCancelSendsNoFailureText(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	duel := env.pair(t, 1, 2)
	env.toScoring(t, duel)

	env.scorer.before = func(ctx context.Context) error {
		cancelled, d, err := env.mm.CancelActive(ctx, duel.UserBID)
		if err != nil {
			return err
		}
		if !cancelled {
			return errors.New("nothing to cancel")
		}
		env.coord.AnnounceCancel(ctx, d, duel.UserBID)
		return nil
	}

	err := env.coord.RunDuel(ctx, duel.ID)
	assert.ErrorIs(t, err, ErrDuelNotActive)

	assert.Equal(t, []string{textAnalysing, textOpponentLeft}, env.notifier.Texts(duel.UserAID))
	assert.Equal(t, []string{textAnalysing}, env.notifier.Texts(duel.UserBID))

	stored := env.duel(t, duel.ID)
	assert.Equal(t, models.DuelCancelled, stored.Status)
	assert.Nil(t, stored.FailedAt)
}

func TestLateResultIgnoredAfterFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	duel := env.pair(t, 1, 2)
	env.toScoring(t, duel)

	// The stalled sweep marks the duel failed while the scorer is still busy.
	env.scorer.before = func(ctx context.Context) error {
		return env.store.Transaction(ctx, func(tx *store.Tx) error {
			ok, err := tx.UpdateDuel(duel.ID, models.DuelScoring, map[string]any{
				"failed_at":      env.clock.Now(),
				"failure_reason": "stalled",
			})
			if err == nil && !ok {
				err = errors.New("duel left scoring")
			}
			return err
		})
	}

	_, err := env.coord.RunScoring(ctx, duel.ID)
	assert.ErrorIs(t, err, ErrDuelNotActive)

	stored := env.duel(t, duel.ID)
	assert.Equal(t, models.DuelScoring, stored.Status)
	assert.NotNil(t, stored.FailedAt)
	assert.Nil(t, stored.ScoreA)
	assert.Nil(t, stored.WinnerUserID)

	active, err := env.store.ActiveDuel(ctx, duel.UserAID)
	require.NoError(t, err)
	require.NotNil(t, active, "slots stay held until retirement")
	assert.Equal(t, duel.ID, active.ID)
}

func TestFailStalled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	duel := env.pair(t, 1, 2)
	env.toScoring(t, duel)

	failed, err := env.coord.FailStalled(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, failed)

	// updated_at is stamped with wall time.
	env.coord.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	failed, err = env.coord.FailStalled(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)

	stored := env.duel(t, duel.ID)
	assert.Equal(t, models.DuelScoring, stored.Status)
	assert.NotNil(t, stored.FailedAt)
	assert.Contains(t, env.notifier.Texts(duel.UserAID), textAnalysisFailed)

	failed, err = env.coord.FailStalled(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, failed)
}

func TestResultText(t *testing.T) {
	scoreA, scoreB := 0.7, 0.4
	winner := int64(1)
	duel := &models.Duel{UserAID: 1, UserBID: 2, PromptText: "joy", ScoreA: &scoreA, ScoreB: &scoreB, WinnerUserID: &winner, Status: models.DuelCompleted}

	text := ResultText(duel, 1)
	assert.Contains(t, text, "🏆 You won!")
	assert.Contains(t, text, "Your result: 85.000%")
	assert.Contains(t, text, "Opponent: 70.000%")

	text = ResultText(duel, 2)
	assert.Contains(t, text, "😞 You lost.")
	assert.Contains(t, text, "Your result: 70.000%")

	duel.WinnerUserID = nil
	assert.Contains(t, ResultText(duel, 2), "⚖️ Draw!")
}

func TestAnnounceDuelUsesNames(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.users.SaveUser(ctx, &models.User{UserID: 1, FirstName: "Ada"}))
	duel := env.pair(t, 1, 2)

	env.coord.AnnounceDuel(ctx, duel)

	textsB := env.notifier.Texts(2)
	require.Len(t, textsB, 1)
	assert.Contains(t, textsB[0], "Duel with Ada!")
	assert.Contains(t, textsB[0], testPrompt.Text)
	assert.Contains(t, env.notifier.Texts(1)[0], "Duel with User 2!")
	assert.Equal(t, []string{"show-joy-with-closed-eyes"}, env.notifier.Hints(1))
	assert.Equal(t, []string{"show-joy-with-closed-eyes"}, env.notifier.Hints(2))
}
