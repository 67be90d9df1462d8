package services

import (
	"context"
	"errors"
	"fmt"

	"emotion-duel/models"
)

const (
	textAnalysing      = "🔎 Both photos are in. Analysing emotions..."
	textAnalysisFailed = "❌ Analysis failed. The duel did not count, start a new one whenever you like."
	textGameOver       = "🏁 Game over! Pick what to do next."
	textOpponentLeft   = "🚪 Your opponent left. The duel has been cancelled."
)

// RunDuel is the whole post-barrier run: announce, exchange photos, score,
// report. Delivery failures are logged and never change duel state.
func (c *Coordinator) RunDuel(ctx context.Context, duelID string) (err error) {
	duel, err := c.getDuel(ctx, duelID)
	if err != nil {
		return err
	}
	defer func() {
		c.Teardown(context.WithoutCancel(ctx), duelID, err)
	}()

	participants := []int64{duel.UserAID, duel.UserBID}
	for _, userID := range participants {
		c.deliverText(ctx, userID, textAnalysing)
	}
	c.exchangePhotos(ctx, duel)

	scores, err := c.RunScoring(ctx, duelID)
	if errors.Is(err, ErrDuelNotActive) {
		// The players already heard why the duel ended.
		c.log.Info().Err(err).Str("duel_id", duelID).Msg("duel ended before scoring finished")
		return err
	}
	if err != nil {
		c.log.Error().Err(err).Str("duel_id", duelID).Msg("❌ duel analysis failed")
		for _, userID := range participants {
			c.deliverText(ctx, userID, textAnalysisFailed)
		}
		return err
	}

	for _, userID := range participants {
		c.deliverText(ctx, userID, ResultText(scores.Duel, userID))
		c.deliverText(ctx, userID, textGameOver)
	}
	return nil
}

// AnnounceDuel tells both players who they face and what to show.
func (c *Coordinator) AnnounceDuel(ctx context.Context, duel *models.Duel) {
	names, err := c.users.DisplayNames(ctx, duel.UserAID, duel.UserBID)
	if err != nil {
		c.log.Warn().Err(err).Str("duel_id", duel.ID).Msg("failed to resolve player names")
		names = map[int64]string{}
	}
	prompt := Prompt{Category: duel.PromptCategory, Text: duel.PromptText}
	for _, userID := range []int64{duel.UserAID, duel.UserBID} {
		opponent := names[duel.Opponent(userID)]
		if opponent == "" {
			opponent = "your opponent"
		}
		text := fmt.Sprintf("⚔️ Duel with %s!\n\n%s: %s\n\nSend a selfie that shows it.",
			opponent, CategoryTitle(prompt.Category), prompt.Text)
		if err := c.notifier.DeliverTask(ctx, userID, text, HintKey(prompt)); err != nil {
			c.log.Warn().Err(err).Int64("user_id", userID).Msg("failed to deliver task")
		}
	}
}

// AnnounceCancel tells the other participant that cancelledBy left.
func (c *Coordinator) AnnounceCancel(ctx context.Context, duel *models.Duel, cancelledBy int64) {
	c.deliverText(ctx, duel.Opponent(cancelledBy), textOpponentLeft)
}

// ResultText renders the personalised result line for one participant.
func ResultText(duel *models.Duel, userID int64) string {
	own, other := *duel.ScoreA, *duel.ScoreB
	if duel.UserBID == userID {
		own, other = other, own
	}

	headline := "😞 You lost."
	switch {
	case duel.WinnerUserID == nil:
		headline = "⚖️ Draw!"
	case *duel.WinnerUserID == userID:
		headline = "🏆 You won!"
	}
	return fmt.Sprintf("%s\n\nEmotion: %s\nYour result: %.3f%%\nOpponent: %.3f%%",
		headline, duel.PromptText, Percent(own), Percent(other))
}

// exchangePhotos sends every participant their own photo followed by the
// opponent's. Missing photos are left for RunScoring to report.
func (c *Coordinator) exchangePhotos(ctx context.Context, duel *models.Duel) {
	photoA, errA := c.photos.Get(ctx, PhotoKey(duel.ID, duel.UserAID))
	photoB, errB := c.photos.Get(ctx, PhotoKey(duel.ID, duel.UserBID))
	if errA != nil || errB != nil {
		return
	}
	if err := c.notifier.DeliverPhotoPair(ctx, duel.UserAID, photoA, photoB); err != nil {
		c.log.Warn().Err(err).Int64("user_id", duel.UserAID).Msg("failed to deliver photo pair")
	}
	if err := c.notifier.DeliverPhotoPair(ctx, duel.UserBID, photoB, photoA); err != nil {
		c.log.Warn().Err(err).Int64("user_id", duel.UserBID).Msg("failed to deliver photo pair")
	}
}

func (c *Coordinator) deliverText(ctx context.Context, userID int64, text string) {
	if err := c.notifier.DeliverText(ctx, userID, text); err != nil {
		c.log.Warn().Err(err).Int64("user_id", userID).Msg("failed to deliver message")
	}
}
