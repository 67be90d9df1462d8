package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"emotion-duel/models"
	"emotion-duel/store"

	"github.com/rs/zerolog"
)

const (
	leaderboardKey = "duel:leaderboard"

	DefaultHistoryLimit     = 10
	DefaultLeaderboardLimit = 10
	maxStatsLimit           = 100
)

// Percent maps a raw score in [-1, 1] to the 0..100 scale shown to users.
func Percent(score float64) float64 {
	return math.Max(0, math.Min(100, (score+1)*50))
}

// HistoryEntry is one finished duel seen from the requesting user's side.
type HistoryEntry struct {
	DuelID          string    `json:"duel_id"`
	OpponentID      int64     `json:"opponent_id"`
	OpponentName    string    `json:"opponent_name"`
	PromptCategory  string    `json:"prompt_category"`
	PromptText      string    `json:"prompt_text"`
	Score           float64   `json:"score"`
	OpponentScore   float64   `json:"opponent_score"`
	Percent         float64   `json:"percent"`
	OpponentPercent float64   `json:"opponent_percent"`
	Result          string    `json:"result"`
	PlayedAt        time.Time `json:"played_at"`
}

type LeaderboardEntry struct {
	Rank    int     `json:"rank"`
	UserID  int64   `json:"user_id"`
	Name    string  `json:"name"`
	Wins    int64   `json:"wins"`
	Games   int64   `json:"games"`
	WinRate float64 `json:"win_rate"`
}

// StatsService serves history and leaderboard projections, read-through
// cached and invalidated whenever a duel result commits.
type StatsService struct {
	store *store.Store
	users *UserService
	cache StatsCache
	log   zerolog.Logger
}

// NewStatsService accepts a nil cache.
func NewStatsService(st *store.Store, users *UserService, cache StatsCache, logger zerolog.Logger) *StatsService {
	if cache == nil {
		cache = noCache{}
	}
	return &StatsService{
		store: st,
		users: users,
		cache: cache,
		log:   logger.With().Str("component", "stats").Logger(),
	}
}

func historyKey(userID int64) string {
	return fmt.Sprintf("duel:history:%d", userID)
}

func (s *StatsService) History(ctx context.Context, userID int64, limit, offset int) ([]HistoryEntry, error) {
	limit, offset = clampLimit(limit, DefaultHistoryLimit), max(offset, 0)
	key, field := historyKey(userID), fmt.Sprintf("%d:%d", limit, offset)

	var cached []HistoryEntry
	ok, version, err := s.cache.Get(ctx, key, field, &cached)
	if err != nil {
		s.log.Warn().Err(err).Int64("user_id", userID).Msg("history cache read failed")
	} else if ok {
		return cached, nil
	}

	duels, err := s.store.History(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}

	opponents := make([]int64, 0, len(duels))
	for i := range duels {
		opponents = append(opponents, duels[i].Opponent(userID))
	}
	names, err := s.users.DisplayNames(ctx, opponents...)
	if err != nil {
		return nil, err
	}

	entries := make([]HistoryEntry, 0, len(duels))
	for i := range duels {
		entries = append(entries, historyEntry(&duels[i], userID, names))
	}

	if err := s.cache.Set(ctx, key, field, version, entries); err != nil {
		s.log.Warn().Err(err).Int64("user_id", userID).Msg("history cache write failed")
	}
	return entries, nil
}

func historyEntry(d *models.Duel, userID int64, names map[int64]string) HistoryEntry {
	own, other := *d.ScoreA, *d.ScoreB
	if d.UserBID == userID {
		own, other = other, own
	}
	result := "loss"
	switch {
	case d.WinnerUserID == nil:
		result = "draw"
	case *d.WinnerUserID == userID:
		result = "win"
	}

	opponent := d.Opponent(userID)
	return HistoryEntry{
		DuelID:          d.ID,
		OpponentID:      opponent,
		OpponentName:    names[opponent],
		PromptCategory:  d.PromptCategory,
		PromptText:      d.PromptText,
		Score:           own,
		OpponentScore:   other,
		Percent:         Percent(own),
		OpponentPercent: Percent(other),
		Result:          result,
		PlayedAt:        d.CreatedAt,
	}
}

func (s *StatsService) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	limit = clampLimit(limit, DefaultLeaderboardLimit)
	field := fmt.Sprintf("%d", limit)

	var cached []LeaderboardEntry
	ok, version, err := s.cache.Get(ctx, leaderboardKey, field, &cached)
	if err != nil {
		s.log.Warn().Err(err).Msg("leaderboard cache read failed")
	} else if ok {
		return cached, nil
	}

	rows, err := s.store.Leaderboard(ctx, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.UserID)
	}
	names, err := s.users.DisplayNames(ctx, ids...)
	if err != nil {
		return nil, err
	}

	entries := make([]LeaderboardEntry, 0, len(rows))
	for i, r := range rows {
		var rate float64
		if r.Games > 0 {
			rate = float64(r.Wins) / float64(r.Games)
		}
		entries = append(entries, LeaderboardEntry{
			Rank:    i + 1,
			UserID:  r.UserID,
			Name:    names[r.UserID],
			Wins:    r.Wins,
			Games:   r.Games,
			WinRate: rate,
		})
	}

	if err := s.cache.Set(ctx, leaderboardKey, field, version, entries); err != nil {
		s.log.Warn().Err(err).Msg("leaderboard cache write failed")
	}
	return entries, nil
}

// InvalidateDuel drops every projection a committed duel result changes.
func (s *StatsService) InvalidateDuel(ctx context.Context, duel *models.Duel) {
	err := s.cache.Invalidate(ctx, historyKey(duel.UserAID), historyKey(duel.UserBID), leaderboardKey)
	if err != nil {
		s.log.Warn().Err(err).Str("duel_id", duel.ID).Msg("stats cache invalidation failed")
	}
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return min(limit, maxStatsLimit)
}
