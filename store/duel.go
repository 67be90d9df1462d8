package store

import (
	"context"
	"time"

	"emotion-duel/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (t *Tx) CreateDuel(duel *models.Duel) error {
	return translate(t.db.Create(duel).Error, "failed to create duel")
}

// ClaimSlots binds each user to duelID. It fails with ErrDuplicate when any
// of them already holds an active duel.
func (t *Tx) ClaimSlots(duelID string, userIDs ...int64) error {
	slots := make([]models.DuelSlot, 0, len(userIDs))
	for _, id := range userIDs {
		slots = append(slots, models.DuelSlot{UserID: id, DuelID: duelID})
	}
	return translate(t.db.Create(&slots).Error, "failed to claim duel slots")
}

// AssignSlot points userID's slot at duelID, creating it when missing.
func (t *Tx) AssignSlot(userID int64, duelID string) error {
	slot := models.DuelSlot{UserID: userID, DuelID: duelID}
	err := t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"duel_id"}),
	}).Create(&slot).Error
	return translate(err, "failed to assign duel slot")
}

func (t *Tx) ReleaseSlots(duelID string) error {
	err := t.db.Where("duel_id = ?", duelID).Delete(&models.DuelSlot{}).Error
	return translate(err, "failed to release duel slots")
}

// LockDuel loads a duel for update.
func (t *Tx) LockDuel(id string) (*models.Duel, error) {
	var duel models.Duel
	if err := t.forUpdate().First(&duel, "id = ?", id).Error; err != nil {
		return nil, translate(err, "failed to load duel")
	}
	return &duel, nil
}

// ActiveDuel returns the duel the user's slot points to, locked, or nil.
func (t *Tx) ActiveDuel(userID int64) (*models.Duel, error) {
	duelID, err := t.slotDuel(userID)
	if err != nil || duelID == "" {
		return nil, err
	}
	return t.LockDuel(duelID)
}

// slotDuel returns the id of the duel holding the user's slot, or "".
func (t *Tx) slotDuel(userID int64) (string, error) {
	var slots []models.DuelSlot
	if err := t.db.Where("user_id = ?", userID).Limit(1).Find(&slots).Error; err != nil {
		return "", translate(err, "failed to load duel slot")
	}
	if len(slots) == 0 {
		return "", nil
	}
	return slots[0].DuelID, nil
}

// UpdateDuel applies fields only while the duel is still in status from.
func (t *Tx) UpdateDuel(id, from string, fields map[string]any) (bool, error) {
	return t.updateDuel(t.db.Where("id = ? AND status = ?", id, from), fields)
}

// CompleteDuel applies fields to a duel in scoring that has no recorded
// failure. A duel marked failed is left for retirement.
func (t *Tx) CompleteDuel(id string, fields map[string]any) (bool, error) {
	return t.updateDuel(t.db.Where("id = ? AND status = ? AND failed_at IS NULL", id, models.DuelScoring), fields)
}

func (t *Tx) updateDuel(q *gorm.DB, fields map[string]any) (bool, error) {
	res := q.Model(&models.Duel{}).Updates(fields)
	if res.Error != nil {
		return false, translate(res.Error, "failed to update duel")
	}
	return res.RowsAffected == 1, nil
}

// ActiveDuels returns every duel still holding slots, most recent first.
func (t *Tx) ActiveDuels() ([]models.Duel, error) {
	var duels []models.Duel
	err := t.forUpdate().
		Where("status IN ?", models.ActiveDuelStatuses).
		Order("created_at DESC, id DESC").
		Find(&duels).Error
	return duels, translate(err, "failed to load active duels")
}

// StaleScoringDuels lists duels that entered scoring before the cutoff and
// never recorded an outcome.
func (s *Store) StaleScoringDuels(ctx context.Context, before time.Time) ([]models.Duel, error) {
	var duels []models.Duel
	err := s.db.WithContext(ctx).
		Where("status = ? AND failed_at IS NULL AND updated_at < ?", models.DuelScoring, before).
		Order("updated_at ASC").
		Find(&duels).Error
	return duels, translate(err, "failed to load stale duels")
}

func (s *Store) GetDuel(ctx context.Context, id string) (*models.Duel, error) {
	var duel models.Duel
	if err := s.db.WithContext(ctx).First(&duel, "id = ?", id).Error; err != nil {
		return nil, translate(err, "failed to load duel")
	}
	return &duel, nil
}

// ActiveDuel reads the user's active duel without taking row locks.
func (s *Store) ActiveDuel(ctx context.Context, userID int64) (*models.Duel, error) {
	var duel *models.Duel
	err := s.Transaction(ctx, func(tx *Tx) error {
		duelID, err := tx.slotDuel(userID)
		if err != nil || duelID == "" {
			return err
		}
		var d models.Duel
		if err := tx.db.First(&d, "id = ?", duelID).Error; err != nil {
			return translate(err, "failed to load duel")
		}
		duel = &d
		return nil
	})
	return duel, err
}

// WaitingEntry is the unlocked read of Tx.WaitingEntry.
func (s *Store) WaitingEntry(ctx context.Context, userID int64) (*models.QueueEntry, error) {
	var entry *models.QueueEntry
	err := s.Transaction(ctx, func(tx *Tx) error {
		var err error
		entry, err = tx.WaitingEntry(userID)
		return err
	})
	return entry, err
}

// History returns completed, scored duels involving userID, newest first.
func (s *Store) History(ctx context.Context, userID int64, limit, offset int) ([]models.Duel, error) {
	var duels []models.Duel
	err := s.db.WithContext(ctx).
		Where("(user_a_id = ? OR user_b_id = ?) AND status = ?", userID, userID, models.DuelCompleted).
		Where("score_a IS NOT NULL AND score_b IS NOT NULL").
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&duels).Error
	return duels, translate(err, "failed to load history")
}

type LeaderboardRow struct {
	UserID int64
	Wins   int64
	Games  int64
}

const leaderboardQuery = `
SELECT user_id, CAST(SUM(win) AS BIGINT) AS wins, COUNT(*) AS games FROM (
	SELECT user_a_id AS user_id, CASE WHEN winner_user_id = user_a_id THEN 1 ELSE 0 END AS win
	FROM duels WHERE status = ?
	UNION ALL
	SELECT user_b_id AS user_id, CASE WHEN winner_user_id = user_b_id THEN 1 ELSE 0 END AS win
	FROM duels WHERE status = ?
) AS results
GROUP BY user_id
ORDER BY wins DESC, games DESC, user_id ASC
LIMIT ?`

func (s *Store) Leaderboard(ctx context.Context, limit int) ([]LeaderboardRow, error) {
	var rows []LeaderboardRow
	err := s.db.WithContext(ctx).
		Raw(leaderboardQuery, models.DuelCompleted, models.DuelCompleted, limit).
		Scan(&rows).Error
	return rows, translate(err, "failed to load leaderboard")
}
