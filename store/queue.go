package store

import (
	"time"

	"emotion-duel/models"
)

// WaitingEntry returns the user's waiting entry, or nil when there is none.
// It does not lock; callers that mutate the entry go through LockEntries.
func (t *Tx) WaitingEntry(userID int64) (*models.QueueEntry, error) {
	var entries []models.QueueEntry
	err := t.db.
		Where("user_id = ? AND status = ?", userID, models.QueueWaiting).
		Order("created_at DESC, id DESC").
		Limit(1).
		Find(&entries).Error
	if err != nil {
		return nil, translate(err, "failed to load waiting entry")
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (t *Tx) CreateQueueEntry(entry *models.QueueEntry) error {
	return translate(t.db.Create(entry).Error, "failed to create queue entry")
}

// RoomEntries locks and returns every waiting entry holding code, oldest first.
func (t *Tx) RoomEntries(code int) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	err := t.forUpdate().
		Where("status = ? AND room_code = ?", models.QueueWaiting, code).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	return entries, translate(err, "failed to load room entries")
}

// RoomHostExists reports whether a waiting host already holds code.
func (t *Tx) RoomHostExists(code int) (bool, error) {
	var count int64
	err := t.db.Model(&models.QueueEntry{}).
		Where("status = ? AND room_code = ? AND room_host = ?", models.QueueWaiting, code, true).
		Count(&count).Error
	return count > 0, translate(err, "failed to check room code")
}

// OldestCandidate finds the longest-waiting unexpired entry other than
// userID's that shares roomCode (nil means the random queue).
func (t *Tx) OldestCandidate(userID int64, roomCode *int, now time.Time) (*models.QueueEntry, error) {
	q := t.db.Where("status = ? AND user_id <> ? AND expires_at > ?", models.QueueWaiting, userID, now)
	if roomCode == nil {
		q = q.Where("room_code IS NULL")
	} else {
		q = q.Where("room_code = ?", *roomCode)
	}

	var entries []models.QueueEntry
	if err := q.Order("created_at ASC, id ASC").Limit(1).Find(&entries).Error; err != nil {
		return nil, translate(err, "failed to find opponent")
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// LockEntries locks the given entries in id order, which keeps two
// transactions pairing the same users from deadlocking.
func (t *Tx) LockEntries(ids ...string) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	err := t.forUpdate().Where("id IN ?", ids).Order("id ASC").Find(&entries).Error
	return entries, translate(err, "failed to lock queue entries")
}

// SetQueueStatus moves one entry from -> to and reports whether it did.
func (t *Tx) SetQueueStatus(id, from, to string) (bool, error) {
	res := t.db.Model(&models.QueueEntry{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return false, translate(res.Error, "failed to update queue entry")
	}
	return res.RowsAffected == 1, nil
}

// CancelWaiting cancels every waiting entry of the given users.
func (t *Tx) CancelWaiting(userIDs ...int64) (int64, error) {
	res := t.db.Model(&models.QueueEntry{}).
		Where("user_id IN ? AND status = ?", userIDs, models.QueueWaiting).
		Update("status", models.QueueCancelled)
	return res.RowsAffected, translate(res.Error, "failed to cancel queue entries")
}

func (t *Tx) ExpireWaiting(now time.Time) (int64, error) {
	res := t.db.Model(&models.QueueEntry{}).
		Where("status = ? AND expires_at <= ?", models.QueueWaiting, now).
		Update("status", models.QueueExpired)
	return res.RowsAffected, translate(res.Error, "failed to expire queue entries")
}

// UsersWithDuplicateWaiting lists users holding more than one waiting entry.
func (t *Tx) UsersWithDuplicateWaiting() ([]int64, error) {
	var userIDs []int64
	err := t.db.Model(&models.QueueEntry{}).
		Where("status = ?", models.QueueWaiting).
		Group("user_id").
		Having("COUNT(*) > 1").
		Pluck("user_id", &userIDs).Error
	return userIDs, translate(err, "failed to find duplicate queue entries")
}

// WaitingEntries returns all of a user's waiting entries, most recent first.
func (t *Tx) WaitingEntries(userID int64) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	err := t.forUpdate().
		Where("user_id = ? AND status = ?", userID, models.QueueWaiting).
		Order("created_at DESC, id DESC").
		Find(&entries).Error
	return entries, translate(err, "failed to load waiting entries")
}
