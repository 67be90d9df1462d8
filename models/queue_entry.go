package models

import "time"

// Queue entry statuses. Everything except QueueWaiting is terminal.
const (
	QueueWaiting   = "waiting"
	QueueMatched   = "matched"
	QueueCancelled = "cancelled"
	QueueExpired   = "expired"
)

// QueueEntry is a user's request to be paired, either with a random opponent
// (RoomCode == nil) or with whoever holds the same room code.
//
// At most one waiting entry per user and at most one waiting room host per
// code are enforced by partial unique indexes created in store.Migrate.
type QueueEntry struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID    int64     `gorm:"index;not null" json:"user_id"`
	RoomCode  *int      `gorm:"index;index:idx_queue_status_room,priority:2" json:"room_code,omitempty"`
	RoomHost  bool      `gorm:"not null;default:false" json:"room_host"`
	Status    string    `gorm:"type:varchar(16);not null;default:'waiting';index;index:idx_queue_status_room,priority:1" json:"status"`
	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
	ExpiresAt time.Time `gorm:"not null;index" json:"expires_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsRandom reports whether the entry waits in the shared random queue.
func (q *QueueEntry) IsRandom() bool {
	return q.RoomCode == nil
}

// Expired reports whether the entry's wait window has closed at now.
func (q *QueueEntry) Expired(now time.Time) bool {
	return !q.ExpiresAt.After(now)
}
