package models

import "time"

// Duel statuses. A duel moves waiting_photos -> scoring -> completed and may be
// cancelled from either of the first two.
const (
	DuelWaitingPhotos = "waiting_photos"
	DuelScoring       = "scoring"
	DuelCompleted     = "completed"
	DuelCancelled     = "cancelled"
)

// ActiveDuelStatuses are the statuses that hold a user's duel slot.
var ActiveDuelStatuses = []string{DuelWaitingPhotos, DuelScoring}

// Duel is one match between two users on a shared prompt.
// WinnerUserID is nil both for pending duels and for completed draws.
type Duel struct {
	ID             string   `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserAID        int64    `gorm:"column:user_a_id;index;not null" json:"user_a_id"`
	UserBID        int64    `gorm:"column:user_b_id;index;not null" json:"user_b_id"`
	RoomCode       *int     `gorm:"index" json:"room_code,omitempty"`
	PromptCategory string   `gorm:"type:varchar(64);not null" json:"prompt_category"`
	PromptText     string   `gorm:"type:text;not null" json:"prompt_text"`
	ScoreA         *float64 `json:"score_a,omitempty"`
	ScoreB         *float64 `json:"score_b,omitempty"`
	WinnerUserID   *int64   `gorm:"index" json:"winner_user_id,omitempty"`
	Status         string   `gorm:"type:varchar(16);not null;default:'waiting_photos';index" json:"status"`
	PhotoAReceived bool     `gorm:"column:photo_a_received;not null;default:false" json:"photo_a_received"`
	PhotoBReceived bool     `gorm:"column:photo_b_received;not null;default:false" json:"photo_b_received"`

	// Set by teardown when scoring failed. The duel keeps status scoring until
	// a participant's next action retires it.
	FailureReason string     `gorm:"type:text" json:"failure_reason,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`

	CreatedAt   time.Time  `gorm:"not null;index" json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (d *Duel) IsActive() bool {
	return d.Status == DuelWaitingPhotos || d.Status == DuelScoring
}

func (d *Duel) IsDraw() bool {
	return d.Status == DuelCompleted && d.WinnerUserID == nil
}

func (d *Duel) HasParticipant(userID int64) bool {
	return d.UserAID == userID || d.UserBID == userID
}

// Opponent returns the other participant's id.
func (d *Duel) Opponent(userID int64) int64 {
	if d.UserAID == userID {
		return d.UserBID
	}
	return d.UserAID
}

// DuelSlot claims a user for exactly one active duel. The primary key on
// user_id is what makes a second concurrent active duel impossible.
type DuelSlot struct {
	UserID    int64     `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	DuelID    string    `gorm:"type:varchar(36);index;not null" json:"duel_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
