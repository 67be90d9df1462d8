package models

import (
	"fmt"
	"time"
)

// User is the local profile snapshot pushed by the chat gateway on /start.
type User struct {
	UserID    int64     `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	FirstName string    `gorm:"not null" json:"first_name"`
	LastName  *string   `json:"last_name,omitempty"`
	Username  *string   `gorm:"index" json:"username,omitempty"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// DisplayName falls back to "User <id>" when no profile was ever saved.
func DisplayName(u *User, userID int64) string {
	if u == nil || u.FirstName == "" {
		return fmt.Sprintf("User %d", userID)
	}
	return u.FirstName
}
