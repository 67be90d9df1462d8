package store

import (
	"context"

	"emotion-duel/models"

	"gorm.io/gorm/clause"
)

// UpsertUser inserts the profile or refreshes its names.
func (s *Store) UpsertUser(ctx context.Context, user *models.User) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"first_name", "last_name", "username", "updated_at"}),
	}).Create(user).Error
	return translate(err, "failed to save user")
}

// Users returns the known profiles among ids, keyed by user id.
func (s *Store) Users(ctx context.Context, ids ...int64) (map[int64]*models.User, error) {
	out := make(map[int64]*models.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var users []models.User
	if err := s.db.WithContext(ctx).Where("user_id IN ?", ids).Find(&users).Error; err != nil {
		return nil, translate(err, "failed to load users")
	}
	for i := range users {
		out[users[i].UserID] = &users[i]
	}
	return out, nil
}
