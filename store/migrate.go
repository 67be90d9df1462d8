package store

import (
	"emotion-duel/models"

	"github.com/rotisserie/eris"
)

// Partial unique indexes carry the "one waiting entry per user" rule and cap
// a room at one waiting host plus one waiting guest. Both dialects accept
// this syntax.
var partialIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_queue_entries_waiting_user
		ON queue_entries (user_id) WHERE status = 'waiting'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_queue_entries_waiting_room_host
		ON queue_entries (room_code) WHERE status = 'waiting' AND room_host`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_queue_entries_waiting_room_guest
		ON queue_entries (room_code) WHERE status = 'waiting' AND NOT room_host`,
}

func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(
		&models.User{},
		&models.QueueEntry{},
		&models.Duel{},
		&models.DuelSlot{},
	); err != nil {
		return eris.Wrap(err, "failed to migrate database")
	}

	for _, stmt := range partialIndexes {
		if err := s.db.Exec(stmt).Error; err != nil {
			return eris.Wrap(err, "failed to create partial index")
		}
	}
	return nil
}
