package services

import (
	"context"
	"strings"
	"time"

	"emotion-duel/models"
	"emotion-duel/store"

	"github.com/rotisserie/eris"
)

// Derived per-user states. They are computed from queue and duel rows and
// never stored.
const (
	StateIdle      = "idle"
	StateSearching = "searching"
	StateInRoom    = "in_room"
	StateInDuel    = "in_duel"
	StateScoring   = "scoring"
	// StateFailed is a duel whose scoring failed; the next queue action
	// retires it.
	StateFailed = "failed"
)

type UserState struct {
	State string             `json:"state"`
	Entry *models.QueueEntry `json:"entry,omitempty"`
	Duel  *models.Duel       `json:"duel,omitempty"`
}

// UserService keeps profile snapshots and answers "what is this user doing".
type UserService struct {
	store *store.Store
	now   func() time.Time
}

func NewUserService(st *store.Store) *UserService {
	return &UserService{store: st, now: func() time.Time { return time.Now().UTC() }}
}

func (s *UserService) SaveUser(ctx context.Context, user *models.User) error {
	user.FirstName = strings.TrimSpace(user.FirstName)
	if user.UserID == 0 {
		return eris.New("user id is required")
	}
	return s.store.UpsertUser(ctx, user)
}

// DisplayNames resolves names for ids, falling back to "User <id>".
func (s *UserService) DisplayNames(ctx context.Context, ids ...int64) (map[int64]string, error) {
	users, err := s.store.Users(ctx, ids...)
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(ids))
	for _, id := range ids {
		names[id] = models.DisplayName(users[id], id)
	}
	return names, nil
}

func (s *UserService) State(ctx context.Context, userID int64) (*UserState, error) {
	duel, err := s.store.ActiveDuel(ctx, userID)
	if err != nil {
		return nil, err
	}
	if duel != nil {
		state := StateInDuel
		switch {
		case duel.FailedAt != nil:
			state = StateFailed
		case duel.Status == models.DuelScoring:
			state = StateScoring
		}
		return &UserState{State: state, Duel: duel}, nil
	}

	entry, err := s.store.WaitingEntry(ctx, userID)
	if err != nil {
		return nil, err
	}
	switch {
	case entry == nil, entry.Expired(s.now()):
		return &UserState{State: StateIdle}, nil
	case entry.IsRandom():
		return &UserState{State: StateSearching, Entry: entry}, nil
	default:
		return &UserState{State: StateInRoom, Entry: entry}, nil
	}
}
