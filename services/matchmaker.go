package services

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"emotion-duel/models"
	"emotion-duel/store"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

const (
	roomCodeMin      = 1000
	roomCodeMax      = 9999
	roomCodeAttempts = 50

	pairAttempts = 3
)

// PromptSource supplies the task for a freshly paired duel.
type PromptSource interface {
	RandomPrompt() Prompt
}

// Matchmaker owns the queue and room lifecycle. All state lives in the store.
type Matchmaker struct {
	store   *store.Store
	prompts PromptSource
	log     zerolog.Logger

	randomTTL time.Duration
	roomTTL   time.Duration

	now      func() time.Time
	roomCode func() int
}

type MatchmakerOption func(*Matchmaker)

func WithMatchmakerClock(now func() time.Time) MatchmakerOption {
	return func(m *Matchmaker) { m.now = now }
}

// WithRoomCodes replaces the random room code generator.
func WithRoomCodes(gen func() int) MatchmakerOption {
	return func(m *Matchmaker) { m.roomCode = gen }
}

func NewMatchmaker(st *store.Store, prompts PromptSource, randomTTL, roomTTL time.Duration, logger zerolog.Logger, opts ...MatchmakerOption) *Matchmaker {
	m := &Matchmaker{
		store:     st,
		prompts:   prompts,
		log:       logger.With().Str("component", "matchmaker").Logger(),
		randomTTL: randomTTL,
		roomTTL:   roomTTL,
		now:       func() time.Time { return time.Now().UTC() },
		roomCode:  func() int { return roomCodeMin + rand.Intn(roomCodeMax-roomCodeMin+1) },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enqueue adds a waiting entry for userID, in the random queue when roomCode
// is nil and into that room otherwise.
func (m *Matchmaker) Enqueue(ctx context.Context, userID int64, roomCode *int, ttl time.Duration) (*models.QueueEntry, error) {
	now := m.now()
	entry := &models.QueueEntry{
		ID:        uuid.NewString(),
		UserID:    userID,
		RoomCode:  roomCode,
		Status:    models.QueueWaiting,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	err := m.store.Transaction(ctx, func(tx *store.Tx) error {
		if err := m.admit(tx, userID, now); err != nil {
			return err
		}

		if roomCode != nil {
			entries, err := tx.RoomEntries(*roomCode)
			if err != nil {
				return err
			}
			var occupants int
			var hosted bool
			for _, e := range entries {
				if e.Expired(now) {
					// Frees the guest seat before the insert below.
					if _, err := tx.SetQueueStatus(e.ID, models.QueueWaiting, models.QueueExpired); err != nil {
						return err
					}
					continue
				}
				occupants++
				hosted = hosted || e.RoomHost
			}
			if !hosted {
				return eris.Wrapf(ErrRoomNotFound, "room %d", *roomCode)
			}
			if occupants >= 2 {
				return eris.Wrapf(ErrRoomFull, "room %d", *roomCode)
			}
		}
		return insertEntry(tx, entry)
	})
	if err != nil {
		return nil, err
	}

	m.log.Debug().Int64("user_id", userID).Interface("room_code", roomCode).Msg("user enqueued")
	return entry, nil
}

// CreateRoom opens a private room hosted by userID and returns its code.
func (m *Matchmaker) CreateRoom(ctx context.Context, userID int64, ttl time.Duration) (int, error) {
	now := m.now()
	var code int

	err := m.store.Transaction(ctx, func(tx *store.Tx) error {
		if err := m.admit(tx, userID, now); err != nil {
			return err
		}

		for attempt := 0; attempt < roomCodeAttempts; attempt++ {
			candidate := m.roomCode()
			taken, err := tx.RoomHostExists(candidate)
			if err != nil {
				return err
			}
			if taken {
				continue
			}

			host := &models.QueueEntry{
				ID:        uuid.NewString(),
				UserID:    userID,
				RoomCode:  &candidate,
				RoomHost:  true,
				Status:    models.QueueWaiting,
				CreatedAt: now,
				ExpiresAt: now.Add(ttl),
			}
			err = tx.Savepoint(func(sp *store.Tx) error { return sp.CreateQueueEntry(host) })
			if err == nil {
				code = candidate
				return nil
			}
			if !errors.Is(err, store.ErrDuplicate) {
				return err
			}

			// Either the code was taken concurrently or the user queued
			// somewhere else in the meantime.
			existing, err := tx.WaitingEntry(userID)
			if err != nil {
				return err
			}
			if existing != nil {
				return eris.Wrapf(ErrUserAlreadyQueued, "user %d", userID)
			}
		}
		return eris.Wrapf(ErrCodeSpaceExhausted, "after %d attempts", roomCodeAttempts)
	})
	if err != nil {
		if errors.Is(err, ErrCodeSpaceExhausted) {
			m.log.Error().Err(err).Int64("user_id", userID).Msg("❌ room code space exhausted")
		}
		return 0, err
	}

	m.log.Info().Int64("user_id", userID).Int("room_code", code).Msg("room created")
	return code, nil
}

// FindOpponent returns the entry userID should be paired with, or nil.
func (m *Matchmaker) FindOpponent(ctx context.Context, userID int64) (*models.QueueEntry, error) {
	var opponent *models.QueueEntry
	err := m.store.Transaction(ctx, func(tx *store.Tx) error {
		own, err := tx.WaitingEntry(userID)
		if err != nil || own == nil {
			return err
		}
		opponent, err = tx.OldestCandidate(userID, own.RoomCode, m.now())
		return err
	})
	return opponent, err
}

// Pair turns the waiting entries of both users into a new duel. Either the
// duel exists and both entries are matched, or nothing changed.
func (m *Matchmaker) Pair(ctx context.Context, userID, opponentID int64) (*models.Duel, error) {
	if userID == opponentID {
		return nil, eris.Wrap(ErrNotWaiting, "cannot pair a user with themselves")
	}
	now := m.now()
	var duel *models.Duel

	err := m.store.Transaction(ctx, func(tx *store.Tx) error {
		own, err := tx.WaitingEntry(userID)
		if err != nil {
			return err
		}
		other, err := tx.WaitingEntry(opponentID)
		if err != nil {
			return err
		}
		if own == nil || other == nil {
			return eris.Wrapf(ErrNotWaiting, "pair %d with %d", userID, opponentID)
		}

		locked, err := tx.LockEntries(own.ID, other.ID)
		if err != nil {
			return err
		}
		if len(locked) != 2 {
			return eris.Wrapf(ErrNotWaiting, "pair %d with %d", userID, opponentID)
		}
		for _, e := range locked {
			if e.Status != models.QueueWaiting || e.Expired(now) {
				return eris.Wrapf(ErrNotWaiting, "entry %s", e.ID)
			}
		}
		if !sameQueue(own, other) {
			return eris.Wrapf(ErrNotWaiting, "users %d and %d wait in different queues", userID, opponentID)
		}

		// The longer waiting player (the host, for rooms) becomes user A.
		first, second := own, other
		if waitsLonger(other, own) {
			first, second = other, own
		}

		prompt := m.prompts.RandomPrompt()
		duel = &models.Duel{
			ID:             uuid.NewString(),
			UserAID:        first.UserID,
			UserBID:        second.UserID,
			RoomCode:       own.RoomCode,
			PromptCategory: prompt.Category,
			PromptText:     prompt.Text,
			Status:         models.DuelWaitingPhotos,
			CreatedAt:      now,
		}
		if err := tx.CreateDuel(duel); err != nil {
			return err
		}

		for _, e := range []*models.QueueEntry{own, other} {
			ok, err := tx.SetQueueStatus(e.ID, models.QueueWaiting, models.QueueMatched)
			if err != nil {
				return err
			}
			if !ok {
				return eris.Wrapf(ErrNotWaiting, "entry %s", e.ID)
			}
		}

		if err := tx.ClaimSlots(duel.ID, duel.UserAID, duel.UserBID); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return eris.Wrapf(ErrUserInDuel, "pair %d with %d", userID, opponentID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.log.Info().
		Str("duel_id", duel.ID).
		Int64("user_a", duel.UserAID).
		Int64("user_b", duel.UserBID).
		Str("prompt", duel.PromptText).
		Msg("⚔️ duel created")
	return duel, nil
}

// Leave cancels the user's waiting entry. Calling it without one is a no-op.
func (m *Matchmaker) Leave(ctx context.Context, userID int64) (bool, error) {
	var cancelled int64
	err := m.store.Transaction(ctx, func(tx *store.Tx) error {
		var err error
		cancelled, err = tx.CancelWaiting(userID)
		return err
	})
	return cancelled > 0, err
}

// CancelActive cancels the user's active duel together with the opponent's
// slot and both users' waiting entries. It returns the cancelled duel.
func (m *Matchmaker) CancelActive(ctx context.Context, userID int64) (bool, *models.Duel, error) {
	var duel *models.Duel
	err := m.store.Transaction(ctx, func(tx *store.Tx) error {
		active, err := tx.ActiveDuel(userID)
		if err != nil || active == nil {
			return err
		}
		if err := retireDuel(tx, active); err != nil {
			return err
		}
		duel = active
		return nil
	})
	if err != nil || duel == nil {
		return false, nil, err
	}

	m.log.Info().Str("duel_id", duel.ID).Int64("user_id", userID).Msg("duel cancelled")
	return true, duel, nil
}

// SweepExpired marks waiting entries past their deadline as expired.
func (m *Matchmaker) SweepExpired(ctx context.Context) (int64, error) {
	var expired int64
	err := m.store.Transaction(ctx, func(tx *store.Tx) error {
		var err error
		expired, err = tx.ExpireWaiting(m.now())
		return err
	})
	return expired, err
}

// DedupQueue keeps only the most recent waiting entry of each user.
func (m *Matchmaker) DedupQueue(ctx context.Context) (int64, error) {
	var cancelled int64
	err := m.store.Transaction(ctx, func(tx *store.Tx) error {
		users, err := tx.UsersWithDuplicateWaiting()
		if err != nil {
			return err
		}
		for _, userID := range users {
			entries, err := tx.WaitingEntries(userID)
			if err != nil {
				return err
			}
			for _, e := range entries[1:] {
				ok, err := tx.SetQueueStatus(e.ID, models.QueueWaiting, models.QueueCancelled)
				if err != nil {
					return err
				}
				if ok {
					cancelled++
				}
			}
		}
		return nil
	})
	return cancelled, err
}

// DedupDuels keeps only the most recent active duel of each user and points
// every remaining participant's slot at the duel they kept.
func (m *Matchmaker) DedupDuels(ctx context.Context) (int64, error) {
	var cancelled int64
	err := m.store.Transaction(ctx, func(tx *store.Tx) error {
		duels, err := tx.ActiveDuels()
		if err != nil {
			return err
		}

		busy := make(map[int64]bool)
		var kept []models.Duel
		for _, d := range duels {
			if busy[d.UserAID] || busy[d.UserBID] {
				ok, err := tx.UpdateDuel(d.ID, d.Status, map[string]any{"status": models.DuelCancelled})
				if err != nil {
					return err
				}
				if err := tx.ReleaseSlots(d.ID); err != nil {
					return err
				}
				if ok {
					cancelled++
				}
				continue
			}
			busy[d.UserAID], busy[d.UserBID] = true, true
			kept = append(kept, d)
		}

		for _, d := range kept {
			for _, userID := range []int64{d.UserAID, d.UserBID} {
				if err := tx.AssignSlot(userID, d.ID); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return cancelled, err
}

// MatchResult is what a user gets back after asking for an opponent: either
// a duel, or the entry they now wait with.
type MatchResult struct {
	Duel  *models.Duel       `json:"duel,omitempty"`
	Entry *models.QueueEntry `json:"entry,omitempty"`
	// Created is false when a concurrent request made the duel.
	Created bool `json:"created"`
}

// FindRandom queues the user for a random opponent and pairs them right away
// when someone is already waiting.
func (m *Matchmaker) FindRandom(ctx context.Context, userID int64) (*MatchResult, error) {
	entry, err := m.Enqueue(ctx, userID, nil, m.randomTTL)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < pairAttempts; attempt++ {
		opponent, err := m.FindOpponent(ctx, userID)
		if err != nil {
			return nil, err
		}
		if opponent == nil {
			return &MatchResult{Entry: entry}, nil
		}

		duel, err := m.Pair(ctx, userID, opponent.UserID)
		if err == nil {
			return &MatchResult{Duel: duel, Created: true}, nil
		}
		if !errors.Is(err, ErrNotWaiting) && !errors.Is(err, ErrUserInDuel) {
			return nil, err
		}

		// A concurrent request may already have paired this user.
		active, err := m.store.ActiveDuel(ctx, userID)
		if err != nil {
			return nil, err
		}
		if active != nil {
			return &MatchResult{Duel: active}, nil
		}
	}
	return &MatchResult{Entry: entry}, nil
}

// JoinRoom enters the room with code and starts the duel with its host.
// The user never stays queued when the join fails.
func (m *Matchmaker) JoinRoom(ctx context.Context, userID int64, code int) (*models.Duel, error) {
	if code < roomCodeMin || code > roomCodeMax {
		return nil, eris.Wrapf(ErrRoomNotFound, "room %d", code)
	}
	if _, err := m.Enqueue(ctx, userID, &code, m.roomTTL); err != nil {
		return nil, err
	}

	host, err := m.FindOpponent(ctx, userID)
	if err == nil && host == nil {
		err = eris.Wrapf(ErrRoomNotFound, "room %d", code)
	}
	var duel *models.Duel
	if err == nil {
		duel, err = m.Pair(ctx, userID, host.UserID)
	}
	if err != nil {
		if _, leaveErr := m.Leave(ctx, userID); leaveErr != nil {
			m.log.Error().Err(leaveErr).Int64("user_id", userID).Msg("failed to leave room after failed join")
		}
		return nil, err
	}
	return duel, nil
}

func (m *Matchmaker) RandomTTL() time.Duration { return m.randomTTL }
func (m *Matchmaker) RoomTTL() time.Duration   { return m.roomTTL }

// admit rejects users that already wait or play. A duel left in scoring by a
// failed evaluation does not block: it is retired here.
func (m *Matchmaker) admit(tx *store.Tx, userID int64, now time.Time) error {
	waiting, err := tx.WaitingEntry(userID)
	if err != nil {
		return err
	}
	if waiting != nil && !waiting.Expired(now) {
		return eris.Wrapf(ErrUserAlreadyQueued, "user %d", userID)
	}
	if waiting != nil {
		if _, err := tx.SetQueueStatus(waiting.ID, models.QueueWaiting, models.QueueExpired); err != nil {
			return err
		}
	}

	active, err := tx.ActiveDuel(userID)
	if err != nil || active == nil {
		return err
	}
	if active.FailedAt == nil {
		return eris.Wrapf(ErrUserInDuel, "user %d in duel %s", userID, active.ID)
	}
	m.log.Info().Str("duel_id", active.ID).Msg("retiring duel after failed scoring")
	return retireDuel(tx, active)
}

// retireDuel cancels an active duel, frees both slots and drops both users'
// waiting entries. duel is updated in place.
func retireDuel(tx *store.Tx, duel *models.Duel) error {
	ok, err := tx.UpdateDuel(duel.ID, duel.Status, map[string]any{"status": models.DuelCancelled})
	if err != nil {
		return err
	}
	if !ok {
		return eris.Wrapf(ErrDuelNotActive, "duel %s", duel.ID)
	}
	if err := tx.ReleaseSlots(duel.ID); err != nil {
		return err
	}
	if _, err := tx.CancelWaiting(duel.UserAID, duel.UserBID); err != nil {
		return err
	}
	duel.Status = models.DuelCancelled
	return nil
}

// insertEntry adds a waiting entry and maps unique index violations: the
// user's own waiting entry means ErrUserAlreadyQueued, a taken guest seat
// means ErrRoomFull.
func insertEntry(tx *store.Tx, entry *models.QueueEntry) error {
	err := tx.Savepoint(func(sp *store.Tx) error { return sp.CreateQueueEntry(entry) })
	if !errors.Is(err, store.ErrDuplicate) {
		return err
	}

	existing, lookupErr := tx.WaitingEntry(entry.UserID)
	if lookupErr != nil {
		return lookupErr
	}
	if existing != nil || entry.RoomCode == nil {
		return eris.Wrapf(ErrUserAlreadyQueued, "user %d", entry.UserID)
	}
	return eris.Wrapf(ErrRoomFull, "room %d", *entry.RoomCode)
}

func waitsLonger(a, b *models.QueueEntry) bool {
	if a.RoomHost != b.RoomHost {
		return a.RoomHost
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func sameQueue(a, b *models.QueueEntry) bool {
	if a.RoomCode == nil || b.RoomCode == nil {
		return a.RoomCode == nil && b.RoomCode == nil
	}
	return *a.RoomCode == *b.RoomCode
}
