package services

import "github.com/rotisserie/eris"

// Errors returned to callers of the matchmaker and the coordinator.
var (
	ErrUserAlreadyQueued  = eris.New("user already has a waiting queue entry")
	ErrUserInDuel         = eris.New("user already has an active duel")
	ErrRoomFull           = eris.New("room already has two players")
	ErrRoomNotFound       = eris.New("room not found")
	ErrCodeSpaceExhausted = eris.New("no free room code")
	ErrNotWaiting         = eris.New("queue entry is no longer waiting")

	ErrDuelNotFound        = eris.New("duel not found")
	ErrNoActiveDuel        = eris.New("user has no active duel")
	ErrDuelNotActive       = eris.New("duel no longer accepts this action")
	ErrNotParticipant      = eris.New("user is not a participant of the duel")
	ErrScoringFailed       = eris.New("scoring failed")
	ErrOpponentFileMissing = eris.New("photo missing from storage")
)
