package arena

import "errors"

var (
	ErrGameNotFound       = errors.New("arena: game not found")
	ErrNotActive          = errors.New("arena: game is not active")
	ErrNotParticipant     = errors.New("arena: player is not in this game")
	ErrWrongTurn          = errors.New("arena: not this player's turn")
	ErrVersionConflict    = errors.New("arena: game changed since it was read")
	ErrTimedOut           = errors.New("arena: mover's flag fell before the move")
	ErrNoDrawOffer        = errors.New("arena: no outstanding draw offer")
	ErrUnknownTimeControl = errors.New("arena: unknown time control")
	ErrUnknownBot         = errors.New("arena: unknown bot")
	ErrPairingConflict    = errors.New("arena: queue entry claimed by another pairing")
)
