// Package rules wraps the chess rules library behind the small surface the
// arena needs: side-to-move resolution, legality-checked move application,
// and terminal detection. Positions are carried as FEN strings with
// domain.StartposFEN standing in for the initial position.
package rules

import (
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/darksquare/arena/internal/domain"
)

var (
	ErrIllegalMove = errors.New("illegal move")
	ErrBadPosition = errors.New("invalid position")
	// ErrPositionDesync reports a position whose encoded active color
	// disagrees with the session's ply parity. The two sources must never
	// diverge silently; callers surface this instead of guessing.
	ErrPositionDesync = errors.New("position color disagrees with ply parity")
)

// Applied is the outcome of one legal move.
type Applied struct {
	SAN      string
	FENAfter string
	Terminal Terminal
}

// Terminal classifies the position after a move.
type Terminal int

const (
	TerminalNone Terminal = iota
	TerminalCheckmate
	TerminalDraw
)

// SideToMove resolves the side to move. The FEN-encoded active color is
// authoritative; ply parity serves only the startpos sentinel, and a
// disagreement between the two is an invariant violation.
func SideToMove(fen string, ply int) (domain.Color, error) {
	parity := domain.White
	if ply%2 == 1 {
		parity = domain.Black
	}

	if isStartpos(fen) {
		return parity, nil
	}

	encoded, err := activeColor(fen)
	if err != nil {
		return "", err
	}
	if encoded != parity {
		return "", fmt.Errorf("%w: fen says %s, ply %d says %s", ErrPositionDesync, encoded, ply, parity)
	}
	return encoded, nil
}

// Apply validates uciMove against the position and plays it. Nothing is
// mutated on failure; the inputs are value types throughout.
func Apply(fen, uciMove string) (Applied, error) {
	game, err := buildGame(fen)
	if err != nil {
		return Applied{}, err
	}

	pos := game.Position()
	mv, err := nchess.UCINotation{}.Decode(pos, strings.ToLower(strings.TrimSpace(uciMove)))
	if err != nil {
		return Applied{}, fmt.Errorf("%w: %q", ErrIllegalMove, uciMove)
	}
	if err := game.Move(mv, nil); err != nil {
		return Applied{}, fmt.Errorf("%w: %q", ErrIllegalMove, uciMove)
	}

	return Applied{
		SAN:      nchess.AlgebraicNotation{}.Encode(pos, mv),
		FENAfter: game.FEN(),
		Terminal: terminalOf(game),
	}, nil
}

func terminalOf(game *nchess.Game) Terminal {
	switch game.Outcome() {
	case nchess.WhiteWon, nchess.BlackWon:
		return TerminalCheckmate
	case nchess.Draw:
		return TerminalDraw
	default:
		return TerminalNone
	}
}

func buildGame(fen string) (*nchess.Game, error) {
	if isStartpos(fen) {
		return nchess.NewGame(), nil
	}
	option, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPosition, err)
	}
	return nchess.NewGame(option), nil
}

func activeColor(fen string) (domain.Color, error) {
	fields := strings.Fields(fen)
	if len(fields) < 2 {
		return "", fmt.Errorf("%w: %q", ErrBadPosition, fen)
	}
	switch fields[1] {
	case "w":
		return domain.White, nil
	case "b":
		return domain.Black, nil
	default:
		return "", fmt.Errorf("%w: active color %q", ErrBadPosition, fields[1])
	}
}

func isStartpos(fen string) bool {
	trimmed := strings.TrimSpace(fen)
	return trimmed == "" || trimmed == domain.StartposFEN
}
