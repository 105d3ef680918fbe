package domain

import "time"

// Color identifies a chess side.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

func (c Color) Opponent() Color {
	if c == White {
		return Black
	}
	return White
}

// Status is a game lifecycle state. It never reverts from finished.
type Status string

const (
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
)

// Result is the score string of a finished game; empty while unset.
type Result string

const (
	ResultWhiteWins Result = "1-0"
	ResultBlackWins Result = "0-1"
	ResultDraw      Result = "1/2-1/2"
	ResultUnset     Result = ""
)

// Reason records how a game reached its result.
type Reason string

const (
	ReasonCheckmate     Reason = "checkmate"
	ReasonResign        Reason = "resign"
	ReasonTimeout       Reason = "timeout"
	ReasonDraw          Reason = "draw"
	ReasonEngineFailure Reason = "engine-failure"
)

// StartposFEN is the sentinel stored before the first move is applied.
const StartposFEN = "startpos"

// TimeControl is a clock configuration from the catalog. It is embedded by
// value in a Game and immutable for the session's lifetime.
type TimeControl struct {
	Slug        string `yaml:"slug"`
	InitialSec  int    `yaml:"initial_sec"`
	IncrementMs int64  `yaml:"increment_ms"`
	TimeClass   string `yaml:"time_class"`
}

func (tc TimeControl) InitialMs() int64 { return int64(tc.InitialSec) * 1000 }

// Game is the authoritative per-session row. Any read-modify-write of it
// happens under an exclusive row lock; Version additionally gates clients
// acting on stale snapshots.
type Game struct {
	ID          string
	TimeControl TimeControl
	WhiteID     string
	BlackID     string
	HasBot      bool
	Status      Status
	Result      Result
	Reason      Reason
	FEN         string
	PlyIndex    int
	WhiteMs     int64
	BlackMs     int64
	LastMoveAt  *time.Time
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (g *Game) IsParticipant(playerID string) bool {
	return playerID != "" && (playerID == g.WhiteID || playerID == g.BlackID)
}

func (g *Game) PlayerFor(c Color) string {
	if c == White {
		return g.WhiteID
	}
	return g.BlackID
}

func (g *Game) ColorOf(playerID string) (Color, bool) {
	switch playerID {
	case g.WhiteID:
		return White, true
	case g.BlackID:
		return Black, true
	default:
		return "", false
	}
}

// ClockFor returns the remaining balance of the given side.
func (g *Game) ClockFor(c Color) int64 {
	if c == White {
		return g.WhiteMs
	}
	return g.BlackMs
}

func (g *Game) SetClock(c Color, ms int64) {
	if c == White {
		g.WhiteMs = ms
	} else {
		g.BlackMs = ms
	}
}

// GameMove is an append-only child record of a Game: one row per accepted
// ply, never mutated or deleted.
type GameMove struct {
	GameID       string
	Ply          int
	ByPlayer     string
	UCI          string
	SAN          string
	FENAfter     string
	WhiteMsAfter int64
	BlackMsAfter int64
	CreatedAt    time.Time
}

// PlayerRating is keyed by player and time class. Rows are created on demand
// at the default rating and updated only on a game's finishing transition.
type PlayerRating struct {
	PlayerID  string
	TimeClass string
	Rating    int
	Games     int
}

const DefaultRating = 1500

// QueueEntry exists only while a player waits for a pairing; unique per
// (player, time control).
type QueueEntry struct {
	ID             int64
	PlayerID       string
	TimeControl    string
	SnapshotRating int
	JoinedAt       time.Time
}

// BotProfile is a computer opponent identity with its baseline rating.
// Actual ratings live in PlayerRating rows and drift with results.
type BotProfile struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Rating int    `yaml:"rating"`
}
