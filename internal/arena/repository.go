package arena

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/darksquare/arena/internal/domain"
)

// Tx is the unit of work every game-state transition runs in. Row
// locks taken through it hold until the enclosing InTx returns.
type Tx interface {
	CreateGame(ctx context.Context, g *domain.Game) error
	// GameForUpdate loads a game and locks its row for the rest of
	// the transaction.
	GameForUpdate(ctx context.Context, id string) (*domain.Game, error)
	// UpdateGame persists g guarded by its version: the write applies
	// only if the stored lock version still matches g.Version, and on
	// success g.Version is advanced.
	UpdateGame(ctx context.Context, g *domain.Game) error
	AppendMove(ctx context.Context, mv *domain.GameMove) error
	// ActiveGameForPlayer reports the player's newest active game, if
	// any. Pairing uses it to catch queue entries that went stale
	// while a game was created some other way.
	ActiveGameForPlayer(ctx context.Context, playerID string) (*domain.Game, error)
	// RatingForUpdate locks the player's per-class rating row,
	// creating it at the default rating when absent.
	RatingForUpdate(ctx context.Context, playerID string, class string) (domain.PlayerRating, error)
	SaveRating(ctx context.Context, r domain.PlayerRating) error
	// QueueEntryForUpdate locks the player's own queue entry. A nil
	// entry means another pairing already claimed it.
	QueueEntryForUpdate(ctx context.Context, playerID, timeControl string) (*domain.QueueEntry, error)
	// OpponentForUpdate finds the oldest waiting entry in the rating
	// window, skipping rows other pairings hold locked.
	OpponentForUpdate(ctx context.Context, timeControl, selfID string, minRating, maxRating int) (*domain.QueueEntry, error)
	// DeleteQueueEntries removes the given entries and fails with
	// ErrPairingConflict unless every one of them was still present.
	DeleteQueueEntries(ctx context.Context, ids []int64) error
}

type Repository interface {
	InTx(ctx context.Context, fn func(Tx) error) error

	GetGame(ctx context.Context, id string) (*domain.Game, error)
	MovesSince(ctx context.Context, gameID string, afterPly int) ([]domain.GameMove, error)
	ActiveGameForPlayer(ctx context.Context, playerID string) (*domain.Game, error)
	// OverdueGameIDs lists active games whose side to move ran out of
	// clock before the cutoff, judged from the stored snapshot. The
	// caller re-checks each one under a row lock before finishing it.
	OverdueGameIDs(ctx context.Context, cutoff time.Time) ([]string, error)

	Enqueue(ctx context.Context, e *domain.QueueEntry) error
	RemoveFromQueue(ctx context.Context, playerID, timeControl string) error
	QueueEntriesOlderThan(ctx context.Context, cutoff time.Time) ([]domain.QueueEntry, error)

	Rating(ctx context.Context, playerID string, class string) (domain.PlayerRating, error)

	Close() error
}

// PostgresRepository expects the games, game_moves, player_ratings,
// and queue_entries tables to be provisioned externally.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(databaseURL string) (*PostgresRepository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &PostgresRepository{db: db}, nil
}

func (r *PostgresRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *PostgresRepository) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	ptx := &postgresTx{tx: tx}
	if err := fn(ptx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

const gameColumns = `id, time_control, white_id, black_id, has_bot, status, result, reason,
	fen, ply_index, white_ms, black_ms, last_move_at, lock_version, created_at, updated_at`

func (r *PostgresRepository) GetGame(ctx context.Context, id string) (*domain.Game, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+gameColumns+` FROM games WHERE id = $1`, id)
	return scanGame(row)
}

func (r *PostgresRepository) MovesSince(ctx context.Context, gameID string, afterPly int) ([]domain.GameMove, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT game_id, ply, by_player, uci, san, fen_after, white_ms_after, black_ms_after, created_at
		 FROM game_moves WHERE game_id = $1 AND ply > $2 ORDER BY ply`, gameID, afterPly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var moves []domain.GameMove
	for rows.Next() {
		var mv domain.GameMove
		if err := rows.Scan(&mv.GameID, &mv.Ply, &mv.ByPlayer, &mv.UCI, &mv.SAN,
			&mv.FENAfter, &mv.WhiteMsAfter, &mv.BlackMsAfter, &mv.CreatedAt); err != nil {
			return nil, err
		}
		moves = append(moves, mv)
	}
	return moves, rows.Err()
}

func (r *PostgresRepository) ActiveGameForPlayer(ctx context.Context, playerID string) (*domain.Game, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+gameColumns+` FROM games
		 WHERE status = 'active' AND (white_id = $1 OR black_id = $1)
		 ORDER BY created_at DESC LIMIT 1`, playerID)
	g, err := scanGame(row)
	if errors.Is(err, ErrGameNotFound) {
		return nil, nil
	}
	return g, err
}

// Side to move is judged by ply parity here; the per-game re-check
// under the row lock uses the FEN and catches any disagreement.
func (r *PostgresRepository) OverdueGameIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM games
		 WHERE status = 'active' AND last_move_at IS NOT NULL
		   AND ((ply_index % 2 = 0 AND last_move_at + white_ms * interval '1 millisecond' < $1)
		     OR (ply_index % 2 = 1 AND last_move_at + black_ms * interval '1 millisecond' < $1))`,
		cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Enqueue upserts the waiting entry. Re-joining refreshes the rating
// snapshot but keeps the original joined_at, so waiting time (and the
// widening it drives) is never reset.
func (r *PostgresRepository) Enqueue(ctx context.Context, e *domain.QueueEntry) error {
	row := r.db.QueryRowContext(ctx,
		`INSERT INTO queue_entries (player_id, time_control, snapshot_rating, joined_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (player_id, time_control)
		 DO UPDATE SET snapshot_rating = EXCLUDED.snapshot_rating
		 RETURNING id, joined_at`,
		e.PlayerID, e.TimeControl, e.SnapshotRating, e.JoinedAt)
	return row.Scan(&e.ID, &e.JoinedAt)
}

func (r *PostgresRepository) RemoveFromQueue(ctx context.Context, playerID, timeControl string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM queue_entries WHERE player_id = $1 AND time_control = $2`,
		playerID, timeControl)
	return err
}

func (r *PostgresRepository) QueueEntriesOlderThan(ctx context.Context, cutoff time.Time) ([]domain.QueueEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, player_id, time_control, snapshot_rating, joined_at
		 FROM queue_entries WHERE joined_at < $1 ORDER BY joined_at`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.QueueEntry
	for rows.Next() {
		var e domain.QueueEntry
		if err := rows.Scan(&e.ID, &e.PlayerID, &e.TimeControl, &e.SnapshotRating, &e.JoinedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *PostgresRepository) Rating(ctx context.Context, playerID string, class string) (domain.PlayerRating, error) {
	out := domain.PlayerRating{PlayerID: playerID, TimeClass: class, Rating: domain.DefaultRating}
	err := r.db.QueryRowContext(ctx,
		`SELECT rating, games_played FROM player_ratings WHERE player_id = $1 AND time_class = $2`,
		playerID, class).Scan(&out.Rating, &out.Games)
	if errors.Is(err, sql.ErrNoRows) {
		return out, nil
	}
	if err != nil {
		return domain.PlayerRating{}, err
	}
	return out, nil
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) CreateGame(ctx context.Context, g *domain.Game) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO games (`+gameColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		g.ID, g.TimeControl.Slug, g.WhiteID, g.BlackID, g.HasBot, g.Status, g.Result, g.Reason,
		g.FEN, g.PlyIndex, g.WhiteMs, g.BlackMs, g.LastMoveAt, g.Version, g.CreatedAt, g.UpdatedAt)
	return err
}

func (t *postgresTx) GameForUpdate(ctx context.Context, id string) (*domain.Game, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+gameColumns+` FROM games WHERE id = $1 FOR UPDATE`, id)
	return scanGame(row)
}

func (t *postgresTx) UpdateGame(ctx context.Context, g *domain.Game) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE games SET status = $1, result = $2, reason = $3, fen = $4, ply_index = $5,
		   white_ms = $6, black_ms = $7, last_move_at = $8, updated_at = $9,
		   lock_version = lock_version + 1
		 WHERE id = $10 AND lock_version = $11`,
		g.Status, g.Result, g.Reason, g.FEN, g.PlyIndex,
		g.WhiteMs, g.BlackMs, g.LastMoveAt, g.UpdatedAt,
		g.ID, g.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	g.Version++
	return nil
}

func (t *postgresTx) ActiveGameForPlayer(ctx context.Context, playerID string) (*domain.Game, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+gameColumns+` FROM games
		 WHERE status = 'active' AND (white_id = $1 OR black_id = $1)
		 ORDER BY created_at DESC LIMIT 1`, playerID)
	g, err := scanGame(row)
	if errors.Is(err, ErrGameNotFound) {
		return nil, nil
	}
	return g, err
}

func (t *postgresTx) AppendMove(ctx context.Context, mv *domain.GameMove) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO game_moves (game_id, ply, by_player, uci, san, fen_after, white_ms_after, black_ms_after, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		mv.GameID, mv.Ply, mv.ByPlayer, mv.UCI, mv.SAN, mv.FENAfter,
		mv.WhiteMsAfter, mv.BlackMsAfter, mv.CreatedAt)
	return err
}

func (t *postgresTx) RatingForUpdate(ctx context.Context, playerID string, class string) (domain.PlayerRating, error) {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO player_ratings (player_id, time_class, rating, games_played)
		 VALUES ($1, $2, $3, 0) ON CONFLICT (player_id, time_class) DO NOTHING`,
		playerID, class, domain.DefaultRating)
	if err != nil {
		return domain.PlayerRating{}, err
	}

	out := domain.PlayerRating{PlayerID: playerID, TimeClass: class}
	err = t.tx.QueryRowContext(ctx,
		`SELECT rating, games_played FROM player_ratings
		 WHERE player_id = $1 AND time_class = $2 FOR UPDATE`,
		playerID, class).Scan(&out.Rating, &out.Games)
	if err != nil {
		return domain.PlayerRating{}, err
	}
	return out, nil
}

func (t *postgresTx) SaveRating(ctx context.Context, r domain.PlayerRating) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE player_ratings SET rating = $1, games_played = $2
		 WHERE player_id = $3 AND time_class = $4`,
		r.Rating, r.Games, r.PlayerID, r.TimeClass)
	return err
}

func (t *postgresTx) QueueEntryForUpdate(ctx context.Context, playerID, timeControl string) (*domain.QueueEntry, error) {
	var e domain.QueueEntry
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, player_id, time_control, snapshot_rating, joined_at
		 FROM queue_entries WHERE player_id = $1 AND time_control = $2
		 FOR UPDATE SKIP LOCKED`,
		playerID, timeControl).Scan(&e.ID, &e.PlayerID, &e.TimeControl, &e.SnapshotRating, &e.JoinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *postgresTx) OpponentForUpdate(ctx context.Context, timeControl, selfID string, minRating, maxRating int) (*domain.QueueEntry, error) {
	var e domain.QueueEntry
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, player_id, time_control, snapshot_rating, joined_at
		 FROM queue_entries
		 WHERE time_control = $1 AND player_id <> $2
		   AND snapshot_rating BETWEEN $3 AND $4
		 ORDER BY joined_at
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
		timeControl, selfID, minRating, maxRating).
		Scan(&e.ID, &e.PlayerID, &e.TimeControl, &e.SnapshotRating, &e.JoinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *postgresTx) DeleteQueueEntries(ctx context.Context, ids []int64) error {
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM queue_entries WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != int64(len(ids)) {
		return ErrPairingConflict
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGame(row rowScanner) (*domain.Game, error) {
	var (
		g      domain.Game
		tcSlug string
		last   sql.NullTime
	)
	err := row.Scan(&g.ID, &tcSlug, &g.WhiteID, &g.BlackID, &g.HasBot, &g.Status, &g.Result,
		&g.Reason, &g.FEN, &g.PlyIndex, &g.WhiteMs, &g.BlackMs, &last, &g.Version,
		&g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGameNotFound
	}
	if err != nil {
		return nil, err
	}
	g.TimeControl = domain.TimeControl{Slug: tcSlug}
	if last.Valid {
		t := last.Time
		g.LastMoveAt = &t
	}
	return &g, nil
}
