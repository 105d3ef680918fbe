package arena

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/darksquare/arena/internal/domain"
)

// MemRepository keeps everything in process memory. It backs tests
// and local runs without postgres; one lock held for the whole
// transaction stands in for row locks, which gives the same
// serialization the SQL locks provide.
type MemRepository struct {
	mu          sync.Mutex
	games       map[string]domain.Game
	moves       map[string][]domain.GameMove
	ratings     map[ratingKey]domain.PlayerRating
	queue       map[queueKey]domain.QueueEntry
	nextQueueID int64
}

type ratingKey struct {
	playerID string
	class    string
}

type queueKey struct {
	playerID    string
	timeControl string
}

func NewMemRepository() *MemRepository {
	return &MemRepository{
		games:   make(map[string]domain.Game),
		moves:   make(map[string][]domain.GameMove),
		ratings: make(map[ratingKey]domain.PlayerRating),
		queue:   make(map[queueKey]domain.QueueEntry),
	}
}

func (r *MemRepository) Close() error { return nil }

func (r *MemRepository) InTx(ctx context.Context, fn func(Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.copyState()
	if err := fn(&memTx{repo: r}); err != nil {
		r.restore(snapshot)
		return err
	}
	return nil
}

type memState struct {
	games   map[string]domain.Game
	moves   map[string][]domain.GameMove
	ratings map[ratingKey]domain.PlayerRating
	queue   map[queueKey]domain.QueueEntry
	nextID  int64
}

func (r *MemRepository) copyState() memState {
	s := memState{
		games:   make(map[string]domain.Game, len(r.games)),
		moves:   make(map[string][]domain.GameMove, len(r.moves)),
		ratings: make(map[ratingKey]domain.PlayerRating, len(r.ratings)),
		queue:   make(map[queueKey]domain.QueueEntry, len(r.queue)),
		nextID:  r.nextQueueID,
	}
	for k, v := range r.games {
		s.games[k] = copyGame(v)
	}
	for k, v := range r.moves {
		s.moves[k] = append([]domain.GameMove(nil), v...)
	}
	for k, v := range r.ratings {
		s.ratings[k] = v
	}
	for k, v := range r.queue {
		s.queue[k] = v
	}
	return s
}

func (r *MemRepository) restore(s memState) {
	r.games = s.games
	r.moves = s.moves
	r.ratings = s.ratings
	r.queue = s.queue
	r.nextQueueID = s.nextID
}

func copyGame(g domain.Game) domain.Game {
	out := g
	if g.LastMoveAt != nil {
		t := *g.LastMoveAt
		out.LastMoveAt = &t
	}
	return out
}

func (r *MemRepository) GetGame(ctx context.Context, id string) (*domain.Game, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.games[id]
	if !ok {
		return nil, ErrGameNotFound
	}
	out := copyGame(g)
	return &out, nil
}

func (r *MemRepository) MovesSince(ctx context.Context, gameID string, afterPly int) ([]domain.GameMove, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.GameMove
	for _, mv := range r.moves[gameID] {
		if mv.Ply > afterPly {
			out = append(out, mv)
		}
	}
	return out, nil
}

func (r *MemRepository) ActiveGameForPlayer(ctx context.Context, playerID string) (*domain.Game, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var newest *domain.Game
	for _, g := range r.games {
		if g.Status != domain.StatusActive || !g.IsParticipant(playerID) {
			continue
		}
		if newest == nil || g.CreatedAt.After(newest.CreatedAt) {
			cp := copyGame(g)
			newest = &cp
		}
	}
	return newest, nil
}

func (r *MemRepository) OverdueGameIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, g := range r.games {
		if g.Status != domain.StatusActive || g.LastMoveAt == nil {
			continue
		}
		mover := domain.White
		if g.PlyIndex%2 == 1 {
			mover = domain.Black
		}
		deadline := g.LastMoveAt.Add(time.Duration(g.ClockFor(mover)) * time.Millisecond)
		if deadline.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *MemRepository) Enqueue(ctx context.Context, e *domain.QueueEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := queueKey{playerID: e.PlayerID, timeControl: e.TimeControl}
	if existing, ok := r.queue[key]; ok {
		existing.SnapshotRating = e.SnapshotRating
		r.queue[key] = existing
		*e = existing
		return nil
	}
	r.nextQueueID++
	e.ID = r.nextQueueID
	r.queue[key] = *e
	return nil
}

func (r *MemRepository) RemoveFromQueue(ctx context.Context, playerID, timeControl string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queue, queueKey{playerID: playerID, timeControl: timeControl})
	return nil
}

func (r *MemRepository) QueueEntriesOlderThan(ctx context.Context, cutoff time.Time) ([]domain.QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.QueueEntry
	for _, e := range r.queue {
		if e.JoinedAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (r *MemRepository) Rating(ctx context.Context, playerID string, class string) (domain.PlayerRating, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.ratings[ratingKey{playerID: playerID, class: class}]; ok {
		return rec, nil
	}
	return domain.PlayerRating{PlayerID: playerID, TimeClass: class, Rating: domain.DefaultRating}, nil
}

type memTx struct {
	repo *MemRepository
}

func (t *memTx) CreateGame(ctx context.Context, g *domain.Game) error {
	t.repo.games[g.ID] = copyGame(*g)
	return nil
}

func (t *memTx) GameForUpdate(ctx context.Context, id string) (*domain.Game, error) {
	g, ok := t.repo.games[id]
	if !ok {
		return nil, ErrGameNotFound
	}
	out := copyGame(g)
	return &out, nil
}

func (t *memTx) UpdateGame(ctx context.Context, g *domain.Game) error {
	stored, ok := t.repo.games[g.ID]
	if !ok {
		return ErrGameNotFound
	}
	if stored.Version != g.Version {
		return ErrVersionConflict
	}
	g.Version++
	t.repo.games[g.ID] = copyGame(*g)
	return nil
}

func (t *memTx) ActiveGameForPlayer(ctx context.Context, playerID string) (*domain.Game, error) {
	var newest *domain.Game
	for _, g := range t.repo.games {
		if g.Status != domain.StatusActive || !g.IsParticipant(playerID) {
			continue
		}
		if newest == nil || g.CreatedAt.After(newest.CreatedAt) {
			cp := copyGame(g)
			newest = &cp
		}
	}
	return newest, nil
}

func (t *memTx) AppendMove(ctx context.Context, mv *domain.GameMove) error {
	t.repo.moves[mv.GameID] = append(t.repo.moves[mv.GameID], *mv)
	return nil
}

func (t *memTx) RatingForUpdate(ctx context.Context, playerID string, class string) (domain.PlayerRating, error) {
	key := ratingKey{playerID: playerID, class: class}
	if rec, ok := t.repo.ratings[key]; ok {
		return rec, nil
	}
	rec := domain.PlayerRating{PlayerID: playerID, TimeClass: class, Rating: domain.DefaultRating}
	t.repo.ratings[key] = rec
	return rec, nil
}

func (t *memTx) SaveRating(ctx context.Context, r domain.PlayerRating) error {
	t.repo.ratings[ratingKey{playerID: r.PlayerID, class: r.TimeClass}] = r
	return nil
}

func (t *memTx) QueueEntryForUpdate(ctx context.Context, playerID, timeControl string) (*domain.QueueEntry, error) {
	e, ok := t.repo.queue[queueKey{playerID: playerID, timeControl: timeControl}]
	if !ok {
		return nil, nil
	}
	out := e
	return &out, nil
}

func (t *memTx) OpponentForUpdate(ctx context.Context, timeControl, selfID string, minRating, maxRating int) (*domain.QueueEntry, error) {
	var best *domain.QueueEntry
	for _, e := range t.repo.queue {
		if e.TimeControl != timeControl || e.PlayerID == selfID {
			continue
		}
		if e.SnapshotRating < minRating || e.SnapshotRating > maxRating {
			continue
		}
		if best == nil || e.JoinedAt.Before(best.JoinedAt) {
			cp := e
			best = &cp
		}
	}
	return best, nil
}

func (t *memTx) DeleteQueueEntries(ctx context.Context, ids []int64) error {
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	deleted := 0
	for key, e := range t.repo.queue {
		if want[e.ID] {
			delete(t.repo.queue, key)
			deleted++
		}
	}
	if deleted != len(ids) {
		return ErrPairingConflict
	}
	return nil
}
