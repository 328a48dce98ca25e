package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/tablutboard/internal/obslog"
	"github.com/park285/tablutboard/internal/ruleset"
)

const (
	defaultTTL   = 72 * time.Hour
	maxTxRetries = 5
)

// Rulesets resolves a ruleset by name. ruleset.Repository satisfies it.
type Rulesets interface {
	Get(ctx context.Context, name string) (*ruleset.Ruleset, error)
}

// Archive receives games once a winner is recorded.
type Archive interface {
	SaveResult(ctx context.Context, g *Game) error
}

type Manager struct {
	rdb     *redis.Client
	rules   Rulesets
	archive Archive
	ttl     time.Duration
	now     func() time.Time
}

func NewManager(rdb *redis.Client, rules Rulesets, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Manager{rdb: rdb, rules: rules, ttl: ttl, now: time.Now}
}

// AttachArchive wires a repository for finished games.
func (m *Manager) AttachArchive(a Archive) {
	if m != nil {
		m.archive = a
	}
}

// Start creates a game with p in the X seat. An empty rulesetName starts a blank board.
func (m *Manager) Start(ctx context.Context, p Player, rulesetName string) (*Game, error) {
	p.ID, p.Name = strings.TrimSpace(p.ID), strings.TrimSpace(p.Name)
	if p.ID == "" {
		return nil, ErrInvalidArgs
	}

	board := emptyBoard
	rulesetName = strings.ToLower(strings.TrimSpace(rulesetName))
	if rulesetName != "" {
		if m.rules == nil {
			return nil, ErrRulesetNotFound
		}
		rs, err := m.rules.Get(ctx, rulesetName)
		if errors.Is(err, ruleset.ErrNotFound) {
			return nil, ErrRulesetNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("load ruleset: %w", err)
		}
		board = rs.FenStart
	}

	now := m.now().UTC()
	g := &Game{
		UserX:          p.ID,
		NameX:          p.Name,
		Ruleset:        rulesetName,
		Board:          board,
		FenCurrent:     board,
		MoveX:          true,
		CreatedOn:      now,
		LastMoveMadeOn: now,
	}
	for i := 0; i < 3 && g.Key == ""; i++ {
		key := uuid.NewString()
		g.Key = key
		raw, err := json.Marshal(g)
		if err != nil {
			return nil, err
		}
		ok, err := m.rdb.SetNX(ctx, gameKey(key), raw, m.ttl).Result()
		if err != nil {
			return nil, err
		}
		if !ok {
			g.Key = ""
		}
	}
	if g.Key == "" {
		return nil, fmt.Errorf("failed to allocate game key")
	}
	if err := m.indexPlayers(ctx, g); err != nil {
		return nil, err
	}
	obslog.L().Info("game_start",
		zap.String("game_key", g.Key),
		zap.String("user_x", g.UserX),
		zap.String("ruleset", g.Ruleset),
	)
	return g, nil
}

// Open loads a game and seats p as O when that seat is free and p is not X.
// joined is true only for the call that took the seat.
func (m *Manager) Open(ctx context.Context, key string, p Player) (g *Game, joined bool, err error) {
	p.ID, p.Name = strings.TrimSpace(p.ID), strings.TrimSpace(p.Name)
	if p.ID == "" {
		return nil, false, ErrInvalidArgs
	}
	g, changed, err := m.mutate(ctx, key, func(cur *Game) (bool, error) {
		if cur.UserO != "" || cur.UserX == p.ID {
			return false, nil
		}
		cur.UserO, cur.NameO = p.ID, p.Name
		cur.LastMoveMadeOn = m.now().UTC()
		return true, nil
	})
	if err != nil {
		return nil, false, err
	}
	if changed {
		obslog.L().Info("game_join",
			zap.String("game_key", g.Key),
			zap.String("user_x", g.UserX),
			zap.String("user_o", g.UserO),
		)
	}
	m.archivePending(ctx, g)
	return g, changed, nil
}

// Get returns the game stored under key.
func (m *Manager) Get(ctx context.Context, key string) (*Game, error) {
	g, err := m.load(ctx, key)
	if err != nil {
		return nil, err
	}
	m.archivePending(ctx, g)
	return g, nil
}

func (m *Manager) load(ctx context.Context, key string) (*Game, error) {
	k, ok := normalizeKey(key)
	if !ok {
		return nil, ErrGameNotFound
	}
	raw, err := m.rdb.Get(ctx, gameKey(k)).Bytes()
	if err == redis.Nil {
		return nil, ErrGameNotFound
	}
	if err != nil {
		return nil, err
	}
	var g Game
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("decode game: %w", err)
	}
	return &g, nil
}

// Move records a move made client-side by p. The server checks seat and turn only.
func (m *Manager) Move(ctx context.Context, key string, p Player, in MoveInput) (*Game, error) {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return nil, ErrInvalidArgs
	}
	if in.Board == "" {
		return nil, ErrEmptyBoard
	}
	winner := strings.ToLower(strings.TrimSpace(in.Winner))
	switch winner {
	case "", SeatX, SeatO, Draw:
	default:
		return nil, ErrInvalidWinner
	}

	var over *Game
	g, _, err := m.mutate(ctx, key, func(cur *Game) (bool, error) {
		seat := cur.SeatOf(p.ID)
		switch {
		case seat == "":
			return false, ErrNotPlayer
		case cur.Finished():
			over = cur
			return false, ErrGameOver
		case !cur.Full():
			return false, ErrWaitingForOpponent
		case cur.ToMove() != p.ID:
			return false, ErrNotYourTurn
		}
		now := m.now().UTC()
		cur.Board = in.Board
		if fen := strings.TrimSpace(in.Fen); fen != "" {
			cur.FenCurrent = fen
		}
		if cur.StartedOn.IsZero() {
			cur.StartedOn = now
		}
		cur.GamePGN = appendNotation(cur.GamePGN, cur.Plies, seat, in.Notation)
		cur.Plies++
		cur.MoveX = !cur.MoveX
		cur.Winner = winner
		cur.LastMoveMadeOn = now
		return true, nil
	})
	if err != nil {
		if errors.Is(err, ErrGameOver) {
			m.archivePending(ctx, over)
		}
		if !errors.Is(err, ErrGameNotFound) {
			obslog.L().Warn("game_move_rejected",
				zap.String("game_key", strings.TrimSpace(key)),
				zap.String("user_id", p.ID),
				zap.Error(err),
			)
		}
		return nil, err
	}
	obslog.L().Info("game_move",
		zap.String("game_key", g.Key),
		zap.String("user_id", p.ID),
		zap.Int("plies", g.Plies),
		zap.Bool("move_x", g.MoveX),
		zap.String("winner", g.Winner),
	)
	m.archivePending(ctx, g)
	return g, nil
}

// ListByUser returns the user's games still in progress, most recently active first.
// Finished games are left out; they are listed from the archive.
func (m *Manager) ListByUser(ctx context.Context, userID string) ([]*Game, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, nil
	}
	idx := idxUserKey(userID)
	keys, err := m.rdb.SMembers(ctx, idx).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Game, 0, len(keys))
	for _, k := range keys {
		g, err := m.load(ctx, k)
		if errors.Is(err, ErrGameNotFound) {
			// expired game; drop the stale index entry
			_ = m.rdb.SRem(ctx, idx, k).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		if g.Finished() {
			m.archivePending(ctx, g)
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMoveMadeOn.After(out[j].LastMoveMadeOn) })
	return out, nil
}

// mutate runs fn on the current game under WATCH and stores the result when fn reports a change.
// fn sees a freshly decoded copy on every attempt.
func (m *Manager) mutate(ctx context.Context, key string, fn func(*Game) (bool, error)) (*Game, bool, error) {
	k, ok := normalizeKey(key)
	if !ok {
		return nil, false, ErrGameNotFound
	}
	gk := gameKey(k)

	var (
		out     *Game
		changed bool
	)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, gk).Bytes()
		if err == redis.Nil {
			return ErrGameNotFound
		}
		if err != nil {
			return err
		}
		var cur Game
		if err := json.Unmarshal(raw, &cur); err != nil {
			return fmt.Errorf("decode game: %w", err)
		}
		ch, err := fn(&cur)
		if err != nil {
			return err
		}
		out, changed = &cur, ch
		if !ch {
			return nil
		}
		newRaw, err := json.Marshal(&cur)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, gk, newRaw, m.ttl)
			for _, id := range cur.Players() {
				pipe.SAdd(ctx, idxUserKey(id), cur.Key)
				pipe.Expire(ctx, idxUserKey(id), m.ttl)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := m.rdb.Watch(ctx, txf, gk)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return out, changed, nil
	}
	obslog.L().Warn("game_tx_conflict", zap.String("game_key", k))
	return nil, false, ErrConflict
}

func (m *Manager) indexPlayers(ctx context.Context, g *Game) error {
	for _, id := range g.Players() {
		key := idxUserKey(id)
		if err := m.rdb.SAdd(ctx, key, g.Key).Err(); err != nil {
			return err
		}
		_ = m.rdb.Expire(ctx, key, m.ttl).Err()
	}
	return nil
}

// archivePending writes a finished game to the archive and marks it archived in Redis.
// A failed write leaves the mark unset, so the next Get, Open, Move or ListByUser retries it.
func (m *Manager) archivePending(ctx context.Context, g *Game) {
	if m == nil || m.archive == nil || g == nil || !g.Finished() || g.Archived {
		return
	}
	if err := m.archive.SaveResult(ctx, g); err != nil {
		obslog.L().Error("game_result_persist_error", zap.String("game_key", g.Key), zap.String("winner", g.Winner), zap.Error(err))
		return
	}
	_, _, err := m.mutate(ctx, g.Key, func(cur *Game) (bool, error) {
		if cur.Archived {
			return false, nil
		}
		cur.Archived = true
		return true, nil
	})
	if err != nil {
		// the upsert is idempotent; a later call simply writes the same row again
		obslog.L().Warn("game_result_mark_error", zap.String("game_key", g.Key), zap.Error(err))
		return
	}
	g.Archived = true
	obslog.L().Info("game_result_persist", zap.String("game_key", g.Key), zap.String("winner", g.Winner))
}

// appendNotation numbers X moves the way PGN move text does: "1. a b 2. c".
func appendNotation(pgn string, ply int, seat, notation string) string {
	notation = strings.TrimSpace(notation)
	if notation == "" {
		return pgn
	}
	var b strings.Builder
	b.WriteString(pgn)
	if pgn != "" {
		b.WriteByte(' ')
	}
	if seat == SeatX {
		fmt.Fprintf(&b, "%d. ", ply/2+1)
	}
	b.WriteString(notation)
	return b.String()
}

func normalizeKey(key string) (string, bool) {
	id, err := uuid.Parse(strings.TrimSpace(key))
	if err != nil {
		return "", false
	}
	return id.String(), true
}

func gameKey(key string) string      { return "tablut:game:" + key }
func idxUserKey(userID string) string { return "tablut:index:user:" + strings.TrimSpace(userID) }
