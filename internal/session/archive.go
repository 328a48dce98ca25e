package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/park285/tablutboard/internal/storage"
)

// Repository stores finished games in the finished_games table.
type Repository struct {
	db *storage.DB
}

func NewRepository(db *storage.DB) *Repository {
	return &Repository{db: db}
}

// SaveResult upserts a finished game.
func (r *Repository) SaveResult(ctx context.Context, g *Game) error {
	if r == nil || r.db == nil || g == nil {
		return nil
	}
	q := r.db.Rebind(`INSERT INTO finished_games (
        game_key, user_x, name_x, user_o, name_o, ruleset,
        board, fen_current, winner, game_pgn,
        created_on, started_on, last_move_made_on
      ) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
      ON CONFLICT (game_key) DO UPDATE SET
        user_o=EXCLUDED.user_o,
        name_o=EXCLUDED.name_o,
        board=EXCLUDED.board,
        fen_current=EXCLUDED.fen_current,
        winner=EXCLUDED.winner,
        game_pgn=EXCLUDED.game_pgn,
        started_on=EXCLUDED.started_on,
        last_move_made_on=EXCLUDED.last_move_made_on`)

	_, err := r.db.ExecContext(ctx, q,
		g.Key,
		g.UserX, g.NameX,
		g.UserO, g.NameO,
		g.Ruleset,
		g.Board, g.FenCurrent,
		strings.TrimSpace(g.Winner), g.GamePGN,
		storage.Millis(g.CreatedOn), storage.Millis(g.StartedOn), storage.Millis(g.LastMoveMadeOn),
	)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

// RecentResults lists the user's finished games, newest first.
func (r *Repository) RecentResults(ctx context.Context, userID string, limit int) ([]*Game, error) {
	if r == nil || r.db == nil || strings.TrimSpace(userID) == "" {
		return nil, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	q := r.db.Rebind(`SELECT game_key, user_x, name_x, user_o, name_o, ruleset,
        board, fen_current, winner, game_pgn,
        created_on, started_on, last_move_made_on
      FROM finished_games
      WHERE user_x = ? OR user_o = ?
      ORDER BY last_move_made_on DESC
      LIMIT ?`)
	rows, err := r.db.QueryContext(ctx, q, userID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("select results: %w", err)
	}
	defer rows.Close()

	var out []*Game
	for rows.Next() {
		var (
			g                          Game
			created, started, lastMove int64
		)
		if err := rows.Scan(
			&g.Key, &g.UserX, &g.NameX, &g.UserO, &g.NameO, &g.Ruleset,
			&g.Board, &g.FenCurrent, &g.Winner, &g.GamePGN,
			&created, &started, &lastMove,
		); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		g.CreatedOn = storage.FromMillis(created)
		g.StartedOn = storage.FromMillis(started)
		g.LastMoveMadeOn = storage.FromMillis(lastMove)
		out = append(out, &g)
	}
	return out, rows.Err()
}
