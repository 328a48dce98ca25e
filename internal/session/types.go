package session

import (
	"strings"
	"time"
)

// Seat letters; also the non-draw values of Game.Winner.
const (
	SeatX = "x"
	SeatO = "o"
	Draw  = "draw"
)

// emptyBoard is stored when a game is started without a ruleset.
const emptyBoard = "         "

// Player is an authenticated identity taking part in a game.
type Player struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Game is the persisted state of one session. Board is opaque to the server.
type Game struct {
	Key            string    `json:"key"`
	UserX          string    `json:"user_x"`
	NameX          string    `json:"name_x"`
	UserO          string    `json:"user_o,omitempty"`
	NameO          string    `json:"name_o,omitempty"`
	Ruleset        string    `json:"ruleset,omitempty"`
	Board          string    `json:"board"`
	FenCurrent     string    `json:"fen_current"`
	MoveX          bool      `json:"move_x"`
	Winner         string    `json:"winner,omitempty"`
	GamePGN        string    `json:"game_pgn,omitempty"`
	Plies          int       `json:"plies"`
	CreatedOn      time.Time `json:"created_on"`
	StartedOn      time.Time `json:"started_on,omitzero"`
	LastMoveMadeOn time.Time `json:"last_move_made_on"`
	// Archived is set once the finished game has been written to the archive.
	Archived bool `json:"archived,omitempty"`
}

// SeatOf returns SeatX, SeatO or "" when userID is not seated.
func (g *Game) SeatOf(userID string) string {
	switch {
	case userID == "":
		return ""
	case g.UserX == userID:
		return SeatX
	case g.UserO == userID:
		return SeatO
	}
	return ""
}

// Full reports whether both seats are taken.
func (g *Game) Full() bool { return g.UserX != "" && g.UserO != "" }

// Finished reports whether a winner (or draw) has been recorded.
func (g *Game) Finished() bool { return g.Winner != "" }

// ToMove returns the user ID whose turn it is.
func (g *Game) ToMove() string {
	if g.MoveX {
		return g.UserX
	}
	return g.UserO
}

// Players returns the seated user IDs, X first.
func (g *Game) Players() []string {
	out := []string{g.UserX}
	if g.UserO != "" {
		out = append(out, g.UserO)
	}
	return out
}

// MoveInput is what a client submits after making a move locally.
type MoveInput struct {
	Board    string `json:"board"`
	Fen      string `json:"fen"`
	Notation string `json:"notation"`
	Winner   string `json:"winner"`
}

// Update is the payload pushed to a client over its channel.
type Update struct {
	Key     string `json:"key"`
	Board   string `json:"board"`
	Fen     string `json:"fen"`
	UserX   string `json:"user_x"`
	NameX   string `json:"name_x"`
	UserO   string `json:"user_o"`
	NameO   string `json:"name_o"`
	MoveX   bool   `json:"move_x"`
	Winner  string `json:"winner"`
	GamePGN string `json:"game_pgn"`
	Text    string `json:"text,omitempty"`
}

// UpdateFor builds the push payload for g.
func UpdateFor(g *Game, text string) Update {
	return Update{
		Key:     g.Key,
		Board:   g.Board,
		Fen:     g.FenCurrent,
		UserX:   g.UserX,
		NameX:   g.NameX,
		UserO:   g.UserO,
		NameO:   g.NameO,
		MoveX:   g.MoveX,
		Winner:  g.Winner,
		GamePGN: g.GamePGN,
		Text:    strings.TrimSpace(text),
	}
}

var (
	ErrInvalidArgs        = errf("invalid arguments")
	ErrGameNotFound       = errf("game not found")
	ErrRulesetNotFound    = errf("ruleset not found")
	ErrNotPlayer          = errf("user is not seated in this game")
	ErrWaitingForOpponent = errf("waiting for an opponent to join")
	ErrNotYourTurn        = errf("not your turn")
	ErrGameOver           = errf("game is already over")
	ErrInvalidWinner      = errf("winner must be x, o or draw")
	ErrEmptyBoard         = errf("board must not be empty")
	ErrConflict           = errf("game changed concurrently, retry")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }
