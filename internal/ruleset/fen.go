package ruleset

import (
	"fmt"
	"strings"
)

// Piece letters used in start positions.
const (
	Empty    byte = '-'
	Attacker byte = 'a'
	Defender byte = 'p'
	King     byte = 'k'
)

const (
	minBoardSize = 5
	maxBoardSize = 19
)

// Board is a parsed start position, row 0 at the top.
type Board struct {
	Size  int
	Cells [][]byte
}

// ParseFEN expands a tafl start position such as "3a3/3a3/3p3/aapkpaa/3p3/3a3/3a3".
// Digits (possibly multi-digit) expand to empty squares; anything after the first space is ignored.
func ParseFEN(fen string) (*Board, error) {
	fen = strings.TrimSpace(fen)
	if i := strings.IndexByte(fen, ' '); i >= 0 {
		fen = fen[:i]
	}
	if fen == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidFEN)
	}
	rows := strings.Split(fen, "/")
	size := len(rows)
	if size < minBoardSize || size > maxBoardSize {
		return nil, fmt.Errorf("%w: %d rows", ErrInvalidFEN, size)
	}

	b := &Board{Size: size, Cells: make([][]byte, size)}
	kings := 0
	for r, row := range rows {
		cells := make([]byte, 0, size)
		run := 0
		flush := func() {
			for ; run > 0; run-- {
				cells = append(cells, Empty)
			}
		}
		for i := 0; i < len(row); i++ {
			c := row[i]
			switch {
			case c >= '0' && c <= '9':
				run = run*10 + int(c-'0')
				continue
			case c == Attacker, c == Defender, c == King:
				flush()
				if c == King {
					kings++
				}
				cells = append(cells, c)
			default:
				return nil, fmt.Errorf("%w: unexpected %q in row %d", ErrInvalidFEN, c, r+1)
			}
		}
		flush()
		if len(cells) != size {
			return nil, fmt.Errorf("%w: row %d has %d squares, want %d", ErrInvalidFEN, r+1, len(cells), size)
		}
		b.Cells[r] = cells
	}
	if kings != 1 {
		return nil, fmt.Errorf("%w: %d kings", ErrInvalidFEN, kings)
	}
	return b, nil
}

// At returns the piece letter at row r, column c.
func (b *Board) At(r, c int) byte {
	if b == nil || r < 0 || c < 0 || r >= b.Size || c >= b.Size {
		return Empty
	}
	return b.Cells[r][c]
}
