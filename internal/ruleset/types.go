package ruleset

import "time"

// Ruleset describes one game variant. JS is handed to the board client verbatim.
type Ruleset struct {
	Name      string    `json:"name" yaml:"name"`
	JS        string    `json:"js" yaml:"js"`
	FenStart  string    `json:"fen_start" yaml:"fen_start"`
	CreatedOn time.Time `json:"created_on" yaml:"-"`
	CreatedBy string    `json:"created_by" yaml:"-"`
}

var (
	ErrNotFound    = errf("ruleset not found")
	ErrDuplicate   = errf("ruleset already exists")
	ErrInvalidName = errf("ruleset name must be 1-64 characters of [a-z0-9_-]")
	ErrInvalidFEN  = errf("invalid start position")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }
