package ruleset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/park285/tablutboard/internal/storage"
)

type Repository interface {
	Get(ctx context.Context, name string) (*Ruleset, error)
	List(ctx context.Context) ([]*Ruleset, error)
	Create(ctx context.Context, r *Ruleset) error
	// EnsureDefaults inserts each ruleset whose name is not taken yet and reports how many were added.
	EnsureDefaults(ctx context.Context, list []*Ruleset) (int, error)
}

var namePattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// Validate normalises r in place and checks the name and start position.
func Validate(r *Ruleset) error {
	if r == nil {
		return ErrInvalidName
	}
	r.Name = strings.ToLower(strings.TrimSpace(r.Name))
	r.FenStart = strings.TrimSpace(r.FenStart)
	r.CreatedBy = strings.TrimSpace(r.CreatedBy)
	if !namePattern.MatchString(r.Name) {
		return ErrInvalidName
	}
	if _, err := ParseFEN(r.FenStart); err != nil {
		return err
	}
	return nil
}

type sqlRepository struct {
	db  *storage.DB
	now func() time.Time
}

func NewRepository(db *storage.DB) Repository {
	return &sqlRepository{db: db, now: time.Now}
}

func (r *sqlRepository) Get(ctx context.Context, name string) (*Ruleset, error) {
	q := r.db.Rebind(`SELECT name, js, fen_start, created_on, created_by FROM rulesets WHERE name = ?`)
	var (
		rs        Ruleset
		createdOn int64
	)
	err := r.db.QueryRowContext(ctx, q, strings.ToLower(strings.TrimSpace(name))).
		Scan(&rs.Name, &rs.JS, &rs.FenStart, &createdOn, &rs.CreatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select ruleset: %w", err)
	}
	rs.CreatedOn = storage.FromMillis(createdOn)
	return &rs, nil
}

func (r *sqlRepository) List(ctx context.Context) ([]*Ruleset, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name, js, fen_start, created_on, created_by FROM rulesets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("select rulesets: %w", err)
	}
	defer rows.Close()

	out := make([]*Ruleset, 0, 8)
	for rows.Next() {
		var (
			rs        Ruleset
			createdOn int64
		)
		if err := rows.Scan(&rs.Name, &rs.JS, &rs.FenStart, &createdOn, &rs.CreatedBy); err != nil {
			return nil, fmt.Errorf("scan ruleset: %w", err)
		}
		rs.CreatedOn = storage.FromMillis(createdOn)
		out = append(out, &rs)
	}
	return out, rows.Err()
}

func (r *sqlRepository) Create(ctx context.Context, rs *Ruleset) error {
	if err := Validate(rs); err != nil {
		return err
	}
	if rs.CreatedOn.IsZero() {
		rs.CreatedOn = r.now().UTC()
	}
	added, err := r.insert(ctx, rs)
	if err != nil {
		return err
	}
	if !added {
		return ErrDuplicate
	}
	return nil
}

func (r *sqlRepository) EnsureDefaults(ctx context.Context, list []*Ruleset) (int, error) {
	n := 0
	for _, rs := range list {
		if err := Validate(rs); err != nil {
			return n, fmt.Errorf("default ruleset %q: %w", rs.Name, err)
		}
		if rs.CreatedOn.IsZero() {
			rs.CreatedOn = r.now().UTC()
		}
		added, err := r.insert(ctx, rs)
		if err != nil {
			return n, err
		}
		if added {
			n++
		}
	}
	return n, nil
}

func (r *sqlRepository) insert(ctx context.Context, rs *Ruleset) (bool, error) {
	q := r.db.Rebind(`INSERT INTO rulesets (name, js, fen_start, created_on, created_by)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO NOTHING`)
	res, err := r.db.ExecContext(ctx, q, rs.Name, rs.JS, rs.FenStart, storage.Millis(rs.CreatedOn), rs.CreatedBy)
	if err != nil {
		return false, fmt.Errorf("insert ruleset: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
