package ruleset

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/park285/tablutboard/internal/storage"
)

func newSQLRepo(t *testing.T) Repository {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil { t.Fatalf("storage.Open: %v", err) }
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil { t.Fatalf("Migrate: %v", err) }
	return NewRepository(db)
}

func repos(t *testing.T) map[string]Repository {
	return map[string]Repository{
		"sql":    newSQLRepo(t),
		"memory": NewMemoryRepository(),
	}
}

func TestParseFENBrandubh(t *testing.T) {
	b, err := ParseFEN("3a3/3a3/3p3/aapkpaa/3p3/3a3/3a3")
	if err != nil { t.Fatalf("ParseFEN: %v", err) }
	if b.Size != 7 { t.Fatalf("size = %d", b.Size) }
	if b.At(3, 3) != King { t.Fatalf("expected king in the centre, got %q", b.At(3, 3)) }
	if b.At(0, 3) != Attacker || b.At(2, 3) != Defender || b.At(0, 0) != Empty {
		t.Fatalf("unexpected cells: %q %q %q", b.At(0, 3), b.At(2, 3), b.At(0, 0))
	}
	if b.At(-1, 0) != Empty || b.At(7, 7) != Empty { t.Fatalf("out of range must read as empty") }
}

func TestParseFENMultiDigitRun(t *testing.T) {
	b, err := ParseFEN("3aaaaa3/5a5/11/a4p4a/a3ppp3a/aa1ppkpp1aa/a3ppp3a/a4p4a/11/5a5/3aaaaa3 b")
	if err != nil { t.Fatalf("ParseFEN: %v", err) }
	if b.Size != 11 { t.Fatalf("size = %d", b.Size) }
	for c := 0; c < 11; c++ {
		if b.At(2, c) != Empty { t.Fatalf("row 3 should be empty at col %d", c) }
	}
}

func TestParseFENRejects(t *testing.T) {
	bad := []string{
		"",
		"3a3/3a3",                         // too few rows
		"3a3/3a3/3p3/aapkpaa/3p3/3a3/3a",  // short row
		"3a3/3a3/3p3/aapxpaa/3p3/3a3/3a3", // unknown piece
		"3a3/3a3/3p3/aappppaa/3p3/3a3/3a3", // wide row
		"3a3/3a3/3p3/aapppaa/3p3/3a3/3a3", // no king
	}
	for _, fen := range bad {
		if _, err := ParseFEN(fen); !errors.Is(err, ErrInvalidFEN) {
			t.Fatalf("ParseFEN(%q) err = %v, want ErrInvalidFEN", fen, err)
		}
	}
}

func TestDefaultsCatalog(t *testing.T) {
	list, err := Defaults()
	if err != nil { t.Fatalf("Defaults: %v", err) }
	if len(list) != 3 { t.Fatalf("expected 3 built-in rulesets, got %d", len(list)) }
	for _, rs := range list {
		if rs.JS == "" || rs.CreatedBy != "catalog" { t.Fatalf("incomplete catalog entry: %+v", rs) }
	}
}

func TestLoadCatalogRejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "extra.yaml")
	body := "rulesets:\n" +
		"  - name: dup\n    fen_start: \"3a3/3a3/3p3/aapkpaa/3p3/3a3/3a3\"\n    js: \"{}\"\n" +
		"  - name: dup\n    fen_start: \"3a3/3a3/3p3/aapkpaa/3p3/3a3/3a3\"\n    js: \"{}\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil { t.Fatalf("write: %v", err) }
	if _, err := LoadCatalog(path); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestRepositoryCreateGetList(t *testing.T) {
	for name, repo := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rs := &Ruleset{Name: " Brandubh ", JS: "{}", FenStart: "3a3/3a3/3p3/aapkpaa/3p3/3a3/3a3", CreatedBy: "u1"}
			if err := repo.Create(ctx, rs); err != nil { t.Fatalf("Create: %v", err) }
			if rs.Name != "brandubh" { t.Fatalf("name not normalised: %q", rs.Name) }

			if err := repo.Create(ctx, &Ruleset{Name: "brandubh", FenStart: rs.FenStart}); !errors.Is(err, ErrDuplicate) {
				t.Fatalf("expected ErrDuplicate, got %v", err)
			}

			got, err := repo.Get(ctx, "BRANDUBH")
			if err != nil { t.Fatalf("Get: %v", err) }
			if got.CreatedBy != "u1" || got.FenStart != rs.FenStart || got.CreatedOn.IsZero() {
				t.Fatalf("unexpected ruleset: %+v", got)
			}

			if _, err := repo.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}

			list, err := repo.List(ctx)
			if err != nil || len(list) != 1 { t.Fatalf("List: %v (%d)", err, len(list)) }
		})
	}
}

func TestRepositoryCreateValidates(t *testing.T) {
	for name, repo := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := repo.Create(ctx, &Ruleset{Name: "bad name!", FenStart: "3a3/3a3/3p3/aapkpaa/3p3/3a3/3a3"}); !errors.Is(err, ErrInvalidName) {
				t.Fatalf("expected ErrInvalidName, got %v", err)
			}
			if err := repo.Create(ctx, &Ruleset{Name: "ok", FenStart: "nope"}); !errors.Is(err, ErrInvalidFEN) {
				t.Fatalf("expected ErrInvalidFEN, got %v", err)
			}
		})
	}
}

func TestEnsureDefaultsIsIdempotent(t *testing.T) {
	for name, repo := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			list, err := Defaults()
			if err != nil { t.Fatalf("Defaults: %v", err) }
			n, err := repo.EnsureDefaults(ctx, list)
			if err != nil || n != 3 { t.Fatalf("first EnsureDefaults: n=%d err=%v", n, err) }
			list, _ = Defaults()
			n, err = repo.EnsureDefaults(ctx, list)
			if err != nil || n != 0 { t.Fatalf("second EnsureDefaults: n=%d err=%v", n, err) }
		})
	}
}
