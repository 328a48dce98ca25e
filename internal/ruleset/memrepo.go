package ruleset

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// memrepo keeps rulesets in process; used when DATABASE_URL is empty.
type memrepo struct {
	mu     sync.RWMutex
	byName map[string]*Ruleset
	now    func() time.Time
}

func NewMemoryRepository() Repository {
	return &memrepo{byName: make(map[string]*Ruleset), now: time.Now}
}

func (m *memrepo) Get(ctx context.Context, name string) (*Ruleset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs, ok := m.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rs
	return &cp, nil
}

func (m *memrepo) List(ctx context.Context) ([]*Ruleset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Ruleset, 0, len(m.byName))
	for _, rs := range m.byName {
		cp := *rs
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memrepo) Create(ctx context.Context, rs *Ruleset) error {
	if err := Validate(rs); err != nil {
		return err
	}
	if !m.put(rs) {
		return ErrDuplicate
	}
	return nil
}

func (m *memrepo) EnsureDefaults(ctx context.Context, list []*Ruleset) (int, error) {
	n := 0
	for _, rs := range list {
		if err := Validate(rs); err != nil {
			return n, err
		}
		if m.put(rs) {
			n++
		}
	}
	return n, nil
}

func (m *memrepo) put(rs *Ruleset) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byName[rs.Name]; exists {
		return false
	}
	if rs.CreatedOn.IsZero() {
		rs.CreatedOn = m.now().UTC()
	}
	cp := *rs
	m.byName[rs.Name] = &cp
	return true
}
