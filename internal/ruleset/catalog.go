package ruleset

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	yaml "gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

type catalogFile struct {
	Rulesets []*Ruleset `yaml:"rulesets"`
}

// Defaults returns the built-in variants.
func Defaults() ([]*Ruleset, error) {
	return parseCatalog(defaultCatalog)
}

// LoadCatalog reads an extra catalog file in the same format as the embedded one.
func LoadCatalog(path string) ([]*Ruleset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return parseCatalog(raw)
}

func parseCatalog(raw []byte) ([]*Ruleset, error) {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	seen := make(map[string]bool, len(f.Rulesets))
	for _, rs := range f.Rulesets {
		if err := Validate(rs); err != nil {
			return nil, fmt.Errorf("catalog entry %q: %w", rs.Name, err)
		}
		if seen[rs.Name] {
			return nil, fmt.Errorf("catalog entry %q: %w", rs.Name, ErrDuplicate)
		}
		seen[rs.Name] = true
		rs.JS = strings.TrimSpace(rs.JS)
		rs.CreatedBy = "catalog"
	}
	return f.Rulesets, nil
}
