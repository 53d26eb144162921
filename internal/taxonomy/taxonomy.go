// Package taxonomy maps free-text source categories onto a small fixed
// taxonomy of category codes with supergroup relations, and scores
// compatibility between codes for the matcher.
package taxonomy

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed taxonomy.yaml
var defaultTaxonomy []byte

// Compatibility levels returned by Compatibility.
const (
	Match     = 1.0
	Plausible = 0.3
	Contradic = 0.0
	// Neutral is used when either side is missing a category; missing
	// data neither supports nor refutes a match.
	Neutral = 0.5
)

type fileFormat struct {
	Groups []groupEntry `yaml:"groups"`
}

type groupEntry struct {
	Code       string          `yaml:"code"`
	Categories []categoryEntry `yaml:"categories"`
}

type categoryEntry struct {
	Code    string   `yaml:"code"`
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
	SIC     []string `yaml:"sic"`
}

type category struct {
	code  string
	name  string
	group string
}

// Taxonomy resolves free-text categories and SIC codes to codes and
// answers compatibility queries. Immutable after Load.
type Taxonomy struct {
	byCode  map[string]category
	byAlias map[string]string
	bySIC   map[string]string
}

// Default loads the embedded taxonomy. It panics on a malformed embed,
// which only happens when the repository itself is broken.
func Default() *Taxonomy {
	t, err := Load(defaultTaxonomy)
	if err != nil {
		panic(fmt.Sprintf("embedded taxonomy: %v", err))
	}
	return t
}

// Load parses a taxonomy definition from YAML.
func Load(data []byte) (*Taxonomy, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse taxonomy yaml: %w", err)
	}
	t := &Taxonomy{
		byCode:  make(map[string]category),
		byAlias: make(map[string]string),
		bySIC:   make(map[string]string),
	}
	for _, g := range f.Groups {
		// Group codes are themselves addressable as parent categories.
		t.byCode[g.Code] = category{code: g.Code, name: g.Code, group: g.Code}
		for _, c := range g.Categories {
			if _, dup := t.byCode[c.Code]; dup {
				return nil, fmt.Errorf("duplicate category code %q", c.Code)
			}
			t.byCode[c.Code] = category{code: c.Code, name: c.Name, group: g.Code}
			t.byAlias[foldAlias(c.Name)] = c.Code
			for _, a := range c.Aliases {
				t.byAlias[foldAlias(a)] = c.Code
			}
			for _, sic := range c.SIC {
				t.bySIC[sic] = c.Code
			}
		}
	}
	return t, nil
}

// Normalize maps a source's free-text category to a taxonomy code, or
// "" when nothing matches.
func (t *Taxonomy) Normalize(freeText string) string {
	folded := foldAlias(freeText)
	if folded == "" {
		return ""
	}
	if code, ok := t.byAlias[folded]; ok {
		return code
	}
	// Sources frequently qualify categories ("italian restaurant",
	// "community pharmacy"); fall back to per-word alias hits.
	for _, word := range strings.Fields(folded) {
		if code, ok := t.byAlias[word]; ok {
			return code
		}
	}
	return ""
}

// FromSIC maps a UK SIC code to a taxonomy code by its two-digit
// division prefix, or "" when the division is unmapped.
func (t *Taxonomy) FromSIC(sic string) string {
	if len(sic) >= 2 {
		if code, ok := t.bySIC[sic[:2]]; ok {
			return code
		}
	}
	return t.bySIC[sic]
}

// Name returns the display name for a code, or the code itself when
// unknown.
func (t *Taxonomy) Name(code string) string {
	if c, ok := t.byCode[code]; ok {
		return c.name
	}
	return code
}

// Compatibility scores two category codes: Match for identical codes,
// Plausible for distinct codes in the same supergroup, Contradic for
// codes in different supergroups, Neutral when either side is unknown
// or empty.
func (t *Taxonomy) Compatibility(a, b string) float64 {
	if a == "" || b == "" {
		return Neutral
	}
	ca, okA := t.byCode[a]
	cb, okB := t.byCode[b]
	if !okA || !okB {
		return Neutral
	}
	switch {
	case ca.code == cb.code:
		return Match
	case ca.group == cb.code || cb.group == ca.code:
		// Parent-category relation, e.g. "restaurant" under "food_drink".
		return Match
	case ca.group == cb.group:
		return Plausible
	default:
		return Contradic
	}
}

func foldAlias(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == ' ' {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
