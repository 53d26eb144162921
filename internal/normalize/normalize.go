// Package normalize canonicalizes raw observations into comparable
// forms: suffix-stripped lowercase names, extracted postcodes, and
// geocode flags. Normalization is deterministic and pure.
package normalize

import (
	"regexp"
	"strings"

	"github.com/placemerge/placemerge/internal/directory"
	"github.com/placemerge/placemerge/internal/taxonomy"
)

// Legal-entity suffixes stripped from observed names. Matched as whole
// trailing tokens after punctuation collapse, longest form first.
var legalSuffixes = []string{
	"limited liability partnership",
	"public limited company",
	"incorporated",
	"limited",
	"holdings",
	"company",
	"corp",
	"gmbh",
	"inc",
	"llc",
	"llp",
	"ltd",
	"plc",
	"co",
}

// UK postcode: outward code then inward code, e.g. "SW1A 1AA".
var postcodeRe = regexp.MustCompile(`(?i)\b([A-Z]{1,2}[0-9][A-Z0-9]?)\s*([0-9][A-Z]{2})\b`)

var punctRe = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// Normalizer annotates observations with derived matching fields.
type Normalizer struct {
	tax *taxonomy.Taxonomy
}

// New builds a Normalizer over the given category taxonomy.
func New(tax *taxonomy.Taxonomy) *Normalizer {
	return &Normalizer{tax: tax}
}

// Normalize returns a copy of obs with normalized name, legal suffix,
// name tokens, postcode, category code, and geocode flag filled in.
// The only error is a non-fatal AddressParseError when the address
// carries no postcode token; the returned observation is still usable.
func (n *Normalizer) Normalize(obs directory.RawObservation) (directory.RawObservation, error) {
	out := obs

	name, suffix := SplitLegalSuffix(obs.ObservedName)
	out.NormalizedName = name
	out.LegalSuffix = suffix
	out.NameTokens = strings.Fields(name)

	if n.tax != nil {
		out.CategoryCode = n.tax.Normalize(obs.Category)
		if out.CategoryCode == "" {
			// Registry feeds put SIC codes in the category field.
			out.CategoryCode = n.tax.FromSIC(obs.Category)
		}
	}

	out.NeedsGeocode = obs.Coords == nil

	postcode, ok := ExtractPostcode(obs.AddressText)
	if !ok {
		return out, &directory.AddressParseError{Text: obs.AddressText}
	}
	out.Postcode = postcode
	return out, nil
}

// SplitLegalSuffix lowercases, collapses punctuation and whitespace,
// and strips one trailing legal-entity suffix. It returns the stripped
// name and the suffix found, if any.
func SplitLegalSuffix(raw string) (name, suffix string) {
	name = Fold(raw)
	for _, s := range legalSuffixes {
		if name == s {
			break
		}
		if strings.HasSuffix(name, " "+s) {
			suffix = s
			name = strings.TrimSpace(strings.TrimSuffix(name, " "+s))
			break
		}
	}
	return name, suffix
}

// Fold lowercases raw and collapses runs of punctuation and whitespace
// into single spaces.
func Fold(raw string) string {
	folded := punctRe.ReplaceAllString(strings.ToLower(raw), " ")
	return strings.Join(strings.Fields(folded), " ")
}

// ExtractPostcode finds the first UK postcode token in an address and
// returns it in canonical "OUTWARD INWARD" upper-case form.
func ExtractPostcode(address string) (string, bool) {
	m := postcodeRe.FindStringSubmatch(address)
	if m == nil {
		return "", false
	}
	return strings.ToUpper(m[1]) + " " + strings.ToUpper(m[2]), true
}

// OutwardCode returns the leading district part of a canonical
// postcode, used by the blocking index as a coarse locality key.
func OutwardCode(postcode string) string {
	if i := strings.IndexByte(postcode, ' '); i > 0 {
		return postcode[:i]
	}
	return postcode
}

// Tokens that carry no brand identity: filler words and the structural
// vocabulary sources use for per-location listings.
var structuralTokens = map[string]struct{}{
	"the": {}, "and": {}, "of": {}, "at": {},
	"branch": {}, "store": {}, "unit": {}, "shop": {},
	"street": {}, "st": {}, "road": {}, "rd": {}, "lane": {}, "high": {},
}

var legalTokens = buildLegalTokens()

func buildLegalTokens() map[string]struct{} {
	out := make(map[string]struct{})
	for _, s := range legalSuffixes {
		for _, tok := range strings.Fields(s) {
			out[tok] = struct{}{}
		}
	}
	return out
}

// Outward-code shaped token, e.g. "sw1a" or "ec2". Sources often embed
// these in per-branch names.
var outwardTokenRe = regexp.MustCompile(`^[a-z]{1,2}[0-9][a-z0-9]?$`)

// MatchTokens reduces a normalized name to the tokens that identify the
// brand: legal-entity tokens, structural filler, house numbers, and
// postcode fragments are dropped. The matcher scores on these.
func MatchTokens(normalized string) []string {
	fields := strings.Fields(normalized)
	out := make([]string, 0, len(fields))
	for _, tok := range fields {
		if _, ok := legalTokens[tok]; ok {
			continue
		}
		if _, ok := structuralTokens[tok]; ok {
			continue
		}
		if isNumeric(tok) || outwardTokenRe.MatchString(tok) {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// MatchName is the space-joined MatchTokens form, used for substring
// containment checks ("Tesco" inside "Tesco Express").
func MatchName(normalized string) string {
	return strings.Join(MatchTokens(normalized), " ")
}

func isNumeric(tok string) bool {
	for _, r := range tok {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(tok) > 0
}
