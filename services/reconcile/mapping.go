package reconcile

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Pair maps one external field onto one canonical field.
type Pair struct {
	External  string `yaml:"external"`
	Canonical string `yaml:"canonical"`
}

// FieldMapping is built once per source and reused for every record. An
// external field used in Match is never part of Update.
type FieldMapping struct {
	Match  []Pair `yaml:"match"`
	Update []Pair `yaml:"update"`
}

// Record is one external row, keyed by external field name.
type Record map[string]string

// FieldValue is a value asserted for a canonical field.
type FieldValue struct {
	Field string
	Value string
}

type keywordRule struct {
	canonical string
	keywords  []string
}

var (
	matchRules = []keywordRule{
		{canonical: FieldTitle, keywords: []string{"title", "song", "track", "name"}},
		{canonical: FieldArtist, keywords: []string{"artist", "performer", "singer", "band"}},
	}

	updateRules = []keywordRule{
		{canonical: FieldAlbum, keywords: []string{"album", "record"}},
		{canonical: FieldReleaseYear, keywords: []string{"year", "release", "date"}},
		{canonical: FieldGenres, keywords: []string{"genre", "style", "category"}},
	}
)

// HeuristicMapping maps fields by lower-cased keyword containment. The first
// matching rule wins and a field claimed for matching is never reused for
// updating. This is a substring heuristic: "artist_name" maps to title, and
// several fields may claim one canonical field, in which case MatchValues keeps
// the last non-empty value.
func HeuristicMapping(fields []string) FieldMapping {
	m := FieldMapping{
		Match:  make([]Pair, 0),
		Update: make([]Pair, 0),
	}

	for _, f := range fields {
		if c, ok := firstRule(f, matchRules); ok {
			m.Match = append(m.Match, Pair{External: f, Canonical: c})
		}
	}

	for _, f := range fields {
		if m.IsMatchField(f) {
			continue
		}

		if c, ok := firstRule(f, updateRules); ok {
			m.Update = append(m.Update, Pair{External: f, Canonical: c})
		}
	}

	return m
}

func firstRule(field string, rules []keywordRule) (string, bool) {
	lower := strings.ToLower(field)

	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return r.canonical, true
			}
		}
	}

	return "", false
}

func (m FieldMapping) IsMatchField(external string) bool {
	for _, p := range m.Match {
		if p.External == external {
			return true
		}
	}

	return false
}

// CanonicalFields returns every canonical field referenced by the mapping,
// match fields first, without duplicates.
func (m FieldMapping) CanonicalFields() []string {
	seen := make(map[string]bool)
	out := make([]string, 0)

	for _, p := range append(append([]Pair{}, m.Match...), m.Update...) {
		if seen[p.Canonical] {
			continue
		}

		seen[p.Canonical] = true
		out = append(out, p.Canonical)
	}

	return out
}

// Validate checks the mapping against the external fields of a source and the
// canonical columns of the store. Either list may be nil to skip that check.
func (m FieldMapping) Validate(external, canonical []string) error {
	if len(m.Match) == 0 {
		return errors.Wrap(ErrInvalidMapping, "at least one match field is required")
	}

	for _, p := range m.Update {
		if m.IsMatchField(p.External) {
			return errors.Wrapf(ErrInvalidMapping, "field '%s' is used for both matching and updating", p.External)
		}
	}

	for _, p := range append(append([]Pair{}, m.Match...), m.Update...) {
		if p.External == "" || p.Canonical == "" {
			return errors.Wrap(ErrInvalidMapping, "mapping pairs cannot be empty")
		}

		if external != nil && !contains(external, p.External) {
			return errors.Wrapf(ErrInvalidMapping, "unknown external field '%s'", p.External)
		}

		if canonical != nil && !contains(canonical, p.Canonical) {
			return errors.Wrapf(ErrInvalidMapping, "unknown canonical field '%s'", p.Canonical)
		}
	}

	return nil
}

// MatchValues returns the trimmed, non-empty match values of rec, one per
// canonical field, in mapping order. When several external fields map to the
// same canonical field, the last non-empty one wins.
func (m FieldMapping) MatchValues(rec Record) []FieldValue {
	values := make([]FieldValue, 0, len(m.Match))
	index := make(map[string]int, len(m.Match))

	for _, p := range m.Match {
		v := strings.TrimSpace(rec[p.External])
		if v == "" {
			continue
		}

		if i, ok := index[p.Canonical]; ok {
			values[i].Value = v
			continue
		}

		index[p.Canonical] = len(values)
		values = append(values, FieldValue{Field: p.Canonical, Value: v})
	}

	return values
}

// UpdateValues returns the trimmed, non-empty update values of rec keyed by
// canonical field.
func (m FieldMapping) UpdateValues(rec Record) map[string]string {
	values := make(map[string]string)

	for _, p := range m.Update {
		v := strings.TrimSpace(rec[p.External])
		if v == "" {
			continue
		}

		values[p.Canonical] = v
	}

	return values
}

func LoadMapping(path string) (FieldMapping, error) {
	var m FieldMapping

	data, err := os.ReadFile(path)
	if err != nil {
		return m, errors.Wrapf(err, "unable to read mapping file '%s'", path)
	}

	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, errors.Wrapf(err, "unable to parse mapping file '%s'", path)
	}

	return m, nil
}

func SaveMapping(path string, m FieldMapping) error {
	data, err := yaml.Marshal(&m)
	if err != nil {
		return errors.Wrap(err, "unable to encode mapping")
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "unable to write mapping file '%s'", path)
	}

	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}

	return false
}
