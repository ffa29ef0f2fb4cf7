package reconcile

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dselans/songsync/clog"
)

type MatchKind int

const (
	NoMatch MatchKind = iota
	ExactMatch
	ApproximateMatch
)

func (k MatchKind) String() string {
	switch k {
	case ExactMatch:
		return "exact"
	case ApproximateMatch:
		return "approximate"
	default:
		return "none"
	}
}

type MatchResult struct {
	Kind MatchKind
	Song *Song
}

const tokenPunctuation = ".,!?()[]{}"

type MatcherOptions struct {
	// Lookup loads fields other than title and artist. May be nil when the
	// mapping only matches on those two.
	Lookup FieldLookup
	Log    clog.ICustomLog
}

type Matcher struct {
	opts *MatcherOptions
	log  clog.ICustomLog
}

func NewMatcher(opts *MatcherOptions) (*Matcher, error) {
	if opts == nil {
		return nil, errors.New("options cannot be nil")
	}

	if opts.Log == nil {
		return nil, errors.New("log cannot be nil")
	}

	return &Matcher{
		opts: opts,
		log:  opts.Log.With(zap.String("pkg", "reconcile")),
	}, nil
}

// Match scans songs in order and returns the first song that passes either
// the exact or the approximate tier. For each song the exact tier is tried
// first, so an exact match is never reported as approximate; an approximate
// match on an earlier song still wins over an exact match on a later one.
func (m *Matcher) Match(ctx context.Context, rec Record, mapping FieldMapping, songs []*Song) (MatchResult, error) {
	values := mapping.MatchValues(rec)
	if len(values) == 0 {
		return MatchResult{Kind: NoMatch}, ErrNoMatchValues
	}

	fields := make([]string, 0, len(values))
	for _, v := range values {
		fields = append(fields, v.Field)
	}

	for _, song := range songs {
		if err := Hydrate(ctx, m.opts.Lookup, song, fields); err != nil {
			return MatchResult{Kind: NoMatch}, err
		}

		if tierPasses(song, values, exactEqual) {
			return MatchResult{Kind: ExactMatch, Song: song}, nil
		}

		if tierPasses(song, values, IsApproximateMatch) {
			return MatchResult{Kind: ApproximateMatch, Song: song}, nil
		}
	}

	return MatchResult{Kind: NoMatch}, nil
}

func tierPasses(song *Song, values []FieldValue, eq func(a, b string) bool) bool {
	for _, v := range values {
		current, _ := song.Get(v.Field)
		if current == "" || !eq(v.Value, current) {
			return false
		}
	}

	return true
}

func exactEqual(a, b string) bool {
	return strings.ToLower(a) == strings.ToLower(b)
}

// IsApproximateMatch reports whether a and b are equal ignoring case, or share
// the same first whitespace-delimited token once punctuation is trimmed from
// the token's edges. Empty strings never match.
func IsApproximateMatch(a, b string) bool {
	if a == "" || b == "" {
		return false
	}

	if exactEqual(a, b) {
		return true
	}

	return FirstToken(a) == FirstToken(b)
}

// FirstToken returns the lower-cased first word of s with surrounding
// punctuation removed.
func FirstToken(s string) string {
	tokens := strings.Fields(s)
	if len(tokens) == 0 {
		return ""
	}

	return strings.Trim(strings.ToLower(tokens[0]), tokenPunctuation)
}
