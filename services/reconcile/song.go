package reconcile

import (
	"context"

	"github.com/pkg/errors"
)

// Accessor reads and writes song attributes by canonical field name so that
// matching and merging never special-case a field.
type Accessor interface {
	// Get returns the current value and whether the value is known. An
	// unknown value has not been loaded from the store yet.
	Get(field string) (string, bool)
	Set(field, value string)
}

// FieldLookup fetches stored values for a single song. Implemented by the
// canonical store.
type FieldLookup interface {
	GetFields(ctx context.Context, id string, fields []string) (map[string]string, error)
}

// Song is a canonical entity. Title and artist are always loaded; other fields
// are loaded on demand through Hydrate.
type Song struct {
	ID     string
	Title  string
	Artist string

	fields map[string]string
}

type attribute struct {
	get func(s *Song) string
	set func(s *Song, v string)
}

var attributes = map[string]attribute{
	FieldID: {
		get: func(s *Song) string { return s.ID },
		set: func(_ *Song, _ string) {}, // immutable
	},
	FieldTitle: {
		get: func(s *Song) string { return s.Title },
		set: func(s *Song, v string) { s.Title = v },
	},
	FieldArtist: {
		get: func(s *Song) string { return s.Artist },
		set: func(s *Song, v string) { s.Artist = v },
	},
}

func NewSong(id, title, artist string) *Song {
	return &Song{
		ID:     id,
		Title:  title,
		Artist: artist,
		fields: make(map[string]string),
	}
}

func (s *Song) Get(field string) (string, bool) {
	if a, ok := attributes[field]; ok {
		return a.get(s), true
	}

	v, ok := s.fields[field]

	return v, ok
}

func (s *Song) Set(field, value string) {
	if a, ok := attributes[field]; ok {
		a.set(s, value)
		return
	}

	if s.fields == nil {
		s.fields = make(map[string]string)
	}

	s.fields[field] = value
}

// Missing returns the fields whose value has not been loaded.
func (s *Song) Missing(fields []string) []string {
	missing := make([]string, 0)

	for _, f := range fields {
		if _, ok := s.Get(f); !ok {
			missing = append(missing, f)
		}
	}

	return missing
}

// Hydrate loads every field in fields that the song does not know yet.
func Hydrate(ctx context.Context, lookup FieldLookup, s *Song, fields []string) error {
	missing := s.Missing(fields)
	if len(missing) == 0 {
		return nil
	}

	if lookup == nil {
		return errors.Errorf("no lookup available for fields %v", missing)
	}

	values, err := lookup.GetFields(ctx, s.ID, missing)
	if err != nil {
		return errors.Wrapf(err, "unable to load fields for song '%s'", s.ID)
	}

	for _, f := range missing {
		s.Set(f, values[f])
	}

	return nil
}
