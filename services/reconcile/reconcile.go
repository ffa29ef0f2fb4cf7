// Package reconcile decides whether an external record refers to a song in the
// canonical store and which of the song's empty fields it may fill.
//
// The package holds no I/O of its own: the store is reached through
// FieldLookup and the operator through Prompter, both injected by the caller.
// Nothing here is safe for concurrent writers; callers run one record at a
// time against a single store handle.
package reconcile

import "github.com/pkg/errors"

// Canonical field names
const (
	FieldID               = "spotify_id"
	FieldTitle            = "title"
	FieldArtist           = "artist"
	FieldAlbum            = "album"
	FieldReleaseYear      = "release_year"
	FieldGenres           = "genres"
	FieldDanceability     = "danceability"
	FieldEnergy           = "energy"
	FieldValence          = "valence"
	FieldBPM              = "bpm"
	FieldDurationSec      = "duration_sec"
	FieldPreviewAvailable = "preview_available"
)

var (
	// ErrNoEntities is returned when the store has no songs to reconcile
	// against. It is one of the two conditions that end a run early.
	ErrNoEntities = errors.New("no songs to process")

	// ErrOperatorAbort is returned when the operator closes input during the
	// mapping dialogue.
	ErrOperatorAbort = errors.New("aborted by operator")

	// ErrNoMatchValues means a record has no non-empty value in any match
	// field; the record is skipped as a source error.
	ErrNoMatchValues = errors.New("record has no values to match on")

	ErrInvalidMapping = errors.New("invalid field mapping")
)
