package validate

import (
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dselans/songsync/backends/db"
	"github.com/dselans/songsync/config"
	"github.com/dselans/songsync/services/reconcile"
)

// Event checks the envelope of a published song event.
func Event(event *structpb.Struct) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}

	fields := event.GetFields()

	for _, name := range []string{"id", "source", "type", "specversion", "datacontenttype", "time"} {
		if fields[name].GetStringValue() == "" {
			return fmt.Errorf("event %s cannot be empty", name)
		}
	}

	data := fields["data"].GetStructValue()
	if data == nil {
		return errors.New("event data cannot be nil")
	}

	if data.GetFields()["song_id"].GetStringValue() == "" {
		return errors.New("event song id cannot be empty")
	}

	return nil
}

// Song checks a row before it is seeded into the store.
func Song(row db.SongRow) error {
	if row.ID == "" {
		return errors.New("song id cannot be empty")
	}

	if row.Title == "" {
		return fmt.Errorf("song '%s' title cannot be empty", row.ID)
	}

	if row.Artist == "" {
		return fmt.Errorf("song '%s' artist cannot be empty", row.ID)
	}

	return nil
}

// Mapping checks a field mapping against the source fields and the store
// columns. The song id is never a valid update target.
func Mapping(m reconcile.FieldMapping, external, columns []string) error {
	if err := m.Validate(external, columns); err != nil {
		return err
	}

	for _, p := range m.Update {
		if p.Canonical == reconcile.FieldID {
			return errors.Wrapf(reconcile.ErrInvalidMapping, "'%s' cannot be updated", reconcile.FieldID)
		}
	}

	return nil
}

// JobFlags checks the shared job flags.
func JobFlags(flags *config.JobFlags) error {
	if flags == nil {
		return errors.New("job flags cannot be nil")
	}

	if flags.BatchSize < 0 {
		return errors.New("batch size cannot be negative")
	}

	if flags.Limit < 0 {
		return errors.New("limit cannot be negative")
	}

	if flags.Delay < 0 {
		return errors.New("delay cannot be negative")
	}

	if flags.Resume && flags.Force {
		return errors.New("resume and force are mutually exclusive")
	}

	return nil
}
