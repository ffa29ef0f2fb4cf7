package db

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Seed inserts songs that are not yet in the store (keyed by external id) and
// returns how many were inserted. Existing songs are left untouched.
func (d *DB) Seed(ctx context.Context, songs []SongRow) (int, error) {
	logger := d.log.With(zap.String("method", "Seed"))
	logger.Info("Seeding songs", zap.Int("count", len(songs)))

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "unable to begin transaction")
	}

	query := d.rebind("INSERT INTO songs (spotify_id, title, artist) VALUES (?, ?, ?) " +
		"ON CONFLICT (spotify_id) DO NOTHING")

	inserted := 0

	for _, s := range songs {
		if s.ID == "" || s.Title == "" || s.Artist == "" {
			tx.Rollback()
			return 0, errors.Errorf("song '%s' is missing id, title or artist", s.ID)
		}

		res, err := tx.ExecContext(ctx, query, s.ID, s.Title, s.Artist)
		if err != nil {
			tx.Rollback()
			return 0, errors.Wrapf(err, "unable to insert song '%s'", s.ID)
		}

		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "unable to commit seed")
	}

	logger.Info("Database seeding completed", zap.Int("inserted", inserted))

	return inserted, nil
}
