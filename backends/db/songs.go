package db

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrSongNotFound = errors.New("song not found")

// SongRow is the match-relevant projection of a stored song.
type SongRow struct {
	ID     string
	Title  string
	Artist string
}

// Update is a fill-only write for one song: every field is only written
// when the stored value is NULL or empty.
type Update struct {
	ID     string
	Fields map[string]string
}

type Column struct {
	Name string
	Type string
}

// EnrichmentColumns are added to an existing songs table when missing. Stores
// created by older tooling lack them.
var EnrichmentColumns = []Column{
	{Name: "album", Type: "TEXT"},
	{Name: "release_year", Type: "INTEGER"},
	{Name: "genres", Type: "TEXT"},
	{Name: "danceability", Type: "REAL"},
	{Name: "energy", Type: "REAL"},
	{Name: "valence", Type: "REAL"},
	{Name: "bpm", Type: "INTEGER"},
	{Name: "duration_sec", Type: "INTEGER"},
	{Name: "preview_available", Type: "INTEGER"},
}

// Columns returns the column names of table in declaration order.
func (d *DB) Columns(ctx context.Context, table string) ([]string, error) {
	if !validIdentRegex.MatchString(table) {
		return nil, errors.Wrapf(ErrInvalidColumn, "table '%s'", table)
	}

	var query string

	switch d.opts.Driver {
	case DriverPostgres:
		query = "SELECT column_name FROM information_schema.columns WHERE table_name = ? ORDER BY ordinal_position"
	default:
		query = "SELECT name FROM pragma_table_info(?) ORDER BY cid"
	}

	rows, err := d.db.QueryContext(ctx, d.rebind(query), table)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to introspect table '%s'", table)
	}
	defer rows.Close()

	columns := make([]string, 0)

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "unable to scan column name")
		}

		columns = append(columns, name)
	}

	return columns, rows.Err()
}

// EnsureColumns adds every missing column to the songs table and returns the
// names it added. Safe to call on every start.
func (d *DB) EnsureColumns(ctx context.Context, columns []Column) ([]string, error) {
	logger := d.log.With(zap.String("method", "EnsureColumns"))

	existing, err := d.Columns(ctx, SongsTable)
	if err != nil {
		return nil, err
	}

	if len(existing) == 0 {
		return nil, errors.Errorf("table '%s' does not exist", SongsTable)
	}

	have := make(map[string]bool, len(existing))
	for _, c := range existing {
		have[strings.ToLower(c)] = true
	}

	added := make([]string, 0)

	for _, c := range columns {
		if have[c.Name] {
			continue
		}

		name, err := quoteIdent(c.Name)
		if err != nil {
			return added, err
		}

		if _, err := d.db.ExecContext(ctx, "ALTER TABLE "+SongsTable+" ADD COLUMN "+name+" "+c.Type); err != nil {
			return added, errors.Wrapf(err, "unable to add column '%s'", c.Name)
		}

		logger.Info("Added column", zap.String("column", c.Name), zap.String("type", c.Type))

		have[c.Name] = true
		added = append(added, c.Name)
	}

	return added, nil
}

// ListSongs returns every song that carries an external identifier, in
// insertion order.
func (d *DB) ListSongs(ctx context.Context) ([]SongRow, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT spotify_id, title, artist FROM songs "+
			"WHERE spotify_id IS NOT NULL AND spotify_id <> '' ORDER BY song_id")
	if err != nil {
		return nil, errors.Wrap(err, "unable to list songs")
	}
	defer rows.Close()

	songs := make([]SongRow, 0)

	for rows.Next() {
		var (
			s      SongRow
			title  sql.NullString
			artist sql.NullString
		)

		if err := rows.Scan(&s.ID, &title, &artist); err != nil {
			return nil, errors.Wrap(err, "unable to scan song")
		}

		s.Title = title.String
		s.Artist = artist.String

		songs = append(songs, s)
	}

	return songs, rows.Err()
}

// GetFields looks up the current values of fields for a single song. NULL
// values are returned as empty strings.
func (d *DB) GetFields(ctx context.Context, id string, fields []string) (map[string]string, error) {
	if len(fields) == 0 {
		return map[string]string{}, nil
	}

	quoted := make([]string, 0, len(fields))

	for _, f := range fields {
		q, err := quoteIdent(f)
		if err != nil {
			return nil, err
		}

		quoted = append(quoted, q)
	}

	query := d.rebind("SELECT " + strings.Join(quoted, ", ") + " FROM songs WHERE spotify_id = ?")

	values := make([]sql.NullString, len(fields))
	dest := make([]interface{}, len(fields))

	for i := range values {
		dest[i] = &values[i]
	}

	if err := d.db.QueryRowContext(ctx, query, id).Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(ErrSongNotFound, "id '%s'", id)
		}

		return nil, errors.Wrapf(err, "unable to get fields for '%s'", id)
	}

	result := make(map[string]string, len(fields))

	for i, f := range fields {
		result[f] = values[i].String
	}

	return result, nil
}

// BulkUpdate applies all updates in a single transaction. Every assignment
// re-checks emptiness in SQL so re-applying a batch changes nothing. Returns
// the number of rows touched.
func (d *DB) BulkUpdate(ctx context.Context, updates []Update) (int64, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "unable to begin transaction")
	}

	var total int64

	for _, u := range updates {
		if len(u.Fields) == 0 {
			continue
		}

		query, args, err := d.buildFillUpdate(u)
		if err != nil {
			tx.Rollback()
			return 0, err
		}

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			tx.Rollback()
			return 0, errors.Wrapf(err, "unable to update song '%s'", u.ID)
		}

		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "unable to commit batch")
	}

	return total, nil
}

func (d *DB) buildFillUpdate(u Update) (string, []interface{}, error) {
	fields := make([]string, 0, len(u.Fields))
	for f := range u.Fields {
		fields = append(fields, f)
	}

	sort.Strings(fields)

	sets := make([]string, 0, len(fields))
	args := make([]interface{}, 0, len(fields)+1)

	for _, f := range fields {
		q, err := quoteIdent(f)
		if err != nil {
			return "", nil, err
		}

		sets = append(sets, q+" = CASE WHEN "+q+" IS NULL OR CAST("+q+" AS TEXT) = '' THEN ? ELSE "+q+" END")
		args = append(args, u.Fields[f])
	}

	args = append(args, u.ID)

	return d.rebind("UPDATE songs SET " + strings.Join(sets, ", ") + " WHERE spotify_id = ?"), args, nil
}
