// Package master reads audio features from a master table kept in a separate
// SQLite database (songs_master.db). The table is built by an external
// feature extraction step; this package never writes to it.
package master

import (
	"context"
	"database/sql"
	"regexp"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/dselans/songsync/backends/cache"
	"github.com/dselans/songsync/clog"
)

const (
	DefaultTable = "songs_master_table"
)

var (
	ErrNotFound = errors.New("track not found in master table")

	validTableRegex = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
)

type IMaster interface {
	Lookup(ctx context.Context, trackName string) (*Features, error)
}

type Options struct {
	Path  string
	Table string
	Cache cache.ICache
	Log   clog.ICustomLog
}

type Master struct {
	options *Options
	db      *sql.DB
	query   string
	log     clog.ICustomLog
}

// Features holds values as the store receives them; NULLs are empty.
type Features struct {
	Danceability string
	Energy       string
	Valence      string
	Tempo        string
}

func New(opts *Options) (*Master, error) {
	if err := validateOptions(opts); err != nil {
		return nil, errors.Wrap(err, "unable to validate options")
	}

	conn, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open master database")
	}

	conn.SetMaxOpenConns(1)

	return &Master{
		options: opts,
		db:      conn,
		query: `SELECT danceability, energy, valence, tempo FROM "` + opts.Table +
			`" WHERE track_name = ? LIMIT 1`,
		log: opts.Log.With(zap.String("pkg", "master")),
	}, nil
}

// Lookup returns the features of the first row whose track name equals
// trackName exactly.
func (m *Master) Lookup(ctx context.Context, trackName string) (*Features, error) {
	key := cache.Key(cache.MasterTrackPrefix, trackName)

	if m.options.Cache != nil {
		if cached, ok := m.options.Cache.Get(key); ok {
			if f, ok := cached.(*Features); ok {
				return f, nil
			}
		}
	}

	var danceability, energy, valence, tempo sql.NullString

	err := m.db.QueryRowContext(ctx, m.query, trackName).Scan(&danceability, &energy, &valence, &tempo)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(ErrNotFound, "'%s'", trackName)
		}

		return nil, errors.Wrapf(err, "unable to look up '%s'", trackName)
	}

	f := &Features{
		Danceability: danceability.String,
		Energy:       energy.String,
		Valence:      valence.String,
		Tempo:        tempo.String,
	}

	if m.options.Cache != nil {
		m.options.Cache.Set(key, f)
	}

	return f, nil
}

func (m *Master) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

func (m *Master) Close() error {
	return m.db.Close()
}

func validateOptions(opts *Options) error {
	if opts == nil {
		return errors.New("options cannot be nil")
	}

	if opts.Path == "" {
		return errors.New("path cannot be empty")
	}

	if opts.Log == nil {
		return errors.New("log cannot be nil")
	}

	if opts.Table == "" {
		opts.Table = DefaultTable
	}

	if !validTableRegex.MatchString(opts.Table) {
		return errors.Errorf("invalid table name '%s'", opts.Table)
	}

	return nil
}
