// Package db is the canonical song store. It runs on SQLite (modernc, no cgo)
// for local use and on PostgreSQL (pgx) for shared deployments; queries are
// written with '?' placeholders and rebound for postgres.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/dselans/songsync/clog"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	DefaultPostgreSQLPort = 5432
	DefaultSSLMode        = "disable"

	SongsTable = "songs"
)

var (
	ErrInvalidColumn = errors.New("invalid column name")

	validIdentRegex = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
)

type Options struct {
	Driver string

	// SQLite
	Path string

	// PostgreSQL
	User     string
	Password string
	Host     string
	Port     int
	DBName   string
	SSLMode  string

	Log clog.ICustomLog
}

type DB struct {
	opts *Options
	db   *sql.DB
	log  clog.ICustomLog
}

func New(opts *Options) (*DB, error) {
	if err := validateOptions(opts); err != nil {
		return nil, errors.Wrap(err, "invalid options")
	}

	var (
		conn *sql.DB
		err  error
	)

	switch opts.Driver {
	case DriverSQLite:
		conn, err = openSQLite(opts.Path)
	case DriverPostgres:
		conn, err = openPostgres(opts)
	}

	if err != nil {
		return nil, err
	}

	return &DB{
		opts: opts,
		db:   conn,
		log:  opts.Log.With(zap.String("pkg", "db"), zap.String("driver", opts.Driver)),
	}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite database")
	}

	// Single writer; a second connection would only contend for the file lock
	conn.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "failed to apply '%s'", p)
		}
	}

	return conn, nil
}

func openPostgres(opts *Options) (*sql.DB, error) {
	dsn := fmt.Sprintf("user=%s password=%s host=%s port=%d dbname=%s sslmode=%s",
		opts.User, opts.Password, opts.Host, opts.Port, opts.DBName, opts.SSLMode)

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse database connection string")
	}

	return stdlib.OpenDB(*cfg.ConnConfig), nil
}

func validateOptions(opts *Options) error {
	if opts == nil {
		return errors.New("options cannot be nil")
	}

	if opts.Log == nil {
		return errors.New("log cannot be nil")
	}

	switch opts.Driver {
	case DriverSQLite:
		if opts.Path == "" {
			return errors.New("path cannot be empty")
		}
	case DriverPostgres:
		if opts.User == "" {
			return errors.New("user cannot be empty")
		}

		if opts.Host == "" {
			return errors.New("host cannot be empty")
		}

		if opts.DBName == "" {
			return errors.New("db name cannot be empty")
		}

		if opts.Port <= 0 {
			opts.Port = DefaultPostgreSQLPort
		}

		if opts.SSLMode == "" {
			opts.SSLMode = DefaultSSLMode
		}
	default:
		return fmt.Errorf("unknown driver '%s'", opts.Driver)
	}

	return nil
}

func (d *DB) Driver() string {
	return d.opts.Driver
}

func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DB) Close() error {
	return d.db.Close()
}

// rebind converts '?' placeholders to '$n' when running on postgres.
func (d *DB) rebind(query string) string {
	if d.opts.Driver != DriverPostgres {
		return query
	}

	var (
		sb strings.Builder
		n  int
	)

	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}

		sb.WriteRune(r)
	}

	return sb.String()
}

// quoteIdent validates a column or table name and returns it quoted. Column
// names arrive from operator input and mapping files, so they are never
// interpolated unchecked.
func quoteIdent(name string) (string, error) {
	if !validIdentRegex.MatchString(name) {
		return "", errors.Wrapf(ErrInvalidColumn, "'%s'", name)
	}

	return `"` + name + `"`, nil
}
