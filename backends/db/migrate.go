package db

import (
	"context"
	"io/fs"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dselans/songsync/migrations"
)

type migrationFile struct {
	Name     string
	DirName  string
	FullPath string
}

// Migrate applies every embedded migration for the configured driver that is
// not yet recorded in schema_migrations. Each migration runs in its own
// transaction.
func (d *DB) Migrate(ctx context.Context) error {
	logger := d.log.With(zap.String("method", "Migrate"))
	logger.Info("Running database migrations")

	if err := d.createMigrationsTable(ctx); err != nil {
		return errors.Wrap(err, "failed to create migrations table")
	}

	migrationFiles, err := d.getMigrationFiles()
	if err != nil {
		return errors.Wrap(err, "failed to get migration files")
	}

	applied, err := d.getAppliedMigrations(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get applied migrations")
	}

	// Group files by migration dir so a dir is recorded once, after all of
	// its files ran
	byDir := make(map[string][]migrationFile)
	dirs := make([]string, 0)

	for _, m := range migrationFiles {
		if _, ok := byDir[m.DirName]; !ok {
			dirs = append(dirs, m.DirName)
		}

		byDir[m.DirName] = append(byDir[m.DirName], m)
	}

	for _, dir := range dirs {
		if applied[dir] {
			logger.Debug("Migration already applied", zap.String("migration", dir))
			continue
		}

		if err := d.applyMigration(ctx, dir, byDir[dir]); err != nil {
			return err
		}

		logger.Info("Migration applied successfully", zap.String("migration", dir))
	}

	logger.Info("All migrations completed")

	return nil
}

func (d *DB) applyMigration(ctx context.Context, dir string, files []migrationFile) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	for _, migration := range files {
		d.log.Info("Applying migration",
			zap.String("migration", migration.DirName),
			zap.String("file", migration.Name))

		content, err := migrations.FS.ReadFile(migration.FullPath)
		if err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "failed to read migration file: %s", migration.FullPath)
		}

		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "failed to execute migration: %s", migration.FullPath)
		}
	}

	if _, err := tx.ExecContext(ctx,
		d.rebind("INSERT INTO schema_migrations (name, applied_at) VALUES (?, CURRENT_TIMESTAMP)"),
		dir); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "failed to record migration: %s", dir)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit migration: %s", dir)
	}

	return nil
}

func (d *DB) createMigrationsTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		name VARCHAR(255) PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := d.db.ExecContext(ctx, query)
	return err
}

func (d *DB) getMigrationFiles() ([]migrationFile, error) {
	root := d.opts.Driver

	entries, err := fs.ReadDir(migrations.FS, root)
	if err != nil {
		return nil, err
	}

	var migrationFiles []migrationFile

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		dirName := entry.Name()

		dirEntries, err := fs.ReadDir(migrations.FS, root+"/"+dirName)
		if err != nil {
			continue
		}

		for _, fileEntry := range dirEntries {
			if !fileEntry.IsDir() && strings.HasSuffix(fileEntry.Name(), ".sql") {
				migrationFiles = append(migrationFiles, migrationFile{
					Name:     fileEntry.Name(),
					DirName:  dirName,
					FullPath: root + "/" + dirName + "/" + fileEntry.Name(),
				})
			}
		}
	}

	sort.SliceStable(migrationFiles, func(i, j int) bool {
		if migrationFiles[i].DirName == migrationFiles[j].DirName {
			return migrationFiles[i].Name < migrationFiles[j].Name
		}

		return migrationFiles[i].DirName < migrationFiles[j].DirName
	})

	return migrationFiles, nil
}

func (d *DB) getAppliedMigrations(ctx context.Context) (map[string]bool, error) {
	applied := make(map[string]bool)

	rows, err := d.db.QueryContext(ctx, "SELECT name FROM schema_migrations")
	if err != nil {
		return applied, nil
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}

	return applied, rows.Err()
}
