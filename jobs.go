package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dselans/songsync/backends/db"
	"github.com/dselans/songsync/config"
	"github.com/dselans/songsync/deps"
	"github.com/dselans/songsync/services/enrich"
	"github.com/dselans/songsync/services/reconcile"
	"github.com/dselans/songsync/services/source"
	"github.com/dselans/songsync/validate"
)

// DefaultFeaturesBatchSize is used by the features job, which writes many
// small rows from a local table.
const DefaultFeaturesBatchSize = 1000

func runCommand(ctx context.Context, cfg *config.Config, d *deps.Dependencies) error {
	switch cfg.Command() {
	case "migrate":
		return migrate(ctx, d)
	case "schema":
		return schema(ctx, d)
	}

	flags := jobFlags(cfg)

	if !flags.DryRun {
		added, err := d.DB.EnsureColumns(ctx, db.EnrichmentColumns)
		if err != nil {
			return errors.Wrap(err, "unable to ensure enrichment columns")
		}

		if len(added) > 0 {
			d.Log.Info("Added enrichment columns", zap.Strings("columns", added))
		}
	}

	switch cfg.Command() {
	case enrich.JobCSV:
		return runCSV(ctx, cfg, d, flags)
	case enrich.JobTags:
		return runTags(ctx, cfg, d, flags)
	}

	p, err := provider(cfg, d)
	if err != nil {
		return err
	}

	_, err = d.Runner.RunProvider(ctx, p, flags)

	return err
}

func migrate(ctx context.Context, d *deps.Dependencies) error {
	if err := d.DB.Migrate(ctx); err != nil {
		return errors.Wrap(err, "unable to run migrations")
	}

	added, err := d.DB.EnsureColumns(ctx, db.EnrichmentColumns)
	if err != nil {
		return errors.Wrap(err, "unable to ensure enrichment columns")
	}

	fmt.Printf("migrations applied; %d column(s) added\n", len(added))

	return nil
}

func schema(ctx context.Context, d *deps.Dependencies) error {
	columns, err := d.DB.Columns(ctx, db.SongsTable)
	if err != nil {
		return errors.Wrap(err, "unable to read store columns")
	}

	for _, c := range columns {
		fmt.Println(c)
	}

	return nil
}

func jobFlags(cfg *config.Config) enrich.Flags {
	f := cfg.Job()

	flags := enrich.Flags{
		BatchSize: f.BatchSize,
		Limit:     f.Limit,
		Resume:    f.Resume,
		Force:     f.Force,
		Delay:     f.Delay,
		DryRun:    f.DryRun,
	}

	if flags.BatchSize == 0 && cfg.Command() == enrich.JobFeatures {
		flags.BatchSize = DefaultFeaturesBatchSize
	}

	return flags
}

func provider(cfg *config.Config, d *deps.Dependencies) (enrich.Provider, error) {
	switch cfg.Command() {
	case enrich.JobInfo, enrich.JobAlbums:
		if d.Spotify == nil {
			return nil, errors.New("spotify client id and secret are required")
		}

		if cfg.Command() == enrich.JobInfo {
			return &enrich.Info{Spotify: d.Spotify}, nil
		}

		return &enrich.Albums{Spotify: d.Spotify}, nil
	case enrich.JobFeatures:
		return &enrich.Features{Master: d.Master}, nil
	case enrich.JobDeezer:
		return &enrich.Deezer{
			Deezer:    d.Deezer,
			OutputDir: cfg.Deezer.OutputDir,
			AudioDir:  cfg.Deezer.AudioDir,
			Force:     cfg.Deezer.Force,
			DryRun:    cfg.Deezer.DryRun,
		}, nil
	case enrich.JobBPM:
		if d.SongBPM == nil {
			return nil, errors.New("songbpm api key is required")
		}

		return &enrich.BPM{SongBPM: d.SongBPM}, nil
	}

	return nil, fmt.Errorf("unknown command '%s'", cfg.Command())
}

func runCSV(ctx context.Context, cfg *config.Config, d *deps.Dependencies, flags enrich.Flags) error {
	src, err := source.NewCSV(cfg.CSV.File, d.Log)
	if err != nil {
		return errors.Wrap(err, "unable to open csv")
	}
	defer src.Close()

	columns, err := d.DB.Columns(ctx, db.SongsTable)
	if err != nil {
		return errors.Wrap(err, "unable to read store columns")
	}

	mapping, err := csvMapping(cfg, src.Fields(), columns)
	if err != nil {
		return err
	}

	if err := validate.Mapping(mapping, src.Fields(), columns); err != nil {
		return err
	}

	_, err = d.Runner.RunSource(ctx, enrich.JobCSV, src, mapping, flags)

	return err
}

// csvMapping loads the mapping file when it exists, otherwise maps the
// columns heuristically or asks the operator. An interactive mapping is
// saved to the mapping file when one was given.
func csvMapping(cfg *config.Config, fields, columns []string) (reconcile.FieldMapping, error) {
	path := cfg.CSV.MappingFile

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return reconcile.LoadMapping(path)
		}
	}

	if cfg.CSV.NonInteractive {
		return reconcile.HeuristicMapping(fields), nil
	}

	mapping, err := reconcile.Elicit(fields, columns, reconcile.NewConsolePrompter(os.Stdin, os.Stdout))
	if err != nil {
		return reconcile.FieldMapping{}, err
	}

	if path != "" {
		if err := reconcile.SaveMapping(path, mapping); err != nil {
			return reconcile.FieldMapping{}, errors.Wrap(err, "unable to save mapping")
		}
	}

	return mapping, nil
}

func runTags(ctx context.Context, cfg *config.Config, d *deps.Dependencies, flags enrich.Flags) error {
	src, err := source.NewTags(cfg.Tags.Dir, d.Log)
	if err != nil {
		return errors.Wrap(err, "unable to read audio directory")
	}
	defer src.Close()

	columns, err := d.DB.Columns(ctx, db.SongsTable)
	if err != nil {
		return errors.Wrap(err, "unable to read store columns")
	}

	mapping := reconcile.HeuristicMapping(src.Fields())

	if err := validate.Mapping(mapping, src.Fields(), columns); err != nil {
		return err
	}

	_, err = d.Runner.RunSource(ctx, enrich.JobTags, src, mapping, flags)

	return err
}
