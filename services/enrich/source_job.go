package enrich

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dselans/songsync/services/reconcile"
	"github.com/dselans/songsync/services/source"
	"github.com/dselans/songsync/services/stats"
)

// RunSource matches every record of src against the store and fills empty
// song fields from the mapped update fields.
func (r *Runner) RunSource(ctx context.Context, job string, src source.ISource,
	mapping reconcile.FieldMapping, flags Flags) (*stats.Stats, error) {
	if src == nil {
		return nil, errors.New("source cannot be nil")
	}

	if err := mapping.Validate(src.Fields(), nil); err != nil {
		return nil, err
	}

	matcher, err := reconcile.NewMatcher(&reconcile.MatcherOptions{
		Lookup: r.options.Store,
		Log:    r.log,
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to create matcher")
	}

	return r.execute(ctx, job, flags, false, func(ctx context.Context, rn *run) error {
		songs, err := r.loadSongs(ctx)
		if err != nil {
			return err
		}

		rn.log.Info("Loaded songs", zap.Int("songs", len(songs)))

		for {
			if flags.Limit > 0 && rn.stats.Get(stats.Processed) >= int64(flags.Limit) {
				rn.log.Info("Limit reached", zap.Int("limit", flags.Limit))
				return nil
			}

			if err := ctx.Err(); err != nil {
				return err
			}

			rec, err := src.Next()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}

				if errors.Is(err, source.ErrInvalidRecord) {
					rn.stats.Inc(stats.Processed)
					rn.stats.Inc(stats.Errors)
					rn.log.Error("Skipping unreadable record", zap.Error(err))

					continue
				}

				return errors.Wrap(err, "unable to read source")
			}

			rn.stats.Inc(stats.Processed)

			if err := r.refreshLock(ctx, rn); err != nil {
				return err
			}

			r.reconcileRecord(ctx, rn, matcher, rec, mapping, songs)
		}
	})
}

func (r *Runner) reconcileRecord(ctx context.Context, rn *run, matcher *reconcile.Matcher,
	rec reconcile.Record, mapping reconcile.FieldMapping, songs []*reconcile.Song) {
	result, err := matcher.Match(ctx, rec, mapping, songs)
	if err != nil {
		rn.stats.Inc(stats.Errors)

		if errors.Is(err, reconcile.ErrNoMatchValues) {
			rn.log.Warn("Record has no match values, skipping")
		} else {
			rn.log.Error("Unable to match record", zap.Error(err))
		}

		return
	}

	switch result.Kind {
	case reconcile.NoMatch:
		rn.stats.Inc(stats.NoMatches)
		rn.log.Debug("No match found", zap.Any("values", mapping.MatchValues(rec)))

		return
	case reconcile.ApproximateMatch:
		rn.stats.Inc(stats.ApproxMatches)
		rn.log.Warn("Approximate match",
			zap.String("id", result.Song.ID),
			zap.String("storedTitle", result.Song.Title),
			zap.String("storedArtist", result.Song.Artist),
			zap.Any("values", mapping.MatchValues(rec)))
	case reconcile.ExactMatch:
		rn.stats.Inc(stats.ExactMatches)
	}

	r.mergeInto(ctx, rn, result.Song, mapping.UpdateValues(rec))
}

// mergeInto applies the fill-only policy for song and queues what is left.
func (r *Runner) mergeInto(ctx context.Context, rn *run, song *reconcile.Song, proposed map[string]string) {
	fields := make([]string, 0, len(proposed))
	for f := range proposed {
		fields = append(fields, f)
	}

	if err := reconcile.Hydrate(ctx, r.options.Store, song, fields); err != nil {
		rn.stats.Inc(stats.Errors)
		rn.log.Error("Unable to load current values", zap.String("id", song.ID), zap.Error(err))

		return
	}

	merge := reconcile.ComputeMerge(song, proposed)

	if len(merge) == 0 {
		rn.stats.Inc(stats.Unchanged)
	} else {
		rn.log.Debug("Queued merge", zap.String("id", song.ID), zap.Any("fields", merge))
		reconcile.Apply(song, merge)
	}

	if err := rn.queue(ctx, song.ID, merge); err != nil {
		rn.stats.Inc(stats.Errors)
		rn.log.Error("Unable to queue merge", zap.String("id", song.ID), zap.Error(err))
	}
}
