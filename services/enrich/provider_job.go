package enrich

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dselans/songsync/services/progress"
	"github.com/dselans/songsync/services/reconcile"
	"github.com/dselans/songsync/services/stats"
)

// Provider proposes values for one stored song.
type Provider interface {
	Name() string

	// Fields lists the canonical fields the provider may propose.
	Fields() []string

	// Fetch returns nil when the provider has nothing for song. Errors are
	// counted and treated like no data.
	Fetch(ctx context.Context, song *reconcile.Song) (*Proposal, error)
}

// AlwaysResumer is implemented by providers whose jobs resume by default.
type AlwaysResumer interface {
	AlwaysResume() bool
}

// Proposal is a provider's answer for one song.
type Proposal struct {
	// Asserted title/artist from an authoritative source. When set, the
	// proposal is only merged if it agrees with the stored song within
	// Tolerance.
	Asserted  map[string]string
	Tolerance reconcile.Tolerance

	// NoData marks an answer that says "nothing found" but still carries
	// values to record, ie. preview_available=0.
	NoData bool

	Values map[string]string
}

// RunProvider asks p about every stored song, in store order, and fills
// empty fields with its answers.
func (r *Runner) RunProvider(ctx context.Context, p Provider, flags Flags) (*stats.Stats, error) {
	if p == nil {
		return nil, errors.New("provider cannot be nil")
	}

	if ar, ok := p.(AlwaysResumer); ok && ar.AlwaysResume() && !flags.Force {
		flags.Resume = true
	}

	return r.execute(ctx, p.Name(), flags, true, func(ctx context.Context, rn *run) error {
		songs, err := r.loadSongs(ctx)
		if err != nil {
			return err
		}

		songs, err = r.pending(ctx, rn, songs)
		if err != nil {
			return err
		}

		if flags.Limit > 0 && len(songs) > flags.Limit {
			songs = songs[:flags.Limit]
		}

		rn.log.Info("Songs to process", zap.Int("songs", len(songs)))

		for _, song := range songs {
			if err := ctx.Err(); err != nil {
				return err
			}

			if err := r.refreshLock(ctx, rn); err != nil {
				return err
			}

			if err := rn.wait(ctx); err != nil {
				return err
			}

			rn.stats.Inc(stats.Processed)

			r.enrichSong(ctx, rn, p, song)
		}

		return nil
	})
}

// pending drops songs processed by an earlier run when resuming.
func (r *Runner) pending(ctx context.Context, rn *run, songs []*reconcile.Song) ([]*reconcile.Song, error) {
	if !rn.flags.Resume || rn.tracker == nil {
		return songs, nil
	}

	rec, err := rn.tracker.Load(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load progress")
	}

	ids := make([]string, 0, len(songs))
	byID := make(map[string]*reconcile.Song, len(songs))

	for _, s := range songs {
		ids = append(ids, s.ID)
		byID[s.ID] = s
	}

	remaining := rn.tracker.Filter(ids, rec, rn.flags.Force)

	out := make([]*reconcile.Song, 0, len(remaining))
	for _, id := range remaining {
		out = append(out, byID[id])
	}

	if skipped := len(songs) - len(out); skipped > 0 {
		rn.stats.Add(stats.Skipped, skipped)
		rn.log.Info("Resuming", zap.Int("alreadyProcessed", skipped), zap.String("lastProcessed", lastProcessed(rec)))
	}

	return out, nil
}

func lastProcessed(rec *progress.Record) string {
	if rec == nil {
		return ""
	}

	return rec.LastProcessed
}

func (r *Runner) enrichSong(ctx context.Context, rn *run, p Provider, song *reconcile.Song) {
	logger := rn.log.With(zap.String("id", song.ID))

	proposal, err := p.Fetch(ctx, song)
	if err != nil {
		rn.stats.Inc(stats.Errors)
		// Not recorded as processed; a resumed run asks again
		logger.Error("Provider request failed", zap.String("title", song.Title), zap.Error(err))

		return
	}

	if proposal == nil {
		rn.stats.Inc(stats.NoMatches)
		logger.Debug("No data from provider", zap.String("title", song.Title))
		r.markHandled(ctx, rn, song.ID)

		return
	}

	if proposal.NoData {
		rn.stats.Inc(stats.NoMatches)
	} else if !r.passesIdentity(rn, song, proposal) {
		r.markHandled(ctx, rn, song.ID)
		return
	}

	r.mergeInto(ctx, rn, song, proposal.Values)
}

// passesIdentity counts the match kind and reports whether the proposal may
// be merged.
func (r *Runner) passesIdentity(rn *run, song *reconcile.Song, proposal *Proposal) bool {
	if len(proposal.Asserted) == 0 {
		rn.stats.Inc(stats.ExactMatches)
		return true
	}

	id := reconcile.ClassifyIdentity(song, proposal.Asserted, proposal.Tolerance)

	switch id.Kind {
	case reconcile.IdentityExact:
		rn.stats.Inc(stats.ExactMatches)
	case reconcile.IdentityApproximate:
		rn.stats.Inc(stats.ApproxMatches)
		rn.log.Warn("Approximate match",
			zap.String("id", song.ID),
			zap.String("storedTitle", song.Title),
			zap.String("storedArtist", song.Artist),
			zap.String("sourceTitle", proposal.Asserted[reconcile.FieldTitle]),
			zap.String("sourceArtist", proposal.Asserted[reconcile.FieldArtist]))
	default:
		rn.stats.Inc(stats.Mismatches)

		for _, d := range id.Diffs {
			rn.mismatch(Mismatch{
				ID:        song.ID,
				Field:     d.Field,
				Canonical: d.Canonical,
				Asserted:  d.Asserted,
			})
		}

		return false
	}

	return true
}

// markHandled records progress for a song that produced no merge.
func (r *Runner) markHandled(ctx context.Context, rn *run, id string) {
	if err := rn.queue(ctx, id, nil); err != nil {
		rn.stats.Inc(stats.Errors)
		rn.log.Error("Unable to record progress", zap.String("id", id), zap.Error(err))
	}
}
