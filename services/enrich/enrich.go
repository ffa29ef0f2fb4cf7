// Package enrich runs reconciliation jobs. A job either walks an external
// source and matches each record against the store (csv, tags) or walks the
// store and asks a provider about each song (info, albums, features, deezer,
// bpm). Both kinds share the merge policy, batching, progress and statistics.
//
// Runs are strictly sequential and assume a single writer per store. When a
// state backend is configured, a per-job lock enforces that.
package enrich

import (
	"context"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dselans/songsync/backends/db"
	"github.com/dselans/songsync/backends/state"
	"github.com/dselans/songsync/clog"
	"github.com/dselans/songsync/services/batch"
	"github.com/dselans/songsync/services/progress"
	"github.com/dselans/songsync/services/reconcile"
	"github.com/dselans/songsync/services/stats"
	"github.com/dselans/songsync/util"
	"github.com/dselans/songsync/validate"
)

const (
	DefaultLockTTL = 5 * time.Minute

	// Mismatch details kept for the end-of-run summary
	maxMismatchDetails = 20
)

var ErrJobRunning = errors.New("job is already running")

// Store is the part of the canonical store a run needs.
type Store interface {
	batch.Writer
	reconcile.FieldLookup
	ListSongs(ctx context.Context) ([]db.SongRow, error)
}

// TrackerFunc returns the progress tracker for a job.
type TrackerFunc func(job string) (progress.ITracker, error)

// CommitFunc is told about every committed batch of a job.
type CommitFunc func(ctx context.Context, job string, committed []db.Update)

type Options struct {
	Store Store

	// Optional
	Trackers TrackerFunc
	State    state.IState
	LockTTL  time.Duration
	Metrics  *stats.Metrics
	OnCommit CommitFunc
	NewRelic *newrelic.Application

	Log clog.ICustomLog
}

// Flags are the per-run knobs shared by every job.
type Flags struct {
	BatchSize int
	Limit     int
	Resume    bool
	Force     bool
	Delay     time.Duration
	DryRun    bool
}

type Runner struct {
	options *Options
	log     clog.ICustomLog

	mtx     *sync.RWMutex
	current *stats.Stats
	tracker progress.ITracker
}

// Mismatch is an authoritative record that disagreed with the stored song.
type Mismatch struct {
	ID        string
	Field     string
	Canonical string
	Asserted  string
}

// run is the state of a single job execution.
type run struct {
	job      string
	flags    Flags
	stats    *stats.Stats
	executor *batch.Executor
	tracker  progress.ITracker
	limiter  *rate.Limiter
	lock     *redislock.Lock
	log      clog.ICustomLog

	// Ids whose merge is queued in the executor; saved to progress once
	// their batch has been committed
	awaiting    []string
	mismatches  []Mismatch
	lastRefresh time.Time
}

func New(opts *Options) (*Runner, error) {
	if err := validateOptions(opts); err != nil {
		return nil, errors.Wrap(err, "unable to validate options")
	}

	return &Runner{
		options: opts,
		log:     opts.Log.With(zap.String("pkg", "enrich")),
		mtx:     &sync.RWMutex{},
	}, nil
}

func validateOptions(opts *Options) error {
	if opts == nil {
		return errors.New("options cannot be nil")
	}

	if opts.Store == nil {
		return errors.New("store cannot be nil")
	}

	if opts.Log == nil {
		return errors.New("log cannot be nil")
	}

	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}

	return nil
}

// Current returns the statistics of the running (or last) job.
func (r *Runner) Current() (stats.Snapshot, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	if r.current == nil {
		return stats.Snapshot{}, false
	}

	return r.current.Snapshot(), true
}

// Progress returns the progress record of the running (or last) job.
func (r *Runner) Progress(ctx context.Context) (*progress.Record, error) {
	r.mtx.RLock()
	tracker := r.tracker
	r.mtx.RUnlock()

	if tracker == nil {
		return nil, errors.New("no job with progress tracking has run")
	}

	return tracker.Load(ctx)
}

// execute sets up a run and always reports final statistics, including when
// body fails.
func (r *Runner) execute(ctx context.Context, job string, flags Flags, useProgress bool,
	body func(ctx context.Context, rn *run) error) (st *stats.Stats, err error) {
	runID := uuid.NewString()

	logger := r.log.With(zap.String("job", job), zap.String("runID", runID))

	txn := r.options.NewRelic.StartTransaction("job-" + job)
	defer txn.End()

	ctx = newrelic.NewContext(ctx, txn)
	ctx = util.ContextWithLogger(ctx, logger)

	st = stats.New(job, runID, r.options.Metrics)

	rn := &run{
		job:      job,
		flags:    flags,
		stats:    st,
		log:      logger,
		awaiting: make([]string, 0),
	}

	r.mtx.Lock()
	r.current = st
	r.mtx.Unlock()

	defer func() {
		if len(rn.mismatches) > 0 {
			logMismatches(logger, rn.mismatches, st.Get(stats.Mismatches))
		}

		st.Report(logger, true)

		result := "ok"
		if err != nil {
			result = "error"
		}

		r.options.Metrics.RunFinished(job, result)
	}()

	if err := r.lock(ctx, rn); err != nil {
		return st, util.Error(txn, logger, "unable to lock job", err)
	}

	defer r.unlock(rn)

	if useProgress && r.options.Trackers != nil {
		tracker, err := r.options.Trackers(job)
		if err != nil {
			return st, util.Error(txn, logger, "unable to create progress tracker", err)
		}

		rn.tracker = tracker

		r.mtx.Lock()
		r.tracker = tracker
		r.mtx.Unlock()
	}

	if flags.Delay > 0 {
		rn.limiter = rate.NewLimiter(rate.Every(flags.Delay), 1)
	}

	executor, err := batch.New(&batch.Options{
		Writer:    r.options.Store,
		BatchSize: flags.BatchSize,
		Stats:     st,
		DryRun:    flags.DryRun,
		OnCommit:  r.commitHook(job),
		Log:       logger,
	})
	if err != nil {
		return st, util.Error(txn, logger, "unable to create batch executor", err)
	}

	rn.executor = executor

	logger.Info("Starting job",
		zap.Int("batchSize", flags.BatchSize),
		zap.Int("limit", flags.Limit),
		zap.Bool("resume", flags.Resume),
		zap.Bool("force", flags.Force),
		zap.Bool("dryRun", flags.DryRun))

	bodyErr := body(ctx, rn)

	// Whatever the body did, queued merges are written and their progress
	// recorded before returning
	if err := rn.flush(ctx); err != nil && bodyErr == nil {
		bodyErr = err
	}

	if bodyErr != nil {
		if errors.Is(bodyErr, reconcile.ErrNoEntities) || errors.Is(bodyErr, context.Canceled) {
			logger.Warn("Job stopped", zap.Error(bodyErr))
			return st, bodyErr
		}

		return st, util.Error(txn, logger, "job failed", bodyErr)
	}

	return st, nil
}

func (r *Runner) commitHook(job string) batch.CommitHook {
	if r.options.OnCommit == nil {
		return nil
	}

	return func(ctx context.Context, committed []db.Update) {
		r.options.OnCommit(ctx, job, committed)
	}
}

func (r *Runner) lock(ctx context.Context, rn *run) error {
	if r.options.State == nil {
		return nil
	}

	lock, err := r.options.State.Obtain(ctx, rn.job, r.options.LockTTL, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return errors.Wrapf(ErrJobRunning, "job '%s'", rn.job)
		}

		return err
	}

	rn.lock = lock
	rn.lastRefresh = time.Now()

	return nil
}

func (r *Runner) unlock(rn *run) {
	if rn.lock == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rn.lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		rn.log.Warn("Unable to release job lock", zap.Error(err))
	}
}

// refreshLock extends the job lock once half of its ttl has passed.
func (r *Runner) refreshLock(ctx context.Context, rn *run) error {
	if rn.lock == nil || time.Since(rn.lastRefresh) < r.options.LockTTL/2 {
		return nil
	}

	if err := rn.lock.Refresh(ctx, r.options.LockTTL, nil); err != nil {
		return errors.Wrap(err, "unable to refresh job lock")
	}

	rn.lastRefresh = time.Now()

	return nil
}

// wait blocks until the rate limiter allows the next provider call.
func (rn *run) wait(ctx context.Context) error {
	if rn.limiter == nil {
		return nil
	}

	return rn.limiter.Wait(ctx)
}

// queue records id as handled. An id without a merge is saved to progress
// at once; an id with a merge is saved once the batch holding it has been
// committed, and never when that batch fails, so a resumed run retries it.
func (rn *run) queue(ctx context.Context, id string, merge map[string]string) error {
	if len(merge) == 0 {
		if id == "" {
			return errors.New("id cannot be empty")
		}

		return rn.save(ctx, id)
	}

	rn.awaiting = append(rn.awaiting, id)

	if err := rn.executor.Add(ctx, id, merge); err != nil {
		if errors.Is(err, batch.ErrBatchFailed) {
			rn.dropAwaiting(err)
			return nil
		}

		rn.awaiting = rn.awaiting[:len(rn.awaiting)-1]

		return err
	}

	if rn.executor.Pending() > 0 {
		return nil
	}

	return rn.saveAwaiting(ctx)
}

// flush writes the last batch and records progress for its ids.
func (rn *run) flush(ctx context.Context) error {
	if err := rn.executor.Flush(ctx); err != nil {
		rn.dropAwaiting(err)
		return nil
	}

	return rn.saveAwaiting(ctx)
}

func (rn *run) dropAwaiting(err error) {
	if len(rn.awaiting) > 0 {
		rn.log.Warn("Progress not recorded for failed batch",
			zap.Strings("ids", rn.awaiting), zap.Error(err))
	}

	rn.awaiting = rn.awaiting[:0]
}

func (rn *run) save(ctx context.Context, id string) error {
	if rn.tracker == nil || rn.flags.DryRun {
		return nil
	}

	if err := rn.tracker.Save(ctx, id); err != nil {
		return errors.Wrapf(err, "unable to save progress for '%s'", id)
	}

	return nil
}

func (rn *run) saveAwaiting(ctx context.Context) error {
	defer func() { rn.awaiting = rn.awaiting[:0] }()

	for _, id := range rn.awaiting {
		if err := rn.save(ctx, id); err != nil {
			return err
		}
	}

	return nil
}

// mismatch records one disagreeing field. The Mismatches counter is per song
// and is incremented by the caller.
func (rn *run) mismatch(m Mismatch) {
	rn.log.Warn("Mismatch found",
		zap.String("id", m.ID),
		zap.String("field", m.Field),
		zap.String("stored", m.Canonical),
		zap.String("source", m.Asserted))

	if len(rn.mismatches) < maxMismatchDetails {
		rn.mismatches = append(rn.mismatches, m)
	}
}

func mismatchesByField(mismatches []Mismatch) map[string]int {
	byField := make(map[string]int)
	for _, m := range mismatches {
		byField[m.Field]++
	}

	return byField
}

func logMismatches(log clog.ICustomLog, mismatches []Mismatch, total int64) {
	byField := mismatchesByField(mismatches)

	log.Warn("Mismatch summary",
		zap.Int64("total", total),
		zap.Int("titleMismatches", byField[reconcile.FieldTitle]),
		zap.Int("artistMismatches", byField[reconcile.FieldArtist]))

	for _, m := range mismatches {
		log.Warn("Mismatch detail",
			zap.String("id", m.ID),
			zap.String("field", m.Field),
			zap.String("stored", m.Canonical),
			zap.String("source", m.Asserted))
	}
}

// loadSongs returns the store's songs as reconcile entities.
func (r *Runner) loadSongs(ctx context.Context) ([]*reconcile.Song, error) {
	rows, err := r.options.Store.ListSongs(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load songs")
	}

	songs := make([]*reconcile.Song, 0, len(rows))
	for _, row := range rows {
		if err := validate.Song(row); err != nil {
			r.log.Warn("Skipping invalid stored song", zap.Error(err))
			continue
		}

		songs = append(songs, reconcile.NewSong(row.ID, row.Title, row.Artist))
	}

	if len(songs) == 0 {
		return nil, reconcile.ErrNoEntities
	}

	return songs, nil
}
