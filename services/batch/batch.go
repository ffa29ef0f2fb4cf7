// Package batch groups fill-only merges into bulk writes. Each batch is one
// write and one commit; a failed batch is counted and the executor carries on
// with the next one.
package batch

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dselans/songsync/backends/db"
	"github.com/dselans/songsync/clog"
	"github.com/dselans/songsync/services/stats"
)

const (
	DefaultBatchSize       = 50
	DefaultCheckpointEvery = 5
)

// ErrBatchFailed is returned by Add and Flush when the batch they wrote was
// rejected by the writer. The failure is already counted.
var ErrBatchFailed = errors.New("batch write failed")

// Writer persists one batch atomically.
type Writer interface {
	BulkUpdate(ctx context.Context, updates []db.Update) (int64, error)
}

// CommitHook is called with every successfully committed batch.
type CommitHook func(ctx context.Context, committed []db.Update)

type Options struct {
	Writer    Writer
	BatchSize int
	Stats     *stats.Stats

	// Log intermediate statistics every N batches; 0 uses the default.
	CheckpointEvery int

	// DryRun counts merges as if they were written without calling Writer.
	DryRun bool

	OnCommit CommitHook
	Log      clog.ICustomLog
}

type Executor struct {
	opts    *Options
	pending []db.Update
	batches int
	log     clog.ICustomLog
}

func New(opts *Options) (*Executor, error) {
	if err := validateOptions(opts); err != nil {
		return nil, errors.Wrap(err, "unable to validate options")
	}

	return &Executor{
		opts:    opts,
		pending: make([]db.Update, 0, opts.BatchSize),
		log:     opts.Log.With(zap.String("pkg", "batch")),
	}, nil
}

func validateOptions(opts *Options) error {
	if opts == nil {
		return errors.New("options cannot be nil")
	}

	if opts.Writer == nil && !opts.DryRun {
		return errors.New("writer cannot be nil")
	}

	if opts.Stats == nil {
		return errors.New("stats cannot be nil")
	}

	if opts.Log == nil {
		return errors.New("log cannot be nil")
	}

	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = DefaultCheckpointEvery
	}

	return nil
}

// Add queues a merge for id and writes the batch once it is full. Empty
// merges are ignored and never reach the writer. When the write triggered by
// Add fails, every queued update including id is dropped and ErrBatchFailed
// is returned.
func (e *Executor) Add(ctx context.Context, id string, merge map[string]string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}

	if len(merge) == 0 {
		return nil
	}

	fields := make(map[string]string, len(merge))
	for k, v := range merge {
		fields[k] = v
	}

	e.pending = append(e.pending, db.Update{ID: id, Fields: fields})

	if len(e.pending) >= e.opts.BatchSize {
		return e.flush(ctx)
	}

	return nil
}

// Pending returns the number of queued updates.
func (e *Executor) Pending() int {
	return len(e.pending)
}

// Flush writes whatever is queued. Call it once at the end of a run.
func (e *Executor) Flush(ctx context.Context) error {
	if len(e.pending) == 0 {
		return nil
	}

	return e.flush(ctx)
}

func (e *Executor) flush(ctx context.Context) error {
	batch := e.pending
	e.pending = make([]db.Update, 0, e.opts.BatchSize)
	e.batches++

	logger := e.log.With(zap.String("method", "flush"), zap.Int("batch", e.batches), zap.Int("size", len(batch)))

	if e.opts.DryRun {
		logger.Info("Dry run, batch not written")
		e.committed(ctx, batch)
		return nil
	}

	if _, err := e.opts.Writer.BulkUpdate(ctx, batch); err != nil {
		logger.Error("Batch write failed", zap.Error(err))
		e.opts.Stats.Add(stats.Errors, len(batch))
		e.opts.Stats.Inc(stats.BatchesFailed)
		e.checkpoint()
		return errors.Wrapf(ErrBatchFailed, "batch %d: %s", e.batches, err)
	}

	logger.Debug("Batch committed")
	e.committed(ctx, batch)

	return nil
}

func (e *Executor) committed(ctx context.Context, batch []db.Update) {
	fields := 0
	for _, u := range batch {
		fields += len(u.Fields)
	}

	e.opts.Stats.Add(stats.SongsUpdated, len(batch))
	e.opts.Stats.Add(stats.FieldsUpdated, fields)
	e.opts.Stats.Inc(stats.BatchesCommitted)

	if e.opts.OnCommit != nil && !e.opts.DryRun {
		e.opts.OnCommit(ctx, batch)
	}

	e.checkpoint()
}

func (e *Executor) checkpoint() {
	if e.batches%e.opts.CheckpointEvery == 0 {
		e.opts.Stats.Report(e.log, false)
	}
}
