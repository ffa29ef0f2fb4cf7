package progress

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dselans/songsync/clog"
)

// FileTracker keeps progress in a JSON file, rewritten atomically (temp file,
// fsync, rename) on every Save.
type FileTracker struct {
	filterer

	path   string
	rec    *Record
	seen   map[string]struct{}
	loaded bool
	mtx    *sync.Mutex
	log    clog.ICustomLog
}

// FilePath returns the progress file of job inside dir, ie.
// "deezer_progress.json".
func FilePath(dir, job string) string {
	return filepath.Join(dir, job+"_progress.json")
}

func NewFileTracker(path string, log clog.ICustomLog) (*FileTracker, error) {
	if path == "" {
		return nil, errors.New("path cannot be empty")
	}

	if log == nil {
		return nil, errors.New("log cannot be nil")
	}

	return &FileTracker{
		path: path,
		rec:  &Record{ProcessedIDs: make([]string, 0)},
		seen: make(map[string]struct{}),
		mtx:  &sync.Mutex{},
		log:  log.With(zap.String("pkg", "progress"), zap.String("path", path)),
	}, nil
}

func (f *FileTracker) Load(_ context.Context) (*Record, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	if err := f.load(); err != nil {
		return nil, err
	}

	return f.rec.clone(), nil
}

func (f *FileTracker) load() error {
	if f.loaded {
		return nil
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			f.loaded = true
			return nil
		}

		return errors.Wrapf(err, "unable to read progress file '%s'", f.path)
	}

	rec := &Record{}

	// A corrupt file is an error rather than a fresh start; the next Save would
	// otherwise erase it.
	if err := json.Unmarshal(data, rec); err != nil {
		return errors.Wrapf(err, "unable to parse progress file '%s'", f.path)
	}

	if rec.ProcessedIDs == nil {
		rec.ProcessedIDs = make([]string, 0)
	}

	for _, id := range rec.ProcessedIDs {
		f.seen[id] = struct{}{}
	}

	f.rec = rec
	f.loaded = true

	f.log.Debug("Loaded progress", zap.Int("processed", len(rec.ProcessedIDs)))

	return nil
}

func (f *FileTracker) Save(_ context.Context, id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}

	f.mtx.Lock()
	defer f.mtx.Unlock()

	if err := f.load(); err != nil {
		return err
	}

	next := f.rec.clone()
	next.LastProcessed = id

	if _, ok := f.seen[id]; !ok {
		next.ProcessedIDs = append(next.ProcessedIDs, id)
	}

	if err := f.write(next); err != nil {
		return err
	}

	f.rec = next
	f.seen[id] = struct{}{}

	return nil
}

func (f *FileTracker) write(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "unable to encode progress")
	}

	dir := filepath.Dir(f.path)

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "unable to create temp progress file")
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "unable to write temp progress file")
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "unable to sync temp progress file")
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "unable to close temp progress file")
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "unable to replace progress file")
	}

	return nil
}
