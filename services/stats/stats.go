// Package stats accumulates the counters of one job run. Counters are safe to
// read from other goroutines (status API) while the run updates them.
package stats

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dselans/songsync/clog"
)

type Counter string

const (
	Processed        Counter = "processed"
	ExactMatches     Counter = "exact_matches"
	ApproxMatches    Counter = "approximate_matches"
	NoMatches        Counter = "no_matches"
	Mismatches       Counter = "mismatches"
	FieldsUpdated    Counter = "fields_updated"
	SongsUpdated     Counter = "songs_updated"
	Unchanged        Counter = "unchanged"
	Skipped          Counter = "skipped"
	Errors           Counter = "errors"
	BatchesCommitted Counter = "batches_committed"
	BatchesFailed    Counter = "batches_failed"
)

// Counters in report order
var Counters = []Counter{
	Processed,
	ExactMatches,
	ApproxMatches,
	NoMatches,
	Mismatches,
	FieldsUpdated,
	SongsUpdated,
	Unchanged,
	Skipped,
	Errors,
	BatchesCommitted,
	BatchesFailed,
}

type Stats struct {
	Job   string
	RunID string

	started time.Time
	counts  map[Counter]int64
	mtx     *sync.RWMutex
	metrics *Metrics
}

// Snapshot is a point-in-time copy of a run's counters.
type Snapshot struct {
	Job       string           `json:"job"`
	RunID     string           `json:"run_id"`
	Started   time.Time        `json:"started"`
	Elapsed   string           `json:"elapsed"`
	Counts    map[string]int64 `json:"counts"`
	MatchRate float64          `json:"match_rate"`
}

// New returns empty statistics; metrics may be nil.
func New(job, runID string, metrics *Metrics) *Stats {
	return &Stats{
		Job:     job,
		RunID:   runID,
		started: time.Now(),
		counts:  make(map[Counter]int64),
		mtx:     &sync.RWMutex{},
		metrics: metrics,
	}
}

func (s *Stats) Inc(c Counter) {
	s.Add(c, 1)
}

func (s *Stats) Add(c Counter, n int) {
	if n == 0 {
		return
	}

	s.mtx.Lock()
	s.counts[c] += int64(n)
	s.mtx.Unlock()

	s.metrics.add(s.Job, c, n)
}

func (s *Stats) Get(c Counter) int64 {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return s.counts[c]
}

// MatchRate is the share of processed records that matched a song, in percent.
func (s *Stats) MatchRate() float64 {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return s.matchRate()
}

func (s *Stats) matchRate() float64 {
	processed := s.counts[Processed]
	if processed == 0 {
		return 0
	}

	return float64(s.counts[ExactMatches]+s.counts[ApproxMatches]) / float64(processed) * 100
}

func (s *Stats) Snapshot() Snapshot {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	counts := make(map[string]int64, len(Counters))
	for _, c := range Counters {
		counts[string(c)] = s.counts[c]
	}

	return Snapshot{
		Job:       s.Job,
		RunID:     s.RunID,
		Started:   s.started,
		Elapsed:   time.Since(s.started).Round(time.Second).String(),
		Counts:    counts,
		MatchRate: s.matchRate(),
	}
}

// Report logs all counters. Reports are written at warn level so they are
// visible at the default log level.
func (s *Stats) Report(log clog.ICustomLog, final bool) {
	snap := s.Snapshot()

	fields := []zap.Field{
		zap.String("job", snap.Job),
		zap.String("runID", snap.RunID),
		zap.String("elapsed", snap.Elapsed),
		zap.Float64("matchRate", snap.MatchRate),
	}

	for _, c := range Counters {
		fields = append(fields, zap.Int64(string(c), snap.Counts[string(c)]))
	}

	if final {
		log.Warn("Final statistics", fields...)
		return
	}

	log.Warn("Intermediate statistics", fields...)
}

// Metrics mirrors run counters into Prometheus.
type Metrics struct {
	records *prometheus.CounterVec
	runs    *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "songsync",
			Name:      "records_total",
			Help:      "Reconciliation outcomes by job and counter.",
		}, []string{"job", "counter"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "songsync",
			Name:      "runs_total",
			Help:      "Job runs by job and result.",
		}, []string{"job", "result"}),
	}

	if err := reg.Register(m.records); err != nil {
		return nil, err
	}

	if err := reg.Register(m.runs); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) add(job string, c Counter, n int) {
	if m == nil {
		return
	}

	m.records.WithLabelValues(job, string(c)).Add(float64(n))
}

// RunFinished records the outcome of a run ("ok" or "error").
func (m *Metrics) RunFinished(job, result string) {
	if m == nil {
		return
	}

	m.runs.WithLabelValues(job, result).Inc()
}
