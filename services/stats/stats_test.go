package stats

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dselans/songsync/clog"
)

var _ = Describe("Stats", func() {
	It("accumulates counters", func() {
		s := New("csv", "run-1", nil)

		s.Inc(Processed)
		s.Inc(Processed)
		s.Inc(ExactMatches)
		s.Add(Errors, 3)

		Expect(s.Get(Processed)).To(Equal(int64(2)))
		Expect(s.Get(Errors)).To(Equal(int64(3)))
		Expect(s.MatchRate()).To(Equal(50.0))

		snap := s.Snapshot()
		Expect(snap.Job).To(Equal("csv"))
		Expect(snap.Counts).To(HaveKeyWithValue("exact_matches", int64(1)))
		Expect(snap.Counts).To(HaveKeyWithValue("no_matches", int64(0)))
	})

	It("reports a zero match rate without records", func() {
		Expect(New("csv", "run-1", nil).MatchRate()).To(Equal(0.0))
	})

	It("logs intermediate and final reports", func() {
		log := &clog.TestLogger{}
		s := New("features", "run-1", nil)

		s.Report(log, false)
		s.Report(log, true)

		Expect(log.Contains("Intermediate statistics")).To(BeTrue())
		Expect(log.Contains("Final statistics")).To(BeTrue())
	})

	It("mirrors counters into prometheus", func() {
		reg := prometheus.NewRegistry()

		m, err := NewMetrics(reg)
		Expect(err).ToNot(HaveOccurred())

		s := New("bpm", "run-1", m)
		s.Add(SongsUpdated, 4)
		m.RunFinished("bpm", "ok")

		Expect(testutil.ToFloat64(m.records.WithLabelValues("bpm", "songs_updated"))).To(Equal(4.0))
		Expect(testutil.ToFloat64(m.runs.WithLabelValues("bpm", "ok"))).To(Equal(1.0))

		_, err = NewMetrics(reg)
		Expect(err).To(HaveOccurred())
	})
})
