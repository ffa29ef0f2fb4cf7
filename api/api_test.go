package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	"github.com/InVisionApp/go-health"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dselans/songsync/backends/db"
	"github.com/dselans/songsync/clog"
	"github.com/dselans/songsync/config"
	"github.com/dselans/songsync/deps"
	"github.com/dselans/songsync/services/enrich"
	"github.com/dselans/songsync/services/progress"
	"github.com/dselans/songsync/services/reconcile"
	"github.com/dselans/songsync/services/stats"
)

type albumProvider struct{}

func (albumProvider) Name() string { return "albums" }

func (albumProvider) Fields() []string { return []string{reconcile.FieldAlbum} }

func (albumProvider) Fetch(_ context.Context, _ *reconcile.Song) (*enrich.Proposal, error) {
	return &enrich.Proposal{Values: map[string]string{reconcile.FieldAlbum: "25"}}, nil
}

type brokenCheck struct{}

func (brokenCheck) Status() (interface{}, error) {
	return nil, errors.New("store is gone")
}

var _ = Describe("API", func() {
	var (
		dir    string
		d      *deps.Dependencies
		a      *API
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		var err error

		dir, err = os.MkdirTemp("", "api-test")
		Expect(err).ToNot(HaveOccurred())

		store, err := db.New(&db.Options{
			Driver: db.DriverSQLite,
			Path:   filepath.Join(dir, "songs.db"),
			Log:    &clog.CustomLogNoop{},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(store.Migrate(context.Background())).To(Succeed())

		_, err = store.Seed(context.Background(), []db.SongRow{{ID: "abc", Title: "Hello", Artist: "Adele"}})
		Expect(err).ToNot(HaveOccurred())

		reg := prometheus.NewRegistry()
		metrics, err := stats.NewMetrics(reg)
		Expect(err).ToNot(HaveOccurred())

		runner, err := enrich.New(&enrich.Options{
			Store:   store,
			Metrics: metrics,
			Trackers: func(job string) (progress.ITracker, error) {
				return progress.NewFileTracker(progress.FilePath(dir, job), &clog.CustomLogNoop{})
			},
			Log: &clog.CustomLogNoop{},
		})
		Expect(err).ToNot(HaveOccurred())

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())

		d = &deps.Dependencies{
			DB:           store,
			PromRegistry: reg,
			Metrics:      metrics,
			Runner:       runner,
			Health:       health.New(),
			ShutdownCtx:  ctx,
			Log:          &clog.CustomLogNoop{},
		}

		a, err = New(&config.Config{EnvName: "test"}, d, "1.2.3")
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		cancel()
		d.DB.Close()
		os.RemoveAll(dir)
	})

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		a.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

		return rec
	}

	It("requires config and deps", func() {
		_, err := New(nil, d, "1")
		Expect(err).To(HaveOccurred())

		_, err = New(&config.Config{}, nil, "1")
		Expect(err).To(HaveOccurred())
	})

	It("reports the version", func() {
		rec := get("/version")
		Expect(rec.Code).To(Equal(http.StatusOK))

		resp := &ResponseJSON{}
		Expect(json.Unmarshal(rec.Body.Bytes(), resp)).To(Succeed())
		Expect(resp.Values).To(HaveKeyWithValue("version", "1.2.3"))
		Expect(resp.Values).To(HaveKeyWithValue("env", "test"))
	})

	It("returns 404 for stats and progress before any job ran", func() {
		Expect(get("/api/stats").Code).To(Equal(http.StatusNotFound))
		Expect(get("/api/progress").Code).To(Equal(http.StatusNotFound))
	})

	It("serves the statistics and progress of the last job", func() {
		_, err := d.Runner.RunProvider(context.Background(), albumProvider{}, enrich.Flags{BatchSize: 10})
		Expect(err).ToNot(HaveOccurred())

		rec := get("/api/stats")
		Expect(rec.Code).To(Equal(http.StatusOK))

		snapshot := &stats.Snapshot{}
		Expect(json.Unmarshal(rec.Body.Bytes(), snapshot)).To(Succeed())
		Expect(snapshot.Job).To(Equal("albums"))
		Expect(snapshot.Counts).To(HaveKeyWithValue(string(stats.SongsUpdated), int64(1)))

		rec = get("/api/progress")
		Expect(rec.Code).To(Equal(http.StatusOK))

		record := &progress.Record{}
		Expect(json.Unmarshal(rec.Body.Bytes(), record)).To(Succeed())
		Expect(record.LastProcessed).To(Equal("abc"))
		Expect(record.ProcessedIDs).To(ConsistOf("abc"))
	})

	It("exposes prometheus metrics", func() {
		_, err := d.Runner.RunProvider(context.Background(), albumProvider{}, enrich.Flags{BatchSize: 10})
		Expect(err).ToNot(HaveOccurred())

		rec := get("/metrics")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("songsync_"))
	})

	It("answers CORS preflight requests", func() {
		rec := httptest.NewRecorder()
		a.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/stats", nil))

		Expect(rec.Code).To(Equal(http.StatusNoContent))
		Expect(rec.Header().Get("Access-Control-Allow-Origin")).To(Equal("*"))
	})

	Context("health-check", func() {
		It("is healthy when no check failed", func() {
			Expect(get("/health-check").Code).To(Equal(http.StatusOK))
		})

		It("returns 503 once a fatal check fails", func() {
			Expect(d.Health.AddChecks([]*health.Config{
				{Name: "store", Checker: brokenCheck{}, Interval: 10 * time.Millisecond, Fatal: true},
			})).To(Succeed())
			Expect(d.Health.Start()).To(Succeed())
			defer d.Health.Stop()

			Eventually(func() int {
				return get("/health-check").Code
			}).Should(Equal(http.StatusServiceUnavailable))
		})
	})
})
