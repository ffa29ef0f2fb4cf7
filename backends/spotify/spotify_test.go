package spotify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo"
	"github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/dselans/songsync/backends/cache"
	"github.com/dselans/songsync/clog"
)

var _ = Describe("Spotify", func() {
	var (
		server      *httptest.Server
		tokenCalls  int32
		trackCalls  int32
		artistFails bool
		client      *Spotify
	)

	BeforeEach(func() {
		atomic.StoreInt32(&tokenCalls, 0)
		atomic.StoreInt32(&trackCalls, 0)
		artistFails = false

		mux := http.NewServeMux()

		mux.HandleFunc("/token", func(rw http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&tokenCalls, 1)

			user, pass, ok := r.BasicAuth()
			if !ok || user != "id" || pass != "secret" || r.FormValue("grant_type") != "client_credentials" {
				rw.WriteHeader(http.StatusUnauthorized)
				return
			}

			rw.Write([]byte(`{"access_token":"abc","token_type":"Bearer","expires_in":3600}`))
		})

		mux.HandleFunc("/v1/tracks/", func(rw http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&trackCalls, 1)

			if r.Header.Get("Authorization") != "Bearer abc" {
				rw.WriteHeader(http.StatusUnauthorized)
				return
			}

			if r.URL.Path != "/v1/tracks/t1" {
				rw.WriteHeader(http.StatusNotFound)
				return
			}

			rw.Write([]byte(`{"id":"t1","name":"Hello","duration_ms":295000,
				"artists":[{"id":"a1","name":"Adele"}],
				"album":{"id":"al1","name":"25","release_date":"2015-11-20"}}`))
		})

		mux.HandleFunc("/v1/artists/a1", func(rw http.ResponseWriter, r *http.Request) {
			if artistFails {
				rw.WriteHeader(http.StatusInternalServerError)
				return
			}

			rw.Write([]byte(`{"id":"a1","name":"Adele","genres":["pop","soul"]}`))
		})

		server = httptest.NewServer(mux)

		c, err := cache.New(time.Minute)
		Expect(err).ToNot(HaveOccurred())

		client, err = New(&Options{
			ClientID:     "id",
			ClientSecret: "secret",
			TokenURL:     server.URL + "/token",
			APIURL:       server.URL + "/v1/",
			Cache:        c,
			Log:          &clog.TestLogger{},
		})
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		server.Close()
	})

	Context("New", func() {
		It("requires credentials", func() {
			_, err := New(&Options{ClientSecret: "s", Log: &clog.TestLogger{}})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("client id"))

			_, err = New(&Options{ClientID: "i", Log: &clog.TestLogger{}})
			Expect(err).To(HaveOccurred())
		})
	})

	Context("TrackInfo", func() {
		It("combines track, album and artist genres", func() {
			info, err := client.TrackInfo(context.Background(), "t1")
			Expect(err).ToNot(HaveOccurred())

			Expect(info.Title).To(Equal("Hello"))
			Expect(info.Artist).To(Equal("Adele"))
			Expect(info.Album).To(Equal("25"))
			Expect(info.ReleaseYear).To(Equal("2015"))
			Expect(info.DurationSec).To(Equal("295"))
			Expect(info.Genres).To(Equal([]string{"pop", "soul"}))
		})

		It("keeps the track when the artist lookup fails", func() {
			artistFails = true

			info, err := client.TrackInfo(context.Background(), "t1")
			Expect(err).ToNot(HaveOccurred())
			Expect(info.Album).To(Equal("25"))
			Expect(info.Genres).To(BeEmpty())
		})

		It("reports unknown tracks as not found", func() {
			_, err := client.TrackInfo(context.Background(), "missing")
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		})
	})

	It("reuses the token and caches tracks", func() {
		for i := 0; i < 3; i++ {
			_, err := client.Track(context.Background(), "t1")
			Expect(err).ToNot(HaveOccurred())
		}

		Expect(atomic.LoadInt32(&tokenCalls)).To(Equal(int32(1)))
		Expect(atomic.LoadInt32(&trackCalls)).To(Equal(int32(1)))
	})

	table.DescribeTable("ReleaseYear",
		func(date, year string) {
			Expect(ReleaseYear(date)).To(Equal(year))
		},
		table.Entry("full date", "2015-11-20", "2015"),
		table.Entry("month precision", "1999-03", "1999"),
		table.Entry("year only", "1971", "1971"),
		table.Entry("empty", "", ""),
	)
})
