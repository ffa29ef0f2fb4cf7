package songbpm

import (
	"context"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo"
	"github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/dselans/songsync/clog"
)

var _ = Describe("SongBPM", func() {
	var (
		server *httptest.Server
		client *SongBPM
	)

	BeforeEach(func() {
		mux := http.NewServeMux()

		mux.HandleFunc("/search/", func(rw http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()

			if q.Get("api_key") != "key" {
				rw.WriteHeader(http.StatusUnauthorized)
				return
			}

			if q.Get("lookup") != "song:Hello artist:Adele" {
				rw.Write([]byte(`{"search":{"error":"no result"}}`))
				return
			}

			rw.Write([]byte(`{"search":[
				{"id":"x1","title":"Hello","artist":{"name":"Lionel Richie"}},
				{"id":"x2","title":"Hello","artist":{"name":"Adele"}}]}`))
		})

		mux.HandleFunc("/song/", func(rw http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("id") != "x2" {
				rw.Write([]byte(`{"song":{"id":"x1","tempo":""}}`))
				return
			}

			rw.Write([]byte(`{"song":{"id":"x2","title":"Hello","tempo":"78.6"}}`))
		})

		server = httptest.NewServer(mux)

		var err error

		client, err = New(&Options{
			APIKey: "key",
			APIURL: server.URL,
			Log:    &clog.TestLogger{},
		})
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		server.Close()
	})

	It("requires an api key", func() {
		_, err := New(&Options{Log: &clog.TestLogger{}})
		Expect(err).To(HaveOccurred())
	})

	It("returns the tempo of the hit whose artist matches", func() {
		tempo, err := client.Tempo(context.Background(), "Hello", "Adele")
		Expect(err).ToNot(HaveOccurred())
		Expect(tempo).To(Equal("79"))
	})

	It("reports songs without results as not found", func() {
		_, err := client.Tempo(context.Background(), "Nothing", "Nobody")
		Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
	})

	table.DescribeTable("NormalizeTempo",
		func(in, out string, ok bool) {
			got, err := NormalizeTempo(in)
			if !ok {
				Expect(err).To(HaveOccurred())
				return
			}

			Expect(err).ToNot(HaveOccurred())
			Expect(got).To(Equal(out))
		},
		table.Entry("integer", "120", "120", true),
		table.Entry("rounds up", "117.5", "118", true),
		table.Entry("rounds down", "90.2", "90", true),
		table.Entry("empty", "", "", false),
		table.Entry("zero", "0", "", false),
	)
})
