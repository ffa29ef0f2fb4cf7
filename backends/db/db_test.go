package db

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/dselans/songsync/clog"
)

func newTestDB() (*DB, string) {
	dir, err := os.MkdirTemp("", "songsync-db-")
	Expect(err).ToNot(HaveOccurred())

	d, err := New(&Options{
		Driver: DriverSQLite,
		Path:   filepath.Join(dir, "songs.db"),
		Log:    &clog.CustomLogNoop{},
	})
	Expect(err).ToNot(HaveOccurred())

	Expect(d.Migrate(context.Background())).To(Succeed())

	return d, dir
}

var _ = Describe("DB", func() {
	var (
		d   *DB
		dir string
		ctx context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		d, dir = newTestDB()
	})

	AfterEach(func() {
		d.Close()
		os.RemoveAll(dir)
	})

	Context("New", func() {
		It("rejects unknown drivers", func() {
			_, err := New(&Options{Driver: "mysql", Log: &clog.CustomLogNoop{}})
			Expect(err).To(HaveOccurred())
		})

		It("requires host for postgres", func() {
			_, err := New(&Options{Driver: DriverPostgres, User: "u", DBName: "n", Log: &clog.CustomLogNoop{}})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("host"))
		})
	})

	Context("rebind", func() {
		It("leaves sqlite queries untouched", func() {
			Expect(d.rebind("a = ? AND b = ?")).To(Equal("a = ? AND b = ?"))
		})

		It("numbers placeholders for postgres", func() {
			pg := &DB{opts: &Options{Driver: DriverPostgres}}
			Expect(pg.rebind("a = ? AND b = ?")).To(Equal("a = $1 AND b = $2"))
		})
	})

	Context("Migrate", func() {
		It("is idempotent", func() {
			Expect(d.Migrate(ctx)).To(Succeed())

			applied, err := d.getAppliedMigrations(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(applied).To(HaveKey("001_songs"))
			Expect(applied).To(HaveKey("002_charts_weather"))
			Expect(applied).To(HaveKey("003_songs_master"))
		})
	})

	Context("EnsureColumns", func() {
		It("adds missing enrichment columns once", func() {
			added, err := d.EnsureColumns(ctx, EnrichmentColumns)
			Expect(err).ToNot(HaveOccurred())
			Expect(added).To(ConsistOf("release_year", "genres", "preview_available"))

			added, err = d.EnsureColumns(ctx, EnrichmentColumns)
			Expect(err).ToNot(HaveOccurred())
			Expect(added).To(BeEmpty())

			cols, err := d.Columns(ctx, SongsTable)
			Expect(err).ToNot(HaveOccurred())
			Expect(cols).To(ContainElements("spotify_id", "title", "artist", "album", "genres"))
		})

		It("refuses unsafe column names", func() {
			_, err := d.EnsureColumns(ctx, []Column{{Name: "x; DROP TABLE songs", Type: "TEXT"}})
			Expect(err).To(HaveOccurred())
		})
	})

	Context("songs", func() {
		BeforeEach(func() {
			_, err := d.EnsureColumns(ctx, EnrichmentColumns)
			Expect(err).ToNot(HaveOccurred())

			n, err := d.Seed(ctx, []SongRow{
				{ID: "abc", Title: "Hello", Artist: "Adele"},
				{ID: "def", Title: "Stay", Artist: "Rihanna"},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(2))
		})

		It("does not duplicate seeded songs", func() {
			n, err := d.Seed(ctx, []SongRow{{ID: "abc", Title: "Hello", Artist: "Adele"}})
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(0))
		})

		It("lists songs in insertion order", func() {
			songs, err := d.ListSongs(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(songs).To(Equal([]SongRow{
				{ID: "abc", Title: "Hello", Artist: "Adele"},
				{ID: "def", Title: "Stay", Artist: "Rihanna"},
			}))
		})

		It("returns empty strings for NULL fields", func() {
			fields, err := d.GetFields(ctx, "abc", []string{"album", "release_year"})
			Expect(err).ToNot(HaveOccurred())
			Expect(fields).To(Equal(map[string]string{"album": "", "release_year": ""}))
		})

		It("reports unknown songs", func() {
			_, err := d.GetFields(ctx, "nope", []string{"album"})
			Expect(err).To(MatchError(ContainSubstring(ErrSongNotFound.Error())))
		})

		It("only fills empty fields", func() {
			_, err := d.BulkUpdate(ctx, []Update{{ID: "abc", Fields: map[string]string{"album": "25"}}})
			Expect(err).ToNot(HaveOccurred())

			_, err = d.BulkUpdate(ctx, []Update{
				{ID: "abc", Fields: map[string]string{"album": "21", "genres": "pop"}},
				{ID: "def", Fields: map[string]string{"danceability": "0.5"}},
			})
			Expect(err).ToNot(HaveOccurred())

			fields, err := d.GetFields(ctx, "abc", []string{"album", "genres"})
			Expect(err).ToNot(HaveOccurred())
			Expect(fields).To(Equal(map[string]string{"album": "25", "genres": "pop"}))

			fields, err = d.GetFields(ctx, "def", []string{"danceability"})
			Expect(err).ToNot(HaveOccurred())
			Expect(fields["danceability"]).To(Equal("0.5"))
		})

		It("rolls back the whole batch on error", func() {
			_, err := d.BulkUpdate(ctx, []Update{
				{ID: "abc", Fields: map[string]string{"album": "25"}},
				{ID: "def", Fields: map[string]string{"no_such_column": "x"}},
			})
			Expect(err).To(HaveOccurred())

			fields, err := d.GetFields(ctx, "abc", []string{"album"})
			Expect(err).ToNot(HaveOccurred())
			Expect(fields["album"]).To(BeEmpty())
		})
	})
})
