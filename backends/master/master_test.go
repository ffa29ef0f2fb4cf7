package master

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/dselans/songsync/clog"
)

var _ = Describe("Master", func() {
	var (
		dir string
		m   *Master
	)

	BeforeEach(func() {
		var err error

		dir, err = os.MkdirTemp("", "master-test")
		Expect(err).ToNot(HaveOccurred())

		path := filepath.Join(dir, "songs_master.db")

		conn, err := sql.Open("sqlite", path)
		Expect(err).ToNot(HaveOccurred())

		_, err = conn.Exec(`CREATE TABLE songs_master_table (track_id TEXT, track_name TEXT,
			artists TEXT, danceability REAL, energy REAL, valence REAL, tempo REAL)`)
		Expect(err).ToNot(HaveOccurred())

		_, err = conn.Exec(`INSERT INTO songs_master_table VALUES
			('t1', 'Hello', 'Adele', 0.48, 0.43, 0.29, 157.98),
			('t2', 'Hello', 'Lionel Richie', 0.9, 0.9, 0.9, 100),
			('t3', 'Skyfall', 'Adele', NULL, 0.5, NULL, NULL)`)
		Expect(err).ToNot(HaveOccurred())
		Expect(conn.Close()).To(Succeed())

		m, err = New(&Options{Path: path, Log: &clog.TestLogger{}})
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		m.Close()
		os.RemoveAll(dir)
	})

	It("rejects unsafe table names", func() {
		_, err := New(&Options{Path: "x.db", Table: "songs; DROP", Log: &clog.TestLogger{}})
		Expect(err).To(HaveOccurred())
	})

	It("returns features of the first exact track name match", func() {
		f, err := m.Lookup(context.Background(), "Hello")
		Expect(err).ToNot(HaveOccurred())
		Expect(f.Danceability).To(Equal("0.48"))
		Expect(f.Energy).To(Equal("0.43"))
		Expect(f.Valence).To(Equal("0.29"))
	})

	It("returns NULL features as empty strings", func() {
		f, err := m.Lookup(context.Background(), "Skyfall")
		Expect(err).ToNot(HaveOccurred())
		Expect(f.Danceability).To(BeEmpty())
		Expect(f.Energy).To(Equal("0.5"))
	})

	It("is exact about track names", func() {
		_, err := m.Lookup(context.Background(), "hello")
		Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
	})
})
