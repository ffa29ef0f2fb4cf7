package reconcile

import (
	"github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = ginkgo.Describe("ComputeMerge", func() {
	var song *Song

	ginkgo.BeforeEach(func() {
		song = NewSong("abc", "Hello", "Adele")
		song.Set(FieldAlbum, "")
		song.Set(FieldGenres, "soul")
	})

	ginkgo.It("fills empty fields only", func() {
		merge := ComputeMerge(song, map[string]string{
			FieldAlbum:  "25",
			FieldGenres: "pop",
		})

		Expect(merge).To(Equal(map[string]string{FieldAlbum: "25"}))
	})

	ginkgo.It("never includes a populated field", func() {
		for _, proposed := range []string{"pop", "soul", "SOUL", "x"} {
			merge := ComputeMerge(song, map[string]string{FieldGenres: proposed})
			Expect(merge).ToNot(HaveKey(FieldGenres))
		}

		Expect(ComputeMerge(song, map[string]string{FieldTitle: "Other"})).To(BeEmpty())
	})

	ginkgo.It("skips empty proposals", func() {
		Expect(ComputeMerge(song, map[string]string{FieldAlbum: ""})).To(BeEmpty())
	})

	ginkgo.It("is idempotent once applied", func() {
		proposed := map[string]string{FieldAlbum: "25", FieldReleaseYear: "2015"}

		first := ComputeMerge(song, proposed)
		Expect(first).To(HaveLen(2))

		Apply(song, first)

		Expect(ComputeMerge(song, proposed)).To(BeEmpty())
	})
})

var _ = ginkgo.Describe("ClassifyIdentity", func() {
	var song *Song

	ginkgo.BeforeEach(func() {
		song = NewSong("abc", "Blinding Lights", "The Weeknd")
	})

	ginkgo.It("accepts identical identity fields", func() {
		id := ClassifyIdentity(song, map[string]string{FieldTitle: "blinding lights", FieldArtist: "The Weeknd"}, ToleranceApproximate)
		Expect(id.Kind).To(Equal(IdentityExact))
	})

	ginkgo.It("accepts approximate identity fields within tolerance", func() {
		id := ClassifyIdentity(song, map[string]string{FieldTitle: "Blinding Lights - Remix", FieldArtist: "The Weeknd"}, ToleranceApproximate)
		Expect(id.Kind).To(Equal(IdentityApproximate))
	})

	ginkgo.It("rejects approximate identity fields under exact tolerance", func() {
		id := ClassifyIdentity(song, map[string]string{FieldTitle: "Blinding Lights - Remix"}, ToleranceExact)
		Expect(id.Kind).To(Equal(IdentityMismatch))
		Expect(id.Diffs).To(HaveLen(1))
		Expect(id.Diffs[0].Field).To(Equal(FieldTitle))
	})

	ginkgo.It("reports both values on mismatch", func() {
		id := ClassifyIdentity(song, map[string]string{FieldTitle: "Blinding Lights", FieldArtist: "Dua Lipa"}, ToleranceApproximate)
		Expect(id).To(Equal(Identity{
			Kind:  IdentityMismatch,
			Diffs: []Diff{{Field: FieldArtist, Canonical: "The Weeknd", Asserted: "Dua Lipa"}},
		}))
	})

	ginkgo.It("reports every disagreeing field", func() {
		id := ClassifyIdentity(song, map[string]string{FieldTitle: "Levitating", FieldArtist: "Dua Lipa"}, ToleranceApproximate)
		Expect(id.Kind).To(Equal(IdentityMismatch))
		Expect(id.Diffs).To(Equal([]Diff{
			{Field: FieldTitle, Canonical: "Blinding Lights", Asserted: "Levitating"},
			{Field: FieldArtist, Canonical: "The Weeknd", Asserted: "Dua Lipa"},
		}))
	})
})
