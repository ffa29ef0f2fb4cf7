package reconcile

import (
	"io"
	"strings"

	"github.com/onsi/ginkgo"
	"github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
)

// scriptedPrompter answers questions from a fixed script and returns io.EOF
// once the script is exhausted.
type scriptedPrompter struct {
	answers []string
	asked   []string
	said    []string
}

func (s *scriptedPrompter) Ask(question string) (string, error) {
	s.asked = append(s.asked, question)

	if len(s.answers) == 0 {
		return "", io.EOF
	}

	a := s.answers[0]
	s.answers = s.answers[1:]

	return a, nil
}

func (s *scriptedPrompter) Say(msg string) {
	s.said = append(s.said, msg)
}

func (s *scriptedPrompter) saidContaining(substr string) int {
	n := 0

	for _, m := range s.said {
		if strings.Contains(m, substr) {
			n++
		}
	}

	return n
}

var csvFields = []string{"Rank", "Title", "Artist", "Album", "Year"}
var storeFields = []string{"song_id", "title", "artist", "album", "release_year"}

var _ = ginkgo.Describe("Elicit", func() {
	ginkgo.It("builds a mapping from names and indexes", func() {
		p := &scriptedPrompter{answers: []string{
			"Title", // title
			"3",     // artist
			"no",    // extra matches
			"add", "4", "album",
			"add", "Year", "5",
			"done",
		}}

		m, err := Elicit(csvFields, storeFields, p)
		Expect(err).ToNot(HaveOccurred())
		Expect(m).To(Equal(FieldMapping{
			Match: []Pair{
				{External: "Title", Canonical: FieldTitle},
				{External: "Artist", Canonical: FieldArtist},
			},
			Update: []Pair{
				{External: "Album", Canonical: FieldAlbum},
				{External: "Year", Canonical: FieldReleaseYear},
			},
		}))
	})

	table.DescribeTable("rejects out-of-range indexes and re-prompts",
		func(n int, bad string) {
			fields := []string{"One", "Two", "Three", "Four", "Five"}[:n]

			p := &scriptedPrompter{answers: []string{bad, "1", "skip", "no", "done"}}

			m, err := Elicit(fields, storeFields, p)
			Expect(err).ToNot(HaveOccurred())
			Expect(m.Match).To(Equal([]Pair{{External: "One", Canonical: FieldTitle}}))
			Expect(p.saidContaining("Invalid number")).To(Equal(1))
		},
		table.Entry("0 with one field", 1, "0"),
		table.Entry("N+1 with one field", 1, "2"),
		table.Entry("0 with five fields", 5, "0"),
		table.Entry("N+1 with five fields", 5, "6"),
	)

	ginkgo.It("rejects unknown field names", func() {
		p := &scriptedPrompter{answers: []string{"Nope", "Title", "skip", "no", "done"}}

		m, err := Elicit(csvFields, storeFields, p)
		Expect(err).ToNot(HaveOccurred())
		Expect(m.Match).To(HaveLen(1))
		Expect(p.saidContaining("not found")).To(Equal(1))
	})

	ginkgo.It("restarts at the title step when no match field was chosen", func() {
		p := &scriptedPrompter{answers: []string{"skip", "skip", "Title", "skip", "no", "skip"}}

		e, err := NewElicitor(csvFields, storeFields, p)
		Expect(err).ToNot(HaveOccurred())

		Expect(e.Step()).To(Succeed())
		Expect(e.State()).To(Equal(AwaitingArtistField))

		Expect(e.Step()).To(Succeed())
		Expect(e.State()).To(Equal(AwaitingTitleField))

		for e.State() != Done {
			Expect(e.Step()).To(Succeed())
		}

		Expect(e.Mapping().Match).To(Equal([]Pair{{External: "Title", Canonical: FieldTitle}}))
		Expect(e.Mapping().Update).To(BeEmpty())
	})

	ginkgo.It("adds extra match fields", func() {
		p := &scriptedPrompter{answers: []string{"Title", "Artist", "yes", "Album", "album", "no", "done"}}

		m, err := Elicit(csvFields, storeFields, p)
		Expect(err).ToNot(HaveOccurred())
		Expect(m.Match).To(ContainElement(Pair{External: "Album", Canonical: FieldAlbum}))
	})

	ginkgo.It("refuses to update a field used for matching", func() {
		p := &scriptedPrompter{answers: []string{"Title", "Artist", "no", "add", "Title", "done"}}

		m, err := Elicit(csvFields, storeFields, p)
		Expect(err).ToNot(HaveOccurred())
		Expect(m.Update).To(BeEmpty())
		Expect(p.saidContaining("already used for matching")).To(Equal(1))
	})

	ginkgo.It("removes update fields by index and cancels with 0", func() {
		p := &scriptedPrompter{answers: []string{
			"Title", "Artist", "no",
			"add", "Album", "album",
			"add", "Year", "release_year",
			"remove", "0",
			"remove", "9",
			"remove", "1",
			"done",
		}}

		m, err := Elicit(csvFields, storeFields, p)
		Expect(err).ToNot(HaveOccurred())
		Expect(m.Update).To(Equal([]Pair{{External: "Year", Canonical: FieldReleaseYear}}))
		Expect(p.saidContaining("Invalid selection")).To(Equal(1))
	})

	ginkgo.It("aborts when input ends", func() {
		p := &scriptedPrompter{answers: []string{"Title"}}

		_, err := Elicit(csvFields, storeFields, p)
		Expect(err).To(MatchError(ErrOperatorAbort))
	})

	ginkgo.It("reads answers from a console", func() {
		out := &strings.Builder{}
		p := NewConsolePrompter(strings.NewReader("Title\nArtist\nno\ndone"), out)

		m, err := Elicit(csvFields, storeFields, p)
		Expect(err).ToNot(HaveOccurred())
		Expect(m.Match).To(HaveLen(2))
		Expect(out.String()).To(ContainSubstring("1. Rank"))
	})
})
