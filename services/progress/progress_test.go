package progress

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bsm/redislock"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/dselans/songsync/backends/state"
	"github.com/dselans/songsync/clog"
)

// memState is an in-memory state.IState for tracker specs.
type memState struct {
	values map[string]string
	sets   map[string]map[string]struct{}
}

func newMemState() *memState {
	return &memState{
		values: make(map[string]string),
		sets:   make(map[string]map[string]struct{}),
	}
}

func key(k string, prefix []string) string {
	out := "test"
	for _, p := range prefix {
		out += ":" + p
	}

	return out + ":" + k
}

func (m *memState) Get(_ context.Context, k string, prefix ...string) (string, error) {
	v, ok := m.values[key(k, prefix)]
	if !ok {
		return "", state.ErrDoesNotExist
	}

	return v, nil
}

func (m *memState) Set(_ context.Context, k, v string, prefix ...string) error {
	m.values[key(k, prefix)] = v
	return nil
}

func (m *memState) AddMembers(_ context.Context, k string, values []string, prefix ...string) error {
	full := key(k, prefix)
	if m.sets[full] == nil {
		m.sets[full] = make(map[string]struct{})
	}

	for _, v := range values {
		m.sets[full][v] = struct{}{}
	}

	return nil
}

func (m *memState) Members(_ context.Context, k string, prefix ...string) ([]string, error) {
	out := make([]string, 0)
	for v := range m.sets[key(k, prefix)] {
		out = append(out, v)
	}

	sort.Strings(out)

	return out, nil
}

func (m *memState) Ping(_ context.Context) error { return nil }

func (m *memState) Obtain(_ context.Context, _ string, _ time.Duration, _ *redislock.Options) (*redislock.Lock, error) {
	return nil, redislock.ErrNotObtained
}

var _ = Describe("Filter", func() {
	It("drops processed ids", func() {
		rec := &Record{ProcessedIDs: []string{"id1", "id2"}}
		Expect(Filter([]string{"id1", "id2", "id3"}, rec, false)).To(Equal([]string{"id3"}))
	})

	It("keeps the queue order", func() {
		rec := &Record{ProcessedIDs: []string{"b"}}
		Expect(Filter([]string{"c", "b", "a"}, rec, false)).To(Equal([]string{"c", "a"}))
	})

	It("is bypassed by force", func() {
		rec := &Record{ProcessedIDs: []string{"id1", "id2"}}
		Expect(Filter([]string{"id1", "id2", "id3"}, rec, true)).To(Equal([]string{"id1", "id2", "id3"}))
	})

	It("handles an empty record", func() {
		Expect(Filter([]string{"id1"}, nil, false)).To(Equal([]string{"id1"}))
	})
})

var _ = Describe("FileTracker", func() {
	var (
		dir  string
		path string
		ctx  context.Context
	)

	BeforeEach(func() {
		var err error

		dir, err = os.MkdirTemp("", "songsync-progress-")
		Expect(err).ToNot(HaveOccurred())

		path = FilePath(dir, "deezer")
		ctx = context.Background()
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	It("names files after the job", func() {
		Expect(filepath.Base(path)).To(Equal("deezer_progress.json"))
	})

	It("starts empty when no file exists", func() {
		t, err := NewFileTracker(path, &clog.CustomLogNoop{})
		Expect(err).ToNot(HaveOccurred())

		rec, err := t.Load(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(rec.LastProcessed).To(BeEmpty())
		Expect(rec.ProcessedIDs).To(BeEmpty())
	})

	It("persists every save and survives a restart", func() {
		t, err := NewFileTracker(path, &clog.CustomLogNoop{})
		Expect(err).ToNot(HaveOccurred())

		Expect(t.Save(ctx, "id1")).To(Succeed())
		Expect(t.Save(ctx, "id2")).To(Succeed())
		Expect(t.Save(ctx, "id1")).To(Succeed())

		data, err := os.ReadFile(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(data)).To(MatchJSON(`{"last_processed":"id1","processed_ids":["id1","id2"]}`))

		restarted, err := NewFileTracker(path, &clog.CustomLogNoop{})
		Expect(err).ToNot(HaveOccurred())

		rec, err := restarted.Load(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(restarted.Filter([]string{"id1", "id2", "id3"}, rec, false)).To(Equal([]string{"id3"}))
	})

	It("leaves no temp files behind", func() {
		t, err := NewFileTracker(path, &clog.CustomLogNoop{})
		Expect(err).ToNot(HaveOccurred())
		Expect(t.Save(ctx, "id1")).To(Succeed())

		entries, err := os.ReadDir(dir)
		Expect(err).ToNot(HaveOccurred())
		Expect(entries).To(HaveLen(1))
	})

	It("refuses to overwrite a corrupt file", func() {
		Expect(os.WriteFile(path, []byte("{not json"), 0o644)).To(Succeed())

		t, err := NewFileTracker(path, &clog.CustomLogNoop{})
		Expect(err).ToNot(HaveOccurred())

		_, err = t.Load(ctx)
		Expect(err).To(HaveOccurred())
		Expect(t.Save(ctx, "id1")).ToNot(Succeed())

		data, err := os.ReadFile(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(data)).To(Equal("{not json"))
	})
})

var _ = Describe("RedisTracker", func() {
	var ctx = context.Background()

	It("rejects invalid job names", func() {
		_, err := NewRedisTracker("Bad Job", newMemState(), &clog.CustomLogNoop{})
		Expect(err).To(HaveOccurred())
	})

	It("saves and loads progress", func() {
		st := newMemState()

		t, err := NewRedisTracker("deezer", st, &clog.CustomLogNoop{})
		Expect(err).ToNot(HaveOccurred())

		rec, err := t.Load(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(rec.LastProcessed).To(BeEmpty())

		Expect(t.Save(ctx, "id2")).To(Succeed())
		Expect(t.Save(ctx, "id1")).To(Succeed())

		rec, err = t.Load(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(rec.LastProcessed).To(Equal("id1"))
		Expect(rec.ProcessedIDs).To(Equal([]string{"id1", "id2"}))
		Expect(st.sets).To(HaveKey("test:progress:deezer:ids"))

		Expect(t.Filter([]string{"id1", "id2", "id3"}, rec, false)).To(Equal([]string{"id3"}))
	})
})
