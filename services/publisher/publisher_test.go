package publisher

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dselans/songsync/backends/db"
	"github.com/dselans/songsync/clog"
)

type published struct {
	routingKey string
	payload    []byte
}

type fakeBackend struct {
	mtx      sync.Mutex
	messages []published
	fail     bool
}

func (f *fakeBackend) Publish(_ context.Context, routingKey string, payload []byte, _ ...amqp.Table) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	if f.fail {
		return errors.New("connection closed")
	}

	f.messages = append(f.messages, published{routingKey: routingKey, payload: payload})

	return nil
}

func (f *fakeBackend) count() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	return len(f.messages)
}

var _ = Describe("Publisher", func() {
	var (
		backend  *fakeBackend
		p        *Publisher
		cancel   context.CancelFunc
		shutdown chan struct{}
		log      *clog.TestLogger
	)

	BeforeEach(func() {
		var (
			ctx context.Context
			err error
		)

		ctx, cancel = context.WithCancel(context.Background())
		shutdown = make(chan struct{}, 1)
		backend = &fakeBackend{}
		log = &clog.TestLogger{}

		p, err = New(&Options{
			RabbitBackend:          backend,
			NumWorkers:             2,
			StartupWait:            10 * time.Millisecond,
			ExternalShutdownCtx:    ctx,
			ExternalShutdownDoneCh: shutdown,
			Log:                    log,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(p.Start()).To(Succeed())
	})

	AfterEach(func() {
		cancel()
		Eventually(shutdown).Should(Receive())
	})

	It("validates options", func() {
		_, err := New(&Options{Log: log})
		Expect(err).To(HaveOccurred())
	})

	It("publishes one song.enriched event per committed update", func() {
		p.OnCommit(context.Background(), "csv", []db.Update{
			{ID: "abc", Fields: map[string]string{"album": "25"}},
			{ID: "def", Fields: map[string]string{"bpm": "120"}},
		})

		waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
		defer waitCancel()

		Expect(p.Wait(waitCtx)).To(Succeed())
		Expect(backend.count()).To(Equal(2))

		backend.mtx.Lock()
		msg := backend.messages[0]
		backend.mtx.Unlock()

		Expect(msg.routingKey).To(Equal(SongEnrichedRoutingKey))

		event := &structpb.Struct{}
		Expect(protojson.Unmarshal(msg.payload, event)).To(Succeed())

		m := event.AsMap()
		Expect(m["type"]).To(Equal("song.enriched"))
		Expect(m["source"]).To(Equal("songsync"))

		data, ok := m["data"].(map[string]interface{})
		Expect(ok).To(BeTrue())
		Expect(data["job"]).To(Equal("csv"))
		Expect([]interface{}{"abc", "def"}).To(ContainElement(data["song_id"]))
	})

	It("logs backend failures without failing the caller", func() {
		backend.mtx.Lock()
		backend.fail = true
		backend.mtx.Unlock()

		p.OnCommit(context.Background(), "bpm", []db.Update{{ID: "abc", Fields: map[string]string{"bpm": "120"}}})

		waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
		defer waitCancel()

		Expect(p.Wait(waitCtx)).To(Succeed())
		Expect(backend.count()).To(Equal(0))
	})

	It("refuses empty updates", func() {
		err := p.PublishSongEnriched(context.Background(), "csv", db.Update{})
		Expect(err).To(HaveOccurred())
	})

	It("builds events with the update fields", func() {
		event, err := NewSongEnrichedEvent("albums", db.Update{ID: "x", Fields: map[string]string{"album": "25"}})
		Expect(err).ToNot(HaveOccurred())

		data := event.AsMap()["data"].(map[string]interface{})
		Expect(data["fields"]).To(Equal(map[string]interface{}{"album": "25"}))
		Expect(event.AsMap()["subject"]).To(Equal("x"))
	})
})
