package state

import (
	"github.com/bsm/redislock"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/dselans/songsync/clog"
)

var _ = Describe("State", func() {
	var opts *Options

	BeforeEach(func() {
		// Client is never dialed in these specs
		client := redis.NewClient(&redis.Options{Addr: "localhost:0"})

		opts = &Options{
			Prefix:      "songsync",
			Log:         &clog.CustomLogNoop{},
			RedisClient: client,
			RedisLock:   redislock.New(client),
		}
	})

	Context("validateOptions", func() {
		It("accepts complete options", func() {
			Expect(validateOptions(opts)).To(Succeed())
		})

		It("requires a prefix", func() {
			opts.Prefix = ""
			Expect(validateOptions(opts)).To(MatchError(ContainSubstring("prefix")))
		})

		It("rejects prefixes with invalid characters", func() {
			opts.Prefix = "Song Sync"
			Expect(validateOptions(opts)).To(HaveOccurred())
		})

		It("requires a redis client", func() {
			opts.RedisClient = nil
			Expect(validateOptions(opts)).To(HaveOccurred())
		})
	})

	Context("buildKey", func() {
		It("joins prefixes", func() {
			s, err := New(opts)
			Expect(err).ToNot(HaveOccurred())

			key, err := s.buildKey("ids", []string{"progress", "deezer"})
			Expect(err).ToNot(HaveOccurred())
			Expect(key).To(Equal("songsync:progress:deezer:ids"))
		})

		It("rejects invalid additional prefixes", func() {
			s, err := New(opts)
			Expect(err).ToNot(HaveOccurred())

			_, err = s.buildKey("ids", []string{"Bad Prefix"})
			Expect(err).To(HaveOccurred())
		})
	})
})
