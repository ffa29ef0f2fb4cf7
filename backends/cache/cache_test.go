package cache

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Cache", func() {
	var c *Cache

	BeforeEach(func() {
		var err error
		c, err = New(time.Hour)
		Expect(err).ToNot(HaveOccurred())
	})

	It("builds normalized keys", func() {
		Expect(Key(DeezerSearchPrefix, " Hello ", "ADELE")).To(Equal("deezer:search:hello|adele"))
	})

	It("refuses to add an existing key", func() {
		Expect(c.Add("k", 1)).To(Succeed())
		Expect(c.Add("k", 2)).To(HaveOccurred())

		v, ok := c.Get("k")
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal(1))
	})

	It("overwrites with Set and removes entries", func() {
		c.Set("k", 1)
		c.Set("k", 2)
		Expect(c.Contains("k")).To(BeTrue())

		Expect(c.Remove("k")).To(BeTrue())
		Expect(c.Remove("k")).To(BeFalse())
		Expect(c.Contains("k")).To(BeFalse())
	})

	It("expires entries with a per-call ttl", func() {
		c.Set("k", 1, time.Millisecond)
		Eventually(func() bool { return c.Contains("k") }).Should(BeFalse())
	})
})
