// Package cache is the in-process cache for provider responses. Jobs that
// query the same artist or search term for many songs hit the provider once.
package cache

import (
	"strings"
	"time"

	gcache "github.com/patrickmn/go-cache"
)

const (
	SpotifyTrackPrefix  = "spotify:track"
	SpotifyArtistPrefix = "spotify:artist"
	DeezerSearchPrefix  = "deezer:search"
	SongBPMSearchPrefix = "songbpm:search"
	MasterTrackPrefix   = "master:track"

	DefaultCleanupInterval = time.Minute
)

type ICache interface {
	Add(key string, value interface{}, exp ...time.Duration) error
	Set(key string, value interface{}, exp ...time.Duration)
	Get(key string) (value interface{}, ok bool)
	Contains(key string) (exists bool)
	Remove(key string) bool
}

type Cache struct {
	*gcache.Cache
}

// New returns a cache whose entries expire after ttl unless a call overrides
// it; a zero ttl never expires.
func New(ttl time.Duration) (*Cache, error) {
	if ttl <= 0 {
		ttl = gcache.NoExpiration
	}

	return &Cache{
		Cache: gcache.New(ttl, DefaultCleanupInterval),
	}, nil
}

// Key joins a prefix and lower-cased parts, ie. Key(DeezerSearchPrefix,
// "hello", "adele") is "deezer:search:hello|adele".
func Key(prefix string, parts ...string) string {
	lowered := make([]string, 0, len(parts))
	for _, p := range parts {
		lowered = append(lowered, strings.ToLower(strings.TrimSpace(p)))
	}

	return prefix + ":" + strings.Join(lowered, "|")
}

// Add errors if key already exists; accepts an optional expiration time.
func (c *Cache) Add(key string, value interface{}, exp ...time.Duration) error {
	if len(exp) > 0 {
		return c.Cache.Add(key, value, exp[0])
	}

	return c.Cache.Add(key, value, gcache.DefaultExpiration)
}

// Set adds or overwrites key; accepts an optional expiration time.
func (c *Cache) Set(key string, value interface{}, exp ...time.Duration) {
	if len(exp) > 0 {
		c.Cache.Set(key, value, exp[0])
		return
	}

	c.Cache.Set(key, value, gcache.DefaultExpiration)
}

func (c *Cache) Get(key string) (interface{}, bool) {
	return c.Cache.Get(key)
}

func (c *Cache) Contains(key string) bool {
	_, ok := c.Cache.Get(key)
	return ok
}

func (c *Cache) Remove(key string) bool {
	_, ok := c.Cache.Get(key)
	if !ok {
		return false
	}

	c.Cache.Delete(key)

	return true
}
