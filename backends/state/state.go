// Package state keeps job state (processed ids, last processed id) in redis
// and hands out the single-writer job lock.
//
// Every key is automatically prefixed with the configured prefix.
package state

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/bsm/redislock"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dselans/songsync/clog"
)

var (
	ErrDoesNotExist  = errors.New("key does not exist")
	ValidPrefixRegex = regexp.MustCompile("^[a-z0-9_:-]+$")
)

// IState is the redis-backed job state. Every method takes optional extra
// prefixes that are appended to the configured one (ie. "progress", "csv").
type IState interface {
	// Get returns ErrDoesNotExist for absent keys.
	Get(ctx context.Context, key string, prefix ...string) (string, error)

	Set(ctx context.Context, key, value string, prefix ...string) error

	// AddMembers adds values to the set stored at key.
	AddMembers(ctx context.Context, key string, values []string, prefix ...string) error

	// Members returns every value of the set stored at key; an absent key is
	// an empty set.
	Members(ctx context.Context, key string, prefix ...string) ([]string, error)

	Ping(ctx context.Context) error

	// Obtain takes the lock "<prefix>:lock:<key>". The caller refreshes and
	// releases it.
	Obtain(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (*redislock.Lock, error)
}

type State struct {
	opts *Options
	log  clog.ICustomLog
}

type Options struct {
	Prefix      string
	Log         clog.ICustomLog
	RedisClient *redis.Client
	RedisLock   *redislock.Client
}

func New(opts *Options) (*State, error) {
	if err := validateOptions(opts); err != nil {
		return nil, errors.Wrap(err, "failed to validate options")
	}

	return &State{
		opts: opts,
		log:  opts.Log.With(zap.String("pkg", "state")),
	}, nil
}

func validateOptions(opts *Options) error {
	if opts == nil {
		return errors.New("options are required")
	}

	if opts.Prefix == "" {
		return errors.New("prefix is required")
	}

	if opts.Log == nil {
		return errors.New("Log is required")
	}

	if opts.RedisClient == nil {
		return errors.New("RedisClient is required")
	}

	if opts.RedisLock == nil {
		return errors.New("RedisLock is required")
	}

	if !ValidPrefixRegex.MatchString(opts.Prefix) {
		return fmt.Errorf("prefix must match '%s' regex", ValidPrefixRegex)
	}

	return nil
}

func (s *State) Get(ctx context.Context, key string, prefix ...string) (string, error) {
	key, err := s.buildKey(key, prefix)
	if err != nil {
		return "", errors.Wrap(err, "unable to build key")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	data, err := s.opts.RedisClient.Get(ctx, key).Result()
	if err != nil {
		// Redis returns nil if key doesn't exist
		if err == redis.Nil {
			return "", ErrDoesNotExist
		}

		return "", errors.Wrap(err, "unable to get key")
	}

	return data, nil
}

func (s *State) Set(ctx context.Context, key, value string, prefix ...string) error {
	key, err := s.buildKey(key, prefix)
	if err != nil {
		return errors.Wrap(err, "unable to build key")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.opts.RedisClient.Set(ctx, key, value, 0).Err(); err != nil {
		return errors.Wrap(err, "unable to set key")
	}

	return nil
}

func (s *State) Obtain(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (*redislock.Lock, error) {
	key, err := s.buildKey(key, []string{"lock"})
	if err != nil {
		return nil, errors.Wrap(err, "unable to build key")
	}

	return s.opts.RedisLock.Obtain(ctx, key, ttl, opt)
}

func (s *State) AddMembers(ctx context.Context, key string, values []string, prefix ...string) error {
	if len(values) == 0 {
		return nil
	}

	key, err := s.buildKey(key, prefix)
	if err != nil {
		return errors.Wrap(err, "unable to build key")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	members := make([]interface{}, 0, len(values))
	for _, v := range values {
		members = append(members, v)
	}

	if err := s.opts.RedisClient.SAdd(ctx, key, members...).Err(); err != nil {
		return errors.Wrap(err, "unable to add set members")
	}

	return nil
}

func (s *State) Members(ctx context.Context, key string, prefix ...string) ([]string, error) {
	key, err := s.buildKey(key, prefix)
	if err != nil {
		return nil, errors.Wrap(err, "unable to build key")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	members, err := s.opts.RedisClient.SMembers(ctx, key).Result()
	if err != nil {
		return nil, errors.Wrap(err, "unable to get set members")
	}

	return members, nil
}

// Ping checks that redis is reachable; used by the health checker.
func (s *State) Ping(ctx context.Context) error {
	return s.opts.RedisClient.Ping(ctx).Err()
}

func (s *State) buildKey(inputKey string, inputPrefix []string) (string, error) {
	prefix := s.opts.Prefix

	// If we have additional prefixes, append them to the pre-configured prefix
	if len(inputPrefix) > 0 {
		for _, p := range inputPrefix {
			if !ValidPrefixRegex.MatchString(p) {
				return "", fmt.Errorf("invalid additional prefix '%s'", p)
			}

			prefix = prefix + ":" + p
		}
	}

	return prefix + ":" + inputKey, nil
}
