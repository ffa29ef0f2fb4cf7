package progress

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dselans/songsync/backends/state"
	"github.com/dselans/songsync/clog"
)

const (
	redisPrefix = "progress"
	idsKey      = "ids"
	lastKey     = "last"
)

// RedisTracker keeps progress in redis: a set of processed ids and the last
// processed id, under "<prefix>:progress:<job>:".
type RedisTracker struct {
	filterer

	job   string
	state state.IState
	log   clog.ICustomLog
}

func NewRedisTracker(job string, st state.IState, log clog.ICustomLog) (*RedisTracker, error) {
	if !state.ValidPrefixRegex.MatchString(job) {
		return nil, errors.Errorf("invalid job name '%s'", job)
	}

	if st == nil {
		return nil, errors.New("state cannot be nil")
	}

	if log == nil {
		return nil, errors.New("log cannot be nil")
	}

	return &RedisTracker{
		job:   job,
		state: st,
		log:   log.With(zap.String("pkg", "progress"), zap.String("job", job)),
	}, nil
}

func (r *RedisTracker) Load(ctx context.Context) (*Record, error) {
	ids, err := r.state.Members(ctx, idsKey, redisPrefix, r.job)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load processed ids")
	}

	last, err := r.state.Get(ctx, lastKey, redisPrefix, r.job)
	if err != nil && !errors.Is(err, state.ErrDoesNotExist) {
		return nil, errors.Wrap(err, "unable to load last processed id")
	}

	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	return &Record{
		LastProcessed: last,
		ProcessedIDs:  sortedKeys(set),
	}, nil
}

func (r *RedisTracker) Save(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}

	if err := r.state.AddMembers(ctx, idsKey, []string{id}, redisPrefix, r.job); err != nil {
		return errors.Wrap(err, "unable to save processed id")
	}

	if err := r.state.Set(ctx, lastKey, id, redisPrefix, r.job); err != nil {
		return errors.Wrap(err, "unable to save last processed id")
	}

	return nil
}
