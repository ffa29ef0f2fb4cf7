package publisher

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dselans/songsync/backends/db"
	"github.com/dselans/songsync/validate"
)

const SongEnrichedRoutingKey = "song.enriched"

// NewSongEnrichedEvent builds the CloudEvents-style envelope for one
// committed update.
func NewSongEnrichedEvent(job string, u db.Update) (*structpb.Struct, error) {
	fields := make(map[string]interface{}, len(u.Fields))
	for k, v := range u.Fields {
		fields[k] = v
	}

	return structpb.NewStruct(map[string]interface{}{
		"id":              uuid.New().String(),
		"source":          CloudEventsSource,
		"type":            SongEnrichedRoutingKey,
		"specversion":     CloudEventsSpecVersion,
		"datacontenttype": CloudEventsDataContentType,
		"subject":         u.ID,
		"time":            time.Now().UTC().Format(time.RFC3339Nano),
		"data": map[string]interface{}{
			"job":     job,
			"song_id": u.ID,
			"fields":  fields,
		},
	})
}

func (p *Publisher) PublishSongEnriched(ctx context.Context, job string, u db.Update) error {
	if ctx == nil {
		return errors.New("context cannot be nil")
	}

	if u.ID == "" {
		return errors.New("update id cannot be empty")
	}

	event, err := NewSongEnrichedEvent(job, u)
	if err != nil {
		return errors.Wrap(err, "failed to build song.enriched event")
	}

	if err := validate.Event(event); err != nil {
		return errors.Wrap(err, "invalid song.enriched event")
	}

	data, err := protojson.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to marshal song.enriched event")
	}

	if err := p.Publish(ctx, data, SongEnrichedRoutingKey); err != nil {
		return errors.Wrap(err, "failed to publish song.enriched event")
	}

	return nil
}

// OnCommit publishes one event per committed update. Publish failures are
// logged; they never affect the run.
func (p *Publisher) OnCommit(ctx context.Context, job string, committed []db.Update) {
	for _, u := range committed {
		if err := p.PublishSongEnriched(ctx, job, u); err != nil {
			p.log.Error("Unable to publish song event",
				zap.String("method", "OnCommit"), zap.String("id", u.ID), zap.Error(err))
		}
	}
}
