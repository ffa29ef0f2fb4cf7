// Package progress records which songs a job has already processed so that
// an interrupted run can resume without repeating provider calls. Every Save
// is durable before it returns.
package progress

import (
	"context"
	"sort"
)

// Record is the persisted progress of one job. On disk it is
// {"last_processed": "...", "processed_ids": [...]}.
type Record struct {
	LastProcessed string   `json:"last_processed"`
	ProcessedIDs  []string `json:"processed_ids"`
}

type ITracker interface {
	// Load returns the current record; a job that never ran has an empty one.
	Load(ctx context.Context) (*Record, error)

	// Save appends id to the processed ids and makes it the last processed id.
	Save(ctx context.Context, id string) error

	// Filter removes already-processed ids from ids unless force is set.
	Filter(ids []string, rec *Record, force bool) []string
}

// Filter keeps the order of ids and drops every id present in rec. With force
// set the queue is returned unchanged.
func Filter(ids []string, rec *Record, force bool) []string {
	if force || rec == nil || len(rec.ProcessedIDs) == 0 {
		return ids
	}

	done := make(map[string]struct{}, len(rec.ProcessedIDs))
	for _, id := range rec.ProcessedIDs {
		done[id] = struct{}{}
	}

	out := make([]string, 0, len(ids))

	for _, id := range ids {
		if _, ok := done[id]; ok {
			continue
		}

		out = append(out, id)
	}

	return out
}

type filterer struct{}

func (filterer) Filter(ids []string, rec *Record, force bool) []string {
	return Filter(ids, rec, force)
}

func (r *Record) clone() *Record {
	ids := make([]string, len(r.ProcessedIDs))
	copy(ids, r.ProcessedIDs)

	return &Record{
		LastProcessed: r.LastProcessed,
		ProcessedIDs:  ids,
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}

	sort.Strings(out)

	return out
}
