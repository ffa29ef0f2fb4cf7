// Package source reads external records for reconciliation. A source exposes
// its field names once and then yields records in a stable order until
// io.EOF.
package source

import (
	"github.com/pkg/errors"

	"github.com/dselans/songsync/services/reconcile"
)

// ErrInvalidRecord marks a single unreadable record. The caller counts it and
// moves on; the source stays usable.
var ErrInvalidRecord = errors.New("invalid record")

type ISource interface {
	Fields() []string
	Next() (reconcile.Record, error)
	Close() error
}
