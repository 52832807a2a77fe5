// Package checkpoint persists processing records between stage transitions so
// runs can survive process restarts and suspend for human review.
package checkpoint

import (
	"context"
	"errors"

	"github.com/glimte/docflow-go/contracts"
)

// ErrNotFound is returned when no checkpoint exists for a session.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpointer stores and retrieves processing records. Save is called after
// every stage transition and must be last-write-wins per session; every save
// is also appended to the session's snapshot history.
type Checkpointer interface {
	// Save persists the current state of the record.
	Save(ctx context.Context, record *contracts.ProcessingRecord) error

	// Load returns the latest persisted state for a session, or ErrNotFound.
	Load(ctx context.Context, sessionID string) (*contracts.ProcessingRecord, error)

	// History returns every persisted snapshot for a session in save order,
	// or ErrNotFound when the session is unknown.
	History(ctx context.Context, sessionID string) ([]*contracts.ProcessingRecord, error)

	// Delete removes all state for a session.
	Delete(ctx context.Context, sessionID string) error

	// ListActive returns the session IDs whose latest snapshot is not in a
	// terminal status.
	ListActive(ctx context.Context) ([]string, error)
}
