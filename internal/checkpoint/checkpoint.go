// Package checkpoint defines the thread-scoped durable state store used to
// resume multi-turn conversations.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for checkpoint stores.
var (
	// ErrUnavailable is returned when a store cannot hand out a scoped handle.
	ErrUnavailable = errors.New("checkpoint: store unavailable") //nolint:gochecknoglobals // sentinel error
	// ErrNotFound is returned by Handle.Latest when a thread has no checkpoints.
	ErrNotFound = errors.New("checkpoint: not found") //nolint:gochecknoglobals // sentinel error
)

// Checkpoint is one saved engine state for a thread. Data and Metadata are
// opaque to the session core.
type Checkpoint struct {
	ID        string          `json:"id"`
	ThreadID  string          `json:"thread_id"`
	ParentID  string          `json:"parent_id,omitempty"`
	Data      json.RawMessage `json:"data"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Handle is the scoped view of one thread handed to fn by Store.WithThread.
// It must not be used after fn returns.
type Handle interface {
	ThreadID() string
	// Latest returns the newest checkpoint or ErrNotFound.
	Latest(ctx context.Context) (*Checkpoint, error)
	// Put saves a new checkpoint. ID, ThreadID and CreatedAt are filled in;
	// an empty ParentID is linked to the current latest checkpoint.
	Put(ctx context.Context, cp Checkpoint) (*Checkpoint, error)
	// List returns up to limit checkpoints, newest first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]*Checkpoint, error)
}

// Store persists checkpoints keyed by thread id.
type Store interface {
	// WithThread acquires a handle for threadID, calls fn, and releases the
	// handle on every path out of fn. If acquisition fails fn is not called
	// and the error wraps ErrUnavailable. At most one handle per thread is
	// live at a time; a second caller waits or gives up with ctx.
	WithThread(ctx context.Context, threadID string, fn func(ctx context.Context, h Handle) error) error
	// DeleteThread removes every checkpoint of threadID. Deleting an unknown
	// thread succeeds.
	DeleteThread(ctx context.Context, threadID string) error
	Close() error
}

// Prepare stamps cp for insertion under threadID. parentID is used when cp
// does not name a parent.
func Prepare(cp Checkpoint, threadID, parentID string, now time.Time) (Checkpoint, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint.Prepare: %w", err)
	}
	cp.ID = id.String()
	cp.ThreadID = threadID
	if cp.ParentID == "" {
		cp.ParentID = parentID
	}
	if len(cp.Data) == 0 {
		cp.Data = json.RawMessage(`null`)
	}
	cp.CreatedAt = now.UTC()
	return cp, nil
}
