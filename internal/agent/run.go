package agent

import (
	"context"
	"sync"

	"github.com/gosuda/tako/internal/domain"
	"github.com/gosuda/tako/internal/segment"
	"github.com/gosuda/tako/internal/stream"
)

// stepLog is the part of stream.Log the orchestrator drives.
type stepLog interface {
	Append(rec domain.StepRecord) (seq, display int, err error)
	StepsSince(cursor int) ([]domain.StepRecord, int)
	Wait(ctx context.Context, cursor int) error
	Snapshot() []domain.StepRecord
	Close()
}

// Run is one turn in flight. Readers poll it through cursors while the
// orchestrator drives it; after Done is closed it only reports the final turn.
type Run struct {
	log    stepLog
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.RWMutex
	turn  *domain.Turn
	final *domain.Turn
	err   error
}

func newRun(turn *domain.Turn) *Run {
	return &Run{
		log:  stream.NewLog(),
		done: make(chan struct{}),
		turn: turn,
	}
}

func (r *Run) ID() string       { return r.turn.ID }
func (r *Run) ThreadID() string { return r.turn.ThreadID }

// Turn returns a snapshot of the turn. While streaming, Steps holds the
// records appended so far and ResponseText stays empty.
func (r *Run) Turn() *domain.Turn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.final != nil {
		return r.final
	}
	snap := *r.turn
	snap.Steps = r.log.Snapshot()
	snap.Warnings = append([]string(nil), r.turn.Warnings...)
	return &snap
}

// StepsSince returns the records beyond cursor and the new cursor.
func (r *Run) StepsSince(cursor int) ([]domain.StepRecord, int) {
	return r.log.StepsSince(cursor)
}

// Wait blocks until steps beyond cursor exist, the turn has finished, or ctx
// is done.
func (r *Run) Wait(ctx context.Context, cursor int) error {
	return r.log.Wait(ctx, cursor)
}

// Interim returns the streamed text so far with embed markup stripped and
// whether an embed is on its way.
func (r *Run) Interim() (string, bool) {
	return segment.StripEmbeds(stream.Text(r.log.Snapshot()))
}

func (r *Run) Done() <-chan struct{} { return r.done }

// Err reports how the turn ended once Done is closed.
func (r *Run) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// Cancel asks the turn to stop. The turn is still finalized.
func (r *Run) Cancel() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Run) addWarning(w string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turn.Warnings = append(r.turn.Warnings, w)
}

func (r *Run) finish(final *domain.Turn, err error) {
	r.mu.Lock()
	r.final = final
	r.err = err
	r.mu.Unlock()
	close(r.done)
}
