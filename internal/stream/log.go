package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gosuda/tako/internal/domain"
)

// ErrLogClosed is returned when appending to a sealed log.
var ErrLogClosed = errors.New("stream: log closed") //nolint:gochecknoglobals // sentinel error

// Log is the append-only step log of one turn. One writer appends; any number
// of readers consume it through cursors.
type Log struct {
	mu      sync.RWMutex
	steps   []domain.StepRecord
	display int
	closed  bool
	// grown is closed and replaced on every append, and closed for good on Close.
	grown chan struct{}
}

// NewLog returns an empty, open step log.
func NewLog() *Log {
	return &Log{grown: make(chan struct{})}
}

// Append stamps rec with the next sequence number and stores it.
//
// A tool_start also receives the next display number, which is returned so the
// caller can stamp the matching tool_end. Other kinds keep the Display the
// caller set.
func (l *Log) Append(rec domain.StepRecord) (seq, display int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, 0, fmt.Errorf("stream.Log.Append: %w", ErrLogClosed)
	}

	rec.Seq = len(l.steps)
	if rec.Kind == domain.StepToolStart {
		l.display++
		rec.Display = l.display
	}
	l.steps = append(l.steps, rec)

	close(l.grown)
	l.grown = make(chan struct{})

	return rec.Seq, rec.Display, nil
}

// StepsSince returns a copy of the records beyond cursor and the new cursor.
func (l *Log) StepsSince(cursor int) ([]domain.StepRecord, int) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	fresh, next := StepsSince(l.steps, cursor)
	if len(fresh) == 0 {
		return nil, next
	}
	out := make([]domain.StepRecord, len(fresh))
	copy(out, fresh)
	return out, next
}

// Wait blocks until the log holds more than cursor records, the log is closed,
// or ctx is done.
func (l *Log) Wait(ctx context.Context, cursor int) error {
	for {
		l.mu.RLock()
		n, closed, grown := len(l.steps), l.closed, l.grown
		l.mu.RUnlock()

		if n > cursor || closed {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("stream.Log.Wait: %w", ctx.Err())
		case <-grown:
		}
	}
}

// Close seals the log. It is safe to call more than once.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	close(l.grown)
}

// Closed reports whether Close has been called.
func (l *Log) Closed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}

// Len returns the number of steps appended so far.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.steps)
}

// Snapshot returns a copy of every record in the log.
func (l *Log) Snapshot() []domain.StepRecord {
	steps, _ := l.StepsSince(0)
	if steps == nil {
		return []domain.StepRecord{}
	}
	return steps
}
