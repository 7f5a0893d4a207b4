package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/tako/internal/checkpoint"
	"github.com/gosuda/tako/internal/domain"
	"github.com/gosuda/tako/internal/segment"
	"github.com/gosuda/tako/internal/stream"
	redisstore "github.com/gosuda/tako/internal/store/redis"
)

var (
	// ErrTurnActive is returned when a thread already has a turn streaming.
	ErrTurnActive = errors.New("agent: turn already active on thread") //nolint:gochecknoglobals // sentinel error
	// ErrStreamFault wraps engine and transport failures that abort a turn.
	ErrStreamFault = errors.New("agent: engine stream failed") //nolint:gochecknoglobals // sentinel error
	// ErrCheckpointFault wraps durable-store failures. They are warnings: the
	// conversation continues in memory.
	ErrCheckpointFault = errors.New("agent: checkpoint store fault") //nolint:gochecknoglobals // sentinel error
	// ErrSequenceGap aborts a turn whose step log lost its ordering.
	ErrSequenceGap = stream.ErrSequenceGap //nolint:gochecknoglobals // sentinel error
	// ErrEmptyPrompt is returned for a blank prompt.
	ErrEmptyPrompt = errors.New("agent: empty prompt") //nolint:gochecknoglobals // sentinel error
	// ErrNoEngine is returned when a session carries no engine.
	ErrNoEngine = errors.New("agent: session has no engine") //nolint:gochecknoglobals // sentinel error
	// ErrShuttingDown is returned for turns submitted after Shutdown.
	ErrShuttingDown = errors.New("agent: orchestrator shutting down") //nolint:gochecknoglobals // sentinel error
	// ErrTurnNotFound is returned when a turn id is unknown on a thread.
	ErrTurnNotFound = errors.New("agent: turn not found") //nolint:gochecknoglobals // sentinel error
)

// User-visible notices stored on turns.
const (
	noticeCheckpointUnavailable = "Conversation memory is unavailable for this turn; it continues without resume state."
	noticeArchiveFailed         = "This turn could not be archived and will not survive a restart."
	noticeCancelled             = "The turn was cancelled."
	noticeSequenceGap           = "The turn was stopped because its steps arrived out of order."
	noticeStreamFault           = "The agent stopped unexpectedly"
)

const (
	publishTimeout = 5 * time.Second
	// liveEventBuffer bounds the events waiting for the publisher goroutine.
	// Events beyond it are dropped; cursor reads stay complete.
	liveEventBuffer = 256
)

// PubSubPublisher abstracts the Redis pub/sub publish operation.
type PubSubPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Orchestrator drives turns end to end: it scopes a checkpoint handle, streams
// engine events through the normalizer into a step log, and finalizes the
// turn into the thread's history. At most one turn per thread is active.
type Orchestrator struct {
	store  checkpoint.Store
	turns  domain.TurnRepository
	pubsub PubSubPublisher

	mu       sync.RWMutex
	active   map[string]*Run
	clearing map[string]bool
	history  map[string][]*domain.Turn
	hydrated map[string]bool
	closed   bool
	wg       sync.WaitGroup

	live     chan liveEvent
	liveStop chan struct{}
	liveDone chan struct{}
	stopOnce sync.Once
}

type liveEvent struct {
	channel string
	payload []byte
}

// NewOrchestrator creates an orchestrator. turns and pubsub may be nil to run
// without an archive or live fan-out.
func NewOrchestrator(store checkpoint.Store, turns domain.TurnRepository, pubsub PubSubPublisher) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		turns:    turns,
		pubsub:   pubsub,
		active:   make(map[string]*Run),
		clearing: make(map[string]bool),
		history:  make(map[string][]*domain.Turn),
		hydrated: make(map[string]bool),
	}
	if pubsub != nil {
		o.live = make(chan liveEvent, liveEventBuffer)
		o.liveStop = make(chan struct{})
		o.liveDone = make(chan struct{})
		go o.runPublisher()
	}
	return o
}

// RunTurn drives one turn synchronously and returns the finalized turn.
//
// A turn that ends in a stream fault, a sequence gap or cancellation is still
// finalized and returned together with the error.
func (o *Orchestrator) RunTurn(ctx context.Context, sess Session, prompt string) (*domain.Turn, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	run, err := o.begin(sess, prompt, cancel)
	if err != nil {
		return nil, fmt.Errorf("agent.Orchestrator.RunTurn: %w", err)
	}

	o.drive(runCtx, run, sess.Engine)

	if err := run.Err(); err != nil {
		return run.Turn(), fmt.Errorf("agent.Orchestrator.RunTurn: %w", err)
	}
	return run.Turn(), nil
}

// StartTurn launches a turn in the background. The turn outlives ctx; use
// Run.Cancel to stop it.
func (o *Orchestrator) StartTurn(ctx context.Context, sess Session, prompt string) (*Run, error) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	run, err := o.begin(sess, prompt, cancel)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("agent.Orchestrator.StartTurn: %w", err)
	}

	go func() {
		defer cancel()
		o.drive(runCtx, run, sess.Engine)
	}()

	return run, nil
}

// begin validates the request and registers the run as the thread's active
// turn.
func (o *Orchestrator) begin(sess Session, prompt string, cancel context.CancelFunc) (*Run, error) {
	if err := domain.ValidateThreadID(sess.ThreadID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if sess.Engine == nil {
		return nil, ErrNoEngine
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("turn id: %w", err)
	}

	run := newRun(&domain.Turn{
		ID:        id.String(),
		ThreadID:  sess.ThreadID,
		UserText:  prompt,
		Status:    domain.TurnStatusStreaming,
		StartedAt: time.Now().UTC(),
	})
	run.cancel = cancel

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, ErrShuttingDown
	}
	if _, busy := o.active[sess.ThreadID]; busy || o.clearing[sess.ThreadID] {
		return nil, fmt.Errorf("thread %s: %w", sess.ThreadID, ErrTurnActive)
	}
	o.active[sess.ThreadID] = run
	o.wg.Add(1)

	return run, nil
}

// drive runs the turn to its end and always finalizes it.
func (o *Orchestrator) drive(ctx context.Context, run *Run, engine Engine) {
	defer o.wg.Done()

	threadID := run.ThreadID()
	o.publish(threadID, Event{Type: EventTurnStarted, ThreadID: threadID, TurnID: run.ID(), Turn: run.Turn()})

	var err error
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("thread_id", threadID).Str("turn_id", run.ID()).
				Msg("agent.Orchestrator.drive: engine panicked")
			err = fmt.Errorf("%w: panic: %v", ErrStreamFault, r)
		}
		o.finalize(run, err)
	}()

	if o.store == nil {
		err = o.consume(ctx, run, engine, nil)
		return
	}

	entered := false
	err = o.store.WithThread(ctx, threadID, func(ctx context.Context, h checkpoint.Handle) error {
		entered = true
		return o.consume(ctx, run, engine, h)
	})
	if !entered && errors.Is(err, checkpoint.ErrUnavailable) {
		log.Warn().Err(err).Str("thread_id", threadID).Msg("agent.Orchestrator.drive: checkpoint store unavailable, running without resume state")
		run.addWarning(noticeCheckpointUnavailable)
		err = o.consume(ctx, run, engine, nil)
	}
}

// consume pipes engine events through the normalizer into the run's log.
func (o *Orchestrator) consume(ctx context.Context, run *Run, engine Engine, h checkpoint.Handle) error {
	req := Request{
		ThreadID:   run.ThreadID(),
		TurnID:     run.ID(),
		Prompt:     run.turn.UserText,
		Checkpoint: h,
	}

	// openDisplay is the display number of the most recent tool_start; a
	// tool_end is stamped with it. Zero until a tool starts.
	openDisplay := 0
	expected := 0

	for ev, err := range engine.Stream(ctx, req) {
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %w", ErrStreamFault, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rec, ok, nerr := stream.Normalize(ev)
		if nerr != nil {
			log.Warn().Err(nerr).Str("thread_id", req.ThreadID).Str("turn_id", req.TurnID).Msg("agent.Orchestrator.consume: dropping malformed event")
			continue
		}
		if !ok {
			continue
		}

		if rec.Kind == domain.StepToolEnd {
			rec.Display = openDisplay
		}

		seq, display, err := run.log.Append(rec)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStreamFault, err)
		}
		if seq != expected {
			return fmt.Errorf("turn %s: expected seq %d, got %d: %w", req.TurnID, expected, seq, ErrSequenceGap)
		}
		expected++

		if rec.Kind == domain.StepToolStart {
			openDisplay = display
		}

		rec.Seq, rec.Display = seq, display
		o.publish(req.ThreadID, Event{Type: EventStep, ThreadID: req.ThreadID, TurnID: req.TurnID, Step: &rec})
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// finalize seals the log, assembles the final turn, and records it. It runs
// for completed, aborted and cancelled turns alike.
func (o *Orchestrator) finalize(run *Run, cause error) {
	run.log.Close()

	steps := run.log.Snapshot()
	if verr := stream.Verify(steps); verr != nil && cause == nil {
		cause = verr
	}
	text := stream.Text(steps)

	run.mu.RLock()
	final := *run.turn
	final.Warnings = append([]string(nil), run.turn.Warnings...)
	run.mu.RUnlock()

	final.Steps = steps
	final.ResponseText = text
	final.Segments = segment.Split(text)
	final.Status, final.Error = outcome(cause)
	finished := time.Now().UTC()
	final.FinishedAt = &finished

	if cause != nil && final.Status == domain.TurnStatusAborted {
		log.Warn().Err(cause).Str("thread_id", final.ThreadID).Str("turn_id", final.ID).Int("steps", len(steps)).
			Msg("agent.Orchestrator.finalize: turn aborted")
	}

	if o.turns != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := o.turns.Save(ctx, &final); err != nil {
			log.Warn().Err(err).Str("thread_id", final.ThreadID).Str("turn_id", final.ID).Msg("agent.Orchestrator.finalize: failed to archive turn")
			final.Warnings = append(final.Warnings, noticeArchiveFailed)
		}
		cancel()
	}

	o.mu.Lock()
	o.history[final.ThreadID] = append(o.history[final.ThreadID], &final)
	if o.active[final.ThreadID] == run {
		delete(o.active, final.ThreadID)
	}
	o.mu.Unlock()

	o.publish(final.ThreadID, Event{Type: EventTurnFinished, ThreadID: final.ThreadID, TurnID: final.ID, Turn: &final})

	run.finish(&final, cause)
}

func outcome(cause error) (domain.TurnStatus, string) {
	switch {
	case cause == nil:
		return domain.TurnStatusCompleted, ""
	case errors.Is(cause, context.Canceled), errors.Is(cause, context.DeadlineExceeded):
		return domain.TurnStatusCancelled, noticeCancelled
	case errors.Is(cause, ErrSequenceGap):
		return domain.TurnStatusAborted, noticeSequenceGap
	default:
		return domain.TurnStatusAborted, noticeStreamFault + ": " + cause.Error()
	}
}

// publish queues evt for the thread's live channel without blocking the
// caller. Events are dropped when the queue is full.
func (o *Orchestrator) publish(threadID string, evt Event) {
	if o.live == nil {
		return
	}
	evt.Timestamp = time.Now().UTC()

	payload, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Str("thread_id", threadID).Msg("agent.Orchestrator.publish: failed to encode event")
		return
	}

	select {
	case o.live <- liveEvent{channel: redisstore.ThreadChannel(threadID), payload: payload}:
	default:
		log.Warn().Str("thread_id", threadID).Str("type", string(evt.Type)).
			Msg("agent.Orchestrator.publish: live event queue full, dropping event")
	}
}

// runPublisher delivers queued events in order until Shutdown, then flushes
// what is left.
func (o *Orchestrator) runPublisher() {
	defer close(o.liveDone)

	for {
		select {
		case ev := <-o.live:
			o.send(ev)
		case <-o.liveStop:
			for {
				select {
				case ev := <-o.live:
					o.send(ev)
				default:
					return
				}
			}
		}
	}
}

func (o *Orchestrator) send(ev liveEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := o.pubsub.Publish(ctx, ev.channel, ev.payload); err != nil {
		log.Error().Err(err).Str("channel", ev.channel).Msg("agent.Orchestrator.publish: failed to publish event")
	}
}

// Active returns the streaming run of a thread, if any.
func (o *Orchestrator) Active(threadID string) (*Run, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	run, ok := o.active[threadID]
	return run, ok
}

// History returns the finalized turns of a thread in chronological order.
// The first call for a thread loads archived turns when an archive is set.
func (o *Orchestrator) History(ctx context.Context, threadID string) ([]*domain.Turn, error) {
	if err := domain.ValidateThreadID(threadID); err != nil {
		return nil, fmt.Errorf("agent.Orchestrator.History: %w", err)
	}
	if err := o.hydrate(ctx, threadID); err != nil {
		return nil, fmt.Errorf("agent.Orchestrator.History: %w", err)
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]*domain.Turn, len(o.history[threadID]))
	copy(out, o.history[threadID])
	return out, nil
}

func (o *Orchestrator) hydrate(ctx context.Context, threadID string) error {
	o.mu.RLock()
	done := o.hydrated[threadID]
	o.mu.RUnlock()
	if done || o.turns == nil {
		return nil
	}

	archived, err := o.turns.ListByThread(ctx, threadID, 0)
	if err != nil {
		return fmt.Errorf("%w: load archive: %w", ErrCheckpointFault, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.hydrated[threadID] {
		return nil
	}
	o.hydrated[threadID] = true

	// Turns finalized while the archive was loading are already in memory.
	seen := make(map[string]bool, len(o.history[threadID]))
	for _, t := range o.history[threadID] {
		seen[t.ID] = true
	}
	merged := make([]*domain.Turn, 0, len(archived)+len(o.history[threadID]))
	for _, t := range archived {
		if !seen[t.ID] {
			merged = append(merged, t)
		}
	}
	o.history[threadID] = append(merged, o.history[threadID]...)

	return nil
}

// Turn returns one turn of a thread: a live snapshot while it streams, the
// finalized turn afterwards.
func (o *Orchestrator) Turn(ctx context.Context, threadID, turnID string) (*domain.Turn, error) {
	if run, ok := o.Active(threadID); ok && run.ID() == turnID {
		return run.Turn(), nil
	}

	history, err := o.History(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("agent.Orchestrator.Turn: %w", err)
	}
	for _, t := range history {
		if t.ID == turnID {
			return t, nil
		}
	}
	return nil, fmt.Errorf("agent.Orchestrator.Turn(%s, %s): %w", threadID, turnID, ErrTurnNotFound)
}

// Clear forgets a thread: in-memory history, archived turns and durable
// checkpoints. It is rejected while a turn streams. Storage faults do not undo
// the in-memory clear; they are returned wrapped in ErrCheckpointFault for the
// caller to show as a warning.
func (o *Orchestrator) Clear(ctx context.Context, threadID string) error {
	if err := domain.ValidateThreadID(threadID); err != nil {
		return fmt.Errorf("agent.Orchestrator.Clear: %w", err)
	}

	o.mu.Lock()
	if _, busy := o.active[threadID]; busy || o.clearing[threadID] {
		o.mu.Unlock()
		return fmt.Errorf("agent.Orchestrator.Clear(%s): %w", threadID, ErrTurnActive)
	}
	o.clearing[threadID] = true
	delete(o.history, threadID)
	o.hydrated[threadID] = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.clearing, threadID)
		o.mu.Unlock()
	}()

	var errs []error
	if o.turns != nil {
		if err := o.turns.DeleteByThread(ctx, threadID); err != nil {
			errs = append(errs, fmt.Errorf("delete archived turns: %w", err))
		}
	}
	if o.store != nil {
		if err := o.store.DeleteThread(ctx, threadID); err != nil {
			errs = append(errs, fmt.Errorf("delete checkpoints: %w", err))
		}
	}

	o.publish(threadID, Event{Type: EventHistoryCleared, ThreadID: threadID})

	if len(errs) > 0 {
		err := errors.Join(errs...)
		log.Warn().Err(err).Str("thread_id", threadID).Msg("agent.Orchestrator.Clear: durable state not fully cleared")
		return fmt.Errorf("agent.Orchestrator.Clear(%s): %w: %w", threadID, ErrCheckpointFault, err)
	}
	return nil
}

// Shutdown rejects new turns, cancels active ones, and waits for them to be
// finalized and their queued live events published, or for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	runs := make([]*Run, 0, len(o.active))
	for _, run := range o.active {
		runs = append(runs, run)
	}
	o.mu.Unlock()

	for _, run := range runs {
		run.Cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("agent.Orchestrator.Shutdown: %w", ctx.Err())
	}

	if o.live != nil {
		o.stopOnce.Do(func() { close(o.liveStop) })
		if err == nil {
			select {
			case <-o.liveDone:
			case <-ctx.Done():
				err = fmt.Errorf("agent.Orchestrator.Shutdown: flush live events: %w", ctx.Err())
			}
		}
	}
	return err
}
