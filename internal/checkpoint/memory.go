package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps checkpoints in process memory. State is lost on restart;
// it backs tests and the "memory" checkpoint driver.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string][]*Checkpoint
	closed  bool
	locks   *ThreadLocks
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads: make(map[string][]*Checkpoint),
		locks:   NewThreadLocks(),
	}
}

func (m *MemoryStore) WithThread(ctx context.Context, threadID string, fn func(context.Context, Handle) error) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return fmt.Errorf("checkpoint.MemoryStore.WithThread: %w", ErrUnavailable)
	}

	release, err := m.locks.Acquire(ctx, threadID)
	if err != nil {
		return fmt.Errorf("checkpoint.MemoryStore.WithThread: %w: %w", ErrUnavailable, err)
	}
	defer release()

	return fn(ctx, &memoryHandle{store: m, threadID: threadID})
}

func (m *MemoryStore) DeleteThread(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.threads, threadID)
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// Threads returns the ids of threads that hold at least one checkpoint.
func (m *MemoryStore) Threads() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.threads))
	for id := range m.threads {
		ids = append(ids, id)
	}
	return ids
}

type memoryHandle struct {
	store    *MemoryStore
	threadID string
}

func (h *memoryHandle) ThreadID() string { return h.threadID }

func (h *memoryHandle) Latest(_ context.Context) (*Checkpoint, error) {
	h.store.mu.RLock()
	defer h.store.mu.RUnlock()

	cps := h.store.threads[h.threadID]
	if len(cps) == 0 {
		return nil, fmt.Errorf("checkpoint.memoryHandle.Latest(%s): %w", h.threadID, ErrNotFound)
	}
	cp := *cps[len(cps)-1]
	return &cp, nil
}

func (h *memoryHandle) Put(_ context.Context, cp Checkpoint) (*Checkpoint, error) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	parent := ""
	if cps := h.store.threads[h.threadID]; len(cps) > 0 {
		parent = cps[len(cps)-1].ID
	}
	prepared, err := Prepare(cp, h.threadID, parent, time.Now())
	if err != nil {
		return nil, fmt.Errorf("checkpoint.memoryHandle.Put: %w", err)
	}
	h.store.threads[h.threadID] = append(h.store.threads[h.threadID], &prepared)

	out := prepared
	return &out, nil
}

func (h *memoryHandle) List(_ context.Context, limit int) ([]*Checkpoint, error) {
	h.store.mu.RLock()
	defer h.store.mu.RUnlock()

	cps := h.store.threads[h.threadID]
	n := len(cps)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*Checkpoint, 0, n)
	for i := len(cps) - 1; i >= 0 && len(out) < n; i-- {
		cp := *cps[i]
		out = append(out, &cp)
	}
	return out, nil
}
