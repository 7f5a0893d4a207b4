package checkpoint

import (
	"context"
	"fmt"
	"sync"
)

type threadLock struct {
	ch   chan struct{}
	refs int
}

// ThreadLocks serializes handles per thread. Waiting honours ctx.
type ThreadLocks struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

func NewThreadLocks() *ThreadLocks {
	return &ThreadLocks{locks: make(map[string]*threadLock)}
}

// Acquire blocks until threadID is free or ctx is done. The returned release
// must be called exactly once.
func (l *ThreadLocks) Acquire(ctx context.Context, threadID string) (func(), error) {
	l.mu.Lock()
	tl, ok := l.locks[threadID]
	if !ok {
		tl = &threadLock{ch: make(chan struct{}, 1)}
		l.locks[threadID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	select {
	case tl.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(threadID, tl)
		return nil, fmt.Errorf("checkpoint.ThreadLocks.Acquire: %w", ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-tl.ch
			l.unref(threadID, tl)
		})
	}, nil
}

func (l *ThreadLocks) unref(threadID string, tl *threadLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tl.refs--
	if tl.refs == 0 {
		delete(l.locks, threadID)
	}
}
