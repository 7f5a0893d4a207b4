// Package checkpointtest holds behaviour tests shared by every checkpoint.Store
// implementation.
package checkpointtest

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tako/internal/checkpoint"
)

// Run exercises store semantics against stores built by newStore. Each subtest
// gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) checkpoint.Store) {
	t.Helper()

	t.Run("PutAndLatest", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		err := s.WithThread(ctx, "1", func(ctx context.Context, h checkpoint.Handle) error {
			assert.Equal(t, "1", h.ThreadID())

			_, err := h.Latest(ctx)
			require.ErrorIs(t, err, checkpoint.ErrNotFound)

			first, err := h.Put(ctx, checkpoint.Checkpoint{Data: json.RawMessage(`{"step":1}`)})
			require.NoError(t, err)
			assert.NotEmpty(t, first.ID)
			assert.Equal(t, "1", first.ThreadID)
			assert.Empty(t, first.ParentID)

			second, err := h.Put(ctx, checkpoint.Checkpoint{
				Data:     json.RawMessage(`{"step":2}`),
				Metadata: map[string]any{"source": "loop"},
			})
			require.NoError(t, err)
			assert.Equal(t, first.ID, second.ParentID)

			latest, err := h.Latest(ctx)
			require.NoError(t, err)
			assert.Equal(t, second.ID, latest.ID)
			assert.JSONEq(t, `{"step":2}`, string(latest.Data))
			assert.Equal(t, "loop", latest.Metadata["source"])
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("ListNewestFirst", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		err := s.WithThread(ctx, "list", func(ctx context.Context, h checkpoint.Handle) error {
			for i := range 3 {
				_, err := h.Put(ctx, checkpoint.Checkpoint{Data: json.RawMessage([]byte{'0' + byte(i)})})
				require.NoError(t, err)
			}

			all, err := h.List(ctx, 0)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "2", string(all[0].Data))
			assert.Equal(t, "0", string(all[2].Data))

			some, err := h.List(ctx, 2)
			require.NoError(t, err)
			assert.Len(t, some, 2)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("ThreadsIsolated", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.WithThread(ctx, "a", func(ctx context.Context, h checkpoint.Handle) error {
			_, err := h.Put(ctx, checkpoint.Checkpoint{Data: json.RawMessage(`"a"`)})
			return err
		}))
		require.NoError(t, s.WithThread(ctx, "b", func(ctx context.Context, h checkpoint.Handle) error {
			_, err := h.Latest(ctx)
			assert.ErrorIs(t, err, checkpoint.ErrNotFound)
			return nil
		}))
	})

	t.Run("FnErrorReturned", func(t *testing.T) {
		s := newStore(t)
		boom := errors.New("boom")

		err := s.WithThread(context.Background(), "1", func(context.Context, checkpoint.Handle) error {
			return boom
		})
		require.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, checkpoint.ErrUnavailable)

		// The handle was released: a new scope can start immediately.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, s.WithThread(ctx, "1", func(context.Context, checkpoint.Handle) error { return nil }))
	})

	t.Run("ReleasedOnPanic", func(t *testing.T) {
		s := newStore(t)

		assert.Panics(t, func() {
			_ = s.WithThread(context.Background(), "1", func(context.Context, checkpoint.Handle) error {
				panic("engine exploded")
			})
		})

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, s.WithThread(ctx, "1", func(context.Context, checkpoint.Handle) error { return nil }))
	})

	t.Run("OneHandlePerThread", func(t *testing.T) {
		s := newStore(t)

		entered := make(chan struct{})
		leave := make(chan struct{})
		var inside atomic.Int32

		go func() {
			_ = s.WithThread(context.Background(), "busy", func(context.Context, checkpoint.Handle) error {
				inside.Add(1)
				close(entered)
				<-leave
				inside.Add(-1)
				return nil
			})
		}()
		<-entered

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		called := false
		err := s.WithThread(ctx, "busy", func(context.Context, checkpoint.Handle) error {
			called = true
			return nil
		})
		require.ErrorIs(t, err, checkpoint.ErrUnavailable)
		assert.False(t, called)
		assert.Equal(t, int32(1), inside.Load())

		close(leave)

		ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel2()
		require.NoError(t, s.WithThread(ctx2, "busy", func(context.Context, checkpoint.Handle) error {
			assert.Equal(t, int32(0), inside.Load())
			return nil
		}))
	})

	t.Run("DeleteThreadIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.WithThread(ctx, "1", func(ctx context.Context, h checkpoint.Handle) error {
			_, err := h.Put(ctx, checkpoint.Checkpoint{Data: json.RawMessage(`{}`)})
			return err
		}))

		require.NoError(t, s.DeleteThread(ctx, "1"))
		require.NoError(t, s.DeleteThread(ctx, "1"))
		require.NoError(t, s.DeleteThread(ctx, "never-existed"))

		require.NoError(t, s.WithThread(ctx, "1", func(ctx context.Context, h checkpoint.Handle) error {
			_, err := h.Latest(ctx)
			assert.ErrorIs(t, err, checkpoint.ErrNotFound)
			all, err := h.List(ctx, 0)
			require.NoError(t, err)
			assert.Empty(t, all)
			return nil
		}))
	})

	t.Run("ClosedIsUnavailable", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Close())

		called := false
		err := s.WithThread(context.Background(), "1", func(context.Context, checkpoint.Handle) error {
			called = true
			return nil
		})
		require.ErrorIs(t, err, checkpoint.ErrUnavailable)
		assert.False(t, called)
	})
}
