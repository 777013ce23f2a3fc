package otxtask

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestPromiseResolveOnce checks that only the first completion wins and that
// every awaiting reader observes it.
func TestPromiseResolveOnce(t *testing.T) {
	t.Parallel()

	promise := NewPromise[int]()
	future := promise.Future()

	const readers = 4
	results := make(chan int, readers)

	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			value, err := future.Await(context.Background()).
				Unpack()
			require.NoError(t, err)
			results <- value
		}()
	}

	promise.Resolve(7)
	promise.Resolve(8)
	promise.Reject(errors.New("too late"))

	wg.Wait()
	close(results)
	for value := range results {
		require.Equal(t, 7, value)
	}
}

// TestAwaitHonorsContext checks that an unresolved future unblocks when the
// caller's context ends.
func TestAwaitHonorsContext(t *testing.T) {
	t.Parallel()

	promise := NewPromise[int]()

	ctx, cancel := context.WithTimeout(
		context.Background(), 50*time.Millisecond,
	)
	defer cancel()

	_, err := promise.Future().Await(ctx).Unpack()
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestNextIDNeverZero checks that fresh IDs never collide with the error
// task sentinel.
func TestNextIDNeverZero(t *testing.T) {
	t.Parallel()

	seen := make(map[ID]struct{})
	for i := 0; i < 100; i++ {
		id := NextID()
		require.NotEqual(t, ErrorTaskID, id)

		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}

// TestErrorTask checks that the error task is pre-resolved with the error
// status and the sentinel ID.
func TestErrorTask(t *testing.T) {
	t.Parallel()

	task := NewErrorTask()
	require.Equal(t, ErrorTaskID, task.ID)

	outcome, err := task.Future.Await(context.Background()).Unpack()
	require.NoError(t, err)
	require.Equal(t, StatusError, outcome.Status)
	require.Nil(t, outcome.Reply)
}
