package mailbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPostAcceptedUnderCapacity(t *testing.T) {
	mb := New[int](4, PolicyBlock, nil)

	for i := 0; i < 4; i++ {
		res, err := mb.Post(context.Background(), i)
		require.NoError(t, err)
		require.Equal(t, Accepted, res)
	}
	require.Equal(t, 4, mb.CurrentDepth())
}

func TestPolicyDropNewest(t *testing.T) {
	var dropped []int
	var mu sync.Mutex

	mb := New[int](2, PolicyDropNewest, func(env int, cause error) {
		mu.Lock()
		dropped = append(dropped, env)
		mu.Unlock()
	})

	ctx := context.Background()
	_, err := mb.Post(ctx, 1)
	require.NoError(t, err)
	_, err = mb.Post(ctx, 2)
	require.NoError(t, err)

	res, err := mb.Post(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, DroppedByPolicy, res)

	require.Equal(t, 2, mb.CurrentDepth())

	mu.Lock()
	require.Equal(t, []int{3}, dropped)
	mu.Unlock()
}

func TestPolicyDropOldest(t *testing.T) {
	var dropped []int
	var mu sync.Mutex

	mb := New[int](2, PolicyDropOldest, func(env int, cause error) {
		mu.Lock()
		dropped = append(dropped, env)
		mu.Unlock()
	})

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		res, err := mb.Post(ctx, i)
		require.NoError(t, err)
		require.Equal(t, Accepted, res)
	}

	require.Equal(t, 2, mb.CurrentDepth())

	mu.Lock()
	require.Equal(t, []int{1}, dropped)
	mu.Unlock()

	var got []int
	for env := range mb.Receive(ctx) {
		got = append(got, env)
		if len(got) == 2 {
			break
		}
	}
	require.Equal(t, []int{2, 3}, got)
}

func TestPolicyError(t *testing.T) {
	mb := New[int](1, PolicyError, nil)
	ctx := context.Background()

	_, err := mb.Post(ctx, 1)
	require.NoError(t, err)

	_, err = mb.Post(ctx, 2)
	require.ErrorIs(t, err, ErrFull)
}

func TestPolicyBlockRespectsContextCancel(t *testing.T) {
	mb := New[int](1, PolicyBlock, nil)
	ctx := context.Background()

	_, err := mb.Post(ctx, 1)
	require.NoError(t, err)

	cctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = mb.Post(cctx, 2)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStopRejectsFurtherPosts(t *testing.T) {
	mb := New[int](4, PolicyBlock, nil)
	mb.Stop(false)

	_, err := mb.Post(context.Background(), 1)
	require.ErrorIs(t, err, ErrShutdown)
	require.True(t, mb.IsClosed())
}

func TestStopDrainSendsToDeadLetter(t *testing.T) {
	var dropped []int
	var mu sync.Mutex

	mb := New[int](4, PolicyBlock, func(env int, cause error) {
		mu.Lock()
		dropped = append(dropped, env)
		mu.Unlock()
	})

	ctx := context.Background()
	_, _ = mb.Post(ctx, 1)
	_, _ = mb.Post(ctx, 2)

	mb.Stop(true)

	mu.Lock()
	require.ElementsMatch(t, []int{1, 2}, dropped)
	mu.Unlock()
	require.Equal(t, 0, mb.CurrentDepth())
}

func TestReceiveStopsOnContextCancel(t *testing.T) {
	mb := New[int](4, PolicyBlock, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range mb.Receive(ctx) {
		}
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Receive did not stop after context cancellation")
	}
}
