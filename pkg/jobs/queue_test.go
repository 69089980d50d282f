package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueDispatchesByPriority(t *testing.T) {
	var mu sync.Mutex
	var order []string
	release := make(chan struct{})
	done := make(chan struct{}, 8)

	handler := func(ctx context.Context, tok Token) error {
		<-release
		mu.Lock()
		order = append(order, tok.JobID)
		mu.Unlock()
		done <- struct{}{}
		return nil
	}

	q := NewQueue("default", handler, QueueConfig{Workers: 1})
	q.Start(context.Background())
	defer q.Stop()

	base := time.Now().UTC()
	// First token is picked up immediately by the single worker and parks on
	// the release gate; the rest accumulate and must sort by priority.
	require.NoError(t, q.Enqueue(Token{JobID: "gate", Priority: 0, Enqueued: base}))
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, q.Enqueue(Token{JobID: "free-1", Priority: 0, Enqueued: base.Add(1 * time.Millisecond)}))
	require.NoError(t, q.Enqueue(Token{JobID: "free-2", Priority: 0, Enqueued: base.Add(2 * time.Millisecond)}))
	require.NoError(t, q.Enqueue(Token{JobID: "premium", Priority: 50, Enqueued: base.Add(3 * time.Millisecond)}))

	close(release)
	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for dispatch")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"gate", "premium", "free-1", "free-2"}, order)
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	var mu sync.Mutex
	var order []string
	release := make(chan struct{})
	done := make(chan struct{}, 8)

	handler := func(ctx context.Context, tok Token) error {
		<-release
		mu.Lock()
		order = append(order, tok.JobID)
		mu.Unlock()
		done <- struct{}{}
		return nil
	}

	q := NewQueue("high", handler, QueueConfig{Workers: 1})
	q.Start(context.Background())
	defer q.Stop()

	base := time.Now().UTC()
	require.NoError(t, q.Enqueue(Token{JobID: "gate", Enqueued: base}))
	time.Sleep(20 * time.Millisecond)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(Token{JobID: id, Priority: 50, Enqueued: base}))
	}

	close(release)
	for i := 0; i < 4; i++ {
		<-done
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"gate", "a", "b", "c"}, order)
}

func TestQueueRejectsWhenStopped(t *testing.T) {
	q := NewQueue("default", func(ctx context.Context, tok Token) error { return nil }, QueueConfig{Workers: 1})
	require.Error(t, q.Enqueue(Token{JobID: "j1"}))

	q.Start(context.Background())
	q.Stop()
	require.Error(t, q.Enqueue(Token{JobID: "j2"}))
}
