package jobs

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Token references a persisted job awaiting dispatch. The database row stays
// the source of truth; the token only carries ordering keys.
type Token struct {
	JobID    string
	Priority int
	Enqueued time.Time
}

// Handler claims and executes the referenced job. Retry policy lives with the
// caller: a returned error is logged, never re-dispatched here.
type Handler func(context.Context, Token) error

// QueueConfig configures worker pool behaviour.
type QueueConfig struct {
	Workers int
	Logger  *zap.Logger
}

// Queue is an in-process priority dispatcher backed by goroutines. Higher
// priority runs first; ties dispatch FIFO by enqueue time.
type Queue struct {
	name    string
	handler Handler
	workers int
	logger  *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending tokenHeap
	seq     uint64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewQueue builds a new queue with the provided handler.
func NewQueue(name string, handler Handler, cfg QueueConfig) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	q := &Queue{
		name:    name,
		handler: handler,
		workers: cfg.Workers,
		logger:  cfg.Logger,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Name returns the queue identifier.
func (q *Queue) Name() string {
	return q.name
}

// Start begins worker consumption. Safe to call once.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.started = true

	go func() {
		<-q.ctx.Done()
		q.cond.Broadcast()
	}()

	q.logger.Sugar().Infow("queue started", "queue", q.name, "workers", q.workers)
}

// Stop cancels workers and waits for them to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.cancel()
	q.mu.Unlock()
	q.cond.Broadcast()
	q.wg.Wait()
	q.logger.Sugar().Infow("queue stopped", "queue", q.name)
}

// Enqueue pushes a dispatch token onto the queue.
func (q *Queue) Enqueue(token Token) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started {
		return fmt.Errorf("queue %s not started", q.name)
	}
	if q.ctx.Err() != nil {
		return fmt.Errorf("queue %s stopped: %w", q.name, q.ctx.Err())
	}
	if token.Enqueued.IsZero() {
		token.Enqueued = time.Now().UTC()
	}
	q.seq++
	heap.Push(&q.pending, entry{token: token, seq: q.seq})
	q.cond.Signal()
	return nil
}

// EnqueueAfter schedules the token for dispatch after the delay, used for
// retry backoff.
func (q *Queue) EnqueueAfter(token Token, delay time.Duration) {
	q.mu.Lock()
	ctx := q.ctx
	started := q.started
	q.mu.Unlock()
	if !started || ctx == nil {
		return
	}

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			if err := q.Enqueue(token); err != nil {
				q.logger.Sugar().Errorw("failed to requeue job", "queue", q.name, "job_id", token.JobID, "error", err)
			}
		}
	}()
}

// Depth returns the number of tokens waiting for a worker.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for q.pending.Len() == 0 && q.ctx.Err() == nil {
			q.cond.Wait()
		}
		if q.ctx.Err() != nil {
			q.mu.Unlock()
			return
		}
		item := heap.Pop(&q.pending).(entry)
		q.mu.Unlock()

		if err := q.handler(q.ctx, item.token); err != nil {
			q.logger.Sugar().Warnw("job handler failed", "queue", q.name, "job_id", item.token.JobID, "error", err)
		}
	}
}

type entry struct {
	token Token
	seq   uint64
}

type tokenHeap []entry

func (h tokenHeap) Len() int { return len(h) }

func (h tokenHeap) Less(i, j int) bool {
	if h[i].token.Priority != h[j].token.Priority {
		return h[i].token.Priority > h[j].token.Priority
	}
	if !h[i].token.Enqueued.Equal(h[j].token.Enqueued) {
		return h[i].token.Enqueued.Before(h[j].token.Enqueued)
	}
	return h[i].seq < h[j].seq
}

func (h tokenHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *tokenHeap) Push(x interface{}) { *h = append(*h, x.(entry)) }

func (h *tokenHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
