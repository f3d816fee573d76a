package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/roach88/receiptsync/internal/metrics"
)

// ConversationKey is the queue key for every mutation of a conversation's
// messages.
func ConversationKey(conversationID string) string {
	return "conversation:" + conversationID
}

// MessageKey is the queue key for work scoped to one message, such as
// sending a backfill request.
func MessageKey(messageID string) string {
	return "message:" + messageID
}

// job is one unit of work on a keyed queue.
type job struct {
	name string
	fn   func() error
	done chan error // buffered, size 1
}

// keyQueue is the FIFO of jobs for one key. At most one drain goroutine
// runs per keyQueue, so jobs on the same key never overlap.
type keyQueue struct {
	jobs    []job
	running bool
}

// JobQueue runs jobs one at a time per key, in enqueue order. Different keys
// run concurrently.
//
// Queues are created lazily on first use. A job that returns an error or
// panics is logged and reported to its caller; the queue moves on to the
// next job.
//
// Thread-safety: all methods are safe for concurrent use.
type JobQueue struct {
	mu     sync.Mutex
	queues map[string]*keyQueue
	closed bool
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewJobQueue creates an empty queue.
func NewJobQueue(logger *zap.Logger) *JobQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobQueue{
		queues: make(map[string]*keyQueue),
		logger: logger,
	}
}

// Enqueue appends fn to the queue for key and returns a channel that
// receives its result exactly once.
//
// If the queue is closed the channel receives ErrQueueClosed immediately.
func (q *JobQueue) Enqueue(key, name string, fn func() error) <-chan error {
	done := make(chan error, 1)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		done <- ErrQueueClosed
		return done
	}

	kq, ok := q.queues[key]
	if !ok {
		kq = &keyQueue{jobs: make([]job, 0, 4)}
		q.queues[key] = kq
	}
	kq.jobs = append(kq.jobs, job{name: name, fn: fn, done: done})

	if !kq.running {
		kq.running = true
		q.wg.Add(1)
		go q.drain(key, kq)
	}
	return done
}

// Do enqueues fn and waits for it. If ctx ends first Do returns ctx.Err();
// the job still runs in its turn.
func (q *JobQueue) Do(ctx context.Context, key, name string, fn func() error) error {
	select {
	case err := <-q.Enqueue(key, name, fn):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain runs jobs for one key until its queue is empty.
func (q *JobQueue) drain(key string, kq *keyQueue) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		if len(kq.jobs) == 0 {
			kq.running = false
			q.mu.Unlock()
			return
		}
		j := kq.jobs[0]
		// Release the closure for GC before reslicing.
		kq.jobs[0] = job{}
		if len(kq.jobs) == 1 {
			kq.jobs = kq.jobs[:0]
		} else {
			kq.jobs = kq.jobs[1:]
		}
		q.mu.Unlock()

		err := q.run(key, j)
		j.done <- err
	}
}

// run executes one job, converting a panic into an error.
func (q *JobQueue) run(key string, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s on %s panicked: %v", j.name, key, r)
		}
		if err != nil {
			metrics.JobFailures.Inc()
			q.logger.Warn("queue job failed",
				zap.String("queue", key),
				zap.String("job", j.name),
				zap.Error(err))
		}
	}()
	return j.fn()
}

// Len returns the number of jobs waiting or running on key.
func (q *JobQueue) Len(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kq, ok := q.queues[key]
	if !ok {
		return 0
	}
	n := len(kq.jobs)
	if kq.running {
		n++
	}
	return n
}

// Wait blocks until every queue is empty. Jobs enqueued concurrently with
// Wait may or may not be waited for.
func (q *JobQueue) Wait() {
	q.wg.Wait()
}

// Close rejects further jobs and waits for queued ones to finish.
func (q *JobQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.wg.Wait()
}
