package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/receiptsync/internal/metrics"
)

// BatcherOptions configures a Batcher.
type BatcherOptions struct {
	// Name labels metrics and log lines.
	Name string

	// Wait is how long the oldest queued item may wait before a flush.
	// Zero flushes on every Add.
	Wait time.Duration

	// MaxSize flushes as soon as this many items are queued.
	MaxSize int

	// Concurrency bounds the number of flushes running at once.
	Concurrency int
}

// Default batcher settings.
const (
	DefaultBatchWait    = 20 * time.Millisecond
	DefaultBatchMaxSize = 50
)

type batchEntry[T any] struct {
	item T
	done chan error // buffered, size 1
}

// Batcher coalesces items into batches and hands each batch to a flush
// function on a bounded worker pool.
//
// Add blocks until the batch containing its item has been flushed and
// returns the flush error, so a caller never treats an item as durable
// before it is. Results for individual items travel back through T itself
// (use a pointer type).
//
// Thread-safety: all methods are safe for concurrent use.
type Batcher[T any] struct {
	opts   BatcherOptions
	flush  func(ctx context.Context, items []T) error
	logger *zap.Logger

	mu      sync.Mutex
	pending []batchEntry[T]
	stop    func() bool
	closed  bool

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewBatcher creates a batcher. Zero MaxSize or Concurrency fall back to
// DefaultBatchMaxSize and 1.
func NewBatcher[T any](opts BatcherOptions, flush func(ctx context.Context, items []T) error, logger *zap.Logger) *Batcher[T] {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultBatchMaxSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher[T]{
		opts:   opts,
		flush:  flush,
		logger: logger.With(zap.String("batcher", opts.Name)),
		sem:    make(chan struct{}, opts.Concurrency),
	}
}

// Add queues item and waits for its batch to flush.
//
// If ctx ends first Add returns ctx.Err(); the item is still flushed.
func (b *Batcher[T]) Add(ctx context.Context, item T) error {
	done := make(chan error, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBatcherClosed
	}
	b.pending = append(b.pending, batchEntry[T]{item: item, done: done})

	var batch []batchEntry[T]
	switch {
	case len(b.pending) >= b.opts.MaxSize || b.opts.Wait <= 0:
		batch = b.take()
	case b.stop == nil:
		b.stop = time.AfterFunc(b.opts.Wait, b.onTimer).Stop
	}
	b.mu.Unlock()

	if batch != nil {
		b.dispatch(batch)
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush dispatches whatever is queued without waiting for the timer.
func (b *Batcher[T]) Flush() {
	b.mu.Lock()
	batch := b.take()
	b.mu.Unlock()

	if batch != nil {
		b.dispatch(batch)
	}
}

// Close flushes queued items, rejects further Adds, and waits for running
// flushes to finish.
func (b *Batcher[T]) Close() {
	b.mu.Lock()
	b.closed = true
	batch := b.take()
	b.mu.Unlock()

	if batch != nil {
		b.dispatch(batch)
	}
	b.wg.Wait()
}

func (b *Batcher[T]) onTimer() {
	b.mu.Lock()
	b.stop = nil
	batch := b.take()
	b.mu.Unlock()

	if batch != nil {
		b.dispatch(batch)
	}
}

// take removes the queued entries and disarms the timer.
// Caller must hold b.mu. The returned batch is already counted in b.wg.
func (b *Batcher[T]) take() []batchEntry[T] {
	if b.stop != nil {
		b.stop()
		b.stop = nil
	}
	if len(b.pending) == 0 {
		return nil
	}
	batch := b.pending
	b.pending = nil
	b.wg.Add(1)
	return batch
}

func (b *Batcher[T]) dispatch(batch []batchEntry[T]) {
	go func() {
		defer b.wg.Done()

		b.sem <- struct{}{}
		defer func() { <-b.sem }()

		err := b.run(batch)
		for _, e := range batch {
			e.done <- err
		}
	}()
}

// run calls flush with a background context: the batch outlives any single
// caller's context.
func (b *Batcher[T]) run(batch []batchEntry[T]) (err error) {
	items := make([]T, len(batch))
	for i, e := range batch {
		items[i] = e.item
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch flush %s panicked: %v", b.opts.Name, r)
		}
		if err != nil {
			metrics.BatchFlushFail.WithLabelValues(b.opts.Name).Inc()
			b.logger.Warn("batch flush failed", zap.Int("size", len(items)), zap.Error(err))
		}
	}()

	metrics.BatchFlushSize.WithLabelValues(b.opts.Name).Observe(float64(len(items)))
	return b.flush(context.Background(), items)
}
