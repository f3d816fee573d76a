package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingFlush collects the batches it is called with.
type recordingFlush struct {
	mu      sync.Mutex
	batches [][]int
	err     error
}

func (r *recordingFlush) flush(_ context.Context, items []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]int(nil), items...))
	return r.err
}

func (r *recordingFlush) sizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, b := range r.batches {
		out = append(out, len(b))
	}
	return out
}

func addAll(t *testing.T, b *Batcher[int], items ...int) []error {
	t.Helper()
	errs := make([]error, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		i, item := i, item
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = b.Add(context.Background(), item)
		}()
	}
	wg.Wait()
	return errs
}

func TestBatcher_FlushOnMaxSize(t *testing.T) {
	rec := &recordingFlush{}
	b := NewBatcher(BatcherOptions{Name: "test", Wait: time.Hour, MaxSize: 3}, rec.flush, nil)
	defer b.Close()

	errs := addAll(t, b, 1, 2, 3)
	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, []int{3}, rec.sizes())
}

func TestBatcher_FlushOnTimer(t *testing.T) {
	rec := &recordingFlush{}
	b := NewBatcher(BatcherOptions{Name: "test", Wait: 10 * time.Millisecond, MaxSize: 100}, rec.flush, nil)
	defer b.Close()

	start := time.Now()
	errs := addAll(t, b, 1, 2)
	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, 2, sum(rec.sizes()))
}

func TestBatcher_ZeroWaitFlushesEachAdd(t *testing.T) {
	rec := &recordingFlush{}
	b := NewBatcher(BatcherOptions{Name: "test", MaxSize: 100}, rec.flush, nil)
	defer b.Close()

	require.NoError(t, b.Add(context.Background(), 1))
	require.NoError(t, b.Add(context.Background(), 2))

	assert.Equal(t, []int{1, 1}, rec.sizes())
}

func TestBatcher_ErrorFansOutToEveryItem(t *testing.T) {
	boom := errors.New("disk full")
	rec := &recordingFlush{err: boom}
	b := NewBatcher(BatcherOptions{Name: "test", Wait: time.Hour, MaxSize: 2}, rec.flush, nil)
	defer b.Close()

	errs := addAll(t, b, 1, 2)
	for _, err := range errs {
		assert.ErrorIs(t, err, boom)
	}
}

func TestBatcher_PanicBecomesError(t *testing.T) {
	b := NewBatcher(BatcherOptions{Name: "test"}, func(context.Context, []int) error {
		panic("flush exploded")
	}, nil)
	defer b.Close()

	err := b.Add(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flush exploded")
}

func TestBatcher_ConcurrencyBound(t *testing.T) {
	var active, maxActive atomic.Int32
	flush := func(context.Context, []int) error {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return nil
	}
	b := NewBatcher(BatcherOptions{Name: "test", MaxSize: 1, Concurrency: 2}, flush, nil)
	defer b.Close()

	addAll(t, b, 1, 2, 3, 4, 5, 6, 7, 8)

	assert.LessOrEqual(t, maxActive.Load(), int32(2))
}

func TestBatcher_PointerItemsCarryResults(t *testing.T) {
	type item struct {
		in  int
		out int
	}
	b := NewBatcher(BatcherOptions{Name: "test", Wait: time.Millisecond, MaxSize: 10}, func(_ context.Context, items []*item) error {
		for _, it := range items {
			it.out = it.in * 10
		}
		return nil
	}, nil)
	defer b.Close()

	it := &item{in: 4}
	require.NoError(t, b.Add(context.Background(), it))
	assert.Equal(t, 40, it.out)
}

func TestBatcher_CloseFlushesAndRejects(t *testing.T) {
	rec := &recordingFlush{}
	b := NewBatcher(BatcherOptions{Name: "test", Wait: time.Hour, MaxSize: 100}, rec.flush, nil)

	result := make(chan error, 1)
	go func() { result <- b.Add(context.Background(), 7) }()

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.pending) == 1
	}, time.Second, time.Millisecond)

	b.Close()
	require.NoError(t, <-result)
	assert.Equal(t, []int{1}, rec.sizes())

	assert.ErrorIs(t, b.Add(context.Background(), 8), ErrBatcherClosed)
}

func TestBatcher_Flush(t *testing.T) {
	rec := &recordingFlush{}
	b := NewBatcher(BatcherOptions{Name: "test", Wait: time.Hour, MaxSize: 100}, rec.flush, nil)
	defer b.Close()

	result := make(chan error, 1)
	go func() { result <- b.Add(context.Background(), 1) }()

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.pending) == 1
	}, time.Second, time.Millisecond)

	b.Flush()
	require.NoError(t, <-result)
}

func sum(xs []int) int {
	total := 0
	for _, x := range xs {
		total += x
	}
	return total
}
