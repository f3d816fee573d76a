package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobQueue_FIFO(t *testing.T) {
	q := NewJobQueue(nil)
	defer q.Close()

	var (
		mu    sync.Mutex
		order []int
	)
	var results []<-chan error
	for i := 1; i <= 20; i++ {
		i := i
		results = append(results, q.Enqueue(ConversationKey("c1"), "append", func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}
	for _, r := range results {
		require.NoError(t, <-r)
	}

	want := make([]int, 20)
	for i := range want {
		want[i] = i + 1
	}
	assert.Equal(t, want, order)
}

func TestJobQueue_SameKeyNeverOverlaps(t *testing.T) {
	q := NewJobQueue(nil)
	defer q.Close()

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Do(context.Background(), ConversationKey("c1"), "work", func() error {
				n := active.Add(1)
				for {
					m := maxActive.Load()
					if n <= m || maxActive.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				active.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
}

func TestJobQueue_DifferentKeysRunConcurrently(t *testing.T) {
	q := NewJobQueue(nil)
	defer q.Close()

	release := make(chan struct{})
	blocked := q.Enqueue(ConversationKey("slow"), "block", func() error {
		<-release
		return nil
	})

	err := q.Do(context.Background(), ConversationKey("fast"), "quick", func() error { return nil })
	require.NoError(t, err, "a blocked key must not hold up another key")

	close(release)
	require.NoError(t, <-blocked)
}

func TestJobQueue_ErrorDoesNotStopQueue(t *testing.T) {
	q := NewJobQueue(nil)
	defer q.Close()

	boom := errors.New("boom")
	first := q.Enqueue(MessageKey("m1"), "fail", func() error { return boom })
	second := q.Enqueue(MessageKey("m1"), "ok", func() error { return nil })

	assert.ErrorIs(t, <-first, boom)
	assert.NoError(t, <-second)
}

func TestJobQueue_PanicIsRecovered(t *testing.T) {
	q := NewJobQueue(nil)
	defer q.Close()

	first := q.Enqueue(ConversationKey("c1"), "explode", func() error { panic("kaboom") })
	second := q.Enqueue(ConversationKey("c1"), "after", func() error { return nil })

	err := <-first
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Contains(t, err.Error(), "explode")
	assert.NoError(t, <-second)
}

func TestJobQueue_DoHonoursContext(t *testing.T) {
	q := NewJobQueue(nil)
	defer q.Close()

	release := make(chan struct{})
	q.Enqueue(ConversationKey("c1"), "block", func() error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	var ran atomic.Bool
	err := q.Do(ctx, ConversationKey("c1"), "late", func() error {
		ran.Store(true)
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	q.Close()
	assert.True(t, ran.Load(), "a job whose caller gave up still runs in its turn")
}

func TestJobQueue_Closed(t *testing.T) {
	q := NewJobQueue(nil)
	q.Close()

	err := <-q.Enqueue(ConversationKey("c1"), "late", func() error { return nil })
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestJobQueue_Len(t *testing.T) {
	q := NewJobQueue(nil)
	defer q.Close()

	assert.Equal(t, 0, q.Len(ConversationKey("none")))

	release := make(chan struct{})
	started := make(chan struct{})
	q.Enqueue(ConversationKey("c1"), "block", func() error {
		close(started)
		<-release
		return nil
	})
	<-started
	q.Enqueue(ConversationKey("c1"), "next", func() error { return nil })

	assert.Equal(t, 2, q.Len(ConversationKey("c1")))
	close(release)
}

func TestJobQueue_WaitForFireAndForget(t *testing.T) {
	q := NewJobQueue(nil)
	defer q.Close()

	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		q.Enqueue(ConversationKey(fmt.Sprint(i%2)), "bg", func() error {
			time.Sleep(time.Millisecond)
			ran.Add(1)
			return nil
		})
	}
	q.Wait()
	assert.Equal(t, int32(3), ran.Load())
}

func TestQueueKeys(t *testing.T) {
	assert.Equal(t, "conversation:abc", ConversationKey("abc"))
	assert.Equal(t, "message:abc", MessageKey("abc"))
}
