package issueengine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpQueueSerializesSameID(t *testing.T) {
	q := newOpQueue()
	var running int32
	var maxConcurrent int32

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Run(context.Background(), "issue-1", func(ctx context.Context) error {
				n := atomic.AddInt32(&running, 1)
				for {
					cur := atomic.LoadInt32(&maxConcurrent)
					if n <= cur || atomic.CompareAndSwapInt32(&maxConcurrent, cur, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxConcurrent), "jobs on the same lane must never overlap")
}

func TestOpQueueRunsDifferentIDsConcurrently(t *testing.T) {
	q := newOpQueue()
	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make(chan string, 2)

	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = q.Run(context.Background(), id, func(ctx context.Context) error {
				<-start
				results <- id
				return nil
			})
		}(id)
	}

	time.Sleep(10 * time.Millisecond) // let both jobs reach the blocking receive
	close(start)
	wg.Wait()
	close(results)

	seen := map[string]bool{}
	for id := range results {
		seen[id] = true
	}
	assert.True(t, seen["a"])
	assert.True(t, seen["b"])
}

func TestOpQueueRunReturnsJobError(t *testing.T) {
	q := newOpQueue()
	boom := assert.AnError
	err := q.Run(context.Background(), "issue-1", func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestOpQueueRunPreservesSubmissionOrder(t *testing.T) {
	q := newOpQueue()
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			_ = q.Run(context.Background(), "issue-1", func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		time.Sleep(time.Millisecond) // submit in order, deterministically
	}
	wg.Wait()

	require.Len(t, order, 10)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}
