package storage

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDSourceProducesUniqueMonotonicIDs(t *testing.T) {
	src := newIDSource()
	seen := map[string]bool{}
	prev := ""
	for i := 0; i < 50; i++ {
		id := src.New()
		assert.False(t, seen[id], "duplicate id %q", id)
		seen[id] = true
		assert.Greater(t, id, prev, "ids must be lexicographically increasing")
		prev = id
	}
}

func TestIDSourceConcurrentUseDoesNotRace(t *testing.T) {
	src := newIDSource()
	var wg sync.WaitGroup
	ids := make([]string, 50)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = src.New()
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, id := range ids {
		assert.NotEmpty(t, id)
		assert.False(t, seen[id])
		seen[id] = true
	}
}
