package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackerLifecycle(t *testing.T) {
	t.Parallel()

	var tr Tracker
	_, ok := tr.Get()
	assert.False(t, ok)

	assert.True(t, tr.Set("abc"))
	assert.False(t, tr.Set("abc"))
	assert.False(t, tr.Set(""))

	id, ok := tr.Get()
	assert.True(t, ok)
	assert.Equal(t, "abc", id)

	assert.True(t, tr.Set("rotated"))
	id, _ = tr.Get()
	assert.Equal(t, "rotated", id)

	tr.Reset()
	_, ok = tr.Get()
	assert.False(t, ok)
}

func TestTrackerSeeded(t *testing.T) {
	t.Parallel()

	id, ok := NewTracker("seed").Get()
	assert.True(t, ok)
	assert.Equal(t, "seed", id)
}

func TestTrackerConcurrentAccess(t *testing.T) {
	t.Parallel()

	tr := NewTracker("")
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				tr.Set("s")
			} else {
				tr.Get()
			}
		}()
	}
	wg.Wait()

	id, _ := tr.Get()
	assert.Equal(t, "s", id)
}
