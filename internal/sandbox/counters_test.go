package sandbox

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowCounter_LimitEnforced(t *testing.T) {
	c := NewWindowCounter(time.Minute)

	for i := 0; i < 30; i++ {
		ok, _ := c.TryAdd("sess_a", 30)
		assert.True(t, ok, "admission %d should pass", i+1)
	}

	ok, n := c.TryAdd("sess_a", 30)
	assert.False(t, ok, "31st admission inside the window must be denied")
	assert.Equal(t, 30, n)
}

func TestWindowCounter_WindowSlides(t *testing.T) {
	c := NewWindowCounter(time.Minute)
	base := time.Now()
	c.now = func() time.Time { return base }

	for i := 0; i < 30; i++ {
		c.TryAdd("sess_a", 30)
	}
	ok, _ := c.TryAdd("sess_a", 30)
	assert.False(t, ok)

	// 61 seconds later the old events have expired.
	c.now = func() time.Time { return base.Add(61 * time.Second) }
	ok, n := c.TryAdd("sess_a", 30)
	assert.True(t, ok)
	assert.Equal(t, 1, n)
}

func TestWindowCounter_KeysAreIndependent(t *testing.T) {
	c := NewWindowCounter(time.Minute)

	for i := 0; i < 5; i++ {
		c.TryAdd("sess_a", 5)
	}
	ok, _ := c.TryAdd("sess_a", 5)
	assert.False(t, ok)

	ok, _ = c.TryAdd("sess_b", 5)
	assert.True(t, ok)
}

func TestWindowCounter_Forget(t *testing.T) {
	c := NewWindowCounter(time.Minute)

	c.TryAdd("sess_a", 1)
	ok, _ := c.TryAdd("sess_a", 1)
	assert.False(t, ok)

	c.Forget("sess_a")
	ok, _ = c.TryAdd("sess_a", 1)
	assert.True(t, ok)
}

func TestWindowCounter_ConcurrentAdmissions(t *testing.T) {
	c := NewWindowCounter(time.Minute)

	var wg sync.WaitGroup
	admitted := make(chan struct{}, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := c.TryAdd("sess_a", 30); ok {
				admitted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(admitted)

	assert.Len(t, admitted, 30, "exactly limit admissions under contention")
}
