package budget

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTracker_ReserveCommit(t *testing.T) {
	tr := NewTracker(0.10)

	assert.True(t, tr.TryReserve(0.04))
	assert.True(t, tr.TryReserve(0.04))
	assert.False(t, tr.TryReserve(0.04), "third reservation must fail near ceiling")

	tr.Commit(0.04)
	tr.Refund(0.04)

	assert.InDelta(t, 0.04, tr.Spent(), 1e-9)
	assert.InDelta(t, 0.06, tr.Remaining(), 1e-9)
	assert.True(t, tr.CanAfford(0.06))
	assert.False(t, tr.CanAfford(0.07))
}

func TestTracker_ZeroCost(t *testing.T) {
	tr := NewTracker(0)
	assert.True(t, tr.TryReserve(0), "free extractors reserve even with a zero ceiling")
	tr.Commit(0)
	assert.Equal(t, 0.0, tr.Spent())
	assert.False(t, tr.TryReserve(0.01))
}

func TestTracker_ConcurrentNoOverspend(t *testing.T) {
	const workers = 64
	tr := NewTracker(0.05)

	var wg sync.WaitGroup
	granted := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.TryReserve(0.01) {
				tr.Commit(0.01)
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	n := 0
	for range granted {
		n++
	}
	assert.Equal(t, 5, n, "exactly ceiling/cost reservations may win")
	assert.LessOrEqual(t, tr.Spent(), tr.Ceiling())
	assert.InDelta(t, 0.05, tr.Spent(), 1e-9)
}

func TestTracker_RefundRestoresHeadroom(t *testing.T) {
	tr := NewTracker(0.02)
	assert.True(t, tr.TryReserve(0.02))
	assert.False(t, tr.TryReserve(0.01))
	tr.Refund(0.02)
	assert.True(t, tr.TryReserve(0.02))
}
