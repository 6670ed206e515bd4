package supervisor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrain_WaitsForOverlappingForwards(t *testing.T) {
	d := NewDrain()
	var wg sync.WaitGroup
	var mu sync.Mutex
	finished := 0

	started := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		require.True(t, d.Enter())
		wg.Add(1)
		go func(delay time.Duration) {
			defer wg.Done()
			defer d.Leave()
			started <- struct{}{}
			time.Sleep(delay)
			mu.Lock()
			finished++
			mu.Unlock()
		}(time.Duration(50*(i+1)) * time.Millisecond)
	}
	for i := 0; i < 3; i++ {
		<-started
	}

	assert.True(t, d.Wait(5*time.Second))
	mu.Lock()
	assert.Equal(t, 3, finished, "wait returned before every forward completed")
	mu.Unlock()
	assert.Equal(t, StateDrained, d.State())
	wg.Wait()
}

func TestDrain_Timeout(t *testing.T) {
	d := NewDrain()
	require.True(t, d.Enter())

	start := time.Now()
	assert.False(t, d.Wait(100*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, StateDraining, d.State())
	assert.Equal(t, 1, d.InFlight())

	d.Leave()
	assert.True(t, d.Wait(time.Second))
}

func TestDrain_RefusesAfterBegin(t *testing.T) {
	d := NewDrain()
	assert.Equal(t, StateRunning, d.State())

	d.Begin()
	assert.False(t, d.Enter())
	assert.Equal(t, 0, d.InFlight())
	assert.True(t, d.Wait(time.Millisecond), "nothing in flight")

	d.Leave() // unmatched Leave is ignored
	assert.Equal(t, 0, d.InFlight())
}

func TestDrainState_String(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "drained", StateDrained.String())
	assert.Equal(t, "unknown", DrainState(9).String())
}
