package governance

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermitPool_Bounds(t *testing.T) {
	pool := NewPermitPool(3)

	var inUse, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, pool.Acquire(context.Background()))
			defer pool.Release()

			cur := inUse.Add(1)
			defer inUse.Add(-1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Equal(t, int64(0), pool.Stats().InUse)
}

func TestPermitPool_DefaultCapacity(t *testing.T) {
	pool := NewPermitPool(0)
	assert.Equal(t, int64(DefaultPermitCapacity), pool.Stats().Capacity)
}

func TestPermitPool_AcquireHonoursContext(t *testing.T) {
	pool := NewPermitPool(1)
	require.NoError(t, pool.Acquire(context.Background()))
	defer pool.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := pool.Acquire(ctx)
	assert.Error(t, err, "acquire must give up when the context expires")
	assert.Equal(t, int64(1), pool.Stats().InUse)
}

func TestPermitPool_Stats(t *testing.T) {
	pool := NewPermitPool(2)

	require.NoError(t, pool.Acquire(context.Background()))
	stats := pool.Stats()
	assert.Equal(t, int64(2), stats.Capacity)
	assert.Equal(t, int64(1), stats.InUse)

	pool.Release()
	assert.Equal(t, int64(0), pool.Stats().InUse)
}
