package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/web3guy0/execcore/internal/types"
)

func TestDedupSuppressesWithinWindow(t *testing.T) {
	d := NewDedup(50 * time.Millisecond)

	assert.True(t, d.Allow(types.EvtConsistencyDrift, "BTCUSDT"))
	assert.False(t, d.Allow(types.EvtConsistencyDrift, "BTCUSDT"))

	// Different symbol is independent.
	assert.True(t, d.Allow(types.EvtConsistencyDrift, "ETHUSDT"))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, d.Allow(types.EvtConsistencyDrift, "BTCUSDT"))
}

func TestDedupSweepDropsExpired(t *testing.T) {
	d := NewDedup(10 * time.Millisecond)
	d.Allow(types.EvtConsistencyDrift, "BTCUSDT")

	time.Sleep(20 * time.Millisecond)
	d.Sweep()

	d.mu.Lock()
	n := len(d.seen)
	d.mu.Unlock()
	assert.Equal(t, 0, n)
}
