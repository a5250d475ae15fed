package local

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/sprint-relay/log"
	"github.com/mpapenbr/sprint-relay/pkg/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRegistryExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	reg := NewRegistry(WithClock(clock.Now), WithTTL(30*time.Second), WithLogger(log.Nop()))
	defer reg.Close()
	ctx := context.Background()

	start := reg.Reporter("abc", "dev-1")
	finish := reg.Reporter("abc", "dev-2")
	other := reg.Reporter("xyz", "dev-3")
	require.NoError(t, start.Announce(ctx, model.Presence{Device: "start"}))
	require.NoError(t, other.Announce(ctx, model.Presence{Device: "start"}))
	clock.Advance(20 * time.Second)
	require.NoError(t, finish.Announce(ctx, model.Presence{Device: "distance-100m"}))

	devices, err := reg.Watcher("abc").Devices(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 2)

	// start missed its heartbeats
	clock.Advance(15 * time.Second)
	devices, err = reg.Watcher("abc").Devices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "distance-100m", devices[0].Device)

	require.NoError(t, finish.Leave(ctx))
	devices, err = reg.Watcher("abc").Devices(ctx)
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestRegistryWatch(t *testing.T) {
	reg := NewRegistry(WithLogger(log.Nop()))
	defer reg.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := reg.Watcher("abc").Watch(ctx)
	require.NoError(t, err)
	initial := <-updates
	assert.Empty(t, initial)

	rep := reg.Reporter("abc", "dev-1")
	require.NoError(t, rep.Announce(ctx, model.Presence{Device: "30m"}))
	assert.Eventually(t, func() bool {
		select {
		case devs := <-updates:
			return len(devs) == 1 && devs[0].Device == "30m"
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-updates:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}
