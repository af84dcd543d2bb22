package uiauto

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doai/devicefarm/internal/domain"
)

func TestPool_PortUniquenessAndExhaustion(t *testing.T) {
	f := newFakeServer()
	defer f.close()
	pool := NewPool(NewClient(f.srv.URL), 8200, 8210, 2, 0)
	ctx := context.Background()

	s1, err := pool.CreateSession(ctx, "dev-a")
	require.NoError(t, err)
	s2, err := pool.CreateSession(ctx, "dev-b")
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID(), s2.ID())

	// Third device hits the cap.
	_, err = pool.CreateSession(ctx, "dev-c")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPoolExhausted)

	m := pool.Snapshot()
	assert.Equal(t, 2, m.ActiveSessions)
	assert.Equal(t, 2, m.MaxSessions)
	assert.Equal(t, 8, m.AvailablePorts)
	assert.Len(t, m.UsedPorts, 2)
	// device -> port mapping is injective.
	assert.NotEqual(t, m.UsedPorts["dev-a"], m.UsedPorts["dev-b"])
	assert.Equal(t, []string{"dev-a", "dev-b"}, m.ActiveDevices)

	// Closing both returns every port; no leak.
	pool.CloseSession(ctx, "dev-a")
	pool.CloseSession(ctx, "dev-b")
	m = pool.Snapshot()
	assert.Equal(t, 0, m.ActiveSessions)
	assert.Equal(t, 10, m.AvailablePorts)
}

func TestPool_SmallestFreePortFirst(t *testing.T) {
	f := newFakeServer()
	defer f.close()
	pool := NewPool(NewClient(f.srv.URL), 8200, 8300, 10, 0)
	ctx := context.Background()

	_, err := pool.CreateSession(ctx, "dev-a")
	require.NoError(t, err)
	m := pool.Snapshot()
	assert.Equal(t, 8200, m.UsedPorts["dev-a"])

	_, err = pool.CreateSession(ctx, "dev-b")
	require.NoError(t, err)
	assert.Equal(t, 8201, pool.Snapshot().UsedPorts["dev-b"])

	// Releasing dev-a frees the smallest port for the next device.
	pool.CloseSession(ctx, "dev-a")
	_, err = pool.CreateSession(ctx, "dev-c")
	require.NoError(t, err)
	assert.Equal(t, 8200, pool.Snapshot().UsedPorts["dev-c"])
}

func TestPool_ReusesLiveSession(t *testing.T) {
	f := newFakeServer()
	defer f.close()
	pool := NewPool(NewClient(f.srv.URL), 8200, 8210, 5, 0)
	ctx := context.Background()

	s1, err := pool.CreateSession(ctx, "dev-a")
	require.NoError(t, err)
	s2, err := pool.CreateSession(ctx, "dev-a")
	require.NoError(t, err)
	assert.Equal(t, s1.ID(), s2.ID())
	assert.Equal(t, 1, pool.Snapshot().ActiveSessions)
}

func TestPool_RecreatesStaleSession(t *testing.T) {
	f := newFakeServer()
	defer f.close()
	pool := NewPool(NewClient(f.srv.URL), 8200, 8210, 5, 0)
	ctx := context.Background()

	s1, err := pool.CreateSession(ctx, "dev-a")
	require.NoError(t, err)

	// Kill the driver server-side; the probe fails and the pool rebuilds.
	f.mu.Lock()
	f.failWindow[s1.ID()] = true
	f.mu.Unlock()

	s2, err := pool.CreateSession(ctx, "dev-a")
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID(), s2.ID())
	assert.Equal(t, 1, pool.Snapshot().ActiveSessions)
}

func TestPool_ConfiguredIdleTimeoutReachesDriver(t *testing.T) {
	f := newFakeServer()
	defer f.close()
	pool := NewPool(NewClient(f.srv.URL), 8200, 8210, 5, 45*time.Second)

	_, err := pool.CreateSession(context.Background(), "dev-a")
	require.NoError(t, err)

	f.mu.Lock()
	caps := f.lastCaps
	f.mu.Unlock()
	assert.Equal(t, float64(45), caps["appium:newCommandTimeout"])
}

func TestPool_ConcurrentCreateSameDevice(t *testing.T) {
	f := newFakeServer()
	defer f.close()
	f.mu.Lock()
	f.createHold = make(chan struct{})
	f.createArrived = make(chan struct{}, 2)
	f.mu.Unlock()

	pool := NewPool(NewClient(f.srv.URL), 8200, 8210, 5, 0)
	ctx := context.Background()

	sessions := make([]*Session, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = pool.CreateSession(ctx, "dev-a")
		}(i)
	}
	// Both callers are past the reuse check and building drivers before
	// either can commit.
	<-f.createArrived
	<-f.createArrived
	close(f.createHold)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	// Both callers share the one surviving session; the loser was quit.
	assert.Equal(t, sessions[0].ID(), sessions[1].ID())
	m := pool.Snapshot()
	assert.Equal(t, 1, m.ActiveSessions)
	assert.Len(t, m.UsedPorts, 1)
	f.mu.Lock()
	live := len(f.sessions)
	f.mu.Unlock()
	assert.Equal(t, 1, live)
}

func TestPool_CleanupStale(t *testing.T) {
	f := newFakeServer()
	defer f.close()
	pool := NewPool(NewClient(f.srv.URL), 8200, 8210, 5, 0)
	ctx := context.Background()

	s1, err := pool.CreateSession(ctx, "dev-a")
	require.NoError(t, err)
	_, err = pool.CreateSession(ctx, "dev-b")
	require.NoError(t, err)

	f.mu.Lock()
	f.failWindow[s1.ID()] = true
	f.mu.Unlock()

	purged := pool.CleanupStale(ctx)
	assert.Equal(t, 1, purged)
	m := pool.Snapshot()
	assert.Equal(t, 1, m.ActiveSessions)
	assert.Equal(t, []string{"dev-b"}, m.ActiveDevices)
}
