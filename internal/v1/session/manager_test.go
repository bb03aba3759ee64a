package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/agentmesh-dev/agentmesh/internal/v1/apierr"
	"github.com/agentmesh-dev/agentmesh/internal/v1/project"
	"github.com/agentmesh-dev/agentmesh/internal/v1/storage"
	"github.com/agentmesh-dev/agentmesh/internal/v1/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	mgr   *Manager
	store *storage.Memory
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemory()
	projects := project.NewRegistry(project.Config{MaxQueueSize: 5, Discoverable: true})
	mgr := NewManager(store, projects, Options{
		StaleAfter:            60 * time.Second,
		DisconnectAfter:       300 * time.Second,
		RetainAfterDisconnect: 300 * time.Second,
		SweepInterval:         time.Minute,
		QueueWarningThreshold: 0.8,
	})

	f := &fixture{mgr: mgr, store: store, now: time.Now()}
	mgr.now = func() time.Time { return f.now }

	ctx := context.Background()
	_, err := projects.CreateProject(ctx, "p1", "", project.CreateOptions{})
	require.NoError(t, err)
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func msg(id string) *types.Message {
	return &types.Message{
		ID:              id,
		SenderID:        "sender",
		Timestamp:       time.Now(),
		ProtocolName:    "p",
		ProtocolVersion: "1.0.0",
		Payload:         json.RawMessage(`{}`),
	}
}

func TestCreateAndGet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.mgr.Create(ctx, "p1", "agent-1", types.Capabilities{
		Protocols: map[string][]string{"task_assignment": {"1.0.0"}},
	}, map[string]string{"role": "worker"})
	require.NoError(t, err)
	assert.Equal(t, types.SessionActive, sess.Status)
	assert.Equal(t, "p1", sess.ProjectID)

	got, err := f.mgr.Get(ctx, "p1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", got.ID)
	assert.Equal(t, 0, got.QueueSize)

	// Generated ID when none supplied.
	anon, err := f.mgr.Create(ctx, "p1", "", types.Capabilities{}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, anon.ID)
}

func TestCreateRequiresActiveProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Create(ctx, "ghost", "agent-1", types.Capabilities{}, nil)
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))
}

func TestCreateSupersedesExistingID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Create(ctx, "p1", "agent-1", types.Capabilities{}, nil)
	require.NoError(t, err)
	_, err = f.mgr.Enqueue(ctx, "p1", "agent-1", msg("m1"))
	require.NoError(t, err)

	// Reconnect with the same ID.
	f.advance(10 * time.Second)
	fresh, err := f.mgr.Create(ctx, "p1", "agent-1", types.Capabilities{}, nil)
	require.NoError(t, err)
	assert.Equal(t, types.SessionActive, fresh.Status)

	// Queued messages survive the supersede.
	msgs, err := f.mgr.Dequeue(ctx, "p1", "agent-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
}

func TestHeartbeatRestoresStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Create(ctx, "p1", "agent-1", types.Capabilities{}, nil)
	require.NoError(t, err)

	f.advance(90 * time.Second)
	got, err := f.mgr.Get(ctx, "p1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionStale, got.Status)

	beat, err := f.mgr.Heartbeat(ctx, "p1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionActive, beat.Status)
}

func TestHeartbeatRejectsDisconnected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Create(ctx, "p1", "agent-1", types.Capabilities{}, nil)
	require.NoError(t, err)
	require.NoError(t, f.mgr.Disconnect(ctx, "p1", "agent-1"))

	_, err = f.mgr.Heartbeat(ctx, "p1", "agent-1")
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))
}

func TestLifecycleSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Create(ctx, "p1", "agent-1", types.Capabilities{}, nil)
	require.NoError(t, err)

	// Past the stale threshold.
	f.advance(61 * time.Second)
	f.mgr.Sweep(ctx)
	got, err := f.store.GetSession(ctx, "p1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionStale, got.Status)

	// Past the disconnect threshold.
	f.advance(240 * time.Second)
	f.mgr.Sweep(ctx)
	got, err = f.store.GetSession(ctx, "p1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionDisconnected, got.Status)
	require.NotNil(t, got.DisconnectedAt)

	// Past the retention window the session and queue are reaped.
	f.advance(301 * time.Second)
	f.mgr.Sweep(ctx)
	_, err = f.store.GetSession(ctx, "p1", "agent-1")
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))
}

func TestDisconnectRetainsQueueUntilReap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Create(ctx, "p1", "agent-1", types.Capabilities{}, nil)
	require.NoError(t, err)
	_, err = f.mgr.Enqueue(ctx, "p1", "agent-1", msg("m1"))
	require.NoError(t, err)

	require.NoError(t, f.mgr.Disconnect(ctx, "p1", "agent-1"))

	// Queue survives the disconnect.
	size, err := f.store.QueueSize(ctx, "p1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, size)

	// Inside the retention window the sweep keeps it.
	f.advance(60 * time.Second)
	f.mgr.Sweep(ctx)
	size, err = f.store.QueueSize(ctx, "p1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, size)

	// After the window both the record and the queue go.
	f.advance(300 * time.Second)
	f.mgr.Sweep(ctx)
	_, err = f.store.GetSession(ctx, "p1", "agent-1")
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))
	size, err = f.store.QueueSize(ctx, "p1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestEnqueueCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Create(ctx, "p1", "agent-1", types.Capabilities{}, nil)
	require.NoError(t, err)

	// Project capacity is 5.
	for i := 0; i < 5; i++ {
		_, err := f.mgr.Enqueue(ctx, "p1", "agent-1", msg("m"))
		require.NoError(t, err)
	}
	_, err = f.mgr.Enqueue(ctx, "p1", "agent-1", msg("overflow"))
	assert.True(t, apierr.IsKind(err, apierr.KindQueueFull))

	// Draining makes room again.
	msgs, err := f.mgr.Dequeue(ctx, "p1", "agent-1", 2)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	_, err = f.mgr.Enqueue(ctx, "p1", "agent-1", msg("ok"))
	assert.NoError(t, err)
}

func TestEnqueueUnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Enqueue(context.Background(), "p1", "ghost", msg("m"))
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))
}

func TestListFiltersByStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Create(ctx, "p1", "fresh", types.Capabilities{}, nil)
	require.NoError(t, err)

	f.advance(90 * time.Second)
	_, err = f.mgr.Create(ctx, "p1", "young", types.Capabilities{}, nil)
	require.NoError(t, err)

	active, err := f.mgr.List(ctx, "p1", types.SessionActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "young", active[0].ID)

	stale, err := f.mgr.List(ctx, "p1", types.SessionStale)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "fresh", stale[0].ID)

	all, err := f.mgr.List(ctx, "p1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.mgr.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestLifecycleThresholdsAreInclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Create(ctx, "p1", "agent-1", types.Capabilities{}, nil)
	require.NoError(t, err)

	// A heartbeat exactly StaleAfter old is already stale.
	f.advance(60 * time.Second)
	got, err := f.mgr.Get(ctx, "p1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionStale, got.Status)

	// And exactly DisconnectAfter old is already disconnected.
	f.advance(240 * time.Second)
	got, err = f.mgr.Get(ctx, "p1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionDisconnected, got.Status)
}

func TestConcurrentGetDoesNotClobberHeartbeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Create(ctx, "p1", "agent-1", types.Capabilities{}, nil)
	require.NoError(t, err)
	f.advance(90 * time.Second)

	// Lazy downgrades racing heartbeats must serialize on the session lock.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_, _ = f.mgr.Get(ctx, "p1", "agent-1")
				_, _ = f.mgr.List(ctx, "p1", "")
			}
		}()
	}
	for j := 0; j < 25; j++ {
		_, err := f.mgr.Heartbeat(ctx, "p1", "agent-1")
		require.NoError(t, err)
	}
	wg.Wait()

	_, err = f.mgr.Heartbeat(ctx, "p1", "agent-1")
	require.NoError(t, err)
	got, err := f.mgr.Get(ctx, "p1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionActive, got.Status)
}

func TestReapReleasesSessionLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Create(ctx, "p1", "agent-1", types.Capabilities{}, nil)
	require.NoError(t, err)
	require.NoError(t, f.mgr.Disconnect(ctx, "p1", "agent-1"))

	f.advance(301 * time.Second)
	f.mgr.Sweep(ctx)
	_, err = f.store.GetSession(ctx, "p1", "agent-1")
	require.True(t, apierr.IsKind(err, apierr.KindNotFound))

	f.mgr.mu.Lock()
	_, held := f.mgr.locks["p1/agent-1"]
	f.mgr.mu.Unlock()
	assert.False(t, held)
}

func TestCreateEnforcesSessionQuota(t *testing.T) {
	store := storage.NewMemory()
	projects := project.NewRegistry(project.Config{MaxSessions: 2, MaxQueueSize: 5, Discoverable: true})
	mgr := NewManager(store, projects, Options{})
	ctx := context.Background()

	_, err := projects.CreateProject(ctx, "p1", "", project.CreateOptions{})
	require.NoError(t, err)

	_, err = mgr.Create(ctx, "p1", "agent-1", types.Capabilities{}, nil)
	require.NoError(t, err)
	_, err = mgr.Create(ctx, "p1", "agent-2", types.Capabilities{}, nil)
	require.NoError(t, err)

	_, err = mgr.Create(ctx, "p1", "agent-3", types.Capabilities{}, nil)
	assert.True(t, apierr.IsKind(err, apierr.KindForbidden))

	// Reconnecting a live ID supersedes rather than growing the count.
	_, err = mgr.Create(ctx, "p1", "agent-2", types.Capabilities{}, nil)
	assert.NoError(t, err)

	// Disconnecting frees a slot.
	require.NoError(t, mgr.Disconnect(ctx, "p1", "agent-1"))
	_, err = mgr.Create(ctx, "p1", "agent-3", types.Capabilities{}, nil)
	assert.NoError(t, err)
}

func TestLifecycleObserverNotified(t *testing.T) {
	store := storage.NewMemory()
	projects := project.NewRegistry(project.Config{MaxQueueSize: 5, Discoverable: true})
	var events []LifecycleEvent
	mgr := NewManager(store, projects, Options{
		OnLifecycle: func(ev LifecycleEvent) { events = append(events, ev) },
	})
	now := time.Now()
	mgr.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := projects.CreateProject(ctx, "p1", "", project.CreateOptions{})
	require.NoError(t, err)

	_, err = mgr.Create(ctx, "p1", "agent-1", types.Capabilities{}, nil)
	require.NoError(t, err)

	now = now.Add(90 * time.Second)
	_, err = mgr.Get(ctx, "p1", "agent-1")
	require.NoError(t, err)
	_, err = mgr.Heartbeat(ctx, "p1", "agent-1")
	require.NoError(t, err)
	require.NoError(t, mgr.Disconnect(ctx, "p1", "agent-1"))

	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	require.Equal(t, []string{
		LifecycleRegistered,
		LifecycleStatusChange,
		LifecycleStatusChange,
		LifecycleUnregistered,
	}, kinds)
	assert.Equal(t, types.SessionStale, events[1].Status)
	assert.Equal(t, types.SessionActive, events[2].Status)
	assert.Equal(t, "agent-1", events[3].SessionID)
}
