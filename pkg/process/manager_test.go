package process

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-os/aether/pkg/events"
	"github.com/aether-os/aether/pkg/models"
)

func newTestManager(t *testing.T, maxConcurrent int) (*Manager, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	return NewManager(bus, nil, maxConcurrent, nil), bus
}

func TestSpawnAssignsSequentialPIDs(t *testing.T) {
	m, _ := newTestManager(t, 10)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		p, err := m.Spawn(ctx, models.SpawnConfig{Role: "writer", Goal: "g"}, "owner", 0)
		require.NoError(t, err)
		assert.Equal(t, i, p.PID)
		assert.Equal(t, fmt.Sprintf("agent_%d", i), p.UID)
		assert.Equal(t, "owner", p.OwnerUID)
		assert.Equal(t, models.StateCreated, p.State)
		assert.Equal(t, models.PhaseBooting, p.Phase)
		assert.Equal(t, "/home/"+p.UID, p.WorkDir)
	}
	assert.Len(t, m.List(), 3)
}

func TestSpawnQueuesAtCapacity(t *testing.T) {
	m, bus := newTestManager(t, 2)
	ctx := context.Background()
	sub := bus.Subscribe(events.EventProcessQueued, 8)
	defer bus.Unsubscribe(sub)

	_, err := m.Spawn(ctx, models.SpawnConfig{Role: "a", Goal: "g"}, "u", 0)
	require.NoError(t, err)
	p2, err := m.Spawn(ctx, models.SpawnConfig{Role: "b", Goal: "g"}, "u", 0)
	require.NoError(t, err)

	_, err = m.Spawn(ctx, models.SpawnConfig{Role: "c", Goal: "g"}, "u", 0)
	var qerr *QueuedError
	require.True(t, errors.As(err, &qerr))
	assert.Equal(t, 1, qerr.Position)
	assert.Len(t, m.WaitQueue(), 1)

	ev := <-sub.Events()
	assert.Equal(t, "c", ev.Field("role"))

	// Freeing a slot admits the waiter.
	m.Exit(p2.PID, 0)
	require.Eventually(t, func() bool {
		return len(m.WaitQueue()) == 0 && len(m.List()) == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestQueueAdmitsByPriorityThenFIFO(t *testing.T) {
	m, _ := newTestManager(t, 1)
	ctx := context.Background()

	p1, err := m.Spawn(ctx, models.SpawnConfig{Role: "holder", Goal: "g"}, "u", 0)
	require.NoError(t, err)

	_, err = m.Spawn(ctx, models.SpawnConfig{Role: "low", Goal: "g", Priority: 5}, "u", 0)
	require.Error(t, err)
	_, err = m.Spawn(ctx, models.SpawnConfig{Role: "high", Goal: "g", Priority: 1}, "u", 0)
	require.Error(t, err)

	queue := m.WaitQueue()
	require.Len(t, queue, 2)
	assert.Equal(t, "high", queue[0].Config.Role)

	m.Exit(p1.PID, 0)
	require.Eventually(t, func() bool {
		return m.GetByUID("agent_2") != nil || m.GetByUID("agent_3") != nil
	}, 2*time.Second, 10*time.Millisecond)

	// The high-priority waiter got the slot.
	var admitted *models.Process
	for _, p := range m.List() {
		if p.Config.Role == "high" {
			admitted = &p
			break
		}
	}
	require.NotNil(t, admitted)
	queue = m.WaitQueue()
	require.Len(t, queue, 1)
	assert.Equal(t, "low", queue[0].Config.Role)
}

func TestSignalTERMZombifiesThenReaps(t *testing.T) {
	m, bus := newTestManager(t, 10)
	ctx := context.Background()
	sub := bus.Subscribe(events.EventWorkspaceCleaned, 8)
	defer bus.Unsubscribe(sub)

	p, err := m.Spawn(ctx, models.SpawnConfig{Role: "r", Goal: "g"}, "u", 0)
	require.NoError(t, err)
	require.True(t, m.SetState(p.PID, models.StateRunning))

	var reapedUID string
	m.OnReap = func(pid int, uid string) { reapedUID = uid }

	require.True(t, m.Signal(p.PID, models.SIGTERM))
	got := m.Get(p.PID)
	require.NotNil(t, got)
	assert.Equal(t, models.StateZombie, got.State)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, models.ExitCodeSIGTERM, *got.ExitCode)
	assert.Equal(t, models.PhaseFailed, got.Phase)

	// Cancellation handle fires with the signal.
	select {
	case <-m.Context(p.PID).Done():
	case <-time.After(time.Second):
		t.Fatal("process context not cancelled")
	}

	m.WaitReaps()
	got = m.Get(p.PID)
	assert.Equal(t, models.StateDead, got.State)
	assert.Equal(t, p.UID, reapedUID)
	ev := <-sub.Events()
	assert.Equal(t, p.PID, ev.PID)
}

func TestSignalKILLExitCode(t *testing.T) {
	m, _ := newTestManager(t, 10)
	p, err := m.Spawn(context.Background(), models.SpawnConfig{Role: "r", Goal: "g"}, "u", 0)
	require.NoError(t, err)

	require.True(t, m.Signal(p.PID, models.SIGKILL))
	got := m.Get(p.PID)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, models.ExitCodeSIGKILL, *got.ExitCode)
}

func TestStopContAndPauseResume(t *testing.T) {
	m, _ := newTestManager(t, 10)
	p, err := m.Spawn(context.Background(), models.SpawnConfig{Role: "r", Goal: "g"}, "u", 0)
	require.NoError(t, err)
	require.True(t, m.SetState(p.PID, models.StateRunning))

	require.True(t, m.Signal(p.PID, models.SIGSTOP))
	assert.Equal(t, models.StateStopped, m.Get(p.PID).State)

	require.True(t, m.Signal(p.PID, models.SIGCONT))
	assert.Equal(t, models.StateRunning, m.Get(p.PID).State)

	// SIGCONT from running is a notification-only no-op.
	require.True(t, m.Signal(p.PID, models.SIGCONT))
	assert.Equal(t, models.StateRunning, m.Get(p.PID).State)

	require.True(t, m.Pause(p.PID))
	assert.Equal(t, models.StatePaused, m.Get(p.PID).State)
	assert.False(t, m.Pause(p.PID))
	require.True(t, m.Resume(p.PID))
	assert.Equal(t, models.StateRunning, m.Get(p.PID).State)
	assert.False(t, m.Resume(p.PID))
}

func TestSIGINTDoesNotTerminate(t *testing.T) {
	m, bus := newTestManager(t, 10)
	sub := bus.Subscribe(events.EventProcessSignal, 8)
	defer bus.Unsubscribe(sub)

	p, err := m.Spawn(context.Background(), models.SpawnConfig{Role: "r", Goal: "g"}, "u", 0)
	require.NoError(t, err)
	require.True(t, m.SetState(p.PID, models.StateRunning))

	require.True(t, m.Signal(p.PID, models.SIGINT))
	assert.Equal(t, models.StateRunning, m.Get(p.PID).State)
	ev := <-sub.Events()
	assert.Equal(t, "SIGINT", ev.Field("signal"))

	// Unknown signals are notification-only too.
	require.True(t, m.Signal(p.PID, models.Signal("SIGUSR1")))
	assert.Equal(t, models.StateRunning, m.Get(p.PID).State)
}

func TestInvalidTransitionsRejected(t *testing.T) {
	m, _ := newTestManager(t, 10)
	p, err := m.Spawn(context.Background(), models.SpawnConfig{Role: "r", Goal: "g"}, "u", 0)
	require.NoError(t, err)

	// created cannot jump straight to paused or dead.
	assert.False(t, m.SetState(p.PID, models.StatePaused))
	assert.False(t, m.SetState(p.PID, models.StateDead))
	assert.False(t, m.SetState(999, models.StateRunning))
}

func TestMailboxFIFOAndOverflow(t *testing.T) {
	m, _ := newTestManager(t, 10)
	ctx := context.Background()
	a, err := m.Spawn(ctx, models.SpawnConfig{Role: "a", Goal: "g"}, "u", 0)
	require.NoError(t, err)
	b, err := m.Spawn(ctx, models.SpawnConfig{Role: "b", Goal: "g"}, "u", 0)
	require.NoError(t, err)

	for i := 0; i < MailboxCap+5; i++ {
		_, err := m.SendMessage(a.PID, b.PID, "work", i)
		require.NoError(t, err)
	}

	peeked := m.Peek(b.PID)
	require.Len(t, peeked, MailboxCap)
	// Oldest five dropped.
	assert.Equal(t, 5, peeked[0].Payload)
	assert.False(t, peeked[0].Delivered)

	drained := m.Drain(b.PID)
	require.Len(t, drained, MailboxCap)
	assert.True(t, drained[0].Delivered)
	assert.Equal(t, a.UID, drained[0].FromUID)
	assert.Empty(t, m.Peek(b.PID))
	assert.Nil(t, m.Drain(b.PID))
}

func TestSendMessageRejectsDeadEndpoints(t *testing.T) {
	m, _ := newTestManager(t, 10)
	ctx := context.Background()
	a, err := m.Spawn(ctx, models.SpawnConfig{Role: "a", Goal: "g"}, "u", 0)
	require.NoError(t, err)
	b, err := m.Spawn(ctx, models.SpawnConfig{Role: "b", Goal: "g"}, "u", 0)
	require.NoError(t, err)

	m.Signal(b.PID, models.SIGKILL)
	m.WaitReaps()

	_, err = m.SendMessage(a.PID, b.PID, "work", "x")
	assert.Error(t, err)
	_, err = m.SendMessage(b.PID, a.PID, "work", "x")
	assert.Error(t, err)

	// Kernel (PID 0) can always send to live processes.
	_, err = m.SendMessage(0, a.PID, "control", "ping")
	require.NoError(t, err)
	msg := m.Peek(a.PID)[0]
	assert.Equal(t, "kernel", msg.FromUID)
}

func TestShutdownTerminatesAndClearsQueue(t *testing.T) {
	m, _ := newTestManager(t, 1)
	ctx := context.Background()
	p, err := m.Spawn(ctx, models.SpawnConfig{Role: "r", Goal: "g"}, "u", 0)
	require.NoError(t, err)
	_, err = m.Spawn(ctx, models.SpawnConfig{Role: "waiting", Goal: "g"}, "u", 0)
	require.Error(t, err)

	done := make(chan struct{})
	go func() {
		m.Shutdown(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	assert.Empty(t, m.WaitQueue())
	assert.True(t, m.Get(p.PID).State.Terminal())

	_, err = m.Spawn(ctx, models.SpawnConfig{Role: "late", Goal: "g"}, "u", 0)
	assert.Error(t, err)
}
