// Package process implements the kernel process table: lifecycle state
// machine, bounded-concurrency scheduling with a priority wait queue, PID
// allocation, signals, IPC mailboxes, and zombie reaping.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aether-os/aether/pkg/events"
	"github.com/aether-os/aether/pkg/models"
	"github.com/aether-os/aether/pkg/store"
)

const (
	// MaxProcesses caps the number of non-dead rows in the process table.
	MaxProcesses = 512

	// pidWrap is where PID allocation rolls over. Twice the table cap so a
	// full table still has free PIDs to allocate from.
	pidWrap = 2 * MaxProcesses

	// MailboxCap bounds each IPC mailbox; the oldest message is dropped on
	// overflow.
	MailboxCap = 100

	// reapDelay is how long a zombie lingers before the reaper moves it to
	// dead and releases its resources.
	reapDelay = 1500 * time.Millisecond

	// signalReapDelay is the shorter reap delay used after SIGTERM/SIGKILL.
	signalReapDelay = time.Second

	// shutdownGrace is how long Shutdown waits between SIGTERM and SIGKILL.
	shutdownGrace = 3 * time.Second
)

// ErrTableFull is returned by Spawn when the process table is at capacity.
var ErrTableFull = errors.New("process table full")

// QueuedError tells a spawn caller their request was parked in the wait
// queue rather than admitted.
type QueuedError struct {
	Position int
}

func (e *QueuedError) Error() string {
	return fmt.Sprintf("spawn queued at position %d", e.Position)
}

// validTransitions is the process state machine. Reap (zombie to dead) is
// driven by the manager itself, not by SetState callers.
var validTransitions = map[models.ProcessState][]models.ProcessState{
	models.StateCreated:  {models.StateRunning, models.StateZombie},
	models.StateRunning:  {models.StateSleeping, models.StateStopped, models.StatePaused, models.StateZombie},
	models.StateSleeping: {models.StateRunning, models.StateStopped, models.StatePaused, models.StateZombie},
	models.StateStopped:  {models.StateRunning, models.StateZombie},
	models.StatePaused:   {models.StateRunning, models.StateZombie},
	models.StateZombie:   {models.StateDead},
}

type proc struct {
	models.Process
	mailbox []models.IPCMessage
	cancel  context.CancelFunc
	ctx     context.Context
	reaped  bool
}

// StartFunc launches the runtime behind a freshly admitted process. It runs
// on its own goroutine under the process's cancellation context.
type StartFunc func(ctx context.Context, p models.Process)

// ReapFunc is called once per process after it reaches dead.
type ReapFunc func(pid int, uid string)

// Manager owns the process table.
type Manager struct {
	mu       sync.Mutex
	procs    map[int]*proc
	queue    []models.QueuedSpawn
	nextPID  int
	maxConc  int
	shutdown bool

	bus    *events.Bus
	store  store.Store
	logger *slog.Logger

	// OnStart and OnReap are wired by the kernel before the first spawn.
	OnStart StartFunc
	OnReap  ReapFunc

	reapWG sync.WaitGroup
}

// NewManager creates a process manager admitting at most maxConcurrent
// non-terminal processes.
func NewManager(bus *events.Bus, st store.Store, maxConcurrent int, logger *slog.Logger) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		procs:   make(map[int]*proc),
		nextPID: 1,
		maxConc: maxConcurrent,
		bus:     bus,
		store:   st,
		logger:  logger.With("component", "process"),
	}
}

// Hydrate loads persisted rows into the in-memory table. Rows that were
// live when the kernel went down are marked dead; their runtimes did not
// survive the restart.
func (m *Manager) Hydrate(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	rows, err := m.store.ListProcesses(ctx)
	if err != nil {
		return fmt.Errorf("failed to hydrate process table: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		if !row.State.Terminal() {
			row.State = models.StateDead
			row.Phase = models.PhaseFailed
		} else if row.State == models.StateZombie {
			row.State = models.StateDead
		}
		pctx, cancel := context.WithCancel(context.Background())
		cancel()
		m.procs[row.PID] = &proc{Process: *row, ctx: pctx, cancel: cancel, reaped: true}
		if row.PID >= m.nextPID {
			m.nextPID = row.PID + 1
			if m.nextPID > pidWrap {
				m.nextPID = 1
			}
		}
	}
	return nil
}

// Spawn creates a process or, at capacity, parks the request in the wait
// queue and returns a QueuedError with the queue position.
func (m *Manager) Spawn(ctx context.Context, cfg models.SpawnConfig, ownerUID string, parentPID int) (*models.Process, error) {
	if cfg.Priority == 0 {
		cfg.Priority = models.PriorityDefault
	}
	if cfg.Priority < models.PriorityHighest || cfg.Priority > models.PriorityLowest {
		return nil, fmt.Errorf("priority %d out of range 1..5", cfg.Priority)
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil, errors.New("kernel is shutting down")
	}
	if m.nonDeadCountLocked() >= MaxProcesses {
		m.mu.Unlock()
		return nil, ErrTableFull
	}
	if m.activeCountLocked() >= m.maxConc {
		m.queue = append(m.queue, models.QueuedSpawn{
			Config:     cfg,
			OwnerUID:   ownerUID,
			Priority:   cfg.Priority,
			EnqueuedAt: time.Now().UTC(),
		})
		m.sortQueueLocked()
		pos := m.queuePositionLocked(cfg, ownerUID)
		m.mu.Unlock()
		m.bus.Emit(events.EventProcessQueued, 0, map[string]any{
			"role":     cfg.Role,
			"owner":    ownerUID,
			"position": pos,
		})
		return nil, &QueuedError{Position: pos}
	}
	p, err := m.createLocked(cfg, ownerUID, parentPID)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.announce(p)
	return &p.Process, nil
}

// createLocked allocates a PID, builds the row, and persists it.
func (m *Manager) createLocked(cfg models.SpawnConfig, ownerUID string, parentPID int) (*proc, error) {
	pid, err := m.allocPIDLocked()
	if err != nil {
		return nil, err
	}
	uid := fmt.Sprintf("agent_%d", pid)
	ctx, cancel := context.WithCancel(context.Background())
	p := &proc{
		Process: models.Process{
			PID:       pid,
			UID:       uid,
			ParentPID: parentPID,
			OwnerUID:  ownerUID,
			Config:    cfg,
			State:     models.StateCreated,
			Phase:     models.PhaseBooting,
			WorkDir:   "/home/" + uid,
			Env: map[string]string{
				"AETHER_PID": fmt.Sprintf("%d", pid),
				"AETHER_UID": uid,
				"HOME":       "/home/" + uid,
			},
			CreatedAt: time.Now().UTC(),
		},
		ctx:    ctx,
		cancel: cancel,
	}
	if ownerUID != "" {
		p.Env["AETHER_OWNER"] = ownerUID
	}
	m.procs[pid] = p
	m.persistLocked(p)
	return p, nil
}

// announce publishes spawn events and kicks off the runtime.
func (m *Manager) announce(p *proc) {
	m.logger.Info("process spawned",
		slog.Int("pid", p.PID),
		slog.String("role", p.Config.Role),
		slog.Int("priority", p.Config.Priority))
	m.bus.Emit(events.EventProcessSpawned, p.PID, map[string]any{
		"uid":      p.UID,
		"role":     p.Config.Role,
		"goal":     p.Config.Goal,
		"runtime":  string(p.Config.Runtime),
		"priority": p.Config.Priority,
	})
	if m.OnStart != nil {
		go m.OnStart(p.ctx, p.Process)
	}
}

// allocPIDLocked hands out monotonic PIDs with wrap-around, skipping any PID
// still bound to a non-terminal row.
func (m *Manager) allocPIDLocked() (int, error) {
	for i := 0; i < pidWrap; i++ {
		candidate := m.nextPID
		m.nextPID++
		if m.nextPID > pidWrap {
			m.nextPID = 1
		}
		if existing, ok := m.procs[candidate]; ok && !existing.State.Terminal() {
			continue
		}
		return candidate, nil
	}
	return 0, ErrTableFull
}

func (m *Manager) nonDeadCountLocked() int {
	n := 0
	for _, p := range m.procs {
		if p.State != models.StateDead {
			n++
		}
	}
	return n
}

func (m *Manager) activeCountLocked() int {
	n := 0
	for _, p := range m.procs {
		if !p.State.Terminal() {
			n++
		}
	}
	return n
}

func (m *Manager) sortQueueLocked() {
	sort.SliceStable(m.queue, func(i, j int) bool {
		if m.queue[i].Priority != m.queue[j].Priority {
			return m.queue[i].Priority < m.queue[j].Priority
		}
		return m.queue[i].EnqueuedAt.Before(m.queue[j].EnqueuedAt)
	})
}

func (m *Manager) queuePositionLocked(cfg models.SpawnConfig, owner string) int {
	for i, q := range m.queue {
		if q.OwnerUID == owner && q.Config.Role == cfg.Role && q.Config.Goal == cfg.Goal {
			return i + 1
		}
	}
	return len(m.queue)
}

// Get returns a snapshot of one process, or nil if unknown.
func (m *Manager) Get(pid int) *models.Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[pid]
	if !ok {
		return nil
	}
	snapshot := p.Process
	return &snapshot
}

// GetByUID returns a snapshot of the process with the given agent UID.
func (m *Manager) GetByUID(uid string) *models.Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.procs {
		if p.UID == uid {
			snapshot := p.Process
			return &snapshot
		}
	}
	return nil
}

// List returns snapshots of every row, ordered by PID.
func (m *Manager) List() []models.Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Process, 0, len(m.procs))
	for _, p := range m.procs {
		out = append(out, p.Process)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// WaitQueue returns the pending spawn requests in admission order.
func (m *Manager) WaitQueue() []models.QueuedSpawn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.QueuedSpawn, len(m.queue))
	copy(out, m.queue)
	return out
}

// Context returns the cancellation context attached to a live process, or a
// cancelled context for unknown PIDs.
func (m *Manager) Context(pid int) context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.procs[pid]; ok {
		return p.ctx
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// SetState applies a lifecycle transition. Invalid transitions and unknown
// PIDs return false without side effects.
func (m *Manager) SetState(pid int, next models.ProcessState) bool {
	m.mu.Lock()
	p, ok := m.procs[pid]
	if !ok || !transitionAllowed(p.State, next) {
		m.mu.Unlock()
		return false
	}
	prev := p.State
	p.State = next
	m.persistLocked(p)
	m.mu.Unlock()

	m.bus.Emit(events.EventProcessState, pid, map[string]any{
		"uid":  p.UID,
		"from": string(prev),
		"to":   string(next),
	})
	if next == models.StateZombie {
		m.afterZombie(p, reapDelay)
	}
	return true
}

// SetPhase updates the phase annotation. Unknown PIDs are a no-op.
func (m *Manager) SetPhase(pid int, phase models.ProcessPhase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.procs[pid]; ok {
		p.Phase = phase
		m.persistLocked(p)
	}
}

// SetMetrics updates OS-level usage metrics. Unknown PIDs are a no-op.
func (m *Manager) SetMetrics(pid int, metrics models.ResourceMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.procs[pid]; ok {
		p.Metrics = metrics
	}
}

func transitionAllowed(from, to models.ProcessState) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Exit records runtime completion: zombie with the given exit code, phase
// completed on zero and failed otherwise. Unknown PIDs are a no-op.
func (m *Manager) Exit(pid int, code int) {
	m.exitWithDelay(pid, code, reapDelay)
}

func (m *Manager) exitWithDelay(pid int, code int, delay time.Duration) {
	m.mu.Lock()
	p, ok := m.procs[pid]
	if !ok || p.State.Terminal() {
		m.mu.Unlock()
		return
	}
	prev := p.State
	p.State = models.StateZombie
	p.ExitCode = &code
	if code == 0 {
		p.Phase = models.PhaseCompleted
	} else {
		p.Phase = models.PhaseFailed
	}
	p.cancel()
	m.persistLocked(p)
	m.mu.Unlock()

	m.logger.Info("process exited", slog.Int("pid", pid), slog.Int("code", code))
	m.bus.Emit(events.EventProcessState, pid, map[string]any{
		"uid":  p.UID,
		"from": string(prev),
		"to":   string(models.StateZombie),
	})
	m.bus.Emit(events.EventProcessExit, pid, map[string]any{
		"uid":  p.UID,
		"code": code,
	})
	m.afterZombie(p, delay)
}

// afterZombie frees a concurrency slot and schedules the reap.
func (m *Manager) afterZombie(p *proc, delay time.Duration) {
	m.admitNext()
	m.reapWG.Add(1)
	go func() {
		defer m.reapWG.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		<-timer.C
		m.reap(p.PID)
	}()
}

// reap moves a zombie to dead, clears the mailbox, and emits the home
// cleanup event. The row is retained.
func (m *Manager) reap(pid int) {
	m.mu.Lock()
	p, ok := m.procs[pid]
	if !ok || p.State != models.StateZombie || p.reaped {
		m.mu.Unlock()
		return
	}
	p.reaped = true
	p.State = models.StateDead
	p.mailbox = nil
	m.persistLocked(p)
	uid := p.UID
	m.mu.Unlock()

	m.bus.Emit(events.EventProcessState, pid, map[string]any{
		"uid":  uid,
		"from": string(models.StateZombie),
		"to":   string(models.StateDead),
	})
	m.bus.Emit(events.EventWorkspaceCleaned, pid, map[string]any{"uid": uid})
	if m.OnReap != nil {
		m.OnReap(pid, uid)
	}
	m.admitNext()
}

// admitNext dequeues the highest-priority waiter if a slot is free.
func (m *Manager) admitNext() {
	m.mu.Lock()
	if m.shutdown || len(m.queue) == 0 || m.activeCountLocked() >= m.maxConc {
		m.mu.Unlock()
		return
	}
	next := m.queue[0]
	m.queue = m.queue[1:]
	p, err := m.createLocked(next.Config, next.OwnerUID, 0)
	m.mu.Unlock()
	if err != nil {
		m.logger.Error("failed to admit queued spawn",
			slog.String("role", next.Config.Role), slog.Any("error", err))
		return
	}
	m.announce(p)
}

// Signal delivers a kernel signal. SIGTERM and SIGKILL cancel the execution
// handle and zombify with exit codes 143 and 137; SIGSTOP and SIGCONT toggle
// stopped; SIGINT and unknown signals only raise a bus notification.
// Unknown PIDs return false.
func (m *Manager) Signal(pid int, sig models.Signal) bool {
	m.mu.Lock()
	p, ok := m.procs[pid]
	m.mu.Unlock()
	if !ok {
		return false
	}

	m.bus.Emit(events.EventProcessSignal, pid, map[string]any{
		"uid":    p.UID,
		"signal": string(sig),
	})

	switch sig {
	case models.SIGTERM:
		m.exitWithDelay(pid, models.ExitCodeSIGTERM, signalReapDelay)
	case models.SIGKILL:
		m.exitWithDelay(pid, models.ExitCodeSIGKILL, signalReapDelay)
	case models.SIGSTOP:
		m.SetState(pid, models.StateStopped)
	case models.SIGCONT:
		m.mu.Lock()
		resumable := p.State == models.StateStopped || p.State == models.StatePaused
		m.mu.Unlock()
		if resumable {
			m.SetState(pid, models.StateRunning)
		}
	case models.SIGINT:
		// Notification only; the runtime decides how to react.
	default:
		// Unknown signal: notification only.
	}
	return true
}

// Pause suspends a running or sleeping process for human takeover.
func (m *Manager) Pause(pid int) bool {
	m.mu.Lock()
	p, ok := m.procs[pid]
	if !ok || (p.State != models.StateRunning && p.State != models.StateSleeping) {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()
	return m.SetState(pid, models.StatePaused)
}

// Resume returns a paused process to running.
func (m *Manager) Resume(pid int) bool {
	m.mu.Lock()
	p, ok := m.procs[pid]
	if !ok || p.State != models.StatePaused {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()
	return m.SetState(pid, models.StateRunning)
}

// persistLocked writes through to the store; persistence failures are logged
// but never fail the in-memory transition.
func (m *Manager) persistLocked(p *proc) {
	if m.store == nil {
		return
	}
	row := p.Process
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.store.UpsertProcess(ctx, &row); err != nil {
			m.logger.Error("failed to persist process row",
				slog.Int("pid", row.PID), slog.Any("error", err))
		}
	}()
}

// Shutdown terminates all active processes: SIGTERM, a grace period, then
// SIGKILL for survivors. The wait queue is cleared.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.shutdown = true
	m.queue = nil
	var active []int
	for pid, p := range m.procs {
		if !p.State.Terminal() {
			active = append(active, pid)
		}
	}
	m.mu.Unlock()

	for _, pid := range active {
		m.Signal(pid, models.SIGTERM)
	}

	deadline := time.NewTimer(shutdownGrace)
	defer deadline.Stop()
	select {
	case <-ctx.Done():
	case <-deadline.C:
	}

	m.mu.Lock()
	var survivors []int
	for pid, p := range m.procs {
		if !p.State.Terminal() {
			survivors = append(survivors, pid)
		}
	}
	m.mu.Unlock()
	for _, pid := range survivors {
		m.Signal(pid, models.SIGKILL)
	}
	m.logger.Info("process manager shut down",
		slog.Int("terminated", len(active)), slog.Int("killed", len(survivors)))
}

// SendMessage appends an IPC envelope to the recipient's mailbox, dropping
// the oldest message when the mailbox is full. Dead endpoints are rejected.
func (m *Manager) SendMessage(fromPID, toPID int, channel string, payload any) (*models.IPCMessage, error) {
	m.mu.Lock()
	to, ok := m.procs[toPID]
	if !ok || to.State == models.StateDead {
		m.mu.Unlock()
		return nil, fmt.Errorf("recipient pid %d not available", toPID)
	}
	fromUID := "kernel"
	if fromPID != 0 {
		from, ok := m.procs[fromPID]
		if !ok || from.State == models.StateDead {
			m.mu.Unlock()
			return nil, fmt.Errorf("sender pid %d not available", fromPID)
		}
		fromUID = from.UID
	}
	msg := models.IPCMessage{
		ID:      uuid.New().String(),
		FromPID: fromPID,
		ToPID:   toPID,
		FromUID: fromUID,
		ToUID:   to.UID,
		Channel: channel,
		Payload: payload,
		SentAt:  time.Now().UTC(),
	}
	if len(to.mailbox) >= MailboxCap {
		to.mailbox = to.mailbox[1:]
	}
	to.mailbox = append(to.mailbox, msg)
	m.mu.Unlock()

	m.bus.Emit(events.EventIPCMessage, toPID, map[string]any{
		"id":       msg.ID,
		"from_pid": fromPID,
		"channel":  channel,
	})
	return &msg, nil
}

// Drain atomically removes and returns all messages in a mailbox, marking
// each delivered. Unknown PIDs drain empty.
func (m *Manager) Drain(pid int) []models.IPCMessage {
	m.mu.Lock()
	p, ok := m.procs[pid]
	if !ok || len(p.mailbox) == 0 {
		m.mu.Unlock()
		return nil
	}
	drained := p.mailbox
	p.mailbox = nil
	for i := range drained {
		drained[i].Delivered = true
	}
	m.mu.Unlock()

	for _, msg := range drained {
		m.bus.Emit(events.EventIPCDelivered, pid, map[string]any{
			"id":       msg.ID,
			"from_pid": msg.FromPID,
			"channel":  msg.Channel,
		})
	}
	return drained
}

// Peek returns a snapshot of a mailbox without consuming it.
func (m *Manager) Peek(pid int) []models.IPCMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[pid]
	if !ok {
		return nil
	}
	out := make([]models.IPCMessage, len(p.mailbox))
	copy(out, p.mailbox)
	return out
}

// WaitReaps blocks until all scheduled reaps have run. Test helper.
func (m *Manager) WaitReaps() { m.reapWG.Wait() }
