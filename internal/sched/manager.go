// Package sched holds the pending-task FIFO and the admission-control
// policy that decides how many queued tasks may start against current host
// load.
package sched

import (
	"runtime"
	"sync"

	"offload/internal/eventlog"
	"offload/internal/stats"
	"offload/internal/task"
)

// Manager owns every task from submission until it reaches an absorbing
// state. The queue is strictly FIFO: admission may defer the head, never
// reorder it.
//
// Invariant: a task key appears at most once across queue and running set.
type Manager struct {
	// OnQueued and OnDone are notification hooks, invoked outside the
	// manager lock. OnStart is invoked with the lock held, ordered strictly
	// before the task's completion callback, and must not re-enter the
	// manager. All three must be set before the first Add.
	OnQueued func(*task.Task)
	OnStart  func(*task.Task)
	OnDone   func(*task.Task, task.Result)

	stats       *stats.Stats
	events      eventlog.Sink
	probe       LoadProbe
	maxParallel int

	mu      sync.Mutex
	active  bool
	queue   []*task.Task
	byKey   map[task.Key]*task.Task
	running int
}

// NewManager builds an active manager. probe may be HostLoad or a test
// double; maxParallel <= 0 means the logical CPU count.
func NewManager(st *stats.Stats, events eventlog.Sink, probe LoadProbe, maxParallel int) *Manager {
	if maxParallel <= 0 {
		maxParallel = runtime.NumCPU()
	}
	return &Manager{
		stats:       st,
		events:      events,
		probe:       probe,
		maxParallel: maxParallel,
		active:      true,
		byKey:       make(map[task.Key]*task.Task),
	}
}

// Add queues t, first fully terminating any existing task with the same
// key. After deactivation the task is terminated instead of queued.
//
// The old task is terminated outside the manager lock and is gone from the
// key index before the replacement is inserted, so the replacement is "the"
// task for its key from the moment it is observable.
func (m *Manager) Add(t *task.Task) {
	t.OnDone = m.taskDone
	for {
		m.mu.Lock()
		if !m.active {
			m.mu.Unlock()
			t.Terminate()
			return
		}
		old := m.byKey[t.Key()]
		if old == nil {
			m.byKey[t.Key()] = t
			m.queue = append(m.queue, t)
			m.mu.Unlock()
			break
		}
		m.mu.Unlock()
		eventlog.SafeRecord(m.events, eventlog.Event{
			Kind: eventlog.EventSuperseded, Task: old.Name, Cwd: old.Cwd, BuildID: old.BuildID,
		})
		old.Terminate()
	}

	m.stats.TaskAccepted()
	eventlog.SafeRecord(m.events, eventlog.Event{
		Kind: eventlog.EventQueued, Task: t.Name, Cwd: t.Cwd, BuildID: t.BuildID,
	})
	if m.OnQueued != nil {
		m.OnQueued(t)
	}
	m.admit()
}

// Deactivate stops admission permanently and drains the queue by
// terminating every still-queued task. Running tasks are left alone; use
// TerminateAll for full teardown.
func (m *Manager) Deactivate() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	drained := m.queue
	m.queue = nil
	m.mu.Unlock()

	for _, t := range drained {
		t.Terminate()
	}
}

// TerminateAll deactivates the manager and terminates every task it still
// tracks, returning once all completion paths have run.
func (m *Manager) TerminateAll() {
	m.Deactivate()
	for {
		m.mu.Lock()
		var next *task.Task
		for _, t := range m.byKey {
			next = t
			break
		}
		m.mu.Unlock()
		if next == nil {
			return
		}
		next.Terminate()
	}
}

// CancelBuild terminates every queued or running task owned by buildID.
// Already-completed tasks are unaffected.
func (m *Manager) CancelBuild(buildID string) {
	m.mu.Lock()
	var owned []*task.Task
	for _, t := range m.byKey {
		if t.BuildID == buildID {
			owned = append(owned, t)
		}
	}
	m.mu.Unlock()

	for _, t := range owned {
		t.Terminate()
	}
}

// Idle reports whether the manager tracks no tasks at all. A task stays
// tracked until its completion path (including stamp-file invalidation)
// has run, so Idle never reports true with an invalidation still pending.
func (m *Manager) Idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byKey) == 0 && len(m.queue) == 0
}

// taskDone is installed as every task's completion callback. It drops the
// bookkeeping for t, refills the pipeline, and forwards to the OnDone hook.
func (m *Manager) taskDone(t *task.Task, res task.Result) {
	m.mu.Lock()
	if m.byKey[t.Key()] == t {
		delete(m.byKey, t.Key())
	}
	for i, q := range m.queue {
		if q == t {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
	if t.Started() {
		m.running--
	}
	m.mu.Unlock()

	m.admit()
	if m.OnDone != nil {
		m.OnDone(t, res)
	}
}

// admit is the admission-control pass, run on every Add and every
// completion.
//
// Policy: load is max(runnable processes, load average). At most two tasks
// start per pass, bounding ramp-up after a submission burst; if nothing is
// running, one task always starts, guaranteeing forward progress; otherwise
// a task starts only while started-this-pass + load stays below the
// parallelism ceiling, leaving headroom for the primary build. An
// unavailable load metric counts as saturation.
func (m *Manager) admit() {
	load, ok := m.probe()

	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	started := 0
	for started < 2 && len(m.queue) > 0 {
		if m.running > 0 && (!ok || float64(started)+load >= float64(m.maxParallel)) {
			break
		}
		t := m.queue[0]
		m.queue = m.queue[1:]
		// Start holds only the task's own lock; a launch failure completes
		// on a fresh goroutine, so no completion path re-enters m.mu here.
		if t.Start() == 0 {
			continue
		}
		m.running++
		started++
		// The start hook fires inside the critical section: the task's
		// completion callback re-enters m.mu, so completion bookkeeping
		// cannot overtake the start notification.
		if m.OnStart != nil {
			m.OnStart(t)
		}
	}
	m.mu.Unlock()
}
