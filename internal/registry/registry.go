// Package registry tracks top-level build invocations and their per-build
// task counts.
//
// A build is created by an explicit registration and is dropped either by
// explicit cancellation or lazily, when its controlling process is observed
// to have exited. Tasks whose build id has no registered record still run;
// they simply contribute to no status query.
package registry

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"offload/internal/eventlog"
)

// Info is a point-in-time view of one build's counts.
type Info struct {
	BuildID   string
	Pending   int // queued + running tasks
	Running   int // subset of Pending with a live child process
	Completed int
}

type build struct {
	id        string
	pid       int
	pending   int
	running   int
	completed int
	tty       *os.File // optional mirror target for outcome lines
}

// Registry is the mutex-guarded build table. The condition variable is
// broadcast on every count change so WaitForBuild and WaitForIdle can poll
// their predicates without busy-waiting.
type Registry struct {
	mu     sync.Mutex
	cond   *sync.Cond
	builds map[string]*build

	events eventlog.Sink

	// alive reports whether a controlling process still exists.
	// Overridable in tests.
	alive func(pid int) bool

	// cancelTasks terminates every tracked task owned by a build id.
	// Wired to the task manager; must not be called under r.mu.
	cancelTasks func(buildID string)

	// tasks counts every live task the daemon tracks, registered build or
	// not: incremented on TaskQueued, decremented on TaskFinished. It is
	// the WaitForIdle predicate.
	tasks int
}

// New builds a registry. cancelTasks is wired to the manager.
func New(events eventlog.Sink, cancelTasks func(buildID string)) *Registry {
	r := &Registry{
		builds:      make(map[string]*build),
		events:      events,
		alive:       processAlive,
		cancelTasks: cancelTasks,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// processAlive probes a pid with the null signal.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	// EPERM means the process exists but belongs to someone else.
	return err == nil || err == unix.EPERM
}

// Register creates a build record. Registering an id whose previous
// controlling process is still alive is a caller error; a record left
// behind by a dead builder is silently replaced.
//
// ttyPath, when non-empty, names a writable terminal (or file) to mirror
// the build's task outcome lines to.
func (r *Registry) Register(buildID string, builderPID int, ttyPath string) error {
	if buildID == "" {
		return fmt.Errorf("registry: empty build id")
	}

	var tty *os.File
	if ttyPath != "" {
		f, err := os.OpenFile(ttyPath, os.O_WRONLY|os.O_APPEND, 0)
		if err != nil {
			return fmt.Errorf("registry: open tty %q: %w", ttyPath, err)
		}
		tty = f
	}

	r.mu.Lock()
	if old, ok := r.builds[buildID]; ok {
		if r.alive(old.pid) {
			r.mu.Unlock()
			if tty != nil {
				tty.Close()
			}
			return fmt.Errorf("registry: build %q already registered (pid %d alive)", buildID, old.pid)
		}
		r.dropLocked(old)
	}
	r.builds[buildID] = &build{id: buildID, pid: builderPID, tty: tty}
	r.cond.Broadcast()
	r.mu.Unlock()

	eventlog.SafeRecord(r.events, eventlog.Event{
		Kind: eventlog.EventBuildRegistered, BuildID: buildID,
		Detail: fmt.Sprintf("pid=%d", builderPID),
	})
	return nil
}

// Cancel terminates every queued or running task owned by buildID and
// removes the record. Cancelling an unknown build is a no-op.
func (r *Registry) Cancel(buildID string) {
	r.mu.Lock()
	b, ok := r.builds[buildID]
	if ok {
		r.dropLocked(b)
		r.cond.Broadcast()
	}
	r.mu.Unlock()

	// Task termination runs the completion callbacks, which re-enter the
	// registry; it must happen with r.mu released.
	if r.cancelTasks != nil {
		r.cancelTasks(buildID)
	}
	if ok {
		eventlog.SafeRecord(r.events, eventlog.Event{
			Kind: eventlog.EventBuildCancelled, BuildID: buildID,
		})
	}
}

// Query returns the counts for one build. Unknown (or dead-builder) ids
// yield ok=false rather than an error: races between builder exit and
// query are expected.
func (r *Registry) Query(buildID string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	b, ok := r.builds[buildID]
	if !ok {
		return Info{BuildID: buildID}, false
	}
	return b.info(), true
}

// QueryAll snapshots every registered build.
func (r *Registry) QueryAll() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	out := make([]Info, 0, len(r.builds))
	for _, b := range r.builds {
		out = append(out, b.info())
	}
	return out
}

// Empty reports whether no builds are registered.
func (r *Registry) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	return len(r.builds) == 0
}

// WaitForBuild blocks until buildID has no pending tasks or is no longer
// registered.
func (r *Registry) WaitForBuild(buildID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		b, ok := r.builds[buildID]
		if !ok || b.pending == 0 {
			return
		}
		r.cond.Wait()
	}
}

// WaitForIdle blocks until no queued or running task remains anywhere,
// regardless of build ownership. A task counts until its completion path
// has run, stamp-file invalidation included.
func (r *Registry) WaitForIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.tasks != 0 {
		r.cond.Wait()
	}
}

// TaskQueued records one more live task. The per-build pending count only
// moves for registered ids; the global count moves for every task.
func (r *Registry) TaskQueued(buildID string) {
	r.mu.Lock()
	r.tasks++
	if b, ok := r.builds[buildID]; ok {
		b.pending++
	}
	r.cond.Broadcast()
	r.mu.Unlock()
}

// TaskStarted records that one of buildID's pending tasks now has a live
// process.
func (r *Registry) TaskStarted(buildID string) {
	r.mu.Lock()
	if b, ok := r.builds[buildID]; ok {
		b.running++
	}
	r.cond.Broadcast()
	r.mu.Unlock()
}

// TaskFinished records the end of one of buildID's tasks. completed is
// false for terminated (superseded or cancelled) tasks, which count toward
// neither pending nor completed afterwards.
func (r *Registry) TaskFinished(buildID string, wasStarted, completed bool) {
	r.mu.Lock()
	if r.tasks > 0 {
		r.tasks--
	}
	if b, ok := r.builds[buildID]; ok {
		if b.pending > 0 {
			b.pending--
		}
		if wasStarted && b.running > 0 {
			b.running--
		}
		if completed {
			b.completed++
		}
	}
	r.cond.Broadcast()
	r.mu.Unlock()
}

// OutputFor returns the mirror target for a build's outcome lines, or nil
// when the build is unknown or has no terminal attached.
func (r *Registry) OutputFor(buildID string) io.Writer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.builds[buildID]; ok && b.tty != nil {
		return b.tty
	}
	return nil
}

// Close drops every record and releases attached terminals.
func (r *Registry) Close() {
	r.mu.Lock()
	for _, b := range r.builds {
		r.dropLocked(b)
	}
	r.cond.Broadcast()
	r.mu.Unlock()
}

// pruneLocked drops builds whose controlling process has exited. Called
// lazily from query paths; r.mu must be held.
func (r *Registry) pruneLocked() {
	for _, b := range r.builds {
		if !r.alive(b.pid) {
			r.dropLocked(b)
		}
	}
}

func (r *Registry) dropLocked(b *build) {
	if b.tty != nil {
		b.tty.Close()
		b.tty = nil
	}
	delete(r.builds, b.id)
}

func (b *build) info() Info {
	return Info{BuildID: b.id, Pending: b.pending, Running: b.running, Completed: b.completed}
}
