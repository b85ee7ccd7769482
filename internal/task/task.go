// Package task implements the unit of offloaded work: one external command
// line, run in its own low-priority process group, with combined output
// capture and stamp-file invalidation on failure.
package task

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"offload/internal/eventlog"
	"offload/internal/stats"
)

// Key identifies a task. A newly submitted task with the same key supersedes
// any queued or running task with that key.
type Key struct {
	Cwd  string
	Name string
}

func (k Key) String() string {
	return k.Cwd + ":" + k.Name
}

// Result is handed to the completion callback exactly once per task.
//
// Output is always empty for terminated tasks: their captured output is
// discarded.
type Result struct {
	State    State
	Output   []byte
	ExitCode int
}

// Failed reports whether the task outcome invalidates its stamp file.
func (r Result) Failed() bool {
	return r.State != StateSucceeded
}

// Task is a single offloaded build step.
//
// Ownership: the manager owns the task while queued; once started the task
// owns its child process. The task is the sole mutator of its own state,
// guarded by t.mu, so that concurrent Terminate and start->complete races
// resolve deterministically (termination wins and is idempotent).
type Task struct {
	Name      string
	Cwd       string
	Cmd       []string
	StampFile string
	BuildID   string

	// OnDone is invoked exactly once, outside the task lock, after the task
	// reaches an absorbing state. It must be set before the task is queued.
	OnDone func(*Task, Result)

	stats  *stats.Stats
	events eventlog.Sink

	mu         sync.Mutex
	state      State
	terminated bool // terminate requested; set before any kill
	finished   bool // completion path has run
	cmd        *exec.Cmd
	output     *bytes.Buffer

	// done is closed after the completion path (including OnDone) has run.
	done chan struct{}
}

// New returns a queued task. st must be non-nil; events may be nil.
func New(name, cwd string, cmd []string, stampFile, buildID string, st *stats.Stats, events eventlog.Sink) *Task {
	return &Task{
		Name:      name,
		Cwd:       cwd,
		Cmd:       cmd,
		StampFile: stampFile,
		BuildID:   buildID,
		stats:     st,
		events:    events,
		state:     StateQueued,
		done:      make(chan struct{}),
	}
}

// Key returns the task's identity key.
func (t *Task) Key() Key {
	return Key{Cwd: t.Cwd, Name: t.Name}
}

// State returns the current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Started reports whether a child process was ever launched.
func (t *Task) Started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cmd != nil
}

// CommandLine renders the argv for diagnostics.
func (t *Task) CommandLine() string {
	return strings.Join(t.Cmd, " ")
}

// Start launches the task's command and returns the number of processes
// actually started (0 or 1). A terminated task is a no-op.
//
// The child runs in its own process group at minimum scheduling priority,
// with stdout and stderr captured into one combined buffer. Completion is
// tracked by a dedicated waiter goroutine; Start never blocks on the child.
func (t *Task) Start() int {
	t.mu.Lock()
	if t.terminated || t.state != StateQueued {
		t.mu.Unlock()
		return 0
	}

	cmd := exec.Command(t.Cmd[0], t.Cmd[1:]...)
	cmd.Dir = t.Cwd
	// Own process group, so termination can kill the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	buf := &bytes.Buffer{}
	cmd.Stdout = buf
	cmd.Stderr = buf

	if err := cmd.Start(); err != nil {
		// Launch failure is reported through the normal completion path so
		// the stamp file is still invalidated. Completion runs on its own
		// goroutine: Start's caller may hold the manager lock, and the
		// completion callback re-enters the manager.
		_ = t.transition(StateRunning)
		t.mu.Unlock()
		go t.finish(false, []byte(err.Error()+"\n"), 127)
		return 0
	}

	// Offloaded work must never compete with the primary build for CPU.
	// Best effort: a failed renice is not worth failing the task over.
	_ = unix.Setpriority(unix.PRIO_PGRP, cmd.Process.Pid, 19)

	t.cmd = cmd
	t.output = buf
	_ = t.transition(StateRunning)
	t.stats.ProcessStarted()
	t.mu.Unlock()

	eventlog.SafeRecord(t.events, eventlog.Event{
		Kind: eventlog.EventStarted, Task: t.Name, Cwd: t.Cwd, BuildID: t.BuildID,
	})

	go func() {
		err := cmd.Wait()
		exit := 0
		if ee, ok := err.(*exec.ExitError); ok {
			exit = ee.ExitCode()
		} else if err != nil {
			exit = 1
		}
		// Wait has reaped the output-copying goroutines; buf is quiescent.
		t.finish(true, buf.Bytes(), exit)
	}()
	return 1
}

// Terminate requests cancellation. It is idempotent and safe to call
// concurrently with Start and with natural completion.
//
// The terminated flag is set under the lock; once it is set no further
// Start can launch a process, so the kill and waits below run unlocked.
// Terminate returns only after the completion path has run.
func (t *Task) Terminate() {
	t.mu.Lock()
	if t.terminated || t.finished {
		t.mu.Unlock()
		<-t.done
		return
	}
	t.terminated = true
	cmd := t.cmd
	t.mu.Unlock()

	if cmd != nil {
		// Kill the whole group; the waiter observes the exit and runs the
		// completion path. Errors (already-exited group) are irrelevant.
		_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		<-t.done
		return
	}

	// Never started: there is no waiter, run the completion path directly.
	t.finish(false, nil, 0)
}

// finish runs the completion path exactly once.
//
// Failure is defined as: terminated, or any captured output, or a non-zero
// exit. Failure deletes the stamp file so the next invocation of the
// external build re-attempts the step; success touches nothing.
func (t *Task) finish(procStarted bool, output []byte, exitCode int) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true
	terminated := t.terminated
	final := StateSucceeded
	switch {
	case terminated:
		final = StateTerminated
	case exitCode != 0 || len(output) > 0:
		final = StateFailed
	}
	_ = t.transition(final)
	t.mu.Unlock()

	if procStarted {
		t.stats.ProcessStopped()
	}
	t.stats.TaskFinished()

	res := Result{State: final, ExitCode: exitCode}
	if !terminated {
		res.Output = output
	}

	if res.Failed() {
		t.deleteStamp()
	}

	kind := eventlog.EventSucceeded
	switch final {
	case StateFailed:
		kind = eventlog.EventFailed
	case StateTerminated:
		kind = eventlog.EventTerminated
	}
	eventlog.SafeRecord(t.events, eventlog.Event{
		Kind: kind, Task: t.Name, Cwd: t.Cwd, BuildID: t.BuildID,
		Detail: fmt.Sprintf("exit=%d", exitCode),
	})

	if t.OnDone != nil {
		t.OnDone(t, res)
	}
	close(t.done)
}

// deleteStamp removes the stamp file so the step stays dirty. An already
// absent stamp is not an error.
func (t *Task) deleteStamp() {
	if t.StampFile == "" {
		return
	}
	if err := os.Remove(t.StampFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "offloadd: remove stamp %q: %v\n", t.StampFile, err)
	}
}
