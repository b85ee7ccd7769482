package task

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"offload/internal/stats"
)

func writeStamp(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "step.stamp")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write stamp: %v", err)
	}
	return path
}

// newTask builds a queued task and returns a channel that receives its
// Result exactly as many times as the completion path runs.
func newTask(t *testing.T, name string, cmd []string, stamp string) (*Task, chan Result) {
	t.Helper()
	done := make(chan Result, 8)
	tk := New(name, t.TempDir(), cmd, stamp, "b1", stats.New(), nil)
	tk.OnDone = func(_ *Task, res Result) {
		done <- res
	}
	return tk, done
}

func waitResult(t *testing.T, done chan Result) Result {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for completion")
		return Result{}
	}
}

func TestSuccessPreservesStamp(t *testing.T) {
	stamp := writeStamp(t)
	tk, done := newTask(t, "lint", []string{"true"}, stamp)

	if n := tk.Start(); n != 1 {
		t.Fatalf("Start = %d, want 1", n)
	}
	res := waitResult(t, done)

	if res.State != StateSucceeded {
		t.Errorf("state = %s, want SUCCEEDED", res.State)
	}
	if len(res.Output) != 0 {
		t.Errorf("output = %q, want empty", res.Output)
	}
	if _, err := os.Stat(stamp); err != nil {
		t.Errorf("stamp file should be untouched: %v", err)
	}
}

func TestSuccessDoesNotCreateStamp(t *testing.T) {
	stamp := filepath.Join(t.TempDir(), "absent.stamp")
	tk, done := newTask(t, "lint", []string{"true"}, stamp)
	tk.Start()
	waitResult(t, done)
	if _, err := os.Stat(stamp); !os.IsNotExist(err) {
		t.Errorf("scheduler must not create stamp files, stat err=%v", err)
	}
}

func TestNonZeroExitDeletesStamp(t *testing.T) {
	stamp := writeStamp(t)
	tk, done := newTask(t, "cover", []string{"sh", "-c", "exit 7"}, stamp)
	tk.Start()
	res := waitResult(t, done)

	if res.State != StateFailed {
		t.Errorf("state = %s, want FAILED", res.State)
	}
	if res.ExitCode != 7 {
		t.Errorf("exit = %d, want 7", res.ExitCode)
	}
	if _, err := os.Stat(stamp); !os.IsNotExist(err) {
		t.Errorf("stamp should be deleted, stat err=%v", err)
	}
}

func TestAnyOutputIsFailure(t *testing.T) {
	stamp := writeStamp(t)
	tk, done := newTask(t, "warnings", []string{"echo", "some_output"}, stamp)
	tk.Start()
	res := waitResult(t, done)

	if res.State != StateFailed {
		t.Errorf("state = %s, want FAILED (exit 0 but output non-empty)", res.State)
	}
	if !strings.Contains(string(res.Output), "some_output") {
		t.Errorf("output = %q, want it to contain some_output", res.Output)
	}
	if _, err := os.Stat(stamp); !os.IsNotExist(err) {
		t.Errorf("stamp should be deleted, stat err=%v", err)
	}
}

func TestLaunchFailureCompletesAndInvalidatesStamp(t *testing.T) {
	stamp := writeStamp(t)
	tk, done := newTask(t, "broken", []string{"/nonexistent/binary"}, stamp)

	if n := tk.Start(); n != 0 {
		t.Fatalf("Start = %d, want 0 for unlaunchable command", n)
	}
	res := waitResult(t, done)
	if res.State != StateFailed {
		t.Errorf("state = %s, want FAILED", res.State)
	}
	if _, err := os.Stat(stamp); !os.IsNotExist(err) {
		t.Errorf("stamp should be deleted, stat err=%v", err)
	}
}

func TestTerminateBeforeStart(t *testing.T) {
	stamp := writeStamp(t)
	tk, done := newTask(t, "never", []string{"true"}, stamp)

	tk.Terminate()
	res := waitResult(t, done)
	if res.State != StateTerminated {
		t.Errorf("state = %s, want TERMINATED", res.State)
	}
	if n := tk.Start(); n != 0 {
		t.Errorf("Start after Terminate = %d, want 0", n)
	}
	if _, err := os.Stat(stamp); !os.IsNotExist(err) {
		t.Errorf("stamp should be deleted, stat err=%v", err)
	}
	if len(done) != 0 {
		t.Errorf("completion ran more than once")
	}
}

func TestTerminateRunningDiscardsOutput(t *testing.T) {
	stamp := writeStamp(t)
	tk, done := newTask(t, "spin", []string{"sh", "-c", "echo partial; sleep 60"}, stamp)
	if n := tk.Start(); n != 1 {
		t.Fatalf("Start = %d, want 1", n)
	}
	// Give the child a moment to emit before the kill.
	time.Sleep(50 * time.Millisecond)
	tk.Terminate()

	res := waitResult(t, done)
	if res.State != StateTerminated {
		t.Errorf("state = %s, want TERMINATED", res.State)
	}
	if len(res.Output) != 0 {
		t.Errorf("terminated task output should be discarded, got %q", res.Output)
	}
	if _, err := os.Stat(stamp); !os.IsNotExist(err) {
		t.Errorf("stamp should be deleted, stat err=%v", err)
	}
}

func TestTerminateIsIdempotentUnderConcurrency(t *testing.T) {
	var completions atomic.Int32
	tk := New("race", t.TempDir(), []string{"sleep", "60"}, "", "b1", stats.New(), nil)
	tk.OnDone = func(*Task, Result) {
		completions.Add(1)
	}
	if n := tk.Start(); n != 1 {
		t.Fatalf("Start = %d, want 1", n)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk.Terminate()
		}()
	}
	wg.Wait()

	if got := completions.Load(); got != 1 {
		t.Errorf("completion ran %d times, want exactly 1", got)
	}
	if st := tk.State(); st != StateTerminated {
		t.Errorf("state = %s, want TERMINATED", st)
	}
}

func TestTerminateStartRaceResolvesToTermination(t *testing.T) {
	for i := 0; i < 20; i++ {
		var completions atomic.Int32
		tk := New("race", t.TempDir(), []string{"sleep", "60"}, "", "b1", stats.New(), nil)
		tk.OnDone = func(*Task, Result) {
			completions.Add(1)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			tk.Start()
		}()
		go func() {
			defer wg.Done()
			tk.Terminate()
		}()
		wg.Wait()
		// Terminate may have lost the interleaving and only set the flag
		// after start; kill any survivor.
		tk.Terminate()

		if got := completions.Load(); got != 1 {
			t.Fatalf("iteration %d: completion ran %d times, want 1", i, got)
		}
		if st := tk.State(); st != StateTerminated {
			t.Fatalf("iteration %d: state = %s, want TERMINATED", i, st)
		}
	}
}

func TestTransitionValidation(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateQueued, StateRunning, true},
		{StateQueued, StateTerminated, true},
		{StateQueued, StateSucceeded, false},
		{StateRunning, StateSucceeded, true},
		{StateRunning, StateFailed, true},
		{StateRunning, StateTerminated, true},
		{StateSucceeded, StateRunning, false},
		{StateTerminated, StateRunning, false},
		{StateFailed, StateTerminated, false},
	}
	for _, tc := range cases {
		if got := allowedTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("allowedTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestKeyIdentity(t *testing.T) {
	a := New("n", "/w", []string{"true"}, "", "", stats.New(), nil)
	b := New("n", "/w", []string{"false"}, "", "", stats.New(), nil)
	if a.Key() != b.Key() {
		t.Error("tasks with same (cwd, name) must share a key")
	}
	c := New("n", "/other", []string{"true"}, "", "", stats.New(), nil)
	if a.Key() == c.Key() {
		t.Error("different cwd must give a different key")
	}
}
