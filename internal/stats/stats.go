// Package stats tracks process-wide task counters.
//
// The counters are deliberately minimal: the number of child processes
// currently running, the number of tasks that have finished, and the number
// of tasks ever accepted. Total and completed are monotonically
// non-decreasing; running rises and falls with process starts and stops.
//
// There is no package-level singleton. A single *Stats is constructed in
// main and handed to the manager and to every task at construction.
package stats

import (
	"fmt"
	"sync"
)

// Stats is the mutex-guarded counter triple.
type Stats struct {
	mu        sync.Mutex
	running   int
	completed int
	total     int
}

// New returns a zeroed counter set.
func New() *Stats {
	return &Stats{}
}

// TaskAccepted records one more task entering the system.
func (s *Stats) TaskAccepted() {
	s.mu.Lock()
	s.total++
	s.mu.Unlock()
}

// ProcessStarted records a child process launch.
func (s *Stats) ProcessStarted() {
	s.mu.Lock()
	s.running++
	s.mu.Unlock()
}

// ProcessStopped records a child process exit.
func (s *Stats) ProcessStopped() {
	s.mu.Lock()
	s.running--
	s.mu.Unlock()
}

// TaskFinished records one task reaching an absorbing state.
// Tasks that never launched a process still count as finished.
func (s *Stats) TaskFinished() {
	s.mu.Lock()
	s.completed++
	s.mu.Unlock()
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Running   int
	Completed int
	Total     int
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Running: s.running, Completed: s.completed, Total: s.total}
}

// Prefix returns the short status prefix shown before every status-line
// message, e.g. "[2 processes, 5/7]".
func (s *Stats) Prefix() string {
	snap := s.Snapshot()
	noun := "processes"
	if snap.Running == 1 {
		noun = "process"
	}
	return fmt.Sprintf("[%d %s, %d/%d]", snap.Running, noun, snap.Completed, snap.Total)
}
