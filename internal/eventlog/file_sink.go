package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileSink appends one JSON object per event to a log file.
//
// Every record carries the run id of the daemon instance that produced it,
// so logs from successive daemon runs appended to the same file remain
// distinguishable.
type FileSink struct {
	mu    sync.Mutex
	f     *os.File
	enc   *json.Encoder
	runID string
}

type fileRecord struct {
	RunID string `json:"run_id"`
	Time  string `json:"time"`
	Event
}

// NewFileSink opens (or creates) path for appending and assigns a fresh
// run id.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %q: %w", path, err)
	}
	return &FileSink{f: f, enc: json.NewEncoder(f), runID: uuid.NewString()}, nil
}

// RunID returns the identifier stamped on every record of this sink.
func (s *FileSink) RunID() string {
	if s == nil {
		return ""
	}
	return s.runID
}

// Record appends the event. Write errors are swallowed: the log must never
// interfere with scheduling.
func (s *FileSink) Record(event Event) {
	if s == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	rec := fileRecord{
		RunID: s.runID,
		Time:  time.Now().UTC().Format(time.RFC3339Nano),
		Event: event,
	}
	s.mu.Lock()
	_ = s.enc.Encode(rec)
	s.mu.Unlock()
}

// Close releases the underlying file.
func (s *FileSink) Close() error {
	if s == nil || s.f == nil {
		return nil
	}
	return s.f.Close()
}
