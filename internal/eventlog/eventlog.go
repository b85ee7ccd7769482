// Package eventlog records task and build lifecycle events.
//
// The log is observational only and must never affect scheduling behavior:
// recording is inert (never panics, never returns an error to the caller)
// and every producer must tolerate a no-op sink.
package eventlog

// Kind is the stable discriminator for Event. The string values are written
// to the on-disk log; do not rename.
type Kind string

const (
	EventQueued          Kind = "queued"
	EventSuperseded      Kind = "superseded"
	EventStarted         Kind = "started"
	EventSucceeded       Kind = "succeeded"
	EventFailed          Kind = "failed"
	EventTerminated      Kind = "terminated"
	EventBuildRegistered Kind = "build_registered"
	EventBuildCancelled  Kind = "build_cancelled"
)

// Event is a single lifecycle transition.
type Event struct {
	Kind    Kind   `json:"event"`
	Task    string `json:"task,omitempty"`
	Cwd     string `json:"cwd,omitempty"`
	BuildID string `json:"build_id,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Sink is the minimal interface producers depend on.
//
// Record must be inert: it must not panic and it does not report errors.
// Callers must assume Record may be a no-op.
type Sink interface {
	Record(event Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(Event) {}

// SafeRecord records an event and guarantees inertness even if the sink is
// buggy. It intentionally swallows panics.
func SafeRecord(s Sink, event Event) {
	if s == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	s.Record(event)
}
