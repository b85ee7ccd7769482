// Package protocol defines the one-message-per-connection wire contract
// between the offload daemon and its clients.
//
// Transport: a unix-domain socket, one well-known path per host and user.
// Each connection carries exactly one JSON request object; message length
// is implicit in the client half-closing (or closing) its write side.
// Replies, where a message kind has one, are a single JSON object written
// before the server closes the connection.
package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Kind discriminates request messages. The set is closed: unknown kinds
// are rejected at the protocol boundary.
type Kind string

const (
	KindAddTask       Kind = "ADD_TASK"
	KindPollHeartbeat Kind = "POLL_HEARTBEAT"
	KindRegisterBuild Kind = "REGISTER_BUILD"
	KindCancelBuild   Kind = "CANCEL_BUILD"
	KindQueryBuild    Kind = "QUERY_BUILD"
	KindQueryAll      Kind = "QUERY_ALL_BUILDS"
	KindWaitForBuild  Kind = "WAIT_FOR_BUILD"
	KindWaitForIdle   Kind = "WAIT_FOR_IDLE"
)

func knownKind(k Kind) bool {
	switch k {
	case KindAddTask, KindPollHeartbeat, KindRegisterBuild, KindCancelBuild,
		KindQueryBuild, KindQueryAll, KindWaitForBuild, KindWaitForIdle:
		return true
	default:
		return false
	}
}

// Message is the single self-describing request object. Field presence
// requirements depend on the kind; Validate enforces them.
type Message struct {
	Kind       Kind     `json:"message_type"`
	Name       string   `json:"name,omitempty"`
	Cwd        string   `json:"cwd,omitempty"`
	Cmd        []string `json:"cmd,omitempty"`
	StampFile  string   `json:"stamp_file,omitempty"`
	BuildID    string   `json:"build_id,omitempty"`
	BuilderPID int      `json:"builder_pid,omitempty"`
	TTY        string   `json:"tty,omitempty"`
}

// Validate checks the closed kind set and per-kind required fields.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("protocol: nil message")
	}
	if !knownKind(m.Kind) {
		return fmt.Errorf("protocol: unknown message_type %q", m.Kind)
	}
	switch m.Kind {
	case KindAddTask:
		if m.Name == "" {
			return fmt.Errorf("protocol: ADD_TASK requires name")
		}
		if m.Cwd == "" {
			return fmt.Errorf("protocol: ADD_TASK requires cwd")
		}
		if len(m.Cmd) == 0 {
			return fmt.Errorf("protocol: ADD_TASK requires cmd")
		}
	case KindRegisterBuild:
		if m.BuildID == "" {
			return fmt.Errorf("protocol: REGISTER_BUILD requires build_id")
		}
		if m.BuilderPID <= 0 {
			return fmt.Errorf("protocol: REGISTER_BUILD requires builder_pid")
		}
	case KindCancelBuild, KindQueryBuild, KindWaitForBuild:
		if m.BuildID == "" {
			return fmt.Errorf("protocol: %s requires build_id", m.Kind)
		}
	}
	return nil
}

// WantsReply reports whether the kind gets a JSON reply. ADD_TASK is
// fire-and-forget; POLL_HEARTBEAT is answered with a minimal ack so that
// any response at all means the server is alive.
func (m *Message) WantsReply() bool {
	return m.Kind != KindAddTask
}

// Decode reads one message from r (until EOF) and validates it. A decode
// or validation failure is a protocol error: the caller must drop the
// connection without mutating any state.
func Decode(r io.Reader) (*Message, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("protocol: read request: %w", err)
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("protocol: decode request: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Ack is the reply for register/cancel/wait/heartbeat kinds.
type Ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// BuildInfo is the reply for QUERY_BUILD and one element of QUERY_ALL_BUILDS.
// Known is false when the build id has no (live) registration.
type BuildInfo struct {
	BuildID   string `json:"build_id"`
	Pending   int    `json:"pending"`
	Running   int    `json:"running"`
	Completed int    `json:"completed"`
	Known     bool   `json:"known"`
}

// BuildList is the reply for QUERY_ALL_BUILDS.
type BuildList struct {
	Builds []BuildInfo `json:"builds"`
}

// DefaultSocketPath returns the per-user well-known endpoint path. The
// OFFLOADD_SOCKET environment variable overrides it.
func DefaultSocketPath() string {
	if p := os.Getenv("OFFLOADD_SOCKET"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, fmt.Sprintf("offloadd-%d.sock", os.Getuid()))
}
