// Package cli parses and executes offloadctl invocations.
//
// Parsing canonicalizes all flags into an Invocation before any protocol
// I/O happens, so black-box tests can exercise the full surface without a
// terminal or a daemon.
package cli

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	ExitSuccess           = 0
	ExitOperationFailed   = 1
	ExitInvalidInvocation = 2
	ExitNoServer          = 3
)

// Command is the closed set of client operations.
type Command string

const (
	CmdRegisterBuild  Command = "register-build"
	CmdCancelBuild    Command = "cancel-build"
	CmdPrintStatus    Command = "print-status"
	CmdPrintStatusAll Command = "print-status-all"
	CmdWaitForBuild   Command = "wait-for-build"
	CmdWaitForIdle    Command = "wait-for-idle"
	CmdAddTask        Command = "add-task"
	CmdHeartbeat      Command = "heartbeat"
)

// Invocation is the fully canonicalized description of one client call.
type Invocation struct {
	Command    Command
	Socket     string
	BuildID    string
	BuilderPID int
	TTY        string

	// add-task only.
	TaskName  string
	TaskCwd   string
	StampFile string
	TaskCmd   []string
}

// InvocationError carries the semantic exit code for a rejected invocation.
type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// ParseInvocation parses client flags into a canonical Invocation.
// Exactly one command flag must be present. For --add-task, the argv to
// run follows the flags (conventionally after "--").
func ParseInvocation(args []string) (Invocation, error) {
	fs := flag.NewFlagSet("offloadctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard) // parsing errors are returned, not printed

	var (
		socket        string
		registerBuild string
		builderPID    int
		tty           string
		cancelBuild   string
		printStatus   string
		printAll      bool
		waitForBuild  string
		waitForIdle   bool
		addTask       string
		cwd           string
		stampFile     string
		buildID       string
		heartbeat     bool
	)

	fs.StringVar(&socket, "socket", "", "Daemon endpoint path (default: per-user well-known path).")
	fs.StringVar(&registerBuild, "register-build", "", "Register a build id with the daemon.")
	fs.IntVar(&builderPID, "builder-pid", 0, "Controlling process of the registered build (default: parent pid).")
	fs.StringVar(&tty, "tty", "", "Terminal or file to mirror the build's task output to.")
	fs.StringVar(&cancelBuild, "cancel-build", "", "Terminate and drop a build's tasks.")
	fs.StringVar(&printStatus, "print-status", "", "Print one build's status snapshot.")
	fs.BoolVar(&printAll, "print-status-all", false, "Print every registered build's status.")
	fs.StringVar(&waitForBuild, "wait-for-build", "", "Block until a build has no pending tasks.")
	fs.BoolVar(&waitForIdle, "wait-for-idle", false, "Block until no tasks remain anywhere.")
	fs.StringVar(&addTask, "add-task", "", "Queue a named task; the command argv follows the flags.")
	fs.StringVar(&cwd, "cwd", "", "Working directory for --add-task.")
	fs.StringVar(&stampFile, "stamp", "", "Stamp file for --add-task.")
	fs.StringVar(&buildID, "build-id", "", "Owning build id for --add-task.")
	fs.BoolVar(&heartbeat, "heartbeat", false, "Probe whether the daemon is alive.")

	if err := fs.Parse(args); err != nil {
		return Invocation{}, invalidInvocationf("%v", err)
	}

	inv := Invocation{Socket: socket}
	pick := func(c Command) error {
		if inv.Command != "" {
			return invalidInvocationf("--%s conflicts with --%s", c, inv.Command)
		}
		inv.Command = c
		return nil
	}

	var err error
	if registerBuild != "" {
		inv.BuildID = registerBuild
		err = pick(CmdRegisterBuild)
	}
	if err == nil && cancelBuild != "" {
		inv.BuildID = cancelBuild
		err = pick(CmdCancelBuild)
	}
	if err == nil && printStatus != "" {
		inv.BuildID = printStatus
		err = pick(CmdPrintStatus)
	}
	if err == nil && printAll {
		err = pick(CmdPrintStatusAll)
	}
	if err == nil && waitForBuild != "" {
		inv.BuildID = waitForBuild
		err = pick(CmdWaitForBuild)
	}
	if err == nil && waitForIdle {
		err = pick(CmdWaitForIdle)
	}
	if err == nil && addTask != "" {
		inv.TaskName = addTask
		err = pick(CmdAddTask)
	}
	if err == nil && heartbeat {
		err = pick(CmdHeartbeat)
	}
	if err != nil {
		return Invocation{}, err
	}
	if inv.Command == "" {
		return Invocation{}, invalidInvocationf("no command given (try --print-status-all)")
	}

	switch inv.Command {
	case CmdRegisterBuild:
		inv.BuilderPID = builderPID
		if inv.BuilderPID == 0 {
			// The invoking build system is normally our parent.
			inv.BuilderPID = os.Getppid()
		}
		inv.TTY = tty
	case CmdAddTask:
		inv.TaskCwd = cwd
		if inv.TaskCwd == "" {
			return Invocation{}, invalidInvocationf("--add-task requires --cwd")
		}
		inv.StampFile = stampFile
		inv.BuildID = buildID
		inv.TaskCmd = fs.Args()
		if len(inv.TaskCmd) == 0 {
			return Invocation{}, invalidInvocationf("--add-task requires a command after the flags")
		}
	default:
		if fs.NArg() != 0 {
			return Invocation{}, invalidInvocationf("unexpected positional arguments: %q", strings.Join(fs.Args(), " "))
		}
	}
	return inv, nil
}

// ExitCode extracts the semantic exit code from err.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	if invErr, ok := err.(*InvocationError); ok {
		return invErr.ExitCode
	}
	return ExitOperationFailed
}
