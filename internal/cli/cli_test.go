package cli

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"offload/internal/protocol"
)

func TestParseRegisterBuild(t *testing.T) {
	inv, err := ParseInvocation([]string{"--register-build", "b1", "--builder-pid", "4242", "--tty", "/dev/pts/3"})
	if err != nil {
		t.Fatalf("ParseInvocation: %v", err)
	}
	if inv.Command != CmdRegisterBuild || inv.BuildID != "b1" || inv.BuilderPID != 4242 || inv.TTY != "/dev/pts/3" {
		t.Errorf("inv = %+v", inv)
	}
}

func TestParseRegisterBuildDefaultsToParentPid(t *testing.T) {
	inv, err := ParseInvocation([]string{"--register-build", "b1"})
	if err != nil {
		t.Fatalf("ParseInvocation: %v", err)
	}
	if inv.BuilderPID <= 0 {
		t.Errorf("builder pid = %d, want parent pid default", inv.BuilderPID)
	}
}

func TestParseSimpleCommands(t *testing.T) {
	cases := []struct {
		args []string
		want Command
	}{
		{[]string{"--cancel-build", "b1"}, CmdCancelBuild},
		{[]string{"--print-status", "b1"}, CmdPrintStatus},
		{[]string{"--print-status-all"}, CmdPrintStatusAll},
		{[]string{"--wait-for-build", "b1"}, CmdWaitForBuild},
		{[]string{"--wait-for-idle"}, CmdWaitForIdle},
		{[]string{"--heartbeat"}, CmdHeartbeat},
	}
	for _, tc := range cases {
		inv, err := ParseInvocation(tc.args)
		if err != nil {
			t.Errorf("%v: %v", tc.args, err)
			continue
		}
		if inv.Command != tc.want {
			t.Errorf("%v: command = %s, want %s", tc.args, inv.Command, tc.want)
		}
	}
}

func TestParseAddTask(t *testing.T) {
	inv, err := ParseInvocation([]string{
		"--add-task", "lint", "--cwd", "/src", "--stamp", "/src/.lint.stamp",
		"--build-id", "b1", "--", "clang-tidy", "foo.cc",
	})
	if err != nil {
		t.Fatalf("ParseInvocation: %v", err)
	}
	if inv.Command != CmdAddTask || inv.TaskName != "lint" || inv.TaskCwd != "/src" {
		t.Errorf("inv = %+v", inv)
	}
	if strings.Join(inv.TaskCmd, " ") != "clang-tidy foo.cc" {
		t.Errorf("cmd = %v", inv.TaskCmd)
	}
}

func TestParseRejectsConflictingCommands(t *testing.T) {
	_, err := ParseInvocation([]string{"--wait-for-idle", "--cancel-build", "b1"})
	if ExitCode(err) != ExitInvalidInvocation {
		t.Errorf("err = %v, want invalid-invocation", err)
	}
}

func TestParseRejectsEmptyInvocation(t *testing.T) {
	_, err := ParseInvocation(nil)
	if ExitCode(err) != ExitInvalidInvocation {
		t.Errorf("err = %v, want invalid-invocation", err)
	}
}

func TestParseAddTaskRequiresCwdAndArgv(t *testing.T) {
	if _, err := ParseInvocation([]string{"--add-task", "lint", "--", "true"}); err == nil {
		t.Error("missing --cwd should be rejected")
	}
	if _, err := ParseInvocation([]string{"--add-task", "lint", "--cwd", "/src"}); err == nil {
		t.Error("missing argv should be rejected")
	}
}

func TestParseRejectsStrayPositionals(t *testing.T) {
	_, err := ParseInvocation([]string{"--wait-for-idle", "leftover"})
	if ExitCode(err) != ExitInvalidInvocation {
		t.Errorf("err = %v, want invalid-invocation", err)
	}
}

func TestExecuteAgainstAbsentServer(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{
		"--socket", filepath.Join(t.TempDir(), "nothing.sock"),
		"--wait-for-idle",
	}, &out, &errOut)

	if code != ExitNoServer {
		t.Errorf("exit = %d, want %d", code, ExitNoServer)
	}
	if !strings.Contains(errOut.String(), "No server running") {
		t.Errorf("stderr = %q, want a No server running message", errOut.String())
	}
}

func TestFormatStatus(t *testing.T) {
	cases := []struct {
		info protocol.BuildInfo
		want string
	}{
		{protocol.BuildInfo{Known: true, Pending: 2, Running: 1}, "[1/2]"},
		{protocol.BuildInfo{Known: true, Pending: 1, Running: 1, Completed: 1}, "[2/2]"},
		{protocol.BuildInfo{Known: true, Pending: 0, Completed: 3}, ""},
		{protocol.BuildInfo{Known: false}, ""},
	}
	for _, tc := range cases {
		if got := FormatStatus(&tc.info); got != tc.want {
			t.Errorf("FormatStatus(%+v) = %q, want %q", tc.info, got, tc.want)
		}
	}
}
