package cli

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"offload/internal/protocol"
)

// Run parses and executes one client invocation, returning the process
// exit code. It is the entrypoint main delegates to and the surface
// black-box tests drive.
func Run(args []string, stdout, stderr io.Writer) int {
	inv, err := ParseInvocation(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return ExitCode(err)
	}
	return Execute(inv, stdout, stderr)
}

// Execute performs the parsed invocation against the daemon endpoint.
func Execute(inv Invocation, stdout, stderr io.Writer) int {
	c := protocol.NewClient(inv.Socket)

	var err error
	switch inv.Command {
	case CmdRegisterBuild:
		err = doAck(c, &protocol.Message{
			Kind:       protocol.KindRegisterBuild,
			BuildID:    inv.BuildID,
			BuilderPID: inv.BuilderPID,
			TTY:        inv.TTY,
		})

	case CmdCancelBuild:
		err = doAck(c, &protocol.Message{Kind: protocol.KindCancelBuild, BuildID: inv.BuildID})

	case CmdPrintStatus:
		var info *protocol.BuildInfo
		info, err = c.QueryBuild(inv.BuildID)
		if err == nil {
			if line := FormatStatus(info); line != "" {
				fmt.Fprintln(stdout, line)
			}
		}

	case CmdPrintStatusAll:
		var list *protocol.BuildList
		list, err = c.QueryAll()
		if err == nil {
			builds := list.Builds
			sort.Slice(builds, func(i, j int) bool { return builds[i].BuildID < builds[j].BuildID })
			for _, info := range builds {
				line := FormatStatus(&info)
				if line == "" {
					line = "idle"
				}
				fmt.Fprintf(stdout, "%s %s\n", info.BuildID, line)
			}
		}

	case CmdWaitForBuild:
		err = doAck(c, &protocol.Message{Kind: protocol.KindWaitForBuild, BuildID: inv.BuildID})

	case CmdWaitForIdle:
		err = doAck(c, &protocol.Message{Kind: protocol.KindWaitForIdle})

	case CmdAddTask:
		err = c.Send(&protocol.Message{
			Kind:      protocol.KindAddTask,
			Name:      inv.TaskName,
			Cwd:       inv.TaskCwd,
			Cmd:       inv.TaskCmd,
			StampFile: inv.StampFile,
			BuildID:   inv.BuildID,
		})

	case CmdHeartbeat:
		err = c.Heartbeat()

	default:
		fmt.Fprintf(stderr, "unknown command %q\n", inv.Command)
		return ExitInvalidInvocation
	}

	if errors.Is(err, protocol.ErrNoServer) {
		fmt.Fprintln(stderr, "No server running")
		return ExitNoServer
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return ExitOperationFailed
	}
	return ExitSuccess
}

// doAck sends a message expecting an Ack and folds a refused ack into an
// ordinary error.
func doAck(c *protocol.Client, m *protocol.Message) error {
	ack, err := c.Do(m)
	if err != nil {
		return err
	}
	if !ack.OK {
		return fmt.Errorf("%s", ack.Error)
	}
	return nil
}

// FormatStatus renders a build's progress as "[in-flight-or-done/total]".
// A build with no pending work renders as the empty string: there is
// nothing worth reporting.
func FormatStatus(info *protocol.BuildInfo) string {
	if info == nil || !info.Known || info.Pending == 0 {
		return ""
	}
	total := info.Pending + info.Completed
	return fmt.Sprintf("[%d/%d]", info.Completed+info.Running, total)
}
