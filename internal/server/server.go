// Package server implements the offload daemon: one unix-socket accept
// loop dispatching protocol messages to the task manager and the build
// registry.
package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"sync"

	"offload/internal/config"
	"offload/internal/eventlog"
	"offload/internal/protocol"
	"offload/internal/registry"
	"offload/internal/sched"
	"offload/internal/stats"
	"offload/internal/statusline"
	"offload/internal/task"
)

// Server owns the listener and all shared scheduler state.
type Server struct {
	cfg      config.Config
	stats    *stats.Stats
	manager  *sched.Manager
	registry *registry.Registry
	reporter *statusline.Reporter
	events   eventlog.Sink
	logger   *log.Logger

	mu       sync.Mutex
	ln       net.Listener
	stopOnce sync.Once
	stopped  chan struct{}
	conns    sync.WaitGroup
}

// New wires a server from its parts. probe may be nil for sched.HostLoad.
func New(cfg config.Config, events eventlog.Sink, reporter *statusline.Reporter, logger *log.Logger, probe sched.LoadProbe) *Server {
	if events == nil {
		events = eventlog.NopSink{}
	}
	if probe == nil {
		probe = sched.HostLoad
	}
	if logger == nil {
		logger = log.New(os.Stderr, "offloadd: ", log.LstdFlags)
	}

	s := &Server{
		cfg:      cfg,
		stats:    stats.New(),
		events:   events,
		reporter: reporter,
		logger:   logger,
		stopped:  make(chan struct{}),
	}
	s.manager = sched.NewManager(s.stats, events, probe, cfg.MaxParallel)
	s.registry = registry.New(events, s.manager.CancelBuild)

	s.manager.OnQueued = func(t *task.Task) {
		s.reporter.Update(s.stats.Prefix(), "QUEUED "+t.Name)
	}
	s.manager.OnStart = func(t *task.Task) {
		s.registry.TaskStarted(t.BuildID)
		s.reporter.Update(s.stats.Prefix(), "STARTED "+t.Name)
	}
	s.manager.OnDone = s.taskDone
	return s
}

// taskDone is the server-level completion hook: per-build bookkeeping,
// outcome reporting, idle-exit evaluation.
func (s *Server) taskDone(t *task.Task, res task.Result) {
	completed := res.State != task.StateTerminated
	s.registry.TaskFinished(t.BuildID, t.Started(), completed)

	switch res.State {
	case task.StateSucceeded:
		s.reporter.Update(s.stats.Prefix(), "FINISHED "+t.Name)
	case task.StateTerminated:
		s.reporter.Update(s.stats.Prefix(), "TERMINATED "+t.Name)
	default:
		// Failure is reported durably, exactly once, with the captured
		// output and the command line for diagnosis. It goes to the owning
		// build's terminal when one is attached.
		w := s.registry.OutputFor(t.BuildID)
		var b strings.Builder
		fmt.Fprintf(&b, "%s FAILED %s (exit %d)\n", s.stats.Prefix(), t.Name, res.ExitCode)
		fmt.Fprintf(&b, "cmd: %s", t.CommandLine())
		if len(res.Output) > 0 {
			b.WriteString("\n")
			b.Write(res.Output)
		}
		s.reporter.Line(w, strings.TrimRight(b.String(), "\n"))
	}

	s.maybeExitOnIdle()
}

// maybeExitOnIdle stops the accept loop once nothing is registered and
// nothing is queued or running, when --exit-on-idle asked for that.
func (s *Server) maybeExitOnIdle() {
	if !s.cfg.ExitOnIdle {
		return
	}
	if s.registry.Empty() && s.manager.Idle() {
		s.Stop()
	}
}

// ListenAndServe binds the endpoint and serves until Stop. It refuses to
// start when a live daemon already owns the socket; a stale socket file
// left by a crashed daemon is removed.
func (s *Server) ListenAndServe() error {
	if err := protocol.NewClient(s.cfg.Socket).Heartbeat(); err == nil {
		return fmt.Errorf("server: %s: daemon already running", s.cfg.Socket)
	}
	if err := os.Remove(s.cfg.Socket); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("server: remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.cfg.Socket)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Socket, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	// A stop signal that raced the bind found no listener to close; honor
	// it here so Serve unblocks immediately.
	select {
	case <-s.stopped:
		ln.Close()
	default:
	}

	if err := writePidFile(pidFilePath(s.cfg.Socket)); err != nil {
		s.logger.Printf("pidfile: %v", err)
	}

	return s.Serve()
}

// Serve runs the accept loop over an already-bound listener.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopped:
				err = nil
			default:
			}
			s.shutdown()
			return err
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handle(conn)
		}()
	}
}

// Stop closes the listener; Serve then drains and tears down. Stopping
// before the listener is bound is honored: ListenAndServe observes the
// stopped channel right after binding.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		s.mu.Lock()
		if s.ln != nil {
			s.ln.Close()
		}
		s.mu.Unlock()
	})
}

// shutdown deactivates the manager (terminating queued tasks), terminates
// running tasks, and releases the endpoint. No children survive the
// daemon, and every due stamp-file invalidation has happened by return.
func (s *Server) shutdown() {
	s.manager.TerminateAll()
	s.registry.Close()
	s.conns.Wait()
	s.reporter.Clear()
	os.Remove(s.cfg.Socket)
	os.Remove(pidFilePath(s.cfg.Socket))
}

// handle processes exactly one message. Malformed input drops the
// connection without touching any state.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	msg, err := protocol.Decode(conn)
	if err != nil {
		s.logger.Printf("dropping connection: %v", err)
		return
	}

	switch msg.Kind {
	case protocol.KindAddTask:
		// Pending is counted before the task becomes observable to the
		// manager, so a wait issued right after the add cannot miss it.
		s.registry.TaskQueued(msg.BuildID)
		t := task.New(msg.Name, msg.Cwd, msg.Cmd, msg.StampFile, msg.BuildID, s.stats, s.events)
		s.manager.Add(t)

	case protocol.KindPollHeartbeat:
		s.reply(conn, protocol.Ack{OK: true})

	case protocol.KindRegisterBuild:
		err := s.registry.Register(msg.BuildID, msg.BuilderPID, msg.TTY)
		s.reply(conn, ackFor(err))

	case protocol.KindCancelBuild:
		s.registry.Cancel(msg.BuildID)
		s.reply(conn, protocol.Ack{OK: true})
		s.maybeExitOnIdle()

	case protocol.KindQueryBuild:
		info, known := s.registry.Query(msg.BuildID)
		s.reply(conn, protocol.BuildInfo{
			BuildID:   info.BuildID,
			Pending:   info.Pending,
			Running:   info.Running,
			Completed: info.Completed,
			Known:     known,
		})
		s.maybeExitOnIdle()

	case protocol.KindQueryAll:
		infos := s.registry.QueryAll()
		list := protocol.BuildList{Builds: make([]protocol.BuildInfo, 0, len(infos))}
		for _, info := range infos {
			list.Builds = append(list.Builds, protocol.BuildInfo{
				BuildID:   info.BuildID,
				Pending:   info.Pending,
				Running:   info.Running,
				Completed: info.Completed,
				Known:     true,
			})
		}
		s.reply(conn, list)
		s.maybeExitOnIdle()

	case protocol.KindWaitForBuild:
		// Blocks this connection's goroutine only; the accept loop and
		// other connections proceed.
		s.registry.WaitForBuild(msg.BuildID)
		s.reply(conn, protocol.Ack{OK: true})

	case protocol.KindWaitForIdle:
		s.registry.WaitForIdle()
		s.reply(conn, protocol.Ack{OK: true})
	}
}

func (s *Server) reply(conn net.Conn, v any) {
	if err := json.NewEncoder(conn).Encode(v); err != nil {
		s.logger.Printf("write reply: %v", err)
	}
}

func ackFor(err error) protocol.Ack {
	if err != nil {
		return protocol.Ack{Error: err.Error()}
	}
	return protocol.Ack{OK: true}
}

// Addr returns the bound listener address, for tests.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}
