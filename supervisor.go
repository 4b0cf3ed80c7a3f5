/*
 * Copyright (c) 2017 Kurt Jung (Gmail: kurt.w.jung)
 * Copyright (c) 2020 Andreas Schneider
 *
 * Permission to use, copy, modify, and distribute this software for any
 * purpose with or without fee is hereby granted, provided that the above
 * copyright notice and this permission notice appear in all copies.
 *
 * THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL WARRANTIES
 * WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED WARRANTIES OF
 * MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE AUTHOR BE LIABLE FOR
 * ANY SPECIAL, DIRECT, INDIRECT, OR CONSEQUENTIAL DAMAGES OR ANY DAMAGES
 * WHATSOEVER RESULTING FROM LOSS OF USE, DATA OR PROFITS, WHETHER IN AN
 * ACTION OF CONTRACT, NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF
 * OR IN CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.
 */

package frontdoor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tarasglek/frontdoor/internal/config"
)

// ErrShuttingDown is returned by Start once Shutdown has been requested.
var ErrShuttingDown = errors.New("gateway supervisor is shutting down")

// waitDelay bounds how long Wait keeps copying output after the backend
// exits, in case a grandchild still holds the pipes open.
const waitDelay = 2 * time.Second

// Config describes the backend process and how to supervise it.
type Config struct {
	// Command is the executable and its leading arguments. The bind mode,
	// gateway port and token arguments are appended to it.
	Command      []string
	GatewayPort  int
	Token        string
	StateDir     string
	WorkspaceDir string
	// Env holds extra KEY=VALUE pairs for the backend environment.
	Env []string
	// Dir is the backend working directory; empty means ours.
	Dir string

	RestartDelay time.Duration

	Output OutputMode
	// OutputFile, when set, receives a copy of backend stdout and stderr.
	OutputFile io.Writer
	// Stdout and Stderr default to os.Stdout and os.Stderr.
	Stdout io.Writer
	Stderr io.Writer

	Logger *zap.Logger
}

func (c Config) argv() []string {
	argv := append([]string(nil), c.Command...)
	return append(argv,
		"--bind", config.BindLoopback,
		"--port", strconv.Itoa(c.GatewayPort),
		"--token", c.Token,
	)
}

func (c Config) environ() []string {
	env := os.Environ()
	env = append(env,
		config.EnvStateDir+"="+c.StateDir,
		config.EnvWorkspaceDir+"="+c.WorkspaceDir,
		"NODE_ENV=production",
	)
	return append(env, c.Env...)
}

// redactToken hides the value following --token so it stays out of logs.
func redactToken(args []string) []string {
	out := append([]string(nil), args...)
	for i := 0; i+1 < len(out); i++ {
		if out[i] == "--token" {
			out[i+1] = "[REDACTED]"
		}
	}
	return out
}

type startRequest struct{ reply chan error }

type scheduleRequest struct {
	delay time.Duration
	reply chan error
}

type spawnDue struct {
	seq     uint64
	restart bool
}

type processExited struct {
	generation uint64
	status     exitStatus
	err        error
}

type shutdownRequest struct{}

// Supervisor owns exactly one backend process at a time. Spawning, exit
// handling and shutdown all run on a single event loop goroutine; Status
// may be called from anywhere.
type Supervisor struct {
	cfg    Config
	logger *zap.Logger

	current atomic.Pointer[Handle]

	spawns         atomic.Uint64
	restarts       atomic.Uint64
	crashes        atomic.Uint64
	launchFailures atomic.Uint64

	events chan any
	done   chan struct{}
	recent *recentOutput

	// Owned by the event loop.
	cmd        *exec.Cmd
	generation uint64
	pending    *time.Timer
	timerSeq   uint64
	stopping   bool
}

// NewSupervisor validates cfg and starts the supervisor's event loop.
// No backend is launched until Start or StartAfter is called.
func NewSupervisor(cfg Config) (*Supervisor, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, fmt.Errorf("gateway command is required")
	}
	if cfg.GatewayPort == 0 {
		cfg.GatewayPort = config.DefaultGatewayPort
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = config.DefaultRestartDelay
	}
	if cfg.Output == "" {
		cfg.Output = OutputInherit
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Supervisor{
		cfg:    cfg,
		logger: cfg.Logger,
		events: make(chan any),
		done:   make(chan struct{}),
		recent: &recentOutput{},
	}
	go s.run()
	return s, nil
}

// Start launches the backend now. It does nothing if a backend process is
// already running. A launch failure is returned and a retry is scheduled.
func (s *Supervisor) Start(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case s.events <- startRequest{reply: reply}:
	case <-s.done:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-reply
}

// StartAfter schedules a launch after delay.
func (s *Supervisor) StartAfter(delay time.Duration) error {
	reply := make(chan error, 1)
	if !s.post(scheduleRequest{delay: delay, reply: reply}) {
		return ErrShuttingDown
	}
	return <-reply
}

// Shutdown sends a single SIGTERM to the backend, disables restarts and
// waits for the backend to exit or ctx to end. The backend is never
// killed forcefully.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	select {
	case s.events <- shutdownRequest{}:
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("gateway subprocess still running after shutdown deadline")
		return fmt.Errorf("waiting for gateway to exit: %w", ctx.Err())
	}
}

// Done is closed once the supervisor has shut down and the backend exited.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Status returns a consistent snapshot of the current handle.
func (s *Supervisor) Status() Status {
	h := s.current.Load()
	if h == nil {
		return Status{}
	}
	cp := *h
	return Status{Healthy: h.Alive(), Handle: &cp}
}

func (s *Supervisor) Stats() Stats {
	return Stats{
		Spawns:         s.spawns.Load(),
		Restarts:       s.restarts.Load(),
		Crashes:        s.crashes.Load(),
		LaunchFailures: s.launchFailures.Load(),
	}
}

func (s *Supervisor) post(ev any) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Supervisor) run() {
	defer close(s.done)
	for {
		switch ev := (<-s.events).(type) {
		case startRequest:
			ev.reply <- s.onStart()
		case scheduleRequest:
			ev.reply <- s.onSchedule(ev.delay)
		case spawnDue:
			s.onSpawnDue(ev)
		case processExited:
			s.onExit(ev)
		case shutdownRequest:
			s.onShutdown()
		}
		if s.stopping && s.cmd == nil {
			return
		}
	}
}

func (s *Supervisor) onStart() error {
	if s.stopping {
		return ErrShuttingDown
	}
	if s.cmd != nil {
		s.logger.Debug("gateway subprocess already running", zap.Int("pid", s.cmd.Process.Pid))
		return nil
	}
	s.cancelPending()
	return s.spawn()
}

func (s *Supervisor) onSchedule(delay time.Duration) error {
	if s.stopping {
		return ErrShuttingDown
	}
	if s.cmd != nil || s.pending != nil {
		return nil
	}
	s.schedule(delay, false)
	return nil
}

func (s *Supervisor) onSpawnDue(ev spawnDue) {
	if ev.seq != s.timerSeq || s.pending == nil || s.stopping || s.cmd != nil {
		return
	}
	s.pending = nil
	if ev.restart {
		n := s.restarts.Add(1)
		s.logger.Warn("restarting gateway subprocess", zap.Uint64("restarts", n))
	}
	_ = s.spawn()
}

func (s *Supervisor) schedule(delay time.Duration, restart bool) {
	s.cancelPending()
	s.timerSeq++
	seq := s.timerSeq
	if delay < 0 {
		delay = 0
	}
	s.pending = time.AfterFunc(delay, func() {
		s.post(spawnDue{seq: seq, restart: restart})
	})
}

func (s *Supervisor) cancelPending() {
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
}

// spawn always produces a fresh handle, replacing the previous one.
func (s *Supervisor) spawn() error {
	s.generation++
	gen := s.generation
	h := &Handle{Generation: gen, State: StateSpawning, StartedAt: time.Now()}
	s.current.Store(h)
	s.spawns.Add(1)
	s.recent.Reset()

	argv := s.cfg.argv()
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = s.cfg.environ()
	cmd.Dir = s.cfg.Dir
	cmd.WaitDelay = waitDelay
	out := s.outputs()
	cmd.Stdout = out.stdout
	cmd.Stderr = out.stderr
	configureBackendProcAttrs(cmd)

	s.logger.Info("starting gateway subprocess",
		zap.Uint64("generation", gen),
		zap.String("executable", argv[0]),
		zap.Strings("args", redactToken(argv[1:])))

	if err := cmd.Start(); err != nil {
		s.current.Store(nil)
		s.launchFailures.Add(1)
		s.logger.Error("failed to start gateway subprocess",
			zap.Uint64("generation", gen),
			zap.String("executable", argv[0]),
			zap.Duration("retry_in", s.cfg.RestartDelay),
			zap.Error(err))
		s.schedule(s.cfg.RestartDelay, true)
		return fmt.Errorf("starting gateway %s: %w", argv[0], err)
	}

	pid := cmd.Process.Pid
	out.setPID(pid)
	running, _ := h.advance(StateRunning)
	running.PID = pid
	s.current.Store(running)
	s.cmd = cmd

	s.logger.Info("gateway subprocess started",
		zap.Uint64("generation", gen),
		zap.Int("pid", pid))

	go func() {
		err := cmd.Wait()
		out.flush()
		s.post(processExited{generation: gen, status: decodeExit(cmd.ProcessState), err: err})
	}()
	return nil
}

// backendOutput is where one process's stdout and stderr go.
type backendOutput struct {
	stdout, stderr io.Writer
	zws            []*zapWriter
}

func (o backendOutput) setPID(pid int) {
	for _, zw := range o.zws {
		zw.pid.Store(int64(pid))
	}
}

// flush logs any unterminated last line once the pipes are drained.
func (o backendOutput) flush() {
	for _, zw := range o.zws {
		zw.Flush()
	}
}

func (s *Supervisor) outputs() backendOutput {
	if s.cfg.Output == OutputInherit && s.cfg.OutputFile == nil {
		return backendOutput{stdout: s.cfg.Stdout, stderr: s.cfg.Stderr}
	}

	outSinks := []io.Writer{s.recent}
	errSinks := []io.Writer{s.recent}
	var zws []*zapWriter
	if s.cfg.Output == OutputLog {
		zo := newZapWriter(s.logger, "stdout")
		ze := newZapWriter(s.logger, "stderr")
		zws = append(zws, zo, ze)
		outSinks = append(outSinks, zo)
		errSinks = append(errSinks, ze)
	} else {
		outSinks = append(outSinks, s.cfg.Stdout)
		errSinks = append(errSinks, s.cfg.Stderr)
	}
	if s.cfg.OutputFile != nil {
		outSinks = append(outSinks, s.cfg.OutputFile)
		errSinks = append(errSinks, s.cfg.OutputFile)
	}
	return backendOutput{
		stdout: io.MultiWriter(outSinks...),
		stderr: io.MultiWriter(errSinks...),
		zws:    zws,
	}
}

func (s *Supervisor) onExit(ev processExited) {
	if ev.generation != s.generation || s.cmd == nil {
		return
	}
	s.cmd = nil

	cur := s.current.Load()
	to := StateExited
	if ev.status.Signal != "" || cur.State == StateKilled {
		to = StateKilled
	}
	next, err := cur.advance(to)
	if err != nil {
		s.logger.Error("unexpected gateway state", zap.Error(err))
		cp := *cur
		cp.State = to
		next = &cp
	}
	next.ExitCode = ev.status.Code
	next.Signal = ev.status.Signal
	next.ExitedAt = time.Now()
	s.current.Store(next)

	fields := []zap.Field{
		zap.Uint64("generation", next.Generation),
		zap.Int("pid", next.PID),
		zap.Stringer("status", ev.status),
		zap.Duration("uptime", next.ExitedAt.Sub(next.StartedAt)),
	}
	var exitErr *exec.ExitError
	if ev.err != nil && !errors.As(ev.err, &exitErr) {
		fields = append(fields, zap.Error(ev.err))
	}

	if !shouldRestart(ev.status, s.stopping) {
		if s.stopping {
			s.logger.Info("gateway subprocess stopped", fields...)
		} else {
			s.logger.Warn("gateway subprocess exited cleanly, not restarting", fields...)
		}
		return
	}

	s.crashes.Add(1)
	fields = append(fields,
		zap.Duration("restart_in", s.cfg.RestartDelay),
		zap.Uint64("restarts", s.restarts.Load()))
	if out := s.recent.String(); out != "" {
		fields = append(fields, zap.String("recent_output", out))
	}
	s.logger.Warn("gateway subprocess crashed, scheduling restart", fields...)
	s.schedule(s.cfg.RestartDelay, true)
}

func (s *Supervisor) onShutdown() {
	if s.stopping {
		return
	}
	s.stopping = true
	s.cancelPending()

	if s.cmd == nil {
		s.logger.Info("supervisor stopping, no gateway subprocess running")
		return
	}
	pid := s.cmd.Process.Pid
	s.logger.Info("sending SIGTERM to gateway subprocess", zap.Int("pid", pid))
	if err := terminate(s.cmd.Process); err != nil {
		s.logger.Warn("failed to signal gateway subprocess", zap.Int("pid", pid), zap.Error(err))
	}
	if next, err := s.current.Load().advance(StateKilled); err == nil {
		s.current.Store(next)
	}
}
