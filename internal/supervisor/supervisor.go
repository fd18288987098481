// Package supervisor runs the local backend process through its
// start/ready/stop lifecycle.
//
// Process output, readiness probes and exits are delivered as events on a
// single channel drained by one goroutine, which is the only place those
// signals change state. Events carry the generation of the process that
// produced them so a stale instance can never affect a newer one.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dpolaris/polaris/internal/logbuf"
)

const (
	defaultStartupGrace = 2 * time.Second
	defaultStopGrace    = 2 * time.Second
	defaultOutputLines  = 2000
	defaultPortFree     = 15 * time.Second
	eventBuffer         = 256
	maxLineBytes        = 1024 * 1024
	readBufferSize      = 64 * 1024
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("supervisor closed")

// Options configures a Supervisor.
type Options struct {
	// ReadinessMarkers are output substrings meaning the server is up
	ReadinessMarkers []string

	// StartupGrace delays the readiness probe after spawn
	StartupGrace time.Duration

	// StopGrace is how long a terminated process has before SIGKILL
	StopGrace time.Duration

	// Output receives captured lines; a buffer of OutputLines is created
	// when nil
	Output      *logbuf.Buffer
	OutputLines int

	// Address is the host:port the backend listens on. When set, Start
	// attaches to a healthy server already bound there instead of
	// spawning a second one, and Restart waits for it to be released.
	Address string

	// PortFreeTimeout bounds how long Restart waits for Address
	PortFreeTimeout time.Duration

	// PIDFile, when set, holds the pid of the spawned backend while it runs
	PIDFile string

	Logger *zap.Logger
}

type eventKind int

const (
	eventLine eventKind = iota
	eventProbeDue
	eventProbeResult
	eventExit
)

type event struct {
	kind   eventKind
	gen    uint64
	stream string
	text   string
	err    error
	exit   ExitInfo
}

// instance is one spawned process.
type instance struct {
	gen        uint64
	cmd        *exec.Cmd
	exited     chan struct{}
	stopping   bool
	probeTimer *time.Timer
	killTimer  *time.Timer
}

func (i *instance) hasExited() bool {
	select {
	case <-i.exited:
		return true
	default:
		return false
	}
}

// Supervisor owns at most one backend process at a time.
type Supervisor struct {
	opts   Options
	prober Prober
	logger *zap.Logger
	output *logbuf.Buffer

	mu      sync.Mutex
	status  Status
	current *instance
	// stopped is the most recently stopped instance, possibly still exiting
	stopped *instance
	// attached is set while Running against a backend this supervisor did
	// not spawn
	attached   bool
	restarting bool
	gen     uint64
	subs    map[int]chan Status
	nextSub int

	events    chan event
	ctx       context.Context
	cancel    context.CancelFunc
	loopDone  chan struct{}
	closeOnce sync.Once
}

// New creates a supervisor and starts its event loop. prober may be nil,
// in which case only output markers signal readiness.
func New(prober Prober, opts Options) *Supervisor {
	if opts.StartupGrace <= 0 {
		opts.StartupGrace = defaultStartupGrace
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}
	if opts.OutputLines <= 0 {
		opts.OutputLines = defaultOutputLines
	}
	if opts.PortFreeTimeout <= 0 {
		opts.PortFreeTimeout = defaultPortFree
	}
	output := opts.Output
	if output == nil {
		output = logbuf.New(opts.OutputLines)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		opts:     opts,
		prober:   prober,
		logger:   logger,
		output:   output,
		status:   Status{State: StateStopped},
		subs:     make(map[int]chan Status),
		events:   make(chan event, eventBuffer),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
	}
	go s.loop()
	return s
}

// Output returns the buffer holding captured process output.
func (s *Supervisor) Output() *logbuf.Buffer {
	return s.output
}

// Status returns the current lifecycle snapshot.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Subscribe returns a channel receiving every status change and a function
// that detaches it. A slow subscriber misses intermediate states.
func (s *Supervisor) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 16)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Start spawns the backend. It is a no-op while a process is starting or
// running. On success the state is Starting; readiness is reported later
// by an output marker or the delayed health probe, whichever comes first.
//
// A process from an earlier Stop that is still inside its grace period is
// killed and reaped first, so at most one spawned process is ever alive.
// When Options.Address already has a healthy backend, Start attaches to it
// and the state goes straight to Running.
func (s *Supervisor) Start(cmd Command) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	if s.Status().Alive() {
		return nil
	}
	preErr := s.reapStopped()
	var existing bool
	if preErr == nil {
		existing, preErr = s.existingBackend()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return ErrClosed
	}
	if s.status.Alive() {
		return nil
	}
	if preErr != nil {
		return s.launchFailedLocked(cmd, preErr)
	}
	if existing {
		s.attachLocked()
		return nil
	}

	if info, err := os.Stat(cmd.Dir); err != nil || !info.IsDir() {
		if err == nil {
			err = fmt.Errorf("%s is not a directory", cmd.Dir)
		}
		return s.launchFailedLocked(cmd, fmt.Errorf("backend not found at %s: %w", cmd.Dir, err))
	}

	s.output.Reset()
	s.output.Append(logbuf.System, "Starting backend with Python: "+cmd.Path)

	c := exec.Command(cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	env := cmd.Env
	if env == nil {
		env = os.Environ()
	}
	c.Env = append(append([]string{}, env...), "PYTHONUNBUFFERED=1")
	setSysProcAttr(c)

	stdout, err := c.StdoutPipe()
	if err != nil {
		return s.launchFailedLocked(cmd, fmt.Errorf("create stdout pipe: %w", err))
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return s.launchFailedLocked(cmd, fmt.Errorf("create stderr pipe: %w", err))
	}

	if err := c.Start(); err != nil {
		return s.launchFailedLocked(cmd, err)
	}

	s.gen++
	inst := &instance{
		gen:    s.gen,
		cmd:    c,
		exited: make(chan struct{}),
	}
	s.current = inst
	if err := writePIDFile(s.opts.PIDFile, c.Process.Pid); err != nil {
		s.logger.Warn("could not write pid file", zap.String("path", s.opts.PIDFile), zap.Error(err))
	}
	s.setStatusLocked(Status{
		State:      StateStarting,
		PID:        c.Process.Pid,
		StartedAt:  time.Now(),
		Generation: inst.gen,
	})

	var capture sync.WaitGroup
	capture.Add(2)
	go s.capture(inst.gen, logbuf.Stdout, stdout, &capture)
	go s.capture(inst.gen, logbuf.Stderr, stderr, &capture)
	go func() {
		// pipes must be drained before Wait closes them
		capture.Wait()
		_ = c.Wait()
		info := exitInfo(c.ProcessState)
		removePIDFile(s.opts.PIDFile, c.Process.Pid)
		close(inst.exited)
		s.send(event{kind: eventExit, gen: inst.gen, exit: info})
	}()

	gen := inst.gen
	inst.probeTimer = time.AfterFunc(s.opts.StartupGrace, func() {
		s.send(event{kind: eventProbeDue, gen: gen})
	})

	s.logger.Info("backend started",
		zap.Int("pid", c.Process.Pid),
		zap.String("python", cmd.Path),
		zap.String("dir", cmd.Dir),
		zap.Uint64("generation", gen))
	return nil
}

// Stop asks the backend to terminate and returns immediately. The process
// group gets SIGTERM, then SIGKILL if it is still alive after StopGrace.
// State becomes Stopped at once, before the exit is observed; use
// StopAndWait to block until the process is gone. Stop is a no-op when no
// process is alive.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// StopAndWait stops the backend and waits for the process to exit or ctx
// to end.
func (s *Supervisor) StopAndWait(ctx context.Context) error {
	s.mu.Lock()
	s.stopLocked()
	inst := s.stopped
	s.mu.Unlock()

	if inst == nil {
		return nil
	}
	select {
	case <-inst.exited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for backend exit: %w", ctx.Err())
	}
}

// Kill sends SIGKILL to the process group without waiting out StopGrace.
// It also cuts short a stop already in progress.
func (s *Supervisor) Kill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.killStoppedLocked()
}

// Restart stops the backend, waits for it to exit and for its address to
// be released, then starts cmd. Subscribers see a Stopped status with
// Restarting set in between. An attached backend is only detached, so the
// wait for its address fails unless its owner stops it.
func (s *Supervisor) Restart(ctx context.Context, cmd Command) error {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return ErrClosed
	}
	s.restarting = true
	s.output.Append(logbuf.System, "Restarting backend")
	s.stopLocked()
	s.restarting = false
	inst := s.stopped
	s.mu.Unlock()

	err := func() error {
		if inst != nil {
			select {
			case <-inst.exited:
			case <-ctx.Done():
				return fmt.Errorf("wait for backend exit: %w", ctx.Err())
			}
		}
		return s.waitPortFree(ctx)
	}()
	if err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		switch {
		case s.status.Alive():
		case ctx.Err() != nil:
			// abandoned, typically because the caller is shutting down
			s.setStatusLocked(Status{State: StateStopped, Generation: s.gen})
		default:
			s.setStatusLocked(Status{State: StateFailed, Reason: "restart failed: " + err.Error(), Generation: s.gen})
		}
		return err
	}
	return s.Start(cmd)
}

// reapStopped kills a previously stopped process that has not exited yet
// and waits for it.
func (s *Supervisor) reapStopped() error {
	s.mu.Lock()
	inst := s.stopped
	if inst == nil || inst.hasExited() {
		s.mu.Unlock()
		return nil
	}
	s.killStoppedLocked()
	pid := inst.cmd.Process.Pid
	s.mu.Unlock()

	select {
	case <-inst.exited:
		return nil
	case <-time.After(reapTimeout):
		return fmt.Errorf("previous backend (pid %d) did not exit", pid)
	case <-s.ctx.Done():
		return ErrClosed
	}
}

func (s *Supervisor) killStoppedLocked() {
	inst := s.stopped
	if inst == nil || inst.hasExited() {
		return
	}
	if inst.killTimer != nil {
		inst.killTimer.Stop()
	}
	s.logger.Warn("killing backend", zap.Int("pid", inst.cmd.Process.Pid))
	_ = forceKillProcess(inst.cmd)
}

// Close stops any running process and shuts down the event loop.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() {
		s.Stop()
		s.cancel()
		<-s.loopDone
	})
}

func (s *Supervisor) stopLocked() {
	if s.attached {
		s.attached = false
		s.setStatusLocked(Status{State: StateStopped, Restarting: s.restarting, Generation: s.gen})
		s.output.Append(logbuf.System, "Detached from backend on "+s.opts.Address)
		s.logger.Info("detached from backend", zap.String("addr", s.opts.Address))
		return
	}
	inst := s.current
	if inst == nil || inst.hasExited() {
		return
	}

	inst.stopping = true
	if inst.probeTimer != nil {
		inst.probeTimer.Stop()
	}
	if err := terminateProcess(inst.cmd); err != nil {
		s.logger.Debug("terminate backend", zap.Error(err))
	}
	inst.killTimer = time.AfterFunc(s.opts.StopGrace, func() {
		if inst.hasExited() {
			return
		}
		s.logger.Warn("backend ignored termination, killing",
			zap.Int("pid", inst.cmd.Process.Pid),
			zap.Duration("grace", s.opts.StopGrace))
		_ = forceKillProcess(inst.cmd)
	})

	s.current = nil
	s.stopped = inst
	s.setStatusLocked(Status{State: StateStopped, Restarting: s.restarting, Generation: inst.gen})
	s.logger.Info("backend stop requested", zap.Int("pid", inst.cmd.Process.Pid))
}

func (s *Supervisor) launchFailedLocked(cmd Command, err error) error {
	launchErr := &LaunchError{Command: cmd, Err: err}
	s.setStatusLocked(Status{
		State:      StateFailed,
		Reason:     launchErr.Error(),
		Generation: s.gen,
	})
	s.output.Append(logbuf.System, "Failed to start server: "+err.Error())
	s.logger.Error("backend launch failed", zap.String("command", cmd.String()), zap.Error(err))
	return launchErr
}

// setStatusLocked replaces the status and fans it out. Caller holds mu.
func (s *Supervisor) setStatusLocked(st Status) {
	s.status = st
	for _, ch := range s.subs {
		select {
		case ch <- st:
		default:
		}
	}
}

func (s *Supervisor) send(ev event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// capture forwards one stream line by line into the event loop. Lines
// longer than maxLineBytes are clipped; the rest of that line is skipped
// and capture carries on with the next one.
func (s *Supervisor) capture(gen uint64, stream string, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()

	br := bufio.NewReaderSize(r, readBufferSize)
	var line []byte
	clipped := false
	emit := func() {
		text := logbuf.Clip(strings.TrimRight(string(line), "\r"), maxLineBytes)
		s.send(event{kind: eventLine, gen: gen, stream: stream, text: text})
		line = line[:0]
		clipped = false
	}

	for {
		chunk, more, err := br.ReadLine()
		if len(chunk) > 0 && !clipped {
			// one byte past the limit so Clip sees the line as too long
			if room := maxLineBytes + 1 - len(line); len(chunk) > room {
				chunk = chunk[:room]
				clipped = true
			}
			line = append(line, chunk...)
		}
		if err != nil {
			if len(line) > 0 {
				emit()
			}
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("output capture stopped", zap.String("stream", stream), zap.Error(err))
				_, _ = io.Copy(io.Discard, r)
			}
			return
		}
		if !more {
			emit()
		}
	}
}

func (s *Supervisor) loop() {
	defer close(s.loopDone)
	for {
		select {
		case ev := <-s.events:
			s.handle(ev)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Supervisor) handle(ev event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst := s.current
	live := inst != nil && inst.gen == ev.gen

	switch ev.kind {
	case eventLine:
		// output of a replaced instance is dropped
		if ev.gen != s.gen {
			return
		}
		s.output.Append(ev.stream, ev.text)
		if live && s.status.State == StateStarting && s.hasMarker(ev.text) {
			s.markReadyLocked(inst, "output")
		}

	case eventProbeDue:
		if !live || s.status.State != StateStarting || inst.hasExited() || s.prober == nil {
			return
		}
		gen := ev.gen
		go func() {
			err := s.prober.Probe(s.ctx)
			s.send(event{kind: eventProbeResult, gen: gen, err: err})
		}()

	case eventProbeResult:
		if !live || s.status.State != StateStarting {
			return
		}
		if ev.err != nil {
			s.logger.Debug("readiness probe failed, waiting for output marker", zap.Error(ev.err))
			return
		}
		s.markReadyLocked(inst, "probe")

	case eventExit:
		s.handleExitLocked(ev, inst, live)
	}
}

func (s *Supervisor) hasMarker(line string) bool {
	for _, m := range s.opts.ReadinessMarkers {
		if m != "" && strings.Contains(line, m) {
			return true
		}
	}
	return false
}

// markReadyLocked moves Starting to Running. Later signals find the state
// already Running and do nothing.
func (s *Supervisor) markReadyLocked(inst *instance, via string) {
	if inst.probeTimer != nil {
		inst.probeTimer.Stop()
	}
	st := s.status
	st.State = StateRunning
	st.ReadyAt = time.Now()
	st.ReadyVia = via
	s.setStatusLocked(st)
	s.logger.Info("backend ready",
		zap.String("via", via),
		zap.Int("pid", st.PID),
		zap.Duration("startup", st.ReadyAt.Sub(st.StartedAt)))
}

func (s *Supervisor) handleExitLocked(ev event, inst *instance, live bool) {
	s.logger.Info("backend exited",
		zap.Uint64("generation", ev.gen),
		zap.String("exit", ev.exit.String()))

	if !live {
		// already stopped or replaced
		return
	}
	if inst.probeTimer != nil {
		inst.probeTimer.Stop()
	}
	s.current = nil

	code := ev.exit.Code
	if ev.exit.Clean() {
		s.output.Append(logbuf.System, "Server stopped ("+ev.exit.String()+")")
		s.setStatusLocked(Status{State: StateStopped, ExitCode: &code, Generation: ev.gen})
		return
	}

	reason := "backend " + ev.exit.String()
	s.output.Append(logbuf.System, "Server exited: "+ev.exit.String())
	s.setStatusLocked(Status{
		State:      StateFailed,
		Reason:     reason,
		ExitCode:   &code,
		Generation: ev.gen,
	})
}
