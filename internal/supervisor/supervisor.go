// Package supervisor owns the lifecycle of the single child process.
//
// All start, stop and restart commands are serialized on one control
// goroutine. A per-run monitor goroutine waits on the child and reports an
// exit nobody asked for; a sync.Once on the run makes sure that exit and a
// racing Stop produce exactly one transition into StateStopped.
//
// State machine:
//
//	Stopped -> Starting -> Running -> Stopping -> Stopped
//	Running|Stopped -> Restarting -> Starting -> Running
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/bootvisor/internal/events"
	"github.com/loykin/bootvisor/internal/fault"
	"github.com/loykin/bootvisor/internal/history"
	"github.com/loykin/bootvisor/internal/logpipe"
	"github.com/loykin/bootvisor/internal/metrics"
	"github.com/loykin/bootvisor/internal/process"
	"github.com/loykin/bootvisor/internal/settings"
)

const (
	DefaultSettleDelay = 2 * time.Second
	DefaultStopGrace   = 5 * time.Second
	DefaultReaderGrace = 2 * time.Second
)

// LogSink receives the child's output and the supervisor's own notices.
type LogSink interface {
	logpipe.Ingester
	System(text string)
	Clear()
}

// Prober reports whether the runtime can be executed.
type Prober interface {
	Check(ctx context.Context) error
}

type Options struct {
	Launcher process.Launcher
	// Probe defaults to a cached RuntimeProbe for Launcher's runtime.
	Probe   Prober
	Logs    LogSink
	Events  events.Publisher
	History *history.Recorder

	// SettleDelay is the pause between the stop and start phases of Restart.
	SettleDelay time.Duration
	// StopGrace is used by Shutdown.
	StopGrace time.Duration
	// ReaderGrace bounds how long a new start waits for the previous run's
	// output to be read to the end.
	ReaderGrace time.Duration
	Logger      *slog.Logger
}

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionRestart
	actionShutdown
)

type command struct {
	ctx    context.Context
	action commandAction
	cfg    settings.Config
	grace  time.Duration
	reply  chan error
}

// run is one spawned child.
type run struct {
	h           *process.Handle
	cfg         settings.Config
	cmdline     string
	streams     process.Streams
	readersDone chan struct{}

	stopRequested atomic.Bool
	once          sync.Once
}

type Supervisor struct {
	opts   Options
	logger *slog.Logger

	mu        sync.RWMutex
	state     State
	reason    StopReason
	cur       *run
	prev      *run
	lastCfg   settings.Config
	hasCfg    bool
	startedAt time.Time
	stoppedAt time.Time
	restarts  uint32
	lastExit  *int
	lastErr   string
	// recoverable marks a child that went down without a user stop and has
	// not come back yet. Failed restarts keep it set.
	recoverable bool

	restarting atomic.Bool
	cmdChan    chan command
	doneChan   chan struct{}
}

func New(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Probe == nil {
		opts.Probe = process.NewRuntimeProbe(opts.Launcher.RuntimePath(), opts.Launcher.ProbeArgs()...)
	}
	if opts.Logs == nil {
		opts.Logs = discardSink{}
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	} else if opts.SettleDelay == 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.ReaderGrace <= 0 {
		opts.ReaderGrace = DefaultReaderGrace
	}
	s := &Supervisor{
		opts:     opts,
		logger:   opts.Logger.With("component", "supervisor"),
		state:    StateStopped,
		cmdChan:  make(chan command, 16),
		doneChan: make(chan struct{}),
	}
	metrics.SetCurrentState(StateStopped.String(), allStates)
	go s.runStateMachine()
	return s
}

type initiatorKey struct{}

// WithInitiator labels the commands issued with ctx, e.g. "watchdog".
func WithInitiator(ctx context.Context, who string) context.Context {
	return context.WithValue(ctx, initiatorKey{}, who)
}

func initiatorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(initiatorKey{}).(string); ok && v != "" {
		return v
	}
	return "user"
}

// Start launches the child with cfg.
func (s *Supervisor) Start(ctx context.Context, cfg settings.Config) error {
	return s.send(ctx, "start", command{action: actionStart, cfg: cfg})
}

// Stop terminates the child, waiting up to grace for a graceful exit. A
// forced kill is reported as a non-fatal fault.ErrForcedKill.
func (s *Supervisor) Stop(ctx context.Context, grace time.Duration) error {
	return s.send(ctx, "stop", command{action: actionStop, grace: grace})
}

// Restart stops the child and starts it again with the last started
// configuration. Only one restart runs at a time; a concurrent call fails
// immediately with fault.ErrRestartInProgress.
func (s *Supervisor) Restart(ctx context.Context, grace time.Duration) error {
	return <-s.RestartAsync(ctx, grace)
}

func (s *Supervisor) StartAsync(ctx context.Context, cfg settings.Config) <-chan error {
	return async(func() error { return s.Start(ctx, cfg) })
}

func (s *Supervisor) StopAsync(ctx context.Context, grace time.Duration) <-chan error {
	return async(func() error { return s.Stop(ctx, grace) })
}

// RestartAsync claims the restart slot before returning, so a second
// caller sees RestartInProgress without waiting.
func (s *Supervisor) RestartAsync(ctx context.Context, grace time.Duration) <-chan error {
	out := make(chan error, 1)
	if !s.restarting.CompareAndSwap(false, true) {
		out <- fault.New(fault.KindRestartInProgress, "restart", nil)
		return out
	}
	go func() {
		defer s.restarting.Store(false)
		out <- s.send(ctx, "restart", command{action: actionRestart, grace: grace})
	}()
	return out
}

// Restarting reports whether a restart is in flight.
func (s *Supervisor) Restarting() bool { return s.restarting.Load() }

// Shutdown stops the child and ends the control goroutine. Later commands
// fail with fault.ErrShutdown.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case s.cmdChan <- command{ctx: ctx, action: actionShutdown, grace: s.opts.StopGrace, reply: reply}:
	case <-s.doneChan:
		return nil
	}
	select {
	case err := <-reply:
		return err
	case <-s.doneChan:
		select {
		case err := <-reply:
			return err
		default:
			return nil
		}
	}
}

// Done is closed after Shutdown has completed.
func (s *Supervisor) Done() <-chan struct{} { return s.doneChan }

func (s *Supervisor) send(ctx context.Context, op string, c command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.ctx = ctx
	c.reply = make(chan error, 1)
	select {
	case s.cmdChan <- c:
	case <-s.doneChan:
		return fault.New(fault.KindShutdown, op, nil)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-s.doneChan:
		select {
		case err := <-c.reply:
			return err
		default:
			return fault.New(fault.KindShutdown, op, nil)
		}
	}
}

func async(fn func() error) <-chan error {
	out := make(chan error, 1)
	go func() { out <- fn() }()
	return out
}

func (s *Supervisor) runStateMachine() {
	defer close(s.doneChan)
	for c := range s.cmdChan {
		var err error
		switch c.action {
		case actionStart:
			err = s.handleStart(c.ctx, c.cfg)
		case actionStop:
			err = s.handleStop(c.ctx, c.grace)
		case actionRestart:
			err = s.handleRestart(c.ctx, c.grace)
		case actionShutdown:
			err = s.handleStop(c.ctx, c.grace)
			s.retireReaders()
			c.reply <- err
			return
		}
		c.reply <- err
	}
}

func (s *Supervisor) handleStart(ctx context.Context, cfg settings.Config) error {
	s.mu.RLock()
	st := s.state
	s.mu.RUnlock()
	if st != StateStopped {
		s.logger.Warn("start ignored, already running", "state", st.String())
		return fault.Newf(fault.KindAlreadyRunning, "start", "state is %s", st)
	}
	if err := s.precheck(ctx, cfg); err != nil {
		return err
	}
	return s.launch(ctx, cfg, "start")
}

// precheck validates cfg and the runtime before any transition.
func (s *Supervisor) precheck(ctx context.Context, cfg settings.Config) error {
	path := strings.TrimSpace(cfg.ExecutablePath)
	if path == "" {
		return fault.Newf(fault.KindNotFound, "start", "no executable configured")
	}
	fi, err := os.Stat(path)
	if err != nil {
		return fault.New(fault.KindNotFound, "start", err)
	}
	if fi.IsDir() {
		return fault.Newf(fault.KindNotFound, "start", "%s is a directory", path)
	}
	if err := s.opts.Probe.Check(ctx); err != nil {
		s.setLastError(err)
		s.opts.Logs.System("runtime check failed: " + err.Error())
		return fault.New(fault.KindPrerequisiteMissing, "start", err)
	}
	return nil
}

// launch moves Stopped|Restarting -> Starting -> Running, or to Stopped
// with ReasonFailed when the spawn is refused.
func (s *Supervisor) launch(ctx context.Context, cfg settings.Config, op string) error {
	begin := time.Now()
	s.retireReaders()

	cmdline := s.opts.Launcher.CommandLine(cfg)
	s.mu.Lock()
	s.transitionLocked(StateStarting, events.StateChange{})
	s.mu.Unlock()

	s.opts.Logs.Clear()
	s.opts.Logs.System("starting: " + cmdline)
	s.logger.Info("starting child", "cmd", cmdline)

	h, streams, err := process.Spawn(s.opts.Launcher.Command(cfg))
	if err != nil {
		s.mu.Lock()
		s.reason = ReasonFailed
		s.lastErr = err.Error()
		s.stoppedAt = time.Now()
		if op != "restart" {
			s.recoverable = false
		}
		s.transitionLocked(StateStopped, events.StateChange{Reason: ReasonFailed.String(), Error: err.Error()})
		s.mu.Unlock()
		s.opts.Logs.System("start failed: " + err.Error())
		s.logger.Error("spawn failed", "cmd", cmdline, "error", err)
		s.recordHistory(history.EventStartFailed, history.Record{
			Executable: cfg.ExecutablePath, Port: cfg.Port, Profile: cfg.Profile,
			Reason: ReasonFailed.String(), Error: err.Error(),
		})
		return fault.New(fault.KindSpawnFailed, op, err)
	}

	r := &run{h: h, cfg: cfg, cmdline: cmdline, streams: streams, readersDone: make(chan struct{})}
	var readers sync.WaitGroup
	readers.Add(2)
	go s.readStream(&readers, streams.Stdout, logpipe.SourceStdout)
	go s.readStream(&readers, streams.Stderr, logpipe.SourceStderr)
	go func() {
		readers.Wait()
		close(r.readersDone)
	}()

	s.mu.Lock()
	s.cur = r
	s.lastCfg = cfg
	s.hasCfg = true
	s.startedAt = h.StartedAt
	s.stoppedAt = time.Time{}
	s.lastErr = ""
	s.reason = ReasonNone
	s.recoverable = false
	s.transitionLocked(StateRunning, events.StateChange{PID: h.PID})
	s.mu.Unlock()

	go s.monitor(r)

	metrics.IncStart()
	metrics.ObserveStartDuration(time.Since(begin).Seconds())
	s.opts.Logs.System(fmt.Sprintf("started pid %d", h.PID))
	s.logger.Info("child started", "pid", h.PID)
	s.recordHistory(history.EventStart, s.historyRecord(r))
	return nil
}

func (s *Supervisor) readStream(wg *sync.WaitGroup, rc io.ReadCloser, src logpipe.Source) {
	defer wg.Done()
	if err := logpipe.ReadLines(rc, src, s.opts.Logs); err != nil {
		s.logger.Warn("output reader stopped", "source", src.String(), "error", err)
	}
	_ = rc.Close()
}

// retireReaders gives the previous run's readers ReaderGrace to reach EOF
// and then closes their pipes, so no stale output lands in a new session.
func (s *Supervisor) retireReaders() {
	s.mu.Lock()
	r := s.prev
	s.prev = nil
	s.mu.Unlock()
	if r == nil {
		return
	}
	t := time.NewTimer(s.opts.ReaderGrace)
	defer t.Stop()
	select {
	case <-r.readersDone:
	case <-t.C:
		s.logger.Warn("output pipes still open after exit, closing", "pid", r.h.PID)
	}
	_ = r.streams.Stdout.Close()
	_ = r.streams.Stderr.Close()
}

// monitor reports an exit that no stop asked for.
func (s *Supervisor) monitor(r *run) {
	<-r.h.Done()
	if r.stopRequested.Load() {
		return
	}
	s.finalize(r, ReasonUnexpected, false)
}

// finalize records the end of r exactly once. While restarting it only
// releases the run; the restart owns the state.
func (s *Supervisor) finalize(r *run, reason StopReason, forced bool) {
	r.once.Do(func() {
		code, _ := r.h.ExitStatus()
		exited := r.h.Exited()

		s.mu.Lock()
		if s.cur != r {
			s.mu.Unlock()
			return
		}
		s.cur = nil
		s.prev = r
		s.stoppedAt = time.Now()
		if exited {
			c := code
			s.lastExit = &c
		}
		restarting := s.state == StateRestarting
		if s.state == StateStopping {
			reason = ReasonRequested
		}
		if !restarting {
			s.reason = reason
			s.recoverable = reason == ReasonUnexpected
			sc := events.StateChange{
				Reason:     reason.String(),
				Unexpected: reason == ReasonUnexpected,
				PID:        r.h.PID,
			}
			if exited {
				c := code
				sc.ExitCode = &c
			}
			s.transitionLocked(StateStopped, sc)
		}
		s.mu.Unlock()

		rec := s.historyRecord(r)
		rec.StoppedAt = time.Now()
		rec.Reason = reason.String()
		rec.Forced = forced
		if exited {
			c := code
			rec.ExitCode = &c
		}
		evt := history.EventStop
		if reason == ReasonUnexpected {
			evt = history.EventExit
		}
		metrics.IncStop(reason.String())
		if forced {
			metrics.IncForcedKill()
		}

		switch reason {
		case ReasonUnexpected:
			s.logger.Warn("child exited unexpectedly", "pid", r.h.PID, "exit_code", code)
			s.opts.Logs.System(fmt.Sprintf("process exited unexpectedly (exit code %d)", code))
		default:
			s.logger.Info("child stopped", "pid", r.h.PID, "exit_code", code, "forced", forced)
			s.opts.Logs.System(fmt.Sprintf("process stopped (exit code %d)", code))
		}
		s.recordHistory(evt, rec)
	})
}

func (s *Supervisor) handleStop(ctx context.Context, grace time.Duration) error {
	s.mu.Lock()
	r := s.cur
	if s.state == StateStopped || r == nil {
		s.recoverable = false
		s.mu.Unlock()
		return nil
	}
	r.stopRequested.Store(true)
	s.transitionLocked(StateStopping, events.StateChange{PID: r.h.PID})
	s.mu.Unlock()

	return s.stopRun(ctx, r, grace, "stop")
}

// stopRun ends r and finalizes it as requested.
func (s *Supervisor) stopRun(ctx context.Context, r *run, grace time.Duration, op string) error {
	if grace <= 0 {
		grace = s.opts.StopGrace
	}
	if ctx == nil {
		ctx = context.Background()
	}
	r.stopRequested.Store(true)
	s.logger.Info("stopping child", "pid", r.h.PID, "grace", grace)
	forced, err := r.h.Stop(ctx, grace)
	s.finalize(r, ReasonRequested, forced)
	if err != nil {
		s.logger.Error("kill not confirmed", "pid", r.h.PID, "error", err)
		s.setLastError(err)
		return fault.New(fault.KindForcedKill, op, err)
	}
	if forced {
		s.logger.Warn("child did not exit in time, killed", "pid", r.h.PID, "grace", grace)
		return fault.Newf(fault.KindForcedKill, op, "pid %d killed after %s", r.h.PID, grace)
	}
	return nil
}

func (s *Supervisor) handleRestart(ctx context.Context, grace time.Duration) error {
	s.mu.Lock()
	if !s.hasCfg {
		s.mu.Unlock()
		return fault.Newf(fault.KindNotFound, "restart", "nothing has been started yet")
	}
	cfg := s.lastCfg
	r := s.cur
	sc := events.StateChange{}
	if r != nil {
		r.stopRequested.Store(true)
		sc.PID = r.h.PID
	}
	s.transitionLocked(StateRestarting, sc)
	s.mu.Unlock()

	who := initiatorFrom(ctx)
	s.logger.Info("restarting child", "initiator", who)
	s.opts.Logs.System("restarting (" + who + ")")

	var stopErr error
	if r != nil {
		stopErr = s.stopRun(ctx, r, grace, "restart")
		if fault.IsFatal(stopErr) {
			return s.failRestart(stopErr)
		}
	}

	if err := sleepCtx(ctx, s.opts.SettleDelay); err != nil {
		return s.failRestart(err)
	}
	if err := s.precheck(ctx, cfg); err != nil {
		return s.failRestart(err)
	}
	if err := s.launch(ctx, cfg, "restart"); err != nil {
		return err
	}

	s.mu.Lock()
	s.restarts++
	cur := s.cur
	s.mu.Unlock()
	metrics.IncRestart(who)
	if cur != nil {
		rec := s.historyRecord(cur)
		rec.Reason = who
		s.recordHistory(history.EventRestart, rec)
	}
	return stopErr
}

// failRestart ends an aborted restart in StateStopped.
func (s *Supervisor) failRestart(err error) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.reason = ReasonFailed
		s.lastErr = err.Error()
		s.stoppedAt = time.Now()
		s.transitionLocked(StateStopped, events.StateChange{Reason: ReasonFailed.String(), Error: err.Error()})
	}
	s.mu.Unlock()
	s.logger.Error("restart failed", "error", err)
	s.opts.Logs.System("restart failed: " + err.Error())
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	return fault.New(fault.KindUnknown, "restart", err)
}

// transitionLocked sets the state and publishes the change. Caller holds mu.
func (s *Supervisor) transitionLocked(to State, sc events.StateChange) {
	from := s.state
	s.state = to
	sc.From = from.String()
	sc.To = to.String()
	metrics.RecordStateTransition(sc.From, sc.To)
	metrics.SetCurrentState(sc.To, allStates)
	s.logger.Debug("state transition", "from", sc.From, "to", sc.To, "reason", sc.Reason)
	if s.opts.Events != nil {
		s.opts.Events.Publish(events.Event{Topic: events.TopicState, State: &sc})
	}
}

func (s *Supervisor) setLastError(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
}

func (s *Supervisor) historyRecord(r *run) history.Record {
	return history.Record{
		PID:        r.h.PID,
		Executable: r.cfg.ExecutablePath,
		Port:       r.cfg.Port,
		Profile:    r.cfg.Profile,
		StartedAt:  r.h.StartedAt,
	}
}

func (s *Supervisor) recordHistory(t history.EventType, rec history.Record) {
	if s.opts.History == nil {
		return
	}
	s.opts.History.Post(history.Event{Type: t, OccurredAt: time.Now().UTC(), Record: rec})
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// StopReason returns why the supervisor last entered StateStopped.
func (s *Supervisor) StopReason() StopReason {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// Recoverable reports whether the child is down without a user stop: it
// exited on its own and every restart since has failed.
func (s *Supervisor) Recoverable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recoverable && s.state == StateStopped
}

// PID returns the child's PID, or 0 when no child is attached.
func (s *Supervisor) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cur == nil {
		return 0
	}
	return s.cur.h.PID
}

// Uptime is the time since the child started; zero unless running.
func (s *Supervisor) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateRunning || s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// LastConfig returns the configuration of the last successful start.
func (s *Supervisor) LastConfig() (settings.Config, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCfg, s.hasCfg
}

// Status returns a snapshot, including a resource sample of the running
// child.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	st := Status{
		State:       s.state,
		StartedAt:   s.startedAt,
		StoppedAt:   s.stoppedAt,
		Restarts:    s.restarts,
		StopReason:  s.reason,
		Recoverable: s.recoverable && s.state == StateStopped,
		LastError:   s.lastErr,
	}
	if s.lastExit != nil {
		c := *s.lastExit
		st.LastExitCode = &c
	}
	if s.hasCfg {
		cfg := s.lastCfg
		st.Config = &cfg
	}
	if s.cur != nil {
		st.PID = s.cur.h.PID
		st.CommandLine = s.cur.cmdline
	}
	if s.state == StateRunning && !s.startedAt.IsZero() {
		st.Uptime = time.Since(s.startedAt)
	}
	s.mu.RUnlock()

	st.UptimeText = FormatUptime(st.Uptime)
	if st.PID > 0 && st.State == StateRunning {
		if u, err := process.SampleUsage(st.PID); err == nil {
			st.Usage = &u
		}
	}
	return st
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type discardSink struct{}

func (discardSink) Ingest(string, logpipe.Source) {}
func (discardSink) System(string) {}
func (discardSink) Clear() {}
