// Package watchdog periodically checks the supervised child. While it runs
// the watchdog publishes a heartbeat; after an unexpected exit it asks the
// supervisor for a restart, at most once per cooldown, until one succeeds or
// the user stops the child.
package watchdog

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/bootvisor/internal/events"
	"github.com/loykin/bootvisor/internal/fault"
	"github.com/loykin/bootvisor/internal/metrics"
	"github.com/loykin/bootvisor/internal/process"
	"github.com/loykin/bootvisor/internal/supervisor"
)

const (
	DefaultInterval = 5 * time.Minute
	DefaultCooldown = 10 * time.Second
)

// Target is the part of the supervisor the watchdog drives.
type Target interface {
	State() supervisor.State
	// Recoverable is true while the child is down without a user stop,
	// including after a failed restart.
	Recoverable() bool
	PID() int
	Uptime() time.Duration
	RestartAsync(ctx context.Context, grace time.Duration) <-chan error
}

type Options struct {
	Interval time.Duration
	Cooldown time.Duration
	// StopGrace is passed to the restart's stop phase.
	StopGrace time.Duration
	// ReactOnExit restarts as soon as an unexpected stop is published
	// instead of waiting for the next tick. Requires Subscribe.
	ReactOnExit bool
	Subscribe   func(topic events.Topic, buffer int) (<-chan events.Event, func())
	Events      events.Publisher
	// Sample reads resource usage of the child; defaults to process.SampleUsage.
	Sample func(pid int) (process.Usage, error)
	Logger *slog.Logger
}

// Outcome is what a single Tick did.
type Outcome int

const (
	OutcomeIdle Outcome = iota
	OutcomeHeartbeat
	OutcomeRestart
	OutcomeSuppressed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHeartbeat:
		return "heartbeat"
	case OutcomeRestart:
		return "restart"
	case OutcomeSuppressed:
		return "suppressed"
	default:
		return "idle"
	}
}

type Watchdog struct {
	target Target
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	lastAttempt time.Time
	pending     sync.WaitGroup
}

func New(target Target, opts Options) *Watchdog {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.Sample == nil {
		opts.Sample = process.SampleUsage
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Watchdog{target: target, opts: opts, logger: opts.Logger.With("component", "watchdog")}
}

// Tick inspects the supervisor once at now.
func (w *Watchdog) Tick(now time.Time) Outcome {
	switch w.target.State() {
	case supervisor.StateRunning:
		w.heartbeat()
		return OutcomeHeartbeat
	case supervisor.StateStopped:
		if !w.target.Recoverable() {
			return OutcomeIdle
		}
		return w.tryRestart(now)
	default:
		return OutcomeIdle
	}
}

func (w *Watchdog) heartbeat() {
	pid := w.target.PID()
	hb := events.Heartbeat{PID: pid, Uptime: w.target.Uptime()}
	if pid > 0 {
		if u, err := w.opts.Sample(pid); err == nil {
			hb.CPUPercent = u.CPUPercent
			hb.RSSBytes = u.RSSBytes
			metrics.SetChildUsage(u.CPUPercent, u.RSSBytes)
		}
	}
	w.logger.Info("heartbeat", "pid", hb.PID, "uptime", supervisor.FormatUptime(hb.Uptime), "rss_bytes", hb.RSSBytes)
	if w.opts.Events != nil {
		w.opts.Events.Publish(events.Event{Topic: events.TopicHeartbeat, Heartbeat: &hb})
	}
}

func (w *Watchdog) tryRestart(now time.Time) Outcome {
	w.mu.Lock()
	if !w.lastAttempt.IsZero() && now.Sub(w.lastAttempt) < w.opts.Cooldown {
		w.mu.Unlock()
		metrics.IncWatchdogSuppressed()
		w.logger.Debug("restart suppressed by cooldown", "last_attempt", w.lastAttempt, "cooldown", w.opts.Cooldown)
		return OutcomeSuppressed
	}
	w.lastAttempt = now
	w.mu.Unlock()

	metrics.IncWatchdogRestart()
	w.logger.Warn("child is down without a user stop, restarting")
	ctx := supervisor.WithInitiator(context.Background(), "watchdog")
	result := w.target.RestartAsync(ctx, w.opts.StopGrace)
	w.pending.Add(1)
	go func() {
		defer w.pending.Done()
		err := <-result
		switch {
		case err == nil:
			w.logger.Info("watchdog restart succeeded")
		case fault.KindOf(err) == fault.KindRestartInProgress:
			w.logger.Info("restart already in progress")
		case !fault.IsFatal(err):
			w.logger.Warn("watchdog restart completed with warning", "error", err)
		default:
			w.logger.Error("watchdog restart failed", "error", err)
		}
	}()
	return OutcomeRestart
}

// LastAttempt is the time of the last restart attempt.
func (w *Watchdog) LastAttempt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastAttempt
}

// Wait blocks until every restart started by Tick has reported back.
func (w *Watchdog) Wait() { w.pending.Wait() }

// Run ticks every Interval until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var stateCh <-chan events.Event
	if w.opts.ReactOnExit && w.opts.Subscribe != nil {
		ch, cancel := w.opts.Subscribe(events.TopicState, 8)
		defer cancel()
		stateCh = ch
	}
	w.logger.Info("watchdog started", "interval", w.opts.Interval, "cooldown", w.opts.Cooldown, "react_on_exit", stateCh != nil)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watchdog stopped")
			return
		case now := <-ticker.C:
			w.Tick(now)
		case e, ok := <-stateCh:
			if !ok {
				stateCh = nil
				continue
			}
			if e.State != nil && e.State.Unexpected {
				w.Tick(time.Now())
			}
		}
	}
}
