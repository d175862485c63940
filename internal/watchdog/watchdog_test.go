package watchdog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/bootvisor/internal/events"
	"github.com/loykin/bootvisor/internal/fault"
	"github.com/loykin/bootvisor/internal/process"
	"github.com/loykin/bootvisor/internal/settings"
	"github.com/loykin/bootvisor/internal/supervisor"
)

type fakeTarget struct {
	mu       sync.Mutex
	state    supervisor.State
	reason   supervisor.StopReason
	pid      int
	restarts atomic.Int32
	result   error
}

func (f *fakeTarget) set(st supervisor.State, r supervisor.StopReason) {
	f.mu.Lock()
	f.state, f.reason = st, r
	f.mu.Unlock()
}

func (f *fakeTarget) State() supervisor.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTarget) Recoverable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == supervisor.StateStopped && f.reason == supervisor.ReasonUnexpected
}

func (f *fakeTarget) PID() int { return f.pid }
func (f *fakeTarget) Uptime() time.Duration { return 90 * time.Second }
func (f *fakeTarget) RestartAsync(_ context.Context, _ time.Duration) <-chan error {
	f.restarts.Add(1)
	ch := make(chan error, 1)
	ch <- f.result
	return ch
}

type heartbeats struct {
	mu  sync.Mutex
	got []events.Heartbeat
}

func (h *heartbeats) Publish(e events.Event) {
	if e.Heartbeat == nil {
		return
	}
	h.mu.Lock()
	h.got = append(h.got, *e.Heartbeat)
	h.mu.Unlock()
}

func sampleStub(pid int) (process.Usage, error) {
	if pid <= 0 {
		return process.Usage{}, errors.New("no pid")
	}
	return process.Usage{CPUPercent: 12.5, RSSBytes: 4096}, nil
}

func TestTickHeartbeatWhileRunning(t *testing.T) {
	target := &fakeTarget{state: supervisor.StateRunning, pid: 4242}
	hb := &heartbeats{}
	w := New(target, Options{Events: hb, Sample: sampleStub})

	assert.Equal(t, OutcomeHeartbeat, w.Tick(time.Now()))
	require.Len(t, hb.got, 1)
	assert.Equal(t, 4242, hb.got[0].PID)
	assert.Equal(t, 90*time.Second, hb.got[0].Uptime)
	assert.Equal(t, uint64(4096), hb.got[0].RSSBytes)
	assert.Zero(t, target.restarts.Load())
}

func TestTickIgnoresRequestedAndNeverStarted(t *testing.T) {
	target := &fakeTarget{}
	w := New(target, Options{Sample: sampleStub})
	now := time.Now()

	assert.Equal(t, OutcomeIdle, w.Tick(now))
	target.set(supervisor.StateStopped, supervisor.ReasonRequested)
	assert.Equal(t, OutcomeIdle, w.Tick(now))
	target.set(supervisor.StateStopped, supervisor.ReasonFailed)
	assert.Equal(t, OutcomeIdle, w.Tick(now))
	target.set(supervisor.StateRestarting, supervisor.ReasonNone)
	assert.Equal(t, OutcomeIdle, w.Tick(now))
	assert.Zero(t, target.restarts.Load())
}

func TestTickRestartsWithCooldown(t *testing.T) {
	target := &fakeTarget{state: supervisor.StateStopped, reason: supervisor.ReasonUnexpected}
	w := New(target, Options{Cooldown: 10 * time.Second, Sample: sampleStub})
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, OutcomeRestart, w.Tick(t0))
	assert.Equal(t, OutcomeSuppressed, w.Tick(t0.Add(3*time.Second)))
	assert.Equal(t, OutcomeSuppressed, w.Tick(t0.Add(9999*time.Millisecond)))
	assert.Equal(t, OutcomeRestart, w.Tick(t0.Add(10*time.Second)))
	w.Wait()

	assert.Equal(t, int32(2), target.restarts.Load())
	assert.Equal(t, t0.Add(10*time.Second), w.LastAttempt())
}

func TestTickSurvivesRestartErrors(t *testing.T) {
	target := &fakeTarget{
		state:  supervisor.StateStopped,
		reason: supervisor.ReasonUnexpected,
		result: fault.New(fault.KindRestartInProgress, "restart", nil),
	}
	w := New(target, Options{Cooldown: time.Millisecond, Sample: sampleStub})
	t0 := time.Now()
	assert.Equal(t, OutcomeRestart, w.Tick(t0))
	target.result = fault.New(fault.KindSpawnFailed, "restart", errors.New("boom"))
	assert.Equal(t, OutcomeRestart, w.Tick(t0.Add(time.Second)))
	w.Wait()
	assert.Equal(t, int32(2), target.restarts.Load())
}

func TestRunTicksAndStops(t *testing.T) {
	target := &fakeTarget{state: supervisor.StateRunning, pid: 1}
	hb := &heartbeats{}
	w := New(target, Options{Interval: 10 * time.Millisecond, Events: hb, Sample: sampleStub})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		hb.mu.Lock()
		defer hb.mu.Unlock()
		return len(hb.got) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunReactsOnUnexpectedExit(t *testing.T) {
	bus := events.NewBus(nil)
	defer bus.Close()
	target := &fakeTarget{state: supervisor.StateRunning}
	w := New(target, Options{
		Interval:    time.Hour,
		ReactOnExit: true,
		Subscribe:   bus.Subscribe,
		Sample:      sampleStub,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	target.set(supervisor.StateStopped, supervisor.ReasonUnexpected)
	bus.Publish(events.Event{Topic: events.TopicState, State: &events.StateChange{From: "running", To: "stopped", Unexpected: true}})

	require.Eventually(t, func() bool { return target.restarts.Load() == 1 }, time.Second, 5*time.Millisecond)
}

const fakeJava = `#!/bin/sh
if [ "$1" = "-version" ]; then
  exit 0
fi
if [ "$1" = "-jar" ]; then
  jar="$2"
  shift 2
  exec /bin/sh "$jar" "$@"
fi
exit 2
`

func TestKeepsRecoveringAfterFailedRestart(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	java := filepath.Join(dir, "java")
	require.NoError(t, os.WriteFile(java, []byte(fakeJava), 0o700))
	jar := filepath.Join(dir, "app.jar")
	require.NoError(t, os.WriteFile(jar, []byte("exit 3\n"), 0o600))

	sup := supervisor.New(supervisor.Options{
		Launcher:    process.Launcher{Runtime: java},
		SettleDelay: 10 * time.Millisecond,
		ReaderGrace: 200 * time.Millisecond,
	})
	defer func() { _ = sup.Shutdown(context.Background()) }()
	w := New(sup, Options{Cooldown: 10 * time.Second, Sample: sampleStub})
	ctx := context.Background()

	require.NoError(t, sup.Start(ctx, settings.Config{ExecutablePath: jar}))
	require.Eventually(t, sup.Recoverable, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, supervisor.ReasonUnexpected, sup.StopReason())

	// The archive is gone while it is being redeployed.
	require.NoError(t, os.Remove(jar))
	t0 := time.Now()
	assert.Equal(t, OutcomeRestart, w.Tick(t0))
	w.Wait()
	assert.Equal(t, supervisor.StateStopped, sup.State())
	assert.Equal(t, supervisor.ReasonFailed, sup.StopReason())
	assert.True(t, sup.Recoverable(), "a failed recovery keeps the child recoverable")
	assert.True(t, sup.Status().Recoverable)
	assert.Equal(t, OutcomeSuppressed, w.Tick(t0.Add(time.Second)))

	require.NoError(t, os.WriteFile(jar, []byte("while :; do sleep 0.1; done\n"), 0o600))
	require.Eventually(t, func() bool { return !sup.Restarting() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, OutcomeRestart, w.Tick(t0.Add(time.Minute)))
	w.Wait()
	assert.Equal(t, supervisor.StateRunning, sup.State())
	assert.False(t, sup.Recoverable())

	require.NoError(t, sup.Stop(ctx, time.Second))
	assert.False(t, sup.Recoverable())
	assert.Equal(t, OutcomeIdle, w.Tick(t0.Add(2*time.Minute)))
}

func TestUserStopEndsRecovery(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	java := filepath.Join(dir, "java")
	require.NoError(t, os.WriteFile(java, []byte(fakeJava), 0o700))
	jar := filepath.Join(dir, "app.jar")
	require.NoError(t, os.WriteFile(jar, []byte("exit 1\n"), 0o600))

	sup := supervisor.New(supervisor.Options{Launcher: process.Launcher{Runtime: java}})
	defer func() { _ = sup.Shutdown(context.Background()) }()
	w := New(sup, Options{Sample: sampleStub})

	require.NoError(t, sup.Start(context.Background(), settings.Config{ExecutablePath: jar}))
	require.Eventually(t, sup.Recoverable, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, sup.Stop(context.Background(), time.Second))
	assert.False(t, sup.Recoverable())
	assert.Equal(t, OutcomeIdle, w.Tick(time.Now()))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "suppressed", OutcomeSuppressed.String())
	assert.Equal(t, "idle", Outcome(99).String())
}
