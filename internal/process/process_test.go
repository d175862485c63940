package process

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/bootvisor/internal/settings"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func waitUntil(timeout, step time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(step)
	}
	return fn()
}

func TestLauncherArgs(t *testing.T) {
	l := Launcher{}
	cases := []struct {
		name string
		cfg  settings.Config
		want []string
	}{
		{"all", settings.Config{ExecutablePath: "/opt/a.jar", Port: "8080", Profile: "prod"},
			[]string{"java", "-jar", "/opt/a.jar", "--server.port=8080", "--spring.profiles.active=prod"}},
		{"no port", settings.Config{ExecutablePath: "/opt/a.jar", Profile: "dev"},
			[]string{"java", "-jar", "/opt/a.jar", "--spring.profiles.active=dev"}},
		{"no profile", settings.Config{ExecutablePath: "/opt/a.jar", Port: "9000"},
			[]string{"java", "-jar", "/opt/a.jar", "--server.port=9000"}},
		{"blank optional", settings.Config{ExecutablePath: "/opt/a.jar", Port: " ", Profile: ""},
			[]string{"java", "-jar", "/opt/a.jar"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, l.Args(tc.cfg))
		})
	}
}

func TestLauncherRuntimeArgsAndCommand(t *testing.T) {
	l := Launcher{Runtime: "/usr/bin/java", RuntimeArgs: []string{"-Xmx512m"}, Env: []string{"FOO=bar"}}
	cfg := settings.Config{ExecutablePath: "/srv/my app/svc.jar", Port: "1"}
	assert.Equal(t, []string{"/usr/bin/java", "-Xmx512m", "-jar", "/srv/my app/svc.jar", "--server.port=1"}, l.Args(cfg))
	assert.Contains(t, l.CommandLine(cfg), `"/srv/my app/svc.jar"`)

	cmd := l.Command(cfg)
	assert.Equal(t, "/srv/my app", cmd.Dir)
	assert.Contains(t, cmd.Env, "FOO=bar")
	assert.Equal(t, "/usr/bin/java", l.RuntimePath())
}

func TestRuntimeProbeCachesResult(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	counter := filepath.Join(dir, "count")
	script := filepath.Join(dir, "fakejava")
	body := "#!/bin/sh\necho x >> " + counter + "\nexit 0\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o700))

	p := NewRuntimeProbe(script, "-version")
	require.False(t, p.Probed())
	require.NoError(t, p.Check(context.Background()))
	require.NoError(t, p.Check(context.Background()))
	assert.True(t, p.Probed())

	b, err := os.ReadFile(counter)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(b), "x"), "probe should run once")

	p.Reset()
	assert.False(t, p.Probed())
}

func TestRuntimeProbeMissingRuntime(t *testing.T) {
	p := NewRuntimeProbe(filepath.Join(t.TempDir(), "does-not-exist"))
	err := p.Check(context.Background())
	require.Error(t, err)
	assert.True(t, p.Probed())
	assert.Equal(t, err, p.Check(context.Background()), "failure is cached")
}

func TestRuntimeProbeCancelledNotCached(t *testing.T) {
	requireUnix(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewRuntimeProbe("sleep", "5")
	require.Error(t, p.Check(ctx))
	assert.False(t, p.Probed())
}

func TestSpawnCapturesOutput(t *testing.T) {
	requireUnix(t)
	cmd := shellCmd("echo out; echo err 1>&2; exit 3")
	h, streams, err := Spawn(cmd)
	require.NoError(t, err)
	defer streams.Stdout.Close()
	defer streams.Stderr.Close()

	out, _ := io.ReadAll(streams.Stdout)
	errOut, _ := io.ReadAll(streams.Stderr)
	<-h.Done()

	assert.Equal(t, "out\n", string(out))
	assert.Equal(t, "err\n", string(errOut))
	code, werr := h.ExitStatus()
	assert.Equal(t, 3, code)
	assert.Error(t, werr)
	assert.False(t, h.ExitedAt().IsZero())
	assert.True(t, h.Exited())
}

func TestSpawnFailure(t *testing.T) {
	cmd := shellCmd("true")
	cmd.Path = filepath.Join(t.TempDir(), "missing")
	cmd.Args[0] = cmd.Path
	_, _, err := Spawn(cmd)
	require.Error(t, err)
}

func TestStopGraceful(t *testing.T) {
	requireUnix(t)
	h, streams, err := Spawn(shellCmd("exec sleep 30"))
	require.NoError(t, err)
	defer streams.Stdout.Close()
	defer streams.Stderr.Close()

	forced, err := h.Stop(context.Background(), 3*time.Second)
	require.NoError(t, err)
	assert.False(t, forced)
	assert.True(t, h.Exited())
	assert.False(t, Alive(h.PID))
}

func TestStopForcedWhenTermIgnored(t *testing.T) {
	requireUnix(t)
	h, streams, err := Spawn(shellCmd("trap '' TERM; while true; do sleep 0.05; done"))
	require.NoError(t, err)
	defer streams.Stdout.Close()
	defer streams.Stderr.Close()
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	forced, err := h.Stop(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, forced)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStopKillsDescendants(t *testing.T) {
	requireUnix(t)
	h, streams, err := Spawn(shellCmd("sleep 30 & sleep 30 & wait"))
	require.NoError(t, err)
	defer streams.Stdout.Close()
	defer streams.Stderr.Close()

	var kids []int
	require.True(t, waitUntil(2*time.Second, 20*time.Millisecond, func() bool {
		kids = Descendants(h.PID)
		return len(kids) >= 2
	}), "children not observed")

	_, err = h.Stop(context.Background(), 2*time.Second)
	require.NoError(t, err)
	for _, k := range kids {
		assert.True(t, waitUntil(2*time.Second, 20*time.Millisecond, func() bool { return !Alive(k) }), "descendant %d survived", k)
	}
}

func TestStopContextCancelEscalates(t *testing.T) {
	requireUnix(t)
	h, streams, err := Spawn(shellCmd("trap '' TERM; while true; do sleep 0.05; done"))
	require.NoError(t, err)
	defer streams.Stdout.Close()
	defer streams.Stderr.Close()
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	forced, err := h.Stop(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, forced)
}

func TestStopAfterExitIsNoop(t *testing.T) {
	requireUnix(t)
	h, streams, err := Spawn(shellCmd("exit 0"))
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, streams.Stdout)
	_ = streams.Stdout.Close()
	_ = streams.Stderr.Close()
	<-h.Done()
	forced, err := h.Stop(context.Background(), time.Second)
	assert.NoError(t, err)
	assert.False(t, forced)
	assert.NoError(t, h.Kill())
}

func TestPIDFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "bootvisor.pid")
	info := PIDInfo{Name: "orders", StartedAt: time.Now().UTC().Truncate(time.Second), APIAddr: "127.0.0.1:8765"}
	require.NoError(t, WritePIDFile(path, 4242, info))
	pid, got, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)
	require.NotNil(t, got)
	assert.Equal(t, info.Name, got.Name)
	assert.Equal(t, info.APIAddr, got.APIAddr)
	assert.True(t, info.StartedAt.Equal(got.StartedAt))
}

func TestReadPIDFileLegacyFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.pid")
	require.NoError(t, os.WriteFile(path, []byte("12345\n"), 0o600))
	pid, info, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, 12345, pid)
	assert.Nil(t, info)

	require.NoError(t, os.WriteFile(path, []byte("nope\n"), 0o600))
	_, _, err = ReadPIDFile(path)
	assert.Error(t, err)
}

func TestAcquirePIDFile(t *testing.T) {
	requireUnix(t)
	path := filepath.Join(t.TempDir(), "lock.pid")

	// Held by a live foreign process.
	h, streams, err := Spawn(shellCmd("exec sleep 30"))
	require.NoError(t, err)
	defer streams.Stdout.Close()
	defer streams.Stderr.Close()
	require.NoError(t, WritePIDFile(path, h.PID, PIDInfo{}))
	_, owner, err := AcquirePIDFile(path, PIDInfo{})
	require.True(t, errors.Is(err, ErrLocked))
	assert.Equal(t, h.PID, owner)

	// Stale once that process is gone.
	_, err = h.Stop(context.Background(), time.Second)
	require.NoError(t, err)
	release, _, err := AcquirePIDFile(path, PIDInfo{Name: "me"})
	require.NoError(t, err)
	pid, _, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	release()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestAcquirePIDFileDetectsReusedPID(t *testing.T) {
	requireUnix(t)
	path := filepath.Join(t.TempDir(), "lock.pid")
	h, streams, err := Spawn(shellCmd("exec sleep 30"))
	require.NoError(t, err)
	defer streams.Stdout.Close()
	defer streams.Stderr.Close()
	defer func() { _, _ = h.Stop(context.Background(), time.Second) }()

	started := procStartTime(h.PID)
	if started.IsZero() {
		t.Skip("process start time unavailable")
	}
	assert.WithinDuration(t, time.Now(), started, time.Minute)

	// Recorded owner started at the same time: still locked.
	require.NoError(t, WritePIDFile(path, h.PID, PIDInfo{StartedAt: time.Now()}))
	_, owner, err := AcquirePIDFile(path, PIDInfo{})
	require.ErrorIs(t, err, ErrLocked)
	assert.Equal(t, h.PID, owner)

	// Recorded owner predates the live process by hours: the PID was reused.
	require.NoError(t, WritePIDFile(path, h.PID, PIDInfo{StartedAt: time.Now().Add(-3 * time.Hour)}))
	release, _, err := AcquirePIDFile(path, PIDInfo{Name: "me"})
	require.NoError(t, err)
	defer release()
	pid, _, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}
