package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// killConfirmTimeout bounds how long Stop waits for the OS to report exit
// after a forced kill.
const killConfirmTimeout = 5 * time.Second

// Handle is a running child process. Its stdout and stderr are connected to
// OS pipes handed back by Spawn; a background goroutine reaps the process
// and closes Done.
type Handle struct {
	PID       int
	StartedAt time.Time

	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exitErr  error
	exitCode int
	exitedAt time.Time
}

// Streams are the read ends of the child's output pipes. The reader owns
// them and must close them after EOF.
type Streams struct {
	Stdout io.ReadCloser
	Stderr io.ReadCloser
}

// Spawn starts cmd with both output streams captured. cmd.Stdout and
// cmd.Stderr are replaced with pipe write ends, so cmd.Wait does not wait
// for the readers and a grandchild holding the pipes open cannot delay exit
// detection.
func Spawn(cmd *exec.Cmd) (*Handle, Streams, error) {
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, Streams{}, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, Streams{}, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW
	configureSysProcAttr(cmd)

	startErr := cmd.Start()
	// The child holds its own copies of the write ends.
	_ = outW.Close()
	_ = errW.Close()
	if startErr != nil {
		_ = outR.Close()
		_ = errR.Close()
		return nil, Streams{}, startErr
	}

	h := &Handle{
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		cmd:       cmd,
		done:      make(chan struct{}),
		exitCode:  -1,
	}
	go h.wait()
	return h, Streams{Stdout: outR, Stderr: errR}, nil
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	code := -1
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}
	h.mu.Lock()
	h.exitErr = err
	h.exitCode = code
	h.exitedAt = time.Now()
	h.mu.Unlock()
	close(h.done)
}

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether Done is closed.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitStatus returns the exit code (-1 when killed by a signal or still
// running) and the error returned by Wait.
func (h *Handle) ExitStatus() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.exitErr
}

// ExitedAt is the time the exit was observed; zero while running.
func (h *Handle) ExitedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitedAt
}

// Stop terminates the process tree. It first asks for a graceful exit and
// waits up to grace (or until ctx is done); if the process is still alive it
// force-kills the tree. forced reports whether the kill was needed. On a nil
// error the process has been reaped.
func (h *Handle) Stop(ctx context.Context, grace time.Duration) (forced bool, err error) {
	if h.Exited() {
		return false, nil
	}
	// Collect descendants while the root is alive; once it exits they are
	// re-parented and can no longer be found through it.
	tree := Descendants(h.PID)
	if err := terminateTree(h.PID, tree); err != nil {
		forced = true
	}

	if !forced {
		t := time.NewTimer(grace)
		select {
		case <-h.done:
			t.Stop()
			// Leftover group members do not get another grace period.
			_ = killTree(h.PID, tree)
			return false, nil
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
		forced = true
	}

	if h.Exited() {
		_ = killTree(h.PID, tree)
		return false, nil
	}
	tree = mergePIDs(tree, Descendants(h.PID))
	killErr := killTree(h.PID, tree)
	select {
	case <-h.done:
		return true, nil
	case <-time.After(killConfirmTimeout):
		if killErr == nil {
			killErr = errors.New("no exit after kill")
		}
		return true, fmt.Errorf("process %d: %w", h.PID, killErr)
	}
}

// Kill force-kills the process tree without a grace period.
func (h *Handle) Kill() error {
	if h.Exited() {
		return nil
	}
	return killTree(h.PID, Descendants(h.PID))
}

func mergePIDs(a, b []int) []int {
	seen := make(map[int]bool, len(a)+len(b))
	out := make([]int, 0, len(a)+len(b))
	for _, list := range [][]int{a, b} {
		for _, p := range list {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}
