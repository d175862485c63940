package process

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"
)

const defaultProbeTimeout = 15 * time.Second

// RuntimeProbe checks once whether the runtime entrypoint can be executed and
// caches the answer, success or failure, for every later call. A probe cut
// short by ctx is not cached.
type RuntimeProbe struct {
	runtime string
	args    []string
	timeout time.Duration

	mu     sync.Mutex
	probed bool
	err    error
}

func NewRuntimeProbe(runtime string, args ...string) *RuntimeProbe {
	return &RuntimeProbe{runtime: runtime, args: args, timeout: defaultProbeTimeout}
}

// Check returns nil when the runtime ran and exited 0.
func (p *RuntimeProbe) Check(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.probed {
		return p.err
	}

	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	err := p.run(pctx)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	p.probed = true
	p.err = err
	return err
}

// Probed reports whether a result is cached.
func (p *RuntimeProbe) Probed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probed
}

// Reset forgets the cached result, e.g. after the runtime was installed.
func (p *RuntimeProbe) Reset() {
	p.mu.Lock()
	p.probed = false
	p.err = nil
	p.mu.Unlock()
}

func (p *RuntimeProbe) run(ctx context.Context) error {
	if p.runtime == "" {
		return errors.New("no runtime configured")
	}
	path, err := exec.LookPath(p.runtime)
	if err != nil {
		return fmt.Errorf("runtime %q not found: %w", p.runtime, err)
	}
	// #nosec G204 -- fixed probe arguments against the configured runtime
	cmd := exec.CommandContext(ctx, path, p.args...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("runtime %q probe failed: %w", p.runtime, err)
	}
	return nil
}
