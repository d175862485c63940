package launcher

import (
	"errors"
	"io"
	"sync"

	"github.com/loykin/bootvisor/internal/logger"
)

// projectLog is the pipeline's tee. It writes to the rotating file named
// after the archive being run and switches files when the archive changes.
type projectLog struct {
	cfg  logger.FileConfig
	name func() string

	mu      sync.Mutex
	current string
	out     io.WriteCloser
	err     io.WriteCloser
}

func newProjectLog(cfg logger.FileConfig, name func() string) *projectLog {
	return &projectLog{cfg: cfg, name: name}
}

func (p *projectLog) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if name := p.name(); name != p.current || p.out == nil {
		if err := p.openLocked(name); err != nil {
			return 0, err
		}
	}
	return p.out.Write(b)
}

func (p *projectLog) openLocked(name string) error {
	_ = p.closeLocked()
	out, errW, err := p.cfg.ProcessWriters(name)
	if err != nil {
		return err
	}
	// One combined file; records carry their stream.
	if out == nil {
		out, errW = errW, nil
	}
	if out == nil {
		return errors.New("no log file destination")
	}
	p.current, p.out, p.err = name, out, errW
	return nil
}

func (p *projectLog) closeLocked() error {
	var errs []error
	for _, w := range []io.WriteCloser{p.out, p.err} {
		if w != nil {
			errs = append(errs, w.Close())
		}
	}
	p.out, p.err, p.current = nil, nil, ""
	return errors.Join(errs...)
}

func (p *projectLog) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}
