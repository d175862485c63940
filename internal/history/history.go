package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart       EventType = "start"
	EventStop        EventType = "stop"
	EventExit        EventType = "exit" // child exited on its own
	EventStartFailed EventType = "start_failed"
	EventRestart     EventType = "restart"
)

// Record is the child's state at the time of an event.
type Record struct {
	PID        int       `json:"pid"`
	Executable string    `json:"executable"`
	Port       string    `json:"port,omitempty"`
	Profile    string    `json:"profile,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	StoppedAt  time.Time `json:"stopped_at,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Forced     bool      `json:"forced,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// DefaultQueueSize bounds the events waiting for Post's worker.
const DefaultQueueSize = 256

// Recorder fans events out to several sinks. A failing sink is logged and
// does not affect the others.
type Recorder struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	closed  bool
	queue   chan Event
	worker  sync.WaitGroup
	dropped atomic.Uint64
}

func NewRecorder(logger *slog.Logger, timeout time.Duration, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Recorder{sinks: append([]Sink(nil), sinks...), timeout: timeout, logger: logger}
}

// Len returns the number of sinks.
func (r *Recorder) Len() int {
	if r == nil {
		return 0
	}
	return len(r.sinks)
}

// Send delivers e to every sink concurrently and joins their errors. It
// returns within the recorder timeout however many sinks are slow.
func (r *Recorder) Send(ctx context.Context, e Event) error {
	if r == nil || len(r.sinks) == 0 {
		return nil
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	errs := make([]error, len(r.sinks))
	var wg sync.WaitGroup
	for i, s := range r.sinks {
		wg.Add(1)
		go func(i int, s Sink) {
			defer wg.Done()
			if err := s.Send(ctx, e); err != nil {
				r.logger.Warn("history sink failed", "event", string(e.Type), "sink", fmt.Sprintf("%T", s), "error", err)
				errs[i] = err
			}
		}(i, s)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Post queues e for a background Send and returns at once. Events are
// delivered in Post order. When the queue is full or the recorder is closed
// the event is dropped and counted.
func (r *Recorder) Post(e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	if r.queue == nil {
		r.queue = make(chan Event, DefaultQueueSize)
		r.worker.Add(1)
		go r.deliver(r.queue)
	}
	select {
	case r.queue <- e:
	default:
		r.dropped.Add(1)
		r.logger.Warn("history queue full, event dropped", "event", string(e.Type))
	}
}

func (r *Recorder) deliver(queue <-chan Event) {
	defer r.worker.Done()
	for e := range queue {
		_ = r.Send(context.Background(), e)
	}
}

// Dropped is the number of events Post could not queue.
func (r *Recorder) Dropped() uint64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

// Close delivers the events already posted, then closes every sink that
// implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	if r.queue != nil {
		close(r.queue)
	}
	r.mu.Unlock()
	r.worker.Wait()

	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
