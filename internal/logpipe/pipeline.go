package logpipe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/bootvisor/internal/metrics"
)

const (
	DefaultCapacity  = 5000
	DefaultBatchSize = 500
	DefaultInterval  = 250 * time.Millisecond
	DefaultTailSize  = 1000
)

// Consumer receives drained batches in order. It runs on the draining
// goroutine; a slow consumer delays the next drain, it never blocks Ingest.
type Consumer func(batch []Record)

// Ingester accepts raw lines from a reader loop.
type Ingester interface {
	Ingest(raw string, src Source)
}

type Options struct {
	Capacity  int
	BatchSize int
	Interval  time.Duration
	// TailSize is how many delivered records are kept for Tail.
	TailSize int
	// Tee, when set, receives every normalized line as it is ingested.
	Tee    io.Writer
	Logger *slog.Logger
	Now    func() time.Time
}

// Stats is a point-in-time view of the pipeline counters.
type Stats struct {
	Retained  int    `json:"retained"`
	Capacity  int    `json:"capacity"`
	Ingested  uint64 `json:"ingested"`
	Evicted   uint64 `json:"evicted"`
	Dropped   uint64 `json:"dropped"`
	Delivered uint64 `json:"delivered"`
	Skipped   uint64 `json:"skipped_drains"`
	Paused    bool   `json:"paused"`
}

// Pipeline normalizes lines into a bounded Queue and delivers them to a
// Consumer in batches.
type Pipeline struct {
	q         *Queue
	batchSize int
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	consumer atomic.Pointer[Consumer]
	draining atomic.Bool
	paused   atomic.Bool

	dropped   atomic.Uint64
	delivered atomic.Uint64
	skipped   atomic.Uint64

	teeMu  sync.Mutex
	tee    io.Writer
	teeErr bool

	tailMu   sync.Mutex
	tail     []Record
	tailSize int
}

func New(opts Options) *Pipeline {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.TailSize <= 0 {
		opts.TailSize = DefaultTailSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		q:         NewQueue(opts.Capacity),
		batchSize: opts.BatchSize,
		interval:  opts.Interval,
		logger:    opts.Logger,
		now:       opts.Now,
		tee:       opts.Tee,
		tailSize:  opts.TailSize,
	}
}

// SetConsumer registers the batch consumer, replacing any previous one.
// A nil consumer discards batches.
func (p *Pipeline) SetConsumer(c Consumer) {
	if c == nil {
		p.consumer.Store(nil)
		return
	}
	p.consumer.Store(&c)
}

// Ingest normalizes raw and queues it. It never blocks beyond the queue
// lock; a line that cannot be normalized is dropped.
func (p *Pipeline) Ingest(raw string, src Source) {
	p.push(raw, src, false)
}

// System queues a synthetic notice, e.g. a lifecycle message.
func (p *Pipeline) System(text string) {
	p.push(text, SourceSystem, true)
}

func (p *Pipeline) push(raw string, src Source, system bool) {
	defer func() {
		if r := recover(); r != nil {
			p.dropped.Add(1)
			metrics.IncLogDropped()
			p.logger.Warn("log line dropped", "source", src.String(), "panic", r)
		}
	}()
	text := Normalize(raw)
	if p.tee == nil {
		_, evicted := p.q.Push(p.now(), text, src, system)
		metrics.IncLogIngested(src.String())
		metrics.AddLogEvicted(evicted)
		return
	}
	// teeMu spans the sequence assignment so the file keeps queue order.
	p.teeMu.Lock()
	rec, evicted := p.q.Push(p.now(), text, src, system)
	p.writeTeeLocked(rec)
	p.teeMu.Unlock()
	metrics.IncLogIngested(src.String())
	metrics.AddLogEvicted(evicted)
}

// writeTeeLocked appends rec to the tee. Caller holds teeMu.
func (p *Pipeline) writeTeeLocked(rec Record) {
	_, err := fmt.Fprintf(p.tee, "%s [%s] %s\n", rec.Time.Format("2006-01-02 15:04:05.000"), rec.Source, rec.Text)
	if err != nil && !p.teeErr {
		p.teeErr = true
		p.logger.Warn("log file write failed", "error", err)
	}
}

// Drain moves up to one batch from the queue to the consumer and returns
// it. It returns nil when paused, when the queue is empty, or when another
// drain is still running; drains never overlap.
func (p *Pipeline) Drain() []Record {
	if !p.draining.CompareAndSwap(false, true) {
		p.skipped.Add(1)
		metrics.IncDrainSkipped()
		return nil
	}
	defer p.draining.Store(false)
	return p.drainLocked()
}

func (p *Pipeline) drainLocked() []Record {
	if p.paused.Load() {
		return nil
	}
	batch := p.q.Pop(p.batchSize)
	if len(batch) == 0 {
		return nil
	}
	p.remember(batch)
	p.delivered.Add(uint64(len(batch)))
	metrics.IncLogBatch()
	if c := p.consumer.Load(); c != nil {
		p.deliver(*c, batch)
	}
	return batch
}

func (p *Pipeline) deliver(c Consumer, batch []Record) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("log consumer panicked", "panic", r, "batch", len(batch))
		}
	}()
	c(batch)
}

// Flush drains until the queue is empty or delivery is paused. It waits for
// an in-flight drain to finish first.
func (p *Pipeline) Flush() {
	for !p.draining.CompareAndSwap(false, true) {
		time.Sleep(time.Millisecond)
	}
	defer p.draining.Store(false)
	for {
		if len(p.drainLocked()) == 0 {
			return
		}
	}
}

// Pause stops delivery. Ingestion continues and the queue keeps evicting,
// so memory stays bounded while paused.
func (p *Pipeline) Pause() { p.paused.Store(true) }

func (p *Pipeline) Resume() { p.paused.Store(false) }

func (p *Pipeline) Paused() bool { return p.paused.Load() }

// Clear empties the queue and the tail and restarts sequence numbering for
// a new session.
func (p *Pipeline) Clear() {
	p.q.Clear()
	p.tailMu.Lock()
	p.tail = nil
	p.tailMu.Unlock()
}

// Pending returns the queued records without draining them.
func (p *Pipeline) Pending() []Record { return p.q.Snapshot() }

func (p *Pipeline) remember(batch []Record) {
	p.tailMu.Lock()
	defer p.tailMu.Unlock()
	p.tail = append(p.tail, batch...)
	if over := len(p.tail) - p.tailSize; over > 0 {
		p.tail = append(p.tail[:0:0], p.tail[over:]...)
	}
}

// Tail returns up to limit delivered records with Seq greater than after,
// oldest first. limit <= 0 means all kept records.
func (p *Pipeline) Tail(after uint64, limit int) []Record {
	p.tailMu.Lock()
	defer p.tailMu.Unlock()
	var out []Record
	for _, r := range p.tail {
		if r.Seq > after {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (p *Pipeline) Stats() Stats {
	ingested, evicted := p.q.Counters()
	return Stats{
		Retained:  p.q.Len(),
		Capacity:  p.q.Cap(),
		Ingested:  ingested,
		Evicted:   evicted,
		Dropped:   p.dropped.Load(),
		Delivered: p.delivered.Load(),
		Skipped:   p.skipped.Load(),
		Paused:    p.paused.Load(),
	}
}

// Interval is the drain cadence used by Run and Start.
func (p *Pipeline) Interval() time.Duration { return p.interval }

// Run drains on every tick until ctx is done, then flushes what is left.
// Each tick drains on its own goroutine, so a slow consumer makes the next
// tick skip instead of queueing behind it.
func (p *Pipeline) Run(ctx context.Context) {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			p.Flush()
			return
		case <-t.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.Drain()
			}()
		}
	}
}

// Scheduler is a running drain loop.
type Scheduler struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Start runs the drain loop in the background until Stop or ctx is done.
func (p *Pipeline) Start(ctx context.Context) *Scheduler {
	ctx, cancel := context.WithCancel(ctx)
	s := &Scheduler{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		p.Run(ctx)
	}()
	return s
}

// Stop cancels the loop and waits for the final flush.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.done
}

// Done is closed when the loop has exited.
func (s *Scheduler) Done() <-chan struct{} { return s.done }
