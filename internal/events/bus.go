// Package events carries supervisor state changes, log batches and
// heartbeats to any number of subscribers.
package events

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/bootvisor/internal/logpipe"
	"github.com/loykin/bootvisor/internal/metrics"
)

// Topic selects a stream of events.
type Topic string

const (
	TopicState     Topic = "state"
	TopicLogs      Topic = "logs"
	TopicHeartbeat Topic = "heartbeat"
	// TopicAll subscribes to every topic.
	TopicAll Topic = ""
)

const defaultBuffer = 64

// StateChange describes one supervisor transition.
type StateChange struct {
	From string `json:"from"`
	To   string `json:"to"`
	// Reason is set on transitions into stopped: requested, unexpected or failed.
	Reason     string `json:"reason,omitempty"`
	Unexpected bool   `json:"unexpected,omitempty"`
	PID        int    `json:"pid,omitempty"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Heartbeat is published by the watchdog while the child runs.
type Heartbeat struct {
	PID        int           `json:"pid"`
	Uptime     time.Duration `json:"uptime"`
	CPUPercent float64       `json:"cpu_percent"`
	RSSBytes   uint64        `json:"rss_bytes"`
}

// Event is one message on the bus. Exactly one of State, Logs and
// Heartbeat is set, matching Topic.
type Event struct {
	Seq       uint64           `json:"seq"`
	Topic     Topic            `json:"topic"`
	Time      time.Time        `json:"time"`
	State     *StateChange     `json:"state,omitempty"`
	Logs      []logpipe.Record `json:"logs,omitempty"`
	Heartbeat *Heartbeat       `json:"heartbeat,omitempty"`
}

// Publisher is the sending side of a Bus.
type Publisher interface {
	Publish(e Event)
}

type subscription struct {
	topic Topic
	ch    chan Event
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool

	seq     atomic.Uint64
	dropped atomic.Uint64
	logger  *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bus{subs: make(map[uint64]*subscription), logger: logger}
}

// Publish stamps e with a sequence number and time and delivers it to the
// matching subscribers.
func (b *Bus) Publish(e Event) {
	e.Seq = b.seq.Add(1)
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.topic != TopicAll && s.topic != e.Topic {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
			metrics.IncEventDropped(string(e.Topic))
			b.logger.Debug("event dropped: subscriber buffer full", "topic", string(e.Topic), "seq", e.Seq)
		}
	}
}

// Subscribe returns a channel receiving events of topic and a cancel
// function that unsubscribes and closes the channel. buffer <= 0 uses a
// default size. On a closed bus the channel is already closed.
func (b *Bus) Subscribe(topic Topic, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = &subscription{topic: topic, ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped is the number of deliveries skipped because of full buffers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close unsubscribes everyone and closes their channels. Later publishes
// are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
