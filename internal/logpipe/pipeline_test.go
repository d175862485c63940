package logpipe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"plain", "hello world", "hello world"},
		{"sgr", "\x1b[32mINFO\x1b[0m started", "INFO started"},
		{"osc", "\x1b]0;title\x07text", "text"},
		{"tab kept", "a\tb", "a\tb"},
		{"control dropped", "a\x00b\x08c\x7f", "abc"},
		{"invalid utf8", "ok\xff\xfe", "ok�"},
		{"korean", "서버 시작", "서버 시작"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Normalize(tc.in))
		})
	}
}

func TestQueueOrderAndPop(t *testing.T) {
	q := NewQueue(10)
	now := time.Now()
	for i := 0; i < 5; i++ {
		q.Push(now, fmt.Sprint(i), SourceStdout, false)
	}
	got := q.Pop(3)
	require.Len(t, got, 3)
	assert.Equal(t, []uint64{1, 2, 3}, seqs(got))
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, []uint64{4, 5}, seqs(q.Pop(100)))
	assert.Nil(t, q.Pop(1))
}

func TestQueueEvictionMarker(t *testing.T) {
	const capacity = 10
	q := NewQueue(capacity)
	now := time.Now()
	produced := 0
	for i := 0; i < 35; i++ {
		q.Push(now, fmt.Sprint(i), SourceStdout, false)
		produced++
		require.LessOrEqual(t, q.Len(), capacity)
	}

	recs := q.Snapshot()
	require.Len(t, recs, capacity)
	markers := 0
	for _, r := range recs {
		if r.System {
			markers++
		}
	}
	require.Equal(t, 1, markers, "one marker per overflow run")
	m := recs[0]
	assert.True(t, m.System)
	assert.Equal(t, SourceSystem, m.Source)
	assert.Equal(t, uint64(1), m.Seq, "marker keeps the first evicted sequence")
	assert.Equal(t, produced-(len(recs)-markers), m.Evicted)
	assert.Contains(t, m.Text, fmt.Sprintf("%d log lines dropped", m.Evicted))

	// Retained raw records are the newest ones, contiguous.
	raw := seqs(recs[1:])
	assert.Equal(t, uint64(produced-capacity+2), raw[0])
	assert.Equal(t, uint64(produced), raw[len(raw)-1])
	assertIncreasing(t, recs)

	ingested, evicted := q.Counters()
	assert.Equal(t, uint64(produced), ingested)
	assert.Equal(t, uint64(m.Evicted), evicted)
}

func TestQueueNewOverflowRunAfterPop(t *testing.T) {
	q := NewQueue(4)
	now := time.Now()
	for i := 0; i < 6; i++ {
		q.Push(now, "x", SourceStdout, false)
	}
	first := q.Pop(2)
	require.True(t, first[0].System)
	for i := 0; i < 5; i++ {
		q.Push(now, "y", SourceStderr, false)
	}
	recs := q.Snapshot()
	require.Len(t, recs, 4)
	assert.True(t, recs[0].System, "a new run gets a new marker")
	assertIncreasing(t, append(first, recs...))
}

func TestQueueMinimumCapacity(t *testing.T) {
	q := NewQueue(0)
	assert.Equal(t, 2, q.Cap())
	now := time.Now()
	for i := 0; i < 5; i++ {
		q.Push(now, "z", SourceStdout, false)
	}
	recs := q.Snapshot()
	require.Len(t, recs, 2)
	assert.True(t, recs[0].System)
	assert.Equal(t, 4, recs[0].Evicted)
	assert.Equal(t, uint64(5), recs[1].Seq)
}

func TestQueueClearResetsSequence(t *testing.T) {
	q := NewQueue(3)
	now := time.Now()
	for i := 0; i < 5; i++ {
		q.Push(now, "a", SourceStdout, false)
	}
	q.Clear()
	assert.Equal(t, 0, q.Len())
	rec, evicted := q.Push(now, "b", SourceStdout, false)
	assert.Equal(t, uint64(1), rec.Seq)
	assert.Zero(t, evicted)
	ingested, ev := q.Counters()
	assert.Equal(t, uint64(1), ingested)
	assert.Zero(t, ev)
}

func TestConcurrentProducersKeepSequenceOrder(t *testing.T) {
	p := New(Options{Capacity: 100000, BatchSize: 777})
	var mu sync.Mutex
	var delivered []Record
	p.SetConsumer(func(b []Record) {
		mu.Lock()
		delivered = append(delivered, b...)
		mu.Unlock()
	})

	const perProducer = 5000
	var wg sync.WaitGroup
	for _, src := range []Source{SourceStdout, SourceStderr} {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				p.Ingest(fmt.Sprintf("%s-%d", src, i), src)
			}
		}(src)
	}
	stop := make(chan struct{})
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			select {
			case <-stop:
				return
			default:
				p.Drain()
			}
		}
	}()
	wg.Wait()
	close(stop)
	<-drained
	p.Flush()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delivered, 2*perProducer)
	for i, r := range delivered {
		require.Equal(t, uint64(i+1), r.Seq, "gapless and strictly increasing")
	}
	// Per-source order is preserved.
	next := map[Source]int{}
	for _, r := range delivered {
		want := fmt.Sprintf("%s-%d", r.Source, next[r.Source])
		require.Equal(t, want, r.Text)
		next[r.Source]++
	}
}

func TestSustainedOverflowAccounting(t *testing.T) {
	const capacity = 50
	p := New(Options{Capacity: capacity, BatchSize: 7})
	var delivered []Record
	p.SetConsumer(func(b []Record) { delivered = append(delivered, b...) })

	produced := 0
	for round := 0; round < 20; round++ {
		for i := 0; i < 90; i++ {
			p.Ingest("line", SourceStdout)
			produced++
			require.LessOrEqual(t, p.Stats().Retained, capacity)
		}
		p.Drain()
	}
	p.Flush()

	raw, covered := 0, 0
	for _, r := range delivered {
		if r.System {
			covered += r.Evicted
		} else {
			raw++
		}
	}
	assert.Equal(t, produced, raw+covered, "every sequence number is delivered or covered by a marker")
	assertIncreasing(t, delivered)
	st := p.Stats()
	assert.Equal(t, uint64(produced), st.Ingested)
	assert.Equal(t, uint64(covered), st.Evicted)
}

func TestDrainBatchLimitAndConsumer(t *testing.T) {
	p := New(Options{BatchSize: 3})
	var calls int
	p.SetConsumer(func(b []Record) {
		calls++
		assert.LessOrEqual(t, len(b), 3)
	})
	for i := 0; i < 7; i++ {
		p.Ingest(fmt.Sprint(i), SourceStdout)
	}
	assert.Len(t, p.Drain(), 3)
	assert.Len(t, p.Drain(), 3)
	assert.Len(t, p.Drain(), 1)
	assert.Nil(t, p.Drain())
	assert.Equal(t, 3, calls)
}

func TestDrainSkipsWhileInProgress(t *testing.T) {
	p := New(Options{BatchSize: 1})
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	p.SetConsumer(func([]Record) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
	})
	p.Ingest("a", SourceStdout)
	p.Ingest("b", SourceStdout)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Drain()
	}()
	<-entered
	assert.Nil(t, p.Drain(), "overlapping drain is skipped")
	assert.Equal(t, uint64(1), p.Stats().Skipped)
	close(release)
	<-done

	assert.Len(t, p.Drain(), 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPauseBoundsMemory(t *testing.T) {
	p := New(Options{Capacity: 20, BatchSize: 5})
	var got int
	p.SetConsumer(func(b []Record) { got += len(b) })
	p.Pause()
	assert.True(t, p.Paused())
	for i := 0; i < 500; i++ {
		p.Ingest("paused", SourceStderr)
		p.Drain()
	}
	assert.Zero(t, got)
	assert.Equal(t, 20, p.Stats().Retained)
	p.Flush()
	assert.Zero(t, got, "flush delivers nothing while paused")

	p.Resume()
	p.Flush()
	assert.Equal(t, 20, got)
}

func TestClearResetsSessionAndTail(t *testing.T) {
	p := New(Options{})
	p.Ingest("one", SourceStdout)
	p.Ingest("two", SourceStdout)
	p.Flush()
	require.Len(t, p.Tail(0, 0), 2)
	p.Ingest("pending", SourceStdout)

	p.Clear()
	assert.Empty(t, p.Pending())
	assert.Empty(t, p.Tail(0, 0))
	p.Ingest("fresh", SourceStdout)
	recs := p.Pending()
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(1), recs[0].Seq)
}

func TestTail(t *testing.T) {
	p := New(Options{TailSize: 5})
	for i := 0; i < 8; i++ {
		p.Ingest(fmt.Sprint(i), SourceStdout)
	}
	p.Flush()
	all := p.Tail(0, 0)
	assert.Equal(t, []uint64{4, 5, 6, 7, 8}, seqs(all))
	assert.Equal(t, []uint64{7, 8}, seqs(p.Tail(6, 0)))
	assert.Equal(t, []uint64{8}, seqs(p.Tail(0, 1)))
}

func TestSystemRecordAndTee(t *testing.T) {
	var buf bytes.Buffer
	fixed := time.Date(2025, 10, 16, 9, 30, 0, 0, time.UTC)
	p := New(Options{Tee: &buf, Now: func() time.Time { return fixed }})
	p.System("server started")
	p.Ingest("\x1b[1mhello\x1b[0m", SourceStderr)
	recs := p.Pending()
	require.Len(t, recs, 2)
	assert.True(t, recs[0].System)
	assert.False(t, recs[1].System)
	assert.Equal(t, "2025-10-16 09:30:00.000 [system] server started\n2025-10-16 09:30:00.000 [stderr] hello\n", buf.String())
}

// lineOrder records the tee's lines; fmt.Fprintf issues one Write per line.
type lineOrder struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineOrder) Write(b []byte) (int, error) {
	l.mu.Lock()
	l.lines = append(l.lines, string(b))
	l.mu.Unlock()
	return len(b), nil
}

func TestTeeFollowsSequenceOrder(t *testing.T) {
	tee := &lineOrder{}
	p := New(Options{Capacity: 100000, Tee: tee})

	const perProducer = 3000
	var wg sync.WaitGroup
	for _, src := range []Source{SourceStdout, SourceStderr} {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				p.Ingest(fmt.Sprintf("%s-%d", src, i), src)
			}
		}(src)
	}
	wg.Wait()

	recs := p.Pending()
	require.Len(t, recs, 2*perProducer)
	require.Len(t, tee.lines, len(recs))
	for i, r := range recs {
		suffix := fmt.Sprintf(" [%s] %s\n", r.Source, r.Text)
		require.True(t, strings.HasSuffix(tee.lines[i], suffix), "line %d: %q, want seq %d %q", i, tee.lines[i], r.Seq, r.Text)
	}
}

func TestConsumerPanicDoesNotStopPipeline(t *testing.T) {
	p := New(Options{BatchSize: 1})
	var n int
	p.SetConsumer(func([]Record) {
		n++
		if n == 1 {
			panic("boom")
		}
	})
	p.Ingest("a", SourceStdout)
	p.Ingest("b", SourceStdout)
	assert.NotPanics(t, func() { p.Drain() })
	assert.Len(t, p.Drain(), 1)
	assert.Equal(t, 2, n)
}

func TestRunAndScheduler(t *testing.T) {
	p := New(Options{Interval: 10 * time.Millisecond})
	var mu sync.Mutex
	var got []Record
	p.SetConsumer(func(b []Record) {
		mu.Lock()
		got = append(got, b...)
		mu.Unlock()
	})
	s := p.Start(context.Background())
	for i := 0; i < 10; i++ {
		p.Ingest(fmt.Sprint(i), SourceStdout)
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 10
	}, 2*time.Second, 10*time.Millisecond)

	p.Ingest("last", SourceStdout)
	s.Stop()
	select {
	case <-s.Done():
	default:
		t.Fatal("scheduler not done after Stop")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "last", got[len(got)-1].Text, "stop flushes the queue")
}

type collector struct {
	mu    sync.Mutex
	lines []string
}

func (c *collector) Ingest(raw string, _ Source) {
	c.mu.Lock()
	c.lines = append(c.lines, raw)
	c.mu.Unlock()
}

func TestReadLines(t *testing.T) {
	c := &collector{}
	in := "first\r\nsecond\n\nno newline"
	require.NoError(t, ReadLines(strings.NewReader(in), SourceStdout, c))
	assert.Equal(t, []string{"first", "second", "", "no newline"}, c.lines)
}

func TestReadLinesTruncatesLongLines(t *testing.T) {
	c := &collector{}
	long := strings.Repeat("x", MaxLineBytes+5000)
	require.NoError(t, ReadLines(strings.NewReader(long+"\nafter\n"), SourceStderr, c))
	require.Len(t, c.lines, 2)
	assert.Len(t, c.lines[0], MaxLineBytes)
	assert.Equal(t, "after", c.lines[1])
}

type panicky struct{ n int }

func (p *panicky) Ingest(raw string, _ Source) {
	p.n++
	if raw == "bad" {
		panic("bad record")
	}
}

func TestReadLinesSurvivesBadRecord(t *testing.T) {
	p := &panicky{}
	require.NoError(t, ReadLines(strings.NewReader("ok\nbad\nok\n"), SourceStdout, p))
	assert.Equal(t, 3, p.n)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("read failed") }

func TestReadLinesReturnsReadError(t *testing.T) {
	err := ReadLines(failingReader{}, SourceStdout, &collector{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func seqs(recs []Record) []uint64 {
	out := make([]uint64, len(recs))
	for i, r := range recs {
		out[i] = r.Seq
	}
	return out
}

func assertIncreasing(t *testing.T, recs []Record) {
	t.Helper()
	for i := 1; i < len(recs); i++ {
		if recs[i].Seq <= recs[i-1].Seq {
			t.Fatalf("sequence not increasing at %d: %d after %d", i, recs[i].Seq, recs[i-1].Seq)
		}
	}
}
