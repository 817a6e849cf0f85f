package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/telemetry.relay/internal/codec"
	"github.com/banshee-data/telemetry.relay/internal/monitoring"
	"github.com/banshee-data/telemetry.relay/internal/timeutil"
)

const (
	base    = int64(1_700_000_000_000)
	waitFor = 3 * time.Second
	poll    = 2 * time.Millisecond
)

// logFile returns a log file with one record every step ms in [from, to],
// offset from base.
func logFile(name string, from, to, step int64) MemFile {
	var b strings.Builder
	for ts := from; ts <= to; ts += step {
		fmt.Fprintf(&b, "%d:{\"topic\":\"t\",\"ts\":%d}\n", base+ts, ts)
	}
	return MemFile{FileName: name, Data: []byte(b.String())}
}

type brokenFile struct{}

func (brokenFile) Name() string                 { return "broken.log" }
func (brokenFile) Open() (io.ReadCloser, error) { return nil, errors.New("disk on fire") }

type collector struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func collect(e *Engine) *collector {
	c := &collector{done: make(chan struct{})}
	go func() {
		defer close(c.done)
		for ev := range e.Events() {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
		}
	}()
	return c
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *collector) has(match func(Event) bool) bool {
	for _, ev := range c.snapshot() {
		if match(ev) {
			return true
		}
	}
	return false
}

func (c *collector) waitFor(t *testing.T, match func(Event) bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool { return c.has(match) }, waitFor, poll, msg)
}

func isState(st PlayState) func(Event) bool {
	return func(ev Event) bool { return ev.Type == EventPlayStateChange && ev.Data == st }
}

func isLoad(state string) func(Event) bool {
	return func(ev Event) bool {
		ls, ok := ev.Data.(LoadState)
		return ev.Type == EventLoadState && ok && ls.State == state
	}
}

func startEngine(t *testing.T, opts ...Option) (*Engine, *collector, context.CancelFunc) {
	t.Helper()
	restore := monitoring.SwapLogger(nil)
	t.Cleanup(restore)

	e := NewEngine(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- e.Run(ctx) }()
	c := collect(e)
	t.Cleanup(func() {
		cancel()
		<-c.done
		assert.ErrorIs(t, <-errc, context.Canceled)
	})
	return e, c, cancel
}

func TestEngine_PlaysFilesToEnd(t *testing.T) {
	e, c, _ := startEngine(t)
	ctx := context.Background()

	files := []File{logFile("a.log", 0, 100, 10), logFile("b.log", 120, 200, 10)}
	require.NoError(t, e.Send(ctx, LoadFiles(files...)))
	c.waitFor(t, isState(StateEnd), "playback never ended")

	events := c.snapshot()
	require.NotEmpty(t, events)
	assert.Equal(t, Event{Type: EventDurationChange, Data: Duration{StartTime: base, EndTime: base + 200}}, events[0])

	var (
		loads []LoadState
		seq   []int64
		last  int64
	)
	for _, ev := range events {
		switch ev.Type {
		case EventLoadState:
			loads = append(loads, ev.Data.(LoadState))
		case EventData:
			env := ev.Data.(codec.Envelope)
			assert.Equal(t, "t", env.Topic)
			seq = append(seq, int64(env.Data.(map[string]any)["ts"].(float64)))
		case EventTimeUpdate:
			last = ev.Data.(int64)
		}
	}
	assert.Equal(t, []LoadState{
		{State: LoadLoading, Current: 1, Total: 2},
		{State: LoadLoading, Current: 2, Total: 2},
		{State: LoadLoaded, Current: 2, Total: 2},
	}, loads)
	require.Len(t, seq, 20)
	for i := 1; i < len(seq); i++ {
		assert.Greater(t, seq[i], seq[i-1], "records out of order")
	}
	assert.Equal(t, int64(200), last)
}

func withBatchSize(n int) Option {
	return func(e *Engine) { e.batchSize = n }
}

func TestEngine_SmallBatchesNeverDropRecords(t *testing.T) {
	e, c, _ := startEngine(t, withBatchSize(3))
	ctx := context.Background()

	// Window 6 spans [100, 116.67) and is split across the two files.
	files := []File{logFile("a.log", 0, 105, 5), logFile("b.log", 110, 300, 5)}
	require.NoError(t, e.Send(ctx, LoadFiles(files...)))
	c.waitFor(t, isState(StateEnd), "playback never ended")

	var got []int64
	for _, ev := range c.snapshot() {
		if ev.Type == EventData {
			got = append(got, int64(ev.Data.(codec.Envelope).Data.(map[string]any)["ts"].(float64)))
		}
	}
	var want []int64
	for ts := int64(0); ts <= 300; ts += 5 {
		want = append(want, ts)
	}
	assert.Equal(t, want, got)
}

func TestEngine_EmptyRangeReportsFailure(t *testing.T) {
	e, c, _ := startEngine(t)
	ctx := context.Background()

	empty := MemFile{FileName: "empty.log", Data: []byte("no records here\n")}
	require.NoError(t, e.Send(ctx, LoadFiles(empty)))
	c.waitFor(t, isLoad(LoadFailed), "no failed loadstate")

	for _, ev := range c.snapshot() {
		if ls, ok := ev.Data.(LoadState); ok && ls.State == LoadFailed {
			assert.Contains(t, ls.Error, ErrEmptyRange.Error())
			assert.Equal(t, 1, ls.Total)
		}
	}

	// The session stays uninitialized; playback commands do nothing.
	n := len(c.snapshot())
	require.NoError(t, e.Send(ctx, Play(0)))
	require.NoError(t, e.Send(ctx, Seek(10)))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, c.snapshot(), n)
}

func TestEngine_WithoutAutoPlayPausesAfterLoad(t *testing.T) {
	e, c, _ := startEngine(t, WithAutoPlay(false))
	ctx := context.Background()

	require.NoError(t, e.Send(ctx, LoadFiles(logFile("a.log", 0, 100, 10))))
	c.waitFor(t, isState(StatePause), "session never paused after load")
	assert.False(t, c.has(func(ev Event) bool { return ev.Type == EventData }))

	require.NoError(t, e.Send(ctx, Play(50)))
	c.waitFor(t, isState(StateEnd), "playback never ended")

	for _, ev := range c.snapshot() {
		if ev.Type == EventData {
			ts := int64(ev.Data.(codec.Envelope).Data.(map[string]any)["ts"].(float64))
			assert.GreaterOrEqual(t, BucketKey(ts), BucketKey(50))
		}
	}
}

func TestEngine_FileErrorDoesNotAbortLoad(t *testing.T) {
	e, c, _ := startEngine(t, WithAutoPlay(false))
	ctx := context.Background()

	files := []File{logFile("a.log", 0, 50, 10), brokenFile{}, logFile("c.log", 60, 100, 10)}
	require.NoError(t, e.Send(ctx, LoadFiles(files...)))
	c.waitFor(t, isLoad(LoadLoaded), "load never completed")

	var failed []LoadState
	for _, ev := range c.snapshot() {
		if ls, ok := ev.Data.(LoadState); ok && ls.Error != "" {
			failed = append(failed, ls)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, LoadLoading, failed[0].State)
	assert.Equal(t, 2, failed[0].Current)
	assert.Contains(t, failed[0].Error, "disk on fire")
}

func TestEngine_ReloadReplacesSession(t *testing.T) {
	e, c, _ := startEngine(t, WithAutoPlay(false))
	ctx := context.Background()

	require.NoError(t, e.Send(ctx, LoadFiles(logFile("a.log", 0, 100, 10))))
	c.waitFor(t, isLoad(LoadLoaded), "first load never completed")

	second := MemFile{FileName: "b.log", Data: []byte(fmt.Sprintf("%d:{\"topic\":\"u\"}\n%d:{\"topic\":\"u\"}\n", base+5000, base+5100))}
	require.NoError(t, e.Send(ctx, LoadFiles(second)))
	want := Event{Type: EventDurationChange, Data: Duration{StartTime: base + 5000, EndTime: base + 5100}}
	c.waitFor(t, func(ev Event) bool { return ev == want }, "second durationchange missing")
	c.waitFor(t, isState(StatePause), "second load never paused")

	require.NoError(t, e.Send(ctx, Play(0)))
	c.waitFor(t, func(ev Event) bool {
		env, ok := ev.Data.(codec.Envelope)
		return ok && env.Topic == "u"
	}, "second session never played")
	assert.False(t, c.has(func(ev Event) bool {
		env, ok := ev.Data.(codec.Envelope)
		return ok && env.Topic == "t"
	}), "first session data leaked")
}

func TestEngine_SeekEmitsPreview(t *testing.T) {
	e, c, _ := startEngine(t, WithAutoPlay(false))
	ctx := context.Background()

	require.NoError(t, e.Send(ctx, LoadFiles(logFile("a.log", 0, 1000, 10))))
	c.waitFor(t, isState(StatePause), "never paused")

	require.NoError(t, e.Send(ctx, Seek(500)))
	c.waitFor(t, func(ev Event) bool { return ev.Type == EventTimeUpdate && ev.Data == int64(510) }, "no preview timeupdate")

	var got []int64
	for _, ev := range c.snapshot() {
		if ev.Type == EventData {
			got = append(got, int64(ev.Data.(codec.Envelope).Data.(map[string]any)["ts"].(float64)))
		}
	}
	// Window 30 spans [500, 516.67).
	assert.Equal(t, []int64{500, 510}, got)
}

func TestEngine_TickerStopsAtEnd(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	e, c, _ := startEngine(t, WithClock(clock))
	ctx := context.Background()

	require.NoError(t, e.Send(ctx, LoadFiles(logFile("a.log", 0, 60, 20))))
	c.waitFor(t, isLoad(LoadLoaded), "load never completed")
	require.Eventually(t, func() bool { return clock.ActiveTickers() == 1 }, waitFor, poll)

	deadline := time.Now().Add(waitFor)
	for !c.has(isState(StateEnd)) {
		require.True(t, time.Now().Before(deadline), "playback never ended")
		clock.Advance(DumpWindow)
		time.Sleep(poll)
	}
	require.Eventually(t, func() bool { return clock.ActiveTickers() == 0 }, waitFor, poll,
		"no ticker may survive the end of playback")
}

func TestEngine_PauseStopsTicker(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	e, c, _ := startEngine(t, WithClock(clock))
	ctx := context.Background()

	require.NoError(t, e.Send(ctx, LoadFiles(logFile("a.log", 0, 5000, 10))))
	require.Eventually(t, func() bool { return clock.ActiveTickers() == 1 }, waitFor, poll)

	require.NoError(t, e.Send(ctx, Pause()))
	c.waitFor(t, isState(StatePause), "never paused")
	require.Eventually(t, func() bool { return clock.ActiveTickers() == 0 }, waitFor, poll)

	require.NoError(t, e.Send(ctx, SetRate(2)))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, clock.ActiveTickers(), "rate change while paused must not start a ticker")

	require.NoError(t, e.Send(ctx, Play(0)))
	require.Eventually(t, func() bool { return clock.ActiveTickers() == 1 }, waitFor, poll)
}

func TestEngine_Send(t *testing.T) {
	restore := monitoring.SwapLogger(nil)
	defer restore()

	e := NewEngine()
	err := e.Send(context.Background(), SetRate(-1))
	assert.ErrorIs(t, err, ErrInvalidCommand)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	_, open := <-e.Events()
	assert.False(t, open, "events must be closed after Run returns")

	// The command buffer may accept a few commands; eventually Send reports closed.
	var sendErr error
	for i := 0; i < 64 && sendErr == nil; i++ {
		sendErr = e.Send(context.Background(), Pause())
	}
	assert.ErrorIs(t, sendErr, ErrClosed)

	assert.Error(t, e.Run(context.Background()), "Run may only be called once")
}
