package replay

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/banshee-data/telemetry.relay/internal/codec"
	"github.com/banshee-data/telemetry.relay/internal/monitoring"
	"github.com/banshee-data/telemetry.relay/internal/timeutil"
)

// DefaultEventBuffer is the capacity of the event channel.
const DefaultEventBuffer = 256

// defaultBatchSize is the number of records the loader hands over at once.
const defaultBatchSize = 4096

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock that drives the tick loop.
func WithClock(clock timeutil.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithDecoder sets the record decoder.
func WithDecoder(d *codec.Decoder) Option {
	return func(e *Engine) { e.decoder = d }
}

// WithRangeReader replaces ReadTimeRange.
func WithRangeReader(r RangeReader) Option {
	return func(e *Engine) { e.readRange = r }
}

// WithAutoPlay controls whether playback starts as soon as the time range is
// known. It defaults to true.
func WithAutoPlay(on bool) Option {
	return func(e *Engine) { e.autoPlay = on }
}

// WithEventBuffer sets the capacity of the event channel.
func WithEventBuffer(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.eventBuffer = n
		}
	}
}

// Engine is the replay actor. All session state is owned by the goroutine
// executing Run; hosts interact through Send and Events only.
type Engine struct {
	clock       timeutil.Clock
	decoder     *codec.Decoder
	readRange   RangeReader
	autoPlay    bool
	eventBuffer int
	batchSize   int
	logf        func(format string, v ...interface{})

	cmds    chan Command
	events  chan Event
	loads   chan loadMsg
	done    chan struct{}
	running atomic.Bool
}

// NewEngine returns an Engine. Call Run to start it.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		clock:       timeutil.RealClock{},
		readRange:   ReadTimeRange,
		autoPlay:    true,
		eventBuffer: DefaultEventBuffer,
		batchSize:   defaultBatchSize,
		logf:        monitoring.Prefixed("[Replay]"),
		cmds:        make(chan Command, 16),
		loads:       make(chan loadMsg),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.decoder == nil {
		e.decoder = codec.NewDecoder(nil)
	}
	e.events = make(chan Event, e.eventBuffer)
	return e
}

// Events returns the outbound event stream. It is closed when Run returns.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Send validates cmd and queues it for the Run goroutine.
func (e *Engine) Send(ctx context.Context, cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	select {
	case e.cmds <- cmd:
		return nil
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run returns.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Run processes commands, loader output and ticks until ctx is cancelled.
// It may be called once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("replay: engine already running")
	}
	defer close(e.events)
	defer close(e.done)

	emit := func(ev Event) {
		select {
		case e.events <- ev:
		case <-ctx.Done():
		}
	}
	s := newSession(e.decoder, emit, e.logf)

	var (
		gen        uint64
		cancelLoad context.CancelFunc = func() {}
		ticker     timeutil.Ticker
		tickC      <-chan time.Time
		tickEpoch  uint64
	)
	defer func() {
		cancelLoad()
		if ticker != nil {
			ticker.Stop()
		}
	}()

	// syncTicker keeps exactly one ticker alive while the session ticks.
	syncTicker := func() {
		if ticker != nil && (!s.ticking || tickEpoch != s.tickEpoch) {
			ticker.Stop()
			ticker, tickC = nil, nil
		}
		if s.ticking && ticker == nil {
			ticker = e.clock.NewTicker(DumpWindow)
			tickC = ticker.C()
			tickEpoch = s.tickEpoch
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case cmd := <-e.cmds:
			switch cmd.Type {
			case CommandFiles:
				cancelLoad()
				gen++
				s.reset()
				var lctx context.Context
				lctx, cancelLoad = context.WithCancel(ctx)
				e.logf("loading %d files", len(cmd.Files))
				go e.load(lctx, gen, cmd.Files)
			case CommandPlayState:
				if cmd.State == StatePlay {
					s.start(s.startTime + cmd.CurrentDuration)
				} else {
					s.pause()
				}
			case CommandTimeSeek:
				s.jump(s.startTime + cmd.TargetTime)
			case CommandPlayRate:
				s.setSpeed(cmd.Rate)
			}

		case msg := <-e.loads:
			if msg.gen != gen {
				continue
			}
			e.applyLoad(s, msg)

		case <-tickC:
			s.tick()
		}
		syncTicker()
	}
}

type loadKind int

const (
	loadRange loadKind = iota
	loadBatch
	loadFileDone
	loadDone
	loadFailed
)

// loadMsg carries loader output to the Run goroutine. gen ties it to the
// files command that started the load.
type loadMsg struct {
	gen     uint64
	kind    loadKind
	tr      TimeRange
	records []Record
	current int
	total   int
	err     error
}

func (e *Engine) applyLoad(s *session, msg loadMsg) {
	switch msg.kind {
	case loadRange:
		e.logf("time range %d..%d ms", msg.tr.StartMs, msg.tr.EndMs)
		s.setRange(msg.tr)
		if e.autoPlay {
			s.start(s.startTime)
		}
	case loadBatch:
		for _, rec := range msg.records {
			s.ingest(rec)
		}
	case loadFileDone:
		ls := LoadState{State: LoadLoading, Current: msg.current, Total: msg.total}
		if msg.err != nil {
			e.logf("file %d/%d: %v", msg.current, msg.total, msg.err)
			ls.Error = msg.err.Error()
		}
		s.emit(Event{Type: EventLoadState, Data: ls})
	case loadDone:
		e.logf("load complete: %d records in %d buckets", s.ix.records, s.ix.len())
		s.emit(Event{Type: EventLoadState, Data: LoadState{State: LoadLoaded, Current: msg.total, Total: msg.total}})
		s.loadComplete()
	case loadFailed:
		e.logf("load failed: %v", msg.err)
		s.emit(Event{Type: EventLoadState, Data: LoadState{State: LoadFailed, Total: msg.total, Error: msg.err.Error()}})
	}
}

// load reads the time range and then every file in order, handing records
// to Run in batches. It stops when ctx is cancelled.
func (e *Engine) load(ctx context.Context, gen uint64, files []File) {
	send := func(m loadMsg) bool {
		m.gen = gen
		select {
		case e.loads <- m:
			return true
		case <-ctx.Done():
			return false
		}
	}
	total := len(files)

	tr, err := e.readRange(ctx, files[0], files[total-1])
	if err != nil {
		if ctx.Err() == nil {
			send(loadMsg{kind: loadFailed, total: total, err: err})
		}
		return
	}
	if !send(loadMsg{kind: loadRange, tr: tr}) {
		return
	}

	for i, f := range files {
		batch := make([]Record, 0, e.batchSize)
		err := ScanRecords(ctx, f, func(r Record) error {
			batch = append(batch, r)
			if len(batch) < e.batchSize {
				return nil
			}
			if !send(loadMsg{kind: loadBatch, records: batch}) {
				return ctx.Err()
			}
			batch = make([]Record, 0, e.batchSize)
			return nil
		})
		if ctx.Err() != nil {
			return
		}
		if len(batch) > 0 && !send(loadMsg{kind: loadBatch, records: batch}) {
			return
		}
		if !send(loadMsg{kind: loadFileDone, current: i + 1, total: total, err: err}) {
			return
		}
	}
	send(loadMsg{kind: loadDone, total: total})
}
