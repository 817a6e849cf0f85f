package replay

import (
	"github.com/banshee-data/telemetry.relay/internal/codec"
)

// session is the playback state machine. It is driven by one goroutine and
// never blocks: the owner calls tick on every dump window while ticking is
// set and restarts its ticker whenever tickEpoch changes.
type session struct {
	decoder *codec.Decoder
	emit    func(Event)
	logf    func(format string, v ...interface{})

	initialized bool
	startTime   int64
	endTime     int64
	currentTime int64
	speed       float64
	state       PlayState

	ix         *index
	loaded     bool
	warnedSort bool

	ticking   bool
	tickEpoch uint64
	cursor    int64   // next bucket key to consume
	acc       float64 // windows owed to playback

	// Key of the last bucket emitted, so resuming does not repeat it.
	emitted    bool
	emittedKey int64
}

func newSession(d *codec.Decoder, emit func(Event), logf func(string, ...interface{})) *session {
	return &session{
		decoder: d,
		emit:    emit,
		logf:    logf,
		speed:   1,
		ix:      newIndex(),
	}
}

// reset drops all loaded data. The playback rate survives a reload.
func (s *session) reset() {
	speed := s.speed
	*s = session{
		decoder:   s.decoder,
		emit:      s.emit,
		logf:      s.logf,
		speed:     speed,
		ix:        newIndex(),
		tickEpoch: s.tickEpoch + 1,
	}
}

func (s *session) setState(st PlayState) {
	if st == s.state {
		return
	}
	s.state = st
	s.emit(Event{Type: EventPlayStateChange, Data: st})
}

// setRange initialises the session once the time range is known.
func (s *session) setRange(tr TimeRange) {
	s.initialized = true
	s.startTime = tr.StartMs
	s.endTime = tr.EndMs
	s.currentTime = tr.StartMs
	s.emit(Event{Type: EventDurationChange, Data: Duration{StartTime: tr.StartMs, EndTime: tr.EndMs}})
	s.setState(StateLoading)
}

func (s *session) ingest(rec Record) {
	if s.ix.add(rec) && !s.warnedSort {
		s.warnedSort = true
		s.logf("record at %d ms precedes an earlier bucket; input is not time-sorted", rec.TimestampMs)
	}
}

// loadComplete marks ingestion finished. A session that was never started
// settles in pause.
func (s *session) loadComplete() {
	s.loaded = true
	if !s.ticking && s.state == StateLoading {
		s.setState(StatePause)
	}
}

func (s *session) ended() bool {
	return s.endTime != 0 && s.currentTime >= s.endTime
}

// start begins playback at the absolute time at.
func (s *session) start(at int64) {
	if !s.initialized {
		return
	}
	if at < s.startTime {
		at = s.startTime
	}
	s.currentTime = at
	s.cursor = BucketKey(at)
	if s.emitted && s.emittedKey == s.cursor {
		s.cursor++
	}
	s.acc = 0
	s.tickEpoch++
	if s.ended() {
		s.finish()
		return
	}
	s.ticking = true
	if !s.available(s.cursor) {
		s.setState(StateLoading)
		return
	}
	s.setState(StatePlay)
}

// available reports whether the bucket at key can be consumed. While
// ingestion runs, the highest indexed bucket may still be receiving records
// and is held back until a later key appears.
func (s *session) available(key int64) bool {
	if s.loaded {
		return true
	}
	_, hi, ok := s.ix.bounds()
	return ok && key < hi
}

// pause stops playback. Partial window progress is discarded.
func (s *session) pause() {
	if !s.initialized {
		return
	}
	s.ticking = false
	s.acc = 0
	s.setState(StatePause)
}

// jump seeks to the absolute time to and emits the single bucket there as a
// preview. It is not a merge of all state up to that point.
func (s *session) jump(to int64) {
	if !s.initialized {
		return
	}
	wasRunning := s.ticking
	s.ticking = false
	s.acc = 0

	s.currentTime = to
	key := BucketKey(to)
	if b := s.ix.get(key); b != nil {
		s.emitBucket(key, b)
	} else {
		s.emitTime()
	}

	if s.ended() {
		s.setState(StateEnd)
		return
	}
	if wasRunning {
		s.start(s.currentTime)
		return
	}
	s.setState(StatePause)
}

// setSpeed changes the rate multiplier and restarts a running tick loop
// from the current time.
func (s *session) setSpeed(rate float64) {
	s.speed = rate
	if s.ticking {
		s.start(s.currentTime)
	}
}

// tick advances playback by one dump window of wall-clock time.
func (s *session) tick() {
	if !s.ticking {
		return
	}
	s.acc += s.speed
	for s.acc >= 1 {
		if s.ended() {
			s.finish()
			return
		}
		if !s.available(s.cursor) {
			// Ingestion lags playback. Poll again next tick.
			s.acc = 0
			s.setState(StateLoading)
			return
		}
		if _, hi, ok := s.ix.bounds(); !ok || s.cursor > hi {
			s.finish()
			return
		}
		s.setState(StatePlay)
		if b := s.ix.get(s.cursor); b != nil {
			s.emitBucket(s.cursor, b)
		}
		s.cursor++
		s.acc--
	}
}

// finish stops the tick loop at the end of the range.
func (s *session) finish() {
	s.ticking = false
	s.acc = 0
	if s.endTime != 0 && s.currentTime < s.endTime {
		s.currentTime = s.endTime
		s.emitTime()
	}
	s.setState(StateEnd)
}

func (s *session) emitBucket(key int64, b *bucket) {
	for _, rec := range b.records {
		if env, ok := DecodeRecord(s.decoder, rec.Payload); ok {
			s.emit(Event{Type: EventData, Data: env})
		}
	}
	// A bucket holding records before a start or seek target does not move
	// the clock backwards.
	if ts := b.terminalMs(); ts > s.currentTime {
		s.currentTime = ts
	}
	// A partial bucket previewed by jump is replayed in full on resume.
	s.emitted = s.available(key)
	s.emittedKey = key
	s.emitTime()
}

func (s *session) emitTime() {
	s.emit(Event{Type: EventTimeUpdate, Data: s.currentTime - s.startTime})
}
