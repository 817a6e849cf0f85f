// Package recorder writes live frames into log files the replay engine can
// load. Each line is "<unix ms>:<payload>"; JSON text is compacted onto one
// line and binary frames are base64 encoded.
package recorder

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/telemetry.relay/internal/catalog"
	"github.com/banshee-data/telemetry.relay/internal/codec"
	"github.com/banshee-data/telemetry.relay/internal/monitoring"
	"github.com/banshee-data/telemetry.relay/internal/timeutil"
)

// Defaults for Options.
const (
	DefaultChunkRecords = 10000
	DefaultBuffer       = 1024
)

// ErrClosed is returned by Close on a closed recorder.
var ErrClosed = errors.New("recorder closed")

// Registrar stores finished recordings. *catalog.Catalog satisfies it.
type Registrar interface {
	Add(ctx context.Context, rec catalog.Recording) (catalog.Recording, error)
}

// Options configures a Recorder.
type Options struct {
	// Name is stored with the recording in the catalog.
	Name string
	// ChunkRecords is the number of records per file before rotating.
	ChunkRecords int
	// Buffer is the capacity of the frame queue. Frames arriving while it
	// is full are dropped.
	Buffer int
	// Catalog, if set, receives the recording on Close.
	Catalog Registrar
	Clock   timeutil.Clock
}

// Stats is a snapshot of recorder counters.
type Stats struct {
	ID      string `json:"id"`
	Written int64  `json:"written"`
	Dropped int64  `json:"dropped"`
	Invalid int64  `json:"invalid"`
	Files   int    `json:"files"`
}

type frame struct {
	tsMs int64
	kind codec.Kind
	data []byte
}

// Recorder queues frames from the live channel read goroutine and writes
// them from its own goroutine.
type Recorder struct {
	id    string
	dir   string
	opts  Options
	clock timeutil.Clock
	logf  func(format string, v ...interface{})

	mu     sync.RWMutex
	closed bool
	queue  chan frame
	done   chan struct{}

	written atomic.Int64
	dropped atomic.Int64
	invalid atomic.Int64

	// Owned by the writer goroutine until done is closed.
	files   []string
	file    *os.File
	w       *bufio.Writer
	inChunk int
	startMs int64
	endMs   int64
	werr    error
}

// New creates dir if needed and starts the writer goroutine.
func New(dir string, opts Options) (*Recorder, error) {
	if opts.ChunkRecords <= 0 {
		opts.ChunkRecords = DefaultChunkRecords
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}

	r := &Recorder{
		id:    uuid.NewString(),
		dir:   abs,
		opts:  opts,
		clock: opts.Clock,
		logf:  monitoring.Prefixed("[Recorder]"),
		queue: make(chan frame, opts.Buffer),
		done:  make(chan struct{}),
	}
	r.logf("recording %s into %s", r.id, abs)
	go r.run()
	return r, nil
}

// ID returns the recording id used in the catalog.
func (r *Recorder) ID() string { return r.id }

// Dir returns the absolute directory holding the chunk files.
func (r *Recorder) Dir() string { return r.dir }

// Record queues one frame. It never blocks; the frame is dropped when the
// queue is full or the recorder is closed. Its signature matches
// livechannel.FrameHook.
func (r *Recorder) Record(kind codec.Kind, data []byte) {
	f := frame{
		tsMs: r.clock.Now().UnixMilli(),
		kind: kind,
		data: append([]byte(nil), data...),
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- f:
	default:
		if r.dropped.Add(1) == 1 {
			r.logf("queue full, dropping frames")
		}
	}
}

// Stats returns the current counters. Files is only final after Close.
func (r *Recorder) Stats() Stats {
	s := Stats{
		ID:      r.id,
		Written: r.written.Load(),
		Dropped: r.dropped.Load(),
		Invalid: r.invalid.Load(),
	}
	select {
	case <-r.done:
		s.Files = len(r.files)
	default:
	}
	return s
}

func (r *Recorder) run() {
	defer close(r.done)
	var line bytes.Buffer
	for f := range r.queue {
		if r.werr != nil {
			r.dropped.Add(1)
			continue
		}
		line.Reset()
		if !formatLine(&line, f) {
			r.invalid.Add(1)
			continue
		}
		if err := r.write(f.tsMs, line.Bytes()); err != nil {
			r.werr = err
			r.logf("write failed, recording stopped: %v", err)
			continue
		}
		if len(r.queue) == 0 {
			if err := r.w.Flush(); err != nil {
				r.werr = err
				r.logf("flush failed, recording stopped: %v", err)
			}
		}
	}
	if err := r.closeChunk(); err != nil && r.werr == nil {
		r.werr = err
	}
}

// formatLine renders f as a log line without the trailing newline. Text
// frames must be valid JSON.
func formatLine(buf *bytes.Buffer, f frame) bool {
	buf.WriteString(strconv.FormatInt(f.tsMs, 10))
	buf.WriteByte(':')
	if f.kind == codec.KindBinary {
		enc := base64.NewEncoder(base64.StdEncoding, buf)
		enc.Write(f.data)
		enc.Close()
		return true
	}
	return json.Compact(buf, f.data) == nil
}

func (r *Recorder) write(tsMs int64, line []byte) error {
	if r.file == nil || r.inChunk >= r.opts.ChunkRecords {
		if err := r.rotate(); err != nil {
			return err
		}
	}
	if _, err := r.w.Write(line); err != nil {
		return err
	}
	if err := r.w.WriteByte('\n'); err != nil {
		return err
	}
	if r.written.Load() == 0 {
		r.startMs = tsMs
	}
	if tsMs > r.endMs {
		r.endMs = tsMs
	}
	r.inChunk++
	r.written.Add(1)
	return nil
}

func (r *Recorder) rotate() error {
	if err := r.closeChunk(); err != nil {
		return err
	}
	path := filepath.Join(r.dir, fmt.Sprintf("chunk-%04d.log", len(r.files)))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create chunk: %w", err)
	}
	r.file = f
	r.w = bufio.NewWriterSize(f, 64*1024)
	r.inChunk = 0
	r.files = append(r.files, path)
	return nil
}

func (r *Recorder) closeChunk() error {
	if r.file == nil {
		return nil
	}
	err := r.w.Flush()
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	r.file, r.w = nil, nil
	return err
}

// Close drains the queue, closes the current chunk and registers the
// recording with the catalog when one is configured and at least one record
// was written. The returned recording describes what was written.
func (r *Recorder) Close(ctx context.Context) (catalog.Recording, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return catalog.Recording{}, ErrClosed
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return catalog.Recording{}, ctx.Err()
	}

	rec := catalog.Recording{
		ID:      r.id,
		Name:    r.opts.Name,
		StartMs: r.startMs,
		EndMs:   r.endMs,
		Records: r.written.Load(),
		Files:   append([]string(nil), r.files...),
	}
	st := r.Stats()
	r.logf("recording %s closed: %d written, %d dropped, %d invalid, %d files",
		r.id, st.Written, st.Dropped, st.Invalid, st.Files)
	if r.werr != nil {
		return rec, r.werr
	}
	if r.opts.Catalog == nil || rec.Records == 0 {
		return rec, nil
	}
	stored, err := r.opts.Catalog.Add(ctx, rec)
	if err != nil {
		return rec, fmt.Errorf("register recording %s: %w", r.id, err)
	}
	return stored, nil
}

// SessionDir returns a per-run directory name under root based on t.
func SessionDir(root string, t time.Time) string {
	return filepath.Join(root, t.UTC().Format("20060102T150405Z"))
}
