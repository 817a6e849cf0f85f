package replay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrEmptyRange is returned when no valid time range can be read from the
// files of a load request.
var ErrEmptyRange = errors.New("replay: no valid time range")

// maxLineSize bounds a single log line. Base64 binary frames can be large.
const maxLineSize = 64 << 20

// File is a replayable log file.
type File interface {
	Name() string
	Open() (io.ReadCloser, error)
}

// LocalFile is a log file on disk.
type LocalFile string

// Name returns the base name of the file.
func (f LocalFile) Name() string { return filepath.Base(string(f)) }

// Open opens the file for reading.
func (f LocalFile) Open() (io.ReadCloser, error) { return os.Open(string(f)) }

// MemFile is an in-memory log file.
type MemFile struct {
	FileName string
	Data     []byte
}

// Name returns the file name.
func (f MemFile) Name() string { return f.FileName }

// Open returns a reader over the file contents.
func (f MemFile) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.Data)), nil
}

// TimeRange is the span of a load request in milliseconds.
type TimeRange struct {
	StartMs int64
	EndMs   int64
}

// RangeReader reads the time range covered by an ordered set of files given
// its first and last file.
type RangeReader func(ctx context.Context, first, last File) (TimeRange, error)

// ReadTimeRange is the default RangeReader. The range runs from the first
// valid record of first to the last valid record of last.
func ReadTimeRange(ctx context.Context, first, last File) (TimeRange, error) {
	var (
		tr       TimeRange
		hasStart bool
		hasEnd   bool
	)
	errStop := errors.New("stop")
	err := ScanRecords(ctx, first, func(r Record) error {
		tr.StartMs = r.TimestampMs
		hasStart = true
		return errStop
	})
	if err != nil && !errors.Is(err, errStop) {
		return TimeRange{}, err
	}
	if err := ScanRecords(ctx, last, func(r Record) error {
		tr.EndMs = r.TimestampMs
		hasEnd = true
		return nil
	}); err != nil {
		return TimeRange{}, err
	}
	if !hasStart || !hasEnd || tr.EndMs < tr.StartMs {
		return TimeRange{}, ErrEmptyRange
	}
	return tr, nil
}

// ScanRecords calls fn for every valid record of f in file order. Invalid
// lines are skipped. A non-nil error from fn stops the scan and is returned.
func ScanRecords(ctx context.Context, f File, fn func(Record) error) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name(), err)
	}
	defer rc.Close()

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	n := 0
	for sc.Scan() {
		if n++; n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		rec, ok := ParseLine(sc.Text())
		if !ok {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read %s: %w", f.Name(), err)
	}
	return nil
}
