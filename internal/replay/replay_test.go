package replay

import (
	"encoding/base64"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/telemetry.relay/internal/codec"
)

func TestBucketKey(t *testing.T) {
	tests := []struct {
		ts   int64
		want int64
	}{
		{0, 0},
		{16, 0},
		{17, 1},
		{33, 1},
		{34, 2},
		{1000, 60},
		{5000, 300},
		{-1, -1},
		{-17, -2},
		{1700000000000, 102000000000},
	}
	for _, tt := range tests {
		if got := BucketKey(tt.ts); got != tt.want {
			t.Errorf("BucketKey(%d) = %d, want %d", tt.ts, got, tt.want)
		}
	}
}

func TestBucketKey_MatchesFloorDivision(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		ts := rng.Int63n(2_000_000_000_000)
		want := int64(math.Floor(float64(ts) / DumpWindowMs))
		// Float division can land one off exactly on a window edge.
		if got := BucketKey(ts); got != want && (ts*Hz)%1000 != 0 {
			t.Fatalf("BucketKey(%d) = %d, want %d", ts, got, want)
		}
	}
}

func TestBucketKey_WindowEdges(t *testing.T) {
	for k := int64(-120); k < 6000; k++ {
		// First and last millisecond of window k.
		lo := ceilDiv(k*1000, Hz)
		hi := ceilDiv((k+1)*1000, Hz) - 1
		if got := BucketKey(lo); got != k {
			t.Fatalf("BucketKey(%d) = %d, want %d", lo, got, k)
		}
		if got := BucketKey(hi); got != k {
			t.Fatalf("BucketKey(%d) = %d, want %d", hi, got, k)
		}
		if got := BucketKey(hi + 1); got != k+1 {
			t.Fatalf("BucketKey(%d) = %d, want %d", hi+1, got, k+1)
		}
	}
}

func TestBucketKey_NonDecreasingOverSortedInput(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	ts := int64(1_700_000_000_000)
	prev := BucketKey(ts)
	for i := 0; i < 5000; i++ {
		ts += rng.Int63n(40)
		key := BucketKey(ts)
		if key < prev {
			t.Fatalf("key decreased at ts=%d: %d < %d", ts, key, prev)
		}
		prev = key
	}
}

func ceilDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) == (b < 0) {
		q++
	}
	return q
}

func TestNormalizeTimestamp(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want int64
	}{
		{"seconds", 1700000000, 1700000000000},
		{"fractional seconds", 1700000000.5, 1700000000500},
		{"milliseconds", 1700000000123, 1700000000123},
		{"microseconds", 1700000000123456, 1700000000123},
		{"nanoseconds", 1700000000123456789, 1700000000123},
		{"zero", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeTimestamp(tt.in); got != tt.want {
				t.Errorf("NormalizeTimestamp(%v) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Record
		ok   bool
	}{
		{"json", `1700000000123:{"topic":"t"}`, Record{1700000000123, `{"topic":"t"}`}, true},
		{"payload keeps colons", `1700000000123:{"a":"b:c"}`, Record{1700000000123, `{"a":"b:c"}`}, true},
		{"crlf", "1700000000123:abc=\r", Record{1700000000123, "abc="}, true},
		{"seconds", "1700000000:x", Record{1700000000000, "x"}, true},
		{"empty payload", "1700000000123:", Record{1700000000123, ""}, true},
		{"no colon", "1700000000123", Record{}, false},
		{"empty timestamp", ":payload", Record{}, false},
		{"bad timestamp", "abc:payload", Record{}, false},
		{"blank", "", Record{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseLine(tt.line)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseLine mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeRecord(t *testing.T) {
	d := codec.NewDecoder(nil)
	bin, err := d.Types().Encode(codec.Element{Topic: "b", Type: 0, Data: []byte(`{"n":1}`)})
	if err != nil {
		t.Fatal(err)
	}
	text := `{"topic":"t","value":{"value0":{"data":42}}}`

	tests := []struct {
		name    string
		payload string
		want    codec.Envelope
		ok      bool
	}{
		{"json text", text, codec.Envelope{Topic: "t", Data: float64(42)}, true},
		{"base64 json", base64.StdEncoding.EncodeToString([]byte(text)), codec.Envelope{Topic: "t", Data: float64(42)}, true},
		{"raw base64 json", base64.RawStdEncoding.EncodeToString([]byte(`{"topic":"r"}`)), codec.Envelope{Topic: "r", Data: map[string]any{"topic": "r"}}, true},
		{"base64 binary", base64.StdEncoding.EncodeToString(bin), codec.Envelope{Topic: "b", Data: map[string]any{"n": float64(1)}}, true},
		{"not base64", "!!!", codec.Envelope{}, false},
		{"base64 garbage", base64.StdEncoding.EncodeToString([]byte{0xff, 0xff, 0xff}), codec.Envelope{}, false},
		{"malformed json", `{"topic":`, codec.Envelope{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DecodeRecord(d, tt.payload)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("DecodeRecord mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCommandValidate(t *testing.T) {
	tests := []struct {
		name    string
		cmd     Command
		wantErr bool
	}{
		{"files", LoadFiles(MemFile{FileName: "a"}), false},
		{"no files", LoadFiles(), true},
		{"nil file", LoadFiles(nil), true},
		{"play", Play(10), false},
		{"play negative", Play(-1), true},
		{"pause", Pause(), false},
		{"bad state", Command{Type: CommandPlayState, State: StateEnd}, true},
		{"seek", Seek(0), false},
		{"seek negative", Seek(-5), true},
		{"rate", SetRate(2), false},
		{"rate zero", SetRate(0), true},
		{"rate nan", SetRate(math.NaN()), true},
		{"rate inf", SetRate(math.Inf(1)), true},
		{"unknown", Command{Type: "bogus"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidCommand) {
				t.Errorf("error %v does not wrap ErrInvalidCommand", err)
			}
		})
	}
}
