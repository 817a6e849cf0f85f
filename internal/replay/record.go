package replay

import (
	"bytes"
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/banshee-data/telemetry.relay/internal/codec"
)

// Record is one log line: a normalised timestamp and its undecoded payload.
type Record struct {
	TimestampMs int64
	Payload     string
}

// Key returns the bucket key of the record.
func (r Record) Key() int64 {
	return BucketKey(r.TimestampMs)
}

// ParseLine parses a "<timestamp>:<payload>" log line. Lines without a colon
// or with a non-numeric timestamp are rejected.
func ParseLine(line string) (Record, bool) {
	line = strings.TrimRight(line, "\r")
	i := strings.IndexByte(line, ':')
	if i <= 0 {
		return Record{}, false
	}
	ts, err := strconv.ParseFloat(strings.TrimSpace(line[:i]), 64)
	if err != nil {
		return Record{}, false
	}
	return Record{TimestampMs: NormalizeTimestamp(ts), Payload: line[i+1:]}, true
}

// DecodeRecord decodes a record payload. JSON text is decoded directly;
// anything else is base64 that holds either JSON text or a binary container.
func DecodeRecord(d *codec.Decoder, payload string) (codec.Envelope, bool) {
	if strings.HasPrefix(payload, "{") {
		return d.DecodeText([]byte(payload))
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(payload)
		if err != nil {
			return codec.Envelope{}, false
		}
	}
	if bytes.HasPrefix(raw, []byte("{")) {
		return d.DecodeText(raw)
	}
	return d.DecodeBinary(raw)
}
