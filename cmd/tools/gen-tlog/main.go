// Command gen-tlog generates synthetic telemetry logs for testing replay.
//
// Each file holds "<timestamp>:<payload>" lines. Payloads are plain JSON,
// base64 JSON or base64 binary containers, or a rotation of all three.
package main

import (
	"bufio"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/banshee-data/telemetry.relay/internal/codec"
)

type genOptions struct {
	Files   int
	Records int
	Hz      float64
	StartMs int64
	Format  string
	Unit    string
	Topic   string
}

func main() {
	out := flag.String("o", "sample", "output directory")
	var opts genOptions
	flag.IntVar(&opts.Files, "files", 3, "number of files")
	flag.IntVar(&opts.Records, "n", 600, "records per file")
	flag.Float64Var(&opts.Hz, "hz", 30, "records per second")
	flag.Int64Var(&opts.StartMs, "start", time.Now().UnixMilli(), "first timestamp (unix ms)")
	flag.StringVar(&opts.Format, "format", "mixed", "payload format: json, b64json, binary or mixed")
	flag.StringVar(&opts.Unit, "unit", "ms", "timestamp unit: s, ms, us or ns")
	flag.StringVar(&opts.Topic, "topic", "pose", "topic name")
	flag.Parse()

	if err := os.MkdirAll(*out, 0755); err != nil {
		log.Fatalf("failed to create output dir: %v", err)
	}
	g, err := newGenerator(opts)
	if err != nil {
		log.Fatalf("invalid options: %v", err)
	}
	for i := 0; i < opts.Files; i++ {
		path := filepath.Join(*out, fmt.Sprintf("%04d.log", i))
		if err := writeFile(path, g); err != nil {
			log.Fatalf("failed to write %s: %v", path, err)
		}
		log.Printf("%d/%d files", i+1, opts.Files)
	}
	log.Printf("Created %d files in %s", opts.Files, *out)
}

func writeFile(path string, g *generator) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := g.writeChunk(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// generator emits consecutive records across files.
type generator struct {
	opts  genOptions
	types *codec.TypeTable
	seq   int
}

func newGenerator(opts genOptions) (*generator, error) {
	if opts.Records <= 0 || opts.Hz <= 0 {
		return nil, fmt.Errorf("records and hz must be positive")
	}
	switch opts.Format {
	case "json", "b64json", "binary", "mixed":
	default:
		return nil, fmt.Errorf("unknown format %q", opts.Format)
	}
	if _, ok := unitScale[opts.Unit]; !ok {
		return nil, fmt.Errorf("unknown unit %q", opts.Unit)
	}
	return &generator{opts: opts, types: codec.DefaultTypeTable()}, nil
}

var unitScale = map[string]float64{"s": 1e-3, "ms": 1, "us": 1e3, "ns": 1e6}

func (g *generator) writeChunk(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for i := 0; i < g.opts.Records; i++ {
		line, err := g.next()
		if err != nil {
			return err
		}
		bw.WriteString(line)
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

func (g *generator) next() (string, error) {
	offset := float64(g.seq) * 1000 / g.opts.Hz
	tsMs := float64(g.opts.StartMs) + offset
	body := fmt.Sprintf(`{"seq":%d,"x":%.3f,"y":%.3f}`, g.seq, math.Cos(offset/1000), math.Sin(offset/1000))

	format := g.opts.Format
	if format == "mixed" {
		format = []string{"json", "b64json", "binary"}[g.seq%3]
	}
	g.seq++

	var payload string
	switch format {
	case "json":
		payload = fmt.Sprintf(`{"topic":%q,"value":{"value0":{"data":%s}}}`, g.opts.Topic, body)
	case "b64json":
		payload = base64.StdEncoding.EncodeToString(
			[]byte(fmt.Sprintf(`{"topic":%q,"value":{"value0":{"data":%s}}}`, g.opts.Topic, body)))
	case "binary":
		frame, err := g.types.Encode(codec.Element{Topic: g.opts.Topic, Type: 0, Data: []byte(body)})
		if err != nil {
			return "", err
		}
		payload = base64.StdEncoding.EncodeToString(frame)
	}

	ts := strconv.FormatFloat(math.Round(tsMs*unitScale[g.opts.Unit]), 'f', 0, 64)
	return ts + ":" + payload, nil
}
