package replayrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/telemetry.relay/internal/replay"
	"github.com/banshee-data/telemetry.relay/internal/security"
)

// CommandRecording loads the files of a catalogued recording. It is resolved
// to a files command before reaching the engine.
const CommandRecording = "recording"

// Message is a decoded {type, data} struct.
type Message struct {
	Type string
	Data any
}

// NewMessage builds the wire struct for typ and data. data must be
// representable as JSON.
func NewMessage(typ string, data any) (*structpb.Struct, error) {
	b, err := json.Marshal(map[string]any{"type": typ, "data": data})
	if err != nil {
		return nil, fmt.Errorf("marshal %s message: %w", typ, err)
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(b, st); err != nil {
		return nil, fmt.Errorf("convert %s message: %w", typ, err)
	}
	return st, nil
}

// ParseMessage splits a wire struct into its type and data.
func ParseMessage(st *structpb.Struct) (Message, error) {
	m := st.AsMap()
	typ, ok := m["type"].(string)
	if !ok || typ == "" {
		return Message{}, fmt.Errorf("%w: missing type", replay.ErrInvalidCommand)
	}
	return Message{Type: typ, Data: m["data"]}, nil
}

// eventStruct renders an engine event. Engine-defined payloads are built
// directly; envelopes go through encoding/json so binary data becomes a
// base64 string.
func eventStruct(ev replay.Event) (*structpb.Struct, error) {
	var data *structpb.Value
	switch d := ev.Data.(type) {
	case int64:
		data = structpb.NewNumberValue(float64(d))
	case replay.PlayState:
		data = structpb.NewStringValue(string(d))
	case string:
		data = structpb.NewStringValue(d)
	case replay.Duration:
		data = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"startTime": structpb.NewNumberValue(float64(d.StartTime)),
			"endTime":   structpb.NewNumberValue(float64(d.EndTime)),
		}})
	case replay.LoadState:
		fields := map[string]*structpb.Value{
			"state":   structpb.NewStringValue(d.State),
			"current": structpb.NewNumberValue(float64(d.Current)),
			"total":   structpb.NewNumberValue(float64(d.Total)),
		}
		if d.Error != "" {
			fields["error"] = structpb.NewStringValue(d.Error)
		}
		data = structpb.NewStructValue(&structpb.Struct{Fields: fields})
	default:
		return NewMessage(string(ev.Type), ev.Data)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"type": structpb.NewStringValue(string(ev.Type)),
		"data": data,
	}}, nil
}

// Recordings resolves a recording id to its ordered file paths.
type Recordings interface {
	Files(ctx context.Context, id string) ([]string, error)
}

// resolver turns wire commands into engine commands.
type resolver struct {
	root       string
	recordings Recordings
}

func (r resolver) command(ctx context.Context, msg Message) (replay.Command, error) {
	switch msg.Type {
	case string(replay.CommandFiles):
		paths, err := stringList(msg.Data)
		if err != nil {
			return replay.Command{}, err
		}
		files := make([]replay.File, 0, len(paths))
		for _, p := range paths {
			f, err := r.file(p)
			if err != nil {
				return replay.Command{}, err
			}
			files = append(files, f)
		}
		return replay.LoadFiles(files...), nil

	case CommandRecording:
		id, ok := msg.Data.(string)
		if !ok || id == "" {
			return replay.Command{}, fmt.Errorf("%w: recording: data must be an id string", replay.ErrInvalidCommand)
		}
		if r.recordings == nil {
			return replay.Command{}, fmt.Errorf("%w: recording: no catalog configured", replay.ErrInvalidCommand)
		}
		paths, err := r.recordings.Files(ctx, id)
		if err != nil {
			return replay.Command{}, fmt.Errorf("recording %s: %w", id, err)
		}
		files := make([]replay.File, 0, len(paths))
		for _, p := range paths {
			files = append(files, replay.LocalFile(p))
		}
		return replay.LoadFiles(files...), nil

	case string(replay.CommandPlayState):
		obj, ok := msg.Data.(map[string]any)
		if !ok {
			return replay.Command{}, fmt.Errorf("%w: playstate: data must be an object", replay.ErrInvalidCommand)
		}
		state, _ := obj["state"].(string)
		switch replay.PlayState(state) {
		case replay.StatePause:
			return replay.Pause(), nil
		case replay.StatePlay:
			at, ok := obj["currentDuration"].(float64)
			if !ok {
				return replay.Command{}, fmt.Errorf("%w: playstate: currentDuration must be a number", replay.ErrInvalidCommand)
			}
			return replay.Play(int64(at)), nil
		default:
			return replay.Command{}, fmt.Errorf("%w: playstate: unsupported state %q", replay.ErrInvalidCommand, state)
		}

	case string(replay.CommandTimeSeek):
		to, ok := msg.Data.(float64)
		if !ok {
			return replay.Command{}, fmt.Errorf("%w: timeupdate: data must be a number", replay.ErrInvalidCommand)
		}
		return replay.Seek(int64(to)), nil

	case string(replay.CommandPlayRate):
		rate, ok := msg.Data.(float64)
		if !ok {
			return replay.Command{}, fmt.Errorf("%w: playrate: data must be a number", replay.ErrInvalidCommand)
		}
		return replay.SetRate(rate), nil
	}
	return replay.Command{}, fmt.Errorf("%w: unknown type %q", replay.ErrInvalidCommand, msg.Type)
}

// file resolves a path relative to the root. Paths that would escape the
// root, directly or through a symlink, are rejected.
func (r resolver) file(p string) (replay.File, error) {
	path, err := security.ResolveWithin(r.root, p)
	if errors.Is(err, security.ErrOutsideRoot) {
		return nil, fmt.Errorf("%w: files: path %q is outside the replay root", replay.ErrInvalidCommand, p)
	}
	if err != nil {
		return nil, fmt.Errorf("files: %w", err)
	}
	return replay.LocalFile(path), nil
}

func stringList(v any) ([]string, error) {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("%w: files: data must be a non-empty list of paths", replay.ErrInvalidCommand)
	}
	out := make([]string, 0, len(list))
	for i, item := range list {
		s, ok := item.(string)
		if !ok || s == "" {
			return nil, fmt.Errorf("%w: files: entry %d is not a path", replay.ErrInvalidCommand, i)
		}
		out = append(out, s)
	}
	return out, nil
}
