package replayrpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/banshee-data/telemetry.relay/internal/replay"
)

// Client is a ReplayService client.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to a replay server at target without transport security.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close closes a connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Session opens a replay session. Cancel ctx to end it.
func (c *Client) Session(ctx context.Context) (*SessionStream, error) {
	stream, err := NewReplayServiceSession(ctx, c.cc)
	if err != nil {
		return nil, err
	}
	return &SessionStream{stream: stream}, nil
}

// SessionStream sends commands and receives events on one session.
type SessionStream struct {
	stream ReplayService_SessionClient
}

// Send sends a raw {type, data} command.
func (s *SessionStream) Send(typ string, data any) error {
	st, err := NewMessage(typ, data)
	if err != nil {
		return err
	}
	return s.stream.Send(st)
}

// LoadFiles loads log files relative to the server root.
func (s *SessionStream) LoadFiles(paths ...string) error {
	return s.Send(string(replay.CommandFiles), paths)
}

// LoadRecording loads a catalogued recording.
func (s *SessionStream) LoadRecording(id string) error {
	return s.Send(CommandRecording, id)
}

// Play starts playback at offsetMs from the session start.
func (s *SessionStream) Play(offsetMs int64) error {
	return s.Send(string(replay.CommandPlayState), map[string]any{
		"state":           string(replay.StatePlay),
		"currentDuration": offsetMs,
	})
}

// Pause pauses playback.
func (s *SessionStream) Pause() error {
	return s.Send(string(replay.CommandPlayState), map[string]any{"state": string(replay.StatePause)})
}

// Seek jumps to offsetMs from the session start.
func (s *SessionStream) Seek(offsetMs int64) error {
	return s.Send(string(replay.CommandTimeSeek), offsetMs)
}

// SetRate sets the playback rate multiplier.
func (s *SessionStream) SetRate(rate float64) error {
	return s.Send(string(replay.CommandPlayRate), rate)
}

// Recv blocks for the next event.
func (s *SessionStream) Recv() (Message, error) {
	st, err := s.stream.Recv()
	if err != nil {
		return Message{}, err
	}
	return ParseMessage(st)
}

// CloseSend half-closes the stream. Events keep arriving until the context
// passed to Session is cancelled.
func (s *SessionStream) CloseSend() error {
	return s.stream.CloseSend()
}
