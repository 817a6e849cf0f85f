package replayrpc

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/telemetry.relay/internal/codec"
	"github.com/banshee-data/telemetry.relay/internal/monitoring"
	"github.com/banshee-data/telemetry.relay/internal/testutil"
)

const base = int64(1_700_000_000_000)

// writeLog writes records every step ms in [from, to] to root/name.
func writeLog(t *testing.T, root, name string, from, to, step int64) {
	t.Helper()
	testutil.WriteLog(t, root, name, testutil.JSONLog(base, from, to, step, "t"))
}

func startTestServer(t *testing.T, cfg Config) (*Client, *Server) {
	t.Helper()
	restore := monitoring.SwapLogger(nil)
	t.Cleanup(restore)

	lis := bufconn.Listen(1 << 20)
	srv := NewServer(cfg)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn), srv
}

func openSession(t *testing.T, c *Client) *SessionStream {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	ss, err := c.Session(ctx)
	require.NoError(t, err)
	return ss
}

// recvUntil receives messages until match returns true.
func recvUntil(t *testing.T, ss *SessionStream, match func(Message) bool) []Message {
	t.Helper()
	var got []Message
	for {
		msg, err := ss.Recv()
		require.NoError(t, err, "received so far: %v", got)
		got = append(got, msg)
		if match(msg) {
			return got
		}
	}
}

func isType(typ string) func(Message) bool {
	return func(m Message) bool { return m.Type == typ }
}

func isPlayState(state string) func(Message) bool {
	return func(m Message) bool { return m.Type == "playstatechange" && m.Data == state }
}

func TestSession_PlaysFiles(t *testing.T) {
	root := t.TempDir()
	writeLog(t, root, "a.log", 0, 100, 10)
	writeLog(t, root, "sub/b.log", 120, 200, 10)

	c, _ := startTestServer(t, Config{Root: root})
	ss := openSession(t, c)
	require.NoError(t, ss.LoadFiles("a.log", "sub/b.log"))

	msgs := recvUntil(t, ss, isPlayState("end"))
	require.NotEmpty(t, msgs)

	assert.Equal(t, Message{Type: "durationchange", Data: map[string]any{
		"startTime": float64(base),
		"endTime":   float64(base + 200),
	}}, msgs[0])

	var data, loads int
	var lastTime float64
	for _, m := range msgs {
		switch m.Type {
		case "data":
			env := m.Data.(map[string]any)
			assert.Equal(t, "t", env["topic"])
			data++
		case "loadstate":
			loads++
		case "timeupdate":
			lastTime = m.Data.(float64)
		}
	}
	assert.Equal(t, 20, data)
	assert.Equal(t, 3, loads)
	assert.Equal(t, float64(200), lastTime)
}

func TestSession_BinaryPayloadIsBase64(t *testing.T) {
	root := t.TempDir()
	raw := []byte{0x01, 0x02, 0xfe}
	frame, err := codec.DefaultTypeTable().Encode(codec.Element{Topic: "bin", Type: 0, Data: raw})
	require.NoError(t, err)
	testutil.WriteLog(t, root, "bin.log", []string{testutil.LogLine(base, base64.StdEncoding.EncodeToString(frame))})

	c, _ := startTestServer(t, Config{Root: root})
	ss := openSession(t, c)
	require.NoError(t, ss.LoadFiles("bin.log"))

	msgs := recvUntil(t, ss, isType("data"))
	env := msgs[len(msgs)-1].Data.(map[string]any)
	assert.Equal(t, "bin", env["topic"])
	assert.Equal(t, base64.StdEncoding.EncodeToString(raw), env["data"])
}

func TestSession_InvalidCommandsKeepStreamOpen(t *testing.T) {
	root := t.TempDir()
	writeLog(t, root, "a.log", 0, 50, 10)

	c, _ := startTestServer(t, Config{Root: root})
	ss := openSession(t, c)

	bad := []struct {
		name string
		send func() error
		want string
	}{
		{"unknown type", func() error { return ss.Send("bogus", nil) }, "unknown type"},
		{"missing type", func() error { return ss.Send("", nil) }, "missing type"},
		{"escaping path", func() error { return ss.LoadFiles("../secret.log") }, "outside the replay root"},
		{"absolute path", func() error { return ss.LoadFiles("/etc/passwd") }, "outside the replay root"},
		{"empty files", func() error { return ss.Send("files", []string{}) }, "non-empty list"},
		{"negative rate", func() error { return ss.SetRate(-1) }, "rate must be positive"},
		{"bad playstate", func() error { return ss.Send("playstate", map[string]any{"state": "end"}) }, "unsupported state"},
		{"play without offset", func() error { return ss.Send("playstate", map[string]any{"state": "play"}) }, "currentDuration must be a number"},
		{"seek not a number", func() error { return ss.Send("timeupdate", "soon") }, "must be a number"},
		{"recording without catalog", func() error { return ss.LoadRecording("abc") }, "no catalog"},
	}
	for _, tt := range bad {
		require.NoError(t, tt.send(), tt.name)
		msg, err := ss.Recv()
		require.NoError(t, err, tt.name)
		assert.Equal(t, "error", msg.Type, tt.name)
		assert.Contains(t, msg.Data, tt.want, tt.name)
	}

	require.NoError(t, ss.LoadFiles("a.log"))
	recvUntil(t, ss, isPlayState("end"))
}

func TestSession_MissingFileReportsLoadFailure(t *testing.T) {
	c, _ := startTestServer(t, Config{Root: t.TempDir()})
	ss := openSession(t, c)
	require.NoError(t, ss.LoadFiles("nope.log"))

	msgs := recvUntil(t, ss, isType("loadstate"))
	ls := msgs[len(msgs)-1].Data.(map[string]any)
	assert.Equal(t, "failed", ls["state"])
	assert.Contains(t, ls["error"], "nope.log")
}

type fakeRecordings map[string][]string

func (f fakeRecordings) Files(_ context.Context, id string) ([]string, error) {
	files, ok := f[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return files, nil
}

func TestSession_Recording(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "rec/0000.log", 0, 50, 10)
	writeLog(t, dir, "rec/0001.log", 60, 100, 10)
	recs := fakeRecordings{"rec-1": {
		filepath.Join(dir, "rec/0000.log"),
		filepath.Join(dir, "rec/0001.log"),
	}}

	c, _ := startTestServer(t, Config{Root: t.TempDir(), Recordings: recs})
	ss := openSession(t, c)

	require.NoError(t, ss.LoadRecording("missing"))
	msg, err := ss.Recv()
	require.NoError(t, err)
	assert.Equal(t, "error", msg.Type)
	assert.Contains(t, msg.Data, "not found")

	require.NoError(t, ss.LoadRecording("rec-1"))
	msgs := recvUntil(t, ss, isPlayState("end"))
	assert.Equal(t, Message{Type: "durationchange", Data: map[string]any{
		"startTime": float64(base),
		"endTime":   float64(base + 100),
	}}, msgs[0])
}

func TestSession_PauseSeekAndRate(t *testing.T) {
	root := t.TempDir()
	writeLog(t, root, "a.log", 0, 5000, 10)

	c, _ := startTestServer(t, Config{Root: root})
	ss := openSession(t, c)
	require.NoError(t, ss.LoadFiles("a.log"))
	recvUntil(t, ss, isPlayState("play"))

	require.NoError(t, ss.Pause())
	recvUntil(t, ss, isPlayState("pause"))

	require.NoError(t, ss.Seek(4000))
	msgs := recvUntil(t, ss, isType("timeupdate"))
	assert.Equal(t, float64(4010), msgs[len(msgs)-1].Data)

	require.NoError(t, ss.SetRate(4))
	require.NoError(t, ss.Play(4010))
	msgs = recvUntil(t, ss, isPlayState("end"))
	for _, m := range msgs {
		if m.Type == "data" {
			ts := m.Data.(map[string]any)["data"].(map[string]any)["ts"].(float64)
			assert.Greater(t, ts, float64(4010))
		}
	}
}

func TestSession_CancelEndsSession(t *testing.T) {
	root := t.TempDir()
	writeLog(t, root, "a.log", 0, 100, 10)
	c, srv := startTestServer(t, Config{Root: root})

	ctx, cancel := context.WithCancel(context.Background())
	ss, err := c.Session(ctx)
	require.NoError(t, err)
	require.NoError(t, ss.LoadFiles("a.log"))
	_, err = ss.Recv()
	require.NoError(t, err)
	require.Equal(t, 1, srv.ActiveSessions())

	cancel()
	_, err = ss.Recv()
	assert.Equal(t, codes.Canceled, status.Code(err))
	require.Eventually(t, func() bool { return srv.ActiveSessions() == 0 }, 3*time.Second, 5*time.Millisecond)
}

func TestSession_CloseSendKeepsEventsFlowing(t *testing.T) {
	root := t.TempDir()
	writeLog(t, root, "a.log", 0, 100, 10)
	c, _ := startTestServer(t, Config{Root: root})

	ss := openSession(t, c)
	require.NoError(t, ss.LoadFiles("a.log"))
	require.NoError(t, ss.CloseSend())
	recvUntil(t, ss, isPlayState("end"))
}

func TestServer_StartStop(t *testing.T) {
	restore := monitoring.SwapLogger(nil)
	defer restore()

	srv := NewServer(Config{ListenAddr: "127.0.0.1:0", Root: t.TempDir()})
	assert.Nil(t, srv.Addr())
	require.NoError(t, srv.Start())
	require.NotNil(t, srv.Addr())
	assert.Error(t, srv.Start(), "second Start must fail")

	c, err := Dial(srv.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ss, err := c.Session(ctx)
	require.NoError(t, err)
	require.NoError(t, ss.Send("bogus", nil))
	msg, err := ss.Recv()
	require.NoError(t, err)
	assert.Equal(t, "error", msg.Type)

	cancel()
	srv.Stop()
	srv.Stop()
}

func TestServiceDesc(t *testing.T) {
	assert.Equal(t, "telemetry.replay.v1.ReplayService", ServiceDesc.ServiceName)
	require.Len(t, ServiceDesc.Streams, 1)
	assert.Equal(t, "Session", ServiceDesc.Streams[0].StreamName)
	assert.Nil(t, ServiceDesc.Metadata, "no .proto file backs the hand-written descriptor")
}
