package livechannel

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/telemetry.relay/internal/codec"
)

// CloseNormal is the close code sent on caller-initiated shutdown. A close
// carrying this code does not trigger a reconnect.
const CloseNormal = websocket.CloseNormalClosure

// Conn is a bidirectional message stream. ReadMessage blocks until a frame
// arrives or the stream fails; a peer close is reported as a
// *websocket.CloseError carrying the close code.
type Conn interface {
	ReadMessage() (codec.Kind, []byte, error)
	Close(code int, reason string) error
}

// Dialer opens a Conn to url.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials websocket endpoints with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

// Dial opens a websocket connection.
func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) ReadMessage() (codec.Kind, []byte, error) {
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		return codec.KindText, nil, err
	}
	if mt == websocket.BinaryMessage {
		return codec.KindBinary, data, nil
	}
	return codec.KindText, data, nil
}

// Close sends a close frame with code and reason, then closes the socket.
func (c *wsConn) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}
