// Package livechannel is a long-lived publish/subscribe client over a single
// streaming connection. Inbound frames are decoded into envelopes and fanned
// out to per-topic handlers; transport failures are recovered with a
// debounced reconnect until the channel is disposed.
package livechannel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/telemetry.relay/internal/codec"
	"github.com/banshee-data/telemetry.relay/internal/monitoring"
	"github.com/banshee-data/telemetry.relay/internal/timeutil"
)

// DefaultReconnectDelay is the delay before a reconnect attempt.
const DefaultReconnectDelay = time.Second

// FrameHook observes every raw frame before it is decoded.
type FrameHook func(kind codec.Kind, data []byte)

// Option configures a Channel.
type Option func(*Channel)

// WithDialer sets the transport dialer. The default is WebsocketDialer.
func WithDialer(d Dialer) Option {
	return func(c *Channel) { c.dialer = d }
}

// WithClock sets the clock used for reconnect timers.
func WithClock(clock timeutil.Clock) Option {
	return func(c *Channel) { c.clock = clock }
}

// WithReconnectDelay overrides DefaultReconnectDelay.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.reconnectDelay = d
		}
	}
}

// WithDecoder sets the envelope decoder.
func WithDecoder(d *codec.Decoder) Option {
	return func(c *Channel) { c.decoder = d }
}

// WithFrameHook registers a hook called with each raw inbound frame.
func WithFrameHook(h FrameHook) Option {
	return func(c *Channel) { c.frameHook = h }
}

// Channel is a pub/sub client bound to one connection target.
type Channel struct {
	url            string
	dialer         Dialer
	clock          timeutil.Clock
	decoder        *codec.Decoder
	reconnectDelay time.Duration
	frameHook      FrameHook
	registry       *Registry
	logf           func(format string, v ...interface{})

	mu             sync.Mutex
	active         bool // a connection attempt or connection is live
	connected      bool
	allowReconnect bool
	conn           Conn
	cancel         context.CancelFunc
	gen            uint64 // bumped per connection attempt; stale events are ignored
	reconnectTimer timeutil.Timer
	reconnectSeq   uint64

	dials          atomic.Uint64
	frames         atomic.Uint64
	decodeFailures atomic.Uint64
	undelivered    atomic.Uint64
}

// New creates a Channel for url. No connection is made until Initialize.
func New(url string, opts ...Option) *Channel {
	c := &Channel{
		url:            url,
		dialer:         WebsocketDialer{},
		clock:          timeutil.RealClock{},
		reconnectDelay: DefaultReconnectDelay,
		registry:       NewRegistry(),
		logf:           monitoring.Prefixed("[LiveChannel]"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.decoder == nil {
		c.decoder = codec.NewDecoder(nil)
	}
	return c
}

// URL returns the connection target.
func (c *Channel) URL() string {
	return c.url
}

// Initialize opens the connection and re-enables reconnection. Calls while a
// connection is live or being established are no-ops.
func (c *Channel) Initialize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowReconnect = true
	if c.active {
		return
	}
	c.active = true
	c.gen++
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx, c.gen)
}

// run dials and then reads frames until the connection fails. All transport
// events for one connection are handled sequentially here.
func (c *Channel) run(ctx context.Context, gen uint64) {
	c.dials.Add(1)
	conn, err := c.dialer.Dial(ctx, c.url)
	if err != nil {
		c.handleError(gen, err)
		return
	}

	c.mu.Lock()
	if gen != c.gen || ctx.Err() != nil {
		c.mu.Unlock()
		conn.Close(CloseNormal, "superseded")
		return
	}
	c.conn = conn
	c.mu.Unlock()
	c.handleOpen(gen)

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.handleClose(gen, closeErr.Code)
			} else {
				c.handleError(gen, err)
			}
			return
		}
		c.handleMessage(kind, data)
	}
}

func (c *Channel) handleOpen(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.stopReconnectLocked()
	c.connected = true
	c.logf("connected to %s", c.url)
}

func (c *Channel) handleMessage(kind codec.Kind, data []byte) {
	c.frames.Add(1)
	if c.frameHook != nil {
		c.frameHook(kind, data)
	}
	env, ok := c.decoder.Decode(data, kind)
	if !ok {
		c.decodeFailures.Add(1)
		return
	}
	if c.registry.Publish(env.Topic, env) == 0 {
		c.undelivered.Add(1)
	}
}

func (c *Channel) handleClose(gen uint64, code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.dropConnLocked()
	if code == CloseNormal {
		c.logf("connection closed normally")
		return
	}
	c.logf("connection closed with code %d, reconnecting in %s", code, c.reconnectDelay)
	c.scheduleReconnectLocked()
}

func (c *Channel) handleError(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.dropConnLocked()
	if c.allowReconnect {
		c.logf("transport error: %v, reconnecting in %s", err, c.reconnectDelay)
	}
	c.scheduleReconnectLocked()
}

func (c *Channel) dropConnLocked() {
	c.active = false
	c.connected = false
	c.conn = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// scheduleReconnectLocked arms the single reconnect timer. A pending timer is
// replaced, so bursts of failures coalesce into one attempt after the full
// delay. Nothing is scheduled once reconnection is disabled.
func (c *Channel) scheduleReconnectLocked() {
	c.stopReconnectLocked()
	if !c.allowReconnect {
		return
	}
	c.reconnectSeq++
	seq := c.reconnectSeq
	c.reconnectTimer = c.clock.AfterFunc(c.reconnectDelay, func() {
		c.fireReconnect(seq)
	})
}

func (c *Channel) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Channel) fireReconnect(seq uint64) {
	c.mu.Lock()
	if seq != c.reconnectSeq || c.reconnectTimer == nil || !c.allowReconnect {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.active = false
	c.mu.Unlock()
	c.Initialize()
}

// Dispose removes all subscriptions, disables reconnection, cancels any
// pending reconnect and closes an open connection with CloseNormal.
func (c *Channel) Dispose() {
	c.registry.Clear()

	c.mu.Lock()
	c.allowReconnect = false
	c.stopReconnectLocked()
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.active = false
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(CloseNormal, "dispose"); err != nil {
			c.logf("close on dispose: %v", err)
		}
	}
}

// Subscribe registers handler for topic.
func (c *Channel) Subscribe(topic string, handler Handler) SubscriptionID {
	return c.registry.Register(topic, handler)
}

// Unsubscribe removes every handler for topic.
func (c *Channel) Unsubscribe(topic string) int {
	return c.registry.UnregisterTopic(topic)
}

// Unregister removes the handler registered under id.
func (c *Channel) Unregister(id SubscriptionID) bool {
	return c.registry.Unregister(id)
}

// Publish delivers env to the handlers of topic and returns how many were
// called. Inbound frames are published this way; callers may also inject.
func (c *Channel) Publish(topic string, env codec.Envelope) int {
	return c.registry.Publish(topic, env)
}

// Stats is a point-in-time view of the channel.
type Stats struct {
	URL              string   `json:"url"`
	Connected        bool     `json:"connected"`
	ReconnectPending bool     `json:"reconnect_pending"`
	Dials            uint64   `json:"dials"`
	Frames           uint64   `json:"frames"`
	DecodeFailures   uint64   `json:"decode_failures"`
	Undelivered      uint64   `json:"undelivered"`
	Topics           []string `json:"topics"`
	Unsubscribed     []string `json:"unsubscribed"`
}

// Stats returns the current channel statistics.
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	connected := c.connected
	pending := c.reconnectTimer != nil
	c.mu.Unlock()
	return Stats{
		URL:              c.url,
		Connected:        connected,
		ReconnectPending: pending,
		Dials:            c.dials.Load(),
		Frames:           c.frames.Load(),
		DecodeFailures:   c.decodeFailures.Load(),
		Undelivered:      c.undelivered.Load(),
		Topics:           c.registry.Topics(),
		Unsubscribed:     c.registry.Unsubscribed(),
	}
}

// Connected reports whether the connection is open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Channel) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}
