// Package wsbus implements the broker transport over a websocket connection
// to the backend. Messages are JSON envelopes carrying a topic string and an
// opaque payload; the broker fans each envelope out to every other client
// subscribed to that topic.
package wsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/watchbox/boxsync/internal/transport"
	"github.com/watchbox/boxsync/internal/util"
)

const (
	defaultReconnectDelay   = 2 * time.Second
	defaultMaxRedials       = 5
	defaultWriteTimeout     = 5 * time.Second
	defaultHandshakeTimeout = 3 * time.Second

	// recentCap is how many bus events the diagnostics ring keeps.
	recentCap = 256
)

// Envelope is the wire format between client and broker.
type Envelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Event is one entry in the diagnostics ring: a frame sent, received, or
// dropped by this client.
type Event struct {
	Dir   string // "send" | "recv" | "drop"
	Topic string
	At    time.Time
}

// Config for the websocket bus.
type Config struct {
	// Endpoint is the broker websocket URL, e.g. "wss://host/ws".
	Endpoint string

	// ReconnectDelay is the fixed backoff between redial attempts.
	ReconnectDelay time.Duration

	// MaxRedials bounds the redial attempts after a drop; past it the bus
	// goes terminally Lost.
	MaxRedials int

	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
}

func (c *Config) fill() {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.MaxRedials <= 0 {
		c.MaxRedials = defaultMaxRedials
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
}

// Client is a transport.Bus over one websocket connection.
type Client struct {
	cfg Config

	connMu sync.Mutex
	conn   *websocket.Conn

	stateMu   sync.RWMutex
	state     transport.State
	stateSubs map[int]func(transport.State)
	stateSeq  int

	subMu  sync.RWMutex
	subs   map[string]map[int]transport.Handler
	subSeq int

	recent *util.RingBuffer[Event]

	done      chan struct{}
	closeOnce sync.Once
}

var _ transport.Bus = (*Client)(nil)

// New creates a client for the given broker endpoint. The link is down until
// Connect succeeds.
func New(cfg Config) *Client {
	cfg.fill()
	return &Client{
		cfg:       cfg,
		state:     transport.StateReconnecting,
		stateSubs: make(map[int]func(transport.State)),
		subs:      make(map[string]map[int]transport.Handler),
		recent:    util.NewRingBuffer[Event](recentCap),
		done:      make(chan struct{}),
	}
}

// Connect dials the broker and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", transport.ErrConnectError, c.cfg.Endpoint, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.setState(transport.StateConnected)
	go c.readLoop(conn)

	log.Printf("BUS: connected to %s", c.cfg.Endpoint)
	return nil
}

// Subscribe registers fn for messages on topic. The returned func removes
// the registration; it is safe to call more than once.
func (c *Client) Subscribe(topic string, fn transport.Handler) (func(), error) {
	select {
	case <-c.done:
		return nil, transport.ErrClosed
	default:
	}

	c.subMu.Lock()
	c.subSeq++
	id := c.subSeq
	if c.subs[topic] == nil {
		c.subs[topic] = make(map[int]transport.Handler)
	}
	c.subs[topic][id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		if m := c.subs[topic]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(c.subs, topic)
			}
		}
		c.subMu.Unlock()
	}, nil
}

// Publish sends payload on topic. Best-effort: a down link drops the frame
// and logs it, so sync commands never queue up across a reconnect.
func (c *Client) Publish(topic string, payload any) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("wsbus: marshal payload for %s: %w", topic, err)
	}
	data, err := json.Marshal(Envelope{Topic: topic, Payload: raw})
	if err != nil {
		return fmt.Errorf("wsbus: marshal envelope for %s: %w", topic, err)
	}

	if c.State() != transport.StateConnected {
		log.Printf("BUS: link down, dropping publish on %s", topic)
		c.recent.Push(Event{Dir: "drop", Topic: topic, At: time.Now()})
		return nil
	}

	c.connMu.Lock()
	conn := c.conn
	if conn == nil {
		c.connMu.Unlock()
		log.Printf("BUS: no connection, dropping publish on %s", topic)
		c.recent.Push(Event{Dir: "drop", Topic: topic, At: time.Now()})
		return nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.connMu.Unlock()

	if err != nil {
		// The read loop will see the broken conn and start redialing.
		log.Printf("BUS: write on %s failed: %v", topic, err)
		c.recent.Push(Event{Dir: "drop", Topic: topic, At: time.Now()})
		return nil
	}

	c.recent.Push(Event{Dir: "send", Topic: topic, At: time.Now()})
	return nil
}

// State reports the current link state.
func (c *Client) State() transport.State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// OnStateChange registers fn for link state transitions.
func (c *Client) OnStateChange(fn func(transport.State)) func() {
	c.stateMu.Lock()
	c.stateSeq++
	id := c.stateSeq
	c.stateSubs[id] = fn
	c.stateMu.Unlock()

	return func() {
		c.stateMu.Lock()
		delete(c.stateSubs, id)
		c.stateMu.Unlock()
	}
}

// Recent returns the latest bus events, oldest first.
func (c *Client) Recent() []Event {
	return c.recent.Snapshot()
}

// Close tears the link down. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.connMu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()
		c.setState(transport.StateLost)
		log.Printf("BUS: closed")
	})
	return nil
}

// readLoop reads frames from one connection until it breaks, then hands off
// to the redial loop. Handlers run inline here, so a topic's messages are
// delivered in arrival order.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			log.Printf("BUS: read failed: %v", err)
			c.redial()
			return
		}
		c.dispatch(data)
	}
}

// dispatch decodes one envelope and invokes every handler on its topic.
// Malformed frames are logged and dropped, never fatal.
func (c *Client) dispatch(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("BUS: malformed frame: %v", err)
		c.recent.Push(Event{Dir: "drop", Topic: "?", At: time.Now()})
		return
	}

	c.subMu.RLock()
	handlers := make([]transport.Handler, 0, len(c.subs[env.Topic]))
	for _, fn := range c.subs[env.Topic] {
		handlers = append(handlers, fn)
	}
	c.subMu.RUnlock()

	c.recent.Push(Event{Dir: "recv", Topic: env.Topic, At: time.Now()})
	for _, fn := range handlers {
		fn(env.Payload)
	}
}

// redial tries to re-establish the link with a fixed backoff. Past the
// redial budget the bus goes terminally Lost — the caller's state listener
// is told once, instead of the bus retrying forever.
func (c *Client) redial() {
	c.setState(transport.StateReconnecting)

	for attempt := 1; attempt <= c.cfg.MaxRedials; attempt++ {
		select {
		case <-c.done:
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}

		dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
		conn, _, err := dialer.Dial(c.cfg.Endpoint, nil)
		if err != nil {
			log.Printf("BUS: redial %d/%d failed: %v", attempt, c.cfg.MaxRedials, err)
			continue
		}

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()

		c.setState(transport.StateConnected)
		log.Printf("BUS: reconnected after %d attempt(s)", attempt)
		go c.readLoop(conn)
		return
	}

	log.Printf("BUS: redial budget exhausted, giving up: %v", transport.ErrConnectionLost)
	c.setState(transport.StateLost)
}

func (c *Client) setState(s transport.State) {
	c.stateMu.Lock()
	if c.state == s {
		c.stateMu.Unlock()
		return
	}
	c.state = s
	fns := make([]func(transport.State), 0, len(c.stateSubs))
	for _, fn := range c.stateSubs {
		fns = append(fns, fn)
	}
	c.stateMu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}
