// Package signal implements core.SignalingClient over a websocket carrying
// {"event": name, "data": payload} frames.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/VoiceRoom/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure     = errors.New("backpressure")
	ErrClosed           = errors.New("connection closed")
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
)

const (
	DefaultSendQueue  = 64
	DefaultWriteWait  = 5 * time.Second
	DefaultPingPeriod = 54 * time.Second
	DefaultReadLimit  = 1 << 20
)

type Options struct {
	Header     http.Header
	SendQueue  int
	WriteWait  time.Duration
	PingPeriod time.Duration
	ReadLimit  int64
	Dialer     *websocket.Dialer
}

func (o *Options) defaults() {
	if o.SendQueue <= 0 {
		o.SendQueue = DefaultSendQueue
	}
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultWriteWait
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = DefaultPingPeriod
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = DefaultReadLimit
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

// envelope is one frame on the wire.
type envelope struct {
	Event core.Event      `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client is a websocket SignalingClient. Handlers are invoked on the read
// pump in arrival order. A Client is single use: once Done is closed it
// cannot be connected again.
type Client struct {
	url  string
	opts Options
	log  zerolog.Logger

	hmu      sync.RWMutex
	handlers map[core.Event]map[uint64]core.Handler
	nextID   uint64

	mu      sync.RWMutex
	conn    *websocket.Conn
	send    chan []byte
	started bool
	closed  bool
	cancel  context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

func NewClient(url string, opts Options) *Client {
	opts.defaults()
	return &Client{
		url:      url,
		opts:     opts,
		log:      log.With().Str("module", "signal").Str("url", url).Logger(),
		handlers: make(map[core.Event]map[uint64]core.Handler),
		done:     make(chan struct{}),
	}
}

// Connect dials the server. ctx bounds the dial only; the connection lives
// until Disconnect or a channel failure.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.started = true
	c.mu.Unlock()

	ws, _, err := c.opts.Dialer.DialContext(ctx, c.url, c.opts.Header)
	if err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	ws.SetReadLimit(c.opts.ReadLimit)

	pctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		_ = ws.Close()
		return ErrClosed
	}
	c.conn = ws
	c.send = make(chan []byte, c.opts.SendQueue)
	c.cancel = cancel
	c.mu.Unlock()

	go c.writePump(pctx, ws)
	go c.readPump(pctx, ws)

	c.log.Info().Msg("connected")
	return nil
}

type subscription struct {
	once sync.Once
	fn   func()
}

func (s *subscription) Unsubscribe() { s.once.Do(s.fn) }

// On registers h for event. The returned handle releases exactly this
// registration.
func (c *Client) On(event core.Event, h core.Handler) core.Subscription {
	c.hmu.Lock()
	id := c.nextID
	c.nextID++
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[uint64]core.Handler)
	}
	c.handlers[event][id] = h
	c.hmu.Unlock()

	return &subscription{fn: func() {
		c.hmu.Lock()
		delete(c.handlers[event], id)
		if len(c.handlers[event]) == 0 {
			delete(c.handlers, event)
		}
		c.hmu.Unlock()
	}}
}

// Emit queues one event for the write pump. It never blocks; a full queue
// returns ErrBackpressure.
func (c *Client) Emit(event core.Event, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	frame, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	return c.trySend(frame)
}

func (c *Client) trySend(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	if c.send == nil {
		return ErrNotConnected
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrBackpressure
	}
}

// Disconnect closes the channel. It does not wait for the pumps, so it is
// safe to call from a handler.
func (c *Client) Disconnect() error {
	c.shutdown(nil)
	return nil
}

// shutdown closes the connection once and records cause as the reason Done
// was closed.
func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ws, cancel := c.conn, c.cancel
	c.mu.Unlock()

	c.finish(cause)
	if cancel != nil {
		cancel()
	}
	if ws != nil {
		if cause == nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		_ = ws.Close()
	}
	if cause != nil {
		c.log.Error().Err(cause).Msg("connection lost")
		return
	}
	c.log.Info().Msg("disconnected")
}

func (c *Client) finish(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// dispatch runs the handlers registered for env.Event in registration order.
func (c *Client) dispatch(env envelope) {
	c.hmu.RLock()
	set := c.handlers[env.Event]
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	hs := make([]core.Handler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, set[id])
	}
	c.hmu.RUnlock()

	if len(hs) == 0 {
		c.log.Debug().Str("event", string(env.Event)).Msg("no handler")
		return
	}
	for _, h := range hs {
		h(env.Data)
	}
}
