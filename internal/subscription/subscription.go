// Package subscription keeps cached query results live over a WebSocket.
//
// A Client holds one connection and multiplexes any number of
// subscriptions over it. Every update the server pushes is written into
// the query cache under cache.QueryKey(function, args) before it is
// offered on the subscription's Updates channel, so readers of the cache
// and readers of the channel agree on the latest value.
//
// Frames are canonical wire objects:
//
//	client: {"type":"subscribe","id":n,"path":fn,"args":{...}}
//	client: {"type":"unsubscribe","id":n}
//	server: {"type":"update","id":n,"value":v}
//	server: {"type":"error","id":n,"errorMessage":msg,"errorData":d}
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/tether/internal/cache"
	"github.com/roach88/tether/internal/clienterr"
	"github.com/roach88/tether/internal/wire"
)

// ErrClosed is returned by operations on a closed Client.
var ErrClosed = clienterr.New(clienterr.KindCancelled, "subscription client closed")

const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameUpdate      = "update"
	frameError       = "error"
)

// DefaultReadLimit bounds a single inbound frame.
const DefaultReadLimit = 16 << 20

// Client multiplexes query subscriptions over one WebSocket connection.
type Client struct {
	conn  *websocket.Conn
	cache cache.Cache

	wmu sync.Mutex // guards writes; gorilla allows one concurrent writer

	mu     sync.Mutex
	subs   map[int64]*Subscription
	nextID int64
	err    error

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures Dial.
type Option func(*dialConfig)

type dialConfig struct {
	dialer    *websocket.Dialer
	readLimit int64
	header    map[string][]string
}

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *dialConfig) {
		c.dialer = d
	}
}

// WithReadLimit overrides DefaultReadLimit.
func WithReadLimit(n int64) Option {
	return func(c *dialConfig) {
		c.readLimit = n
	}
}

// WithHeader adds a header to the handshake request.
func WithHeader(key, value string) Option {
	return func(c *dialConfig) {
		if c.header == nil {
			c.header = make(map[string][]string)
		}
		c.header[key] = append(c.header[key], value)
	}
}

// Dial connects to url and starts the read loop. Updates are written into c.
func Dial(ctx context.Context, url string, c cache.Cache, opts ...Option) (*Client, error) {
	cfg := dialConfig{dialer: websocket.DefaultDialer, readLimit: DefaultReadLimit}
	for _, opt := range opts {
		opt(&cfg)
	}

	conn, _, err := cfg.dialer.DialContext(ctx, url, cfg.header)
	if err != nil {
		if ctx.Err() != nil {
			return nil, clienterr.Cancelled(ctx.Err())
		}
		return nil, clienterr.Wrap(clienterr.KindConnectionFailure, err, "dial %s", url)
	}
	conn.SetReadLimit(cfg.readLimit)

	cl := &Client{
		conn:  conn,
		cache: c,
		subs:  make(map[int64]*Subscription),
		done:  make(chan struct{}),
	}
	go cl.readLoop()

	slog.Debug("subscription client connected", "url", url)
	return cl, nil
}

// Subscribe registers interest in function(args). The returned
// Subscription receives every value the server pushes for it.
func (c *Client) Subscribe(ctx context.Context, function string, args any) (*Subscription, error) {
	if args == nil {
		args = wire.Object{}
	}
	argVal, err := wire.ToValue(args)
	if err != nil {
		return nil, err
	}
	key, err := cache.QueryKey(function, argVal)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	sub := &Subscription{
		ID:       c.nextID,
		Function: function,
		Key:      key,
		client:   c,
		updates:  make(chan wire.Value, 1),
	}
	c.subs[sub.ID] = sub
	c.mu.Unlock()

	err = c.write(ctx, wire.Object{
		"type": wire.String(frameSubscribe),
		"id":   wire.Float64(sub.ID),
		"path": wire.String(function),
		"args": argVal,
	})
	if err != nil {
		c.remove(sub.ID)
		sub.finish(err)
		return nil, err
	}

	slog.Debug("subscribed", "function", function, "subscription_id", sub.ID)
	return sub, nil
}

// Active returns the number of live subscriptions.
func (c *Client) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Done is closed once the read loop has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends every subscription with ErrClosed and closes the connection.
// It waits for the read loop to exit.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.shutdown(ErrClosed)

		c.wmu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		_ = c.conn.Close()
	})
	<-c.done
	return nil
}

func (c *Client) write(ctx context.Context, frame wire.Object) error {
	data, err := wire.EncodeBytes(frame)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := ctx.Err(); err != nil {
		return clienterr.Cancelled(err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if cerr := c.Err(); cerr != nil {
			return cerr
		}
		return clienterr.Wrap(clienterr.KindConnectionFailure, err, "write %s frame", frame["type"])
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("subscription connection lost", "error", err)
			}
			c.shutdown(clienterr.Wrap(clienterr.KindConnectionFailure, err, "subscription connection closed"))
			return
		}
		if err := c.dispatch(data); err != nil {
			slog.Warn("dropping subscription frame", "error", err)
		}
	}
}

func (c *Client) dispatch(data []byte) error {
	v, err := wire.DecodeBytes(data)
	if err != nil {
		return err
	}
	frame, ok := v.(wire.Object)
	if !ok {
		return clienterr.New(clienterr.KindMalformedValue, "frame is %T, not an object", v)
	}
	typ, err := field[string](frame, "type", wire.AsString)
	if err != nil {
		return err
	}
	id, err := field[int64](frame, "id", wire.AsInt64)
	if err != nil {
		return err
	}

	c.mu.Lock()
	sub := c.subs[id]
	c.mu.Unlock()
	if sub == nil {
		slog.Debug("frame for unknown subscription", "subscription_id", id, "type", typ)
		return nil
	}

	switch typ {
	case frameUpdate:
		value, ok := frame.Get("value")
		if !ok {
			value = wire.Null{}
		}
		if err := c.cache.Set(context.Background(), sub.Key, value); err != nil {
			return fmt.Errorf("cache %s: %w", sub.Key, err)
		}
		sub.deliver(value)
		return nil

	case frameError:
		msg, _ := field[string](frame, "errorMessage", wire.AsString)
		rerr := clienterr.New(clienterr.KindRemoteFunction, "%s", msg)
		if d, ok := frame.Get("errorData"); ok {
			rerr.Data = d
		}
		c.remove(id)
		sub.finish(rerr)
		slog.Warn("subscription failed", "function", sub.Function, "subscription_id", id, "error", msg)
		return nil
	}
	return clienterr.New(clienterr.KindMalformedValue, "unknown frame type %q", typ)
}

func field[T any](frame wire.Object, name string, as func(wire.Value) (T, error)) (T, error) {
	v, ok := frame.Get(name)
	if !ok {
		var zero T
		return zero, clienterr.New(clienterr.KindMalformedValue, "frame missing %q", name)
	}
	return as(v)
}

func (c *Client) remove(id int64) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

// shutdown records the first terminal error and ends every subscription.
func (c *Client) shutdown(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	err = c.err
	subs := c.subs
	c.subs = make(map[int64]*Subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.finish(err)
	}
}

// Subscription is one live query.
type Subscription struct {
	ID       int64
	Function string
	Key      string

	client  *Client
	updates chan wire.Value

	mu     sync.Mutex
	closed bool
	err    error
}

// Updates delivers pushed values. A slow reader sees only the latest
// value, which is also what the cache holds. The channel closes when the
// subscription ends.
func (s *Subscription) Updates() <-chan wire.Value {
	return s.updates
}

// Err returns why the subscription ended, or nil while it is live or
// after a clean Unsubscribe.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Unsubscribe tells the server to stop and closes Updates.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	s.client.mu.Lock()
	_, live := s.client.subs[s.ID]
	delete(s.client.subs, s.ID)
	s.client.mu.Unlock()
	if !live {
		return nil
	}

	s.finish(nil)
	err := s.client.write(ctx, wire.Object{
		"type": wire.String(frameUnsubscribe),
		"id":   wire.Float64(s.ID),
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// deliver offers v without blocking, replacing an unread value.
func (s *Subscription) deliver(v wire.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.updates <- v:
	default:
		select {
		case <-s.updates:
		default:
		}
		s.updates <- v
	}
}

func (s *Subscription) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.updates)
}
