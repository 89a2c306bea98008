package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ErrNotConnected is returned when a write is attempted before Connect.
var ErrNotConnected = errors.New("ws not connected")

// Client maintains a single websocket connection to a Hyperliquid
// stream endpoint. Subscriptions are remembered and replayed whenever
// the connection is re-established.
type Client struct {
	url          string
	redialAfter  time.Duration
	pingInterval time.Duration
	log          *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	subs []any
}

func New(url string, redialAfter, pingInterval time.Duration, log *zap.Logger) *Client {
	return &Client{url: url, redialAfter: redialAfter, pingInterval: pingInterval, log: log}
}

// Connect dials the endpoint if no connection is open yet.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

// Subscribe sends the subscription now and records it for replay after
// a reconnect.
func (c *Client) Subscribe(ctx context.Context, sub any) error {
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.send(ctx, conn, sub)
}

// Run reads messages and hands each to handler until ctx is canceled.
// Connection failures trigger a redial after the configured delay.
func (c *Client) Run(ctx context.Context, handler func(json.RawMessage)) error {
	for {
		err := c.session(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if c.log != nil {
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					c.log.Info("ws read loop ended", zap.Error(err))
				} else {
					c.log.Warn("ws read loop ended", zap.Error(err))
				}
			}
			c.drop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.redialAfter):
			}
		}
	}
}

// session connects, replays subscriptions, and reads until the
// connection breaks or ctx ends. A ping writer runs alongside the
// reader for the lifetime of the session.
func (c *Client) session(ctx context.Context, handler func(json.RawMessage)) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	subs := append([]any(nil), c.subs...)
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	for _, sub := range subs {
		if err := c.send(ctx, conn, sub); err != nil {
			return err
		}
	}

	pingCtx, stopPing := context.WithCancel(ctx)
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		c.keepAlive(pingCtx, conn)
	}()
	defer func() {
		stopPing()
		<-pingDone
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

func (c *Client) keepAlive(ctx context.Context, conn *websocket.Conn) {
	if c.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(ctx, conn, map[string]any{"method": "ping"}); err != nil {
				return
			}
		}
	}
}

func (c *Client) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "reset")
		c.conn = nil
	}
}

func (c *Client) send(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
