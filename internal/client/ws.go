// Package client talks to a running nblistener daemon over its websocket
// stream and REST API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nblistener/backend/internal/logging"
	"github.com/nblistener/backend/internal/monitor"
	"github.com/nblistener/backend/internal/ws"
	"github.com/rs/zerolog"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 30 * time.Second
)

// ErrNotConnected is returned by Send while no connection is open.
var ErrNotConnected = errors.New("not connected")

// Handler receives decoded stream messages. Nil callbacks are skipped.
// Callbacks run on the read goroutine.
type Handler struct {
	Connected    func()
	Disconnected func(err error)
	Snapshot     func(ws.SnapshotPayload)
	Delta        func(ws.DeltaPayload)
	SessionEnded func(ws.SessionEndedPayload)
	SourceHealth func(monitor.HealthReport)
	Active       func(monitor.ActiveState)
	Error        func(ws.ErrorPayload)
}

// WSClient keeps a websocket connection to the daemon open, reconnecting
// with exponential backoff.
type WSClient struct {
	url     string
	handler Handler
	log     *zerolog.Logger

	baseDelay time.Duration
	maxDelay  time.Duration

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
}

// NewWSClient targets wsURL (e.g. "ws://127.0.0.1:8080/ws"). A non-empty
// token is sent as the token query parameter.
func NewWSClient(wsURL, token string, h Handler) (*WSClient, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", wsURL, err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return &WSClient{
		url:       u.String(),
		handler:   h,
		log:       logging.Component("client"),
		baseDelay: reconnectBaseDelay,
		maxDelay:  reconnectMaxDelay,
	}, nil
}

// Run connects and dispatches messages until ctx is cancelled. Dropped
// connections are redialled.
func (c *WSClient) Run(ctx context.Context) error {
	delay := c.baseDelay
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.log.Debug().Err(err).Dur("retry", delay).Msg("ws dial failed")
			if !sleepCtx(ctx, delay) {
				return ctx.Err()
			}
			delay = min(delay*2, c.maxDelay)
			continue
		}
		delay = c.baseDelay

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		if c.handler.Connected != nil {
			c.handler.Connected()
		}

		err = c.readLoop(ctx, conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()

		if c.handler.Disconnected != nil {
			c.handler.Disconnected(err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Info().Err(err).Msg("ws connection lost, reconnecting")
	}
}

func (c *WSClient) readLoop(ctx context.Context, conn *websocket.Conn) error {
	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.pingLoop(pingCtx, conn)

	// Unblock ReadMessage on shutdown.
	go func() {
		<-pingCtx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg ws.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug().Err(err).Msg("undecodable ws message")
			continue
		}
		if err := c.dispatch(msg); err != nil {
			c.log.Debug().Err(err).Str("type", string(msg.Type)).Msg("bad ws payload")
		}
	}
}

func (c *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Send writes a client message such as notebook_opened or current_changed.
func (c *WSClient) Send(typ ws.MessageType, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(ws.ClientMessage{Type: typ, Payload: raw})
}

func (c *WSClient) dispatch(msg ws.ClientMessage) error {
	h := c.handler
	switch msg.Type {
	case ws.MsgSnapshot:
		return decodeInto(msg.Payload, h.Snapshot)
	case ws.MsgDelta:
		return decodeInto(msg.Payload, h.Delta)
	case ws.MsgSessionEnded:
		return decodeInto(msg.Payload, h.SessionEnded)
	case ws.MsgSourceHealth:
		return decodeInto(msg.Payload, h.SourceHealth)
	case ws.MsgActive:
		return decodeInto(msg.Payload, h.Active)
	case ws.MsgError:
		return decodeInto(msg.Payload, h.Error)
	}
	return nil
}

func decodeInto[T any](raw json.RawMessage, fn func(T)) error {
	if fn == nil {
		return nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	fn(v)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
