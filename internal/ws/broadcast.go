package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nblistener/backend/internal/event"
	"github.com/nblistener/backend/internal/logging"
	"github.com/nblistener/backend/internal/metrics"
	"github.com/nblistener/backend/internal/monitor"
	"github.com/nblistener/backend/internal/session"
	"github.com/rs/zerolog"
)

// ErrTooManyConnections is returned by AddClient when the connection limit
// is reached.
var ErrTooManyConnections = errors.New("too many websocket connections")

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
)

type client struct {
	id   string
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
	once sync.Once
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.log.Debug().Err(err).Str("client", c.id).Msg("ws write failed")
			c.b.RemoveClient(c)
			// Drain so RemoveClient's close lets the range end.
			for range c.send {
			}
			return
		}
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Broadcaster fans listener changes out to websocket clients. Changes are
// batched into one delta per throttle window; session ends, health and focus
// transitions go out immediately.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	listener *monitor.Listener
	active   *monitor.ActiveListener
	maxConns int
	metrics  *metrics.Metrics
	log      *zerolog.Logger

	throttle       time.Duration
	snapshotTicker *time.Ticker
	stopCh         chan struct{}
	stopOnce       sync.Once

	flushMu    sync.Mutex
	pending    []session.Change
	flushTimer *time.Timer

	changeHandle event.Handle
	healthHandle event.Handle
	activeHandle event.Handle
}

// NewBroadcaster subscribes to listener. snapshotInterval > 0 also resends a
// full snapshot periodically; maxConns <= 0 means unlimited.
func NewBroadcaster(listener *monitor.Listener, throttle, snapshotInterval time.Duration, maxConns int, m *metrics.Metrics) *Broadcaster {
	b := &Broadcaster{
		clients:  make(map[*client]bool),
		listener: listener,
		maxConns: maxConns,
		metrics:  m,
		log:      logging.Component("ws"),
		throttle: throttle,
		stopCh:   make(chan struct{}),
	}
	b.changeHandle = listener.Subscribe(b.onChange)
	b.healthHandle = listener.SubscribeHealth(b.onHealth)

	if snapshotInterval > 0 {
		b.snapshotTicker = time.NewTicker(snapshotInterval)
		go b.snapshotLoop()
	}
	return b
}

// AttachActive forwards focus transitions from a to clients.
func (b *Broadcaster) AttachActive(a *monitor.ActiveListener) {
	h := a.Subscribe(func(s monitor.ActiveState) {
		b.broadcast(WSMessage{Type: MsgActive, Payload: s})
	})
	b.mu.Lock()
	b.active = a
	b.activeHandle = h
	b.mu.Unlock()
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		b:    b,
		send: make(chan []byte, sendBuffer),
	}

	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	// Snapshot and registration share the write lock: a change missing from
	// the snapshot is broadcast after c joins, and the snapshot is queued
	// ahead of it.
	if data, err := json.Marshal(WSMessage{Type: MsgSnapshot, Payload: b.Snapshot()}); err == nil {
		c.send <- data
	}
	b.clients[c] = true
	n := len(b.clients)
	b.mu.Unlock()
	b.metrics.SetClients(n)

	go c.writePump()
	b.log.Debug().Str("client", c.id).Int("clients", n).Msg("ws client added")
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	_, ok := b.clients[c]
	if ok {
		delete(b.clients, c)
		c.close()
	}
	n := len(b.clients)
	b.mu.Unlock()
	if ok {
		b.metrics.SetClients(n)
	}
}

// Snapshot returns the full state sent to new clients.
func (b *Broadcaster) Snapshot() SnapshotPayload {
	return SnapshotPayload{
		Notebooks: b.listener.Notebooks(),
		Active:    b.listener.Active(),
		Source:    b.listener.SourceName(),
		Health:    b.listener.Health(),
	}
}

func (b *Broadcaster) onChange(c session.Change) {
	if c.Ended {
		b.broadcast(WSMessage{
			Type: MsgSessionEnded,
			Payload: SessionEndedPayload{
				Notebook:  c.Notebook,
				Path:      c.Path,
				SessionID: c.Previous.SessionID,
			},
		})
	}
	b.QueueChange(c)
}

func (b *Broadcaster) onHealth(r monitor.HealthReport) {
	b.broadcast(WSMessage{Type: MsgSourceHealth, Payload: r})
}

// QueueChange adds c to the next delta.
func (b *Broadcaster) QueueChange(c session.Change) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.pending = append(b.pending, c)
	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	changes := b.pending
	b.pending = nil
	b.flushTimer = nil
	b.flushMu.Unlock()

	if len(changes) == 0 {
		return
	}
	b.broadcast(WSMessage{Type: MsgDelta, Payload: DeltaPayload{Changes: changes}})
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.stopCh:
			return
		case <-b.snapshotTicker.C:
			b.broadcast(WSMessage{Type: MsgSnapshot, Payload: b.Snapshot()})
		}
	}
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Error().Err(err).Str("type", string(msg.Type)).Msg("broadcast marshal error")
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		b.sendTo(c, data)
	}
}

// sendTo queues data for c, disconnecting it if its buffer is full.
func (b *Broadcaster) sendTo(c *client, data []byte) {
	// Membership is checked under the read lock, so RemoveClient cannot
	// close c.send before the non-blocking send below.
	b.mu.RLock()
	if !b.clients[c] {
		b.mu.RUnlock()
		return
	}
	select {
	case c.send <- data:
		b.mu.RUnlock()
	default:
		b.mu.RUnlock()
		b.log.Warn().Str("client", c.id).Msg("ws client too slow, disconnecting")
		b.RemoveClient(c)
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Stop unsubscribes from the listener, stops timers and disconnects every
// client.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		b.listener.Unsubscribe(b.changeHandle)
		b.listener.UnsubscribeHealth(b.healthHandle)
		b.mu.RLock()
		a, h := b.active, b.activeHandle
		b.mu.RUnlock()
		if a != nil {
			a.Unsubscribe(h)
		}
		close(b.stopCh)
		if b.snapshotTicker != nil {
			b.snapshotTicker.Stop()
		}

		b.flushMu.Lock()
		if b.flushTimer != nil {
			b.flushTimer.Stop()
			b.flushTimer = nil
		}
		b.pending = nil
		b.flushMu.Unlock()

		b.mu.Lock()
		for c := range b.clients {
			delete(b.clients, c)
			c.close()
		}
		b.mu.Unlock()
		b.metrics.SetClients(0)
	})
}
