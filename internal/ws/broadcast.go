package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mindlabs/quest-engine/internal/gamification"
)

// ErrTooManyConnections is returned by AddClient when maxConns is reached.
var ErrTooManyConnections = errors.New("too many websocket connections")

const sendBuffer = 64

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
}

// SnapshotFunc builds the state sent to a client on connect and on the
// periodic resync tick.
type SnapshotFunc func() SnapshotPayload

// Broadcaster fans gamification events out to WebSocket clients. It
// implements gamification.Notifier: Notify never blocks, and a client whose
// send buffer is full is disconnected rather than waited on.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	maxConns int
	seq      atomic.Uint64

	snapMu   sync.RWMutex
	snapshot SnapshotFunc

	throttle       time.Duration
	snapshotTicker *time.Ticker
	done           chan struct{}
	stopOnce       sync.Once

	flushMu      sync.Mutex
	pendingStats *gamification.PlayerStats
	flushTimer   *time.Timer
}

// NewBroadcaster creates a Broadcaster. Stats updates are coalesced to at
// most one message per throttle window, and a full snapshot is resent every
// snapshotInterval. maxConns <= 0 means unlimited.
func NewBroadcaster(throttle, snapshotInterval time.Duration, maxConns int) *Broadcaster {
	b := &Broadcaster{
		clients:  make(map[*client]bool),
		maxConns: maxConns,
		throttle: throttle,
		done:     make(chan struct{}),
	}

	b.snapshotTicker = time.NewTicker(snapshotInterval)
	go b.snapshotLoop()

	return b
}

// SetSnapshotFunc configures how snapshots are built. The stores take the
// broadcaster as their notifier, so this is wired after they exist.
func (b *Broadcaster) SetSnapshotFunc(fn SnapshotFunc) {
	b.snapMu.Lock()
	b.snapshot = fn
	b.snapMu.Unlock()
}

// Stop halts the snapshot loop and any pending flush.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		b.snapshotTicker.Stop()
		close(b.done)
		b.flushMu.Lock()
		if b.flushTimer != nil {
			b.flushTimer.Stop()
			b.flushTimer = nil
		}
		b.flushMu.Unlock()
	})
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	c := &client{
		conn: conn,
		b:    b,
		send: make(chan []byte, sendBuffer),
	}

	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	b.clients[c] = true
	b.mu.Unlock()

	go c.writePump()

	if data, ok := b.snapshotMessage(); ok {
		b.trySend(c, data)
	}

	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}

// Notify implements gamification.Notifier.
func (b *Broadcaster) Notify(ev gamification.Event) {
	if ev.Kind == gamification.EventStatsUpdated {
		b.queueStats(ev.Stats)
		return
	}
	b.broadcast(MessageType(ev.Kind), ev)
}

// SourceHealth pushes an event source status change to every client.
func (b *Broadcaster) SourceHealth(p SourceHealthPayload) {
	b.broadcast(MsgSourceHealth, p)
}

func (b *Broadcaster) queueStats(stats *gamification.PlayerStats) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.pendingStats = stats

	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	stats := b.pendingStats
	b.pendingStats = nil
	b.flushTimer = nil
	b.flushMu.Unlock()

	if stats == nil {
		return
	}
	b.broadcast(MsgStats, StatsPayload{Stats: stats})
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.done:
			return
		case <-b.snapshotTicker.C:
			if data, ok := b.snapshotMessage(); ok {
				b.send(data)
			}
		}
	}
}

func (b *Broadcaster) snapshotMessage() ([]byte, bool) {
	b.snapMu.RLock()
	fn := b.snapshot
	b.snapMu.RUnlock()
	if fn == nil {
		return nil, false
	}
	data, err := b.encode(MsgSnapshot, fn())
	return data, err == nil
}

func (b *Broadcaster) encode(typ MessageType, payload interface{}) ([]byte, error) {
	msg := WSMessage{Type: typ, Seq: b.seq.Add(1), Payload: payload}
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("broadcast marshal error", "type", typ, "error", err)
	}
	return data, err
}

func (b *Broadcaster) broadcast(typ MessageType, payload interface{}) {
	data, err := b.encode(typ, payload)
	if err != nil {
		return
	}
	b.send(data)
}

func (b *Broadcaster) send(data []byte) {
	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		b.trySend(c, data)
	}
}

// trySend delivers without blocking. The read lock keeps RemoveClient from
// closing c.send mid-send.
func (b *Broadcaster) trySend(c *client, data []byte) {
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
		slog.Warn("ws client too slow, disconnecting")
		b.RemoveClient(c)
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
