// Package telemetry broadcasts periodic snapshots of the shared store.
// Delivery is fire-and-forget: no acknowledgement, no retry, and a slow
// subscriber's frames are dropped rather than buffered without bound.
package telemetry

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"wlmd/internal/state"
)

const heartbeat = "heartbeat"

// SnapshotSink receives each published snapshot (optional MQTT emitter).
type SnapshotSink func(state.Snapshot)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// writePump drains the client's send queue onto the websocket connection.
func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// Publisher serves /telemetry and broadcasts a heartbeat plus one
// "<channel> <frequency>" line per channel every period. It never touches
// the device and never blocks beyond one store read per tick.
type Publisher struct {
	store  *state.Store
	period time.Duration
	sink   SnapshotSink

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]bool

	listener net.Listener
	srv      *http.Server
}

// NewPublisher wires a publisher; sink may be nil.
func NewPublisher(store *state.Store, period time.Duration, sink SnapshotSink) *Publisher {
	if period <= 0 {
		period = 100 * time.Millisecond
	}
	return &Publisher{
		store:   store,
		period:  period,
		sink:    sink,
		clients: make(map[*client]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Listen binds the telemetry endpoint.
func (p *Publisher) Listen(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	p.listener = l

	mux := http.NewServeMux()
	mux.HandleFunc("/telemetry", p.handleSubscribe)
	p.srv = &http.Server{Handler: mux}
	go func() {
		if err := p.srv.Serve(l); err != nil && err != http.ErrServerClosed {
			log.Printf("telemetry: serve: %v", err)
		}
	}()
	log.Printf("telemetry: listening on %s", l.Addr())
	return nil
}

// Addr returns the bound address, for tests using ":0".
func (p *Publisher) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

func (p *Publisher) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("telemetry: upgrade: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 256)}

	p.mu.Lock()
	p.clients[c] = true
	p.mu.Unlock()
	log.Printf("telemetry: subscriber connected (%s)", conn.RemoteAddr())

	go c.writePump()

	// Read pump exists only to notice disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	p.mu.Lock()
	delete(p.clients, c)
	p.mu.Unlock()
	close(c.send)
	log.Printf("telemetry: subscriber disconnected (%s)", conn.RemoteAddr())
}

// Run broadcasts until ctx is canceled.
func (p *Publisher) Run(ctx context.Context) error {
	tick := time.NewTicker(p.period)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			snap := p.store.Read()
			p.publish(snap)
			if p.sink != nil {
				p.sink(snap)
			}
		}
	}
}

func (p *Publisher) publish(snap state.Snapshot) {
	p.broadcast([]byte(heartbeat))
	for _, id := range sortedChannels(snap) {
		ch := snap.Channels[id]
		line := fmt.Sprintf("%d %s", id, strconv.FormatFloat(ch.Frequency, 'f', -1, 64))
		p.broadcast([]byte(line))
	}
}

// broadcast fans a frame out to every subscriber, dropping it for any
// client whose queue is full.
func (p *Publisher) broadcast(msg []byte) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for c := range p.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// Close shuts the endpoint down and disconnects subscribers.
func (p *Publisher) Close() {
	if p.srv != nil {
		p.srv.Close()
	}
}

func sortedChannels(snap state.Snapshot) []int {
	ids := make([]int, 0, len(snap.Channels))
	for id := range snap.Channels {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
