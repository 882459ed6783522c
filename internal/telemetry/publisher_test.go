package telemetry

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"wlmd/internal/state"
)

func dialTelemetry(t *testing.T, p *Publisher) *websocket.Conn {
	t.Helper()
	u := url.URL{Scheme: "ws", Host: p.Addr().String(), Path: "/telemetry"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", u.String(), err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readLine(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(msg)
}

func TestPublishFormat(t *testing.T) {
	t.Parallel()
	store := state.New(map[int]string{1: "Ch_1", 4: "Ch_4"})
	store.Update(func(s *state.Snapshot) {
		c := s.Channels[4]
		c.Frequency = 348.666410000
		c.Valid = true
		s.Channels[4] = c
	})

	p := NewPublisher(store, 10*time.Millisecond, nil)
	if err := p.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(p.Close)

	conn := dialTelemetry(t, p)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	// Every cycle is a heartbeat followed by one line per channel in
	// ascending id order.
	if got := readLine(t, conn); got != "heartbeat" {
		t.Fatalf("first frame = %q, want heartbeat", got)
	}
	if got := readLine(t, conn); got != "1 0" {
		t.Fatalf("channel 1 frame = %q", got)
	}
	if got := readLine(t, conn); got != "4 348.66641" {
		t.Fatalf("channel 4 frame = %q", got)
	}
}

func TestHeartbeatKeepsComingWhenIdle(t *testing.T) {
	t.Parallel()
	store := state.New(map[int]string{1: "Ch_1"})
	p := NewPublisher(store, 10*time.Millisecond, nil)
	if err := p.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(p.Close)

	conn := dialTelemetry(t, p)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	beats := 0
	for i := 0; i < 6; i++ {
		if readLine(t, conn) == "heartbeat" {
			beats++
		}
	}
	if beats < 2 {
		t.Fatalf("got %d heartbeats in 6 frames", beats)
	}
}

func TestSinkReceivesSnapshots(t *testing.T) {
	t.Parallel()
	store := state.New(map[int]string{1: "Ch_1"})

	got := make(chan state.Snapshot, 1)
	sink := func(snap state.Snapshot) {
		select {
		case got <- snap:
		default:
		}
	}
	p := NewPublisher(store, 10*time.Millisecond, sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	select {
	case snap := <-got:
		if _, ok := snap.Channels[1]; !ok {
			t.Fatalf("sink snapshot missing channel 1: %+v", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sink never called")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	t.Parallel()
	store := state.New(map[int]string{1: "Ch_1"})
	p := NewPublisher(store, time.Hour, nil)

	// A full send queue must be skipped, not waited on.
	c := &client{send: make(chan []byte)}
	p.mu.Lock()
	p.clients[c] = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.publish(store.Read())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestDisconnectRemovesSubscriber(t *testing.T) {
	t.Parallel()
	store := state.New(map[int]string{1: "Ch_1"})
	p := NewPublisher(store, 10*time.Millisecond, nil)
	if err := p.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(p.Close)

	conn := dialTelemetry(t, p)
	waitForClients(t, p, 1)
	conn.Close()
	waitForClients(t, p, 0)
}

func waitForClients(t *testing.T, p *Publisher, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.RLock()
		n := len(p.clients)
		p.mu.RUnlock()
		if n == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscriber count never reached %d", want)
}

func TestPublishLineOrdering(t *testing.T) {
	t.Parallel()
	store := state.New(map[int]string{3: "c", 1: "a", 2: "b"})
	snap := store.Read()
	ids := sortedChannels(snap)
	if len(ids) != 3 || ids[0] != 1 || ids[1] != 2 || ids[2] != 3 {
		t.Fatalf("sortedChannels = %v", ids)
	}
}
