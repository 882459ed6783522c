package owner

import (
	"errors"
	"log"
)

// Quantity identifies one writable or checkable device quantity. String ids
// are shared by the write queue, the command protocol, and persistence.
type Quantity string

const (
	QtySetpoint  Quantity = "setpoint"
	QtyVolt      Quantity = "volt"
	QtyLock      Quantity = "lock"
	QtyUse       Quantity = "use"
	QtyShow      Quantity = "show"
	QtyAutocal   Quantity = "autocal"
	QtyDevMode   Quantity = "devmode"
	QtyFrequency Quantity = "frequency" // read-only

	QtyPIDP     Quantity = "pid.p"
	QtyPIDI     Quantity = "pid.i"
	QtyPIDD     Quantity = "pid.d"
	QtyPIDT     Quantity = "pid.t"
	QtyPIDDt    Quantity = "pid.dt"
	QtyPIDUseTa Quantity = "pid.useta"

	QtyDevPolarity Quantity = "dev.polarity"
	QtyDevFactor   Quantity = "dev.factor"
	QtyDevExp      Quantity = "dev.exp"
	QtyDevUnit     Quantity = "dev.unit"
	QtyDevSource   Quantity = "dev.source"

	QtyBoundsMin    Quantity = "bounds.min"
	QtyBoundsMax    Quantity = "bounds.max"
	QtyBoundsRefAt  Quantity = "bounds.refat"
	QtyBoundsRefMid Quantity = "bounds.refmid"
)

// Origin tags who asked for a write. Only local writes get a pending marker.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

// WriteRequest is one unit of work for the device owner loop: write the
// quantity, read it back, publish the confirmed value.
type WriteRequest struct {
	Channel  int
	Quantity Quantity
	Value    float64
	Origin   Origin
}

// ErrQueueFull is reported when a producer is rejected by the overflow
// policy (reject newest, log).
var ErrQueueFull = errors.New("write queue full")

// Queue is the multi-producer/single-consumer write-request queue. FIFO,
// bounded, never blocks a producer.
type Queue struct {
	ch chan WriteRequest
}

// NewQueue creates a queue with the given capacity (256 when size <= 0).
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 256
	}
	return &Queue{ch: make(chan WriteRequest, size)}
}

// TryEnqueue appends the request, or rejects it when the queue is full.
func (q *Queue) TryEnqueue(req WriteRequest) error {
	select {
	case q.ch <- req:
		return nil
	default:
		log.Printf("owner: dropping write %s ch%d (%v)", req.Quantity, req.Channel, ErrQueueFull)
		return ErrQueueFull
	}
}

// TryDequeue removes the oldest request without blocking.
func (q *Queue) TryDequeue() (WriteRequest, bool) {
	select {
	case req := <-q.ch:
		return req, true
	default:
		return WriteRequest{}, false
	}
}

// Len reports the number of queued requests.
func (q *Queue) Len() int { return len(q.ch) }
