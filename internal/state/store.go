package state

import (
	"math"
	"sync"
	"time"
)

// PendingTTL bounds how long a locally requested value suppresses the
// stale device read-back before the marker expires on its own.
const PendingTTL = time.Second

// PID holds the regulator gains for one channel. UseTa selects between the
// two derived-gain formulas the instrument supports.
type PID struct {
	P     float64 `json:"p"`
	I     float64 `json:"i"`
	D     float64 `json:"d"`
	T     float64 `json:"t"`
	Dt    float64 `json:"dt"`
	UseTa bool    `json:"use_ta"`
}

// Deviation holds the deviation-output settings for one channel.
type Deviation struct {
	Polarity          int     `json:"polarity"`
	SensitivityFactor float64 `json:"sensitivity_factor"`
	SensitivityExp    int     `json:"sensitivity_exp"`
	Unit              int     `json:"unit"`
	SourceChannel     int     `json:"source_channel"`
}

// Bounds holds the deviation bounds for one channel. RefMid true means the
// reference point is auto-centered between Min and Max rather than RefAt.
type Bounds struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	RefAt  float64 `json:"ref_at"`
	RefMid bool    `json:"ref_mid"`
}

// ChannelState is the latest known state of one measurement channel.
// Frequency always holds the last good reading; Valid reports whether the
// most recent poll produced a usable sample.
type ChannelState struct {
	ID   int    `json:"id"`
	Name string `json:"name"`

	Frequency float64 `json:"frequency"`
	Valid     bool    `json:"valid"`
	Converged bool    `json:"converged"`
	Changes   uint64  `json:"changes"`

	Setpoint    float64 `json:"setpoint"`
	LockEnabled bool    `json:"lock_enabled"`
	Use         bool    `json:"use"`
	Show        bool    `json:"show"`

	Volt      float64    `json:"volt"`
	Exposure  [2]float64 `json:"exposure"`
	Amplitude [2]float64 `json:"amplitude"`

	PID       PID       `json:"pid"`
	Deviation Deviation `json:"deviation"`
	Bounds    Bounds    `json:"bounds"`
}

// Globals are instrument-wide readings.
type Globals struct {
	Temperature   float64 `json:"temperature"`
	Pressure      float64 `json:"pressure"`
	Autocal       bool    `json:"autocal"`
	DeviationMode bool    `json:"deviation_mode"`
}

// Snapshot is an internally consistent copy of everything observable, as of
// one revision. Revisions are totally ordered by the store lock.
type Snapshot struct {
	Revision uint64               `json:"revision"`
	Channels map[int]ChannelState `json:"channels"`
	Globals  Globals              `json:"globals"`
}

type pendingKey struct {
	channel  int
	quantity string
}

type pendingEntry struct {
	value    float64
	deadline time.Time
}

// Store is the single synchronization point for device state. All reads copy
// out under the lock; all mutations go through Update.
type Store struct {
	mu      sync.Mutex
	snap    Snapshot
	pending map[pendingKey]pendingEntry
}

// New creates a store pre-populated with the given channel ids so every
// snapshot carries the full channel set from the start.
func New(channels map[int]string) *Store {
	s := &Store{
		snap: Snapshot{
			Channels: make(map[int]ChannelState, len(channels)),
		},
		pending: make(map[pendingKey]pendingEntry),
	}
	for id, name := range channels {
		s.snap.Channels[id] = ChannelState{ID: id, Name: name}
	}
	return s
}

// Update applies the mutator under the lock and increments the revision.
func (s *Store) Update(mutate func(*Snapshot)) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(&s.snap)
	s.snap.Revision++
	return s.snap.Revision
}

// Read returns a copy of the snapshot. Callers never hold a reference into
// the guarded structure.
func (s *Store) Read() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.snap
	out.Channels = make(map[int]ChannelState, len(s.snap.Channels))
	for id, ch := range s.snap.Channels {
		out.Channels[id] = ch
	}
	return out
}

// Channel returns a copy of one channel's state.
func (s *Store) Channel(id int) (ChannelState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.snap.Channels[id]
	return ch, ok
}

// SetPending records that a local producer requested value for the
// (channel, quantity) pair. The marker suppresses display of a stale
// read-back until it matches or PendingTTL elapses.
func (s *Store) SetPending(channel int, quantity string, value float64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[pendingKey{channel, quantity}] = pendingEntry{value: value, deadline: now.Add(PendingTTL)}
}

// ClearPendingIfMatch drops the marker once the confirmed read-back is
// within tol of the requested value.
func (s *Store) ClearPendingIfMatch(channel int, quantity string, readback, tol float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pendingKey{channel, quantity}
	if e, ok := s.pending[k]; ok && math.Abs(e.value-readback) <= tol {
		delete(s.pending, k)
	}
}

// ExpirePending drops all markers whose deadline has passed.
func (s *Store) ExpirePending(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.pending {
		if now.After(e.deadline) {
			delete(s.pending, k)
		}
	}
}

// Pending reports the active marker for a (channel, quantity) pair, if any.
func (s *Store) Pending(channel int, quantity string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[pendingKey{channel, quantity}]
	if !ok {
		return 0, false
	}
	return e.value, true
}
