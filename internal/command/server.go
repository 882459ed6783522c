// Package command answers the synchronous request/response protocol used by
// the remote automation controller. State-reading commands go straight to
// the shared store; state-changing commands are enqueued to the device owner
// loop, which is never blocked by a waiting caller.
package command

import (
	"bufio"
	"context"
	"encoding/json"
	"log"
	"math"
	"net"
	"sync"
	"time"

	"wlmd/internal/owner"
	"wlmd/internal/state"
)

const (
	statusSuccess = "SUCCESS"
	statusError   = "ERROR"

	actionHello        = "HELLO"
	actionProgramValue = "PROGRAM_VALUE"
	actionCheckValue   = "CHECK_VALUE"
)

// Request is one line-delimited JSON command.
type Request struct {
	Action     string   `json:"action"`
	Connection int      `json:"connection,omitempty"`
	Quantity   string   `json:"quantity,omitempty"`
	Value      float64  `json:"value,omitempty"`
	Wait       bool     `json:"wait,omitempty"`
}

// Response is the reply for one Request.
type Response struct {
	Status  string   `json:"status"`
	Message string   `json:"message,omitempty"`
	Value   *float64 `json:"value,omitempty"`
}

// Config tunes the convergence wait and write validation.
type Config struct {
	LockPoll      time.Duration // store re-read interval while waiting
	LockTimeout   time.Duration // overall wait budget
	LockTolerance float64       // convergence window around the target
	Consecutive   int           // required consecutive converged observations
	MinSetpoint   float64       // remote setpoints below this get an ERROR
}

// Server accepts TCP connections and serves commands, one goroutine per
// connection.
type Server struct {
	store *state.Store
	queue *owner.Queue
	cfg   Config

	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once
}

// NewServer wires a command server.
func NewServer(store *state.Store, queue *owner.Queue, cfg Config) *Server {
	if cfg.LockPoll <= 0 {
		cfg.LockPoll = 100 * time.Millisecond
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 60 * time.Second
	}
	if cfg.LockTolerance <= 0 {
		cfg.LockTolerance = 5e-6
	}
	if cfg.Consecutive <= 0 {
		cfg.Consecutive = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{store: store, queue: queue, cfg: cfg, ctx: ctx, cancel: cancel, quit: make(chan struct{})}
}

// Listen starts accepting connections on address.
func (s *Server) Listen(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.listener = l
	log.Printf("command: listening on %s", l.Addr())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound address, for tests using ":0".
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			continue
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		var resp Response
		if err := json.Unmarshal(line, &req); err != nil {
			resp = Response{Status: statusError, Message: "malformed request"}
		} else {
			resp = s.handle(req)
		}
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) handle(req Request) Response {
	switch req.Action {
	case actionHello:
		return Response{Status: statusSuccess}
	case actionCheckValue:
		return s.checkValue(req)
	case actionProgramValue:
		return s.programValue(req)
	default:
		return Response{Status: statusError, Message: "unknown action"}
	}
}

// checkValue reads the requested quantity from the shared store. Pending
// producer-side values are deliberately invisible here.
func (s *Server) checkValue(req Request) Response {
	ch, ok := s.store.Channel(req.Connection)
	if !ok {
		return Response{Status: statusError, Message: "unknown channel"}
	}
	q := owner.Quantity(req.Quantity)
	if q == "" {
		q = owner.QtySetpoint
	}
	v, ok := quantityValue(ch, q)
	if !ok {
		return Response{Status: statusError, Message: "unknown quantity"}
	}
	return Response{Status: statusSuccess, Value: &v}
}

func (s *Server) programValue(req Request) Response {
	ch, ok := s.store.Channel(req.Connection)
	if !ok {
		return Response{Status: statusError, Message: "unknown channel"}
	}
	q := owner.Quantity(req.Quantity)
	if q == "" {
		q = owner.QtySetpoint
	}
	if q == owner.QtySetpoint && req.Value < s.cfg.MinSetpoint {
		return Response{Status: statusError, Message: "setpoint below minimum"}
	}

	err := s.queue.TryEnqueue(owner.WriteRequest{
		Channel:  req.Connection,
		Quantity: q,
		Value:    req.Value,
		Origin:   owner.OriginRemote,
	})
	if err != nil {
		return Response{Status: statusError, Message: err.Error()}
	}

	if !req.Wait {
		return Response{Status: statusSuccess}
	}

	// Setpoint programming waits for the measurement to reach the requested
	// value; any other quantity waits against the setpoint already in force.
	target := req.Value
	if q != owner.QtySetpoint {
		target = ch.Setpoint
	}
	log.Printf("command: waiting for lock ch%d target=%.9f", req.Connection, target)
	if s.waitForLock(req.Connection, target) {
		log.Printf("command: lock achieved ch%d", req.Connection)
		return Response{Status: statusSuccess}
	}
	log.Printf("command: lock timeout ch%d", req.Connection)
	return Response{Status: statusError, Message: "timeout waiting for lock"}
}

// waitForLock re-reads the store until cfg.Consecutive consecutive fresh,
// valid samples land within LockTolerance of target. An observation counts
// only when the channel's change counter advanced since the previous one: a
// channel still sitting converged on its previous setpoint, or repeating a
// stale sample, resets the count instead of satisfying it. Blocks only the
// calling connection goroutine and holds no lock between observations.
func (s *Server) waitForLock(channel int, target float64) bool {
	deadline := time.NewTimer(s.cfg.LockTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(s.cfg.LockPoll)
	defer tick.Stop()

	var lastChanges uint64
	seeded := false
	consecutive := 0
	for {
		select {
		case <-s.ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
			ch, ok := s.store.Channel(channel)
			if !ok {
				return false
			}
			fresh := seeded && ch.Changes != lastChanges
			lastChanges, seeded = ch.Changes, true
			if fresh && ch.Valid && math.Abs(ch.Frequency-target) < s.cfg.LockTolerance {
				consecutive++
				if consecutive >= s.cfg.Consecutive {
					return true
				}
			} else {
				consecutive = 0
			}
		}
	}
}

// Close stops the server, releases any convergence waits, and waits for all
// connection goroutines to exit.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.cancel()
		if s.listener != nil {
			s.listener.Close()
		}
	})
	s.wg.Wait()
}

func quantityValue(ch state.ChannelState, q owner.Quantity) (float64, bool) {
	switch q {
	case owner.QtySetpoint:
		return ch.Setpoint, true
	case owner.QtyFrequency:
		return ch.Frequency, true
	case owner.QtyVolt:
		return ch.Volt, true
	case owner.QtyLock:
		return boolFloat(ch.LockEnabled), true
	case owner.QtyUse:
		return boolFloat(ch.Use), true
	case owner.QtyShow:
		return boolFloat(ch.Show), true
	case owner.QtyPIDP:
		return ch.PID.P, true
	case owner.QtyPIDI:
		return ch.PID.I, true
	case owner.QtyPIDD:
		return ch.PID.D, true
	case owner.QtyPIDT:
		return ch.PID.T, true
	case owner.QtyPIDDt:
		return ch.PID.Dt, true
	case owner.QtyPIDUseTa:
		return boolFloat(ch.PID.UseTa), true
	case owner.QtyDevPolarity:
		return float64(ch.Deviation.Polarity), true
	case owner.QtyDevFactor:
		return ch.Deviation.SensitivityFactor, true
	case owner.QtyDevExp:
		return float64(ch.Deviation.SensitivityExp), true
	case owner.QtyDevUnit:
		return float64(ch.Deviation.Unit), true
	case owner.QtyDevSource:
		return float64(ch.Deviation.SourceChannel), true
	case owner.QtyBoundsMin:
		return ch.Bounds.Min, true
	case owner.QtyBoundsMax:
		return ch.Bounds.Max, true
	case owner.QtyBoundsRefAt:
		return ch.Bounds.RefAt, true
	case owner.QtyBoundsRefMid:
		return boolFloat(ch.Bounds.RefMid), true
	}
	return 0, false
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
