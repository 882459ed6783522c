package driver

import (
	"fmt"
	"sync"
)

// Op records one driver call for inspection. Tests use the log to assert
// call ordering; the daemon never reads it.
type Op struct {
	Kind    string
	Channel int
	Key     string
	Value   float64
}

type simChannel struct {
	freq     float64
	seq      uint64 // bumped when a new sample arrives
	lastSeq  uint64 // consumed by ReadFrequency
	invalid  bool
	setpoint float64
	volt     float64
	lock     bool
	use      bool
	show     bool
	exposure [2]float64
	amp      [2]float64
	pid      map[PIDKey]float64
	bounds   map[BoundsKey]float64
}

// Sim is an in-memory driver for tests and -sim mode. Its mutex only guards
// the simulation state against the test harness; the daemon side still
// treats it as single-owner like real hardware.
type Sim struct {
	mu       sync.Mutex
	channels []*simChannel
	temp     float64
	pressure float64
	autocal  bool
	devmode  bool
	ops      []Op

	// FollowSetpoint makes every frequency read track the current setpoint
	// as a fresh sample, like a locked laser on live hardware.
	FollowSetpoint bool

	// OnReadFrequency, when set, runs at the top of every frequency read
	// without the simulation lock held. Tests use it to hold a poll open.
	OnReadFrequency func(ch int)
}

// NewSim creates a simulator with n channels, all idle.
func NewSim(n int) *Sim {
	s := &Sim{channels: make([]*simChannel, n)}
	for i := range s.channels {
		s.channels[i] = &simChannel{
			pid:    make(map[PIDKey]float64),
			bounds: make(map[BoundsKey]float64),
		}
	}
	return s
}

func (s *Sim) chState(ch int) (*simChannel, error) {
	if ch < 1 || ch > len(s.channels) {
		return nil, fmt.Errorf("%w: %d", ErrBadChannel, ch)
	}
	return s.channels[ch-1], nil
}

func (s *Sim) record(kind string, ch int, key string, v float64) {
	s.ops = append(s.ops, Op{Kind: kind, Channel: ch, Key: key, Value: v})
}

// Ops returns a copy of the recorded driver calls.
func (s *Sim) Ops() []Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Op, len(s.ops))
	copy(out, s.ops)
	return out
}

// SetFrequency installs a fresh sample for ch; subsequent reads see it once
// as SampleNew, then as SampleUnchanged until the next call.
func (s *Sim) SetFrequency(ch int, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, err := s.chState(ch); err == nil {
		c.freq = v
		c.invalid = false
		c.seq++
	}
}

// SetInvalid makes reads of ch report SampleInvalid until a new sample.
func (s *Sim) SetInvalid(ch int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, err := s.chState(ch); err == nil {
		c.invalid = true
		c.seq++
	}
}

// SetEnvironment sets the global readings.
func (s *Sim) SetEnvironment(temp, pressure float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temp = temp
	s.pressure = pressure
}

func (s *Sim) Channels() int { return len(s.channels) }

func (s *Sim) ReadFrequency(ch int) (Reading, error) {
	if f := s.OnReadFrequency; f != nil {
		f(ch)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.chState(ch)
	if err != nil {
		return Reading{}, err
	}
	if s.FollowSetpoint {
		c.freq = c.setpoint
		c.invalid = false
		c.seq++
	}
	s.record("read.frequency", ch, "", c.freq)
	if c.invalid {
		return Reading{Status: SampleInvalid}, nil
	}
	if c.seq == c.lastSeq {
		return Reading{Status: SampleUnchanged}, nil
	}
	c.lastSeq = c.seq
	return Reading{Value: c.freq, Status: SampleNew}, nil
}

func (s *Sim) ReadSetpoint(ch int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.chState(ch)
	if err != nil {
		return 0, err
	}
	s.record("read.setpoint", ch, "", c.setpoint)
	return c.setpoint, nil
}

func (s *Sim) WriteSetpoint(ch int, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.chState(ch)
	if err != nil {
		return err
	}
	s.record("write.setpoint", ch, "", value)
	c.setpoint = value
	return nil
}

func (s *Sim) ReadDeviationSignal(ch int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.chState(ch)
	if err != nil {
		return 0, err
	}
	return c.volt, nil
}

func (s *Sim) WriteDeviationSignal(ch int, mv float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.chState(ch)
	if err != nil {
		return err
	}
	s.record("write.volt", ch, "", mv)
	c.volt = mv
	return nil
}

func (s *Sim) ReadSwitcher(ch int) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.chState(ch)
	if err != nil {
		return false, false, err
	}
	return c.use, c.show, nil
}

func (s *Sim) WriteSwitcher(ch int, use, show bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.chState(ch)
	if err != nil {
		return err
	}
	s.record("write.switcher", ch, "", boolFloat(use))
	c.use, c.show = use, show
	return nil
}

func (s *Sim) ReadLockEnabled(ch int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.chState(ch)
	if err != nil {
		return false, err
	}
	return c.lock, nil
}

func (s *Sim) WriteLockEnabled(ch int, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.chState(ch)
	if err != nil {
		return err
	}
	s.record("write.lock", ch, "", boolFloat(on))
	c.lock = on
	return nil
}

func (s *Sim) ReadPIDSetting(ch int, key PIDKey) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.chState(ch)
	if err != nil {
		return 0, err
	}
	return c.pid[key], nil
}

func (s *Sim) WritePIDSetting(ch int, key PIDKey, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.chState(ch)
	if err != nil {
		return err
	}
	s.record("write.pid", ch, string(key), value)
	c.pid[key] = value
	return nil
}

func (s *Sim) ReadBoundsSetting(ch int, key BoundsKey) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.chState(ch)
	if err != nil {
		return 0, err
	}
	return c.bounds[key], nil
}

func (s *Sim) WriteBoundsSetting(ch int, key BoundsKey, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.chState(ch)
	if err != nil {
		return err
	}
	s.record("write.bounds", ch, string(key), value)
	c.bounds[key] = value
	return nil
}

func (s *Sim) ReadExposure(ch int) (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.chState(ch)
	if err != nil {
		return 0, 0, err
	}
	return c.exposure[0], c.exposure[1], nil
}

func (s *Sim) ReadAmplitude(ch int) (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.chState(ch)
	if err != nil {
		return 0, 0, err
	}
	return c.amp[0], c.amp[1], nil
}

func (s *Sim) ReadTemperature() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.temp, nil
}

func (s *Sim) ReadPressure() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pressure, nil
}

func (s *Sim) ReadAutocal() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autocal, nil
}

func (s *Sim) WriteAutocal(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("write.autocal", 0, "", boolFloat(on))
	s.autocal = on
	return nil
}

func (s *Sim) ReadDeviationMode() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devmode, nil
}

func (s *Sim) WriteDeviationMode(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("write.devmode", 0, "", boolFloat(on))
	s.devmode = on
	return nil
}

func (s *Sim) Close() error { return nil }

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
