package owner

import (
	"context"
	"log"
	"math"
	"sync/atomic"
	"time"

	"wlmd/internal/driver"
	"wlmd/internal/state"
)

// readbackTol is the tolerance for matching a confirmed read-back against a
// pending marker's requested value.
const readbackTol = 1e-9

// Change reports one effective value change, handed to the optional change
// handler (history storage). Sentinel "unchanged" polls never produce one.
type Change struct {
	Channel  int
	Quantity Quantity
	Value    float64
	Origin   Origin
	At       time.Time
}

// ChangeHandler consumes effective changes. It must not block; the owner
// loop calls it inline.
type ChangeHandler func(Change)

// Config tunes the owner loop.
type Config struct {
	FastInterval  time.Duration // measurement poll period
	SlowInterval  time.Duration // status/globals poll period
	LockTolerance float64       // convergence window around the setpoint
	MinSetpoint   float64       // writes below this never reach the driver
}

// Loop is the single owner of the device driver. Nothing else may call into
// the driver once Run has started; exclusivity is by construction, not by a
// lock around the handle.
type Loop struct {
	drv      driver.Driver
	store    *state.Store
	queue    *Queue
	cfg      Config
	onChange ChangeHandler

	inFlight atomic.Bool
	skipped  atomic.Uint64
	rejected atomic.Uint64
}

// New wires an owner loop. onChange may be nil.
func New(drv driver.Driver, store *state.Store, queue *Queue, cfg Config, onChange ChangeHandler) *Loop {
	if cfg.FastInterval <= 0 {
		cfg.FastInterval = 100 * time.Millisecond
	}
	if cfg.SlowInterval <= 0 {
		cfg.SlowInterval = time.Second
	}
	if cfg.LockTolerance <= 0 {
		cfg.LockTolerance = 5e-6
	}
	return &Loop{drv: drv, store: store, queue: queue, cfg: cfg, onChange: onChange}
}

// Skipped reports how many poll cycles were dropped by the re-entrancy guard.
func (l *Loop) Skipped() uint64 { return l.skipped.Load() }

// Rejected reports how many write requests were refused by validation.
func (l *Loop) Rejected() uint64 { return l.rejected.Load() }

// Run polls until ctx is canceled. Fast ticks drain the write queue and read
// measurements; slow ticks refresh settings and globals.
func (l *Loop) Run(ctx context.Context) error {
	fast := time.NewTicker(l.cfg.FastInterval)
	defer fast.Stop()
	slow := time.NewTicker(l.cfg.SlowInterval)
	defer slow.Stop()

	// Settings first so the snapshot starts complete.
	l.pollSlow()
	log.Printf("owner: loop started (fast=%v slow=%v)", l.cfg.FastInterval, l.cfg.SlowInterval)

	for {
		select {
		case <-ctx.Done():
			log.Printf("owner: loop stopped")
			return ctx.Err()
		case <-fast.C:
			l.cycle()
		case <-slow.C:
			l.pollSlow()
		}
	}
}

// cycle is one fast-poll iteration. The guard skips the whole cycle when a
// previous one is still in flight; overlapping driver calls are the primary
// corruption risk and must never happen.
func (l *Loop) cycle() {
	if !l.inFlight.CompareAndSwap(false, true) {
		l.skipped.Add(1)
		return
	}
	defer l.inFlight.Store(false)

	l.drainWrites()
	l.pollFast()
	l.store.ExpirePending(time.Now())
}

// drainWrites consumes everything currently queued. Each request is a driver
// write followed immediately by a read-back of the same quantity.
func (l *Loop) drainWrites() {
	for {
		req, ok := l.queue.TryDequeue()
		if !ok {
			return
		}
		l.apply(req)
	}
}

func (l *Loop) apply(req WriteRequest) {
	if req.Quantity == QtySetpoint && req.Value < l.cfg.MinSetpoint {
		l.rejected.Add(1)
		log.Printf("owner: rejected setpoint %.9f ch%d (below %.9f)", req.Value, req.Channel, l.cfg.MinSetpoint)
		return
	}

	confirmed, err := l.writeReadback(req)
	if err != nil {
		log.Printf("owner: write %s ch%d: %v", req.Quantity, req.Channel, err)
		return
	}

	l.store.Update(func(s *state.Snapshot) {
		setQuantity(s, req.Channel, req.Quantity, confirmed)
	})
	l.store.ClearPendingIfMatch(req.Channel, string(req.Quantity), confirmed, readbackTol)

	if l.onChange != nil {
		l.onChange(Change{Channel: req.Channel, Quantity: req.Quantity, Value: confirmed, Origin: req.Origin, At: time.Now()})
	}
	log.Printf("owner: %s ch%d = %.9f", req.Quantity, req.Channel, confirmed)
}

// writeReadback performs the driver write for req and returns the value the
// device reports afterwards.
func (l *Loop) writeReadback(req WriteRequest) (float64, error) {
	ch := req.Channel
	on := req.Value != 0
	switch req.Quantity {
	case QtySetpoint:
		if err := l.drv.WriteSetpoint(ch, req.Value); err != nil {
			return 0, err
		}
		return l.drv.ReadSetpoint(ch)
	case QtyVolt:
		if err := l.drv.WriteDeviationSignal(ch, req.Value); err != nil {
			return 0, err
		}
		return l.drv.ReadDeviationSignal(ch)
	case QtyLock:
		if err := l.drv.WriteLockEnabled(ch, on); err != nil {
			return 0, err
		}
		v, err := l.drv.ReadLockEnabled(ch)
		return boolFloat(v), err
	case QtyUse, QtyShow:
		use, show, err := l.drv.ReadSwitcher(ch)
		if err != nil {
			return 0, err
		}
		if req.Quantity == QtyUse {
			use = on
		} else {
			show = on
		}
		if err := l.drv.WriteSwitcher(ch, use, show); err != nil {
			return 0, err
		}
		use, show, err = l.drv.ReadSwitcher(ch)
		if err != nil {
			return 0, err
		}
		if req.Quantity == QtyUse {
			return boolFloat(use), nil
		}
		return boolFloat(show), nil
	case QtyAutocal:
		if err := l.drv.WriteAutocal(on); err != nil {
			return 0, err
		}
		v, err := l.drv.ReadAutocal()
		return boolFloat(v), err
	case QtyDevMode:
		if err := l.drv.WriteDeviationMode(on); err != nil {
			return 0, err
		}
		v, err := l.drv.ReadDeviationMode()
		return boolFloat(v), err
	}

	if key, ok := pidKeyFor(req.Quantity); ok {
		if err := l.drv.WritePIDSetting(ch, key, req.Value); err != nil {
			return 0, err
		}
		return l.drv.ReadPIDSetting(ch, key)
	}
	if key, ok := boundsKeyFor(req.Quantity); ok {
		if err := l.drv.WriteBoundsSetting(ch, key, req.Value); err != nil {
			return 0, err
		}
		return l.drv.ReadBoundsSetting(ch, key)
	}
	return 0, driver.ErrBadKey
}

// pollFast reads the measurement set for every channel. Unchanged samples
// keep the previous value and do not count as a change; invalid samples
// only clear the valid flag.
func (l *Loop) pollFast() {
	snap := l.store.Read()
	now := time.Now()

	for id := range snap.Channels {
		rd, err := l.drv.ReadFrequency(id)
		if err != nil {
			log.Printf("owner: read frequency ch%d: %v", id, err)
			continue
		}
		volt, voltErr := l.drv.ReadDeviationSignal(id)
		e1, e2, expErr := l.drv.ReadExposure(id)
		a1, a2, ampErr := l.drv.ReadAmplitude(id)

		l.store.Update(func(s *state.Snapshot) {
			c := s.Channels[id]
			switch rd.Status {
			case driver.SampleNew:
				c.Frequency = rd.Value
				c.Valid = true
				c.Changes++
			case driver.SampleUnchanged:
				// last good stands
			case driver.SampleInvalid:
				c.Valid = false
			}
			c.Converged = c.Valid && math.Abs(c.Frequency-c.Setpoint) < l.cfg.LockTolerance
			if voltErr == nil {
				c.Volt = volt
			}
			if expErr == nil {
				c.Exposure = [2]float64{e1, e2}
			}
			if ampErr == nil {
				c.Amplitude = [2]float64{a1, a2}
			}
			s.Channels[id] = c
		})

		if rd.Status == driver.SampleNew && l.onChange != nil {
			l.onChange(Change{Channel: id, Quantity: QtyFrequency, Value: rd.Value, At: now})
		}
	}
}

// pollSlow refreshes per-channel settings and the global readings. Any
// failing read leaves the previous stored value authoritative.
func (l *Loop) pollSlow() {
	snap := l.store.Read()

	for id := range snap.Channels {
		l.pollChannelSettings(id)
	}

	temp, tempErr := l.drv.ReadTemperature()
	press, pressErr := l.drv.ReadPressure()
	autocal, acErr := l.drv.ReadAutocal()
	devmode, dmErr := l.drv.ReadDeviationMode()
	if tempErr != nil || pressErr != nil || acErr != nil || dmErr != nil {
		log.Printf("owner: globals poll: temp=%v press=%v autocal=%v devmode=%v", tempErr, pressErr, acErr, dmErr)
	}

	l.store.Update(func(s *state.Snapshot) {
		if tempErr == nil {
			s.Globals.Temperature = temp
		}
		if pressErr == nil {
			s.Globals.Pressure = press
		}
		if acErr == nil {
			s.Globals.Autocal = autocal
		}
		if dmErr == nil {
			s.Globals.DeviationMode = devmode
		}
	})
}

func (l *Loop) pollChannelSettings(id int) {
	sp, spErr := l.drv.ReadSetpoint(id)
	use, show, swErr := l.drv.ReadSwitcher(id)
	lock, lockErr := l.drv.ReadLockEnabled(id)

	var pid state.PID
	pidErr := l.readPID(id, &pid)
	var dev state.Deviation
	devErr := l.readDeviation(id, &dev)
	var bounds state.Bounds
	boundsErr := l.readBounds(id, &bounds)

	for _, err := range []error{spErr, swErr, lockErr, pidErr, devErr, boundsErr} {
		if err != nil {
			log.Printf("owner: settings poll ch%d: %v", id, err)
			break
		}
	}

	l.store.Update(func(s *state.Snapshot) {
		c := s.Channels[id]
		if spErr == nil {
			c.Setpoint = sp
		}
		if swErr == nil {
			c.Use, c.Show = use, show
		}
		if lockErr == nil {
			c.LockEnabled = lock
		}
		if pidErr == nil {
			c.PID = pid
		}
		if devErr == nil {
			c.Deviation = dev
		}
		if boundsErr == nil {
			c.Bounds = bounds
		}
		s.Channels[id] = c
	})
}

func (l *Loop) readPID(ch int, out *state.PID) error {
	var err error
	read := func(k driver.PIDKey) float64 {
		if err != nil {
			return 0
		}
		var v float64
		v, err = l.drv.ReadPIDSetting(ch, k)
		return v
	}
	out.P = read(driver.PIDP)
	out.I = read(driver.PIDI)
	out.D = read(driver.PIDD)
	out.T = read(driver.PIDT)
	out.Dt = read(driver.PIDDt)
	out.UseTa = read(driver.PIDUseTa) != 0
	return err
}

func (l *Loop) readDeviation(ch int, out *state.Deviation) error {
	var err error
	read := func(k driver.PIDKey) float64 {
		if err != nil {
			return 0
		}
		var v float64
		v, err = l.drv.ReadPIDSetting(ch, k)
		return v
	}
	out.Polarity = int(read(driver.DevPolarity))
	out.SensitivityFactor = read(driver.DevFactor)
	out.SensitivityExp = int(read(driver.DevExp))
	out.Unit = int(read(driver.DevUnit))
	out.SourceChannel = int(read(driver.DevSource))
	return err
}

func (l *Loop) readBounds(ch int, out *state.Bounds) error {
	var err error
	read := func(k driver.BoundsKey) float64 {
		if err != nil {
			return 0
		}
		var v float64
		v, err = l.drv.ReadBoundsSetting(ch, k)
		return v
	}
	out.Min = read(driver.BoundsMin)
	out.Max = read(driver.BoundsMax)
	out.RefAt = read(driver.BoundsRefAt)
	out.RefMid = read(driver.BoundsRefMid) != 0
	return err
}

// setQuantity writes a confirmed read-back into the snapshot field the
// quantity addresses.
func setQuantity(s *state.Snapshot, ch int, q Quantity, v float64) {
	if q == QtyAutocal {
		s.Globals.Autocal = v != 0
		return
	}
	if q == QtyDevMode {
		s.Globals.DeviationMode = v != 0
		return
	}
	c, ok := s.Channels[ch]
	if !ok {
		return
	}
	on := v != 0
	switch q {
	case QtySetpoint:
		c.Setpoint = v
	case QtyVolt:
		c.Volt = v
	case QtyLock:
		c.LockEnabled = on
	case QtyUse:
		c.Use = on
	case QtyShow:
		c.Show = on
	case QtyPIDP:
		c.PID.P = v
	case QtyPIDI:
		c.PID.I = v
	case QtyPIDD:
		c.PID.D = v
	case QtyPIDT:
		c.PID.T = v
	case QtyPIDDt:
		c.PID.Dt = v
	case QtyPIDUseTa:
		c.PID.UseTa = on
	case QtyDevPolarity:
		c.Deviation.Polarity = int(v)
	case QtyDevFactor:
		c.Deviation.SensitivityFactor = v
	case QtyDevExp:
		c.Deviation.SensitivityExp = int(v)
	case QtyDevUnit:
		c.Deviation.Unit = int(v)
	case QtyDevSource:
		c.Deviation.SourceChannel = int(v)
	case QtyBoundsMin:
		c.Bounds.Min = v
	case QtyBoundsMax:
		c.Bounds.Max = v
	case QtyBoundsRefAt:
		c.Bounds.RefAt = v
	case QtyBoundsRefMid:
		c.Bounds.RefMid = on
	}
	s.Channels[ch] = c
}

func pidKeyFor(q Quantity) (driver.PIDKey, bool) {
	switch q {
	case QtyPIDP:
		return driver.PIDP, true
	case QtyPIDI:
		return driver.PIDI, true
	case QtyPIDD:
		return driver.PIDD, true
	case QtyPIDT:
		return driver.PIDT, true
	case QtyPIDDt:
		return driver.PIDDt, true
	case QtyPIDUseTa:
		return driver.PIDUseTa, true
	case QtyDevPolarity:
		return driver.DevPolarity, true
	case QtyDevFactor:
		return driver.DevFactor, true
	case QtyDevExp:
		return driver.DevExp, true
	case QtyDevUnit:
		return driver.DevUnit, true
	case QtyDevSource:
		return driver.DevSource, true
	}
	return "", false
}

func boundsKeyFor(q Quantity) (driver.BoundsKey, bool) {
	switch q {
	case QtyBoundsMin:
		return driver.BoundsMin, true
	case QtyBoundsMax:
		return driver.BoundsMax, true
	case QtyBoundsRefAt:
		return driver.BoundsRefAt, true
	case QtyBoundsRefMid:
		return driver.BoundsRefMid, true
	}
	return "", false
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
