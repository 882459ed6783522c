// Package modbusdrv speaks Modbus TCP to the wavemeter instrument bridge.
// It implements driver.Driver against the register map below, which the
// mockwlm simulator mirrors.
package modbusdrv

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	mb "github.com/goburrow/modbus"

	"wlmd/internal/driver"
)

// Global registers and coils.
const (
	RegTemperature = 0 // input, float32
	RegPressure    = 2 // input, float32
	CoilAutocal    = 0
	CoilDevMode    = 1
)

// Per-channel offsets from ChannelBase. Frequencies and frequency-valued
// settings are float64 (four registers); float32 is not precise enough for
// a THz reading with a 5e-6 lock tolerance.
const (
	InputFreq      = 0  // float64
	InputSeq       = 4  // uint16 sample counter
	InputExposure  = 8  // two uint16, ms
	InputAmplitude = 10 // two uint16

	HoldSetpoint    = 0  // float64
	HoldPIDP        = 10 // float32
	HoldPIDI        = 12 // float32
	HoldPIDD        = 14 // float32
	HoldPIDT        = 16 // float32
	HoldPIDDt       = 18 // float32
	HoldDevFactor   = 20 // float32
	HoldDevPolarity = 22 // int16
	HoldDevExp      = 23 // int16
	HoldDevUnit     = 24 // uint16
	HoldDevSource   = 25 // uint16
	HoldVolt        = 26 // float32, mV
	HoldBoundsMin   = 30 // float64
	HoldBoundsMax   = 34 // float64
	HoldBoundsRefAt = 38 // float64

	CoilLock   = 0
	CoilUseTa  = 1
	CoilRefMid = 2
	CoilUse    = 3
	CoilShow   = 4
)

// ChannelBase returns the register base address for channel ch (1-based).
func ChannelBase(ch int) uint16 {
	return uint16(100 * ch)
}

// Driver is a Modbus TCP implementation of driver.Driver. Not safe for
// concurrent use; the device owner loop is its only caller.
type Driver struct {
	handler  *mb.TCPClientHandler
	client   mb.Client
	channels int

	lastSeq []uint16
	hasSeq  []bool
}

// Connect dials the instrument bridge.
func Connect(address string, channels int, timeout time.Duration) (*Driver, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	h := mb.NewTCPClientHandler(address)
	h.Timeout = timeout
	h.SlaveId = 1
	if err := h.Connect(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", address, err)
	}
	return &Driver{
		handler:  h,
		client:   mb.NewClient(h),
		channels: channels,
		lastSeq:  make([]uint16, channels+1),
		hasSeq:   make([]bool, channels+1),
	}, nil
}

func (d *Driver) Channels() int { return d.channels }

func (d *Driver) Close() error { return d.handler.Close() }

func (d *Driver) checkChannel(ch int) error {
	if ch < 1 || ch > d.channels {
		return fmt.Errorf("%w: %d", driver.ErrBadChannel, ch)
	}
	return nil
}

// ReadFrequency reads the measurement and its sample counter in one
// request. An unchanged counter means the instrument has no new sample; a
// NaN payload means the channel currently has no usable signal.
func (d *Driver) ReadFrequency(ch int) (driver.Reading, error) {
	if err := d.checkChannel(ch); err != nil {
		return driver.Reading{}, err
	}
	data, err := d.client.ReadInputRegisters(ChannelBase(ch)+InputFreq, 5)
	if err != nil {
		return driver.Reading{}, err
	}
	if len(data) < 10 {
		return driver.Reading{}, fmt.Errorf("frequency read returned %d bytes", len(data))
	}
	seq := binary.BigEndian.Uint16(data[8:10])
	if d.hasSeq[ch] && seq == d.lastSeq[ch] {
		return driver.Reading{Status: driver.SampleUnchanged}, nil
	}
	d.lastSeq[ch] = seq
	d.hasSeq[ch] = true

	value := math.Float64frombits(binary.BigEndian.Uint64(data[:8]))
	if math.IsNaN(value) {
		return driver.Reading{Status: driver.SampleInvalid}, nil
	}
	return driver.Reading{Value: value, Status: driver.SampleNew}, nil
}

func (d *Driver) ReadSetpoint(ch int) (float64, error) {
	if err := d.checkChannel(ch); err != nil {
		return 0, err
	}
	return d.readHoldingF64(ChannelBase(ch) + HoldSetpoint)
}

func (d *Driver) WriteSetpoint(ch int, value float64) error {
	if err := d.checkChannel(ch); err != nil {
		return err
	}
	return d.writeF64(ChannelBase(ch)+HoldSetpoint, value)
}

// The deviation output lives in a single holding register pair: the value
// read back is the value last commanded, so the owner loop's post-write
// read-back confirms from the same address the write landed in.
func (d *Driver) ReadDeviationSignal(ch int) (float64, error) {
	if err := d.checkChannel(ch); err != nil {
		return 0, err
	}
	v, err := d.readHoldingF32(ChannelBase(ch) + HoldVolt)
	return float64(v), err
}

func (d *Driver) WriteDeviationSignal(ch int, mv float64) error {
	if err := d.checkChannel(ch); err != nil {
		return err
	}
	return d.writeF32(ChannelBase(ch)+HoldVolt, float32(mv))
}

func (d *Driver) ReadSwitcher(ch int) (bool, bool, error) {
	if err := d.checkChannel(ch); err != nil {
		return false, false, err
	}
	use, err := d.readCoil(ChannelBase(ch) + CoilUse)
	if err != nil {
		return false, false, err
	}
	show, err := d.readCoil(ChannelBase(ch) + CoilShow)
	if err != nil {
		return false, false, err
	}
	return use, show, nil
}

func (d *Driver) WriteSwitcher(ch int, use, show bool) error {
	if err := d.checkChannel(ch); err != nil {
		return err
	}
	if err := d.writeCoil(ChannelBase(ch)+CoilUse, use); err != nil {
		return err
	}
	return d.writeCoil(ChannelBase(ch)+CoilShow, show)
}

func (d *Driver) ReadLockEnabled(ch int) (bool, error) {
	if err := d.checkChannel(ch); err != nil {
		return false, err
	}
	return d.readCoil(ChannelBase(ch) + CoilLock)
}

func (d *Driver) WriteLockEnabled(ch int, on bool) error {
	if err := d.checkChannel(ch); err != nil {
		return err
	}
	return d.writeCoil(ChannelBase(ch)+CoilLock, on)
}

func (d *Driver) ReadPIDSetting(ch int, key driver.PIDKey) (float64, error) {
	if err := d.checkChannel(ch); err != nil {
		return 0, err
	}
	base := ChannelBase(ch)
	switch key {
	case driver.PIDP, driver.PIDI, driver.PIDD, driver.PIDT, driver.PIDDt, driver.DevFactor:
		v, err := d.readHoldingF32(base + pidF32Offset(key))
		return float64(v), err
	case driver.DevPolarity, driver.DevExp:
		v, err := d.readHoldingU16(base + pidU16Offset(key))
		return float64(int16(v)), err
	case driver.DevUnit, driver.DevSource:
		v, err := d.readHoldingU16(base + pidU16Offset(key))
		return float64(v), err
	case driver.PIDUseTa:
		on, err := d.readCoil(base + CoilUseTa)
		return boolFloat(on), err
	default:
		return 0, fmt.Errorf("%w: %q", driver.ErrBadKey, key)
	}
}

func (d *Driver) WritePIDSetting(ch int, key driver.PIDKey, value float64) error {
	if err := d.checkChannel(ch); err != nil {
		return err
	}
	base := ChannelBase(ch)
	switch key {
	case driver.PIDP, driver.PIDI, driver.PIDD, driver.PIDT, driver.PIDDt, driver.DevFactor:
		return d.writeF32(base+pidF32Offset(key), float32(value))
	case driver.DevPolarity, driver.DevExp:
		return d.writeU16(base+pidU16Offset(key), uint16(int16(value)))
	case driver.DevUnit, driver.DevSource:
		return d.writeU16(base+pidU16Offset(key), uint16(value))
	case driver.PIDUseTa:
		return d.writeCoil(base+CoilUseTa, value != 0)
	default:
		return fmt.Errorf("%w: %q", driver.ErrBadKey, key)
	}
}

func (d *Driver) ReadBoundsSetting(ch int, key driver.BoundsKey) (float64, error) {
	if err := d.checkChannel(ch); err != nil {
		return 0, err
	}
	base := ChannelBase(ch)
	switch key {
	case driver.BoundsMin, driver.BoundsMax, driver.BoundsRefAt:
		return d.readHoldingF64(base + boundsOffset(key))
	case driver.BoundsRefMid:
		on, err := d.readCoil(base + CoilRefMid)
		return boolFloat(on), err
	default:
		return 0, fmt.Errorf("%w: %q", driver.ErrBadKey, key)
	}
}

func (d *Driver) WriteBoundsSetting(ch int, key driver.BoundsKey, value float64) error {
	if err := d.checkChannel(ch); err != nil {
		return err
	}
	base := ChannelBase(ch)
	switch key {
	case driver.BoundsMin, driver.BoundsMax, driver.BoundsRefAt:
		return d.writeF64(base+boundsOffset(key), value)
	case driver.BoundsRefMid:
		return d.writeCoil(base+CoilRefMid, value != 0)
	default:
		return fmt.Errorf("%w: %q", driver.ErrBadKey, key)
	}
}

func (d *Driver) ReadExposure(ch int) (float64, float64, error) {
	if err := d.checkChannel(ch); err != nil {
		return 0, 0, err
	}
	data, err := d.client.ReadInputRegisters(ChannelBase(ch)+InputExposure, 2)
	if err != nil {
		return 0, 0, err
	}
	return float64(binary.BigEndian.Uint16(data[:2])), float64(binary.BigEndian.Uint16(data[2:4])), nil
}

func (d *Driver) ReadAmplitude(ch int) (float64, float64, error) {
	if err := d.checkChannel(ch); err != nil {
		return 0, 0, err
	}
	data, err := d.client.ReadInputRegisters(ChannelBase(ch)+InputAmplitude, 2)
	if err != nil {
		return 0, 0, err
	}
	return float64(binary.BigEndian.Uint16(data[:2])), float64(binary.BigEndian.Uint16(data[2:4])), nil
}

func (d *Driver) ReadTemperature() (float64, error) {
	v, err := d.readInputF32(RegTemperature)
	return float64(v), err
}

func (d *Driver) ReadPressure() (float64, error) {
	v, err := d.readInputF32(RegPressure)
	return float64(v), err
}

func (d *Driver) ReadAutocal() (bool, error) { return d.readCoil(CoilAutocal) }

func (d *Driver) WriteAutocal(on bool) error { return d.writeCoil(CoilAutocal, on) }

func (d *Driver) ReadDeviationMode() (bool, error) { return d.readCoil(CoilDevMode) }

func (d *Driver) WriteDeviationMode(on bool) error { return d.writeCoil(CoilDevMode, on) }

// ---- wire helpers ----

func (d *Driver) readHoldingF64(addr uint16) (float64, error) {
	data, err := d.client.ReadHoldingRegisters(addr, 4)
	if err != nil {
		return 0, err
	}
	if len(data) < 8 {
		return 0, fmt.Errorf("float64 read returned %d bytes", len(data))
	}
	return math.Float64frombits(binary.BigEndian.Uint64(data[:8])), nil
}

func (d *Driver) writeF64(addr uint16, v float64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(v))
	_, err := d.client.WriteMultipleRegisters(addr, 4, buf)
	return err
}

func (d *Driver) readHoldingF32(addr uint16) (float32, error) {
	data, err := d.client.ReadHoldingRegisters(addr, 2)
	if err != nil {
		return 0, err
	}
	if len(data) < 4 {
		return 0, fmt.Errorf("float32 read returned %d bytes", len(data))
	}
	return math.Float32frombits(binary.BigEndian.Uint32(data[:4])), nil
}

func (d *Driver) readInputF32(addr uint16) (float32, error) {
	data, err := d.client.ReadInputRegisters(addr, 2)
	if err != nil {
		return 0, err
	}
	if len(data) < 4 {
		return 0, fmt.Errorf("float32 read returned %d bytes", len(data))
	}
	return math.Float32frombits(binary.BigEndian.Uint32(data[:4])), nil
}

func (d *Driver) writeF32(addr uint16, v float32) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, math.Float32bits(v))
	_, err := d.client.WriteMultipleRegisters(addr, 2, buf)
	return err
}

func (d *Driver) readHoldingU16(addr uint16) (uint16, error) {
	data, err := d.client.ReadHoldingRegisters(addr, 1)
	if err != nil {
		return 0, err
	}
	if len(data) < 2 {
		return 0, fmt.Errorf("uint16 read returned %d bytes", len(data))
	}
	return binary.BigEndian.Uint16(data[:2]), nil
}

func (d *Driver) writeU16(addr uint16, v uint16) error {
	_, err := d.client.WriteSingleRegister(addr, v)
	return err
}

func (d *Driver) readCoil(addr uint16) (bool, error) {
	data, err := d.client.ReadCoils(addr, 1)
	if err != nil {
		return false, err
	}
	return len(data) > 0 && data[0]&0x01 == 0x01, nil
}

func (d *Driver) writeCoil(addr uint16, on bool) error {
	value := uint16(0x0000)
	if on {
		value = 0xFF00
	}
	_, err := d.client.WriteSingleCoil(addr, value)
	return err
}

func pidF32Offset(key driver.PIDKey) uint16 {
	switch key {
	case driver.PIDP:
		return HoldPIDP
	case driver.PIDI:
		return HoldPIDI
	case driver.PIDD:
		return HoldPIDD
	case driver.PIDT:
		return HoldPIDT
	case driver.PIDDt:
		return HoldPIDDt
	default:
		return HoldDevFactor
	}
}

func pidU16Offset(key driver.PIDKey) uint16 {
	switch key {
	case driver.DevPolarity:
		return HoldDevPolarity
	case driver.DevExp:
		return HoldDevExp
	case driver.DevUnit:
		return HoldDevUnit
	default:
		return HoldDevSource
	}
}

func boundsOffset(key driver.BoundsKey) uint16 {
	switch key {
	case driver.BoundsMin:
		return HoldBoundsMin
	case driver.BoundsMax:
		return HoldBoundsMax
	default:
		return HoldBoundsRefAt
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
