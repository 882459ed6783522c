// Package driver defines the capability set the daemon consumes from a
// wavemeter. Implementations are not safe for concurrent use; the device
// owner loop is the only caller once the daemon is running.
package driver

import "errors"

// SampleStatus is the tri-state outcome of a frequency read. Unchanged is a
// designed sentinel ("no new sample since last read"), never an error.
type SampleStatus int

const (
	SampleNew SampleStatus = iota
	SampleUnchanged
	SampleInvalid
)

func (s SampleStatus) String() string {
	switch s {
	case SampleNew:
		return "new"
	case SampleUnchanged:
		return "unchanged"
	case SampleInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Reading is one frequency measurement. Value is meaningful only when
// Status is SampleNew.
type Reading struct {
	Value  float64
	Status SampleStatus
}

// PIDKey selects one regulator or deviation-sensitivity setting.
type PIDKey string

const (
	PIDP        PIDKey = "p"
	PIDI        PIDKey = "i"
	PIDD        PIDKey = "d"
	PIDT        PIDKey = "t"
	PIDDt       PIDKey = "dt"
	PIDUseTa    PIDKey = "useta"
	DevPolarity PIDKey = "polarity"
	DevFactor   PIDKey = "factor"
	DevExp      PIDKey = "exp"
	DevUnit     PIDKey = "unit"
	DevSource   PIDKey = "source"
)

// BoundsKey selects one deviation-bounds setting.
type BoundsKey string

const (
	BoundsMin    BoundsKey = "min"
	BoundsMax    BoundsKey = "max"
	BoundsRefAt  BoundsKey = "refat"
	BoundsRefMid BoundsKey = "refmid"
)

// ErrBadChannel is returned for a channel id outside 1..Channels().
var ErrBadChannel = errors.New("channel out of range")

// ErrBadKey is returned for an unknown PID or bounds setting key.
var ErrBadKey = errors.New("unknown setting key")

// Driver is the vendor capability set. Boolean settings travel as floats
// (0/1) through the keyed setting calls, matching the instrument API.
type Driver interface {
	Channels() int

	ReadFrequency(ch int) (Reading, error)

	ReadSetpoint(ch int) (float64, error)
	WriteSetpoint(ch int, value float64) error

	ReadDeviationSignal(ch int) (float64, error)
	WriteDeviationSignal(ch int, mv float64) error

	ReadSwitcher(ch int) (use, show bool, err error)
	WriteSwitcher(ch int, use, show bool) error

	ReadLockEnabled(ch int) (bool, error)
	WriteLockEnabled(ch int, on bool) error

	ReadPIDSetting(ch int, key PIDKey) (float64, error)
	WritePIDSetting(ch int, key PIDKey, value float64) error

	ReadBoundsSetting(ch int, key BoundsKey) (float64, error)
	WriteBoundsSetting(ch int, key BoundsKey, value float64) error

	ReadExposure(ch int) (e1, e2 float64, err error)
	ReadAmplitude(ch int) (a1, a2 float64, err error)

	ReadTemperature() (float64, error)
	ReadPressure() (float64, error)

	ReadAutocal() (bool, error)
	WriteAutocal(on bool) error
	ReadDeviationMode() (bool, error)
	WriteDeviationMode(on bool) error

	Close() error
}
