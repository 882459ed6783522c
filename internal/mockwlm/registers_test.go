package mockwlm

import (
	"math"
	"testing"
)

func TestFloat64Registers(t *testing.T) {
	t.Parallel()
	s := NewServer()

	const v = 348.666410000
	s.SetHoldingFloat64(100, v)
	if got := s.HoldingFloat64(100); got != v {
		t.Fatalf("HoldingFloat64 = %.12f, want %.12f", got, v)
	}

	s.SetInputFloat64(200, math.NaN())
	bits := uint64(s.InputRegisters[200])<<48 |
		uint64(s.InputRegisters[201])<<32 |
		uint64(s.InputRegisters[202])<<16 |
		uint64(s.InputRegisters[203])
	if !math.IsNaN(math.Float64frombits(bits)) {
		t.Fatal("NaN did not survive register encoding")
	}
}

func TestFloat32Registers(t *testing.T) {
	t.Parallel()
	s := NewServer()

	s.SetHoldingFloat32(10, 12.5)
	if got := s.HoldingFloat32(10); got != 12.5 {
		t.Fatalf("HoldingFloat32 = %v, want 12.5", got)
	}
}

func TestBumpInputRegisterWraps(t *testing.T) {
	t.Parallel()
	s := NewServer()

	s.SetInputRegister(5, 0xFFFF)
	s.BumpInputRegister(5)
	if got := s.InputRegisters[5]; got != 0 {
		t.Fatalf("counter after wrap = %d, want 0", got)
	}
	s.BumpInputRegister(5)
	if got := s.InputRegisters[5]; got != 1 {
		t.Fatalf("counter = %d, want 1", got)
	}
}
