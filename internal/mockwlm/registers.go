package mockwlm

// Typed register helpers used by the wavemeter simulation to maintain its
// register map. Multi-register values are big-endian, high word first.

import (
	"math"
)

// SetInputFloat64 stores v across four input registers starting at address.
func (s *Server) SetInputFloat64(address uint16, v float64) {
	bits := math.Float64bits(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < 4; i++ {
		s.InputRegisters[address+uint16(i)] = uint16(bits >> (48 - 16*i))
	}
}

// SetHoldingFloat64 stores v across four holding registers starting at address.
func (s *Server) SetHoldingFloat64(address uint16, v float64) {
	bits := math.Float64bits(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < 4; i++ {
		s.HoldingRegisters[address+uint16(i)] = uint16(bits >> (48 - 16*i))
	}
}

// HoldingFloat64 reads a float64 from four holding registers at address.
func (s *Server) HoldingFloat64(address uint16) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var bits uint64
	for i := 0; i < 4; i++ {
		bits = bits<<16 | uint64(s.HoldingRegisters[address+uint16(i)])
	}
	return math.Float64frombits(bits)
}

// SetInputFloat32 stores v across two input registers starting at address.
func (s *Server) SetInputFloat32(address uint16, v float32) {
	bits := math.Float32bits(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InputRegisters[address] = uint16(bits >> 16)
	s.InputRegisters[address+1] = uint16(bits)
}

// SetHoldingFloat32 stores v across two holding registers starting at address.
func (s *Server) SetHoldingFloat32(address uint16, v float32) {
	bits := math.Float32bits(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.HoldingRegisters[address] = uint16(bits >> 16)
	s.HoldingRegisters[address+1] = uint16(bits)
}

// HoldingFloat32 reads a float32 from two holding registers at address.
func (s *Server) HoldingFloat32(address uint16) float32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bits := uint32(s.HoldingRegisters[address])<<16 | uint32(s.HoldingRegisters[address+1])
	return math.Float32frombits(bits)
}

// BumpInputRegister increments a counter register, wrapping at 16 bits.
func (s *Server) BumpInputRegister(address uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InputRegisters[address]++
}

// Coil reads one coil.
func (s *Server) Coil(address uint16) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Coils[address]
}

// HoldingRegister reads one holding register.
func (s *Server) HoldingRegister(address uint16) uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.HoldingRegisters[address]
}
