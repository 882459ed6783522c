// mockwlm serves a simulated wavemeter over Modbus TCP for development and
// integration testing. Channel frequencies drift toward their setpoints
// when the lock coil is on, and every frequency update bumps the sample
// counter so clients can tell fresh samples from repeats.
package main

import (
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wlmd/internal/driver/modbusdrv"
	"wlmd/internal/mockwlm"
)

func main() {
	var (
		listen   string
		channels int
		update   time.Duration
	)
	flag.StringVar(&listen, "listen", ":5020", "Modbus TCP listen address")
	flag.IntVar(&channels, "channels", 8, "number of measurement channels")
	flag.DurationVar(&update, "update", 50*time.Millisecond, "simulation step interval")
	flag.Parse()

	srv := mockwlm.NewServer()
	if err := srv.Listen(listen); err != nil {
		log.Fatalf("listen %s: %v", listen, err)
	}
	defer srv.Close()
	log.Printf("mock wavemeter on %s (%d channels)", srv.Addr(), channels)

	freqs := seed(srv, channels)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(update)
	defer ticker.Stop()
	for {
		select {
		case s := <-sigCh:
			log.Printf("received signal: %v, shutting down...", s)
			return
		case <-ticker.C:
			step(srv, freqs)
		}
	}
}

// seed initializes the register map and returns the per-channel frequency
// state the stepper mutates.
func seed(srv *mockwlm.Server, channels int) []float64 {
	freqs := make([]float64, channels+1)
	for ch := 1; ch <= channels; ch++ {
		base := modbusdrv.ChannelBase(ch)
		f := 348.0 + 0.1*float64(ch)
		freqs[ch] = f

		srv.SetInputFloat64(base+modbusdrv.InputFreq, f)
		srv.SetInputRegister(base+modbusdrv.InputSeq, 1)
		srv.SetInputRegister(base+modbusdrv.InputExposure, 2)
		srv.SetInputRegister(base+modbusdrv.InputExposure+1, 2)
		srv.SetInputRegister(base+modbusdrv.InputAmplitude, 1200)
		srv.SetInputRegister(base+modbusdrv.InputAmplitude+1, 1150)

		srv.SetHoldingFloat64(base+modbusdrv.HoldSetpoint, f)
		srv.SetHoldingFloat32(base+modbusdrv.HoldPIDP, 10)
		srv.SetHoldingFloat32(base+modbusdrv.HoldPIDI, 2)
		srv.SetHoldingFloat32(base+modbusdrv.HoldPIDD, 0)
		srv.SetHoldingFloat32(base+modbusdrv.HoldPIDT, 1)
		srv.SetHoldingFloat32(base+modbusdrv.HoldPIDDt, 0.01)
		srv.SetHoldingFloat32(base+modbusdrv.HoldDevFactor, 1)
		srv.SetHoldingRegister(base+modbusdrv.HoldDevPolarity, 1)
		srv.SetHoldingRegister(base+modbusdrv.HoldDevExp, uint16(0xFFFD)) // -3
		srv.SetHoldingRegister(base+modbusdrv.HoldDevUnit, 0)
		srv.SetHoldingRegister(base+modbusdrv.HoldDevSource, uint16(ch))
		srv.SetHoldingFloat32(base+modbusdrv.HoldVolt, 0)
		srv.SetHoldingFloat64(base+modbusdrv.HoldBoundsMin, -2000)
		srv.SetHoldingFloat64(base+modbusdrv.HoldBoundsMax, 2000)
		srv.SetHoldingFloat64(base+modbusdrv.HoldBoundsRefAt, 0)

		srv.SetCoil(base+modbusdrv.CoilUse, ch <= 2)
		srv.SetCoil(base+modbusdrv.CoilShow, ch <= 2)
	}

	srv.SetInputFloat32(modbusdrv.RegTemperature, 22.5)
	srv.SetInputFloat32(modbusdrv.RegPressure, 1001.2)
	srv.SetCoil(modbusdrv.CoilDevMode, true)
	return freqs
}

// step advances every channel by one simulation tick.
func step(srv *mockwlm.Server, freqs []float64) {
	for ch := 1; ch < len(freqs); ch++ {
		base := modbusdrv.ChannelBase(ch)

		f := freqs[ch]
		if srv.Coil(base + modbusdrv.CoilLock) {
			sp := srv.HoldingFloat64(base + modbusdrv.HoldSetpoint)
			f += (sp - f) * 0.3
		}
		f += (rand.Float64() - 0.5) * 2e-7
		freqs[ch] = f

		srv.SetInputFloat64(base+modbusdrv.InputFreq, f)
		srv.BumpInputRegister(base + modbusdrv.InputSeq)
	}

	srv.SetInputFloat32(modbusdrv.RegTemperature, 22.5+float32(rand.Float64()-0.5)*0.02)
	srv.SetInputFloat32(modbusdrv.RegPressure, 1001.2+float32(rand.Float64()-0.5)*0.1)
}
