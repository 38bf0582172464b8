// Copyright 2026 The Thermocam Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package mlx90640

import (
	"errors"
	"math"
	"testing"
	"time"

	"periph.io/x/conn/v3/i2c/i2ctest"
	"periph.io/x/conn/v3/physic"
)

// wordRead is a playback transaction reading one register.
func wordRead(reg, val uint16) i2ctest.IO {
	return i2ctest.IO{
		Addr: SensorAddress,
		W:    []byte{byte(reg >> 8), byte(reg)},
		R:    []byte{byte(val >> 8), byte(val)},
	}
}

// wordWrite is a playback transaction writing one register.
func wordWrite(reg, val uint16) i2ctest.IO {
	return i2ctest.IO{
		Addr: SensorAddress,
		W:    []byte{byte(reg >> 8), byte(reg), byte(val >> 8), byte(val)},
	}
}

// blockRead is the chunked playback transaction sequence for a readWords
// call over the given words.
func blockRead(start uint16, words []uint16) []i2ctest.IO {
	var ops []i2ctest.IO
	for offset := 0; offset < len(words); offset += chunkWords {
		n := len(words) - offset
		if n > chunkWords {
			n = chunkWords
		}
		addr := start + uint16(offset)
		r := make([]byte, 0, 2*n)
		for _, w := range words[offset : offset+n] {
			r = append(r, byte(w>>8), byte(w))
		}
		ops = append(ops, i2ctest.IO{
			Addr: SensorAddress,
			W:    []byte{byte(addr >> 8), byte(addr)},
			R:    r,
		})
	}
	return ops
}

func getDev(t *testing.T, pb *i2ctest.Playback) *Dev {
	t.Helper()
	pb.DontPanic = true
	dev, err := NewI2C(pb, SensorAddress, nil)
	if err != nil {
		t.Fatal(err)
	}
	return dev
}

func TestRefreshRateRoundTrip(t *testing.T) {
	// Bits outside the refresh-rate field must survive the write.
	const base = uint16(0x1901)
	for code, rate := range refreshRates {
		want := base&0xFC7F | uint16(code)<<7
		pb := &i2ctest.Playback{Ops: []i2ctest.IO{
			wordRead(regControl, base),
			wordWrite(regControl, want),
			wordRead(regControl, want),
		}}
		dev := getDev(t, pb)
		if err := dev.SetRefreshRate(rate); err != nil {
			t.Fatalf("SetRefreshRate(%s): %v", rate, err)
		}
		got, err := dev.GetRefreshRate()
		if err != nil {
			t.Fatalf("GetRefreshRate(): %v", err)
		}
		if got != rate {
			t.Errorf("refresh rate round trip: got %s, want %s", got, rate)
		}
		if err := pb.Close(); err != nil {
			t.Error(err)
		}
	}
}

func TestSetRefreshRateInvalid(t *testing.T) {
	pb := &i2ctest.Playback{}
	dev := getDev(t, pb)
	for _, rate := range []physic.Frequency{0, 3 * physic.Hertz, 128 * physic.Hertz, 250 * physic.MilliHertz} {
		err := dev.SetRefreshRate(rate)
		if !errors.Is(err, ErrInvalidRefreshRate) {
			t.Errorf("SetRefreshRate(%s): got %v, want ErrInvalidRefreshRate", rate, err)
		}
	}
	if pb.Count != 0 {
		t.Errorf("invalid rate reached the bus: %d transactions", pb.Count)
	}
}

func TestCalibrationImageCache(t *testing.T) {
	image := buildCalImage()
	// Two full read sequences: the initial read and the one after
	// invalidation.
	ops := blockRead(regCalStart, image)
	perRead := len(ops)
	ops = append(ops, blockRead(regCalStart, image)...)
	pb := &i2ctest.Playback{Ops: ops}
	dev := getDev(t, pb)

	img1, err := dev.ReadCalibrationImage()
	if err != nil {
		t.Fatal(err)
	}
	if len(img1) != calWords {
		t.Fatalf("calibration image has %d words, want %d", len(img1), calWords)
	}
	img2, err := dev.ReadCalibrationImage()
	if err != nil {
		t.Fatal(err)
	}
	if pb.Count != perRead {
		t.Errorf("second read hit the bus: %d transactions, want %d", pb.Count, perRead)
	}
	for i := range img1 {
		if img1[i] != img2[i] {
			t.Fatalf("cached image differs at word %d", i)
		}
	}

	dev.InvalidateCalibrationCache()
	if _, err = dev.ReadCalibrationImage(); err != nil {
		t.Fatal(err)
	}
	if pb.Count != 2*perRead {
		t.Errorf("read after invalidation: %d transactions, want %d", pb.Count, 2*perRead)
	}
	if err := pb.Close(); err != nil {
		t.Error(err)
	}
}

// sensorSim emulates the MLX90640 register interface: it serves the
// calibration EEPROM and data area from fixtures and alternates the active
// subpage whenever the data-ready bit is cleared.
type sensorSim struct {
	eeprom []uint16
	ram    []uint16
	ctrl   uint16

	subpage   uint16
	calPages  int // EEPROM chunk transactions served
	dataReads int // data-area chunk transactions served
	cleared   int // data-ready clears observed
}

func (s *sensorSim) String() string { return "sensorsim" }

func (s *sensorSim) SetSpeed(f physic.Frequency) error { return nil }

func (s *sensorSim) Tx(addr uint16, w, r []byte) error {
	reg := uint16(w[0])<<8 | uint16(w[1])
	if len(w) == 4 {
		val := uint16(w[2])<<8 | uint16(w[3])
		switch reg {
		case regStatus:
			if val&statusDataReady == 0 {
				s.cleared++
				s.subpage ^= 1
			}
		case regControl:
			s.ctrl = val
		}
		return nil
	}
	serve := func(words []uint16, offset int) {
		for i := 0; i < len(r)/2; i++ {
			r[2*i] = byte(words[offset+i] >> 8)
			r[2*i+1] = byte(words[offset+i])
		}
	}
	switch {
	case reg == regStatus:
		serve([]uint16{statusDataReady | s.subpage}, 0)
	case reg == regControl:
		serve([]uint16{s.ctrl}, 0)
	case reg >= regCalStart && reg < regCalStart+calWords:
		s.calPages++
		serve(s.eeprom, int(reg-regCalStart))
	case reg >= regDataStart && reg < regDataStart+dataWords:
		s.dataReads++
		serve(s.ram, int(reg-regDataStart))
	}
	return nil
}

func TestAcquireFrame(t *testing.T) {
	sim := &sensorSim{
		eeprom: buildCalImage(),
		ram:    buildDataArea(),
		ctrl:   2 << 10, // capture-time resolution matches the EEPROM value
	}
	dev, err := NewI2C(sim, SensorAddress, nil)
	if err != nil {
		t.Fatal(err)
	}

	frame, err := dev.AcquireFrame()
	if err != nil {
		t.Fatal(err)
	}
	if len(frame) != PixelCount {
		t.Fatalf("frame has %d pixels, want %d", len(frame), PixelCount)
	}
	// The fixture is tuned so that every pixel resolves to the 25 degC
	// ambient reference. A full sweep also proves both subpages were
	// written.
	for p, temp := range frame {
		if math.Abs(temp-25.0) > 1e-6 {
			t.Fatalf("pixel %d: got %.9f degC, want 25", p, temp)
		}
	}
	if sim.cleared != 2 {
		t.Errorf("data-ready cleared %d times, want 2", sim.cleared)
	}
	if sim.dataReads != 2*dataWords/chunkWords {
		t.Errorf("data area chunk reads: %d, want %d", sim.dataReads, 2*dataWords/chunkWords)
	}

	// The calibration image must have been read exactly once; a second
	// acquisition reuses the cached coefficients.
	calPages := sim.calPages
	if calPages != calWords/chunkWords {
		t.Errorf("calibration chunk reads: %d, want %d", calPages, calWords/chunkWords)
	}
	if _, err := dev.AcquireFrame(); err != nil {
		t.Fatal(err)
	}
	if sim.calPages != calPages {
		t.Errorf("second acquisition re-read the calibration image")
	}
}

func TestSense(t *testing.T) {
	sim := &sensorSim{
		eeprom: buildCalImage(),
		ram:    buildDataArea(),
		ctrl:   2 << 10,
	}
	dev, err := NewI2C(sim, SensorAddress, nil)
	if err != nil {
		t.Fatal(err)
	}
	env := physic.Env{}
	if err := dev.Sense(&env); err != nil {
		t.Fatal(err)
	}
	if got := env.Temperature.Celsius(); math.Abs(got-25) > 1e-3 {
		t.Errorf("Sense(): got %.6f degC, want 25", got)
	}
}

// stuckBus reports the device perpetually not ready.
type stuckBus struct {
	status uint16
}

func (s *stuckBus) String() string { return "stuckbus" }

func (s *stuckBus) SetSpeed(f physic.Frequency) error { return nil }

func (s *stuckBus) Tx(addr uint16, w, r []byte) error {
	for i := 0; i < len(r)/2; i++ {
		r[2*i] = byte(s.status >> 8)
		r[2*i+1] = byte(s.status)
	}
	return nil
}

func TestAcquireFrameTimeout(t *testing.T) {
	opts := Opts{PollTimeout: 50 * time.Millisecond, PollInterval: 5 * time.Millisecond}
	dev, err := NewI2C(&stuckBus{}, SensorAddress, &opts)
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	frame, err := dev.AcquireFrame()
	elapsed := time.Since(start)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if frame != nil {
		t.Error("timeout returned a partial frame")
	}
	// Bounded by the deadline plus one poll interval, with scheduling slack.
	if elapsed > opts.PollTimeout+10*opts.PollInterval {
		t.Errorf("timed out after %s, want about %s", elapsed, opts.PollTimeout)
	}
}

// brokenBus fails every transaction.
type brokenBus struct{}

func (b *brokenBus) String() string { return "brokenbus" }

func (b *brokenBus) SetSpeed(f physic.Frequency) error { return nil }

func (b *brokenBus) Tx(addr uint16, w, r []byte) error { return errors.New("bus fault") }

func TestTransportFailure(t *testing.T) {
	dev, err := NewI2C(&brokenBus{}, SensorAddress, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dev.AcquireFrame(); err == nil {
		t.Fatal("expected an error from a failing bus")
	} else if errors.Is(err, ErrTimeout) {
		t.Fatalf("bus fault misreported as timeout: %v", err)
	}
	if _, err := dev.GetRefreshRate(); err == nil {
		t.Fatal("expected an error from a failing bus")
	}
}

func TestString(t *testing.T) {
	dev, err := NewI2C(&i2ctest.Playback{DontPanic: true}, SensorAddress, nil)
	if err != nil {
		t.Fatal(err)
	}
	if s := dev.String(); len(s) == 0 {
		t.Error("Dev.String() returned an empty value")
	}
}
