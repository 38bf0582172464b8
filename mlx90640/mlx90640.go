// Copyright 2026 The Thermocam Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package mlx90640

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

const (
	// SensorAddress is the factory default I2C address of the MLX90640.
	SensorAddress uint16 = 0x33

	// Rows and Cols are the dimensions of the pixel array.
	Rows = 24
	Cols = 32
	// PixelCount is the number of pixels in one frame.
	PixelCount = Rows * Cols

	// The calibration EEPROM and the volatile data area are both 832 words.
	calWords  = 832
	dataWords = 832

	// Register addresses. All registers are 16-bit, big-endian on the wire.
	regStatus    uint16 = 0x8000
	regControl   uint16 = 0x800D
	regCalStart  uint16 = 0x2400
	regDataStart uint16 = 0x0400

	// Status register fields.
	statusDataReady uint16 = 1 << 3
	statusSubpage   uint16 = 1 << 0

	// Largest word count per bus transaction. Many hosts cap an I2C
	// transfer at 32 bytes.
	chunkWords = 16

	// Reference points of the calibration equations.
	referenceTemp = 25.0 // degC
	referenceVdd  = 3.3  // V
)

var (
	// ErrInvalidRefreshRate is returned when a requested refresh rate is not
	// one of the eight rates the device supports. No bus traffic is issued.
	ErrInvalidRefreshRate = errors.New("mlx90640: unsupported refresh rate")
	// ErrTimeout is returned when a subpage does not become ready within
	// Opts.PollTimeout. It is distinct from transport errors so callers can
	// tell a silent device from a broken bus.
	ErrTimeout = errors.New("mlx90640: timeout waiting for subpage data")
	// ErrBadDeviceState is returned when a register holds a value outside
	// its documented encoding.
	ErrBadDeviceState = errors.New("mlx90640: unexpected device state")
)

// refreshRates maps the 3-bit refresh-rate code (the slice index) to the
// capture frequency it selects.
var refreshRates = []physic.Frequency{
	500 * physic.MilliHertz,
	1 * physic.Hertz,
	2 * physic.Hertz,
	4 * physic.Hertz,
	8 * physic.Hertz,
	16 * physic.Hertz,
	32 * physic.Hertz,
	64 * physic.Hertz,
}

// Frame is one thermal image: 768 temperatures in degrees Celsius, row
// major, pixel 0 at the top left.
type Frame []float64

// At returns the temperature of the pixel at the given row and column.
func (f Frame) At(row, col int) float64 {
	return f[row*Cols+col]
}

// Bounds returns the coldest and hottest temperatures in the frame.
func (f Frame) Bounds() (min, max float64) {
	min, max = f[0], f[0]
	for _, t := range f[1:] {
		if t < min {
			min = t
		}
		if t > max {
			max = t
		}
	}
	return min, max
}

// Opts holds the configuration options of the driver.
type Opts struct {
	// PollTimeout bounds the wait for one subpage to become ready.
	PollTimeout time.Duration
	// PollInterval is the delay between status register polls.
	PollInterval time.Duration
}

// DefaultOpts waits up to 2s per subpage, polling every 10ms. At the slowest
// refresh rate of 0.5Hz a subpage takes 2s to integrate, so the default is
// the tightest bound valid for every rate.
var DefaultOpts = Opts{
	PollTimeout:  2 * time.Second,
	PollInterval: 10 * time.Millisecond,
}

// Dev is a handle to an MLX90640.
//
// The driver issues one bus transaction at a time and never shares the
// device; if the bus carries unrelated traffic, serializing it is the bus
// owner's concern.
type Dev struct {
	d    *i2c.Dev
	opts Opts

	mu sync.Mutex
	// chHalt terminates SenseContinuous.
	chHalt chan bool
	// Calibration cache. calImage is the verbatim EEPROM dump, params the
	// coefficients derived from it. Both are populated lazily on the first
	// acquisition and cleared together by InvalidateCalibrationCache.
	calImage []uint16
	params   *calibration
}

// NewI2C returns a driver for an MLX90640 on the given bus. Pass
// SensorAddress as addr unless the device has been reprogrammed. A nil opts
// selects DefaultOpts. No bus traffic is issued until the first operation.
func NewI2C(b i2c.Bus, addr uint16, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	if opts.PollTimeout <= 0 || opts.PollInterval <= 0 {
		return nil, errors.New("mlx90640: poll timeout and interval must be positive")
	}
	return &Dev{d: &i2c.Dev{Bus: b, Addr: addr}, opts: *opts}, nil
}

func (d *Dev) String() string {
	return fmt.Sprintf("mlx90640: %s", d.d.String())
}

// SetRefreshRate selects the capture frequency. Valid rates are 0.5, 1, 2,
// 4, 8, 16, 32 and 64Hz; anything else returns ErrInvalidRefreshRate before
// any bus traffic. The rest of the control register is left untouched.
func (d *Dev) SetRefreshRate(rate physic.Frequency) error {
	code := -1
	for i, r := range refreshRates {
		if r == rate {
			code = i
			break
		}
	}
	if code < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRefreshRate, rate)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ctrl, err := d.readWord(regControl)
	if err != nil {
		return err
	}
	ctrl = ctrl&0xFC7F | uint16(code)<<7
	return d.writeWord(regControl, ctrl)
}

// GetRefreshRate returns the capture frequency currently configured.
func (d *Dev) GetRefreshRate() (physic.Frequency, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctrl, err := d.readWord(regControl)
	if err != nil {
		return 0, err
	}
	code := int(ctrl >> 7 & 0x07)
	if code >= len(refreshRates) {
		return 0, fmt.Errorf("%w: refresh rate code %#03b", ErrBadDeviceState, code)
	}
	return refreshRates[code], nil
}

// ReadCalibrationImage returns the 832-word factory calibration EEPROM. The
// dump is read once and cached; callers must treat the returned slice as
// read-only.
func (d *Dev) ReadCalibrationImage() ([]uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calibrationImage()
}

// InvalidateCalibrationCache drops the cached EEPROM image and the
// coefficients derived from it. The next acquisition re-reads the device.
func (d *Dev) InvalidateCalibrationCache() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calImage = nil
	d.params = nil
}

// AcquireFrame blocks until both subpages of one frame have been captured
// and compensated, and returns the 768 calibrated temperatures. On any
// error, including ErrTimeout, no frame is returned.
func (d *Dev) AcquireFrame() (Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acquireFrame()
}

// Sense acquires one frame and reports the mean scene temperature.
// Implements physic.SenseEnv.
func (d *Dev) Sense(env *physic.Env) error {
	env.Temperature = 0
	env.Pressure = 0
	env.Humidity = 0
	frame, err := d.AcquireFrame()
	if err != nil {
		return err
	}
	mean := 0.0
	for _, t := range frame {
		mean += t
	}
	mean /= PixelCount
	env.Temperature = physic.ZeroCelsius + physic.Temperature(mean*float64(physic.Celsius))
	return nil
}

// Precision reports the 0.1 degC datasheet resolution of computed
// temperatures. Implements physic.SenseEnv.
func (d *Dev) Precision(env *physic.Env) {
	env.Temperature = 100 * physic.MilliKelvin
	env.Pressure = 0
	env.Humidity = 0
}

// SenseContinuous acquires frames on the given interval and writes the mean
// scene temperature to the returned channel. Call Halt to terminate it.
// Implements physic.SenseEnv.
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan physic.Env, error) {
	d.mu.Lock()
	if d.chHalt != nil {
		d.mu.Unlock()
		return nil, errors.New("mlx90640: SenseContinuous() already running")
	}
	d.chHalt = make(chan bool)
	d.mu.Unlock()

	channelSize := 16
	channel := make(chan physic.Env, channelSize)
	go func(halt <-chan bool) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer close(channel)
		for {
			select {
			case <-halt:
				return
			case <-ticker.C:
				e := physic.Env{}
				err := d.Sense(&e)
				if err == nil && len(channel) < channelSize {
					channel <- e
				}
			}
		}
	}(d.chHalt)
	return channel, nil
}

// Halt stops a SenseContinuous operation if one is in progress. Implements
// conn.Resource.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.chHalt != nil {
		close(d.chHalt)
		d.chHalt = nil
	}
	return nil
}

func (d *Dev) calibrationImage() ([]uint16, error) {
	if d.calImage == nil {
		img, err := d.readWords(regCalStart, calWords)
		if err != nil {
			return nil, err
		}
		d.calImage = img
	}
	return d.calImage, nil
}

func (d *Dev) calibration() (*calibration, error) {
	if d.params == nil {
		img, err := d.calibrationImage()
		if err != nil {
			return nil, err
		}
		d.params = extractCalibration(img)
	}
	return d.params, nil
}

func (d *Dev) acquireFrame() (Frame, error) {
	params, err := d.calibration()
	if err != nil {
		return nil, err
	}
	frame := make(Frame, PixelCount)
	for subpage := 0; subpage < 2; subpage++ {
		if err := d.waitForSubpage(subpage); err != nil {
			return nil, err
		}
		raw, err := d.readWords(regDataStart, dataWords)
		if err != nil {
			return nil, err
		}
		if err := d.clearDataReady(); err != nil {
			return nil, err
		}
		// The resolution in effect at capture time lives in control
		// register bits 11:10, not in the data area itself.
		ctrl, err := d.readWord(regControl)
		if err != nil {
			return nil, err
		}
		params.processSubpage(raw, ctrl, subpage, frame)
	}
	return frame, nil
}

// waitForSubpage polls the status register until the data-ready bit is set
// and the active subpage matches, or the deadline passes.
func (d *Dev) waitForSubpage(subpage int) error {
	deadline := time.Now().Add(d.opts.PollTimeout)
	for {
		status, err := d.readWord(regStatus)
		if err != nil {
			return err
		}
		if status&statusDataReady != 0 && int(status&statusSubpage) == subpage {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: subpage %d", ErrTimeout, subpage)
		}
		time.Sleep(d.opts.PollInterval)
	}
}

// clearDataReady clears the data-ready bit, leaving the other status bits
// untouched.
func (d *Dev) clearDataReady() error {
	status, err := d.readWord(regStatus)
	if err != nil {
		return err
	}
	return d.writeWord(regStatus, status&^statusDataReady)
}

// readWord reads one big-endian 16-bit register.
func (d *Dev) readWord(reg uint16) (uint16, error) {
	w := [2]byte{byte(reg >> 8), byte(reg)}
	var r [2]byte
	if err := d.d.Tx(w[:], r[:]); err != nil {
		return 0, fmt.Errorf("mlx90640: read 0x%04X: %w", reg, err)
	}
	return uint16(r[0])<<8 | uint16(r[1]), nil
}

// writeWord writes one big-endian 16-bit register.
func (d *Dev) writeWord(reg, value uint16) error {
	w := [4]byte{byte(reg >> 8), byte(reg), byte(value >> 8), byte(value)}
	if err := d.d.Tx(w[:], nil); err != nil {
		return fmt.Errorf("mlx90640: write 0x%04X: %w", reg, err)
	}
	return nil
}

// readWords reads count consecutive registers starting at reg, chunking
// into transactions of at most chunkWords words.
func (d *Dev) readWords(reg uint16, count int) ([]uint16, error) {
	words := make([]uint16, 0, count)
	for offset := 0; offset < count; offset += chunkWords {
		n := count - offset
		if n > chunkWords {
			n = chunkWords
		}
		addr := reg + uint16(offset)
		w := [2]byte{byte(addr >> 8), byte(addr)}
		r := make([]byte, n*2)
		if err := d.d.Tx(w[:], r); err != nil {
			return nil, fmt.Errorf("mlx90640: read %d words at 0x%04X: %w", n, addr, err)
		}
		for i := 0; i < n; i++ {
			words = append(words, uint16(r[2*i])<<8|uint16(r[2*i+1]))
		}
	}
	return words, nil
}

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
