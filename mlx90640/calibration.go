// Copyright 2026 The Thermocam Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Calibration parameter extraction and the per-subpage compensation math,
// both from section 11 of the MLX90640 datasheet. Extraction is a pure
// function of the 832-word EEPROM image: every bit pattern decodes to a
// defined (if nonsensical) coefficient set, so this file reports no errors.

package mlx90640

import "math"

// calibration is the coefficient set derived from the EEPROM image.
type calibration struct {
	// Supply voltage restoration.
	kVdd  int
	vdd25 int

	// Ambient temperature (PTAT) restoration.
	kvPTAT    float64
	ktPTAT    float64
	vPTAT25   int
	alphaPTAT float64

	gain int
	// Thermal gradient coefficient, scales the compensation-pixel signal
	// subtracted from every pixel.
	tgc float64
	// ADC resolution the device was calibrated at, bits 13:12 of word 0x38.
	resolutionEE uint
	ksTa         float64

	// Breakpoint table: temperature range limits and the sensitivity
	// correction slope of each range. ct[0] and ct[1] are fixed at -40 and 0.
	ct   [4]int
	ksTo [4]float64

	// Per-pixel coefficients, row major.
	alpha  [PixelCount]float64
	offset [PixelCount]int
	kta    [PixelCount]float64
	kv     [PixelCount]float64

	// Compensation pixel, one entry per subpage where applicable.
	cpOffset [2]int
	cpAlpha  [2]float64
	cpKta    float64
	cpKv     float64
}

// bitField returns the width-bit unsigned field of w starting at bit lsb.
func bitField(w uint16, lsb, width uint) int {
	return int(w>>lsb) & (1<<width - 1)
}

// signedField returns the same field interpreted as a width-bit
// two's-complement value.
func signedField(w uint16, lsb, width uint) int {
	v := bitField(w, lsb, width)
	if v > 1<<(width-1)-1 {
		v -= 1 << width
	}
	return v
}

// gridLayout names the EEPROM words of one "reference + row correction +
// column correction + per-pixel remainder" coefficient grid. The sensitivity
// and offset grids share this layout at different addresses.
type gridLayout struct {
	scales    int  // word holding the rem/column/row scale exponents in bits 11:0
	ref       int  // word holding the reference value
	signedRef bool // whether the reference is a signed 16-bit value
	rowBase   int  // first of 6 words of packed 4-bit row corrections
	colBase   int  // first of 8 words of packed 4-bit column corrections
	pixLSB    uint // position of the 6-bit remainder inside the pixel words
}

// accumulateGrid rebuilds a per-pixel integer grid from its packed terms,
// each left-shifted by its own scale exponent.
func accumulateGrid(ee []uint16, l gridLayout) [PixelCount]int {
	remScale := uint(bitField(ee[l.scales], 0, 4))
	colScale := uint(bitField(ee[l.scales], 4, 4))
	rowScale := uint(bitField(ee[l.scales], 8, 4))
	ref := int(ee[l.ref])
	if l.signedRef {
		ref = signedField(ee[l.ref], 0, 16)
	}

	var rows [Rows]int
	for i := 0; i < Rows/4; i++ {
		for j := 0; j < 4; j++ {
			rows[i*4+j] = signedField(ee[l.rowBase+i], uint(4*j), 4)
		}
	}
	var cols [Cols]int
	for i := 0; i < Cols/4; i++ {
		for j := 0; j < 4; j++ {
			cols[i*4+j] = signedField(ee[l.colBase+i], uint(4*j), 4)
		}
	}

	var grid [PixelCount]int
	for p := 0; p < PixelCount; p++ {
		rem := signedField(ee[0x40+p], l.pixLSB, 6)
		grid[p] = ref + rows[p/Cols]<<rowScale + cols[p%Cols]<<colScale + rem<<remScale
	}
	return grid
}

// extractCalibration decodes the coefficient set from an 832-word EEPROM
// image. Deterministic and free of I/O.
func extractCalibration(ee []uint16) *calibration {
	c := &calibration{}

	// Supply voltage.
	c.kVdd = signedField(ee[0x33], 8, 8) * 32
	c.vdd25 = (bitField(ee[0x33], 0, 8)-256)<<5 - 8192

	// Ambient temperature.
	c.kvPTAT = float64(signedField(ee[0x32], 10, 6)) / 4096
	c.ktPTAT = float64(signedField(ee[0x32], 0, 10)) / 8
	c.vPTAT25 = int(ee[0x31])
	c.alphaPTAT = float64(ee[0x10]&0xF000)/4 + 8

	c.gain = signedField(ee[0x30], 0, 16)
	c.tgc = float64(signedField(ee[0x3C], 0, 8)) / 32
	c.resolutionEE = uint(bitField(ee[0x38], 12, 2))
	c.ksTa = float64(signedField(ee[0x3C], 8, 8)) / 8192

	// Breakpoint table. The first two points are fixed; the next two are
	// multiples of the stored step size.
	step := bitField(ee[0x3F], 12, 2) * 10
	c.ct = [4]int{-40, 0, bitField(ee[0x3F], 4, 4), bitField(ee[0x3F], 8, 4)}
	c.ct[2] *= step
	c.ct[3] = c.ct[2] + c.ct[3]*step
	ksToScale := uint(bitField(ee[0x3F], 0, 4) + 8)
	for i := 0; i < 4; i++ {
		k := signedField(ee[0x3D+i/2], uint(8*(i%2)), 8)
		c.ksTo[i] = float64(k) / float64(int(1)<<ksToScale)
	}

	// Per-pixel sensitivity and offset share the grid accumulation; only
	// their addresses and the final sensitivity scaling differ.
	alphaGrid := accumulateGrid(ee, gridLayout{
		scales: 0x20, ref: 0x21, rowBase: 0x22, colBase: 0x28, pixLSB: 4,
	})
	alphaScale := uint(bitField(ee[0x20], 12, 4) + 30)
	for p := 0; p < PixelCount; p++ {
		c.alpha[p] = float64(alphaGrid[p]) / float64(uint64(1)<<alphaScale)
	}
	c.offset = accumulateGrid(ee, gridLayout{
		scales: 0x10, ref: 0x11, signedRef: true, rowBase: 0x12, colBase: 0x18, pixLSB: 10,
	})

	// Kta and Kv are not stored per pixel: each pixel selects a base
	// coefficient by row/column parity. Kta adds a scaled per-pixel
	// remainder on top.
	ktaBase := [2][2]int{
		{signedField(ee[0x36], 8, 8), signedField(ee[0x37], 8, 8)},
		{signedField(ee[0x36], 0, 8), signedField(ee[0x37], 0, 8)},
	}
	ktaScale1 := uint(bitField(ee[0x38], 4, 4) + 8)
	ktaScale2 := uint(bitField(ee[0x38], 0, 4))
	kvBase := [2][2]int{
		{signedField(ee[0x34], 12, 4), signedField(ee[0x34], 4, 4)},
		{signedField(ee[0x34], 8, 4), signedField(ee[0x34], 0, 4)},
	}
	kvScale := uint(bitField(ee[0x38], 8, 4))
	for p := 0; p < PixelCount; p++ {
		row, col := p/Cols%2, p%Cols%2
		rem := signedField(ee[0x40+p], 1, 3)
		c.kta[p] = float64(ktaBase[row][col]+rem<<ktaScale2) / float64(int(1)<<ktaScale1)
		c.kv[p] = float64(kvBase[row][col]) / float64(int(1)<<kvScale)
	}

	// Compensation pixel. Subpage 1 sensitivity is subpage 0 scaled by a
	// stored ratio.
	cpAlphaScale := uint(bitField(ee[0x20], 12, 4))
	c.cpAlpha[0] = float64(bitField(ee[0x39], 0, 10)) / float64(uint64(1)<<(cpAlphaScale+27))
	c.cpAlpha[1] = c.cpAlpha[0] * (1 + float64(signedField(ee[0x39], 10, 6))/128)
	c.cpOffset[0] = signedField(ee[0x3A], 0, 10)
	c.cpOffset[1] = c.cpOffset[0] + bitField(ee[0x3A], 10, 6)
	if c.cpOffset[1] > 511 {
		c.cpOffset[1] -= 1024
	}
	c.cpKta = float64(signedField(ee[0x3B], 0, 8)) / float64(int(1)<<(uint(bitField(ee[0x38], 4, 4))+8))
	c.cpKv = float64(signedField(ee[0x3B], 8, 8)) / float64(int(1)<<(kvScale+8))

	return c
}

// toSigned16 reinterprets a raw data-area word as a signed reading.
func toSigned16(w uint16) int {
	return int(int16(w))
}

// processSubpage runs the compensation pipeline over one subpage of the raw
// data area and writes the resulting temperatures into frame. Pixels of the
// other subpage are left untouched. ctrl is the control register read
// alongside the data area; its bits 11:10 hold the resolution in effect at
// capture time.
func (c *calibration) processSubpage(raw []uint16, ctrl uint16, subpage int, frame Frame) {
	ram := func(reg uint16) int {
		return toSigned16(raw[reg-regDataStart])
	}

	// Supply voltage, rescaled between the calibration-time and
	// capture-time ADC resolutions.
	resRAM := uint(bitField(ctrl, 10, 2))
	resCorr := float64(int(1)<<c.resolutionEE) / float64(int(1)<<resRAM)
	vdd := (resCorr*float64(ram(0x072A))-float64(c.vdd25))/float64(c.kVdd) + referenceVdd

	// Ambient temperature, linearized around the 25 degC reference and
	// corrected for supply deviation.
	vPTAT := float64(ram(0x0700))
	vPTATArt := vPTAT / (vPTAT*c.alphaPTAT + float64(ram(0x0720))) * 131072.0
	ta := (vPTATArt/(1+c.kvPTAT*(vdd-referenceVdd))-float64(c.vPTAT25))/c.ktPTAT + referenceTemp

	gain := float64(c.gain) / float64(ram(0x070A))

	// Compensation pixel signal for both subpages.
	taTerm := 1 + c.cpKta*(ta-referenceTemp)
	vddTerm := 1 + c.cpKv*(vdd-referenceVdd)
	cpSP := [2]float64{
		float64(ram(0x0708))*gain - float64(c.cpOffset[0])*taTerm*vddTerm,
		float64(ram(0x0728))*gain - float64(c.cpOffset[1])*taTerm*vddTerm,
	}

	taK4 := math.Pow(ta+273.15, 4)
	for p := 0; p < PixelCount; p++ {
		row, col := p/Cols, p%Cols
		if (row+col)%2 != subpage {
			continue
		}
		ir := float64(toSigned16(raw[p])) * gain
		ir -= float64(c.offset[p]) * (1 + c.kta[p]*(ta-referenceTemp)) * (1 + c.kv[p]*(vdd-referenceVdd))
		ir -= c.tgc * cpSP[subpage]

		// Object temperature. The sensitivity correction uses the second
		// breakpoint coefficient for every range.
		r := ir / c.alpha[p]
		sx := c.ksTo[1] * r * r * r * ir
		frame[p] = math.Pow(ir/(c.alpha[p]*(1-c.ksTo[1]*referenceTemp)+sx)+taK4, 0.25) - 273.15
	}
}
