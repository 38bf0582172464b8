// Copyright 2026 The Thermocam Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package thermalview renders thermal frames to a terminal (stdout) using
// ANSI color codes.
//
// Useful to check a sensor is alive and pointed the right way without any
// display hardware attached.
package thermalview

import (
	"bytes"
	"fmt"
	"image/color"
	"io"

	"github.com/maruel/ansi256"
	"github.com/mattn/go-colorable"

	"github.com/thermosense/thermocam/mlx90640"
)

// Opts represents the options available for the view.
type Opts struct {
	// Temperature window mapped onto the color ramp. Pixels outside the
	// window are clamped. The zero value selects 20..40 degC, a window that
	// suits indoor scenes with people in them.
	Low, High float64
	// W receives the rendered output. Defaults to a colorable stdout.
	W io.Writer
	// Palette used for the ANSI approximation. Defaults to ansi256.Default.
	Palette *ansi256.Palette

	_ struct{}
}

// View renders frames as a block of colored terminal cells, one line per
// pixel row.
type View struct {
	w       io.Writer
	low     float64
	high    float64
	palette ansi256.Palette

	buf bytes.Buffer
}

// New returns a View rendering to the console.
func New(opts *Opts) *View {
	if opts == nil {
		opts = &Opts{}
	}
	low, high := opts.Low, opts.High
	if low == 0 && high == 0 {
		low, high = 20, 40
	}
	w := opts.W
	if w == nil {
		w = colorable.NewColorableStdout()
	}
	p := opts.Palette
	if p == nil {
		p = ansi256.Default
	}
	return &View{w: w, low: low, high: high, palette: *p}
}

func (v *View) String() string {
	return fmt.Sprintf("ThermalView{%g..%g}", v.low, v.high)
}

// Halt resets the terminal attributes so the console is not left corrupted.
func (v *View) Halt() error {
	_, err := v.w.Write([]byte("\033[0m\n"))
	return err
}

// Draw renders one frame. Each pixel becomes two character cells so the
// 32x24 array keeps a roughly square aspect ratio on screen.
func (v *View) Draw(frame mlx90640.Frame) error {
	if len(frame) != mlx90640.PixelCount {
		return fmt.Errorf("thermalview: frame has %d pixels, want %d", len(frame), mlx90640.PixelCount)
	}
	// Minimize the amount of memory allocated per call.
	v.buf.Reset()
	for row := 0; row < mlx90640.Rows; row++ {
		_, _ = v.buf.WriteString("\033[0m")
		for col := 0; col < mlx90640.Cols; col++ {
			block := v.palette.Block(v.color(frame.At(row, col)))
			_, _ = io.WriteString(&v.buf, block)
			_, _ = io.WriteString(&v.buf, block)
		}
		_, _ = v.buf.WriteString("\033[0m\n")
	}
	_, err := v.buf.WriteTo(v.w)
	return err
}

// color maps a temperature onto a black-red-yellow-white ramp.
func (v *View) color(temp float64) color.NRGBA {
	t := (temp - v.low) / (v.high - v.low)
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	ramp := func(lo, hi float64) uint8 {
		if t <= lo {
			return 0
		}
		if t >= hi {
			return 255
		}
		return uint8((t - lo) / (hi - lo) * 255)
	}
	return color.NRGBA{
		R: ramp(0.25, 0.5),
		G: ramp(0.5, 0.75),
		B: ramp(0.75, 1),
		A: 255,
	}
}

var _ fmt.Stringer = &View{}
