// Copyright 2026 The Thermocam Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package thermalimage renders thermal frames as false-color raster images
// with the frame temperature range annotated, suitable for saving as PNG.
package thermalimage

import (
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/thermosense/thermocam/mlx90640"
)

// Opts represents the options available for the renderer.
type Opts struct {
	// Scale is the edge length in pixels of one sensor pixel. The zero
	// value selects 10, producing a 320x240 image plus the label strip.
	Scale int
	// FontSize of the annotation text. The zero value selects 14.
	FontSize float64

	_ struct{}
}

// labelStrip is the height in pixels of the annotation area below the map.
const labelStrip = 24

// Renderer rasterizes frames.
type Renderer struct {
	scale    int
	fontSize float64
}

// New returns a Renderer.
func New(opts *Opts) (*Renderer, error) {
	if opts == nil {
		opts = &Opts{}
	}
	scale := opts.Scale
	if scale == 0 {
		scale = 10
	}
	if scale < 1 {
		return nil, fmt.Errorf("thermalimage: invalid scale %d", opts.Scale)
	}
	size := opts.FontSize
	if size == 0 {
		size = 14
	}
	return &Renderer{scale: scale, fontSize: size}, nil
}

// Bounds returns the dimensions of rendered images.
func (r *Renderer) Bounds() image.Rectangle {
	return image.Rect(0, 0, mlx90640.Cols*r.scale, mlx90640.Rows*r.scale+labelStrip)
}

// Render rasterizes one frame. The color ramp is normalized to the frame's
// own temperature range, and the range is printed below the map.
func (r *Renderer) Render(frame mlx90640.Frame) (image.Image, error) {
	if len(frame) != mlx90640.PixelCount {
		return nil, fmt.Errorf("thermalimage: frame has %d pixels, want %d", len(frame), mlx90640.PixelCount)
	}
	min, max := frame.Bounds()

	bounds := r.Bounds()
	dc := gg.NewContext(bounds.Dx(), bounds.Dy())
	dc.SetColor(color.Black)
	dc.Clear()

	for row := 0; row < mlx90640.Rows; row++ {
		for col := 0; col < mlx90640.Cols; col++ {
			dc.SetColor(heat(frame.At(row, col), min, max))
			dc.DrawRectangle(float64(col*r.scale), float64(row*r.scale), float64(r.scale), float64(r.scale))
			dc.Fill()
		}
	}

	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("thermalimage: %w", err)
	}
	dc.SetFontFace(truetype.NewFace(f, &truetype.Options{Size: r.fontSize}))
	dc.SetColor(color.White)
	label := fmt.Sprintf("%.1f .. %.1f degC", min, max)
	dc.DrawStringAnchored(label, float64(bounds.Dx())/2, float64(bounds.Dy())-labelStrip/2, 0.5, 0.35)

	return dc.Image(), nil
}

// RenderPNG rasterizes one frame and encodes it as PNG to w.
func (r *Renderer) RenderPNG(w io.Writer, frame mlx90640.Frame) error {
	img, err := r.Render(frame)
	if err != nil {
		return err
	}
	dc := gg.NewContextForImage(img)
	return dc.EncodePNG(w)
}

// heat maps temp onto a black-red-yellow-white ramp over [min, max].
func heat(temp, min, max float64) color.NRGBA {
	t := 0.0
	if max > min {
		t = (temp - min) / (max - min)
	}
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
	return color.NRGBA{R: ramp(0, 0.4), G: ramp(0.4, 0.8), B: ramp(0.8, 1), A: 255}
}
