// Copyright 2026 The Thermocam Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package framerecord persists thermal frames to disk for later analysis or
// model training.
//
// Each frame is stored as 768 raw little-endian float32 values in row-major
// order (3072 bytes). The file name embeds the frame's temperature range and
// the number of warm and hot regions found in it, so a directory of
// recordings can be triaged without opening a single file:
//
//	frame_<min>_<max>_<warm>_<hot>_<seq>.bin
package framerecord

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/thermosense/thermocam/mlx90640"
)

// Opts represents the options available for the recorder.
type Opts struct {
	// Dir is the directory recordings are written to. It is created if
	// missing. Defaults to the current directory.
	Dir string
	// WarmLow and WarmHigh bound the temperature band counted as a warm
	// region. The zero value selects 25..33 degC, which picks up people at
	// room temperature.
	WarmLow, WarmHigh float64
	// HotAbove is the temperature above which a region counts as hot. The
	// zero value selects 33 degC.
	HotAbove float64

	_ struct{}
}

// frameBytes is the size of one recording: 768 float32 values.
const frameBytes = mlx90640.PixelCount * 4

// Recorder writes frames to a directory with a monotonic sequence number.
type Recorder struct {
	dir      string
	warmLow  float64
	warmHigh float64
	hotAbove float64

	mu  sync.Mutex
	seq int
}

// New returns a Recorder writing into opts.Dir.
func New(opts *Opts) (*Recorder, error) {
	if opts == nil {
		opts = &Opts{}
	}
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("framerecord: %w", err)
	}
	warmLow, warmHigh := opts.WarmLow, opts.WarmHigh
	if warmLow == 0 && warmHigh == 0 {
		warmLow, warmHigh = 25, 33
	}
	if warmLow >= warmHigh {
		return nil, fmt.Errorf("framerecord: invalid warm band %g..%g", warmLow, warmHigh)
	}
	hotAbove := opts.HotAbove
	if hotAbove == 0 {
		hotAbove = 33
	}
	return &Recorder{dir: dir, warmLow: warmLow, warmHigh: warmHigh, hotAbove: hotAbove}, nil
}

func (r *Recorder) String() string {
	return fmt.Sprintf("FrameRecorder{%s}", r.dir)
}

// Record writes one frame and returns the path of the file created.
func (r *Recorder) Record(frame mlx90640.Frame) (string, error) {
	if len(frame) != mlx90640.PixelCount {
		return "", fmt.Errorf("framerecord: frame has %d pixels, want %d", len(frame), mlx90640.PixelCount)
	}
	min, max := frame.Bounds()
	warm := countRegions(frame, func(t float64) bool { return t >= r.warmLow && t <= r.warmHigh })
	hot := countRegions(frame, func(t float64) bool { return t > r.hotAbove })

	r.mu.Lock()
	seq := r.seq
	r.seq++
	r.mu.Unlock()

	name := fmt.Sprintf("frame_%.1f_%.1f_%d_%d_%d.bin", min, max, warm, hot, seq)
	path := filepath.Join(r.dir, name)
	if err := os.WriteFile(path, Marshal(frame), 0o644); err != nil {
		return "", fmt.Errorf("framerecord: %w", err)
	}
	return path, nil
}

// Marshal encodes a frame as 3072 bytes of row-major little-endian float32.
func Marshal(frame mlx90640.Frame) []byte {
	b := make([]byte, 0, frameBytes)
	for _, t := range frame {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(float32(t)))
	}
	return b
}

// Unmarshal decodes a frame encoded by Marshal.
func Unmarshal(b []byte) (mlx90640.Frame, error) {
	if len(b) != frameBytes {
		return nil, fmt.Errorf("framerecord: payload is %d bytes, want %d", len(b), frameBytes)
	}
	frame := make(mlx90640.Frame, mlx90640.PixelCount)
	for i := range frame {
		frame[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:])))
	}
	return frame, nil
}

// ReadFile loads a frame previously written by Record.
func ReadFile(path string) (mlx90640.Frame, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("framerecord: %w", err)
	}
	return Unmarshal(b)
}

// countRegions returns the number of 8-connected pixel regions matching
// pred. Two matching pixels belong to the same region when they touch
// horizontally, vertically or diagonally.
func countRegions(frame mlx90640.Frame, pred func(float64) bool) int {
	seen := [mlx90640.PixelCount]bool{}
	stack := make([]int, 0, mlx90640.PixelCount)
	n := 0
	for p := 0; p < mlx90640.PixelCount; p++ {
		if seen[p] || !pred(frame[p]) {
			continue
		}
		n++
		stack = append(stack[:0], p)
		seen[p] = true
		for len(stack) != 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			row, col := cur/mlx90640.Cols, cur%mlx90640.Cols
			for dr := -1; dr <= 1; dr++ {
				for dc := -1; dc <= 1; dc++ {
					nr, nc := row+dr, col+dc
					if nr < 0 || nr >= mlx90640.Rows || nc < 0 || nc >= mlx90640.Cols {
						continue
					}
					q := nr*mlx90640.Cols + nc
					if !seen[q] && pred(frame[q]) {
						seen[q] = true
						stack = append(stack, q)
					}
				}
			}
		}
	}
	return n
}

var _ fmt.Stringer = &Recorder{}
