//go:build examples
// +build examples

// Copyright 2026 The Thermocam Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package mlx90640_test

import (
	"fmt"
	"log"

	"github.com/thermosense/thermocam/mlx90640"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

// Reads one thermal frame and prints the center pixel.
//
// To execute this as a stand-alone program, copy this file to a new
// directory, rename it main.go, rename Example() to main and the package to
// main, then:
//
//	go mod init mydomain.com/mlx90640
//	go mod tidy
//	go build -o main main.go
//	./main
func Example() {
	if _, err := host.Init(); err != nil {
		log.Fatal(err)
	}
	bus, err := i2creg.Open("")
	if err != nil {
		log.Fatal(err)
	}
	defer bus.Close()

	dev, err := mlx90640.NewI2C(bus, mlx90640.SensorAddress, nil)
	if err != nil {
		log.Fatal(err)
	}
	if err := dev.SetRefreshRate(4 * physic.Hertz); err != nil {
		log.Fatal(err)
	}

	frame, err := dev.AcquireFrame()
	if err != nil {
		log.Fatal(err)
	}
	min, max := frame.Bounds()
	fmt.Printf("center pixel: %.1f degC (frame %.1f..%.1f)\n", frame.At(12, 16), min, max)
}
