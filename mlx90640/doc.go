// Copyright 2026 The Thermocam Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package mlx90640 controls a Melexis MLX90640 32x24 far-infrared thermal
// camera array over I2C.
//
// The device exposes an 832-word factory calibration EEPROM and an 832-word
// volatile data area. A frame is captured in two interleaved subpages; the
// driver waits for each subpage, reads the data area and runs the datasheet
// compensation pipeline against the cached calibration coefficients to
// produce 768 temperatures in degrees Celsius.
//
// # Datasheet
//
// https://www.melexis.com/en/documents/documentation/datasheets/datasheet-mlx90640
package mlx90640
