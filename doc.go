// Copyright 2026 The Thermocam Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package thermocam is a container for the MLX90640 thermal camera driver and
// its frame tooling.
package thermocam
