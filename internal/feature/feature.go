// Copyright (C) 2026 The Skylign Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package feature provides multi-scale keypoint detection, binary descriptor
// extraction and descriptor matching for feature-based image alignment.
// Detection runs on normalized float32 frames; each of the supported
// algorithm settings variants maps onto one shared detector pipeline.
package feature

// A detected keypoint in full resolution pixel coordinates
type KeyPoint struct {
	X        float32 // x position
	Y        float32 // y position
	Scale    float32 // full resolution pixels per pixel of the detection level
	Angle    float32 // orientation in radians, 0 when upright
	Response float32 // detection strength, determinant of the local Hessian
}

// A binary descriptor of the oriented patch around a keypoint,
// 256 bits in 4 words or 512 bits in 8 words
type Descriptor []uint64

// Keypoints with their descriptors, index aligned
type Features struct {
	KeyPoints   []KeyPoint
	Descriptors []Descriptor
}
