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

package feature

import "math"

// DetectEdges computes the Scharr gradient magnitude of the image, so that
// detection and matching operate on structural outlines instead of raw
// intensities. The one pixel border is set to zero. A unit intensity step
// produces a magnitude of one
func DetectEdges(data []float32, width int32) []float32 {
	height := int32(len(data)) / width
	out := make([]float32, len(data))
	if width < 3 || height < 3 {
		return out
	}
	for y := int32(1); y < height-1; y++ {
		for x := int32(1); x < width-1; x++ {
			i := y*width + x
			gx := 3*(data[i-width+1]-data[i-width-1]) +
				10*(data[i+1]-data[i-1]) +
				3*(data[i+width+1]-data[i+width-1])
			gy := 3*(data[i+width-1]-data[i-width-1]) +
				10*(data[i+width]-data[i-width]) +
				3*(data[i+width+1]-data[i-width+1])
			gx *= 1.0 / 16.0
			gy *= 1.0 / 16.0
			out[i] = float32(math.Sqrt(float64(gx*gx + gy*gy)))
		}
	}
	return out
}
