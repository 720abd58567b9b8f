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

package fits

import (
	"math"
	"os"

	"github.com/skylign/skylign/internal/stats"
	"golang.org/x/image/tiff"
)

// Reads a TIFF file into a mono FITS image. Color images are converted to
// grayscale luminance
func (f *Image) ReadTIFF(fileName string) error {
	file, err := os.Open(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	f.FileName = fileName
	t, err := tiff.Decode(file)
	if err != nil {
		return err
	}

	width, height := t.Bounds().Dx(), t.Bounds().Dy()
	f.Bitpix = 16
	f.Naxisn = []int32{int32(width), int32(height)}
	f.Pixels = int32(width) * int32(height)
	f.Bzero, f.Bscale = 0, 1
	f.Data = make([]float32, f.Pixels)

	min, max, sum := float32(math.MaxFloat32), float32(-math.MaxFloat32), float64(0)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := t.At(x+t.Bounds().Min.X, y+t.Bounds().Min.Y).RGBA()
			gray := 0.2126*float32(r) + 0.7152*float32(g) + 0.0722*float32(b)
			f.Data[y*width+x] = gray

			if gray < min {
				min = gray
			}
			if gray > max {
				max = gray
			}
			sum += float64(gray)
		}
	}

	mean := float32(sum / float64(width) / float64(height))
	f.Stats = stats.NewStatsWithMMM(f.Data, f.Naxisn[0], min, mean, max)
	return nil
}
