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

	"github.com/skylign/skylign/internal/stats"
	"github.com/skylign/skylign/internal/transform"
)

// Resamples the image into a destination raster of the given dimensions.
// trans maps destination pixel coordinates to source pixel coordinates.
// Uses bilinear interpolation. Destination pixels which fall outside the
// source image are filled with the given out of bounds value; pixels whose
// interpolation touches a masked (NaN) source pixel come out masked.
func (f *Image) Project(destNaxisn []int32, trans transform.Affine, outOfBounds float32) *Image {
	destWidth := destNaxisn[0]
	res := NewImageFromNaxisn(destNaxisn, nil)
	res.ID, res.FileName, res.Exposure, res.Filter = f.ID, f.FileName, f.Exposure, f.Filter

	// sample from the destination coordinate system PoV
	d := f.Data
	origWidth, origHeight := f.Naxisn[0], f.Naxisn[1]

	for row := int32(0); row < destNaxisn[1]; row++ {
		for col := int32(0); col < destWidth; col++ {
			pt := transform.Point2D{X: float32(col), Y: float32(row)}
			proj := trans.Apply(pt)

			// perform bilinear interpolation
			xl, yl := int32(math.Floor(float64(proj.X))), int32(math.Floor(float64(proj.Y)))
			xh, yh := xl+1, yl+1
			xr, yr := proj.X-float32(xl), proj.Y-float32(yl)

			// taps with zero weight collapse onto their partner, so a
			// sample on the last row or column stays in bounds and a
			// masked neighbor cannot leak NaN into an exact hit
			if xr == 0 {
				xh = xl
			}
			if yr == 0 {
				yh = yl
			}

			if xl < 0 || xh >= origWidth || yl < 0 || yh >= origHeight {
				res.Data[col+row*destWidth] = outOfBounds
				continue
			}

			xlyl := xl + yl*origWidth
			xhyl := xh + yl*origWidth
			xlyh := xl + yh*origWidth
			xhyh := xh + yh*origWidth

			vyl := d[xlyl]*(1-xr) + d[xhyl]*xr
			vyh := d[xlyh]*(1-xr) + d[xhyh]*xr
			v := vyl*(1-yr) + vyh*yr

			res.Data[col+row*destWidth] = v
		}
	}
	res.Stats = stats.NewStats(res.Data, destWidth)
	return res
}

// catmullRom interpolates between p1 and p2 with the two outer samples
// shaping the curve, t in [0,1). An exact hit returns p1 untouched even
// when the outer samples are masked
func catmullRom(p0, p1, p2, p3, t float32) float32 {
	if t == 0 {
		return p1
	}
	return 0.5 * (2*p1 + (p2-p0)*t + (2*p0-5*p1+4*p2-p3)*t*t +
		(3*p1-p0-3*p2+p3)*t*t*t)
}

// ProjectCubic resamples like Project but with Catmull-Rom interpolation
// over a 4x4 neighborhood for smoother results. Destination pixels whose
// neighborhood is cut off by the source border degrade to bilinear
func (f *Image) ProjectCubic(destNaxisn []int32, trans transform.Affine, outOfBounds float32) *Image {
	destWidth := destNaxisn[0]
	res := NewImageFromNaxisn(destNaxisn, nil)
	res.ID, res.FileName, res.Exposure, res.Filter = f.ID, f.FileName, f.Exposure, f.Filter

	d := f.Data
	origWidth, origHeight := f.Naxisn[0], f.Naxisn[1]

	for row := int32(0); row < destNaxisn[1]; row++ {
		for col := int32(0); col < destWidth; col++ {
			pt := transform.Point2D{X: float32(col), Y: float32(row)}
			proj := trans.Apply(pt)

			xl, yl := int32(math.Floor(float64(proj.X))), int32(math.Floor(float64(proj.Y)))
			xh, yh := xl+1, yl+1
			xr, yr := proj.X-float32(xl), proj.Y-float32(yl)

			if xr == 0 {
				xh = xl
			}
			if yr == 0 {
				yh = yl
			}

			if xl < 0 || xh >= origWidth || yl < 0 || yh >= origHeight {
				res.Data[col+row*destWidth] = outOfBounds
				continue
			}

			if xl < 1 || xl+2 >= origWidth || yl < 1 || yl+2 >= origHeight {
				// not enough support for the cubic kernel near the border
				vyl := d[xl+yl*origWidth]*(1-xr) + d[xh+yl*origWidth]*xr
				vyh := d[xl+yh*origWidth]*(1-xr) + d[xh+yh*origWidth]*xr
				res.Data[col+row*destWidth] = vyl*(1-yr) + vyh*yr
				continue
			}

			var rows [4]float32
			for k := int32(0); k < 4; k++ {
				base := xl - 1 + (yl-1+k)*origWidth
				rows[k] = catmullRom(d[base], d[base+1], d[base+2], d[base+3], xr)
			}
			res.Data[col+row*destWidth] = catmullRom(rows[0], rows[1], rows[2], rows[3], yr)
		}
	}
	res.Stats = stats.NewStats(res.Data, destWidth)
	return res
}
