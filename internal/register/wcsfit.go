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

package register

import (
	"fmt"
	"math"

	"github.com/skylign/skylign/internal/transform"
	"github.com/skylign/skylign/internal/wcs"
)

// fitWCSPair derives the backward transform between two solved images by
// projecting reference frame pixel positions through the reference WCS onto
// the sky and back through the image WCS. gridPoints sets the approximate
// number of sample positions spread over the reference frame; zero skips
// the least-squares fit and maps three corners exactly
func fitWCSPair(img, ref *wcs.WCS, refNaxisn []int32, gridPoints int,
	dof transform.DOF) (transform.Affine, error) {
	width, height := int32(2), int32(2)
	if len(refNaxisn) >= 2 {
		width, height = refNaxisn[0], refNaxisn[1]
	}
	w, h := float32(width-1), float32(height-1)

	if gridPoints <= 0 {
		corners := []transform.Point2D{{X: 0, Y: 0}, {X: w, Y: h}, {X: w, Y: 0}}
		imgPts := make([]transform.Point2D, len(corners))
		for i, c := range corners {
			p, err := img.SkyToPix(ref.PixToSky(c))
			if err != nil {
				return transform.Affine{}, err
			}
			imgPts[i] = p
		}
		return transform.FromTriangle(corners[0], corners[1], corners[2],
			imgPts[0], imgPts[1], imgPts[2])
	}

	n := int(math.Round(math.Sqrt(float64(gridPoints))))
	if n < 2 {
		n = 2
	}
	from := make([]transform.Point2D, 0, n*n)
	to := make([]transform.Point2D, 0, n*n)
	for iy := 0; iy < n; iy++ {
		y := h * float32(iy) / float32(n-1)
		for ix := 0; ix < n; ix++ {
			x := w * float32(ix) / float32(n-1)
			refPt := transform.Point2D{X: x, Y: y}
			imgPt, err := img.SkyToPix(ref.PixToSky(refPt))
			if err != nil {
				continue
			}
			from = append(from, refPt)
			to = append(to, imgPt)
		}
	}
	if len(from) < dof.MinPoints() {
		return transform.Affine{}, fmt.Errorf(
			"Insufficient overlap between image and reference WCS")
	}
	return transform.FitPoints(from, to, dof)
}
