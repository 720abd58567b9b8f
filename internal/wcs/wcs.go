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

// Package wcs implements the celestial world coordinate system for FITS
// images, limited to the gnomonic (TAN) projection which plate solvers
// emit for optical frames.
package wcs

import (
	"fmt"
	"math"
	"strings"

	"github.com/skylign/skylign/internal/fits"
	"github.com/skylign/skylign/internal/transform"
)

// A celestial coordinate in degrees
type SkyCoord struct {
	RA  float64 `json:"ra"`
	Dec float64 `json:"dec"`
}

// A TAN projection world coordinate system. Pixel coordinates are zero
// based; CRPIX keeps the one based FITS convention
type WCS struct {
	CRVAL1, CRVAL2 float64 // tangent point, degrees
	CRPIX1, CRPIX2 float64 // reference pixel, 1-based per FITS
	CD11, CD12     float64 // linear transformation matrix, degrees per pixel
	CD21, CD22     float64
}

const degToRad = math.Pi / 180
const radToDeg = 180 / math.Pi

// Builds a WCS from a FITS header. Accepts the CD matrix form, the PC
// matrix with CDELT scalings, or plain CDELT with an optional CROTA2
// rotation. Fails if the header has no celestial WCS, an unsupported
// projection, or a singular linear term
func FromHeader(h fits.Header) (*WCS, error) {
	if ctype1, ok := h.Strings["CTYPE1"]; ok && !strings.Contains(ctype1, "TAN") {
		return nil, fmt.Errorf("unsupported WCS projection %s", ctype1)
	}

	crval1, ok1 := h.Float("CRVAL1")
	crval2, ok2 := h.Float("CRVAL2")
	crpix1, ok3 := h.Float("CRPIX1")
	crpix2, ok4 := h.Float("CRPIX2")
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, fmt.Errorf("no celestial WCS in FITS header")
	}

	w := &WCS{
		CRVAL1: float64(crval1), CRVAL2: float64(crval2),
		CRPIX1: float64(crpix1), CRPIX2: float64(crpix2),
	}

	headerFloat := func(key string, def float32) float64 {
		if v, ok := h.Float(key); ok {
			return float64(v)
		}
		return float64(def)
	}

	_, haveCD := h.Float("CD1_1")
	_, havePC := h.Float("PC1_1")
	_, haveCDELT := h.Float("CDELT1")
	switch {
	case haveCD:
		w.CD11 = headerFloat("CD1_1", 0)
		w.CD12 = headerFloat("CD1_2", 0)
		w.CD21 = headerFloat("CD2_1", 0)
		w.CD22 = headerFloat("CD2_2", 0)
	case havePC:
		cdelt1, cdelt2 := headerFloat("CDELT1", 1), headerFloat("CDELT2", 1)
		w.CD11 = headerFloat("PC1_1", 1) * cdelt1
		w.CD12 = headerFloat("PC1_2", 0) * cdelt1
		w.CD21 = headerFloat("PC2_1", 0) * cdelt2
		w.CD22 = headerFloat("PC2_2", 1) * cdelt2
	case haveCDELT:
		cdelt1, cdelt2 := headerFloat("CDELT1", 1), headerFloat("CDELT2", 1)
		rho := headerFloat("CROTA2", 0) * degToRad
		sin, cos := math.Sin(rho), math.Cos(rho)
		w.CD11 = cdelt1 * cos
		w.CD12 = -cdelt2 * sin
		w.CD21 = cdelt1 * sin
		w.CD22 = cdelt2 * cos
	default:
		return nil, fmt.Errorf("no celestial WCS in FITS header")
	}

	if math.Abs(w.CD11*w.CD22-w.CD12*w.CD21) < 1e-18 {
		return nil, fmt.Errorf("singular WCS CD matrix")
	}
	return w, nil
}

// Reports whether the header carries a usable celestial WCS
func HasCelestial(h fits.Header) bool {
	_, err := FromHeader(h)
	return err == nil
}

// Unit direction vector of a celestial coordinate
func unitVector(ra, dec float64) (x, y, z float64) {
	raR, decR := ra*degToRad, dec*degToRad
	cosDec := math.Cos(decR)
	return cosDec * math.Cos(raR), cosDec * math.Sin(raR), math.Sin(decR)
}

// Celestial coordinate of a direction vector, RA wrapped into [0,360)
func vectorToSky(x, y, z float64) SkyCoord {
	norm := math.Sqrt(x*x + y*y + z*z)
	ra := math.Atan2(y, x) * radToDeg
	if ra < 0 {
		ra += 360
	}
	dec := math.Asin(z/norm) * radToDeg
	return SkyCoord{RA: ra, Dec: dec}
}

// Local tangent plane basis at the tangent point: the east and north unit
// vectors and the tangent point direction itself
func (w *WCS) tangentBasis() (tx, ty, tz, ex, ey, ez, nx, ny, nz float64) {
	raR, decR := w.CRVAL1*degToRad, w.CRVAL2*degToRad
	sinRa, cosRa := math.Sin(raR), math.Cos(raR)
	sinDec, cosDec := math.Sin(decR), math.Cos(decR)
	tx, ty, tz = cosDec*cosRa, cosDec*sinRa, sinDec
	ex, ey, ez = -sinRa, cosRa, 0
	nx, ny, nz = -sinDec*cosRa, -sinDec*sinRa, cosDec
	return
}

// Converts a zero based pixel coordinate into a celestial coordinate
func (w *WCS) PixToSky(p transform.Point2D) SkyCoord {
	u := float64(p.X) + 1 - w.CRPIX1
	v := float64(p.Y) + 1 - w.CRPIX2
	xi := (w.CD11*u + w.CD12*v) * degToRad
	eta := (w.CD21*u + w.CD22*v) * degToRad

	tx, ty, tz, ex, ey, ez, nx, ny, nz := w.tangentBasis()
	dx := tx + xi*ex + eta*nx
	dy := ty + xi*ey + eta*ny
	dz := tz + xi*ez + eta*nz
	return vectorToSky(dx, dy, dz)
}

// Converts a celestial coordinate into a zero based pixel coordinate.
// Fails for directions on the far hemisphere of the tangent plane
func (w *WCS) SkyToPix(c SkyCoord) (transform.Point2D, error) {
	dx, dy, dz := unitVector(c.RA, c.Dec)
	tx, ty, tz, ex, ey, ez, nx, ny, nz := w.tangentBasis()

	s := dx*tx + dy*ty + dz*tz
	if s <= 1e-12 {
		return transform.Point2D{}, fmt.Errorf("coordinate (%g, %g) does not project onto the tangent plane", c.RA, c.Dec)
	}
	xi := (dx*ex + dy*ey + dz*ez) / s * radToDeg
	eta := (dx*nx + dy*ny + dz*nz) / s * radToDeg

	det := w.CD11*w.CD22 - w.CD12*w.CD21
	u := (w.CD22*xi - w.CD12*eta) / det
	v := (-w.CD21*xi + w.CD11*eta) / det
	return transform.Point2D{X: float32(u + w.CRPIX1 - 1), Y: float32(v + w.CRPIX2 - 1)}, nil
}

// Derives the WCS of a destination raster given this WCS on the source
// raster and the affine transformation mapping destination pixels to
// source pixels. The tangent point is unchanged; the linear term and the
// reference pixel absorb the transformation
func (w *WCS) WithTransform(t transform.Affine) (*WCS, error) {
	inv, err := t.Invert()
	if err != nil {
		return nil, err
	}
	a, b, c, d, _, _ := t.Coeffs()
	ia, ib, ic, id, _, _ := inv.Coeffs()

	res := &WCS{CRVAL1: w.CRVAL1, CRVAL2: w.CRVAL2}
	res.CD11 = w.CD11*float64(a) + w.CD12*float64(c)
	res.CD12 = w.CD11*float64(b) + w.CD12*float64(d)
	res.CD21 = w.CD21*float64(a) + w.CD22*float64(c)
	res.CD22 = w.CD21*float64(b) + w.CD22*float64(d)

	// solve M*(1 - crpix') = t + 1 - crpix for the new reference pixel
	gx := float64(t.Dx) + 1 - w.CRPIX1
	gy := float64(t.Dy) + 1 - w.CRPIX2
	res.CRPIX1 = 1 - (float64(ia)*gx + float64(ib)*gy)
	res.CRPIX2 = 1 - (float64(ic)*gx + float64(id)*gy)
	return res, nil
}

// Writes the WCS into a FITS header, removing any alternative linear
// representations so readers see a single consistent description
func (w *WCS) SetInHeader(h *fits.Header) {
	for _, key := range []string{
		"PC1_1", "PC1_2", "PC2_1", "PC2_2",
		"CDELT1", "CDELT2", "CROTA1", "CROTA2",
	} {
		delete(h.Floats, key)
		delete(h.Ints, key)
	}
	h.Strings["CTYPE1"] = "RA---TAN"
	h.Strings["CTYPE2"] = "DEC--TAN"
	h.SetFloat("CRVAL1", float32(w.CRVAL1))
	h.SetFloat("CRVAL2", float32(w.CRVAL2))
	h.SetFloat("CRPIX1", float32(w.CRPIX1))
	h.SetFloat("CRPIX2", float32(w.CRPIX2))
	h.SetFloat("CD1_1", float32(w.CD11))
	h.SetFloat("CD1_2", float32(w.CD12))
	h.SetFloat("CD2_1", float32(w.CD21))
	h.SetFloat("CD2_2", float32(w.CD22))
}

// The sky footprint of an image: its center direction and the angular
// radius of the circumscribing circle, in degrees
type Footprint struct {
	Center SkyCoord
	Radius float64
}

// Computes the sky footprint of an image raster under this WCS
func (w *WCS) FootprintOf(naxisn []int32) Footprint {
	width, height := float32(naxisn[0]), float32(naxisn[1])
	center := w.PixToSky(transform.Point2D{X: (width - 1) / 2, Y: (height - 1) / 2})

	radius := 0.0
	for _, corner := range []transform.Point2D{
		{X: 0, Y: 0}, {X: width - 1, Y: 0}, {X: 0, Y: height - 1}, {X: width - 1, Y: height - 1},
	} {
		if sep := AngularSeparation(center, w.PixToSky(corner)); sep > radius {
			radius = sep
		}
	}
	return Footprint{Center: center, Radius: radius}
}

// The great circle distance between two celestial coordinates in degrees,
// using the Vincenty formula which stays accurate at all separations
func AngularSeparation(a, b SkyCoord) float64 {
	ra1, dec1 := a.RA*degToRad, a.Dec*degToRad
	ra2, dec2 := b.RA*degToRad, b.Dec*degToRad
	dRa := ra2 - ra1
	sinDRa, cosDRa := math.Sin(dRa), math.Cos(dRa)
	sin1, cos1 := math.Sin(dec1), math.Cos(dec1)
	sin2, cos2 := math.Sin(dec2), math.Cos(dec2)

	y := math.Hypot(cos2*sinDRa, cos1*sin2-sin1*cos2*cosDRa)
	x := sin1*sin2 + cos1*cos2*cosDRa
	return math.Atan2(y, x) * radToDeg
}

// The spherical mean direction of a set of celestial coordinates. An empty
// set yields the zero coordinate; antipodal sets which cancel out fall back
// to the first coordinate
func SphericalMean(coords []SkyCoord) SkyCoord {
	if len(coords) == 0 {
		return SkyCoord{}
	}
	sumX, sumY, sumZ := 0.0, 0.0, 0.0
	for _, c := range coords {
		x, y, z := unitVector(c.RA, c.Dec)
		sumX, sumY, sumZ = sumX+x, sumY+y, sumZ+z
	}
	if math.Sqrt(sumX*sumX+sumY*sumY+sumZ*sumZ) < 1e-12 {
		return coords[0]
	}
	return vectorToSky(sumX, sumY, sumZ)
}
