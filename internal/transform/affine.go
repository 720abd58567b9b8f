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

package transform

import (
	"errors"
	"fmt"
	"math"
)

// A 2x2 matrix in row-major order, [[A B], [C D]]
type Mat2 struct {
	A float32 `json:"a"`
	B float32 `json:"b"`
	C float32 `json:"c"`
	D float32 `json:"d"`
}

// An affine 2D coordinate transformation p' = M*p + (Dx, Dy), stored in the
// backward direction used for resampling, i.e. mapping destination pixel
// coordinates to source pixel coordinates. A nil matrix denotes the identity,
// making the transform a pure translation
type Affine struct {
	M  *Mat2   `json:"m"`
	Dx float32 `json:"dx"`
	Dy float32 `json:"dy"`
}

// Returns the identity transform
func Identity() Affine {
	return Affine{}
}

// Returns a pure translation by (dx, dy)
func Translation(dx, dy float32) Affine {
	return Affine{nil, dx, dy}
}

// Creates a transform x' = a*x + b*y + dx, y' = c*x + d*y + dy
func NewAffine(a, b, c, d, dx, dy float32) Affine {
	return Affine{&Mat2{a, b, c, d}, dx, dy}
}

// Returns the six coefficients (a, b, c, d, dx, dy) of the transform,
// substituting the identity matrix for a nil M
func (t Affine) Coeffs() (a, b, c, d, dx, dy float32) {
	if t.M == nil {
		return 1, 0, 0, 1, t.Dx, t.Dy
	}
	return t.M.A, t.M.B, t.M.C, t.M.D, t.Dx, t.Dy
}

// Apply the transform to the given coordinates
func (t Affine) Apply(p Point2D) Point2D {
	if t.M == nil {
		return Point2D{p.X + t.Dx, p.Y + t.Dy}
	}
	return Point2D{t.M.A*p.X + t.M.B*p.Y + t.Dx, t.M.C*p.X + t.M.D*p.Y + t.Dy}
}

// Apply the transform to many given coordinates
func (t Affine) ApplySlice(ps []Point2D) []Point2D {
	pps := make([]Point2D, len(ps))
	for i, p := range ps {
		pps[i] = t.Apply(p)
	}
	return pps
}

// Apply only the matrix part of the transform, without translation
func (t Affine) applyMat(p Point2D) Point2D {
	if t.M == nil {
		return p
	}
	return Point2D{t.M.A*p.X + t.M.B*p.Y, t.M.C*p.X + t.M.D*p.Y}
}

// Composes the transform with u so that the result applies t first, then u.
// Chaining p through t then u gives u(t(p)) = Mu*Mt*p + Mu*Tt + Tu, so the
// result is (Mu*Mt, Tu + Mu*Tt)
func (t Affine) Then(u Affine) Affine {
	if t.M == nil && u.M == nil {
		return Affine{nil, t.Dx + u.Dx, t.Dy + u.Dy}
	}
	var m *Mat2
	switch {
	case t.M == nil:
		m = &Mat2{u.M.A, u.M.B, u.M.C, u.M.D}
	case u.M == nil:
		m = &Mat2{t.M.A, t.M.B, t.M.C, t.M.D}
	default:
		m = &Mat2{
			u.M.A*t.M.A + u.M.B*t.M.C, u.M.A*t.M.B + u.M.B*t.M.D,
			u.M.C*t.M.A + u.M.D*t.M.C, u.M.C*t.M.B + u.M.D*t.M.D,
		}
	}
	d := u.applyMat(Point2D{t.Dx, t.Dy})
	return Affine{m, u.Dx + d.X, u.Dy + d.Y}
}

// Invert the transform. For a pure translation the inverse is the negated
// offset; otherwise the inverse is (inv(M), -inv(M)*T). Returns an error
// for a singular matrix
func (t Affine) Invert() (Affine, error) {
	if t.M == nil {
		return Affine{nil, -t.Dx, -t.Dy}, nil
	}
	det := t.M.A*t.M.D - t.M.B*t.M.C
	if det < 1e-8 && -det < 1e-8 {
		return Affine{}, fmt.Errorf("Matrix has no inverse, determinant=%g", det)
	}
	m := &Mat2{t.M.D / det, -t.M.B / det, -t.M.C / det, t.M.A / det}
	return Affine{m, -(m.A*t.Dx + m.B*t.Dy), -(m.C*t.Dx + m.D*t.Dy)}, nil
}

// Maps the corner pixel centers of a w x h grid through the transform and
// returns the bounding box of the result. Sufficient for the full grid as an
// affine map attains its extremes at the corners
func (t Affine) MapBounds(width, height int32) (xmin, xmax, ymin, ymax float32) {
	w, h := float32(width-1), float32(height-1)
	corners := [4]Point2D{{0, 0}, {w, 0}, {0, h}, {w, h}}
	first := t.Apply(corners[0])
	xmin, xmax, ymin, ymax = first.X, first.X, first.Y, first.Y
	for _, c := range corners[1:] {
		p := t.Apply(c)
		if p.X < xmin {
			xmin = p.X
		}
		if p.X > xmax {
			xmax = p.X
		}
		if p.Y < ymin {
			ymin = p.Y
		}
		if p.Y > ymax {
			ymax = p.Y
		}
	}
	return xmin, xmax, ymin, ymax
}

func (t Affine) String() string {
	if t.M == nil {
		return fmt.Sprintf("x'=x%+.2f, y'=y%+.2f", t.Dx, t.Dy)
	}
	return fmt.Sprintf("x'=%.5gx %+.5gy %+.2g, y'=%.5gx %+.5gy %+.2g",
		t.M.A, t.M.B, t.Dx, t.M.C, t.M.D, t.Dy)
}

// Calculate the affine transform mapping the three points p1, p2, p3 in the
// first coordinate system onto the corresponding points q1, q2, q3 in the
// second, by solving the two linear systems in closed form
func FromTriangle(p1, p2, p3, q1, q2, q3 Point2D) (Affine, error) {
	denom := (p2.Y-p1.Y)*(p3.X-p1.X) - (p2.X-p1.X)*(p3.Y-p1.Y)

	a := ((q3.X-q1.X)*(p2.Y-p1.Y) - (q2.X-q1.X)*(p3.Y-p1.Y)) / denom
	b := ((q2.X - q1.X) - a*(p2.X-p1.X)) / (p2.Y - p1.Y)
	c := q1.X - a*p1.X - b*p1.Y

	d := ((q3.Y-q1.Y)*(p2.Y-p1.Y) - (q2.Y-q1.Y)*(p3.Y-p1.Y)) / denom
	e := ((q2.Y - q1.Y) - d*(p2.X-p1.X)) / (p2.Y - p1.Y)
	f := q1.Y - d*p1.X - e*p1.Y

	if badCoeff(a) || badCoeff(b) || badCoeff(d) || badCoeff(e) {
		return Affine{}, errors.New("divide by zero")
	}
	return Affine{&Mat2{a, b, d, e}, c, f}, nil
}

func badCoeff(x float32) bool {
	f := float64(x)
	return math.IsInf(f, 0) || math.IsNaN(f)
}
