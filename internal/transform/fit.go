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

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// DOF selects which degrees of freedom beyond translation are fit. Disabled
// degrees are constrained to identity or isotropic values during the fit
type DOF struct {
	Rotation bool
	Scale    bool
	Skew     bool
}

// Returns the DOF with all degrees of freedom enabled, a full affine fit
func FullDOF() DOF {
	return DOF{Rotation: true, Scale: true, Skew: true}
}

// Returns the minimum number of point pairs required to determine a fit.
// A pure translation needs one pair, a full affine three, the rest two
func (d DOF) MinPoints() int {
	switch {
	case !d.Rotation && !d.Scale:
		return 1
	case d.Rotation && d.Scale && d.Skew:
		return 3
	default:
		return 2
	}
}

// FitPoints calculates the least-squares affine transform mapping the points
// in from onto the corresponding points in to, fitting only the degrees of
// freedom enabled in dof. Fails when fewer point pairs than dof.MinPoints()
// are given, or when the point configuration is degenerate
func FitPoints(from, to []Point2D, dof DOF) (Affine, error) {
	if len(from) != len(to) {
		return Affine{}, fmt.Errorf("Point lists must be of equal length, got %d and %d", len(from), len(to))
	}
	if len(from) < dof.MinPoints() {
		return Affine{}, fmt.Errorf("Insufficient points: got %d, need at least %d", len(from), dof.MinPoints())
	}

	switch {
	case !dof.Rotation && !dof.Scale:
		return fitTranslation(from, to), nil
	case dof.Rotation && dof.Scale && dof.Skew:
		return fitFullAffine(from, to)
	case dof.Rotation && dof.Scale:
		return fitSimilarity(from, to)
	case dof.Rotation && !dof.Skew:
		return fitRigid(from, to)
	case !dof.Rotation && !dof.Skew:
		return fitScaleShift(from, to)
	default:
		return fitConstrained(from, to, dof)
	}
}

func centroid(ps []Point2D) Point2D {
	sx, sy := float64(0), float64(0)
	for _, p := range ps {
		sx += float64(p.X)
		sy += float64(p.Y)
	}
	n := float64(len(ps))
	return Point2D{float32(sx / n), float32(sy / n)}
}

// Pure translation, the mean displacement between the point sets
func fitTranslation(from, to []Point2D) Affine {
	fm, tm := centroid(from), centroid(to)
	return Translation(tm.X-fm.X, tm.Y-fm.Y)
}

// Full six-parameter affine fit, solving the two independent three-parameter
// linear least squares systems via QR decomposition
func fitFullAffine(from, to []Point2D) (Affine, error) {
	n := len(from)
	a := mat.NewDense(n, 3, nil)
	bx := mat.NewVecDense(n, nil)
	by := mat.NewVecDense(n, nil)
	for i, p := range from {
		a.Set(i, 0, float64(p.X))
		a.Set(i, 1, float64(p.Y))
		a.Set(i, 2, 1)
		bx.SetVec(i, float64(to[i].X))
		by.SetVec(i, float64(to[i].Y))
	}
	var qr mat.QR
	qr.Factorize(a)
	var xx, xy mat.VecDense
	if err := qr.SolveVecTo(&xx, false, bx); err != nil {
		return Affine{}, errors.New("Degenerate point configuration")
	}
	if err := qr.SolveVecTo(&xy, false, by); err != nil {
		return Affine{}, errors.New("Degenerate point configuration")
	}
	t := NewAffine(
		float32(xx.AtVec(0)), float32(xx.AtVec(1)),
		float32(xy.AtVec(0)), float32(xy.AtVec(1)),
		float32(xx.AtVec(2)), float32(xy.AtVec(2)))
	if badCoeff(t.M.A) || badCoeff(t.M.B) || badCoeff(t.M.C) || badCoeff(t.M.D) {
		return Affine{}, errors.New("Degenerate point configuration")
	}
	return t, nil
}

// Similarity fit, rotation plus isotropic scale plus translation,
// x' = a*x - b*y + dx, y' = b*x + a*y + dy, in closed form
func fitSimilarity(from, to []Point2D) (Affine, error) {
	fm, tm := centroid(from), centroid(to)
	num1, num2, denom := float64(0), float64(0), float64(0)
	for i, p := range from {
		px, py := float64(p.X-fm.X), float64(p.Y-fm.Y)
		qx, qy := float64(to[i].X-tm.X), float64(to[i].Y-tm.Y)
		num1 += px*qx + py*qy
		num2 += px*qy - py*qx
		denom += px*px + py*py
	}
	if denom == 0 {
		return Affine{}, errors.New("Degenerate point configuration")
	}
	a, b := float32(num1/denom), float32(num2/denom)
	dx := tm.X - a*fm.X + b*fm.Y
	dy := tm.Y - b*fm.X - a*fm.Y
	return Affine{&Mat2{a, -b, b, a}, dx, dy}, nil
}

// Rigid fit, rotation plus translation with unit scale, in closed form
func fitRigid(from, to []Point2D) (Affine, error) {
	fm, tm := centroid(from), centroid(to)
	num, denom := float64(0), float64(0)
	for i, p := range from {
		px, py := float64(p.X-fm.X), float64(p.Y-fm.Y)
		qx, qy := float64(to[i].X-tm.X), float64(to[i].Y-tm.Y)
		num += px*qy - py*qx
		denom += px*qx + py*qy
	}
	theta := math.Atan2(num, denom)
	a, b := float32(math.Cos(theta)), float32(math.Sin(theta))
	dx := tm.X - a*fm.X + b*fm.Y
	dy := tm.Y - b*fm.X - a*fm.Y
	return Affine{&Mat2{a, -b, b, a}, dx, dy}, nil
}

// Isotropic scale plus translation without rotation, in closed form
func fitScaleShift(from, to []Point2D) (Affine, error) {
	fm, tm := centroid(from), centroid(to)
	num, denom := float64(0), float64(0)
	for i, p := range from {
		px, py := float64(p.X-fm.X), float64(p.Y-fm.Y)
		qx, qy := float64(to[i].X-tm.X), float64(to[i].Y-tm.Y)
		num += px*qx + py*qy
		denom += px*px + py*py
	}
	if denom == 0 {
		return Affine{}, errors.New("Degenerate point configuration")
	}
	s := float32(num / denom)
	return Affine{&Mat2{s, 0, 0, s}, tm.X - s*fm.X, tm.Y - s*fm.Y}, nil
}

// Fits the remaining constrained parameter combinations, shear without a full
// affine, by minimizing the residual over an explicit parametrization.
// With rotation enabled the matrix is R(theta)*[1 k; 0 1], with scale enabled
// it is [s s*k; 0 s]. Seeded from the corresponding closed-form fit
func fitConstrained(from, to []Point2D, dof DOF) (Affine, error) {
	var init Affine
	var err error
	if dof.Rotation {
		init, err = fitRigid(from, to)
	} else {
		init, err = fitScaleShift(from, to)
	}
	if err != nil {
		return Affine{}, err
	}

	var x0 []float64
	if dof.Rotation {
		theta := math.Atan2(float64(init.M.C), float64(init.M.A))
		x0 = []float64{theta, 0, float64(init.Dx), float64(init.Dy)}
	} else {
		x0 = []float64{float64(init.M.A), 0, float64(init.Dx), float64(init.Dy)}
	}

	build := func(x []float64) Affine {
		k := float32(x[1])
		if dof.Rotation {
			sin, cos := math.Sincos(x[0])
			a, b := float32(cos), float32(sin)
			return Affine{&Mat2{a, a*k - b, b, b*k + a}, float32(x[2]), float32(x[3])}
		}
		s := float32(x[0])
		return Affine{&Mat2{s, s * k, 0, s}, float32(x[2]), float32(x[3])}
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			tr := build(x)
			distSquaredSum := float64(0)
			for i, p := range from {
				distSquaredSum += float64(Dist2DSquared(tr.Apply(p), to[i]))
			}
			return math.Sqrt(distSquaredSum) / float64(len(from))
		},
	}
	result, err := optimize.Minimize(problem, x0, nil, &optimize.NelderMead{})
	if err != nil {
		return Affine{}, err
	}
	return build(result.X), nil
}
