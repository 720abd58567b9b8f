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
	"fmt"
	"math"
)

// A 2-dimensional point with floating point coordinates
type Point2D struct {
	X float32
	Y float32
}

// A 2-dimensional rectangle with floating point coordinates
type Rect2D struct {
	A Point2D
	B Point2D
}

// A 3-dimensional point with floating point coordinates
type Point3D struct {
	X float32
	Y float32
	Z float32
}

// A 2-dimensional point with floating point coordinates and payload
type Point2DPayload struct {
	Point2D
	Payload interface{}
}

// A 3-dimensional point with floating point coordinates and payload
type Point3DPayload struct {
	Point3D
	Payload interface{}
}

func (p Point2D) String() string {
	return fmt.Sprintf("(%.2f, %.2f)", p.X, p.Y)
}

func (r Rect2D) String() string {
	return fmt.Sprintf("(%v, %v)", r.A, r.B)
}

func (p Point3D) String() string {
	return fmt.Sprintf("(%.2f, %.2f, %.2f)", p.X, p.Y, p.Z)
}

// Returns the euclidian distance between the two given points
func Dist2D(a, b Point2D) float32 {
	return float32(math.Sqrt(float64(Dist2DSquared(a, b))))
}

// Returns the squared euclidian distance between the two given points
func Dist2DSquared(a, b Point2D) float32 {
	dx, dy := a.X-b.X, a.Y-b.Y
	return dx*dx + dy*dy
}

func Add2D(a, b Point2D) Point2D {
	return Point2D{a.X + b.X, a.Y + b.Y}
}

func Sub2D(a, b Point2D) Point2D {
	return Point2D{a.X - b.X, a.Y - b.Y}
}

// Returns the euclidian distance between the two given points
func Dist3D(a, b Point3D) float32 {
	return float32(math.Sqrt(float64(Dist3DSquared(a, b))))
}

// Returns the squared euclidian distance between the two given points
func Dist3DSquared(a, b Point3D) float32 {
	dx, dy, dz := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	return dx*dx + dy*dy + dz*dz
}
