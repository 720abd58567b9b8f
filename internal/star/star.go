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

// Package star provides star detection and star pattern matching for
// image alignment.
package star

import (
	"fmt"
	"io"
	"math"
	"sort"
)

// A star, as found on an image by star detection or supplied as an
// alignment source
type Star struct {
	Index int32   // Index of the star in the data array. int32(x)+width*int32(y)
	Value float32 // Value of the star in the data array. data[index]
	X     float32 // Precise star x position via center of mass
	Y     float32 // Precise star y position via center of mass
	Mass  float32 // Star mass. Summed pixel values above location estimate, within given radius
	HFR   float32 // Half-Flux Radius of the star, in pixels

	ID  string  // Source ID when supplied by the caller, else empty
	Mag float32 // Magnitude when known, else NaN
}

// Creates a star at the given position with unknown magnitude
func NewStar(x, y float32) Star {
	return Star{X: x, Y: y, Mag: float32(math.NaN())}
}

// Reports whether the star has a known magnitude
func (s *Star) HasMag() bool {
	return !math.IsNaN(float64(s.Mag))
}

// Prints given array of stars as CSV
func PrintStars(w io.Writer, stars []Star) {
	fmt.Fprintln(w, "Index,Value,X,Y,Mass,HFR")
	for _, s := range stars {
		fmt.Fprintf(w, "%d,%g,%g,%g,%g,%g\n", s.Index, s.Value, s.X, s.Y, s.Mass, s.HFR)
	}
}

// Sort an array of stars in descending order, based on mass.
// Array must not contain IEEE NaN masses
func QSortStarsDesc(a []Star) {
	if len(a) > 1 {
		index := QPartitionStarsDesc(a)
		QSortStarsDesc(a[:index+1])
		QSortStarsDesc(a[index+1:])
	}
}

// Partitions an array of stars with the middle pivot element, and returns the pivot index.
// Values greater than the pivot are moved left of the pivot, those less are moved right.
// Array must not contain IEEE NaN masses
func QPartitionStarsDesc(a []Star) int {
	left, right := 0, len(a)-1
	mid := (left + right) >> 1
	pivot := a[mid].Mass
	l := left - 1
	r := right + 1
	for {
		for {
			l++
			if a[l].Mass <= pivot {
				break
			}
		}
		for {
			r--
			if a[r].Mass >= pivot {
				break
			}
		}
		if l >= r {
			return r
		}
		a[l], a[r] = a[r], a[l]
	}
}

// Orders stars brightest first for alignment: by ascending magnitude when
// every star has one, else by descending mass. Ties break on X, then Y, so
// the ordering is reproducible across runs
func SortBrightestFirst(stars []Star) {
	allHaveMag := true
	for i := range stars {
		if !stars[i].HasMag() {
			allHaveMag = false
			break
		}
	}
	sort.SliceStable(stars, func(i, j int) bool {
		a, b := &stars[i], &stars[j]
		if allHaveMag {
			if a.Mag != b.Mag {
				return a.Mag < b.Mag
			}
		} else if a.Mass != b.Mass {
			return a.Mass > b.Mass
		}
		if a.X != b.X {
			return a.X < b.X
		}
		return a.Y < b.Y
	})
}
