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

package star

import (
	"math"

	"github.com/skylign/skylign/internal/qsort"
	"github.com/skylign/skylign/internal/stats"
	"github.com/valyala/fastrand"
)

// Find stars in the given image. location and scale describe the image
// background; starSig is the detection threshold in scale units above the
// location, bpSigma the bad pixel rejection threshold, starInOut the
// required ratio of inner to outer mean brightness, radius the sampling
// radius in pixels. Data must not contain NaN; fill masked pixels first
func FindStars(data []float32, width int32, location, scale, starSig, bpSigma, starInOut float32, radius int32) (stars []Star, avgHFR float32) {
	// begin star identification based on pixels significantly above the background
	stars = findBrightPixels(data, width, location+scale*starSig, radius)

	// reject bad pixels which differ significantly from the local median
	if bpSigma > 0 {
		stars = rejectBadPixels(stars, data, width, bpSigma)
	}

	// filter out faint stars overlapped by brighter ones
	QSortStarsDesc(stars)
	stars = filterOutOverlaps(stars, width, int32(len(data))/width, radius)

	// move stars to centroid position
	shiftToCenterOfMass(stars, data, width, location+scale*starSig*0.5, radius)

	// filter out faint stars again
	QSortStarsDesc(stars)
	stars = filterOutOverlaps(stars, width, int32(len(data))/width, radius)

	// remove implausible stars based on HFR and mass
	stars, avgHFR = calcAndFilterHalfFluxRadius(stars, data, width, float32(radius), location, starInOut)

	// return a clone of the final shortlist so the larger backing array can be reclaimed
	res := make([]Star, len(stars))
	copy(res, stars)
	return res, avgHFR
}

// Find pixels above the threshold and return them as stars. Applies early overlap rejection
// based on radius to reduce allocations. Uses central pixel value as initial mass, 1 as initial HFR.
func findBrightPixels(data []float32, width int32, threshold float32, radius int32) []Star {
	stars := make([]Star, len(data)/100)[:0]
	nan := float32(math.NaN())

	for i, v := range data {
		if v > threshold {
			is := Star{Index: int32(i), Value: v, X: float32(int32(i) % width), Y: float32(int32(i) / width), Mass: v, HFR: 1, Mag: nan}

			// check if within radius distance of the previously detected candidate star to optimize memory usage
			if len(stars) > 0 {
				oldS := stars[len(stars)-1]
				if oldS.Y == is.Y && oldS.X >= is.X-float32(radius) {
					if oldS.Value >= is.Value {
						continue // keep old candidate, as it's brighter
					} else {
						stars[len(stars)-1] = is
						continue // replace old candidate with brighter new one
					}
				}
			}

			stars = append(stars, is) // add as additional candidate
		}
	}
	return stars
}

// Gathers the masked neighborhood of the given index into the buffer and
// returns its median. Indices outside the data range are skipped
func gatherMedian(data []float32, index int32, mask []int32, buffer []float32) float32 {
	num := 0
	for _, offset := range mask {
		i := index + offset
		if i >= 0 && i < int32(len(data)) {
			buffer[num] = data[i]
			num++
		}
	}
	return qsort.QSelectMedianFloat32(buffer[:num])
}

// Reject bad pixels which differ from the local median by more than sigma times
// the estimated standard deviation. A real star spreads over neighboring pixels
// and survives; an isolated hot pixel does not.
// Modifies the given stars array values, and returns shortened slice
func rejectBadPixels(stars []Star, data []float32, width int32, sigma float32) []Star {
	// create mask for local 9-neighborhood
	mask := CreateMask(width, 1.5)
	buffer := make([]float32, len(mask))

	// estimate standard deviation of pixels from local neighborhood median based on random 1% of pixels
	numSamples := len(data) / 100
	if numSamples < 32 {
		numSamples = 32
	}
	samples := make([]float32, numSamples)
	rng := fastrand.RNG{}
	for i := range samples {
		index := int32(rng.Uint32n(uint32(len(data))))
		median := gatherMedian(data, index, mask, buffer)
		samples[i] = data[index] - median
	}
	_, stdDev := stats.MeanStdDev(samples)

	// filter out star candidates more than sigma standard deviations away from the local median
	threshold := stdDev * sigma
	remainingStars := 0
	for _, s := range stars {
		median := gatherMedian(data, s.Index, mask, buffer)
		diff := data[s.Index] - median
		if diff < threshold && -diff < threshold {
			stars[remainingStars] = s
			remainingStars++
		}
	}
	return stars[:remainingStars]
}

// Creates a mask of given radius. Returns a list of index offsets
func CreateMask(width int32, radius float32) []int32 {
	mask := []int32{}
	rad := int32(radius)
	for y := -rad; y <= rad; y++ {
		for x := -rad; x <= rad; x++ {
			dist := float32(math.Sqrt(float64(y*y + x*x)))
			if dist <= radius+1e-8 {
				offset := y*int32(width) + x
				mask = append(mask, offset)
			}
		}
	}
	return mask
}

// A singly linked list of stars. Used for filtering out overlaps
type starListItem struct {
	Star *Star
	Next *starListItem
}

// Filters out overlaps from the stars, which must be sorted by descending mass.
// Keeps the brighter star of any pair closer than radius
func filterOutOverlaps(stars []Star, width, height, radius int32) []Star {
	// to avoid quadratic search effort, bin the stars into a 2D grid of linked lists
	binSize := int32(256)
	xBins := (width + binSize - 1) / binSize
	yBins := (height + binSize - 1) / binSize
	bins := make([]*starListItem, int(xBins*yBins))
	slis := make([]starListItem, ((len(stars)+1023)/1024)*1024) // use tiered sizing to help the allocator
	radiusSquared := radius * radius

	numRemainingStars := 0
forAllStars:
	for _, s := range stars {
		xCell, yCell := int32(s.X+0.5)/binSize, int32(s.Y+0.5)/binSize

		// for this grid cell and all adjacent cells
		for dy := int32(-1); dy <= 1; dy++ {
			if yCell+dy < 0 || yCell+dy >= yBins {
				continue
			}
			for dx := int32(-1); dx <= 1; dx++ {
				if xCell+dx < 0 || xCell+dx >= xBins {
					continue
				}
				cellIndex := (xCell + dx) + (yCell+dy)*xBins

				// for all prior stars in that cell
				for ptr := bins[cellIndex]; ptr != nil; ptr = ptr.Next {
					s2 := ptr.Star
					xDist := s.X - s2.X
					yDist := s.Y - s2.Y
					sqDist := int32(xDist*xDist + yDist*yDist + 0.5)

					// skip current star if it's close to a prior star
					if sqDist <= radiusSquared {
						continue forAllStars
					}
				}
			}
		}

		// retain star for output
		stars[numRemainingStars] = s

		// insert star into grid cell
		slis[numRemainingStars] = starListItem{&(stars[numRemainingStars]), nil}
		cellIndex := xCell + yCell*xBins
		ptr := bins[cellIndex]
		if ptr == nil {
			bins[cellIndex] = &(slis[numRemainingStars])
		} else {
			for ptr.Next != nil {
				ptr = ptr.Next
			}
			ptr.Next = &(slis[numRemainingStars])
		}

		numRemainingStars++
	}

	return stars[:numRemainingStars]
}

// Shifts each star to its floating point-valued center of mass. Modifies stars in place
func shiftToCenterOfMass(stars []Star, data []float32, width int32, threshold float32, radius int32) {
	for i, s := range stars {
		// until the shifts are below 0.01 pixel (i.e. 0.0001 squared error), or max rounds reached
		shiftSquared := float32(math.MaxFloat32)
		for round := int32(0); shiftSquared > 0.0001 && round < 10; round++ {
			// calculate star mass and first moments from current x,y
			xMoment, yMoment := float32(0), float32(0)
			mass := float32(0)
			for y := -radius; y <= radius; y++ {
				for x := -radius; x <= radius; x++ {
					index := s.Index + y*int32(width) + x
					value := float32(0)
					if index >= 0 && int(index) < len(data) {
						value = data[index] - threshold
						if value < 0 {
							value = 0
						}
					}
					xMoment += float32(x) * value
					yMoment += float32(y) * value
					mass += value
				}
			}

			// update x and y from moments over mass
			x := s.Index % int32(width)
			y := s.Index / int32(width)
			if mass == 0.0 {
				mass = 1e-8
			}
			deltaX := xMoment / mass
			deltaY := yMoment / mass
			newX := float32(x) + deltaX
			newY := float32(y) + deltaY

			preciseDeltaX := newX - s.X
			preciseDeltaY := newY - s.Y
			shiftSquared = preciseDeltaX*preciseDeltaX + preciseDeltaY*preciseDeltaY
			index := s.Index + width*int32(deltaY+0.5) + int32(deltaX+0.5)
			value := float32(0)
			if index >= 0 && int(index) < len(data) {
				value = data[index]
			}
			s = Star{Index: index, Value: value, X: newX, Y: newY, Mass: mass, Mag: s.Mag}
			stars[i] = s
		}
	}
}

// Calculate the Half-Flux Radius of each star, and filters out implausible candidates.
// Returns a new list of stars, each enriched with the HFR field and updated mass.
// Based on the algorithm in https://en.wikipedia.org/wiki/Half_flux_diameter
func calcAndFilterHalfFluxRadius(stars []Star, data []float32, width int32, radius, location, starInOut float32) (res []Star, avgHFR float32) {
	numRemainingStars := 0
	avgHFR = float32(0)

	for _, s := range stars {
		// calculate mass, moment and HFR
		moment, mass, pixels := float32(0), float32(0), int32(0)
		rad := int32(math.Ceil(float64(radius)))
		distSqLimit := int32(math.Ceil(float64(radius+1e-8) * float64(radius+1e-8)))
		for y := -rad; y <= rad; y++ {
			for x := -rad; x <= rad; x++ {
				distSq := x*x + y*y
				if distSq > distSqLimit {
					continue
				}
				distance := float32(math.Sqrt(float64(distSq)))

				index := s.Index + y*width + x
				value := float32(0.0)
				if index >= 0 && index < int32(len(data)) {
					v := data[index] - location
					if v > 0 {
						value = v
					}
				}
				moment += distance * value
				mass += value
				pixels++
			}
		}
		if mass == 0.0 {
			mass = 1e-8
		}
		hfr := moment / mass

		// sanity check results to avoid long lockups
		if hfr > radius {
			continue
		}

		// calculate mass inside HFR and number of inner pixels
		innerMass, innerPixels := float32(0), int32(0)
		innerRad := int32(math.Ceil(float64(hfr)))
		distSqLimit = int32(math.Ceil(float64(hfr * hfr)))
		for y := -innerRad; y <= innerRad; y++ {
			for x := -innerRad; x <= innerRad; x++ {
				distSq := x*x + y*y
				if distSq > distSqLimit {
					continue
				}

				index := s.Index + y*width + x
				value := float32(0.0)
				if index >= 0 && index < int32(len(data)) {
					v := data[index] - location
					if v > 0 {
						value = v
					}
				}
				innerMass += value
				innerPixels++
			}
		}

		// plausibility check: is average inner brightness significantly higher than outside?
		// this compares innerMass/innerPixels against starInOut*outerMass/outerPixels while
		// avoiding divisions by zero
		outerMass := mass - innerMass
		outerPixels := pixels - innerPixels
		if innerMass*float32(outerPixels) <= starInOut*outerMass*float32(innerPixels) {
			continue
		}

		// keep star, enrich with HFR and mass information, and update average
		s.HFR = hfr
		s.Mass = mass
		stars[numRemainingStars] = s
		numRemainingStars++

		avgHFR += hfr
	}
	if numRemainingStars > 0 {
		avgHFR /= float32(numRemainingStars)
	}
	return stars[:numRemainingStars], avgHFR
}
