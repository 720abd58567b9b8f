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

package stats

import (
	"fmt"
	"math"

	"github.com/skylign/skylign/internal/qsort"
	"github.com/valyala/fastrand"
)

// Number of random draws for the sampling-based estimators
const numSamples = 128 * 1024

// Statistics on the data array of an image channel. Basic indicators are
// computed eagerly on construction, the robust location and scale lazily
// on first access, as many images are only ever read and written
type Stats struct {
	data  []float32 // The underlying data array
	width int32     // Width of a line in the underlying data array

	min  float32 // Minimum of the data
	max  float32 // Maximum of the data
	mean float32 // Mean (average) of the data

	haveLocScale bool    // Indicates location and scale have been calculated
	location     float32 // Location (e.g. sigma-clipped median of the data)
	scale        float32 // Scale (e.g. sampled Qn scale estimate of the data)
}

// Creates stats for the given data array, calculating min, mean and max.
// NaN entries denoting masked pixels are skipped
func NewStats(data []float32, width int32) *Stats {
	min, mean, max := MinMeanMax(data)
	return &Stats{data: data, width: width, min: min, max: max, mean: mean}
}

// Creates stats for the given data array from precalculated min, mean and max,
// avoiding a second pass when the caller already traversed the data
func NewStatsWithMMM(data []float32, width int32, min, mean, max float32) *Stats {
	return &Stats{data: data, width: width, min: min, max: max, mean: mean}
}

func (s *Stats) Data() []float32 { return s.data }
func (s *Stats) Width() int32    { return s.width }
func (s *Stats) Min() float32    { return s.min }
func (s *Stats) Max() float32    { return s.max }
func (s *Stats) Mean() float32   { return s.mean }

// Returns the location estimate, calculating it on first use
func (s *Stats) Location() float32 {
	if !s.haveLocScale {
		s.calcLocationScale()
	}
	return s.location
}

// Returns the scale estimate, calculating it on first use
func (s *Stats) Scale() float32 {
	if !s.haveLocScale {
		s.calcLocationScale()
	}
	return s.scale
}

func (s *Stats) calcLocationScale() {
	if math.IsNaN(float64(s.min)) { // no finite values, bounded sampling would never terminate
		s.location, s.scale = s.min, s.min
		s.haveLocScale = true
		return
	}
	n := numSamples
	if len(s.data) < n {
		n = len(s.data)
	}
	s.location, s.scale = FastApproxSigmaClippedMedianAndQn(s.data, 2, 2, (s.max-s.min)/65535.0, n)
	s.haveLocScale = true
}

// Pretty print stats to string
func (s *Stats) String() string {
	if !s.haveLocScale {
		return fmt.Sprintf("Min %.6g Max %.6g Mean %.6g", s.min, s.max, s.mean)
	}
	return fmt.Sprintf("Min %.6g Max %.6g Mean %.6g Location %.6g Scale %.6g",
		s.min, s.max, s.mean, s.location, s.scale)
}

// Calculate minimum, mean and maximum of given data, skipping NaN entries
// which denote masked pixels. Returns NaNs if no finite values exist
func MinMeanMax(data []float32) (min, mean, max float32) {
	mmin, mmax := float32(math.MaxFloat32), float32(-math.MaxFloat32)
	msum, count := float64(0), 0
	for _, v := range data {
		if math.IsNaN(float64(v)) {
			continue
		}
		if v < mmin {
			mmin = v
		}
		if v > mmax {
			mmax = v
		}
		msum += float64(v)
		count++
	}
	if count == 0 {
		nan := float32(math.NaN())
		return nan, nan, nan
	}
	return mmin, float32(msum / float64(count)), mmax
}

// Calculate mean and standard deviation of given data
func MeanStdDev(xs []float32) (mean, stdDev float32) {
	xmean := float32(0)
	for _, x := range xs {
		xmean += x
	}
	xmean /= float32(len(xs))
	xvar := float32(0)
	for _, x := range xs {
		diff := x - xmean
		xvar += diff * diff
	}
	xvar /= float32(len(xs))
	return xmean, float32(math.Sqrt(float64(xvar)))
}

// Draws a random element, resampling a bounded number of times on NaN
// so masked pixels do not poison the estimate
func drawFinite(data []float32, max uint32, rng *fastrand.RNG) float32 {
	d := data[rng.Uint32n(max)]
	for retries := 0; math.IsNaN(float64(d)) && retries < 64; retries++ {
		d = data[rng.Uint32n(max)]
	}
	return d
}

// Calculates fast approximate median of the (presumably large) data by subsampling
// and taking the median of the samples. Uses samples as scratchpad
func FastApproxMedian(data []float32, samples []float32) float32 {
	max := uint32(len(data))
	rng := fastrand.RNG{}
	for i := range samples {
		samples[i] = drawFinite(data, max, &rng)
	}
	return qsort.QSelectMedianFloat32(samples)
}

// Calculates fast approximate median of the data values within the given bounds
// by subsampling. Uses samples as scratchpad. NaNs fail the bounds check and
// are skipped naturally
func FastApproxBoundedMedian(data []float32, lowBound, highBound float32, samples []float32) float32 {
	max := uint32(len(data))
	rng := fastrand.RNG{}
	for i := range samples {
		var d float32
		for {
			d = data[rng.Uint32n(max)]
			if d >= lowBound && d <= highBound {
				break
			}
		}
		samples[i] = d
	}
	return qsort.QSelectMedianFloat32(samples)
}

// Calculates fast approximate Qn scale estimate of the (presumably large) data
// by subsampling pairs and taking the first quartile of their distances.
// Original paper http://web.ipac.caltech.edu/staff/fmasci/home/astro_refs/BetterThanMAD.pdf,
// sampling constant per https://rdrr.io/cran/robustbase/man/Qn.html
func FastApproxQn(data []float32, samples []float32) float32 {
	if len(data) < 2 {
		return 0
	}
	max := uint32(len(data))
	rng := fastrand.RNG{}
	for i := range samples {
		var d1, d2 float32
		for retries := 0; ; retries++ {
			index1 := 1 + rng.Uint32n(max-1)
			d1 = data[index1]
			d2 = data[rng.Uint32n(index1)]
			if (!math.IsNaN(float64(d1)) && !math.IsNaN(float64(d2))) || retries >= 64 {
				break
			}
		}
		samples[i] = float32(math.Abs(float64(d1 - d2)))
	}
	return qsort.QSelectFirstQuartileFloat32(samples) * 2.21914 // normalize to Gaussian std dev for large sample counts
}

// Calculates fast approximate Qn scale estimate of the data values within the
// given bounds by subsampling pairs. NaNs fail the bounds check and are skipped
func FastApproxBoundedQn(data []float32, lowBound, highBound float32, samples []float32) float32 {
	if len(data) < 2 {
		return 0
	}
	max := uint32(len(data))
	rng := fastrand.RNG{}
	for i := range samples {
		var d1, d2 float32
		for {
			index1 := 1 + rng.Uint32n(max-1)
			d1 = data[index1]
			if d1 < lowBound || d1 > highBound {
				continue
			}
			d2 = data[rng.Uint32n(index1)]
			if d2 >= lowBound && d2 <= highBound {
				break
			}
		}
		samples[i] = float32(math.Abs(float64(d1 - d2)))
	}
	return qsort.QSelectFirstQuartileFloat32(samples) * 2.21914 // normalize to Gaussian std dev for large sample counts
}

// Returns a rapid robust estimation of location and scale. Uses a fast approximate
// median based on randomized sampling, iteratively sigma clipped with a fast
// approximate Qn based on randomized pair sampling. Exits once the absolute change
// in location and scale drops below epsilon
func FastApproxSigmaClippedMedianAndQn(data []float32, sigmaLow, sigmaHigh float32, epsilon float32, numSamples int) (location, scale float32) {
	if numSamples <= 0 {
		return 0, 0
	}
	samples := make([]float32, numSamples)
	location = FastApproxMedian(data, samples)
	scale = FastApproxQn(data, samples)

	for i := 0; ; i++ {
		lowBound := location - sigmaLow*scale
		highBound := location + sigmaHigh*scale

		newLocation := FastApproxBoundedMedian(data, lowBound, highBound, samples)
		newScale := FastApproxBoundedQn(data, lowBound, highBound, samples)
		newScale *= 1.134 // adjust for subsequent clipping

		if float32(math.Abs(float64(newLocation-location))+math.Abs(float64(newScale-scale))) <= epsilon || i >= 10 {
			scale = FastApproxQn(data, samples)
			return location, scale
		}

		location, scale = newLocation, newScale
	}
}

// Returns the sigma clipped median and MAD of the data. Exact, so suitable for
// small arrays where sampling estimators are too coarse. Does not change the data
func SigmaClippedMedianAndMAD(data []float32, sigmaLow, sigmaHigh float32) (median, mad float32) {
	tmp := make([]float32, len(data))
	copy(tmp, data)
	remaining := qsort.CompactNaNs(tmp)
	for {
		median = qsort.QSelectMedianFloat32(remaining) // reorders, doesn't matter

		stdDev := float32(0)
		for _, r := range remaining {
			diff := r - median
			stdDev += diff * diff
		}
		stdDev /= float32(len(remaining))
		stdDev = float32(math.Sqrt(float64(stdDev))) * 1.134

		lowBound := median - sigmaLow*stdDev
		highBound := median + sigmaHigh*stdDev
		kept := 0
		for i := 0; i < len(remaining); i++ {
			r := remaining[i]
			if r >= lowBound && r <= highBound {
				remaining[kept] = r
				kept++
			}
		}
		rejected := len(remaining) - kept
		remaining = remaining[:kept]

		if rejected == 0 || len(remaining) <= 3 {
			absDiffs := tmp[:0]
			for _, d := range data {
				if !math.IsNaN(float64(d)) {
					absDiffs = append(absDiffs, float32(math.Abs(float64(d-median))))
				}
			}
			mad = qsort.QSelectMedianFloat32(absDiffs) * 1.4826 // normalize to Gaussian std dev
			return median, mad
		}
	}
}

// Returns the requested low and high percentiles, given in [0,100], of the
// finite values in a. NaN entries are ignored. Reorders a. Returns NaN, NaN
// if no finite values remain
func PercentileClipBounds(a []float32, pLow, pHigh float32) (lo, hi float32) {
	finite := qsort.CompactNaNs(a)
	if len(finite) == 0 {
		nan := float32(math.NaN())
		return nan, nan
	}
	lo = qsort.QSelectPercentileFloat32(finite, pLow*0.01)
	hi = qsort.QSelectPercentileFloat32(finite, pHigh*0.01)
	return lo, hi
}
