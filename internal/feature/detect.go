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

package feature

import (
	"math"
	"sort"
)

// Detector finds scale space keypoints and extracts binary descriptors.
// All algorithm variants resolve to one of these via AlgorithmSettings
type Detector struct {
	Octaves        int          // number of pyramid levels
	OctaveLayers   int          // smoothing passes per level
	ScaleFactor    float32      // size ratio between consecutive levels
	Threshold      float32      // minimum Hessian determinant response
	CurvatureLimit float32      // edge rejection ratio, 0 disables
	Border         int32        // margin in level pixels left untouched
	MaxFeatures    int          // keep the strongest N keypoints, 0 keeps all
	PatchSize      int32        // descriptor patch diameter at scale 1
	PatternScale   float32      // extra scaling of the sampling pattern
	Extended       bool         // 512 bit descriptors instead of 256
	Upright        bool         // skip orientation assignment
	Diffusivity    Conductivity // pyramid smoothing behavior
}

// Detect locates keypoints in a grayscale image and computes their
// descriptors. Data must not contain NaN; fill masked pixels first
func (d *Detector) Detect(data []float32, width int32) Features {
	levels := buildPyramid(data, width, d.Octaves, d.ScaleFactor, d.OctaveLayers, d.Diffusivity)

	feats := Features{}
	for _, l := range levels {
		d.detectOnLevel(l, &feats)
	}
	sortByResponse(&feats)
	if d.MaxFeatures > 0 && len(feats.KeyPoints) > d.MaxFeatures {
		feats.KeyPoints = feats.KeyPoints[:d.MaxFeatures]
		feats.Descriptors = feats.Descriptors[:d.MaxFeatures]
	}
	return feats
}

// Finds keypoints on one pyramid level and appends them to feats
func (d *Detector) detectOnLevel(l level, feats *Features) {
	w, h := l.width, l.height
	resp := hessianResponse(l)

	border := d.Border
	if border < 2 {
		border = 2
	}
	if border >= w/2 || border >= h/2 {
		return
	}

	for y := border; y < h-border; y++ {
		for x := border; x < w-border; x++ {
			r := resp[y*w+x]
			if r <= d.Threshold {
				continue
			}
			if !isLocalMax(resp, w, x, y, r) {
				continue
			}
			if d.CurvatureLimit > 0 && onEdge(l, x, y, r, d.CurvatureLimit) {
				continue
			}

			fx := float32(x) + parabolicOffset(resp[y*w+x-1], r, resp[y*w+x+1])
			fy := float32(y) + parabolicOffset(resp[(y-1)*w+x], r, resp[(y+1)*w+x])

			angle := float32(0)
			if !d.Upright {
				angle = orientation(l, fx, fy, d.PatchSize)
			}

			kp := KeyPoint{
				X:        l.scale*fx + (l.scale-1)*0.5,
				Y:        l.scale*fy + (l.scale-1)*0.5,
				Scale:    l.scale,
				Angle:    angle,
				Response: r,
			}
			feats.KeyPoints = append(feats.KeyPoints, kp)
			feats.Descriptors = append(feats.Descriptors, d.describe(l, fx, fy, angle))
		}
	}
}

// Determinant of the Hessian at every interior pixel. Positive responses
// mark blob-like structures of either polarity
func hessianResponse(l level) []float32 {
	w, h := l.width, l.height
	resp := make([]float32, len(l.data))
	for y := int32(1); y < h-1; y++ {
		for x := int32(1); x < w-1; x++ {
			i := y*w + x
			dxx := l.data[i-1] - 2*l.data[i] + l.data[i+1]
			dyy := l.data[i-w] - 2*l.data[i] + l.data[i+w]
			dxy := (l.data[i+w+1] + l.data[i-w-1] - l.data[i+w-1] - l.data[i-w+1]) * 0.25
			resp[i] = dxx*dyy - dxy*dxy
		}
	}
	return resp
}

// Reports whether the response at (x,y) strictly exceeds its 8 neighbors
func isLocalMax(resp []float32, w, x, y int32, r float32) bool {
	i := y*w + x
	return r > resp[i-w-1] && r > resp[i-w] && r > resp[i-w+1] &&
		r > resp[i-1] && r > resp[i+1] &&
		r > resp[i+w-1] && r > resp[i+w] && r > resp[i+w+1]
}

// Edge check on the ratio of principal curvatures, as the trace to
// determinant relation tr^2/det = (r+1)^2/r of the image Hessian
func onEdge(l level, x, y int32, det, limit float32) bool {
	w := l.width
	i := y*w + x
	dxx := l.data[i-1] - 2*l.data[i] + l.data[i+1]
	dyy := l.data[i-w] - 2*l.data[i] + l.data[i+w]
	tr := dxx + dyy
	return tr*tr*limit > det*(limit+1)*(limit+1)
}

// Subpixel peak offset from a 3-point parabola fit, clamped to half a pixel
func parabolicOffset(left, center, right float32) float32 {
	denom := left - 2*center + right
	if denom >= 0 {
		return 0
	}
	off := (left - right) / (2 * denom)
	if off > 0.5 {
		off = 0.5
	} else if off < -0.5 {
		off = -0.5
	}
	return off
}

// Dominant direction from the intensity centroid of a disc shaped patch
func orientation(l level, cx, cy float32, patchSize int32) float32 {
	radius := patchSize / 2
	if radius < 1 {
		radius = 1
	}
	rsq := radius * radius
	var m10, m01 float64

	x0, y0 := int32(cx), int32(cy)
	for dy := -radius; dy <= radius; dy++ {
		y := y0 + dy
		if y < 0 || y >= l.height {
			continue
		}
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy > rsq {
				continue
			}
			x := x0 + dx
			if x < 0 || x >= l.width {
				continue
			}
			v := float64(l.data[y*l.width+x])
			m10 += float64(dx) * v
			m01 += float64(dy) * v
		}
	}
	if m10 == 0 && m01 == 0 {
		return 0
	}
	return float32(math.Atan2(m01, m10))
}

// Number of sampling pairs; the standard descriptor uses the first half
const patternPairs = 512

// Radius of the sampling pattern in pattern units
const patternRadius float32 = 15

type patternPair struct {
	ax, ay, bx, by float32
}

var samplingPattern = makeSamplingPattern()

// Fixed pseudo random point pairs inside a disc, identical across runs
func makeSamplingPattern() [patternPairs]patternPair {
	var pattern [patternPairs]patternPair
	state := uint32(0x9E3779B9)
	next := func() float32 {
		state = state*1664525 + 1013904223
		return (float32(state>>8)/float32(1<<24))*2*patternRadius - patternRadius
	}
	pointInDisc := func() (x, y float32) {
		for {
			x, y = next(), next()
			if x*x+y*y <= patternRadius*patternRadius {
				return x, y
			}
		}
	}
	for i := range pattern {
		pattern[i].ax, pattern[i].ay = pointInDisc()
		pattern[i].bx, pattern[i].by = pointInDisc()
	}
	return pattern
}

// Extracts a binary descriptor by comparing smoothed intensities at rotated
// and scaled sampling pattern positions around the keypoint
func (d *Detector) describe(l level, cx, cy, angle float32) Descriptor {
	numPairs := patternPairs / 2
	if d.Extended {
		numPairs = patternPairs
	}
	desc := make(Descriptor, numPairs/64)

	scale := d.PatternScale * float32(d.PatchSize) / 31
	sin64, cos64 := math.Sincos(float64(angle))
	sin, cos := float32(sin64)*scale, float32(cos64)*scale

	for i := 0; i < numPairs; i++ {
		p := &samplingPattern[i]
		va := sampleBilinear(l, cx+cos*p.ax-sin*p.ay, cy+sin*p.ax+cos*p.ay)
		vb := sampleBilinear(l, cx+cos*p.bx-sin*p.by, cy+sin*p.bx+cos*p.by)
		if va < vb {
			desc[i>>6] |= 1 << (i & 63)
		}
	}
	return desc
}

// Orders keypoints by descending response, keeping descriptors aligned
func sortByResponse(feats *Features) {
	idx := make([]int, len(feats.KeyPoints))
	for i := range idx {
		idx[i] = i
	}
	kps := feats.KeyPoints
	sort.SliceStable(idx, func(a, b int) bool {
		ka, kb := kps[idx[a]], kps[idx[b]]
		if ka.Response != kb.Response {
			return ka.Response > kb.Response
		}
		if ka.X != kb.X {
			return ka.X < kb.X
		}
		if ka.Y != kb.Y {
			return ka.Y < kb.Y
		}
		return ka.Scale < kb.Scale
	})

	sortedKps := make([]KeyPoint, len(kps))
	sortedDescs := make([]Descriptor, len(kps))
	for i, j := range idx {
		sortedKps[i] = kps[j]
		sortedDescs[i] = feats.Descriptors[j]
	}
	feats.KeyPoints = sortedKps
	feats.Descriptors = sortedDescs
}
