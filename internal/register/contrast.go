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

	"github.com/skylign/skylign/internal/feature"
	"github.com/skylign/skylign/internal/fits"
	"github.com/skylign/skylign/internal/stats"
	"github.com/skylign/skylign/internal/transform"
)

// Cap on percentile pool samples contributed per image, keeping pooled
// contrast estimation memory-bounded for large frame sets
const maxPoolSamples = 1 << 18

// filterBounds returns the contrast clip bounds shared by all frames taken
// through the given filter, pooling samples from every job file with that
// filter on first use. Unreadable files are skipped; frames already in the
// data cache are not read again
func (e *Engine) filterBounds(filter string, detectEdges bool, pMin, pMax float32) clipBounds {
	if b, ok := e.caches.clip[filter]; ok {
		return b
	}
	var pool []float32
	for _, id := range e.FileIDs {
		img, ok := e.caches.data[id]
		if !ok {
			var err error
			img, err = e.Source.ReadImage(id)
			if err != nil {
				continue
			}
		}
		if img.Filter != filter {
			continue
		}
		pool = appendContrastSamples(pool, img, detectEdges)
	}
	lo, hi := stats.PercentileClipBounds(pool, pMin, pMax)
	b := clipBounds{lo: lo, hi: hi}
	e.caches.clip[filter] = b
	return b
}

// pairBounds pools samples from just the two frames of one pairing so both
// are normalized onto the same intensity scale
func pairBounds(img, ref *fits.Image, detectEdges bool, pMin, pMax float32) clipBounds {
	pool := appendContrastSamples(nil, img, detectEdges)
	pool = appendContrastSamples(pool, ref, detectEdges)
	lo, hi := stats.PercentileClipBounds(pool, pMin, pMax)
	return clipBounds{lo: lo, hi: hi}
}

func appendContrastSamples(pool []float32, img *fits.Image, detectEdges bool) []float32 {
	vals := img.Data
	if detectEdges {
		vals = feature.DetectEdges(vals, frameWidth(img))
	}
	stride := (len(vals) + maxPoolSamples - 1) / maxPoolSamples
	if stride < 1 {
		stride = 1
	}
	for i := 0; i < len(vals); i += stride {
		pool = append(pool, vals[i])
	}
	return pool
}

func frameWidth(img *fits.Image) int32 {
	if len(img.Naxisn) > 0 {
		return img.Naxisn[0]
	}
	return int32(len(img.Data))
}

// preparedFrame converts raw pixel data into the frame used for matching:
// optional edge magnitudes, clipped to the given bounds and scaled to [0,1],
// with masked pixels filled as zero
func preparedFrame(img *fits.Image, b clipBounds, detectEdges bool) []float32 {
	var vals []float32
	if detectEdges {
		vals = feature.DetectEdges(img.Data, frameWidth(img))
	} else {
		vals = append(make([]float32, 0, len(img.Data)), img.Data...)
	}
	rng := b.hi - b.lo
	if !(rng > 0) {
		for i := range vals {
			vals[i] = 0
		}
		return vals
	}
	for i, v := range vals {
		switch {
		case math.IsNaN(float64(v)) || v <= b.lo:
			vals[i] = 0
		case v >= b.hi:
			vals[i] = 1
		default:
			vals[i] = (v - b.lo) / rng
		}
	}
	return vals
}

// featuresFor returns the keypoints and descriptors of a frame. Results are
// cached only under global contrast, where the prepared frame does not
// depend on the pairing
func (e *Engine) featuresFor(fileID int, img *fits.Image, b clipBounds) *feature.Features {
	set := e.Settings.Features
	if set.GlobalContrast {
		if f, ok := e.caches.features[fileID]; ok {
			return f
		}
	}
	frame := preparedFrame(img, b, set.DetectEdges)
	feats := e.detector.Detect(frame, frameWidth(img))
	if set.GlobalContrast {
		e.caches.features[fileID] = &feats
	}
	return &feats
}

// featureTransform aligns two frames by matching binary descriptors of
// detected keypoints, then fitting the matched positions
func (e *Engine) featureTransform(fileID, refFileID int) (transform.Affine, string, error) {
	set := e.Settings.Features
	img, err := e.dataFor(fileID)
	if err != nil {
		return transform.Affine{}, "", err
	}
	ref, err := e.dataFor(refFileID)
	if err != nil {
		return transform.Affine{}, "", err
	}

	var imgB, refB clipBounds
	if set.GlobalContrast {
		imgB = e.filterBounds(img.Filter, set.DetectEdges, set.PercentileMin, set.PercentileMax)
		refB = e.filterBounds(ref.Filter, set.DetectEdges, set.PercentileMin, set.PercentileMax)
	} else {
		b := pairBounds(img, ref, set.DetectEdges, set.PercentileMin, set.PercentileMax)
		imgB, refB = b, b
	}

	imgFeats := e.featuresFor(fileID, img, imgB)
	refFeats := e.featuresFor(refFileID, ref, refB)
	if len(imgFeats.KeyPoints) == 0 || len(refFeats.KeyPoints) == 0 {
		return transform.Affine{}, "", fmt.Errorf("No features detected")
	}

	matches := feature.MatchDescriptors(
		imgFeats.Descriptors, refFeats.Descriptors, set.RatioThreshold)
	if len(matches) == 0 {
		return transform.Affine{}, "", fmt.Errorf("Feature matching failed")
	}

	from := make([]transform.Point2D, len(matches))
	to := make([]transform.Point2D, len(matches))
	for i, m := range matches {
		kt := refFeats.KeyPoints[m.TrainIdx]
		kq := imgFeats.KeyPoints[m.QueryIdx]
		from[i] = transform.Point2D{X: kt.X, Y: kt.Y}
		to[i] = transform.Point2D{X: kq.X, Y: kq.Y}
	}
	t, err := transform.FitPoints(from, to, e.dof())
	if err != nil {
		return transform.Affine{}, "", err
	}
	return t, fmt.Sprintf("%s feature detection", set.Algorithm), nil
}
