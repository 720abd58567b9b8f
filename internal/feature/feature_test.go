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
	"strings"
	"testing"
)

func flatImage(width, height int32, value float32) []float32 {
	data := make([]float32, width*height)
	for i := range data {
		data[i] = value
	}
	return data
}

func addGaussian(data []float32, width int32, cx, cy, amp, sigma float32) {
	height := int32(len(data)) / width
	radius := int32(6*sigma) + 1
	x0, y0 := int32(cx), int32(cy)
	twoSigSq := 2 * sigma * sigma
	for y := y0 - radius; y <= y0+radius; y++ {
		if y < 0 || y >= height {
			continue
		}
		for x := x0 - radius; x <= x0+radius; x++ {
			if x < 0 || x >= width {
				continue
			}
			dx, dy := float32(x)-cx, float32(y)-cy
			data[y*width+x] += amp * float32(math.Exp(float64(-(dx*dx+dy*dy)/twoSigSq)))
		}
	}
}

func testDetector() Detector {
	return Detector{
		Octaves:      3,
		OctaveLayers: 2,
		ScaleFactor:  2,
		Threshold:    1e-4,
		Border:       16,
		PatchSize:    31,
		PatternScale: 1,
		Diffusivity:  DiffusivityGaussian,
	}
}

func TestDetectFindsBlobs(t *testing.T) {
	width, height := int32(256), int32(256)
	truth := [][2]float32{
		{40.2, 40.7}, {200.4, 60.1}, {120.6, 128.3},
		{60.3, 200.8}, {210.1, 209.6}, {160.7, 30.4},
	}
	amps := []float32{0.9, 0.8, 0.7, 0.65, 0.6, 0.5}

	data := flatImage(width, height, 0.1)
	for i, p := range truth {
		addGaussian(data, width, p[0], p[1], amps[i], 2)
	}

	d := testDetector()
	feats := d.Detect(data, width)
	if len(feats.KeyPoints) < len(truth) {
		t.Fatalf("%d keypoints found; want at least %d", len(feats.KeyPoints), len(truth))
	}
	if len(feats.Descriptors) != len(feats.KeyPoints) {
		t.Fatalf("%d descriptors for %d keypoints", len(feats.Descriptors), len(feats.KeyPoints))
	}

	for i, p := range truth {
		best := float32(math.MaxFloat32)
		for _, kp := range feats.KeyPoints {
			dx, dy := kp.X-p[0], kp.Y-p[1]
			if d := dx*dx + dy*dy; d < best {
				best = d
			}
		}
		if dist := float32(math.Sqrt(float64(best))); dist > 1.0 {
			t.Errorf("blob %d at (%.1f,%.1f): nearest keypoint %.2f pixels away; want <=1.0",
				i, p[0], p[1], dist)
		}
	}

	for _, kp := range feats.KeyPoints {
		best := float32(math.MaxFloat32)
		for _, p := range truth {
			dx, dy := kp.X-p[0], kp.Y-p[1]
			if d := dx*dx + dy*dy; d < best {
				best = d
			}
		}
		if dist := float32(math.Sqrt(float64(best))); dist > 5.0 {
			t.Errorf("keypoint at (%.1f,%.1f) scale %.0f is %.2f pixels from any blob",
				kp.X, kp.Y, kp.Scale, dist)
		}
	}

	for i := 1; i < len(feats.KeyPoints); i++ {
		if feats.KeyPoints[i].Response > feats.KeyPoints[i-1].Response {
			t.Errorf("keypoint %d response %g exceeds previous %g; want descending order",
				i, feats.KeyPoints[i].Response, feats.KeyPoints[i-1].Response)
		}
	}
}

// A rigid scene of blobs, each with a fainter companion to give the
// orientation assignment something to lock onto
type testBlob struct {
	x, y, amp, sigma float32
	satDX, satDY     float32
	satAmp, satSigma float32
}

var matchScene = []testBlob{
	{75.3, 80.2, 0.85, 2.0, 5.2, 1.3, 0.30, 1.3},
	{170.6, 75.4, 0.75, 2.4, -4.1, 4.4, 0.35, 1.4},
	{120.2, 120.7, 0.90, 1.8, 2.2, -5.6, 0.28, 1.2},
	{80.4, 170.3, 0.65, 2.6, 6.3, -2.2, 0.33, 1.5},
	{175.2, 168.8, 0.80, 2.2, -5.5, -3.3, 0.26, 1.3},
	{128.7, 75.6, 0.70, 2.0, 1.2, 6.5, 0.31, 1.4},
	{75.8, 125.4, 0.78, 2.3, -6.2, 1.8, 0.29, 1.2},
	{168.4, 122.6, 0.68, 2.5, 4.4, 4.0, 0.27, 1.5},
}

func renderScene(width, height int32, rotate func(x, y float32) (float32, float32)) []float32 {
	data := flatImage(width, height, 0.1)
	for _, b := range matchScene {
		mx, my := rotate(b.x, b.y)
		sx, sy := rotate(b.x+b.satDX, b.y+b.satDY)
		addGaussian(data, width, mx, my, b.amp, b.sigma)
		addGaussian(data, width, sx, sy, b.satAmp, b.satSigma)
	}
	return data
}

func TestMatchRotatedCopy(t *testing.T) {
	width, height := int32(256), int32(256)
	angle := float32(10 * math.Pi / 180)
	shiftX, shiftY := float32(7.3), float32(-4.1)
	cx, cy := float32(128), float32(128)
	sin64, cos64 := math.Sincos(float64(angle))
	sin, cos := float32(sin64), float32(cos64)

	identity := func(x, y float32) (float32, float32) { return x, y }
	rotated := func(x, y float32) (float32, float32) {
		dx, dy := x-cx, y-cy
		return cx + cos*dx - sin*dy + shiftX, cy + sin*dx + cos*dy + shiftY
	}

	imgA := renderScene(width, height, identity)
	imgB := renderScene(width, height, rotated)

	d := testDetector()
	d.Octaves = 1
	d.OctaveLayers = 1
	featsA := d.Detect(imgA, width)
	featsB := d.Detect(imgB, width)
	if len(featsA.KeyPoints) < len(matchScene) {
		t.Fatalf("%d keypoints in first image; want at least %d", len(featsA.KeyPoints), len(matchScene))
	}
	if len(featsB.KeyPoints) < len(matchScene) {
		t.Fatalf("%d keypoints in second image; want at least %d", len(featsB.KeyPoints), len(matchScene))
	}

	matches := MatchDescriptors(featsA.Descriptors, featsB.Descriptors, 0.8)
	good := 0
	for _, m := range matches {
		q := featsA.KeyPoints[m.QueryIdx]
		predX, predY := rotated(q.X, q.Y)
		tr := featsB.KeyPoints[m.TrainIdx]
		dx, dy := tr.X-predX, tr.Y-predY
		if dx*dx+dy*dy <= 25 {
			good++
		}
	}
	if good < 4 {
		t.Errorf("%d geometrically consistent matches of %d; want at least 4", good, len(matches))
	}
}

func TestMatchRatioRejectsAmbiguous(t *testing.T) {
	query := []Descriptor{make(Descriptor, 4)}
	near := make(Descriptor, 4)
	for i := 0; i < 10; i++ {
		near[i>>6] |= 1 << (i & 63)
	}
	far := make(Descriptor, 4)
	for i := 20; i < 31; i++ {
		far[i>>6] |= 1 << (i & 63)
	}
	train := []Descriptor{near, far}

	if matches := MatchDescriptors(query, train, 0.5); len(matches) != 0 {
		t.Errorf("%d matches at ratio 0.5; want 0", len(matches))
	}
	matches := MatchDescriptors(query, train, 0.95)
	if len(matches) != 1 {
		t.Fatalf("%d matches at ratio 0.95; want 1", len(matches))
	}
	if matches[0].TrainIdx != 0 || matches[0].Distance != 10 {
		t.Errorf("match train=%d dist=%v; want train=0 dist=10", matches[0].TrainIdx, matches[0].Distance)
	}

	// equal best and second best distances must never pass the strict ratio
	twin := make(Descriptor, 4)
	copy(twin, near)
	if matches := MatchDescriptors(query, []Descriptor{near, twin}, 0.99); len(matches) != 0 {
		t.Errorf("%d matches between identical candidates; want 0", len(matches))
	}

	if matches := MatchDescriptors(query, []Descriptor{near}, 0.95); matches != nil {
		t.Errorf("matching against a single candidate returned %d matches; want none", len(matches))
	}
}

func TestDetectEdges(t *testing.T) {
	width, height := int32(8), int32(6)
	data := make([]float32, width*height)
	for y := int32(0); y < height; y++ {
		for x := int32(4); x < width; x++ {
			data[y*width+x] = 1
		}
	}

	mag := DetectEdges(data, width)
	for y := int32(0); y < height; y++ {
		for x := int32(0); x < width; x++ {
			want := float32(0)
			if y >= 1 && y < height-1 && (x == 3 || x == 4) {
				want = 1
			}
			got := mag[y*width+x]
			if diff := got - want; diff > 1e-5 || diff < -1e-5 {
				t.Errorf("edge magnitude at (%d,%d)=%v; want %v", x, y, got, want)
			}
		}
	}
}

func TestSettingsValidation(t *testing.T) {
	for _, name := range []string{"AKAZE", "BRISK", "KAZE", "ORB", "SIFT", "SURF"} {
		s, err := SettingsFor(name)
		if err != nil {
			t.Errorf("SettingsFor(%s) error: %v", name, err)
			continue
		}
		if _, err := s.Detector(); err != nil {
			t.Errorf("%s default settings rejected: %v", name, err)
		}
	}
	if _, err := SettingsFor("FREAK"); err == nil || err.Error() != `Unknown feature detection algorithm "FREAK"` {
		t.Errorf("unknown algorithm error=%v", err)
	}

	akaze := NewAKAZESettings()
	akaze.DescriptorType = "MLDB_UPRIGHT"
	if d, err := akaze.Detector(); err != nil || !d.Upright {
		t.Errorf("MLDB_UPRIGHT: upright=%v err=%v; want upright without error", d.Upright, err)
	}
	akaze.DescriptorType = "SIFT"
	if _, err := akaze.Detector(); err == nil || err.Error() != `Invalid descriptor type "SIFT"` {
		t.Errorf("bad descriptor type error=%v", err)
	}
	akaze = NewAKAZESettings()
	akaze.Diffusivity = "fourier"
	if _, err := akaze.Detector(); err == nil || err.Error() != `Invalid diffusivity "fourier"` {
		t.Errorf("bad diffusivity error=%v", err)
	}

	orb := NewORBSettings()
	orb.ScoreType = "harris"
	if _, err := orb.Detector(); err == nil || err.Error() != `Invalid score type "harris"` {
		t.Errorf("bad score type error=%v", err)
	}
	orb = NewORBSettings()
	orb.WTAK = 5
	if _, err := orb.Detector(); err == nil || !strings.Contains(err.Error(), "WTA_K") {
		t.Errorf("bad WTA_K error=%v", err)
	}

	sift := NewSIFTSettings()
	sift.Sigma = 0
	if _, err := sift.Detector(); err == nil || err.Error() != "Invalid sigma value 0" {
		t.Errorf("bad sigma error=%v", err)
	}

	brisk := NewBRISKSettings()
	d, err := brisk.Detector()
	if err != nil {
		t.Fatalf("BRISK detector error: %v", err)
	}
	want := float32(30.0/255.0) * float32(30.0/255.0)
	if d.Threshold != want {
		t.Errorf("BRISK threshold=%v; want %v", d.Threshold, want)
	}
}

func TestDetectDeterminism(t *testing.T) {
	width := int32(128)
	data := flatImage(width, 128, 0.1)
	addGaussian(data, width, 50.3, 40.6, 0.8, 2)
	addGaussian(data, width, 90.1, 80.4, 0.6, 2.5)

	d := testDetector()
	first := d.Detect(data, width)
	second := d.Detect(data, width)
	if len(first.KeyPoints) != len(second.KeyPoints) {
		t.Fatalf("run 1 found %d keypoints, run 2 found %d", len(first.KeyPoints), len(second.KeyPoints))
	}
	for i := range first.KeyPoints {
		if first.KeyPoints[i] != second.KeyPoints[i] {
			t.Errorf("keypoint %d differs between runs: %+v vs %+v", i, first.KeyPoints[i], second.KeyPoints[i])
		}
		for w := range first.Descriptors[i] {
			if first.Descriptors[i][w] != second.Descriptors[i][w] {
				t.Errorf("descriptor %d word %d differs between runs", i, w)
			}
		}
	}
}

func TestBuildPyramidStopsAtMinSize(t *testing.T) {
	data := make([]float32, 256*256)
	levels := buildPyramid(data, 256, 8, 2, 1, DiffusivityGaussian)
	if len(levels) != 4 {
		t.Fatalf("%d levels for a 256 pixel image; want 4", len(levels))
	}
	wantWidths := []int32{256, 128, 64, 32}
	wantScales := []float32{1, 2, 4, 8}
	for i, l := range levels {
		if l.width != wantWidths[i] || l.scale != wantScales[i] {
			t.Errorf("level %d: width=%d scale=%v; want width=%d scale=%v",
				i, l.width, l.scale, wantWidths[i], wantScales[i])
		}
	}
}
