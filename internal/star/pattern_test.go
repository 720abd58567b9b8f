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
	"testing"

	"github.com/skylign/skylign/internal/transform"
)

// Builds a jittered grid of stars with strictly decreasing masses
func gridStars(seed lcg, cols, rows int, origin, spacing, jitter float32) []Star {
	rng := seed
	stars := make([]Star, 0, cols*rows)
	for j := 0; j < rows; j++ {
		for i := 0; i < cols; i++ {
			x := origin + spacing*float32(i) + (rng.uniform()*2-1)*jitter
			y := origin + spacing*float32(j) + (rng.uniform()*2-1)*jitter
			s := NewStar(x, y)
			s.Mass = 1000 - 7*float32(len(stars))
			stars = append(stars, s)
		}
	}
	return stars
}

// Applies a similarity transformation to the reference stars in permuted order
func transformedStars(ref []Star, perm []int, scale, angleDeg, dx, dy float32) []Star {
	sin, cos := math.Sincos(float64(angleDeg) * math.Pi / 180)
	s, c := float32(sin), float32(cos)
	img := make([]Star, len(perm))
	for i, pi := range perm {
		r := ref[pi]
		img[i] = NewStar(scale*(c*r.X-s*r.Y)+dx, scale*(s*r.X+c*r.Y)+dy)
		img[i].Mass = r.Mass
	}
	return img
}

func permutation(n, stride int) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = (i*stride + 5) % n
	}
	return perm
}

func TestMatchPatternRigid(t *testing.T) {
	ref := gridStars(7, 6, 6, 80, 150, 30)
	perm := permutation(len(ref), 17)
	img := transformedStars(ref, perm, 1.0, 15, 85, -40)

	match := MatchPattern(img, ref, false, DefaultMatchTol, DefaultMinEdge, DefaultRatioLimit, DefaultConfidence)
	if len(match) != len(img) {
		t.Fatalf("match has %d entries; want %d", len(match), len(img))
	}

	matched := 0
	for i, m := range match {
		if m < 0 {
			continue
		}
		matched++
		if int(m) != perm[i] {
			t.Errorf("img star %d matched ref %d; want %d", i, m, perm[i])
		}
	}
	if matched < 30 {
		t.Errorf("matched %d of %d stars; want at least 30", matched, len(img))
	}
}

func TestMatchPatternScaleInvariant(t *testing.T) {
	ref := gridStars(7, 6, 6, 80, 150, 30)
	perm := permutation(len(ref), 11)
	img := transformedStars(ref, perm, 0.6, 20, 300, 200)

	match := MatchPattern(img, ref, true, DefaultMatchTol, DefaultMinEdge, DefaultRatioLimit, DefaultConfidence)

	matched := 0
	for i, m := range match {
		if m < 0 {
			continue
		}
		matched++
		if int(m) != perm[i] {
			t.Errorf("img star %d matched ref %d; want %d", i, m, perm[i])
		}
	}
	if matched < 30 {
		t.Errorf("matched %d of %d stars; want at least 30", matched, len(img))
	}
}

func TestMatchPatternRejectsUnrelated(t *testing.T) {
	ref := gridStars(7, 6, 6, 80, 150, 30)
	img := gridStars(99, 5, 5, 120, 117, 25)

	match := MatchPattern(img, ref, false, DefaultMatchTol, DefaultMinEdge, DefaultRatioLimit, DefaultConfidence)
	for i, m := range match {
		if m != -1 {
			t.Errorf("img star %d matched ref %d; want -1", i, m)
		}
	}
}

func TestMatchPatternTooFewStars(t *testing.T) {
	ref := gridStars(7, 6, 6, 80, 150, 30)
	img := []Star{NewStar(100, 100), NewStar(300, 250)}

	match := MatchPattern(img, ref, false, DefaultMatchTol, DefaultMinEdge, DefaultRatioLimit, DefaultConfidence)
	if len(match) != 2 || match[0] != -1 || match[1] != -1 {
		t.Errorf("match %v; want [-1 -1]", match)
	}
	if got := MatchPattern(nil, ref, false, DefaultMatchTol, DefaultMinEdge, DefaultRatioLimit, DefaultConfidence); len(got) != 0 {
		t.Errorf("match for empty image list has %d entries; want 0", len(got))
	}
}

func TestGenerateTrianglesProperties(t *testing.T) {
	rng := lcg(12)
	points := make([]transform.Point2D, 12)
	for i := range points {
		points[i] = transform.Point2D{X: rng.uniform(), Y: rng.uniform()}
	}
	minEdge, ratioLimit := float32(0.05), float32(10)
	tris := generateTriangles(points, minEdge, ratioLimit)
	if len(tris) == 0 {
		t.Fatal("no triangles generated")
	}
	for i, tri := range tris {
		if !(tri.DistAB < tri.DistAC && tri.DistAC < tri.DistBC) {
			t.Errorf("triangle %d sides %g %g %g not in canonical order", i, tri.DistAB, tri.DistAC, tri.DistBC)
		}
		if tri.DistAB < minEdge {
			t.Errorf("triangle %d shortest side %g below %g", i, tri.DistAB, minEdge)
		}
		if tri.DistBC > ratioLimit*tri.DistAB {
			t.Errorf("triangle %d elongation %g exceeds %g", i, tri.DistBC/tri.DistAB, ratioLimit)
		}
		if tri.A == tri.B || tri.A == tri.C || tri.B == tri.C {
			t.Errorf("triangle %d has repeated point indices %d %d %d", i, tri.A, tri.B, tri.C)
		}
	}
}
