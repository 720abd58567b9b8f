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
	"sort"

	"github.com/skylign/skylign/internal/transform"
)

// Default tolerances for pattern matching, in fractions of the reference field extent
const (
	DefaultMatchTol   float32 = 0.002 // spatial tolerance for accepting a star pairing
	DefaultMinEdge    float32 = 0.003 // minimum triangle side length
	DefaultRatioLimit float32 = 10    // maximum ratio of longest to shortest triangle side
	DefaultConfidence float32 = 0.15  // fraction of stars which must verify a candidate
)

// Number of brightest mutually distant stars per image used to build triangles,
// and size of the candidate shortlist
const patternStars int32 = 20

// Minimal distance between triangle stars as a fraction of the field extent
const minDistanceForPatternStars float32 = 1.0 / 20.0

// A triangle representing the distances between three stars, which are translation
// and rotation invariant. Also stores the point indices for later processing steps
type Triangle struct {
	DistAB float32
	DistAC float32
	DistBC float32
	A      int32
	B      int32
	C      int32
}

// A candidate match between a triangle and a reference triangle, with the
// squared distance between their shapes
type triMatch struct {
	Dist        float32
	TriIndex    int32
	RefTriIndex int32
}

// Matches the star pattern of an image against the star pattern of a reference image
// by comparing triangles built from the brightest stars of each. Returns one entry per
// image star holding the index of the matching reference star, or -1 when unmatched.
// With scaleInvariant, triangles are compared by their side length ratios, allowing
// the two patterns to differ in scale.
//
// eps is the spatial tolerance for accepting a star pairing, minEdge the minimum
// triangle side, ratioLimit the maximum elongation of a triangle, and confidence the
// fraction of image stars which must verify a candidate transformation before it is
// accepted. All lengths are fractions of the reference field extent.
func MatchPattern(imgStars, refStars []Star, scaleInvariant bool, eps, minEdge, ratioLimit, confidence float32) []int32 {
	match := make([]int32, len(imgStars))
	for i := range match {
		match[i] = -1
	}
	if len(imgStars) < 3 || len(refStars) < 3 {
		return match
	}
	norm := fieldExtent(refStars)
	if norm <= 0 {
		return match
	}
	invNorm := 1.0 / norm

	// tree of normalized reference star positions, with original indices as payload
	kdt := make(KDTree2P, len(refStars))
	for i, s := range refStars {
		kdt[i] = transform.Point2DPayload{Point2D: transform.Point2D{X: s.X * invNorm, Y: s.Y * invNorm}, Payload: int32(i)}
	}
	kdt.Make()

	// build triangles from the brightest mutually distant stars of each pattern
	refPick := pickBrightestDistant(refStars, invNorm, minDistanceForPatternStars, patternStars)
	refTris := generateTriangles(refPick, minEdge, ratioLimit)
	imgPick := pickBrightestDistant(imgStars, invNorm, minDistanceForPatternStars, patternStars)
	imgTris := generateTriangles(imgPick, minEdge, ratioLimit)
	if len(refTris) == 0 || len(imgTris) == 0 {
		return match
	}

	refTriKDT := make(KDTree3P, len(refTris))
	for i, t := range refTris {
		refTriKDT[i] = transform.Point3DPayload{Point3D: shapeKey(t, scaleInvariant), Payload: int32(i)}
	}
	refTriKDT.Make()

	// image star positions in caller order, for verification and pairing
	imgPts := make([]transform.Point2D, len(imgStars))
	for i, s := range imgStars {
		imgPts[i] = transform.Point2D{X: s.X * invNorm, Y: s.Y * invNorm}
	}

	matches := closestTriangleMatches(imgTris, refTriKDT, scaleInvariant, patternStars)
	trans, found := findBestCandidate(matches, imgTris, refTris, imgPick, refPick, imgPts, kdt, eps, confidence)
	if !found {
		return match
	}

	// pair each image star with its nearest reference star under the winning
	// transformation, closest pairs first, each reference star at most once
	type pairing struct {
		distSq float32
		img    int32
		ref    int32
	}
	pairs := []pairing{}
	epsSq := eps * eps
	for i, p := range imgPts {
		proj := trans.Apply(p)
		nn, distSq := kdt.NearestNeighbor(proj)
		if distSq <= epsSq {
			pairs = append(pairs, pairing{distSq, int32(i), nn.Payload.(int32)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].distSq != pairs[j].distSq {
			return pairs[i].distSq < pairs[j].distSq
		}
		return pairs[i].img < pairs[j].img
	})
	refTaken := make([]bool, len(refStars))
	for _, pr := range pairs {
		if refTaken[pr.ref] {
			continue
		}
		match[pr.img] = pr.ref
		refTaken[pr.ref] = true
	}
	return match
}

// Returns the larger dimension of the bounding box of the star positions
func fieldExtent(stars []Star) float32 {
	minX, maxX := stars[0].X, stars[0].X
	minY, maxY := stars[0].Y, stars[0].Y
	for _, s := range stars[1:] {
		if s.X < minX {
			minX = s.X
		}
		if s.X > maxX {
			maxX = s.X
		}
		if s.Y < minY {
			minY = s.Y
		}
		if s.Y > maxY {
			maxY = s.Y
		}
	}
	w, h := maxX-minX, maxY-minY
	if h > w {
		return h
	}
	return w
}

// Selects up to k stars brightest first, skipping those closer than minLength to an
// already selected star. Returns their positions scaled by invNorm
func pickBrightestDistant(stars []Star, invNorm, minLength float32, k int32) []transform.Point2D {
	sorted := make([]Star, len(stars))
	copy(sorted, stars)
	SortBrightestFirst(sorted)

	picked := make([]transform.Point2D, 0, k)
outer:
	for _, s := range sorted {
		if int32(len(picked)) >= k {
			break
		}
		p := transform.Point2D{X: s.X * invNorm, Y: s.Y * invNorm}
		for _, q := range picked {
			if transform.Dist2D(p, q) < minLength {
				continue outer
			}
		}
		picked = append(picked, p)
	}
	return picked
}

// Generates all triangles from the points whose side lengths satisfy the canonical
// ordering dAB < dAC < dBC, dropping triangles with a side shorter than minEdge or
// an elongation beyond ratioLimit. This is O(n^3) on the shortlisted points
func generateTriangles(points []transform.Point2D, minEdge, ratioLimit float32) []Triangle {
	tris := []Triangle{}
	for a, pa := range points {
		for b, pb := range points {
			if a == b {
				continue
			}
			dAB := transform.Dist2D(pa, pb)
			for c, pc := range points {
				if a == c || b == c {
					continue
				}
				dAC := transform.Dist2D(pa, pc)
				dBC := transform.Dist2D(pb, pc)

				if dAB < dAC && dAC < dBC {
					if dAB < minEdge || dBC > ratioLimit*dAB {
						continue
					}
					tris = append(tris, Triangle{dAB, dAC, dBC, int32(a), int32(b), int32(c)})
				}
			}
		}
	}
	return tris
}

// Returns the lookup key of a triangle in shape space. Scale invariant keys use
// the side length ratios to the longest side, which lie in (0,1)
func shapeKey(t Triangle, scaleInvariant bool) transform.Point3D {
	if scaleInvariant {
		return transform.Point3D{X: t.DistAB / t.DistBC, Y: t.DistAC / t.DistBC, Z: 0}
	}
	return transform.Point3D{X: t.DistAB, Y: t.DistAC, Z: t.DistBC}
}

// Finds the k closest matches between the given triangles and the reference triangles
func closestTriangleMatches(triangles []Triangle, refTriKDT KDTree3P, scaleInvariant bool, k int32) []triMatch {
	matches := make([]triMatch, len(triangles))
	for i, tri := range triangles {
		closest, distSq := refTriKDT.NearestNeighbor(shapeKey(tri, scaleInvariant))
		matches[i] = triMatch{distSq, int32(i), closest.Payload.(int32)}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Dist != matches[j].Dist {
			return matches[i].Dist < matches[j].Dist
		}
		if matches[i].TriIndex != matches[j].TriIndex {
			return matches[i].TriIndex < matches[j].TriIndex
		}
		return matches[i].RefTriIndex < matches[j].RefTriIndex
	})

	if k > int32(len(matches)) {
		k = int32(len(matches))
	}
	return matches[:k]
}

// Evaluates the candidate triangle matches. For each candidate, builds the affine
// transformation mapping its image triple onto its reference triple, projects all
// image stars and counts those landing within eps of a reference star. Returns the
// transformation with the most verified stars, requiring at least the confidence
// fraction of image stars and no fewer than two
func findBestCandidate(matches []triMatch, imgTris, refTris []Triangle, imgPick, refPick, imgPts []transform.Point2D,
	kdt KDTree2P, eps, confidence float32) (best transform.Affine, found bool) {
	minInliers := int(math.Ceil(float64(confidence) * float64(len(imgPts))))
	if minInliers < 2 {
		minInliers = 2
	}
	epsSq := eps * eps
	bestInliers := 0
	bestResidual := float32(math.MaxFloat32)

	for _, m := range matches {
		tri, refTri := imgTris[m.TriIndex], refTris[m.RefTriIndex]
		cand, err := transform.FromTriangle(
			imgPick[tri.A], imgPick[tri.B], imgPick[tri.C],
			refPick[refTri.A], refPick[refTri.B], refPick[refTri.C])
		if err != nil {
			continue
		}

		inliers := 0
		distSqSum := float32(0)
		for _, p := range imgPts {
			proj := cand.Apply(p)
			_, distSq := kdt.NearestNeighbor(proj)
			if distSq <= epsSq {
				inliers++
				distSqSum += distSq
			}
		}
		if inliers < minInliers {
			continue
		}
		residual := float32(math.Sqrt(float64(distSqSum) / float64(inliers)))
		if inliers > bestInliers || (inliers == bestInliers && residual < bestResidual) {
			best, found = cand, true
			bestInliers, bestResidual = inliers, residual
		}
	}
	return best, found
}
