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

// Package mosaic groups overlapping images into mosaics and places each
// image on a shared output canvas. A weighted match graph is built from
// all computable pairwise alignment transforms; its connected components
// become the mosaics, and every tile is placed by chaining transforms
// along the cheapest path to the component's reference tile.
package mosaic

import (
	"math"
	"sort"
	"time"

	"github.com/skylign/skylign/internal/transform"
	"github.com/skylign/skylign/internal/wcs"
)

// Registrar computes the backward alignment transform mapping reference
// frame pixel coordinates into the given image. register.Engine
// implements it
type Registrar interface {
	ComputeTransform(fileID, refFileID int) (transform.Affine, string, error)
}

// Tile is one input image of a mosaic run. WCS is nil when the image has
// no celestial solution
type Tile struct {
	FileID int
	Width  int32
	Height int32
	WCS    *wcs.WCS
}

// Weighting selects how graph edges are weighted, which in turn decides
// which chains of pairwise transforms the placement follows
type Weighting int

const (
	// Every edge costs the same, ignoring image overlap
	WeightConstant Weighting = iota
	// Edge cost is the great circle distance between image centers
	WeightAngular
	// Edge cost is the inverse square of the normalized overlap area,
	// preferring chains through strongly overlapping pairs
	WeightOverlap
)

// Default slack multiplier applied to the sum of two field radii when
// pre-filtering candidate pairs by sky distance
const DefaultSearchRadius = 1.5

// Options configure the graph builder
type Options struct {
	Weighting Weighting
	// Pairs whose centers are further apart than the sum of their field
	// radii times this factor are skipped without attempting a match.
	// Zero or negative disables the pre-filter; it is also inactive for
	// tiles without a celestial solution
	SearchRadius float64
	// Called after each candidate pair, successful or not
	Progress func(done, total int)
}

// BuildStats describe one graph construction run
type BuildStats struct {
	Pairs       int // candidate pairs considered
	Prefiltered int // pairs skipped by the sky distance pre-filter
	Matched     int // pairs that produced a surviving edge
	Elapsed     time.Duration
}

type pairKey struct{ from, to int }

// Graph holds the surviving pairwise matches of one mosaic run. Edges are
// symmetric: for every match both directed transforms are stored, mutually
// inverse, with a single shared weight
type Graph struct {
	Tiles map[int]Tile
	// Last successful match description per file, keyed by the first
	// file of the pair
	History map[int]string
	Stats   BuildStats

	order  []int
	fov    map[int]wcs.Footprint
	rel    map[pairKey]transform.Affine
	weight map[pairKey]float64
	adj    map[int][]int
}

// BuildGraph attempts an alignment transform for every unordered pair of
// tiles and records the surviving matches. Pair failures are expected for
// disjoint pointings and are skipped silently
func BuildGraph(tiles []Tile, reg Registrar, opts Options) *Graph {
	start := time.Now()
	g := &Graph{
		Tiles:   make(map[int]Tile, len(tiles)),
		History: make(map[int]string),
		fov:     make(map[int]wcs.Footprint, len(tiles)),
		rel:     make(map[pairKey]transform.Affine),
		weight:  make(map[pairKey]float64),
		adj:     make(map[int][]int),
	}
	for _, t := range tiles {
		g.Tiles[t.FileID] = t
		g.order = append(g.order, t.FileID)
	}
	sort.Ints(g.order)

	for _, id := range g.order {
		t := g.Tiles[id]
		if t.WCS == nil || t.Width < 1 || t.Height < 1 {
			continue
		}
		g.fov[id] = t.WCS.FootprintOf([]int32{t.Width, t.Height})
	}

	n := len(g.order)
	total := n * (n - 1) / 2
	done := 0
	for i, a := range g.order {
		for _, b := range g.order[i+1:] {
			g.matchPair(a, b, reg, opts)
			done++
			if opts.Progress != nil {
				opts.Progress(done, total)
			}
		}
	}
	for _, ids := range g.adj {
		sort.Ints(ids)
	}
	g.Stats.Pairs = total
	g.Stats.Elapsed = time.Since(start)
	return g
}

func (g *Graph) matchPair(a, b int, reg Registrar, opts Options) {
	if opts.SearchRadius > 0 {
		fa, okA := g.fov[a]
		fb, okB := g.fov[b]
		if okA && okB &&
			wcs.AngularSeparation(fa.Center, fb.Center) > (fa.Radius+fb.Radius)*opts.SearchRadius {
			g.Stats.Prefiltered++
			return
		}
	}

	// rel maps pixel coordinates of a into the frame of b
	rel, desc, err := reg.ComputeTransform(b, a)
	if err != nil {
		return
	}
	inv, err := rel.Invert()
	if err != nil {
		return
	}

	w := 1.0
	switch opts.Weighting {
	case WeightAngular:
		if fa, ok := g.fov[a]; ok {
			if fb, ok := g.fov[b]; ok {
				w = wcs.AngularSeparation(fa.Center, fb.Center)
			}
		}
	case WeightOverlap:
		var ok bool
		if w, ok = overlapWeight(rel, g.Tiles[a], g.Tiles[b]); !ok {
			// A transform without overlap is a false match
			return
		}
	}

	g.History[a] = desc
	g.rel[pairKey{a, b}] = rel
	g.rel[pairKey{b, a}] = inv
	g.weight[pairKey{a, b}] = w
	g.weight[pairKey{b, a}] = w
	g.adj[a] = append(g.adj[a], b)
	g.adj[b] = append(g.adj[b], a)
	g.Stats.Matched++
}

// overlapWeight projects tile a onto the frame of tile b, intersects the
// bounding boxes and weighs the pair by the inverse square of the overlap
// area normalized to the smaller tile. Reports false when the tiles do
// not overlap
func overlapWeight(rel transform.Affine, a, b Tile) (float64, bool) {
	if a.Width < 2 || a.Height < 2 || b.Width < 2 || b.Height < 2 {
		return 0, false
	}
	xmin, xmax, ymin, ymax := rel.MapBounds(a.Width, a.Height)
	bw, bh := float64(b.Width-1), float64(b.Height-1)

	ix := math.Min(float64(xmax), bw) - math.Max(float64(xmin), 0)
	iy := math.Min(float64(ymax), bh) - math.Max(float64(ymin), 0)
	if ix <= 0 || iy <= 0 {
		return 0, false
	}

	areaA := float64(a.Width-1) * float64(a.Height-1)
	areaB := bw * bh
	ratio := ix * iy / math.Min(areaA, areaB)
	if ratio > 1 {
		ratio = 1
	}
	return 1 / (ratio * ratio), true
}

// Rel returns the transform mapping pixel coordinates of file from into
// the frame of file to
func (g *Graph) Rel(from, to int) (transform.Affine, bool) {
	t, ok := g.rel[pairKey{from, to}]
	return t, ok
}

// Weight returns the edge weight between two matched files
func (g *Graph) Weight(a, b int) (float64, bool) {
	w, ok := g.weight[pairKey{a, b}]
	return w, ok
}

// Neighbors returns the files matched with the given file, in ascending
// order
func (g *Graph) Neighbors(id int) []int { return g.adj[id] }

// Matched reports whether the file has at least one surviving match
func (g *Graph) Matched(id int) bool { return len(g.adj[id]) > 0 }

// Order returns all tile file IDs in ascending order
func (g *Graph) Order() []int { return g.order }
