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

package mosaic

import (
	"fmt"
	"math"
	"sort"

	"github.com/pbnjay/memory"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/skylign/skylign/internal/transform"
	"github.com/skylign/skylign/internal/wcs"
)

// Largest allowed mosaic canvas extent per axis; the area cap is the
// square of this value
const MaxSize = 16384

// DefaultMaxSize returns the canvas extent cap for this machine: the
// largest square of float32 pixels fitting in a quarter of physical
// memory, clamped to [4096, MaxSize]
func DefaultMaxSize() int32 {
	pixels := memory.TotalMemory() / 4 / 4
	size := int32(math.Sqrt(float64(pixels)))
	if size < 4096 {
		return 4096
	}
	if size > MaxSize {
		return MaxSize
	}
	return size
}

// TileState tracks an image through mosaic assembly
type TileState int

const (
	// Not part of any mosaic; the image had no surviving match
	StateUnassigned TileState = iota
	// Member of a connected component, not yet placed on its canvas
	StateInMosaic
	// Placed on the mosaic canvas with a fixed transform
	StatePlaced
)

func (s TileState) String() string {
	switch s {
	case StateUnassigned:
		return "unassigned"
	case StateInMosaic:
		return "in mosaic"
	case StatePlaced:
		return "placed"
	}
	return fmt.Sprintf("TileState(%d)", int(s))
}

// Mosaic is one group of overlapping images sharing an output canvas.
// The reference tile comes first in Tiles; transforms are backward,
// mapping canvas pixel coordinates into each tile for resampling
type Mosaic struct {
	Tiles    []int
	Width    int32
	Height   int32
	Backward map[int]transform.Affine
	// Astrometry of the canvas, derived from the first placed tile with
	// a celestial solution; nil when no tile has one
	WCS *wcs.WCS
}

// Assembly is the outcome of grouping and placing all matched tiles
type Assembly struct {
	Mosaics []Mosaic
	// Per-mosaic failures; the remaining mosaics are still usable
	Errors []error
	States map[int]TileState
}

// A fixed placement of one tile while its mosaic is being laid out. The
// forward transform maps tile pixel coordinates onto the canvas and is
// shifted in place whenever the canvas grows towards negative coordinates
type placement struct {
	fileID  int
	forward transform.Affine
}

// Assemble partitions the match graph into connected components and lays
// each one out on its own canvas. Images without any match are left out.
// A component whose canvas outgrows the area cap fails individually and
// is reported in the returned assembly; only a graph without any matches
// at all is an error
func Assemble(g *Graph, maxSize int32) (*Assembly, error) {
	gg := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for _, id := range g.Order() {
		if g.Matched(id) {
			gg.AddNode(simple.Node(int64(id)))
		}
	}
	for _, a := range g.Order() {
		for _, b := range g.Neighbors(a) {
			if b <= a {
				continue
			}
			w, _ := g.Weight(a, b)
			gg.SetWeightedEdge(simple.WeightedEdge{
				F: simple.Node(int64(a)), T: simple.Node(int64(b)), W: w,
			})
		}
	}

	comps := components(gg)
	if len(comps) == 0 {
		// A lone image forms its own trivial mosaic so that aligning a
		// single file is a no-op rather than a failure
		if len(g.Tiles) == 1 {
			comps = [][]int{g.Order()}
		} else {
			return nil, fmt.Errorf("Cannot find a match between any images")
		}
	}

	asm := &Assembly{States: make(map[int]TileState, len(g.Tiles))}
	for _, id := range g.Order() {
		asm.States[id] = StateUnassigned
	}

	for _, members := range comps {
		for _, id := range members {
			asm.States[id] = StateInMosaic
		}
		m, err := assembleOne(g, gg, members, maxSize, asm.States)
		if err != nil {
			for _, id := range members {
				asm.States[id] = StateInMosaic
			}
			asm.Errors = append(asm.Errors, err)
			continue
		}
		asm.Mosaics = append(asm.Mosaics, m)
	}
	return asm, nil
}

// components returns the connected components of the match graph, each as
// an ascending list of file IDs, ordered by their smallest member. Images
// without any match carry no node and are skipped
func components(gg *simple.WeightedUndirectedGraph) [][]int {
	var comps [][]int
	for _, nodes := range topo.ConnectedComponents(gg) {
		members := make([]int, len(nodes))
		for i, n := range nodes {
			members[i] = int(n.ID())
		}
		sort.Ints(members)
		comps = append(comps, members)
	}
	sort.Slice(comps, func(i, j int) bool { return comps[i][0] < comps[j][0] })
	return comps
}

// referenceTile picks the member closest to the component's mean sky
// position. Components without any celestial solution fall back to the
// lowest file ID
func referenceTile(g *Graph, members []int) int {
	var ids []int
	var centers []wcs.SkyCoord
	for _, id := range members {
		if fp, ok := g.fov[id]; ok {
			ids = append(ids, id)
			centers = append(centers, fp.Center)
		}
	}
	if len(ids) == 0 {
		return members[0]
	}
	mean := wcs.SphericalMean(centers)
	best, bestSep := ids[0], math.Inf(1)
	for i, id := range ids {
		if sep := wcs.AngularSeparation(mean, centers[i]); sep < bestSep {
			best, bestSep = id, sep
		}
	}
	return best
}

// assembleOne lays out one component. The reference tile anchors the
// canvas with the identity transform; every other tile is chained to it
// along the cheapest path in the match graph and the canvas is grown to
// enclose its bounding box, shifting all fixed placements when the tile
// extends past the origin
func assembleOne(g *Graph, gg *simple.WeightedUndirectedGraph, members []int,
	maxSize int32, states map[int]TileState) (Mosaic, error) {

	ref := referenceTile(g, members)
	order := make([]int, 0, len(members))
	order = append(order, ref)
	for _, id := range members {
		if id != ref {
			order = append(order, id)
		}
	}

	refTile := g.Tiles[ref]
	width, height := int64(refTile.Width), int64(refTile.Height)
	placements := []placement{{ref, transform.Identity()}}
	states[ref] = StatePlaced
	var sx, sy int64

	sp := path.DijkstraFrom(simple.Node(int64(ref)), gg)
	for _, id := range order[1:] {
		nodes, _ := sp.To(int64(id))
		if len(nodes) < 2 {
			return Mosaic{}, fmt.Errorf("no path between data files %d and %d", ref, id)
		}
		fwd := transform.Identity()
		for k := len(nodes) - 1; k > 0; k-- {
			rel, ok := g.Rel(int(nodes[k].ID()), int(nodes[k-1].ID()))
			if !ok {
				return Mosaic{}, fmt.Errorf("no transform between data files %d and %d",
					nodes[k].ID(), nodes[k-1].ID())
			}
			fwd = fwd.Then(rel)
		}
		fwd.Dx += float32(sx)
		fwd.Dy += float32(sy)
		placements = append(placements, placement{id, fwd})
		states[id] = StatePlaced

		tile := g.Tiles[id]
		xminF, xmaxF, yminF, ymaxF := fwd.MapBounds(tile.Width, tile.Height)
		xmin := int64(math.Floor(float64(xminF)))
		xmax := int64(math.Ceil(float64(xmaxF)))
		ymin := int64(math.Floor(float64(yminF)))
		ymax := int64(math.Ceil(float64(ymaxF)))

		var shiftX, shiftY int64
		if xmin < 0 {
			shiftX = -xmin
		}
		if ymin < 0 {
			shiftY = -ymin
		}
		if shiftX > 0 || shiftY > 0 {
			for i := range placements {
				placements[i].forward.Dx += float32(shiftX)
				placements[i].forward.Dy += float32(shiftY)
			}
			sx += shiftX
			sy += shiftY
			width += shiftX
			height += shiftY
		}
		if xmax+shiftX > width-1 {
			width = xmax + shiftX + 1
		}
		if ymax+shiftY > height-1 {
			height = ymax + shiftY + 1
		}

		if width*height > int64(maxSize)*int64(maxSize) {
			return Mosaic{}, fmt.Errorf("Mosaic size (%dx%d) exceeds the maximum (%dx%d)",
				width, height, maxSize, maxSize)
		}
	}

	m := Mosaic{
		Tiles:    make([]int, 0, len(placements)),
		Width:    int32(width),
		Height:   int32(height),
		Backward: make(map[int]transform.Affine, len(placements)),
	}
	for _, p := range placements {
		back, err := p.forward.Invert()
		if err != nil {
			return Mosaic{}, err
		}
		m.Tiles = append(m.Tiles, p.fileID)
		m.Backward[p.fileID] = back
	}

	for _, id := range m.Tiles {
		w := g.Tiles[id].WCS
		if w == nil {
			continue
		}
		cw, err := w.WithTransform(m.Backward[id])
		if err != nil {
			continue
		}
		m.WCS = cw
		break
	}
	return m, nil
}
