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
	"math"
	"sort"
	"testing"

	"github.com/skylign/skylign/internal/transform"
)

func TestAssembleChain(t *testing.T) {
	reg := &fakeRegistrar{rel: map[[2]int]transform.Affine{
		{1, 2}: transform.Translation(-60, 0),
		{2, 3}: transform.Translation(-60, 0),
	}}
	tiles := []Tile{plainTile(1, 100, 100), plainTile(2, 100, 100), plainTile(3, 100, 100)}
	g := BuildGraph(tiles, reg, Options{Weighting: WeightConstant})

	asm, err := Assemble(g, MaxSize)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(asm.Mosaics) != 1 || len(asm.Errors) != 0 {
		t.Fatalf("got %d mosaics, %d errors; want 1 mosaic", len(asm.Mosaics), len(asm.Errors))
	}
	m := asm.Mosaics[0]
	if m.Width != 220 || m.Height != 100 {
		t.Errorf("canvas=%dx%d; want 220x100", m.Width, m.Height)
	}
	if len(m.Tiles) != 3 || m.Tiles[0] != 1 {
		t.Errorf("tiles=%v; want reference 1 first of 3", m.Tiles)
	}
	checkTranslation(t, "backward(1)", m.Backward[1], 0, 0)
	checkTranslation(t, "backward(2)", m.Backward[2], -60, 0)
	checkTranslation(t, "backward(3)", m.Backward[3], -120, 0)
	for id := 1; id <= 3; id++ {
		if asm.States[id] != StatePlaced {
			t.Errorf("state(%d)=%v; want placed", id, asm.States[id])
		}
	}
}

func TestAssembleNegativeShift(t *testing.T) {
	// Tile 2 extends left of the reference, tile 3 right of it; the
	// leftward placement must shift every fixed translation
	reg := &fakeRegistrar{rel: map[[2]int]transform.Affine{
		{1, 2}: transform.Translation(60, 0),
		{1, 3}: transform.Translation(-60, 0),
	}}
	tiles := []Tile{plainTile(1, 100, 100), plainTile(2, 100, 100), plainTile(3, 100, 100)}
	g := BuildGraph(tiles, reg, Options{Weighting: WeightConstant})

	asm, err := Assemble(g, MaxSize)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	m := asm.Mosaics[0]
	if m.Width != 220 || m.Height != 100 {
		t.Errorf("canvas=%dx%d; want 220x100", m.Width, m.Height)
	}
	checkTranslation(t, "backward(1)", m.Backward[1], -60, 0)
	checkTranslation(t, "backward(2)", m.Backward[2], 0, 0)
	checkTranslation(t, "backward(3)", m.Backward[3], -120, 0)
}

func TestAssembleComponents(t *testing.T) {
	reg := &fakeRegistrar{rel: map[[2]int]transform.Affine{
		{1, 2}: transform.Translation(-60, 0),
		{3, 4}: transform.Translation(0, -60),
	}}
	tiles := []Tile{
		plainTile(1, 100, 100), plainTile(2, 100, 100),
		plainTile(3, 100, 100), plainTile(4, 100, 100),
		plainTile(5, 100, 100),
	}
	g := BuildGraph(tiles, reg, Options{Weighting: WeightConstant})

	asm, err := Assemble(g, MaxSize)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(asm.Mosaics) != 2 {
		t.Fatalf("got %d mosaics; want 2", len(asm.Mosaics))
	}
	if got := asm.Mosaics[0].Tiles; len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("first mosaic tiles=%v; want [1 2]", got)
	}
	if got := asm.Mosaics[1].Tiles; len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Errorf("second mosaic tiles=%v; want [3 4]", got)
	}
	if asm.States[5] != StateUnassigned {
		t.Errorf("state(5)=%v; want unassigned for an isolated image", asm.States[5])
	}
	if asm.Mosaics[1].Height != 160 {
		t.Errorf("second mosaic height=%d; want 160", asm.Mosaics[1].Height)
	}
}

func TestAssembleNoMatches(t *testing.T) {
	tiles := []Tile{plainTile(1, 100, 100), plainTile(2, 100, 100)}
	g := BuildGraph(tiles, &fakeRegistrar{}, Options{Weighting: WeightConstant})

	_, err := Assemble(g, MaxSize)
	if err == nil || err.Error() != "Cannot find a match between any images" {
		t.Errorf("err=%v; want missing match error", err)
	}
}

func TestAssembleSingleTile(t *testing.T) {
	tiles := []Tile{skyTile(7, 100, 100, 10.0, 20.0)}
	g := BuildGraph(tiles, &fakeRegistrar{}, Options{Weighting: WeightConstant})

	asm, err := Assemble(g, MaxSize)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(asm.Mosaics) != 1 {
		t.Fatalf("got %d mosaics; want 1", len(asm.Mosaics))
	}
	m := asm.Mosaics[0]
	if len(m.Tiles) != 1 || m.Tiles[0] != 7 {
		t.Errorf("tiles=%v; want [7]", m.Tiles)
	}
	if m.Width != 100 || m.Height != 100 {
		t.Errorf("canvas=%dx%d; want 100x100", m.Width, m.Height)
	}
	checkTranslation(t, "backward(7)", m.Backward[7], 0, 0)
	if asm.States[7] != StatePlaced {
		t.Errorf("state(7)=%v; want placed", asm.States[7])
	}
	if m.WCS == nil {
		t.Fatalf("mosaic has no WCS despite the tile carrying one")
	}
	if math.Abs(m.WCS.CRPIX1-50.5) > 1e-3 || math.Abs(m.WCS.CRPIX2-50.5) > 1e-3 {
		t.Errorf("mosaic WCS reference pixel=(%v, %v); want (50.5, 50.5)",
			m.WCS.CRPIX1, m.WCS.CRPIX2)
	}
}

func TestAssembleSizeCap(t *testing.T) {
	reg := &fakeRegistrar{rel: map[[2]int]transform.Affine{
		{1, 2}:   transform.Translation(-100, 0),
		{10, 11}: transform.Translation(-20, 0),
	}}
	tiles := []Tile{
		plainTile(1, 100, 100), plainTile(2, 100, 100),
		plainTile(10, 100, 100), plainTile(11, 100, 100),
	}
	g := BuildGraph(tiles, reg, Options{Weighting: WeightConstant})

	asm, err := Assemble(g, 128)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(asm.Errors) != 1 {
		t.Fatalf("got %d per-mosaic errors; want 1", len(asm.Errors))
	}
	want := "Mosaic size (200x100) exceeds the maximum (128x128)"
	if asm.Errors[0].Error() != want {
		t.Errorf("err=%q; want %q", asm.Errors[0].Error(), want)
	}
	if len(asm.Mosaics) != 1 {
		t.Fatalf("got %d mosaics; want the small one to survive", len(asm.Mosaics))
	}
	if got := asm.Mosaics[0].Tiles; len(got) != 2 || got[0] != 10 {
		t.Errorf("surviving mosaic tiles=%v; want [10 11]", got)
	}
	if asm.States[1] != StateInMosaic || asm.States[2] != StateInMosaic {
		t.Errorf("states of the failed mosaic=%v/%v; want in mosaic",
			asm.States[1], asm.States[2])
	}
	if asm.States[10] != StatePlaced || asm.States[11] != StatePlaced {
		t.Errorf("states of the surviving mosaic=%v/%v; want placed",
			asm.States[10], asm.States[11])
	}
}

func TestDefaultMaxSize(t *testing.T) {
	size := DefaultMaxSize()
	if size < 4096 || size > MaxSize {
		t.Errorf("size=%d; want within [4096,%d]", size, MaxSize)
	}
}

func TestAssembleReferenceBySkyPosition(t *testing.T) {
	// Three pointings along a line; the middle tile is nearest the mean
	// sky position and must anchor the mosaic
	reg := &fakeRegistrar{rel: map[[2]int]transform.Affine{
		{1, 2}: transform.Translation(-60, 0),
		{2, 3}: transform.Translation(-60, 0),
	}}
	tiles := []Tile{
		skyTile(1, 100, 100, 10.0, 20),
		skyTile(2, 100, 100, 10.1, 20),
		skyTile(3, 100, 100, 10.2, 20),
	}
	g := BuildGraph(tiles, reg, Options{Weighting: WeightConstant})

	asm, err := Assemble(g, MaxSize)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	m := asm.Mosaics[0]
	if len(m.Tiles) != 3 || m.Tiles[0] != 2 {
		t.Fatalf("tiles=%v; want reference 2 first", m.Tiles)
	}
	if m.Width != 220 || m.Height != 100 {
		t.Errorf("canvas=%dx%d; want 220x100", m.Width, m.Height)
	}
	checkTranslation(t, "backward(2)", m.Backward[2], -60, 0)
	checkTranslation(t, "backward(1)", m.Backward[1], 0, 0)
	checkTranslation(t, "backward(3)", m.Backward[3], -120, 0)

	if m.WCS == nil {
		t.Fatalf("mosaic has no WCS despite tiles carrying one")
	}
	if m.WCS.CRVAL1 != 10.1 || m.WCS.CRVAL2 != 20 {
		t.Errorf("mosaic WCS tangent point=(%v, %v); want (10.1, 20)",
			m.WCS.CRVAL1, m.WCS.CRVAL2)
	}
	if math.Abs(m.WCS.CRPIX1-110.5) > 1e-3 || math.Abs(m.WCS.CRPIX2-50.5) > 1e-3 {
		t.Errorf("mosaic WCS reference pixel=(%v, %v); want (110.5, 50.5)",
			m.WCS.CRPIX1, m.WCS.CRPIX2)
	}
}

func TestAssembleShortestPath(t *testing.T) {
	// Diamond graph with contradictory transforms: the cheap route via
	// tile 2 and the expensive route via tile 3 disagree, so the final
	// placement reveals which path the chaining followed
	g := &Graph{
		Tiles: map[int]Tile{
			1: plainTile(1, 100, 100), 2: plainTile(2, 100, 100),
			3: plainTile(3, 100, 100), 4: plainTile(4, 100, 100),
		},
		History: map[int]string{},
		order:   []int{1, 2, 3, 4},
		rel:     map[pairKey]transform.Affine{},
		weight:  map[pairKey]float64{},
		adj:     map[int][]int{},
	}
	addTestEdge(t, g, 1, 2, transform.Translation(-10, 0), 1)
	addTestEdge(t, g, 2, 4, transform.Translation(-10, 0), 1)
	addTestEdge(t, g, 1, 3, transform.Translation(0, -10), 10)
	addTestEdge(t, g, 3, 4, transform.Translation(0, -10), 10)

	asm, err := Assemble(g, MaxSize)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	m := asm.Mosaics[0]
	checkTranslation(t, "backward(4)", m.Backward[4], -20, 0)
	checkTranslation(t, "backward(2)", m.Backward[2], -10, 0)
	checkTranslation(t, "backward(3)", m.Backward[3], 0, -10)
	if m.Width != 120 || m.Height != 110 {
		t.Errorf("canvas=%dx%d; want 120x110", m.Width, m.Height)
	}
}

func addTestEdge(t *testing.T, g *Graph, a, b int, rel transform.Affine, w float64) {
	t.Helper()
	inv, err := rel.Invert()
	if err != nil {
		t.Fatalf("edge %d-%d: %v", a, b, err)
	}
	g.rel[pairKey{a, b}] = rel
	g.rel[pairKey{b, a}] = inv
	g.weight[pairKey{a, b}] = w
	g.weight[pairKey{b, a}] = w
	g.adj[a] = append(g.adj[a], b)
	g.adj[b] = append(g.adj[b], a)
	sort.Ints(g.adj[a])
	sort.Ints(g.adj[b])
}
