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
	"testing"

	"github.com/skylign/skylign/internal/transform"
	"github.com/skylign/skylign/internal/wcs"
)

// fakeRegistrar serves canned pairwise transforms keyed by (ref, image)
// file ID and records every attempted pairing
type fakeRegistrar struct {
	rel   map[[2]int]transform.Affine
	calls [][2]int
}

func (r *fakeRegistrar) ComputeTransform(fileID, refFileID int) (transform.Affine, string, error) {
	r.calls = append(r.calls, [2]int{refFileID, fileID})
	t, ok := r.rel[[2]int{refFileID, fileID}]
	if !ok {
		return transform.Affine{}, "", fmt.Errorf("Pattern matching failed")
	}
	return t, "2 stars", nil
}

func plainTile(id int, w, h int32) Tile {
	return Tile{FileID: id, Width: w, Height: h}
}

func skyTile(id int, w, h int32, ra, dec float64) Tile {
	return Tile{FileID: id, Width: w, Height: h, WCS: &wcs.WCS{
		CRVAL1: ra, CRVAL2: dec,
		CRPIX1: float64(w-1)/2 + 1, CRPIX2: float64(h-1)/2 + 1,
		CD11: -0.001, CD22: 0.001,
	}}
}

func checkTranslation(t *testing.T, name string, tr transform.Affine, dx, dy float32) {
	t.Helper()
	if tr.M != nil {
		t.Errorf("%s=%v; want pure translation", name, tr)
		return
	}
	if d := float64(tr.Dx - dx); math.Abs(d) > 1e-3 {
		t.Errorf("%s dx=%v; want %v", name, tr.Dx, dx)
	}
	if d := float64(tr.Dy - dy); math.Abs(d) > 1e-3 {
		t.Errorf("%s dy=%v; want %v", name, tr.Dy, dy)
	}
}

func TestBuildGraphEdges(t *testing.T) {
	reg := &fakeRegistrar{rel: map[[2]int]transform.Affine{
		{1, 2}: transform.Translation(-50, 0),
		{2, 3}: transform.Translation(0, -30),
	}}
	tiles := []Tile{plainTile(1, 100, 100), plainTile(2, 100, 100), plainTile(3, 100, 100)}
	g := BuildGraph(tiles, reg, Options{Weighting: WeightConstant})

	if g.Stats.Pairs != 3 || g.Stats.Matched != 2 || g.Stats.Prefiltered != 0 {
		t.Errorf("stats=%+v; want 3 pairs, 2 matched, 0 prefiltered", g.Stats)
	}
	fwd, ok := g.Rel(1, 2)
	if !ok {
		t.Fatalf("missing transform 1->2")
	}
	checkTranslation(t, "rel(1,2)", fwd, -50, 0)
	inv, ok := g.Rel(2, 1)
	if !ok {
		t.Fatalf("missing transform 2->1")
	}
	checkTranslation(t, "rel(2,1)", inv, 50, 0)
	if _, ok := g.Rel(1, 3); ok {
		t.Errorf("unexpected transform 1->3 for a failed pair")
	}
	if w, _ := g.Weight(1, 2); w != 1 {
		t.Errorf("weight(1,2)=%v; want 1", w)
	}
	if nb := g.Neighbors(2); len(nb) != 2 || nb[0] != 1 || nb[1] != 3 {
		t.Errorf("neighbors(2)=%v; want [1 3]", nb)
	}
	if !g.Matched(1) || !g.Matched(2) || !g.Matched(3) {
		t.Errorf("all tiles should be matched")
	}
	if g.History[1] != "2 stars" || g.History[2] != "2 stars" {
		t.Errorf("history=%v; want entries for files 1 and 2", g.History)
	}
	if _, ok := g.History[3]; ok {
		t.Errorf("history=%v; file 3 never led a pairing", g.History)
	}
}

func TestBuildGraphOverlapWeight(t *testing.T) {
	reg := &fakeRegistrar{rel: map[[2]int]transform.Affine{
		{1, 2}: transform.Translation(-50, 0),
	}}
	tiles := []Tile{plainTile(1, 101, 101), plainTile(2, 101, 101)}
	g := BuildGraph(tiles, reg, Options{Weighting: WeightOverlap})

	// Half of tile 1 projects onto tile 2, so the normalized overlap is
	// 0.5 and the weight its inverse square
	w, ok := g.Weight(1, 2)
	if !ok {
		t.Fatalf("missing edge 1-2")
	}
	if math.Abs(w-4) > 1e-6 {
		t.Errorf("weight(1,2)=%v; want 4", w)
	}
}

func TestBuildGraphZeroOverlapDiscardsEdge(t *testing.T) {
	rel := map[[2]int]transform.Affine{
		{1, 2}: transform.Translation(-200, 0),
	}
	tiles := []Tile{plainTile(1, 101, 101), plainTile(2, 101, 101)}

	g := BuildGraph(tiles, &fakeRegistrar{rel: rel}, Options{Weighting: WeightOverlap})
	if g.Stats.Matched != 0 || g.Matched(1) || g.Matched(2) {
		t.Errorf("disjoint pair kept an edge under overlap weighting: %+v", g.Stats)
	}

	// The same transform is kept when overlap is ignored
	g = BuildGraph(tiles, &fakeRegistrar{rel: rel}, Options{Weighting: WeightConstant})
	if g.Stats.Matched != 1 || !g.Matched(1) {
		t.Errorf("constant weighting dropped a computable pair: %+v", g.Stats)
	}
}

func TestBuildGraphAngularWeight(t *testing.T) {
	reg := &fakeRegistrar{rel: map[[2]int]transform.Affine{
		{1, 2}: transform.Translation(0, -50),
	}}
	tiles := []Tile{
		skyTile(1, 100, 100, 10, 20),
		skyTile(2, 100, 100, 10, 20.05),
	}
	g := BuildGraph(tiles, reg, Options{Weighting: WeightAngular})

	w, ok := g.Weight(1, 2)
	if !ok {
		t.Fatalf("missing edge 1-2")
	}
	if math.Abs(w-0.05) > 1e-3 {
		t.Errorf("weight(1,2)=%v; want 0.05 degrees", w)
	}
}

func TestBuildGraphPrefilter(t *testing.T) {
	rel := map[[2]int]transform.Affine{
		{1, 2}: transform.Translation(-50, 0),
	}
	// Fields are ~0.07 degrees in radius but the pointings are 10
	// degrees apart
	tiles := []Tile{
		skyTile(1, 100, 100, 10, 20),
		skyTile(2, 100, 100, 20, 20),
	}

	reg := &fakeRegistrar{rel: rel}
	g := BuildGraph(tiles, reg, Options{Weighting: WeightConstant, SearchRadius: DefaultSearchRadius})
	if len(reg.calls) != 0 {
		t.Errorf("prefilter let %d pairings through; want 0", len(reg.calls))
	}
	if g.Stats.Prefiltered != 1 || g.Stats.Matched != 0 {
		t.Errorf("stats=%+v; want 1 prefiltered, 0 matched", g.Stats)
	}

	// Disabling the prefilter attempts the pair
	reg = &fakeRegistrar{rel: rel}
	BuildGraph(tiles, reg, Options{Weighting: WeightConstant})
	if len(reg.calls) != 1 {
		t.Errorf("got %d pairings with prefilter disabled; want 1", len(reg.calls))
	}
}

func TestBuildGraphPrefilterKeepsNearbyPair(t *testing.T) {
	reg := &fakeRegistrar{rel: map[[2]int]transform.Affine{
		{1, 2}: transform.Translation(0, -50),
	}}
	tiles := []Tile{
		skyTile(1, 100, 100, 10, 20),
		skyTile(2, 100, 100, 10, 20.05),
	}
	g := BuildGraph(tiles, reg, Options{Weighting: WeightConstant, SearchRadius: DefaultSearchRadius})
	if g.Stats.Prefiltered != 0 || g.Stats.Matched != 1 {
		t.Errorf("stats=%+v; want overlapping pointings to survive the prefilter", g.Stats)
	}
}

func TestBuildGraphProgress(t *testing.T) {
	var ticks [][2]int
	tiles := []Tile{
		plainTile(1, 100, 100), plainTile(2, 100, 100),
		plainTile(3, 100, 100), plainTile(4, 100, 100),
	}
	BuildGraph(tiles, &fakeRegistrar{}, Options{
		Weighting: WeightConstant,
		Progress:  func(done, total int) { ticks = append(ticks, [2]int{done, total}) },
	})
	if len(ticks) != 6 {
		t.Fatalf("got %d progress ticks; want 6", len(ticks))
	}
	for i, tick := range ticks {
		if tick[0] != i+1 || tick[1] != 6 {
			t.Errorf("tick %d=%v; want [%d 6]", i, tick, i+1)
		}
	}
}
