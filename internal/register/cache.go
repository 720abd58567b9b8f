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
	"github.com/skylign/skylign/internal/feature"
	"github.com/skylign/skylign/internal/fits"
	"github.com/skylign/skylign/internal/transform"
	"github.com/skylign/skylign/internal/wcs"
)

type wcsEntry struct {
	wcs    *wcs.WCS
	naxisn []int32
}

// Reference stars keyed for the two matching flavors: by source ID when all
// reference sources carry one, as an anonymous brightness-truncated list
// otherwise
type refStarSet struct {
	byID      map[string]transform.Point2D
	anonymous []Source
}

type clipBounds struct {
	lo, hi float32
}

// Caches holds per-file intermediate results so that an image participating
// in many pairings is read and analyzed once. Entries are evicted per file
// once all pairings involving it are done; contrast bounds are keyed by
// filter name and kept for the whole run
type Caches struct {
	wcs      map[int]wcsEntry
	data     map[int]*fits.Image
	refStars map[int]refStarSet
	features map[int]*feature.Features
	clip     map[string]clipBounds
}

func NewCaches() *Caches {
	return &Caches{
		wcs:      map[int]wcsEntry{},
		data:     map[int]*fits.Image{},
		refStars: map[int]refStarSet{},
		features: map[int]*feature.Features{},
		clip:     map[string]clipBounds{},
	}
}

// Release drops all per-file cache entries for the given data file ID.
// Filter-keyed contrast bounds survive, as later files may share the filter
func (c *Caches) Release(fileID int) {
	delete(c.wcs, fileID)
	delete(c.data, fileID)
	delete(c.refStars, fileID)
	delete(c.features, fileID)
}
