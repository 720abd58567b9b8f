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

// Package register computes pairwise alignment transforms between data
// files. Four matching modes are supported: celestial WCS grid fitting,
// catalog source matching, detected feature matching and direct pixel
// correlation. All transforms are backward, mapping reference frame pixel
// coordinates to image pixel coordinates for resampling.
package register

import (
	"fmt"
	"math"
	"sort"

	"github.com/skylign/skylign/internal/feature"
	"github.com/skylign/skylign/internal/fits"
	"github.com/skylign/skylign/internal/star"
	"github.com/skylign/skylign/internal/transform"
	"github.com/skylign/skylign/internal/wcs"
)

// ImageSource provides data files to the engine. ReadHeader returns an
// image with header and dimensions but no pixel data
type ImageSource interface {
	ReadImage(fileID int) (*fits.Image, error)
	ReadHeader(fileID int) (*fits.Image, error)
}

// Engine computes alignment transforms for one job, caching per-file
// intermediate results across pairings
type Engine struct {
	Settings *Settings
	Source   ImageSource
	FileIDs  []int

	detector *feature.Detector
	caches   *Caches
}

// NewEngine validates the settings and prepares an engine for the given
// data files. FileIDs lists every file participating in the job; feature
// mode uses it to pool contrast statistics across same-filter frames
func NewEngine(settings *Settings, source ImageSource, fileIDs []int) (*Engine, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		Settings: settings,
		Source:   source,
		FileIDs:  fileIDs,
		caches:   NewCaches(),
	}
	if settings.Features != nil {
		det, err := settings.Features.Params.Detector()
		if err != nil {
			return nil, err
		}
		e.detector = &det
	}
	return e, nil
}

// Release drops cached per-file state once all pairings involving the
// given data file are done
func (e *Engine) Release(fileID int) { e.caches.Release(fileID) }

func (e *Engine) dof() transform.DOF {
	return transform.DOF{
		Rotation: e.Settings.EnableRot,
		Scale:    e.Settings.EnableScale,
		Skew:     e.Settings.EnableSkew,
	}
}

// ComputeTransform returns the backward transform mapping reference frame
// pixel coordinates into the given image, plus a description of how the
// match was obtained
func (e *Engine) ComputeTransform(fileID, refFileID int) (transform.Affine, string, error) {
	s := e.Settings
	switch {
	case s.WCS != nil:
		imgWCS, _, err := e.wcsFor(fileID)
		if err != nil {
			return transform.Affine{}, "", err
		}
		refWCS, refNaxisn, err := e.wcsFor(refFileID)
		if err != nil {
			return transform.Affine{}, "", fmt.Errorf("Reference image has no WCS")
		}
		t, err := fitWCSPair(imgWCS, refWCS, refNaxisn, s.WCS.GridPoints, e.dof())
		if err != nil {
			return transform.Affine{}, "", err
		}
		return t, "WCS", nil

	case s.Sources != nil:
		return e.sourceTransform(fileID, refFileID)

	case s.Features != nil:
		return e.featureTransform(fileID, refFileID)

	case s.Pixels != nil:
		return e.pixelTransform(fileID, refFileID)
	}
	return transform.Affine{}, "", fmt.Errorf(`Unknown alignment mode "%s"`, s.Mode)
}

// wcsFor returns the celestial WCS and dimensions of a data file, reading
// the header on first use. Parse failures are not cached
func (e *Engine) wcsFor(fileID int) (*wcs.WCS, []int32, error) {
	if entry, ok := e.caches.wcs[fileID]; ok {
		return entry.wcs, entry.naxisn, nil
	}
	img, err := e.Source.ReadHeader(fileID)
	if err != nil {
		return nil, nil, fmt.Errorf("Missing WCS")
	}
	w, err := wcs.FromHeader(img.Header)
	if err != nil {
		return nil, nil, fmt.Errorf("Missing WCS")
	}
	e.caches.wcs[fileID] = wcsEntry{wcs: w, naxisn: img.Naxisn}
	return w, img.Naxisn, nil
}

// CelestialWCS returns the WCS of a data file, or an error when the file
// has none
func (e *Engine) CelestialWCS(fileID int) (*wcs.WCS, error) {
	w, _, err := e.wcsFor(fileID)
	return w, err
}

// CachedWCS reports the WCS of a data file only if an earlier pairing
// already parsed it
func (e *Engine) CachedWCS(fileID int) (*wcs.WCS, bool) {
	entry, ok := e.caches.wcs[fileID]
	if !ok {
		return nil, false
	}
	return entry.wcs, true
}

// dataFor returns the pixel data of a data file, reading it on first use
func (e *Engine) dataFor(fileID int) (*fits.Image, error) {
	if img, ok := e.caches.data[fileID]; ok {
		return img, nil
	}
	img, err := e.Source.ReadImage(fileID)
	if err != nil {
		return nil, err
	}
	e.caches.data[fileID] = img
	return img, nil
}

// Dims returns the width and height of a data file, preferring cached
// pixel data over a header read
func (e *Engine) Dims(fileID int) (int32, int32, error) {
	var naxisn []int32
	if img, ok := e.caches.data[fileID]; ok {
		naxisn = img.Naxisn
	} else if entry, ok := e.caches.wcs[fileID]; ok {
		naxisn = entry.naxisn
	} else {
		img, err := e.Source.ReadHeader(fileID)
		if err != nil {
			return 0, 0, err
		}
		naxisn = img.Naxisn
	}
	if len(naxisn) < 2 {
		return 0, 0, fmt.Errorf("Data file %d is not a 2D image", fileID)
	}
	return naxisn[0], naxisn[1], nil
}

// sourceTransform matches catalog sources between the two files. When every
// reference source carries an ID, sources are paired by ID; otherwise the
// two anonymous lists are paired geometrically
func (e *Engine) sourceTransform(fileID, refFileID int) (transform.Affine, string, error) {
	set := e.Settings.Sources
	ref, ok := e.caches.refStars[refFileID]
	if !ok {
		var err error
		ref, err = buildRefStars(set, refFileID)
		if err != nil {
			return transform.Affine{}, "", err
		}
		e.caches.refStars[refFileID] = ref
	}

	if len(ref.byID) > 0 {
		imgByID := map[string]transform.Point2D{}
		var order []string
		for _, src := range set.Sources {
			if src.FileID == nil || *src.FileID != fileID || src.ID == "" {
				continue
			}
			if _, seen := imgByID[src.ID]; !seen {
				order = append(order, src.ID)
			}
			imgByID[src.ID] = transform.Point2D{X: src.X, Y: src.Y}
		}
		var refPts, imgPts []transform.Point2D
		for _, id := range order {
			refPt, ok := ref.byID[id]
			if !ok {
				continue
			}
			refPts = append(refPts, refPt)
			imgPts = append(imgPts, imgByID[id])
		}
		if len(imgPts) == 0 {
			return transform.Affine{}, "", fmt.Errorf("Missing alignment star(s)")
		}
		t, err := transform.FitPoints(refPts, imgPts, e.dof())
		if err != nil {
			return transform.Affine{}, "", err
		}
		return t, starProvenance(len(imgPts), false), nil
	}

	var imgSources []Source
	for _, src := range set.Sources {
		if src.FileID != nil && *src.FileID == fileID {
			imgSources = append(imgSources, src)
		}
	}
	if len(imgSources) == 0 {
		return transform.Affine{}, "", fmt.Errorf("Missing alignment star(s)")
	}

	var refPts, imgPts []transform.Point2D
	if len(ref.anonymous) == 1 && len(imgSources) == 1 {
		imgPts = []transform.Point2D{{X: imgSources[0].X, Y: imgSources[0].Y}}
		refPts = []transform.Point2D{{X: ref.anonymous[0].X, Y: ref.anonymous[0].Y}}
	} else {
		if len(imgSources) > set.MaxSources {
			imgSources = truncateBrightest(imgSources, set.MaxSources)
		}
		imgStars := starsOf(imgSources)
		refStars := starsOf(ref.anonymous)
		for k, l := range star.MatchPattern(imgStars, refStars, set.ScaleInvariant,
			set.MatchTol, set.MinEdge, set.RatioLimit, set.Confidence) {
			if l >= 0 {
				imgPts = append(imgPts, transform.Point2D{X: imgStars[k].X, Y: imgStars[k].Y})
				refPts = append(refPts, transform.Point2D{X: refStars[l].X, Y: refStars[l].Y})
			}
		}
		if len(imgPts) == 0 {
			return transform.Affine{}, "", fmt.Errorf("Pattern matching failed")
		}
	}
	t, err := transform.FitPoints(refPts, imgPts, e.dof())
	if err != nil {
		return transform.Affine{}, "", err
	}
	return t, starProvenance(len(imgPts), len(imgSources) > 1), nil
}

// buildRefStars collects the reference image's sources into the form the
// two matching flavors need, truncating anonymous lists to the brightest
// max_sources entries
func buildRefStars(set *SourcesSettings, refFileID int) (refStarSet, error) {
	var refSources []Source
	for _, src := range set.Sources {
		if src.FileID != nil && *src.FileID == refFileID {
			refSources = append(refSources, src)
		}
	}
	if len(refSources) == 0 {
		return refStarSet{}, fmt.Errorf("Missing alignment stars for reference image")
	}
	byID := map[string]transform.Point2D{}
	var anonymous []Source
	for _, src := range refSources {
		if src.ID != "" {
			byID[src.ID] = transform.Point2D{X: src.X, Y: src.Y}
		} else {
			anonymous = append(anonymous, src)
		}
	}
	if len(byID) > 0 && len(anonymous) > 0 {
		return refStarSet{}, fmt.Errorf(
			"All or none of the reference image source must have source ID")
	}
	if len(anonymous) > set.MaxSources {
		anonymous = truncateBrightest(anonymous, set.MaxSources)
	}
	return refStarSet{byID: byID, anonymous: anonymous}, nil
}

func truncateBrightest(sources []Source, max int) []Source {
	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].brightness() < sources[j].brightness()
	})
	return sources[:max]
}

func starsOf(sources []Source) []star.Star {
	stars := make([]star.Star, len(sources))
	for i, src := range sources {
		mag := float32(math.NaN())
		if src.Mag != nil {
			mag = *src.Mag
		}
		stars[i] = star.Star{X: src.X, Y: src.Y, Mass: src.Flux, Mag: mag, ID: src.ID}
	}
	return stars
}

func starProvenance(n int, patternMatched bool) string {
	plural := ""
	if n > 1 {
		plural = "s"
	}
	suffix := ""
	if patternMatched {
		suffix = "/pattern matching"
	}
	return fmt.Sprintf("%d star%s%s", n, plural, suffix)
}
