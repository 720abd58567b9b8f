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

package job

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/skylign/skylign/internal/fits"
	"github.com/skylign/skylign/internal/mosaic"
	"github.com/skylign/skylign/internal/register"
	"github.com/skylign/skylign/internal/stats"
	"github.com/skylign/skylign/internal/transform"
	"github.com/skylign/skylign/internal/wcs"
)

// AlignmentJob registers a batch of data files against a common raster and
// resamples each one onto it. With a reference image every file is matched
// directly against that image; without one the files are matched pairwise
// and assembled into one or more mosaics. Outputs can optionally be
// cropped to the region covered by actual data afterwards.
type AlignmentJob struct {
	FileIDs  []int             `json:"file_ids"`
	Settings register.Settings `json:"settings"`
	Inplace  bool              `json:"inplace"`
	Crop     bool              `json:"crop"`
	// Keep mosaic graph edges at constant weight instead of favoring
	// strongly overlapping pairs
	IgnoreOverlap bool `json:"ignore_overlap,omitempty"`
}

func (j *AlignmentJob) Type() string { return "alignment" }

// alignPlan is the outcome of the transform computation stage: everything
// the apply stage needs to resample each file onto its target raster
type alignPlan struct {
	src        Store
	transforms map[int]transform.Affine
	histories  map[int]string
	refWidths  map[int]int32
	refHeights map[int]int32
	refWCSs    map[int]*wcs.WCS
	// mosaic index per placed file; nil in reference mode
	mosaicIndex map[int]int
	numMosaics  int
}

func newAlignPlan(src Store) *alignPlan {
	return &alignPlan{
		src:        src,
		transforms: map[int]transform.Affine{},
		histories:  map[int]string{},
		refWidths:  map[int]int32{},
		refHeights: map[int]int32{},
		refWCSs:    map[int]*wcs.WCS{},
	}
}

func (j *AlignmentJob) Run(ctx context.Context, store Store, sink Sink) ([]int, error) {
	if len(j.FileIDs) == 0 {
		return nil, nil
	}

	fileIDs := append([]int(nil), j.FileIDs...)
	refImage, err := j.resolveRefImage(&fileIDs)
	if err != nil {
		return nil, err
	}
	if err := j.Settings.Validate(); err != nil {
		return nil, err
	}

	totalStages := 2
	if j.Crop {
		totalStages++
	}

	var (
		plan      *alignPlan
		refFileID = -1
	)
	if refImage >= 0 {
		refFileID = fileIDs[refImage]
		plan, err = j.planReference(ctx, store, sink, fileIDs, refImage, totalStages)
	} else {
		plan, err = j.planMosaics(ctx, store, sink, fileIDs, totalStages)
	}
	if err != nil {
		return nil, err
	}

	refListed := false
	if refImage >= 0 {
		for _, id := range j.FileIDs {
			if id == refFileID {
				refListed = true
				break
			}
		}
	}

	masks := map[int]SavedMask{}
	ap := &applier{
		job:       j,
		store:     store,
		plan:      plan,
		refImage:  refImage,
		refFileID: refFileID,
		refListed: refListed,
		masks:     masks,
	}

	// One cropping group per mosaic; against a reference everything,
	// the reference included, crops together
	groups := make([][]int, 1)
	if plan.numMosaics > 0 {
		groups = make([][]int, plan.numMosaics)
	} else {
		groups[0] = []int{refFileID}
	}

	var result []int
	n := len(fileIDs)
	for i, fileID := range fileIDs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		out, err := ap.apply(i, fileID)
		if err != nil {
			sink.AddError(err, fileID)
		} else if out != nil {
			if out.inResult {
				result = append(result, out.fileID)
			}
			if plan.mosaicIndex != nil {
				if mi, ok := plan.mosaicIndex[fileID]; ok {
					groups[mi] = append(groups[mi], out.fileID)
				}
			} else {
				groups[0] = append(groups[0], out.fileID)
			}
		}
		sink.UpdateProgress(float64(i+1)/float64(n)*100, 1, totalStages)
	}

	if j.Crop {
		for _, group := range groups {
			group = dedupeInts(group)
			if len(group) == 0 {
				continue
			}
			if _, err := runCrop(ctx, store, sink, group, CropSettings{}, true, masks, 2, totalStages); err != nil {
				if ctx.Err() != nil {
					return result, err
				}
				sink.AddError(err, group[0])
			}
		}
	}
	return result, nil
}

// resolveRefImage turns the ref_image setting into an index into fileIDs,
// or -1 for mosaic mode. A reference given as a data file ID that is not
// in the list is appended to it
func (j *AlignmentJob) resolveRefImage(fileIDs *[]int) (int, error) {
	ref := j.Settings.RefImage
	if ref == nil {
		return -1, nil
	}
	switch *ref {
	case "first":
		return 0, nil
	case "last":
		return len(*fileIDs) - 1, nil
	case "central":
		return len(*fileIDs) / 2, nil
	}
	s := strings.TrimSpace(*ref)
	if strings.HasPrefix(s, "#") {
		idx, err := strconv.Atoi(strings.TrimSpace(s[1:]))
		if err != nil {
			return 0, refImageSyntaxError()
		}
		if idx < 0 || idx >= len(*fileIDs) {
			return 0, &ValidationError{
				Field:   "settings.ref_image",
				Message: "Reference image index out of range",
				Code:    422,
			}
		}
		return idx, nil
	}
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, refImageSyntaxError()
	}
	for i, fid := range *fileIDs {
		if fid == id {
			return i, nil
		}
	}
	*fileIDs = append(*fileIDs, id)
	return len(*fileIDs) - 1, nil
}

func refImageSyntaxError() *ValidationError {
	return &ValidationError{
		Field:   "settings.ref_image",
		Message: `Reference image must be "first", "last", "central", or data file ID, or #file_no`,
		Code:    422,
	}
}

// planReference matches every file against the chosen reference image.
// Files that fail to match are reported and left without a transform; a
// reference that cannot be read fails the whole job
func (j *AlignmentJob) planReference(ctx context.Context, store Store, sink Sink,
	fileIDs []int, refImage, totalStages int) (*alignPlan, error) {

	eng, err := register.NewEngine(&j.Settings, store, fileIDs)
	if err != nil {
		return nil, err
	}
	refFileID := fileIDs[refImage]

	refWidth, refHeight, err := eng.Dims(refFileID)
	if err != nil {
		return nil, errors.Wrapf(err, "data file %d", refFileID)
	}
	refWCS, err := eng.CelestialWCS(refFileID)
	if err != nil {
		refWCS = nil
	}

	plan := newAlignPlan(store)
	n := len(fileIDs)
	for i, fileID := range fileIDs {
		if i == refImage {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		plan.refWidths[fileID] = refWidth
		plan.refHeights[fileID] = refHeight
		plan.refWCSs[fileID] = refWCS

		t, desc, err := eng.ComputeTransform(fileID, refFileID)
		eng.Release(fileID)
		if err != nil {
			sink.AddError(err, fileID)
		} else {
			plan.transforms[fileID] = t
			plan.histories[fileID] = desc
		}
		sink.UpdateProgress(float64(i+1)/float64(n)*100, 0, totalStages)
	}
	eng.Release(refFileID)
	return plan, nil
}

// planMosaics matches all files pairwise and assembles the match graph
// into mosaics, one target raster per connected group of images
func (j *AlignmentJob) planMosaics(ctx context.Context, store Store, sink Sink,
	fileIDs []int, totalStages int) (*alignPlan, error) {

	crops, err := preCrop(ctx, store, sink, fileIDs)
	if err != nil {
		return nil, err
	}
	src := Store(store)
	if len(crops) > 0 {
		src = cropSource{Store: store, crops: crops}
	}

	eng, err := register.NewEngine(&j.Settings, src, fileIDs)
	if err != nil {
		return nil, err
	}

	tiles := make([]mosaic.Tile, 0, len(fileIDs))
	seen := make(map[int]bool, len(fileIDs))
	for _, fileID := range fileIDs {
		if seen[fileID] {
			continue
		}
		seen[fileID] = true
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		w, h, err := eng.Dims(fileID)
		if err != nil {
			sink.AddError(err, fileID)
			continue
		}
		tw, err := eng.CelestialWCS(fileID)
		if err != nil {
			tw = nil
		}
		tiles = append(tiles, mosaic.Tile{FileID: fileID, Width: w, Height: h, WCS: tw})
	}

	weighting := mosaic.WeightOverlap
	if j.Settings.WCS != nil {
		weighting = mosaic.WeightAngular
	}
	if j.IgnoreOverlap {
		weighting = mosaic.WeightConstant
	}
	searchRadius := mosaic.DefaultSearchRadius
	if j.Settings.WCS != nil {
		searchRadius = 0
	}

	g := mosaic.BuildGraph(tiles, cancelableRegistrar{ctx: ctx, eng: eng}, mosaic.Options{
		Weighting:    weighting,
		SearchRadius: searchRadius,
		Progress: func(done, total int) {
			sink.UpdateProgress(float64(done)/float64(total)*100, 0, totalStages)
		},
	})
	for _, fileID := range fileIDs {
		eng.Release(fileID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	asm, err := mosaic.Assemble(g, mosaic.DefaultMaxSize())
	if err != nil {
		return nil, err
	}
	for _, merr := range asm.Errors {
		sink.AddError(merr, 0)
	}
	if len(asm.Mosaics) == 0 {
		return nil, asm.Errors[0]
	}

	plan := newAlignPlan(src)
	plan.mosaicIndex = map[int]int{}
	plan.numMosaics = len(asm.Mosaics)
	for mi := range asm.Mosaics {
		m := &asm.Mosaics[mi]
		for _, fileID := range m.Tiles {
			plan.transforms[fileID] = m.Backward[fileID]
			plan.refWidths[fileID] = m.Width
			plan.refHeights[fileID] = m.Height
			plan.refWCSs[fileID] = m.WCS
			plan.mosaicIndex[fileID] = mi
		}
	}
	for fileID, desc := range g.History {
		if _, ok := plan.transforms[fileID]; ok {
			plan.histories[fileID] = desc
		}
	}
	return plan, nil
}

// cancelableRegistrar stops a long pairwise matching run at the next pair
// boundary once the job context is canceled
type cancelableRegistrar struct {
	ctx context.Context
	eng *register.Engine
}

func (r cancelableRegistrar) ComputeTransform(fileID, refFileID int) (transform.Affine, string, error) {
	if err := r.ctx.Err(); err != nil {
		return transform.Affine{}, "", err
	}
	return r.eng.ComputeTransform(fileID, refFileID)
}

type applyOutcome struct {
	fileID   int
	inResult bool
}

type applier struct {
	job       *AlignmentJob
	store     Store
	plan      *alignPlan
	refImage  int
	refFileID int
	refListed bool
	masks     map[int]SavedMask
}

// apply resamples one file onto its target raster and stores the result.
// A nil outcome without error means the file has no transform and is left
// alone
func (a *applier) apply(i, fileID int) (*applyOutcome, error) {
	t, ok := a.plan.transforms[fileID]
	if !ok {
		return nil, nil
	}
	img, err := a.plan.src.ReadImage(fileID)
	if err != nil {
		return nil, err
	}

	// When the outputs get cropped afterwards, masked pixels are filled
	// with the image mean so they cannot bleed into the resampling; the
	// mask itself is carried over to the output by the cropping stage
	overwriteRef := false
	if a.job.Crop && img.HasMaskedPixels() {
		overwriteRef = true
		a.masks[fileID] = SavedMask{Mask: img.Mask(), Width: img.Naxisn[0], Height: img.Naxisn[1]}
		st := img.Stats
		if st == nil {
			st = stats.NewStats(img.Data, img.Naxisn[0])
		}
		img.FillMasked(st.Mean())
	}

	dest := []int32{a.plan.refWidths[fileID], a.plan.refHeights[fileID]}
	nan := float32(math.NaN())
	var out *fits.Image
	if a.job.Settings.Prefilter {
		out = img.ProjectCubic(dest, t, nan)
	} else {
		out = img.Project(dest, t, nan)
	}
	out.Header = img.Header.Clone()

	if desc, ok := a.plan.histories[fileID]; ok {
		action, suffix := "Aligned for mosaicing", ""
		if a.refImage >= 0 {
			action = "Aligned"
			suffix = fmt.Sprintf(" with respect to data file %d", a.refFileID)
		}
		out.Header.History = append(out.Header.History, fmt.Sprintf(
			"[%s] %s by Skylign using %s%s", historyTimestamp(), action, desc, suffix))
	}
	if w := a.plan.refWCSs[fileID]; w != nil {
		w.SetInHeader(&out.Header)
	}

	outID := fileID
	inResult := i != a.refImage || overwriteRef || a.refListed
	if !a.job.Inplace {
		if inResult {
			out.Header.History = append(out.Header.History,
				fmt.Sprintf("Original data file ID: %d", fileID))
			if outID, err = a.store.CreateImage(out); err != nil {
				return nil, errors.Wrapf(err, "saving data file %d", fileID)
			}
		}
	} else if i != a.refImage || overwriteRef {
		if err := a.store.WriteImage(fileID, out); err != nil {
			return nil, errors.Wrapf(err, "saving data file %d", fileID)
		}
	}

	if saved, ok := a.masks[fileID]; ok && outID != fileID {
		a.masks[outID] = saved
	}
	return &applyOutcome{fileID: outID, inResult: inResult}, nil
}

// cropRect is the extent kept of a pre-cropped mosaic input
type cropRect struct {
	x0, x1, y0, y1 int32
}

// cropSource serves mosaic inputs with their fully masked borders cut
// off, so that pairing and resampling see one consistent geometry while
// the stored files stay untouched. Writes pass through
type cropSource struct {
	Store
	crops map[int]cropRect
}

func (s cropSource) ReadImage(fileID int) (*fits.Image, error) {
	img, err := s.Store.ReadImage(fileID)
	if err != nil {
		return nil, err
	}
	if r, ok := s.crops[fileID]; ok {
		return img.Crop(r.x0, r.x1, r.y0, r.y1)
	}
	return img, nil
}

func (s cropSource) ReadHeader(fileID int) (*fits.Image, error) {
	img, err := s.Store.ReadHeader(fileID)
	if err != nil {
		return nil, err
	}
	r, ok := s.crops[fileID]
	if !ok {
		return img, nil
	}
	img.Header = img.Header.Clone()
	img.Naxisn = []int32{r.x1 - r.x0, r.y1 - r.y0}
	img.Pixels = (r.x1 - r.x0) * (r.y1 - r.y0)
	if v, ok := img.Header.Float("CRPIX1"); ok {
		img.Header.SetFloat("CRPIX1", v-float32(r.x0))
	}
	if v, ok := img.Header.Float("CRPIX2"); ok {
		img.Header.SetFloat("CRPIX2", v-float32(r.y0))
	}
	return img, nil
}

// preCrop trims fully masked borders off each mosaic input before
// pairing, keeping canvas sizes and matching cost proportional to the
// real data. Unreadable files are skipped here; they surface when the
// tiles are built
func preCrop(ctx context.Context, store Store, sink Sink, fileIDs []int) (map[int]cropRect, error) {
	crops := make(map[int]cropRect)
	for _, fileID := range fileIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := store.ReadImage(fileID)
		if err != nil {
			continue
		}
		mask := img.Mask()
		if mask == nil {
			continue
		}
		r, ok := borderCrop(mask, img.Naxisn[0], img.Naxisn[1])
		if !ok {
			sink.AddError(fmt.Errorf("Data file %d is fully masked", fileID), fileID)
			continue
		}
		if r.x0 == 0 && r.y0 == 0 && r.x1 == img.Naxisn[0] && r.y1 == img.Naxisn[1] {
			continue
		}
		crops[fileID] = r
	}
	return crops, nil
}

// borderCrop returns the extent left after trimming rows and columns that
// are masked across their whole length from the image borders. Interior
// masking is kept; ok is false when everything is masked
func borderCrop(mask []bool, w, h int32) (r cropRect, ok bool) {
	y0, y1 := int32(0), h
	for y0 < y1 && rowMasked(mask, w, y0) {
		y0++
	}
	for y1 > y0 && rowMasked(mask, w, y1-1) {
		y1--
	}
	if y0 == y1 {
		return cropRect{}, false
	}
	x0, x1 := int32(0), w
	for x0 < x1 && colMasked(mask, w, x0, y0, y1) {
		x0++
	}
	for x1 > x0 && colMasked(mask, w, x1-1, y0, y1) {
		x1--
	}
	if x0 == x1 {
		return cropRect{}, false
	}
	return cropRect{x0: x0, x1: x1, y0: y0, y1: y1}, true
}

func rowMasked(mask []bool, w, y int32) bool {
	for x := int32(0); x < w; x++ {
		if !mask[y*w+x] {
			return false
		}
	}
	return true
}

func colMasked(mask []bool, w, x, y0, y1 int32) bool {
	for y := y0; y < y1; y++ {
		if !mask[y*w+x] {
			return false
		}
	}
	return true
}

func dedupeInts(ids []int) []int {
	seen := make(map[int]bool, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
