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

	"github.com/pkg/errors"

	"github.com/skylign/skylign/internal/fits"
)

// CropSettings are the margins to cut off each side, in pixels. All
// margins zero selects automatic cropping to the largest rectangle free
// of masked pixels in the combined mask of all inputs
type CropSettings struct {
	Left   int `json:"left"`
	Right  int `json:"right"`
	Top    int `json:"top"`
	Bottom int `json:"bottom"`
}

// CroppingJob cuts margins off a batch of data files, either in place or
// as new data files
type CroppingJob struct {
	FileIDs  []int        `json:"file_ids"`
	Settings CropSettings `json:"settings"`
	Inplace  bool         `json:"inplace"`
}

func (j *CroppingJob) Type() string { return "cropping" }

func (j *CroppingJob) Run(ctx context.Context, store Store, sink Sink) ([]int, error) {
	return runCrop(ctx, store, sink, j.FileIDs, j.Settings, j.Inplace, nil, 0, 1)
}

// SavedMask is a pixel mask lifted off an image before alignment cleared
// it, kept in the geometry the image had at that point
type SavedMask struct {
	Mask   []bool
	Width  int32
	Height int32
}

// runCrop is the cropping job body, also invoked as the final stage of
// alignment. masks carries original masks to reapply after cropping;
// stage and totalStages scope the progress updates when cropping runs
// inside a larger job
func runCrop(ctx context.Context, store Store, sink Sink, fileIDs []int,
	settings CropSettings, inplace bool, masks map[int]SavedMask,
	stage, totalStages int) ([]int, error) {

	left, right := settings.Left, settings.Right
	top, bottom := settings.Top, settings.Bottom
	if left < 0 {
		return nil, &ValidationError{"settings.left", "Left margin must be non-negative", 400}
	}
	if right < 0 {
		return nil, &ValidationError{"settings.right", "Right margin must be non-negative", 400}
	}
	if top < 0 {
		return nil, &ValidationError{"settings.top", "Top margin must be non-negative", 400}
	}
	if bottom < 0 {
		return nil, &ValidationError{"settings.bottom", "Bottom margin must be non-negative", 400}
	}

	if len(fileIDs) == 0 {
		return nil, nil
	}

	if left == 0 && right == 0 && top == 0 && bottom == 0 {
		// automatic cropping by masked pixels: combine the masks of all
		// inputs, which must share one shape
		var width, height int32
		var mask []bool
		for i, fileID := range fileIDs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			img, err := store.ReadImage(fileID)
			if err != nil {
				return nil, errors.Wrapf(err, "data file %d", fileID)
			}
			if i == 0 {
				width, height = img.Naxisn[0], img.Naxisn[1]
			} else if img.Naxisn[0] != width || img.Naxisn[1] != height {
				return nil, fmt.Errorf("All images must be of equal shapes")
			}
			if m := img.Mask(); m != nil {
				if mask == nil {
					mask = m
				} else {
					for k, v := range m {
						if v {
							mask[k] = true
						}
					}
				}
			}
		}
		if mask != nil {
			left, right, bottom, top = autoCrop(mask, int(width), int(height))
		}
		if left+right >= int(width) || bottom+top >= int(height) {
			return nil, fmt.Errorf(
				"Empty crop for a %dx%d image: left=%d, right=%d, bottom=%d, top=%d",
				width, height, left, right, bottom, top)
		}
	}

	if left == 0 && right == 0 && top == 0 && bottom == 0 && inplace {
		// nothing to cut; without inplace the loop below still
		// duplicates every input
		return fileIDs, nil
	}

	newFileIDs := make([]int, 0, len(fileIDs))
	n := len(fileIDs)
	for i, fileID := range fileIDs {
		if err := ctx.Err(); err != nil {
			return newFileIDs, err
		}
		outID, err := cropOne(store, fileID, left, right, top, bottom, inplace, masks)
		if err != nil {
			sink.AddError(err, fileID)
		} else {
			newFileIDs = append(newFileIDs, outID)
		}
		sink.UpdateProgress(float64(i+1)/float64(n)*100, stage, totalStages)
	}
	return newFileIDs, nil
}

// cropOne cuts the margins off one data file and saves the result,
// reapplying any saved mask. With no margins it merely duplicates the
// file
func cropOne(store Store, fileID, left, right, top, bottom int,
	inplace bool, masks map[int]SavedMask) (int, error) {

	img, err := store.ReadImage(fileID)
	if err != nil {
		return 0, err
	}
	if left == 0 && right == 0 && top == 0 && bottom == 0 {
		if inplace {
			return fileID, nil
		}
		img.Header.History = append(img.Header.History,
			fmt.Sprintf("Original data file: %s", nameOrID(img)))
		return store.CreateImage(img)
	}

	w, h := img.Naxisn[0], img.Naxisn[1]
	cropped, err := img.Crop(int32(left), w-int32(right), int32(bottom), h-int32(top))
	if err != nil {
		return 0, err
	}
	cropped.Header.History = append(cropped.Header.History, fmt.Sprintf(
		"[%s] Cropped by Skylign with margins: left=%d, right=%d, bottom=%d, top=%d",
		historyTimestamp(), left, right, bottom, top))

	if saved, ok := masks[fileID]; ok {
		reapplyMask(cropped, saved, left, bottom)
	}

	if inplace {
		if err := store.WriteImage(fileID, cropped); err != nil {
			return 0, errors.Wrapf(err, "saving data file %d", fileID)
		}
		return fileID, nil
	}
	cropped.Header.History = append(cropped.Header.History,
		fmt.Sprintf("Original data file: %s", nameOrID(img)))
	return store.CreateImage(cropped)
}

// reapplyMask restores a saved mask onto a cropped image, flagging the
// union of both masks. The saved mask is indexed in its own geometry and
// shifted by the crop offsets; where the two geometries do not overlap
// the image keeps its current mask
func reapplyMask(img *fits.Image, saved SavedMask, left, bottom int) {
	w, h := int(img.Naxisn[0]), int(img.Naxisn[1])
	sw, sh := int(saved.Width), int(saved.Height)
	nan := float32(math.NaN())
	for y := 0; y < h; y++ {
		sy := y + bottom
		if sy < 0 || sy >= sh {
			continue
		}
		for x := 0; x < w; x++ {
			sx := x + left
			if sx < 0 || sx >= sw {
				continue
			}
			if saved.Mask[sy*sw+sx] {
				img.Data[y*w+x] = nan
			}
		}
	}
}

// autoCrop computes the margins cutting an image down to the largest
// rectangle free of masked pixels. mask is row-major over w columns
func autoCrop(mask []bool, w, h int) (left, right, bottom, top int) {
	// height of the unmasked column run ending at the current row
	hist := make([]int, w)
	for x := 0; x < w; x++ {
		if !mask[x] {
			hist[x] = 1
		}
	}
	l, r, rectH := maxRectangle(hist)
	bestArea := (r - l + 1) * rectH
	bl, bt := 0, 0 // first and last row of the best rectangle

	for y := 1; y < h; y++ {
		for x := 0; x < w; x++ {
			if mask[y*w+x] {
				hist[x] = 0
			} else {
				hist[x]++
			}
		}
		j1, j2, rh := maxRectangle(hist)
		if area := (j2 - j1 + 1) * rh; area > bestArea {
			l, r = j1, j2
			bestArea = area
			bl, bt = y+1-rh, y
		}
	}
	return l, w - 1 - r, bl, h - 1 - bt
}

// maxRectangle returns the inclusive column range and height of the
// largest rectangle under a histogram of column heights
func maxRectangle(hist []int) (left, right, height int) {
	type bar struct{ start, height int }
	var stack []bar
	best := 0
	for pos := 0; pos <= len(hist); pos++ {
		h := 0
		if pos < len(hist) {
			h = hist[pos]
		}
		start := pos
		for len(stack) > 0 && stack[len(stack)-1].height >= h {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if area := (pos - top.start) * top.height; area > best {
				best = area
				left, right, height = top.start, pos-1, top.height
			}
			start = top.start
		}
		if pos < len(hist) {
			stack = append(stack, bar{start, h})
		}
	}
	return left, right, height
}
