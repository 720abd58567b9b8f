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

	"github.com/skylign/skylign/internal/register"
	"github.com/skylign/skylign/internal/star"
	"github.com/skylign/skylign/internal/stats"
	"github.com/skylign/skylign/internal/transform"
	"github.com/skylign/skylign/internal/wcs"
)

// ExtractionSettings control star detection on a data file. The subframe
// origin is one based; a zero width or height extends the subframe to the
// far edge of the image
type ExtractionSettings struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
	// Detection threshold in units of the background scale above the
	// background level
	Threshold float32 `json:"threshold"`
	// Bad pixel rejection threshold in background scale units; zero or
	// negative disables the rejection
	BpSigma float32 `json:"bp_sigma"`
	// Required ratio of mean brightness inside the half flux radius to
	// outside it
	InOutRatio float32 `json:"in_out_ratio"`
	// Sampling radius in pixels
	Radius int32 `json:"radius"`
	// Keep only the brightest sources; zero keeps all
	Limit int `json:"limit"`
}

func NewExtractionSettings() ExtractionSettings {
	return ExtractionSettings{
		X:          1,
		Y:          1,
		Threshold:  15,
		BpSigma:    5,
		InOutRatio: 1.4,
		Radius:     16,
	}
}

// SourceExtractionJob detects stars on a batch of data files. Detected
// sources carry image coordinates, flux and FWHM, and sky coordinates
// when the image has an astrometric solution. The job produces no new
// data files; the sources are its result
type SourceExtractionJob struct {
	FileIDs  []int              `json:"file_ids"`
	Settings ExtractionSettings `json:"settings"`
	Result   []register.Source  `json:"result,omitempty"`
}

func NewSourceExtractionJob() *SourceExtractionJob {
	return &SourceExtractionJob{Settings: NewExtractionSettings()}
}

func (j *SourceExtractionJob) Type() string { return "source_extraction" }

func (j *SourceExtractionJob) Run(ctx context.Context, store Store, sink Sink) ([]int, error) {
	set := j.Settings
	if set.Radius <= 0 {
		set.Radius = 16
	}

	j.Result = nil
	n := len(j.FileIDs)
	for i, fileID := range j.FileIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		srcs, err := extractSources(store, fileID, &set)
		if err != nil {
			sink.AddError(err, fileID)
		} else {
			j.Result = append(j.Result, srcs...)
		}
		sink.UpdateProgress(float64(i+1)/float64(n)*100, 0, 1)
	}
	return nil, nil
}

// extractSources runs star detection on one data file and returns the
// detections as alignment sources in full image pixel coordinates
func extractSources(store Store, fileID int, set *ExtractionSettings) ([]register.Source, error) {
	img, err := store.ReadImage(fileID)
	if err != nil {
		return nil, err
	}
	width, height := img.Naxisn[0], img.Naxisn[1]

	x0, y0 := int32(set.X-1), int32(set.Y-1)
	x1, y1 := width, height
	if set.Width > 0 {
		x1 = x0 + int32(set.Width)
	}
	if set.Height > 0 {
		y1 = y0 + int32(set.Height)
	}
	if x0 < 0 || y0 < 0 || x1 > width || y1 > height || x0 >= x1 || y0 >= y1 {
		return nil, fmt.Errorf("Invalid subframe x=%d, y=%d, width=%d, height=%d for a %dx%d image",
			set.X, set.Y, set.Width, set.Height, width, height)
	}
	sub := img
	if x0 > 0 || y0 > 0 || x1 < width || y1 < height {
		if sub, err = img.Crop(x0, x1, y0, y1); err != nil {
			return nil, err
		}
	}

	st := sub.Stats
	if st == nil {
		st = stats.NewStats(sub.Data, sub.Naxisn[0])
	}
	// the detector cannot handle masked pixels; make them background
	if sub.HasMaskedPixels() {
		sub.FillMasked(st.Location())
	}

	stars, _ := star.FindStars(sub.Data, sub.Naxisn[0], st.Location(), st.Scale(),
		set.Threshold, set.BpSigma, set.InOutRatio, set.Radius)
	if set.Limit > 0 && len(stars) > set.Limit {
		// detections are ordered brightest first
		stars = stars[:set.Limit]
	}

	sky, err := wcs.FromHeader(img.Header)
	if err != nil {
		sky = nil
	}

	fid := fileID
	out := make([]register.Source, 0, len(stars))
	for k := range stars {
		s := &stars[k]
		src := register.Source{
			FileID: &fid,
			X:      float32(x0) + s.X,
			Y:      float32(y0) + s.Y,
			Flux:   s.Mass,
			// for a Gaussian profile the half flux radius equals the
			// half width at half maximum
			FWHM: 2 * s.HFR,
		}
		if sky != nil {
			c := sky.PixToSky(transform.Point2D{X: src.X, Y: src.Y})
			ra, dec := c.RA, c.Dec
			src.RA, src.Dec = &ra, &dec
		}
		out = append(out, src)
	}
	return out, nil
}
