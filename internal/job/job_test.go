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
	"bytes"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/skylign/skylign/internal/fits"
	"github.com/skylign/skylign/internal/stats"
	"github.com/skylign/skylign/internal/wcs"
)

// memStore is an in-memory data file store backing the job tests
type memStore struct {
	images   map[int]*fits.Image
	readErrs map[int]error
	nextID   int
}

func newMemStore() *memStore {
	return &memStore{images: map[int]*fits.Image{}, readErrs: map[int]error{}, nextID: 1}
}

func (s *memStore) add(img *fits.Image) int {
	id := s.nextID
	s.nextID++
	img.ID = id
	s.images[id] = img
	return id
}

func cloneImage(img *fits.Image) *fits.Image {
	c := *img
	c.Data = append([]float32(nil), img.Data...)
	c.Naxisn = append([]int32(nil), img.Naxisn...)
	c.Header = img.Header.Clone()
	return &c
}

func (s *memStore) ReadImage(fileID int) (*fits.Image, error) {
	if err := s.readErrs[fileID]; err != nil {
		return nil, err
	}
	img, ok := s.images[fileID]
	if !ok {
		return nil, fmt.Errorf("Unknown data file %d", fileID)
	}
	c := cloneImage(img)
	c.Stats = stats.NewStats(c.Data, c.Naxisn[0])
	return c, nil
}

func (s *memStore) ReadHeader(fileID int) (*fits.Image, error) {
	if err := s.readErrs[fileID]; err != nil {
		return nil, err
	}
	img, ok := s.images[fileID]
	if !ok {
		return nil, fmt.Errorf("Unknown data file %d", fileID)
	}
	c := *img
	c.Data = nil
	c.Naxisn = append([]int32(nil), img.Naxisn...)
	c.Header = img.Header.Clone()
	return &c, nil
}

func (s *memStore) WriteImage(fileID int, img *fits.Image) error {
	if _, ok := s.images[fileID]; !ok {
		return fmt.Errorf("Unknown data file %d", fileID)
	}
	c := cloneImage(img)
	c.ID = fileID
	s.images[fileID] = c
	return nil
}

func (s *memStore) CreateImage(img *fits.Image) (int, error) {
	return s.add(cloneImage(img)), nil
}

// rampImage returns a w x h image whose pixel value at (x, y) is x + w*y
func rampImage(w, h int32) *fits.Image {
	img := fits.NewImageFromNaxisn([]int32{w, h}, nil)
	for y := int32(0); y < h; y++ {
		for x := int32(0); x < w; x++ {
			img.Data[y*w+x] = float32(x + w*y)
		}
	}
	return img
}

// skyImage returns a ramp image with a TAN astrometric solution. Images
// sharing CRVAL and CD are offset against each other by the difference of
// their reference pixels
func skyImage(w, h int32, crpix1, crpix2, ra, dec float64) *fits.Image {
	img := rampImage(w, h)
	sky := &wcs.WCS{
		CRVAL1: ra, CRVAL2: dec,
		CRPIX1: crpix1, CRPIX2: crpix2,
		CD11: -0.001, CD22: 0.001,
	}
	sky.SetInHeader(&img.Header)
	return img
}

func refStr(s string) *string { return &s }

func absDiff(a, b float32) float32 {
	return float32(math.Abs(float64(a) - float64(b)))
}

func historyContains(h fits.Header, substr string) bool {
	for _, line := range h.History {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func TestNewJobTypes(t *testing.T) {
	cases := []struct {
		jobType string
		want    string
	}{
		{"alignment", "*job.AlignmentJob"},
		{"cropping", "*job.CroppingJob"},
		{"source_extraction", "*job.SourceExtractionJob"},
	}
	for _, c := range cases {
		j, err := New(c.jobType)
		if err != nil {
			t.Fatalf("New(%q): %v", c.jobType, err)
		}
		if got := fmt.Sprintf("%T", j); got != c.want {
			t.Errorf("New(%q)=%s; want %s", c.jobType, got, c.want)
		}
		if j.Type() != c.jobType {
			t.Errorf("Type()=%q; want %q", j.Type(), c.jobType)
		}
	}

	if _, err := New("transmogrify"); err == nil ||
		!strings.Contains(err.Error(), `Unknown job type "transmogrify"`) {
		t.Errorf("New(transmogrify) err=%v; want unknown job type", err)
	}
}

func TestProgressSink(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf)

	p.UpdateProgress(50, 0, 2)
	p.UpdateProgress(50.4, 0, 2)
	p.UpdateProgress(100, 0, 2)
	p.UpdateProgress(25, 1, 2)
	p.AddError(fmt.Errorf("boom"), 7)

	percent, stage, totalStages, errs := p.Snapshot()
	if percent != 25 || stage != 1 || totalStages != 2 {
		t.Errorf("snapshot=%v,%v,%v; want 25,1,2", percent, stage, totalStages)
	}
	if len(errs) != 1 || errs[0].FileID != 7 || errs[0].Err.Error() != "boom" {
		t.Errorf("errors=%v; want one error for file 7", errs)
	}

	log := buf.String()
	if !strings.Contains(log, "stage 1/2:") || !strings.Contains(log, "50%") {
		t.Errorf("log %q lacks stage 1 progress", log)
	}
	if !strings.Contains(log, "stage 2/2:") || !strings.Contains(log, "25%") {
		t.Errorf("log %q lacks stage 2 progress", log)
	}
	if strings.Count(log, "50%") != 1 {
		t.Errorf("log %q repeats an unchanged percentage", log)
	}
	if !strings.Contains(log, "error: data file 7: boom") {
		t.Errorf("log %q lacks the error line", log)
	}
}

func TestFileError(t *testing.T) {
	err := FileError{FileID: 3, Err: fmt.Errorf("no such file")}
	if err.Error() != "data file 3: no such file" {
		t.Errorf("Error()=%q", err.Error())
	}
	bare := FileError{Err: fmt.Errorf("global failure")}
	if bare.Error() != "global failure" {
		t.Errorf("Error()=%q; want bare message", bare.Error())
	}
}
