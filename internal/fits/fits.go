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

package fits

import (
	"fmt"
	"math"
	"strings"

	"github.com/skylign/skylign/internal/stats"
)

// A FITS image.
// Spec here:   https://fits.gsfc.nasa.gov/standard40/fits_standard40aa-le.pdf
// Primer here: https://fits.gsfc.nasa.gov/fits_primer.html
type Image struct {
	ID       int    // Data file ID. Used to prefix log output
	FileName string // Original file name, if any, for log output

	Header Header  // The header with all keys, values, comments, history entries etc.
	Bitpix int32   // Bits per pixel value from the header. Positive values are integral, negative floating
	Bzero  float32 // Zero offset. True pixel value is Bzero + Bscale * Data[i]
	Bscale float32 // Value scaler. True pixel value is Bzero + Bscale * Data[i].
	// Helps implement unsigned values with signed data types
	Naxisn []int32 // Axis dimensions. Most quickly varying dimension first (i.e. X,Y)
	Pixels int32   // Number of pixels in the image. Product of Naxisn[]

	Data []float32 // The image data, row-major. An IEEE NaN value denotes a masked pixel

	Exposure float32 // Image exposure in seconds
	Filter   string  // Filter name from the FILTER keyword, when present

	Stats *stats.Stats // Basic image statistics: min, mean, max
}

// Creates a FITS image initialized with empty header
func NewImage() *Image {
	return &Image{
		Header: NewHeader(),
		Bscale: 1,
	}
}

// Creates a FITS image from given naxisn. Data is not copied, allocated if nil. naxisn is deep copied
func NewImageFromNaxisn(naxisn []int32, data []float32) *Image {
	numPixels := int32(1)
	for _, naxis := range naxisn {
		numPixels *= naxis
	}
	if data == nil {
		data = make([]float32, numPixels)
	}
	return &Image{
		Header: NewHeader(),
		Bitpix: -32,
		Bzero:  0,
		Bscale: 1,
		Naxisn: append([]int32(nil), naxisn...), // clone slice
		Pixels: numPixels,
		Data:   data,
		Stats:  stats.NewStats(data, naxisn[0]),
	}
}

// Creates a FITS image from given image. New data array will be allocated
func NewImageFromImage(img *Image) *Image {
	data := make([]float32, img.Pixels)
	return &Image{
		ID:       img.ID,
		FileName: img.FileName,
		Header:   img.Header,
		Bitpix:   img.Bitpix,
		Bzero:    img.Bzero,
		Bscale:   img.Bscale,
		Naxisn:   append([]int32(nil), img.Naxisn...), // clone slice
		Pixels:   img.Pixels,
		Data:     data,
		Exposure: img.Exposure,
		Filter:   img.Filter,
		Stats:    stats.NewStats(data, img.Naxisn[0]),
	}
}

// FITS header data
type Header struct {
	Bools    map[string]bool
	Ints     map[string]int32
	Floats   map[string]float32
	Strings  map[string]string
	Dates    map[string]string
	Comments []string
	History  []string
	End      bool
	Length   int32
}

// Creates a FITS header initialized with empty maps and arrays
func NewHeader() Header {
	return Header{
		Bools:    make(map[string]bool),
		Ints:     make(map[string]int32),
		Floats:   make(map[string]float32),
		Strings:  make(map[string]string),
		Dates:    make(map[string]string),
		Comments: make([]string, 0),
		History:  make([]string, 0),
		End:      false,
	}
}

// Returns a deep copy of the header. Maps and slices are cloned so the
// copy can be modified without affecting the original
func (h Header) Clone() Header {
	res := Header{
		Bools:    make(map[string]bool, len(h.Bools)),
		Ints:     make(map[string]int32, len(h.Ints)),
		Floats:   make(map[string]float32, len(h.Floats)),
		Strings:  make(map[string]string, len(h.Strings)),
		Dates:    make(map[string]string, len(h.Dates)),
		Comments: append([]string(nil), h.Comments...),
		History:  append([]string(nil), h.History...),
		End:      h.End,
		Length:   h.Length,
	}
	for k, v := range h.Bools {
		res.Bools[k] = v
	}
	for k, v := range h.Ints {
		res.Ints[k] = v
	}
	for k, v := range h.Floats {
		res.Floats[k] = v
	}
	for k, v := range h.Strings {
		res.Strings[k] = v
	}
	for k, v := range h.Dates {
		res.Dates[k] = v
	}
	return res
}

// Float returns a numeric header value, whether the file wrote it as an
// integer or a floating point number
func (h Header) Float(key string) (float32, bool) {
	if v, ok := h.Floats[key]; ok {
		return v, true
	}
	if v, ok := h.Ints[key]; ok {
		return float32(v), true
	}
	return 0, false
}

// SetFloat stores a numeric header value, replacing an integer typed
// entry of the same key if present
func (h *Header) SetFloat(key string, v float32) {
	delete(h.Ints, key)
	h.Floats[key] = v
}

const fitsBlockSize int = 2880 // Block size of FITS header and data units
const HeaderLineSize int = 80  // Line size of a FITS header

func (f *Image) DimensionsToString() string {
	b := strings.Builder{}
	for i, naxis := range f.Naxisn {
		if i > 0 {
			fmt.Fprintf(&b, "x%d", naxis)
		} else {
			fmt.Fprintf(&b, "%d", naxis)
		}
	}
	return b.String()
}

// Returns whether any pixel of the image is masked, i.e. NaN
func (f *Image) HasMaskedPixels() bool {
	for _, v := range f.Data {
		if math.IsNaN(float64(v)) {
			return true
		}
	}
	return false
}

// Returns the boolean mask of NaN pixels, or nil if no pixel is masked
func (f *Image) Mask() []bool {
	var mask []bool
	for i, v := range f.Data {
		if math.IsNaN(float64(v)) {
			if mask == nil {
				mask = make([]bool, len(f.Data))
			}
			mask[i] = true
		}
	}
	return mask
}

// Replaces all masked pixels with the given fill value and recalculates stats
func (f *Image) FillMasked(fill float32) {
	for i, v := range f.Data {
		if math.IsNaN(float64(v)) {
			f.Data[i] = fill
		}
	}
	f.Stats = stats.NewStats(f.Data, f.Naxisn[0])
}

// Masks all pixels flagged in the given mask by setting them to NaN.
// A nil mask leaves the image unchanged
func (f *Image) ApplyMask(mask []bool) {
	if mask == nil {
		return
	}
	nan := float32(math.NaN())
	for i, m := range mask {
		if m {
			f.Data[i] = nan
		}
	}
	f.Stats = stats.NewStats(f.Data, f.Naxisn[0])
}

// Returns a new image containing the pixel range [x0,x1) x [y0,y1) of a 2D
// image. The header is deep copied; CRPIX reference pixel keywords are
// adjusted so any WCS stays valid across the crop
func (f *Image) Crop(x0, x1, y0, y1 int32) (*Image, error) {
	width := f.Naxisn[0]
	if x0 < 0 || y0 < 0 || x1 > width || y1 > f.Naxisn[1] || x0 >= x1 || y0 >= y1 {
		return nil, fmt.Errorf("%d: Invalid crop [%d:%d, %d:%d] for a %s image",
			f.ID, x0, x1, y0, y1, f.DimensionsToString())
	}
	newW, newH := x1-x0, y1-y0
	data := make([]float32, newW*newH)
	for y := int32(0); y < newH; y++ {
		copy(data[y*newW:(y+1)*newW], f.Data[(y+y0)*width+x0:(y+y0)*width+x1])
	}
	res := NewImageFromNaxisn([]int32{newW, newH}, data)
	res.ID, res.FileName, res.Exposure, res.Filter = f.ID, f.FileName, f.Exposure, f.Filter
	res.Header = f.Header.Clone()
	if v, ok := res.Header.Float("CRPIX1"); ok {
		res.Header.SetFloat("CRPIX1", v-float32(x0))
	}
	if v, ok := res.Header.Float("CRPIX2"); ok {
		res.Header.SetFloat("CRPIX2", v-float32(y0))
	}
	return res, nil
}

// Equal tells whether a and b contain the same elements.
// A nil argument is equivalent to an empty slice.
func EqualInt32Slice(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i, v := range a {
		if v != b[i] {
			return false
		}
	}
	return true
}
