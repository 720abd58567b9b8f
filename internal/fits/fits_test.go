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
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"strings"
	"testing"

	"github.com/skylign/skylign/internal/transform"
)

func pad80(s string) string {
	if len(s) > 80 {
		return s[:80]
	}
	return s + strings.Repeat(" ", 80-len(s))
}

func headerBlock(lines ...string) []byte {
	sb := strings.Builder{}
	for _, l := range lines {
		sb.WriteString(pad80(l))
	}
	for sb.Len()%2880 != 0 {
		sb.WriteString(" ")
	}
	return []byte(sb.String())
}

func TestReadHeaderTypes(t *testing.T) {
	block := headerBlock(
		"SIMPLE  =                    T / conforms to FITS standard",
		"BITPIX  =                   16",
		"NAXIS   =                    2",
		"NAXIS1  =                    2",
		"NAXIS2  =                    2",
		"BZERO   =                32768",
		"OBJECT  = 'M 31'",
		"CRVAL1  =    10.684708333333333",
		"CDELT1  = -2.1D-4",
		"DATE-OBS= 2015-03-14T15:09:26",
		"FLIPPED =                    F",
		"COMMENT   observing run three",
		"HISTORY   Dark subtracted",
		"END",
	)
	data := make([]byte, 8)
	vals := []int16{-32768, -16384, 0, 16383} // raw, scaled by BZERO on read
	for i, v := range vals {
		binary.BigEndian.PutUint16(data[2*i:], uint16(v))
	}

	img := NewImage()
	err := img.Read(io.MultiReader(bytes.NewReader(block), bytes.NewReader(data)), true, io.Discard)
	if err != nil {
		t.Fatalf("read: %s", err)
	}

	if img.Bitpix != 16 {
		t.Errorf("bitpix=%d; want 16", img.Bitpix)
	}
	if !EqualInt32Slice(img.Naxisn, []int32{2, 2}) {
		t.Errorf("naxisn=%v; want [2 2]", img.Naxisn)
	}
	want := []float32{0, 16384, 32768, 49151}
	for i, w := range want {
		if img.Data[i] != w {
			t.Errorf("data[%d]=%f; want %f", i, img.Data[i], w)
		}
	}
	if img.Bzero != 0 || img.Bscale != 1 {
		t.Errorf("bzero=%f bscale=%f; want 0 1 after read", img.Bzero, img.Bscale)
	}
	if got := img.Header.Strings["OBJECT"]; got != "M 31" {
		t.Errorf("OBJECT=%q; want \"M 31\"", got)
	}
	if got := img.Header.Floats["CRVAL1"]; math.Abs(float64(got)-10.6847083) > 1e-4 {
		t.Errorf("CRVAL1=%f", got)
	}
	if got := img.Header.Floats["CDELT1"]; math.Abs(float64(got)+2.1e-4) > 1e-9 {
		t.Errorf("CDELT1=%g; want -2.1e-4", got)
	}
	if got := img.Header.Dates["DATE-OBS"]; got != "2015-03-14T15:09:26" {
		t.Errorf("DATE-OBS=%q", got)
	}
	if got, ok := img.Header.Bools["FLIPPED"]; !ok || got {
		t.Errorf("FLIPPED=%v,%v; want false,true", got, ok)
	}
	if len(img.Header.Comments) != 1 || !strings.Contains(img.Header.Comments[0], "observing run three") {
		t.Errorf("comments=%v", img.Header.Comments)
	}
	if len(img.Header.History) != 1 || !strings.Contains(img.Header.History[0], "Dark subtracted") {
		t.Errorf("history=%v", img.Header.History)
	}
	if img.Stats.Min() != 0 || img.Stats.Max() != 49151 {
		t.Errorf("stats min=%f max=%f", img.Stats.Min(), img.Stats.Max())
	}
}

func TestReadRejectsNonFITS(t *testing.T) {
	block := headerBlock(
		"BITPIX  =                    8",
		"END",
	)
	img := NewImage()
	err := img.Read(bytes.NewReader(block), true, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "SIMPLE=T missing") {
		t.Errorf("err=%v; want SIMPLE=T missing", err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	data := make([]float32, 8*5)
	for i := range data {
		data[i] = float32(i)*0.5 - 3
	}
	data[13] = float32(math.NaN())
	img := NewImageFromNaxisn([]int32{8, 5}, data)
	img.Exposure = 30
	img.Filter = "Red"
	img.Header.Strings["OBJECT"] = "NGC 7000"
	img.Header.Floats["CRPIX1"] = 4.5
	img.Header.History = append(img.Header.History, "Created by unit test")

	buf := bytes.Buffer{}
	if err := img.Write(&buf); err != nil {
		t.Fatalf("write: %s", err)
	}
	if buf.Len()%2880 != 0 {
		t.Errorf("output length %d is not a multiple of 2880", buf.Len())
	}

	back := NewImage()
	if err := back.Read(bytes.NewReader(buf.Bytes()), true, io.Discard); err != nil {
		t.Fatalf("read back: %s", err)
	}
	if !EqualInt32Slice(back.Naxisn, img.Naxisn) {
		t.Fatalf("naxisn=%v; want %v", back.Naxisn, img.Naxisn)
	}
	for i := range data {
		if i == 13 {
			if !math.IsNaN(float64(back.Data[i])) {
				t.Errorf("data[13]=%f; want NaN preserved", back.Data[i])
			}
		} else if back.Data[i] != data[i] {
			t.Errorf("data[%d]=%f; want %f", i, back.Data[i], data[i])
		}
	}
	if back.Exposure != 30 {
		t.Errorf("exposure=%f; want 30", back.Exposure)
	}
	if back.Filter != "Red" {
		t.Errorf("filter=%q; want Red", back.Filter)
	}
	if back.Header.Strings["OBJECT"] != "NGC 7000" {
		t.Errorf("OBJECT=%q", back.Header.Strings["OBJECT"])
	}
	if back.Header.Floats["CRPIX1"] != 4.5 {
		t.Errorf("CRPIX1=%f; want 4.5", back.Header.Floats["CRPIX1"])
	}
	if len(back.Header.History) != 1 || back.Header.History[0] != "Created by unit test" {
		t.Errorf("history=%v", back.Header.History)
	}
}

func TestWriteStringContinuation(t *testing.T) {
	sb := strings.Builder{}
	long := strings.Repeat("abcdefgh", 12) // 96 chars forces CONTINUE
	writeString(&sb, "LONGKEY", long, "")
	out := sb.String()
	if len(out)%80 != 0 {
		t.Fatalf("output length %d is not a multiple of 80", len(out))
	}
	if !strings.Contains(out, "CONTINUE  '") {
		t.Errorf("missing CONTINUE record in %q", out)
	}
	joined := strings.Join(collectStringChunks(out), "")
	if joined != long {
		t.Errorf("reassembled=%q; want %q", joined, long)
	}
}

func TestWriteStringQuoteEscapePairsNotSplit(t *testing.T) {
	sb := strings.Builder{}
	value := strings.Repeat("x", 16) + "'" + strings.Repeat("y", 40)
	writeString(&sb, "QUOTED", value, "")
	out := sb.String()
	for i := 0; i+80 <= len(out); i += 80 {
		line := out[i : i+80]
		inner := line[strings.Index(line, "'")+1 : strings.LastIndex(line, "'")]
		inner = strings.TrimSuffix(inner, "&")
		if strings.Count(inner, "'")%2 != 0 {
			t.Errorf("line %q splits an escaped quote pair", line)
		}
	}
}

// Pulls the quoted payloads back out of a sequence of 80-byte header lines
func collectStringChunks(out string) []string {
	chunks := []string{}
	for i := 0; i+80 <= len(out); i += 80 {
		line := out[i : i+80]
		start := strings.Index(line, "'")
		end := strings.LastIndex(line, "'")
		if start < 0 || end <= start {
			continue
		}
		chunk := line[start+1 : end]
		chunk = strings.TrimSuffix(chunk, "&")
		chunks = append(chunks, strings.ReplaceAll(chunk, "''", "'"))
	}
	return chunks
}

func TestCrop(t *testing.T) {
	data := make([]float32, 6*4)
	for i := range data {
		data[i] = float32(i)
	}
	img := NewImageFromNaxisn([]int32{6, 4}, data)
	img.Header.Floats["CRPIX1"] = 3
	img.Header.Floats["CRPIX2"] = 2

	res, err := img.Crop(1, 5, 1, 3)
	if err != nil {
		t.Fatalf("crop: %s", err)
	}
	if !EqualInt32Slice(res.Naxisn, []int32{4, 2}) {
		t.Fatalf("naxisn=%v; want [4 2]", res.Naxisn)
	}
	want := []float32{7, 8, 9, 10, 13, 14, 15, 16}
	for i, w := range want {
		if res.Data[i] != w {
			t.Errorf("data[%d]=%f; want %f", i, res.Data[i], w)
		}
	}
	if res.Header.Floats["CRPIX1"] != 2 || res.Header.Floats["CRPIX2"] != 1 {
		t.Errorf("crpix=(%f,%f); want (2,1)", res.Header.Floats["CRPIX1"], res.Header.Floats["CRPIX2"])
	}
	if img.Header.Floats["CRPIX1"] != 3 {
		t.Errorf("original CRPIX1 changed to %f", img.Header.Floats["CRPIX1"])
	}

	if _, err := img.Crop(5, 1, 0, 2); err == nil {
		t.Errorf("expected error for inverted crop range")
	}
}

func TestMaskHelpers(t *testing.T) {
	nan := float32(math.NaN())
	img := NewImageFromNaxisn([]int32{3, 2}, []float32{1, nan, 3, 4, 5, nan})
	if !img.HasMaskedPixels() {
		t.Errorf("HasMaskedPixels=false; want true")
	}
	mask := img.Mask()
	wantMask := []bool{false, true, false, false, false, true}
	for i, w := range wantMask {
		if mask[i] != w {
			t.Errorf("mask[%d]=%v; want %v", i, mask[i], w)
		}
	}

	img.FillMasked(0)
	if img.HasMaskedPixels() {
		t.Errorf("masked pixels remain after fill")
	}
	if img.Data[1] != 0 || img.Data[5] != 0 {
		t.Errorf("fill values %f %f; want 0 0", img.Data[1], img.Data[5])
	}

	img.ApplyMask(mask)
	if !math.IsNaN(float64(img.Data[1])) || !math.IsNaN(float64(img.Data[5])) {
		t.Errorf("ApplyMask did not restore masked pixels")
	}
	if img.Mask() == nil {
		t.Errorf("mask=nil after ApplyMask")
	}
}

func TestProjectTranslation(t *testing.T) {
	data := make([]float32, 4*4)
	for i := range data {
		data[i] = float32(i)
	}
	img := NewImageFromNaxisn([]int32{4, 4}, data)

	// destination pixel (x,y) samples source pixel (x+1,y)
	res := img.Project([]int32{4, 4}, transform.Translation(1, 0), float32(math.NaN()))
	for y := int32(0); y < 4; y++ {
		for x := int32(0); x < 2; x++ {
			got, want := res.Data[y*4+x], data[y*4+x+1]
			if got != want {
				t.Errorf("data[%d,%d]=%f; want %f", x, y, got, want)
			}
		}
		for x := int32(2); x < 4; x++ {
			if !math.IsNaN(float64(res.Data[y*4+x])) {
				t.Errorf("data[%d,%d]=%f; want NaN out of bounds", x, y, res.Data[y*4+x])
			}
		}
	}
}

func TestProjectInterpolates(t *testing.T) {
	img := NewImageFromNaxisn([]int32{2, 2}, []float32{0, 2, 4, 6})
	res := img.Project([]int32{1, 1}, transform.Translation(0.5, 0.5), 0)
	if got := res.Data[0]; got != 3 {
		t.Errorf("interpolated=%f; want 3", got)
	}
}

func TestProjectSpreadsMask(t *testing.T) {
	nan := float32(math.NaN())
	img := NewImageFromNaxisn([]int32{3, 3}, []float32{1, 1, 1, 1, nan, 1, 1, 1, 1})
	res := img.Project([]int32{3, 3}, transform.Translation(0.5, 0.5), 0)
	if !math.IsNaN(float64(res.Data[0])) {
		t.Errorf("pixel adjacent to masked source=%f; want NaN", res.Data[0])
	}
}

func TestHeaderClone(t *testing.T) {
	h := NewHeader()
	h.Floats["CRPIX1"] = 10
	h.Strings["OBJECT"] = "M 51"
	h.History = append(h.History, "one")

	c := h.Clone()
	c.Floats["CRPIX1"] = 99
	c.Strings["OBJECT"] = "changed"
	c.History = append(c.History, "two")

	if h.Floats["CRPIX1"] != 10 || h.Strings["OBJECT"] != "M 51" || len(h.History) != 1 {
		t.Errorf("clone mutated original: %v %v %v", h.Floats, h.Strings, h.History)
	}
}
