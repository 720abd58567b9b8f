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
	"bufio"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"os"
	"strings"

	colorful "github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/tiff"

	"github.com/skylign/skylign/internal/stats"
)

// Normalizes a pixel value into [0,1] using the given min, max and gamma.
// Masked (NaN) pixels come out as zero
func normalize(v, min, scale float32, gammaInv float64) float32 {
	v = (v - min) * scale
	if math.IsNaN(float64(v)) || v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	if gammaInv != 1.0 {
		v = float32(math.Pow(float64(v), gammaInv))
	}
	return v
}

// Write a grayscale FITS image to JPG, using the given min, max and gamma.
func (f *Image) WriteJPGToFile(fileName string, min, max, gamma float32, quality int) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	defer writer.Flush()

	return f.WriteJPG(writer, min, max, gamma, quality)
}

// Write a grayscale FITS image to JPG, using the given min, max and gamma.
func (f *Image) WriteJPG(writer io.Writer, min, max, gamma float32, quality int) error {
	width, height := int(f.Naxisn[0]), int(f.Naxisn[1])
	img := image.NewGray(image.Rectangle{image.Point{0, 0}, image.Point{width, height}})
	scale := 1.0 / (max - min)
	gammaInv := float64(1.0 / gamma)
	for y := 0; y < height; y++ {
		yoffset := y * width
		for x := 0; x < width; x++ {
			gray := normalize(f.Data[yoffset+x], min, scale, gammaInv)
			img.SetGray(x, y, color.Gray{uint8(gray * 255)})
		}
	}

	return jpeg.Encode(writer, img, &jpeg.Options{Quality: quality})
}

// Write a FITS image to a false color JPG, mapping normalized pixel values
// through the named colormap, using the given min, max and gamma.
func (f *Image) WriteColormapJPG(writer io.Writer, min, max, gamma float32, colormap string, quality int) error {
	stops, ok := colormaps[colormap]
	if !ok {
		stops = colormaps["heat"]
	}

	width, height := int(f.Naxisn[0]), int(f.Naxisn[1])
	img := image.NewRGBA(image.Rectangle{image.Point{0, 0}, image.Point{width, height}})
	scale := 1.0 / (max - min)
	gammaInv := float64(1.0 / gamma)
	for y := 0; y < height; y++ {
		yoffset := y * width
		for x := 0; x < width; x++ {
			v := normalize(f.Data[yoffset+x], min, scale, gammaInv)
			col := gradientAt(stops, float64(v))
			r, g, b := col.RGB255()
			img.SetRGBA(x, y, color.RGBA{r, g, b, 255})
		}
	}

	return jpeg.Encode(writer, img, &jpeg.Options{Quality: quality})
}

// Write a grayscale FITS image to PNG, using the given min, max and gamma.
func (f *Image) WritePNG(writer io.Writer, min, max, gamma float32) error {
	width, height := int(f.Naxisn[0]), int(f.Naxisn[1])
	img := image.NewGray(image.Rectangle{image.Point{0, 0}, image.Point{width, height}})
	scale := 1.0 / (max - min)
	gammaInv := float64(1.0 / gamma)
	for y := 0; y < height; y++ {
		yoffset := y * width
		for x := 0; x < width; x++ {
			gray := normalize(f.Data[yoffset+x], min, scale, gammaInv)
			img.SetGray(x, y, color.Gray{uint8(gray * 255)})
		}
	}

	return png.Encode(writer, img)
}

// Write a FITS image to a false color PNG, mapping normalized pixel values
// through the named colormap, using the given min, max and gamma.
func (f *Image) WriteColormapPNG(writer io.Writer, min, max, gamma float32, colormap string) error {
	stops, ok := colormaps[colormap]
	if !ok {
		stops = colormaps["heat"]
	}

	width, height := int(f.Naxisn[0]), int(f.Naxisn[1])
	img := image.NewRGBA(image.Rectangle{image.Point{0, 0}, image.Point{width, height}})
	scale := 1.0 / (max - min)
	gammaInv := float64(1.0 / gamma)
	for y := 0; y < height; y++ {
		yoffset := y * width
		for x := 0; x < width; x++ {
			v := normalize(f.Data[yoffset+x], min, scale, gammaInv)
			col := gradientAt(stops, float64(v))
			r, g, b := col.RGB255()
			img.SetRGBA(x, y, color.RGBA{r, g, b, 255})
		}
	}

	return png.Encode(writer, img)
}

// Write a grayscale FITS image to 16-bit TIFF, using the given min, max and gamma.
func (f *Image) WriteTIFF16ToFile(fileName string, min, max, gamma float32) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	defer writer.Flush()

	return f.WriteTIFF16(writer, min, max, gamma)
}

// Write a grayscale FITS image to 16-bit TIFF, using the given min, max and gamma.
func (f *Image) WriteTIFF16(writer io.Writer, min, max, gamma float32) error {
	width, height := int(f.Naxisn[0]), int(f.Naxisn[1])
	img := image.NewGray16(image.Rectangle{image.Point{0, 0}, image.Point{width, height}})
	scale := 1.0 / (max - min)
	gammaInv := float64(1.0 / gamma)
	for y := 0; y < height; y++ {
		yoffset := y * width
		for x := 0; x < width; x++ {
			gray := normalize(f.Data[yoffset+x], min, scale, gammaInv)
			img.SetGray16(x, y, color.Gray16{uint16(gray * 65535)})
		}
	}

	return tiff.Encode(writer, img, &tiff.Options{Compression: tiff.Uncompressed, Predictor: false})
}

// AutoStretchBounds picks display bounds from the given low and high
// percentiles of the finite pixel values, in percent. Fully masked or
// flat images fall back to a unit range so the preview stays renderable
func (f *Image) AutoStretchBounds(pLow, pHigh float32) (min, max float32) {
	// PercentileClipBounds reorders its input
	scratch := append([]float32(nil), f.Data...)
	min, max = stats.PercentileClipBounds(scratch, pLow, pHigh)
	if math.IsNaN(float64(min)) || math.IsNaN(float64(max)) {
		return 0, 1
	}
	if max <= min {
		max = min + 1
	}
	return min, max
}

// ExportPreview renders the image for display in the given format, one of
// "jpeg", "png" or "tiff". An empty colormap selects grayscale output,
// any other value maps pixels through the named colormap. TIFF output is
// always 16-bit grayscale. quality applies to JPG only
func (f *Image) ExportPreview(writer io.Writer, format, colormap string, min, max, gamma float32, quality int) error {
	switch strings.ToLower(format) {
	case "jpg", "jpeg":
		if colormap == "" {
			return f.WriteJPG(writer, min, max, gamma, quality)
		}
		return f.WriteColormapJPG(writer, min, max, gamma, colormap, quality)
	case "png":
		if colormap == "" {
			return f.WritePNG(writer, min, max, gamma)
		}
		return f.WriteColormapPNG(writer, min, max, gamma, colormap)
	case "tif", "tiff":
		return f.WriteTIFF16(writer, min, max, gamma)
	}
	return fmt.Errorf(`Unsupported preview format "%s"`, format)
}

// A colormap is a sequence of anchor colors at increasing positions in [0,1].
// Lookups blend between neighboring anchors in HCL space for perceptually
// even gradients
type gradientStop struct {
	Col colorful.Color
	Pos float64
}

var colormaps = map[string][]gradientStop{
	"gray": {
		{mustHex("#000000"), 0.0},
		{mustHex("#ffffff"), 1.0},
	},
	"heat": {
		{mustHex("#000000"), 0.0},
		{mustHex("#7f0000"), 0.33},
		{mustHex("#ff7f00"), 0.66},
		{mustHex("#ffffdf"), 1.0},
	},
	"cool": {
		{mustHex("#00ffff"), 0.0},
		{mustHex("#ff00ff"), 1.0},
	},
	"viridis": {
		{mustHex("#440154"), 0.0},
		{mustHex("#3b528b"), 0.25},
		{mustHex("#21918c"), 0.5},
		{mustHex("#5ec962"), 0.75},
		{mustHex("#fde725"), 1.0},
	},
}

func mustHex(s string) colorful.Color {
	c, err := colorful.Hex(s)
	if err != nil {
		panic("invalid colormap hex color " + s)
	}
	return c
}

func gradientAt(stops []gradientStop, t float64) colorful.Color {
	for i := 0; i < len(stops)-1; i++ {
		s1, s2 := stops[i], stops[i+1]
		if s1.Pos <= t && t <= s2.Pos {
			frac := (t - s1.Pos) / (s2.Pos - s1.Pos)
			return s1.Col.BlendHcl(s2.Col, frac).Clamped()
		}
	}
	return stops[len(stops)-1].Col
}
