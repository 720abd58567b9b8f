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
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/optimize"

	"github.com/skylign/skylign/internal/transform"
)

// pixelTransform aligns two frames without any extracted features: phase
// correlation of the prepared pixels yields the translation, which is then
// refined against the raw pixel residual when rotation, scale or skew
// degrees of freedom are enabled
func (e *Engine) pixelTransform(fileID, refFileID int) (transform.Affine, string, error) {
	set := e.Settings.Pixels
	img, err := e.dataFor(fileID)
	if err != nil {
		return transform.Affine{}, "", err
	}
	ref, err := e.dataFor(refFileID)
	if err != nil {
		return transform.Affine{}, "", err
	}

	var imgB, refB clipBounds
	if set.GlobalContrast {
		imgB = e.filterBounds(img.Filter, set.DetectEdges, set.PercentileMin, set.PercentileMax)
		refB = e.filterBounds(ref.Filter, set.DetectEdges, set.PercentileMin, set.PercentileMax)
	} else {
		b := pairBounds(img, ref, set.DetectEdges, set.PercentileMin, set.PercentileMax)
		imgB, refB = b, b
	}
	imgFrame := preparedFrame(img, imgB, set.DetectEdges)
	refFrame := preparedFrame(ref, refB, set.DetectEdges)
	imgW, imgH := frameDims(img.Naxisn, len(imgFrame))
	refW, refH := frameDims(ref.Naxisn, len(refFrame))

	dx, dy, err := phaseShift(imgFrame, imgW, imgH, refFrame, refW, refH)
	if err != nil {
		return transform.Affine{}, "", err
	}
	t := transform.Translation(dx, dy)

	d := e.dof()
	if d.Rotation || d.Scale || d.Skew {
		t, err = refinePixelFit(imgFrame, imgW, imgH, refFrame, refW, refH, t, d)
		if err != nil {
			return transform.Affine{}, "", err
		}
	}
	return t, "pixel matching", nil
}

func frameDims(naxisn []int32, total int) (int32, int32) {
	if len(naxisn) >= 2 {
		return naxisn[0], naxisn[1]
	}
	return int32(total), 1
}

// phaseShift estimates the translation mapping reference frame coordinates
// into the image by cross power spectrum phase correlation. Both frames are
// Hann windowed and zero padded to a shared power-of-two extent; the
// correlation peak is located to subpixel precision by parabolic
// interpolation of its wrapped neighbors
func phaseShift(img []float32, imgW, imgH int32, ref []float32, refW, refH int32) (float32, float32, error) {
	if imgW < 1 || imgH < 1 || refW < 1 || refH < 1 {
		return 0, 0, fmt.Errorf("Pixel matching failed")
	}
	nw := nextPow2(int(maxInt32(imgW, refW)))
	nh := nextPow2(int(maxInt32(imgH, refH)))

	f := embedWindowed(img, int(imgW), int(imgH), nw, nh)
	g := embedWindowed(ref, int(refW), int(refH), nw, nh)
	fft2(f, nw, nh, false)
	fft2(g, nw, nh, false)

	for i := range f {
		cross := f[i] * cmplx.Conj(g[i])
		m := cmplx.Abs(cross)
		if m > 1e-12 {
			f[i] = cross / complex(m, 0)
		} else {
			f[i] = 0
		}
	}
	fft2(f, nw, nh, true)

	peak, best := 0, math.Inf(-1)
	for i, v := range f {
		if r := real(v); r > best {
			best, peak = r, i
		}
	}
	if !(best > 1e-9) {
		return 0, 0, fmt.Errorf("Pixel matching failed")
	}
	px, py := peak%nw, peak/nw

	at := func(x, y int) float64 {
		return real(f[((y+nh)%nh)*nw+(x+nw)%nw])
	}
	fx := float64(px) + parabolicPeakOffset(at(px-1, py), best, at(px+1, py))
	fy := float64(py) + parabolicPeakOffset(at(px, py-1), best, at(px, py+1))
	if fx > float64(nw)/2 {
		fx -= float64(nw)
	}
	if fy > float64(nh)/2 {
		fy -= float64(nh)
	}
	return float32(fx), float32(fy), nil
}

// fft2 transforms a row-major nw by nh complex array in place, rows first
// then columns. The inverse pass includes the 1/(nw*nh) normalization
func fft2(buf []complex128, nw, nh int, inverse bool) {
	rowFFT, colFFT := fourier.NewCmplxFFT(nw), fourier.NewCmplxFFT(nh)
	scratch := make([]complex128, maxInt(nw, nh))

	for y := 0; y < nh; y++ {
		row := buf[y*nw : (y+1)*nw]
		if inverse {
			rowFFT.Sequence(scratch[:nw], row)
		} else {
			rowFFT.Coefficients(scratch[:nw], row)
		}
		copy(row, scratch[:nw])
	}
	col := make([]complex128, nh)
	for x := 0; x < nw; x++ {
		for y := 0; y < nh; y++ {
			col[y] = buf[y*nw+x]
		}
		if inverse {
			colFFT.Sequence(scratch[:nh], col)
		} else {
			colFFT.Coefficients(scratch[:nh], col)
		}
		for y := 0; y < nh; y++ {
			buf[y*nw+x] = scratch[y]
		}
	}
	if inverse {
		norm := complex(1/float64(nw*nh), 0)
		for i := range buf {
			buf[i] *= norm
		}
	}
}

func embedWindowed(frame []float32, w, h, nw, nh int) []complex128 {
	buf := make([]complex128, nw*nh)
	for y := 0; y < h; y++ {
		wy := hann(y, h)
		for x := 0; x < w; x++ {
			buf[y*nw+x] = complex(float64(frame[y*w+x])*wy*hann(x, w), 0)
		}
	}
	return buf
}

func hann(i, n int) float64 {
	if n < 2 {
		return 1
	}
	return 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
}

// parabolicPeakOffset returns the subpixel offset of a peak from three
// samples around it, clamped to half a pixel
func parabolicPeakOffset(left, center, right float64) float64 {
	denom := left - 2*center + right
	if denom >= 0 {
		return 0
	}
	off := 0.5 * (left - right) / denom
	if off > 0.5 {
		off = 0.5
	} else if off < -0.5 {
		off = -0.5
	}
	return off
}

// refinePixelFit minimizes the mean squared pixel residual between the
// reference frame and the image resampled under the candidate transform,
// over the enabled degrees of freedom. The matrix is parametrized as
// scale times rotation times shear, seeded at the translation estimate
func refinePixelFit(img []float32, imgW, imgH int32, ref []float32, refW, refH int32,
	init transform.Affine, dof transform.DOF) (transform.Affine, error) {
	var x0 []float64
	if dof.Rotation {
		x0 = append(x0, 0)
	}
	if dof.Scale {
		x0 = append(x0, 0)
	}
	if dof.Skew {
		x0 = append(x0, 0)
	}
	x0 = append(x0, float64(init.Dx), float64(init.Dy))

	strideX, strideY := refW/64, refH/64
	if strideX < 1 {
		strideX = 1
	}
	if strideY < 1 {
		strideY = 1
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			tr := buildPixelAffine(x, dof)
			var sum float64
			inside, total := 0, 0
			for y := int32(0); y < refH; y += strideY {
				for xx := int32(0); xx < refW; xx += strideX {
					total++
					p := tr.Apply(transform.Point2D{X: float32(xx), Y: float32(y)})
					v, ok := sampleFrame(img, imgW, imgH, p.X, p.Y)
					if !ok {
						continue
					}
					inside++
					d := float64(v - ref[y*refW+xx])
					sum += d * d
				}
			}
			if inside*4 < total {
				return 1e3 * (2 - float64(inside)/float64(total))
			}
			return sum / float64(inside)
		},
	}
	result, err := optimize.Minimize(problem, x0, nil, &optimize.NelderMead{})
	if err != nil {
		return transform.Affine{}, err
	}
	return buildPixelAffine(result.X, dof), nil
}

func buildPixelAffine(x []float64, dof transform.DOF) transform.Affine {
	i := 0
	theta, logS, k := 0.0, 0.0, 0.0
	if dof.Rotation {
		theta = x[i]
		i++
	}
	if dof.Scale {
		logS = x[i]
		i++
	}
	if dof.Skew {
		k = x[i]
		i++
	}
	dx, dy := x[i], x[i+1]

	sin, cos := math.Sincos(theta)
	s := math.Exp(logS)
	m := transform.Mat2{
		A: float32(s * cos), B: float32(s * (cos*k - sin)),
		C: float32(s * sin), D: float32(s * (sin*k + cos)),
	}
	return transform.Affine{M: &m, Dx: float32(dx), Dy: float32(dy)}
}

// sampleFrame reads the frame bilinearly at a fractional position, reporting
// false outside the frame
func sampleFrame(frame []float32, w, h int32, x, y float32) (float32, bool) {
	if x < 0 || y < 0 || x > float32(w-1) || y > float32(h-1) {
		return 0, false
	}
	x0, y0 := int32(x), int32(y)
	x1, y1 := x0+1, y0+1
	if x1 > w-1 {
		x1 = w - 1
	}
	if y1 > h-1 {
		y1 = h - 1
	}
	fx, fy := x-float32(x0), y-float32(y0)
	v00 := frame[y0*w+x0]
	v01 := frame[y0*w+x1]
	v10 := frame[y1*w+x0]
	v11 := frame[y1*w+x1]
	top := v00 + (v01-v00)*fx
	bot := v10 + (v11-v10)*fx
	return top + (bot-top)*fy, true
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxInt32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}
