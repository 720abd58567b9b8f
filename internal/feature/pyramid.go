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

package feature

import "math"

// One level of the scale pyramid
type level struct {
	data   []float32
	width  int32
	height int32
	scale  float32 // full resolution pixels per pixel of this level
}

// Smallest level dimension still worth detecting on
const minLevelSize int32 = 32

// Builds the scale pyramid. Level 0 is a smoothed copy of the input; every
// further level shrinks the previous one by the scale factor
func buildPyramid(data []float32, width int32, octaves int, scaleFactor float32, layers int, diff Conductivity) []level {
	height := int32(len(data)) / width
	levels := make([]level, 0, octaves)

	l0 := level{data: make([]float32, len(data)), width: width, height: height, scale: 1}
	copy(l0.data, data)
	smoothLevel(&l0, layers, diff)
	levels = append(levels, l0)

	for o := 1; o < octaves; o++ {
		prev := levels[o-1]
		l := shrink(prev, scaleFactor)
		if l.width < minLevelSize || l.height < minLevelSize {
			break
		}
		smoothLevel(&l, layers, diff)
		levels = append(levels, l)
	}
	return levels
}

// Shrinks a level by the given factor using bilinear sampling at pixel centers
func shrink(src level, factor float32) level {
	dstW := int32(float32(src.width) / factor)
	dstH := int32(float32(src.height) / factor)
	dst := level{
		data:   make([]float32, dstW*dstH),
		width:  dstW,
		height: dstH,
		scale:  src.scale * factor,
	}
	for y := int32(0); y < dstH; y++ {
		srcY := (float32(y)+0.5)*factor - 0.5
		for x := int32(0); x < dstW; x++ {
			srcX := (float32(x)+0.5)*factor - 0.5
			dst.data[y*dstW+x] = sampleBilinear(src, srcX, srcY)
		}
	}
	return dst
}

// Samples the level at a fractional position, clamping to the border
func sampleBilinear(l level, x, y float32) float32 {
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	max := float32(l.width - 1)
	if x > max {
		x = max
	}
	max = float32(l.height - 1)
	if y > max {
		y = max
	}
	xl, yl := int32(x), int32(y)
	xr, yr := x-float32(xl), y-float32(yl)
	xh, yh := xl+1, yl+1
	if xh >= l.width {
		xh = xl
	}
	if yh >= l.height {
		yh = yl
	}
	v00 := l.data[yl*l.width+xl]
	v01 := l.data[yl*l.width+xh]
	v10 := l.data[yh*l.width+xl]
	v11 := l.data[yh*l.width+xh]
	return v00*(1-xr)*(1-yr) + v01*xr*(1-yr) + v10*(1-xr)*yr + v11*xr*yr
}

// Smooths a level in place: plain binomial passes for Gaussian conductivity,
// else one binomial pass followed by explicit nonlinear diffusion iterations
func smoothLevel(l *level, layers int, diff Conductivity) {
	if layers < 1 {
		layers = 1
	}
	if diff == DiffusivityGaussian {
		for i := 0; i < layers; i++ {
			binomialPass(l)
		}
		return
	}
	binomialPass(l)
	for i := 0; i < layers; i++ {
		diffusionStep(l, diff)
	}
}

// One separable [1 2 1]/4 binomial smoothing pass with clamped borders
func binomialPass(l *level) {
	w, h := l.width, l.height
	tmp := make([]float32, len(l.data))
	for y := int32(0); y < h; y++ {
		row := l.data[y*w : (y+1)*w]
		out := tmp[y*w : (y+1)*w]
		out[0] = (3*row[0] + row[1]) * 0.25
		for x := int32(1); x < w-1; x++ {
			out[x] = (row[x-1] + 2*row[x] + row[x+1]) * 0.25
		}
		out[w-1] = (row[w-2] + 3*row[w-1]) * 0.25
	}
	for x := int32(0); x < w; x++ {
		l.data[x] = (3*tmp[x] + tmp[w+x]) * 0.25
	}
	for y := int32(1); y < h-1; y++ {
		for x := int32(0); x < w; x++ {
			l.data[y*w+x] = (tmp[(y-1)*w+x] + 2*tmp[y*w+x] + tmp[(y+1)*w+x]) * 0.25
		}
	}
	for x := int32(0); x < w; x++ {
		l.data[(h-1)*w+x] = (tmp[(h-2)*w+x] + 3*tmp[(h-1)*w+x]) * 0.25
	}
}

// Contrast parameter and step size of the nonlinear diffusion
const (
	diffusionKappa  float32 = 0.05
	diffusionLambda float32 = 0.2
)

// One explicit 4-neighbor diffusion iteration with the given conductivity.
// Flux across strong gradients is damped, preserving edges while flattening noise
func diffusionStep(l *level, diff Conductivity) {
	w, h := l.width, l.height
	tmp := make([]float32, len(l.data))
	copy(tmp, l.data)
	invKappaSq := 1 / (diffusionKappa * diffusionKappa)

	g := func(grad float32) float32 {
		s := grad * grad * invKappaSq
		switch diff {
		case DiffusivityPMG1:
			return float32(math.Exp(float64(-s)))
		case DiffusivityPMG2:
			return 1 / (1 + s)
		case DiffusivityWeickert:
			if s <= 0 {
				return 1
			}
			return 1 - float32(math.Exp(-3.315/float64(s*s*s*s)))
		case DiffusivityCharbonnier:
			return 1 / float32(math.Sqrt(float64(1+s)))
		}
		return 1
	}

	for y := int32(1); y < h-1; y++ {
		for x := int32(1); x < w-1; x++ {
			c := tmp[y*w+x]
			dN := tmp[(y-1)*w+x] - c
			dS := tmp[(y+1)*w+x] - c
			dW := tmp[y*w+x-1] - c
			dE := tmp[y*w+x+1] - c
			flow := g(dN)*dN + g(dS)*dS + g(dW)*dW + g(dE)*dE
			l.data[y*w+x] = c + diffusionLambda*flow
		}
	}
}
