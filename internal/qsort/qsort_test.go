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


package qsort

import (
	"math"
	"testing"
	"github.com/valyala/fastrand"
)


func TestMedian(t *testing.T) {
	rng:=fastrand.RNG{}
	for i:=1; i<1000; i++ {
		// prepare array of given length with a random permutation of 1..n
		arr:=make([]float32, i)
		for j:=0; j<len(arr); j++ {
			arr[j]=float32(j+1)
		}
		for j:=0; j<len(arr); j++ {
			k:=rng.Uint32n(uint32(len(arr)))
			arr[j], arr[k] = arr[k], arr[j]
		}

		// calculate expected result
		var expect float32
		if (i&1)!=0 {
			expect=float32((i+1)/2)
		} else {
			expect=0.5*(float32(i/2) + float32(i/2+1))
		}

		// calculate actual result and compare
		res:=QSelectMedianFloat32(arr)
		if res!=expect {
			t.Logf("median(1..%d) got %f expect %f\n", i ,res, expect)
			t.Fail()
		}
	}
}

func TestPercentile(t *testing.T) {
	rng:=fastrand.RNG{}
	for i:=2; i<500; i++ {
		arr:=make([]float32, i)
		for j:=0; j<len(arr); j++ {
			arr[j]=float32(j)
		}
		for j:=0; j<len(arr); j++ {
			k:=rng.Uint32n(uint32(len(arr)))
			arr[j], arr[k] = arr[k], arr[j]
		}

		lo:=QSelectPercentileFloat32(arr, 0)
		if lo!=0 {
			t.Errorf("p0(0..%d)=%f; want 0", i-1, lo)
		}
		hi:=QSelectPercentileFloat32(arr, 1)
		if hi!=float32(i-1) {
			t.Errorf("p100(0..%d)=%f; want %d", i-1, hi, i-1)
		}
	}
}

func TestCompactNaNs(t *testing.T) {
	nan:=float32(math.NaN())
	arr:=[]float32{1, nan, 2, nan, 3}
	res:=CompactNaNs(arr)
	if len(res)!=3 {
		t.Errorf("len=%d; want 3", len(res))
	}
	sum:=float32(0)
	for _,v:=range res { sum+=v }
	if sum!=6 {
		t.Errorf("sum=%f; want 6", sum)
	}
}
