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

import (
	"math/bits"
	"sort"
)

// Match pairs a query descriptor with its best train descriptor
type Match struct {
	QueryIdx int32
	TrainIdx int32
	Distance float32
}

// MatchDescriptors finds for each query descriptor the closest train
// descriptor by Hamming distance, keeping only matches whose best distance
// is strictly below ratioThreshold times the second best. Results are
// ordered by ascending distance
func MatchDescriptors(query, train []Descriptor, ratioThreshold float32) []Match {
	if len(train) < 2 {
		return nil
	}
	matches := make([]Match, 0, len(query))
	for qi, q := range query {
		best := -1
		bestDist, secondDist := int(^uint(0)>>1), int(^uint(0)>>1)
		for ti, t := range train {
			dist := hammingDistance(q, t)
			if dist < bestDist {
				secondDist = bestDist
				best, bestDist = ti, dist
			} else if dist < secondDist {
				secondDist = dist
			}
		}
		if float32(bestDist) < ratioThreshold*float32(secondDist) {
			matches = append(matches, Match{
				QueryIdx: int32(qi),
				TrainIdx: int32(best),
				Distance: float32(bestDist),
			})
		}
	}
	sort.Slice(matches, func(a, b int) bool {
		if matches[a].Distance != matches[b].Distance {
			return matches[a].Distance < matches[b].Distance
		}
		return matches[a].QueryIdx < matches[b].QueryIdx
	})
	return matches
}

// Number of differing bits between two descriptors
func hammingDistance(a, b Descriptor) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	dist := 0
	for i := 0; i < n; i++ {
		dist += bits.OnesCount64(a[i] ^ b[i])
	}
	return dist
}
