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

import "fmt"

// Conductivity selects the smoothing behavior of the scale pyramid:
// plain Gaussian passes, or a nonlinear diffusion which preserves edges
type Conductivity int

const (
	DiffusivityGaussian Conductivity = iota
	DiffusivityPMG1
	DiffusivityPMG2
	DiffusivityWeickert
	DiffusivityCharbonnier
)

// Settings for one of the feature detection algorithm variants.
// Detector resolves the variant's parameters into a detector configuration
type AlgorithmSettings interface {
	Detector() (Detector, error)
}

// Returns default settings for the named algorithm
func SettingsFor(algorithm string) (AlgorithmSettings, error) {
	switch algorithm {
	case "AKAZE":
		s := NewAKAZESettings()
		return &s, nil
	case "BRISK":
		s := NewBRISKSettings()
		return &s, nil
	case "KAZE":
		s := NewKAZESettings()
		return &s, nil
	case "ORB":
		s := NewORBSettings()
		return &s, nil
	case "SIFT":
		s := NewSIFTSettings()
		return &s, nil
	case "SURF":
		s := NewSURFSettings()
		return &s, nil
	}
	return nil, fmt.Errorf(`Unknown feature detection algorithm "%s"`, algorithm)
}

func diffusivityFor(name string) (Conductivity, error) {
	switch name {
	case "PM_G1":
		return DiffusivityPMG1, nil
	case "PM_G2":
		return DiffusivityPMG2, nil
	case "Weickert":
		return DiffusivityWeickert, nil
	case "Charbonnier":
		return DiffusivityCharbonnier, nil
	}
	return 0, fmt.Errorf(`Invalid diffusivity "%s"`, name)
}

type AKAZESettings struct {
	DescriptorType     string  `json:"descriptor_type"`
	DescriptorSize     int     `json:"descriptor_size"`
	DescriptorChannels int     `json:"descriptor_channels"`
	Threshold          float32 `json:"threshold"`
	Octaves            int     `json:"octaves"`
	OctaveLayers       int     `json:"octave_layers"`
	Diffusivity        string  `json:"diffusivity"`
}

func NewAKAZESettings() AKAZESettings {
	return AKAZESettings{
		DescriptorType:     "MLDB",
		DescriptorSize:     0,
		DescriptorChannels: 3,
		Threshold:          0.001,
		Octaves:            4,
		OctaveLayers:       4,
		Diffusivity:        "PM_G2",
	}
}

func (s *AKAZESettings) Detector() (Detector, error) {
	upright := false
	switch s.DescriptorType {
	case "KAZE", "MLDB":
	case "KAZE_UPRIGHT", "MLDB_UPRIGHT":
		upright = true
	default:
		return Detector{}, fmt.Errorf(`Invalid descriptor type "%s"`, s.DescriptorType)
	}
	diff, err := diffusivityFor(s.Diffusivity)
	if err != nil {
		return Detector{}, err
	}
	return Detector{
		Octaves:      s.Octaves,
		OctaveLayers: s.OctaveLayers,
		ScaleFactor:  2,
		Threshold:    s.Threshold,
		Border:       16,
		PatchSize:    31,
		PatternScale: 1,
		Extended:     s.DescriptorSize > 256,
		Upright:      upright,
		Diffusivity:  diff,
	}, nil
}

type BRISKSettings struct {
	Threshold    int     `json:"threshold"`
	Octaves      int     `json:"octaves"`
	PatternScale float32 `json:"pattern_scale"`
}

func NewBRISKSettings() BRISKSettings {
	return BRISKSettings{Threshold: 30, Octaves: 3, PatternScale: 1}
}

func (s *BRISKSettings) Detector() (Detector, error) {
	// the threshold is an intensity step on 8 bit data; detection responds to
	// the determinant of the Hessian on normalized data, hence the square
	t := float32(s.Threshold) / 255
	return Detector{
		Octaves:      s.Octaves,
		OctaveLayers: 1,
		ScaleFactor:  2,
		Threshold:    t * t,
		Border:       16,
		PatchSize:    31,
		PatternScale: s.PatternScale,
		Diffusivity:  DiffusivityGaussian,
	}, nil
}

type KAZESettings struct {
	Extended     bool    `json:"extended"`
	Upright      bool    `json:"upright"`
	Threshold    float32 `json:"threshold"`
	Octaves      int     `json:"octaves"`
	OctaveLayers int     `json:"octave_layers"`
	Diffusivity  string  `json:"diffusivity"`
}

func NewKAZESettings() KAZESettings {
	return KAZESettings{
		Threshold:    0.001,
		Octaves:      4,
		OctaveLayers: 4,
		Diffusivity:  "PM_G2",
	}
}

func (s *KAZESettings) Detector() (Detector, error) {
	diff, err := diffusivityFor(s.Diffusivity)
	if err != nil {
		return Detector{}, err
	}
	return Detector{
		Octaves:      s.Octaves,
		OctaveLayers: s.OctaveLayers,
		ScaleFactor:  2,
		Threshold:    s.Threshold,
		Border:       16,
		PatchSize:    31,
		PatternScale: 1,
		Extended:     s.Extended,
		Upright:      s.Upright,
		Diffusivity:  diff,
	}, nil
}

type ORBSettings struct {
	NFeatures     int     `json:"nfeatures"`
	ScaleFactor   float32 `json:"scale_factor"`
	NLevels       int     `json:"nlevels"`
	EdgeThreshold int     `json:"edge_threshold"`
	FirstLevel    int     `json:"first_level"`
	WTAK          int     `json:"wta_k"`
	ScoreType     string  `json:"score_type"`
	PatchSize     int     `json:"patch_size"`
	FastThreshold int     `json:"fast_threshold"`
}

func NewORBSettings() ORBSettings {
	return ORBSettings{
		NFeatures:     500,
		ScaleFactor:   1.2,
		NLevels:       8,
		EdgeThreshold: 31,
		FirstLevel:    0,
		WTAK:          2,
		ScoreType:     "Harris",
		PatchSize:     31,
		FastThreshold: 20,
	}
}

func (s *ORBSettings) Detector() (Detector, error) {
	if s.ScoreType != "Harris" && s.ScoreType != "fast" {
		return Detector{}, fmt.Errorf(`Invalid score type "%s"`, s.ScoreType)
	}
	if s.WTAK < 2 || s.WTAK > 4 {
		return Detector{}, fmt.Errorf("Invalid WTA_K value %d", s.WTAK)
	}
	t := float32(s.FastThreshold) / 255
	return Detector{
		Octaves:      s.NLevels,
		OctaveLayers: 1,
		ScaleFactor:  s.ScaleFactor,
		Threshold:    t * t,
		Border:       int32(s.EdgeThreshold),
		MaxFeatures:  s.NFeatures,
		PatchSize:    int32(s.PatchSize),
		PatternScale: 1,
		Diffusivity:  DiffusivityGaussian,
	}, nil
}

type SIFTSettings struct {
	NFeatures         int     `json:"nfeatures"`
	OctaveLayers      int     `json:"octave_layers"`
	ContrastThreshold float32 `json:"contrast_threshold"`
	EdgeThreshold     float32 `json:"edge_threshold"`
	Sigma             float32 `json:"sigma"`
	DescriptorType    string  `json:"descriptor_type"`
}

func NewSIFTSettings() SIFTSettings {
	return SIFTSettings{
		NFeatures:         0,
		OctaveLayers:      3,
		ContrastThreshold: 0.04,
		EdgeThreshold:     10,
		Sigma:             1.6,
		DescriptorType:    "32F",
	}
}

func (s *SIFTSettings) Detector() (Detector, error) {
	if s.DescriptorType != "32F" && s.DescriptorType != "8U" {
		return Detector{}, fmt.Errorf(`Invalid descriptor type "%s"`, s.DescriptorType)
	}
	if s.Sigma <= 0 {
		return Detector{}, fmt.Errorf("Invalid sigma value %g", s.Sigma)
	}
	return Detector{
		Octaves:        4,
		OctaveLayers:   s.OctaveLayers,
		ScaleFactor:    2,
		Threshold:      s.ContrastThreshold / 40,
		CurvatureLimit: s.EdgeThreshold,
		Border:         16,
		MaxFeatures:    s.NFeatures,
		PatchSize:      31,
		PatternScale:   1,
		Extended:       s.DescriptorType == "32F",
		Diffusivity:    DiffusivityGaussian,
	}, nil
}

type SURFSettings struct {
	HessianThreshold float32 `json:"hessian_threshold"`
	Octaves          int     `json:"octaves"`
	OctaveLayers     int     `json:"octave_layers"`
	Extended         bool    `json:"extended"`
	Upright          bool    `json:"upright"`
}

func NewSURFSettings() SURFSettings {
	return SURFSettings{
		HessianThreshold: 100,
		Octaves:          4,
		OctaveLayers:     3,
	}
}

func (s *SURFSettings) Detector() (Detector, error) {
	// the Hessian threshold refers to 8 bit data, normalize to unit intensities
	return Detector{
		Octaves:      s.Octaves,
		OctaveLayers: s.OctaveLayers,
		ScaleFactor:  2,
		Threshold:    s.HessianThreshold / (255 * 255),
		Border:       16,
		PatchSize:    31,
		PatternScale: 1,
		Extended:     s.Extended,
		Upright:      s.Upright,
		Diffusivity:  DiffusivityGaussian,
	}, nil
}
