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
	"encoding/json"
	"fmt"

	"github.com/skylign/skylign/internal/feature"
)

// A source extracted from or supplied for an image, identified by position
// and optionally by a stable cross-image ID. Mag is a pointer so that an
// absent magnitude can be told apart from magnitude zero
type Source struct {
	FileID *int     `json:"file_id,omitempty"`
	ID     string   `json:"id,omitempty"`
	X      float32  `json:"x"`
	Y      float32  `json:"y"`
	RA     *float64 `json:"ra,omitempty"`
	Dec    *float64 `json:"dec,omitempty"`
	Flux   float32  `json:"flux,omitempty"`
	Mag    *float32 `json:"mag,omitempty"`
	FWHM   float32  `json:"fwhm,omitempty"`
}

// Sort key for brightness ordering: magnitude when known, negated flux
// otherwise, so that ascending order lists the brightest sources first
func (s *Source) brightness() float64 {
	if s.Mag != nil {
		return float64(*s.Mag)
	}
	return float64(-s.Flux)
}

// Alignment settings, a tagged union discriminated by Mode. Exactly one of
// the variant pointers is set after unmarshaling; the variant's fields live
// at the same JSON level as the common ones
type Settings struct {
	Mode        string  `json:"mode"`
	RefImage    *string `json:"ref_image"`
	Prefilter   bool    `json:"prefilter"`
	EnableRot   bool    `json:"enable_rot"`
	EnableScale bool    `json:"enable_scale"`
	EnableSkew  bool    `json:"enable_skew"`

	WCS      *WCSSettings      `json:"-"`
	Sources  *SourcesSettings  `json:"-"`
	Features *FeaturesSettings `json:"-"`
	Pixels   *PixelsSettings   `json:"-"`
}

// Alignment mode discriminator values
const (
	ModeWCS      = "WCS"
	ModeSources  = "sources"
	ModeFeatures = "features"
	ModePixels   = "pixels"
)

type WCSSettings struct {
	GridPoints int `json:"wcs_grid_points"`
}

type SourcesSettings struct {
	Sources        []Source `json:"sources"`
	MaxSources     int      `json:"max_sources"`
	ScaleInvariant bool     `json:"scale_invariant"`
	MatchTol       float32  `json:"match_tol"`
	MinEdge        float32  `json:"min_edge"`
	RatioLimit     float32  `json:"ratio_limit"`
	Confidence     float32  `json:"confidence"`
}

type FeaturesSettings struct {
	Algorithm      string  `json:"algorithm"`
	RatioThreshold float32 `json:"ratio_threshold"`
	DetectEdges    bool    `json:"detect_edges"`
	GlobalContrast bool    `json:"global_contrast"`
	PercentileMin  float32 `json:"percentile_min"`
	PercentileMax  float32 `json:"percentile_max"`

	Params feature.AlgorithmSettings `json:"-"`
}

type PixelsSettings struct {
	DetectEdges    bool    `json:"detect_edges"`
	GlobalContrast bool    `json:"global_contrast"`
	PercentileMin  float32 `json:"percentile_min"`
	PercentileMax  float32 `json:"percentile_max"`
}

func strPtr(s string) *string { return &s }

// Returns the default settings: WCS mode against the central image, with
// prefiltering and all degrees of freedom enabled
func NewSettings() Settings {
	w := NewWCSSettings()
	return Settings{
		Mode:        ModeWCS,
		RefImage:    strPtr("central"),
		Prefilter:   true,
		EnableRot:   true,
		EnableScale: true,
		EnableSkew:  true,
		WCS:         &w,
	}
}

func NewWCSSettings() WCSSettings {
	return WCSSettings{GridPoints: 100}
}

func NewSourcesSettings() SourcesSettings {
	return SourcesSettings{
		MaxSources: 100,
		MatchTol:   0.002,
		MinEdge:    0.003,
		RatioLimit: 10,
		Confidence: 0.15,
	}
}

func NewFeaturesSettings() FeaturesSettings {
	akaze := feature.NewAKAZESettings()
	return FeaturesSettings{
		Algorithm:      "AKAZE",
		RatioThreshold: 0.5,
		GlobalContrast: true,
		PercentileMin:  1,
		PercentileMax:  99,
		Params:         &akaze,
	}
}

func NewPixelsSettings() PixelsSettings {
	return PixelsSettings{
		GlobalContrast: true,
		PercentileMin:  1,
		PercentileMax:  99,
	}
}

// Unmarshals the settings union: common fields are overlaid onto defaults,
// then the variant selected by mode is decoded from the same JSON object.
// An unrecognized mode leaves all variants nil; dispatch reports it
func (s *Settings) UnmarshalJSON(b []byte) error {
	def := NewSettings()
	def.WCS = nil
	type alias Settings
	a := alias(def)
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}

	switch a.Mode {
	case ModeWCS:
		v := NewWCSSettings()
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		a.WCS = &v
	case ModeSources:
		v := NewSourcesSettings()
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		a.Sources = &v
	case ModeFeatures:
		v := FeaturesSettings{}
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		a.Features = &v
	case ModePixels:
		v := NewPixelsSettings()
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		a.Pixels = &v
	}
	*s = Settings(a)
	return nil
}

// Unmarshals the feature variant including its algorithm-specific parameter
// block, which is itself discriminated by the algorithm field
func (s *FeaturesSettings) UnmarshalJSON(b []byte) error {
	def := NewFeaturesSettings()
	type alias FeaturesSettings
	a := alias(def)
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	params, err := feature.SettingsFor(a.Algorithm)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, params); err != nil {
		return err
	}
	a.Params = params
	*s = FeaturesSettings(a)
	return nil
}

// Marshals the settings union back into a single flat JSON object
func (s Settings) MarshalJSON() ([]byte, error) {
	type alias Settings
	var variant interface{}
	switch {
	case s.WCS != nil:
		variant = s.WCS
	case s.Sources != nil:
		variant = s.Sources
	case s.Features != nil:
		variant = s.Features
	case s.Pixels != nil:
		variant = s.Pixels
	}
	return mergeJSON(alias(s), variant)
}

func (s FeaturesSettings) MarshalJSON() ([]byte, error) {
	type alias FeaturesSettings
	return mergeJSON(alias(s), s.Params)
}

// Marshals base and variant separately and merges the resulting objects,
// with variant fields taking precedence
func mergeJSON(base, variant interface{}) ([]byte, error) {
	out, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	if variant == nil {
		return out, nil
	}
	m := map[string]json.RawMessage{}
	if err := json.Unmarshal(out, &m); err != nil {
		return nil, err
	}
	vb, err := json.Marshal(variant)
	if err != nil {
		return nil, err
	}
	vm := map[string]json.RawMessage{}
	if err := json.Unmarshal(vb, &vm); err != nil {
		return nil, err
	}
	for k, v := range vm {
		m[k] = v
	}
	return json.Marshal(m)
}

// Validate checks the settings before any image is read. The mode must be
// known; sources must all carry a data file ID; feature algorithm parameters
// must resolve to a valid detector configuration; percentiles must be a
// valid range
func (s *Settings) Validate() error {
	switch s.Mode {
	case ModeWCS, ModeSources, ModeFeatures, ModePixels:
	default:
		return fmt.Errorf(`Unknown alignment mode "%s"`, s.Mode)
	}
	if s.Sources != nil {
		for i := range s.Sources.Sources {
			if s.Sources.Sources[i].FileID == nil {
				return fmt.Errorf("Missing data file ID for at least one source")
			}
		}
	}
	if s.Features != nil {
		if _, err := s.Features.Params.Detector(); err != nil {
			return err
		}
		if err := validPercentiles(s.Features.PercentileMin, s.Features.PercentileMax); err != nil {
			return err
		}
	}
	if s.Pixels != nil {
		if err := validPercentiles(s.Pixels.PercentileMin, s.Pixels.PercentileMax); err != nil {
			return err
		}
	}
	return nil
}

func validPercentiles(lo, hi float32) error {
	if lo < 0 || hi > 100 || lo >= hi {
		return fmt.Errorf("Invalid percentile range %g..%g", lo, hi)
	}
	return nil
}
