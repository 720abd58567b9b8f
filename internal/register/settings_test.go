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
	"strings"
	"testing"

	"github.com/skylign/skylign/internal/feature"
)

func TestSettingsDefaults(t *testing.T) {
	var s Settings
	if err := json.Unmarshal([]byte(`{}`), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s.Mode != ModeWCS {
		t.Errorf("mode=%q; want %q", s.Mode, ModeWCS)
	}
	if s.RefImage == nil || *s.RefImage != "central" {
		t.Errorf("ref_image=%v; want central", s.RefImage)
	}
	if !s.Prefilter || !s.EnableRot || !s.EnableScale || !s.EnableSkew {
		t.Errorf("prefilter=%v rot=%v scale=%v skew=%v; want all true",
			s.Prefilter, s.EnableRot, s.EnableScale, s.EnableSkew)
	}
	if s.WCS == nil {
		t.Fatal("WCS variant not set")
	}
	if s.WCS.GridPoints != 100 {
		t.Errorf("wcs_grid_points=%d; want 100", s.WCS.GridPoints)
	}
}

func TestSettingsRefImageNull(t *testing.T) {
	var s Settings
	if err := json.Unmarshal([]byte(`{"ref_image": null}`), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s.RefImage != nil {
		t.Errorf("ref_image=%q; want nil", *s.RefImage)
	}
}

func TestSettingsSourcesOverlay(t *testing.T) {
	raw := `{"mode": "sources", "max_sources": 5, "scale_invariant": true,
		"sources": [{"file_id": 7, "x": 10.5, "y": 20.25, "flux": 1500}]}`
	var s Settings
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s.Sources == nil {
		t.Fatal("sources variant not set")
	}
	if s.Sources.MaxSources != 5 || !s.Sources.ScaleInvariant {
		t.Errorf("max_sources=%d scale_invariant=%v; want 5 true",
			s.Sources.MaxSources, s.Sources.ScaleInvariant)
	}
	if s.Sources.MatchTol != 0.002 || s.Sources.MinEdge != 0.003 ||
		s.Sources.RatioLimit != 10 || s.Sources.Confidence != 0.15 {
		t.Errorf("tolerances=%v %v %v %v; want defaults", s.Sources.MatchTol,
			s.Sources.MinEdge, s.Sources.RatioLimit, s.Sources.Confidence)
	}
	if len(s.Sources.Sources) != 1 {
		t.Fatalf("len(sources)=%d; want 1", len(s.Sources.Sources))
	}
	src := s.Sources.Sources[0]
	if src.FileID == nil || *src.FileID != 7 || src.X != 10.5 || src.Y != 20.25 {
		t.Errorf("source=%+v; want file_id 7 at (10.5, 20.25)", src)
	}
}

func TestSettingsFeaturesOverlay(t *testing.T) {
	raw := `{"mode": "features", "algorithm": "ORB", "ratio_threshold": 0.75,
		"nfeatures": 300, "fast_threshold": 40}`
	var s Settings
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s.Features == nil {
		t.Fatal("features variant not set")
	}
	if s.Features.Algorithm != "ORB" || s.Features.RatioThreshold != 0.75 {
		t.Errorf("algorithm=%q ratio=%v; want ORB 0.75",
			s.Features.Algorithm, s.Features.RatioThreshold)
	}
	if !s.Features.GlobalContrast || s.Features.PercentileMin != 1 ||
		s.Features.PercentileMax != 99 {
		t.Errorf("contrast defaults=%v %v %v; want true 1 99",
			s.Features.GlobalContrast, s.Features.PercentileMin, s.Features.PercentileMax)
	}
	orb, ok := s.Features.Params.(*feature.ORBSettings)
	if !ok {
		t.Fatalf("params type %T; want *feature.ORBSettings", s.Features.Params)
	}
	if orb.NFeatures != 300 || orb.FastThreshold != 40 {
		t.Errorf("nfeatures=%d fast_threshold=%d; want 300 40",
			orb.NFeatures, orb.FastThreshold)
	}
	if orb.NLevels != 8 || orb.ScoreType != "Harris" {
		t.Errorf("nlevels=%d score_type=%q; want defaults 8 Harris",
			orb.NLevels, orb.ScoreType)
	}
}

func TestSettingsPixelsDefaults(t *testing.T) {
	var s Settings
	if err := json.Unmarshal([]byte(`{"mode": "pixels"}`), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s.Pixels == nil {
		t.Fatal("pixels variant not set")
	}
	if s.Pixels.DetectEdges {
		t.Error("detect_edges=true; want false")
	}
	if !s.Pixels.GlobalContrast || s.Pixels.PercentileMin != 1 ||
		s.Pixels.PercentileMax != 99 {
		t.Errorf("contrast defaults=%v %v %v; want true 1 99",
			s.Pixels.GlobalContrast, s.Pixels.PercentileMin, s.Pixels.PercentileMax)
	}
}

func TestSettingsUnknownMode(t *testing.T) {
	var s Settings
	if err := json.Unmarshal([]byte(`{"mode": "sidereal"}`), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	err := s.Validate()
	if err == nil || err.Error() != `Unknown alignment mode "sidereal"` {
		t.Errorf("Validate()=%v; want unknown alignment mode error", err)
	}
}

func TestSettingsUnknownAlgorithm(t *testing.T) {
	var s Settings
	err := json.Unmarshal([]byte(`{"mode": "features", "algorithm": "FREAK"}`), &s)
	if err == nil || err.Error() != `Unknown feature detection algorithm "FREAK"` {
		t.Errorf("unmarshal err=%v; want unknown algorithm error", err)
	}
}

func TestSettingsSourceWithoutFileID(t *testing.T) {
	raw := `{"mode": "sources", "sources": [{"x": 1, "y": 2}]}`
	var s Settings
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	err := s.Validate()
	if err == nil || err.Error() != "Missing data file ID for at least one source" {
		t.Errorf("Validate()=%v; want missing file ID error", err)
	}
}

func TestSettingsInvalidFeatureParams(t *testing.T) {
	raw := `{"mode": "features", "algorithm": "SIFT", "descriptor_type": "64F"}`
	var s Settings
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	err := s.Validate()
	if err == nil || err.Error() != `Invalid descriptor type "64F"` {
		t.Errorf("Validate()=%v; want invalid descriptor type error", err)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	raw := `{"mode": "features", "algorithm": "AKAZE", "ratio_threshold": 0.6,
		"descriptor_size": 486, "detect_edges": true}`
	var s Settings
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	out, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, want := range []string{`"mode":"features"`, `"algorithm":"AKAZE"`,
		`"ratio_threshold":0.6`, `"descriptor_size":486`, `"detect_edges":true`} {
		if !strings.Contains(string(out), want) {
			t.Errorf("marshaled settings missing %s: %s", want, out)
		}
	}

	var back Settings
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("unmarshal round trip: %v", err)
	}
	if back.Features == nil || back.Features.RatioThreshold != 0.6 {
		t.Fatalf("round trip features=%+v; want ratio 0.6", back.Features)
	}
	akaze, ok := back.Features.Params.(*feature.AKAZESettings)
	if !ok {
		t.Fatalf("round trip params type %T; want *feature.AKAZESettings", back.Features.Params)
	}
	if akaze.DescriptorSize != 486 {
		t.Errorf("descriptor_size=%d; want 486", akaze.DescriptorSize)
	}
}

func TestSettingsMarshalDefaults(t *testing.T) {
	out, err := json.Marshal(NewSettings())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, want := range []string{`"mode":"WCS"`, `"ref_image":"central"`,
		`"prefilter":true`, `"wcs_grid_points":100`} {
		if !strings.Contains(string(out), want) {
			t.Errorf("marshaled defaults missing %s: %s", want, out)
		}
	}
}
