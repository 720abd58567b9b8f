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

package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("loadConfig error %v; want nil", err)
	}
	if cfg.Store.Backend != "local" {
		t.Errorf("backend=%q; want %q", cfg.Store.Backend, "local")
	}
	if cfg.Store.Root != "skylign-data" {
		t.Errorf("root=%q; want %q", cfg.Store.Root, "skylign-data")
	}
	if cfg.Serve.Addr != ":8080" {
		t.Errorf("addr=%q; want %q", cfg.Serve.Addr, ":8080")
	}
	if cfg.Serve.Setuid != -1 {
		t.Errorf("setuid=%d; want -1", cfg.Serve.Setuid)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skylign.yaml")
	data := []byte(`store:
  backend: s3
  bucket: skylign-test
  region: eu-central-1
  user: alice
serve:
  addr: ":9090"
  watch: /srv/incoming
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig error %v; want nil", err)
	}
	if cfg.Store.Backend != "s3" {
		t.Errorf("backend=%q; want %q", cfg.Store.Backend, "s3")
	}
	if cfg.Store.Bucket != "skylign-test" {
		t.Errorf("bucket=%q; want %q", cfg.Store.Bucket, "skylign-test")
	}
	if cfg.Store.Region != "eu-central-1" {
		t.Errorf("region=%q; want %q", cfg.Store.Region, "eu-central-1")
	}
	if cfg.Store.User != "alice" {
		t.Errorf("user=%q; want %q", cfg.Store.User, "alice")
	}
	if cfg.Serve.Addr != ":9090" {
		t.Errorf("addr=%q; want %q", cfg.Serve.Addr, ":9090")
	}
	if cfg.Serve.Watch != "/srv/incoming" {
		t.Errorf("watch=%q; want %q", cfg.Serve.Watch, "/srv/incoming")
	}
	// fields the file does not mention keep their defaults
	if cfg.Store.Root != "skylign-data" {
		t.Errorf("root=%q; want %q", cfg.Store.Root, "skylign-data")
	}
	if cfg.Serve.Setuid != -1 {
		t.Errorf("setuid=%d; want -1", cfg.Serve.Setuid)
	}
}

func TestLoadConfigBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skylign.yaml")
	if err := os.WriteFile(path, []byte("store: ["), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(path); err == nil {
		t.Errorf("loadConfig error=nil; want parse error")
	}
}

func TestApplyFlagOverrides(t *testing.T) {
	// Set marks the flags as visited, so they override the file values
	if err := flag.Set("backend", "memory"); err != nil {
		t.Fatal(err)
	}
	if err := flag.Set("addr", ":7070"); err != nil {
		t.Fatal(err)
	}

	cfg := defaultConfig()
	cfg.Store.Backend = "s3"
	cfg.Serve.Addr = ":9090"
	applyFlagOverrides(cfg)

	if cfg.Store.Backend != "memory" {
		t.Errorf("backend=%q; want %q", cfg.Store.Backend, "memory")
	}
	if cfg.Serve.Addr != ":7070" {
		t.Errorf("addr=%q; want %q", cfg.Serve.Addr, ":7070")
	}
	// flags left at their defaults do not touch the file values
	if cfg.Store.Root != "skylign-data" {
		t.Errorf("root=%q; want %q", cfg.Store.Root, "skylign-data")
	}
}

func TestParseSubframe(t *testing.T) {
	x, y, w, h, err := parseSubframe("10, 20, 640, 480")
	if err != nil {
		t.Fatalf("parseSubframe error %v; want nil", err)
	}
	if x != 10 || y != 20 || w != 640 || h != 480 {
		t.Errorf("subframe=(%d,%d,%d,%d); want (10,20,640,480)", x, y, w, h)
	}

	for _, bad := range []string{"", "1,2,3", "1,2,3,4,5", "a,2,3,4"} {
		if _, _, _, _, err := parseSubframe(bad); err == nil {
			t.Errorf("parseSubframe(%q) error=nil; want error", bad)
		}
	}
}

func TestParseFileIDs(t *testing.T) {
	ids, err := parseFileIDs([]string{"3", "1", "4"})
	if err != nil {
		t.Fatalf("parseFileIDs error %v; want nil", err)
	}
	if len(ids) != 3 || ids[0] != 3 || ids[1] != 1 || ids[2] != 4 {
		t.Errorf("ids=%v; want [3 1 4]", ids)
	}

	if _, err := parseFileIDs(nil); err == nil {
		t.Errorf("parseFileIDs(nil) error=nil; want error")
	}
	if _, err := parseFileIDs([]string{"seven"}); err == nil {
		t.Errorf("parseFileIDs(seven) error=nil; want error")
	}
}
