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
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the settings loaded from the YAML configuration file.
// Command line flags that were set explicitly take precedence
type Config struct {
	Store struct {
		// Backend selects the data file store, one of local, s3, memory
		Backend string `yaml:"backend"`
		Root    string `yaml:"root"`
		Bucket  string `yaml:"bucket"`
		Region  string `yaml:"region"`
		// Index is the SQLite index path, or the index object key on s3
		Index   string `yaml:"index"`
		User    string `yaml:"user"`
		Session string `yaml:"session"`
	} `yaml:"store"`

	Serve struct {
		Addr string `yaml:"addr"`
		// Watch names a directory whose new FITS files are imported
		// automatically while serving; blank disables watching
		Watch  string `yaml:"watch"`
		Chroot string `yaml:"chroot"`
		Setuid int    `yaml:"setuid"`
	} `yaml:"serve"`
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Store.Backend = "local"
	cfg.Store.Root = "skylign-data"
	cfg.Serve.Addr = ":8080"
	cfg.Serve.Setuid = -1
	return cfg
}

// loadConfig reads the configuration file, falling back to defaults when
// the file does not exist
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	return cfg, nil
}

// applyFlagOverrides copies explicitly set command line flags over the
// loaded configuration
func applyFlagOverrides(cfg *Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "backend":
			cfg.Store.Backend = *backend
		case "root":
			cfg.Store.Root = *root
		case "bucket":
			cfg.Store.Bucket = *bucket
		case "region":
			cfg.Store.Region = *region
		case "user":
			cfg.Store.User = *user
		case "session":
			cfg.Store.Session = *session
		case "addr":
			cfg.Serve.Addr = *addr
		case "watch":
			cfg.Serve.Watch = *watch
		case "chroot":
			cfg.Serve.Chroot = *chroot
		case "setuid":
			cfg.Serve.Setuid = int(*setuid)
		}
	})
}
