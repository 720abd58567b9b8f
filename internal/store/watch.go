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

package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// Watcher ingests image files appearing in a directory into the
// store. Files already present when the watcher starts are ingested
// too
type Watcher struct {
	store *DataStore
	dir   string
	log   io.Writer

	// QuietPeriod is how long a file must sit unchanged before it is
	// ingested; a copy in flight triggers a stream of write events
	QuietPeriod time.Duration
}

func NewWatcher(store *DataStore, dir string, logWriter io.Writer) *Watcher {
	if logWriter == nil {
		logWriter = io.Discard
	}
	return &Watcher{store: store, dir: dir, log: logWriter, QuietPeriod: time.Second}
}

// Run watches the directory until the context is canceled and returns
// the context error. Import failures are logged and do not stop the
// watcher
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating import watcher")
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return errors.Wrapf(err, "watching %s", w.dir)
	}
	fmt.Fprintf(w.log, "Watching %s for new data files\n", w.dir)

	quiet := w.QuietPeriod
	if quiet <= 0 {
		quiet = time.Second
	}
	interval := quiet / 2
	if interval < time.Millisecond {
		interval = time.Millisecond
	}

	// paths waiting out their quiet period, by last event time
	pending := map[string]time.Time{}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return errors.Wrapf(err, "scanning %s", w.dir)
	}
	startup := time.Now().Add(-quiet)
	for _, e := range entries {
		if !e.IsDir() && isDataFile(e.Name()) {
			pending[filepath.Join(w.dir, e.Name())] = startup
		}
	}

	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 || !isDataFile(ev.Name) {
				continue
			}
			pending[ev.Name] = time.Now()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(w.log, "Import watcher error: %v\n", err)

		case now := <-tick.C:
			for name, last := range pending {
				if now.Sub(last) < quiet {
					continue
				}
				delete(pending, name)
				id, err := w.store.Import(name)
				if err != nil {
					fmt.Fprintf(w.log, "Cannot import %s: %v\n", name, err)
					continue
				}
				fmt.Fprintf(w.log, "Imported %s as data file %d\n", name, id)
			}
		}
	}
}

func isDataFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".fits", ".fit", ".fts", ".tif", ".tiff":
		return true
	case ".gz", ".gzip":
		return isDataFile(strings.TrimSuffix(name, filepath.Ext(name)))
	}
	return false
}
