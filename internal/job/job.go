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

// Package job runs data file processing jobs: image alignment with
// optional mosaicing and cropping, standalone cropping, and source
// extraction. Jobs operate on a data file store through a narrow
// interface, report progress and per-file errors to a sink, and honor
// cooperative cancellation at per-file and per-pair boundaries.
package job

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/skylign/skylign/internal/fits"
	"github.com/skylign/skylign/internal/register"
)

// Store is the data file backend jobs operate on. ReadHeader returns an
// image with header and dimensions but no pixel data. WriteImage
// overwrites a data file in place; CreateImage appends a new data file
// and returns its handle. Both refresh the persisted width and height
// from the image dimensions
type Store interface {
	ReadImage(fileID int) (*fits.Image, error)
	ReadHeader(fileID int) (*fits.Image, error)
	WriteImage(fileID int, img *fits.Image) error
	CreateImage(img *fits.Image) (int, error)
}

// Sink receives progress updates and per-file errors while a job runs.
// Percent counts within the current stage; stages are numbered from
// zero. Calls are fire and forget; a fileID of zero or less means the
// error is not tied to a particular data file
type Sink interface {
	UpdateProgress(percent float64, stage, totalStages int)
	AddError(err error, fileID int)
}

// Job is one runnable unit of work. Run returns the handles of the data
// files it produced or modified; recoverable per-file failures go to the
// sink, fatal conditions abort with an error
type Job interface {
	Type() string
	Run(ctx context.Context, store Store, sink Sink) ([]int, error)
}

// New returns an empty job of the given type, ready for JSON decoding
func New(jobType string) (Job, error) {
	switch jobType {
	case "alignment":
		return &AlignmentJob{Settings: register.NewSettings()}, nil
	case "cropping":
		return &CroppingJob{}, nil
	case "source_extraction":
		return NewSourceExtractionJob(), nil
	}
	return nil, fmt.Errorf(`Unknown job type "%s"`, jobType)
}

// ValidationError reports an invalid job parameter. Validation failures
// abort the whole job before any data file is touched
type ValidationError struct {
	Field   string
	Message string
	Code    int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// FileError is one recoverable failure attributed to a data file
type FileError struct {
	FileID int
	Err    error
}

func (e FileError) Error() string {
	if e.FileID <= 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("data file %d: %v", e.FileID, e.Err)
}

func (e FileError) Unwrap() error { return e.Err }

// Progress collects job state in memory and optionally logs progress
// lines. Safe for concurrent use, so a poller may snapshot the state
// while the job runs
type Progress struct {
	// Log receives one line whenever the integer percentage advances;
	// nil disables logging
	Log io.Writer

	mu          sync.Mutex
	percent     float64
	stage       int
	totalStages int
	errors      []FileError
	lastLogged  int
}

// NewProgress returns a sink logging to the given writer, which may be
// nil
func NewProgress(log io.Writer) *Progress {
	return &Progress{Log: log, totalStages: 1, lastLogged: -1}
}

func (p *Progress) UpdateProgress(percent float64, stage, totalStages int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if stage != p.stage {
		p.lastLogged = -1
	}
	p.percent, p.stage, p.totalStages = percent, stage, totalStages
	if p.Log != nil {
		if pct := int(percent); pct != p.lastLogged {
			fmt.Fprintf(p.Log, "stage %d/%d: %3d%%\n", stage+1, totalStages, pct)
			p.lastLogged = pct
		}
	}
}

func (p *Progress) AddError(err error, fileID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errors = append(p.errors, FileError{FileID: fileID, Err: err})
	if p.Log != nil {
		fmt.Fprintf(p.Log, "error: %v\n", FileError{FileID: fileID, Err: err})
	}
}

// Snapshot returns the current progress and a copy of the error list
func (p *Progress) Snapshot() (percent float64, stage, totalStages int, errs []FileError) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.percent, p.stage, p.totalStages, append([]FileError(nil), p.errors...)
}

// Errors returns a copy of the errors collected so far
func (p *Progress) Errors() []FileError {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]FileError(nil), p.errors...)
}

// historyTimestamp formats the moment a FITS history entry is stamped,
// UTC with microseconds
func historyTimestamp() string {
	return time.Now().UTC().Format("2006-01-02 15:04:05.000000")
}

// nameOrID identifies a data file in history entries by its stored name
// when it has one
func nameOrID(img *fits.Image) string {
	if img.FileName != "" {
		return img.FileName
	}
	return fmt.Sprintf("%d", img.ID)
}
