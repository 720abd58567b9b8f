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
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/klauspost/cpuid"
	"github.com/pbnjay/memory"

	"github.com/skylign/skylign/internal/job"
	"github.com/skylign/skylign/internal/register"
	"github.com/skylign/skylign/internal/rest"
	"github.com/skylign/skylign/internal/store"
)

const version = "0.1.0"

var totalMiBs = memory.TotalMemory() / 1024 / 1024

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

var configFile = flag.String("config", "skylign.yaml", "load settings from YAML `file` if it exists")
var logFile = flag.String("log", "", "append log output to `file` in addition to stdout")

var backend = flag.String("backend", "local", "data file store backend, one of local, s3, memory")
var root = flag.String("root", "skylign-data", "data file store `directory` for the local backend")
var bucket = flag.String("bucket", "", "S3 bucket for the s3 backend")
var region = flag.String("region", "", "AWS region for the s3 backend")
var user = flag.String("user", "", "attribute created data files to `user`")
var session = flag.String("session", "", "attribute created data files to `session`")

var mode = flag.String("mode", "WCS", "alignment mode, one of WCS, sources, features, pixels")
var ref = flag.String("ref", "central", "alignment reference: central, first, last, #index, a data file ID, or blank for mosaic mode")
var prefilter = flag.Bool("prefilter", true, "skip image pairs whose sky footprints cannot overlap")
var rot = flag.Bool("rot", true, "allow rotation in the fitted transform")
var scale = flag.Bool("scale", true, "allow scaling in the fitted transform")
var skew = flag.Bool("skew", true, "allow skew in the fitted transform")
var crop = flag.Bool("crop", false, "crop aligned outputs to the region covered by image data")
var inplace = flag.Bool("inplace", false, "overwrite input data files instead of creating new ones")
var ignoreOverlap = flag.Bool("ignoreOverlap", false, "weight all mosaic graph edges equally instead of favoring strong overlaps")
var wcsGrid = flag.Int64("wcsGrid", 100, "number of grid points for fitting a transform to a WCS solution")
var maxSources = flag.Int64("maxSources", 100, "maximum number of brightest sources used for matching")
var scaleInvariant = flag.Bool("scaleInvariant", false, "use scale invariant source pattern matching")
var matchTol = flag.Float64("matchTol", 0.002, "source pattern match tolerance")
var algorithm = flag.String("algorithm", "AKAZE", "feature detection algorithm")
var ratioThresh = flag.Float64("ratioThresh", 0.5, "feature match ratio test threshold")

var left = flag.Int64("left", 0, "crop margin in pixels from the left edge")
var right = flag.Int64("right", 0, "crop margin in pixels from the right edge")
var top = flag.Int64("top", 0, "crop margin in pixels from the top edge")
var bottom = flag.Int64("bottom", 0, "crop margin in pixels from the bottom edge")

var starSig = flag.Float64("starSig", 15.0, "sigma for star detection as multiple of background scale")
var starBpSig = flag.Float64("starBpSig", 5.0, "sigma for star detection bad pixel removal, 0=off")
var starInOut = flag.Float64("starInOut", 1.4, "minimal ratio of brightness inside HFR to outside HFR for star detection")
var starRadius = flag.Int64("starRadius", 16, "radius for star detection in pixels")
var limit = flag.Int64("limit", 0, "keep only the brightest detected sources, 0=all")
var subframe = flag.String("subframe", "", "restrict extraction to `x,y,width,height`, one based")

var format = flag.String("format", "", "preview format jpeg, png or tiff; blank derives it from the output file name")
var colormap = flag.String("colormap", "", "false color map gray, heat, cool or viridis; blank for grayscale")
var low = flag.Float64("low", 1, "auto stretch low percentile for preview export")
var high = flag.Float64("high", 99, "auto stretch high percentile for preview export")
var gamma = flag.Float64("gamma", 1, "display gamma for preview export")
var quality = flag.Int64("quality", 90, "JPEG quality for preview export")

var addr = flag.String("addr", ":8080", "serve the REST API on `address`")
var watch = flag.String("watch", "", "ingest new FITS files appearing in `directory` while serving")
var chroot = flag.String("chroot", "", "serve from a chroot `directory` (requires root)")
var setuid = flag.Int64("setuid", -1, "drop to `uid` before serving, -1 to keep")

func main() {
	logWriter := io.Writer(os.Stdout)
	debug.SetGCPercent(10)
	start := time.Now()
	flag.Usage = func() {
		fmt.Fprintf(logWriter, `Skylign Copyright (c) 2026 The Skylign Authors
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] (align|crop|extract|export|import|serve|legal|version) [args]

Commands:
  align   Align data files by ID against a reference, or mosaic them when -ref is blank
  crop    Crop data files by ID by fixed margins
  extract Extract sources from data files by ID
  export  Export a preview image: export <fileID> <output file>
  import  Import FITS or TIFF files into the data store
  serve   Start the REST API server
  legal   Show license and attribution information
  version Show version information

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	// Log to file in addition to stdout, if selected
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Unable to open logfile '%s': %s\n", *logFile, err)
			os.Exit(1)
		}
		defer f.Close()
		logWriter = io.MultiWriter(os.Stdout, f)
	}

	// Enable CPU profiling if flagged
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			fmt.Fprintf(logWriter, "Could not create CPU profile: %s\n", err)
			os.Exit(1)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintf(logWriter, "Could not start CPU profile: %s\n", err)
			os.Exit(1)
		}
		defer pprof.StopCPUProfile()
	}

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(logWriter, "Error: %s\n", err)
		os.Exit(1)
	}
	applyFlagOverrides(cfg)

	switch args[0] {
	case "align", "crop", "extract", "serve":
		fmt.Fprintf(logWriter, "Skylign %s on %s, %d logical cores, AVX2 %t, %d MiB physical memory\n",
			version, cpuid.CPU.BrandName, cpuid.CPU.LogicalCores, cpuid.CPU.AVX2(), totalMiBs)
	}

	// first interrupt cancels the running command, a second one kills
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()

	switch args[0] {
	case "align":
		err = cmdAlign(ctx, cfg, logWriter, args[1:])

	case "crop":
		err = cmdCrop(ctx, cfg, logWriter, args[1:])

	case "extract":
		err = cmdExtract(ctx, cfg, logWriter, args[1:])

	case "export":
		err = cmdExport(cfg, logWriter, args[1:])

	case "import":
		err = cmdImport(cfg, logWriter, args[1:])

	case "serve":
		err = cmdServe(ctx, cfg, logWriter)

	case "legal":
		cmdLegal(logWriter)

	case "version":
		fmt.Fprintf(logWriter, "Version %s\n", version)

	case "help", "?":
		flag.Usage()

	default:
		fmt.Fprintf(logWriter, "Unknown command '%s'\n\n", args[0])
		flag.Usage()
		os.Exit(1)
	}

	fmt.Fprintf(logWriter, "\nDone after %v\n", time.Since(start))

	// Store memory profile if flagged
	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			fmt.Fprintf(logWriter, "Could not create memory profile: %s\n", err)
			os.Exit(1)
		}
		defer f.Close()
		runtime.GC() // get up-to-date statistics
		if err := pprof.Lookup("allocs").WriteTo(f, 0); err != nil {
			fmt.Fprintf(logWriter, "Could not write allocation profile: %s\n", err)
			os.Exit(1)
		}
	}

	if err != nil {
		fmt.Fprintf(logWriter, "Error: %s\n", err)
		os.Exit(1)
	}
}

// openStore opens the configured backend, scoped to the configured user
// and session for created data files
func openStore(cfg *Config, logWriter io.Writer) (*store.DataStore, error) {
	var (
		st  *store.DataStore
		err error
	)
	switch cfg.Store.Backend {
	case "", "local":
		st, err = store.OpenLocal(cfg.Store.Root, logWriter)
	case "s3":
		access, accessErr := store.NewS3AccessFromRegion(cfg.Store.Region)
		if accessErr != nil {
			return nil, accessErr
		}
		index := cfg.Store.Index
		if index == "" {
			index = "skylign.db"
		}
		st, err = store.Open(access, cfg.Store.Bucket, index, logWriter)
	case "memory":
		st, err = store.OpenMemory(logWriter)
	default:
		return nil, fmt.Errorf("Unknown store backend '%s'", cfg.Store.Backend)
	}
	if err != nil {
		return nil, err
	}
	return st.WithSession(cfg.Store.User, cfg.Store.Session), nil
}

func parseFileIDs(args []string) ([]int, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("No data file IDs given")
	}
	ids := make([]int, len(args))
	for i, a := range args {
		id, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("Invalid data file ID '%s'", a)
		}
		ids[i] = id
	}
	return ids, nil
}

// runJob executes a job in the foreground. Progress lines and per-file
// errors go to the log as the job runs
func runJob(ctx context.Context, st *store.DataStore, logWriter io.Writer, j job.Job) ([]int, error) {
	sink := job.NewProgress(logWriter)
	result, err := j.Run(ctx, st, sink)
	if len(result) > 0 {
		fmt.Fprintf(logWriter, "Produced data files %v\n", result)
	}
	if n := len(sink.Errors()); n > 0 && err == nil {
		fmt.Fprintf(logWriter, "Finished with %d per-file errors\n", n)
	}
	return result, err
}

// alignSettings assembles the registration settings for the selected
// mode from the command line flags
func alignSettings() register.Settings {
	s := register.NewSettings()
	s.Mode = *mode
	if r := strings.TrimSpace(*ref); r == "" {
		s.RefImage = nil // mosaic mode
	} else {
		s.RefImage = &r
	}
	s.Prefilter = *prefilter
	s.EnableRot = *rot
	s.EnableScale = *scale
	s.EnableSkew = *skew

	s.WCS = nil
	switch s.Mode {
	case register.ModeWCS:
		w := register.NewWCSSettings()
		w.GridPoints = int(*wcsGrid)
		s.WCS = &w
	case register.ModeSources:
		src := register.NewSourcesSettings()
		src.MaxSources = int(*maxSources)
		src.ScaleInvariant = *scaleInvariant
		src.MatchTol = float32(*matchTol)
		s.Sources = &src
	case register.ModeFeatures:
		f := register.NewFeaturesSettings()
		f.Algorithm = *algorithm
		f.RatioThreshold = float32(*ratioThresh)
		s.Features = &f
	case register.ModePixels:
		p := register.NewPixelsSettings()
		s.Pixels = &p
	}
	// an unknown mode is left without a variant for validation to report
	return s
}

func cmdAlign(ctx context.Context, cfg *Config, logWriter io.Writer, args []string) error {
	fileIDs, err := parseFileIDs(args)
	if err != nil {
		return err
	}
	st, err := openStore(cfg, logWriter)
	if err != nil {
		return err
	}
	defer st.Close()

	j := &job.AlignmentJob{
		FileIDs:       fileIDs,
		Settings:      alignSettings(),
		Inplace:       *inplace,
		Crop:          *crop,
		IgnoreOverlap: *ignoreOverlap,
	}
	_, err = runJob(ctx, st, logWriter, j)
	return err
}

func cmdCrop(ctx context.Context, cfg *Config, logWriter io.Writer, args []string) error {
	fileIDs, err := parseFileIDs(args)
	if err != nil {
		return err
	}
	st, err := openStore(cfg, logWriter)
	if err != nil {
		return err
	}
	defer st.Close()

	j := &job.CroppingJob{
		FileIDs: fileIDs,
		Settings: job.CropSettings{
			Left:   int(*left),
			Right:  int(*right),
			Top:    int(*top),
			Bottom: int(*bottom),
		},
		Inplace: *inplace,
	}
	_, err = runJob(ctx, st, logWriter, j)
	return err
}

func cmdExtract(ctx context.Context, cfg *Config, logWriter io.Writer, args []string) error {
	fileIDs, err := parseFileIDs(args)
	if err != nil {
		return err
	}
	st, err := openStore(cfg, logWriter)
	if err != nil {
		return err
	}
	defer st.Close()

	j := job.NewSourceExtractionJob()
	j.FileIDs = fileIDs
	j.Settings.Threshold = float32(*starSig)
	j.Settings.BpSigma = float32(*starBpSig)
	j.Settings.InOutRatio = float32(*starInOut)
	j.Settings.Radius = int32(*starRadius)
	j.Settings.Limit = int(*limit)
	if *subframe != "" {
		x, y, width, height, err := parseSubframe(*subframe)
		if err != nil {
			return err
		}
		j.Settings.X, j.Settings.Y = x, y
		j.Settings.Width, j.Settings.Height = width, height
	}

	if _, err := runJob(ctx, st, logWriter, j); err != nil {
		return err
	}
	m, err := json.MarshalIndent(j.Result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(logWriter, "Extracted %d sources:\n%s\n", len(j.Result), m)
	return nil
}

func parseSubframe(s string) (x, y, width, height int, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("Subframe must be x,y,width,height, got '%s'", s)
	}
	vals := make([]int, 4)
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return 0, 0, 0, 0, fmt.Errorf("Invalid subframe value '%s'", p)
		}
		vals[i] = v
	}
	return vals[0], vals[1], vals[2], vals[3], nil
}

func cmdExport(cfg *Config, logWriter io.Writer, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("Usage: %s export <fileID> <output file>", os.Args[0])
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("Invalid data file ID '%s'", args[0])
	}
	st, err := openStore(cfg, logWriter)
	if err != nil {
		return err
	}
	defer st.Close()

	img, err := st.ReadImage(id)
	if err != nil {
		return err
	}

	outFormat := *format
	if outFormat == "" {
		outFormat = strings.TrimPrefix(filepath.Ext(args[1]), ".")
	}
	min, max := img.AutoStretchBounds(float32(*low), float32(*high))

	file, err := os.Create(args[1])
	if err != nil {
		return err
	}
	defer file.Close()
	writer := bufio.NewWriter(file)
	if err := img.ExportPreview(writer, outFormat, *colormap, min, max, float32(*gamma), int(*quality)); err != nil {
		return err
	}
	return writer.Flush()
}

func cmdImport(cfg *Config, logWriter io.Writer, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("No files given to import")
	}
	st, err := openStore(cfg, logWriter)
	if err != nil {
		return err
	}
	defer st.Close()

	numErrors := 0
	for _, pattern := range args {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			matches = []string{pattern}
		}
		for _, fileName := range matches {
			id, err := st.Import(fileName)
			if err != nil {
				fmt.Fprintf(logWriter, "Cannot import %s: %s\n", fileName, err)
				numErrors++
				continue
			}
			fmt.Fprintf(logWriter, "Imported %s as data file %d\n", fileName, id)
		}
	}
	if numErrors > 0 {
		return fmt.Errorf("%d files failed to import", numErrors)
	}
	return nil
}

func cmdServe(ctx context.Context, cfg *Config, logWriter io.Writer) error {
	if err := rest.MakeSandbox(cfg.Serve.Chroot, cfg.Serve.Setuid, logWriter); err != nil {
		return err
	}
	st, err := openStore(cfg, logWriter)
	if err != nil {
		return err
	}
	defer st.Close()

	runner := job.NewRunner(st, logWriter)
	if cfg.Serve.Watch != "" {
		watcher := store.NewWatcher(st, cfg.Serve.Watch, logWriter)
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				fmt.Fprintf(logWriter, "Import watcher stopped: %s\n", err)
			}
		}()
	}

	srv := rest.NewServer(st, runner, logWriter)
	fmt.Fprintf(logWriter, "Serving API on %s\n", cfg.Serve.Addr)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(cfg.Serve.Addr) }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		fmt.Fprintf(logWriter, "Shutting down\n")
		return nil
	}
}

func cmdLegal(logWriter io.Writer) {
	fmt.Fprint(logWriter, legal)
}
