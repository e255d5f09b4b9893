// Command roimask checks a specimen dataset, turns every ROI set into a
// tissue label mask and writes the per tissue area table.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"roimask/internal/batch"
	"roimask/internal/config"
	"roimask/internal/cvraster"
	"roimask/internal/dataset"
	rimage "roimask/internal/image"
	"roimask/internal/logger"
	"roimask/internal/mask"
	"roimask/internal/metrics"
	"roimask/internal/raster"
	"roimask/internal/report"
	"roimask/internal/roi"
	"roimask/internal/store"
	"roimask/internal/version"
)

const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

func main() {
	config.LoadEnvFiles(".env")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// options are the flag-only settings.
type options struct {
	verbose   bool
	quiet     bool
	checkOnly bool
	version   bool
}

func parseFlags(args []string, cfg *config.Config, stderr io.Writer) (options, error) {
	var opt options
	fs := flag.NewFlagSet("roimask", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&cfg.Root, "root", cfg.Root, "Dataset root (one folder per specimen)")
	fs.StringVar(&cfg.Manifest, "manifest", cfg.Manifest, "Dataset manifest (.roiproj), overrides -root")
	fs.StringVar(&cfg.Output, "out", cfg.Output, "Mask output directory")
	fs.StringVar(&cfg.Expected, "expected", cfg.Expected, "File listing expected specimen identifiers")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Units processed concurrently")
	fs.StringVar(&cfg.MaskFormat, "format", cfg.MaskFormat, "Mask format: tif or png")
	fs.BoolVar(&cfg.WriteMasks, "masks", cfg.WriteMasks, "Write mask rasters")
	fs.StringVar(&cfg.Rasterizer, "rasterizer", cfg.Rasterizer, "Polygon fill backend: scanline or opencv")
	fs.StringVar(&cfg.FillRule, "fill", cfg.FillRule, "Fill rule: evenodd or nonzero")
	fs.StringVar(&cfg.CSVPath, "csv", cfg.CSVPath, "Write the result table as CSV")
	fs.StringVar(&cfg.JSONPath, "json", cfg.JSONPath, "Write the result as JSON")
	fs.StringVar(&cfg.MetricsFile, "metrics", cfg.MetricsFile, "Write Prometheus metrics to this textfile")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text or json")
	fs.BoolVar(&opt.verbose, "v", false, "Verbose: log every per-unit warning")
	fs.BoolVar(&opt.quiet, "q", false, "Quiet: only print the summary table")
	fs.BoolVar(&opt.checkOnly, "check", false, "Only check dataset completeness")
	fs.BoolVar(&opt.version, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return opt, err
	}
	if fs.NArg() > 0 {
		return opt, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if opt.verbose && opt.quiet {
		return opt, errors.New("-v and -q are exclusive")
	}
	switch {
	case opt.verbose:
		cfg.LogLevel = "debug"
	case opt.quiet:
		cfg.LogLevel = "warn"
	}
	return opt, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	opt, err := parseFlags(args, &cfg, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	if opt.version {
		fmt.Fprintln(stdout, version.String("roimask"))
		return exitOK
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	log := logger.SetupWriter(stderr, cfg.LogLevel, cfg.LogFormat)

	root, output, expected, err := resolveInputs(cfg)
	if err != nil {
		log.Error("input_error", "err", err)
		return exitFatal
	}

	specimens, err := dataset.Scan(root)
	if err != nil {
		log.Error("scan_failed", "root", root, "err", err)
		return exitFatal
	}
	check := dataset.Check(specimens, expected)
	if !opt.quiet || opt.checkOnly {
		report.WriteCompleteness(stdout, check)
		fmt.Fprintln(stdout)
	}
	if opt.checkOnly {
		if check.Complete() {
			return exitOK
		}
		return exitFatal
	}

	format, _ := rimage.ParseFormat(cfg.MaskFormat)
	rec := metrics.New()
	coord := &batch.Coordinator{
		Decoder:    roi.ArchiveDecoder{},
		References: rimage.DirProvider{Root: root},
		Builder:    mask.NewBuilder(rasterizer(cfg)),
		Expected:   expected,
		Identify:   dataset.SpecimenFromPath,
		Workers:    cfg.Workers,
		Logger:     log,
		Metrics:    rec,
	}
	if cfg.WriteMasks {
		coord.Masks = rimage.MaskStore{Dir: output, Format: format}
	}

	res, err := coord.ProcessAll(ctx, dataset.Units(specimens))
	if err != nil {
		log.Error("batch_rejected", "err", err)
		return exitFatal
	}

	code := exitOK
	if cfg.CSVPath != "" {
		if err := writeFile(cfg.CSVPath, func(w io.Writer) error { return report.WriteCSV(w, res) }); err != nil {
			log.Error("csv_write_failed", "path", cfg.CSVPath, "err", err)
			code = exitFatal
		}
	}
	if cfg.JSONPath != "" {
		if err := writeFile(cfg.JSONPath, func(w io.Writer) error { return report.WriteJSON(w, res) }); err != nil {
			log.Error("json_write_failed", "path", cfg.JSONPath, "err", err)
			code = exitFatal
		}
	}
	report.WriteSummary(stdout, res, opt.verbose)

	if cfg.MetricsFile != "" {
		if err := rec.WriteTextfile(cfg.MetricsFile); err != nil {
			log.Error("metrics_write_failed", "path", cfg.MetricsFile, "err", err)
			code = exitFatal
		}
	}
	if dsn := dsnFor(cfg); dsn != "" {
		if err := saveResult(ctx, dsn, res, log); err != nil {
			log.Error("db_save_failed", "run_id", res.RunID, "err", err)
			code = exitFatal
		}
	}
	return code
}

// resolveInputs applies the manifest, if any, and loads the expected list.
func resolveInputs(cfg config.Config) (root, output string, expected []string, err error) {
	root, output = cfg.Root, cfg.Output
	if cfg.Manifest != "" {
		m, err := dataset.LoadManifest(cfg.Manifest)
		if err != nil {
			return "", "", nil, fmt.Errorf("load manifest: %w", err)
		}
		root = m.RootPath(cfg.Manifest)
		if cfg.Output == config.Defaults().Output {
			output = m.OutputPath(cfg.Manifest)
		}
		expected = m.Expected
	}
	if cfg.Expected != "" {
		ids, err := dataset.LoadExpected(cfg.Expected)
		if err != nil {
			return "", "", nil, fmt.Errorf("load expected list: %w", err)
		}
		expected = ids
	}
	return root, output, expected, nil
}

func rasterizer(cfg config.Config) raster.Rasterizer {
	if cfg.Rasterizer == config.RasterizerOpenCV {
		return cvraster.FillPoly{}
	}
	rule, _ := raster.ParseFillRule(cfg.FillRule)
	return raster.NewScanline(rule)
}

func dsnFor(cfg config.Config) string {
	if cfg.PGDSN != "" {
		return cfg.PGDSN
	}
	return store.DSNFromEnv()
}

func saveResult(ctx context.Context, dsn string, res *batch.Result, log *slog.Logger) error {
	// The batch may have been interrupted; still record what finished.
	ctx = context.WithoutCancel(ctx)
	s, err := store.Open(dsn)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := s.SaveResult(ctx, res); err != nil {
		return err
	}
	log.Info("db_saved", "run_id", res.RunID, "entries", len(res.Entries))
	return nil
}

func writeFile(path string, fn func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
