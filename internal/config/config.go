// Package config loads run settings from .env files and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	rimage "roimask/internal/image"
	"roimask/internal/raster"
)

// Rasterizer backends.
const (
	RasterizerScanline = "scanline"
	RasterizerOpenCV   = "opencv"
)

// Environment keys.
const (
	EnvRoot       = "ROIMASK_ROOT"
	EnvOutput     = "ROIMASK_OUTPUT"
	EnvManifest   = "ROIMASK_MANIFEST"
	EnvExpected   = "ROIMASK_EXPECTED"
	EnvWorkers    = "ROIMASK_WORKERS"
	EnvMaskFormat = "ROIMASK_MASK_FORMAT"
	EnvWriteMasks = "ROIMASK_WRITE_MASKS"
	EnvRasterizer = "ROIMASK_RASTERIZER"
	EnvFillRule   = "ROIMASK_FILL_RULE"
	EnvCSV        = "ROIMASK_CSV"
	EnvJSON       = "ROIMASK_JSON"
	EnvMetrics    = "ROIMASK_METRICS_FILE"
	EnvLogLevel   = "LOG_LEVEL"
	EnvLogFormat  = "LOG_FORMAT"
	EnvPGDSN      = "PG_DSN"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds the settings of one batch run.
type Config struct {
	Root     string
	Output   string
	Manifest string
	Expected string // path of the expected identifier list

	Workers    int
	MaskFormat string
	WriteMasks bool
	Rasterizer string
	FillRule   string

	LogLevel  string
	LogFormat string

	CSVPath     string
	JSONPath    string
	MetricsFile string
	PGDSN       string
}

// Defaults returns the built in settings.
func Defaults() Config {
	return Config{
		Output:     "masks",
		Workers:    1,
		MaskFormat: string(rimage.FormatTIFF),
		WriteMasks: true,
		Rasterizer: RasterizerScanline,
		FillRule:   raster.EvenOdd.String(),
		LogLevel:   "info",
		LogFormat:  "text",
	}
}

// LoadEnvFiles loads .env style files into the process environment.
// Missing files are ignored and existing variables are kept.
func LoadEnvFiles(paths ...string) {
	for _, p := range paths {
		_ = godotenv.Load(p)
	}
}

// FromEnv applies environment variables over Defaults.
func FromEnv() (Config, error) {
	return FromLookup(os.LookupEnv)
}

// FromLookup applies the variables returned by lookup over Defaults.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	c := Defaults()
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str(EnvRoot, &c.Root)
	str(EnvOutput, &c.Output)
	str(EnvManifest, &c.Manifest)
	str(EnvExpected, &c.Expected)
	str(EnvMaskFormat, &c.MaskFormat)
	str(EnvRasterizer, &c.Rasterizer)
	str(EnvFillRule, &c.FillRule)
	str(EnvCSV, &c.CSVPath)
	str(EnvJSON, &c.JSONPath)
	str(EnvMetrics, &c.MetricsFile)
	str(EnvLogLevel, &c.LogLevel)
	str(EnvLogFormat, &c.LogFormat)
	str(EnvPGDSN, &c.PGDSN)

	if v, ok := lookup(EnvWorkers); ok && v != "" {
		if strings.EqualFold(v, "auto") {
			c.Workers = runtime.NumCPU()
		} else {
			n, err := strconv.Atoi(v)
			if err != nil {
				return c, fmt.Errorf("%w: %s=%q: %v", ErrInvalid, EnvWorkers, v, err)
			}
			c.Workers = n
		}
	}
	if v, ok := lookup(EnvWriteMasks); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return c, fmt.Errorf("%w: %s=%q: %v", ErrInvalid, EnvWriteMasks, v, err)
		}
		c.WriteMasks = b
	}
	return c, nil
}

// Validate checks the settings and reports every problem found.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Root == "" && c.Manifest == "" {
		bad("a dataset root or manifest is required")
	}
	if c.Workers < 1 {
		bad("workers must be at least 1, got %d", c.Workers)
	}
	if _, ok := rimage.ParseFormat(c.MaskFormat); !ok {
		bad("unknown mask format %q", c.MaskFormat)
	}
	if c.Rasterizer != RasterizerScanline && c.Rasterizer != RasterizerOpenCV {
		bad("unknown rasterizer %q", c.Rasterizer)
	}
	rule, ok := raster.ParseFillRule(c.FillRule)
	if !ok {
		bad("unknown fill rule %q", c.FillRule)
	}
	if c.Rasterizer == RasterizerOpenCV && rule == raster.NonZero {
		bad("the opencv rasterizer supports only the evenodd fill rule")
	}
	if f := strings.ToLower(c.LogFormat); f != "text" && f != "json" {
		bad("unknown log format %q", c.LogFormat)
	}
	if c.WriteMasks && c.Output == "" && c.Manifest == "" {
		bad("an output directory is required to write masks")
	}
	return errors.Join(errs...)
}
