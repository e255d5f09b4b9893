package batch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"roimask/internal/area"
	rimage "roimask/internal/image"
	"roimask/internal/mask"
	"roimask/internal/metrics"
	"roimask/internal/roi"
)

// Decoder turns an archive into its region set.
type Decoder interface {
	Decode(path string) ([]roi.Region, error)
}

// ReferenceProvider returns the reference image for a specimen image.
type ReferenceProvider interface {
	Reference(specimen, imageID string) (rimage.Reference, error)
}

// MaskWriter persists a finished mask and returns where it went.
type MaskWriter interface {
	Write(m *mask.Mask, specimen, imageID string) (string, error)
}

// MaskBuilder builds a mask of the given size.
type MaskBuilder interface {
	Build(regions []roi.Region, height, width int) (*mask.Mask, error)
}

// Coordinator runs units through identify, decode, annotate, mask and
// tabulate. Per-unit failures are recorded in the unit's entry and never
// stop the batch.
type Coordinator struct {
	Decoder    Decoder
	References ReferenceProvider
	Builder    MaskBuilder

	// Masks persists masks when set.
	Masks MaskWriter

	// Expected restricts the accepted specimen identifiers. Empty accepts
	// every identifier.
	Expected []string

	// Identify derives the specimen of a unit that has none.
	Identify func(archivePath string) (string, bool)

	// Tabulate defaults to area.Tabulate.
	Tabulate func(area.Grid) (area.Record, error)

	// Workers bounds the number of units in flight. Values below 1 mean 1.
	Workers int

	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// ProcessAll processes units and returns one entry per unit, in the order
// supplied. An error is returned only for invalid input. When ctx is
// cancelled no further units are started, units not yet started are
// recorded as skipped, and the partial result is returned.
func (c *Coordinator) ProcessAll(ctx context.Context, units []Unit) (*Result, error) {
	expected, err := c.validate(units)
	if err != nil {
		return nil, err
	}
	log := c.Logger
	if log == nil {
		log = slog.Default()
	}

	res := &Result{RunID: uuid.NewString(), Started: time.Now()}
	log = log.With("run_id", res.RunID)
	log.Info("batch_start", "units", len(units), "workers", c.workers())

	entries := make([]Entry, len(units))
	started := make([]bool, len(units))

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < c.workers(); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if ctx.Err() != nil {
					continue
				}
				started[i] = true
				entries[i] = c.process(units[i], expected, log)
			}
		}()
	}

dispatch:
	for i := range units {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	cancelled := 0
	for i, ok := range started {
		if ok {
			continue
		}
		u := units[i]
		entries[i] = Entry{
			Specimen:     u.Specimen,
			SpecimenRoot: u.SpecimenRoot,
			UnitPath:     u.ArchivePath,
			ImageID:      u.ImageID,
			Status:       Skipped,
			Reason:       ReasonCancelled,
			Err:          ctx.Err(),
		}
		cancelled++
	}
	if cancelled > 0 {
		log.Info("batch_cancelled", "not_started", cancelled)
	}

	for _, e := range entries {
		c.Metrics.ObserveUnit(string(e.Status), e.Regions, e.Area.Map(), e.Duration)
	}

	res.Entries = entries
	res.Summary = Summarize(entries)
	res.Finished = time.Now()
	c.Metrics.RunFinished(res.Finished)
	log.Info("batch_done",
		"succeeded", res.Summary.Succeeded,
		"skipped", res.Summary.Skipped,
		"failed", res.Summary.Failed,
		"degraded", res.Summary.Degraded,
		"duration_ms", res.Finished.Sub(res.Started).Milliseconds(),
	)
	return res, nil
}

func (c *Coordinator) workers() int {
	if c.Workers < 1 {
		return 1
	}
	return c.Workers
}

func (c *Coordinator) validate(units []Unit) (map[string]bool, error) {
	if len(units) == 0 {
		return nil, fmt.Errorf("%w: no units", ErrInvalidInput)
	}
	for i, u := range units {
		if strings.TrimSpace(u.ArchivePath) == "" {
			return nil, fmt.Errorf("%w: unit %d has no archive path", ErrInvalidInput, i)
		}
	}
	if c.Decoder == nil || c.References == nil || c.Builder == nil {
		return nil, fmt.Errorf("%w: coordinator needs a decoder, reference provider and builder", ErrInvalidInput)
	}

	expected := make(map[string]bool, len(c.Expected))
	for _, id := range c.Expected {
		if strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("%w: blank expected identifier", ErrInvalidInput)
		}
		if expected[id] {
			return nil, fmt.Errorf("%w: duplicate expected identifier %q", ErrInvalidInput, id)
		}
		expected[id] = true
	}
	return expected, nil
}

// process runs one unit. It owns nothing shared except the logger.
func (c *Coordinator) process(u Unit, expected map[string]bool, log *slog.Logger) Entry {
	start := time.Now()
	e := Entry{
		Specimen:     u.Specimen,
		SpecimenRoot: u.SpecimenRoot,
		UnitPath:     u.ArchivePath,
		ImageID:      u.ImageID,
		State:        Pending,
	}
	ulog := log.With("unit", u.ArchivePath)

	finish := func(s Status, reason Reason, err error) Entry {
		e.Status, e.Reason, e.Err = s, reason, err
		e.Duration = time.Since(start)
		switch s {
		case Skipped:
			ulog.Info("unit_skipped", "specimen", e.Specimen, "reason", string(reason), "err", err)
		case Failed:
			ulog.Info("unit_failed", "specimen", e.Specimen, "state", e.State.String(), "reason", string(reason), "err", err)
		default:
			ulog.Debug("unit_done", "specimen", e.Specimen, "regions", e.Regions, "tissue_px", e.Area.Tissue(), "duration_ms", e.Duration.Milliseconds())
		}
		return e
	}

	// identify
	if e.Specimen == "" && c.Identify != nil {
		if id, ok := c.Identify(u.ArchivePath); ok {
			e.Specimen = id
		}
	}
	if e.Specimen == "" {
		return finish(Skipped, ReasonIdentifierNotMatched, fmt.Errorf("%w: cannot derive specimen from %s", ErrIdentifierNotMatched, u.ArchivePath))
	}
	if len(expected) > 0 && !expected[e.Specimen] {
		return finish(Skipped, ReasonIdentifierNotMatched, fmt.Errorf("%w: %q not expected", ErrIdentifierNotMatched, e.Specimen))
	}
	if e.ImageID == "" {
		e.ImageID = imageIDFromPath(u.ArchivePath)
	}
	e.State = Identified

	// decode
	regions, err := c.Decoder.Decode(u.ArchivePath)
	if err != nil {
		return finish(Failed, ReasonDecodeFailed, err)
	}
	e.Regions = len(regions)
	e.State = Decoded
	ulog.Debug("unit_decoded", "regions", e.Regions)

	// annotate
	regions = roi.Annotate(regions, roi.Source{Specimen: e.Specimen, ImageID: e.ImageID, ArchivePath: u.ArchivePath})
	e.State = Annotated

	// mask
	ref, err := c.References.Reference(e.Specimen, e.ImageID)
	if err != nil {
		return finish(Failed, ReasonReferenceUnavailable, err)
	}
	e.ReferencePath = ref.Path
	m, err := c.Builder.Build(regions, ref.Height, ref.Width)
	if err != nil {
		return finish(Failed, ReasonFor(err), err)
	}
	if c.Masks != nil {
		path, err := c.Masks.Write(m, e.Specimen, e.ImageID)
		if err != nil {
			return finish(Failed, ReasonMaskWriteFailed, err)
		}
		e.MaskPath = path
		ulog.Debug("mask_written", "path", path)
	}
	e.State = Masked

	// tabulate
	tabulate := c.Tabulate
	if tabulate == nil {
		tabulate = area.Tabulate
	}
	rec, err := tabulate(m)
	if err != nil {
		e.Area = area.Record{}
		e.Degraded = true
		e.Reason = ReasonTabulationFailed
		e.Err = err
		ulog.Info("tabulation_degraded", "specimen", e.Specimen, "err", err)
	} else {
		e.Area = rec
	}
	e.State = Tabulated

	e.State = Done
	return finish(Succeeded, e.Reason, e.Err)
}

func imageIDFromPath(p string) string {
	base := filepath.Base(p)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
