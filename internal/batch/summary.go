package batch

import (
	"gonum.org/v1/gonum/stat"

	"roimask/internal/tissue"
)

// Summary aggregates a batch.
type Summary struct {
	Total     int
	Succeeded int
	Skipped   int
	Failed    int
	Degraded  int
	Warnings  int

	// Per tissue statistics over succeeded, non-degraded units, keyed by
	// tissue name. StdDev is 0 with fewer than two samples.
	TissueMean   map[string]float64
	TissueStdDev map[string]float64
}

// Summarize computes the summary of entries.
func Summarize(entries []Entry) Summary {
	s := Summary{
		Total:        len(entries),
		TissueMean:   map[string]float64{},
		TissueStdDev: map[string]float64{},
	}

	samples := make(map[tissue.Code][]float64)
	for _, e := range entries {
		switch e.Status {
		case Succeeded:
			s.Succeeded++
		case Skipped:
			s.Skipped++
		case Failed:
			s.Failed++
		}
		if e.Degraded {
			s.Degraded++
		}
		if e.Warning() {
			s.Warnings++
		}
		if e.Status != Succeeded || e.Degraded {
			continue
		}
		for _, c := range tissue.Tissues() {
			samples[c] = append(samples[c], float64(e.Area.Count(c)))
		}
	}

	for c, xs := range samples {
		name := c.String()
		if len(xs) < 2 {
			s.TissueMean[name] = stat.Mean(xs, nil)
			s.TissueStdDev[name] = 0
			continue
		}
		s.TissueMean[name], s.TissueStdDev[name] = stat.MeanStdDev(xs, nil)
	}
	return s
}
