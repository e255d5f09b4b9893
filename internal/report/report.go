// Package report renders batch results and dataset checks.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"roimask/internal/batch"
	"roimask/internal/dataset"
	"roimask/internal/tissue"
)

// Columns is the fixed CSV header.
func Columns() []string {
	cols := []string{"specimen", "specimen_root", "unit_path", "reference_path", "mask_path", "image_id", "regions"}
	for _, c := range tissue.Tissues() {
		cols = append(cols, c.String())
	}
	return append(cols, "status", "reason")
}

// WriteCSV writes one row per entry.
func WriteCSV(w io.Writer, res *batch.Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns()); err != nil {
		return err
	}
	for _, e := range res.Entries {
		row := []string{e.Specimen, e.SpecimenRoot, e.UnitPath, e.ReferencePath, e.MaskPath, e.ImageID, strconv.Itoa(e.Regions)}
		for _, c := range tissue.Tissues() {
			row = append(row, strconv.Itoa(e.Area.Count(c)))
		}
		row = append(row, string(e.Status), string(e.Reason))
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

type jsonEntry struct {
	Specimen      string         `json:"specimen"`
	SpecimenRoot  string         `json:"specimen_root"`
	UnitPath      string         `json:"unit_path"`
	ReferencePath string         `json:"reference_path,omitempty"`
	MaskPath      string         `json:"mask_path,omitempty"`
	ImageID       string         `json:"image_id"`
	Regions       int            `json:"regions"`
	Area          map[string]int `json:"area"`
	Status        string         `json:"status"`
	Reason        string         `json:"reason,omitempty"`
	Error         string         `json:"error,omitempty"`
	State         string         `json:"state"`
	Degraded      bool           `json:"degraded,omitempty"`
	Warning       bool           `json:"warning,omitempty"`
	DurationMs    int64          `json:"duration_ms"`
}

type jsonResult struct {
	RunID    string        `json:"run_id"`
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished"`
	Entries  []jsonEntry   `json:"entries"`
	Summary  batch.Summary `json:"summary"`
}

// WriteJSON writes the result as an indented JSON document.
func WriteJSON(w io.Writer, res *batch.Result) error {
	out := jsonResult{
		RunID:    res.RunID,
		Started:  res.Started,
		Finished: res.Finished,
		Entries:  make([]jsonEntry, 0, len(res.Entries)),
		Summary:  res.Summary,
	}
	for _, e := range res.Entries {
		je := jsonEntry{
			Specimen:      e.Specimen,
			SpecimenRoot:  e.SpecimenRoot,
			UnitPath:      e.UnitPath,
			ReferencePath: e.ReferencePath,
			MaskPath:      e.MaskPath,
			ImageID:       e.ImageID,
			Regions:       e.Regions,
			Area:          e.Area.Map(),
			Status:        string(e.Status),
			Reason:        string(e.Reason),
			State:         e.State.String(),
			Degraded:      e.Degraded,
			Warning:       e.Warning(),
			DurationMs:    e.Duration.Milliseconds(),
		}
		if e.Err != nil {
			je.Error = e.Err.Error()
		}
		out.Entries = append(out.Entries, je)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// WriteSummary prints the result table. Units with zero regions or
// missing counts are marked with "!". Verbose adds the cause of every
// skipped, failed or degraded unit.
func WriteSummary(w io.Writer, res *batch.Result, verbose bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprint(tw, " \tSPECIMEN\tIMAGE\tREGIONS")
	for _, c := range tissue.Tissues() {
		fmt.Fprintf(tw, "\t%s", c.String())
	}
	fmt.Fprint(tw, "\tSTATUS\tREASON\n")

	for _, e := range res.Entries {
		mark := " "
		if e.Warning() {
			mark = "!"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d", mark, e.Specimen, e.ImageID, e.Regions)
		for _, c := range tissue.Tissues() {
			fmt.Fprintf(tw, "\t%d", e.Area.Count(c))
		}
		fmt.Fprintf(tw, "\t%s\t%s\n", e.Status, e.Reason)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	s := res.Summary
	fmt.Fprintf(w, "\n%d units: %d succeeded, %d skipped, %d failed", s.Total, s.Succeeded, s.Skipped, s.Failed)
	if s.Degraded > 0 {
		fmt.Fprintf(w, ", %d degraded", s.Degraded)
	}
	if s.Warnings > 0 {
		fmt.Fprintf(w, ", %d with warnings", s.Warnings)
	}
	fmt.Fprintln(w)

	if len(s.TissueMean) > 0 && s.Succeeded > s.Degraded {
		for _, c := range tissue.Tissues() {
			name := c.String()
			fmt.Fprintf(w, "  %-12s mean %12.1f  sd %12.1f\n", name, s.TissueMean[name], s.TissueStdDev[name])
		}
	}

	if verbose {
		for _, e := range res.Entries {
			if e.Status == batch.Succeeded && !e.Degraded {
				continue
			}
			fmt.Fprintf(w, "  %s/%s: %s %s: %s\n", e.Specimen, e.ImageID, e.Status, e.Reason, e.Message())
		}
	}
	_, err := fmt.Fprintf(w, "run %s\n", res.RunID)
	return err
}

// WriteCompleteness prints the dataset check, grouped by specimen.
func WriteCompleteness(w io.Writer, rep dataset.Report) error {
	fmt.Fprintf(w, "Dataset: %d specimens, %d archives\n", rep.Specimens, rep.Archives)
	if rep.Complete() {
		_, err := fmt.Fprintln(w, "Complete: no issues found")
		return err
	}

	issues := append([]dataset.Issue(nil), rep.Issues...)
	sort.SliceStable(issues, func(i, j int) bool {
		return issues[i].Specimen < issues[j].Specimen
	})
	fmt.Fprintf(w, "Incomplete: %d issues\n", len(issues))
	for _, is := range issues {
		target := is.Specimen
		if is.ImageID != "" {
			target += "/" + is.ImageID
		}
		fmt.Fprintf(w, "  %-24s %s\n", target, is.Problem)
	}
	return nil
}
