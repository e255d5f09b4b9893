// Package batch runs the per-unit mask pipeline over a list of ROI sets
// and collects one result entry per unit.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"roimask/internal/area"
	rimage "roimask/internal/image"
	"roimask/internal/mask"
	"roimask/internal/roi"
	"roimask/internal/tissue"
)

var (
	// ErrInvalidInput rejects a malformed unit or identifier list. It is
	// the same sentinel the mask builder uses for malformed build input.
	ErrInvalidInput = mask.ErrInvalidInput

	ErrIdentifierNotMatched = errors.New("identifier not matched")
)

// Unit is one ROI set to process. Specimen may be empty, in which case it
// is derived from ArchivePath.
type Unit struct {
	Specimen     string
	SpecimenRoot string
	ArchivePath  string
	ImageID      string
}

// Status is the outcome of a unit.
type Status string

const (
	Succeeded Status = "succeeded"
	Skipped   Status = "skipped"
	Failed    Status = "failed"
)

// State is a step of the unit pipeline.
type State int

const (
	Pending State = iota
	Identified
	Decoded
	Annotated
	Masked
	Tabulated
	Done
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Identified:
		return "identified"
	case Decoded:
		return "decoded"
	case Annotated:
		return "annotated"
	case Masked:
		return "masked"
	case Tabulated:
		return "tabulated"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Reason explains a skipped, failed or degraded unit.
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonIdentifierNotMatched Reason = "IdentifierNotMatched"
	ReasonDecodeFailed         Reason = "DecodeFailed"
	ReasonReferenceUnavailable Reason = "ReferenceUnavailable"
	ReasonInvalidRegionName    Reason = "InvalidRegionName"
	ReasonInvalidInput         Reason = "InvalidInput"
	ReasonMaskWriteFailed      Reason = "MaskWriteFailed"
	ReasonTabulationFailed     Reason = "TabulationFailed"
	ReasonCancelled            Reason = "Cancelled"
)

// ReasonFor maps an error to its reason code.
func ReasonFor(err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrIdentifierNotMatched):
		return ReasonIdentifierNotMatched
	case errors.Is(err, roi.ErrDecode):
		return ReasonDecodeFailed
	case errors.Is(err, rimage.ErrReferenceUnavailable):
		return ReasonReferenceUnavailable
	case errors.Is(err, tissue.ErrInvalidRegionName):
		return ReasonInvalidRegionName
	case errors.Is(err, rimage.ErrMaskWrite):
		return ReasonMaskWriteFailed
	case errors.Is(err, area.ErrTabulation):
		return ReasonTabulationFailed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonCancelled
	default:
		return ReasonInvalidInput
	}
}

// Entry is the result row for one unit.
type Entry struct {
	Specimen      string
	SpecimenRoot  string
	UnitPath      string
	ReferencePath string
	MaskPath      string
	ImageID       string
	Regions       int
	Area          area.Record

	Status Status
	Reason Reason
	Err    error

	// State is the last pipeline step the unit completed.
	State    State
	Degraded bool
	Duration time.Duration
}

// Warning reports whether the entry deserves a marker in the summary: a
// processed unit with no regions, or one whose counts are missing.
func (e Entry) Warning() bool {
	if e.Status == Skipped {
		return false
	}
	return e.Regions == 0 || e.Degraded
}

// Message is a short human readable cause.
func (e Entry) Message() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Reason)
}

// Result is the output of ProcessAll. Entries follow the order of the
// supplied units.
type Result struct {
	RunID    string
	Started  time.Time
	Finished time.Time
	Entries  []Entry
	Summary  Summary
}
