// Package tissue defines the tissue codes written into masks and the
// ordered suffix tiers that decide which code wins where regions overlap.
package tissue

import (
	"errors"
	"fmt"
	"strings"
)

// Code is the label stored in one mask pixel.
type Code uint8

const (
	Background  Code = 0
	Gray        Code = 1 // Neocortical and inner gray matter
	White       Code = 2
	Cerebellum  Code = 3
	Archicortex Code = 4

	// NumCodes is the number of known codes including background.
	NumCodes = 5
)

func (c Code) String() string {
	switch c {
	case Background:
		return "background"
	case Gray:
		return "gray"
	case White:
		return "white"
	case Cerebellum:
		return "cerebellum"
	case Archicortex:
		return "archicortex"
	default:
		return fmt.Sprintf("code(%d)", uint8(c))
	}
}

// Known reports whether c is one of the defined codes.
func (c Code) Known() bool {
	return c < NumCodes
}

// Tissues returns the non-background codes in code order. This is the
// fixed column schema of area records and result tables.
func Tissues() []Code {
	return []Code{Gray, White, Cerebellum, Archicortex}
}

// Suffix is the two-character token that ends a region name.
type Suffix string

const (
	SuffixGray        Suffix = "#g"
	SuffixInner       Suffix = "#i"
	SuffixArchicortex Suffix = "#a"
	SuffixWhite       Suffix = "#w"
	SuffixCerebellum  Suffix = "#c"
	SuffixOuter       Suffix = "#o"
)

// ErrInvalidRegionName is returned when a region name does not end in a
// recognized suffix.
var ErrInvalidRegionName = errors.New("invalid region name")

// Tier is one overwrite pass: every region whose suffix is listed is
// rasterized and its pixels are set to Code.
type Tier struct {
	Name     string
	Suffixes []Suffix
	Code     Code
}

// Has reports whether s belongs to the tier.
func (t Tier) Has(s Suffix) bool {
	for _, ts := range t.Suffixes {
		if ts == s {
			return true
		}
	}
	return false
}

// tiers is applied in order; a later tier overwrites an earlier one.
// Outer-only must stay last so it can clear everything underneath it.
var tiers = []Tier{
	{Name: "gray", Suffixes: []Suffix{SuffixGray, SuffixInner}, Code: Gray},
	{Name: "archicortex", Suffixes: []Suffix{SuffixArchicortex}, Code: Archicortex},
	{Name: "white", Suffixes: []Suffix{SuffixWhite}, Code: White},
	{Name: "cerebellum", Suffixes: []Suffix{SuffixCerebellum}, Code: Cerebellum},
	{Name: "outer", Suffixes: []Suffix{SuffixOuter}, Code: Background},
}

// Tiers returns a copy of the ordered tier list.
func Tiers() []Tier {
	out := make([]Tier, len(tiers))
	for i, t := range tiers {
		t.Suffixes = append([]Suffix(nil), t.Suffixes...)
		out[i] = t
	}
	return out
}

// TierOf returns the index into Tiers() of the tier that owns s, or -1.
func TierOf(s Suffix) int {
	for i, t := range tiers {
		if t.Has(s) {
			return i
		}
	}
	return -1
}

// CodeOf returns the code written for suffix s.
func CodeOf(s Suffix) (Code, bool) {
	i := TierOf(s)
	if i < 0 {
		return Background, false
	}
	return tiers[i].Code, true
}

// ParseSuffix extracts and validates the suffix of a region name.
// Trailing whitespace is ignored; matching is case sensitive.
func ParseSuffix(name string) (Suffix, error) {
	trimmed := strings.TrimRight(name, " \t\r\n")
	if len(trimmed) < 2 {
		return "", fmt.Errorf("%w: %q is too short for a suffix", ErrInvalidRegionName, name)
	}
	s := Suffix(trimmed[len(trimmed)-2:])
	if TierOf(s) < 0 {
		return "", fmt.Errorf("%w: %q has unknown suffix %q", ErrInvalidRegionName, name, string(s))
	}
	return s, nil
}
