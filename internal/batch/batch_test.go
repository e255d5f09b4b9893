package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"roimask/internal/area"
	rimage "roimask/internal/image"
	"roimask/internal/mask"
	"roimask/internal/metrics"
	"roimask/internal/roi"
	"roimask/internal/tissue"
	"roimask/pkg/geometry"
)

type fakeDecoder struct {
	sets   map[string][]roi.Region
	onCall func(path string)
}

func (d fakeDecoder) Decode(path string) ([]roi.Region, error) {
	if d.onCall != nil {
		d.onCall(path)
	}
	regions, ok := d.sets[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s: not a zip file", roi.ErrDecode, path)
	}
	return regions, nil
}

type fakeRefs struct {
	height, width int
	missing       map[string]bool
}

func (r fakeRefs) Reference(specimen, imageID string) (rimage.Reference, error) {
	if r.missing[specimen+"/"+imageID] {
		return rimage.Reference{}, fmt.Errorf("%w: %s/%s", rimage.ErrReferenceUnavailable, specimen, imageID)
	}
	return rimage.Reference{
		Path:   filepath.Join("/data", specimen, "images", imageID+".tif"),
		Height: r.height,
		Width:  r.width,
	}, nil
}

type failingWriter struct{}

func (failingWriter) Write(*mask.Mask, string, string) (string, error) {
	return "", fmt.Errorf("%w: disk full", rimage.ErrMaskWrite)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rect(name string, x, y, w, h float64) roi.Region {
	return roi.Region{Name: name, Type: roi.TypeRect, Vertices: geometry.NewRect(x, y, w, h).Corners()}
}

// grayWithHole covers a 10x10 grid in gray and clears a 3x3 block.
func grayWithHole() []roi.Region {
	return []roi.Region{rect("cortex#g", 0, 0, 10, 10), rect("hole#o", 0, 0, 3, 3)}
}

func unit(specimen, id string) Unit {
	return Unit{
		Specimen:     specimen,
		SpecimenRoot: filepath.Join("/data", specimen),
		ArchivePath:  filepath.Join("/data", specimen, "roi", id+".zip"),
		ImageID:      id,
	}
}

func newCoordinator(sets map[string][]roi.Region) *Coordinator {
	return &Coordinator{
		Decoder:    fakeDecoder{sets: sets},
		References: fakeRefs{height: 10, width: 10},
		Builder:    mask.NewBuilder(nil),
		Logger:     quietLogger(),
	}
}

func TestDecodeFailureIsolated(t *testing.T) {
	units := []Unit{unit("S1", "0001"), unit("S1", "0002"), unit("S1", "0003")}
	c := newCoordinator(map[string][]roi.Region{
		units[0].ArchivePath: grayWithHole(),
		units[2].ArchivePath: grayWithHole(),
	})

	res, err := c.ProcessAll(context.Background(), units)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(res.Entries))
	}
	for _, i := range []int{0, 2} {
		e := res.Entries[i]
		if e.Status != Succeeded || e.State != Done {
			t.Errorf("entry %d: status %s state %s", i, e.Status, e.State)
		}
		if e.Area.Count(tissue.Gray) != 91 || e.Area.Background() != 9 || e.Regions != 2 {
			t.Errorf("entry %d: gray %d background %d regions %d", i, e.Area.Count(tissue.Gray), e.Area.Background(), e.Regions)
		}
		if e.ReferencePath == "" || e.UnitPath != units[i].ArchivePath || e.ImageID != units[i].ImageID {
			t.Errorf("entry %d not fully populated: %+v", i, e)
		}
	}
	bad := res.Entries[1]
	if bad.Status != Failed || bad.Reason != ReasonDecodeFailed || bad.State != Identified {
		t.Errorf("entry 1: status %s reason %s state %s", bad.Status, bad.Reason, bad.State)
	}
	if !errors.Is(bad.Err, roi.ErrDecode) {
		t.Errorf("entry 1 err = %v", bad.Err)
	}
	if s := res.Summary; s.Succeeded != 2 || s.Failed != 1 || s.Skipped != 0 || s.Total != 3 {
		t.Errorf("summary %+v", s)
	}
	if res.RunID == "" {
		t.Error("missing run id")
	}
}

func TestIdentify(t *testing.T) {
	derived := Unit{ArchivePath: "/data/S2/roi/0001.zip", ImageID: "0001"}
	underived := Unit{ArchivePath: "/elsewhere/0001.zip"}
	unexpected := unit("S9", "0001")
	sets := map[string][]roi.Region{
		derived.ArchivePath:    grayWithHole(),
		underived.ArchivePath:  grayWithHole(),
		unexpected.ArchivePath: grayWithHole(),
	}
	c := newCoordinator(sets)
	c.Expected = []string{"S1", "S2"}
	c.Identify = func(p string) (string, bool) {
		if p == derived.ArchivePath {
			return "S2", true
		}
		return "", false
	}

	res, err := c.ProcessAll(context.Background(), []Unit{derived, underived, unexpected})
	if err != nil {
		t.Fatal(err)
	}
	if e := res.Entries[0]; e.Status != Succeeded || e.Specimen != "S2" {
		t.Errorf("derived: %s %q", e.Status, e.Specimen)
	}
	for _, i := range []int{1, 2} {
		e := res.Entries[i]
		if e.Status != Skipped || e.Reason != ReasonIdentifierNotMatched || e.State != Pending {
			t.Errorf("entry %d: %s %s %s", i, e.Status, e.Reason, e.State)
		}
		if !errors.Is(e.Err, ErrIdentifierNotMatched) {
			t.Errorf("entry %d err = %v", i, e.Err)
		}
		if e.Warning() {
			t.Errorf("entry %d: skipped units carry no warning", i)
		}
	}
	if res.Entries[1].ImageID != "" {
		t.Errorf("image id set before identification: %q", res.Entries[1].ImageID)
	}
}

func TestImageIDDerived(t *testing.T) {
	u := Unit{Specimen: "S1", ArchivePath: "/data/S1/roi/0042.zip"}
	c := newCoordinator(map[string][]roi.Region{u.ArchivePath: grayWithHole()})
	res, err := c.ProcessAll(context.Background(), []Unit{u})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Entries[0].ImageID; got != "0042" {
		t.Errorf("image id = %q, want 0042", got)
	}
}

func TestPerUnitFailures(t *testing.T) {
	units := []Unit{
		unit("S1", "bad-suffix"),
		unit("S1", "no-ref"),
		unit("S1", "empty"),
		unit("S1", "ok"),
	}
	c := newCoordinator(map[string][]roi.Region{
		units[0].ArchivePath: {rect("cortex#g", 0, 0, 10, 10), rect("oops#x", 1, 1, 2, 2)},
		units[1].ArchivePath: grayWithHole(),
		units[2].ArchivePath: {},
		units[3].ArchivePath: grayWithHole(),
	})
	c.References = fakeRefs{height: 10, width: 10, missing: map[string]bool{"S1/no-ref": true}}

	res, err := c.ProcessAll(context.Background(), units)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		status  Status
		reason  Reason
		state   State
		warning bool
	}{
		{Failed, ReasonInvalidRegionName, Annotated, false},
		{Failed, ReasonReferenceUnavailable, Annotated, false},
		{Failed, ReasonInvalidInput, Annotated, true},
		{Succeeded, ReasonNone, Done, false},
	}
	for i, tt := range tests {
		e := res.Entries[i]
		if e.Status != tt.status || e.Reason != tt.reason || e.State != tt.state || e.Warning() != tt.warning {
			t.Errorf("entry %d (%s): got %s/%s/%s warning=%v, want %s/%s/%s warning=%v",
				i, e.ImageID, e.Status, e.Reason, e.State, e.Warning(), tt.status, tt.reason, tt.state, tt.warning)
		}
	}
	if !errors.Is(res.Entries[0].Err, tissue.ErrInvalidRegionName) {
		t.Errorf("bad suffix err = %v", res.Entries[0].Err)
	}
	if !errors.Is(res.Entries[2].Err, ErrInvalidInput) {
		t.Errorf("empty set err = %v", res.Entries[2].Err)
	}
	if res.Entries[3].Area.Count(tissue.Gray) != 91 {
		t.Errorf("healthy unit corrupted: %v", res.Entries[3].Area.Map())
	}
	if res.Summary.Warnings != 1 {
		t.Errorf("warnings = %d, want 1", res.Summary.Warnings)
	}
}

func TestDegradedTabulation(t *testing.T) {
	units := []Unit{unit("S1", "0001"), unit("S1", "0002")}
	c := newCoordinator(map[string][]roi.Region{
		units[0].ArchivePath: grayWithHole(),
		units[1].ArchivePath: grayWithHole(),
	})
	calls := 0
	c.Tabulate = func(g area.Grid) (area.Record, error) {
		calls++
		if calls == 1 {
			return area.Record{}, fmt.Errorf("%w: malformed grid", area.ErrTabulation)
		}
		return area.Tabulate(g)
	}

	res, err := c.ProcessAll(context.Background(), units)
	if err != nil {
		t.Fatal(err)
	}
	e := res.Entries[0]
	if e.Status != Succeeded || e.State != Done || !e.Degraded || e.Reason != ReasonTabulationFailed {
		t.Errorf("degraded entry: %+v", e)
	}
	if !e.Area.Zero() || !e.Warning() {
		t.Errorf("degraded entry should hold a zero record and a warning")
	}
	if res.Entries[1].Degraded || res.Entries[1].Area.Count(tissue.Gray) != 91 {
		t.Errorf("second entry: %+v", res.Entries[1])
	}
	if s := res.Summary; s.Succeeded != 2 || s.Degraded != 1 || s.Warnings != 1 {
		t.Errorf("summary %+v", s)
	}
	if got := res.Summary.TissueMean["gray"]; got != 91 {
		t.Errorf("degraded unit leaked into statistics: mean %v", got)
	}
}

func TestWarnLevelSilentForUnitOutcomes(t *testing.T) {
	var buf bytes.Buffer
	warnOnly := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))

	units := []Unit{unit("S1", "0001"), unit("S1", "0002")}
	c := newCoordinator(map[string][]roi.Region{units[0].ArchivePath: grayWithHole()})
	c.Logger = warnOnly
	c.Tabulate = func(area.Grid) (area.Record, error) {
		return area.Record{}, fmt.Errorf("%w: malformed grid", area.ErrTabulation)
	}
	if _, err := c.ProcessAll(context.Background(), units); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := c.ProcessAll(ctx, units)
	if err != nil {
		t.Fatal(err)
	}
	if res.Entries[0].Reason != ReasonCancelled {
		t.Errorf("entry 0 reason = %s, want Cancelled", res.Entries[0].Reason)
	}
	if buf.Len() != 0 {
		t.Errorf("warn level logger received:\n%s", buf.String())
	}
}

func TestMaskPersistence(t *testing.T) {
	u := unit("S1", "0001")
	sets := map[string][]roi.Region{u.ArchivePath: grayWithHole()}

	c := newCoordinator(sets)
	c.Masks = rimage.MaskStore{Dir: t.TempDir(), Format: rimage.FormatPNG}
	res, err := c.ProcessAll(context.Background(), []Unit{u})
	if err != nil {
		t.Fatal(err)
	}
	e := res.Entries[0]
	if e.Status != Succeeded || e.MaskPath == "" {
		t.Fatalf("entry %+v", e)
	}
	back, err := rimage.ReadMask(e.MaskPath)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := area.Tabulate(back)
	if err != nil || rec != e.Area {
		t.Errorf("persisted mask tabulates to %v, entry has %v (%v)", rec.Map(), e.Area.Map(), err)
	}

	c = newCoordinator(sets)
	c.Masks = failingWriter{}
	res, err = c.ProcessAll(context.Background(), []Unit{u})
	if err != nil {
		t.Fatal(err)
	}
	if e := res.Entries[0]; e.Status != Failed || e.Reason != ReasonMaskWriteFailed || e.State != Annotated {
		t.Errorf("write failure: %s %s %s", e.Status, e.Reason, e.State)
	}
}

func TestOrderPreservedWithWorkers(t *testing.T) {
	sets := map[string][]roi.Region{}
	var units []Unit
	for i := 0; i < 24; i++ {
		u := unit(fmt.Sprintf("S%02d", i%5), fmt.Sprintf("%04d", i))
		units = append(units, u)
		// i+1 columns of gray, one row of white at the bottom
		sets[u.ArchivePath] = []roi.Region{
			rect("g#g", 0, 0, float64(i%10+1), 10),
			rect("w#w", 0, 9, 10, 1),
		}
	}
	c := newCoordinator(sets)
	c.Workers = 4

	res, err := c.ProcessAll(context.Background(), units)
	if err != nil {
		t.Fatal(err)
	}
	for i, e := range res.Entries {
		if e.UnitPath != units[i].ArchivePath {
			t.Fatalf("entry %d is %s, want %s", i, e.UnitPath, units[i].ArchivePath)
		}
		want := (i%10 + 1) * 9
		if got := e.Area.Count(tissue.Gray); got != want {
			t.Errorf("entry %d gray = %d, want %d", i, got, want)
		}
		if got := e.Area.Count(tissue.White); got != 10 {
			t.Errorf("entry %d white = %d, want 10", i, got)
		}
	}
}

func TestCancellation(t *testing.T) {
	units := []Unit{unit("S1", "0001"), unit("S1", "0002"), unit("S1", "0003")}
	sets := map[string][]roi.Region{}
	for _, u := range units {
		sets[u.ArchivePath] = grayWithHole()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newCoordinator(sets)
	c.Decoder = fakeDecoder{sets: sets, onCall: func(string) { cancel() }}

	res, err := c.ProcessAll(ctx, units)
	if err != nil {
		t.Fatalf("cancelled batch returned error %v", err)
	}
	if len(res.Entries) != 3 {
		t.Fatalf("got %d entries", len(res.Entries))
	}
	if e := res.Entries[0]; e.Status != Succeeded {
		t.Errorf("in-flight unit: %s %v", e.Status, e.Err)
	}
	for _, e := range res.Entries[1:] {
		if e.Status != Skipped || e.Reason != ReasonCancelled || !errors.Is(e.Err, context.Canceled) {
			t.Errorf("%s: %s %s %v", e.ImageID, e.Status, e.Reason, e.Err)
		}
	}

	res, err = c.ProcessAll(ctx, units)
	if err != nil {
		t.Fatal(err)
	}
	if res.Summary.Skipped != 3 {
		t.Errorf("already cancelled context: skipped = %d, want 3", res.Summary.Skipped)
	}
}

func TestInvalidInput(t *testing.T) {
	good := []Unit{unit("S1", "0001")}
	tests := []struct {
		name     string
		units    []Unit
		expected []string
	}{
		{"no units", nil, nil},
		{"missing archive path", []Unit{{Specimen: "S1", ImageID: "0001"}}, nil},
		{"blank expected", good, []string{"S1", " "}},
		{"duplicate expected", good, []string{"S1", "S2", "S1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCoordinator(nil)
			c.Expected = tt.expected
			res, err := c.ProcessAll(context.Background(), tt.units)
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
			if res != nil {
				t.Error("result returned with fatal error")
			}
		})
	}

	if _, err := (&Coordinator{}).ProcessAll(context.Background(), good); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("unconfigured coordinator: err = %v", err)
	}
}

func TestSummaryStatistics(t *testing.T) {
	entries := []Entry{
		{Status: Succeeded, Regions: 2, Area: area.Record{}.With(tissue.Gray, 91).With(tissue.White, 4)},
		{Status: Succeeded, Regions: 1, Area: area.Record{}.With(tissue.Gray, 100)},
		{Status: Failed, Reason: ReasonDecodeFailed},
		{Status: Skipped, Reason: ReasonCancelled},
	}
	s := Summarize(entries)
	if s.Succeeded != 2 || s.Failed != 1 || s.Skipped != 1 || s.Warnings != 1 {
		t.Errorf("counts %+v", s)
	}
	if s.TissueMean["gray"] != 95.5 || s.TissueMean["white"] != 2 {
		t.Errorf("means %v", s.TissueMean)
	}
	if got, want := s.TissueStdDev["gray"], math.Sqrt(40.5); math.Abs(got-want) > 1e-9 {
		t.Errorf("gray stddev = %v, want %v", got, want)
	}

	single := Summarize(entries[:1])
	if single.TissueStdDev["gray"] != 0 || single.TissueMean["gray"] != 91 {
		t.Errorf("single sample: %v %v", single.TissueMean, single.TissueStdDev)
	}
}

func TestReasonFor(t *testing.T) {
	tests := []struct {
		err  error
		want Reason
	}{
		{nil, ReasonNone},
		{fmt.Errorf("x: %w", ErrIdentifierNotMatched), ReasonIdentifierNotMatched},
		{fmt.Errorf("x: %w", roi.ErrDecode), ReasonDecodeFailed},
		{fmt.Errorf("x: %w", rimage.ErrReferenceUnavailable), ReasonReferenceUnavailable},
		{fmt.Errorf("x: %w", tissue.ErrInvalidRegionName), ReasonInvalidRegionName},
		{fmt.Errorf("x: %w", rimage.ErrMaskWrite), ReasonMaskWriteFailed},
		{fmt.Errorf("x: %w", area.ErrTabulation), ReasonTabulationFailed},
		{mask.ErrEmptyRegionSet, ReasonInvalidInput},
		{context.Canceled, ReasonCancelled},
	}
	for _, tt := range tests {
		if got := ReasonFor(tt.err); got != tt.want {
			t.Errorf("ReasonFor(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestMetricsRecorded(t *testing.T) {
	units := []Unit{unit("S1", "0001"), unit("S1", "0002")}
	c := newCoordinator(map[string][]roi.Region{units[0].ArchivePath: grayWithHole()})
	c.Metrics = metrics.New()

	if _, err := c.ProcessAll(context.Background(), units); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(c.Metrics.UnitsTotal.WithLabelValues("succeeded")); got != 1 {
		t.Errorf("succeeded = %v", got)
	}
	if got := testutil.ToFloat64(c.Metrics.UnitsTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed = %v", got)
	}
	if got := testutil.ToFloat64(c.Metrics.TissuePixels.WithLabelValues("gray")); got != 91 {
		t.Errorf("gray pixels = %v", got)
	}
}

func TestStateString(t *testing.T) {
	if Tabulated.String() != "tabulated" || State(42).String() != "State(42)" {
		t.Error("state names")
	}
}
