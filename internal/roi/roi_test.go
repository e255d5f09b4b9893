package roi

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"unicode/utf16"

	"roimask/pkg/geometry"
)

// testROI describes a .roi file to encode.
type testROI struct {
	typ      Type
	name     string // embedded header2 name; empty for none
	xs, ys   []int16
	fxs, fys []float32 // sub-pixel coordinates, written when set
	bounds   [4]int16  // top, left, bottom, right
}

func encodeROI(r testROI) []byte {
	n := len(r.xs)
	buf := make([]byte, offCoordinates+4*n)
	copy(buf, magic)
	version := uint16(227)
	binary.BigEndian.PutUint16(buf[offVersion:], version)
	buf[offType] = byte(r.typ)
	binary.BigEndian.PutUint16(buf[offTop:], uint16(r.bounds[0]))
	binary.BigEndian.PutUint16(buf[offLeft:], uint16(r.bounds[1]))
	binary.BigEndian.PutUint16(buf[offBottom:], uint16(r.bounds[2]))
	binary.BigEndian.PutUint16(buf[offRight:], uint16(r.bounds[3]))
	binary.BigEndian.PutUint16(buf[offNCoords:], uint16(n))
	for i := 0; i < n; i++ {
		binary.BigEndian.PutUint16(buf[offCoordinates+2*i:], uint16(r.xs[i]-r.bounds[1]))
		binary.BigEndian.PutUint16(buf[offCoordinates+2*n+2*i:], uint16(r.ys[i]-r.bounds[0]))
	}
	if len(r.fxs) == n && n > 0 {
		binary.BigEndian.PutUint16(buf[offOptions:], optSubPixel)
		f := make([]byte, 8*n)
		for i := 0; i < n; i++ {
			binary.BigEndian.PutUint32(f[4*i:], math.Float32bits(r.fxs[i]))
			binary.BigEndian.PutUint32(f[4*n+4*i:], math.Float32bits(r.fys[i]))
		}
		buf = append(buf, f...)
	}
	if r.name != "" {
		h2 := len(buf)
		binary.BigEndian.PutUint32(buf[offHeader2:], uint32(h2))
		hdr := make([]byte, hdr2Size)
		chars := utf16.Encode([]rune(r.name))
		binary.BigEndian.PutUint32(hdr[hdr2NameOffset:], uint32(h2+hdr2Size))
		binary.BigEndian.PutUint32(hdr[hdr2NameLength:], uint32(len(chars)))
		buf = append(buf, hdr...)
		for _, c := range chars {
			buf = binary.BigEndian.AppendUint16(buf, c)
		}
	}
	return buf
}

func polygonROI(name string, xs, ys []int16) testROI {
	r := testROI{typ: TypePolygon, name: name, xs: xs, ys: ys}
	bb := geometry.BoundingBox(points(xs, ys))
	r.bounds = [4]int16{int16(bb.Y), int16(bb.X), int16(bb.Y + bb.Height), int16(bb.X + bb.Width)}
	return r
}

func points(xs, ys []int16) []geometry.Point2D {
	pts := make([]geometry.Point2D, len(xs))
	for i := range xs {
		pts[i] = geometry.NewPoint2D(float64(xs[i]), float64(ys[i]))
	}
	return pts
}

func writeZip(t *testing.T, path string, entries map[string][]byte, order []string) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range order {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(entries[name]); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestDecodePolygon(t *testing.T) {
	data := encodeROI(polygonROI("", []int16{10, 40, 40, 10}, []int16{5, 5, 30, 30}))
	r, err := DecodeROI("0001-0002#g", data)
	if err != nil {
		t.Fatal(err)
	}
	if r.Name != "0001-0002#g" || r.Type != TypePolygon {
		t.Errorf("got name %q type %v", r.Name, r.Type)
	}
	want := points([]int16{10, 40, 40, 10}, []int16{5, 5, 30, 30})
	if len(r.Vertices) != len(want) {
		t.Fatalf("got %d vertices", len(r.Vertices))
	}
	for i := range want {
		if r.Vertices[i] != want[i] {
			t.Errorf("vertex %d = %v, want %v", i, r.Vertices[i], want[i])
		}
	}
}

func TestDecodeEmbeddedName(t *testing.T) {
	data := encodeROI(polygonROI("cortex#w", []int16{0, 4, 4}, []int16{0, 0, 4}))
	r, err := DecodeROI("file-name", data)
	if err != nil {
		t.Fatal(err)
	}
	if r.Name != "cortex#w" {
		t.Errorf("name = %q, want embedded name", r.Name)
	}
}

func TestDecodeSubPixel(t *testing.T) {
	tr := polygonROI("", []int16{1, 3, 3}, []int16{1, 1, 3})
	tr.fxs = []float32{1.25, 3.5, 3.5}
	tr.fys = []float32{1.25, 1.25, 3.75}
	r, err := DecodeROI("sub#a", encodeROI(tr))
	if err != nil {
		t.Fatal(err)
	}
	if r.Vertices[0] != geometry.NewPoint2D(1.25, 1.25) || r.Vertices[2] != geometry.NewPoint2D(3.5, 3.75) {
		t.Errorf("sub-pixel vertices not used: %v", r.Vertices)
	}
}

func TestDecodeRectAndOval(t *testing.T) {
	rect := encodeROI(testROI{typ: TypeRect, bounds: [4]int16{2, 3, 12, 8}})
	r, err := DecodeROI("box#c", rect)
	if err != nil {
		t.Fatal(err)
	}
	if got := geometry.AbsArea(r.Vertices); got != 50 {
		t.Errorf("rect area = %v, want 50", got)
	}

	oval := encodeROI(testROI{typ: TypeOval, bounds: [4]int16{0, 0, 20, 40}})
	o, err := DecodeROI("blob#g", oval)
	if err != nil {
		t.Fatal(err)
	}
	if len(o.Vertices) < OvalPoints {
		t.Errorf("oval has %d vertices", len(o.Vertices))
	}
	area := geometry.AbsArea(o.Vertices)
	if want := math.Pi * 20 * 10; math.Abs(area-want)/want > 0.01 {
		t.Errorf("oval area = %v, want about %v", area, want)
	}
	if bb := o.Bounds(); bb.Width > 40 || bb.Width < 39.9 {
		t.Errorf("oval width = %v", bb.Width)
	}
}

// subPixelShape encodes a rect or oval whose bounds are stored as floats.
func subPixelShape(typ Type, x, y, w, h float32) []byte {
	buf := encodeROI(testROI{typ: typ})
	binary.BigEndian.PutUint16(buf[offOptions:], optSubPixel)
	for i, v := range []float32{x, y, w, h} {
		binary.BigEndian.PutUint32(buf[offX1+4*i:], math.Float32bits(v))
	}
	return buf
}

func TestDecodeSubPixelBounds(t *testing.T) {
	inf := float32(math.Inf(1))
	nan := float32(math.NaN())
	bad := map[string][]byte{
		"huge oval":     subPixelShape(TypeOval, 0, 0, 1e15, 1e15),
		"far oval":      subPixelShape(TypeOval, 1e12, 0, 10, 10),
		"infinite rect": subPixelShape(TypeRect, 0, 0, inf, 4),
		"nan rect":      subPixelShape(TypeRect, nan, 0, 4, 4),
		"negative size": subPixelShape(TypeOval, 0, 0, -5, 5),
	}
	for name, data := range bad {
		if _, err := DecodeROI(name+"#g", data); !errors.Is(err, ErrDecode) {
			t.Errorf("%s: err = %v, want ErrDecode", name, err)
		}
	}

	big, err := DecodeROI("big#g", subPixelShape(TypeOval, 0, 0, 1e6, 1e6))
	if err != nil {
		t.Fatal(err)
	}
	if len(big.Vertices) != maxOvalPoints {
		t.Errorf("large oval has %d vertices, want %d", len(big.Vertices), maxOvalPoints)
	}

	small, err := DecodeROI("small#g", subPixelShape(TypeOval, 1.5, 2.5, 4, 6))
	if err != nil {
		t.Fatal(err)
	}
	if bb := small.Bounds(); math.Abs(bb.X-1.5) > 1e-9 || math.Abs(bb.Height-6) > 1e-9 {
		t.Errorf("small oval bounds = %+v", bb)
	}
}

func TestDecodeErrors(t *testing.T) {
	good := encodeROI(polygonROI("", []int16{0, 4, 4}, []int16{0, 0, 4}))

	truncated := append([]byte(nil), good[:offCoordinates+2]...)
	badMagic := append([]byte(nil), good...)
	copy(badMagic, "Oops")
	noROI := encodeROI(testROI{typ: TypeNoROI})
	shape := append([]byte(nil), good...)
	binary.BigEndian.PutUint32(shape[offShapeSize:], 12)

	tests := map[string][]byte{
		"empty":     nil,
		"truncated": truncated,
		"bad magic": badMagic,
		"no roi":    noROI,
		"shape roi": shape,
	}
	for name, data := range tests {
		if _, err := DecodeROI(name, data); !errors.Is(err, ErrDecode) {
			t.Errorf("%s: err = %v, want ErrDecode", name, err)
		}
	}
}

func TestArchiveDecoder(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "0001.zip")
	entries := map[string][]byte{
		"b#w.roi":    encodeROI(polygonROI("", []int16{0, 5, 5}, []int16{0, 0, 5})),
		"a#g.roi":    encodeROI(polygonROI("", []int16{0, 9, 9, 0}, []int16{0, 0, 9, 9})),
		"readme.txt": []byte("ignored"),
	}
	writeZip(t, archive, entries, []string{"b#w.roi", "readme.txt", "a#g.roi"})

	regions, err := ArchiveDecoder{}.Decode(archive)
	if err != nil {
		t.Fatal(err)
	}
	if len(regions) != 2 || regions[0].Name != "b#w" || regions[1].Name != "a#g" {
		t.Fatalf("unexpected regions: %+v", regions)
	}

	data, err := os.ReadFile(archive)
	if err != nil {
		t.Fatal(err)
	}
	fromBytes, err := DecodeBytes("mem", data)
	if err != nil || len(fromBytes) != 2 {
		t.Fatalf("DecodeBytes = %d regions, %v", len(fromBytes), err)
	}

	single := filepath.Join(dir, "solo#o.roi")
	if err := os.WriteFile(single, entries["a#g.roi"], 0644); err != nil {
		t.Fatal(err)
	}
	solo, err := ArchiveDecoder{}.Decode(single)
	if err != nil || len(solo) != 1 || solo[0].Name != "solo#o" {
		t.Fatalf("single roi = %+v, %v", solo, err)
	}
}

func TestArchiveDecoderNeverPartial(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "bad.zip")
	entries := map[string][]byte{
		"a#g.roi": encodeROI(polygonROI("", []int16{0, 9, 9}, []int16{0, 0, 9})),
		"b#w.roi": []byte("garbage"),
	}
	writeZip(t, archive, entries, []string{"a#g.roi", "b#w.roi"})

	regions, err := ArchiveDecoder{}.Decode(archive)
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode", err)
	}
	if regions != nil {
		t.Errorf("partial result returned: %d regions", len(regions))
	}

	for _, p := range []string{filepath.Join(dir, "missing.zip"), filepath.Join(dir, "notes.txt")} {
		if _, err := (ArchiveDecoder{}).Decode(p); !errors.Is(err, ErrDecode) {
			t.Errorf("%s: err = %v, want ErrDecode", p, err)
		}
	}
}

func TestAnnotate(t *testing.T) {
	regions := []Region{{Name: "a#g"}, {Name: "b#w"}}
	src := Source{Specimen: "S1", ImageID: "0001", ArchivePath: "/d/S1/roi/0001.zip"}
	out := Annotate(regions, src)
	for _, r := range out {
		if r.Source != src {
			t.Errorf("region %s not annotated", r.Name)
		}
	}
	if regions[0].Source != (Source{}) {
		t.Error("Annotate modified its input")
	}
}
