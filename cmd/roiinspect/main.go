// Command roiinspect decodes one ROI archive and prints its regions, and
// optionally the mask and area record they produce.
package main

import (
	"flag"
	"fmt"
	"image"
	"image/png"
	"os"
	"strings"

	"roimask/internal/area"
	"roimask/internal/cvraster"
	rimage "roimask/internal/image"
	"roimask/internal/mask"
	"roimask/internal/raster"
	"roimask/internal/roi"
	"roimask/internal/tissue"
	"roimask/internal/version"
	"roimask/pkg/geometry"
)

func main() {
	roiPath := flag.String("roi", "", "Path to ROI archive (.zip or .roi)")
	refPath := flag.String("ref", "", "Reference image giving the mask size")
	height := flag.Int("height", 0, "Mask height in pixels")
	width := flag.Int("width", 0, "Mask width in pixels")
	outPath := flag.String("out", "", "Write the mask (.tif or .png)")
	previewPath := flag.String("preview", "", "Write a colored preview PNG, blended over -ref when given")
	fill := flag.String("fill", "evenodd", "Fill rule: evenodd or nonzero")
	useCV := flag.Bool("opencv", false, "Fill polygons with OpenCV")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("roiinspect"))
		return
	}
	if *roiPath == "" {
		fmt.Println("Usage: roiinspect -roi <archive> [-ref <image> | -height H -width W] [-out mask.tif] [-preview qc.png] [-fill evenodd|nonzero] [-opencv]")
		os.Exit(2)
	}
	rule, ok := raster.ParseFillRule(*fill)
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown fill rule %q\n", *fill)
		os.Exit(2)
	}

	regions, err := roi.ArchiveDecoder{}.Decode(*roiPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to decode archive: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Archive: %s\n", *roiPath)
	fmt.Printf("\nDecoded %d regions:\n", len(regions))
	fmt.Printf("%-24s %-9s %-12s %4s %8s %28s %18s %12s\n",
		"Name", "Type", "Tier", "Code", "Vertices", "Bounds", "Centroid", "Area")
	fmt.Println(strings.Repeat("-", 123))

	invalid := 0
	for _, r := range regions {
		tierName, code := "invalid", "-"
		if s, err := tissue.ParseSuffix(r.Name); err == nil {
			tierName = tissue.Tiers()[tissue.TierOf(s)].Name
			c, _ := tissue.CodeOf(s)
			code = fmt.Sprintf("%d", c)
		} else {
			invalid++
		}
		b := r.Bounds()
		c := geometry.Centroid(r.Vertices)
		fmt.Printf("%-24s %-9s %-12s %4s %8d %28s %18s %12.1f\n",
			truncate(r.Name, 24), r.Type, tierName, code, len(r.Vertices),
			fmt.Sprintf("(%.1f,%.1f %.1fx%.1f)", b.X, b.Y, b.Width, b.Height),
			fmt.Sprintf("(%.1f,%.1f)", c.X, c.Y),
			geometry.AbsArea(r.Vertices))
	}
	if invalid > 0 {
		fmt.Printf("\n%d regions have an unrecognized suffix\n", invalid)
	}

	h, w := *height, *width
	if *refPath != "" {
		ref, err := rimage.Probe(*refPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read reference image: %v\n", err)
			os.Exit(1)
		}
		h, w = ref.Height, ref.Width
		fmt.Printf("\nReference: %s %dx%d", ref.Format, ref.Width, ref.Height)
		if ref.DPI > 0 {
			fmt.Printf(" at %.0f DPI", ref.DPI)
		}
		fmt.Println()
	}
	if h <= 0 || w <= 0 {
		return
	}
	if n := clipped(regions, w, h); n > 0 {
		fmt.Printf("\n%d regions extend past the %dx%d grid and are clipped\n", n, w, h)
	}

	var rz raster.Rasterizer = raster.NewScanline(rule)
	if *useCV {
		rz = cvraster.FillPoly{}
	}
	m, stats, err := mask.NewBuilder(rz).BuildWithStats(regions, h, w)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Mask build failed: %v\n", err)
		os.Exit(1)
	}
	rec, err := area.Tabulate(m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Tabulation failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nMask %dx%d, %d spans\n", w, h, stats.Spans)
	for i, t := range tissue.Tiers() {
		fmt.Printf("  tier %-12s regions %d\n", t.Name, stats.TierRegions[i])
	}
	fmt.Printf("\n%-12s %12s %8s\n", "Tissue", "Pixels", "Share")
	total := float64(h * w)
	for _, c := range tissue.Tissues() {
		n := rec.Count(c)
		fmt.Printf("%-12s %12d %7.2f%%\n", c, n, 100*float64(n)/total)
	}
	fmt.Printf("%-12s %12d %7.2f%%\n", "background", rec.Background(), 100*float64(rec.Background())/total)

	if *outPath != "" {
		f, ok := rimage.FormatForPath(*outPath)
		if !ok {
			fmt.Fprintf(os.Stderr, "Unsupported mask extension: %s\n", *outPath)
			os.Exit(2)
		}
		if err := rimage.WriteMaskFile(*outPath, m, f); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write mask: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\nMask written to %s\n", *outPath)
	}

	if *previewPath != "" {
		if err := writePreview(*previewPath, m, *refPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write preview: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Preview written to %s\n", *previewPath)
	}
}

func writePreview(path string, m *mask.Mask, refPath string) error {
	var base image.Image
	if refPath != "" {
		img, err := rimage.LoadImage(refPath)
		if err != nil {
			return err
		}
		base = img
	}
	preview, err := rimage.RenderPreview(m, base, 0.4)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, preview); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// clipped counts regions with a vertex outside the w x h grid.
func clipped(regions []roi.Region, w, h int) int {
	grid := geometry.NewRect(0, 0, float64(w), float64(h))
	n := 0
	for _, r := range regions {
		for _, v := range r.Vertices {
			if !grid.Contains(v) {
				n++
				break
			}
		}
	}
	return n
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "~"
}
