// Command slidethumb writes a whole-slide thumbnail. It renders the
// deepest pyramid level that is still at least the target size through the
// affine renderer and then scales to the exact width with Catmull-Rom
// filtering.
package main

import (
	"flag"
	"fmt"
	"image"
	"log"
	"os"
	"strings"

	"golang.org/x/image/draw"

	"github.com/pyushkevich/histoannot/internal/affine"
	"github.com/pyushkevich/histoannot/internal/encode"
	"github.com/pyushkevich/histoannot/internal/view"

	_ "github.com/pyushkevich/histoannot/internal/tiff"
)

func main() {
	var (
		width      int
		format     string
		quality    int
		cacheTiles int
		output     string
	)

	flag.IntVar(&width, "width", 512, "Thumbnail width in pixels")
	flag.StringVar(&format, "format", "png", "Output encoding: jpeg, png, webp")
	flag.IntVar(&quality, "quality", 85, "JPEG/WebP quality 1-100")
	flag.IntVar(&cacheTiles, "tiles", 64, "Tile cache capacity")
	flag.StringVar(&output, "o", "", "Output file (default: derived from input)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: slidethumb [flags] <slide>\n\n")
		fmt.Fprintf(os.Stderr, "Write a thumbnail of a whole-slide image.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	args := flag.Args()
	if len(args) != 1 || width < 1 {
		flag.Usage()
		os.Exit(1)
	}
	slidePath := args[0]

	enc, err := encode.NewEncoder(format, quality)
	if err != nil {
		log.Fatal(err)
	}

	cache, err := view.NewCache(cacheTiles)
	if err != nil {
		log.Fatal(err)
	}

	v, err := view.Open(cache, slidePath, 0, 0)
	if err != nil {
		log.Fatal(err)
	}
	defer v.Close()

	w0, h0, err := v.LevelDimensions(0)
	if err != nil {
		log.Fatal(err)
	}

	// Render the deepest level that still oversamples the thumbnail.
	level := v.BestLevelForDownsample(float64(w0) / float64(width))
	lw, lh, err := v.LevelDimensions(level)
	if err != nil {
		log.Fatal(err)
	}

	buf := make([]byte, 4*lw*lh)
	if err := v.ReadRegion(level, 0, 0, lw, lh, affine.Identity(), buf); err != nil {
		log.Fatalf("Rendering level %d: %v", level, err)
	}

	src := &image.RGBA{
		Pix:    buf,
		Stride: 4 * int(lw),
		Rect:   image.Rect(0, 0, int(lw), int(lh)),
	}

	height := int(float64(width) * float64(h0) / float64(w0))
	if height < 1 {
		height = 1
	}
	thumb := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(thumb, thumb.Bounds(), src, src.Bounds(), draw.Src, nil)

	data, err := enc.Encode(thumb)
	if err != nil {
		log.Fatalf("Encoding: %v", err)
	}

	if output == "" {
		base := strings.TrimSuffix(slidePath, ".tif")
		base = strings.TrimSuffix(base, ".tiff")
		output = base + "_thumb" + enc.FileExtension()
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		log.Fatalf("Writing %s: %v", output, err)
	}
	log.Printf("Wrote %s (%dx%d from level %d)", output, width, height, level)
}
