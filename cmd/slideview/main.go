// Command slideview renders an affine-transformed region of a whole-slide
// image to an image file. The transform maps destination canvas coordinates
// (level-0 units) to slide level-0 coordinates and is given either as a full
// matrix or composed from -rotate/-scale/-translate, applied in that order.
package main

import (
	"flag"
	"fmt"
	"image"
	"log"
	"math"
	"os"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"

	"github.com/pyushkevich/histoannot/internal/affine"
	"github.com/pyushkevich/histoannot/internal/encode"
	"github.com/pyushkevich/histoannot/internal/view"

	_ "github.com/pyushkevich/histoannot/internal/tiff"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		level       int
		region      string
		matrixSpec  string
		rotateDeg   float64
		scale       float64
		translate   string
		format      string
		quality     int
		cacheTiles  int
		output      string
		showVersion bool
		cpuProfile  string
		memProfile  string
	)

	flag.IntVar(&level, "level", 0, "Pyramid level to render")
	flag.StringVar(&region, "region", "", "Destination rectangle x,y,w,h: origin in level-0 units, size in output pixels (required)")
	flag.StringVar(&matrixSpec, "matrix", "", "Canvas-to-slide affine as 6 values a,b,c,d,e,f (rows [a b c] and [d e f])")
	flag.Float64Var(&rotateDeg, "rotate", 0, "Rotation in degrees (ignored with -matrix)")
	flag.Float64Var(&scale, "scale", 1, "Uniform scale factor (ignored with -matrix)")
	flag.StringVar(&translate, "translate", "", "Translation dx,dy in level-0 units (ignored with -matrix)")
	flag.StringVar(&format, "format", "png", "Output encoding: jpeg, png, webp")
	flag.IntVar(&quality, "quality", 85, "JPEG/WebP quality 1-100")
	flag.IntVar(&cacheTiles, "tiles", 64, "Tile cache capacity")
	flag.StringVar(&output, "o", "", "Output file (default: derived from input)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.StringVar(&cpuProfile, "cpuprofile", "", "Write CPU profile to file")
	flag.StringVar(&memProfile, "memprofile", "", "Write memory profile to file")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: slideview [flags] <slide>\n\n")
		fmt.Fprintf(os.Stderr, "Render an affine-transformed region of a whole-slide image\n")
		fmt.Fprintf(os.Stderr, "to an image file.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("slideview %s (commit %s, built %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	if cpuProfile != "" {
		f, err := os.Create(cpuProfile)
		if err != nil {
			log.Fatalf("Creating CPU profile: %v", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatalf("Starting CPU profile: %v", err)
		}
		defer pprof.StopCPUProfile()
	}

	if memProfile != "" {
		defer func() {
			f, err := os.Create(memProfile)
			if err != nil {
				log.Fatalf("Creating memory profile: %v", err)
			}
			defer f.Close()
			runtime.GC()
			if err := pprof.WriteHeapProfile(f); err != nil {
				log.Fatalf("Writing memory profile: %v", err)
			}
		}()
	}

	args := flag.Args()
	if len(args) != 1 || region == "" {
		flag.Usage()
		os.Exit(1)
	}
	slidePath := args[0]

	rx, ry, rw, rh, err := parseRegion(region)
	if err != nil {
		log.Fatalf("Bad -region: %v", err)
	}

	m, err := buildTransform(matrixSpec, rotateDeg, scale, translate)
	if err != nil {
		log.Fatalf("Bad transform: %v", err)
	}

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

	buf := make([]byte, 4*rw*rh)
	if err := v.ReadRegion(level, rx, ry, rw, rh, m, buf); err != nil {
		log.Fatalf("Rendering: %v", err)
	}

	img := &image.RGBA{
		Pix:    buf,
		Stride: 4 * int(rw),
		Rect:   image.Rect(0, 0, int(rw), int(rh)),
	}

	data, err := enc.Encode(img)
	if err != nil {
		log.Fatalf("Encoding: %v", err)
	}

	if output == "" {
		base := strings.TrimSuffix(slidePath, ".tif")
		base = strings.TrimSuffix(base, ".tiff")
		output = base + enc.FileExtension()
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		log.Fatalf("Writing %s: %v", output, err)
	}
	log.Printf("Wrote %s (%dx%d, %d bytes)", output, rw, rh, len(data))
}

// parseRegion parses "x,y,w,h".
func parseRegion(s string) (x, y, w, h int64, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("want 4 comma-separated values, got %q", s)
	}
	vals := make([]int64, 4)
	for i, p := range parts {
		vals[i], err = strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return 0, 0, 0, 0, err
		}
	}
	if vals[2] <= 0 || vals[3] <= 0 {
		return 0, 0, 0, 0, fmt.Errorf("region size must be positive, got %dx%d", vals[2], vals[3])
	}
	return vals[0], vals[1], vals[2], vals[3], nil
}

// buildTransform assembles the canvas-to-slide matrix from the flags.
func buildTransform(matrixSpec string, rotateDeg, scale float64, translate string) (affine.Matrix, error) {
	if matrixSpec != "" {
		parts := strings.Split(matrixSpec, ",")
		if len(parts) != 6 {
			return affine.Matrix{}, fmt.Errorf("-matrix wants 6 comma-separated values, got %q", matrixSpec)
		}
		vals := make([]float64, 6)
		for i, p := range parts {
			v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return affine.Matrix{}, err
			}
			vals[i] = v
		}
		return affine.Matrix{
			{vals[0], vals[1], vals[2]},
			{vals[3], vals[4], vals[5]},
			{0, 0, 1},
		}, nil
	}

	m := affine.Identity()
	if rotateDeg != 0 {
		m = affine.Rotate(rotateDeg * math.Pi / 180).Mul(m)
	}
	if scale != 1 {
		m = affine.Scale(scale, scale).Mul(m)
	}
	if translate != "" {
		parts := strings.Split(translate, ",")
		if len(parts) != 2 {
			return affine.Matrix{}, fmt.Errorf("-translate wants dx,dy, got %q", translate)
		}
		dx, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil {
			return affine.Matrix{}, err
		}
		dy, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return affine.Matrix{}, err
		}
		m = affine.Translate(dx, dy).Mul(m)
	}
	return m, nil
}
