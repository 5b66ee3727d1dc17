package main

import (
	"fmt"
	"os"

	"github.com/pyushkevich/histoannot/internal/slide"
	"github.com/pyushkevich/histoannot/internal/view"

	_ "github.com/pyushkevich/histoannot/internal/tiff"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: slideinfo <slide>\n")
		os.Exit(1)
	}

	r, err := slide.Open(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer r.Close()

	fmt.Printf("File: %s\n", os.Args[1])
	fmt.Printf("Levels: %d\n", r.LevelCount())

	for level := 0; level < r.LevelCount(); level++ {
		w, h, err := r.LevelDimensions(level)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		ds, err := r.LevelDownsample(level)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		nx := (w + view.TileSize - 1) / view.TileSize
		ny := (h + view.TileSize - 1) / view.TileSize
		fmt.Printf("  Level %d: %d x %d, downsample %.4f, render grid %d x %d tiles\n",
			level, w, h, ds, nx, ny)
	}

	// Show which level the renderer would pick for a few magnifications.
	for _, ds := range []float64{1, 4, 16, 64, 256} {
		fmt.Printf("Best level for downsample %.0f: %d\n", ds, r.BestLevelForDownsample(ds))
	}
}
