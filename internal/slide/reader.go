// Package slide defines the contract between the renderer and whole-slide
// image readers, plus a registry so readers can be plugged in by format.
package slide

import (
	"errors"
	"fmt"
)

// Errors shared across the renderer and its readers.
var (
	// ErrSlideOpen reports that no reader could open the given path.
	ErrSlideOpen = errors.New("slide: open failed")
	// ErrLevelOutOfRange reports a pyramid level outside [0, LevelCount).
	ErrLevelOutOfRange = errors.New("slide: level out of range")
)

// Reader is a handle to one open pyramidal slide image.
//
// Level 0 is the native resolution. ReadRegion anchors (x, y) in level-0
// pixel coordinates while (w, h) count pixels of the requested level, and
// fills dst with row-major packed RGBA (4 bytes per pixel). Regions outside
// the image are transparent black. Implementations may block on I/O; calls
// are synchronous and the renderer issues them one at a time.
type Reader interface {
	LevelCount() int
	LevelDimensions(level int) (w, h int64, err error)
	LevelDownsample(level int) (float64, error)
	BestLevelForDownsample(downsample float64) int
	ReadRegion(dst []byte, x, y int64, level, w, h int) error
	Close() error
}

// Driver opens slides of one storage format.
type Driver interface {
	// Name identifies the driver, e.g. "tiff".
	Name() string
	// CanOpen reports whether the file looks like this driver's format,
	// typically by sniffing magic bytes. It must not retain the file open.
	CanOpen(path string) bool
	// Open opens the slide for reading.
	Open(path string) (Reader, error)
}

var drivers []Driver

// Register makes a driver available to Open. It is intended to be called
// from driver package init functions.
func Register(d Driver) {
	drivers = append(drivers, d)
}

// Open opens a slide with the first registered driver that recognizes the
// file. Failures are reported as ErrSlideOpen wrapping the cause.
func Open(path string) (Reader, error) {
	for _, d := range drivers {
		if !d.CanOpen(path) {
			continue
		}
		r, err := d.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s driver: %v", ErrSlideOpen, d.Name(), err)
		}
		return r, nil
	}
	return nil, fmt.Errorf("%w: no driver recognizes %s", ErrSlideOpen, path)
}
