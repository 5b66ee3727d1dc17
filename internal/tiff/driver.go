package tiff

import (
	"io"
	"os"

	"github.com/pyushkevich/histoannot/internal/slide"
)

// driver plugs the TIFF reader into the slide driver registry.
type driver struct{}

func (driver) Name() string { return "tiff" }

// CanOpen sniffs the classic and BigTIFF magic in either byte order.
func (driver) CanOpen(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	var header [4]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return false
	}

	switch string(header[:]) {
	case "II\x2a\x00", "MM\x00\x2a": // classic TIFF
		return true
	case "II\x2b\x00", "MM\x00\x2b": // BigTIFF
		return true
	}
	return false
}

func (driver) Open(path string) (slide.Reader, error) {
	return Open(path)
}

func init() {
	slide.Register(driver{})
}
