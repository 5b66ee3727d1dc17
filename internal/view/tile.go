package view

import (
	"sync"

	"github.com/pyushkevich/histoannot/internal/resample"
)

// Tile geometry. Each grid cell spans TileSize level-k pixels per side; the
// decoded buffer carries an Overhang-pixel halo on all four edges so bilinear
// taps near a seam never have to reach into the neighboring tile.
const (
	TileSize = 512
	Overhang = 2

	tileSide  = TileSize + 2*Overhang
	tileBytes = tileSide * tileSide * 4
)

// tile is one decoded grid cell: the pixel buffer, an interpolator borrowing
// that buffer, and the LRU timestamp of the most recent access.
type tile struct {
	pix    []byte
	interp *resample.Interpolator
	stamp  uint64
}

// tileBufs recycles evicted tile buffers. Every buffer has the same
// tileBytes size, so a single pool suffices.
var tileBufs sync.Pool

// getTileBuf returns a zeroed tile-sized pixel buffer, reusing an evicted
// one when available.
func getTileBuf() []byte {
	if v := tileBufs.Get(); v != nil {
		buf := v.([]byte)
		clear(buf)
		return buf
	}
	return make([]byte, tileBytes)
}

// putTileBuf returns a buffer to the pool for reuse.
func putTileBuf(buf []byte) {
	if buf != nil {
		tileBufs.Put(buf)
	}
}
