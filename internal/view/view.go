// Package view implements the tile-cached affine resampler: it reads square
// tiles of a pyramidal slide image through a bounded LRU cache and fills
// destination rasters by bilinear interpolation under a 3x3 affine map from
// canvas coordinates to slide level-0 coordinates.
package view

import (
	"errors"
	"fmt"
	"math"

	"github.com/pyushkevich/histoannot/internal/affine"
	"github.com/pyushkevich/histoannot/internal/resample"
	"github.com/pyushkevich/histoannot/internal/slide"
)

var (
	// ErrBufferTooSmall reports an output buffer shorter than 4*w*h bytes.
	ErrBufferTooSmall = errors.New("view: output buffer too small")
	// ErrResampleOutOfRange reports a destination pixel that could not be
	// placed in any tile even after re-resolution, which indicates an
	// inconsistent pyramid or a pathological transform.
	ErrResampleOutOfRange = errors.New("view: sample out of range after tile re-resolution")
)

// levelInfo holds the per-level dimensions and the sparse tile grid. A nil
// entry in tiles means the cell has never been loaded or has been evicted.
type levelInfo struct {
	w, h  int64
	ds    float64
	nx    int
	ny    int
	tiles []*tile
}

// SlideView renders affine-transformed regions of one open slide. It owns
// the reader handle and its per-level tile grids; decoded tiles are
// accounted for by the shared Cache.
type SlideView struct {
	cache   *Cache
	id      int
	reader  slide.Reader
	canvasW int64
	canvasH int64
	levels  []levelInfo
}

// Open opens the slide at path with a registered driver and wraps it in a
// view attached to cache. Canvas dimensions of zero default to the slide's
// level-0 dimensions.
func Open(cache *Cache, path string, canvasX, canvasY int64) (*SlideView, error) {
	r, err := slide.Open(path)
	if err != nil {
		return nil, err
	}
	return New(cache, r, canvasX, canvasY)
}

// New wraps an already-open reader in a view attached to cache, taking
// ownership of the reader. On error the reader is closed.
func New(cache *Cache, r slide.Reader, canvasX, canvasY int64) (*SlideView, error) {
	n := r.LevelCount()
	if n < 1 {
		r.Close()
		return nil, fmt.Errorf("%w: slide has no pyramid levels", slide.ErrSlideOpen)
	}

	levels := make([]levelInfo, n)
	for k := range levels {
		w, h, err := r.LevelDimensions(k)
		if err != nil {
			r.Close()
			return nil, err
		}
		ds, err := r.LevelDownsample(k)
		if err != nil {
			r.Close()
			return nil, err
		}
		nx := int((w + TileSize - 1) / TileSize)
		ny := int((h + TileSize - 1) / TileSize)
		levels[k] = levelInfo{
			w:     w,
			h:     h,
			ds:    ds,
			nx:    nx,
			ny:    ny,
			tiles: make([]*tile, nx*ny),
		}
	}

	if canvasX == 0 || canvasY == 0 {
		canvasX, canvasY = levels[0].w, levels[0].h
	}

	v := &SlideView{
		cache:   cache,
		reader:  r,
		canvasW: canvasX,
		canvasH: canvasY,
		levels:  levels,
	}
	v.id = cache.addView(v)
	return v, nil
}

// Close evicts every resident tile of this view from the cache and closes
// the underlying reader.
func (v *SlideView) Close() error {
	v.cache.removeView(v)
	return v.reader.Close()
}

// LevelCount returns the number of pyramid levels.
func (v *SlideView) LevelCount() int {
	return len(v.levels)
}

// LevelDimensions returns the pixel dimensions of the given level.
func (v *SlideView) LevelDimensions(level int) (w, h int64, err error) {
	if level < 0 || level >= len(v.levels) {
		return 0, 0, fmt.Errorf("%w: level %d of %d", slide.ErrLevelOutOfRange, level, len(v.levels))
	}
	return v.levels[level].w, v.levels[level].h, nil
}

// LevelDownsample returns the downsample factor of the given level relative
// to level 0.
func (v *SlideView) LevelDownsample(level int) (float64, error) {
	if level < 0 || level >= len(v.levels) {
		return 0, fmt.Errorf("%w: level %d of %d", slide.ErrLevelOutOfRange, level, len(v.levels))
	}
	return v.levels[level].ds, nil
}

// BestLevelForDownsample returns the level best suited for rendering at the
// given downsample factor.
func (v *SlideView) BestLevelForDownsample(downsample float64) int {
	return v.reader.BestLevelForDownsample(downsample)
}

// CanvasDimensions returns the canvas dimensions recorded at construction.
func (v *SlideView) CanvasDimensions() (int64, int64) {
	return v.canvasW, v.canvasH
}

func (v *SlideView) tileStamp(level, tx, ty int) uint64 {
	lv := &v.levels[level]
	return lv.tiles[ty*lv.nx+tx].stamp
}

// dropTile releases the tile at the given grid cell, returning its buffer to
// the pool. The caller removes the matching cache registry entry.
func (v *SlideView) dropTile(level, tx, ty int) {
	lv := &v.levels[level]
	i := ty*lv.nx + tx
	if t := lv.tiles[i]; t != nil {
		putTileBuf(t.pix)
		t.pix = nil
		t.interp = nil
		lv.tiles[i] = nil
	}
}

// tileHit is the result of resolving a destination pixel to a tile. When the
// pixel maps outside the slide, interp is nil and nskip tells the caller how
// many destination columns it may emit as transparent before re-resolving.
type tileHit struct {
	interp *resample.Interpolator
	tx     int64
	ty     int64
	cix    [2]float32
	nskip  int
}

// maxSkipRun bounds the off-slide walk in findTile so a degenerate column
// step (both components zero) cannot spin forever.
const maxSkipRun = 1 << 20

// findTile maps the destination point (x, y) through m to slide level-0
// coordinates, determines the covering tile of the given level, and loads it
// through the cache if necessary. ds is the level downsample and ts the tile
// span in level-0 units (ds * TileSize).
func (v *SlideView) findTile(level int, ds, ts float64, x, y float64, m affine.Matrix) (tileHit, error) {
	var hit tileHit

	sx, sy := m.Apply(x, y)

	tix := math.Floor(sx / ts)
	tiy := math.Floor(sy / ts)

	// Buffer origin in level-0 units, shifted left and up by the halo.
	hit.tx = int64(math.Floor(tix*ts - Overhang*ds))
	hit.ty = int64(math.Floor(tiy*ts - Overhang*ds))

	// Fractional sample position within the tile buffer, in level pixels.
	hit.cix[0] = float32((sx - float64(hit.tx)) / ds)
	hit.cix[1] = float32((sy - float64(hit.ty)) / ds)

	lv := &v.levels[level]
	if tix < 0 || tiy < 0 || tix >= float64(lv.nx) || tiy >= float64(lv.ny) {
		// Off the slide. Walk the per-column step to count how many
		// destination columns stay off this (nonexistent) tile, so the
		// caller can emit transparent pixels without re-resolving each one.
		wx := float64(hit.cix[0])
		wy := float64(hit.cix[1])
		for hit.nskip < maxSkipRun && wx >= 0 && wy >= 0 && wx < TileSize && wy < TileSize {
			hit.nskip++
			wx += m[0][0]
			wy += m[1][0]
		}
		if hit.nskip == 0 {
			hit.nskip = 1
		}
		return hit, nil
	}

	ti := int(tiy)*lv.nx + int(tix)
	if t := lv.tiles[ti]; t != nil {
		t.stamp = v.cache.touch()
		hit.interp = t.interp
		return hit, nil
	}

	// Miss: make room first, then load. Eviction runs before the new tile
	// is registered so the incoming tile cannot be chosen as the victim.
	v.cache.evictIfNeeded()

	buf := getTileBuf()
	if err := v.reader.ReadRegion(buf, hit.tx, hit.ty, level, tileSide, tileSide); err != nil {
		putTileBuf(buf)
		return tileHit{}, fmt.Errorf("view: loading tile (%d, %d) of level %d: %w", int(tix), int(tiy), level, err)
	}

	t := &tile{
		pix:    buf,
		interp: resample.New(buf, tileSide, tileSide),
		stamp:  v.cache.touch(),
	}
	lv.tiles[ti] = t
	v.cache.register(tileRef{slide: v.id, level: level, tx: int(tix), ty: int(tiy)})
	hit.interp = t.interp
	return hit, nil
}

// ReadRegion fills out with 4*w*h bytes of row-major RGBA: the destination
// canvas rectangle (x, y, w, h) of the given level, resampled from the slide
// under the affine map m. Destination coordinates are in level-0 units and
// advance by the level downsample per destination pixel. Pixels that map
// outside the slide are transparent black.
func (v *SlideView) ReadRegion(level int, x, y, w, h int64, m affine.Matrix, out []byte) error {
	if level < 0 || level >= len(v.levels) {
		return fmt.Errorf("%w: level %d of %d", slide.ErrLevelOutOfRange, level, len(v.levels))
	}
	if need := 4 * w * h; int64(len(out)) < need {
		return fmt.Errorf("%w: need %d bytes for %dx%d, have %d", ErrBufferTooSmall, need, w, h, len(out))
	}

	lv := &v.levels[level]
	ds := lv.ds
	ts := ds * TileSize

	p := 0
	for py := int64(0); py < h; py++ {
		// A row usually starts in a fresh tile; resolve once here and then
		// ride the interpolator until a sample walks out of the buffer.
		hit, err := v.findTile(level, ds, ts, float64(x), float64(y)+ds*float64(py), m)
		if err != nil {
			return err
		}

		for px := int64(0); px < w; px++ {
			var rgba [4]float32

			if hit.interp == nil && hit.nskip > 0 {
				// Known to be off the slide: transparent black.
				hit.nskip--
			} else {
				var status resample.Status
				if hit.interp != nil {
					rgba, status = hit.interp.Interpolate(hit.cix[0], hit.cix[1])
				}
				if hit.interp == nil || status == resample.Outside {
					// Walked off the current tile; resolve at this pixel.
					hit, err = v.findTile(level, ds, ts, float64(x)+ds*float64(px), float64(y)+ds*float64(py), m)
					if err != nil {
						return err
					}
					if hit.interp == nil {
						// Off the slide after all: transparent, consuming
						// one of the freshly counted skip columns.
						rgba = [4]float32{}
						hit.nskip--
					} else {
						rgba, status = hit.interp.Interpolate(hit.cix[0], hit.cix[1])
						if status == resample.Outside {
							return fmt.Errorf("%w: destination (%g, %g) level %d, tile origin (%d, %d), sample (%g, %g)",
								ErrResampleOutOfRange, float64(x)+ds*float64(px), float64(y)+ds*float64(py), level, hit.tx, hit.ty, hit.cix[0], hit.cix[1])
						}
					}
				}
			}

			hit.cix[0] += float32(m[0][0])
			hit.cix[1] += float32(m[1][0])

			// Truncate toward zero; axis-aligned identity reads then
			// round-trip the source bytes exactly.
			out[p] = uint8(rgba[0])
			out[p+1] = uint8(rgba[1])
			out[p+2] = uint8(rgba[2])
			out[p+3] = uint8(rgba[3])
			p += 4
		}
	}
	return nil
}
