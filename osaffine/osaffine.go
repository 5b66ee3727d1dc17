// Package osaffine is the host-facing surface of the affine slide renderer.
// It exposes the cache and slide operations over opaque integer handles so a
// foreign-function shim can marshal calls with nothing but scalars, a path
// string, and a caller-owned pixel buffer.
//
// Handle tables are guarded for concurrent registration, but rendering is
// single-threaded: callers must not issue concurrent ReadRegion calls
// against slides sharing a cache.
package osaffine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pyushkevich/histoannot/internal/affine"
	"github.com/pyushkevich/histoannot/internal/view"

	// Slide format drivers available to Open.
	_ "github.com/pyushkevich/histoannot/internal/tiff"
)

// ErrInvalidHandle reports a handle that was never issued or was already
// freed.
var ErrInvalidHandle = errors.New("osaffine: invalid handle")

// CacheHandle identifies a tile cache.
type CacheHandle int64

// SlideHandle identifies an open slide.
type SlideHandle int64

type slideEntry struct {
	view  *view.SlideView
	cache CacheHandle
}

var (
	mu         sync.Mutex
	caches     = make(map[CacheHandle]*view.Cache)
	slides     = make(map[SlideHandle]*slideEntry)
	nextHandle int64
)

func newHandle() int64 {
	nextHandle++
	return nextHandle
}

func lookupCache(h CacheHandle) (*view.Cache, error) {
	mu.Lock()
	defer mu.Unlock()
	c, ok := caches[h]
	if !ok {
		return nil, fmt.Errorf("%w: cache %d", ErrInvalidHandle, h)
	}
	return c, nil
}

func lookupSlide(h SlideHandle) (*slideEntry, error) {
	mu.Lock()
	defer mu.Unlock()
	s, ok := slides[h]
	if !ok {
		return nil, fmt.Errorf("%w: slide %d", ErrInvalidHandle, h)
	}
	return s, nil
}

// NewCache creates a tile cache holding at most maxTiles decoded tiles and
// returns its handle.
func NewCache(maxTiles uint32) (CacheHandle, error) {
	c, err := view.NewCache(int(maxTiles))
	if err != nil {
		return 0, err
	}
	mu.Lock()
	defer mu.Unlock()
	h := CacheHandle(newHandle())
	caches[h] = c
	return h, nil
}

// FreeCache releases a cache, evicting every resident tile. Slides opened
// against the cache must be closed first.
func FreeCache(h CacheHandle) error {
	mu.Lock()
	defer mu.Unlock()
	c, ok := caches[h]
	if !ok {
		return fmt.Errorf("%w: cache %d", ErrInvalidHandle, h)
	}
	for sh, s := range slides {
		if s.cache == h {
			return fmt.Errorf("osaffine: cache %d still has open slide %d", h, sh)
		}
	}
	c.Close()
	delete(caches, h)
	return nil
}

// Open opens the slide at path with the given cache. Canvas dimensions of
// zero are replaced by the slide's level-0 dimensions.
func Open(cache CacheHandle, path string, canvasX, canvasY int64) (SlideHandle, error) {
	c, err := lookupCache(cache)
	if err != nil {
		return 0, err
	}
	v, err := view.Open(c, path, canvasX, canvasY)
	if err != nil {
		return 0, err
	}
	mu.Lock()
	defer mu.Unlock()
	h := SlideHandle(newHandle())
	slides[h] = &slideEntry{view: v, cache: cache}
	return h, nil
}

// Close closes a slide, evicting its resident tiles from the cache.
func Close(h SlideHandle) error {
	mu.Lock()
	s, ok := slides[h]
	if !ok {
		mu.Unlock()
		return fmt.Errorf("%w: slide %d", ErrInvalidHandle, h)
	}
	delete(slides, h)
	mu.Unlock()
	return s.view.Close()
}

// LevelCount returns the number of pyramid levels of an open slide.
func LevelCount(h SlideHandle) (int32, error) {
	s, err := lookupSlide(h)
	if err != nil {
		return 0, err
	}
	return int32(s.view.LevelCount()), nil
}

// LevelDownsample returns the downsample factor of the given level.
func LevelDownsample(h SlideHandle, level int32) (float64, error) {
	s, err := lookupSlide(h)
	if err != nil {
		return 0, err
	}
	return s.view.LevelDownsample(int(level))
}

// LevelDimensions returns the pixel dimensions of the given level.
func LevelDimensions(h SlideHandle, level int32) (int64, int64, error) {
	s, err := lookupSlide(h)
	if err != nil {
		return 0, 0, err
	}
	return s.view.LevelDimensions(int(level))
}

// BestLevelForDownsample returns the level best suited for rendering at the
// given downsample factor.
func BestLevelForDownsample(h SlideHandle, downsample float64) (int32, error) {
	s, err := lookupSlide(h)
	if err != nil {
		return 0, err
	}
	return int32(s.view.BestLevelForDownsample(downsample)), nil
}

// CanvasDimensions returns the canvas dimensions recorded when the slide
// was opened.
func CanvasDimensions(h SlideHandle) (int64, int64, error) {
	s, err := lookupSlide(h)
	if err != nil {
		return 0, 0, err
	}
	w, hh := s.view.CanvasDimensions()
	return w, hh, nil
}

// ReadRegion renders the destination canvas rectangle (x, y, w, h) of the
// given level into buf under the row-major 3x3 affine map a from canvas to
// slide level-0 coordinates. buf is borrowed for the duration of the call
// and must hold at least 4*w*h bytes; on error its contents are
// unspecified.
func ReadRegion(h SlideHandle, x, y int64, level int32, w, hh int64, a [3][3]float64, buf []byte) error {
	s, err := lookupSlide(h)
	if err != nil {
		return err
	}
	return s.view.ReadRegion(int(level), x, y, w, hh, affine.Matrix(a), buf)
}
