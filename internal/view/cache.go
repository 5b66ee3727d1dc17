package view

import (
	"fmt"
	"math"
)

// tileRef identifies a resident tile by coordinates rather than by pointer,
// so the registry never holds a reference into a view's tile grid and
// closing a view stays well-defined.
type tileRef struct {
	slide int
	level int
	tx    int
	ty    int
}

// Cache bounds the number of decoded tiles held in memory across all slide
// views that share it. Eviction is least-recently-used, ordered by a single
// monotonically increasing access counter.
//
// A Cache and the views registered in it belong to one goroutine; sharing
// across goroutines would require external locking around every rendering
// call.
type Cache struct {
	maxTiles int
	counter  uint64
	refs     []tileRef
	views    map[int]*SlideView
	nextID   int
}

// NewCache creates a cache that holds at most maxTiles decoded tiles.
func NewCache(maxTiles int) (*Cache, error) {
	if maxTiles < 1 {
		return nil, fmt.Errorf("view: cache capacity must be at least 1 tile, got %d", maxTiles)
	}
	return &Cache{
		maxTiles: maxTiles,
		views:    make(map[int]*SlideView),
	}, nil
}

// touch returns the next access timestamp. Counters are assigned exactly
// once per tile hit or load, so two tiles never share a timestamp.
func (c *Cache) touch() uint64 {
	c.counter++
	return c.counter
}

func (c *Cache) addView(v *SlideView) int {
	id := c.nextID
	c.nextID++
	c.views[id] = v
	return id
}

// removeView evicts every resident tile belonging to v and forgets the view.
func (c *Cache) removeView(v *SlideView) {
	kept := c.refs[:0]
	for _, ref := range c.refs {
		if ref.slide == v.id {
			v.dropTile(ref.level, ref.tx, ref.ty)
		} else {
			kept = append(kept, ref)
		}
	}
	c.refs = kept
	delete(c.views, v.id)
}

// evictIfNeeded makes room for one more tile by discarding the least
// recently used tile across every registered view. Runs before the new tile
// is registered, so the incoming tile can never be the victim.
//
// The scan is linear in the number of resident tiles. Timestamps change on
// every access, which makes an ordered structure awkward to keep current;
// with the tile counts this cache is sized for, the scan is not measurable
// next to a single tile decode.
func (c *Cache) evictIfNeeded() {
	for len(c.refs) >= c.maxTiles {
		oldest := 0
		oldestStamp := uint64(math.MaxUint64)
		for i, ref := range c.refs {
			stamp := c.views[ref.slide].tileStamp(ref.level, ref.tx, ref.ty)
			if stamp < oldestStamp {
				oldestStamp = stamp
				oldest = i
			}
		}
		ref := c.refs[oldest]
		c.views[ref.slide].dropTile(ref.level, ref.tx, ref.ty)
		c.refs = append(c.refs[:oldest], c.refs[oldest+1:]...)
	}
}

func (c *Cache) register(ref tileRef) {
	c.refs = append(c.refs, ref)
}

// Len returns the number of currently resident tiles.
func (c *Cache) Len() int {
	return len(c.refs)
}

// MaxTiles returns the configured capacity.
func (c *Cache) MaxTiles() int {
	return c.maxTiles
}

// Close evicts every resident tile of every registered view. The views stay
// open and usable; their tiles simply reload on demand.
func (c *Cache) Close() {
	for _, ref := range c.refs {
		c.views[ref.slide].dropTile(ref.level, ref.tx, ref.ty)
	}
	c.refs = c.refs[:0]
}
