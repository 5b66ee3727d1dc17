// Package tiff reads pyramidal tiled TIFF images as slides. The file is
// memory-mapped and decoded tile by tile; each IFD becomes one pyramid
// level, largest first.
package tiff

import (
	"bytes"
	"compress/flate"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"math"
	"os"
	"sort"

	"github.com/pyushkevich/histoannot/internal/slide"
)

// level is one pyramid level: its IFD, the downsample relative to level 0,
// and a strip layout when the IFD stores strips promoted to virtual tiles.
type level struct {
	ifd   IFD
	ds    float64
	strip *stripLayout
}

// stripLayout stores the original strip layout for strip-based IFDs.
// Virtual tiles are composed from multiple strips at read time.
type stripLayout struct {
	offsets       []uint64
	byteCounts    []uint64
	rowsPerStrip  uint32
	stripsPerTile int
}

// Slide provides tile-level access to a pyramidal TIFF. It implements the
// slide.Reader contract.
type Slide struct {
	data   []byte // memory-mapped file contents
	bo     binary.ByteOrder
	levels []level
	path   string
}

var _ slide.Reader = (*Slide)(nil)

// Open opens a TIFF slide by memory-mapping it and parsing its pyramid.
// Strip-based IFDs are supported by converting the strip layout into a
// virtual tile layout.
func Open(path string) (*Slide, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	size := fi.Size()
	if size == 0 {
		return nil, fmt.Errorf("%s: empty file", path)
	}

	data, err := mmapFile(f.Fd(), int(size))
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	ifds, bo, err := parseTIFF(bytes.NewReader(data))
	if err != nil {
		munmapFile(data)
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	var levels []level
	for _, ifd := range ifds {
		if ifd.Width == 0 || ifd.Height == 0 {
			continue
		}

		lv := level{ifd: ifd}
		if lv.ifd.TileWidth == 0 || lv.ifd.TileHeight == 0 {
			if len(lv.ifd.StripOffsets) == 0 {
				munmapFile(data)
				return nil, fmt.Errorf("%s: IFD %dx%d has no tile or strip layout", path, ifd.Width, ifd.Height)
			}
			lv.strip = promoteStripsToTiles(&lv.ifd)
		}

		switch lv.ifd.Compression {
		case 1, 5, 7, 8, 32946:
			// Supported: None, LZW, JPEG, Deflate.
		default:
			munmapFile(data)
			return nil, fmt.Errorf("%s: unsupported compression type %d", path, lv.ifd.Compression)
		}

		levels = append(levels, lv)
	}

	if len(levels) == 0 {
		munmapFile(data)
		return nil, fmt.Errorf("%s: no usable IFDs found", path)
	}

	// Pyramid order: full resolution first. Writers usually store IFDs that
	// way already, but it is not required by the format.
	sort.SliceStable(levels, func(i, j int) bool {
		return levels[i].ifd.Width > levels[j].ifd.Width
	})

	w0 := float64(levels[0].ifd.Width)
	h0 := float64(levels[0].ifd.Height)
	for i := range levels {
		levels[i].ds = (w0/float64(levels[i].ifd.Width) + h0/float64(levels[i].ifd.Height)) / 2
	}

	return &Slide{
		data:   data,
		bo:     bo,
		levels: levels,
		path:   path,
	}, nil
}

// promoteStripsToTiles converts a strip-based IFD into a virtual tile
// layout. Small strips are grouped into virtual tiles of at least 256 rows
// so that nearby reads touch few chunks.
func promoteStripsToTiles(ifd *IFD) *stripLayout {
	rps := ifd.RowsPerStrip
	if rps == 0 {
		rps = ifd.Height
	}

	const minTileHeight = 256
	stripsPerTile := 1
	if rps < minTileHeight {
		stripsPerTile = int((minTileHeight + rps - 1) / rps)
	}
	virtualTileH := rps * uint32(stripsPerTile)

	totalStrips := len(ifd.StripOffsets)
	numVirtualTiles := (totalStrips + stripsPerTile - 1) / stripsPerTile

	virtualOffsets := make([]uint64, numVirtualTiles)
	virtualByteCounts := make([]uint64, numVirtualTiles)
	for i := 0; i < numVirtualTiles; i++ {
		startStrip := i * stripsPerTile
		virtualOffsets[i] = ifd.StripOffsets[startStrip]
		endStrip := startStrip + stripsPerTile
		if endStrip > totalStrips {
			endStrip = totalStrips
		}
		var totalBytes uint64
		for s := startStrip; s < endStrip; s++ {
			totalBytes += ifd.StripByteCounts[s]
		}
		virtualByteCounts[i] = totalBytes
	}

	sl := &stripLayout{
		offsets:       ifd.StripOffsets,
		byteCounts:    ifd.StripByteCounts,
		rowsPerStrip:  rps,
		stripsPerTile: stripsPerTile,
	}

	ifd.TileWidth = ifd.Width
	ifd.TileHeight = virtualTileH
	ifd.TileOffsets = virtualOffsets
	ifd.TileByteCounts = virtualByteCounts

	return sl
}

// Close unmaps the memory-mapped file.
func (s *Slide) Close() error {
	if s.data != nil {
		err := munmapFile(s.data)
		s.data = nil
		return err
	}
	return nil
}

// Path returns the file path.
func (s *Slide) Path() string {
	return s.path
}

// LevelCount returns the number of pyramid levels.
func (s *Slide) LevelCount() int {
	return len(s.levels)
}

// LevelDimensions returns the pixel dimensions of the given level.
func (s *Slide) LevelDimensions(lv int) (int64, int64, error) {
	if lv < 0 || lv >= len(s.levels) {
		return 0, 0, fmt.Errorf("%w: level %d of %d", slide.ErrLevelOutOfRange, lv, len(s.levels))
	}
	return int64(s.levels[lv].ifd.Width), int64(s.levels[lv].ifd.Height), nil
}

// LevelDownsample returns the downsample factor of the given level, computed
// as the mean of the two axis ratios against level 0.
func (s *Slide) LevelDownsample(lv int) (float64, error) {
	if lv < 0 || lv >= len(s.levels) {
		return 0, fmt.Errorf("%w: level %d of %d", slide.ErrLevelOutOfRange, lv, len(s.levels))
	}
	return s.levels[lv].ds, nil
}

// BestLevelForDownsample returns the deepest level whose downsample does not
// exceed the requested factor, or 0 when even level 0 is too coarse.
func (s *Slide) BestLevelForDownsample(downsample float64) int {
	// Tolerate factors computed from the level dimensions themselves.
	const fudge = 1e-6
	for lv := len(s.levels) - 1; lv > 0; lv-- {
		if s.levels[lv].ds <= downsample*(1+fudge) {
			return lv
		}
	}
	return 0
}

// TileSize returns the tile dimensions of the given level.
func (s *Slide) TileSize(lv int) (int, int) {
	return int(s.levels[lv].ifd.TileWidth), int(s.levels[lv].ifd.TileHeight)
}

// ReadRegion fills dst with row-major RGBA for a w x h pixel rectangle of
// the given level. (x, y) anchors the rectangle in level-0 coordinates;
// pixels outside the image are transparent black. dst must hold at least
// 4*w*h bytes.
func (s *Slide) ReadRegion(dst []byte, x, y int64, lv, w, h int) error {
	if lv < 0 || lv >= len(s.levels) {
		return fmt.Errorf("%w: level %d of %d", slide.ErrLevelOutOfRange, lv, len(s.levels))
	}
	need := 4 * w * h
	if len(dst) < need {
		return fmt.Errorf("tiff: region buffer too small: need %d bytes, have %d", need, len(dst))
	}

	clear(dst[:need])
	if w <= 0 || h <= 0 {
		return nil
	}

	l := &s.levels[lv]
	imgW := int64(l.ifd.Width)
	imgH := int64(l.ifd.Height)

	// Region origin in level pixels.
	lx := int64(math.Floor(float64(x) / l.ds))
	ly := int64(math.Floor(float64(y) / l.ds))

	// Intersect with the image; everything else stays transparent.
	x0 := max(lx, 0)
	y0 := max(ly, 0)
	x1 := min(lx+int64(w), imgW)
	y1 := min(ly+int64(h), imgH)
	if x0 >= x1 || y0 >= y1 {
		return nil
	}

	tw := int64(l.ifd.TileWidth)
	th := int64(l.ifd.TileHeight)

	for row := y0 / th; row <= (y1-1)/th; row++ {
		for col := x0 / tw; col <= (x1-1)/tw; col++ {
			tile, err := s.readTile(lv, int(col), int(row))
			if err != nil {
				return err
			}

			tileMinX := col * tw
			tileMinY := row * th

			cx0 := max(x0, tileMinX)
			cy0 := max(y0, tileMinY)
			cx1 := min(x1, tileMinX+tw)
			cy1 := min(y1, tileMinY+th)

			// Copy the overlap row by row into the destination buffer.
			span := int(cx1-cx0) * 4
			for ty := cy0; ty < cy1; ty++ {
				srcOff := (int(ty-tileMinY)*tile.Stride + int(cx0-tileMinX)*4)
				dstOff := (int(ty-ly)*w + int(cx0-lx)) * 4
				copy(dst[dstOff:dstOff+span], tile.Pix[srcOff:srcOff+span])
			}
		}
	}
	return nil
}

// readTile reads and decodes a single tile of a level into an RGBA image.
func (s *Slide) readTile(lv, col, row int) (*image.RGBA, error) {
	l := &s.levels[lv]
	ifd := &l.ifd

	tilesAcross := ifd.TilesAcross()
	tilesDown := ifd.TilesDown()
	if col < 0 || col >= tilesAcross || row < 0 || row >= tilesDown {
		return nil, fmt.Errorf("tiff: tile (%d,%d) out of range (%dx%d)", col, row, tilesAcross, tilesDown)
	}

	var raw []byte
	var err error
	if l.strip != nil {
		raw, err = s.readStripTileRaw(l, row)
	} else {
		raw, err = s.readTileRaw(l, row*tilesAcross+col)
	}
	if err != nil {
		return nil, err
	}

	tw := int(ifd.TileWidth)
	th := int(ifd.TileHeight)
	if raw == nil {
		// Sparse tile: fully transparent.
		return image.NewRGBA(image.Rect(0, 0, tw, th)), nil
	}

	if ifd.Compression == 7 {
		return s.decodeJPEGTile(ifd, raw)
	}
	return decodeRawTile(ifd, raw)
}

// readTileRaw reads and decompresses the raw bytes of one stored tile.
// JPEG tiles are returned compressed; the caller decodes them.
func (s *Slide) readTileRaw(l *level, tileIdx int) ([]byte, error) {
	ifd := &l.ifd
	if tileIdx >= len(ifd.TileOffsets) || tileIdx >= len(ifd.TileByteCounts) {
		return nil, fmt.Errorf("tiff: tile index %d out of range", tileIdx)
	}

	offset := ifd.TileOffsets[tileIdx]
	size := ifd.TileByteCounts[tileIdx]
	if size == 0 {
		return nil, nil // sparse tile
	}

	end := offset + size
	if end > uint64(len(s.data)) {
		return nil, fmt.Errorf("tiff: tile data [%d:%d] exceeds file size %d", offset, end, len(s.data))
	}
	data := s.data[offset:end]

	var decompressed []byte
	switch ifd.Compression {
	case 7: // JPEG
		return data, nil
	case 1: // No compression
		decompressed = data
	case 8, 32946: // Deflate / zlib
		dec, err := decompressDeflate(data)
		if err != nil {
			return nil, fmt.Errorf("tiff: decompressing deflate tile: %w", err)
		}
		decompressed = dec
	case 5: // LZW
		dec, err := decompressLZW(data)
		if err != nil {
			return nil, fmt.Errorf("tiff: decompressing LZW tile: %w", err)
		}
		decompressed = dec
	default:
		return nil, fmt.Errorf("tiff: unsupported compression: %d", ifd.Compression)
	}

	if ifd.Predictor == 2 {
		if ifd.Compression == 1 {
			// The mapped file is read-only; undo differencing on a copy.
			buf := make([]byte, len(decompressed))
			copy(buf, decompressed)
			decompressed = buf
		}
		undoHorizontalDifferencing(decompressed, int(ifd.TileWidth), int(ifd.SamplesPerPixel))
	}
	return decompressed, nil
}

// readStripTileRaw reads the strips composing one virtual tile row and
// returns the concatenated, decompressed bytes.
func (s *Slide) readStripTileRaw(l *level, tileRow int) ([]byte, error) {
	sl := l.strip
	ifd := &l.ifd

	startStrip := tileRow * sl.stripsPerTile
	endStrip := startStrip + sl.stripsPerTile
	if endStrip > len(sl.offsets) {
		endStrip = len(sl.offsets)
	}

	var combined []byte
	for st := startStrip; st < endStrip; st++ {
		offset := sl.offsets[st]
		size := sl.byteCounts[st]
		if size == 0 {
			continue
		}
		end := offset + size
		if end > uint64(len(s.data)) {
			return nil, fmt.Errorf("tiff: strip %d data [%d:%d] exceeds file size %d", st, offset, end, len(s.data))
		}
		chunk := s.data[offset:end]

		switch ifd.Compression {
		case 1, 7:
			combined = append(combined, chunk...)
		case 8, 32946:
			dec, err := decompressDeflate(chunk)
			if err != nil {
				return nil, fmt.Errorf("tiff: decompressing deflate strip %d: %w", st, err)
			}
			combined = append(combined, dec...)
		case 5:
			dec, err := decompressLZW(chunk)
			if err != nil {
				return nil, fmt.Errorf("tiff: decompressing LZW strip %d: %w", st, err)
			}
			combined = append(combined, dec...)
		default:
			return nil, fmt.Errorf("tiff: unsupported compression: %d", ifd.Compression)
		}
	}

	if len(combined) == 0 {
		return nil, nil
	}

	if ifd.Predictor == 2 {
		if ifd.Compression == 1 {
			buf := make([]byte, len(combined))
			copy(buf, combined)
			combined = buf
		}
		undoHorizontalDifferencing(combined, int(ifd.Width), int(ifd.SamplesPerPixel))
	}
	return combined, nil
}

// undoHorizontalDifferencing reverses TIFF predictor=2: each sample is
// stored as the difference from the previous sample of the same row, so the
// deltas accumulate back to the original values.
func undoHorizontalDifferencing(data []byte, width, samplesPerPixel int) {
	rowBytes := width * samplesPerPixel
	for off := 0; off+rowBytes <= len(data); off += rowBytes {
		row := data[off : off+rowBytes]
		for x := samplesPerPixel; x < rowBytes; x++ {
			row[x] += row[x-samplesPerPixel]
		}
	}
}

// decompressDeflate decompresses deflate/zlib data. TIFF compression 8 uses
// the zlib framing; some writers emit raw deflate, so that is the fallback.
func decompressDeflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err == nil {
		defer r.Close()
		result, err := io.ReadAll(r)
		if err == nil {
			return result, nil
		}
	}

	fr := flate.NewReader(bytes.NewReader(data))
	defer fr.Close()
	return io.ReadAll(fr)
}

// decodeJPEGTile decodes a JPEG-compressed tile, prepending the shared JPEG
// tables when the IFD carries them.
func (s *Slide) decodeJPEGTile(ifd *IFD, data []byte) (*image.RGBA, error) {
	var jpegData []byte

	if len(ifd.JPEGTables) > 0 {
		// The tables segment ends with EOI and the tile data starts with
		// SOI; strip both before splicing.
		tables := ifd.JPEGTables
		if len(tables) >= 2 && tables[len(tables)-2] == 0xFF && tables[len(tables)-1] == 0xD9 {
			tables = tables[:len(tables)-2]
		}
		tileData := data
		if len(tileData) >= 2 && tileData[0] == 0xFF && tileData[1] == 0xD8 {
			tileData = tileData[2:]
		}
		jpegData = make([]byte, len(tables)+len(tileData))
		copy(jpegData, tables)
		copy(jpegData[len(tables):], tileData)
	} else {
		jpegData = data
	}

	img, err := jpeg.Decode(bytes.NewReader(jpegData))
	if err != nil {
		return nil, fmt.Errorf("tiff: decoding JPEG tile: %w", err)
	}
	return toRGBA(img, int(ifd.TileWidth), int(ifd.TileHeight)), nil
}

// toRGBA converts a decoded tile image to RGBA of the full tile dimensions.
// JPEG edge tiles may decode smaller than the nominal tile size; the
// remainder stays transparent.
func toRGBA(img image.Image, tw, th int) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, tw, th))
	b := img.Bounds()
	w := min(b.Dx(), tw)
	h := min(b.Dy(), th)

	switch src := img.(type) {
	case *image.RGBA:
		for y := 0; y < h; y++ {
			copy(out.Pix[y*out.Stride:y*out.Stride+w*4], src.Pix[y*src.Stride:y*src.Stride+w*4])
		}
	case *image.YCbCr:
		// Type-specific access; At() would box a color.Color per pixel.
		for y := 0; y < h; y++ {
			o := y * out.Stride
			for x := 0; x < w; x++ {
				c := src.YCbCrAt(b.Min.X+x, b.Min.Y+y)
				r, g, bb, _ := c.RGBA()
				out.Pix[o] = uint8(r >> 8)
				out.Pix[o+1] = uint8(g >> 8)
				out.Pix[o+2] = uint8(bb >> 8)
				out.Pix[o+3] = 255
				o += 4
			}
		}
	default:
		for y := 0; y < h; y++ {
			o := y * out.Stride
			for x := 0; x < w; x++ {
				r, g, bb, a := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				out.Pix[o] = uint8(r >> 8)
				out.Pix[o+1] = uint8(g >> 8)
				out.Pix[o+2] = uint8(bb >> 8)
				out.Pix[o+3] = uint8(a >> 8)
				o += 4
			}
		}
	}
	return out
}

// decodeRawTile expands uncompressed sample bytes into an RGBA image.
// Grayscale and gray+alpha data is broadcast across the color channels.
func decodeRawTile(ifd *IFD, data []byte) (*image.RGBA, error) {
	w := int(ifd.TileWidth)
	h := int(ifd.TileHeight)
	spp := int(ifd.SamplesPerPixel)

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		o := y * img.Stride
		for x := 0; x < w; x++ {
			idx := (y*w + x) * spp
			if idx+spp > len(data) {
				return img, nil
			}
			switch spp {
			case 1:
				v := data[idx]
				img.Pix[o] = v
				img.Pix[o+1] = v
				img.Pix[o+2] = v
				img.Pix[o+3] = 255
			case 2:
				v := data[idx]
				img.Pix[o] = v
				img.Pix[o+1] = v
				img.Pix[o+2] = v
				img.Pix[o+3] = data[idx+1]
			case 3:
				img.Pix[o] = data[idx]
				img.Pix[o+1] = data[idx+1]
				img.Pix[o+2] = data[idx+2]
				img.Pix[o+3] = 255
			default:
				img.Pix[o] = data[idx]
				img.Pix[o+1] = data[idx+1]
				img.Pix[o+2] = data[idx+2]
				img.Pix[o+3] = data[idx+3]
			}
			o += 4
		}
	}
	return img, nil
}
