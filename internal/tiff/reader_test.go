package tiff

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// tiffTestLevel describes one pyramid level of a generated test file.
type tiffTestLevel struct {
	w, h   int
	tw, th int
	pix    func(x, y int) [3]byte
}

// writeTestTIFF writes a little-endian classic TIFF with uncompressed,
// tiled RGB levels to path.
func writeTestTIFF(t *testing.T, path string, levels []tiffTestLevel) {
	t.Helper()
	le := binary.LittleEndian

	var data bytes.Buffer // file contents after the 8-byte header
	off := func() uint32 { return uint32(8 + data.Len()) }
	putU16 := func(v uint16) {
		var b [2]byte
		le.PutUint16(b[:], v)
		data.Write(b[:])
	}
	putU32 := func(v uint32) {
		var b [4]byte
		le.PutUint32(b[:], v)
		data.Write(b[:])
	}

	type levelMeta struct {
		lv         tiffTestLevel
		tileOffs   []uint32
		tileSizes  []uint32
		bpsOff     uint32
		tileOffOff uint32
		tileCntOff uint32
	}

	// Tile data and external arrays first, IFDs after.
	metas := make([]levelMeta, len(levels))
	for i, lv := range levels {
		m := levelMeta{lv: lv}
		across := (lv.w + lv.tw - 1) / lv.tw
		down := (lv.h + lv.th - 1) / lv.th
		for ty := 0; ty < down; ty++ {
			for tx := 0; tx < across; tx++ {
				m.tileOffs = append(m.tileOffs, off())
				m.tileSizes = append(m.tileSizes, uint32(lv.tw*lv.th*3))
				for y := 0; y < lv.th; y++ {
					for x := 0; x < lv.tw; x++ {
						p := lv.pix(tx*lv.tw+x, ty*lv.th+y)
						data.Write(p[:])
					}
				}
				if data.Len()%2 == 1 {
					data.WriteByte(0)
				}
			}
		}

		m.bpsOff = off()
		putU16(8)
		putU16(8)
		putU16(8)

		if len(m.tileOffs) > 1 {
			m.tileOffOff = off()
			for _, o := range m.tileOffs {
				putU32(o)
			}
			m.tileCntOff = off()
			for _, c := range m.tileSizes {
				putU32(c)
			}
		}
		metas[i] = m
	}

	// IFD chain.
	const numEntries = 11
	ifdSize := uint32(2 + numEntries*12 + 4)
	firstIFD := off()

	for i, m := range metas {
		putU16(numEntries)
		entry := func(tag, typ uint16, count, value uint32) {
			putU16(tag)
			putU16(typ)
			putU32(count)
			putU32(value)
		}

		// Entries in ascending tag order.
		entry(tagImageWidth, dtLong, 1, uint32(m.lv.w))
		entry(tagImageLength, dtLong, 1, uint32(m.lv.h))
		entry(tagBitsPerSample, dtShort, 3, m.bpsOff)
		entry(tagCompression, dtShort, 1, 1)
		entry(tagPhotometric, dtShort, 1, 2)
		entry(tagSamplesPerPixel, dtShort, 1, 3)
		entry(tagPlanarConfig, dtShort, 1, 1)
		entry(tagTileWidth, dtShort, 1, uint32(m.lv.tw))
		entry(tagTileLength, dtShort, 1, uint32(m.lv.th))
		if len(m.tileOffs) == 1 {
			entry(tagTileOffsets, dtLong, 1, m.tileOffs[0])
			entry(tagTileByteCounts, dtLong, 1, m.tileSizes[0])
		} else {
			entry(tagTileOffsets, dtLong, uint32(len(m.tileOffs)), m.tileOffOff)
			entry(tagTileByteCounts, dtLong, uint32(len(m.tileSizes)), m.tileCntOff)
		}

		if i < len(metas)-1 {
			putU32(off() + 4) // next IFD starts right after this pointer
		} else {
			putU32(0)
		}
		if uint32(8+data.Len())-firstIFD != uint32(i+1)*ifdSize {
			t.Fatalf("IFD %d has unexpected size", i)
		}
	}

	var file bytes.Buffer
	file.Write([]byte{'I', 'I', 42, 0})
	var b [4]byte
	le.PutUint32(b[:], firstIFD)
	file.Write(b[:])
	file.Write(data.Bytes())

	if err := os.WriteFile(path, file.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func testPixel(x, y int) [3]byte {
	return [3]byte{byte(x), byte(y), byte(x ^ y)}
}

func smallPyramid(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pyramid.tif")
	writeTestTIFF(t, path, []tiffTestLevel{
		{w: 200, h: 120, tw: 64, th: 64, pix: testPixel},
		{w: 100, h: 60, tw: 64, th: 64, pix: testPixel},
	})
	return path
}

func TestOpenPyramid(t *testing.T) {
	s, err := Open(smallPyramid(t))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if got := s.LevelCount(); got != 2 {
		t.Fatalf("LevelCount() = %d, want 2", got)
	}

	w, h, err := s.LevelDimensions(0)
	if err != nil || w != 200 || h != 120 {
		t.Errorf("LevelDimensions(0) = (%d, %d, %v), want (200, 120, nil)", w, h, err)
	}
	w, h, err = s.LevelDimensions(1)
	if err != nil || w != 100 || h != 60 {
		t.Errorf("LevelDimensions(1) = (%d, %d, %v), want (100, 60, nil)", w, h, err)
	}

	ds0, err := s.LevelDownsample(0)
	if err != nil || ds0 != 1 {
		t.Errorf("LevelDownsample(0) = (%v, %v), want (1, nil)", ds0, err)
	}
	ds1, err := s.LevelDownsample(1)
	if err != nil || math.Abs(ds1-2) > 1e-9 {
		t.Errorf("LevelDownsample(1) = (%v, %v), want (2, nil)", ds1, err)
	}

	tests := []struct {
		ds   float64
		want int
	}{
		{1, 0},
		{1.5, 0},
		{2, 1},
		{100, 1},
	}
	for _, tt := range tests {
		if got := s.BestLevelForDownsample(tt.ds); got != tt.want {
			t.Errorf("BestLevelForDownsample(%v) = %d, want %d", tt.ds, got, tt.want)
		}
	}
}

func TestOpenSortsLevelsBySize(t *testing.T) {
	// Same pyramid with the IFDs stored smallest-first.
	path := filepath.Join(t.TempDir(), "reversed.tif")
	writeTestTIFF(t, path, []tiffTestLevel{
		{w: 100, h: 60, tw: 64, th: 64, pix: testPixel},
		{w: 200, h: 120, tw: 64, th: 64, pix: testPixel},
	})

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	w, _, err := s.LevelDimensions(0)
	if err != nil || w != 200 {
		t.Errorf("level 0 width = %d, want 200 (largest IFD first)", w)
	}
}

func TestReadRegionMatchesPixels(t *testing.T) {
	s, err := Open(smallPyramid(t))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	// A region crossing the seam between tile columns 0 and 1.
	const x0, y0, w, h = 48, 32, 40, 20
	dst := make([]byte, 4*w*h)
	if err := s.ReadRegion(dst, x0, y0, 0, w, h); err != nil {
		t.Fatal(err)
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := (y*w + x) * 4
			want := testPixel(x0+x, y0+y)
			got := [3]byte{dst[o], dst[o+1], dst[o+2]}
			if got != want || dst[o+3] != 255 {
				t.Fatalf("pixel (%d,%d) = %v a=%d, want %v a=255", x, y, got, dst[o+3], want)
			}
		}
	}
}

func TestReadRegionLevel1Anchor(t *testing.T) {
	s, err := Open(smallPyramid(t))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	// (x, y) is in level-0 coordinates: an anchor of (40, 20) lands on
	// level-1 pixel (20, 10).
	const w, h = 16, 8
	dst := make([]byte, 4*w*h)
	if err := s.ReadRegion(dst, 40, 20, 1, w, h); err != nil {
		t.Fatal(err)
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := (y*w + x) * 4
			want := testPixel(20+x, 10+y)
			got := [3]byte{dst[o], dst[o+1], dst[o+2]}
			if got != want {
				t.Fatalf("pixel (%d,%d) = %v, want %v", x, y, got, want)
			}
		}
	}
}

func TestReadRegionOutsideIsTransparent(t *testing.T) {
	s, err := Open(smallPyramid(t))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	// Straddle the top-left corner: pixels with negative source
	// coordinates stay transparent.
	const w, h = 16, 16
	dst := make([]byte, 4*w*h)
	if err := s.ReadRegion(dst, -8, -8, 0, w, h); err != nil {
		t.Fatal(err)
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := (y*w + x) * 4
			sx, sy := x-8, y-8
			if sx < 0 || sy < 0 {
				if dst[o] != 0 || dst[o+1] != 0 || dst[o+2] != 0 || dst[o+3] != 0 {
					t.Fatalf("outside pixel (%d,%d) not transparent", x, y)
				}
			} else {
				want := testPixel(sx, sy)
				got := [3]byte{dst[o], dst[o+1], dst[o+2]}
				if got != want {
					t.Fatalf("pixel (%d,%d) = %v, want %v", x, y, got, want)
				}
			}
		}
	}
}

func TestReadRegionLevelOutOfRange(t *testing.T) {
	s, err := Open(smallPyramid(t))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	dst := make([]byte, 4*4*4)
	if err := s.ReadRegion(dst, 0, 0, 2, 4, 4); err == nil {
		t.Error("ReadRegion(level=2) succeeded, want error")
	}
	if err := s.ReadRegion(dst, 0, 0, -1, 4, 4); err == nil {
		t.Error("ReadRegion(level=-1) succeeded, want error")
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.bin")
	if err := os.WriteFile(path, []byte("definitely not a TIFF file"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Error("Open succeeded on garbage input")
	}
}
