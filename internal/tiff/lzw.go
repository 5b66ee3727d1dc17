package tiff

// TIFF-variant LZW decoder.
//
// TIFF LZW differs from the GIF/PDF flavor implemented by Go's compress/lzw
// in when the code width grows: TIFF widens one code earlier ("early
// change"), so feeding a TIFF stream to compress/lzw fails with invalid
// codes partway through. This decoder follows the TIFF 6.0 specification,
// MSB-first bit packing.

import (
	"errors"
	"io"
)

const (
	lzwMaxWidth   = 12
	lzwTableSize  = 1 << lzwMaxWidth
	lzwClearCode  = 256
	lzwEOICode    = 257
	lzwFirstEntry = 258
)

// decompressLZW decompresses a TIFF LZW stream.
func decompressLZW(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	d := lzwDecoder{src: data}
	return d.decode()
}

type lzwDecoder struct {
	src    []byte
	bitPos int

	// Code table as parallel arrays: each entry extends the string at
	// prefix[c] by suffix[c]; length[c] is the full expanded length.
	// Codes 0-255 are the single-byte literals, 256/257 are reserved.
	prefix [lzwTableSize + 1]int32
	suffix [lzwTableSize + 1]byte
	length [lzwTableSize + 1]int32
}

// nextCode reads one code of the given width, MSB first.
func (d *lzwDecoder) nextCode(width int) (int, error) {
	code := 0
	for i := 0; i < width; i++ {
		byteIdx := d.bitPos >> 3
		if byteIdx >= len(d.src) {
			return 0, io.ErrUnexpectedEOF
		}
		bit := (d.src[byteIdx] >> (7 - d.bitPos&7)) & 1
		code = code<<1 | int(bit)
		d.bitPos++
	}
	return code, nil
}

// expand appends the full string for code to dst and returns the result.
// The string is materialized back-to-front by following prefix links.
func (d *lzwDecoder) expand(dst []byte, code int) []byte {
	start := len(dst)
	n := int(d.length[code])
	dst = append(dst, make([]byte, n)...)
	for i := n - 1; i >= 0; i-- {
		dst[start+i] = d.suffix[code]
		code = int(d.prefix[code])
	}
	return dst
}

func (d *lzwDecoder) decode() ([]byte, error) {
	for i := 0; i < 256; i++ {
		d.prefix[i] = -1
		d.suffix[i] = byte(i)
		d.length[i] = 1
	}

	next := lzwFirstEntry
	width := 9

	// The stream must open with a clear code.
	code, err := d.nextCode(width)
	if err != nil {
		return nil, err
	}
	if code != lzwClearCode {
		return nil, errors.New("lzw: stream does not start with clear code")
	}

	var out []byte
	prev := -1

	for {
		code, err := d.nextCode(width)
		if err != nil {
			if err == io.ErrUnexpectedEOF {
				// Streams commonly end at the data boundary without an
				// explicit EOI.
				return out, nil
			}
			return nil, err
		}

		switch {
		case code == lzwEOICode:
			return out, nil

		case code == lzwClearCode:
			next = lzwFirstEntry
			width = 9
			prev = -1
			continue

		case prev == -1:
			// First code after a clear must be a literal.
			if code >= 256 {
				return nil, errors.New("lzw: non-literal code after clear")
			}
			out = append(out, byte(code))

		case code < next:
			mark := len(out)
			out = d.expand(out, code)
			if next <= lzwTableSize {
				d.prefix[next] = int32(prev)
				d.suffix[next] = out[mark]
				d.length[next] = d.length[prev] + 1
				next++
			}

		case code == next:
			// KwKwK: the code being defined right now. Its expansion is
			// prev's string followed by prev's first byte.
			mark := len(out)
			out = d.expand(out, prev)
			out = append(out, out[mark])
			if next <= lzwTableSize {
				d.prefix[next] = int32(prev)
				d.suffix[next] = out[mark]
				d.length[next] = d.length[prev] + 1
				next++
			}

		default:
			return nil, errors.New("lzw: invalid code")
		}

		// Early change: widen once the next entry to assign is one short of
		// overflowing the current width (e.g. at entry 511 for 9 bits).
		if next+1 >= 1<<width && width < lzwMaxWidth {
			width++
		}

		prev = code
	}
}
