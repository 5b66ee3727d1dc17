package tiff

import (
	"bytes"
	"testing"
)

// packCodes packs 9-bit codes MSB-first, the width used before the table
// grows past entry 510.
func packCodes(codes []int) []byte {
	var out []byte
	var acc uint32
	bits := 0
	for _, c := range codes {
		acc = acc<<9 | uint32(c)
		bits += 9
		for bits >= 8 {
			out = append(out, byte(acc>>(bits-8)))
			bits -= 8
		}
	}
	if bits > 0 {
		out = append(out, byte(acc<<(8-bits)))
	}
	return out
}

func TestLZWLiterals(t *testing.T) {
	data := packCodes([]int{lzwClearCode, 'A', 'B', 'C', lzwEOICode})
	got, err := decompressLZW(data)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("ABC")) {
		t.Errorf("decoded %q, want %q", got, "ABC")
	}
}

func TestLZWTableEntry(t *testing.T) {
	// After 'A' then 'B', entry 258 is the string "AB".
	data := packCodes([]int{lzwClearCode, 'A', 'B', 258, lzwEOICode})
	got, err := decompressLZW(data)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("ABAB")) {
		t.Errorf("decoded %q, want %q", got, "ABAB")
	}
}

func TestLZWKwKwK(t *testing.T) {
	// Code 258 is emitted while it is being defined: the decoder must
	// expand it as prev + prev[0], i.e. "AA".
	data := packCodes([]int{lzwClearCode, 'A', 258, lzwEOICode})
	got, err := decompressLZW(data)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("AAA")) {
		t.Errorf("decoded %q, want %q", got, "AAA")
	}
}

func TestLZWMidStreamClear(t *testing.T) {
	data := packCodes([]int{lzwClearCode, 'A', 'B', lzwClearCode, 'C', 'D', lzwEOICode})
	got, err := decompressLZW(data)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("ABCD")) {
		t.Errorf("decoded %q, want %q", got, "ABCD")
	}
}

func TestLZWErrors(t *testing.T) {
	// Missing leading clear code.
	if _, err := decompressLZW(packCodes([]int{'A', 'B', lzwEOICode})); err == nil {
		t.Error("stream without clear code decoded without error")
	}

	// Reference to a code far beyond the table.
	if _, err := decompressLZW(packCodes([]int{lzwClearCode, 'A', 400, lzwEOICode})); err == nil {
		t.Error("undefined code decoded without error")
	}
}

func TestLZWEmptyInput(t *testing.T) {
	got, err := decompressLZW(nil)
	if err != nil || got != nil {
		t.Errorf("decompressLZW(nil) = (%v, %v), want (nil, nil)", got, err)
	}
}

func TestUndoHorizontalDifferencing(t *testing.T) {
	// Single-sample rows: values accumulate left to right, wrapping mod 256.
	data := []byte{10, 5, 251, 100, 200, 200}
	undoHorizontalDifferencing(data, 3, 1)
	want := []byte{10, 15, 10, 100, 44, 244}
	if !bytes.Equal(data, want) {
		t.Errorf("got %v, want %v", data, want)
	}
}
