package resample

import (
	"math"
	"testing"
)

// gradientBuffer builds a w x h RGBA buffer where pixel (x, y) has
// R=x, G=y, B=x+y, A=255 (all mod 256).
func gradientBuffer(w, h int) []byte {
	pix := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := (y*w + x) * 4
			pix[o] = byte(x)
			pix[o+1] = byte(y)
			pix[o+2] = byte(x + y)
			pix[o+3] = 255
		}
	}
	return pix
}

func TestInterpolateStatus(t *testing.T) {
	ip := New(gradientBuffer(8, 8), 8, 8)

	tests := []struct {
		name string
		u, v float32
		want Status
	}{
		{"center", 3.5, 3.5, Inside},
		{"origin", 0, 0, Inside},
		{"last full cell", 6.0, 6.0, Inside},
		{"right edge", 7.0, 3.0, Border},
		{"bottom edge", 3.0, 7.5, Border},
		{"just left of image", -0.5, 3.0, Border},
		{"far left", -1.5, 3.0, Outside},
		{"past right", 8.0, 3.0, Outside},
		{"past bottom", 3.0, 8.0, Outside},
		{"above", 3.0, -2.0, Outside},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, got := ip.Interpolate(tt.u, tt.v)
			if got != tt.want {
				t.Errorf("Interpolate(%v, %v) status = %v, want %v", tt.u, tt.v, got, tt.want)
			}
		})
	}
}

func TestInterpolateExactPixel(t *testing.T) {
	ip := New(gradientBuffer(8, 8), 8, 8)

	rgba, status := ip.Interpolate(5, 3)
	if status != Inside {
		t.Fatalf("status = %v, want Inside", status)
	}
	want := [4]float32{5, 3, 8, 255}
	if rgba != want {
		t.Errorf("Interpolate(5, 3) = %v, want %v", rgba, want)
	}
}

func TestInterpolateMidpoint(t *testing.T) {
	ip := New(gradientBuffer(8, 8), 8, 8)

	// Midway between columns 2 and 3 on row 4: R averages to 2.5.
	rgba, status := ip.Interpolate(2.5, 4)
	if status != Inside {
		t.Fatalf("status = %v, want Inside", status)
	}
	if math.Abs(float64(rgba[0])-2.5) > 1e-5 {
		t.Errorf("R = %v, want 2.5", rgba[0])
	}
	if math.Abs(float64(rgba[1])-4) > 1e-5 {
		t.Errorf("G = %v, want 4", rgba[1])
	}
	if math.Abs(float64(rgba[3])-255) > 1e-5 {
		t.Errorf("A = %v, want 255", rgba[3])
	}
}

func TestInterpolateBorderZeroFill(t *testing.T) {
	// 2x2 buffer of solid white; sampling half a pixel off the right edge
	// blends 50/50 with the zero padding.
	pix := make([]byte, 2*2*4)
	for i := range pix {
		pix[i] = 255
	}
	ip := New(pix, 2, 2)

	rgba, status := ip.Interpolate(1.5, 0)
	if status != Border {
		t.Fatalf("status = %v, want Border", status)
	}
	for c := 0; c < 4; c++ {
		if math.Abs(float64(rgba[c])-127.5) > 1e-4 {
			t.Errorf("channel %d = %v, want 127.5", c, rgba[c])
		}
	}
}

func TestInterpolateNegativeFraction(t *testing.T) {
	// At u = -0.25 the floor index is -1 with fu = 0.75, so 75% of the
	// weight lands on column 0 and 25% on the zero padding at column -1.
	pix := make([]byte, 4*4*4)
	for i := range pix {
		pix[i] = 200
	}
	ip := New(pix, 4, 4)

	rgba, status := ip.Interpolate(-0.25, 1)
	if status != Border {
		t.Fatalf("status = %v, want Border", status)
	}
	if math.Abs(float64(rgba[0])-150) > 1e-4 {
		t.Errorf("R = %v, want 150", rgba[0])
	}
}
