package lattice

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestNewLatticeCoordinates(t *testing.T) {
	l, err := New(5)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	rows, cols := l.Coords.Dims()
	if rows != 25 || cols != 3 {
		t.Fatalf("Expected 25x3 coords, got %dx%d", rows, cols)
	}

	// First pixel is the (-2,-2) corner, x varies fastest.
	if l.Coords.At(0, 0) != -2 || l.Coords.At(0, 1) != -2 {
		t.Errorf("Unexpected first coordinate (%f,%f)", l.Coords.At(0, 0), l.Coords.At(0, 1))
	}
	if l.Coords.At(1, 0) != -1 || l.Coords.At(1, 1) != -2 {
		t.Errorf("Unexpected second coordinate (%f,%f)", l.Coords.At(1, 0), l.Coords.At(1, 1))
	}
	if l.Coords.At(12, 0) != 0 || l.Coords.At(12, 1) != 0 {
		t.Errorf("Center pixel should be the zero frequency")
	}
	if l.Freqs2D.At(24, 0) != 0.5 {
		t.Errorf("Nyquist frequency should be 0.5, got %f", l.Freqs2D.At(24, 0))
	}
	for i := 0; i < rows; i++ {
		if l.Coords.At(i, 2) != 0 {
			t.Fatalf("Slice must lie in z=0")
		}
	}
}

func TestNewRejectsEvenSize(t *testing.T) {
	if _, err := New(8); err == nil {
		t.Errorf("Expected error for even lattice size")
	}
	if _, err := New(1); err == nil {
		t.Errorf("Expected error for tiny lattice")
	}
}

func TestCircularMask(t *testing.T) {
	l, _ := New(5)
	mask, err := l.CircularMask(2)
	if err != nil {
		t.Fatalf("CircularMask failed: %v", err)
	}

	// Corners lie at radius 2*sqrt(2) and are excluded, the axes at radius 2 are kept.
	if mask[0] || mask[4] || mask[20] || mask[24] {
		t.Errorf("Corners should be masked out")
	}
	if !mask[2] || !mask[10] || !mask[12] || !mask[14] || !mask[22] {
		t.Errorf("On-axis pixels within the radius should be selected")
	}

	count := 0
	for _, keep := range mask {
		if keep {
			count++
		}
	}
	if count != 13 {
		t.Errorf("Expected 13 selected pixels, got %d", count)
	}

	if _, err := l.CircularMask(3); err == nil {
		t.Errorf("Expected error for radius beyond the lattice")
	}
}

func TestMirrorIndex(t *testing.T) {
	l, _ := New(5)
	mask, _ := l.CircularMask(2)
	coords := l.Masked(mask)
	mirror, err := l.MirrorIndex(mask)
	if err != nil {
		t.Fatalf("MirrorIndex failed: %v", err)
	}

	for i, j := range mirror {
		if coords.At(i, 0) != -coords.At(j, 0) || coords.At(i, 1) != -coords.At(j, 1) {
			t.Errorf("Pixel %d does not mirror to %d", i, j)
		}
	}
}

func TestRotateComposesRowVectors(t *testing.T) {
	coords := mat.NewDense(1, 3, []float64{1, 0, 0})

	// 90 degrees about z: row vector (1,0,0) @ R = (0,1,0) with R rows (0,1,0),(-1,0,0),(0,0,1).
	rz := mat.NewDense(3, 3, []float64{
		0, 1, 0,
		-1, 0, 0,
		0, 0, 1,
	})
	out := Rotate(coords, rz)
	if out.At(0, 0) != 0 || out.At(0, 1) != 1 || out.At(0, 2) != 0 {
		t.Errorf("Unexpected rotated coordinate %v", mat.Formatted(out))
	}

	twice := Rotate(coords, rz, rz)
	if twice.At(0, 0) != -1 || twice.At(0, 1) != 0 {
		t.Errorf("Unexpected composed rotation %v", mat.Formatted(twice))
	}

	if coords.At(0, 0) != 1 {
		t.Errorf("Rotate must not modify its input")
	}
}

func TestTranslateHTRoundTrip(t *testing.T) {
	l, _ := New(9)
	mask, _ := l.CircularMask(4)
	freqs := l.MaskedFreqs(mask)
	mirror, _ := l.MirrorIndex(mask)

	rows, _ := freqs.Dims()
	ff := make([]float64, rows)
	for i := range ff {
		ff[i] = math.Cos(float64(i)*1.3) + 0.25*float64(i%3)
	}

	shift := []float64{1.75, -0.5}
	moved := TranslateHT(ff, freqs, mirror, shift)
	back := TranslateHT(moved, freqs, mirror, []float64{-shift[0], -shift[1]})

	for i := range ff {
		if math.Abs(back[i]-ff[i]) > 1e-9 {
			t.Fatalf("Round trip mismatch at %d: got %f want %f", i, back[i], ff[i])
		}
	}
}

func TestTranslateHTZeroShiftIsIdentity(t *testing.T) {
	l, _ := New(5)
	mask, _ := l.CircularMask(2)
	freqs := l.MaskedFreqs(mask)
	mirror, _ := l.MirrorIndex(mask)

	ff := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13}
	out := TranslateHT(ff, freqs, mirror, []float64{0, 0})
	for i := range ff {
		if out[i] != ff[i] {
			t.Errorf("Index %d changed under zero shift", i)
		}
	}
}
