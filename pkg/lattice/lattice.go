// Package lattice precomputes the 2D grid of Fourier-space coordinates for a
// symmetrized particle image and the helpers that act on it: band-limiting masks,
// rotation into 3D, and translation of Hartley coefficients.
package lattice

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Lattice holds the slice embedding of a D x D image in the plane z=0.
type Lattice struct {
	// D is the side length (odd) of the symmetrized image
	D int

	// Extent is the coordinate of the outermost pixel, D/2
	Extent float64

	// Coords is a (D*D) x 3 matrix of (x, y, 0) rows, x varying fastest
	Coords *mat.Dense

	// Freqs2D is a (D*D) x 2 matrix of spatial frequencies in cycles per pixel
	Freqs2D *mat.Dense
}

// New creates the lattice for symmetrized images of side length d.
func New(d int) (*Lattice, error) {
	if d < 3 || d%2 == 0 {
		return nil, fmt.Errorf("lattice size must be odd and at least 3, got %d", d)
	}

	extent := float64(d / 2)
	step := 2 * extent / float64(d-1)

	coords := mat.NewDense(d*d, 3, nil)
	freqs := mat.NewDense(d*d, 2, nil)
	for y := 0; y < d; y++ {
		cy := -extent + float64(y)*step
		for x := 0; x < d; x++ {
			cx := -extent + float64(x)*step
			i := y*d + x
			coords.Set(i, 0, cx)
			coords.Set(i, 1, cy)
			freqs.Set(i, 0, cx/extent/2)
			freqs.Set(i, 1, cy/extent/2)
		}
	}

	return &Lattice{D: d, Extent: extent, Coords: coords, Freqs2D: freqs}, nil
}

// CircularMask selects the pixels within radius r (in pixels) of the zero frequency.
// The corners outside the inscribed circle are deselected.
func (l *Lattice) CircularMask(r int) ([]bool, error) {
	if 2*r+1 > l.D {
		return nil, fmt.Errorf("mask radius %d too large for lattice of size %d", r, l.D)
	}

	rad := float64(r) / float64(l.D/2) * l.Extent
	rad2 := rad * rad

	mask := make([]bool, l.D*l.D)
	for i := range mask {
		x := l.Coords.At(i, 0)
		y := l.Coords.At(i, 1)
		mask[i] = x*x+y*y <= rad2
	}
	return mask, nil
}

// Masked returns the rows of Coords selected by mask as an M x 3 matrix.
func (l *Lattice) Masked(mask []bool) *mat.Dense {
	return selectRows(l.Coords, mask)
}

// MaskedFreqs returns the rows of Freqs2D selected by mask as an M x 2 matrix.
func (l *Lattice) MaskedFreqs(mask []bool) *mat.Dense {
	return selectRows(l.Freqs2D, mask)
}

// MirrorIndex returns, for each masked pixel, the masked position of the
// pixel holding the point-reflected frequency -k. The mask must be symmetric
// under point reflection, which every circular mask is.
func (l *Lattice) MirrorIndex(mask []bool) ([]int, error) {
	n := l.D * l.D
	pos := make([]int, n)
	m := 0
	for i, keep := range mask {
		pos[i] = -1
		if keep {
			pos[i] = m
			m++
		}
	}

	mirror := make([]int, 0, m)
	for i, keep := range mask {
		if !keep {
			continue
		}
		j := pos[n-1-i]
		if j < 0 {
			return nil, fmt.Errorf("mask is not point symmetric at pixel %d", i)
		}
		mirror = append(mirror, j)
	}
	return mirror, nil
}

// Rotate computes coords @ r[0] @ r[1] ... treating each row as a row vector.
func Rotate(coords *mat.Dense, r ...mat.Matrix) *mat.Dense {
	out := mat.DenseCopyOf(coords)
	for _, m := range r {
		next := new(mat.Dense)
		next.Mul(out, m)
		out = next
	}
	return out
}

// TranslateHT shifts a masked Hartley slice by t pixels:
//
//	H'(k) = cos(phi) H(k) + sin(phi) H(-k),  phi = -2*pi*(k . t)
//
// freqs are the masked frequencies and mirror the matching MirrorIndex.
func TranslateHT(ff []float64, freqs *mat.Dense, mirror []int, t []float64) []float64 {
	out := make([]float64, len(ff))
	for i := range ff {
		phi := -2 * math.Pi * (freqs.At(i, 0)*t[0] + freqs.At(i, 1)*t[1])
		s, c := math.Sincos(phi)
		out[i] = c*ff[i] + s*ff[mirror[i]]
	}
	return out
}

func selectRows(src *mat.Dense, mask []bool) *mat.Dense {
	_, cols := src.Dims()
	count := 0
	for _, keep := range mask {
		if keep {
			count++
		}
	}

	out := mat.NewDense(count, cols, nil)
	row := 0
	for i, keep := range mask {
		if !keep {
			continue
		}
		for j := 0; j < cols; j++ {
			out.Set(row, j, src.At(i, j))
		}
		row++
	}
	return out
}
