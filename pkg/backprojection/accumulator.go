// Package backprojection accumulates corrected Fourier slices into a 3D volume.
//
// Every sample is spread over the 8 lattice corners around it with a tent
// kernel w = max(0, 1 - |c - p|), and the same weights are summed into a
// parallel count volume. Accumulation is purely additive, so accumulators
// filled from disjoint image sets can be merged in any order.
package backprojection

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// corner is one lattice vertex touched by a sample
type corner struct {
	offset int
	weight float64
}

// Accumulator is a D x D x D Fourier volume and its weight volume, centered so
// that index D/2 on every axis is the zero frequency. It is not safe for
// concurrent use; give each worker its own and Merge them.
type Accumulator struct {
	D      int
	V      []float64
	Counts []float64
}

// NewAccumulator allocates zeroed volumes of side d
func NewAccumulator(d int) *Accumulator {
	return &Accumulator{
		D:      d,
		V:      make([]float64, d*d*d),
		Counts: make([]float64, d*d*d),
	}
}

// Index returns the flat offset of voxel (x, y, z), with zero frequency at D/2
func (a *Accumulator) Index(x, y, z int) int {
	d2 := a.D / 2
	return ((z+d2)*a.D+(y+d2))*a.D + (x + d2)
}

// AddSlice splats sample values ff at the rows (x, y, z) of coords.
func (a *Accumulator) AddSlice(coords *mat.Dense, ff []float64) error {
	rows, cols := coords.Dims()
	if cols != 3 {
		return fmt.Errorf("coordinates must have 3 columns, got %d", cols)
	}
	if rows != len(ff) {
		return fmt.Errorf("%d coordinates for %d values", rows, len(ff))
	}

	var c [8]corner
	for i := 0; i < rows; i++ {
		n := a.corners(coords.At(i, 0), coords.At(i, 1), coords.At(i, 2), &c)
		v := ff[i]
		for k := 0; k < n; k++ {
			a.V[c[k].offset] += c[k].weight * v
			a.Counts[c[k].offset] += c[k].weight
		}
	}
	return nil
}

// AddPoint splats a single value at (x, y, z)
func (a *Accumulator) AddPoint(x, y, z, v float64) {
	var c [8]corner
	n := a.corners(x, y, z, &c)
	for k := 0; k < n; k++ {
		a.V[c[k].offset] += c[k].weight * v
		a.Counts[c[k].offset] += c[k].weight
	}
}

// corners fills c with the in-bounds corners of the unit cell holding p that
// carry a positive weight, and returns how many there are.
//
// Corners are floor(p) and floor(p)+1 on every axis. When p is integral on an
// axis the +1 corner sits at distance >= 1 and gets no weight, so a sample on
// a lattice vertex deposits weight exactly once.
func (a *Accumulator) corners(x, y, z float64, c *[8]corner) int {
	d2 := a.D / 2
	fx, fy, fz := math.Floor(x), math.Floor(y), math.Floor(z)

	n := 0
	for k := 0; k < 8; k++ {
		cx := fx + float64(k&1)
		cy := fy + float64((k>>1)&1)
		cz := fz + float64((k>>2)&1)

		dx, dy, dz := cx-x, cy-y, cz-z
		w := 1 - math.Sqrt(dx*dx+dy*dy+dz*dz)
		if !(w > 0) {
			continue
		}

		ix := int(cx) + d2
		iy := int(cy) + d2
		iz := int(cz) + d2
		if ix < 0 || ix >= a.D || iy < 0 || iy >= a.D || iz < 0 || iz >= a.D {
			continue
		}

		c[n] = corner{offset: (iz*a.D+iy)*a.D + ix, weight: w}
		n++
	}
	return n
}

// Merge adds other into a element-wise
func (a *Accumulator) Merge(other *Accumulator) error {
	if other.D != a.D {
		return fmt.Errorf("cannot merge accumulator of size %d into %d", other.D, a.D)
	}
	floats.Add(a.V, other.V)
	floats.Add(a.Counts, other.Counts)
	return nil
}

// Coverage returns the fraction of voxels that received any weight
func (a *Accumulator) Coverage() float64 {
	filled := 0
	for _, w := range a.Counts {
		if w != 0 {
			filled++
		}
	}
	return float64(filled) / float64(len(a.Counts))
}

// Normalize replaces zero weights with one and divides V by Counts in place,
// so voxels that were never reached stay at zero. It returns V and consumes the
// accumulator: further AddSlice calls are meaningless afterwards.
func (a *Accumulator) Normalize() []float64 {
	for i, w := range a.Counts {
		if w == 0 {
			a.Counts[i] = 1
		}
	}
	floats.Div(a.V, a.Counts)
	return a.V
}

// Crop drops the last plane on every axis of a D^3 volume, returning the
// (D-1)^3 box that matches the original image size.
func Crop(vol []float64, d int) []float64 {
	n := d - 1
	out := make([]float64, n*n*n)
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			src := (z*d + y) * d
			copy(out[(z*n+y)*n:(z*n+y)*n+n], vol[src:src+n])
		}
	}
	return out
}
