// Package fft provides the centered discrete Hartley transforms used to move particle
// images into the Fourier-harmonic domain and reconstructed volumes back to real space.
//
// The Hartley transform of x is real(F(x)) - imag(F(x)), where F is the discrete
// Fourier transform. "Centered" means the zero frequency sits at index n/2 on every
// axis, both on input and output.
package fft

import (
	"fmt"

	"gonum.org/v1/gonum/dsp/fourier"
)

// HT2Center computes the centered 2D Hartley transform of an n x n real image
// stored in row-major order.
func HT2Center(img []float64, n int) ([]float64, error) {
	if len(img) != n*n {
		return nil, fmt.Errorf("image has %d values, expected %d", len(img), n*n)
	}

	shifted := make([]complex128, n*n)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			shifted[shift(y, n)*n+shift(x, n)] = complex(img[y*n+x], 0)
		}
	}

	fftAxes(shifted, []int{n, n})

	out := make([]float64, n*n)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			c := shifted[y*n+x]
			out[shift(y, n)*n+shift(x, n)] = real(c) - imag(c)
		}
	}
	return out, nil
}

// IHTNCenter inverts a centered 3D Hartley transform of an n x n x n volume
// stored in z, y, x order. The forward and inverse transforms differ only by
// the 1/n^3 scale.
func IHTNCenter(vol []float64, n int) ([]float64, error) {
	if len(vol) != n*n*n {
		return nil, fmt.Errorf("volume has %d values, expected %d", len(vol), n*n*n)
	}

	shifted := make([]complex128, n*n*n)
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				dst := (shift(z, n)*n+shift(y, n))*n + shift(x, n)
				shifted[dst] = complex(vol[(z*n+y)*n+x], 0)
			}
		}
	}

	fftAxes(shifted, []int{n, n, n})

	scale := float64(n * n * n)
	out := make([]float64, n*n*n)
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				c := shifted[(z*n+y)*n+x]
				dst := (shift(z, n)*n+shift(y, n))*n + shift(x, n)
				out[dst] = (real(c) - imag(c)) / scale
			}
		}
	}
	return out, nil
}

// Symmetrize pads a centered n x n Hartley image (n even) to (n+1) x (n+1) by
// repeating the first row and column, so that every frequency k has a partner -k.
func Symmetrize(ht []float64, n int) ([]float64, error) {
	if n%2 != 0 {
		return nil, fmt.Errorf("symmetrize expects an even box size, got %d", n)
	}
	if len(ht) != n*n {
		return nil, fmt.Errorf("image has %d values, expected %d", len(ht), n*n)
	}

	d := n + 1
	sym := make([]float64, d*d)
	for y := 0; y < n; y++ {
		copy(sym[y*d:y*d+n], ht[y*n:(y+1)*n])
		sym[y*d+n] = ht[y*n]
	}
	copy(sym[n*d:], sym[0:d])
	return sym, nil
}

// shift maps an index to its fftshift position (roll by n/2).
func shift(i, n int) int {
	return (i + n/2) % n
}

// fftAxes applies an in-place forward complex FFT along every axis of a dense
// row-major array with the given dims (slowest axis first).
func fftAxes(data []complex128, dims []int) {
	stride := 1
	for axis := len(dims) - 1; axis >= 0; axis-- {
		n := dims[axis]
		plan := fourier.NewCmplxFFT(n)
		line := make([]complex128, n)

		// Every line along this axis starts at an index whose axis
		// coordinate is zero.
		block := stride * n
		for outer := 0; outer < len(data); outer += block {
			for inner := 0; inner < stride; inner++ {
				start := outer + inner
				for k := 0; k < n; k++ {
					line[k] = data[start+k*stride]
				}
				plan.Coefficients(line, line)
				for k := 0; k < n; k++ {
					data[start+k*stride] = line[k]
				}
			}
		}
		stride = block
	}
}
