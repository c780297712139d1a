package models

import (
	"gonum.org/v1/gonum/mat"
)

// Image represents a single particle image in the Fourier-harmonic domain
type Image struct {
	// Data holds the symmetrized Hartley coefficients in row-major (y, x) order
	Data []float64

	// Index is the position of this image in the (filtered) particle stack
	Index int

	// D is the side length of the symmetrized image (box size + 1, always odd)
	D int
}

// Pose is the known orientation of one particle image
type Pose struct {
	// Rotation is the 3x3 rotation applied to the lattice as coords @ Rotation
	Rotation *mat.Dense

	// Translation is the in-plane shift in pixels, nil when the pose has none
	Translation []float64
}

// Volume represents a 3D volume reconstructed from particle images
type Volume struct {
	// Data is the 3D volume data as a 1D array in z, y, x order
	Data []float64

	// D is the side length of the cubic volume in voxels
	D int

	// VoxelSize is the physical size of each voxel in Angstrom
	VoxelSize float64
}

// At returns the voxel value at (x, y, z)
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[z*v.D*v.D+y*v.D+x]
}

// Stats summarizes the density values of a volume.
// These are written into the output file header and reported at the end of a run.
type Stats struct {
	Min  float64
	Max  float64
	Mean float64

	// RMS is the standard deviation of the density around Mean
	RMS float64

	// Coverage is the fraction of Fourier voxels that received any weight
	Coverage float64
}
