// Package dataset loads particle image stacks and serves their symmetrized,
// centered Hartley transforms, plus the tilt-series dose bookkeeping.
package dataset

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"cryobackproject/internal/models"
	"cryobackproject/pkg/fft"
)

// normSamples bounds how many images are used to estimate normalization
const normSamples = 1000

// Options controls how a particle stack is read
type Options struct {
	// InvertData flips the sign of every real-space image
	InvertData bool

	// Norm is the (shift, scale) applied to the Hartley coefficients,
	// estimated from the data when empty
	Norm []float64

	// Datadir is the path prefix for relative entries of a .txt stack list
	Datadir string

	// Ind restricts the dataset to these stack indices, in order
	Ind []int

	// Lazy reads and transforms images on demand instead of preloading
	Lazy bool
}

// ImageDataset serves the Hartley-domain images of a (filtered) particle stack.
// Get is safe for concurrent use.
type ImageDataset struct {
	src     *source
	ind     []int
	boxSize int
	norm    [2]float64
	invert  bool

	// images holds every transformed image when loaded eagerly
	images [][]float64
}

// Load opens the particle file at path and prepares it according to opts.
func Load(path string, opts Options) (*ImageDataset, error) {
	src, err := openSource(path, opts.Datadir)
	if err != nil {
		return nil, err
	}

	if src.nx != src.ny {
		src.close()
		return nil, fmt.Errorf("particles must be square, got %dx%d", src.nx, src.ny)
	}
	if src.nx%2 != 0 {
		src.close()
		return nil, fmt.Errorf("particle box size must be even, got %d", src.nx)
	}

	ind := opts.Ind
	if ind == nil {
		ind = make([]int, src.total)
		for i := range ind {
			ind[i] = i
		}
	}
	for _, idx := range ind {
		if idx < 0 || idx >= src.total {
			src.close()
			return nil, fmt.Errorf("index %d out of range for %d particles", idx, src.total)
		}
	}
	if len(ind) == 0 {
		src.close()
		return nil, fmt.Errorf("index selection is empty")
	}

	d := &ImageDataset{
		src:     src,
		ind:     ind,
		boxSize: src.nx,
		norm:    [2]float64{0, 1},
		invert:  opts.InvertData,
	}

	if len(opts.Norm) == 2 {
		d.norm = [2]float64{opts.Norm[0], opts.Norm[1]}
	} else {
		if d.norm, err = d.estimateNorm(); err != nil {
			src.close()
			return nil, err
		}
	}

	if !opts.Lazy {
		d.images = make([][]float64, len(ind))
		for i := range ind {
			img, err := d.transform(i)
			if err != nil {
				src.close()
				return nil, err
			}
			d.images[i] = img
		}
	}

	return d, nil
}

// Len returns the number of images after index filtering
func (d *ImageDataset) Len() int {
	return len(d.ind)
}

// Total returns the number of images in the stack before index filtering
func (d *ImageDataset) Total() int {
	return d.src.total
}

// BoxSize returns the side length of the raw images
func (d *ImageDataset) BoxSize() int {
	return d.boxSize
}

// D returns the side length of the symmetrized Hartley images (BoxSize + 1)
func (d *ImageDataset) D() int {
	return d.boxSize + 1
}

// Apix returns the pixel size recorded in the stack header
func (d *ImageDataset) Apix() float64 {
	return d.src.apix()
}

// Norm returns the (shift, scale) applied to the coefficients
func (d *ImageDataset) Norm() [2]float64 {
	return d.norm
}

// Get returns image i of the filtered dataset in the Hartley domain.
func (d *ImageDataset) Get(i int) (*models.Image, error) {
	if i < 0 || i >= len(d.ind) {
		return nil, fmt.Errorf("image %d out of range for dataset of %d", i, len(d.ind))
	}

	if d.images != nil {
		return &models.Image{Data: d.images[i], Index: i, D: d.D()}, nil
	}

	img, err := d.transform(i)
	if err != nil {
		return nil, err
	}
	return &models.Image{Data: img, Index: i, D: d.D()}, nil
}

// Close releases the underlying files
func (d *ImageDataset) Close() {
	d.src.close()
}

// transform reads filtered image i and returns its normalized, symmetrized
// centered Hartley transform.
func (d *ImageDataset) transform(i int) ([]float64, error) {
	sym, err := d.hartley(i)
	if err != nil {
		return nil, err
	}
	for k := range sym {
		sym[k] = (sym[k] - d.norm[0]) / d.norm[1]
	}
	return sym, nil
}

func (d *ImageDataset) hartley(i int) ([]float64, error) {
	raw, err := d.src.image(d.ind[i])
	if err != nil {
		return nil, err
	}
	if d.invert {
		for k := range raw {
			raw[k] = -raw[k]
		}
	}

	ht, err := fft.HT2Center(raw, d.boxSize)
	if err != nil {
		return nil, fmt.Errorf("image %d: %w", d.ind[i], err)
	}
	return fft.Symmetrize(ht, d.boxSize)
}

// estimateNorm computes (0, std) of the Hartley coefficients over the first
// normSamples images. The shift is kept at zero so the DC term is not biased.
func (d *ImageDataset) estimateNorm() ([2]float64, error) {
	count := len(d.ind)
	if count > normSamples {
		count = normSamples
	}

	var values []float64
	for i := 0; i < count; i++ {
		sym, err := d.hartley(i)
		if err != nil {
			return [2]float64{}, err
		}
		values = append(values, sym...)
	}

	_, std := stat.MeanStdDev(values, nil)
	if std == 0 {
		return [2]float64{0, 1}, nil
	}
	return [2]float64{0, std}, nil
}
