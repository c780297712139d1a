// Package slicing turns one particle image into a corrected Fourier slice ready
// for back-projection: it selects the band-limited coefficients, applies the
// per-image corrections in a fixed order, and places the slice in 3D.
package slicing

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"cryobackproject/pkg/ctf"
	"cryobackproject/pkg/dataset"
	"cryobackproject/pkg/lattice"
)

// Step is one correction over the masked coefficients. Steps never modify
// their input.
type Step func(ff []float64) []float64

// Pipeline applies its steps in order
type Pipeline []Step

// Apply runs every step over ff and returns the result
func (p Pipeline) Apply(ff []float64) []float64 {
	out := ff
	for _, step := range p {
		out = step(out)
	}
	return out
}

// Dose describes the exposure history of one tilt image
type Dose struct {
	// Cumulative is the dose received before this image, electrons/A^2
	Cumulative float64

	// TiltAngle is the stage tilt in degrees
	TiltAngle float64

	// Apix converts frequencies from cycles/pixel to 1/A
	Apix float64

	// Voltage selects the critical exposure curve, kV
	Voltage float64
}

// Corrections gathers everything known about one image. Nil fields skip the
// matching step.
type Corrections struct {
	Translation []float64
	CTF         *ctf.Params
	Dose        *Dose
}

// Geometry is the masked lattice shared by every image of a run. It is
// read-only after construction and safe for concurrent use.
type Geometry struct {
	mask   []bool
	coords *mat.Dense
	freqs  *mat.Dense
	mirror []int
	radius []float64
}

// NewGeometry precomputes the masked coordinates, frequencies and mirror map.
func NewGeometry(l *lattice.Lattice, mask []bool) (*Geometry, error) {
	if len(mask) != l.D*l.D {
		return nil, fmt.Errorf("mask has %d entries, lattice has %d pixels", len(mask), l.D*l.D)
	}

	mirror, err := l.MirrorIndex(mask)
	if err != nil {
		return nil, err
	}

	g := &Geometry{
		mask:   mask,
		coords: l.Masked(mask),
		freqs:  l.MaskedFreqs(mask),
		mirror: mirror,
	}

	rows, _ := g.freqs.Dims()
	g.radius = make([]float64, rows)
	for i := range g.radius {
		g.radius[i] = math.Hypot(g.freqs.At(i, 0), g.freqs.At(i, 1))
	}
	return g, nil
}

// Len returns the number of masked coefficients per slice
func (g *Geometry) Len() int {
	return len(g.mirror)
}

// Select extracts the masked coefficients of a full D x D image.
func (g *Geometry) Select(img []float64) ([]float64, error) {
	if len(img) != len(g.mask) {
		return nil, fmt.Errorf("image has %d coefficients, lattice has %d", len(img), len(g.mask))
	}
	out := make([]float64, 0, g.Len())
	for i, keep := range g.mask {
		if keep {
			out = append(out, img[i])
		}
	}
	return out, nil
}

// Translate shifts the slice by t pixels as a Hartley phase shift.
func (g *Geometry) Translate(t []float64) Step {
	return func(ff []float64) []float64 {
		return lattice.TranslateHT(ff, g.freqs, g.mirror, t)
	}
}

// FlipCTFSign multiplies every coefficient by the sign of the CTF at its
// frequency, undoing the phase flips introduced by the microscope.
func (g *Geometry) FlipCTFSign(p ctf.Params) Step {
	var scaled mat.Dense
	scaled.Scale(1/p.Apix, g.freqs)
	sign := ctf.Sign(ctf.Compute(&scaled, p))

	return func(ff []float64) []float64 {
		out := make([]float64, len(ff))
		for i := range ff {
			out[i] = ff[i] * sign[i]
		}
		return out
	}
}

// AttenuateDose weights every coefficient by exp(-dose / Ne(|k|)), where Ne is
// the critical exposure at that frequency.
func (g *Geometry) AttenuateDose(d Dose) Step {
	weights := make([]float64, len(g.radius))
	for i, r := range g.radius {
		weights[i] = math.Exp(-d.Cumulative / dataset.CriticalExposure(r/d.Apix, d.Voltage))
	}

	return func(ff []float64) []float64 {
		out := make([]float64, len(ff))
		for i := range ff {
			out[i] = ff[i] * weights[i]
		}
		return out
	}
}

// Foreshorten scales the whole slice by cos(angle), the projected thickness
// correction of a tilted specimen.
func Foreshorten(angleDeg float64) Step {
	c := math.Cos(angleDeg * math.Pi / 180)
	return func(ff []float64) []float64 {
		out := make([]float64, len(ff))
		for i := range ff {
			out[i] = ff[i] * c
		}
		return out
	}
}

// Pipeline builds the correction sequence for one image:
// translate, flip CTF sign, attenuate dose, foreshorten.
func (g *Geometry) Pipeline(c Corrections) Pipeline {
	var p Pipeline
	if c.Translation != nil {
		p = append(p, g.Translate(c.Translation))
	}
	if c.CTF != nil {
		p = append(p, g.FlipCTFSign(*c.CTF))
	}
	if c.Dose != nil {
		p = append(p, g.AttenuateDose(*c.Dose), Foreshorten(c.Dose.TiltAngle))
	}
	return p
}

// Place rotates the masked slice into 3D: coords[mask] @ rots[0] @ rots[1] ...
// For a tilt image pass the tilt matrix before the particle rotation.
func (g *Geometry) Place(rots ...mat.Matrix) *mat.Dense {
	return lattice.Rotate(g.coords, rots...)
}

// Transform selects, corrects and places one image.
func (g *Geometry) Transform(img []float64, c Corrections, rots ...mat.Matrix) ([]float64, *mat.Dense, error) {
	ff, err := g.Select(img)
	if err != nil {
		return nil, nil, err
	}
	return g.Pipeline(c).Apply(ff), g.Place(rots...), nil
}
