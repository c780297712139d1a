// Package ctf evaluates the microscope contrast transfer function and loads the
// per-image CTF parameter table.
package ctf

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Params holds the optical parameters of one particle image
type Params struct {
	// Apix is the pixel size in Angstrom
	Apix float64 `yaml:"apix"`

	// DefocusU and DefocusV are the major and minor defocus in Angstrom
	DefocusU float64 `yaml:"dfu"`
	DefocusV float64 `yaml:"dfv"`

	// DefocusAngle is the astigmatism angle in degrees
	DefocusAngle float64 `yaml:"dfang"`

	// Voltage is the accelerating voltage in kV
	Voltage float64 `yaml:"voltage"`

	// SphericalAberration is Cs in mm
	SphericalAberration float64 `yaml:"cs"`

	// AmplitudeContrast is the amplitude contrast ratio w
	AmplitudeContrast float64 `yaml:"w"`

	// PhaseShift is the phase plate shift in degrees
	PhaseShift float64 `yaml:"phaseShift"`

	// ScaleFactor multiplies the CTF when non-zero (tilt series). Zero means unset.
	ScaleFactor float64 `yaml:"scaleFactor,omitempty"`

	// BFactor applies an exp(-B/4 s^2) envelope when non-zero
	BFactor float64 `yaml:"bfactor,omitempty"`
}

// Wavelength returns the relativistic electron wavelength in Angstrom for a
// voltage in kV.
func Wavelength(kv float64) float64 {
	volt := kv * 1000
	return 12.2639 / math.Sqrt(volt+0.97845e-6*volt*volt)
}

// Compute evaluates the CTF at each row (x, y) of freqs, given in 1/Angstrom.
func Compute(freqs *mat.Dense, p Params) []float64 {
	rows, _ := freqs.Dims()

	lam := Wavelength(p.Voltage)
	cs := p.SphericalAberration * 1e7
	dfang := p.DefocusAngle * math.Pi / 180
	phase := p.PhaseShift * math.Pi / 180
	amp := math.Sqrt(1 - p.AmplitudeContrast*p.AmplitudeContrast)

	out := make([]float64, rows)
	for i := 0; i < rows; i++ {
		x := freqs.At(i, 0)
		y := freqs.At(i, 1)
		ang := math.Atan2(y, x)
		s2 := x*x + y*y

		df := 0.5 * (p.DefocusU + p.DefocusV + (p.DefocusU-p.DefocusV)*math.Cos(2*(ang-dfang)))
		gamma := 2*math.Pi*(-0.5*df*lam*s2+0.25*cs*lam*lam*lam*s2*s2) - phase

		c := amp*math.Sin(gamma) - p.AmplitudeContrast*math.Cos(gamma)
		if p.ScaleFactor != 0 {
			c *= p.ScaleFactor
		}
		if p.BFactor != 0 {
			c *= math.Exp(-p.BFactor / 4 * s2)
		}
		out[i] = c
	}
	return out
}

// Sign maps every value to -1, 0 or +1.
func Sign(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		switch {
		case v > 0:
			out[i] = 1
		case v < 0:
			out[i] = -1
		}
	}
	return out
}
