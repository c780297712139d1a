package dataset

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrTiltCount reports tilt metadata that does not cover the particle stack
var ErrTiltCount = errors.New("tilt metadata does not match particle count")

// Critical exposure curve constants from Grant & Grigorieff (2015), eLife 4:e06980
const (
	criticalA    = 0.245
	criticalB    = -1.665
	criticalC    = 2.81
	scale200kV   = 0.75
	voltage200kV = 200.0
)

// CriticalExposure returns the dose in electrons/A^2 at which signal at spatial
// frequency freq (1/A) has decayed by 1/e. The zero frequency never decays.
func CriticalExposure(freq, voltage float64) float64 {
	scale := 1.0
	if voltage == voltage200kV {
		scale = scale200kV
	}
	return criticalA*scale*math.Pow(freq, criticalB) + criticalC
}

// TiltFile is the on-disk tilt-series metadata, one entry per image of the stack
type TiltFile struct {
	// Groups assigns every image to the particle it was extracted from
	Groups []int `yaml:"groups"`

	// ScaleFactors is the CTF scale factor of every image, cos(stage tilt)
	ScaleFactors []float64 `yaml:"scaleFactors"`
}

// TiltSeries holds per-image dose bookkeeping for a (filtered) tilt series
type TiltSeries struct {
	// TiltNumbers is the acquisition order of every image within its particle
	TiltNumbers []int

	// TiltAngles is TiltNumbers times the angle increment, in degrees
	TiltAngles []float64

	// ScaleFactors are appended to the CTF parameters of every image
	ScaleFactors []float64

	DosePerTilt float64
	Voltage     float64
}

// LoadTiltSeries reads tilt metadata for a stack of n images and keeps the
// entries selected by ind (all when nil).
func LoadTiltSeries(path string, n int, ind []int, dosePerTilt, anglePerTilt, voltage float64) (*TiltSeries, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading tilt metadata: %w", err)
	}

	var f TiltFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("error parsing tilt metadata: %w", err)
	}

	return NewTiltSeries(&f, n, ind, dosePerTilt, anglePerTilt, voltage)
}

// NewTiltSeries ranks the images of every particle by decreasing scale factor,
// so the least tilted image of a dose-symmetric series gets tilt number 0.
// Ranking happens over the whole stack before index filtering.
func NewTiltSeries(f *TiltFile, n int, ind []int, dosePerTilt, anglePerTilt, voltage float64) (*TiltSeries, error) {
	if len(f.Groups) != n || len(f.ScaleFactors) != n {
		return nil, fmt.Errorf("%w: %d groups and %d scale factors, stack has %d images",
			ErrTiltCount, len(f.Groups), len(f.ScaleFactors), n)
	}
	if dosePerTilt < 0 {
		return nil, fmt.Errorf("dose per tilt must not be negative, got %f", dosePerTilt)
	}

	members := make(map[int][]int)
	for i, g := range f.Groups {
		members[g] = append(members[g], i)
	}

	numbers := make([]int, n)
	for _, imgs := range members {
		sort.SliceStable(imgs, func(a, b int) bool {
			return f.ScaleFactors[imgs[a]] > f.ScaleFactors[imgs[b]]
		})
		for rank, img := range imgs {
			numbers[img] = rank
		}
	}

	if ind == nil {
		ind = make([]int, n)
		for i := range ind {
			ind[i] = i
		}
	}

	ts := &TiltSeries{
		TiltNumbers:  make([]int, len(ind)),
		TiltAngles:   make([]float64, len(ind)),
		ScaleFactors: make([]float64, len(ind)),
		DosePerTilt:  dosePerTilt,
		Voltage:      voltage,
	}
	for i, idx := range ind {
		if idx < 0 || idx >= n {
			return nil, fmt.Errorf("index %d out of range for %d tilt images", idx, n)
		}
		ts.TiltNumbers[i] = numbers[idx]
		ts.TiltAngles[i] = float64(numbers[idx]) * anglePerTilt
		ts.ScaleFactors[i] = f.ScaleFactors[idx]
	}
	return ts, nil
}

// Len returns the number of images after index filtering
func (t *TiltSeries) Len() int {
	return len(t.TiltNumbers)
}

// Dose returns the cumulative exposure of image i before it was recorded
func (t *TiltSeries) Dose(i int) float64 {
	return float64(t.TiltNumbers[i]) * t.DosePerTilt
}
