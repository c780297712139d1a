// Package pose loads the known particle orientations and serves them per image.
package pose

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"cryobackproject/internal/models"
)

// ErrCount reports a pose table that does not cover the particle stack
var ErrCount = errors.New("pose count does not match particle count")

// orthoTolerance bounds |R^T R - I| for a rotation to be accepted
const orthoTolerance = 1e-3

// File is the on-disk pose table
type File struct {
	// Rotations holds one 3x3 rotation per image, rows first
	Rotations [][3][3]float64 `yaml:"rotations"`

	// Translations holds one (x, y) shift per image, optional
	Translations [][2]float64 `yaml:"translations,omitempty"`

	// TranslationUnits is "pixels" (default) or "fraction" of the box size
	TranslationUnits string `yaml:"translationUnits,omitempty"`
}

// Tracker serves poses for the images of a filtered particle stack
type Tracker struct {
	rots  []*mat.Dense
	trans [][]float64
}

// Load reads a pose table, checks it covers all n images of the stack, and keeps
// the entries selected by ind (all when ind is nil).
func Load(path string, n, boxSize int, ind []int) (*Tracker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading pose file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("error parsing pose file: %w", err)
	}

	return FromFile(&f, n, boxSize, ind)
}

// FromFile validates an in-memory pose table and builds a Tracker.
func FromFile(f *File, n, boxSize int, ind []int) (*Tracker, error) {
	if len(f.Rotations) != n {
		return nil, fmt.Errorf("%w: pose file has %d rotations, particle stack has %d images", ErrCount, len(f.Rotations), n)
	}
	if f.Translations != nil && len(f.Translations) != n {
		return nil, fmt.Errorf("%w: pose file has %d translations, expected %d", ErrCount, len(f.Translations), n)
	}

	scale := 1.0
	switch f.TranslationUnits {
	case "", "pixels":
	case "fraction":
		scale = float64(boxSize)
	default:
		return nil, fmt.Errorf("unknown translation units %q", f.TranslationUnits)
	}

	if ind == nil {
		ind = make([]int, n)
		for i := range ind {
			ind[i] = i
		}
	}

	tr := &Tracker{rots: make([]*mat.Dense, len(ind))}
	if f.Translations != nil {
		tr.trans = make([][]float64, len(ind))
	}

	for i, idx := range ind {
		if idx < 0 || idx >= n {
			return nil, fmt.Errorf("index %d out of range for %d poses", idx, n)
		}

		r := f.Rotations[idx]
		rot := mat.NewDense(3, 3, []float64{
			r[0][0], r[0][1], r[0][2],
			r[1][0], r[1][1], r[1][2],
			r[2][0], r[2][1], r[2][2],
		})
		if !IsRotation(rot) {
			return nil, fmt.Errorf("pose %d is not an orthonormal rotation", idx)
		}
		tr.rots[i] = rot

		if tr.trans != nil {
			t := f.Translations[idx]
			tr.trans[i] = []float64{t[0] * scale, t[1] * scale}
		}
	}

	return tr, nil
}

// Len returns the number of poses after index filtering
func (t *Tracker) Len() int {
	return len(t.rots)
}

// Get returns the pose of image i. Translation is nil when the table has none.
func (t *Tracker) Get(i int) models.Pose {
	p := models.Pose{Rotation: t.rots[i]}
	if t.trans != nil {
		p.Translation = t.trans[i]
	}
	return p
}

// IsRotation reports whether r is orthonormal within orthoTolerance.
func IsRotation(r mat.Matrix) bool {
	rows, cols := r.Dims()
	if rows != 3 || cols != 3 {
		return false
	}
	var rtr mat.Dense
	rtr.Mul(r.T(), r)
	eye := mat.NewDiagDense(3, []float64{1, 1, 1})
	return mat.EqualApprox(&rtr, eye, orthoTolerance)
}

// XRot returns the right-handed rotation about the x axis by deg degrees.
func XRot(deg float64) *mat.Dense {
	s, c := math.Sincos(deg * math.Pi / 180)
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, c, -s,
		0, s, c,
	})
}

// ZRot returns the right-handed rotation about the z axis by deg degrees.
func ZRot(deg float64) *mat.Dense {
	s, c := math.Sincos(deg * math.Pi / 180)
	return mat.NewDense(3, 3, []float64{
		c, -s, 0,
		s, c, 0,
		0, 0, 1,
	})
}

// Rows converts a 3x3 matrix to the nested array form used by File.
func Rows(r mat.Matrix) [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = r.At(i, j)
		}
	}
	return out
}
