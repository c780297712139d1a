package slicing

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"cryobackproject/pkg/backprojection"
	"cryobackproject/pkg/ctf"
	"cryobackproject/pkg/lattice"
)

func newGeometry(t *testing.T, d int) (*lattice.Lattice, *Geometry) {
	t.Helper()
	l, err := lattice.New(d)
	if err != nil {
		t.Fatalf("Failed to create lattice: %v", err)
	}
	mask, err := l.CircularMask(d / 2)
	if err != nil {
		t.Fatalf("Failed to create mask: %v", err)
	}
	g, err := NewGeometry(l, mask)
	if err != nil {
		t.Fatalf("Failed to create geometry: %v", err)
	}
	return l, g
}

// dcIndex finds the masked position of the zero frequency
func dcIndex(g *Geometry) int {
	rows, _ := g.coords.Dims()
	for i := 0; i < rows; i++ {
		if g.coords.At(i, 0) == 0 && g.coords.At(i, 1) == 0 {
			return i
		}
	}
	return -1
}

func ramp(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i%7) - 3
	}
	return out
}

func TestSelect(t *testing.T) {
	_, g := newGeometry(t, 9)

	img := make([]float64, 81)
	for i := range img {
		img[i] = float64(i)
	}
	ff, err := g.Select(img)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(ff) != g.Len() {
		t.Fatalf("Expected %d coefficients, got %d", g.Len(), len(ff))
	}
	if got := ff[dcIndex(g)]; got != 40 {
		t.Errorf("Expected DC pixel 40, got %f", got)
	}

	if _, err := g.Select(make([]float64, 80)); err == nil {
		t.Errorf("Expected error for wrong image size")
	}
}

func TestPipelineSkipsMissingCorrections(t *testing.T) {
	_, g := newGeometry(t, 9)

	tests := []struct {
		name string
		c    Corrections
		want int
	}{
		{"none", Corrections{}, 0},
		{"translation", Corrections{Translation: []float64{1, 0}}, 1},
		{"ctf", Corrections{CTF: &ctf.Params{Apix: 1, Voltage: 300, AmplitudeContrast: 0.1}}, 1},
		{"all", Corrections{
			Translation: []float64{1, 0},
			CTF:         &ctf.Params{Apix: 1, Voltage: 300, AmplitudeContrast: 0.1},
			Dose:        &Dose{Cumulative: 3, TiltAngle: 6, Apix: 1, Voltage: 300},
		}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(g.Pipeline(tt.c)); got != tt.want {
				t.Errorf("Expected %d steps, got %d", tt.want, got)
			}
		})
	}

	ff := ramp(g.Len())
	out := g.Pipeline(Corrections{}).Apply(ff)
	for i := range ff {
		if out[i] != ff[i] {
			t.Fatalf("Empty pipeline changed coefficient %d", i)
		}
	}
}

func TestFlipCTFSign(t *testing.T) {
	_, g := newGeometry(t, 9)
	p := ctf.Params{
		Apix:                1.5,
		DefocusU:            15000,
		DefocusV:            14000,
		DefocusAngle:        30,
		Voltage:             300,
		SphericalAberration: 2.7,
		AmplitudeContrast:   0.1,
	}

	ff := make([]float64, g.Len())
	for i := range ff {
		ff[i] = 1
	}
	out := g.FlipCTFSign(p)(ff)

	var scaled mat.Dense
	scaled.Scale(1/p.Apix, g.freqs)
	want := ctf.Sign(ctf.Compute(&scaled, p))
	for i := range out {
		if out[i] != want[i] {
			t.Fatalf("Coefficient %d: got %f want %f", i, out[i], want[i])
		}
	}

	// With no phase shift the CTF at zero frequency is -w.
	if got := out[dcIndex(g)]; got != -1 {
		t.Errorf("Expected DC sign -1, got %f", got)
	}
	if ff[0] != 1 {
		t.Errorf("Input coefficients must not be modified")
	}
}

func TestDoseWeighting(t *testing.T) {
	_, g := newGeometry(t, 9)
	d := Dose{Cumulative: 20, TiltAngle: 60, Apix: 1, Voltage: 300}

	ff := make([]float64, g.Len())
	for i := range ff {
		ff[i] = 1
	}
	out := g.Pipeline(Corrections{Dose: &d}).Apply(ff)

	dc := dcIndex(g)
	if got := out[dc]; math.Abs(got-0.5) > 1e-12 {
		t.Errorf("Zero frequency should only be foreshortened, got %f", got)
	}
	for i, v := range out {
		if i != dc && v >= 0.5 {
			t.Errorf("Coefficient %d at radius %f should be attenuated, got %f", i, g.radius[i], v)
		}
		if v < 0 {
			t.Fatalf("Dose weights must be non-negative, got %f", v)
		}
	}
}

func TestForeshorten(t *testing.T) {
	out := Foreshorten(0)([]float64{2, -3})
	if out[0] != 2 || out[1] != -3 {
		t.Errorf("Zero tilt should leave values unchanged, got %v", out)
	}
	out = Foreshorten(60)([]float64{2})
	if math.Abs(out[0]-1) > 1e-12 {
		t.Errorf("Expected 1 at 60 degrees, got %f", out[0])
	}
}

func TestTranslationRoundTripSplatsIdentically(t *testing.T) {
	l, g := newGeometry(t, 9)
	img := ramp(l.D * l.D)
	rot := mat.NewDense(3, 3, []float64{0, 1, 0, -1, 0, 0, 0, 0, 1})

	plain, coords, err := g.Transform(img, Corrections{}, rot)
	if err != nil {
		t.Fatal(err)
	}
	shift := Pipeline{g.Translate([]float64{1.3, -2.7}), g.Translate([]float64{-1.3, 2.7})}
	shifted := shift.Apply(plain)

	a := backprojection.NewAccumulator(l.D)
	b := backprojection.NewAccumulator(l.D)
	if err := a.AddSlice(coords, plain); err != nil {
		t.Fatal(err)
	}
	if err := b.AddSlice(coords, shifted); err != nil {
		t.Fatal(err)
	}
	for i := range a.V {
		if math.Abs(a.V[i]-b.V[i]) > 1e-9 {
			t.Fatalf("Voxel %d: %f after round trip, %f without", i, b.V[i], a.V[i])
		}
	}
}

func TestPlaceWithTilt(t *testing.T) {
	_, g := newGeometry(t, 9)
	identity := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	// 90 degrees about x
	tilt := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 0, -1, 0, 1, 0})

	placed := g.Place(tilt, identity)
	rows, _ := placed.Dims()
	for i := 0; i < rows; i++ {
		x, y := g.coords.At(i, 0), g.coords.At(i, 1)
		if placed.At(i, 0) != x || placed.At(i, 1) != 0 || placed.At(i, 2) != -y {
			t.Fatalf("Row %d: (%v,%v) placed at (%v,%v,%v)", i, x, y,
				placed.At(i, 0), placed.At(i, 1), placed.At(i, 2))
		}
	}
}

// backprojectPair splats images a (identity) and b (rotation r) and returns
// the normalized volume.
func backprojectPair(t *testing.T, l *lattice.Lattice, g *Geometry, a, b []float64, r mat.Matrix) (*backprojection.Accumulator, []float64) {
	t.Helper()
	identity := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	acc := backprojection.NewAccumulator(l.D)
	for _, item := range []struct {
		img []float64
		rot mat.Matrix
	}{{a, identity}, {b, r}} {
		ff, coords, err := g.Transform(item.img, Corrections{}, item.rot)
		if err != nil {
			t.Fatal(err)
		}
		if err := acc.AddSlice(coords, ff); err != nil {
			t.Fatal(err)
		}
	}
	return acc, acc.Normalize()
}

func TestTwoImageReconstruction(t *testing.T) {
	l, g := newGeometry(t, 9)
	d2 := l.D / 2

	a := make([]float64, l.D*l.D)
	b := make([]float64, l.D*l.D)
	for i := range a {
		a[i] = float64(i + 1)
		b[i] = float64(100 - i)
	}
	pixel := func(img []float64, u, v int) float64 {
		return img[(v+d2)*l.D+(u+d2)]
	}
	inMask := func(u, v int) bool {
		return u*u+v*v <= d2*d2
	}

	t.Run("rotated about z", func(t *testing.T) {
		// (u, v, 0) lands on (v, -u, 0)
		rz := mat.NewDense(3, 3, []float64{0, -1, 0, 1, 0, 0, 0, 0, 1})
		acc, vol := backprojectPair(t, l, g, a, b, rz)

		for z := -d2; z <= d2; z++ {
			for y := -d2; y <= d2; y++ {
				for x := -d2; x <= d2; x++ {
					want := 0.0
					if z == 0 && inMask(x, y) {
						want = (pixel(a, x, y) + pixel(b, -y, x)) / 2
					}
					if got := vol[acc.Index(x, y, z)]; math.Abs(got-want) > 1e-9 {
						t.Fatalf("Voxel (%d,%d,%d): got %f want %f", x, y, z, got, want)
					}
				}
			}
		}
	})

	t.Run("rotated about x", func(t *testing.T) {
		// (u, v, 0) lands on (u, 0, -v); the planes share only the x axis
		rx := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 0, -1, 0, 1, 0})
		acc, vol := backprojectPair(t, l, g, a, b, rx)

		for z := -d2; z <= d2; z++ {
			for y := -d2; y <= d2; y++ {
				for x := -d2; x <= d2; x++ {
					var want float64
					switch {
					case y == 0 && z == 0 && inMask(x, 0):
						want = (pixel(a, x, 0) + pixel(b, x, 0)) / 2
					case z == 0 && inMask(x, y):
						want = pixel(a, x, y)
					case y == 0 && inMask(x, -z):
						want = pixel(b, x, -z)
					}
					if got := vol[acc.Index(x, y, z)]; math.Abs(got-want) > 1e-9 {
						t.Fatalf("Voxel (%d,%d,%d): got %f want %f", x, y, z, got, want)
					}
				}
			}
		}
	})
}
