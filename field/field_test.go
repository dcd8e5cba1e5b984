package field

import (
	"math"
	"math/rand"
	"testing"
)

func bumpy(x, y float64) float64 {
	return math.Sin(0.6*x)*math.Cos(0.8*y) + 0.2*x - 0.1*y
}

func TestEvalReproducesGridSamples(t *testing.T) {
	m := FromFunc(16, 12, bumpy, Clamp)
	for iy := 0; iy < 12; iy++ {
		for ix := 0; ix < 16; ix++ {
			want := bumpy(float64(ix), float64(iy))
			if got := m.Eval(float64(ix), float64(iy)); math.Abs(got-want) > 1e-12 {
				t.Fatalf("Eval(%v, %v) = %v, want grid sample %v", ix, iy, got, want)
			}
		}
	}
}

func TestGradientMatchesFiniteDiff(t *testing.T) {
	for _, b := range []Boundary{Wrap, Clamp} {
		m := FromFunc(24, 24, bumpy, b)
		rng := rand.New(rand.NewSource(3))

		const h = 1e-6
		for i := 0; i < 200; i++ {
			// interior points away from knot lines, where the
			// interpolant is smooth
			x := 2 + 20*rng.Float64()
			y := 2 + 20*rng.Float64()

			gx, gy := m.Gradient(x, y)
			fdx := (m.Eval(x+h, y) - m.Eval(x-h, y)) / (2 * h)
			fdy := (m.Eval(x, y+h) - m.Eval(x, y-h)) / (2 * h)

			if math.Abs(gx-fdx) > 1e-6+1e-4*math.Abs(gx) {
				t.Errorf("boundary %v at (%v, %v): gx = %v, finite diff %v", b, x, y, gx, fdx)
			}
			if math.Abs(gy-fdy) > 1e-6+1e-4*math.Abs(gy) {
				t.Errorf("boundary %v at (%v, %v): gy = %v, finite diff %v", b, x, y, gy, fdy)
			}
		}
	}
}

func TestBoundaryHandling(t *testing.T) {
	data := []float64{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	}

	wrap := New(3, 3, data, Wrap)
	if got := wrap.At(-1, 0); got != 3 {
		t.Errorf("wrap At(-1, 0) = %v, want 3", got)
	}
	if got := wrap.At(0, 3); got != 1 {
		t.Errorf("wrap At(0, 3) = %v, want 1", got)
	}
	if got := wrap.At(-4, -4); got != 9 {
		t.Errorf("wrap At(-4, -4) = %v, want 9", got)
	}

	clamp := New(3, 3, data, Clamp)
	if got := clamp.At(-1, 0); got != 1 {
		t.Errorf("clamp At(-1, 0) = %v, want 1", got)
	}
	if got := clamp.At(5, 5); got != 9 {
		t.Errorf("clamp At(5, 5) = %v, want 9", got)
	}
}

func TestConstantMapIsFlatEverywhere(t *testing.T) {
	m := FromFunc(8, 8, func(x, y float64) float64 { return 0.7 }, Wrap)
	for _, at := range [][2]float64{{3.5, 3.5}, {-2.3, 11.9}, {0.1, 7.9}} {
		if got := m.Eval(at[0], at[1]); math.Abs(got-0.7) > 1e-12 {
			t.Errorf("Eval(%v, %v) = %v, want 0.7", at[0], at[1], got)
		}
		gx, gy := m.Gradient(at[0], at[1])
		if math.Abs(gx) > 1e-12 || math.Abs(gy) > 1e-12 {
			t.Errorf("Gradient(%v, %v) = (%v, %v), want zero", at[0], at[1], gx, gy)
		}
	}
}

func TestNewPanicsOnSizeMismatch(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("New did not panic on mismatched data length")
		}
	}()
	New(4, 4, make([]float64, 15), Wrap)
}
