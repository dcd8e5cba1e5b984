// Package field provides continuous 2D scalar fields backed by discrete
// grids, evaluated anywhere by Catmull-Rom bicubic interpolation.  The
// gradient returned for a point is the exact derivative of the interpolated
// value at that point.
package field

import "fmt"

// Boundary selects how lookups outside the grid are resolved.
type Boundary int

const (
	// Wrap treats the grid as periodic in both axes.
	Wrap Boundary = iota
	// Clamp extends the border samples outward indefinitely.
	Clamp
)

// Map is a W x H scalar grid sampled at integer coordinates, with sample
// (ix, iy) stored at data[iy*w+ix].  A Map is immutable after construction
// and safe for concurrent evaluation.
type Map struct {
	w, h  int
	data  []float64
	bound Boundary
}

// New copies data into a Map.  len(data) must be w*h.
func New(w, h int, data []float64, b Boundary) *Map {
	if w <= 0 || h <= 0 {
		panic(fmt.Sprintf("map dimensions %vx%v are not positive", w, h))
	}
	if len(data) != w*h {
		panic(fmt.Sprintf("map data has length %v, want %v", len(data), w*h))
	}
	d := make([]float64, len(data))
	copy(d, data)
	return &Map{w: w, h: h, data: d, bound: b}
}

// FromFunc samples f at every integer grid coordinate.
func FromFunc(w, h int, f func(x, y float64) float64, b Boundary) *Map {
	data := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			data[y*w+x] = f(float64(x), float64(y))
		}
	}
	return &Map{w: w, h: h, data: data, bound: b}
}

// W returns the grid width.
func (m *Map) W() int { return m.w }

// H returns the grid height.
func (m *Map) H() int { return m.h }

func (m *Map) resolve(i, n int) int {
	switch m.bound {
	case Wrap:
		i %= n
		if i < 0 {
			i += n
		}
	default: // Clamp
		if i < 0 {
			i = 0
		} else if i >= n {
			i = n - 1
		}
	}
	return i
}

// At returns the grid sample at (ix, iy) with boundary handling applied.
func (m *Map) At(ix, iy int) float64 {
	return m.data[m.resolve(iy, m.h)*m.w+m.resolve(ix, m.w)]
}

// cubic evaluates the Catmull-Rom interpolant through p0..p3 at t in [0,1),
// where t=0 lands on p1 and t=1 on p2.
func cubic(p0, p1, p2, p3, t float64) float64 {
	a := 0.5 * (3*(p1-p2) + p3 - p0)
	b := p0 - 2.5*p1 + 2*p2 - 0.5*p3
	c := 0.5 * (p2 - p0)
	return p1 + t*(c+t*(b+t*a))
}

// cubicPrime is the derivative of cubic with respect to t.
func cubicPrime(p0, p1, p2, p3, t float64) float64 {
	a := 0.5 * (3*(p1-p2) + p3 - p0)
	b := p0 - 2.5*p1 + 2*p2 - 0.5*p3
	c := 0.5 * (p2 - p0)
	return c + t*(2*b+3*a*t)
}

func (m *Map) neighborhood(x, y float64) (ix, iy int, fx, fy float64) {
	ix = floor(x)
	iy = floor(y)
	return ix, iy, x - float64(ix), y - float64(iy)
}

func floor(x float64) int {
	i := int(x)
	if float64(i) > x {
		i--
	}
	return i
}

// Eval returns the interpolated value at real coordinates (x, y).
func (m *Map) Eval(x, y float64) float64 {
	ix, iy, fx, fy := m.neighborhood(x, y)

	var col [4]float64
	for j := 0; j < 4; j++ {
		row := iy - 1 + j
		col[j] = cubic(
			m.At(ix-1, row), m.At(ix, row), m.At(ix+1, row), m.At(ix+2, row),
			fx)
	}
	return cubic(col[0], col[1], col[2], col[3], fy)
}

// Gradient returns the exact partial derivatives of Eval at (x, y).
func (m *Map) Gradient(x, y float64) (gx, gy float64) {
	ix, iy, fx, fy := m.neighborhood(x, y)

	var col, dcol [4]float64
	for j := 0; j < 4; j++ {
		row := iy - 1 + j
		p0, p1, p2, p3 := m.At(ix-1, row), m.At(ix, row), m.At(ix+1, row), m.At(ix+2, row)
		col[j] = cubic(p0, p1, p2, p3, fx)
		dcol[j] = cubicPrime(p0, p1, p2, p3, fx)
	}
	gx = cubic(dcol[0], dcol[1], dcol[2], dcol[3], fy)
	gy = cubicPrime(col[0], col[1], col[2], col[3], fy)
	return gx, gy
}
