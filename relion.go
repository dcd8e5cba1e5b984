// Package relion fits smooth per-particle 2D motion trajectories to stacks
// of cross-correlation score maps.  A Gaussian-process prior over particle
// positions couples the motion of nearby particles, and an optional
// acceleration penalty smooths each trajectory in time.  The Fit type
// exposes the resulting energy and its analytic gradient in the form
// consumed by gradient-based optimizers such as L-BFGS.
package relion

// Vec is a 2D vector in pixel coordinates.
type Vec struct {
	X, Y float64
}

func (v Vec) Add(w Vec) Vec { return Vec{v.X + w.X, v.Y + w.Y} }

func (v Vec) Sub(w Vec) Vec { return Vec{v.X - w.X, v.Y - w.Y} }

// Norm2 returns the squared length of v.
func (v Vec) Norm2() float64 { return v.X*v.X + v.Y*v.Y }

// Field is a continuous 2D scalar field queried at arbitrary real
// coordinates.  A correlation score map supplies one Field per particle per
// frame; out-of-bounds behavior (wrap or clamp) is the Field's own concern.
// Gradient must return the exact derivative of Eval so that analytic
// gradients built on top of it match finite differences of the energy.
type Field interface {
	Eval(x, y float64) float64
	Gradient(x, y float64) (float64, float64)
}

// FuncGrader is the interface an external gradient-based optimizer consumes:
// an objective framed so that lower values are better, plus its analytic
// gradient.  Grad writes into dst, which must have the same length as x.
// The argument order matches gonum's optimize.Problem.
type FuncGrader interface {
	F(x []float64) float64
	Grad(dst, x []float64)
}
