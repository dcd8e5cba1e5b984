package relion

import (
	"errors"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// epsEigen is the smallest eigenvalue PosToParams will divide by.
const epsEigen = 1e-12

// Fit evaluates the motion-fit energy and its analytic gradient for a fixed
// set of particles and frames.  All state is populated by New and read-only
// afterwards, so a single Fit is safe for concurrent F and Grad calls.
//
// The flat parameter vector has length 2*pc + 2*dc*(fc-1).  The first 2*pc
// entries are each particle's frame-0 position; the rest are per-transition
// velocity coefficients in the reduced eigenbasis, laid out as
// x[2*(pc + dc*f + d)] and x[2*(pc + dc*f + d)+1] for transition f and
// mode d.
type Fit struct {
	correlation [][]Field // pc x fc score maps
	positions   []Vec
	offsets     []Vec // per-frame global shifts added to every lookup

	pc, fc, dc int

	sigVel, sigDiv, sigAcc float64
	maxDims                int
	threads                int
	expKer                 bool

	basis *mat.Dense // pc x dc, column d scaled by sqrt(eigen[d])
	eigen []float64
}

var _ FuncGrader = (*Fit)(nil)

// Option configures a Fit prior to basis construction.
type Option func(*Fit)

// SigVel sets the velocity standard deviation prior in pixels per frame.
// It scales the overall variance of the GP kernel.  Default 1.
func SigVel(s float64) Option { return func(ft *Fit) { ft.sigVel = s } }

// SigDiv sets the spatial correlation length of the GP kernel in pixels:
// particles closer than this tend to move together.  Default 1.
func SigDiv(s float64) Option { return func(ft *Fit) { ft.sigDiv = s } }

// SigAcc sets the acceleration prior scale in pixels.  Zero (the default)
// disables the acceleration penalty entirely.
func SigAcc(s float64) Option { return func(ft *Fit) { ft.sigAcc = s } }

// MaxDims caps the number of eigenmodes retained from the kernel matrix.
// The effective rank is min(MaxDims, particle count).  Default: all modes.
func MaxDims(n int) Option { return func(ft *Fit) { ft.maxDims = n } }

// Offsets supplies one global shift per frame, added to every particle's
// score-map lookup.  Default: zero shifts.
func Offsets(off []Vec) Option {
	return func(ft *Fit) {
		ft.offsets = make([]Vec, len(off))
		copy(ft.offsets, off)
	}
}

// Threads sets the number of workers used for the data term.
// Default GOMAXPROCS.
func Threads(n int) Option { return func(ft *Fit) { ft.threads = n } }

// ExpKernel switches the GP kernel from the Gaussian exp(-0.5*d²/s²) to the
// heavier-tailed exponential exp(-d/s) form.
func ExpKernel() Option { return func(ft *Fit) { ft.expKer = true } }

// New builds a Fit over the given score maps and particle positions.
// correlation is indexed particle-major: correlation[p][f] is particle p's
// map for frame f.  New computes the GP kernel matrix over all particle
// pairs, decomposes it, and keeps the leading min(MaxDims, len(positions))
// eigenmodes as the fixed basis for per-frame velocity increments.
func New(correlation [][]Field, positions []Vec, opts ...Option) (*Fit, error) {
	pc := len(correlation)
	if pc == 0 {
		return nil, errors.New("motion fit needs at least one particle")
	}
	if len(positions) != pc {
		return nil, fmt.Errorf("have %v particles but %v positions", pc, len(positions))
	}
	fc := len(correlation[0])
	if fc == 0 {
		return nil, errors.New("motion fit needs at least one frame")
	}
	for p, maps := range correlation {
		if len(maps) != fc {
			return nil, fmt.Errorf("particle %v has %v score maps, want %v", p, len(maps), fc)
		}
	}

	ft := &Fit{
		correlation: correlation,
		positions:   positions,
		pc:          pc,
		fc:          fc,
		sigVel:      1,
		sigDiv:      1,
		maxDims:     pc,
		threads:     runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(ft)
	}

	switch {
	case ft.sigVel <= 0:
		return nil, fmt.Errorf("sigVel must be positive, got %v", ft.sigVel)
	case ft.sigDiv <= 0:
		return nil, fmt.Errorf("sigDiv must be positive, got %v", ft.sigDiv)
	case ft.sigAcc < 0:
		return nil, fmt.Errorf("sigAcc must be non-negative, got %v", ft.sigAcc)
	case ft.maxDims < 1:
		return nil, fmt.Errorf("maxDims must be at least 1, got %v", ft.maxDims)
	case ft.threads < 1:
		return nil, fmt.Errorf("threads must be at least 1, got %v", ft.threads)
	}
	if ft.offsets == nil {
		ft.offsets = make([]Vec, fc)
	} else if len(ft.offsets) != fc {
		return nil, fmt.Errorf("have %v frames but %v offsets", fc, len(ft.offsets))
	}

	sv2 := ft.sigVel * ft.sigVel
	sd2 := ft.sigDiv * ft.sigDiv

	a := mat.NewDense(pc, pc, nil)
	for i := 0; i < pc; i++ {
		for j := i; j < pc; j++ {
			dd := positions[i].Sub(positions[j]).Norm2()
			var k float64
			if ft.expKer {
				k = sv2 * math.Exp(-math.Sqrt(dd/sd2))
			} else {
				k = sv2 * math.Exp(-0.5*dd/sd2)
			}
			a.Set(i, j, k)
			a.Set(j, i, k)
		}
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, errors.New("kernel matrix decomposition failed")
	}
	s := svd.Values(nil) // non-increasing, non-negative
	var v mat.Dense
	svd.VTo(&v)

	dc := ft.maxDims
	if dc > pc {
		dc = pc
	}
	ft.dc = dc
	ft.eigen = s[:dc:dc]
	ft.basis = mat.NewDense(pc, dc, nil)
	for d := 0; d < dc; d++ {
		l := math.Sqrt(s[d])
		for p := 0; p < pc; p++ {
			ft.basis.Set(p, d, l*v.At(p, d))
		}
	}
	return ft, nil
}

// NParams returns the length of the flat parameter vector.
func (ft *Fit) NParams() int { return 2*ft.pc + 2*ft.dc*(ft.fc-1) }

// Particles returns the particle count.
func (ft *Fit) Particles() int { return ft.pc }

// Frames returns the frame count.
func (ft *Fit) Frames() int { return ft.fc }

// Modes returns the number of retained eigenmodes.
func (ft *Fit) Modes() int { return ft.dc }

// Eigenvalues returns a copy of the retained kernel eigenvalues in
// non-increasing order.
func (ft *Fit) Eigenvalues() []float64 {
	e := make([]float64, ft.dc)
	copy(e, ft.eigen)
	return e
}

// NewPos allocates a pc x fc trajectory buffer for ParamsToPos.
func (ft *Fit) NewPos() [][]Vec {
	buf := make([]Vec, ft.pc*ft.fc)
	pos := make([][]Vec, ft.pc)
	for p := range pos {
		pos[p] = buf[p*ft.fc : (p+1)*ft.fc : (p+1)*ft.fc]
	}
	return pos
}

// coeff returns the index of the x component of the velocity coefficient
// for transition f, mode d.  The y component follows at coeff(f,d)+1.
func (ft *Fit) coeff(f, d int) int { return 2 * (ft.pc + ft.dc*f + d) }

func (ft *Fit) checkParams(x []float64) {
	if len(x) != ft.NParams() {
		panic(fmt.Sprintf("parameter vector has length %v, want %v", len(x), ft.NParams()))
	}
}

func (ft *Fit) checkPos(pos [][]Vec) {
	if len(pos) != ft.pc {
		panic(fmt.Sprintf("trajectory buffer has %v particles, want %v", len(pos), ft.pc))
	}
	for p := range pos {
		if len(pos[p]) != ft.fc {
			panic(fmt.Sprintf("trajectory for particle %v has %v frames, want %v", p, len(pos[p]), ft.fc))
		}
	}
}

// ParamsToPos reconstructs every particle's per-frame position from the
// flat parameter vector and writes it into pos, which must be pc x fc.
// Each frame's position is the previous frame's plus the basis-weighted
// velocity increment for that transition.
func (ft *Fit) ParamsToPos(x []float64, pos [][]Vec) {
	ft.checkParams(x)
	ft.checkPos(pos)

	for p := 0; p < ft.pc; p++ {
		pp := Vec{x[2*p], x[2*p+1]}
		for f := 0; f < ft.fc; f++ {
			pos[p][f] = pp
			if f < ft.fc-1 {
				var vel Vec
				for d := 0; d < ft.dc; d++ {
					i := ft.coeff(f, d)
					b := ft.basis.At(p, d)
					vel.X += x[i] * b
					vel.Y += x[i+1] * b
				}
				pp = pp.Add(vel)
			}
		}
	}
}

// PosToParams projects a full trajectory onto the parameter space: frame-0
// positions are copied, and each transition's velocity increments are
// projected onto the basis columns.  Because the basis columns already
// carry a factor of sqrt(eigenvalue), recovering a coefficient divides by
// the eigenvalue itself.  The result is exact only when pos lies in the
// span of the retained modes; one application is a fixed point.
func (ft *Fit) PosToParams(pos [][]Vec, x []float64) error {
	ft.checkParams(x)
	ft.checkPos(pos)

	for d := 0; d < ft.dc; d++ {
		if ft.eigen[d] <= epsEigen {
			return fmt.Errorf("degenerate basis: eigenvalue %v is %v", d, ft.eigen[d])
		}
	}

	for p := 0; p < ft.pc; p++ {
		x[2*p] = pos[p][0].X
		x[2*p+1] = pos[p][0].Y
	}
	for f := 0; f < ft.fc-1; f++ {
		for d := 0; d < ft.dc; d++ {
			var c Vec
			for p := 0; p < ft.pc; p++ {
				v := pos[p][f+1].Sub(pos[p][f])
				b := ft.basis.At(p, d)
				c.X += v.X * b
				c.Y += v.Y * b
			}
			i := ft.coeff(f, d)
			x[i] = c.X / ft.eigen[d]
			x[i+1] = c.Y / ft.eigen[d]
		}
	}
	return nil
}

// F returns the motion-fit energy for x: the negated interpolated score
// summed over all particle-frame lookups, plus the squared velocity
// coefficients (GP divergence penalty), plus, when SigAcc is set, the
// eigenvalue-weighted squared coefficient differences between consecutive
// transitions (acceleration penalty).  Lower is better.
func (ft *Fit) F(x []float64) float64 {
	ft.checkParams(x)

	pos := ft.NewPos()
	ft.ParamsToPos(x, pos)

	e := ft.dataEnergy(pos)

	for f := 0; f < ft.fc-1; f++ {
		for d := 0; d < ft.dc; d++ {
			i := ft.coeff(f, d)
			e += x[i]*x[i] + x[i+1]*x[i+1]
		}
	}

	if ft.sigAcc > 0 {
		sa2 := ft.sigAcc * ft.sigAcc
		for f := 0; f < ft.fc-2; f++ {
			for d := 0; d < ft.dc; d++ {
				i0 := ft.coeff(f, d)
				i1 := ft.coeff(f+1, d)
				dcx := x[i1] - x[i0]
				dcy := x[i1+1] - x[i0+1]
				e += ft.eigen[d] * (dcx*dcx + dcy*dcy) / sa2
			}
		}
	}
	return e
}

// dataEnergy sums the negated score lookups.  Particles are independent,
// so the work is spread over the thread pool with one subtotal slot per
// particle and a single deterministic sum at the end; the result does not
// depend on the thread count.
func (ft *Fit) dataEnergy(pos [][]Vec) float64 {
	sub := make([]float64, ft.pc)

	var g errgroup.Group
	g.SetLimit(ft.threads)
	for p := 0; p < ft.pc; p++ {
		p := p
		g.Go(func() error {
			e := 0.0
			for f := 0; f < ft.fc; f++ {
				at := pos[p][f].Add(ft.offsets[f])
				e -= ft.correlation[p][f].Eval(at.X, at.Y)
			}
			sub[p] = e
			return nil
		})
	}
	_ = g.Wait() // workers never fail

	return floats.Sum(sub)
}

// Grad writes the exact analytic gradient of F at x into dst, overwriting
// its previous contents.  dst must have the same length as x.
//
// A frame-0 position influences every frame of its particle's trajectory,
// so its gradient is the summed per-frame score gradient.  A velocity
// coefficient at transition f influences frames f+1 and later, so the
// transitions are walked last to first with a running suffix sum folding in
// each later frame's contribution before earlier coefficients are
// finalized.
func (ft *Fit) Grad(dst, x []float64) {
	ft.checkParams(x)
	if len(dst) != len(x) {
		panic(fmt.Sprintf("gradient buffer has length %v, want %v", len(dst), len(x)))
	}

	pos := ft.NewPos()
	ft.ParamsToPos(x, pos)

	// Per-particle-per-frame score gradients at the same lookup
	// coordinates as the energy term.
	ccg := ft.NewPos()
	for p := 0; p < ft.pc; p++ {
		for f := 0; f < ft.fc; f++ {
			at := pos[p][f].Add(ft.offsets[f])
			gx, gy := ft.correlation[p][f].Gradient(at.X, at.Y)
			ccg[p][f] = Vec{gx, gy}
		}
	}

	for i := range dst {
		dst[i] = 0
	}

	// The data term is the negated score, so its position gradient is the
	// negated field gradient.
	for p := 0; p < ft.pc; p++ {
		for f := 0; f < ft.fc; f++ {
			dst[2*p] -= ccg[p][f].X
			dst[2*p+1] -= ccg[p][f].Y
		}
	}

	for d := 0; d < ft.dc; d++ {
		for p := 0; p < ft.pc; p++ {
			b := ft.basis.At(p, d)
			var g Vec
			for f := ft.fc - 2; f >= 0; f-- {
				g.X += b * ccg[p][f+1].X
				g.Y += b * ccg[p][f+1].Y

				i := ft.coeff(f, d)
				dst[i] -= g.X
				dst[i+1] -= g.Y
			}
		}
	}

	for f := 0; f < ft.fc-1; f++ {
		for d := 0; d < ft.dc; d++ {
			i := ft.coeff(f, d)
			dst[i] += 2 * x[i]
			dst[i+1] += 2 * x[i+1]
		}
	}

	if ft.sigAcc > 0 {
		sa2 := ft.sigAcc * ft.sigAcc
		for f := 0; f < ft.fc-2; f++ {
			for d := 0; d < ft.dc; d++ {
				i0 := ft.coeff(f, d)
				i1 := ft.coeff(f+1, d)
				dcx := x[i1] - x[i0]
				dcy := x[i1+1] - x[i0+1]

				dst[i0] -= 2 * ft.eigen[d] * dcx / sa2
				dst[i0+1] -= 2 * ft.eigen[d] * dcy / sa2
				dst[i1] += 2 * ft.eigen[d] * dcx / sa2
				dst[i1+1] += 2 * ft.eigen[d] * dcy / sa2
			}
		}
	}
}
