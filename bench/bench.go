// Package bench provides synthetic motion-recovery problems with known
// ground truth, plus a harness that drives the fit through an external
// gradient-based optimizer and measures how well the truth is recovered.
package bench

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/petar/GoLLRB/llrb"
	"gonum.org/v1/gonum/optimize"

	"github.com/js947/relion"
	"github.com/js947/relion/field"
)

// Scenario describes a synthetic fitting problem: particles anchored on a
// grid, smooth ground-truth trajectories, and one Gaussian correlation peak
// per particle per frame centered on the true position.
type Scenario struct {
	Name      string
	PC, FC    int
	Size      int     // score map edge length in pixels
	Spacing   float64 // distance between neighboring particle anchors
	PeakSigma float64 // width of the correlation peaks
	Drift     float64 // magnitude of the shared per-frame drift
	Wobble    float64 // magnitude of per-particle trajectory variation
	Seed      int64
}

// Default returns a small scenario that fits comfortably inside its score
// maps and is recoverable by L-BFGS from a modest perturbation.
func Default() Scenario {
	return Scenario{
		Name:      "default",
		PC:        4,
		FC:        6,
		Size:      48,
		Spacing:   8,
		PeakSigma: 3,
		Drift:     0.6,
		Wobble:    0.15,
		Seed:      1,
	}
}

// Anchors returns the fixed reference positions of the scenario's
// particles, laid out on a square grid around the map center.
func (sc Scenario) Anchors() []relion.Vec {
	side := int(math.Ceil(math.Sqrt(float64(sc.PC))))
	c := float64(sc.Size) / 2
	start := c - sc.Spacing*float64(side-1)/2

	pos := make([]relion.Vec, sc.PC)
	for p := range pos {
		pos[p] = relion.Vec{
			X: start + sc.Spacing*float64(p%side),
			Y: start + sc.Spacing*float64(p/side),
		}
	}
	return pos
}

// Truth generates the ground-truth trajectories: every particle starts at
// its anchor and follows a shared slowly turning drift plus a small seeded
// per-particle wobble.
func (sc Scenario) Truth() [][]relion.Vec {
	rng := rand.New(rand.NewSource(sc.Seed))
	anchors := sc.Anchors()

	truth := make([][]relion.Vec, sc.PC)
	for p := range truth {
		truth[p] = make([]relion.Vec, sc.FC)
		truth[p][0] = anchors[p]
	}
	for f := 1; f < sc.FC; f++ {
		angle := 0.3 * float64(f)
		drift := relion.Vec{
			X: sc.Drift * math.Cos(angle),
			Y: sc.Drift * math.Sin(angle),
		}
		for p := range truth {
			wobble := relion.Vec{
				X: sc.Wobble * (2*rng.Float64() - 1),
				Y: sc.Wobble * (2*rng.Float64() - 1),
			}
			truth[p][f] = truth[p][f-1].Add(drift).Add(wobble)
		}
	}
	return truth
}

// Maps builds the correlation score stack for the given trajectories: a
// unit-height Gaussian peak of width PeakSigma centered on each true
// position.
func (sc Scenario) Maps(truth [][]relion.Vec) [][]relion.Field {
	corr := make([][]relion.Field, sc.PC)
	for p := range corr {
		corr[p] = make([]relion.Field, sc.FC)
		for f := range corr[p] {
			center := truth[p][f]
			s2 := 2 * sc.PeakSigma * sc.PeakSigma
			corr[p][f] = field.FromFunc(sc.Size, sc.Size, func(x, y float64) float64 {
				dx := x - center.X
				dy := y - center.Y
				return math.Exp(-(dx*dx + dy*dy) / s2)
			}, field.Wrap)
		}
	}
	return corr
}

// Build constructs the Fit and ground truth for the scenario.
func (sc Scenario) Build(opts ...relion.Option) (*relion.Fit, [][]relion.Vec, error) {
	truth := sc.Truth()
	ft, err := relion.New(sc.Maps(truth), sc.Anchors(), opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("building %v scenario: %w", sc.Name, err)
	}
	return ft, truth, nil
}

// TruthParams projects the ground-truth trajectories into parameter space.
func TruthParams(ft *relion.Fit, truth [][]relion.Vec) ([]float64, error) {
	x := make([]float64, ft.NParams())
	if err := ft.PosToParams(truth, x); err != nil {
		return nil, err
	}
	return x, nil
}

// Result is the outcome of a single optimizer run.
type Result struct {
	X         []float64
	Energy    float64
	Iters     int
	FuncEvals int
	GradEvals int
	Status    optimize.Status
}

// Run minimizes the fit energy from x0 with L-BFGS.  rec may be nil; if
// set, it receives optimizer progress (see DBRecorder).  The best visited
// point is returned even when the optimizer reports an error.
func Run(ft *relion.Fit, x0 []float64, rec optimize.Recorder) (Result, error) {
	problem := optimize.Problem{Func: ft.F, Grad: ft.Grad}
	settings := &optimize.Settings{
		Recorder: rec,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-10,
			Iterations: 100,
		},
	}

	res, err := optimize.Minimize(problem, x0, settings, &optimize.LBFGS{})
	if res == nil {
		return Result{}, err
	}
	return Result{
		X:         res.X,
		Energy:    res.F,
		Iters:     res.MajorIterations,
		FuncEvals: res.FuncEvaluations,
		GradEvals: res.GradEvaluations,
		Status:    res.Status,
	}, err
}

// RMSD returns the root-mean-square deviation in pixels between the
// trajectories encoded by x and the ground truth.
func RMSD(ft *relion.Fit, x []float64, truth [][]relion.Vec) float64 {
	pos := ft.NewPos()
	ft.ParamsToPos(x, pos)

	ss := 0.0
	for p := range pos {
		for f := range pos[p] {
			ss += pos[p][f].Sub(truth[p][f]).Norm2()
		}
	}
	return math.Sqrt(ss / float64(ft.Particles()*ft.Frames()))
}

type item struct{ Result }

func (r item) Less(than llrb.Item) bool { return r.Energy < than.(item).Energy }

// Restarts runs n optimizations from randomly perturbed copies of x0 and
// returns the keep best results ordered by final energy.  scale is the
// magnitude of the uniform perturbation applied to every parameter.
func Restarts(ft *relion.Fit, x0 []float64, n, keep int, scale float64, rng *rand.Rand) []Result {
	best := llrb.New()
	for i := 0; i < n; i++ {
		x := make([]float64, len(x0))
		for j := range x {
			x[j] = x0[j] + scale*(2*rng.Float64()-1)
		}

		res, _ := Run(ft, x, nil)
		if res.X == nil {
			continue
		}
		best.InsertNoReplace(item{res})
		for best.Len() > keep {
			best.DeleteMax()
		}
	}

	out := make([]Result, 0, best.Len())
	for best.Len() > 0 {
		out = append(out, best.DeleteMin().(item).Result)
	}
	return out
}
