package bench_test

import (
	"database/sql"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/js947/relion"
	"github.com/js947/relion/bench"
)

func buildDefault(t *testing.T) (*relion.Fit, [][]relion.Vec, []float64) {
	t.Helper()

	sc := bench.Default()
	ft, truth, err := sc.Build(
		relion.SigVel(1.5),
		relion.SigDiv(2*sc.Spacing),
		relion.SigAcc(2),
		relion.Threads(2),
	)
	require.NoError(t, err)

	xtruth, err := bench.TruthParams(ft, truth)
	require.NoError(t, err)
	return ft, truth, xtruth
}

func TestRecoverFromPerturbedTruth(t *testing.T) {
	ft, truth, xtruth := buildDefault(t)

	rng := rand.New(rand.NewSource(11))
	x0 := make([]float64, len(xtruth))
	for i := range x0 {
		x0[i] = xtruth[i] + 0.5*(2*rng.Float64()-1)
	}

	e0 := ft.F(x0)
	rmsd0 := bench.RMSD(ft, x0, truth)

	res, err := bench.Run(ft, x0, nil)
	if err != nil {
		t.Logf("optimizer finished with: %v (status %v)", err, res.Status)
	}
	require.NotNil(t, res.X)

	rmsd := bench.RMSD(ft, res.X, truth)
	t.Logf("energy %v -> %v, rmsd %.3f -> %.3f px in %v iters (%v evals)",
		e0, res.Energy, rmsd0, rmsd, res.Iters, res.FuncEvals)

	assert.Less(t, res.Energy, e0, "optimization must lower the energy")
	assert.Less(t, rmsd, rmsd0, "optimization must improve trajectory recovery")
	assert.Less(t, rmsd, 1.0, "fit should land near the true trajectories")
}

func TestScenarioShapes(t *testing.T) {
	sc := bench.Default()
	ft, truth, err := sc.Build()
	require.NoError(t, err)

	assert.Equal(t, sc.PC, ft.Particles())
	assert.Equal(t, sc.FC, ft.Frames())
	assert.Len(t, truth, sc.PC)
	for p := range truth {
		assert.Len(t, truth[p], sc.FC)
	}

	// truth trajectories must sit well inside the score maps
	margin := 2.0
	for p := range truth {
		for f := range truth[p] {
			pos := truth[p][f]
			assert.Greater(t, pos.X, margin)
			assert.Greater(t, pos.Y, margin)
			assert.Less(t, pos.X, float64(sc.Size)-margin)
			assert.Less(t, pos.Y, float64(sc.Size)-margin)
		}
	}
}

func TestTruthIsNearOptimal(t *testing.T) {
	ft, _, xtruth := buildDefault(t)

	// at the truth the data term should dominate any random nearby point
	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 10; i++ {
		x := make([]float64, len(xtruth))
		for j := range x {
			x[j] = xtruth[j] + 2*(2*rng.Float64()-1)
		}
		assert.Less(t, ft.F(xtruth), ft.F(x))
	}
}

func TestDBRecorder(t *testing.T) {
	ft, _, xtruth := buildDefault(t)

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "fit.sqlite"))
	require.NoError(t, err)
	defer db.Close()

	rng := rand.New(rand.NewSource(3))
	x0 := make([]float64, len(xtruth))
	for i := range x0 {
		x0[i] = xtruth[i] + 0.5*(2*rng.Float64()-1)
	}

	_, err = bench.Run(ft, x0, &bench.DBRecorder{DB: db, Run: 1})
	if err != nil {
		t.Logf("optimizer finished with: %v", err)
	}

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+bench.TblInfo+";").Scan(&n))
	assert.Greater(t, n, 0, "recorder wrote no rows")

	var run int
	var val float64
	require.NoError(t, db.QueryRow(
		"SELECT run, val FROM "+bench.TblInfo+" ORDER BY iter DESC LIMIT 1;").Scan(&run, &val))
	assert.Equal(t, 1, run)
}

func TestRestartsKeepsBestSorted(t *testing.T) {
	ft, _, xtruth := buildDefault(t)

	rng := rand.New(rand.NewSource(9))
	results := bench.Restarts(ft, xtruth, 4, 2, 0.5, rng)

	require.NotEmpty(t, results)
	assert.LessOrEqual(t, len(results), 2)
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i-1].Energy, results[i].Energy)
	}
}
