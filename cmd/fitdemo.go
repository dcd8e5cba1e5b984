package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"time"

	_ "modernc.org/sqlite"

	"github.com/js947/relion"
	"github.com/js947/relion/bench"
)

var (
	ntrials = flag.Int("trials", 10, "number of restarts")
	keep    = flag.Int("keep", 3, "number of best results to report")
	scale   = flag.Float64("scale", 1.5, "start-point perturbation in pixels")
	sigacc  = flag.Float64("sigacc", 2, "acceleration prior scale (0 disables)")
	dbpath  = flag.String("db", "", "sqlite file for optimizer progress (optional)")
	seed    = flag.Int64("seed", -1, "rng seed (-1 for time-based)")
)

const successRMSD = 0.5 // pixels

func main() {
	flag.Parse()
	if *seed < 0 {
		*seed = time.Now().Unix()
	}
	rng := rand.New(rand.NewSource(*seed))

	sc := bench.Default()
	ft, truth, err := sc.Build(
		relion.SigVel(1.5),
		relion.SigDiv(2*sc.Spacing),
		relion.SigAcc(*sigacc),
	)
	if err != nil {
		log.Fatal(err)
	}

	xtruth, err := bench.TruthParams(ft, truth)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("scenario %v: %v particles, %v frames, %v modes, %v params\n",
		sc.Name, ft.Particles(), ft.Frames(), ft.Modes(), ft.NParams())
	fmt.Printf("energy at truth: %v\n", ft.F(xtruth))

	if *dbpath != "" {
		db, err := sql.Open("sqlite", *dbpath)
		if err != nil {
			log.Fatal(err)
		}
		defer db.Close()

		x := perturb(xtruth, *scale, rng)
		res, err := bench.Run(ft, x, &bench.DBRecorder{DB: db})
		if err != nil {
			log.Printf("recorded run: %v", err)
		}
		fmt.Printf("recorded run: energy %v after %v iters -> %v\n", res.Energy, res.Iters, *dbpath)
	}

	results := bench.Restarts(ft, xtruth, *ntrials, *keep, *scale, rng)

	nsuccess := 0
	for i, res := range results {
		rmsd := bench.RMSD(ft, res.X, truth)
		ok := rmsd < successRMSD
		if ok {
			nsuccess++
		}
		fmt.Printf("  #%v: energy %v, rmsd %.3f px, %v iters, %v evals (success=%v)\n",
			i, res.Energy, rmsd, res.Iters, res.FuncEvals, ok)
	}
	fmt.Printf("%v/%v reported results within %v px of truth\n", nsuccess, len(results), successRMSD)
}

func perturb(x []float64, scale float64, rng *rand.Rand) []float64 {
	out := make([]float64, len(x))
	for i := range out {
		out[i] = x[i] + scale*(2*rng.Float64()-1)
	}
	return out
}
