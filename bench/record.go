package bench

import (
	"database/sql"

	"gonum.org/v1/gonum/optimize"
)

// TblInfo is the table DBRecorder writes optimizer progress into.
const TblInfo = "fitinfo"

// DBRecorder streams major-iteration progress into a database table, one
// row per iteration: run tag, iteration count, function and gradient
// evaluation counts, and the current energy.
type DBRecorder struct {
	DB *sql.DB
	// Run tags rows so multiple restarts can share one table.
	Run int
}

var _ optimize.Recorder = (*DBRecorder)(nil)

func (r *DBRecorder) Init() error {
	s := "CREATE TABLE IF NOT EXISTS " + TblInfo +
		" (run INTEGER,iter INTEGER,neval INTEGER,ngrad INTEGER,val REAL);"
	_, err := r.DB.Exec(s)
	return err
}

func (r *DBRecorder) Record(loc *optimize.Location, op optimize.Operation, stats *optimize.Stats) error {
	if op&optimize.MajorIteration == 0 {
		return nil
	}
	_, err := r.DB.Exec("INSERT INTO "+TblInfo+" VALUES (?,?,?,?,?);",
		r.Run, stats.MajorIterations, stats.FuncEvaluations, stats.GradEvaluations, loc.F)
	return err
}
