// Package reduction models the SPMD collective-reduction boundary:
// well-defined barriers after SFR counts, bad-step detection,
// entropy-convergence tests, and displacement-constraint reductions.
// A plain interface with a single-rank default, so a real MPI- or
// RPC-backed implementation can be substituted without the integrator,
// sfr, or bootstrap packages changing.
package reduction

// Reduction is the collective-communication boundary every global
// reduction in the integrator goes through, so the core logic is
// rank-count-agnostic.
type Reduction interface {
	SumFloat64(v float64) float64
	SumInt64(v int64) int64
	MinFloat64(v float64) float64
	MaxFloat64(v float64) float64
	MaxInt64(v int64) int64
	// Barrier performs an all-reduce producing the same fatal-abort
	// decision on every rank: a non-zero argument on any rank makes
	// every rank's return value non-zero.
	Barrier(localFatal int) (anyFatal int)
}

// Local is the single-rank ("rank 0 of 1") implementation: every
// reduction is a no-op pass-through of the local value.
type Local struct{}

var _ Reduction = Local{}

func (Local) SumFloat64(v float64) float64 { return v }
func (Local) SumInt64(v int64) int64       { return v }
func (Local) MinFloat64(v float64) float64 { return v }
func (Local) MaxFloat64(v float64) float64 { return v }
func (Local) MaxInt64(v int64) int64       { return v }
func (Local) Barrier(localFatal int) int   { return localFatal }
