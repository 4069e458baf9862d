// Package bootstrap performs the one-time initial-conditions setup
// that must run before the integrator's first step: a mass-vs-Omega
// sanity check, an initial smoothing-length guess for every gas
// particle, and (for clean ICs carrying only specific internal energy)
// a fixed-point iteration that converts u into the entropy variable
// self-consistently with the density estimator.
package bootstrap

import (
	"fmt"
	"math"
	"sync"

	"github.com/ymf-astro/gogadget/internal/force"
	"github.com/ymf-astro/gogadget/internal/particle"
	"github.com/ymf-astro/gogadget/internal/reduction"
)

// CheckOmega compares the total particle mass in the box against the
// configured OmegaMatter and returns an error if they disagree by more
// than 1e-3; the caller decides whether to treat it as fatal.
func CheckOmega(arena *particle.Arena, red reduction.Reduction, boxSize, hubble, g, omega0 float64) error {
	var mass float64
	for i := range arena.P {
		mass += arena.P[i].Mass
	}
	total := red.SumFloat64(mass)

	omega := total / (boxSize * boxSize * boxSize) / (3 * hubble * hubble / (8 * math.Pi * g))
	if math.Abs(omega-omega0) > 1.0e-3 {
		return fmt.Errorf("bootstrap: mass content implies Omega=%g but config specifies Omega=%g", omega, omega0)
	}
	return nil
}

// massFactor approximates the baryon/non-baryon split used to correct
// the ancestor-node mass estimate for a mixed-species tree node: a
// fixed 0.04/0.26 baryon-fraction placeholder, later refined by the
// density iteration.
func massFactor(t particle.Type) float64 {
	if t == particle.Gas {
		return 0.04 / 0.26
	}
	return 1.0 - 0.04/0.26
}

// SetupHsml assigns every gas particle an initial smoothing-length
// guess by climbing its tree ancestry (via MassEnclosedProvider) until
// the enclosed node mass comfortably exceeds 10*desNumNgb particle
// masses, then inverting the mean-density formula for Hsml.
func SetupHsml(arena *particle.Arena, enclosed force.MassEnclosedProvider, desNumNgb, softening0 float64) {
	var wg sync.WaitGroup
	for i := range arena.P {
		if arena.P[i].Type != particle.Gas {
			continue
		}
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := &arena.P[i]
			target := 10 * desNumNgb * p.Mass / massFactor(p.Type)
			nodeMass, nodeSize := enclosed.EnclosingNodeFor(arena, i, target)
			if nodeMass <= 0 {
				return
			}
			hsml := math.Pow(3.0/(4*math.Pi)*desNumNgb*p.Mass/(massFactor(p.Type)*nodeMass), 1.0/3) * nodeSize
			if softening0 != 0 && hsml > 500*softening0 {
				hsml = 500 * softening0
			}
			arena.Gas(i).Hsml = hsml
		}()
	}
	wg.Wait()
}

// PreSolveResult reports the outcome of the entropy pre-solve
// iteration, for the CLI's startup log line.
type PreSolveResult struct {
	Iterations int
	Badness    float64
	Converged  bool
}

// PreSolveEntropy iterates the density estimator to convert an
// initial-conditions file's specific internal energy into the entropy
// variable self-consistently with its own energy-weighted density.
// With densityIndependentSPH true, EgyWtDensity is iterated through the
// density estimator; with it false, no iteration runs and every gas
// particle's entropy is converted once from its plain Density.
func PreSolveEntropy(arena *particle.Arena, density force.DensityEstimator, red reduction.Reduction, gamma, a3, desNumNgb, maxNumNgbDeviation float64, densityIndependentSPH bool, maxIter int, tol float64) (PreSolveResult, error) {
	gammaMinus1 := gamma - 1
	gasIdx := gasIndices(arena)
	if !densityIndependentSPH {
		for i := range arena.P {
			if arena.P[i].Type != particle.Gas {
				continue
			}
			gas := arena.Gas(i)
			entropy := gammaMinus1 * gas.Entropy / math.Pow(gas.Density/a3, gammaMinus1)
			gas.Entropy = entropy
			gas.EntVarPred = math.Pow(entropy, 1/gamma)
		}
		return PreSolveResult{Converged: true}, nil
	}

	for i := range arena.P {
		if arena.P[i].Type == particle.Gas {
			arena.Gas(i).EgyWtDensity = arena.Gas(i).Density
		}
	}

	old := make([]float64, len(gasIdx))
	res := PreSolveResult{}
	for iter := 0; iter < maxIter; iter++ {
		for k, i := range gasIdx {
			gas := arena.Gas(i)
			entropy := gammaMinus1 * gas.Entropy / math.Pow(gas.EgyWtDensity/a3, gammaMinus1)
			gas.EntVarPred = math.Pow(entropy, 1/gamma)
			old[k] = gas.EgyWtDensity
		}

		if err := density.ComputeDensity(arena, gasIdx, desNumNgb, maxNumNgbDeviation); err != nil {
			return res, fmt.Errorf("bootstrap: density iteration %d: %w", iter, err)
		}

		var badness float64
		for k, i := range gasIdx {
			gas := arena.Gas(i)
			if gas.EgyWtDensity <= 0 {
				continue
			}
			v := math.Abs(gas.EgyWtDensity-old[k]) / gas.EgyWtDensity
			if v > badness {
				badness = v
			}
		}
		badness = red.MaxFloat64(badness)

		res.Iterations = iter + 1
		res.Badness = badness
		if badness < tol {
			res.Converged = true
			break
		}
	}

	for _, i := range gasIdx {
		gas := arena.Gas(i)
		entropy := gammaMinus1 * gas.Entropy / math.Pow(gas.EOMDensity/a3, gammaMinus1)
		gas.Entropy = entropy
	}

	return res, nil
}

func gasIndices(arena *particle.Arena) []int {
	idx := make([]int, 0, len(arena.P))
	for i := range arena.P {
		if arena.P[i].Type == particle.Gas {
			idx = append(idx, i)
		}
	}
	return idx
}
