// Package eos bootstraps the multi-phase effective equation of state:
// given the wind/SFR model parameters it derives PhysDensThresh, the
// physical density above which the Springel-Hernquist two-phase medium
// becomes thermally unstable and star formation switches on, plus an
// informational scan for the density at which the effective polytropic
// index drops below 4/3 and the medium turns starburst-unstable.
//
// The threshold follows from requiring that the cooling time of the
// hot phase at the threshold equals the cloud-evaporation timescale at
// the specified cold fraction, which collapses to a closed form once
// the z=0 cooling rate is sampled from the cooling collaborator.
package eos

import (
	"fmt"
	"math"

	"github.com/ymf-astro/gogadget/internal/config"
	"github.com/ymf-astro/gogadget/internal/force"
)

// Solver holds the model constants needed by the cold/hot phase
// equilibrium equations, carried over from config.Params.
type Solver struct {
	FactorSN        float64
	FactorEVP       float64
	TempSupernova   float64
	TempClouds      float64
	Gamma           float64
	MaxSfrTimescale float64

	Hubble0 float64
	G       float64

	meanMolWeightHot  float64
	meanMolWeightCold float64
}

// NewSolver builds a Solver from the run's configuration.
func NewSolver(p config.Params) *Solver {
	return &Solver{
		FactorSN:          p.FactorSN,
		FactorEVP:         p.FactorEVP,
		TempSupernova:     p.TempSupernova,
		TempClouds:        p.TempClouds,
		Gamma:             p.Gamma,
		MaxSfrTimescale:   p.MaxSfrTimescale,
		Hubble0:           p.Hubble0,
		G:                 p.G,
		meanMolWeightHot:  0.59,
		meanMolWeightCold: 1.22,
	}
}

// egySpecSN is the specific energy released per unit mass of gas
// feeding supernova reheating.
func (s *Solver) egySpecSN() float64 {
	const uToTemp = 1.0 // unit-system constant folded into TempSupernova elsewhere
	return s.TempSupernova / (s.meanMolWeightHot * uToTemp) / (s.Gamma - 1)
}

func (s *Solver) egySpecCold() float64 {
	const uToTemp = 1.0
	return s.TempClouds / (s.meanMolWeightCold * uToTemp) / (s.Gamma - 1)
}

// EgySpecSNForCLI exposes the supernova-reheating specific energy for
// wiring into internal/sfr.NewModel, which needs it once at startup.
func (s *Solver) EgySpecSNForCLI() float64 { return s.egySpecSN() }

// EgySpecColdForCLI exposes the cold-phase specific energy for wiring
// into internal/sfr.NewModel, which needs it once at startup.
func (s *Solver) EgySpecColdForCLI() float64 { return s.egySpecCold() }

// coldFraction solves x = 1 + 1/(2y) - sqrt(1/y + 1/(4y^2)) for the
// cold-phase mass fraction, the closed-form root of the cloud
// evaporation balance equation.
func coldFraction(y float64) float64 {
	if y <= 0 {
		return 1
	}
	return 1 + 1/(2*y) - math.Sqrt(1/y+1/(4*y*y))
}

// SolveThreshold derives PhysDensThresh at z=0 when the parameter file
// leaves it unset: sample the cooling rate of the fully-evaporated hot
// phase at a high reference density, fix the cold fraction from the
// 1e4 K ionization plateau, and invert the thermal-instability
// condition for the threshold density.
func (s *Solver) SolveThreshold(cooling force.CoolingProvider) (float64, error) {
	a0 := s.FactorEVP
	egySN := s.egySpecSN()
	egyCold := s.egySpecCold()
	egyhot := egySN / a0

	const uToTemp = 1.0
	u4 := 1.0e4 / (s.meanMolWeightCold * uToTemp) / (s.Gamma - 1)

	// Reference density well above any plausible threshold, so the
	// sampled cooling rate sits on the rate curve's high-density branch.
	dens := 1.0e6 * 3 * s.Hubble0 * s.Hubble0 / (8 * math.Pi * s.G)

	ne := 1.0
	tcool := cooling.GetCoolingTime(egyhot, dens, 0, &ne, 0)
	if tcool <= 0 || math.IsNaN(tcool) {
		return 0, fmt.Errorf("eos: cooling collaborator returned unusable tcool=%g at reference density %g", tcool, dens)
	}
	coolrate := egyhot / tcool / dens

	x := (egyhot - u4) / (egyhot - egyCold)
	if x <= 0 || x >= 1 {
		return 0, fmt.Errorf("eos: cold fraction x=%g outside (0,1); check TempSupernova/TempClouds", x)
	}

	thresh := x / math.Pow(1-x, 2) *
		(s.FactorSN*egySN - (1-s.FactorSN)*egyCold) /
		(s.MaxSfrTimescale * coolrate)

	if thresh <= 0 || math.IsNaN(thresh) || math.IsInf(thresh, 0) {
		return 0, fmt.Errorf("eos: PhysDensThresh solve produced %g", thresh)
	}
	return thresh, nil
}

// effectivePressure evaluates the equilibrium multi-phase pressure at
// physical density dens on the effective EOS anchored at thresh.
func (s *Solver) effectivePressure(cooling force.CoolingProvider, thresh, dens float64) float64 {
	egySN := s.egySpecSN()
	egyCold := s.egySpecCold()

	tsfr := math.Sqrt(thresh/dens) * s.MaxSfrTimescale
	factorEVP := math.Pow(dens/thresh, -0.8) * s.FactorEVP
	egyhot := egySN/(1+factorEVP) + egyCold

	ne := 0.5
	tcool := cooling.GetCoolingTime(egyhot, dens, 0, &ne, 0)
	if tcool <= 0 {
		return 0
	}

	y := tsfr / tcool * egyhot / (s.FactorSN*egySN - (1-s.FactorSN)*egyCold)
	x := coldFraction(y)
	egyeff := egyhot*(1-x) + egyCold*x
	return (s.Gamma - 1) * dens * egyeff
}

// StarburstDensity scans the effective EOS upward from thresh for the
// density at which the effective polytropic index neff = dlnP/dlnrho
// falls below 4/3, the runaway ("starburst") instability criterion.
// Informational only; returns 0 if the curve stays stable over the
// scanned range.
func (s *Solver) StarburstDensity(cooling force.CoolingProvider, thresh float64) float64 {
	const step = 1.1
	dens := thresh
	for iter := 0; iter < 1000; iter++ {
		p1 := s.effectivePressure(cooling, thresh, dens)
		p2 := s.effectivePressure(cooling, thresh, dens*1.01)
		if p1 <= 0 || p2 <= 0 {
			return 0
		}
		neff := math.Log(p2/p1) / math.Log(1.01)
		if neff < 4.0/3.0 {
			return dens
		}
		dens *= step
	}
	return 0
}

// CurvePoint is one sample of the informational effective-EOS scan.
type CurvePoint struct {
	PhysDensity float64
	ColdFrac    float64
	EffectiveU  float64
}

// ScanCurve samples the effective-EOS curve over [densMin, densMax] at
// n log-spaced points with the threshold anchored at thresh, purely
// informational (not fed back into the integrator).
func (s *Solver) ScanCurve(cooling force.CoolingProvider, thresh, densMin, densMax float64, n int) []CurvePoint {
	if n < 2 {
		n = 2
	}
	pts := make([]CurvePoint, n)
	logMin, logMax := math.Log(densMin), math.Log(densMax)
	egySN := s.egySpecSN()
	egyCold := s.egySpecCold()
	for i := 0; i < n; i++ {
		frac := float64(i) / float64(n-1)
		dens := math.Exp(logMin + frac*(logMax-logMin))

		tsfr := math.Sqrt(thresh/dens) * s.MaxSfrTimescale
		factorEVP := math.Pow(dens/thresh, -0.8) * s.FactorEVP
		egyhot := egySN/(1+factorEVP) + egyCold
		ne := 0.5
		tcool := cooling.GetCoolingTime(egyhot, dens, 0, &ne, 0)
		y := 0.0
		if tcool > 0 {
			y = tsfr / tcool * egyhot / (s.FactorSN*egySN - (1-s.FactorSN)*egyCold)
		}
		x := coldFraction(y)
		pts[i] = CurvePoint{
			PhysDensity: dens,
			ColdFrac:    x,
			EffectiveU:  egyhot*(1-x) + egyCold*x,
		}
	}
	return pts
}
