// Package cosmology implements the flat-ΛCDM (+ optional curvature)
// expansion history and the two leapfrog kick-factor integrals the
// integrator needs: both are moments of 1/H(a) over a log-a interval
// between two integer ticks.
package cosmology

import (
	"math"

	"gonum.org/v1/gonum/integrate/quad"

	"github.com/ymf-astro/gogadget/internal/timeline"
)

// Params are the cosmological density parameters, process-wide
// read-mostly state set once at init (Design Note "Global state").
type Params struct {
	OmegaMatter float64
	OmegaBaryon float64
	OmegaCDM    float64
	OmegaLambda float64
	OmegaCurv   float64
	HubbleParam float64 // little h, H0 = 100*h km/s/Mpc in code units elsewhere
	Gamma       float64 // adiabatic index; GAMMA_MINUS1 = Gamma-1
}

// Model evaluates the expansion history and kick factors for a fixed
// Params and Table. Each kick-factor call runs its quadrature afresh;
// nothing is cached between calls.
type Model struct {
	P   Params
	Tbl *timeline.Table

	quadPoints int
}

// NewModel returns a Model using a 32-point fixed quadrature rule for
// the kick-factor integrals, matching typical production accuracy for
// smoothly varying 1/H(a) integrands.
func NewModel(p Params, tbl *timeline.Table) *Model {
	return &Model{P: p, Tbl: tbl, quadPoints: 32}
}

// HubbleFunction returns H(a)/H0 for the flat/curved ΛCDM expansion
// history: H(a) = H0*sqrt(Om/a^3 + Ok/a^2 + Ol).
func (m *Model) HubbleFunction(a float64) float64 {
	om := m.P.OmegaMatter
	ok := m.P.OmegaCurv
	ol := m.P.OmegaLambda
	return math.Sqrt(om/(a*a*a) + ok/(a*a) + ol)
}

// gravKickIntegrand is the kernel of the gravitational kick integral:
// d(vel)/d(loga) = 1/(a*H(a)) at fixed physical acceleration, expressed
// as a function of loga so it can be quadrature-integrated directly over
// the tick interval's natural coordinate.
func (m *Model) gravKickIntegrand(loga float64) float64 {
	a := math.Exp(loga)
	return 1.0 / (a * m.HubbleFunction(a))
}

// hydroKickIntegrand is the hydro-kick analogue, carrying the extra
// a^(1-3*gamma) weight from the SPH entropy formulation's time
// dependence.
func (m *Model) hydroKickIntegrand(loga float64) float64 {
	a := math.Exp(loga)
	gm1 := m.P.Gamma - 1
	return math.Pow(a, -3*gm1) / (a * m.HubbleFunction(a))
}

// GravKickFactor integrates the gravitational kick kernel between
// ticks tiA and tiB, both expressed as absolute integer ticks on the
// timeline. The sign follows the interval direction: tiA > tiB yields
// a negative factor.
func (m *Model) GravKickFactor(tiA, tiB int64) float64 {
	return m.integrateOverTicks(tiA, tiB, m.gravKickIntegrand)
}

// HydroKickFactor is the hydro-kick analogue of GravKickFactor.
func (m *Model) HydroKickFactor(tiA, tiB int64) float64 {
	return m.integrateOverTicks(tiA, tiB, m.hydroKickIntegrand)
}

func (m *Model) integrateOverTicks(tiA, tiB int64, f func(float64) float64) float64 {
	if tiA == tiB {
		return 0
	}
	sign := 1.0
	if tiA > tiB {
		tiA, tiB = tiB, tiA
		sign = -1.0
	}
	logaA := m.Tbl.LogAFromTicks(tiA)
	logaB := m.Tbl.LogAFromTicks(tiB)
	return sign * quad.Fixed(f, logaA, logaB, m.quadPoints, quad.Legendre{}, 0)
}
