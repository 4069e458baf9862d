// Package force names the external collaborator contracts the
// integration core consumes: the gravity tree, the SPH density/hydro
// evaluators, and cooling. Only interfaces and simple direct-summation
// test doubles live here — the tree walker and SPH kernels belong to
// the embedding application.
package force

import "github.com/ymf-astro/gogadget/internal/particle"

// GravityProvider populates GravAccel (short-range tree force) for
// every particle in indices. GravPM, the long-range mesh force, is
// filled separately by internal/pm.
type GravityProvider interface {
	BuildTree() error
	ComputeGravity(arena *particle.Arena, indices []int) error
}

// HydroProvider populates HydroAccel, MaxSignalVel, and DtEntropy for
// every gas particle in indices.
type HydroProvider interface {
	ComputeHydro(arena *particle.Arena, indices []int) error
}

// DensityEstimator walks the neighbor search structure and populates
// Density, EgyWtDensity, Hsml (refined to hit DesNumNgb ±
// MaxNumNgbDeviation), DivVel, CurlVel, and DhsmlEgyDensityFactor for
// every gas particle in indices.
type DensityEstimator interface {
	ComputeDensity(arena *particle.Arena, indices []int, desNumNgb float64, maxNumNgbDeviation float64) error
}

// CoolingProvider is the radiative-cooling collaborator: DoCooling
// integrates internal energy over dt; GetCoolingTime estimates the
// instantaneous cooling timescale at fixed density.
type CoolingProvider interface {
	DoCooling(u, rhoPhys, dt float64, uvbg float64, ne *float64, metallicity float64) (uNew float64)
	GetCoolingTime(u, rhoPhys float64, uvbg float64, ne *float64, metallicity float64) (tCool float64)
}

// WindNeighborProvider lets the fixed-efficiency and halo-velocity
// wind variants walk a newly-formed star's gas neighborhood, and (for
// the halo-velocity variant) estimate the local dark-matter velocity
// dispersion, standing in for the gravity/SPH tree's neighbor search.
type WindNeighborProvider interface {
	// GasNeighbors returns the indices of gas particles within radius of
	// pos, plus each one's SPH kernel weight, feeding the two-pass wind
	// launch: one pass totals the weighted mass, a second launches each
	// neighbor independently with probability proportional to its weight
	// share.
	GasNeighbors(arena *particle.Arena, pos particle.Vec3, radius float64) (indices []int, weights []float64)

	// DarkMatterVelocityDispersion estimates the local DM velocity
	// dispersion sigma from the nearest n DM particles to pos. A tree
	// implementation sizes the search radius by bisection: too few
	// neighbors grows it, too many shrinks it, bracketed until the count
	// lands.
	DarkMatterVelocityDispersion(arena *particle.Arena, pos particle.Vec3, n int) (sigma float64, err error)
}

// MassEnclosedProvider answers the bootstrap's ancestor-climb query:
// the total mass enclosed within some node of the gravity tree that
// contains particle i, and that node's linear size. The tree itself
// lives behind this interface.
type MassEnclosedProvider interface {
	EnclosingNodeFor(arena *particle.Arena, i int, targetNeighborMass float64) (enclosedMass, nodeSize float64)
}
