// Package sfr implements the multi-phase effective star-formation and
// galactic-wind model: per-particle cooling/SFR rate evaluation, the
// relaxed-cooling entropy update, star spawning (in-place gas→star
// conversion via particle.Arena.ConvertToStar, or forking a new star
// particle via particle.Arena.SpawnStar), and the three
// wind-launch variants (subgrid probabilistic, fixed-efficiency,
// halo-velocity-scaled).
package sfr

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/ymf-astro/gogadget/internal/config"
	"github.com/ymf-astro/gogadget/internal/force"
	"github.com/ymf-astro/gogadget/internal/particle"
	"github.com/ymf-astro/gogadget/internal/rng"
)

// atomicFloat64 is a minimal stand-in for sync/atomic's integer atomics
// (there is no atomic.Float64), implemented via a CAS loop over the
// float64's bit pattern.
type atomicFloat64 struct {
	bits atomic.Uint64
}

func (f *atomicFloat64) Add(delta float64) float64 {
	for {
		old := f.bits.Load()
		newVal := math.Float64frombits(old) + delta
		newBits := math.Float64bits(newVal)
		if f.bits.CompareAndSwap(old, newBits) {
			return newVal
		}
	}
}

func (f *atomicFloat64) Load() float64 {
	return math.Float64frombits(f.bits.Load())
}

// Multiplier scales the raw SFR rate by an optional, independently
// togglable factor (H2 molecular fraction, self-gravity boundedness),
// defaulting to a constant 1.0 when its StarformationCriterion bit is
// unset.
type Multiplier func(arena *particle.Arena, i int) float64

// ConstantOne is the default Multiplier applied when a criterion bit is
// not set.
func ConstantOne(*particle.Arena, int) float64 { return 1 }

// Model bundles the star-formation/wind configuration and its
// collaborators.
type Model struct {
	P       config.Params
	Cooling force.CoolingProvider

	EgySpecSN   float64
	EgySpecCold float64

	// OverDensThresh is the comoving-density floor for star formation
	// (CritOverDensity scaled to the mean baryon density), computed once
	// at construction the way the original derives All.OverDensThresh.
	OverDensThresh float64

	// uQLyACold splits the Quick-Lyman-alpha population: overdense gas
	// below this specific energy (a ~1e5 K proxy) converts to stars with
	// fixed probability, overdense gas above it cools.
	uQLyACold float64

	H2Multiplier          Multiplier
	SelfGravityMultiplier Multiplier

	// sumStarMass/numStars are updated from concurrent per-particle Step
	// calls; each call only ever touches its own particle i, so a plain
	// atomic add suffices.
	sumStarMass atomicFloat64
	numStars    atomic.Int64

	// windLocks holds one *sync.Mutex per gas particle index a
	// wind-neighbor walk has touched. Each lock is held only while that
	// one particle is launched and is taken with TryLock, so a walk never
	// blocks on it; a particle listed twice in the same walk is evaluated
	// again on its second appearance.
	windLocks sync.Map
}

// NewModel builds a Model from configuration, defaulting both optional
// multipliers to ConstantOne unless the corresponding
// StarformationCriterion bit is set.
func NewModel(p config.Params, cooling force.CoolingProvider, egySpecSN, egySpecCold float64) *Model {
	m := &Model{
		P:           p,
		Cooling:     cooling,
		EgySpecSN:   egySpecSN,
		EgySpecCold: egySpecCold,
	}
	rhoCrit := 3 * p.Hubble0 * p.Hubble0 / (8 * math.Pi * p.G)
	m.OverDensThresh = p.CritOverDensity * p.OmegaBaryon * rhoCrit
	m.uQLyACold = 1.0e5 / (0.59 * (p.Gamma - 1))
	m.H2Multiplier = ConstantOne
	m.SelfGravityMultiplier = ConstantOne
	return m
}

// Rate holds a particle's evaluated star-formation state for one step.
type Rate struct {
	SFR    float64
	Trelax float64
	EgyEff float64
	Ne     float64
}

// Evaluate computes a gas particle's instantaneous star-formation rate
// and the relaxed-cooling target energy/timescale. dtime is the
// particle's physical timestep; pass 0 for an SFR-only evaluation
// (Trelax/EgyEff/Ne are still filled but unused by a rate-only
// caller).
func (m *Model) Evaluate(arena *particle.Arena, i int, dtime, rhoPhys, uvbg float64) Rate {
	gas := arena.Gas(i)
	if gas == nil {
		return Rate{}
	}

	if m.P.PhysDensThresh <= 0 || rhoPhys < m.P.PhysDensThresh {
		return Rate{Trelax: m.P.MaxSfrTimescale, EgyEff: m.EgySpecCold}
	}

	tsfr := math.Sqrt(m.P.PhysDensThresh/rhoPhys) * m.P.MaxSfrTimescale
	if tsfr < dtime {
		tsfr = dtime
	}

	factorEVP := math.Pow(rhoPhys/m.P.PhysDensThresh, -0.8) * m.P.FactorEVP
	egyhot := m.EgySpecSN/(1+factorEVP) + m.EgySpecCold

	ne := gas.Ne
	tcool := m.Cooling.GetCoolingTime(egyhot, rhoPhys, uvbg, &ne, gas.Metallicity)

	denom := m.P.FactorSN*m.EgySpecSN - (1-m.P.FactorSN)*m.EgySpecCold
	y := tsfr / tcool * egyhot / denom
	x := coldFraction(y)

	cloudmass := x * arena.P[i].Mass
	rate := (1 - m.P.FactorSN) * cloudmass / tsfr

	if m.P.StarformationCriterion&config.SFRMolecularH2 != 0 {
		rate *= m.H2Multiplier(arena, i)
	}
	if m.P.StarformationCriterion&config.SFRSelfGravity != 0 {
		rate *= m.SelfGravityMultiplier(arena, i)
	}

	return Rate{
		SFR:    rate,
		Trelax: tsfr * (1 - x) / x / (m.P.FactorSN * (1 + factorEVP)),
		EgyEff: egyhot*(1-x) + m.EgySpecCold*x,
		Ne:     ne,
	}
}

// coldFraction solves the cloud-evaporation balance for the cold-phase
// mass fraction x given the timescale ratio y, the same closed-form
// quadratic root used by internal/eos.
func coldFraction(y float64) float64 {
	if y <= 0 {
		return 1
	}
	return 1 + 1/(2*y) - math.Sqrt(1/y+1/(4*y*y))
}

// CoolingRelaxed relaxes the entropy exponentially toward the
// effective multi-phase equilibrium energy on the trelax timescale.
func (m *Model) CoolingRelaxed(arena *particle.Arena, i int, egyeff, dtime, trelax, a3inv, gammaMinus1 float64) {
	gas := arena.Gas(i)
	densityFac := math.Pow(gas.EOMDensity*a3inv, gammaMinus1) / gammaMinus1
	egycurrent := gas.Entropy * densityFac

	if trelax <= 0 {
		trelax = m.P.MaxSfrTimescale
	}
	gas.Entropy = (egyeff + (egycurrent-egyeff)*math.Exp(-dtime/trelax)) / densityFac
	gas.DtEntropy = 0
}

// Step runs one star-formation/cooling/wind-launch pass for particle i
// over its current timestep dt (ticks to physical time is the caller's
// job, as is the Friedmann-factor conversion). a is the current
// cosmological scale factor, needed to convert the configured
// WindSpeed (a comoving-velocity parameter) into the physical kick
// applied in LaunchWind.
func (m *Model) Step(arena *particle.Arena, i int, dt, dtime, rhoPhys, uvbg, a3inv, gammaMinus1, massOfStar, a float64) {
	gas := arena.Gas(i)
	if gas == nil {
		return
	}

	// While the wind-delay counter is positive the particle is excluded
	// from cooling, SFR, and wind evaluation entirely; the counter
	// decrements by physical dtime and clears early once density has
	// dropped below WindFreeTravelDensFac*PhysDensThresh.
	if gas.DelayTime > 0 {
		gas.DelayTime -= dtime
		if gas.DelayTime < 0 {
			gas.DelayTime = 0
		}
		if m.P.PhysDensThresh > 0 && rhoPhys < m.P.WindFreeTravelDensFac*m.P.PhysDensThresh {
			gas.DelayTime = 0
		}
		return
	}

	id := arena.P[i].ID
	qlya := m.P.QuickLymanAlphaProbability > 0

	// Mode decision: star-forming iff SF is enabled, the
	// physical density clears PhysDensThresh, the comoving density clears
	// the overdensity floor, the particle is not wind-delayed (handled
	// above), and it still has mass. The Quick-Lyman-alpha path overrides
	// both: overdense-and-cold forms a star with fixed probability,
	// everything else cools.
	overdense := gas.Density >= m.OverDensThresh
	starForming := m.P.StarformationOn && m.P.PhysDensThresh > 0 &&
		rhoPhys >= m.P.PhysDensThresh && overdense && arena.P[i].Mass > 0
	if qlya {
		u := gas.Entropy / gammaMinus1 * math.Pow(gas.EOMDensity*a3inv, gammaMinus1)
		starForming = overdense && u < m.uQLyACold
	}

	if !starForming {
		gas.Sfr = 0
		m.coolParticle(arena, i, dtime, rhoPhys, uvbg, a3inv, gammaMinus1)
		return
	}

	prob := 0.0
	sm := 0.0
	if qlya {
		prob = m.P.QuickLymanAlphaProbability
	} else {
		r := m.Evaluate(arena, i, dtime, rhoPhys, uvbg)
		gas.Ne = r.Ne

		sm = r.SFR * dtime
		p := 0.0
		if arena.P[i].Mass > 0 {
			p = sm / arena.P[i].Mass
		}
		m.sumStarMass.Add(arena.P[i].Mass * (1 - math.Exp(-p)))
		gas.Sfr = r.SFR

		gas.Metallicity += rng.Uniform01(id, 0) * metalYield * (1 - math.Exp(-p))

		if dt > 0 && arena.P[i].TimeBin != 0 {
			m.CoolingRelaxed(arena, i, r.EgyEff, dtime, r.Trelax, a3inv, gammaMinus1)
		}

		if massOfStar > 0 {
			prob = arena.P[i].Mass / massOfStar * (1 - math.Exp(-p))
		} else {
			prob = 1 - math.Exp(-p)
		}
	}

	if rng.Uniform01(id, 1) < prob {
		// The Quick-Lyman-alpha path always converts the whole particle in
		// place, never forking a partial-mass star. massOfStar<=0 means the
		// caller has no Generations-derived star mass to fork off, so that
		// also falls back to the plain in-place conversion rather than
		// spawning a zero-mass child.
		if qlya || massOfStar <= 0 {
			arena.ConvertToStar(i)
		} else {
			arena.SpawnStar(i, massOfStar, uint32(m.numStars.Load()))
		}
		m.numStars.Add(1)
	}

	// The subgrid wind kicks the parent itself, and only if it is still a
	// gas particle after the spawn decision.
	if qlya || arena.P[i].Type != particle.Gas || arena.P[i].Mass <= 0 {
		return
	}
	if m.P.WindModel&config.WindSubgrid != 0 {
		pw := m.P.WindEfficiency * sm / arena.P[i].Mass
		probWind := 1 - math.Exp(-pw)
		if rng.Uniform01(id, 2) < probWind {
			m.LaunchWind(arena, i, m.P.WindSpeed*a, a, particle.Vec3{})
		}
	}
}

// coolParticle is the cooling-mode branch: integrate the specific
// internal energy through the external DoCooling over the step, then
// recompute DtEntropy so the entropy variable lands on the cooled
// energy at step end, guarded to never drain more than half the
// current entropy over the step.
func (m *Model) coolParticle(arena *particle.Arena, i int, dtime, rhoPhys, uvbg, a3inv, gammaMinus1 float64) {
	gas := arena.Gas(i)
	densityFac := math.Pow(gas.EOMDensity*a3inv, gammaMinus1) / gammaMinus1

	uOld := (gas.Entropy + gas.DtEntropy*dtime) * densityFac
	if uOld < m.P.MinEgySpec {
		uOld = m.P.MinEgySpec
	}

	ne := gas.Ne
	uNew := m.Cooling.DoCooling(uOld, rhoPhys, dtime, uvbg, &ne, gas.Metallicity)
	gas.Ne = ne

	if dtime > 0 && densityFac > 0 {
		gas.DtEntropy = (uNew/densityFac - gas.Entropy) / dtime
		if gas.DtEntropy < -0.5*gas.Entropy/dtime {
			gas.DtEntropy = -0.5 * gas.Entropy / dtime
		}
	}
}

const metalYield = 0.02

// LaunchWind converts gas particle i into a wind particle: it receives
// a velocity kick of magnitude v along a direction chosen by the
// active WindModel variant, and is marked with a free-travel DelayTime
// during which it is excluded from cooling/SFR. a is the current scale
// factor, used to convert the free-travel length into a physical delay
// time.
func (m *Model) LaunchWind(arena *particle.Arena, i int, v, a float64, vmean particle.Vec3) {
	gas := arena.Gas(i)
	if gas == nil || v == 0 {
		return
	}
	id := arena.P[i].ID

	var dir particle.Vec3
	switch {
	case m.P.WindModel&config.WindIsotropic != 0:
		x, y, z := rng.UnitVector(id, 3)
		dir = particle.Vec3{X: x, Y: y, Z: z}
	default:
		vel := arena.P[i].Vel.Sub(vmean)
		g := arena.P[i].GravAccel
		dir = particle.Vec3{
			X: g.Y*vel.Z - g.Z*vel.Y,
			Y: g.Z*vel.X - g.X*vel.Z,
			Z: g.X*vel.Y - g.Y*vel.X,
		}
		norm := math.Sqrt(dir.LengthSq())
		if norm == 0 {
			return
		}
		dir = dir.Scale(1 / norm)
	}

	if rng.Uniform01(id, 5) < 0.5 {
		v = -v
	}

	arena.P[i].Vel = arena.P[i].Vel.Add(dir.Scale(v))
	gas.VelPred = gas.VelPred.Add(dir.Scale(v))
	if v != 0 {
		gas.DelayTime = m.P.WindFreeTravelLength / math.Abs(v/a)
	}
}

// StarMassFormed returns the cumulative stellar mass formed so far
// (sum_mass_stars in the original).
func (m *Model) StarMassFormed() float64 { return m.sumStarMass.Load() }

// NumStarsFormed returns the running count of gas->star conversions.
func (m *Model) NumStarsFormed() int64 { return m.numStars.Load() }

// lockGas returns the per-particle mutex guarding gas particle idx
// against concurrent wind-neighbor modification, creating it on first
// use.
func (m *Model) lockGas(idx int) *sync.Mutex {
	v, _ := m.windLocks.LoadOrStore(idx, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// LaunchWindsForNewStars implements the fixed-efficiency and
// halo-velocity wind variants: for every star particle born this step,
// it walks the star's gas neighborhood via neighbors, computes the
// total neighbor-weighted mass, and independently launches each
// neighbor with probability eta*weight/total. searchRadius bounds the
// gas-neighbor walk; adaptive sizing belongs to the neighbor-tree
// collaborator behind the WindNeighborProvider interface.
func (m *Model) LaunchWindsForNewStars(arena *particle.Arena, neighbors force.WindNeighborProvider, newStars []int, a, searchRadius float64) {
	if neighbors == nil || m.P.WindModel&(config.WindFixedEfficiency|config.WindUseHalo) == 0 {
		return
	}

	for _, starIdx := range newStars {
		star := arena.P[starIdx]
		eta := m.P.WindEfficiency
		speed := m.P.WindSpeed * a

		if m.P.WindModel&config.WindUseHalo != 0 {
			sigma, err := neighbors.DarkMatterVelocityDispersion(arena, star.Pos, 40)
			if err != nil || sigma <= 0 || m.P.WindSigma0 <= 0 {
				continue
			}
			ratio := m.P.WindSigma0 / sigma
			eta = m.P.WindEfficiency * m.P.WindEnergyFraction * ratio * ratio
			speed = m.P.WindSpeedFactor * sigma
		}

		idx, weights := neighbors.GasNeighbors(arena, star.Pos, searchRadius)
		if len(idx) == 0 {
			continue
		}
		var total float64
		for _, w := range weights {
			total += w
		}
		if total <= 0 {
			continue
		}

		for k, j := range idx {
			if arena.P[j].Type != particle.Gas {
				continue
			}
			prob := eta * weights[k] / total
			if !rng.Bernoulli(star.ID, uint64(arena.P[j].ID)+7, prob) {
				continue
			}

			mu := m.lockGas(j)
			if !mu.TryLock() {
				// Another launching star's pass holds this particle right
				// now; skip rather than block.
				continue
			}
			m.LaunchWind(arena, j, speed, a, star.Vel)
			mu.Unlock()
		}
	}
}
