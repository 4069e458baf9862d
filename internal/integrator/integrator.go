// Package integrator implements the kick/drift leapfrog timestep
// machinery: per-particle adaptive timestep assignment rounded onto
// the power-of-two time-bin hierarchy, the gravity/hydro kick
// operators, and the long-range PM kick.
package integrator

import (
	"context"
	"math"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/ymf-astro/gogadget/internal/config"
	"github.com/ymf-astro/gogadget/internal/cosmology"
	"github.com/ymf-astro/gogadget/internal/fatal"
	"github.com/ymf-astro/gogadget/internal/force"
	"github.com/ymf-astro/gogadget/internal/particle"
	"github.com/ymf-astro/gogadget/internal/pm"
	"github.com/ymf-astro/gogadget/internal/reduction"
	"github.com/ymf-astro/gogadget/internal/timebin"
	"github.com/ymf-astro/gogadget/internal/timeline"
)

// Integrator bundles the collaborators the timestep machinery needs
// on every call, avoiding a re-threaded parameter list at each call
// site.
type Integrator struct {
	Params  config.Params
	Cosmo   *cosmology.Model
	Table   *timeline.Table
	Bins    *timebin.Manager
	Gravity force.GravityProvider
	Reduce  reduction.Reduction
}

// New constructs an Integrator from its collaborators.
func New(p config.Params, cosmo *cosmology.Model, tbl *timeline.Table, bins *timebin.Manager, grav force.GravityProvider, red reduction.Reduction) *Integrator {
	return &Integrator{Params: p, Cosmo: cosmo, Table: tbl, Bins: bins, Gravity: grav, Reduce: red}
}

// GetTimestep computes the candidate timestep for a single particle in
// dloga units: the minimum of the acceleration criterion, the Courant
// condition (gas), the accretion and bin-limiter criteria (black
// holes), and dlogaMax (the global displacement cap merged with
// MaxSizeTimestep by the caller). A non-positive or non-finite result
// is the "bad step" fatal condition.
func (in *Integrator) GetTimestep(arena *particle.Arena, i int, a float64, tiCurrent int64, dlogaMax float64) (float64, error) {
	p := &arena.P[i]

	// Physical acceleration: a^-2 scales the comoving gravitational
	// accelerations; gas adds the hydro acceleration with its
	// entropy-formulation weight a^(2-3*gamma).
	aphys := p.GravAccel.Add(p.GravPM).Scale(1 / (a * a))
	if p.Type == particle.Gas {
		aphys = aphys.Add(arena.Gas(i).HydroAccel.Scale(math.Pow(a, 2-3*in.Params.Gamma)))
	}
	accel := math.Sqrt(aphys.LengthSq())

	softening := in.Params.Softening.Effective(p.SofteningClass, a)

	dt := math.Inf(1)
	if accel > 0 {
		dt = math.Sqrt(2 * in.Params.ErrTolIntAccuracy * a * softening / accel)
	}

	if p.Type == particle.Gas {
		gas := arena.Gas(i)
		if gas.MaxSignalVel > 0 {
			fac := math.Pow(a, 1.5*(1-in.Params.Gamma))
			dtCourant := 2 * in.Params.CourantFac * a * gas.Hsml / (fac * gas.MaxSignalVel)
			dt = math.Min(dt, dtCourant)
		}
	}

	dloga := dt * in.Cosmo.HubbleFunction(a)

	if p.Type == particle.BlackHole {
		bh := arena.BlackHole(i)
		if bh.Mdot > 0 {
			dloga = math.Min(dloga, 0.25*bh.Mass/bh.Mdot*in.Cosmo.HubbleFunction(a))
		}
		if bh.TimeBinLimit > 0 {
			dloga = math.Min(dloga, in.Table.DlogaForBin(tiCurrent, bh.TimeBinLimit))
		}
	}

	dloga = math.Min(dloga, dlogaMax)
	if in.Params.MinSizeTimestep > 0 && dloga < in.Params.MinSizeTimestep {
		dloga = in.Params.MinSizeTimestep
	}

	if dloga <= 0 || math.IsNaN(dloga) || math.IsInf(dloga, 0) {
		return 0, fatal.Errorf(fatal.BadTimestep,
			"integrator: bad timestep dloga=%g for particle ID=%d type=%d accel=%g", dloga, p.ID, p.Type, accel)
	}
	return dloga, nil
}

// AdvanceAndFindTimesteps walks every active particle, recomputes its
// timestep, applies the leapfrog kick between its old and new step
// midpoints, and moves it into the appropriate time bin.
//
// The work runs in two phases: new bins are computed in parallel into
// a scratch array with nothing shared being written, then the kicks
// and the Prev/Next list surgery run single-threaded. A bad-timestep
// request on any particle (here or, through Reduce.Barrier, on any
// rank) aborts with a fatal.BadTimestep error; the caller owns the
// emergency snapshot.
//
// dtGravkickB is the outstanding long-range kick factor from the
// midpoint of the current PM interval to tiCurrent, folded into each
// gas particle's predicted velocity; pass 0 when no PM interval is in
// flight.
func (in *Integrator) AdvanceAndFindTimesteps(ctx context.Context, arena *particle.Arena, a float64, tiCurrent int64, dtGravkickB float64) error {
	active := in.Bins.ActiveSet()
	dlogaMax := math.Min(in.Params.MaxSizeTimestep, in.FindDtDisplacementConstraint(arena, a))

	logaCur := in.Table.LogAFromTicks(tiCurrent)

	newBins := make([]int, len(active))
	var badSteps atomic.Int64
	var firstBad atomic.Value

	g, _ := errgroup.WithContext(ctx)
	const chunk = 4096
	for start := 0; start < len(active); start += chunk {
		start := start
		end := min(start+chunk, len(active))
		g.Go(func() error {
			for k := start; k < end; k++ {
				i := active[k]
				dloga, err := in.GetTimestep(arena, i, a, tiCurrent, dlogaMax)
				if err != nil {
					badSteps.Add(1)
					firstBad.CompareAndSwap(nil, err)
					continue
				}
				ticks := in.Table.TicksFromLogA(logaCur+dloga) - tiCurrent
				ticks = timeline.RoundDownPowerOfTwo(ticks)
				newBin := timeline.BinFromTicks(ticks)
				if ticks < 2 || newBin < 0 {
					badSteps.Add(1)
					firstBad.CompareAndSwap(nil, fatal.Errorf(fatal.BadTimestep,
						"integrator: timestep of particle ID=%d rounds below one tick (dloga=%g)", arena.P[i].ID, dloga))
					continue
				}
				// Never let a particle skip straight to a higher bin whose
				// kick boundary isn't aligned with tiCurrent: back it down
				// one bin at a time until it lands on a bin active right now,
				// so it can never skip a kick boundary.
				oldBin := arena.P[i].TimeBin
				for newBin > oldBin && tiCurrent%(int64(1)<<uint(newBin)) != 0 {
					newBin--
				}
				newBins[k] = newBin
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Every rank must agree on the abort decision before any rank starts
	// mutating bins, so the most recent snapshot stays the consistent
	// checkpoint.
	if in.Reduce.Barrier(int(badSteps.Load())) != 0 {
		if err, ok := firstBad.Load().(error); ok {
			return err
		}
		return fatal.Errorf(fatal.BadTimestep, "integrator: bad timestep on a remote rank")
	}

	for k, i := range active {
		p := &arena.P[i]
		var dtiOld int64
		if p.TimeBin > 0 {
			dtiOld = int64(1) << uint(p.TimeBin)
		}
		dtiNew := int64(0)
		if newBins[k] > 0 {
			dtiNew = int64(1) << uint(newBins[k])
		}

		tstart := p.TiBegstep + dtiOld/2
		tend := tiCurrent + dtiNew/2
		in.DoTheKick(arena, i, tstart, tend, tiCurrent, a, dtGravkickB)

		p.TiBegstep = tiCurrent
		if newBins[k] != p.TimeBin {
			in.Bins.MoveToBin(i, newBins[k])
		}
	}
	return nil
}

// FindDtDisplacementConstraint bounds the global timestep (in dloga) so
// the RMS particle displacement over a long-range step stays below
// MaxRMSDisplacementFac times the smaller of the mean interparticle
// spacing and the PM smoothing scale: per-type RMS velocity and minimum mass feed
// dmean = (m_min/(Omega*rho_crit))^(1/3), gas/stars/black holes share
// one baryon bucket, and the designated fast particle type is excluded
// from the minimum. The per-rank partial sums go through the Reduction
// collaborator so the result stays correct under a multi-rank
// implementation.
func (in *Integrator) FindDtDisplacementConstraint(arena *particle.Arena, a float64) float64 {
	var sumV2 [particle.NumTypes]float64
	var count [particle.NumTypes]int64
	var minMass [particle.NumTypes]float64
	for t := range minMass {
		minMass[t] = math.Inf(1)
	}

	for i := range arena.P {
		p := &arena.P[i]
		b := displacementBucket(p.Type)
		sumV2[b] += p.Vel.LengthSq()
		count[b]++
		if p.Mass < minMass[b] {
			minMass[b] = p.Mass
		}
	}

	rhoCrit := 3 * in.Params.Hubble0 * in.Params.Hubble0 / (8 * math.Pi * in.Params.G)
	asmth := in.Params.Asmth * in.Params.BoxSize / float64(in.Params.Nmesh)
	hubble := in.Cosmo.HubbleFunction(a)

	dloga := in.Params.MaxSizeTimestep
	for t := 0; t < int(particle.NumTypes); t++ {
		n := in.Reduce.SumInt64(count[t])
		if n == 0 || t == in.Params.FastParticleType {
			continue
		}
		v2 := in.Reduce.SumFloat64(sumV2[t])
		mMin := in.Reduce.MinFloat64(minMass[t])
		rmsV := math.Sqrt(v2 / float64(n))
		if rmsV <= 0 || mMin <= 0 {
			continue
		}

		omega := in.Params.OmegaCDM
		if particle.Type(t) == particle.Gas {
			omega = in.Params.OmegaBaryon
		}
		dmean := math.Cbrt(mMin / (omega * rhoCrit))

		dt := in.Params.MaxRMSDisplacementFac * hubble * a * a * math.Min(dmean, asmth) / rmsV
		dloga = math.Min(dloga, dt)
	}
	return dloga
}

// displacementBucket merges stars and black holes into the gas bucket
// before the RMS is taken; they trace the same baryonic spacing.
func displacementBucket(t particle.Type) particle.Type {
	if t == particle.Star || t == particle.BlackHole {
		return particle.Gas
	}
	return t
}

// DoTheKick applies the leapfrog velocity kick to particle i between
// the midpoint of its previous step (tstart) and the midpoint of its
// new one (tend), with tcurrent the bin boundary between them. Only
// the short-range gravitational and hydro
// accelerations enter here; the long-range mesh force is kicked on its
// own coarser cadence by AdvanceLongRangeKick, whose accumulated
// kick factor the caller threads through as dtGravkickB so the gas
// predicted velocity stays evaluable at tcurrent.
func (in *Integrator) DoTheKick(arena *particle.Arena, i int, tstart, tend, tcurrent int64, a, dtGravkickB float64) {
	p := &arena.P[i]
	gravKick := in.Cosmo.GravKickFactor(tstart, tend)
	p.Vel = p.Vel.Add(p.GravAccel.Scale(gravKick))

	if p.Type != particle.Gas {
		return
	}
	gas := arena.Gas(i)
	hydroKick := in.Cosmo.HydroKickFactor(tstart, tend)
	p.Vel = p.Vel.Add(gas.HydroAccel.Scale(hydroKick))

	// Entropy advances over the same half-step-to-half-step window, in
	// physical time.
	dtEntr := (in.Table.LogAFromTicks(tend) - in.Table.LogAFromTicks(tstart)) / in.Cosmo.HubbleFunction(a)
	in.applyEntropyLimits(gas, dtEntr)
	in.applyMaxGasVel(p, a)

	// VelPred holds the velocity at the bin boundary itself: undo the
	// [tcurrent, tend] half of the kick just applied, and fold in the
	// long-range kick's outstanding half-interval.
	gas.VelPred = p.Vel.
		Sub(p.GravAccel.Scale(in.Cosmo.GravKickFactor(tcurrent, tend))).
		Sub(gas.HydroAccel.Scale(in.Cosmo.HydroKickFactor(tcurrent, tend))).
		Add(p.GravPM.Scale(dtGravkickB))
}

// applyEntropyLimits enforces the entropy hard limits: a cooling step
// may drain at most half the current entropy, the result never goes
// negative, and MinEgySpec provides an absolute floor.
func (in *Integrator) applyEntropyLimits(gas *particle.GasData, dt float64) {
	if dt == 0 {
		return
	}
	if gas.Entropy+gas.DtEntropy*dt < 0.5*gas.Entropy {
		gas.DtEntropy = -0.5 * gas.Entropy / dt
	}
	gas.Entropy += gas.DtEntropy * dt
	if gas.Entropy < 0 {
		gas.Entropy = 0
	}

	if in.Params.MinEgySpec > 0 && gas.Entropy < in.Params.MinEgySpec {
		gas.Entropy = in.Params.MinEgySpec
	}
}

// applyMaxGasVel rescales p's velocity back onto the MaxGasVel*a^-3/2
// sphere if it has been kicked past it.
func (in *Integrator) applyMaxGasVel(p *particle.Particle, a float64) {
	if in.Params.MaxGasVel <= 0 || a <= 0 {
		return
	}
	limit := in.Params.MaxGasVel / math.Sqrt(a*a*a)
	speed := math.Sqrt(p.Vel.LengthSq())
	if speed > limit {
		p.Vel = p.Vel.Scale(limit / speed)
	}
}

// PredictVelocity extrapolates gas particle p's velocity from its last
// kick (at tiLastKick) to an arbitrary later tick tiCur without
// replaying the kick. Other subsystems (hydro force evaluation,
// SFR/wind) call this when they need gas velocity at a tick that falls
// strictly between two kicks.
func (in *Integrator) PredictVelocity(p *particle.Particle, gas *particle.GasData, tiLastKick, tiCur int64, gravKickB float64) particle.Vec3 {
	return p.Vel.
		Sub(p.GravAccel.Scale(in.Cosmo.GravKickFactor(tiLastKick, tiCur))).
		Sub(gas.HydroAccel.Scale(in.Cosmo.HydroKickFactor(tiLastKick, tiCur))).
		Add(p.GravPM.Scale(gravKickB))
}

// ChoosePMStep picks the PM (long-range) step size in ticks: the
// largest power of two no greater than displacementTicks (itself
// derived from FindDtDisplacementConstraint, already converted to
// ticks by the caller), doubled while the doubled step still ends at or
// before nextSyncTi. A step that already passes nextSyncTi is cut to end
// exactly on it. The step never ends past nextSyncTi, so when the
// distance to nextSyncTi is not a power of two the step ends short of
// it.
func (in *Integrator) ChoosePMStep(displacementTicks, tiCurrent, nextSyncTi int64) int64 {
	ticks := timeline.RoundDownPowerOfTwo(displacementTicks)
	if ticks <= 0 {
		ticks = 1
	}
	for tiCurrent+ticks < nextSyncTi && tiCurrent+2*ticks <= nextSyncTi {
		ticks *= 2
	}
	if tiCurrent+ticks > nextSyncTi {
		ticks = nextSyncTi - tiCurrent
	}
	return ticks
}

// AdvanceLongRangeKick applies the mesh-force kick at a PM boundary.
// The long-range force updates only once per PM interval rather than
// at every bin boundary: the mesh is recomputed via the pm.Grid
// collaborator, the kick applies to every particle regardless of bin,
// and every gas particle's predicted velocity is refreshed.
func (in *Integrator) AdvanceLongRangeKick(arena *particle.Arena, mesh pm.Grid, clock *config.Clock) {
	mesh.Solve(arena, in.Params.G)
	gravKick := in.Cosmo.GravKickFactor(clock.PMTiBegstep, clock.PMTiEndstep)
	for i := range arena.P {
		p := &arena.P[i]
		p.Vel = p.Vel.Add(p.GravPM.Scale(gravKick))
		if p.Type == particle.Gas {
			gas := arena.Gas(i)
			gas.VelPred = gas.VelPred.Add(p.GravPM.Scale(gravKick))
		}
	}
}

// DriftParticle advances a single particle's position over the given
// tick interval by its current velocity, the "drift" half of the
// leapfrog operator split.
func (in *Integrator) DriftParticle(p *particle.Particle, tiBegin, tiEnd int64) {
	drift := in.Cosmo.GravKickFactor(tiBegin, tiEnd) // positions drift at the same 1/(aH) rate
	p.Pos = p.Pos.Add(p.Vel.Scale(drift))
}
