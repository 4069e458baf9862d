// Command gogadget runs the integration core: it loads a TOML
// parameter file, bootstraps the initial conditions, and drives the
// kick/drift loop across the run's sync points, writing a snapshot at
// each one that requests it.
package main

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ymf-astro/gogadget/internal/bootstrap"
	"github.com/ymf-astro/gogadget/internal/config"
	"github.com/ymf-astro/gogadget/internal/cosmology"
	"github.com/ymf-astro/gogadget/internal/eos"
	"github.com/ymf-astro/gogadget/internal/fatal"
	"github.com/ymf-astro/gogadget/internal/force"
	"github.com/ymf-astro/gogadget/internal/integrator"
	"github.com/ymf-astro/gogadget/internal/particle"
	"github.com/ymf-astro/gogadget/internal/pm"
	"github.com/ymf-astro/gogadget/internal/reduction"
	"github.com/ymf-astro/gogadget/internal/sfr"
	"github.com/ymf-astro/gogadget/internal/snapshot"
	"github.com/ymf-astro/gogadget/internal/timebin"
	"github.com/ymf-astro/gogadget/internal/timeline"
)

var log = logrus.New()

func main() {
	var (
		restartFlag int
		snapshotNum int
		maxPart     int
	)

	root := &cobra.Command{
		Use:   "gogadget PARAMFILE",
		Short: "Run the N-body/SPH integration core",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0], restartFlag, snapshotNum, maxPart)
		},
	}
	root.Flags().IntVar(&restartFlag, "restart", 0, "0=fresh start, 1=resume from snapshot, 2=ICs-as-snapshot, 3=fresh start without the mass-vs-Omega check (runs the full loop, not just an Hsml recompute)")
	root.Flags().IntVar(&snapshotNum, "snapshot", 0, "snapshot number to resume from when --restart=1 or 2")
	root.Flags().IntVar(&maxPart, "max-part", 1<<16, "arena capacity to preallocate on a fresh start")

	if err := root.ExecuteContext(context.Background()); err != nil {
		log.WithError(err).Fatal("gogadget: fatal error")
	}
}

// Collaborators bundles the run's out-of-scope external dependencies
// (the tree walker, SPH kernels, cooling table, and snapshot I/O) so a
// caller embedding this package supplies its own concrete
// implementations; main wires in the direct-summation gravity
// fallback, the brute-force wind-neighbor scan, and a no-op cooling
// provider for a self-contained demo run, and leaves the snapshot
// Writer/Reader unset.
type Collaborators struct {
	Gravity  force.GravityProvider
	Hydro    force.HydroProvider
	Density  force.DensityEstimator
	Enclosed force.MassEnclosedProvider
	Cooling  force.CoolingProvider
	Wind     force.WindNeighborProvider
	Writer   snapshot.Writer
	Reader   snapshot.Reader
}

func run(ctx context.Context, paramFile string, restartFlag, snapshotNum, maxPart int) error {
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	p, err := config.Load(paramFile)
	if err != nil {
		return fmt.Errorf("loading parameters: %w", err)
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("validating parameters: %w", err)
	}
	log.WithField("file", paramFile).Info("parameters loaded")

	col := Collaborators{
		Gravity: &force.Direct{G: p.G, Softening: softeningArray(p)},
		Cooling: noopCooling{},
		Wind:    force.DirectNeighbors{},
	}

	red := reduction.Local{}

	var arena *particle.Arena
	var tiCurrent int64
	switch restartFlag {
	case 0, 3:
		arena = particle.NewArena(maxPart, maxPart, maxPart/1000+1)
	case 1, 2:
		if col.Reader == nil {
			return fatal.Errorf(fatal.Config, "run: --restart=%d requires a configured snapshot.Reader (snapshot I/O format is an external concern of this module)", restartFlag)
		}
		tiCurrent, arena, err = col.Reader.ReadSnapshot(snapshotNum)
		if err != nil {
			return fmt.Errorf("reading snapshot %d: %w", snapshotNum, err)
		}
	default:
		return fatal.Errorf(fatal.Config, "run: unknown restart flag %d", restartFlag)
	}

	tbl, err := timeline.Build(p.TimeIC, p.TimeMax, p.OutputListTimes, p.SnapshotWithFOF, p.TimeIC)
	if err != nil {
		return fmt.Errorf("building sync-point table: %w", err)
	}

	cosmo := cosmology.NewModel(cosmology.Params{
		OmegaMatter: p.OmegaMatter,
		OmegaBaryon: p.OmegaBaryon,
		OmegaCDM:    p.OmegaCDM,
		OmegaLambda: p.OmegaLambda,
		HubbleParam: p.Hubble0,
		Gamma:       p.Gamma,
	}, tbl)

	if restartFlag != 3 {
		if err := bootstrap.CheckOmega(arena, red, p.BoxSize, p.Hubble0, p.G, p.OmegaMatter); err != nil {
			return fatal.Errorf(fatal.OmegaMismatch, "run: %v", err)
		}
	}

	// Fresh ICs get the smoothing-length guess and, when the file carried
	// only specific internal energies, the entropy pre-solve; both lean on
	// external collaborators, so they are skipped (with a note) when the
	// embedding application hasn't provided them.
	if restartFlag == 0 || restartFlag == 3 {
		if col.Enclosed != nil {
			bootstrap.SetupHsml(arena, col.Enclosed, p.DesNumNgb, p.Softening.Comoving[particle.Gas])
		}
		if col.Density != nil {
			a3 := p.TimeIC * p.TimeIC * p.TimeIC
			res, err := bootstrap.PreSolveEntropy(arena, col.Density, red, p.Gamma, a3, p.DesNumNgb, p.MaxNumNgbDeviation, true, 100, 1e-3)
			if err != nil {
				return fmt.Errorf("entropy pre-solve: %w", err)
			}
			if !res.Converged {
				log.WithFields(logrus.Fields{"iterations": res.Iterations, "residual": res.Badness}).
					Warn("entropy pre-solve did not reach tolerance; continuing best-effort")
			} else {
				log.WithField("iterations", res.Iterations).Info("entropy pre-solve converged")
			}
		} else {
			log.Info("no density estimator configured; skipping Hsml/entropy bootstrap")
		}
	}

	eosSolver := eos.NewSolver(p)
	if p.CritPhysDensity > 0 {
		p.PhysDensThresh = p.CritPhysDensity
		log.WithField("PhysDensThresh", p.PhysDensThresh).Info("using CritPhysDensity from parameter file")
	} else if p.PhysDensThresh <= 0 && p.StarformationOn {
		thresh, err := eosSolver.SolveThreshold(col.Cooling)
		if err != nil {
			return fmt.Errorf("solving PhysDensThresh: %w", err)
		}
		p.PhysDensThresh = thresh
		log.WithField("PhysDensThresh", thresh).Info("derived star-formation density threshold")
		if burst := eosSolver.StarburstDensity(col.Cooling, thresh); burst > 0 {
			log.WithField("density", burst).Info("effective EOS turns runaway-unstable (starburst) above this density")
		}
	}

	bins := timebin.NewManager(arena)
	bins.ReconstructBins()
	bins.MarkActive(tiCurrent)
	bins.BuildActiveSet()

	in := integrator.New(p, cosmo, tbl, bins, col.Gravity, red)
	mesh := pm.Grid{Nmesh: p.Nmesh, BoxSize: p.BoxSize}
	sfrModel := sfr.NewModel(p, col.Cooling, eosSolver.EgySpecSNForCLI(), eosSolver.EgySpecColdForCLI())

	return driveLoop(ctx, p, tbl, cosmo, bins, in, mesh, sfrModel, col, arena, tiCurrent)
}

// driveLoop steps the integrator from tiCurrent through every remaining
// sync point: at each kick boundary it rebuilds the active set, runs
// the force providers over it, assigns timesteps and kicks, runs star
// formation on the active gas, and applies the long-range PM kick
// whenever the clock reaches the end of the current PM interval. A
// fatal bad-timestep error triggers the emergency snapshot (number
// 999999) before the abort propagates.
func driveLoop(ctx context.Context, p config.Params, tbl *timeline.Table, cosmo *cosmology.Model, bins *timebin.Manager, in *integrator.Integrator, mesh pm.Grid, sfrModel *sfr.Model, col Collaborators, arena *particle.Arena, tiCurrent int64) error {
	massOfStar := 0.0
	if p.Generations > 0 {
		massOfStar = arenaGasMassHint(arena) / float64(p.Generations)
	}

	clock := &config.Clock{TiCurrent: tiCurrent, PMTiBegstep: tiCurrent, PMTiEndstep: tiCurrent}

	// stepOnce runs one kick boundary at tick ti: rebuild the active set,
	// run the force providers over it, assign timesteps and kick, then
	// sweep star formation.
	stepOnce := func(prevTi, ti int64) error {
		bins.MarkActive(ti)
		active := bins.BuildActiveSet()
		a := math.Exp(tbl.LogAFromTicks(ti))

		if err := col.Gravity.BuildTree(); err != nil {
			return fmt.Errorf("building gravity tree: %w", err)
		}
		if err := col.Gravity.ComputeGravity(arena, active); err != nil {
			return fmt.Errorf("computing gravity: %w", err)
		}
		if col.Density != nil {
			if err := col.Density.ComputeDensity(arena, gasSubset(arena, active), p.DesNumNgb, p.MaxNumNgbDeviation); err != nil {
				return fmt.Errorf("computing densities: %w", err)
			}
		}
		if col.Hydro != nil {
			if err := col.Hydro.ComputeHydro(arena, active); err != nil {
				return fmt.Errorf("computing hydro forces: %w", err)
			}
		}

		// Outstanding long-range kick from the PM interval midpoint to this
		// boundary, folded into gas predicted velocities.
		dtGravkickB := 0.0
		if clock.PMTiEndstep > clock.PMTiBegstep {
			dtGravkickB = cosmo.GravKickFactor((clock.PMTiBegstep+clock.PMTiEndstep)/2, ti)
		}

		if err := in.AdvanceAndFindTimesteps(ctx, arena, a, ti, dtGravkickB); err != nil {
			if code, ok := fatal.CodeOf(err); ok && code == fatal.BadTimestep {
				writeEmergencySnapshot(col.Writer, ti, arena)
			}
			return err
		}

		if p.StarformationOn {
			runStarFormation(p, cosmo, sfrModel, col, arena, bins, prevTi, ti, a, massOfStar)
		}
		return nil
	}

	// maybePMKick fires the long-range kick whenever the clock sits on
	// the end of the current PM interval, and schedules the next one
	// stretched to land on the upcoming sync point.
	maybePMKick := func(syncTi int64) {
		if clock.TiCurrent != clock.PMTiEndstep {
			return
		}
		a := math.Exp(tbl.LogAFromTicks(clock.TiCurrent))
		dispTicks := dlogaToTicks(tbl, in.FindDtDisplacementConstraint(arena, a), clock.TiCurrent)
		pmStep := in.ChoosePMStep(dispTicks, clock.TiCurrent, syncTi)
		clock.PMTiBegstep = clock.TiCurrent
		clock.PMTiEndstep = clock.TiCurrent + pmStep
		in.AdvanceLongRangeKick(arena, mesh, clock)
	}

	snapNum := 0
	first := true
	for {
		sp, ok := tbl.FindNextSync(clock.TiCurrent)
		if !ok {
			break
		}

		// The starting tick is a boundary of every bin, so unassigned
		// (bin-0) particles receive their first bin and half-kick here
		// before the hierarchy starts advancing.
		if first {
			first = false
			if err := stepOnce(clock.TiCurrent, clock.TiCurrent); err != nil {
				return err
			}
			maybePMKick(sp.Ti)
		}

		for clock.TiCurrent < sp.Ti {
			tiNextKick := nextKickTick(bins, clock.TiCurrent, sp.Ti)
			if clock.PMTiEndstep > clock.TiCurrent && tiNextKick > clock.PMTiEndstep {
				tiNextKick = clock.PMTiEndstep
			}

			if err := stepOnce(clock.TiCurrent, tiNextKick); err != nil {
				return err
			}
			clock.TiCurrent = tiNextKick
			maybePMKick(sp.Ti)
		}

		log.WithFields(logrus.Fields{"a": sp.A, "ti": sp.Ti, "stars_formed": sfrModel.NumStarsFormed()}).Info("reached sync point")

		if sp.WriteSnapshot {
			if col.Writer == nil {
				log.WithField("snapshot", snapNum).Warn("sync point requests a snapshot but no snapshot.Writer is configured")
			} else if err := col.Writer.WriteSnapshot(snapNum, clock.TiCurrent, arena); err != nil {
				return fmt.Errorf("writing snapshot %d: %w", snapNum, err)
			}
			snapNum++
		}
	}
	return nil
}

// nextKickTick returns the earliest upcoming kick boundary: the
// smallest next multiple of 2^b over all occupied bins b, clamped to
// the sync point. Bin 0 (unassigned) particles force the very next
// tick's boundary so they get a real bin on the first pass.
func nextKickTick(bins *timebin.Manager, tiCurrent, syncTi int64) int64 {
	next := syncTi
	for b := 0; b <= timeline.TimeBins; b++ {
		if bins.Count(b) == 0 {
			continue
		}
		dti := int64(1) << uint(b)
		if b == 0 {
			dti = 1
		}
		boundary := (tiCurrent/dti + 1) * dti
		if boundary < next {
			next = boundary
		}
	}
	return next
}

// runStarFormation sweeps the active gas particles through the SFR
// module and then fires the star-driven wind variants for whatever
// stars were born this step.
func runStarFormation(p config.Params, cosmo *cosmology.Model, sfrModel *sfr.Model, col Collaborators, arena *particle.Arena, bins *timebin.Manager, tiBegin, tiEnd int64, a float64, massOfStar float64) {
	a3inv := 1.0 / (a * a * a)
	dtime := cosmo.HydroKickFactor(tiBegin, tiEnd)
	numStarsBefore := sfrModel.NumStarsFormed()
	var newStars []int
	for _, i := range bins.ActiveSet() {
		if arena.P[i].Type != particle.Gas {
			continue
		}
		lenBefore := arena.Len()
		sfrModel.Step(arena, i, float64(tiEnd-tiBegin), dtime, arena.Gas(i).Density*a3inv, 0, a3inv, p.Gamma-1, massOfStar, a)
		if sfrModel.NumStarsFormed() > numStarsBefore {
			numStarsBefore = sfrModel.NumStarsFormed()
			if arena.Len() > lenBefore {
				newStars = append(newStars, arena.Len()-1) // spawned child
			} else if arena.P[i].Type == particle.Star {
				newStars = append(newStars, i) // in-place conversion
			}
		}
	}
	sfrModel.LaunchWindsForNewStars(arena, col.Wind, newStars, a, p.WindSearchRadius)
}

// writeEmergencySnapshot persists the arena under the reserved number
// 999999 before a bad-timestep abort, so the failing state is
// inspectable; restart accuracy still rests on the last regular
// snapshot.
func writeEmergencySnapshot(w snapshot.Writer, ti int64, arena *particle.Arena) {
	if w == nil {
		log.Warn("bad timestep with no snapshot.Writer configured; aborting without emergency snapshot")
		return
	}
	if err := w.WriteSnapshot(999999, ti, arena); err != nil {
		log.WithError(err).Error("writing emergency snapshot failed")
	} else {
		log.Info("emergency snapshot 999999 written")
	}
}

func dlogaToTicks(tbl *timeline.Table, dloga float64, tiCurrent int64) int64 {
	ticks := tbl.TicksFromLogA(tbl.LogAFromTicks(tiCurrent)+dloga) - tiCurrent
	if ticks < 1 {
		ticks = 1
	}
	return ticks
}

func gasSubset(arena *particle.Arena, indices []int) []int {
	out := make([]int, 0, len(indices))
	for _, i := range indices {
		if arena.P[i].Type == particle.Gas {
			out = append(out, i)
		}
	}
	return out
}

func arenaGasMassHint(arena *particle.Arena) float64 {
	for i := range arena.P {
		if arena.P[i].Type == particle.Gas {
			return arena.P[i].Mass
		}
	}
	return 0
}

func softeningArray(p config.Params) [particle.NumTypes]float64 {
	var s [particle.NumTypes]float64
	for t := range s {
		s[t] = p.Softening.Comoving[t]
	}
	return s
}

// noopCooling is the CLI's default CoolingProvider: radiative cooling
// table contents are an explicit Non-goal of this module, so without
// an injected implementation gas simply retains its current specific
// energy and never cools.
type noopCooling struct{}

func (noopCooling) DoCooling(u, rhoPhys, dt, uvbg float64, ne *float64, metallicity float64) float64 {
	return u
}

func (noopCooling) GetCoolingTime(u, rhoPhys, uvbg float64, ne *float64, metallicity float64) float64 {
	return 1e30
}
