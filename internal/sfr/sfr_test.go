package sfr

import (
	"math"
	"testing"

	"github.com/ymf-astro/gogadget/internal/config"
	"github.com/ymf-astro/gogadget/internal/force"
	"github.com/ymf-astro/gogadget/internal/particle"
)

// fakeCooling is a deterministic CoolingProvider test double: the
// cooling time scales inversely with density, which is all the SFR
// formulas need to stay well-behaved.
type fakeCooling struct{}

func (fakeCooling) DoCooling(u, rhoPhys, dt, uvbg float64, ne *float64, metallicity float64) float64 {
	return u
}

func (fakeCooling) GetCoolingTime(u, rhoPhys, uvbg float64, ne *float64, metallicity float64) float64 {
	if rhoPhys <= 0 {
		return 1
	}
	return 1.0 / rhoPhys
}

func testModel() *Model {
	p := config.Default()
	p.PhysDensThresh = 1.0
	return NewModel(p, fakeCooling{}, 1e4, 1e2)
}

func testArenaGas() (*particle.Arena, int) {
	a := particle.NewArena(2, 2, 0)
	i := a.Append(particle.Particle{ID: 42, Type: particle.Gas, Mass: 1})
	// Comfortably above the overdensity floor so the mode decision hinges
	// on the physical-density threshold alone in these tests.
	a.Gas(i).Density = 1
	a.Gas(i).EOMDensity = 1
	return a, i
}

func TestEvaluateBelowThresholdReturnsZeroRate(t *testing.T) {
	m := testModel()
	a, i := testArenaGas()
	r := m.Evaluate(a, i, 0.01, 0.1, 0)
	if r.SFR != 0 {
		t.Errorf("expected zero SFR below PhysDensThresh, got %g", r.SFR)
	}
}

func TestEvaluateAboveThresholdReturnsPositiveRate(t *testing.T) {
	m := testModel()
	a, i := testArenaGas()
	r := m.Evaluate(a, i, 0.01, 10.0, 0)
	if r.SFR <= 0 || math.IsNaN(r.SFR) {
		t.Errorf("expected a positive finite SFR above threshold, got %g", r.SFR)
	}
}

func TestColdFractionBoundedBetweenZeroAndOne(t *testing.T) {
	for _, y := range []float64{0.01, 0.5, 1, 10, 1000} {
		x := coldFraction(y)
		if x < 0 || x > 1 {
			t.Errorf("coldFraction(%g) = %g, want in [0,1]", y, x)
		}
	}
}

func TestStepConservesOrConvertsGasParticle(t *testing.T) {
	m := testModel()
	m.P.QuickLymanAlphaProbability = 1.0 // force conversion deterministically
	a, i := testArenaGas()
	// massOfStar=0 exercises the in-place conversion fallback rather than
	// forking a new particle (see TestStepSpawnsNewStarWhenMassAllows).
	m.Step(a, i, 0.01, 0.01, 10.0, 0, 1, m.P.Gamma-1, 0, 1.0)
	if a.P[i].Type != particle.Star {
		t.Errorf("expected QuickLymanAlphaProbability=1 to force a star conversion, got type %v", a.P[i].Type)
	}
}

func TestStepSpawnsNewStarWhenMassAllows(t *testing.T) {
	m := testModel()
	a := particle.NewArena(4, 4, 0)
	i := a.Append(particle.Particle{ID: 7, Type: particle.Gas, Mass: 4})
	a.Gas(i).Density = 1
	a.Gas(i).EOMDensity = 1
	before := a.Len()
	// A full physical-time step at ten times the threshold density pushes
	// the spawn probability (m/m_star)*(1-exp(-p)) past 1, so the fork is
	// deterministic without touching the rng.
	m.Step(a, i, 0.01, 1.0, 10.0, 0, 1, m.P.Gamma-1, 1.0, 1.0)
	if a.P[i].Type != particle.Gas {
		t.Errorf("expected the parent to remain gas when its mass comfortably exceeds 1.1*massStar, got type %v", a.P[i].Type)
	}
	if a.P[i].Mass != 3 {
		t.Errorf("expected the parent's mass to drop by massStar=1, got %g", a.P[i].Mass)
	}
	if a.Len() != before+1 {
		t.Errorf("expected a new star particle to be appended, arena length went from %d to %d", before, a.Len())
	}
	if a.P[before].Type != particle.Star {
		t.Errorf("expected the spawned particle to be a star, got type %v", a.P[before].Type)
	}
}

func TestQuickLymanAlphaConvertsWholeParticle(t *testing.T) {
	m := testModel()
	m.P.QuickLymanAlphaProbability = 1.0
	a := particle.NewArena(4, 4, 0)
	i := a.Append(particle.Particle{ID: 7, Type: particle.Gas, Mass: 4})
	a.Gas(i).Density = 1
	a.Gas(i).EOMDensity = 1
	before := a.Len()
	// Even with a Generations-derived star mass available, the
	// Quick-Lyman-alpha path converts the whole particle in place and
	// never forks a partial-mass star.
	m.Step(a, i, 0.01, 0.01, 10.0, 0, 1, m.P.Gamma-1, 1.0, 1.0)
	if a.P[i].Type != particle.Star {
		t.Errorf("expected an in-place conversion, got type %v", a.P[i].Type)
	}
	if a.P[i].Mass != 4 {
		t.Errorf("expected the converted star to keep the full gas mass, got %g", a.P[i].Mass)
	}
	if a.Len() != before {
		t.Errorf("expected no new particle, arena length went from %d to %d", before, a.Len())
	}
}

func TestStepSkipsWhileWindDelayed(t *testing.T) {
	m := testModel()
	a, i := testArenaGas()
	a.Gas(i).DelayTime = 1.0
	before := a.P[i].Mass
	m.Step(a, i, 0.01, 0.5, 10.0, 0, 1, m.P.Gamma-1, 0, 1.0)
	if a.P[i].Type != particle.Gas || a.P[i].Mass != before {
		t.Errorf("expected a wind-delayed particle to be untouched by SFR/conversion this step")
	}
	if a.Gas(i).DelayTime != 0.5 {
		t.Errorf("expected DelayTime to decrement by dtime, got %g", a.Gas(i).DelayTime)
	}
}

func TestLaunchWindSetsDelayTimeAndKicksVelocity(t *testing.T) {
	m := testModel()
	m.P.WindModel = config.WindIsotropic
	a, i := testArenaGas()
	before := a.P[i].Vel
	m.LaunchWind(a, i, 500, 1.0, particle.Vec3{})
	after := a.P[i].Vel
	if before == after {
		t.Errorf("expected LaunchWind to change the particle's velocity")
	}
	if a.Gas(i).DelayTime <= 0 {
		t.Errorf("expected a positive DelayTime after launching wind, got %g", a.Gas(i).DelayTime)
	}
}

func TestLaunchWindNoopWithZeroSpeed(t *testing.T) {
	m := testModel()
	a, i := testArenaGas()
	before := a.P[i].Vel
	m.LaunchWind(a, i, 0, 1.0, particle.Vec3{})
	if a.P[i].Vel != before {
		t.Errorf("expected a zero wind speed to be a no-op")
	}
}

func TestStepCoolingModeRecomputesDtEntropy(t *testing.T) {
	m := testModel()
	m.Cooling = halvingCooling{}
	a, i := testArenaGas()
	gas := a.Gas(i)
	gas.Entropy = 1.0

	// Below PhysDensThresh the particle is in cooling mode: DoCooling
	// integrates u and DtEntropy is set so entropy tracks it at step end.
	dtime := 0.1
	m.Step(a, i, 0.01, dtime, 0.5, 0, 1, m.P.Gamma-1, 0, 1.0)

	if gas.Sfr != 0 {
		t.Errorf("expected zero SFR in cooling mode, got %g", gas.Sfr)
	}
	if gas.DtEntropy >= 0 {
		t.Errorf("expected a negative DtEntropy after cooling, got %g", gas.DtEntropy)
	}
	if guard := -0.5 * gas.Entropy / dtime; gas.DtEntropy < guard-1e-12 {
		t.Errorf("half-step guard violated: DtEntropy=%g < %g", gas.DtEntropy, guard)
	}
}

// halvingCooling halves the specific energy every step, enough to
// exercise the DtEntropy recompute and its half-step guard.
type halvingCooling struct{}

func (halvingCooling) DoCooling(u, rhoPhys, dt, uvbg float64, ne *float64, metallicity float64) float64 {
	return 0.5 * u
}

func (halvingCooling) GetCoolingTime(u, rhoPhys, uvbg float64, ne *float64, metallicity float64) float64 {
	return 1
}

func TestWindDelayClearsBelowFreeTravelDensity(t *testing.T) {
	m := testModel()
	a, i := testArenaGas()
	a.Gas(i).DelayTime = 5.0

	// Density below WindFreeTravelDensFac*PhysDensThresh clears the
	// counter outright instead of merely decrementing it.
	low := 0.5 * m.P.WindFreeTravelDensFac * m.P.PhysDensThresh
	m.Step(a, i, 0.01, 0.1, low, 0, 1, m.P.Gamma-1, 0, 1.0)
	if a.Gas(i).DelayTime != 0 {
		t.Errorf("expected DelayTime cleared below the free-travel density, got %g", a.Gas(i).DelayTime)
	}
}

func TestLaunchWindDelayMatchesFreeTravelLength(t *testing.T) {
	m := testModel()
	m.P.WindModel = config.WindIsotropic
	a, i := testArenaGas()
	v, scale := 500.0, 0.5
	m.LaunchWind(a, i, v, scale, particle.Vec3{})
	want := m.P.WindFreeTravelLength / (v / scale)
	if math.Abs(a.Gas(i).DelayTime-want) > 1e-12 {
		t.Errorf("expected DelayTime=%g (L/(v/a)), got %g", want, a.Gas(i).DelayTime)
	}
}

func TestQuickLymanAlphaConversionRate(t *testing.T) {
	// With a fixed per-particle conversion probability, the converted
	// fraction over many independent IDs must land near that probability
	// (a binomial with sigma ~ sqrt(p(1-p)/n)).
	const n = 10000
	const prob = 0.25
	m := testModel()
	m.P.QuickLymanAlphaProbability = prob

	converted := 0
	for id := uint64(1); id <= n; id++ {
		a := particle.NewArena(1, 1, 0)
		i := a.Append(particle.Particle{ID: id, Type: particle.Gas, Mass: 1})
		a.Gas(i).Density = 1
		a.Gas(i).EOMDensity = 1
		m.Step(a, i, 0.01, 0.01, 10.0, 0, 1, m.P.Gamma-1, 0, 1.0)
		if a.P[i].Type == particle.Star {
			converted++
		}
	}

	want := float64(n) * prob
	sigma := math.Sqrt(n * prob * (1 - prob))
	if math.Abs(float64(converted)-want) > 4*sigma {
		t.Errorf("converted %d of %d, expected %.0f +- %.0f", converted, n, want, 4*sigma)
	}
}

func TestLaunchWindsForNewStarsFixedEfficiency(t *testing.T) {
	m := testModel()
	m.P.WindModel = config.WindFixedEfficiency | config.WindIsotropic
	m.P.WindSpeed = 100
	// With equal weights and efficiency >= neighbor count, every
	// neighbor's launch probability reaches 1.
	m.P.WindEfficiency = 8

	a := particle.NewArena(8, 8, 0)
	star := a.Append(particle.Particle{ID: 100, Type: particle.Star, Mass: 1})
	var gasIdx []int
	for k := 0; k < 3; k++ {
		i := a.Append(particle.Particle{ID: uint64(200 + k), Type: particle.Gas, Mass: 1,
			Pos: particle.Vec3{X: float64(k) * 0.1}})
		gasIdx = append(gasIdx, i)
	}

	m.LaunchWindsForNewStars(a, force.DirectNeighbors{}, []int{star}, 1.0, 5.0)

	launched := 0
	for _, i := range gasIdx {
		if a.Gas(i).DelayTime > 0 {
			launched++
		}
	}
	if launched != len(gasIdx) {
		t.Errorf("expected all %d neighbors launched at saturated efficiency, got %d", len(gasIdx), launched)
	}
}

func TestLaunchWindsForNewStarsHaloVelocityScalesSpeed(t *testing.T) {
	m := testModel()
	m.P.WindModel = config.WindUseHalo | config.WindIsotropic
	m.P.WindEfficiency = 8
	m.P.WindEnergyFraction = 1
	m.P.WindSigma0 = 50
	m.P.WindSpeedFactor = 2

	a := particle.NewArena(16, 16, 0)
	star := a.Append(particle.Particle{ID: 300, Type: particle.Star, Mass: 1})
	gas := a.Append(particle.Particle{ID: 301, Type: particle.Gas, Mass: 1, Pos: particle.Vec3{X: 0.1}})
	// DM particles with +-10 velocities around a zero mean give a
	// nonzero local dispersion for the sigma estimate.
	for k := 0; k < 8; k++ {
		v := 10.0
		if k%2 == 0 {
			v = -10.0
		}
		a.Append(particle.Particle{ID: uint64(400 + k), Type: particle.Halo, Mass: 1,
			Pos: particle.Vec3{Y: float64(k) * 0.2}, Vel: particle.Vec3{X: v}})
	}

	m.LaunchWindsForNewStars(a, force.DirectNeighbors{}, []int{star}, 1.0, 5.0)

	g := a.Gas(gas)
	if g.DelayTime <= 0 {
		t.Fatalf("expected the lone gas neighbor to be launched")
	}
	// Launch speed is WindSpeedFactor*sigma, so the free-travel delay is
	// WindFreeTravelLength/(WindSpeedFactor*sigma/a); a nonzero kick
	// confirms the sigma-scaled path ran rather than the fixed WindSpeed
	// (which is zero here).
	if a.P[gas].Vel == (particle.Vec3{}) {
		t.Errorf("expected a sigma-scaled velocity kick, velocity is still zero")
	}
}

func TestCoolParticleFloorsEnergyAtMinEgySpec(t *testing.T) {
	m := testModel()
	m.P.MinEgySpec = 2.0
	m.Cooling = halvingCooling{}
	a, i := testArenaGas()
	gas := a.Gas(i)
	gas.Entropy = 0.01
	gas.DtEntropy = -100 // drives the predicted pre-cooling energy negative

	dtime := 0.1
	m.Step(a, i, 0.01, dtime, 0.5, 0, 1, m.P.Gamma-1, 0, 1.0)

	// The pre-cooling energy is floored at MinEgySpec, so DoCooling sees
	// 2.0 and returns 1.0: DtEntropy must track that positive target
	// instead of the unphysical negative prediction.
	densityFac := 1.0 / (m.P.Gamma - 1) // EOMDensity=1, a3inv=1
	want := (1.0/densityFac - 0.01) / dtime
	if math.Abs(gas.DtEntropy-want) > 1e-9 {
		t.Errorf("expected DtEntropy=%g from the floored cooling input, got %g", want, gas.DtEntropy)
	}
}
