package eos

import (
	"math"
	"testing"

	"github.com/ymf-astro/gogadget/internal/config"
)

// powerLawCooling is a deterministic CoolingProvider double whose
// cooling time falls inversely with density, the qualitative shape the
// threshold derivation relies on.
type powerLawCooling struct{}

func (powerLawCooling) DoCooling(u, rhoPhys, dt, uvbg float64, ne *float64, metallicity float64) float64 {
	return u
}

func (powerLawCooling) GetCoolingTime(u, rhoPhys, uvbg float64, ne *float64, metallicity float64) float64 {
	if rhoPhys <= 0 {
		return 1
	}
	return 1.0 / rhoPhys
}

func testSolver() *Solver {
	p := config.Default()
	return NewSolver(p)
}

func TestColdFractionIsOneAtZeroY(t *testing.T) {
	if got := coldFraction(0); got != 1 {
		t.Errorf("coldFraction(0) = %g, want 1", got)
	}
}

func TestColdFractionIncreasesWithY(t *testing.T) {
	a := coldFraction(0.1)
	b := coldFraction(10)
	if !(a < b) {
		t.Errorf("expected coldFraction to increase with y: coldFraction(0.1)=%g coldFraction(10)=%g", a, b)
	}
}

func TestSolveThresholdReturnsPositiveFiniteValue(t *testing.T) {
	s := testSolver()
	thresh, err := s.SolveThreshold(powerLawCooling{})
	if err != nil {
		t.Fatalf("SolveThreshold: %v", err)
	}
	if thresh <= 0 || math.IsNaN(thresh) || math.IsInf(thresh, 0) {
		t.Errorf("expected a finite positive threshold, got %g", thresh)
	}
}

func TestSolveThresholdRejectsUnusableCoolingTime(t *testing.T) {
	s := testSolver()
	if _, err := s.SolveThreshold(brokenCooling{}); err == nil {
		t.Errorf("expected an error when the cooling collaborator returns tcool<=0")
	}
}

type brokenCooling struct{}

func (brokenCooling) DoCooling(u, rhoPhys, dt, uvbg float64, ne *float64, metallicity float64) float64 {
	return u
}

func (brokenCooling) GetCoolingTime(u, rhoPhys, uvbg float64, ne *float64, metallicity float64) float64 {
	return 0
}

func TestStarburstDensityAtOrAboveThreshold(t *testing.T) {
	s := testSolver()
	thresh, err := s.SolveThreshold(powerLawCooling{})
	if err != nil {
		t.Fatalf("SolveThreshold: %v", err)
	}
	burst := s.StarburstDensity(powerLawCooling{}, thresh)
	if burst != 0 && burst < thresh {
		t.Errorf("a starburst density must not undercut the star-formation threshold: %g < %g", burst, thresh)
	}
}

func TestScanCurveIsMonotonicInDensity(t *testing.T) {
	s := testSolver()
	pts := s.ScanCurve(powerLawCooling{}, 1.0, 0.01, 100, 10)
	if len(pts) != 10 {
		t.Fatalf("expected 10 points, got %d", len(pts))
	}
	for i := 1; i < len(pts); i++ {
		if pts[i].PhysDensity <= pts[i-1].PhysDensity {
			t.Errorf("expected strictly increasing density samples at index %d", i)
		}
	}
}
