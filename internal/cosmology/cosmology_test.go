package cosmology

import (
	"math"
	"testing"

	"github.com/ymf-astro/gogadget/internal/timeline"
)

func testModel(t *testing.T) *Model {
	t.Helper()
	tbl, err := timeline.Build(0.1, 1.0, nil, false, 0)
	if err != nil {
		t.Fatalf("timeline.Build: %v", err)
	}
	p := Params{
		OmegaMatter: 0.3,
		OmegaLambda: 0.7,
		Gamma:       5.0 / 3.0,
	}
	return NewModel(p, tbl)
}

func TestHubbleFunctionAtA1(t *testing.T) {
	m := testModel(t)
	// At a=1, H(a)/H0 = sqrt(Om + Ol) == 1 for a flat universe.
	h := m.HubbleFunction(1.0)
	if math.Abs(h-1.0) > 1e-10 {
		t.Errorf("expected H(1)=1 for flat cosmology, got %g", h)
	}
}

func TestGravKickFactorAntisymmetric(t *testing.T) {
	m := testModel(t)
	const tiA, tiB = 0, timeline.TimeBase / 2

	fwd := m.GravKickFactor(tiA, tiB)
	rev := m.GravKickFactor(tiB, tiA)

	if math.Abs(fwd+rev) > 1e-9 {
		t.Errorf("expected GravKickFactor(a,b) == -GravKickFactor(b,a), got %g and %g", fwd, rev)
	}
	if fwd <= 0 {
		t.Errorf("expected positive kick factor advancing forward in time, got %g", fwd)
	}
}

func TestGravKickFactorZeroOverEmptyInterval(t *testing.T) {
	m := testModel(t)
	if got := m.GravKickFactor(100, 100); got != 0 {
		t.Errorf("expected zero kick factor over an empty interval, got %g", got)
	}
}

func TestHydroKickIntegrandMatchesGravAtGammaOne(t *testing.T) {
	tbl, err := timeline.Build(0.1, 1.0, nil, false, 0)
	if err != nil {
		t.Fatalf("timeline.Build: %v", err)
	}
	// At gamma=1 the hydro kernel's a^(-3(gamma-1)) weight is 1, so it
	// reduces to the same integrand as the gravity kick.
	p := Params{OmegaMatter: 0.3, OmegaLambda: 0.7, Gamma: 1.0}
	m := NewModel(p, tbl)

	a := 0.5
	loga := math.Log(a)
	if math.Abs(m.hydroKickIntegrand(loga)-m.gravKickIntegrand(loga)) > 1e-12 {
		t.Errorf("expected hydro and grav kick integrands to match at gamma=1")
	}
}
