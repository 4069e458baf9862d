package timeline

import (
	"math"
	"testing"
)

func TestBuildInsertsOutputsInOrder(t *testing.T) {
	tbl, err := Build(0.1, 1.0, []float64{0.5, 0.3, 1.5, 0.9}, false, 0)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}

	// 1.5 is beyond TimeMax and must be discarded silently; TimeMax
	// itself terminates the table.
	wantAs := []float64{0.1, 0.3, 0.5, 0.9, 1.0}
	if len(tbl.Points) != len(wantAs) {
		t.Fatalf("expected %d sync points, got %d", len(wantAs), len(tbl.Points))
	}
	for i, want := range wantAs {
		if tbl.Points[i].A != want {
			t.Errorf("point %d: expected a=%g, got %g", i, want, tbl.Points[i].A)
		}
	}
}

func TestBuildTiStampsAreMultiplesOfTimeBase(t *testing.T) {
	tbl, err := Build(0.1, 1.0, []float64{0.5}, false, 0)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	for i, p := range tbl.Points {
		want := int64(i) * TimeBase
		if p.Ti != want {
			t.Errorf("point %d: expected ti=%d, got %d", i, want, p.Ti)
		}
	}
}

func TestDuplicateOutputSetsSnapshotFlagOnly(t *testing.T) {
	tbl, err := Build(0.1, 1.0, []float64{0.1, 0.1}, false, 0)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if len(tbl.Points) != 2 {
		t.Fatalf("expected requesting output at TimeIC to not duplicate the entry (TimeIC plus the terminating TimeMax), got %d points", len(tbl.Points))
	}
	if !tbl.Points[0].WriteSnapshot {
		t.Errorf("expected WriteSnapshot set on the matched entry")
	}
}

func TestTicksFromLogARoundTrip(t *testing.T) {
	tbl, err := Build(0.1, 1.0, []float64{0.3, 0.5, 0.7}, false, 0)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}

	for _, ti := range []int64{0, 100, TimeBase / 2, TimeBase - 1, TimeBase, TimeBase + 1} {
		loga := tbl.LogAFromTicks(ti)
		back := tbl.TicksFromLogA(loga)
		if back != ti {
			t.Errorf("round trip failed for ti=%d: loga=%g -> ti=%d", ti, loga, back)
		}
	}
}

func TestFindNextSync(t *testing.T) {
	tbl, err := Build(0.1, 1.0, []float64{0.5}, false, 0)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}

	next, ok := tbl.FindNextSync(0)
	if !ok || next.Ti != TimeBase {
		t.Fatalf("expected next sync at ti=%d, got ti=%d ok=%v", TimeBase, next.Ti, ok)
	}

	_, ok = tbl.FindNextSync(tbl.Points[len(tbl.Points)-1].Ti)
	if ok {
		t.Errorf("expected no next sync point past the end of the run")
	}
}

func TestDlogaForBinScalesByPowerOfTwo(t *testing.T) {
	tbl, err := Build(0.1, 1.0, nil, false, 0)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}

	d1 := tbl.DlogaForBin(0, 1)
	d2 := tbl.DlogaForBin(0, 2)
	if math.Abs(d2-2*d1) > 1e-12 {
		t.Errorf("expected DlogaForBin(2) == 2*DlogaForBin(1), got %g vs %g", d2, d1)
	}
	if tbl.DlogaForBin(0, 0) != 0 {
		t.Errorf("expected DlogaForBin(0) == 0 (inactive/undefined step)")
	}
}

func TestBinFromTicks(t *testing.T) {
	cases := []struct {
		ti   int64
		want int
	}{
		{0, 0},
		{1, -1},
		{2, 1},
		{4, 2},
		{1 << 10, 10},
	}
	for _, c := range cases {
		if got := BinFromTicks(c.ti); got != c.want {
			t.Errorf("BinFromTicks(%d): expected %d, got %d", c.ti, c.want, got)
		}
	}
}

func TestRoundDownPowerOfTwo(t *testing.T) {
	if got := RoundDownPowerOfTwo(5); got != 4 {
		t.Errorf("expected 4, got %d", got)
	}
	if got := RoundDownPowerOfTwo(1); got != 1 {
		t.Errorf("expected 1, got %d", got)
	}
}

func TestBuildMergesPeriodicAuxEvents(t *testing.T) {
	tbl, err := Build(0.1, 1.0, []float64{0.5}, false, 0, AuxEvent{FirstA: 0.25, Interval: 0.25, Flag: 1})
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}

	var tagged []float64
	for _, p := range tbl.Points {
		if p.AuxFlags&1 != 0 {
			tagged = append(tagged, p.A)
			if p.WriteSnapshot && p.A != 0.5 {
				t.Errorf("aux-only entry at a=%g must not request a snapshot", p.A)
			}
		}
	}
	if len(tagged) < 4 {
		t.Fatalf("expected the 0.25/0.5/0.75/1.0 occurrences tagged, got %v", tagged)
	}
	// 0.5 coincides with a requested output: one entry carrying both the
	// snapshot flag and the aux bit, not a duplicate.
	count := 0
	for _, p := range tbl.Points {
		if p.A == 0.5 {
			count++
			if !p.WriteSnapshot || p.AuxFlags&1 == 0 {
				t.Errorf("coincident entry should carry both flags: %+v", p)
			}
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one entry at a=0.5, got %d", count)
	}
}
