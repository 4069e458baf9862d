// Package timeline implements the integer timeline and sync-point table:
// a global clock with power-of-two sub-intervals, split into
// (interval-index, sub-step) coordinates so per-particle arithmetic stays
// in integers and restarts are bit-identical.
package timeline

import (
	"fmt"
	"math"
	"sort"
)

// TimeBins is T: the number of bits of sub-step resolution within a
// single inter-sync interval. 2^TimeBins ticks span one interval.
const TimeBins = 29

// TimeBase is the number of ticks in one inter-sync interval, 2^TimeBins.
const TimeBase int64 = 1 << TimeBins

// SyncPoint is one entry in the ordered sync-point table: an absolute
// time at which all particle state must be globally consistent.
type SyncPoint struct {
	A             float64
	LogA          float64
	WriteSnapshot bool
	WriteFOF      bool
	// AuxFlags is a bitset of periodic auxiliary events (e.g. a
	// background-radiation recompute) due at this sync point.
	AuxFlags uint32
	// Ti is the absolute integer stamp of this sync point: index*TimeBase.
	Ti int64
}

// Table is the ordered sequence of sync points for one run; the first
// point sits at tick 0.
type Table struct {
	Points []SyncPoint
}

// AuxEvent describes a periodic auxiliary event (e.g. a recurring
// background-radiation recompute) to merge into the sync-point table
// alongside user-requested output times: starting at FirstA and
// repeating every Interval in scale factor, each occurrence tags its
// sync point with Flag instead of the snapshot bit.
type AuxEvent struct {
	FirstA   float64
	Interval float64
	Flag     uint32
}

// Build compiles TimeIC, TimeMax, a user list of requested output scale
// factors, and optional periodic auxiliary events into an ordered
// Table.
//
// noSnapshotUntil suppresses WriteSnapshot/WriteFOF for any entry whose
// scale factor is <= noSnapshotUntil.
func Build(timeIC, timeMax float64, outputTimes []float64, snapshotWithFOF bool, noSnapshotUntil float64, aux ...AuxEvent) (*Table, error) {
	if timeIC <= 0 || timeMax <= timeIC {
		return nil, fmt.Errorf("timeline: invalid TimeIC=%g TimeMax=%g", timeIC, timeMax)
	}

	tbl := &Table{Points: []SyncPoint{{
		A:    timeIC,
		LogA: math.Log(timeIC),
	}}}

	sorted := append([]float64(nil), outputTimes...)
	sort.Float64s(sorted)

	for _, a := range sorted {
		if a > timeMax {
			// Requests beyond TimeMax are discarded silently.
			continue
		}
		tbl.insert(a, snapshotWithFOF, noSnapshotUntil)
	}

	for _, ev := range aux {
		if ev.Interval <= 0 {
			continue
		}
		for a := math.Max(ev.FirstA, timeIC); a <= timeMax; a += ev.Interval {
			tbl.insertAux(a, ev.Flag)
		}
	}

	// The run always ends on a sync point at TimeMax, so the final
	// inter-sync interval is well defined even with an empty output list.
	if last := &tbl.Points[len(tbl.Points)-1]; last.A != timeMax {
		tbl.Points = append(tbl.Points, SyncPoint{A: timeMax, LogA: math.Log(timeMax)})
	}

	// Stamp absolute ticks: the k-th sync point sits at k*TimeBase, so the
	// upper bits of a tick index the interval and the low TimeBins bits
	// index the sub-step within it.
	for i := range tbl.Points {
		tbl.Points[i].Ti = int64(i) * TimeBase
	}

	return tbl, nil
}

// insert merges a single requested scale factor into the table in
// sorted order, setting WriteSnapshot on an existing exact match rather
// than duplicating it.
func (t *Table) insert(a float64, snapshotWithFOF bool, noSnapshotUntil float64) {
	j := sort.Search(len(t.Points), func(i int) bool { return t.Points[i].A >= a })

	var pt *SyncPoint
	if j < len(t.Points) && t.Points[j].A == a {
		pt = &t.Points[j]
	} else {
		t.Points = append(t.Points, SyncPoint{})
		copy(t.Points[j+1:], t.Points[j:])
		t.Points[j] = SyncPoint{A: a, LogA: math.Log(a)}
		pt = &t.Points[j]
	}

	if a > noSnapshotUntil {
		pt.WriteSnapshot = true
		if snapshotWithFOF {
			pt.WriteFOF = true
		}
	}
}

// insertAux merges a periodic auxiliary event occurrence: like insert,
// but tagging the entry's AuxFlags bit rather than the snapshot flags.
func (t *Table) insertAux(a float64, flag uint32) {
	j := sort.Search(len(t.Points), func(i int) bool { return t.Points[i].A >= a })
	if j < len(t.Points) && t.Points[j].A == a {
		t.Points[j].AuxFlags |= flag
		return
	}
	t.Points = append(t.Points, SyncPoint{})
	copy(t.Points[j+1:], t.Points[j:])
	t.Points[j] = SyncPoint{A: a, LogA: math.Log(a), AuxFlags: flag}
}

// dlogaIntervalPerTick returns the current per-tick log-a spacing:
// valid until the next sync point, after which it changes.
func (t *Table) dlogaIntervalPerTick(ti int64) float64 {
	lastsnap := ti >> TimeBins
	if int(lastsnap) >= len(t.Points)-1 {
		return 0
	}
	last := t.Points[lastsnap].LogA
	return (t.Points[lastsnap+1].LogA - last) / float64(TimeBase)
}

// LogAFromTicks returns log(a) at absolute tick ti, piecewise-linear
// between consecutive sync points.
func (t *Table) LogAFromTicks(ti int64) float64 {
	lastsnap := int(ti >> TimeBins)
	if lastsnap >= len(t.Points) {
		lastsnap = len(t.Points) - 1
	}
	last := t.Points[lastsnap].LogA
	dti := ti & (TimeBase - 1)
	return last + float64(dti)*t.dlogaIntervalPerTick(ti)
}

// TicksFromLogA is the inverse of LogAFromTicks; clamps to the final
// interval once loga runs past the last sync point.
func (t *Table) TicksFromLogA(loga float64) int64 {
	i := len(t.Points) - 1
	for k := 0; k < len(t.Points)-1; k++ {
		if t.Points[k].LogA > loga {
			i = k
			break
		}
	}
	if i == 0 {
		i = 1
	}
	logDTime := (t.Points[i].LogA - t.Points[i-1].LogA) / float64(TimeBase)
	ti := int64(i-1) << TimeBins
	if logDTime != 0 {
		// Round rather than truncate so LogAFromTicks/TicksFromLogA round
		// trips exactly despite the division's last-ulp wobble.
		ti += int64(math.Round((loga - t.Points[i-1].LogA) / logDTime))
	}
	return ti
}

// DlogaForBin returns 2^b * dloga_per_tick(t_cur): the log-a span of one
// bin-b timestep at the current tick.
func (t *Table) DlogaForBin(tiCur int64, bin int) float64 {
	if bin <= 0 {
		return 0
	}
	return float64(int64(1)<<uint(bin)) * t.dlogaIntervalPerTick(tiCur)
}

// FindNextSync returns the smallest sync point strictly greater than ti,
// or (SyncPoint{}, false) if the run is complete.
func (t *Table) FindNextSync(ti int64) (SyncPoint, bool) {
	for _, p := range t.Points {
		if p.Ti > ti {
			return p, true
		}
	}
	return SyncPoint{}, false
}

// FindCurrentSync returns the sync point exactly at ti, if any.
func (t *Table) FindCurrentSync(ti int64) (SyncPoint, bool) {
	for _, p := range t.Points {
		if p.Ti == ti {
			return p, true
		}
	}
	return SyncPoint{}, false
}

// RoundDownPowerOfTwo returns the largest power of two <= dti, clamped
// to [0, TimeBase].
func RoundDownPowerOfTwo(dti int64) int64 {
	tiMin := TimeBase
	for tiMin > dti && tiMin > 0 {
		tiMin >>= 1
	}
	return tiMin
}

// BinFromTicks converts a tick count to a bin index: the position of its
// single set bit. Returns -1 for ti==1 (a sub-unit timestep, a fatal
// condition upstream), 0 for ti==0.
func BinFromTicks(ti int64) int {
	if ti == 0 {
		return 0
	}
	if ti == 1 {
		return -1
	}
	bin := -1
	for ti > 0 {
		bin++
		ti >>= 1
	}
	return bin
}
