package force

import (
	"fmt"
	"math"
	"sort"

	"github.com/ymf-astro/gogadget/internal/particle"
)

// Direct is a brute-force O(N^2) GravityProvider test double: not a
// tree, just pairwise Newtonian summation with Plummer softening. Used
// by integrator tests that exercise momentum conservation without
// depending on the out-of-scope tree walker.
type Direct struct {
	G         float64
	Softening [particle.NumTypes]float64
}

var _ GravityProvider = (*Direct)(nil)

func (d *Direct) BuildTree() error { return nil }

func (d *Direct) ComputeGravity(arena *particle.Arena, indices []int) error {
	n := arena.Len()
	for _, i := range indices {
		var acc particle.Vec3
		pi := arena.P[i]
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			pj := arena.P[j]
			d3 := pj.Pos.Sub(pi.Pos)
			eps := d.Softening[pi.Type]
			r2 := d3.LengthSq() + eps*eps
			r := math.Sqrt(r2)
			invR3 := 1.0 / (r2 * r)
			acc = acc.Add(d3.Scale(d.G * pj.Mass * invR3))
		}
		arena.P[i].GravAccel = acc
	}
	return nil
}

// DirectNeighbors is a brute-force O(N) WindNeighborProvider test
// double: a plain radius scan in place of the out-of-scope neighbor
// tree, giving every gas neighbor an equal (unweighted) kernel weight
// of 1 and estimating dark-matter velocity dispersion from the nearest
// n DM particles by a simple sort-by-distance rather than the bisection
// search the original tree walk performs (the bisection only matters
// when a real tree makes repeated radius growth/shrink expensive).
type DirectNeighbors struct{}

var _ WindNeighborProvider = DirectNeighbors{}

func (DirectNeighbors) GasNeighbors(arena *particle.Arena, pos particle.Vec3, radius float64) (indices []int, weights []float64) {
	r2 := radius * radius
	for i := range arena.P {
		if arena.P[i].Type != particle.Gas {
			continue
		}
		if arena.P[i].Pos.Sub(pos).LengthSq() <= r2 {
			indices = append(indices, i)
			weights = append(weights, 1.0)
		}
	}
	return indices, weights
}

func (DirectNeighbors) DarkMatterVelocityDispersion(arena *particle.Arena, pos particle.Vec3, n int) (float64, error) {
	type hit struct {
		d2  float64
		vel particle.Vec3
	}
	var hits []hit
	for i := range arena.P {
		if arena.P[i].Type != particle.Halo {
			continue
		}
		hits = append(hits, hit{d2: arena.P[i].Pos.Sub(pos).LengthSq(), vel: arena.P[i].Vel})
	}
	if len(hits) == 0 {
		return 0, fmt.Errorf("force: no dark-matter particles available for velocity dispersion estimate")
	}
	sort.Slice(hits, func(a, b int) bool { return hits[a].d2 < hits[b].d2 })
	if n > len(hits) {
		n = len(hits)
	}
	var mean particle.Vec3
	for _, h := range hits[:n] {
		mean = mean.Add(h.vel)
	}
	mean = mean.Scale(1.0 / float64(n))

	var varSum float64
	for _, h := range hits[:n] {
		d := h.vel.Sub(mean)
		varSum += d.LengthSq()
	}
	return math.Sqrt(varSum / (3 * float64(n))), nil
}
