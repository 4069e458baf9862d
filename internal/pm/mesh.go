// Package pm implements the particle-mesh (PM) long-range gravity
// solver: Cloud-in-Cell mass deposit onto a periodic 3D mesh, a
// separable 3D FFT Poisson solve built from 1D transforms applied
// along each axis in turn, a finite-difference gradient, and
// inverse-CIC force interpolation back onto particle positions.
package pm

import (
	"math"

	"github.com/ymf-astro/gogadget/internal/particle"
	"github.com/ymf-astro/gogadget/pkg/fft"
)

// Grid is a periodic Nmesh^3 mesh covering a cubic box of side BoxSize.
type Grid struct {
	Nmesh   int
	BoxSize float64
}

// cellSize returns the mesh spacing.
func (g Grid) cellSize() float64 { return g.BoxSize / float64(g.Nmesh) }

// DepositMass distributes each particle's mass onto the mesh via
// Cloud-in-Cell (linear) interpolation over the eight cells
// surrounding it, with periodic wraparound.
func (g Grid) DepositMass(arena *particle.Arena) [][][]float64 {
	n := g.Nmesh
	cell := g.cellSize()
	rho := make([][][]float64, n)
	for i := range rho {
		rho[i] = make([][]float64, n)
		for j := range rho[i] {
			rho[i][j] = make([]float64, n)
		}
	}

	for _, p := range arena.P {
		gx := p.Pos.X/cell + float64(n)/2
		gy := p.Pos.Y/cell + float64(n)/2
		gz := p.Pos.Z/cell + float64(n)/2

		i0 := int(math.Floor(gx))
		j0 := int(math.Floor(gy))
		k0 := int(math.Floor(gz))
		fx := gx - float64(i0)
		fy := gy - float64(j0)
		fz := gz - float64(k0)

		for di := 0; di <= 1; di++ {
			for dj := 0; dj <= 1; dj++ {
				for dk := 0; dk <= 1; dk++ {
					wi := fx
					if di == 0 {
						wi = 1 - fx
					}
					wj := fy
					if dj == 0 {
						wj = 1 - fy
					}
					wk := fz
					if dk == 0 {
						wk = 1 - fz
					}
					ii := mod(i0+di, n)
					jj := mod(j0+dj, n)
					kk := mod(k0+dk, n)
					rho[ii][jj][kk] += p.Mass * wi * wj * wk
				}
			}
		}
	}
	return rho
}

func mod(a, n int) int {
	a %= n
	if a < 0 {
		a += n
	}
	return a
}

// SolvePoisson solves ∇²Φ = 4πG(ρ-ρ̄) via a separable 3D FFT, with
// the zero mode discarded so the mean density sources nothing.
func (g Grid) SolvePoisson(rho [][][]float64, gravConst float64) [][][]float64 {
	n := g.Nmesh
	cell := g.cellSize()

	mean := 0.0
	for i := range rho {
		for j := range rho[i] {
			for k := range rho[i][j] {
				mean += rho[i][j][k]
			}
		}
	}
	mean /= float64(n * n * n)

	c := make([][][]complex128, n)
	for i := range c {
		c[i] = make([][]complex128, n)
		for j := range c[i] {
			c[i][j] = make([]complex128, n)
			for k := range c[i][j] {
				c[i][j][k] = complex(rho[i][j][k]-mean, 0)
			}
		}
	}

	fft3(c, n, false)

	kFactor := 2.0 * math.Pi / (float64(n) * cell)
	for u := 0; u < n; u++ {
		ku := waveNumber(u, n) * kFactor
		for v := 0; v < n; v++ {
			kv := waveNumber(v, n) * kFactor
			for w := 0; w < n; w++ {
				kw := waveNumber(w, n) * kFactor
				k2 := ku*ku + kv*kv + kw*kw
				if k2 == 0 {
					c[u][v][w] = 0
					continue
				}
				scale := -4.0 * math.Pi * gravConst / k2
				c[u][v][w] *= complex(scale, 0)
			}
		}
	}

	fft3(c, n, true)

	phi := make([][][]float64, n)
	for i := range phi {
		phi[i] = make([][]float64, n)
		for j := range phi[i] {
			phi[i][j] = make([]float64, n)
			for k := range phi[i][j] {
				phi[i][j][k] = real(c[i][j][k])
			}
		}
	}
	return phi
}

func waveNumber(u, n int) float64 {
	if u > n/2 {
		return float64(u - n)
	}
	return float64(u)
}

// fft3 applies the 1D FFT (pkg/fft, wrapping go-dsp) along
// each of the three axes in turn, the standard separable-transform
// construction for a 3D FFT, in place. inverse selects Processor.Inverse.
func fft3(c [][][]complex128, n int, inverse bool) {
	proc := fft.New()
	transform := proc.Forward
	if inverse {
		transform = proc.Inverse
	}

	line := make([]complex128, n)

	// axis X
	for j := 0; j < n; j++ {
		for k := 0; k < n; k++ {
			for i := 0; i < n; i++ {
				line[i] = c[i][j][k]
			}
			out := transform(line)
			for i := 0; i < n; i++ {
				c[i][j][k] = out[i]
			}
		}
	}
	// axis Y
	for i := 0; i < n; i++ {
		for k := 0; k < n; k++ {
			for j := 0; j < n; j++ {
				line[j] = c[i][j][k]
			}
			out := transform(line)
			for j := 0; j < n; j++ {
				c[i][j][k] = out[j]
			}
		}
	}
	// axis Z
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			for k := 0; k < n; k++ {
				line[k] = c[i][j][k]
			}
			out := transform(line)
			for k := 0; k < n; k++ {
				c[i][j][k] = out[k]
			}
		}
	}

	// Each per-axis inverse already carries its own 1/n, so three axes
	// give the full 1/n^3 and no further normalization is needed.
}

// Gradient computes the acceleration field a = -∇Φ by central
// differences with periodic wraparound.
func (g Grid) Gradient(phi [][][]float64) (ax, ay, az [][][]float64) {
	n := g.Nmesh
	cell := g.cellSize()
	ax = alloc3(n)
	ay = alloc3(n)
	az = alloc3(n)

	for i := 0; i < n; i++ {
		ip, im := mod(i+1, n), mod(i-1, n)
		for j := 0; j < n; j++ {
			jp, jm := mod(j+1, n), mod(j-1, n)
			for k := 0; k < n; k++ {
				kp, km := mod(k+1, n), mod(k-1, n)
				ax[i][j][k] = -(phi[ip][j][k] - phi[im][j][k]) / (2 * cell)
				ay[i][j][k] = -(phi[i][jp][k] - phi[i][jm][k]) / (2 * cell)
				az[i][j][k] = -(phi[i][j][kp] - phi[i][j][km]) / (2 * cell)
			}
		}
	}
	return ax, ay, az
}

func alloc3(n int) [][][]float64 {
	g := make([][][]float64, n)
	for i := range g {
		g[i] = make([][]float64, n)
		for j := range g[i] {
			g[i][j] = make([]float64, n)
		}
	}
	return g
}

// InterpolateAndApply reads the acceleration mesh back onto every
// particle's GravPM field via inverse-CIC interpolation, the 3D
// using the same cell weights as the deposit so the self-force cancels.
func (g Grid) InterpolateAndApply(arena *particle.Arena, ax, ay, az [][][]float64) {
	n := g.Nmesh
	cell := g.cellSize()

	for i := range arena.P {
		p := &arena.P[i]
		gx := p.Pos.X/cell + float64(n)/2
		gy := p.Pos.Y/cell + float64(n)/2
		gz := p.Pos.Z/cell + float64(n)/2

		i0 := int(math.Floor(gx))
		j0 := int(math.Floor(gy))
		k0 := int(math.Floor(gz))
		fx := gx - float64(i0)
		fy := gy - float64(j0)
		fz := gz - float64(k0)

		var sx, sy, sz float64
		for di := 0; di <= 1; di++ {
			for dj := 0; dj <= 1; dj++ {
				for dk := 0; dk <= 1; dk++ {
					wi := fx
					if di == 0 {
						wi = 1 - fx
					}
					wj := fy
					if dj == 0 {
						wj = 1 - fy
					}
					wk := fz
					if dk == 0 {
						wk = 1 - fz
					}
					ii := mod(i0+di, n)
					jj := mod(j0+dj, n)
					kk := mod(k0+dk, n)
					w := wi * wj * wk
					sx += ax[ii][jj][kk] * w
					sy += ay[ii][jj][kk] * w
					sz += az[ii][jj][kk] * w
				}
			}
		}
		p.GravPM = particle.Vec3{X: sx, Y: sy, Z: sz}
	}
}

// Solve runs the full PM pass: deposit, Poisson solve, gradient, and
// interpolate back onto every particle's GravPM, in one call.
func (g Grid) Solve(arena *particle.Arena, gravConst float64) {
	rho := g.DepositMass(arena)
	// DepositMass yields mass per cell; the Poisson solve takes a density.
	cell := g.cellSize()
	cellVol := cell * cell * cell
	for i := range rho {
		for j := range rho[i] {
			for k := range rho[i][j] {
				rho[i][j][k] /= cellVol
			}
		}
	}
	phi := g.SolvePoisson(rho, gravConst)
	ax, ay, az := g.Gradient(phi)
	g.InterpolateAndApply(arena, ax, ay, az)
}
