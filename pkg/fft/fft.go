// Package fft wraps the go-dsp transforms behind a small interface so
// the mesh solver can swap in an accelerated implementation without
// touching the Poisson solve.
package fft

import (
	"github.com/mjibson/go-dsp/fft"
)

// Processor is the 1D transform pair the separable 3D mesh solve is
// built from: Forward is unscaled, Inverse carries the 1/n
// normalization.
type Processor interface {
	Forward(line []complex128) []complex128
	Inverse(line []complex128) []complex128
}

type cpuProcessor struct{}

// New returns the CPU-backed Processor.
func New() Processor {
	return cpuProcessor{}
}

func (cpuProcessor) Forward(line []complex128) []complex128 {
	return fft.FFT(line)
}

func (cpuProcessor) Inverse(line []complex128) []complex128 {
	return fft.IFFT(line)
}
