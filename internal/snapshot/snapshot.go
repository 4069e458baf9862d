// Package snapshot names the on-disk persistence boundary: the integer
// timeline stamp is the source of truth for resume. No file format is
// mandated here, only the interface the integrator's sync-point and
// emergency-abort paths call through, so those control-flow paths are
// testable via a fake.
package snapshot

import "github.com/ymf-astro/gogadget/internal/particle"

// Writer persists the full particle arena plus the integer timeline
// stamp at which it was taken.
type Writer interface {
	WriteSnapshot(num int, ti int64, arena *particle.Arena) error
}

// Reader restores a particle arena and its integer timeline stamp from
// a previously written snapshot, for restart.
type Reader interface {
	ReadSnapshot(num int) (ti int64, arena *particle.Arena, err error)
}
