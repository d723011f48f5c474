package render

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrStartup marks errors that violate a start-up precondition.
	// There is no degraded mode for them; see IsFatal.
	ErrStartup = errors.New("render: start-up failure")

	// ErrNoSurfaceFormat means the surface reports no formats.
	ErrNoSurfaceFormat = errors.New("render: surface reports no formats")

	// ErrSlotBusy means BeginFrame was called for a slot that is
	// still being recorded.
	ErrSlotBusy = errors.New("render: frame slot still recording")

	// ErrStopTimeout means the presentation thread did not stop in
	// time and was abandoned.
	ErrStopTimeout = errors.New("render: presentation thread did not stop in time")

	// ErrClosed is returned by operations on a destroyed Renderer
	// or a closed WorkerPool.
	ErrClosed = errors.New("render: closed")

	// ErrNotFound is returned by lookups of unknown meshes,
	// textures, shaders and effects.
	ErrNotFound = errors.New("render: not found")
)

// fatal marks err as a start-up failure.
func fatal(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrStartup)
}

// IsFatal reports whether err is a start-up failure after which
// the process should terminate.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStartup)
}
