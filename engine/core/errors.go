package core

import (
	"errors"
)

// Failure taxonomy of the render core. Callers classify with errors.Is; the
// values below are the only kinds that cross package boundaries.
var (
	// ErrSurfaceOutOfDate means the presentation surface no longer matches
	// the window (resize, display change). Recoverable: drain, recreate the
	// image slots and retry the frame.
	ErrSurfaceOutOfDate = errors.New("surface out of date")
	// ErrSurfaceSuboptimal still presents correctly but the surface should
	// be recreated at the next opportunity.
	ErrSurfaceSuboptimal = errors.New("surface suboptimal")
	// ErrDeviceLost is fatal; the caller owns teardown and re-initialization.
	ErrDeviceLost = errors.New("device lost")
	// ErrFenceTimeout escalates to ErrDeviceLost once the grace budget is
	// exhausted.
	ErrFenceTimeout = errors.New("fence wait timed out")
	// ErrOutOfMemory is recoverable at the allocation call site.
	ErrOutOfMemory = errors.New("out of device memory")

	// Contract violations. Never retried.
	ErrHandleNotFound    = errors.New("resource handle not found")
	ErrInvalidDescriptor = errors.New("invalid resource descriptor")
	ErrInvalidState      = errors.New("invalid session state")

	ErrUnknown = errors.New("unknown")
)
