package renderer

import "time"

// Device abstracts an explicit, fence/semaphore-style graphics API. The core
// never touches raw API objects; everything flows through this interface and
// the slot/handle indirections built on top of it.
type Device interface {
	CreateFence(signaled bool) (Fence, error)
	CreateSemaphore() (Semaphore, error)

	CreateBuffer(desc BufferDescriptor) (Buffer, error)
	CreateImage(desc ImageDescriptor) (Image, error)
	CreatePipeline(desc PipelineDescriptor) (Pipeline, error)

	// Submit enqueues the commands asynchronously. Completion is observable
	// only through sub.Fence; ordering against other submissions only through
	// semaphores.
	Submit(sub Submission) error

	// WaitIdle blocks until every submitted command has retired. Shutdown and
	// surface recreation paths only.
	WaitIdle() error

	Destroy()
}

// Fence is a GPU-to-CPU completion signal.
type Fence interface {
	// Wait blocks until the fence signals. Returns core.ErrFenceTimeout when
	// the timeout elapses first, core.ErrDeviceLost on a device fault.
	Wait(timeout time.Duration) error
	Reset() error
	Signaled() bool
	Destroy()
}

// Semaphore is a GPU-to-GPU (or GPU-to-presentation-engine) ordering
// primitive. Not observable by the CPU.
type Semaphore interface {
	Destroy()
}

// Buffer, Image and Pipeline are the device-side objects owned by the
// resource registry. Nothing outside the registry holds one.
type Buffer interface {
	Size() uint64
	Destroy()
}

type Image interface {
	Extent() (width, height uint32)
	Destroy()
}

type Pipeline interface {
	Name() string
	Destroy()
}

// Surface is the presentation side: a rotating set of images the display
// consumes. Its image count is surface-determined and independent of how many
// frames the CPU keeps in flight.
type Surface interface {
	ImageCount() int
	Extent() (width, height uint32)

	// Acquire returns the index of the next presentable image. The signal
	// semaphore flips when the presentation engine is done with the image.
	// Returns core.ErrSurfaceOutOfDate when the surface must be reconfigured
	// before use; core.ErrSurfaceSuboptimal when presentation still works but
	// recreation is advisable.
	Acquire(timeout time.Duration, signal Semaphore) (int, error)

	// Present queues the image for display, waiting on the render-finished
	// semaphore bound to that image.
	Present(imageIndex int, wait Semaphore) error

	// Configure recreates the presentable images for a new extent. The image
	// count may change. Callers must have drained all in-flight work first.
	Configure(width, height uint32) error

	Destroy()
}
