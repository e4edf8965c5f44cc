package syncpool

import (
	"fmt"
	"time"

	"github.com/lodestar-engine/lodestar/engine/core"
	"github.com/lodestar-engine/lodestar/engine/renderer"
)

// FrameSlot owns the coordination objects of one CPU-side in-flight frame:
// the completion fence the CPU blocks on before reusing the slot, and the
// semaphore the presentation layer signals when the acquired image is ready.
type FrameSlot struct {
	Index          int
	Fence          renderer.Fence
	ImageAvailable renderer.Semaphore
}

// ImageSlot owns the render-finished semaphore of one presentable image.
// Binding this semaphore to the image rather than to the frame slot is what
// keeps presentation safe when the image count differs from the number of
// frames in flight: the semaphore can never be re-signaled while a prior
// presentation of a different image still consumes it.
type ImageSlot struct {
	Index          int
	RenderFinished renderer.Semaphore
	// Frame slot that last submitted work targeting this image, -1 if none.
	LastUsedFrame int
}

// Pool owns the frame-slot objects (count = max frames in flight) and the
// image-slot objects (count = surface image count). The two counts are
// independent.
type Pool struct {
	device renderer.Device
	frames []*FrameSlot
	images []*ImageSlot
}

func New(device renderer.Device, maxFramesInFlight int) (*Pool, error) {
	if maxFramesInFlight < 1 {
		return nil, fmt.Errorf("%w: max frames in flight %d", core.ErrInvalidDescriptor, maxFramesInFlight)
	}

	p := &Pool{device: device}
	for i := 0; i < maxFramesInFlight; i++ {
		// The fence starts signaled so the first wait on the slot does not
		// block forever on a frame that never ran.
		fence, err := device.CreateFence(true)
		if err != nil {
			p.Destroy()
			return nil, err
		}
		sem, err := device.CreateSemaphore()
		if err != nil {
			fence.Destroy()
			p.Destroy()
			return nil, err
		}
		p.frames = append(p.frames, &FrameSlot{
			Index:          i,
			Fence:          fence,
			ImageAvailable: sem,
		})
	}

	core.LogDebug("sync pool created with %d frame slots", maxFramesInFlight)
	return p, nil
}

// ConfigureImages replaces the image slots for a surface that now has count
// images. Every frame fence must be signaled; reconfiguring while a frame is
// in flight would destroy a semaphore the presentation engine may still
// reference.
func (p *Pool) ConfigureImages(count int) error {
	for _, fs := range p.frames {
		if !fs.Fence.Signaled() {
			return fmt.Errorf("%w: frame slot %d still in flight during image reconfigure", core.ErrInvalidState, fs.Index)
		}
	}

	for _, is := range p.images {
		is.RenderFinished.Destroy()
	}
	p.images = p.images[:0]

	for i := 0; i < count; i++ {
		sem, err := p.device.CreateSemaphore()
		if err != nil {
			return err
		}
		p.images = append(p.images, &ImageSlot{
			Index:          i,
			RenderFinished: sem,
			LastUsedFrame:  -1,
		})
	}

	core.LogDebug("sync pool configured for %d image slots", count)
	return nil
}

func (p *Pool) FrameSlot(index int) *FrameSlot {
	return p.frames[index]
}

func (p *Pool) ImageSlot(index int) *ImageSlot {
	return p.images[index]
}

func (p *Pool) FrameCount() int {
	return len(p.frames)
}

func (p *Pool) ImageCount() int {
	return len(p.images)
}

// DrainAll waits on every frame-slot fence. This is the only cancellation
// semantics the core has: after a successful drain no frame is in flight.
func (p *Pool) DrainAll(timeout time.Duration) error {
	for _, fs := range p.frames {
		if fs.Fence.Signaled() {
			continue
		}
		if err := fs.Fence.Wait(timeout); err != nil {
			core.LogError("drain: frame slot %d fence wait failed: %s", fs.Index, err)
			return err
		}
	}
	return nil
}

func (p *Pool) Destroy() {
	for _, is := range p.images {
		is.RenderFinished.Destroy()
	}
	p.images = nil
	for _, fs := range p.frames {
		fs.ImageAvailable.Destroy()
		fs.Fence.Destroy()
	}
	p.frames = nil
}
