package headless

import (
	"fmt"
	"sync"
	"time"

	"github.com/lodestar-engine/lodestar/engine/core"
	"github.com/lodestar-engine/lodestar/engine/renderer"
)

// Surface simulates a presentation surface with a rotating set of images.
// Acquire signals the caller's semaphore on the device timeline (after every
// previously queued present), and Present consumes the render-finished
// semaphore there too, so semaphore hazards surface as validation incidents
// exactly as a real presentation engine would report them.
type Surface struct {
	device *Device

	mu         sync.Mutex
	width      uint32
	height     uint32
	imageCount int
	// Image count applied by the next Configure; simulates the surface
	// deciding its own N. Zero keeps the current count.
	nextImageCount int
	cursor         int

	outOfDateOnce  bool
	suboptimalOnce bool

	presentOrder []int
	configures   int
}

func NewSurface(device *Device, imageCount int, width, height uint32) *Surface {
	return &Surface{
		device:     device,
		imageCount: imageCount,
		width:      width,
		height:     height,
	}
}

func (s *Surface) ImageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.imageCount
}

func (s *Surface) Extent() (uint32, uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

func (s *Surface) Acquire(timeout time.Duration, signal renderer.Semaphore) (int, error) {
	sem, ok := signal.(*semaphore)
	if !ok {
		return 0, fmt.Errorf("%w: foreign acquire semaphore", core.ErrInvalidDescriptor)
	}

	s.mu.Lock()
	if s.outOfDateOnce {
		s.outOfDateOnce = false
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: injected", core.ErrSurfaceOutOfDate)
	}
	suboptimal := s.suboptimalOnce
	s.suboptimalOnce = false
	index := s.cursor
	s.cursor = (s.cursor + 1) % s.imageCount
	s.mu.Unlock()

	// The image becomes available once every earlier present has consumed
	// it; queuing the signal behind them on the device timeline is the
	// conservative equivalent.
	if err := s.device.enqueue(func() {
		sem.signal(fmt.Sprintf("acquire image %d", index))
	}); err != nil {
		return 0, err
	}
	if suboptimal {
		return index, fmt.Errorf("%w: injected", core.ErrSurfaceSuboptimal)
	}
	return index, nil
}

func (s *Surface) Present(imageIndex int, wait renderer.Semaphore) error {
	sem, ok := wait.(*semaphore)
	if !ok {
		return fmt.Errorf("%w: foreign present semaphore", core.ErrInvalidDescriptor)
	}

	s.mu.Lock()
	if imageIndex < 0 || imageIndex >= s.imageCount {
		s.mu.Unlock()
		s.device.recordValidation("present of image %d outside [0,%d)", imageIndex, s.imageCount)
		return fmt.Errorf("%w: image index %d", core.ErrInvalidDescriptor, imageIndex)
	}
	s.mu.Unlock()

	return s.device.enqueue(func() {
		sem.waitConsume(fmt.Sprintf("present image %d", imageIndex))
		s.mu.Lock()
		s.presentOrder = append(s.presentOrder, imageIndex)
		s.mu.Unlock()
	})
}

// Configure adopts the new extent and recreates the image set. The caller
// must have drained in-flight frames; the simulation verifies the device
// timeline is empty and records a validation incident otherwise.
func (s *Surface) Configure(width, height uint32) error {
	s.device.mu.Lock()
	idle := !s.device.busy && s.device.jobs.IsEmpty()
	s.device.mu.Unlock()
	if !idle {
		s.device.recordValidation("surface configured while device timeline busy")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.width = width
	s.height = height
	if s.nextImageCount > 0 {
		s.imageCount = s.nextImageCount
		s.nextImageCount = 0
	}
	s.cursor = 0
	s.configures++
	return nil
}

func (s *Surface) Destroy() {}

// InjectOutOfDate makes the next Acquire fail with ErrSurfaceOutOfDate once,
// simulating a resize the surface noticed before the engine did.
func (s *Surface) InjectOutOfDate() {
	s.mu.Lock()
	s.outOfDateOnce = true
	s.mu.Unlock()
}

// InjectSuboptimal makes the next Acquire succeed but carry
// ErrSurfaceSuboptimal once, simulating a surface that still presents while
// no longer matching the window.
func (s *Surface) InjectSuboptimal() {
	s.mu.Lock()
	s.suboptimalOnce = true
	s.mu.Unlock()
}

// SetNextImageCount changes the image count the surface will report after
// its next Configure.
func (s *Surface) SetNextImageCount(n int) {
	s.mu.Lock()
	s.nextImageCount = n
	s.mu.Unlock()
}

// PresentOrder returns the image indices in the order presentation completed.
func (s *Surface) PresentOrder() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.presentOrder))
	copy(out, s.presentOrder)
	return out
}

func (s *Surface) Configures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configures
}
