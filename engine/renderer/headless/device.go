package headless

import (
	"fmt"
	"sync"
	"time"

	"github.com/lodestar-engine/lodestar/engine/containers"
	"github.com/lodestar-engine/lodestar/engine/core"
	"github.com/lodestar-engine/lodestar/engine/renderer"
)

const jobQueueDepth = 1024

// Device is a software rendition of an explicit graphics device. Submissions
// retire asynchronously on a single consumer goroutine (one GPU timeline),
// fences and semaphores behave like their hardware counterparts, and the
// device records validation incidents the way a debug layer would: semaphore
// re-signaled while pending, presents without a signaled wait, double
// destroys. Tests and headless runs use it in place of a real backend.
type Device struct {
	mu   sync.Mutex
	cond *sync.Cond
	jobs *containers.RingQueue[func()]

	latency      time.Duration
	memoryBudget uint64
	allocated    uint64

	busy   bool
	closed bool

	validation  []string
	submissions uint64
	retired     uint64
}

type Option func(*Device)

// WithLatency makes every submission take d to retire, simulating a GPU that
// runs slower than the CPU produces.
func WithLatency(d time.Duration) Option {
	return func(dev *Device) { dev.latency = d }
}

// WithMemoryBudget caps total buffer+image memory; allocations beyond it
// fail with core.ErrOutOfMemory.
func WithMemoryBudget(bytes uint64) Option {
	return func(dev *Device) { dev.memoryBudget = bytes }
}

func NewDevice(opts ...Option) *Device {
	d := &Device{
		jobs: containers.NewRingQueue[func()](jobQueueDepth),
	}
	d.cond = sync.NewCond(&d.mu)
	for _, opt := range opts {
		opt(d)
	}
	go d.run()
	return d
}

func (d *Device) run() {
	for {
		d.mu.Lock()
		for d.jobs.IsEmpty() && !d.closed {
			d.cond.Wait()
		}
		if d.closed && d.jobs.IsEmpty() {
			d.mu.Unlock()
			return
		}
		job, _ := d.jobs.Dequeue()
		d.busy = true
		d.mu.Unlock()

		job()

		d.mu.Lock()
		d.busy = false
		d.cond.Broadcast()
		d.mu.Unlock()
	}
}

// enqueue appends work to the device timeline. Both submissions and present
// operations go through here, so their relative order is preserved.
func (d *Device) enqueue(job func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("%w: device destroyed", core.ErrDeviceLost)
	}
	if err := d.jobs.Enqueue(job); err != nil {
		return fmt.Errorf("%w: device queue overflow", core.ErrDeviceLost)
	}
	d.cond.Broadcast()
	return nil
}

func (d *Device) recordValidation(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	core.LogWarn("headless validation: %s", msg)

	d.mu.Lock()
	d.validation = append(d.validation, msg)
	d.mu.Unlock()
}

// ValidationIncidents returns everything the simulated debug layer flagged.
func (d *Device) ValidationIncidents() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.validation))
	copy(out, d.validation)
	return out
}

func (d *Device) RetiredSubmissions() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.retired
}

func (d *Device) CreateFence(signaled bool) (renderer.Fence, error) {
	return newFence(signaled), nil
}

func (d *Device) CreateSemaphore() (renderer.Semaphore, error) {
	return newSemaphore(d), nil
}

func (d *Device) reserve(bytes uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.memoryBudget > 0 && d.allocated+bytes > d.memoryBudget {
		return fmt.Errorf("%w: %d requested, %d of %d in use",
			core.ErrOutOfMemory, bytes, d.allocated, d.memoryBudget)
	}
	d.allocated += bytes
	return nil
}

func (d *Device) release(bytes uint64) {
	d.mu.Lock()
	d.allocated -= bytes
	d.mu.Unlock()
}

func (d *Device) CreateBuffer(desc renderer.BufferDescriptor) (renderer.Buffer, error) {
	if err := d.reserve(desc.Size); err != nil {
		return nil, err
	}
	b := &buffer{device: d, desc: desc}
	if desc.HostVisible {
		b.data = make([]byte, desc.Size)
	}
	return b, nil
}

func (d *Device) CreateImage(desc renderer.ImageDescriptor) (renderer.Image, error) {
	// 4 bytes per texel is close enough for budget accounting.
	bytes := uint64(desc.Width) * uint64(desc.Height) * 4
	if err := d.reserve(bytes); err != nil {
		return nil, err
	}
	return &image{device: d, desc: desc, bytes: bytes}, nil
}

func (d *Device) CreatePipeline(desc renderer.PipelineDescriptor) (renderer.Pipeline, error) {
	return &pipeline{device: d, desc: desc}, nil
}

// Submit enqueues the submission on the device timeline. Wait semaphores are
// consumed before execution, signal semaphores flip on retire, the fence
// signals last.
func (d *Device) Submit(sub renderer.Submission) error {
	waits := make([]*semaphore, 0, len(sub.Wait))
	for _, s := range sub.Wait {
		sem, ok := s.(*semaphore)
		if !ok {
			return fmt.Errorf("%w: foreign wait semaphore", core.ErrInvalidDescriptor)
		}
		waits = append(waits, sem)
	}
	signals := make([]*semaphore, 0, len(sub.Signal))
	for _, s := range sub.Signal {
		sem, ok := s.(*semaphore)
		if !ok {
			return fmt.Errorf("%w: foreign signal semaphore", core.ErrInvalidDescriptor)
		}
		signals = append(signals, sem)
	}
	var fen *fence
	if sub.Fence != nil {
		f, ok := sub.Fence.(*fence)
		if !ok {
			return fmt.Errorf("%w: foreign fence", core.ErrInvalidDescriptor)
		}
		fen = f
	}

	d.mu.Lock()
	d.submissions++
	d.mu.Unlock()

	return d.enqueue(func() {
		for _, sem := range waits {
			sem.waitConsume(sub.SessionID)
		}
		if d.latency > 0 {
			time.Sleep(d.latency)
		}
		d.execute(sub.Commands)
		for _, sem := range signals {
			sem.signal(sub.SessionID)
		}
		if fen != nil {
			fen.signal()
		}
		d.mu.Lock()
		d.retired++
		d.mu.Unlock()
	})
}

// execute applies the side effects a GPU would: host writes land in buffer
// memory, copies move bytes between host-visible buffers. Draws and barriers
// have no observable effect in the simulation.
func (d *Device) execute(cmds []renderer.Command) {
	for _, cmd := range cmds {
		switch cmd.Type {
		case renderer.CommandHostWrite:
			if buf, ok := cmd.HostWrite.Target.(*buffer); ok {
				buf.write(cmd.HostWrite.Offset, cmd.HostWrite.Data)
			}
		case renderer.CommandCopy:
			// Byte movement is only observable between host-visible buffers;
			// device-local copies have no simulated backing store.
			src, srcOK := cmd.Copy.SrcBuffer.(*buffer)
			dst, dstOK := cmd.Copy.DstBuffer.(*buffer)
			if srcOK && dstOK && src.data != nil && dst.data != nil {
				copy(dst.data[cmd.Copy.DstOffset:cmd.Copy.DstOffset+cmd.Copy.Size],
					src.data[cmd.Copy.SrcOffset:cmd.Copy.SrcOffset+cmd.Copy.Size])
			}
		case renderer.CommandBeginPass, renderer.CommandEndPass,
			renderer.CommandBindPipeline, renderer.CommandDraw,
			renderer.CommandBarrier:
		}
	}
}

// WaitIdle blocks until the device timeline is empty.
func (d *Device) WaitIdle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.busy || !d.jobs.IsEmpty() {
		d.cond.Wait()
	}
	return nil
}

func (d *Device) Destroy() {
	d.WaitIdle()
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
}
