package registry

import (
	"fmt"
	"sync"

	"github.com/lodestar-engine/lodestar/engine/core"
	"github.com/lodestar-engine/lodestar/engine/renderer"
)

// ResourceView is the resolved form of a handle. Exactly one of Buffer,
// Image, Pipeline is non-nil, matching Kind.
type ResourceView struct {
	Handle   renderer.Handle
	Kind     renderer.ResourceKind
	Buffer   renderer.Buffer
	Image    renderer.Image
	Pipeline renderer.Pipeline

	BufferDesc   renderer.BufferDescriptor
	ImageDesc    renderer.ImageDescriptor
	PipelineDesc renderer.PipelineDescriptor
}

type entry struct {
	generation uint32
	kind       renderer.ResourceKind
	refs       int
	live       bool

	buffer   renderer.Buffer
	image    renderer.Image
	pipeline renderer.Pipeline

	bufferDesc   renderer.BufferDescriptor
	imageDesc    renderer.ImageDescriptor
	pipelineDesc renderer.PipelineDescriptor
}

// Registry is the single source of truth for GPU object ownership. Every
// other component references resources by handle; raw device objects never
// leave this package except inside a ResourceView resolved for one use.
type Registry struct {
	mu     sync.RWMutex
	device renderer.Device

	entries []*entry
	free    []uint32

	// Per-frame-slot queues of work to run once that slot's fence signals.
	deferred map[int][]func()

	// Invoked after an underlying object is torn down, with the now-stale
	// handle. The barrier planner hooks this to drop its tracking state.
	onTeardown func(renderer.Handle)
}

func New(device renderer.Device) *Registry {
	return &Registry{
		device:   device,
		deferred: make(map[int][]func()),
	}
}

// SetTeardownHook registers fn to run while no lock is held after an object
// is destroyed.
func (r *Registry) SetTeardownHook(fn func(renderer.Handle)) {
	r.mu.Lock()
	r.onTeardown = fn
	r.mu.Unlock()
}

func (r *Registry) CreateBuffer(desc renderer.BufferDescriptor) (renderer.Handle, error) {
	if desc.Size == 0 {
		return renderer.Handle{}, fmt.Errorf("%w: zero-sized buffer", core.ErrInvalidDescriptor)
	}
	obj, err := r.device.CreateBuffer(desc)
	if err != nil {
		return renderer.Handle{}, err
	}
	e := &entry{kind: renderer.ResourceKindBuffer, buffer: obj, bufferDesc: desc}
	return r.insert(e), nil
}

func (r *Registry) CreateImage(desc renderer.ImageDescriptor) (renderer.Handle, error) {
	if desc.Width == 0 || desc.Height == 0 {
		return renderer.Handle{}, fmt.Errorf("%w: zero-extent image %dx%d", core.ErrInvalidDescriptor, desc.Width, desc.Height)
	}
	if desc.Format == renderer.FormatUndefined {
		return renderer.Handle{}, fmt.Errorf("%w: image format undefined", core.ErrInvalidDescriptor)
	}
	obj, err := r.device.CreateImage(desc)
	if err != nil {
		return renderer.Handle{}, err
	}
	e := &entry{kind: renderer.ResourceKindImage, image: obj, imageDesc: desc}
	return r.insert(e), nil
}

func (r *Registry) CreatePipeline(desc renderer.PipelineDescriptor) (renderer.Handle, error) {
	if desc.VertexShaderPath == "" || desc.FragmentShaderPath == "" {
		return renderer.Handle{}, fmt.Errorf("%w: pipeline %q missing shader stages", core.ErrInvalidDescriptor, desc.Name)
	}
	obj, err := r.device.CreatePipeline(desc)
	if err != nil {
		return renderer.Handle{}, err
	}
	e := &entry{kind: renderer.ResourceKindPipeline, pipeline: obj, pipelineDesc: desc}
	return r.insert(e), nil
}

func (r *Registry) insert(e *entry) renderer.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	e.refs = 1
	e.live = true

	var index uint32
	if n := len(r.free); n > 0 {
		index = r.free[n-1]
		r.free = r.free[:n-1]
		e.generation = r.entries[index].generation
		r.entries[index] = e
	} else {
		index = uint32(len(r.entries))
		e.generation = 1
		r.entries = append(r.entries, e)
	}

	h := renderer.Handle{Index: index, Generation: e.generation, Kind: e.kind}
	core.LogDebug("registry: created %s", h)
	return h
}

// lookup returns the live entry for h. Caller holds at least a read lock.
func (r *Registry) lookup(h renderer.Handle) (*entry, error) {
	if int(h.Index) >= len(r.entries) {
		return nil, fmt.Errorf("%w: %s", core.ErrHandleNotFound, h)
	}
	e := r.entries[h.Index]
	if !e.live || e.generation != h.Generation || e.kind != h.Kind {
		return nil, fmt.Errorf("%w: %s", core.ErrHandleNotFound, h)
	}
	return e, nil
}

// Get resolves h, detecting use-after-free at the handle layer rather than
// the hardware layer.
func (r *Registry) Get(h renderer.Handle) (ResourceView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, err := r.lookup(h)
	if err != nil {
		return ResourceView{}, err
	}
	return ResourceView{
		Handle:       h,
		Kind:         e.kind,
		Buffer:       e.buffer,
		Image:        e.image,
		Pipeline:     e.pipeline,
		BufferDesc:   e.bufferDesc,
		ImageDesc:    e.imageDesc,
		PipelineDesc: e.pipelineDesc,
	}, nil
}

func (r *Registry) AddRef(h renderer.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(h)
	if err != nil {
		return err
	}
	e.refs++
	return nil
}

// Destroy drops one reference. The underlying object is torn down only when
// the count reaches zero.
func (r *Registry) Destroy(h renderer.Handle) error {
	r.mu.Lock()
	e, err := r.lookup(h)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	hook := r.teardownLocked(h, e)
	r.mu.Unlock()

	if hook != nil {
		hook(h)
	}
	return nil
}

// teardownLocked frees the device object and retires the slot. Returns the
// teardown hook to invoke once the lock is released.
func (r *Registry) teardownLocked(h renderer.Handle, e *entry) func(renderer.Handle) {
	switch e.kind {
	case renderer.ResourceKindBuffer:
		e.buffer.Destroy()
		e.buffer = nil
	case renderer.ResourceKindImage:
		e.image.Destroy()
		e.image = nil
	case renderer.ResourceKindPipeline:
		e.pipeline.Destroy()
		e.pipeline = nil
	}
	e.live = false
	// Bump the generation so a reuse of this index cannot satisfy the stale
	// handle.
	e.generation++
	r.free = append(r.free, h.Index)

	core.LogDebug("registry: destroyed %s", h)
	return r.onTeardown
}

// DeferDestroy queues the reference drop until Collect runs for frameSlot,
// i.e. until that frame slot's fence has signaled and the GPU can no longer
// reference the resource.
func (r *Registry) DeferDestroy(h renderer.Handle, frameSlot int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.lookup(h); err != nil {
		return err
	}
	r.deferred[frameSlot] = append(r.deferred[frameSlot], func() {
		if err := r.Destroy(h); err != nil {
			core.LogWarn("deferred destroy of %s: %s", h, err)
		}
	})
	return nil
}

// Collect runs the deferred work queued against frameSlot. The scheduler
// calls this right after waiting the slot's fence.
func (r *Registry) Collect(frameSlot int) {
	r.mu.Lock()
	work := r.deferred[frameSlot]
	delete(r.deferred, frameSlot)
	r.mu.Unlock()

	for _, fn := range work {
		fn()
	}
}

// CollectAll drains every per-slot queue. Valid only after a full drain of
// the frame slots.
func (r *Registry) CollectAll() {
	r.mu.Lock()
	var work []func()
	for slot, fns := range r.deferred {
		work = append(work, fns...)
		delete(r.deferred, slot)
	}
	r.mu.Unlock()

	for _, fn := range work {
		fn()
	}
}

// Live reports the number of live handles, for leak checks at shutdown and
// after surface recreation.
func (r *Registry) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, e := range r.entries {
		if e.live {
			n++
		}
	}
	return n
}
