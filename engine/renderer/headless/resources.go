package headless

import (
	"sync"

	"github.com/lodestar-engine/lodestar/engine/renderer"
)

type buffer struct {
	device    *Device
	desc      renderer.BufferDescriptor
	mu        sync.Mutex
	data      []byte
	destroyed bool
}

func (b *buffer) Size() uint64 {
	return b.desc.Size
}

func (b *buffer) write(offset uint64, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed || b.data == nil {
		b.device.recordValidation("host write into destroyed or device-local buffer")
		return
	}
	copy(b.data[offset:], data)
}

// Contents returns a copy of the host-visible backing store, for tests.
func (b *buffer) Contents() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

func (b *buffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		b.device.recordValidation("buffer destroyed twice")
		return
	}
	b.destroyed = true
	b.device.release(b.desc.Size)
}

type image struct {
	device    *Device
	desc      renderer.ImageDescriptor
	bytes     uint64
	mu        sync.Mutex
	destroyed bool
}

func (i *image) Extent() (uint32, uint32) {
	return i.desc.Width, i.desc.Height
}

func (i *image) Destroy() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.destroyed {
		i.device.recordValidation("image destroyed twice")
		return
	}
	i.destroyed = true
	i.device.release(i.bytes)
}

// Destroyed reports whether the underlying object was torn down, for tests
// asserting deferred-destroy timing.
func (i *image) Destroyed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.destroyed
}

func (b *buffer) Destroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}

type pipeline struct {
	device    *Device
	desc      renderer.PipelineDescriptor
	mu        sync.Mutex
	destroyed bool
}

func (p *pipeline) Name() string {
	return p.desc.Name
}

func (p *pipeline) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		p.device.recordValidation("pipeline destroyed twice")
		return
	}
	p.destroyed = true
}

func (p *pipeline) Destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}
