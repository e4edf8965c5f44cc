package vulkan

import (
	"time"

	vk "github.com/goki/vulkan"

	"github.com/lodestar-engine/lodestar/engine/core"
	"github.com/lodestar-engine/lodestar/engine/renderer"
)

type fence struct {
	ctx    *Context
	handle vk.Fence
}

func newFence(ctx *Context, signaled bool) (*fence, error) {
	createInfo := vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}
	if signaled {
		createInfo.Flags = vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
	}

	var handle vk.Fence
	if res := vk.CreateFence(ctx.LogicalDevice, &createInfo, ctx.Allocator, &handle); res != vk.Success {
		return nil, vkErr("vkCreateFence", res)
	}
	return &fence{ctx: ctx, handle: handle}, nil
}

func (f *fence) Wait(timeout time.Duration) error {
	result := vk.WaitForFences(f.ctx.LogicalDevice, 1, []vk.Fence{f.handle}, vk.True, uint64(timeout.Nanoseconds()))
	switch result {
	case vk.Success:
		return nil
	case vk.Timeout:
		return core.ErrFenceTimeout
	case vk.ErrorDeviceLost:
		return core.ErrDeviceLost
	}
	return vkErr("vkWaitForFences", result)
}

func (f *fence) Reset() error {
	if res := vk.ResetFences(f.ctx.LogicalDevice, 1, []vk.Fence{f.handle}); res != vk.Success {
		return vkErr("vkResetFences", res)
	}
	return nil
}

func (f *fence) Signaled() bool {
	return vk.GetFenceStatus(f.ctx.LogicalDevice, f.handle) == vk.Success
}

func (f *fence) Destroy() {
	if f.handle != nil {
		vk.DestroyFence(f.ctx.LogicalDevice, f.handle, f.ctx.Allocator)
		f.handle = nil
	}
}

type semaphore struct {
	ctx    *Context
	handle vk.Semaphore
}

func newSemaphore(ctx *Context) (*semaphore, error) {
	createInfo := vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
	}

	var handle vk.Semaphore
	if res := vk.CreateSemaphore(ctx.LogicalDevice, &createInfo, ctx.Allocator, &handle); res != vk.Success {
		return nil, vkErr("vkCreateSemaphore", res)
	}
	return &semaphore{ctx: ctx, handle: handle}, nil
}

func (s *semaphore) Destroy() {
	if s.handle != nil {
		vk.DestroySemaphore(s.ctx.LogicalDevice, s.handle, s.ctx.Allocator)
		s.handle = nil
	}
}

// semaphoreHandles extracts the raw handles from semaphores created by this
// backend. Foreign implementations are a caller bug.
func semaphoreHandles(sems []renderer.Semaphore) ([]vk.Semaphore, bool) {
	out := make([]vk.Semaphore, 0, len(sems))
	for _, s := range sems {
		vs, ok := s.(*semaphore)
		if !ok {
			return nil, false
		}
		out = append(out, vs.handle)
	}
	return out, true
}
