package vulkan

import (
	"fmt"
	"math"
	"time"

	vk "github.com/goki/vulkan"

	"github.com/lodestar-engine/lodestar/engine/core"
	enginemath "github.com/lodestar-engine/lodestar/engine/math"
	"github.com/lodestar-engine/lodestar/engine/renderer"
)

// Surface is the Vulkan implementation of renderer.Surface: a swapchain, a
// color-only render pass targeting it and one framebuffer per swapchain
// image. The swapchain decides its own image count; callers read it back
// through ImageCount after every Configure.
type Surface struct {
	ctx    *Context
	device *Device

	swapchain  vk.Swapchain
	format     vk.SurfaceFormat
	renderPass vk.RenderPass

	images       []vk.Image
	views        []vk.ImageView
	framebuffers []vk.Framebuffer

	width  uint32
	height uint32
}

// NewSurface builds the swapchain for the device's window surface and binds
// itself as the device's presentation target.
func NewSurface(device *Device, width, height uint32) (*Surface, error) {
	s := &Surface{
		ctx:    device.ctx,
		device: device,
	}
	if err := s.createSwapchain(width, height); err != nil {
		return nil, err
	}
	if err := s.createRenderPass(); err != nil {
		s.destroySwapchain()
		return nil, err
	}
	if err := s.createFramebuffers(); err != nil {
		s.Destroy()
		return nil, err
	}
	device.surface = s
	core.LogInfo("surface ready: %dx%d, %d images", s.width, s.height, len(s.images))
	return s, nil
}

func (s *Surface) ImageCount() int {
	return len(s.images)
}

func (s *Surface) Extent() (uint32, uint32) {
	return s.width, s.height
}

func (s *Surface) Acquire(timeout time.Duration, signal renderer.Semaphore) (int, error) {
	sem, ok := signal.(*semaphore)
	if !ok {
		return -1, fmt.Errorf("%w: foreign acquire semaphore", core.ErrInvalidDescriptor)
	}

	var imageIndex uint32
	result := vk.AcquireNextImage(s.ctx.LogicalDevice, s.swapchain, uint64(timeout.Nanoseconds()), sem.handle, vk.NullFence, &imageIndex)
	switch result {
	case vk.Success:
		return int(imageIndex), nil
	case vk.Suboptimal:
		return int(imageIndex), core.ErrSurfaceSuboptimal
	case vk.ErrorOutOfDate:
		return -1, core.ErrSurfaceOutOfDate
	case vk.Timeout, vk.NotReady:
		return -1, core.ErrFenceTimeout
	}
	return -1, vkErr("vkAcquireNextImageKHR", result)
}

func (s *Surface) Present(imageIndex int, wait renderer.Semaphore) error {
	sem, ok := wait.(*semaphore)
	if !ok {
		return fmt.Errorf("%w: foreign present semaphore", core.ErrInvalidDescriptor)
	}
	if imageIndex < 0 || imageIndex >= len(s.images) {
		return fmt.Errorf("%w: present of image %d, surface has %d", core.ErrInvalidDescriptor, imageIndex, len(s.images))
	}

	presentInfo := vk.PresentInfo{
		SType:              vk.StructureTypePresentInfo,
		WaitSemaphoreCount: 1,
		PWaitSemaphores:    []vk.Semaphore{sem.handle},
		SwapchainCount:     1,
		PSwapchains:        []vk.Swapchain{s.swapchain},
		PImageIndices:      []uint32{uint32(imageIndex)},
	}

	result := vk.QueuePresent(s.ctx.PresentQueue, &presentInfo)
	switch result {
	case vk.Success:
		return nil
	case vk.Suboptimal:
		return core.ErrSurfaceSuboptimal
	case vk.ErrorOutOfDate:
		return core.ErrSurfaceOutOfDate
	}
	return vkErr("vkQueuePresentKHR", result)
}

// Configure tears the swapchain down and rebuilds it at the new extent.
// Callers must have drained all in-flight submissions first; the swapchain
// images may still be referenced by queued work otherwise.
func (s *Surface) Configure(width, height uint32) error {
	s.destroyFramebuffers()
	s.destroySwapchain()
	if err := s.createSwapchain(width, height); err != nil {
		return err
	}
	if err := s.createFramebuffers(); err != nil {
		return err
	}
	core.LogInfo("surface reconfigured: %dx%d, %d images", s.width, s.height, len(s.images))
	return nil
}

func (s *Surface) Destroy() {
	s.destroyFramebuffers()
	if s.renderPass != nil {
		vk.DestroyRenderPass(s.ctx.LogicalDevice, s.renderPass, s.ctx.Allocator)
		s.renderPass = nil
	}
	s.destroySwapchain()
	if s.device != nil && s.device.surface == s {
		s.device.surface = nil
	}
}

func (s *Surface) createSwapchain(width, height uint32) error {
	var capabilities vk.SurfaceCapabilities
	if res := vk.GetPhysicalDeviceSurfaceCapabilities(s.ctx.PhysicalDevice, s.ctx.VkSurface, &capabilities); res != vk.Success {
		return vkErr("vkGetPhysicalDeviceSurfaceCapabilitiesKHR", res)
	}
	capabilities.Deref()
	capabilities.CurrentExtent.Deref()
	capabilities.MinImageExtent.Deref()
	capabilities.MaxImageExtent.Deref()

	var formatCount uint32
	if res := vk.GetPhysicalDeviceSurfaceFormats(s.ctx.PhysicalDevice, s.ctx.VkSurface, &formatCount, nil); res != vk.Success {
		return vkErr("vkGetPhysicalDeviceSurfaceFormatsKHR", res)
	}
	formats := make([]vk.SurfaceFormat, formatCount)
	if res := vk.GetPhysicalDeviceSurfaceFormats(s.ctx.PhysicalDevice, s.ctx.VkSurface, &formatCount, formats); res != vk.Success {
		return vkErr("vkGetPhysicalDeviceSurfaceFormatsKHR", res)
	}
	s.format = formats[0]
	s.format.Deref()
	for i := range formats {
		formats[i].Deref()
		if formats[i].Format == vk.FormatB8g8r8a8Unorm && formats[i].ColorSpace == vk.ColorSpaceSrgbNonlinear {
			s.format = formats[i]
			break
		}
	}

	var presentModeCount uint32
	if res := vk.GetPhysicalDeviceSurfacePresentModes(s.ctx.PhysicalDevice, s.ctx.VkSurface, &presentModeCount, nil); res != vk.Success {
		return vkErr("vkGetPhysicalDeviceSurfacePresentModesKHR", res)
	}
	presentModes := make([]vk.PresentMode, presentModeCount)
	if res := vk.GetPhysicalDeviceSurfacePresentModes(s.ctx.PhysicalDevice, s.ctx.VkSurface, &presentModeCount, presentModes); res != vk.Success {
		return vkErr("vkGetPhysicalDeviceSurfacePresentModesKHR", res)
	}
	presentMode := vk.PresentModeFifo
	for _, mode := range presentModes {
		if mode == vk.PresentModeMailbox {
			presentMode = mode
			break
		}
	}

	extent := vk.Extent2D{Width: width, Height: height}
	if capabilities.CurrentExtent.Width != math.MaxUint32 {
		extent = capabilities.CurrentExtent
	}
	extent.Width = enginemath.Clamp(extent.Width, capabilities.MinImageExtent.Width, capabilities.MaxImageExtent.Width)
	extent.Height = enginemath.Clamp(extent.Height, capabilities.MinImageExtent.Height, capabilities.MaxImageExtent.Height)

	imageCount := capabilities.MinImageCount + 1
	if capabilities.MaxImageCount > 0 && imageCount > capabilities.MaxImageCount {
		imageCount = capabilities.MaxImageCount
	}

	createInfo := vk.SwapchainCreateInfo{
		SType:            vk.StructureTypeSwapchainCreateInfo,
		Surface:          s.ctx.VkSurface,
		MinImageCount:    imageCount,
		ImageFormat:      s.format.Format,
		ImageColorSpace:  s.format.ColorSpace,
		ImageExtent:      extent,
		ImageArrayLayers: 1,
		ImageUsage:       vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit),
		PreTransform:     capabilities.CurrentTransform,
		CompositeAlpha:   vk.CompositeAlphaOpaqueBit,
		PresentMode:      presentMode,
		Clipped:          vk.True,
	}
	if s.ctx.GraphicsQueueIndex != s.ctx.PresentQueueIndex {
		createInfo.ImageSharingMode = vk.SharingModeConcurrent
		createInfo.QueueFamilyIndexCount = 2
		createInfo.PQueueFamilyIndices = []uint32{s.ctx.GraphicsQueueIndex, s.ctx.PresentQueueIndex}
	} else {
		createInfo.ImageSharingMode = vk.SharingModeExclusive
	}

	var swapchain vk.Swapchain
	if res := vk.CreateSwapchain(s.ctx.LogicalDevice, &createInfo, s.ctx.Allocator, &swapchain); res != vk.Success {
		return vkErr("vkCreateSwapchainKHR", res)
	}
	s.swapchain = swapchain
	s.width = extent.Width
	s.height = extent.Height

	var actualCount uint32
	if res := vk.GetSwapchainImages(s.ctx.LogicalDevice, s.swapchain, &actualCount, nil); res != vk.Success {
		return vkErr("vkGetSwapchainImagesKHR", res)
	}
	s.images = make([]vk.Image, actualCount)
	if res := vk.GetSwapchainImages(s.ctx.LogicalDevice, s.swapchain, &actualCount, s.images); res != vk.Success {
		return vkErr("vkGetSwapchainImagesKHR", res)
	}

	s.views = make([]vk.ImageView, actualCount)
	for i := range s.images {
		viewInfo := vk.ImageViewCreateInfo{
			SType:    vk.StructureTypeImageViewCreateInfo,
			Image:    s.images[i],
			ViewType: vk.ImageViewType2d,
			Format:   s.format.Format,
			SubresourceRange: vk.ImageSubresourceRange{
				AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
				LevelCount: 1,
				LayerCount: 1,
			},
		}
		if res := vk.CreateImageView(s.ctx.LogicalDevice, &viewInfo, s.ctx.Allocator, &s.views[i]); res != vk.Success {
			return vkErr("vkCreateImageView", res)
		}
	}
	return nil
}

func (s *Surface) createRenderPass() error {
	colorAttachment := vk.AttachmentDescription{
		Format:         s.format.Format,
		Samples:        vk.SampleCount1Bit,
		LoadOp:         vk.AttachmentLoadOpClear,
		StoreOp:        vk.AttachmentStoreOpStore,
		StencilLoadOp:  vk.AttachmentLoadOpDontCare,
		StencilStoreOp: vk.AttachmentStoreOpDontCare,
		InitialLayout:  vk.ImageLayoutUndefined,
		FinalLayout:    vk.ImageLayoutPresentSrc,
	}

	colorReference := vk.AttachmentReference{
		Attachment: 0,
		Layout:     vk.ImageLayoutColorAttachmentOptimal,
	}
	subpass := vk.SubpassDescription{
		PipelineBindPoint:    vk.PipelineBindPointGraphics,
		ColorAttachmentCount: 1,
		PColorAttachments:    []vk.AttachmentReference{colorReference},
	}

	dependency := vk.SubpassDependency{
		SrcSubpass:    vk.SubpassExternal,
		DstSubpass:    0,
		SrcStageMask:  vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
		SrcAccessMask: 0,
		DstStageMask:  vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
		DstAccessMask: vk.AccessFlags(vk.AccessColorAttachmentWriteBit),
	}

	createInfo := vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: 1,
		PAttachments:    []vk.AttachmentDescription{colorAttachment},
		SubpassCount:    1,
		PSubpasses:      []vk.SubpassDescription{subpass},
		DependencyCount: 1,
		PDependencies:   []vk.SubpassDependency{dependency},
	}

	var renderPass vk.RenderPass
	if res := vk.CreateRenderPass(s.ctx.LogicalDevice, &createInfo, s.ctx.Allocator, &renderPass); res != vk.Success {
		return vkErr("vkCreateRenderPass", res)
	}
	s.renderPass = renderPass
	return nil
}

func (s *Surface) createFramebuffers() error {
	s.framebuffers = make([]vk.Framebuffer, len(s.views))
	for i := range s.views {
		createInfo := vk.FramebufferCreateInfo{
			SType:           vk.StructureTypeFramebufferCreateInfo,
			RenderPass:      s.renderPass,
			AttachmentCount: 1,
			PAttachments:    []vk.ImageView{s.views[i]},
			Width:           s.width,
			Height:          s.height,
			Layers:          1,
		}
		if res := vk.CreateFramebuffer(s.ctx.LogicalDevice, &createInfo, s.ctx.Allocator, &s.framebuffers[i]); res != vk.Success {
			return vkErr("vkCreateFramebuffer", res)
		}
	}
	return nil
}

// beginPass opens the render pass on the given swapchain image and resets
// the dynamic viewport and scissor to the full extent.
func (s *Surface) beginPass(cb vk.CommandBuffer, imageIndex int, clear [4]float32) {
	var clearValue vk.ClearValue
	clearValue.SetColor(clear[:])

	beginInfo := vk.RenderPassBeginInfo{
		SType:       vk.StructureTypeRenderPassBeginInfo,
		RenderPass:  s.renderPass,
		Framebuffer: s.framebuffers[imageIndex],
		RenderArea: vk.Rect2D{
			Extent: vk.Extent2D{Width: s.width, Height: s.height},
		},
		ClearValueCount: 1,
		PClearValues:    []vk.ClearValue{clearValue},
	}
	vk.CmdBeginRenderPass(cb, &beginInfo, vk.SubpassContentsInline)

	viewport := vk.Viewport{
		X:        0,
		Y:        float32(s.height),
		Width:    float32(s.width),
		Height:   -float32(s.height),
		MinDepth: 0,
		MaxDepth: 1,
	}
	vk.CmdSetViewport(cb, 0, 1, []vk.Viewport{viewport})

	scissor := vk.Rect2D{Extent: vk.Extent2D{Width: s.width, Height: s.height}}
	vk.CmdSetScissor(cb, 0, 1, []vk.Rect2D{scissor})
}

func (s *Surface) destroyFramebuffers() {
	for _, fb := range s.framebuffers {
		vk.DestroyFramebuffer(s.ctx.LogicalDevice, fb, s.ctx.Allocator)
	}
	s.framebuffers = nil
}

func (s *Surface) destroySwapchain() {
	for _, view := range s.views {
		vk.DestroyImageView(s.ctx.LogicalDevice, view, s.ctx.Allocator)
	}
	s.views = nil
	s.images = nil
	if s.swapchain != nil {
		vk.DestroySwapchain(s.ctx.LogicalDevice, s.swapchain, s.ctx.Allocator)
		s.swapchain = nil
	}
}
