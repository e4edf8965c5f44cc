package vulkan

import (
	"fmt"
	"runtime"

	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/goki/vulkan"

	"github.com/lodestar-engine/lodestar/engine/core"
	"github.com/lodestar-engine/lodestar/engine/renderer"
)

// Device is the Vulkan implementation of renderer.Device. It owns the
// instance, the logical device and the graphics command pool; the surface
// owns the swapchain and borrows the context.
type Device struct {
	ctx     *Context
	window  *glfw.Window
	surface *Surface
	debug   bool

	// Command buffers submitted but not yet retired, reaped by fence status.
	inflight []pendingCommands
}

type pendingCommands struct {
	commandBuffer vk.CommandBuffer
	fence         vk.Fence
}

// NewDevice brings up a Vulkan instance and logical device against the given
// window. Validation layers are requested when debug is set.
func NewDevice(window *glfw.Window, appName string, debug bool) (*Device, error) {
	procAddr := glfw.GetVulkanGetInstanceProcAddress()
	if procAddr == nil {
		err := fmt.Errorf("vulkan loader not available")
		core.LogError(err.Error())
		return nil, err
	}
	vk.SetGetInstanceProcAddr(procAddr)
	if err := vk.Init(); err != nil {
		core.LogError("failed to initialize vulkan: %s", err)
		return nil, err
	}

	d := &Device{
		ctx:    &Context{},
		window: window,
		debug:  debug,
	}

	if err := d.createInstance(appName); err != nil {
		return nil, err
	}

	surface, err := window.CreateWindowSurface(d.ctx.Instance, nil)
	if err != nil {
		core.LogError("failed to create window surface: %s", err)
		return nil, err
	}
	d.ctx.VkSurface = vk.SurfaceFromPointer(surface)

	if err := d.selectPhysicalDevice(); err != nil {
		return nil, err
	}
	if err := d.createLogicalDevice(); err != nil {
		return nil, err
	}

	poolInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: d.ctx.GraphicsQueueIndex,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}
	if res := vk.CreateCommandPool(d.ctx.LogicalDevice, &poolInfo, d.ctx.Allocator, &d.ctx.CommandPool); res != vk.Success {
		return nil, vkErr("vkCreateCommandPool", res)
	}

	core.LogInfo("vulkan device initialized")
	return d, nil
}

func (d *Device) createInstance(appName string) error {
	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 0, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   safeString(appName),
		PEngineName:        safeString("Lodestar Engine"),
	}

	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	extensions := []string{"VK_KHR_surface"}
	extensions = append(extensions, d.window.GetRequiredInstanceExtensions()...)
	if runtime.GOOS == "darwin" {
		extensions = append(extensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
		createInfo.Flags |= 1
	}
	if d.debug {
		extensions = append(extensions, vk.ExtDebugUtilsExtensionName)
	}
	createInfo.EnabledExtensionCount = uint32(len(extensions))
	createInfo.PpEnabledExtensionNames = safeStrings(extensions)

	layers := []string{}
	if d.debug {
		layers = append(layers, "VK_LAYER_KHRONOS_validation")
		if !instanceLayersAvailable(layers) {
			core.LogWarn("validation layers requested but not available, continuing without")
			layers = layers[:0]
		}
	}
	createInfo.EnabledLayerCount = uint32(len(layers))
	createInfo.PpEnabledLayerNames = safeStrings(layers)

	var instance vk.Instance
	if res := vk.CreateInstance(&createInfo, d.ctx.Allocator, &instance); res != vk.Success {
		return vkErr("vkCreateInstance", res)
	}
	d.ctx.Instance = instance
	vk.InitInstance(instance)
	return nil
}

func instanceLayersAvailable(required []string) bool {
	var count uint32
	if res := vk.EnumerateInstanceLayerProperties(&count, nil); res != vk.Success {
		return false
	}
	available := make([]vk.LayerProperties, count)
	if res := vk.EnumerateInstanceLayerProperties(&count, available); res != vk.Success {
		return false
	}

	for _, name := range required {
		found := false
		for i := range available {
			available[i].Deref()
			if vk.ToString(available[i].LayerName[:]) == name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (d *Device) selectPhysicalDevice() error {
	var count uint32
	if res := vk.EnumeratePhysicalDevices(d.ctx.Instance, &count, nil); res != vk.Success {
		return vkErr("vkEnumeratePhysicalDevices", res)
	}
	if count == 0 {
		err := fmt.Errorf("no vulkan capable devices found")
		core.LogError(err.Error())
		return err
	}
	devices := make([]vk.PhysicalDevice, count)
	if res := vk.EnumeratePhysicalDevices(d.ctx.Instance, &count, devices); res != vk.Success {
		return vkErr("vkEnumeratePhysicalDevices", res)
	}

	for _, candidate := range devices {
		graphics, present, ok := queueFamilies(candidate, d.ctx.VkSurface)
		if !ok {
			continue
		}

		var properties vk.PhysicalDeviceProperties
		vk.GetPhysicalDeviceProperties(candidate, &properties)
		properties.Deref()
		core.LogInfo("selected GPU: %s", vk.ToString(properties.DeviceName[:]))

		d.ctx.PhysicalDevice = candidate
		d.ctx.GraphicsQueueIndex = graphics
		d.ctx.PresentQueueIndex = present
		return nil
	}

	err := fmt.Errorf("no device with graphics and present support")
	core.LogError(err.Error())
	return err
}

func queueFamilies(device vk.PhysicalDevice, surface vk.Surface) (graphics, present uint32, ok bool) {
	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(device, &count, nil)
	families := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(device, &count, families)

	foundGraphics, foundPresent := false, false
	for i := range families {
		families[i].Deref()
		if families[i].QueueFlags&vk.QueueFlags(vk.QueueGraphicsBit) != 0 && !foundGraphics {
			graphics = uint32(i)
			foundGraphics = true
		}
		var supported vk.Bool32
		if res := vk.GetPhysicalDeviceSurfaceSupport(device, uint32(i), surface, &supported); res == vk.Success && supported == vk.True && !foundPresent {
			present = uint32(i)
			foundPresent = true
		}
	}
	return graphics, present, foundGraphics && foundPresent
}

func (d *Device) createLogicalDevice() error {
	indices := []uint32{d.ctx.GraphicsQueueIndex}
	if d.ctx.PresentQueueIndex != d.ctx.GraphicsQueueIndex {
		indices = append(indices, d.ctx.PresentQueueIndex)
	}

	priority := float32(1.0)
	queueInfos := make([]vk.DeviceQueueCreateInfo, len(indices))
	for i, index := range indices {
		queueInfos[i] = vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: index,
			QueueCount:       1,
			PQueuePriorities: []float32{priority},
		}
	}

	extensions := []string{vk.KhrSwapchainExtensionName}
	if runtime.GOOS == "darwin" {
		extensions = append(extensions, "VK_KHR_portability_subset")
	}

	createInfo := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueInfos)),
		PQueueCreateInfos:       queueInfos,
		PEnabledFeatures:        []vk.PhysicalDeviceFeatures{{}},
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: safeStrings(extensions),
	}

	var device vk.Device
	if res := vk.CreateDevice(d.ctx.PhysicalDevice, &createInfo, d.ctx.Allocator, &device); res != vk.Success {
		return vkErr("vkCreateDevice", res)
	}
	d.ctx.LogicalDevice = device

	vk.GetDeviceQueue(device, d.ctx.GraphicsQueueIndex, 0, &d.ctx.GraphicsQueue)
	vk.GetDeviceQueue(device, d.ctx.PresentQueueIndex, 0, &d.ctx.PresentQueue)
	return nil
}

func (d *Device) CreateFence(signaled bool) (renderer.Fence, error) {
	return newFence(d.ctx, signaled)
}

func (d *Device) CreateSemaphore() (renderer.Semaphore, error) {
	return newSemaphore(d.ctx)
}

func (d *Device) CreateBuffer(desc renderer.BufferDescriptor) (renderer.Buffer, error) {
	return newBuffer(d.ctx, desc)
}

func (d *Device) CreateImage(desc renderer.ImageDescriptor) (renderer.Image, error) {
	return newImage(d.ctx, desc)
}

func (d *Device) CreatePipeline(desc renderer.PipelineDescriptor) (renderer.Pipeline, error) {
	if d.surface == nil {
		return nil, fmt.Errorf("%w: pipeline created before surface", core.ErrInvalidState)
	}
	return newPipeline(d.ctx, d.surface.renderPass, desc)
}

// Submit records the command stream into a fresh command buffer and queues
// it. The buffer is freed once the submission's fence reports completion.
func (d *Device) Submit(sub renderer.Submission) error {
	d.reap()

	fenceObj, ok := sub.Fence.(*fence)
	if !ok && sub.Fence != nil {
		return fmt.Errorf("%w: foreign fence in submission %s", core.ErrInvalidDescriptor, sub.SessionID)
	}
	waits, ok := semaphoreHandles(sub.Wait)
	if !ok {
		return fmt.Errorf("%w: foreign wait semaphore in submission %s", core.ErrInvalidDescriptor, sub.SessionID)
	}
	signals, ok := semaphoreHandles(sub.Signal)
	if !ok {
		return fmt.Errorf("%w: foreign signal semaphore in submission %s", core.ErrInvalidDescriptor, sub.SessionID)
	}

	commandBuffer, err := d.recordCommands(sub.Commands)
	if err != nil {
		return err
	}

	submitInfo := vk.SubmitInfo{
		SType:                vk.StructureTypeSubmitInfo,
		CommandBufferCount:   1,
		PCommandBuffers:      []vk.CommandBuffer{commandBuffer},
		WaitSemaphoreCount:   uint32(len(waits)),
		PWaitSemaphores:      waits,
		SignalSemaphoreCount: uint32(len(signals)),
		PSignalSemaphores:    signals,
	}
	if len(waits) > 0 {
		stages := make([]vk.PipelineStageFlags, len(waits))
		for i := range stages {
			stages[i] = toVkStage(sub.WaitStage)
		}
		submitInfo.PWaitDstStageMask = stages
	}

	var fenceHandle vk.Fence
	if fenceObj != nil {
		fenceHandle = fenceObj.handle
	}
	if res := vk.QueueSubmit(d.ctx.GraphicsQueue, 1, []vk.SubmitInfo{submitInfo}, fenceHandle); res != vk.Success {
		vk.FreeCommandBuffers(d.ctx.LogicalDevice, d.ctx.CommandPool, 1, []vk.CommandBuffer{commandBuffer})
		return vkErr("vkQueueSubmit", res)
	}

	d.inflight = append(d.inflight, pendingCommands{commandBuffer: commandBuffer, fence: fenceHandle})
	return nil
}

func (d *Device) recordCommands(cmds []renderer.Command) (vk.CommandBuffer, error) {
	allocateInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        d.ctx.CommandPool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}
	commandBuffers := make([]vk.CommandBuffer, 1)
	if res := vk.AllocateCommandBuffers(d.ctx.LogicalDevice, &allocateInfo, commandBuffers); res != vk.Success {
		return nil, vkErr("vkAllocateCommandBuffers", res)
	}
	cb := commandBuffers[0]

	beginInfo := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}
	if res := vk.BeginCommandBuffer(cb, &beginInfo); res != vk.Success {
		return nil, vkErr("vkBeginCommandBuffer", res)
	}

	for i := range cmds {
		if err := d.recordOne(cb, &cmds[i]); err != nil {
			return nil, err
		}
	}

	if res := vk.EndCommandBuffer(cb); res != vk.Success {
		return nil, vkErr("vkEndCommandBuffer", res)
	}
	return cb, nil
}

func (d *Device) recordOne(cb vk.CommandBuffer, cmd *renderer.Command) error {
	switch cmd.Type {
	case renderer.CommandHostWrite:
		// Host-coherent memory, visible by submission time without a flush.
		target, ok := cmd.HostWrite.Target.(*buffer)
		if !ok || target.mapped == nil {
			return fmt.Errorf("%w: host write into non-mappable buffer %s", core.ErrInvalidDescriptor, cmd.HostWrite.Buffer)
		}
		target.write(cmd.HostWrite.Offset, cmd.HostWrite.Data)

	case renderer.CommandBeginPass:
		if d.surface == nil {
			return fmt.Errorf("%w: pass without a surface", core.ErrInvalidState)
		}
		d.surface.beginPass(cb, cmd.ImageIndex, cmd.ClearColor)

	case renderer.CommandEndPass:
		vk.CmdEndRenderPass(cb)

	case renderer.CommandBindPipeline:
		p, ok := cmd.PipelineObj.(*pipeline)
		if !ok {
			return fmt.Errorf("%w: foreign pipeline %s", core.ErrInvalidDescriptor, cmd.Pipeline)
		}
		vk.CmdBindPipeline(cb, vk.PipelineBindPointGraphics, p.handle)

	case renderer.CommandDraw:
		if b, ok := cmd.Draw.VertexBufferObj.(*buffer); ok && b != nil {
			vk.CmdBindVertexBuffers(cb, 0, 1, []vk.Buffer{b.handle}, []vk.DeviceSize{0})
		}
		vk.CmdDraw(cb, cmd.Draw.VertexCount, cmd.Draw.InstanceCount, cmd.Draw.FirstVertex, 0)

	case renderer.CommandCopy:
		return d.recordCopy(cb, cmd.Copy)

	case renderer.CommandBarrier:
		d.recordBarrier(cb, cmd)
	}
	return nil
}

func (d *Device) recordCopy(cb vk.CommandBuffer, cp *renderer.CopyCommand) error {
	srcBuf, srcIsBuf := cp.SrcBuffer.(*buffer)
	dstBuf, dstIsBuf := cp.DstBuffer.(*buffer)
	srcImg, srcIsImg := cp.SrcImage.(*image)
	dstImg, dstIsImg := cp.DstImage.(*image)

	switch {
	case srcIsBuf && dstIsBuf:
		region := vk.BufferCopy{
			SrcOffset: vk.DeviceSize(cp.SrcOffset),
			DstOffset: vk.DeviceSize(cp.DstOffset),
			Size:      vk.DeviceSize(cp.Size),
		}
		vk.CmdCopyBuffer(cb, srcBuf.handle, dstBuf.handle, 1, []vk.BufferCopy{region})

	case srcIsBuf && dstIsImg:
		region := vk.BufferImageCopy{
			BufferOffset: vk.DeviceSize(cp.SrcOffset),
			ImageSubresource: vk.ImageSubresourceLayers{
				AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
				LayerCount: 1,
			},
			ImageExtent: vk.Extent3D{Width: dstImg.desc.Width, Height: dstImg.desc.Height, Depth: 1},
		}
		vk.CmdCopyBufferToImage(cb, srcBuf.handle, dstImg.handle, vk.ImageLayoutTransferDstOptimal, 1, []vk.BufferImageCopy{region})

	case srcIsImg && dstIsBuf:
		region := vk.BufferImageCopy{
			BufferOffset: vk.DeviceSize(cp.DstOffset),
			ImageSubresource: vk.ImageSubresourceLayers{
				AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
				LayerCount: 1,
			},
			ImageExtent: vk.Extent3D{Width: srcImg.desc.Width, Height: srcImg.desc.Height, Depth: 1},
		}
		vk.CmdCopyImageToBuffer(cb, srcImg.handle, vk.ImageLayoutTransferSrcOptimal, dstBuf.handle, 1, []vk.BufferImageCopy{region})

	case srcIsImg && dstIsImg:
		region := vk.ImageCopy{
			SrcSubresource: vk.ImageSubresourceLayers{AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit), LayerCount: 1},
			DstSubresource: vk.ImageSubresourceLayers{AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit), LayerCount: 1},
			Extent:         vk.Extent3D{Width: srcImg.desc.Width, Height: srcImg.desc.Height, Depth: 1},
		}
		vk.CmdCopyImage(cb, srcImg.handle, vk.ImageLayoutTransferSrcOptimal, dstImg.handle, vk.ImageLayoutTransferDstOptimal, 1, []vk.ImageCopy{region})

	default:
		return fmt.Errorf("%w: unsupported copy %s -> %s", core.ErrInvalidDescriptor, cp.Src, cp.Dst)
	}
	return nil
}

func (d *Device) recordBarrier(cb vk.CommandBuffer, cmd *renderer.Command) {
	b := cmd.Barrier
	srcStage := toVkStage(b.SrcStage)
	dstStage := toVkStage(b.DstStage)

	if img, ok := cmd.BarrierImage.(*image); ok && img != nil {
		imageBarrier := vk.ImageMemoryBarrier{
			SType:               vk.StructureTypeImageMemoryBarrier,
			SrcAccessMask:       toVkAccess(b.SrcAccess, b.SrcStage),
			DstAccessMask:       toVkAccess(b.DstAccess, b.DstStage),
			OldLayout:           toVkLayout(b.OldLayout),
			NewLayout:           toVkLayout(b.NewLayout),
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
			DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Image:               img.handle,
			SubresourceRange: vk.ImageSubresourceRange{
				AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
				LevelCount: 1,
				LayerCount: 1,
			},
		}
		vk.CmdPipelineBarrier(cb, srcStage, dstStage, 0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{imageBarrier})
		return
	}

	memoryBarrier := vk.MemoryBarrier{
		SType:         vk.StructureTypeMemoryBarrier,
		SrcAccessMask: toVkAccess(b.SrcAccess, b.SrcStage),
		DstAccessMask: toVkAccess(b.DstAccess, b.DstStage),
	}
	vk.CmdPipelineBarrier(cb, srcStage, dstStage, 0, 1, []vk.MemoryBarrier{memoryBarrier}, 0, nil, 0, nil)
}

// reap frees command buffers whose fences have signaled.
func (d *Device) reap() {
	remaining := d.inflight[:0]
	for _, pending := range d.inflight {
		if pending.fence == nil || vk.GetFenceStatus(d.ctx.LogicalDevice, pending.fence) == vk.Success {
			vk.FreeCommandBuffers(d.ctx.LogicalDevice, d.ctx.CommandPool, 1, []vk.CommandBuffer{pending.commandBuffer})
			continue
		}
		remaining = append(remaining, pending)
	}
	d.inflight = remaining
}

func (d *Device) WaitIdle() error {
	if res := vk.DeviceWaitIdle(d.ctx.LogicalDevice); res != vk.Success {
		return vkErr("vkDeviceWaitIdle", res)
	}
	for _, pending := range d.inflight {
		vk.FreeCommandBuffers(d.ctx.LogicalDevice, d.ctx.CommandPool, 1, []vk.CommandBuffer{pending.commandBuffer})
	}
	d.inflight = nil
	return nil
}

func (d *Device) Destroy() {
	if d.ctx.LogicalDevice == nil {
		return
	}
	vk.DeviceWaitIdle(d.ctx.LogicalDevice)
	d.reap()

	if d.ctx.CommandPool != nil {
		vk.DestroyCommandPool(d.ctx.LogicalDevice, d.ctx.CommandPool, d.ctx.Allocator)
		d.ctx.CommandPool = nil
	}
	vk.DestroyDevice(d.ctx.LogicalDevice, d.ctx.Allocator)
	d.ctx.LogicalDevice = nil

	vk.DestroySurface(d.ctx.Instance, d.ctx.VkSurface, d.ctx.Allocator)
	vk.DestroyInstance(d.ctx.Instance, d.ctx.Allocator)
	d.ctx.Instance = nil
	core.LogInfo("vulkan device destroyed")
}
