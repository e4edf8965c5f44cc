package vulkan

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/lodestar-engine/lodestar/engine/core"
	"github.com/lodestar-engine/lodestar/engine/renderer"
)

type buffer struct {
	ctx    *Context
	desc   renderer.BufferDescriptor
	handle vk.Buffer
	memory vk.DeviceMemory
	// Persistently mapped pointer, host-visible buffers only.
	mapped unsafe.Pointer
}

func newBuffer(ctx *Context, desc renderer.BufferDescriptor) (*buffer, error) {
	createInfo := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(desc.Size),
		Usage:       toVkBufferUsage(desc.Usage),
		SharingMode: vk.SharingModeExclusive,
	}

	var handle vk.Buffer
	if res := vk.CreateBuffer(ctx.LogicalDevice, &createInfo, ctx.Allocator, &handle); res != vk.Success {
		return nil, vkErr("vkCreateBuffer", res)
	}

	var requirements vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(ctx.LogicalDevice, handle, &requirements)
	requirements.Deref()

	properties := uint32(vk.MemoryPropertyDeviceLocalBit)
	if desc.HostVisible {
		properties = uint32(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit)
	}
	memoryIndex := ctx.findMemoryIndex(requirements.MemoryTypeBits, properties)
	if memoryIndex < 0 {
		vk.DestroyBuffer(ctx.LogicalDevice, handle, ctx.Allocator)
		return nil, fmt.Errorf("%w: no memory type for buffer", core.ErrOutOfMemory)
	}

	allocateInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  requirements.Size,
		MemoryTypeIndex: uint32(memoryIndex),
	}
	var memory vk.DeviceMemory
	if res := vk.AllocateMemory(ctx.LogicalDevice, &allocateInfo, ctx.Allocator, &memory); res != vk.Success {
		vk.DestroyBuffer(ctx.LogicalDevice, handle, ctx.Allocator)
		return nil, vkErr("vkAllocateMemory", res)
	}
	if res := vk.BindBufferMemory(ctx.LogicalDevice, handle, memory, 0); res != vk.Success {
		vk.FreeMemory(ctx.LogicalDevice, memory, ctx.Allocator)
		vk.DestroyBuffer(ctx.LogicalDevice, handle, ctx.Allocator)
		return nil, vkErr("vkBindBufferMemory", res)
	}

	b := &buffer{ctx: ctx, desc: desc, handle: handle, memory: memory}
	if desc.HostVisible {
		if res := vk.MapMemory(ctx.LogicalDevice, memory, 0, vk.DeviceSize(desc.Size), 0, &b.mapped); res != vk.Success {
			b.Destroy()
			return nil, vkErr("vkMapMemory", res)
		}
	}
	return b, nil
}

func (b *buffer) Size() uint64 {
	return b.desc.Size
}

func (b *buffer) write(offset uint64, data []byte) {
	dst := unsafe.Pointer(uintptr(b.mapped) + uintptr(offset))
	vk.Memcopy(dst, data)
}

func (b *buffer) Destroy() {
	if b.mapped != nil {
		vk.UnmapMemory(b.ctx.LogicalDevice, b.memory)
		b.mapped = nil
	}
	if b.handle != nil {
		vk.DestroyBuffer(b.ctx.LogicalDevice, b.handle, b.ctx.Allocator)
		b.handle = nil
	}
	if b.memory != nil {
		vk.FreeMemory(b.ctx.LogicalDevice, b.memory, b.ctx.Allocator)
		b.memory = nil
	}
}

type image struct {
	ctx    *Context
	desc   renderer.ImageDescriptor
	handle vk.Image
	memory vk.DeviceMemory
	view   vk.ImageView
}

func newImage(ctx *Context, desc renderer.ImageDescriptor) (*image, error) {
	createInfo := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Format:    toVkFormat(desc.Format),
		Extent: vk.Extent3D{
			Width:  desc.Width,
			Height: desc.Height,
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         toVkImageUsage(desc.Usage),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}

	var handle vk.Image
	if res := vk.CreateImage(ctx.LogicalDevice, &createInfo, ctx.Allocator, &handle); res != vk.Success {
		return nil, vkErr("vkCreateImage", res)
	}

	var requirements vk.MemoryRequirements
	vk.GetImageMemoryRequirements(ctx.LogicalDevice, handle, &requirements)
	requirements.Deref()

	memoryIndex := ctx.findMemoryIndex(requirements.MemoryTypeBits, uint32(vk.MemoryPropertyDeviceLocalBit))
	if memoryIndex < 0 {
		vk.DestroyImage(ctx.LogicalDevice, handle, ctx.Allocator)
		return nil, fmt.Errorf("%w: no memory type for image", core.ErrOutOfMemory)
	}

	allocateInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  requirements.Size,
		MemoryTypeIndex: uint32(memoryIndex),
	}
	var memory vk.DeviceMemory
	if res := vk.AllocateMemory(ctx.LogicalDevice, &allocateInfo, ctx.Allocator, &memory); res != vk.Success {
		vk.DestroyImage(ctx.LogicalDevice, handle, ctx.Allocator)
		return nil, vkErr("vkAllocateMemory", res)
	}
	if res := vk.BindImageMemory(ctx.LogicalDevice, handle, memory, 0); res != vk.Success {
		vk.FreeMemory(ctx.LogicalDevice, memory, ctx.Allocator)
		vk.DestroyImage(ctx.LogicalDevice, handle, ctx.Allocator)
		return nil, vkErr("vkBindImageMemory", res)
	}

	aspect := vk.ImageAspectFlags(vk.ImageAspectColorBit)
	if desc.Format == renderer.FormatDepth24Stencil8 {
		aspect = vk.ImageAspectFlags(vk.ImageAspectDepthBit)
	}
	viewInfo := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    handle,
		ViewType: vk.ImageViewType2d,
		Format:   createInfo.Format,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: aspect,
			LevelCount: 1,
			LayerCount: 1,
		},
	}
	var view vk.ImageView
	if res := vk.CreateImageView(ctx.LogicalDevice, &viewInfo, ctx.Allocator, &view); res != vk.Success {
		vk.FreeMemory(ctx.LogicalDevice, memory, ctx.Allocator)
		vk.DestroyImage(ctx.LogicalDevice, handle, ctx.Allocator)
		return nil, vkErr("vkCreateImageView", res)
	}

	return &image{ctx: ctx, desc: desc, handle: handle, memory: memory, view: view}, nil
}

func (i *image) Extent() (uint32, uint32) {
	return i.desc.Width, i.desc.Height
}

func (i *image) Destroy() {
	if i.view != nil {
		vk.DestroyImageView(i.ctx.LogicalDevice, i.view, i.ctx.Allocator)
		i.view = nil
	}
	if i.handle != nil {
		vk.DestroyImage(i.ctx.LogicalDevice, i.handle, i.ctx.Allocator)
		i.handle = nil
	}
	if i.memory != nil {
		vk.FreeMemory(i.ctx.LogicalDevice, i.memory, i.ctx.Allocator)
		i.memory = nil
	}
}

type pipeline struct {
	ctx     *Context
	desc    renderer.PipelineDescriptor
	layout  vk.PipelineLayout
	handle  vk.Pipeline
	shaders []vk.ShaderModule
}

func newPipeline(ctx *Context, renderPass vk.RenderPass, desc renderer.PipelineDescriptor) (*pipeline, error) {
	p := &pipeline{ctx: ctx, desc: desc}

	vertStage, err := p.loadShaderStage(desc.VertexShaderPath, vk.ShaderStageVertexBit)
	if err != nil {
		p.Destroy()
		return nil, err
	}
	fragStage, err := p.loadShaderStage(desc.FragmentShaderPath, vk.ShaderStageFragmentBit)
	if err != nil {
		p.Destroy()
		return nil, err
	}
	stages := []vk.PipelineShaderStageCreateInfo{vertStage, fragStage}

	// Position-only vertex stream at binding 0, matching what the command
	// translator binds for a draw.
	bindingDescription := vk.VertexInputBindingDescription{
		Binding:   0,
		Stride:    3 * 4,
		InputRate: vk.VertexInputRateVertex,
	}
	attributeDescription := vk.VertexInputAttributeDescription{
		Location: 0,
		Binding:  0,
		Format:   vk.FormatR32g32b32Sfloat,
		Offset:   0,
	}
	vertexInput := vk.PipelineVertexInputStateCreateInfo{
		SType:                           vk.StructureTypePipelineVertexInputStateCreateInfo,
		VertexBindingDescriptionCount:   1,
		PVertexBindingDescriptions:      []vk.VertexInputBindingDescription{bindingDescription},
		VertexAttributeDescriptionCount: 1,
		PVertexAttributeDescriptions:    []vk.VertexInputAttributeDescription{attributeDescription},
	}

	inputAssembly := vk.PipelineInputAssemblyStateCreateInfo{
		SType:                  vk.StructureTypePipelineInputAssemblyStateCreateInfo,
		Topology:               vk.PrimitiveTopologyTriangleList,
		PrimitiveRestartEnable: vk.False,
	}

	// Viewport and scissor are dynamic so the pipeline survives resizes.
	viewportState := vk.PipelineViewportStateCreateInfo{
		SType:         vk.StructureTypePipelineViewportStateCreateInfo,
		ViewportCount: 1,
		ScissorCount:  1,
	}
	dynamicStates := []vk.DynamicState{vk.DynamicStateViewport, vk.DynamicStateScissor}
	dynamicState := vk.PipelineDynamicStateCreateInfo{
		SType:             vk.StructureTypePipelineDynamicStateCreateInfo,
		DynamicStateCount: uint32(len(dynamicStates)),
		PDynamicStates:    dynamicStates,
	}

	rasterizer := vk.PipelineRasterizationStateCreateInfo{
		SType:       vk.StructureTypePipelineRasterizationStateCreateInfo,
		PolygonMode: vk.PolygonModeFill,
		LineWidth:   1.0,
		CullMode:    vk.CullModeFlags(vk.CullModeBackBit),
		FrontFace:   vk.FrontFaceCounterClockwise,
	}

	multisample := vk.PipelineMultisampleStateCreateInfo{
		SType:                vk.StructureTypePipelineMultisampleStateCreateInfo,
		RasterizationSamples: vk.SampleCount1Bit,
		MinSampleShading:     1.0,
	}

	depthStencil := vk.PipelineDepthStencilStateCreateInfo{
		SType:            vk.StructureTypePipelineDepthStencilStateCreateInfo,
		DepthCompareOp:   vk.CompareOpLess,
		DepthTestEnable:  vk.False,
		DepthWriteEnable: vk.False,
	}
	if desc.DepthTest {
		depthStencil.DepthTestEnable = vk.True
		depthStencil.DepthWriteEnable = vk.True
	}

	colorBlendAttachment := vk.PipelineColorBlendAttachmentState{
		BlendEnable:         vk.True,
		SrcColorBlendFactor: vk.BlendFactorSrcAlpha,
		DstColorBlendFactor: vk.BlendFactorOneMinusSrcAlpha,
		ColorBlendOp:        vk.BlendOpAdd,
		SrcAlphaBlendFactor: vk.BlendFactorSrcAlpha,
		DstAlphaBlendFactor: vk.BlendFactorOneMinusSrcAlpha,
		AlphaBlendOp:        vk.BlendOpAdd,
		ColorWriteMask: vk.ColorComponentFlags(
			vk.ColorComponentRBit | vk.ColorComponentGBit | vk.ColorComponentBBit | vk.ColorComponentABit),
	}
	colorBlend := vk.PipelineColorBlendStateCreateInfo{
		SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
		AttachmentCount: 1,
		PAttachments:    []vk.PipelineColorBlendAttachmentState{colorBlendAttachment},
	}

	layoutInfo := vk.PipelineLayoutCreateInfo{
		SType: vk.StructureTypePipelineLayoutCreateInfo,
	}
	if res := vk.CreatePipelineLayout(ctx.LogicalDevice, &layoutInfo, ctx.Allocator, &p.layout); res != vk.Success {
		p.Destroy()
		return nil, vkErr("vkCreatePipelineLayout", res)
	}

	pipelineInfo := vk.GraphicsPipelineCreateInfo{
		SType:               vk.StructureTypeGraphicsPipelineCreateInfo,
		StageCount:          uint32(len(stages)),
		PStages:             stages,
		PVertexInputState:   &vertexInput,
		PInputAssemblyState: &inputAssembly,
		PViewportState:      &viewportState,
		PRasterizationState: &rasterizer,
		PMultisampleState:   &multisample,
		PDepthStencilState:  &depthStencil,
		PColorBlendState:    &colorBlend,
		PDynamicState:       &dynamicState,
		Layout:              p.layout,
		RenderPass:          renderPass,
		Subpass:             0,
	}

	pipelines := make([]vk.Pipeline, 1)
	if res := vk.CreateGraphicsPipelines(ctx.LogicalDevice, nil, 1,
		[]vk.GraphicsPipelineCreateInfo{pipelineInfo}, ctx.Allocator, pipelines); res != vk.Success {
		p.Destroy()
		return nil, vkErr("vkCreateGraphicsPipelines", res)
	}
	p.handle = pipelines[0]

	core.LogDebug("pipeline %s created", desc.Name)
	return p, nil
}

func (p *pipeline) loadShaderStage(path string, stage vk.ShaderStageFlagBits) (vk.PipelineShaderStageCreateInfo, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		err = fmt.Errorf("%w: shader %s: %v", core.ErrInvalidDescriptor, path, err)
		core.LogError(err.Error())
		return vk.PipelineShaderStageCreateInfo{}, err
	}
	if len(code)%4 != 0 {
		err = fmt.Errorf("%w: shader %s is not SPIR-V", core.ErrInvalidDescriptor, path)
		core.LogError(err.Error())
		return vk.PipelineShaderStageCreateInfo{}, err
	}

	createInfo := vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(code)),
		PCode:    repackShaderWords(code),
	}
	var module vk.ShaderModule
	if res := vk.CreateShaderModule(p.ctx.LogicalDevice, &createInfo, p.ctx.Allocator, &module); res != vk.Success {
		return vk.PipelineShaderStageCreateInfo{}, vkErr("vkCreateShaderModule", res)
	}
	p.shaders = append(p.shaders, module)

	return vk.PipelineShaderStageCreateInfo{
		SType:  vk.StructureTypePipelineShaderStageCreateInfo,
		Stage:  stage,
		Module: module,
		PName:  safeString("main"),
	}, nil
}

func repackShaderWords(code []byte) []uint32 {
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	return words
}

func (p *pipeline) Name() string {
	return p.desc.Name
}

func (p *pipeline) Destroy() {
	if p.handle != nil {
		vk.DestroyPipeline(p.ctx.LogicalDevice, p.handle, p.ctx.Allocator)
		p.handle = nil
	}
	if p.layout != nil {
		vk.DestroyPipelineLayout(p.ctx.LogicalDevice, p.layout, p.ctx.Allocator)
		p.layout = nil
	}
	for _, module := range p.shaders {
		vk.DestroyShaderModule(p.ctx.LogicalDevice, module, p.ctx.Allocator)
	}
	p.shaders = nil
}
