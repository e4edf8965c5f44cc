package vulkan

import (
	vk "github.com/goki/vulkan"

	"github.com/lodestar-engine/lodestar/engine/renderer"
)

func toVkFormat(f renderer.ImageFormat) vk.Format {
	switch f {
	case renderer.FormatBGRA8Unorm:
		return vk.FormatB8g8r8a8Unorm
	case renderer.FormatRGBA8Unorm:
		return vk.FormatR8g8b8a8Unorm
	case renderer.FormatDepth24Stencil8:
		return vk.FormatD24UnormS8Uint
	}
	return vk.FormatUndefined
}

func toVkImageUsage(u renderer.ImageUsage) vk.ImageUsageFlags {
	var flags vk.ImageUsageFlagBits
	if u&renderer.ImageUsageColorAttachment != 0 {
		flags |= vk.ImageUsageColorAttachmentBit
	}
	if u&renderer.ImageUsageDepthAttachment != 0 {
		flags |= vk.ImageUsageDepthStencilAttachmentBit
	}
	if u&renderer.ImageUsageSampled != 0 {
		flags |= vk.ImageUsageSampledBit
	}
	if u&renderer.ImageUsageTransferSrc != 0 {
		flags |= vk.ImageUsageTransferSrcBit
	}
	if u&renderer.ImageUsageTransferDst != 0 {
		flags |= vk.ImageUsageTransferDstBit
	}
	return vk.ImageUsageFlags(flags)
}

func toVkBufferUsage(u renderer.BufferUsage) vk.BufferUsageFlags {
	var flags vk.BufferUsageFlagBits
	if u&renderer.BufferUsageVertex != 0 {
		flags |= vk.BufferUsageVertexBufferBit
	}
	if u&renderer.BufferUsageIndex != 0 {
		flags |= vk.BufferUsageIndexBufferBit
	}
	if u&renderer.BufferUsageUniform != 0 {
		flags |= vk.BufferUsageUniformBufferBit
	}
	if u&renderer.BufferUsageTransferSrc != 0 {
		flags |= vk.BufferUsageTransferSrcBit
	}
	if u&renderer.BufferUsageTransferDst != 0 {
		flags |= vk.BufferUsageTransferDstBit
	}
	return vk.BufferUsageFlags(flags)
}

// toVkStage maps the portable stage enum onto pipeline stage flags. The host
// stage has no GPU execution point; host writes are ordered by the submission
// boundary, so it folds to the top of the pipe.
func toVkStage(s renderer.Stage) vk.PipelineStageFlags {
	switch s {
	case renderer.StageNone, renderer.StageHost:
		return vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit)
	case renderer.StageTransfer:
		return vk.PipelineStageFlags(vk.PipelineStageTransferBit)
	case renderer.StageVertexShader:
		return vk.PipelineStageFlags(vk.PipelineStageVertexShaderBit)
	case renderer.StageFragmentShader:
		return vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit)
	case renderer.StageColorOutput:
		return vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit)
	case renderer.StageCompute:
		return vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit)
	}
	return vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)
}

func toVkAccess(a renderer.Access, stage renderer.Stage) vk.AccessFlags {
	var flags vk.AccessFlagBits
	if a&renderer.AccessRead != 0 {
		switch stage {
		case renderer.StageTransfer:
			flags |= vk.AccessTransferReadBit
		case renderer.StageColorOutput:
			flags |= vk.AccessColorAttachmentReadBit
		default:
			flags |= vk.AccessShaderReadBit
		}
	}
	if a&renderer.AccessWrite != 0 {
		switch stage {
		case renderer.StageHost:
			flags |= vk.AccessHostWriteBit
		case renderer.StageTransfer:
			flags |= vk.AccessTransferWriteBit
		case renderer.StageColorOutput:
			flags |= vk.AccessColorAttachmentWriteBit
		default:
			flags |= vk.AccessShaderWriteBit
		}
	}
	return vk.AccessFlags(flags)
}

func toVkLayout(l renderer.ImageLayout) vk.ImageLayout {
	switch l {
	case renderer.LayoutGeneral:
		return vk.ImageLayoutGeneral
	case renderer.LayoutColorAttachment:
		return vk.ImageLayoutColorAttachmentOptimal
	case renderer.LayoutDepthAttachment:
		return vk.ImageLayoutDepthStencilAttachmentOptimal
	case renderer.LayoutShaderReadOnly:
		return vk.ImageLayoutShaderReadOnlyOptimal
	case renderer.LayoutTransferSrc:
		return vk.ImageLayoutTransferSrcOptimal
	case renderer.LayoutTransferDst:
		return vk.ImageLayoutTransferDstOptimal
	case renderer.LayoutPresentSrc:
		return vk.ImageLayoutPresentSrc
	}
	return vk.ImageLayoutUndefined
}
