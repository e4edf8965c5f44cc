package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/lodestar-engine/lodestar/engine/core"
)

// Context carries the handles shared by every Vulkan object the backend
// creates. One context per device; the surface borrows it.
type Context struct {
	Instance  vk.Instance
	Allocator *vk.AllocationCallbacks

	PhysicalDevice vk.PhysicalDevice
	LogicalDevice  vk.Device

	GraphicsQueueIndex uint32
	PresentQueueIndex  uint32
	GraphicsQueue      vk.Queue
	PresentQueue       vk.Queue

	CommandPool vk.CommandPool

	VkSurface vk.Surface
}

func (c *Context) findMemoryIndex(typeFilter, propertyFlags uint32) int32 {
	var memoryProperties vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(c.PhysicalDevice, &memoryProperties)
	memoryProperties.Deref()

	for i := uint32(0); i < memoryProperties.MemoryTypeCount; i++ {
		memoryProperties.MemoryTypes[i].Deref()
		if (typeFilter&(1<<i)) != 0 && (uint32(memoryProperties.MemoryTypes[i].PropertyFlags)&propertyFlags) == propertyFlags {
			return int32(i)
		}
	}
	core.LogWarn("unable to find a suitable memory type")
	return -1
}

// vkErr folds a vk.Result into the engine's sentinel errors so callers above
// the backend never see raw result codes.
func vkErr(op string, result vk.Result) error {
	var base error
	switch result {
	case vk.ErrorDeviceLost:
		base = core.ErrDeviceLost
	case vk.ErrorOutOfHostMemory, vk.ErrorOutOfDeviceMemory:
		base = core.ErrOutOfMemory
	case vk.ErrorOutOfDate:
		base = core.ErrSurfaceOutOfDate
	case vk.Suboptimal:
		base = core.ErrSurfaceSuboptimal
	case vk.Timeout:
		base = core.ErrFenceTimeout
	default:
		base = core.ErrUnknown
	}
	err := fmt.Errorf("%w: %s returned %s", base, op, resultString(result))
	core.LogError(err.Error())
	return err
}

func resultString(result vk.Result) string {
	switch result {
	case vk.Success:
		return "VK_SUCCESS"
	case vk.NotReady:
		return "VK_NOT_READY"
	case vk.Timeout:
		return "VK_TIMEOUT"
	case vk.Incomplete:
		return "VK_INCOMPLETE"
	case vk.Suboptimal:
		return "VK_SUBOPTIMAL_KHR"
	case vk.ErrorOutOfDate:
		return "VK_ERROR_OUT_OF_DATE_KHR"
	case vk.ErrorOutOfHostMemory:
		return "VK_ERROR_OUT_OF_HOST_MEMORY"
	case vk.ErrorOutOfDeviceMemory:
		return "VK_ERROR_OUT_OF_DEVICE_MEMORY"
	case vk.ErrorInitializationFailed:
		return "VK_ERROR_INITIALIZATION_FAILED"
	case vk.ErrorDeviceLost:
		return "VK_ERROR_DEVICE_LOST"
	case vk.ErrorMemoryMapFailed:
		return "VK_ERROR_MEMORY_MAP_FAILED"
	case vk.ErrorLayerNotPresent:
		return "VK_ERROR_LAYER_NOT_PRESENT"
	case vk.ErrorExtensionNotPresent:
		return "VK_ERROR_EXTENSION_NOT_PRESENT"
	case vk.ErrorFeatureNotPresent:
		return "VK_ERROR_FEATURE_NOT_PRESENT"
	case vk.ErrorIncompatibleDriver:
		return "VK_ERROR_INCOMPATIBLE_DRIVER"
	case vk.ErrorSurfaceLost:
		return "VK_ERROR_SURFACE_LOST_KHR"
	case vk.ErrorFormatNotSupported:
		return "VK_ERROR_FORMAT_NOT_SUPPORTED"
	default:
		return fmt.Sprintf("VK_RESULT(%d)", int32(result))
	}
}

var end = "\x00"

func safeString(s string) string {
	if len(s) == 0 {
		return end
	}
	if s[len(s)-1] != '\x00' {
		return s + end
	}
	return s
}

func safeStrings(list []string) []string {
	out := make([]string, len(list))
	for i := range list {
		out[i] = safeString(list[i])
	}
	return out
}
