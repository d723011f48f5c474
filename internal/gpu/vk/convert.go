package vk

import (
	"time"

	"github.com/vulkan-go/vulkan"

	"Dragonfire/internal/gpu"
)

var formats = [...]vulkan.Format{
	gpu.FormatUndefined: vulkan.FormatUndefined,
	gpu.FormatBGRA8sRGB: vulkan.FormatB8g8r8a8Srgb,
	gpu.FormatRGBA8sRGB: vulkan.FormatR8g8b8a8Srgb,
	gpu.FormatBGRA8:     vulkan.FormatB8g8r8a8Unorm,
	gpu.FormatRGBA8:     vulkan.FormatR8g8b8a8Unorm,
	gpu.FormatRGB10A2:   vulkan.FormatA2b10g10r10UnormPack32,
	gpu.FormatRGBA16f:   vulkan.FormatR16g16b16a16Sfloat,
	gpu.FormatD32f:      vulkan.FormatD32Sfloat,
	gpu.FormatD32fS8:    vulkan.FormatD32SfloatS8Uint,
	gpu.FormatD24S8:     vulkan.FormatD24UnormS8Uint,
}

func vkFormat(f gpu.Format) vulkan.Format {
	if int(f) < 0 || int(f) >= len(formats) {
		return vulkan.FormatUndefined
	}
	return formats[f]
}

// gpuFormat reports false for formats the renderer has no name for.
func gpuFormat(f vulkan.Format) (gpu.Format, bool) {
	for i, v := range formats {
		if v == f {
			return gpu.Format(i), true
		}
	}
	return gpu.FormatUndefined, false
}

var presentModes = [...]vulkan.PresentMode{
	gpu.PresentFIFO:        vulkan.PresentModeFifo,
	gpu.PresentFIFORelaxed: vulkan.PresentModeFifoRelaxed,
	gpu.PresentMailbox:     vulkan.PresentModeMailbox,
	gpu.PresentImmediate:   vulkan.PresentModeImmediate,
}

func vkPresentMode(m gpu.PresentMode) vulkan.PresentMode {
	if int(m) < 0 || int(m) >= len(presentModes) {
		return vulkan.PresentModeFifo
	}
	return presentModes[m]
}

func gpuPresentMode(m vulkan.PresentMode) (gpu.PresentMode, bool) {
	for i, v := range presentModes {
		if v == m {
			return gpu.PresentMode(i), true
		}
	}
	return gpu.PresentFIFO, false
}

func vkColorSpace(cs gpu.ColorSpace) vulkan.ColorSpace {
	return vulkan.ColorSpaceSrgbNonlinear
}

func gpuColorSpace(cs vulkan.ColorSpace) gpu.ColorSpace {
	if cs == vulkan.ColorSpaceSrgbNonlinear {
		return gpu.ColorSpaceSRGBNonlinear
	}
	return gpu.ColorSpaceOther
}

func vkBufferUsage(u gpu.BufferUsage) vulkan.BufferUsageFlags {
	var f vulkan.BufferUsageFlagBits
	if u&gpu.BufTransferSrc != 0 {
		f |= vulkan.BufferUsageTransferSrcBit
	}
	if u&gpu.BufTransferDst != 0 {
		f |= vulkan.BufferUsageTransferDstBit
	}
	if u&gpu.BufUniform != 0 {
		f |= vulkan.BufferUsageUniformBufferBit
	}
	if u&gpu.BufStorage != 0 {
		f |= vulkan.BufferUsageStorageBufferBit
	}
	if u&gpu.BufVertex != 0 {
		f |= vulkan.BufferUsageVertexBufferBit
	}
	if u&gpu.BufIndex != 0 {
		f |= vulkan.BufferUsageIndexBufferBit
	}
	return vulkan.BufferUsageFlags(f)
}

func vkImageUsage(u gpu.ImageUsage) vulkan.ImageUsageFlags {
	var f vulkan.ImageUsageFlagBits
	if u&gpu.ImgTransferSrc != 0 {
		f |= vulkan.ImageUsageTransferSrcBit
	}
	if u&gpu.ImgTransferDst != 0 {
		f |= vulkan.ImageUsageTransferDstBit
	}
	if u&gpu.ImgSampled != 0 {
		f |= vulkan.ImageUsageSampledBit
	}
	if u&gpu.ImgColorTarget != 0 {
		f |= vulkan.ImageUsageColorAttachmentBit
	}
	if u&gpu.ImgDepthTarget != 0 {
		f |= vulkan.ImageUsageDepthStencilAttachmentBit
	}
	if u&gpu.ImgTransient != 0 {
		f |= vulkan.ImageUsageTransientAttachmentBit
	}
	return vulkan.ImageUsageFlags(f)
}

func gpuMemoryProps(f vulkan.MemoryPropertyFlags) gpu.MemoryProperty {
	var p gpu.MemoryProperty
	if f&vulkan.MemoryPropertyFlags(vulkan.MemoryPropertyDeviceLocalBit) != 0 {
		p |= gpu.MemDeviceLocal
	}
	if f&vulkan.MemoryPropertyFlags(vulkan.MemoryPropertyHostVisibleBit) != 0 {
		p |= gpu.MemHostVisible
	}
	if f&vulkan.MemoryPropertyFlags(vulkan.MemoryPropertyHostCoherentBit) != 0 {
		p |= gpu.MemHostCoherent
	}
	if f&vulkan.MemoryPropertyFlags(vulkan.MemoryPropertyHostCachedBit) != 0 {
		p |= gpu.MemHostCached
	}
	return p
}

func gpuQueueFlags(f vulkan.QueueFlags) gpu.QueueFlags {
	var q gpu.QueueFlags
	if f&vulkan.QueueFlags(vulkan.QueueGraphicsBit) != 0 {
		q |= gpu.QueueGraphics
	}
	if f&vulkan.QueueFlags(vulkan.QueueComputeBit) != 0 {
		q |= gpu.QueueCompute
	}
	// Graphics and compute queues support transfers implicitly.
	if f&vulkan.QueueFlags(vulkan.QueueTransferBit) != 0 {
		q |= gpu.QueueTransfer
	}
	if f&vulkan.QueueFlags(vulkan.QueueSparseBindingBit) != 0 {
		q |= gpu.QueueSparse
	}
	return q
}

func gpuDeviceType(t vulkan.PhysicalDeviceType) gpu.DeviceType {
	switch t {
	case vulkan.PhysicalDeviceTypeDiscreteGpu:
		return gpu.DeviceDiscrete
	case vulkan.PhysicalDeviceTypeIntegratedGpu:
		return gpu.DeviceIntegrated
	case vulkan.PhysicalDeviceTypeVirtualGpu:
		return gpu.DeviceVirtual
	case vulkan.PhysicalDeviceTypeCpu:
		return gpu.DeviceCPU
	}
	return gpu.DeviceOther
}

func vkStages(s gpu.Stage) vulkan.PipelineStageFlags {
	var f vulkan.PipelineStageFlagBits
	if s&gpu.StageTop != 0 {
		f |= vulkan.PipelineStageTopOfPipeBit
	}
	if s&gpu.StageTransfer != 0 {
		f |= vulkan.PipelineStageTransferBit
	}
	if s&gpu.StageVertexShader != 0 {
		f |= vulkan.PipelineStageVertexShaderBit
	}
	if s&gpu.StageFragmentShader != 0 {
		f |= vulkan.PipelineStageFragmentShaderBit
	}
	if s&gpu.StageColorOutput != 0 {
		f |= vulkan.PipelineStageColorAttachmentOutputBit
	}
	if s&gpu.StageEarlyFragment != 0 {
		f |= vulkan.PipelineStageEarlyFragmentTestsBit
	}
	if s&gpu.StageBottom != 0 {
		f |= vulkan.PipelineStageBottomOfPipeBit
	}
	if f == 0 {
		f = vulkan.PipelineStageTopOfPipeBit
	}
	return vulkan.PipelineStageFlags(f)
}

func vkShaderStages(s gpu.ShaderStage) vulkan.ShaderStageFlags {
	var f vulkan.ShaderStageFlagBits
	if s&gpu.ShaderVertex != 0 {
		f |= vulkan.ShaderStageVertexBit
	}
	if s&gpu.ShaderFragment != 0 {
		f |= vulkan.ShaderStageFragmentBit
	}
	if s&gpu.ShaderCompute != 0 {
		f |= vulkan.ShaderStageComputeBit
	}
	if s&gpu.ShaderGeometry != 0 {
		f |= vulkan.ShaderStageGeometryBit
	}
	if s&gpu.ShaderTessControl != 0 {
		f |= vulkan.ShaderStageTessellationControlBit
	}
	if s&gpu.ShaderTessEval != 0 {
		f |= vulkan.ShaderStageTessellationEvaluationBit
	}
	return vulkan.ShaderStageFlags(f)
}

// vkShaderStage converts a single stage.
func vkShaderStage(s gpu.ShaderStage) vulkan.ShaderStageFlagBits {
	return vulkan.ShaderStageFlagBits(vkShaderStages(s))
}

var descriptorTypes = [...]vulkan.DescriptorType{
	gpu.DescUniformBuffer:        vulkan.DescriptorTypeUniformBuffer,
	gpu.DescStorageBuffer:        vulkan.DescriptorTypeStorageBuffer,
	gpu.DescCombinedImageSampler: vulkan.DescriptorTypeCombinedImageSampler,
	gpu.DescSampledImage:         vulkan.DescriptorTypeSampledImage,
	gpu.DescStorageImage:         vulkan.DescriptorTypeStorageImage,
	gpu.DescSampler:              vulkan.DescriptorTypeSampler,
	gpu.DescUniformBufferDynamic: vulkan.DescriptorTypeUniformBufferDynamic,
}

func vkDescriptorType(t gpu.DescriptorType) vulkan.DescriptorType {
	return descriptorTypes[t]
}

func vkTopology(t gpu.Topology) vulkan.PrimitiveTopology {
	switch t {
	case gpu.TriangleStrip:
		return vulkan.PrimitiveTopologyTriangleStrip
	case gpu.LineList:
		return vulkan.PrimitiveTopologyLineList
	case gpu.PointList:
		return vulkan.PrimitiveTopologyPointList
	}
	return vulkan.PrimitiveTopologyTriangleList
}

func vkCullMode(c gpu.CullMode) vulkan.CullModeFlags {
	switch c {
	case gpu.CullFront:
		return vulkan.CullModeFlags(vulkan.CullModeFrontBit)
	case gpu.CullNone:
		return vulkan.CullModeFlags(vulkan.CullModeNone)
	}
	return vulkan.CullModeFlags(vulkan.CullModeBackBit)
}

func vkVertexFormat(f gpu.VertexFormat) vulkan.Format {
	switch f {
	case gpu.VertexFloat2:
		return vulkan.FormatR32g32Sfloat
	case gpu.VertexFloat4:
		return vulkan.FormatR32g32b32a32Sfloat
	}
	return vulkan.FormatR32g32b32Sfloat
}

func vkSamples(n int) vulkan.SampleCountFlagBits {
	if n <= 1 {
		return vulkan.SampleCount1Bit
	}
	return vulkan.SampleCountFlagBits(n)
}

func vkAspect(a gpu.Aspect) vulkan.ImageAspectFlags {
	if a == gpu.AspectDepth {
		return vulkan.ImageAspectFlags(vulkan.ImageAspectDepthBit)
	}
	return vulkan.ImageAspectFlags(vulkan.ImageAspectColorBit)
}

var layouts = [...]vulkan.ImageLayout{
	gpu.LayoutUndefined:   vulkan.ImageLayoutUndefined,
	gpu.LayoutTransferDst: vulkan.ImageLayoutTransferDstOptimal,
	gpu.LayoutTransferSrc: vulkan.ImageLayoutTransferSrcOptimal,
	gpu.LayoutShaderRead:  vulkan.ImageLayoutShaderReadOnlyOptimal,
	gpu.LayoutColorTarget: vulkan.ImageLayoutColorAttachmentOptimal,
	gpu.LayoutDepthTarget: vulkan.ImageLayoutDepthStencilAttachmentOptimal,
	gpu.LayoutPresent:     vulkan.ImageLayoutPresentSrc,
}

func vkLayout(l gpu.Layout) vulkan.ImageLayout {
	return layouts[l]
}

// layoutSync returns the access mask and pipeline stage that
// accesses an image in layout l.
func layoutSync(l gpu.Layout) (vulkan.AccessFlagBits, vulkan.PipelineStageFlagBits) {
	switch l {
	case gpu.LayoutTransferDst:
		return vulkan.AccessTransferWriteBit, vulkan.PipelineStageTransferBit
	case gpu.LayoutTransferSrc:
		return vulkan.AccessTransferReadBit, vulkan.PipelineStageTransferBit
	case gpu.LayoutShaderRead:
		return vulkan.AccessShaderReadBit, vulkan.PipelineStageFragmentShaderBit
	case gpu.LayoutColorTarget:
		return vulkan.AccessColorAttachmentReadBit | vulkan.AccessColorAttachmentWriteBit,
			vulkan.PipelineStageColorAttachmentOutputBit
	case gpu.LayoutDepthTarget:
		return vulkan.AccessDepthStencilAttachmentReadBit | vulkan.AccessDepthStencilAttachmentWriteBit,
			vulkan.PipelineStageEarlyFragmentTestsBit
	case gpu.LayoutPresent:
		return 0, vulkan.PipelineStageBottomOfPipeBit
	}
	return 0, vulkan.PipelineStageTopOfPipeBit
}

// timeoutNanos converts a wait timeout; negative means forever.
func timeoutNanos(d time.Duration) uint64 {
	if d < 0 {
		return vulkan.MaxUint64
	}
	return uint64(d.Nanoseconds())
}

func bool32(b bool) vulkan.Bool32 {
	if b {
		return vulkan.True
	}
	return vulkan.False
}
