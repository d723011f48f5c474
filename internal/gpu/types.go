package gpu

// DeviceType is the kind of a physical device.
type DeviceType int

// Device types.
const (
	DeviceOther DeviceType = iota
	DeviceIntegrated
	DeviceDiscrete
	DeviceVirtual
	DeviceCPU
)

func (t DeviceType) String() string {
	switch t {
	case DeviceIntegrated:
		return "integrated"
	case DeviceDiscrete:
		return "discrete"
	case DeviceVirtual:
		return "virtual"
	case DeviceCPU:
		return "cpu"
	default:
		return "other"
	}
}

// Adapter describes a physical device.
type Adapter struct {
	Name       string
	Type       DeviceType
	VendorID   uint32
	DeviceID   uint32
	Features   Features
	Extensions []string
	Families   []QueueFamily
	Limits     Limits

	// Handle is owned by the backend that produced the Adapter.
	Handle any
}

// HasExtension reports whether the adapter exposes ext.
func (a *Adapter) HasExtension(ext string) bool {
	for _, e := range a.Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// Extension names the renderer asks for.
const (
	ExtSwapchain           = "VK_KHR_swapchain"
	ExtDescriptorIndexing  = "VK_EXT_descriptor_indexing"
	ExtBufferDeviceAddress = "VK_KHR_buffer_device_address"
)

// QueueFlags describes the capabilities of a queue family.
type QueueFlags int

// Queue capabilities.
const (
	QueueGraphics QueueFlags = 1 << iota
	QueueCompute
	QueueTransfer
	QueueSparse
)

// QueueFamily describes one queue family of an Adapter.
type QueueFamily struct {
	Flags QueueFlags
	Count int
	// Present is set if the family can present to the
	// instance's surface.
	Present bool
}

// Features is the set of optional device features the
// renderer cares about.
type Features struct {
	SamplerAnisotropy   bool
	SampleRateShading   bool
	SparseBinding       bool
	DescriptorIndexing  bool
	BufferDeviceAddress bool
}

// Missing returns the names of the features set in want that
// are not set in f.
func (f Features) Missing(want Features) []string {
	var s []string
	if want.SamplerAnisotropy && !f.SamplerAnisotropy {
		s = append(s, "samplerAnisotropy")
	}
	if want.SampleRateShading && !f.SampleRateShading {
		s = append(s, "sampleRateShading")
	}
	if want.SparseBinding && !f.SparseBinding {
		s = append(s, "sparseBinding")
	}
	if want.DescriptorIndexing && !f.DescriptorIndexing {
		s = append(s, "descriptorIndexing")
	}
	if want.BufferDeviceAddress && !f.BufferDeviceAddress {
		s = append(s, "bufferDeviceAddress")
	}
	return s
}

// Limits are the device limits the renderer depends on.
type Limits struct {
	MinUniformOffsetAlign int64
	NonCoherentAtomSize   int64
	MaxAnisotropy         float32
	MaxImageDimension2D   int
	MaxPushConstantsSize  int
	// BufferImageGranularity is the page size within which a
	// buffer and an optimal-tiling image must not share memory.
	BufferImageGranularity int64
	// SampleCounts is a bit mask of the sample counts supported
	// by both color and depth framebuffer attachments
	// (bit n set means 1<<n samples).
	SampleCounts int
}

// DeviceDesc describes the logical device to create.
type DeviceDesc struct {
	// Families lists the distinct queue families for which a
	// queue must be created.
	Families   []int
	Extensions []string
	Features   Features
}

// MemoryProperty describes a memory type.
type MemoryProperty int

// Memory properties.
const (
	MemDeviceLocal MemoryProperty = 1 << iota
	MemHostVisible
	MemHostCoherent
	MemHostCached
)

// MemoryType is one memory type of a Device.
type MemoryType struct {
	Props     MemoryProperty
	HeapIndex int
	HeapSize  int64
}

// BufferUsage is a mask of buffer usages.
type BufferUsage int

// Buffer usages.
const (
	BufTransferSrc BufferUsage = 1 << iota
	BufTransferDst
	BufUniform
	BufStorage
	BufVertex
	BufIndex
)

// ImageUsage is a mask of image usages.
type ImageUsage int

// Image usages.
const (
	ImgTransferSrc ImageUsage = 1 << iota
	ImgTransferDst
	ImgSampled
	ImgColorTarget
	ImgDepthTarget
	ImgTransient
)

// Format is a texel format.
type Format int

// Formats.
const (
	FormatUndefined Format = iota
	FormatBGRA8sRGB
	FormatRGBA8sRGB
	FormatBGRA8
	FormatRGBA8
	FormatRGB10A2
	FormatRGBA16f
	FormatD32f
	FormatD32fS8
	FormatD24S8
)

// IsDepth reports whether f is a depth format.
func (f Format) IsDepth() bool {
	return f == FormatD32f || f == FormatD32fS8 || f == FormatD24S8
}

// Aspect selects the aspect of an image view.
type Aspect int

// Aspects.
const (
	AspectColor Aspect = iota
	AspectDepth
)

// ImageDesc describes an image to create.
type ImageDesc struct {
	Format  Format
	Width   int
	Height  int
	Levels  int
	Samples int
	Usage   ImageUsage
}

// SamplerDesc describes a sampler.
type SamplerDesc struct {
	// Anisotropy enables anisotropic filtering when greater
	// than one.
	Anisotropy float32
	Levels     int
	Repeat     bool
}

// CmdLevel is the level of a command buffer.
type CmdLevel int

// Command buffer levels.
const (
	CmdPrimary CmdLevel = iota
	CmdSecondary
)

// Stage is a pipeline stage mask used by submission waits and
// barriers.
type Stage int

// Pipeline stages.
const (
	StageTop Stage = 1 << iota
	StageTransfer
	StageVertexShader
	StageFragmentShader
	StageColorOutput
	StageEarlyFragment
	StageBottom
)

// ShaderStage is a mask of shader stages.
type ShaderStage int

// Shader stages.
const (
	ShaderVertex ShaderStage = 1 << iota
	ShaderFragment
	ShaderCompute
	ShaderGeometry
	ShaderTessControl
	ShaderTessEval
)

func (s ShaderStage) String() string {
	switch s {
	case ShaderVertex:
		return "vertex"
	case ShaderFragment:
		return "fragment"
	case ShaderCompute:
		return "compute"
	case ShaderGeometry:
		return "geometry"
	case ShaderTessControl:
		return "tess-control"
	case ShaderTessEval:
		return "tess-eval"
	}
	return "mixed"
}

// DescriptorType is the type of a descriptor.
type DescriptorType int

// Descriptor types.
const (
	DescUniformBuffer DescriptorType = iota
	DescStorageBuffer
	DescCombinedImageSampler
	DescSampledImage
	DescStorageImage
	DescSampler
	DescUniformBufferDynamic
)

// Binding is one entry of a SetLayout.
type Binding struct {
	Set     int
	Binding int
	Type    DescriptorType
	Count   int
	Stages  ShaderStage
}

// PushRange is a push-constant range.
type PushRange struct {
	Stages ShaderStage
	Offset int
	Size   int
}

// PoolSize is the number of descriptors of a type a
// DescriptorPool can hold.
type PoolSize struct {
	Type  DescriptorType
	Count int
}

// Topology is a primitive topology.
type Topology int

// Topologies.
const (
	TriangleList Topology = iota
	TriangleStrip
	LineList
	PointList
)

// CullMode is a face culling mode.
type CullMode int

// Cull modes.
const (
	CullBack CullMode = iota
	CullFront
	CullNone
)

// VertexAttr is one vertex attribute.
type VertexAttr struct {
	Location int
	Format   VertexFormat
	Offset   int
}

// VertexFormat is the format of a vertex attribute.
type VertexFormat int

// Vertex formats.
const (
	VertexFloat2 VertexFormat = iota
	VertexFloat3
	VertexFloat4
)

// ShaderStageInfo binds a module to a stage.
type ShaderStageInfo struct {
	Stage  ShaderStage
	Module ShaderModule
	Entry  string
}

// GraphicsState describes a graphics pipeline.
// Viewport and scissor are always dynamic.
type GraphicsState struct {
	Stages     []ShaderStageInfo
	Stride     int
	Attrs      []VertexAttr
	Topology   Topology
	Cull       CullMode
	DepthTest  bool
	DepthWrite bool
	Blend      bool
	Samples    int
	// SampleShading enables per-sample shading when Samples is
	// greater than one.
	SampleShading bool
	Layout        PipelineLayout
	Pass          RenderPass
}

// RenderPassDesc describes a single-subpass render pass that
// targets a presentable color image and a depth buffer.
// If Samples is greater than one, the color attachment is
// multisampled and resolved into the presentable image.
//
// Framebuffers of the pass take their attachments in the order
// color, depth, and then the resolve target when multisampled.
type RenderPassDesc struct {
	Color   Format
	Depth   Format
	Samples int
}

// ColorSpace is a surface color space.
type ColorSpace int

// Color spaces.
const (
	ColorSpaceSRGBNonlinear ColorSpace = iota
	ColorSpaceOther
)

// SurfaceFormat pairs a format with a color space.
type SurfaceFormat struct {
	Format     Format
	ColorSpace ColorSpace
}

// PresentMode is a presentation mode.
type PresentMode int

// Present modes.
const (
	PresentFIFO PresentMode = iota
	PresentFIFORelaxed
	PresentMailbox
	PresentImmediate
)

func (m PresentMode) String() string {
	switch m {
	case PresentFIFORelaxed:
		return "fifo-relaxed"
	case PresentMailbox:
		return "mailbox"
	case PresentImmediate:
		return "immediate"
	}
	return "fifo"
}

// Extent is a 2D size.
type Extent struct {
	Width  int
	Height int
}

// UndefinedExtent is the current extent reported by surfaces
// whose size is determined by the swapchain.
const UndefinedExtent = -1

// SurfaceCaps describes what a surface supports.
type SurfaceCaps struct {
	MinImages int
	// MaxImages is zero if there is no limit.
	MaxImages    int
	Current      Extent
	MinExtent    Extent
	MaxExtent    Extent
	Formats      []SurfaceFormat
	PresentModes []PresentMode
}

// SwapchainDesc describes a swapchain to create.
type SwapchainDesc struct {
	Images      int
	Format      SurfaceFormat
	Extent      Extent
	PresentMode PresentMode
	// Families lists the queue families that access the
	// images. More than one distinct family means the images
	// are shared concurrently.
	Families []int
}
