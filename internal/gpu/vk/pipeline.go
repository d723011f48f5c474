package vk

import (
	"encoding/binary"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vulkan-go/vulkan"

	"Dragonfire/internal/gpu"
)

// ShaderModule is a Vulkan shader module.
type ShaderModule struct {
	d   *Device
	mod vulkan.ShaderModule
}

// NewShaderModule implements gpu.Device. code is SPIR-V.
func (d *Device) NewShaderModule(code []byte) (gpu.ShaderModule, error) {
	if len(code) == 0 || len(code)%4 != 0 {
		return nil, errors.Newf("vk: shader code length %d is not a multiple of 4", len(code))
	}
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	info := vulkan.ShaderModuleCreateInfo{
		SType:    vulkan.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(code)),
		PCode:    words,
	}
	var mod vulkan.ShaderModule
	if err := checkResult(vulkan.CreateShaderModule(d.dev, &info, nil, &mod), "create shader module"); err != nil {
		return nil, err
	}
	return &ShaderModule{d: d, mod: mod}, nil
}

// Destroy implements gpu.Destroyer.
func (m *ShaderModule) Destroy() {
	if m.mod != vulkan.ShaderModule(vulkan.NullHandle) {
		vulkan.DestroyShaderModule(m.d.dev, m.mod, nil)
		m.mod = vulkan.ShaderModule(vulkan.NullHandle)
	}
}

// SetLayout is a descriptor set layout.
type SetLayout struct {
	d      *Device
	layout vulkan.DescriptorSetLayout
}

// NewSetLayout implements gpu.Device.
func (d *Device) NewSetLayout(bindings []gpu.Binding) (gpu.SetLayout, error) {
	vkBindings := make([]vulkan.DescriptorSetLayoutBinding, len(bindings))
	for i, b := range bindings {
		count := b.Count
		if count < 1 {
			count = 1
		}
		vkBindings[i] = vulkan.DescriptorSetLayoutBinding{
			Binding:         uint32(b.Binding),
			DescriptorType:  vkDescriptorType(b.Type),
			DescriptorCount: uint32(count),
			StageFlags:      vkShaderStages(b.Stages),
		}
	}
	info := vulkan.DescriptorSetLayoutCreateInfo{
		SType:        vulkan.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(vkBindings)),
		PBindings:    vkBindings,
	}
	var layout vulkan.DescriptorSetLayout
	if err := checkResult(vulkan.CreateDescriptorSetLayout(d.dev, &info, nil, &layout), "create descriptor set layout"); err != nil {
		return nil, err
	}
	return &SetLayout{d: d, layout: layout}, nil
}

// Destroy implements gpu.Destroyer.
func (l *SetLayout) Destroy() {
	if l.layout != vulkan.DescriptorSetLayout(vulkan.NullHandle) {
		vulkan.DestroyDescriptorSetLayout(l.d.dev, l.layout, nil)
		l.layout = vulkan.DescriptorSetLayout(vulkan.NullHandle)
	}
}

// PipelineLayout is a Vulkan pipeline layout.
type PipelineLayout struct {
	d      *Device
	layout vulkan.PipelineLayout
}

// NewPipelineLayout implements gpu.Device.
func (d *Device) NewPipelineLayout(sets []gpu.SetLayout, push []gpu.PushRange) (gpu.PipelineLayout, error) {
	info := vulkan.PipelineLayoutCreateInfo{
		SType:                  vulkan.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount:         uint32(len(sets)),
		PushConstantRangeCount: uint32(len(push)),
	}
	if len(sets) > 0 {
		info.PSetLayouts = make([]vulkan.DescriptorSetLayout, len(sets))
		for i, s := range sets {
			info.PSetLayouts[i] = s.(*SetLayout).layout
		}
	}
	if len(push) > 0 {
		info.PPushConstantRanges = make([]vulkan.PushConstantRange, len(push))
		for i, p := range push {
			info.PPushConstantRanges[i] = vulkan.PushConstantRange{
				StageFlags: vkShaderStages(p.Stages),
				Offset:     uint32(p.Offset),
				Size:       uint32(p.Size),
			}
		}
	}
	var layout vulkan.PipelineLayout
	if err := checkResult(vulkan.CreatePipelineLayout(d.dev, &info, nil, &layout), "create pipeline layout"); err != nil {
		return nil, err
	}
	return &PipelineLayout{d: d, layout: layout}, nil
}

// Destroy implements gpu.Destroyer.
func (l *PipelineLayout) Destroy() {
	if l.layout != vulkan.PipelineLayout(vulkan.NullHandle) {
		vulkan.DestroyPipelineLayout(l.d.dev, l.layout, nil)
		l.layout = vulkan.PipelineLayout(vulkan.NullHandle)
	}
}

// PipelineCache is a Vulkan pipeline cache.
type PipelineCache struct {
	d     *Device
	cache vulkan.PipelineCache
}

// NewPipelineCache implements gpu.Device. The driver validates
// initial itself and may reject it.
func (d *Device) NewPipelineCache(initial []byte) (gpu.PipelineCache, error) {
	info := vulkan.PipelineCacheCreateInfo{
		SType: vulkan.StructureTypePipelineCacheCreateInfo,
	}
	if len(initial) > 0 {
		info.InitialDataSize = uint(len(initial))
		info.PInitialData = unsafe.Pointer(&initial[0])
	}
	var cache vulkan.PipelineCache
	if err := checkResult(vulkan.CreatePipelineCache(d.dev, &info, nil, &cache), "create pipeline cache"); err != nil {
		return nil, err
	}
	return &PipelineCache{d: d, cache: cache}, nil
}

// Data implements gpu.PipelineCache.
func (c *PipelineCache) Data() ([]byte, error) {
	var size uint
	if err := checkResult(vulkan.GetPipelineCacheData(c.d.dev, c.cache, &size, nil), "get pipeline cache size"); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}
	data := make([]byte, size)
	if err := checkResult(vulkan.GetPipelineCacheData(c.d.dev, c.cache, &size, unsafe.Pointer(&data[0])), "get pipeline cache data"); err != nil {
		return nil, err
	}
	return data[:size], nil
}

// Destroy implements gpu.Destroyer.
func (c *PipelineCache) Destroy() {
	if c.cache != vulkan.PipelineCache(vulkan.NullHandle) {
		vulkan.DestroyPipelineCache(c.d.dev, c.cache, nil)
		c.cache = vulkan.PipelineCache(vulkan.NullHandle)
	}
}

// Pipeline is a graphics pipeline.
type Pipeline struct {
	d *Device
	p vulkan.Pipeline
}

// NewGraphicsPipeline implements gpu.Device.
func (d *Device) NewGraphicsPipeline(cache gpu.PipelineCache, state *gpu.GraphicsState) (gpu.Pipeline, error) {
	stages := make([]vulkan.PipelineShaderStageCreateInfo, len(state.Stages))
	for i, s := range state.Stages {
		entry := s.Entry
		if entry == "" {
			entry = "main"
		}
		stages[i] = vulkan.PipelineShaderStageCreateInfo{
			SType:  vulkan.StructureTypePipelineShaderStageCreateInfo,
			Stage:  vkShaderStage(s.Stage),
			Module: s.Module.(*ShaderModule).mod,
			PName:  cstr(entry),
		}
	}

	vertexInput := vulkan.PipelineVertexInputStateCreateInfo{
		SType: vulkan.StructureTypePipelineVertexInputStateCreateInfo,
	}
	if state.Stride > 0 {
		attrs := make([]vulkan.VertexInputAttributeDescription, len(state.Attrs))
		for i, a := range state.Attrs {
			attrs[i] = vulkan.VertexInputAttributeDescription{
				Location: uint32(a.Location),
				Binding:  0,
				Format:   vkVertexFormat(a.Format),
				Offset:   uint32(a.Offset),
			}
		}
		vertexInput.VertexBindingDescriptionCount = 1
		vertexInput.PVertexBindingDescriptions = []vulkan.VertexInputBindingDescription{{
			Binding:   0,
			Stride:    uint32(state.Stride),
			InputRate: vulkan.VertexInputRateVertex,
		}}
		vertexInput.VertexAttributeDescriptionCount = uint32(len(attrs))
		vertexInput.PVertexAttributeDescriptions = attrs
	}

	inputAssembly := vulkan.PipelineInputAssemblyStateCreateInfo{
		SType:                  vulkan.StructureTypePipelineInputAssemblyStateCreateInfo,
		Topology:               vkTopology(state.Topology),
		PrimitiveRestartEnable: vulkan.False,
	}

	// Viewport and scissor are dynamic; only the counts matter.
	viewportState := vulkan.PipelineViewportStateCreateInfo{
		SType:         vulkan.StructureTypePipelineViewportStateCreateInfo,
		ViewportCount: 1,
		ScissorCount:  1,
	}
	dynamicStates := []vulkan.DynamicState{
		vulkan.DynamicStateViewport,
		vulkan.DynamicStateScissor,
	}
	dynamicState := vulkan.PipelineDynamicStateCreateInfo{
		SType:             vulkan.StructureTypePipelineDynamicStateCreateInfo,
		DynamicStateCount: uint32(len(dynamicStates)),
		PDynamicStates:    dynamicStates,
	}

	rasterizer := vulkan.PipelineRasterizationStateCreateInfo{
		SType:                   vulkan.StructureTypePipelineRasterizationStateCreateInfo,
		DepthClampEnable:        vulkan.False,
		RasterizerDiscardEnable: vulkan.False,
		PolygonMode:             vulkan.PolygonModeFill,
		LineWidth:               1.0,
		CullMode:                vkCullMode(state.Cull),
		FrontFace:               vulkan.FrontFaceCounterClockwise,
		DepthBiasEnable:         vulkan.False,
	}

	multisampling := vulkan.PipelineMultisampleStateCreateInfo{
		SType:                vulkan.StructureTypePipelineMultisampleStateCreateInfo,
		RasterizationSamples: vkSamples(state.Samples),
	}
	if state.SampleShading && state.Samples > 1 {
		multisampling.SampleShadingEnable = vulkan.True
		multisampling.MinSampleShading = 1
	}

	depthStencil := vulkan.PipelineDepthStencilStateCreateInfo{
		SType:                 vulkan.StructureTypePipelineDepthStencilStateCreateInfo,
		DepthTestEnable:       bool32(state.DepthTest),
		DepthWriteEnable:      bool32(state.DepthWrite),
		DepthCompareOp:        vulkan.CompareOpLess,
		DepthBoundsTestEnable: vulkan.False,
		StencilTestEnable:     vulkan.False,
	}

	blend := vulkan.PipelineColorBlendAttachmentState{
		ColorWriteMask: vulkan.ColorComponentFlags(vulkan.ColorComponentRBit | vulkan.ColorComponentGBit | vulkan.ColorComponentBBit | vulkan.ColorComponentABit),
		BlendEnable:    vulkan.False,
	}
	if state.Blend {
		blend.BlendEnable = vulkan.True
		blend.SrcColorBlendFactor = vulkan.BlendFactorSrcAlpha
		blend.DstColorBlendFactor = vulkan.BlendFactorOneMinusSrcAlpha
		blend.ColorBlendOp = vulkan.BlendOpAdd
		blend.SrcAlphaBlendFactor = vulkan.BlendFactorOne
		blend.DstAlphaBlendFactor = vulkan.BlendFactorOneMinusSrcAlpha
		blend.AlphaBlendOp = vulkan.BlendOpAdd
	}
	colorBlending := vulkan.PipelineColorBlendStateCreateInfo{
		SType:           vulkan.StructureTypePipelineColorBlendStateCreateInfo,
		AttachmentCount: 1,
		PAttachments:    []vulkan.PipelineColorBlendAttachmentState{blend},
	}

	info := vulkan.GraphicsPipelineCreateInfo{
		SType:               vulkan.StructureTypeGraphicsPipelineCreateInfo,
		StageCount:          uint32(len(stages)),
		PStages:             stages,
		PVertexInputState:   &vertexInput,
		PInputAssemblyState: &inputAssembly,
		PViewportState:      &viewportState,
		PRasterizationState: &rasterizer,
		PMultisampleState:   &multisampling,
		PDepthStencilState:  &depthStencil,
		PColorBlendState:    &colorBlending,
		PDynamicState:       &dynamicState,
		Layout:              state.Layout.(*PipelineLayout).layout,
		RenderPass:          state.Pass.(*RenderPass).pass,
		Subpass:             0,
	}

	vkCache := vulkan.PipelineCache(vulkan.NullHandle)
	if cache != nil {
		vkCache = cache.(*PipelineCache).cache
	}
	pipelines := make([]vulkan.Pipeline, 1)
	res := vulkan.CreateGraphicsPipelines(d.dev, vkCache, 1, []vulkan.GraphicsPipelineCreateInfo{info}, nil, pipelines)
	if err := checkResult(res, "create graphics pipeline"); err != nil {
		return nil, err
	}
	return &Pipeline{d: d, p: pipelines[0]}, nil
}

// Destroy implements gpu.Destroyer.
func (p *Pipeline) Destroy() {
	if p.p != vulkan.Pipeline(vulkan.NullHandle) {
		vulkan.DestroyPipeline(p.d.dev, p.p, nil)
		p.p = vulkan.Pipeline(vulkan.NullHandle)
	}
}

// DescriptorPool is a Vulkan descriptor pool. Sets are freed
// with the pool.
type DescriptorPool struct {
	d    *Device
	pool vulkan.DescriptorPool
}

// NewDescriptorPool implements gpu.Device.
func (d *Device) NewDescriptorPool(maxSets int, sizes []gpu.PoolSize) (gpu.DescriptorPool, error) {
	vkSizes := make([]vulkan.DescriptorPoolSize, len(sizes))
	for i, s := range sizes {
		vkSizes[i] = vulkan.DescriptorPoolSize{
			Type:            vkDescriptorType(s.Type),
			DescriptorCount: uint32(s.Count),
		}
	}
	info := vulkan.DescriptorPoolCreateInfo{
		SType:         vulkan.StructureTypeDescriptorPoolCreateInfo,
		MaxSets:       uint32(maxSets),
		PoolSizeCount: uint32(len(vkSizes)),
		PPoolSizes:    vkSizes,
	}
	var pool vulkan.DescriptorPool
	if err := checkResult(vulkan.CreateDescriptorPool(d.dev, &info, nil, &pool), "create descriptor pool"); err != nil {
		return nil, err
	}
	return &DescriptorPool{d: d, pool: pool}, nil
}

// Alloc implements gpu.DescriptorPool.
func (p *DescriptorPool) Alloc(layout gpu.SetLayout) (gpu.DescriptorSet, error) {
	info := vulkan.DescriptorSetAllocateInfo{
		SType:              vulkan.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     p.pool,
		DescriptorSetCount: 1,
		PSetLayouts:        []vulkan.DescriptorSetLayout{layout.(*SetLayout).layout},
	}
	var set vulkan.DescriptorSet
	if err := checkResult(vulkan.AllocateDescriptorSets(p.d.dev, &info, &set), "allocate descriptor set"); err != nil {
		return nil, err
	}
	return &DescriptorSet{d: p.d, set: set}, nil
}

// Destroy implements gpu.Destroyer.
func (p *DescriptorPool) Destroy() {
	if p.pool != vulkan.DescriptorPool(vulkan.NullHandle) {
		vulkan.DestroyDescriptorPool(p.d.dev, p.pool, nil)
		p.pool = vulkan.DescriptorPool(vulkan.NullHandle)
	}
}

// DescriptorSet is a Vulkan descriptor set.
type DescriptorSet struct {
	d   *Device
	set vulkan.DescriptorSet
}

// WriteBuffer implements gpu.DescriptorSet.
func (s *DescriptorSet) WriteBuffer(binding int, typ gpu.DescriptorType, buf gpu.Buffer, off, size int64) {
	write := vulkan.WriteDescriptorSet{
		SType:           vulkan.StructureTypeWriteDescriptorSet,
		DstSet:          s.set,
		DstBinding:      uint32(binding),
		DstArrayElement: 0,
		DescriptorType:  vkDescriptorType(typ),
		DescriptorCount: 1,
		PBufferInfo: []vulkan.DescriptorBufferInfo{{
			Buffer: buf.(*Buffer).buf,
			Offset: vulkan.DeviceSize(off),
			Range:  vulkan.DeviceSize(size),
		}},
	}
	vulkan.UpdateDescriptorSets(s.d.dev, 1, []vulkan.WriteDescriptorSet{write}, 0, nil)
}

// WriteImage implements gpu.DescriptorSet. The image is expected
// in the shader read layout.
func (s *DescriptorSet) WriteImage(binding int, view gpu.ImageView, splr gpu.Sampler) {
	write := vulkan.WriteDescriptorSet{
		SType:           vulkan.StructureTypeWriteDescriptorSet,
		DstSet:          s.set,
		DstBinding:      uint32(binding),
		DstArrayElement: 0,
		DescriptorType:  vulkan.DescriptorTypeCombinedImageSampler,
		DescriptorCount: 1,
		PImageInfo: []vulkan.DescriptorImageInfo{{
			Sampler:     splr.(*Sampler).s,
			ImageView:   view.(*ImageView).view,
			ImageLayout: vulkan.ImageLayoutShaderReadOnlyOptimal,
		}},
	}
	vulkan.UpdateDescriptorSets(s.d.dev, 1, []vulkan.WriteDescriptorSet{write}, 0, nil)
}

// RenderPass is a single-subpass render pass.
type RenderPass struct {
	d           *Device
	pass        vulkan.RenderPass
	attachments int
	// depth is the index of the depth attachment, or -1.
	depth int
}

// NewRenderPass implements gpu.Device.
func (d *Device) NewRenderPass(desc *gpu.RenderPassDesc) (gpu.RenderPass, error) {
	samples := vkSamples(desc.Samples)
	msaa := desc.Samples > 1

	color := vulkan.AttachmentDescription{
		Format:         vkFormat(desc.Color),
		Samples:        samples,
		LoadOp:         vulkan.AttachmentLoadOpClear,
		StoreOp:        vulkan.AttachmentStoreOpStore,
		StencilLoadOp:  vulkan.AttachmentLoadOpDontCare,
		StencilStoreOp: vulkan.AttachmentStoreOpDontCare,
		InitialLayout:  vulkan.ImageLayoutUndefined,
		FinalLayout:    vulkan.ImageLayoutPresentSrc,
	}
	if msaa {
		color.StoreOp = vulkan.AttachmentStoreOpDontCare
		color.FinalLayout = vulkan.ImageLayoutColorAttachmentOptimal
	}
	attachments := []vulkan.AttachmentDescription{color}
	colorRef := vulkan.AttachmentReference{
		Attachment: 0,
		Layout:     vulkan.ImageLayoutColorAttachmentOptimal,
	}
	subpass := vulkan.SubpassDescription{
		PipelineBindPoint:    vulkan.PipelineBindPointGraphics,
		ColorAttachmentCount: 1,
		PColorAttachments:    []vulkan.AttachmentReference{colorRef},
	}

	depthIndex := -1
	if desc.Depth != gpu.FormatUndefined {
		depthIndex = len(attachments)
		attachments = append(attachments, vulkan.AttachmentDescription{
			Format:         vkFormat(desc.Depth),
			Samples:        samples,
			LoadOp:         vulkan.AttachmentLoadOpClear,
			StoreOp:        vulkan.AttachmentStoreOpDontCare,
			StencilLoadOp:  vulkan.AttachmentLoadOpDontCare,
			StencilStoreOp: vulkan.AttachmentStoreOpDontCare,
			InitialLayout:  vulkan.ImageLayoutUndefined,
			FinalLayout:    vulkan.ImageLayoutDepthStencilAttachmentOptimal,
		})
		subpass.PDepthStencilAttachment = &vulkan.AttachmentReference{
			Attachment: uint32(depthIndex),
			Layout:     vulkan.ImageLayoutDepthStencilAttachmentOptimal,
		}
	}
	if msaa {
		resolve := len(attachments)
		attachments = append(attachments, vulkan.AttachmentDescription{
			Format:         vkFormat(desc.Color),
			Samples:        vulkan.SampleCount1Bit,
			LoadOp:         vulkan.AttachmentLoadOpDontCare,
			StoreOp:        vulkan.AttachmentStoreOpStore,
			StencilLoadOp:  vulkan.AttachmentLoadOpDontCare,
			StencilStoreOp: vulkan.AttachmentStoreOpDontCare,
			InitialLayout:  vulkan.ImageLayoutUndefined,
			FinalLayout:    vulkan.ImageLayoutPresentSrc,
		})
		subpass.PResolveAttachments = []vulkan.AttachmentReference{{
			Attachment: uint32(resolve),
			Layout:     vulkan.ImageLayoutColorAttachmentOptimal,
		}}
	}

	dependency := vulkan.SubpassDependency{
		SrcSubpass:    vulkan.SubpassExternal,
		DstSubpass:    0,
		SrcStageMask:  vulkan.PipelineStageFlags(vulkan.PipelineStageColorAttachmentOutputBit | vulkan.PipelineStageEarlyFragmentTestsBit),
		SrcAccessMask: 0,
		DstStageMask:  vulkan.PipelineStageFlags(vulkan.PipelineStageColorAttachmentOutputBit | vulkan.PipelineStageEarlyFragmentTestsBit),
		DstAccessMask: vulkan.AccessFlags(vulkan.AccessColorAttachmentWriteBit | vulkan.AccessDepthStencilAttachmentWriteBit),
	}

	info := vulkan.RenderPassCreateInfo{
		SType:           vulkan.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    attachments,
		SubpassCount:    1,
		PSubpasses:      []vulkan.SubpassDescription{subpass},
		DependencyCount: 1,
		PDependencies:   []vulkan.SubpassDependency{dependency},
	}
	var pass vulkan.RenderPass
	if err := checkResult(vulkan.CreateRenderPass(d.dev, &info, nil, &pass), "create render pass"); err != nil {
		return nil, err
	}
	return &RenderPass{d: d, pass: pass, attachments: len(attachments), depth: depthIndex}, nil
}

// Destroy implements gpu.Destroyer.
func (p *RenderPass) Destroy() {
	if p.pass != vulkan.RenderPass(vulkan.NullHandle) {
		vulkan.DestroyRenderPass(p.d.dev, p.pass, nil)
		p.pass = vulkan.RenderPass(vulkan.NullHandle)
	}
}

// Framebuffer is a Vulkan framebuffer.
type Framebuffer struct {
	d  *Device
	fb vulkan.Framebuffer
}

// NewFramebuffer implements gpu.Device.
func (d *Device) NewFramebuffer(pass gpu.RenderPass, views []gpu.ImageView, width, height int) (gpu.Framebuffer, error) {
	rp := pass.(*RenderPass)
	if len(views) != rp.attachments {
		return nil, errors.Newf("vk: framebuffer has %d views, render pass takes %d", len(views), rp.attachments)
	}
	attachments := make([]vulkan.ImageView, len(views))
	for i, v := range views {
		attachments[i] = v.(*ImageView).view
	}
	info := vulkan.FramebufferCreateInfo{
		SType:           vulkan.StructureTypeFramebufferCreateInfo,
		RenderPass:      rp.pass,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    attachments,
		Width:           uint32(width),
		Height:          uint32(height),
		Layers:          1,
	}
	var fb vulkan.Framebuffer
	if err := checkResult(vulkan.CreateFramebuffer(d.dev, &info, nil, &fb), "create framebuffer"); err != nil {
		return nil, err
	}
	return &Framebuffer{d: d, fb: fb}, nil
}

// Destroy implements gpu.Destroyer.
func (f *Framebuffer) Destroy() {
	if f.fb != vulkan.Framebuffer(vulkan.NullHandle) {
		vulkan.DestroyFramebuffer(f.d.dev, f.fb, nil)
		f.fb = vulkan.Framebuffer(vulkan.NullHandle)
	}
}
