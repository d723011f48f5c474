package vk

import (
	"unsafe"

	"github.com/vulkan-go/vulkan"

	"Dragonfire/internal/gpu"
)

// CmdPool is a Vulkan command pool.
type CmdPool struct {
	d    *Device
	pool vulkan.CommandPool
}

// NewCmdPool implements gpu.Device.
func (d *Device) NewCmdPool(family int) (gpu.CmdPool, error) {
	info := vulkan.CommandPoolCreateInfo{
		SType:            vulkan.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: uint32(family),
		Flags:            vulkan.CommandPoolCreateFlags(vulkan.CommandPoolCreateResetCommandBufferBit),
	}
	var pool vulkan.CommandPool
	if err := checkResult(vulkan.CreateCommandPool(d.dev, &info, nil, &pool), "create command pool"); err != nil {
		return nil, err
	}
	return &CmdPool{d: d, pool: pool}, nil
}

// Reset implements gpu.CmdPool.
func (p *CmdPool) Reset() error {
	return checkResult(vulkan.ResetCommandPool(p.d.dev, p.pool, 0), "reset command pool")
}

// Alloc implements gpu.CmdPool.
func (p *CmdPool) Alloc(level gpu.CmdLevel, n int) ([]gpu.CmdBuffer, error) {
	vkLevel := vulkan.CommandBufferLevelPrimary
	if level == gpu.CmdSecondary {
		vkLevel = vulkan.CommandBufferLevelSecondary
	}
	info := vulkan.CommandBufferAllocateInfo{
		SType:              vulkan.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        p.pool,
		Level:              vkLevel,
		CommandBufferCount: uint32(n),
	}
	cbs := make([]vulkan.CommandBuffer, n)
	if err := checkResult(vulkan.AllocateCommandBuffers(p.d.dev, &info, cbs), "allocate command buffers"); err != nil {
		return nil, err
	}
	out := make([]gpu.CmdBuffer, n)
	for i, cb := range cbs {
		out[i] = &CmdBuffer{d: p.d, cb: cb, level: level}
	}
	return out, nil
}

// Destroy frees the pool and every command buffer allocated
// from it.
func (p *CmdPool) Destroy() {
	if p.pool != vulkan.CommandPool(vulkan.NullHandle) {
		vulkan.DestroyCommandPool(p.d.dev, p.pool, nil)
		p.pool = vulkan.CommandPool(vulkan.NullHandle)
	}
}

// CmdBuffer is a Vulkan command buffer.
type CmdBuffer struct {
	d     *Device
	cb    vulkan.CommandBuffer
	level gpu.CmdLevel
}

// Begin implements gpu.CmdBuffer.
func (c *CmdBuffer) Begin(inh *gpu.Inheritance) error {
	info := vulkan.CommandBufferBeginInfo{
		SType: vulkan.StructureTypeCommandBufferBeginInfo,
		Flags: vulkan.CommandBufferUsageFlags(vulkan.CommandBufferUsageOneTimeSubmitBit),
	}
	if c.level == gpu.CmdSecondary {
		inherit := vulkan.CommandBufferInheritanceInfo{
			SType: vulkan.StructureTypeCommandBufferInheritanceInfo,
		}
		if inh != nil {
			inherit.RenderPass = inh.Pass.(*RenderPass).pass
			inherit.Subpass = 0
			if inh.Framebuffer != nil {
				inherit.Framebuffer = inh.Framebuffer.(*Framebuffer).fb
			}
			info.Flags |= vulkan.CommandBufferUsageFlags(vulkan.CommandBufferUsageRenderPassContinueBit)
		}
		info.PInheritanceInfo = []vulkan.CommandBufferInheritanceInfo{inherit}
	}
	return checkResult(vulkan.BeginCommandBuffer(c.cb, &info), "begin command buffer")
}

// End implements gpu.CmdBuffer.
func (c *CmdBuffer) End() error {
	return checkResult(vulkan.EndCommandBuffer(c.cb), "end command buffer")
}

// Reset implements gpu.CmdBuffer.
func (c *CmdBuffer) Reset() error {
	return checkResult(vulkan.ResetCommandBuffer(c.cb, 0), "reset command buffer")
}

// BeginPass implements gpu.CmdBuffer.
func (c *CmdBuffer) BeginPass(pass gpu.RenderPass, fb gpu.Framebuffer, area gpu.Rect, clear gpu.ClearValue, secondary bool) {
	rp := pass.(*RenderPass)
	clearValues := make([]vulkan.ClearValue, rp.attachments)
	for i := range clearValues {
		if rp.depth == i {
			clearValues[i] = vulkan.NewClearDepthStencil(clear.Depth, 0)
		} else {
			clearValues[i] = vulkan.NewClearValue(clear.Color[:])
		}
	}
	info := vulkan.RenderPassBeginInfo{
		SType:           vulkan.StructureTypeRenderPassBeginInfo,
		RenderPass:      rp.pass,
		Framebuffer:     fb.(*Framebuffer).fb,
		RenderArea:      vkRect(area),
		ClearValueCount: uint32(len(clearValues)),
		PClearValues:    clearValues,
	}
	contents := vulkan.SubpassContentsInline
	if secondary {
		contents = vulkan.SubpassContentsSecondaryCommandBuffers
	}
	vulkan.CmdBeginRenderPass(c.cb, &info, contents)
}

// EndPass implements gpu.CmdBuffer.
func (c *CmdBuffer) EndPass() {
	vulkan.CmdEndRenderPass(c.cb)
}

// Execute implements gpu.CmdBuffer.
func (c *CmdBuffer) Execute(cmds []gpu.CmdBuffer) {
	if len(cmds) == 0 {
		return
	}
	cbs := make([]vulkan.CommandBuffer, len(cmds))
	for i, cmd := range cmds {
		cbs[i] = cmd.(*CmdBuffer).cb
	}
	vulkan.CmdExecuteCommands(c.cb, uint32(len(cbs)), cbs)
}

// SetViewport implements gpu.CmdBuffer.
func (c *CmdBuffer) SetViewport(vp gpu.Viewport) {
	vulkan.CmdSetViewport(c.cb, 0, 1, []vulkan.Viewport{{
		X:        vp.X,
		Y:        vp.Y,
		Width:    vp.Width,
		Height:   vp.Height,
		MinDepth: vp.MinDepth,
		MaxDepth: vp.MaxDepth,
	}})
}

// SetScissor implements gpu.CmdBuffer.
func (c *CmdBuffer) SetScissor(r gpu.Rect) {
	vulkan.CmdSetScissor(c.cb, 0, 1, []vulkan.Rect2D{vkRect(r)})
}

func vkRect(r gpu.Rect) vulkan.Rect2D {
	return vulkan.Rect2D{
		Offset: vulkan.Offset2D{X: int32(r.X), Y: int32(r.Y)},
		Extent: vulkan.Extent2D{Width: uint32(r.Width), Height: uint32(r.Height)},
	}
}

// BindPipeline implements gpu.CmdBuffer.
func (c *CmdBuffer) BindPipeline(p gpu.Pipeline) {
	vulkan.CmdBindPipeline(c.cb, vulkan.PipelineBindPointGraphics, p.(*Pipeline).p)
}

// BindDescriptorSet implements gpu.CmdBuffer.
func (c *CmdBuffer) BindDescriptorSet(layout gpu.PipelineLayout, set int, ds gpu.DescriptorSet, dynOffsets []uint32) {
	vulkan.CmdBindDescriptorSets(c.cb, vulkan.PipelineBindPointGraphics, layout.(*PipelineLayout).layout,
		uint32(set), 1, []vulkan.DescriptorSet{ds.(*DescriptorSet).set},
		uint32(len(dynOffsets)), dynOffsets)
}

// BindVertexBuffer implements gpu.CmdBuffer.
func (c *CmdBuffer) BindVertexBuffer(buf gpu.Buffer, off int64) {
	vulkan.CmdBindVertexBuffers(c.cb, 0, 1, []vulkan.Buffer{buf.(*Buffer).buf}, []vulkan.DeviceSize{vulkan.DeviceSize(off)})
}

// BindIndexBuffer implements gpu.CmdBuffer.
func (c *CmdBuffer) BindIndexBuffer(buf gpu.Buffer, off int64, index32 bool) {
	typ := vulkan.IndexTypeUint16
	if index32 {
		typ = vulkan.IndexTypeUint32
	}
	vulkan.CmdBindIndexBuffer(c.cb, buf.(*Buffer).buf, vulkan.DeviceSize(off), typ)
}

// PushConstants implements gpu.CmdBuffer.
func (c *CmdBuffer) PushConstants(layout gpu.PipelineLayout, stages gpu.ShaderStage, off int, data []byte) {
	if len(data) == 0 {
		return
	}
	vulkan.CmdPushConstants(c.cb, layout.(*PipelineLayout).layout, vkShaderStages(stages),
		uint32(off), uint32(len(data)), unsafe.Pointer(&data[0]))
}

// DrawIndexed implements gpu.CmdBuffer.
func (c *CmdBuffer) DrawIndexed(indexCount, instanceCount, firstIndex, vertexOffset, firstInstance int) {
	vulkan.CmdDrawIndexed(c.cb, uint32(indexCount), uint32(instanceCount), uint32(firstIndex), int32(vertexOffset), uint32(firstInstance))
}

// CopyBuffer implements gpu.CmdBuffer.
func (c *CmdBuffer) CopyBuffer(dst gpu.Buffer, dstOff int64, src gpu.Buffer, srcOff int64, size int64) {
	vulkan.CmdCopyBuffer(c.cb, src.(*Buffer).buf, dst.(*Buffer).buf, 1, []vulkan.BufferCopy{{
		SrcOffset: vulkan.DeviceSize(srcOff),
		DstOffset: vulkan.DeviceSize(dstOff),
		Size:      vulkan.DeviceSize(size),
	}})
}

// CopyBufferToImage implements gpu.CmdBuffer. The image must be
// in the transfer destination layout.
func (c *CmdBuffer) CopyBufferToImage(dst gpu.Image, src gpu.Buffer, regions []gpu.BufferImageCopy) {
	if len(regions) == 0 {
		return
	}
	copies := make([]vulkan.BufferImageCopy, len(regions))
	for i, r := range regions {
		copies[i] = vulkan.BufferImageCopy{
			BufferOffset: vulkan.DeviceSize(r.Off),
			ImageSubresource: vulkan.ImageSubresourceLayers{
				AspectMask:     vulkan.ImageAspectFlags(vulkan.ImageAspectColorBit),
				MipLevel:       uint32(r.Level),
				BaseArrayLayer: 0,
				LayerCount:     1,
			},
			ImageOffset: vulkan.Offset3D{},
			ImageExtent: vulkan.Extent3D{
				Width:  uint32(r.Width),
				Height: uint32(r.Height),
				Depth:  1,
			},
		}
	}
	vulkan.CmdCopyBufferToImage(c.cb, src.(*Buffer).buf, dst.(*Image).img,
		vulkan.ImageLayoutTransferDstOptimal, uint32(len(copies)), copies)
}

// Barrier implements gpu.CmdBuffer. All transitions go into one
// pipeline barrier whose stages cover every transition.
func (c *CmdBuffer) Barrier(t []gpu.Transition) {
	if len(t) == 0 {
		return
	}
	var srcStages, dstStages vulkan.PipelineStageFlagBits
	barriers := make([]vulkan.ImageMemoryBarrier, len(t))
	for i, tr := range t {
		srcAccess, srcStage := layoutSync(tr.From)
		dstAccess, dstStage := layoutSync(tr.To)
		srcStages |= srcStage
		dstStages |= dstStage
		levels := tr.Levels
		if levels < 1 {
			levels = 1
		}
		barriers[i] = vulkan.ImageMemoryBarrier{
			SType:               vulkan.StructureTypeImageMemoryBarrier,
			OldLayout:           vkLayout(tr.From),
			NewLayout:           vkLayout(tr.To),
			SrcAccessMask:       vulkan.AccessFlags(srcAccess),
			DstAccessMask:       vulkan.AccessFlags(dstAccess),
			SrcQueueFamilyIndex: vulkan.QueueFamilyIgnored,
			DstQueueFamilyIndex: vulkan.QueueFamilyIgnored,
			Image:               tr.Image.(*Image).img,
			SubresourceRange: vulkan.ImageSubresourceRange{
				AspectMask:     vkAspect(tr.Aspect),
				BaseMipLevel:   uint32(tr.BaseLevel),
				LevelCount:     uint32(levels),
				BaseArrayLayer: 0,
				LayerCount:     1,
			},
		}
	}
	vulkan.CmdPipelineBarrier(c.cb, vulkan.PipelineStageFlags(srcStages), vulkan.PipelineStageFlags(dstStages),
		0, 0, nil, 0, nil, uint32(len(barriers)), barriers)
}
