package gpu

import "github.com/go-gl/mathgl/mgl32"

// Layout is an image layout.
type Layout int

// Image layouts.
const (
	LayoutUndefined Layout = iota
	LayoutTransferDst
	LayoutTransferSrc
	LayoutShaderRead
	LayoutColorTarget
	LayoutDepthTarget
	LayoutPresent
)

// Inheritance is the render pass state a secondary command
// buffer continues.
type Inheritance struct {
	Pass        RenderPass
	Framebuffer Framebuffer
}

// ClearValue holds the clear values of a render pass.
type ClearValue struct {
	Color mgl32.Vec4
	Depth float32
}

// Viewport is a viewport transform.
type Viewport struct {
	X, Y          float32
	Width, Height float32
	MinDepth      float32
	MaxDepth      float32
}

// Rect is an integer rectangle.
type Rect struct {
	X, Y          int
	Width, Height int
}

// BufferImageCopy describes a copy from a buffer to one mip
// level of an image.
type BufferImageCopy struct {
	Off    int64
	Level  int
	Width  int
	Height int
}

// Transition describes an image layout transition.
type Transition struct {
	Image     Image
	Aspect    Aspect
	BaseLevel int
	Levels    int
	From      Layout
	To        Layout
}

// CmdBuffer records commands.
// Methods that record a command do not return an error;
// recording errors are reported by End.
type CmdBuffer interface {
	// Begin begins recording. A secondary command buffer that
	// continues a render pass passes the pass state in inh;
	// primaries pass nil.
	Begin(inh *Inheritance) error
	End() error

	// Reset discards whatever was recorded.
	Reset() error

	// BeginPass begins a render pass. If secondary is set, the
	// pass contents are provided by Execute.
	BeginPass(pass RenderPass, fb Framebuffer, area Rect, clear ClearValue, secondary bool)
	EndPass()

	// Execute records secondary command buffers into a primary.
	Execute(cmds []CmdBuffer)

	SetViewport(vp Viewport)
	SetScissor(r Rect)

	BindPipeline(p Pipeline)
	BindDescriptorSet(layout PipelineLayout, set int, ds DescriptorSet, dynOffsets []uint32)
	BindVertexBuffer(buf Buffer, off int64)
	BindIndexBuffer(buf Buffer, off int64, index32 bool)
	PushConstants(layout PipelineLayout, stages ShaderStage, off int, data []byte)
	DrawIndexed(indexCount, instanceCount, firstIndex, vertexOffset, firstInstance int)

	CopyBuffer(dst Buffer, dstOff int64, src Buffer, srcOff int64, size int64)
	CopyBufferToImage(dst Image, src Buffer, regions []BufferImageCopy)
	Barrier(t []Transition)
}
