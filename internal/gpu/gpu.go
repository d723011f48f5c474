// Package gpu defines the set of interfaces the renderer uses to
// talk to a graphics device.
// Backends (such as package vk) implement these interfaces on top
// of a platform API. The renderer only depends on this package,
// so the whole frame loop can be driven by a test double.
package gpu

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Sentinel errors shared by all backends.
var (
	// ErrNoDevice means that no suitable device could be found.
	ErrNoDevice = errors.New("gpu: no suitable device found")

	// ErrOutOfDate means that the swapchain no longer matches the
	// surface and must be rebuilt before further use.
	ErrOutOfDate = errors.New("gpu: swapchain out of date")

	// ErrSuboptimal means that the swapchain can still be used but
	// no longer matches the surface exactly.
	ErrSuboptimal = errors.New("gpu: swapchain suboptimal")

	// ErrTimeout means that a bounded wait expired.
	ErrTimeout = errors.New("gpu: wait timed out")

	// ErrDeviceLost means that the device is in an unrecoverable state.
	ErrDeviceLost = errors.New("gpu: device lost")

	// ErrOutOfDeviceMemory means that device memory could not be
	// allocated.
	ErrOutOfDeviceMemory = errors.New("gpu: out of device memory")

	// ErrOutOfHostMemory means that host memory could not be allocated.
	ErrOutOfHostMemory = errors.New("gpu: out of host memory")

	// ErrSurface means that the window surface could not be created
	// or queried.
	ErrSurface = errors.New("gpu: surface error")
)

// Destroyer is the interface that wraps the Destroy method.
// Types that implement it hold memory not managed by the GC,
// so Destroy must be called explicitly.
type Destroyer interface {
	Destroy()
}

// Instance is the entry point of a backend.
// It is created already bound to a window surface and to the
// validation toggle, so it works as the platform strategy object
// selected at start-up.
type Instance interface {
	Destroyer

	// Adapters enumerates the physical devices visible to the
	// instance. Present support in each QueueFamily refers to
	// the instance's surface.
	Adapters() ([]Adapter, error)

	// NewDevice creates a logical device on the given adapter.
	NewDevice(a *Adapter, desc *DeviceDesc) (Device, error)
}

// Device is a logical device.
// Its queues and limits are immutable for its lifetime.
type Device interface {
	Destroyer

	// WaitIdle blocks until all queues are idle.
	WaitIdle() error

	// Queue returns the first queue of the given family.
	Queue(family int) Queue

	// MemoryTypes returns the memory types of the device.
	MemoryTypes() []MemoryType

	AllocateMemory(typeIndex int, size int64, priority float32) (Memory, error)
	NewBuffer(size int64, usage BufferUsage) (Buffer, error)
	NewImage(desc *ImageDesc) (Image, error)
	NewSampler(desc *SamplerDesc) (Sampler, error)

	NewFence(signaled bool) (Fence, error)
	NewSemaphore() (Semaphore, error)
	NewCmdPool(family int) (CmdPool, error)

	NewShaderModule(code []byte) (ShaderModule, error)
	NewSetLayout(bindings []Binding) (SetLayout, error)
	NewPipelineLayout(sets []SetLayout, push []PushRange) (PipelineLayout, error)
	NewPipelineCache(initial []byte) (PipelineCache, error)
	NewGraphicsPipeline(cache PipelineCache, state *GraphicsState) (Pipeline, error)
	NewDescriptorPool(maxSets int, sizes []PoolSize) (DescriptorPool, error)

	NewRenderPass(desc *RenderPassDesc) (RenderPass, error)
	NewFramebuffer(pass RenderPass, views []ImageView, width, height int) (Framebuffer, error)

	// SurfaceCaps queries the surface the instance is bound to.
	SurfaceCaps() (SurfaceCaps, error)

	// NewSwapchain creates a swapchain. If old is not nil, it is
	// passed to the platform as a hint for resource reuse; the
	// caller still destroys old afterwards.
	NewSwapchain(desc *SwapchainDesc, old Swapchain) (Swapchain, error)
}

// Queue is a device queue.
// Calls on the same queue must be externally synchronized.
type Queue interface {
	// Submit submits command buffers for execution. The fence,
	// if not nil, is signaled when all of them complete.
	Submit(sub []Submission, fence Fence) error

	// Present queues the swapchain image for presentation after
	// the wait semaphores are signaled.
	// It returns ErrOutOfDate or ErrSuboptimal when the swapchain
	// needs to be rebuilt.
	Present(sc Swapchain, index int, wait []Semaphore) error

	WaitIdle() error
}

// Submission is one batch in a Queue.Submit call.
type Submission struct {
	Wait       []Semaphore
	WaitStages []Stage
	Cmds       []CmdBuffer
	Signal     []Semaphore
}

// Memory is a block of device memory.
type Memory interface {
	Destroyer

	Size() int64

	// Map maps the whole block and returns a slice that stays
	// valid until Destroy. Repeated calls return the same slice.
	Map() ([]byte, error)
}

// MemReq describes the memory requirements of a resource.
type MemReq struct {
	Size      int64
	Alignment int64
	TypeBits  uint32
}

// Buffer is a linear resource.
type Buffer interface {
	Destroyer
	Requirements() MemReq
	Bind(m Memory, off int64) error
}

// Image is a texel resource.
type Image interface {
	Destroyer
	Requirements() MemReq
	Bind(m Memory, off int64) error
	NewView(aspect Aspect, levels int) (ImageView, error)
}

// ImageView is a view of an Image.
type ImageView interface {
	Destroyer
}

// Sampler is an image sampler.
type Sampler interface {
	Destroyer
}

// Fence is a GPU to CPU completion signal.
type Fence interface {
	Destroyer

	// Wait blocks until the fence is signaled or the timeout
	// expires, in which case it returns ErrTimeout.
	Wait(timeout time.Duration) error

	Reset() error

	// Signaled reports the current state without blocking.
	Signaled() (bool, error)
}

// Semaphore is a GPU to GPU ordering primitive.
type Semaphore interface {
	Destroyer
}

// CmdPool allocates command buffers for a single queue family.
// A pool and the command buffers allocated from it must only be
// used by one goroutine at a time.
type CmdPool interface {
	Destroyer

	// Reset resets every command buffer allocated from the pool.
	Reset() error

	Alloc(level CmdLevel, n int) ([]CmdBuffer, error)
}

// ShaderModule is a compiled shader.
type ShaderModule interface {
	Destroyer
}

// SetLayout is a descriptor set layout.
type SetLayout interface {
	Destroyer
}

// PipelineLayout describes the sets and push constants a pipeline
// can access.
type PipelineLayout interface {
	Destroyer
}

// PipelineCache is an opaque, vendor-defined pipeline cache.
type PipelineCache interface {
	Destroyer

	// Data returns the serialized cache.
	Data() ([]byte, error)
}

// Pipeline is a pipeline state object.
type Pipeline interface {
	Destroyer
}

// DescriptorPool allocates descriptor sets.
type DescriptorPool interface {
	Destroyer
	Alloc(layout SetLayout) (DescriptorSet, error)
}

// DescriptorSet is a set of resource bindings.
// Updates must not happen while a command buffer using the set
// is pending execution.
type DescriptorSet interface {
	WriteBuffer(binding int, typ DescriptorType, buf Buffer, off, size int64)
	WriteImage(binding int, view ImageView, splr Sampler)
}

// RenderPass is a render pass.
type RenderPass interface {
	Destroyer
}

// Framebuffer is a set of attachments for a RenderPass.
type Framebuffer interface {
	Destroyer
}

// Swapchain is a chain of presentable images.
type Swapchain interface {
	Destroyer

	// Images returns the swapchain images. They must not be
	// destroyed by the caller.
	Images() []Image

	// Acquire acquires the next image and arranges for signal
	// to be signaled when it is ready. A suboptimal acquire
	// returns a valid index along with ErrSuboptimal.
	Acquire(signal Semaphore, timeout time.Duration) (int, error)
}
