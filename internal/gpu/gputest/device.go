package gputest

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"

	"Dragonfire/internal/gpu"
)

// Device is a mock gpu.Device.
// All of its methods are safe for concurrent use.
type Device struct {
	inst    *Instance
	adapter gpu.Adapter
	desc    gpu.DeviceDesc
	queues  map[int]*Queue

	mu         sync.Mutex
	caps       gpu.SurfaceCaps
	live       int
	doubles    int
	violations []string
	destroyed  bool

	failAlloc    bool
	failViewAt   int
	views        int
	acquireQueue []error
	presentQueue []error
	swapchains   []*Swapchain
	cacheInits   [][]byte
	pipelines    int
	submits      int
	presented    []int
	writes       []Write
	pending      []*Fence
}

// Write records one descriptor write.
type Write struct {
	Binding int
	Off     int64
	Size    int64
}

// Adapter returns the adapter the device was created on.
func (d *Device) Adapter() gpu.Adapter { return d.adapter }

// Desc returns the description the device was created with.
func (d *Device) Desc() gpu.DeviceDesc { return d.desc }

func (d *Device) created() {
	d.mu.Lock()
	d.live++
	d.mu.Unlock()
}

// release records the destruction of an object.
// It returns false if the object had already been destroyed.
func (d *Device) release(flag *bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if *flag {
		d.doubles++
		return false
	}
	*flag = true
	d.live--
	return true
}

func (d *Device) violate(format string, args ...any) {
	d.mu.Lock()
	d.violations = append(d.violations, fmt.Sprintf(format, args...))
	d.mu.Unlock()
}

// Live returns the number of objects created and not yet
// destroyed. Swapchain images are not counted.
func (d *Device) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

// DoubleDestroys returns how many times an already destroyed
// object was destroyed again.
func (d *Device) DoubleDestroys() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doubles
}

// Violations returns the synchronization rule violations seen
// so far.
func (d *Device) Violations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.violations...)
}

// Destroyed reports whether Destroy was called.
func (d *Device) Destroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

// SetCaps replaces the surface capabilities, as a window resize
// would.
func (d *Device) SetCaps(c gpu.SurfaceCaps) {
	d.mu.Lock()
	d.caps = c
	d.mu.Unlock()
}

// FailAlloc makes AllocateMemory fail.
func (d *Device) FailAlloc(fail bool) {
	d.mu.Lock()
	d.failAlloc = fail
	d.mu.Unlock()
}

// FailViewAt makes the n-th (1-based) subsequent image view
// creation fail. Zero disables the failure.
func (d *Device) FailViewAt(n int) {
	d.mu.Lock()
	d.failViewAt = n
	d.views = 0
	d.mu.Unlock()
}

// PushAcquire queues a result for a future Swapchain.Acquire.
// Results are consumed in order; nil means success.
func (d *Device) PushAcquire(err error) {
	d.mu.Lock()
	d.acquireQueue = append(d.acquireQueue, err)
	d.mu.Unlock()
}

// PushPresent queues a result for a future Queue.Present.
func (d *Device) PushPresent(err error) {
	d.mu.Lock()
	d.presentQueue = append(d.presentQueue, err)
	d.mu.Unlock()
}

// Swapchains returns every swapchain created so far, oldest
// first.
func (d *Device) Swapchains() []*Swapchain {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Swapchain(nil), d.swapchains...)
}

// CacheInits returns the initial data of every pipeline cache
// created so far.
func (d *Device) CacheInits() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.cacheInits...)
}

// Pipelines returns the number of pipelines created.
func (d *Device) Pipelines() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pipelines
}

// Submits returns the number of Queue.Submit calls.
func (d *Device) Submits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submits
}

// Presented returns the image indices presented, in order.
func (d *Device) Presented() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.presented...)
}

// Writes returns every descriptor buffer write.
func (d *Device) Writes() []Write {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Write(nil), d.writes...)
}

// CompleteAll signals every fence of a pending submission.
func (d *Device) CompleteAll() {
	d.mu.Lock()
	p := d.pending
	d.pending = nil
	d.mu.Unlock()
	for _, f := range p {
		f.signal()
	}
}

// Destroy implements gpu.Destroyer.
func (d *Device) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		d.doubles++
		return
	}
	d.destroyed = true
}

// WaitIdle implements gpu.Device.
func (d *Device) WaitIdle() error {
	if d.inst.cfg.Manual {
		d.CompleteAll()
		return nil
	}
	d.mu.Lock()
	p := append([]*Fence(nil), d.pending...)
	d.mu.Unlock()
	for _, f := range p {
		<-f.done()
	}
	return nil
}

// Queue implements gpu.Device.
func (d *Device) Queue(family int) gpu.Queue {
	q, ok := d.queues[family]
	if !ok {
		panic(fmt.Sprintf("gputest: no queue for family %d", family))
	}
	return q
}

// MemoryTypes implements gpu.Device.
func (d *Device) MemoryTypes() []gpu.MemoryType {
	return d.inst.cfg.MemoryTypes
}

// AllocateMemory implements gpu.Device.
func (d *Device) AllocateMemory(typeIndex int, size int64, priority float32) (gpu.Memory, error) {
	d.mu.Lock()
	fail := d.failAlloc
	d.mu.Unlock()
	if fail {
		return nil, gpu.ErrOutOfDeviceMemory
	}
	types := d.MemoryTypes()
	if typeIndex < 0 || typeIndex >= len(types) {
		return nil, errors.Newf("gputest: bad memory type %d", typeIndex)
	}
	if size <= 0 {
		return nil, errors.Newf("gputest: bad allocation size %d", size)
	}
	m := &Memory{object: object{dev: d}, size: size, typ: typeIndex, Priority: priority}
	d.created()
	return m, nil
}

// NewBuffer implements gpu.Device.
func (d *Device) NewBuffer(size int64, usage gpu.BufferUsage) (gpu.Buffer, error) {
	if size <= 0 {
		return nil, errors.Newf("gputest: bad buffer size %d", size)
	}
	b := &Buffer{object: object{dev: d}, size: size, Usage: usage}
	d.created()
	return b, nil
}

// NewImage implements gpu.Device.
func (d *Device) NewImage(desc *gpu.ImageDesc) (gpu.Image, error) {
	if desc.Width <= 0 || desc.Height <= 0 {
		return nil, errors.Newf("gputest: bad image size %dx%d", desc.Width, desc.Height)
	}
	img := &Image{object: object{dev: d}, Desc: *desc}
	d.created()
	return img, nil
}

// NewSampler implements gpu.Device.
func (d *Device) NewSampler(desc *gpu.SamplerDesc) (gpu.Sampler, error) {
	s := &object{dev: d}
	d.created()
	return s, nil
}

// NewFence implements gpu.Device.
func (d *Device) NewFence(signaled bool) (gpu.Fence, error) {
	f := newFence(d, signaled)
	d.created()
	return f, nil
}

// NewSemaphore implements gpu.Device.
func (d *Device) NewSemaphore() (gpu.Semaphore, error) {
	s := &Semaphore{object: object{dev: d}}
	d.created()
	return s, nil
}

// NewCmdPool implements gpu.Device.
func (d *Device) NewCmdPool(family int) (gpu.CmdPool, error) {
	if _, ok := d.queues[family]; !ok {
		return nil, errors.Newf("gputest: no queue for family %d", family)
	}
	p := &CmdPool{object: object{dev: d}, family: family}
	d.created()
	return p, nil
}

// NewShaderModule implements gpu.Device.
func (d *Device) NewShaderModule(code []byte) (gpu.ShaderModule, error) {
	if len(code) == 0 || len(code)%4 != 0 {
		return nil, errors.New("gputest: bad shader code size")
	}
	s := &object{dev: d}
	d.created()
	return s, nil
}

// NewSetLayout implements gpu.Device.
func (d *Device) NewSetLayout(bindings []gpu.Binding) (gpu.SetLayout, error) {
	s := &object{dev: d}
	d.created()
	return s, nil
}

// NewPipelineLayout implements gpu.Device.
func (d *Device) NewPipelineLayout(sets []gpu.SetLayout, push []gpu.PushRange) (gpu.PipelineLayout, error) {
	s := &object{dev: d}
	d.created()
	return s, nil
}

// NewPipelineCache implements gpu.Device.
func (d *Device) NewPipelineCache(initial []byte) (gpu.PipelineCache, error) {
	c := &PipelineCache{object: object{dev: d}, data: append([]byte(nil), initial...)}
	d.mu.Lock()
	d.cacheInits = append(d.cacheInits, c.data)
	d.mu.Unlock()
	d.created()
	return c, nil
}

// NewGraphicsPipeline implements gpu.Device.
func (d *Device) NewGraphicsPipeline(cache gpu.PipelineCache, state *gpu.GraphicsState) (gpu.Pipeline, error) {
	if len(state.Stages) == 0 {
		return nil, errors.New("gputest: pipeline has no stages")
	}
	if state.Layout == nil || state.Pass == nil {
		return nil, errors.New("gputest: pipeline needs a layout and a render pass")
	}
	if c, ok := cache.(*PipelineCache); ok {
		c.add()
	}
	p := &object{dev: d}
	d.mu.Lock()
	d.pipelines++
	d.mu.Unlock()
	d.created()
	return p, nil
}

// NewDescriptorPool implements gpu.Device.
func (d *Device) NewDescriptorPool(maxSets int, sizes []gpu.PoolSize) (gpu.DescriptorPool, error) {
	p := &DescriptorPool{object: object{dev: d}, max: maxSets}
	d.created()
	return p, nil
}

// NewRenderPass implements gpu.Device.
func (d *Device) NewRenderPass(desc *gpu.RenderPassDesc) (gpu.RenderPass, error) {
	p := &object{dev: d}
	d.created()
	return p, nil
}

// NewFramebuffer implements gpu.Device.
func (d *Device) NewFramebuffer(pass gpu.RenderPass, views []gpu.ImageView, width, height int) (gpu.Framebuffer, error) {
	if p, ok := pass.(*object); ok && p.Destroyed() {
		return nil, errors.New("gputest: framebuffer of a destroyed render pass")
	}
	for _, v := range views {
		if iv, ok := v.(*object); ok && iv.Destroyed() {
			return nil, errors.New("gputest: framebuffer of a destroyed view")
		}
	}
	f := &object{dev: d}
	d.created()
	return f, nil
}

// SurfaceCaps implements gpu.Device.
func (d *Device) SurfaceCaps() (gpu.SurfaceCaps, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps, nil
}

// NewSwapchain implements gpu.Device.
func (d *Device) NewSwapchain(desc *gpu.SwapchainDesc, old gpu.Swapchain) (gpu.Swapchain, error) {
	if desc.Images <= 0 {
		return nil, errors.New("gputest: swapchain needs images")
	}
	sc := &Swapchain{object: object{dev: d}, Desc: *desc, Old: old}
	for i := 0; i < desc.Images; i++ {
		sc.images = append(sc.images, &Image{object: object{dev: d}, Desc: gpu.ImageDesc{
			Format: desc.Format.Format,
			Width:  desc.Extent.Width,
			Height: desc.Extent.Height,
			Levels: 1,
		}, owned: true})
	}
	d.mu.Lock()
	d.swapchains = append(d.swapchains, sc)
	d.mu.Unlock()
	d.created()
	return sc, nil
}
