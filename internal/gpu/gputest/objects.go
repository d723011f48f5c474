package gputest

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"Dragonfire/internal/gpu"
)

// object is the common part of every mock object.
type object struct {
	dev  *Device
	gone bool
}

func (o *object) Destroy() { o.dev.release(&o.gone) }

// Destroyed reports whether the object was destroyed.
func (o *object) Destroyed() bool {
	o.dev.mu.Lock()
	defer o.dev.mu.Unlock()
	return o.gone
}

// Memory is a mock gpu.Memory backed by a Go slice.
type Memory struct {
	object
	size     int64
	typ      int
	mapped   []byte
	Priority float32
}

// Size implements gpu.Memory.
func (m *Memory) Size() int64 { return m.size }

// Map implements gpu.Memory.
func (m *Memory) Map() ([]byte, error) {
	if m.dev.MemoryTypes()[m.typ].Props&gpu.MemHostVisible == 0 {
		return nil, errors.New("gputest: mapping memory that is not host visible")
	}
	m.dev.mu.Lock()
	defer m.dev.mu.Unlock()
	if m.mapped == nil {
		m.mapped = make([]byte, m.size)
	}
	return m.mapped, nil
}

func allTypes(d *Device) uint32 {
	return uint32(1)<<uint(len(d.MemoryTypes())) - 1
}

func deviceLocalTypes(d *Device) uint32 {
	var bits uint32
	for i, t := range d.MemoryTypes() {
		if t.Props&gpu.MemDeviceLocal != 0 {
			bits |= 1 << uint(i)
		}
	}
	return bits
}

func bind(o *object, req gpu.MemReq, m gpu.Memory, off int64) error {
	mem, ok := m.(*Memory)
	if !ok {
		return errors.New("gputest: foreign memory")
	}
	if mem.Destroyed() || o.Destroyed() {
		return errors.New("gputest: bind of a destroyed object")
	}
	if off%req.Alignment != 0 {
		return errors.Newf("gputest: offset %d not aligned to %d", off, req.Alignment)
	}
	if off+req.Size > mem.size {
		return errors.Newf("gputest: range [%d, %d) exceeds memory size %d", off, off+req.Size, mem.size)
	}
	if req.TypeBits&(1<<uint(mem.typ)) == 0 {
		return errors.Newf("gputest: memory type %d not allowed", mem.typ)
	}
	return nil
}

// Buffer is a mock gpu.Buffer.
type Buffer struct {
	object
	size  int64
	Usage gpu.BufferUsage
	Mem   *Memory
	Off   int64
}

// Requirements implements gpu.Buffer.
func (b *Buffer) Requirements() gpu.MemReq {
	return gpu.MemReq{
		Size:      (b.size + 15) &^ 15,
		Alignment: 64,
		TypeBits:  allTypes(b.dev),
	}
}

// Bind implements gpu.Buffer.
func (b *Buffer) Bind(m gpu.Memory, off int64) error {
	if err := bind(&b.object, b.Requirements(), m, off); err != nil {
		return err
	}
	b.Mem, b.Off = m.(*Memory), off
	return nil
}

// Image is a mock gpu.Image.
type Image struct {
	object
	Desc  gpu.ImageDesc
	owned bool
}

// Requirements implements gpu.Image.
func (img *Image) Requirements() gpu.MemReq {
	var size int64
	w, h := int64(img.Desc.Width), int64(img.Desc.Height)
	for i := 0; i < max(1, img.Desc.Levels); i++ {
		size += w * h * 4
		w, h = max(1, w/2), max(1, h/2)
	}
	size *= int64(max(1, img.Desc.Samples))
	return gpu.MemReq{
		Size:      size,
		Alignment: 1024,
		TypeBits:  deviceLocalTypes(img.dev),
	}
}

// Bind implements gpu.Image.
func (img *Image) Bind(m gpu.Memory, off int64) error {
	return bind(&img.object, img.Requirements(), m, off)
}

// NewView implements gpu.Image.
func (img *Image) NewView(aspect gpu.Aspect, levels int) (gpu.ImageView, error) {
	d := img.dev
	d.mu.Lock()
	d.views++
	fail := d.failViewAt > 0 && d.views == d.failViewAt
	d.mu.Unlock()
	if fail {
		return nil, errors.New("gputest: injected image view failure")
	}
	v := &object{dev: d}
	d.created()
	return v, nil
}

// Destroy implements gpu.Destroyer.
func (img *Image) Destroy() {
	if img.owned {
		img.dev.violate("swapchain image destroyed by the caller")
		return
	}
	img.object.Destroy()
}

// PipelineCache is a mock gpu.PipelineCache.
// Its data grows by one byte per pipeline created with it.
type PipelineCache struct {
	object
	mu   sync.Mutex
	data []byte
}

func (c *PipelineCache) add() {
	c.mu.Lock()
	c.data = append(c.data, 'p')
	c.mu.Unlock()
}

// Data implements gpu.PipelineCache.
func (c *PipelineCache) Data() ([]byte, error) {
	if c.Destroyed() {
		return nil, errors.New("gputest: data of a destroyed pipeline cache")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte("gputest:"), c.data...), nil
}

// DescriptorPool is a mock gpu.DescriptorPool.
type DescriptorPool struct {
	object
	max  int
	sets int
}

// Alloc implements gpu.DescriptorPool.
func (p *DescriptorPool) Alloc(layout gpu.SetLayout) (gpu.DescriptorSet, error) {
	p.dev.mu.Lock()
	defer p.dev.mu.Unlock()
	if p.sets >= p.max {
		return nil, errors.New("gputest: descriptor pool exhausted")
	}
	p.sets++
	return &DescriptorSet{dev: p.dev}, nil
}

// DescriptorSet is a mock gpu.DescriptorSet.
type DescriptorSet struct {
	dev *Device
}

// WriteBuffer implements gpu.DescriptorSet.
func (s *DescriptorSet) WriteBuffer(binding int, typ gpu.DescriptorType, buf gpu.Buffer, off, size int64) {
	s.dev.mu.Lock()
	s.dev.writes = append(s.dev.writes, Write{Binding: binding, Off: off, Size: size})
	s.dev.mu.Unlock()
}

// WriteImage implements gpu.DescriptorSet.
func (s *DescriptorSet) WriteImage(binding int, view gpu.ImageView, splr gpu.Sampler) {}

// Semaphore is a mock binary gpu.Semaphore. It is signaled by an
// acquire and unsignaled by the submission or present that waits
// on it.
type Semaphore struct {
	object
	signaled bool
}

// Signaled reports whether the semaphore is signaled.
func (s *Semaphore) Signaled() bool {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	return s.signaled
}

// unsignal clears the semaphores waited on. d.mu must be held.
func unsignal(wait []gpu.Semaphore) {
	for _, w := range wait {
		if s, ok := w.(*Semaphore); ok {
			s.signaled = false
		}
	}
}

// Swapchain is a mock gpu.Swapchain.
type Swapchain struct {
	object
	Desc   gpu.SwapchainDesc
	Old    gpu.Swapchain
	images []*Image

	next     int
	acquires int
}

// Images implements gpu.Swapchain.
func (sc *Swapchain) Images() []gpu.Image {
	s := make([]gpu.Image, len(sc.images))
	for i, img := range sc.images {
		s[i] = img
	}
	return s
}

// Acquires returns the number of successful acquires.
func (sc *Swapchain) Acquires() int {
	sc.dev.mu.Lock()
	defer sc.dev.mu.Unlock()
	return sc.acquires
}

// Acquire implements gpu.Swapchain.
func (sc *Swapchain) Acquire(signal gpu.Semaphore, timeout time.Duration) (int, error) {
	d := sc.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if sc.gone {
		return -1, errors.New("gputest: acquire from a destroyed swapchain")
	}
	var res error
	if len(d.acquireQueue) > 0 {
		res = d.acquireQueue[0]
		d.acquireQueue = d.acquireQueue[1:]
	}
	if res != nil && !errors.Is(res, gpu.ErrSuboptimal) {
		return -1, res
	}
	if sem, ok := signal.(*Semaphore); ok {
		if sem.signaled {
			d.violations = append(d.violations, "acquire signals a semaphore that is already signaled")
		}
		sem.signaled = true
	}
	i := sc.next
	sc.next = (sc.next + 1) % len(sc.images)
	sc.acquires++
	return i, res
}
