package vk

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vulkan-go/vulkan"

	"Dragonfire/internal/gpu"
)

// Memory is a block of device memory.
// The priority hint is kept for the allocator's bookkeeping; the
// 1.1 API has no core way to pass it to the driver.
type Memory struct {
	d        *Device
	mem      vulkan.DeviceMemory
	size     int64
	typ      int
	priority float32

	mu     sync.Mutex
	mapped []byte
}

// AllocateMemory implements gpu.Device.
func (d *Device) AllocateMemory(typeIndex int, size int64, priority float32) (gpu.Memory, error) {
	if typeIndex < 0 || typeIndex >= len(d.memTypes) {
		return nil, errors.Newf("vk: memory type %d out of range", typeIndex)
	}
	info := vulkan.MemoryAllocateInfo{
		SType:           vulkan.StructureTypeMemoryAllocateInfo,
		AllocationSize:  vulkan.DeviceSize(size),
		MemoryTypeIndex: uint32(typeIndex),
	}
	var mem vulkan.DeviceMemory
	if err := checkResult(vulkan.AllocateMemory(d.dev, &info, nil, &mem), "allocate memory"); err != nil {
		return nil, err
	}
	return &Memory{d: d, mem: mem, size: size, typ: typeIndex, priority: priority}, nil
}

// Size implements gpu.Memory.
func (m *Memory) Size() int64 { return m.size }

// Map implements gpu.Memory.
func (m *Memory) Map() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mapped != nil {
		return m.mapped, nil
	}
	if m.d.memTypes[m.typ].Props&gpu.MemHostVisible == 0 {
		return nil, errors.New("vk: mapping memory that is not host visible")
	}
	var p unsafe.Pointer
	res := vulkan.MapMemory(m.d.dev, m.mem, 0, vulkan.DeviceSize(m.size), 0, &p)
	if err := checkResult(res, "map memory"); err != nil {
		return nil, err
	}
	m.mapped = unsafe.Slice((*byte)(p), m.size)
	return m.mapped, nil
}

// Destroy implements gpu.Destroyer.
func (m *Memory) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mem == vulkan.DeviceMemory(vulkan.NullHandle) {
		return
	}
	if m.mapped != nil {
		vulkan.UnmapMemory(m.d.dev, m.mem)
		m.mapped = nil
	}
	vulkan.FreeMemory(m.d.dev, m.mem, nil)
	m.mem = vulkan.DeviceMemory(vulkan.NullHandle)
}

func memReq(req vulkan.MemoryRequirements) gpu.MemReq {
	req.Deref()
	return gpu.MemReq{
		Size:      int64(req.Size),
		Alignment: int64(req.Alignment),
		TypeBits:  req.MemoryTypeBits,
	}
}

// Buffer is a Vulkan buffer.
type Buffer struct {
	d   *Device
	buf vulkan.Buffer
}

// NewBuffer implements gpu.Device.
func (d *Device) NewBuffer(size int64, usage gpu.BufferUsage) (gpu.Buffer, error) {
	info := vulkan.BufferCreateInfo{
		SType:       vulkan.StructureTypeBufferCreateInfo,
		Size:        vulkan.DeviceSize(size),
		Usage:       vkBufferUsage(usage),
		SharingMode: vulkan.SharingModeExclusive,
	}
	var buf vulkan.Buffer
	if err := checkResult(vulkan.CreateBuffer(d.dev, &info, nil, &buf), "create buffer"); err != nil {
		return nil, err
	}
	return &Buffer{d: d, buf: buf}, nil
}

// Requirements implements gpu.Buffer.
func (b *Buffer) Requirements() gpu.MemReq {
	var req vulkan.MemoryRequirements
	vulkan.GetBufferMemoryRequirements(b.d.dev, b.buf, &req)
	return memReq(req)
}

// Bind implements gpu.Buffer.
func (b *Buffer) Bind(m gpu.Memory, off int64) error {
	res := vulkan.BindBufferMemory(b.d.dev, b.buf, m.(*Memory).mem, vulkan.DeviceSize(off))
	return checkResult(res, "bind buffer memory")
}

// Destroy implements gpu.Destroyer.
func (b *Buffer) Destroy() {
	if b.buf != vulkan.Buffer(vulkan.NullHandle) {
		vulkan.DestroyBuffer(b.d.dev, b.buf, nil)
		b.buf = vulkan.Buffer(vulkan.NullHandle)
	}
}

// Image is a Vulkan image. Swapchain images are not owned and
// ignore Destroy.
type Image struct {
	d      *Device
	img    vulkan.Image
	format vulkan.Format
	levels int
	owned  bool
}

// NewImage implements gpu.Device.
func (d *Device) NewImage(desc *gpu.ImageDesc) (gpu.Image, error) {
	levels := desc.Levels
	if levels < 1 {
		levels = 1
	}
	info := vulkan.ImageCreateInfo{
		SType:     vulkan.StructureTypeImageCreateInfo,
		ImageType: vulkan.ImageType2d,
		Extent: vulkan.Extent3D{
			Width:  uint32(desc.Width),
			Height: uint32(desc.Height),
			Depth:  1,
		},
		MipLevels:     uint32(levels),
		ArrayLayers:   1,
		Format:        vkFormat(desc.Format),
		Tiling:        vulkan.ImageTilingOptimal,
		InitialLayout: vulkan.ImageLayoutUndefined,
		Usage:         vkImageUsage(desc.Usage),
		Samples:       vkSamples(desc.Samples),
		SharingMode:   vulkan.SharingModeExclusive,
	}
	var img vulkan.Image
	if err := checkResult(vulkan.CreateImage(d.dev, &info, nil, &img), "create image"); err != nil {
		return nil, err
	}
	return &Image{d: d, img: img, format: info.Format, levels: levels, owned: true}, nil
}

// Requirements implements gpu.Image.
func (i *Image) Requirements() gpu.MemReq {
	var req vulkan.MemoryRequirements
	vulkan.GetImageMemoryRequirements(i.d.dev, i.img, &req)
	return memReq(req)
}

// Bind implements gpu.Image.
func (i *Image) Bind(m gpu.Memory, off int64) error {
	res := vulkan.BindImageMemory(i.d.dev, i.img, m.(*Memory).mem, vulkan.DeviceSize(off))
	return checkResult(res, "bind image memory")
}

// NewView implements gpu.Image.
func (i *Image) NewView(aspect gpu.Aspect, levels int) (gpu.ImageView, error) {
	if levels < 1 || levels > i.levels {
		levels = i.levels
	}
	info := vulkan.ImageViewCreateInfo{
		SType:    vulkan.StructureTypeImageViewCreateInfo,
		Image:    i.img,
		ViewType: vulkan.ImageViewType2d,
		Format:   i.format,
		Components: vulkan.ComponentMapping{
			R: vulkan.ComponentSwizzleIdentity,
			G: vulkan.ComponentSwizzleIdentity,
			B: vulkan.ComponentSwizzleIdentity,
			A: vulkan.ComponentSwizzleIdentity,
		},
		SubresourceRange: vulkan.ImageSubresourceRange{
			AspectMask:     vkAspect(aspect),
			BaseMipLevel:   0,
			LevelCount:     uint32(levels),
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	}
	var view vulkan.ImageView
	if err := checkResult(vulkan.CreateImageView(i.d.dev, &info, nil, &view), "create image view"); err != nil {
		return nil, err
	}
	return &ImageView{d: i.d, view: view}, nil
}

// Destroy implements gpu.Destroyer.
func (i *Image) Destroy() {
	if !i.owned {
		return
	}
	if i.img != vulkan.Image(vulkan.NullHandle) {
		vulkan.DestroyImage(i.d.dev, i.img, nil)
		i.img = vulkan.Image(vulkan.NullHandle)
	}
}

// ImageView is a Vulkan image view.
type ImageView struct {
	d    *Device
	view vulkan.ImageView
}

// Destroy implements gpu.Destroyer.
func (v *ImageView) Destroy() {
	if v.view != vulkan.ImageView(vulkan.NullHandle) {
		vulkan.DestroyImageView(v.d.dev, v.view, nil)
		v.view = vulkan.ImageView(vulkan.NullHandle)
	}
}

// Sampler is a Vulkan sampler.
type Sampler struct {
	d *Device
	s vulkan.Sampler
}

// NewSampler implements gpu.Device.
func (d *Device) NewSampler(desc *gpu.SamplerDesc) (gpu.Sampler, error) {
	address := vulkan.SamplerAddressModeClampToEdge
	if desc.Repeat {
		address = vulkan.SamplerAddressModeRepeat
	}
	levels := desc.Levels
	if levels < 1 {
		levels = 1
	}
	info := vulkan.SamplerCreateInfo{
		SType:                   vulkan.StructureTypeSamplerCreateInfo,
		MagFilter:               vulkan.FilterLinear,
		MinFilter:               vulkan.FilterLinear,
		AddressModeU:            address,
		AddressModeV:            address,
		AddressModeW:            address,
		AnisotropyEnable:        bool32(desc.Anisotropy > 1),
		MaxAnisotropy:           1,
		BorderColor:             vulkan.BorderColorIntOpaqueBlack,
		UnnormalizedCoordinates: vulkan.False,
		CompareEnable:           vulkan.False,
		CompareOp:               vulkan.CompareOpAlways,
		MipmapMode:              vulkan.SamplerMipmapModeLinear,
		MinLod:                  0,
		MaxLod:                  float32(levels),
	}
	if desc.Anisotropy > 1 {
		info.MaxAnisotropy = desc.Anisotropy
	}
	var s vulkan.Sampler
	if err := checkResult(vulkan.CreateSampler(d.dev, &info, nil, &s), "create sampler"); err != nil {
		return nil, err
	}
	return &Sampler{d: d, s: s}, nil
}

// Destroy implements gpu.Destroyer.
func (s *Sampler) Destroy() {
	if s.s != vulkan.Sampler(vulkan.NullHandle) {
		vulkan.DestroySampler(s.d.dev, s.s, nil)
		s.s = vulkan.Sampler(vulkan.NullHandle)
	}
}
